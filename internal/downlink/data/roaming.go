package data

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/loracore/loracore/internal/band"
	"github.com/loracore/loracore/internal/config"
	"github.com/loracore/loracore/internal/logging"
	"github.com/loracore/loracore/internal/metrics"
	"github.com/loracore/loracore/internal/models"
	"github.com/loracore/loracore/internal/roaming"
	"github.com/loracore/loracore/internal/storage"
	"github.com/brocaar/lorawan"
	"github.com/brocaar/lorawan/backend"
)

// handleRoamingResponse serves the Class-A downlink of a device whose
// uplink was forwarded by another network-server: instead of emitting
// through a local gateway, the frame is handed back to the fNS with the
// RX window parameters. There is no tx-ack on this path, the fNS answer
// commits the frame.
func handleRoamingResponse(ctx context.Context, rxPacket models.RXPacket, ds *storage.DeviceSession, dp storage.DeviceProfile, qi *storage.DeviceQueueItem, macBlocks []storage.MACCommandBlock, mustAck bool, region *band.Region) error {
	var netID lorawan.NetID
	if err := netID.UnmarshalText([]byte(rxPacket.RoamingMetaData.BasePayload.SenderID)); err != nil {
		return errors.Wrap(err, "decode sender netid error")
	}

	rx1Freq, err := region.Band.GetRX1FrequencyForUplinkFrequency(rxPacket.TXInfo.Frequency)
	if err != nil {
		return errors.Wrap(err, "get rx1 frequency error")
	}
	rx1DR, err := region.Band.GetRX1DataRateIndex(rxPacket.DR, int(ds.RX1DROffset))
	if err != nil {
		return errors.Wrap(err, "get rx1 data-rate error")
	}

	maxN, err := maxPayloadSize(region, dp, rx1DR, int(ds.RX2DR))
	if err != nil {
		return err
	}

	phyB, _, err := buildPHYPayload(ctx, ds, dp, qi, macBlocks, mustAck, maxN)
	if err != nil {
		return err
	}
	if phyB == nil {
		return nil
	}

	fCnt, fPort, confirmed, err := decodePHYMeta(phyB)
	if err != nil {
		return err
	}

	rx2Freq := ds.RX2Frequency
	if rx2Freq == 0 {
		rx2Freq = region.RX2Frequency
	}

	dlFreq1 := float64(rx1Freq) / 1000000
	dlFreq2 := float64(rx2Freq) / 1000000
	dataRate2 := int(ds.RX2DR)
	rxDelay1 := getRXDelay(*ds, region)
	classMode := "A"

	dlMetaData := backend.DLMetaData{
		DevEUI:     &ds.DevEUI,
		ClassMode:  &classMode,
		DLFreq1:    &dlFreq1,
		DataRate1:  &rx1DR,
		RXDelay1:   &rxDelay1,
		DLFreq2:    &dlFreq2,
		DataRate2:  &dataRate2,
		FNSULToken: rxPacket.RoamingMetaData.ULMetaData.FNSULToken,
	}
	for _, gwInfo := range rxPacket.RoamingMetaData.ULMetaData.GWInfo {
		if !gwInfo.DLAllowed {
			continue
		}
		dlMetaData.GWInfo = append(dlMetaData.GWInfo, backend.GWInfoElement{
			ID:        gwInfo.ID,
			ULToken:   gwInfo.ULToken,
			DLAllowed: true,
		})
	}

	if err := roaming.XmitDataDownlink(ctx, netID, phyB, dlMetaData); err != nil {
		return err
	}

	metrics.DownlinksScheduled.WithLabelValues("roaming").Inc()

	if qi != nil {
		if confirmed {
			qi.IsPending = true
			timeout := time.Now().Add(config.Get().NetworkServer.Scheduler.ClassCLockDuration)
			qi.TimeoutAfter = &timeout
			if err := storage.UpdateDeviceQueueItem(ctx, qi); err != nil {
				return errors.Wrap(err, "update device-queue item error")
			}
		} else {
			if err := storage.DeleteDeviceQueueItem(ctx, *qi); err != nil {
				return errors.Wrap(err, "delete device-queue item error")
			}
			if ds.GetMACVersion() == lorawan.LoRaWAN1_1 && fPort > 0 {
				ds.AFCntDown = fCnt + 1
			} else {
				ds.NFCntDown = fCnt + 1
			}
		}
	} else {
		ds.NFCntDown = fCnt + 1
	}

	slog.Info("downlink scheduled through roaming partner", "component", "downlink",
		"dev_eui", ds.DevEUI.String(),
		"net_id", netID.String(),
		"fcnt", fCnt,
		"ctx_id", ctx.Value(logging.ContextIDKey))

	ds.LastDownlinkTX = time.Now()
	return nil
}

func decodePHYMeta(phyB []byte) (uint32, uint8, bool, error) {
	var phy lorawan.PHYPayload
	if err := phy.UnmarshalBinary(phyB); err != nil {
		return 0, 0, false, errors.Wrap(err, "unmarshal phypayload error")
	}
	macPL, ok := phy.MACPayload.(*lorawan.MACPayload)
	if !ok {
		return 0, 0, false, errors.Errorf("expected *lorawan.MACPayload, got %T", phy.MACPayload)
	}

	var fPort uint8
	if macPL.FPort != nil {
		fPort = *macPL.FPort
	}
	return macPL.FHDR.FCnt, fPort, phy.MHDR.MType == lorawan.ConfirmedDataDown, nil
}
