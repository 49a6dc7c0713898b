package roaming

import (
	"bytes"
	"encoding/gob"

	"github.com/golang/protobuf/proto"
	"github.com/pkg/errors"

	"github.com/loracore/loracore/internal/band"
	"github.com/loracore/loracore/internal/helpers"
	"github.com/brocaar/chirpstack-api/go/v3/gw"
	"github.com/brocaar/lorawan/backend"
)

// fnsULToken is the opaque uplink token handed to the sNS. The sNS
// echoes it with a downlink and it routes the frame back to the region
// and gateway that received the uplink.
type fnsULToken struct {
	RegionConfigID string
	RXInfo         []byte
}

// NewFNSULToken builds the uplink token for the given region and
// gateway rx-info.
func NewFNSULToken(regionConfigID string, rxInfo *gw.UplinkRXInfo) (backend.HEXBytes, error) {
	rxInfoB, err := proto.Marshal(rxInfo)
	if err != nil {
		return nil, errors.Wrap(err, "marshal rx-info error")
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(fnsULToken{
		RegionConfigID: regionConfigID,
		RXInfo:         rxInfoB,
	}); err != nil {
		return nil, errors.Wrap(err, "gob encode error")
	}
	return backend.HEXBytes(buf.Bytes()), nil
}

// GetFNSULTokenContext decodes an uplink token issued by NewFNSULToken.
func GetFNSULTokenContext(token backend.HEXBytes) (string, *gw.UplinkRXInfo, error) {
	var t fnsULToken
	if err := gob.NewDecoder(bytes.NewReader(token)).Decode(&t); err != nil {
		return "", nil, errors.Wrap(err, "gob decode error")
	}

	var rxInfo gw.UplinkRXInfo
	if err := proto.Unmarshal(t.RXInfo, &rxInfo); err != nil {
		return "", nil, errors.Wrap(err, "unmarshal rx-info error")
	}
	return t.RegionConfigID, &rxInfo, nil
}

// RXInfoToGWInfo converts the gateway rx-info records of an uplink into
// Backend Interfaces GWInfo elements. The gateway context is carried in
// the ULToken so that a later downlink can be routed back.
func RXInfoToGWInfo(rxInfo []*gw.UplinkRXInfo) ([]backend.GWInfoElement, error) {
	var out []backend.GWInfoElement

	for i := range rxInfo {
		rssi := int(rxInfo[i].Rssi)
		snr := rxInfo[i].LoraSnr

		b, err := proto.Marshal(rxInfo[i])
		if err != nil {
			return nil, errors.Wrap(err, "marshal rx-info error")
		}

		e := backend.GWInfoElement{
			ID:        backend.HEXBytes(rxInfo[i].GatewayId),
			RSSI:      &rssi,
			SNR:       &snr,
			ULToken:   backend.HEXBytes(b),
			DLAllowed: true,
		}

		if loc := rxInfo[i].Location; loc != nil {
			e.Lat = &loc.Latitude
			e.Lon = &loc.Longitude
		}

		out = append(out, e)
	}

	return out, nil
}

// ULMetaDataToTXInfo reconstructs the uplink tx-info from the forwarded
// Backend Interfaces meta-data.
func ULMetaDataToTXInfo(ulMetaData backend.ULMetaData) (*gw.UplinkTXInfo, error) {
	var txInfo gw.UplinkTXInfo

	if ulMetaData.ULFreq != nil {
		txInfo.Frequency = uint32(*ulMetaData.ULFreq * 1000000)
	}

	if ulMetaData.DataRate != nil {
		region, err := band.GetByCommonName(ulMetaData.RFRegion)
		if err != nil {
			return nil, err
		}
		if err := helpers.SetUplinkTXInfoDataRate(&txInfo, int(*ulMetaData.DataRate), region.Band); err != nil {
			return nil, errors.Wrap(err, "set uplink tx-info data-rate error")
		}
	}

	return &txInfo, nil
}

// ULMetaDataToRXInfo reconstructs the gateway rx-info records from the
// forwarded Backend Interfaces meta-data. Gateways without an ULToken
// can not receive a downlink and are represented by their reported
// RSSI / SNR only.
func ULMetaDataToRXInfo(ulMetaData backend.ULMetaData) ([]*gw.UplinkRXInfo, error) {
	var out []*gw.UplinkRXInfo

	for i := range ulMetaData.GWInfo {
		gwInfo := ulMetaData.GWInfo[i]

		if len(gwInfo.ULToken) != 0 {
			var rxInfo gw.UplinkRXInfo
			if err := proto.Unmarshal(gwInfo.ULToken, &rxInfo); err != nil {
				return nil, errors.Wrap(err, "unmarshal ul-token error")
			}
			out = append(out, &rxInfo)
			continue
		}

		rxInfo := gw.UplinkRXInfo{
			GatewayId: gwInfo.ID[:],
		}
		if gwInfo.RSSI != nil {
			rxInfo.Rssi = int32(*gwInfo.RSSI)
		}
		if gwInfo.SNR != nil {
			rxInfo.LoraSnr = *gwInfo.SNR
		}
		out = append(out, &rxInfo)
	}

	return out, nil
}
