// Package join implements the join-request handler. Devices with
// locally stored root keys are activated by the built-in join-server,
// all others are activated through the Backend Interfaces JoinReq
// exchange with their external join-server.
package join

import (
	"context"
	"crypto/aes"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/loracore/loracore/internal/backend/joinserver"
	"github.com/loracore/loracore/internal/band"
	"github.com/loracore/loracore/internal/config"
	dljoin "github.com/loracore/loracore/internal/downlink/join"
	"github.com/loracore/loracore/internal/integration"
	"github.com/loracore/loracore/internal/logging"
	"github.com/loracore/loracore/internal/models"
	"github.com/loracore/loracore/internal/storage"
	pb "github.com/brocaar/chirpstack-api/go/v3/as/integration"
	"github.com/brocaar/lorawan"
	"github.com/brocaar/lorawan/backend"
	loraband "github.com/brocaar/lorawan/band"
)

const joinLockKeyTempl = "lock:join:%s:%d"

// activation holds the outcome of a join: the join-accept frame to
// transmit and the session-keys of the new session.
type activation struct {
	joinAcceptBytes []byte

	fNwkSIntKey     lorawan.AES128Key
	sNwkSIntKey     lorawan.AES128Key
	nwkSEncKey      lorawan.AES128Key
	appSKeyEnvelope *storage.KeyEnvelope
}

// Handle processes a deduplicated join-request frame-set.
func Handle(ctx context.Context, rxPacket models.RXPacket) error {
	jrPL, ok := rxPacket.PHYPayload.MACPayload.(*lorawan.JoinRequestPayload)
	if !ok {
		return errors.Errorf("expected *lorawan.JoinRequestPayload, got %T", rxPacket.PHYPayload.MACPayload)
	}

	conf := config.Get()

	// the same join-request received through a second region would be
	// processed twice without the nonce-scoped lock
	err := storage.LockKey(ctx, storage.GetRedisKey(joinLockKeyTempl, jrPL.DevEUI, jrPL.DevNonce), conf.NetworkServer.Scheduler.ClassALockDuration)
	if err != nil {
		if errors.Cause(err) == storage.ErrAlreadyExists {
			slog.Warn("join-request dropped, already being processed", "component", "uplink", "dev_eui", jrPL.DevEUI.String(), "ctx_id", ctx.Value(logging.ContextIDKey))
			return nil
		}
		return err
	}

	device, err := storage.GetDevice(ctx, jrPL.DevEUI)
	if err != nil {
		if errors.Cause(err) == storage.ErrDoesNotExist {
			slog.Warn("join-request from unknown device dropped", "component", "uplink", "dev_eui", jrPL.DevEUI.String(), "ctx_id", ctx.Value(logging.ContextIDKey))
			return nil
		}
		return errors.Wrap(err, "get device error")
	}
	if device.IsDisabled {
		slog.Info("join-request from disabled device dropped", "component", "uplink", "dev_eui", jrPL.DevEUI.String(), "ctx_id", ctx.Value(logging.ContextIDKey))
		return nil
	}

	dp, err := storage.GetDeviceProfile(ctx, device.DeviceProfileID)
	if err != nil {
		return errors.Wrap(err, "get device-profile error")
	}
	if !dp.SupportsJoin {
		return errors.New("device-profile does not support otaa")
	}

	region, err := band.Get(rxPacket.RegionConfigID)
	if err != nil {
		return err
	}

	devAddr, err := storage.GetRandomDevAddr(conf.NetworkServer.NetID)
	if err != nil {
		return err
	}

	dlSettings := lorawan.DLSettings{
		OptNeg:      isMACVersion11(dp.MACVersion),
		RX2DataRate: uint8(region.RX2DR),
		RX1DROffset: uint8(region.RX1DROffset),
	}
	rxDelay := region.RX1Delay
	cFList := region.Band.GetCFList(dp.MACVersion)

	var act activation

	dk, err := storage.GetDeviceKeys(ctx, jrPL.DevEUI)
	switch errors.Cause(err) {
	case nil:
		act, err = handleLocalJoin(ctx, rxPacket, jrPL, dk, devAddr, dlSettings, rxDelay, cFList, conf.NetworkServer.NetID)
	case storage.ErrDoesNotExist:
		act, err = handleExternalJoin(ctx, rxPacket, jrPL, dp, devAddr, dlSettings, rxDelay, cFList)
	default:
		return errors.Wrap(err, "get device-keys error")
	}
	if err != nil {
		emitOTAAError(ctx, jrPL.DevEUI, err)
		return err
	}

	ds := storage.DeviceSession{
		MACVersion:      dp.MACVersion,
		DeviceProfileID: device.DeviceProfileID,

		DevAddr:         devAddr,
		DevEUI:          jrPL.DevEUI,
		JoinEUI:         jrPL.JoinEUI,
		FNwkSIntKey:     act.fNwkSIntKey,
		SNwkSIntKey:     act.sNwkSIntKey,
		NwkSEncKey:      act.nwkSEncKey,
		AppSKeyEnvelope: act.appSKeyEnvelope,

		SkipFCntValidation: device.SkipFCntCheck,

		RXDelay:      uint8(rxDelay),
		RX1DROffset:  uint8(region.RX1DROffset),
		RX2DR:        uint8(region.RX2DR),
		RX2Frequency: region.RX2Frequency,

		DR:      rxPacket.DR,
		NbTrans: 1,

		EnabledUplinkChannels: region.Band.GetStandardUplinkChannelIndices(),
		ExtraUplinkChannels:   make(map[int]loraband.Channel),

		PingSlotDR:        dp.PingSlotDR,
		PingSlotFrequency: dp.PingSlotFreq,

		RejoinRequestEnabled:   conf.NetworkServer.NetworkSettings.RejoinRequest.Enabled,
		RejoinRequestMaxCountN: conf.NetworkServer.NetworkSettings.RejoinRequest.MaxCountN,
		RejoinRequestMaxTimeN:  conf.NetworkServer.NetworkSettings.RejoinRequest.MaxTimeN,
	}

	if dp.PingSlotPeriod > 0 {
		ds.PingSlotNb = (1 << 12) / dp.PingSlotPeriod
	}

	// the channels advertised in the CFList are enabled right away
	for _, i := range region.Band.GetCustomUplinkChannelIndices() {
		ch, err := region.Band.GetUplinkChannel(i)
		if err != nil {
			return errors.Wrap(err, "get uplink channel error")
		}
		ds.ExtraUplinkChannels[i] = ch
		ds.EnabledUplinkChannels = append(ds.EnabledUplinkChannels, i)
	}

	// a re-join invalidates everything queued for the old session
	if err := storage.FlushDeviceQueue(ctx, jrPL.DevEUI); err != nil {
		return errors.Wrap(err, "flush device-queue error")
	}

	if err := storage.SaveDeviceSession(ctx, ds); err != nil {
		return errors.Wrap(err, "save device-session error")
	}

	device.Mode = storage.DeviceModeA
	if err := storage.UpdateDevice(ctx, &device); err != nil {
		slog.Error("update device error", "component", "uplink", "dev_eui", jrPL.DevEUI.String(), "error", err, "ctx_id", ctx.Value(logging.ContextIDKey))
	}

	if i := integration.ForDevice(); i != nil {
		if err := i.SendJoinEvent(ctx, pb.JoinEvent{
			DevEui:  ds.DevEUI[:],
			DevAddr: ds.DevAddr[:],
			RxInfo:  rxPacket.RXInfoSet,
			TxInfo:  rxPacket.TXInfo,
			Dr:      uint32(rxPacket.DR),
		}); err != nil {
			slog.Error("send join event error", "component", "uplink", "dev_eui", ds.DevEUI.String(), "error", err)
		}
	}

	slog.Info("device activated", "component", "uplink",
		"dev_eui", ds.DevEUI.String(),
		"dev_addr", ds.DevAddr.String(),
		"mac_version", ds.MACVersion,
		"ctx_id", ctx.Value(logging.ContextIDKey))

	return dljoin.Handle(ctx, rxPacket, ds, act.joinAcceptBytes)
}

// handleLocalJoin validates the join-request against the stored root
// keys, derives the session-keys and builds the join-accept frame.
func handleLocalJoin(ctx context.Context, rxPacket models.RXPacket, jrPL *lorawan.JoinRequestPayload, dk storage.DeviceKeys, devAddr lorawan.DevAddr, dlSettings lorawan.DLSettings, rxDelay int, cFList *lorawan.CFList, netID lorawan.NetID) (activation, error) {
	var act activation

	micOK, err := rxPacket.PHYPayload.ValidateUplinkJoinMIC(dk.NwkKey)
	if err != nil {
		return act, errors.Wrap(err, "validate join-request mic error")
	}
	if !micOK {
		return act, errors.New("invalid join-request mic")
	}

	if err := dk.ValidateDevNonce(jrPL.DevNonce); err != nil {
		return act, errors.Wrap(err, "devnonce already used")
	}

	joinNonce := lorawan.JoinNonce(dk.JoinNonce)
	dk.JoinNonce++
	if err := storage.UpdateDeviceKeys(ctx, &dk); err != nil {
		return act, errors.Wrap(err, "update device-keys error")
	}

	jaPHY := lorawan.PHYPayload{
		MHDR: lorawan.MHDR{
			MType: lorawan.JoinAccept,
			Major: lorawan.LoRaWANR1,
		},
		MACPayload: &lorawan.JoinAcceptPayload{
			JoinNonce:  joinNonce,
			HomeNetID:  netID,
			DevAddr:    devAddr,
			DLSettings: dlSettings,
			RXDelay:    uint8(rxDelay),
			CFList:     cFList,
		},
	}

	if dlSettings.OptNeg {
		jsIntKey, err := deriveJSIntKey(dk.NwkKey, jrPL.DevEUI)
		if err != nil {
			return act, err
		}
		if err := jaPHY.SetDownlinkJoinMIC(lorawan.JoinRequestType, jrPL.JoinEUI, jrPL.DevNonce, jsIntKey); err != nil {
			return act, errors.Wrap(err, "set join-accept mic error")
		}
	} else {
		if err := jaPHY.SetDownlinkJoinMIC(lorawan.JoinRequestType, jrPL.JoinEUI, jrPL.DevNonce, dk.NwkKey); err != nil {
			return act, errors.Wrap(err, "set join-accept mic error")
		}
	}
	if err := jaPHY.EncryptJoinAcceptPayload(dk.NwkKey); err != nil {
		return act, errors.Wrap(err, "encrypt join-accept error")
	}
	act.joinAcceptBytes, err = jaPHY.MarshalBinary()
	if err != nil {
		return act, errors.Wrap(err, "marshal join-accept error")
	}

	var appSKey lorawan.AES128Key

	if dlSettings.OptNeg {
		act.fNwkSIntKey, err = deriveSessionKey(0x01, true, dk.NwkKey, netID, jrPL.JoinEUI, joinNonce, jrPL.DevNonce)
		if err != nil {
			return act, err
		}
		act.sNwkSIntKey, err = deriveSessionKey(0x03, true, dk.NwkKey, netID, jrPL.JoinEUI, joinNonce, jrPL.DevNonce)
		if err != nil {
			return act, err
		}
		act.nwkSEncKey, err = deriveSessionKey(0x04, true, dk.NwkKey, netID, jrPL.JoinEUI, joinNonce, jrPL.DevNonce)
		if err != nil {
			return act, err
		}
		appSKey, err = deriveSessionKey(0x02, true, dk.AppKey, netID, jrPL.JoinEUI, joinNonce, jrPL.DevNonce)
		if err != nil {
			return act, err
		}
	} else {
		// LoRaWAN 1.0: a single NwkSKey serves all three roles
		nwkSKey, err := deriveSessionKey(0x01, false, dk.NwkKey, netID, jrPL.JoinEUI, joinNonce, jrPL.DevNonce)
		if err != nil {
			return act, err
		}
		act.fNwkSIntKey = nwkSKey
		act.sNwkSIntKey = nwkSKey
		act.nwkSEncKey = nwkSKey
		appSKey, err = deriveSessionKey(0x02, false, dk.NwkKey, netID, jrPL.JoinEUI, joinNonce, jrPL.DevNonce)
		if err != nil {
			return act, err
		}
	}

	act.appSKeyEnvelope = &storage.KeyEnvelope{AESKey: appSKey[:]}

	return act, nil
}

// handleExternalJoin activates the device through the Backend
// Interfaces JoinReq/JoinAns exchange with its join-server.
func handleExternalJoin(ctx context.Context, rxPacket models.RXPacket, jrPL *lorawan.JoinRequestPayload, dp storage.DeviceProfile, devAddr lorawan.DevAddr, dlSettings lorawan.DLSettings, rxDelay int, cFList *lorawan.CFList) (activation, error) {
	var act activation

	client, err := joinserver.GetClientForJoinEUI(jrPL.JoinEUI)
	if err != nil {
		return act, errors.Wrap(err, "get join-server client error")
	}

	phyB, err := rxPacket.PHYPayload.MarshalBinary()
	if err != nil {
		return act, errors.Wrap(err, "marshal phypayload error")
	}

	var cFListB []byte
	if cFList != nil {
		cFListB, err = cFList.MarshalBinary()
		if err != nil {
			return act, errors.Wrap(err, "marshal cflist error")
		}
	}

	req := backend.JoinReqPayload{
		MACVersion: dp.MACVersion,
		PHYPayload: backend.HEXBytes(phyB),
		DevEUI:     jrPL.DevEUI,
		DevAddr:    devAddr,
		DLSettings: dlSettings,
		RxDelay:    rxDelay,
		CFList:     backend.HEXBytes(cFListB),
	}

	resp, err := client.JoinReq(ctx, req)
	if err != nil {
		return act, errors.Wrap(err, "join-request error")
	}
	if resp.Result.ResultCode != backend.Success {
		return act, errors.Errorf("join-server answer: %s (%s)", resp.Result.ResultCode, resp.Result.Description)
	}

	act.joinAcceptBytes = []byte(resp.PHYPayload)

	if dlSettings.OptNeg {
		if act.sNwkSIntKey, err = unwrapKeyEnvelope(resp.SNwkSIntKey); err != nil {
			return act, errors.Wrap(err, "unwrap snwksintkey error")
		}
		if act.fNwkSIntKey, err = unwrapKeyEnvelope(resp.FNwkSIntKey); err != nil {
			return act, errors.Wrap(err, "unwrap fnwksintkey error")
		}
		if act.nwkSEncKey, err = unwrapKeyEnvelope(resp.NwkSEncKey); err != nil {
			return act, errors.Wrap(err, "unwrap nwksenckey error")
		}
	} else {
		nwkSKey, err := unwrapKeyEnvelope(resp.NwkSKey)
		if err != nil {
			return act, errors.Wrap(err, "unwrap nwkskey error")
		}
		act.fNwkSIntKey = nwkSKey
		act.sNwkSIntKey = nwkSKey
		act.nwkSEncKey = nwkSKey
	}

	// the AppSKey stays (possibly KEK-wrapped) in its envelope, it is
	// only unwrapped when application payloads are (de)crypted
	if resp.AppSKey != nil {
		act.appSKeyEnvelope = &storage.KeyEnvelope{
			KEKLabel: resp.AppSKey.KEKLabel,
			AESKey:   resp.AppSKey.AESKey,
		}
	}

	return act, nil
}

func unwrapKeyEnvelope(e *backend.KeyEnvelope) (lorawan.AES128Key, error) {
	if e == nil {
		return lorawan.AES128Key{}, errors.New("key-envelope must not be nil")
	}

	var kek []byte
	var err error
	if e.KEKLabel != "" {
		kek, err = joinserver.GetKEKKey(e.KEKLabel)
		if err != nil {
			return lorawan.AES128Key{}, err
		}
	}
	return e.Unwrap(kek)
}

// deriveSessionKey derives one session-key from the given root key. For
// LoRaWAN 1.1 (optNeg) the JoinEUI enters the derivation, for 1.0 the
// home NetID does.
func deriveSessionKey(typ byte, optNeg bool, rootKey lorawan.AES128Key, netID lorawan.NetID, joinEUI lorawan.EUI64, joinNonce lorawan.JoinNonce, devNonce lorawan.DevNonce) (lorawan.AES128Key, error) {
	var key lorawan.AES128Key

	b := make([]byte, 0, 16)
	b = append(b, typ)

	jnB, err := joinNonce.MarshalBinary()
	if err != nil {
		return key, errors.Wrap(err, "marshal joinnonce error")
	}
	b = append(b, jnB...)

	if optNeg {
		euiB, err := joinEUI.MarshalBinary()
		if err != nil {
			return key, errors.Wrap(err, "marshal joineui error")
		}
		b = append(b, euiB...)
	} else {
		netIDB, err := netID.MarshalBinary()
		if err != nil {
			return key, errors.Wrap(err, "marshal netid error")
		}
		b = append(b, netIDB...)
	}

	dnB, err := devNonce.MarshalBinary()
	if err != nil {
		return key, errors.Wrap(err, "marshal devnonce error")
	}
	b = append(b, dnB...)

	pad := make([]byte, 16-len(b))
	b = append(b, pad...)

	block, err := aes.NewCipher(rootKey[:])
	if err != nil {
		return key, errors.Wrap(err, "new cipher error")
	}
	block.Encrypt(key[:], b)

	return key, nil
}

// deriveJSIntKey derives the 1.1 join-accept MIC key from the NwkKey.
func deriveJSIntKey(nwkKey lorawan.AES128Key, devEUI lorawan.EUI64) (lorawan.AES128Key, error) {
	var key lorawan.AES128Key

	b := make([]byte, 0, 16)
	b = append(b, 0x06)

	euiB, err := devEUI.MarshalBinary()
	if err != nil {
		return key, errors.Wrap(err, "marshal deveui error")
	}
	b = append(b, euiB...)
	b = append(b, make([]byte, 16-len(b))...)

	block, err := aes.NewCipher(nwkKey[:])
	if err != nil {
		return key, errors.Wrap(err, "new cipher error")
	}
	block.Encrypt(key[:], b)

	return key, nil
}

func isMACVersion11(v string) bool {
	return len(v) >= 3 && v[:3] == "1.1"
}

func emitOTAAError(ctx context.Context, devEUI lorawan.EUI64, err error) {
	i := integration.ForDevice()
	if i == nil {
		return
	}
	if sendErr := i.SendErrorEvent(ctx, pb.ErrorEvent{
		DevEui: devEUI[:],
		Type:   pb.ErrorType_OTAA,
		Error:  err.Error(),
	}); sendErr != nil {
		slog.Error("send error event error", "component", "uplink", "dev_eui", devEUI.String(), "error", sendErr)
	}
}
