// Package api serves the Backend Interfaces HTTP endpoint: the sNS side
// of passive roaming (PRStartReq / XmitDataReq for forwarded uplinks),
// the fNS side of downlink delivery and session teardown, and the
// ingestion of asynchronous answers.
package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gofrs/uuid"
	"github.com/pkg/errors"

	"github.com/loracore/loracore/internal/backend/gateway"
	"github.com/loracore/loracore/internal/band"
	"github.com/loracore/loracore/internal/config"
	"github.com/loracore/loracore/internal/helpers"
	"github.com/loracore/loracore/internal/logging"
	"github.com/loracore/loracore/internal/metrics"
	"github.com/loracore/loracore/internal/models"
	"github.com/loracore/loracore/internal/roaming"
	"github.com/loracore/loracore/internal/storage"
	"github.com/loracore/loracore/internal/uplink"
	"github.com/brocaar/chirpstack-api/go/v3/gw"
	"github.com/brocaar/lorawan"
	"github.com/brocaar/lorawan/backend"
	"github.com/golang/protobuf/ptypes"
	"github.com/golang/protobuf/ptypes/duration"
)

// Server is the Backend Interfaces HTTP server.
type Server struct {
	server *http.Server
}

// NewServer returns a new Backend Interfaces server bound per the
// roaming configuration.
func NewServer(conf config.Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.POST("/", handleRequest)

	return &Server{
		server: &http.Server{
			Addr:    conf.Roaming.API.Bind,
			Handler: r,
		},
	}
}

// Start starts the HTTP listener.
func (s *Server) Start() error {
	conf := config.Get()

	go func() {
		var err error
		if conf.Roaming.API.TLSCert != "" {
			err = s.server.ListenAndServeTLS(conf.Roaming.API.TLSCert, conf.Roaming.API.TLSKey)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			slog.Error("backend interfaces listener error", "component", "roaming-api", "error", err)
		}
	}()

	slog.Info("backend interfaces api started", "component", "roaming-api", "bind", s.server.Addr)
	return nil
}

// Stop shuts the listener down.
func (s *Server) Stop() error {
	return s.server.Shutdown(context.Background())
}

func handleRequest(c *gin.Context) {
	b, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}

	var basePL backend.BasePayload
	if err := json.Unmarshal(b, &basePL); err != nil {
		c.Status(http.StatusBadRequest)
		return
	}

	metrics.RoamingAPIRequests.WithLabelValues(string(basePL.MessageType)).Inc()

	ctx := c.Request.Context()

	slog.Info("backend interfaces request received", "component", "roaming-api",
		"message_type", string(basePL.MessageType),
		"sender_id", basePL.SenderID,
		"transaction_id", basePL.TransactionID)

	switch basePL.MessageType {
	case backend.PRStartReq:
		handlePRStartReq(c, ctx, basePL, b)
	case backend.PRStopReq:
		handlePRStopReq(c, ctx, basePL, b)
	case backend.XmitDataReq:
		handleXmitDataReq(c, ctx, basePL, b)
	case backend.PRStartAns, backend.PRStopAns, backend.XmitDataAns, backend.HomeNSAns:
		handleAsyncAnswer(c, ctx, basePL, b)
	default:
		writeAnswer(c, backend.PRStartAnsPayload{
			BasePayloadResult: basePayloadResult(basePL, backend.MalformedRequest, "unhandled message-type"),
		})
	}
}

// handlePRStartReq answers a passive-roaming start of a forwarding
// network-server: the device is resolved locally by DevAddr and MIC, the
// session key and frame-counter are returned, and the uplink itself runs
// through the regular pipeline.
func handlePRStartReq(c *gin.Context, ctx context.Context, basePL backend.BasePayload, b []byte) {
	var pl backend.PRStartReqPayload
	if err := json.Unmarshal(b, &pl); err != nil {
		writeAnswer(c, backend.PRStartAnsPayload{
			BasePayloadResult: basePayloadResult(basePL, backend.MalformedRequest, err.Error()),
		})
		return
	}

	var senderNetID lorawan.NetID
	if err := senderNetID.UnmarshalText([]byte(basePL.SenderID)); err != nil {
		writeAnswer(c, backend.PRStartAnsPayload{
			BasePayloadResult: basePayloadResult(basePL, backend.MalformedRequest, "invalid sender netid"),
		})
		return
	}

	var phy lorawan.PHYPayload
	if err := phy.UnmarshalBinary(pl.PHYPayload); err != nil {
		writeAnswer(c, backend.PRStartAnsPayload{
			BasePayloadResult: basePayloadResult(basePL, backend.MalformedRequest, err.Error()),
		})
		return
	}
	if phy.MHDR.MType != lorawan.UnconfirmedDataUp && phy.MHDR.MType != lorawan.ConfirmedDataUp {
		writeAnswer(c, backend.PRStartAnsPayload{
			BasePayloadResult: basePayloadResult(basePL, backend.MalformedRequest, "only data uplinks are supported"),
		})
		return
	}
	if pl.ULMetaData.DataRate == nil {
		writeAnswer(c, backend.PRStartAnsPayload{
			BasePayloadResult: basePayloadResult(basePL, backend.MalformedRequest, "DataRate is missing"),
		})
		return
	}

	conf := config.Get()
	ds, err := storage.GetDeviceSessionForPHYPayload(ctx, phy, conf.NetworkServer.NetworkSettings.MaxFCntGap, *pl.ULMetaData.DataRate, 0)
	if err != nil {
		code := backend.Other
		if errors.Cause(err) == storage.ErrDoesNotExistOrFCntOrMICInvalid {
			code = backend.UnknownDevAddr
		}
		writeAnswer(c, backend.PRStartAnsPayload{
			BasePayloadResult: basePayloadResult(basePL, code, err.Error()),
		})
		return
	}

	lifetime := int(roaming.GetPassiveRoamingLifetime(senderNetID) / time.Second)

	kekLabel := roaming.GetPassiveRoamingKEKLabel(senderNetID)
	var kek []byte
	if kekLabel != "" {
		if kek, err = roaming.GetKEKKey(kekLabel); err != nil {
			writeAnswer(c, backend.PRStartAnsPayload{
				BasePayloadResult: basePayloadResult(basePL, backend.Other, err.Error()),
			})
			return
		}
	}
	keyEnvelope, err := backend.NewKeyEnvelope(kekLabel, kek, ds.FNwkSIntKey)
	if err != nil {
		writeAnswer(c, backend.PRStartAnsPayload{
			BasePayloadResult: basePayloadResult(basePL, backend.Other, err.Error()),
		})
		return
	}

	ans := backend.PRStartAnsPayload{
		BasePayloadResult: basePayloadResult(basePL, backend.Success, ""),
		DevEUI:            &ds.DevEUI,
		Lifetime:          &lifetime,
		FCntUp:            &ds.FCntUp,
	}
	if ds.GetMACVersion() == lorawan.LoRaWAN1_1 {
		ans.FNwkSIntKey = keyEnvelope
	} else {
		ans.NwkSKey = keyEnvelope
	}

	// answer first, then run the frame through the uplink pipeline; a
	// pipeline error (e.g. a retransmission) does not void the session
	writeAnswer(c, ans)

	rxPacket, err := rxPacketFromRequest(basePL, pl.PHYPayload, pl.ULMetaData)
	if err != nil {
		slog.Error("build rx-packet from pr-start error", "component", "roaming-api", "error", err)
		return
	}
	if err := uplink.HandleUplinkFrameSet(ctx, rxPacket); err != nil {
		slog.Warn("handle pr-start uplink error", "component", "roaming-api", "dev_eui", ds.DevEUI.String(), "error", err)
	}
}

// handlePRStopReq tears down the passive-roaming sessions this server
// holds as fNS for the given device.
func handlePRStopReq(c *gin.Context, ctx context.Context, basePL backend.BasePayload, b []byte) {
	var pl backend.PRStopReqPayload
	if err := json.Unmarshal(b, &pl); err != nil {
		writeAnswer(c, backend.PRStopAnsPayload{
			BasePayloadResult: basePayloadResult(basePL, backend.MalformedRequest, err.Error()),
		})
		return
	}

	var senderNetID lorawan.NetID
	if err := senderNetID.UnmarshalText([]byte(basePL.SenderID)); err != nil {
		writeAnswer(c, backend.PRStopAnsPayload{
			BasePayloadResult: basePayloadResult(basePL, backend.MalformedRequest, "invalid sender netid"),
		})
		return
	}

	sessions, err := storage.GetPassiveRoamingDeviceSessionsForDevEUI(ctx, pl.DevEUI)
	if err != nil {
		writeAnswer(c, backend.PRStopAnsPayload{
			BasePayloadResult: basePayloadResult(basePL, backend.Other, err.Error()),
		})
		return
	}

	for _, sess := range sessions {
		if sess.NetID != senderNetID {
			continue
		}
		if err := storage.DeletePassiveRoamingDeviceSession(ctx, sess.SessionID); err != nil && errors.Cause(err) != storage.ErrDoesNotExist {
			writeAnswer(c, backend.PRStopAnsPayload{
				BasePayloadResult: basePayloadResult(basePL, backend.Other, err.Error()),
			})
			return
		}
	}

	slog.Info("passive-roaming sessions stopped", "component", "roaming-api",
		"dev_eui", pl.DevEUI.String(),
		"net_id", senderNetID.String())

	writeAnswer(c, backend.PRStopAnsPayload{
		BasePayloadResult: basePayloadResult(basePL, backend.Success, ""),
	})
}

// handleXmitDataReq serves both directions: with ULMetaData we act as
// sNS and run the forwarded uplink through the pipeline, with DLMetaData
// we act as fNS and emit the downlink through our gateways.
func handleXmitDataReq(c *gin.Context, ctx context.Context, basePL backend.BasePayload, b []byte) {
	var pl backend.XmitDataReqPayload
	if err := json.Unmarshal(b, &pl); err != nil {
		writeAnswer(c, backend.XmitDataAnsPayload{
			BasePayloadResult: basePayloadResult(basePL, backend.MalformedRequest, err.Error()),
		})
		return
	}

	switch {
	case pl.ULMetaData != nil:
		handleXmitDataUplink(c, ctx, basePL, pl)
	case pl.DLMetaData != nil:
		handleXmitDataDownlink(c, ctx, basePL, pl)
	default:
		writeAnswer(c, backend.XmitDataAnsPayload{
			BasePayloadResult: basePayloadResult(basePL, backend.MalformedRequest, "ULMetaData or DLMetaData must be set"),
		})
	}
}

func handleXmitDataUplink(c *gin.Context, ctx context.Context, basePL backend.BasePayload, pl backend.XmitDataReqPayload) {
	rxPacket, err := rxPacketFromRequest(basePL, pl.PHYPayload, *pl.ULMetaData)
	if err != nil {
		writeAnswer(c, backend.XmitDataAnsPayload{
			BasePayloadResult: basePayloadResult(basePL, backend.MalformedRequest, err.Error()),
		})
		return
	}

	if err := uplink.HandleUplinkFrameSet(ctx, rxPacket); err != nil {
		writeAnswer(c, backend.XmitDataAnsPayload{
			BasePayloadResult: basePayloadResult(basePL, backend.XmitFailed, err.Error()),
		})
		return
	}

	writeAnswer(c, backend.XmitDataAnsPayload{
		BasePayloadResult: basePayloadResult(basePL, backend.Success, ""),
	})
}

// handleXmitDataDownlink emits a downlink of the serving network-server
// through the gateway that received the device's uplink. The routing
// context is recovered from the echoed uplink token.
func handleXmitDataDownlink(c *gin.Context, ctx context.Context, basePL backend.BasePayload, pl backend.XmitDataReqPayload) {
	dlMeta := *pl.DLMetaData

	if len(dlMeta.FNSULToken) == 0 {
		writeAnswer(c, backend.XmitDataAnsPayload{
			BasePayloadResult: basePayloadResult(basePL, backend.MalformedRequest, "FNSULToken is missing"),
		})
		return
	}

	regionConfigID, rxInfo, err := roaming.GetFNSULTokenContext(dlMeta.FNSULToken)
	if err != nil {
		writeAnswer(c, backend.XmitDataAnsPayload{
			BasePayloadResult: basePayloadResult(basePL, backend.MalformedRequest, err.Error()),
		})
		return
	}

	region, err := band.Get(regionConfigID)
	if err != nil {
		writeAnswer(c, backend.XmitDataAnsPayload{
			BasePayloadResult: basePayloadResult(basePL, backend.XmitFailed, err.Error()),
		})
		return
	}

	rxDelay := 1
	if dlMeta.RXDelay1 != nil {
		rxDelay = *dlMeta.RXDelay1
	}

	var items []*gw.DownlinkFrameItem
	if dlMeta.DLFreq1 != nil && dlMeta.DataRate1 != nil {
		txInfo, err := downlinkTXInfo(region, *dlMeta.DLFreq1, *dlMeta.DataRate1, rxInfo.Context, ptypes.DurationProto(time.Duration(rxDelay)*time.Second))
		if err != nil {
			writeAnswer(c, backend.XmitDataAnsPayload{
				BasePayloadResult: basePayloadResult(basePL, backend.XmitFailed, err.Error()),
			})
			return
		}
		items = append(items, &gw.DownlinkFrameItem{PhyPayload: pl.PHYPayload, TxInfo: txInfo})
	}
	if dlMeta.DLFreq2 != nil && dlMeta.DataRate2 != nil {
		txInfo, err := downlinkTXInfo(region, *dlMeta.DLFreq2, *dlMeta.DataRate2, rxInfo.Context, ptypes.DurationProto(time.Duration(rxDelay+1)*time.Second))
		if err != nil {
			writeAnswer(c, backend.XmitDataAnsPayload{
				BasePayloadResult: basePayloadResult(basePL, backend.XmitFailed, err.Error()),
			})
			return
		}
		items = append(items, &gw.DownlinkFrameItem{PhyPayload: pl.PHYPayload, TxInfo: txInfo})
	}
	if len(items) == 0 {
		writeAnswer(c, backend.XmitDataAnsPayload{
			BasePayloadResult: basePayloadResult(basePL, backend.MalformedRequest, "at least one of DLFreq1 / DLFreq2 must be set"),
		})
		return
	}

	id, err := uuid.NewV4()
	if err != nil {
		writeAnswer(c, backend.XmitDataAnsPayload{
			BasePayloadResult: basePayloadResult(basePL, backend.Other, err.Error()),
		})
		return
	}
	token := storage.GetToken(id[:])
	gatewayID := helpers.GetGatewayID(rxInfo)

	frame := gw.DownlinkFrame{
		Token:      token,
		DownlinkId: id[:],
		GatewayId:  rxInfo.GatewayId,
		Items:      items,
	}

	df := storage.DownlinkFrame{Token: token}
	if err := df.SetDownlinkFrame(&frame); err == nil {
		if err := storage.SaveDownlinkFrame(ctx, df); err != nil {
			slog.Error("save downlink-frame error", "component", "roaming-api", "error", err)
		}
	}

	gwBackend, err := gateway.GetBackend(regionConfigID)
	if err != nil {
		writeAnswer(c, backend.XmitDataAnsPayload{
			BasePayloadResult: basePayloadResult(basePL, backend.XmitFailed, err.Error()),
		})
		return
	}
	if err := gwBackend.SendDownlinkFrame(frame); err != nil {
		writeAnswer(c, backend.XmitDataAnsPayload{
			BasePayloadResult: basePayloadResult(basePL, backend.XmitFailed, err.Error()),
		})
		return
	}

	metrics.DownlinksScheduled.WithLabelValues("roaming").Inc()

	slog.Info("roaming downlink-frame scheduled", "component", "roaming-api",
		"gateway_id", gatewayID.String(),
		"token", token,
		"ctx_id", ctx.Value(logging.ContextIDKey))

	writeAnswer(c, backend.XmitDataAnsPayload{
		BasePayloadResult: basePayloadResult(basePL, backend.Success, ""),
		DLFreq1:           dlMeta.DLFreq1,
		DLFreq2:           dlMeta.DLFreq2,
	})
}

// handleAsyncAnswer routes an asynchronous answer to the client of the
// sending peer, which hands it to the blocked caller of the matching
// request.
func handleAsyncAnswer(c *gin.Context, ctx context.Context, basePL backend.BasePayload, b []byte) {
	var senderNetID lorawan.NetID
	if err := senderNetID.UnmarshalText([]byte(basePL.SenderID)); err != nil {
		c.Status(http.StatusBadRequest)
		return
	}

	client, err := roaming.GetClientForNetID(senderNetID)
	if err != nil {
		slog.Warn("async answer from unknown peer", "component", "roaming-api",
			"sender_id", basePL.SenderID,
			"transaction_id", basePL.TransactionID)
		c.Status(http.StatusBadRequest)
		return
	}

	var ans backend.Answer
	switch basePL.MessageType {
	case backend.PRStartAns:
		ans = &backend.PRStartAnsPayload{}
	case backend.PRStopAns:
		ans = &backend.PRStopAnsPayload{}
	case backend.XmitDataAns:
		ans = &backend.XmitDataAnsPayload{}
	case backend.HomeNSAns:
		ans = &backend.HomeNSAnsPayload{}
	default:
		c.Status(http.StatusBadRequest)
		return
	}
	if err := json.Unmarshal(b, ans); err != nil {
		c.Status(http.StatusBadRequest)
		return
	}

	if err := client.HandleAnswer(ctx, ans); err != nil {
		slog.Error("handle async answer error", "component", "roaming-api",
			"transaction_id", basePL.TransactionID,
			"error", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	slog.Info("async answer delivered", "component", "roaming-api",
		"message_type", string(basePL.MessageType),
		"transaction_id", basePL.TransactionID)

	c.Status(http.StatusOK)
}

// rxPacketFromRequest reconstructs the frame-set of a forwarded uplink
// from the Backend Interfaces meta-data.
func rxPacketFromRequest(basePL backend.BasePayload, phyB []byte, ulMetaData backend.ULMetaData) (models.RXPacket, error) {
	var phy lorawan.PHYPayload
	if err := phy.UnmarshalBinary(phyB); err != nil {
		return models.RXPacket{}, errors.Wrap(err, "unmarshal phypayload error")
	}

	region, err := band.GetByCommonName(ulMetaData.RFRegion)
	if err != nil {
		return models.RXPacket{}, err
	}

	txInfo, err := roaming.ULMetaDataToTXInfo(ulMetaData)
	if err != nil {
		return models.RXPacket{}, err
	}
	rxInfoSet, err := roaming.ULMetaDataToRXInfo(ulMetaData)
	if err != nil {
		return models.RXPacket{}, err
	}

	id, err := uuid.NewV4()
	if err != nil {
		return models.RXPacket{}, errors.Wrap(err, "new uuid error")
	}

	var dr int
	if ulMetaData.DataRate != nil {
		dr = *ulMetaData.DataRate
	}

	return models.RXPacket{
		ID:               id,
		RegionConfigID:   region.ID,
		RegionCommonName: region.CommonName,
		DR:               dr,
		PHYPayload:       phy,
		TXInfo:           txInfo,
		RXInfoSet:        rxInfoSet,
		RoamingMetaData: &models.RoamingMetaData{
			BasePayload: basePL,
			ULMetaData:  ulMetaData,
		},
	}, nil
}

func basePayloadResult(req backend.BasePayload, code backend.ResultCode, description string) backend.BasePayloadResult {
	return backend.BasePayloadResult{
		BasePayload: backend.BasePayload{
			ProtocolVersion: backend.ProtocolVersion1_0,
			SenderID:        config.Get().NetworkServer.NetID.String(),
			ReceiverID:      req.SenderID,
			TransactionID:   req.TransactionID,
			MessageType:     ansMessageType(req.MessageType),
		},
		Result: backend.Result{
			ResultCode:  code,
			Description: description,
		},
	}
}

func ansMessageType(req backend.MessageType) backend.MessageType {
	switch req {
	case backend.PRStartReq:
		return backend.PRStartAns
	case backend.PRStopReq:
		return backend.PRStopAns
	case backend.XmitDataReq:
		return backend.XmitDataAns
	case backend.HomeNSReq:
		return backend.HomeNSAns
	default:
		return backend.MessageType(string(req) + "Ans")
	}
}

// writeAnswer returns the answer on the HTTP response, or posts it back
// to the peer when the agreement runs in async mode.
func writeAnswer(c *gin.Context, ans backend.Answer) {
	basePL := ans.GetBasePayload()

	var receiverNetID lorawan.NetID
	if err := receiverNetID.UnmarshalText([]byte(basePL.ReceiverID)); err == nil {
		if client, err := roaming.GetClientForNetID(receiverNetID); err == nil && client.IsAsync() {
			go func() {
				if err := client.SendAnswer(context.Background(), ans); err != nil {
					slog.Error("send async answer error", "component", "roaming-api",
						"net_id", receiverNetID.String(),
						"transaction_id", basePL.TransactionID,
						"error", err)
				}
			}()
			c.Status(http.StatusOK)
			return
		}
	}

	c.JSON(http.StatusOK, ans)
}

func downlinkTXInfo(region *band.Region, dlFreq float64, dr int, gwContext []byte, delay *duration.Duration) (*gw.DownlinkTXInfo, error) {
	freq := uint32(dlFreq * 1000000)

	txInfo := gw.DownlinkTXInfo{
		Frequency: freq,
		Power:     int32(region.Band.GetDownlinkTXPower(freq)),
		Context:   gwContext,
		Timing:    gw.DownlinkTiming_DELAY,
		TimingInfo: &gw.DownlinkTXInfo_DelayTimingInfo{
			DelayTimingInfo: &gw.DelayTimingInfo{
				Delay: delay,
			},
		},
	}
	if err := helpers.SetDownlinkTXInfoDataRate(&txInfo, dr, region.Band); err != nil {
		return nil, err
	}
	return &txInfo, nil
}
