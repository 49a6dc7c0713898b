package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/loracore/loracore/internal/config"
	"github.com/loracore/loracore/internal/roaming"
	"github.com/loracore/loracore/internal/storage"
	"github.com/loracore/loracore/internal/test"
	"github.com/brocaar/lorawan"
	"github.com/brocaar/lorawan/backend"
)

func timeInHour() time.Time {
	return time.Now().Add(time.Hour)
}

func setupTest(t *testing.T) *gin.Engine {
	t.Helper()

	mr := miniredis.RunT(t)
	storage.SetRedisClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	conf := config.DefaultConfig()
	conf.NetworkServer.NetID = lorawan.NetID{0x00, 0x00, 0x03}
	config.Set(conf)
	if err := storage.Setup(conf); err != nil {
		t.Fatalf("setup storage error: %s", err)
	}
	if err := roaming.Setup(conf); err != nil {
		t.Fatalf("setup roaming error: %s", err)
	}

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/", handleRequest)
	return r
}

func postRequest(t *testing.T, r *gin.Engine, pl interface{}) *httptest.ResponseRecorder {
	t.Helper()

	b, err := json.Marshal(pl)
	if err != nil {
		t.Fatalf("marshal payload error: %s", err)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(b))
	r.ServeHTTP(w, req)
	return w
}

func TestAsyncAnswerDelivered(t *testing.T) {
	r := setupTest(t)

	client := test.NewBackendClient()
	roaming.SetClientForNetID(lorawan.NetID{0x60, 0x00, 0x00}, client, time.Minute)

	ans := backend.PRStartAnsPayload{
		BasePayloadResult: backend.BasePayloadResult{
			BasePayload: backend.BasePayload{
				ProtocolVersion: backend.ProtocolVersion1_0,
				SenderID:        "600000",
				ReceiverID:      "000003",
				TransactionID:   1234,
				MessageType:     backend.PRStartAns,
			},
			Result: backend.Result{ResultCode: backend.Success},
		},
	}

	w := postRequest(t, r, ans)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	// the answer must reach the client of the sending peer
	select {
	case delivered := <-client.HandleAnswerChan:
		pl, ok := delivered.(*backend.PRStartAnsPayload)
		if !ok {
			t.Fatalf("unexpected answer type %T", delivered)
		}
		if pl.BasePayload.TransactionID != 1234 {
			t.Errorf("expected transaction id 1234, got %d", pl.BasePayload.TransactionID)
		}
		if pl.Result.ResultCode != backend.Success {
			t.Errorf("expected result %s, got %s", backend.Success, pl.Result.ResultCode)
		}
	default:
		t.Fatal("expected answer on the backend client")
	}
}

func TestAsyncAnswerUnknownPeer(t *testing.T) {
	r := setupTest(t)

	ans := backend.XmitDataAnsPayload{
		BasePayloadResult: backend.BasePayloadResult{
			BasePayload: backend.BasePayload{
				ProtocolVersion: backend.ProtocolVersion1_0,
				SenderID:        "6000FF",
				ReceiverID:      "000003",
				TransactionID:   5678,
				MessageType:     backend.XmitDataAns,
			},
			Result: backend.Result{ResultCode: backend.Success},
		},
	}

	w := postRequest(t, r, ans)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", w.Code)
	}
}

func TestUnhandledMessageType(t *testing.T) {
	r := setupTest(t)

	req := backend.BasePayload{
		ProtocolVersion: backend.ProtocolVersion1_0,
		SenderID:        "600000",
		ReceiverID:      "000003",
		TransactionID:   1,
		MessageType:     backend.MessageType("ProfileReq"),
	}

	w := postRequest(t, r, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var ans backend.PRStartAnsPayload
	if err := json.Unmarshal(w.Body.Bytes(), &ans); err != nil {
		t.Fatalf("unmarshal answer error: %s", err)
	}
	if ans.Result.ResultCode != backend.MalformedRequest {
		t.Errorf("expected result %s, got %s", backend.MalformedRequest, ans.Result.ResultCode)
	}
	if ans.BasePayload.SenderID != "000003" || ans.BasePayload.ReceiverID != "600000" {
		t.Errorf("unexpected answer addressing: %+v", ans.BasePayload)
	}
}

func TestPRStopReq(t *testing.T) {
	r := setupTest(t)
	ctx := context.Background()

	devEUI := lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}
	sess := storage.PassiveRoamingDeviceSession{
		NetID:    lorawan.NetID{0x60, 0x00, 0x00},
		DevAddr:  lorawan.DevAddr{1, 2, 3, 4},
		DevEUI:   devEUI,
		Lifetime: timeInHour(),
	}
	if err := storage.SavePassiveRoamingDeviceSession(ctx, &sess); err != nil {
		t.Fatalf("save session error: %s", err)
	}

	// a session of another partner must survive the stop
	other := storage.PassiveRoamingDeviceSession{
		NetID:    lorawan.NetID{0x00, 0x00, 0x07},
		DevAddr:  lorawan.DevAddr{1, 2, 3, 4},
		DevEUI:   devEUI,
		Lifetime: timeInHour(),
	}
	if err := storage.SavePassiveRoamingDeviceSession(ctx, &other); err != nil {
		t.Fatalf("save session error: %s", err)
	}

	req := backend.PRStopReqPayload{
		BasePayload: backend.BasePayload{
			ProtocolVersion: backend.ProtocolVersion1_0,
			SenderID:        "600000",
			ReceiverID:      "000003",
			TransactionID:   2,
			MessageType:     backend.PRStopReq,
		},
		DevEUI: devEUI,
	}

	w := postRequest(t, r, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var ans backend.PRStopAnsPayload
	if err := json.Unmarshal(w.Body.Bytes(), &ans); err != nil {
		t.Fatalf("unmarshal answer error: %s", err)
	}
	if ans.Result.ResultCode != backend.Success {
		t.Fatalf("expected result %s, got %s", backend.Success, ans.Result.ResultCode)
	}

	sessions, err := storage.GetPassiveRoamingDeviceSessionsForDevEUI(ctx, devEUI)
	if err != nil {
		t.Fatalf("get sessions error: %s", err)
	}
	if len(sessions) != 1 || sessions[0].NetID != other.NetID {
		t.Fatalf("expected only the other partner session, got %+v", sessions)
	}
}
