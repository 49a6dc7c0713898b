package roaming

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/loracore/loracore/internal/logging"
	"github.com/loracore/loracore/internal/metrics"
	"github.com/brocaar/lorawan"
	"github.com/brocaar/lorawan/backend"
)

// XmitDataDownlink delivers a downlink for a visiting device to the
// forwarding network-server that relayed its uplink. The fNS emits the
// frame through its own gateways, guided by the downlink meta-data.
func XmitDataDownlink(ctx context.Context, netID lorawan.NetID, phyB []byte, dlMetaData backend.DLMetaData) error {
	client, err := GetClientForNetID(netID)
	if err != nil {
		return err
	}

	req := backend.XmitDataReqPayload{
		PHYPayload: backend.HEXBytes(phyB),
		DLMetaData: &dlMetaData,
	}

	metrics.RoamingRequests.WithLabelValues(string(backend.XmitDataReq)).Inc()

	resp, err := client.XmitDataReq(ctx, req)
	if err != nil {
		return errors.Wrap(err, "xmit-data request error")
	}
	if resp.Result.ResultCode != backend.Success {
		return errors.Errorf("xmit-data answer: %s (%s)", resp.Result.ResultCode, resp.Result.Description)
	}

	slog.Info("downlink forwarded to forwarding network-server", "component", "roaming",
		"net_id", netID.String(),
		"ctx_id", ctx.Value(logging.ContextIDKey))

	return nil
}
