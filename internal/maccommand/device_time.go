package maccommand

import (
	"context"
	"time"

	"github.com/loracore/loracore/internal/storage"
	"github.com/brocaar/lorawan"
	"github.com/brocaar/lorawan/gps"

	"github.com/loracore/loracore/internal/models"
)

// handleDeviceTimeReq answers a device-initiated time request with the
// receive timestamp as GPS epoch time. When no gateway provided a
// GPS-quality timestamp, the server time is used.
func handleDeviceTimeReq(ctx context.Context, ds *storage.DeviceSession, rxPacket models.RXPacket) ([]storage.MACCommandBlock, error) {
	var timeSinceGPSEpoch time.Duration

	for _, rxInfo := range rxPacket.RXInfoSet {
		if rxInfo.TimeSinceGpsEpoch != nil {
			timeSinceGPSEpoch = time.Duration(rxInfo.TimeSinceGpsEpoch.Seconds)*time.Second + time.Duration(rxInfo.TimeSinceGpsEpoch.Nanos)
			break
		}
	}

	if timeSinceGPSEpoch == 0 {
		timeSinceGPSEpoch = gps.Time(time.Now()).TimeSinceGPSEpoch()
	}

	return []storage.MACCommandBlock{
		{
			CID: lorawan.DeviceTimeAns,
			MACCommands: []lorawan.MACCommand{
				{
					CID: lorawan.DeviceTimeAns,
					Payload: &lorawan.DeviceTimeAnsPayload{
						TimeSinceGPSEpoch: timeSinceGPSEpoch,
					},
				},
			},
		},
	}, nil
}
