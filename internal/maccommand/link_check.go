package maccommand

import (
	"context"

	"github.com/pkg/errors"

	"github.com/loracore/loracore/internal/band"
	"github.com/loracore/loracore/internal/models"
	"github.com/loracore/loracore/internal/storage"
	"github.com/brocaar/lorawan"
)

// handleLinkCheckReq answers a device-initiated link-check with the
// demodulation margin of the best receiving gateway and the gateway
// count of the uplink.
func handleLinkCheckReq(ctx context.Context, ds *storage.DeviceSession, rxPacket models.RXPacket) ([]storage.MACCommandBlock, error) {
	if len(rxPacket.RXInfoSet) == 0 {
		return nil, errors.New("rx-info set must not be empty")
	}

	region, err := band.Get(rxPacket.RegionConfigID)
	if err != nil {
		return nil, err
	}

	requiredSNR, err := getRequiredSNRForSF(region, rxPacket.DR)
	if err != nil {
		return nil, err
	}

	var maxSNR float64
	for i, rxInfo := range rxPacket.RXInfoSet {
		if i == 0 || rxInfo.LoraSnr > maxSNR {
			maxSNR = rxInfo.LoraSnr
		}
	}

	margin := int(maxSNR - requiredSNR)
	if margin < 0 {
		margin = 0
	}

	return []storage.MACCommandBlock{
		{
			CID: lorawan.LinkCheckAns,
			MACCommands: []lorawan.MACCommand{
				{
					CID: lorawan.LinkCheckAns,
					Payload: &lorawan.LinkCheckAnsPayload{
						Margin: uint8(margin),
						GwCnt:  uint8(len(rxPacket.RXInfoSet)),
					},
				},
			},
		},
	}, nil
}

// getRequiredSNRForSF returns the demodulation floor for the spreading
// factor of the given data-rate.
func getRequiredSNRForSF(region *band.Region, dr int) (float64, error) {
	dataRate, err := region.Band.GetDataRate(dr)
	if err != nil {
		return 0, errors.Wrap(err, "get data-rate error")
	}

	switch dataRate.SpreadFactor {
	case 7:
		return -7.5, nil
	case 8:
		return -10, nil
	case 9:
		return -12.5, nil
	case 10:
		return -15, nil
	case 11:
		return -17.5, nil
	case 12:
		return -20, nil
	default:
		return 0, errors.Errorf("unknown spread-factor %d", dataRate.SpreadFactor)
	}
}
