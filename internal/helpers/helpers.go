// Package helpers provides small conversion helpers between the gateway
// protobuf types and the lorawan/band types.
package helpers

import (
	"github.com/pkg/errors"

	"github.com/brocaar/chirpstack-api/go/v3/common"
	"github.com/brocaar/chirpstack-api/go/v3/gw"
	"github.com/brocaar/lorawan"
	loraband "github.com/brocaar/lorawan/band"
)

type gatewayIDGetter interface {
	GetGatewayId() []byte
}

// GetGatewayID returns the typed gateway id from a protobuf message
// holding a gateway_id field.
func GetGatewayID(v gatewayIDGetter) lorawan.EUI64 {
	var id lorawan.EUI64
	copy(id[:], v.GetGatewayId())
	return id
}

// SetDownlinkTXInfoDataRate sets the modulation fields of the given
// DownlinkTXInfo for the given data-rate index.
func SetDownlinkTXInfoDataRate(txInfo *gw.DownlinkTXInfo, dr int, b loraband.Band) error {
	dataRate, err := b.GetDataRate(dr)
	if err != nil {
		return errors.Wrap(err, "get data-rate error")
	}

	switch dataRate.Modulation {
	case loraband.LoRaModulation:
		txInfo.Modulation = common.Modulation_LORA
		txInfo.ModulationInfo = &gw.DownlinkTXInfo_LoraModulationInfo{
			LoraModulationInfo: &gw.LoRaModulationInfo{
				Bandwidth:             uint32(dataRate.Bandwidth),
				SpreadingFactor:       uint32(dataRate.SpreadFactor),
				CodeRate:              "4/5",
				PolarizationInversion: true,
			},
		}
	case loraband.FSKModulation:
		txInfo.Modulation = common.Modulation_FSK
		txInfo.ModulationInfo = &gw.DownlinkTXInfo_FskModulationInfo{
			FskModulationInfo: &gw.FSKModulationInfo{
				Datarate:           uint32(dataRate.BitRate),
				FrequencyDeviation: uint32(dataRate.BitRate / 2),
			},
		}
	default:
		return errors.Errorf("unknown modulation: %s", dataRate.Modulation)
	}

	return nil
}

// SetUplinkTXInfoDataRate sets the modulation fields of the given
// UplinkTXInfo for the given data-rate index.
func SetUplinkTXInfoDataRate(txInfo *gw.UplinkTXInfo, dr int, b loraband.Band) error {
	dataRate, err := b.GetDataRate(dr)
	if err != nil {
		return errors.Wrap(err, "get data-rate error")
	}

	switch dataRate.Modulation {
	case loraband.LoRaModulation:
		txInfo.Modulation = common.Modulation_LORA
		txInfo.ModulationInfo = &gw.UplinkTXInfo_LoraModulationInfo{
			LoraModulationInfo: &gw.LoRaModulationInfo{
				Bandwidth:       uint32(dataRate.Bandwidth),
				SpreadingFactor: uint32(dataRate.SpreadFactor),
				CodeRate:        "4/5",
			},
		}
	case loraband.FSKModulation:
		txInfo.Modulation = common.Modulation_FSK
		txInfo.ModulationInfo = &gw.UplinkTXInfo_FskModulationInfo{
			FskModulationInfo: &gw.FSKModulationInfo{
				Datarate: uint32(dataRate.BitRate),
			},
		}
	default:
		return errors.Errorf("unknown modulation: %s", dataRate.Modulation)
	}

	return nil
}

// GetDataRateIndex returns the data-rate index of an uplink or downlink
// tx-info message.
func GetDataRateIndex(uplink bool, v interface{}, b loraband.Band) (int, error) {
	var dataRate loraband.DataRate

	switch txInfo := v.(type) {
	case *gw.UplinkTXInfo:
		switch txInfo.Modulation {
		case common.Modulation_LORA:
			info := txInfo.GetLoraModulationInfo()
			if info == nil {
				return 0, errors.New("lora_modulation_info must not be nil")
			}
			dataRate = loraband.DataRate{
				Modulation:   loraband.LoRaModulation,
				SpreadFactor: int(info.SpreadingFactor),
				Bandwidth:    int(info.Bandwidth),
			}
		case common.Modulation_FSK:
			info := txInfo.GetFskModulationInfo()
			if info == nil {
				return 0, errors.New("fsk_modulation_info must not be nil")
			}
			dataRate = loraband.DataRate{
				Modulation: loraband.FSKModulation,
				BitRate:    int(info.Datarate),
			}
		}
	case *gw.DownlinkTXInfo:
		switch txInfo.Modulation {
		case common.Modulation_LORA:
			info := txInfo.GetLoraModulationInfo()
			if info == nil {
				return 0, errors.New("lora_modulation_info must not be nil")
			}
			dataRate = loraband.DataRate{
				Modulation:   loraband.LoRaModulation,
				SpreadFactor: int(info.SpreadingFactor),
				Bandwidth:    int(info.Bandwidth),
			}
		case common.Modulation_FSK:
			info := txInfo.GetFskModulationInfo()
			if info == nil {
				return 0, errors.New("fsk_modulation_info must not be nil")
			}
			dataRate = loraband.DataRate{
				Modulation: loraband.FSKModulation,
				BitRate:    int(info.Datarate),
			}
		}
	default:
		return 0, errors.Errorf("expected *gw.UplinkTXInfo or *gw.DownlinkTXInfo, got: %T", v)
	}

	return b.GetDataRateIndex(uplink, dataRate)
}
