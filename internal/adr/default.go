package adr

import (
	"context"
)

// DefaultHandler implements the default ADR algorithm: step the
// data-rate up while SNR margin allows, then trade tx-power; on a
// negative margin only tx-power is raised (the data-rate never drops),
// and NbTrans follows the observed packet-loss rate.
type DefaultHandler struct{}

// ID implements the Handler interface.
func (h *DefaultHandler) ID() string {
	return "default"
}

// Name implements the Handler interface.
func (h *DefaultHandler) Name() string {
	return "Default ADR algorithm (LoRa only)"
}

// Handle implements the Handler interface.
func (h *DefaultHandler) Handle(ctx context.Context, req HandleRequest) (HandleResponse, error) {
	resp := HandleResponse{
		DR:           req.DR,
		TXPowerIndex: req.TXPowerIndex,
		NbTrans:      req.NbTrans,
	}

	if !req.ADR {
		return resp, nil
	}

	// lower the data-rate when it exceeds the region ceiling
	if resp.DR > req.MaxDR {
		resp.DR = req.MaxDR
	}

	resp.NbTrans = h.nbTrans(req.NbTrans, h.packetLossPercentage(req))

	snrMargin := h.maxSNR(req) - req.RequiredSNRForDR - req.InstallationMargin
	nStep := int(snrMargin / 3)

	// raising the tx-power needs the full, tx-power-homogeneous window:
	// a partial window must not be read as a stable link
	if nStep < 0 && !h.historyFull(req) {
		return resp, nil
	}

	resp.TXPowerIndex, resp.DR = h.idealTXPowerIndexAndDR(nStep, resp.TXPowerIndex, resp.DR, req.MaxTXPowerIndex, req.MaxDR)

	return resp, nil
}

func (h *DefaultHandler) historyFull(req HandleRequest) bool {
	if len(req.UplinkHistory) != 20 {
		return false
	}

	// the window must be homogeneous in tx-power, otherwise older
	// entries reflect a different link budget
	for _, m := range req.UplinkHistory {
		if m.TXPowerIndex != req.TXPowerIndex {
			return false
		}
	}
	return true
}

func (h *DefaultHandler) maxSNR(req HandleRequest) float64 {
	var max float64
	for i, m := range req.UplinkHistory {
		if i == 0 || m.MaxSNR > max {
			max = m.MaxSNR
		}
	}
	return max
}

// idealTXPowerIndexAndDR walks nStep adjustments: positive steps raise
// the data-rate first and then the tx-power index; negative steps only
// lower the tx-power index (never the data-rate).
func (h *DefaultHandler) idealTXPowerIndexAndDR(nStep, txPowerIndex, dr, maxTXPowerIndex, maxDR int) (int, int) {
	if nStep == 0 {
		return txPowerIndex, dr
	}

	if nStep > 0 {
		if dr < maxDR {
			dr++
		} else if txPowerIndex < maxTXPowerIndex {
			txPowerIndex++
		}
		nStep--
		if txPowerIndex >= maxTXPowerIndex {
			nStep = 0
		}
	} else {
		if txPowerIndex > 0 {
			txPowerIndex--
			nStep++
		} else {
			nStep = 0
		}
	}

	return h.idealTXPowerIndexAndDR(nStep, txPowerIndex, dr, maxTXPowerIndex, maxDR)
}

func (h *DefaultHandler) packetLossPercentage(req HandleRequest) float64 {
	if len(req.UplinkHistory) < 20 {
		return 0
	}

	var lost uint32
	var previous uint32
	for i, m := range req.UplinkHistory {
		if i == 0 {
			previous = m.FCnt
			continue
		}
		lost += m.FCnt - previous - 1
		previous = m.FCnt
	}
	return float64(lost) / float64(len(req.UplinkHistory)) * 100
}

func (h *DefaultHandler) nbTrans(currentNbTrans int, pktLossRate float64) int {
	table := [4][3]int{
		{1, 1, 2},
		{1, 2, 3},
		{2, 3, 3},
		{3, 3, 3},
	}

	if currentNbTrans < 1 {
		currentNbTrans = 1
	}
	if currentNbTrans > 3 {
		currentNbTrans = 3
	}
	col := currentNbTrans - 1

	switch {
	case pktLossRate < 5:
		return table[0][col]
	case pktLossRate < 10:
		return table[1][col]
	case pktLossRate < 30:
		return table[2][col]
	default:
		return table[3][col]
	}
}
