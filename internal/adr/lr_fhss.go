package adr

import (
	"context"
)

// LRFHSSHandler implements ADR for LR-FHSS modulated devices. The
// modulation has no SNR-driven data-rate ladder, so the data-rate is
// left untouched and only tx-power and NbTrans are controlled.
type LRFHSSHandler struct{}

// ID implements the Handler interface.
func (h *LRFHSSHandler) ID() string {
	return "lr_fhss"
}

// Name implements the Handler interface.
func (h *LRFHSSHandler) Name() string {
	return "LR-FHSS only ADR algorithm"
}

// Handle implements the Handler interface.
func (h *LRFHSSHandler) Handle(ctx context.Context, req HandleRequest) (HandleResponse, error) {
	resp := HandleResponse{
		DR:           req.DR,
		TXPowerIndex: req.TXPowerIndex,
		NbTrans:      req.NbTrans,
	}

	if !req.ADR {
		return resp, nil
	}

	d := DefaultHandler{}
	if !d.historyFull(req) {
		return resp, nil
	}

	snrMargin := d.maxSNR(req) - req.RequiredSNRForDR - req.InstallationMargin
	nStep := int(snrMargin / 3)

	// pin the data-rate by stepping within a zero-width range
	resp.TXPowerIndex, resp.DR = d.idealTXPowerIndexAndDR(nStep, req.TXPowerIndex, req.DR, req.MaxTXPowerIndex, req.DR)
	resp.NbTrans = d.nbTrans(req.NbTrans, d.packetLossPercentage(req))

	return resp, nil
}
