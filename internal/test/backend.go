// Package test provides shared stubs for the test-suite.
package test

import (
	"context"

	"github.com/brocaar/lorawan/backend"
)

// BackendClient is a backend.Client stub: requests are pushed to the
// request channels and answered with the canned answer payloads.
type BackendClient struct {
	SenderID   string
	ReceiverID string
	Async      bool

	PRStartReqChan   chan backend.PRStartReqPayload
	PRStopReqChan    chan backend.PRStopReqPayload
	XmitDataReqChan  chan backend.XmitDataReqPayload
	ProfileReqChan   chan backend.ProfileReqPayload
	HomeNSReqChan    chan backend.HomeNSReqPayload
	JoinReqChan      chan backend.JoinReqPayload
	RejoinReqChan    chan backend.RejoinReqPayload
	SendAnswerChan   chan backend.Answer
	HandleAnswerChan chan backend.Answer

	PRStartAns  backend.PRStartAnsPayload
	PRStopAns   backend.PRStopAnsPayload
	XmitDataAns backend.XmitDataAnsPayload
	ProfileAns  backend.ProfileAnsPayload
	HomeNSAns   backend.HomeNSAnsPayload
	JoinAns     backend.JoinAnsPayload
	RejoinAns   backend.RejoinAnsPayload
}

// NewBackendClient returns a new BackendClient stub.
func NewBackendClient() *BackendClient {
	return &BackendClient{
		PRStartReqChan:   make(chan backend.PRStartReqPayload, 100),
		PRStopReqChan:    make(chan backend.PRStopReqPayload, 100),
		XmitDataReqChan:  make(chan backend.XmitDataReqPayload, 100),
		ProfileReqChan:   make(chan backend.ProfileReqPayload, 100),
		HomeNSReqChan:    make(chan backend.HomeNSReqPayload, 100),
		JoinReqChan:      make(chan backend.JoinReqPayload, 100),
		RejoinReqChan:    make(chan backend.RejoinReqPayload, 100),
		SendAnswerChan:   make(chan backend.Answer, 100),
		HandleAnswerChan: make(chan backend.Answer, 100),
	}
}

// GetSenderID implements the backend.Client interface.
func (b *BackendClient) GetSenderID() string {
	return b.SenderID
}

// GetReceiverID implements the backend.Client interface.
func (b *BackendClient) GetReceiverID() string {
	return b.ReceiverID
}

// IsAsync implements the backend.Client interface.
func (b *BackendClient) IsAsync() bool {
	return b.Async
}

// GetRandomTransactionID implements the backend.Client interface.
func (b *BackendClient) GetRandomTransactionID() uint32 {
	return 1234
}

// PRStartReq implements the backend.Client interface.
func (b *BackendClient) PRStartReq(ctx context.Context, pl backend.PRStartReqPayload) (backend.PRStartAnsPayload, error) {
	b.PRStartReqChan <- pl
	return b.PRStartAns, nil
}

// PRStopReq implements the backend.Client interface.
func (b *BackendClient) PRStopReq(ctx context.Context, pl backend.PRStopReqPayload) (backend.PRStopAnsPayload, error) {
	b.PRStopReqChan <- pl
	return b.PRStopAns, nil
}

// XmitDataReq implements the backend.Client interface.
func (b *BackendClient) XmitDataReq(ctx context.Context, pl backend.XmitDataReqPayload) (backend.XmitDataAnsPayload, error) {
	b.XmitDataReqChan <- pl
	return b.XmitDataAns, nil
}

// ProfileReq implements the backend.Client interface.
func (b *BackendClient) ProfileReq(ctx context.Context, pl backend.ProfileReqPayload) (backend.ProfileAnsPayload, error) {
	b.ProfileReqChan <- pl
	return b.ProfileAns, nil
}

// HomeNSReq implements the backend.Client interface.
func (b *BackendClient) HomeNSReq(ctx context.Context, pl backend.HomeNSReqPayload) (backend.HomeNSAnsPayload, error) {
	b.HomeNSReqChan <- pl
	return b.HomeNSAns, nil
}

// JoinReq implements the backend.Client interface.
func (b *BackendClient) JoinReq(ctx context.Context, pl backend.JoinReqPayload) (backend.JoinAnsPayload, error) {
	b.JoinReqChan <- pl
	return b.JoinAns, nil
}

// RejoinReq implements the backend.Client interface.
func (b *BackendClient) RejoinReq(ctx context.Context, pl backend.RejoinReqPayload) (backend.RejoinAnsPayload, error) {
	b.RejoinReqChan <- pl
	return b.RejoinAns, nil
}

// SendAnswer implements the backend.Client interface.
func (b *BackendClient) SendAnswer(ctx context.Context, a backend.Answer) error {
	b.SendAnswerChan <- a
	return nil
}

// HandleAnswer implements the backend.Client interface.
func (b *BackendClient) HandleAnswer(ctx context.Context, a backend.Answer) error {
	b.HandleAnswerChan <- a
	return nil
}
