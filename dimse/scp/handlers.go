package scp

import (
	"context"

	"github.com/arborhealth/dicomdul/dimse/dimse"
)

// DefaultEchoHandler provides a simple C-ECHO handler that always returns success
type DefaultEchoHandler struct{}

// HandleEcho implements EchoHandler
func (h *DefaultEchoHandler) HandleEcho(ctx context.Context, req *EchoRequest) *EchoResponse {
	return &EchoResponse{
		Status: dimse.StatusSuccess,
	}
}

// NewDefaultEchoHandler creates a new default echo handler
func NewDefaultEchoHandler() *DefaultEchoHandler {
	return &DefaultEchoHandler{}
}

// EchoHandlerFunc is a function adapter for EchoHandler
type EchoHandlerFunc func(ctx context.Context, req *EchoRequest) *EchoResponse

// HandleEcho implements EchoHandler
func (f EchoHandlerFunc) HandleEcho(ctx context.Context, req *EchoRequest) *EchoResponse {
	return f(ctx, req)
}

// AssociationInfo is what the should_accept delegate and the event stream
// see about a proposed or established association.
type AssociationInfo struct {
	CallingAE  string
	CalledAE   string
	RemoteAddr string
}

// ShouldAcceptFunc is the delegate consulted after AE-title filtering and
// before presentation context negotiation. Returning false rejects the
// association with reason=1 (no-reason-given).
type ShouldAcceptFunc func(info AssociationInfo) bool

// CommitmentRequest carries the decoded N-ACTION request for a storage
// commitment push: the transaction identifying this commitment exchange and
// the SOP instances the requestor wants committed.
type CommitmentRequest struct {
	AssociationInfo
	TransactionUID string
	References     []SOPReference
}

// CommitmentResult is what process_commitment_request decides: which
// references the SCP is able to vouch for, and which it could not, each
// with a DICOM failure reason code (DICOM Part 7, Annex C.1).
type CommitmentResult struct {
	Committed []SOPReference
	Failed    []FailedSOPReference
}

// CommitmentHandlerFunc processes a commitment request and decides its
// outcome. It runs after the N-ACTION-RSP has already been sent, and its
// result becomes the dataset of the following N-EVENT-REPORT-RQ.
type CommitmentHandlerFunc func(ctx context.Context, req *CommitmentRequest) CommitmentResult

// DefaultCommitmentHandler commits every referenced SOP instance
// unconditionally.
func DefaultCommitmentHandler(ctx context.Context, req *CommitmentRequest) CommitmentResult {
	return CommitmentResult{Committed: req.References}
}

// EventKind identifies one kind of lifecycle observation on the SCP event
// stream.
type EventKind int

const (
	EventStarted EventKind = iota
	EventStopped
	EventAssociationEstablished
	EventAssociationReleased
	EventAssociationRejected
	EventCommitmentRequestReceived
	EventCommitmentResultSent
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "Started"
	case EventStopped:
		return "Stopped"
	case EventAssociationEstablished:
		return "AssociationEstablished"
	case EventAssociationReleased:
		return "AssociationReleased"
	case EventAssociationRejected:
		return "AssociationRejected"
	case EventCommitmentRequestReceived:
		return "CommitmentRequestReceived"
	case EventCommitmentResultSent:
		return "CommitmentResultSent"
	case EventError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Event is a single lifecycle observation emitted to the server's event
// stream. Fields not meaningful for a given Kind are left zero.
type Event struct {
	Kind           EventKind
	CallingAE      string
	CalledAE       string
	TransactionUID string
	Success        bool
	Err            error
}
