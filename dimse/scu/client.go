// Package scu implements the association orchestrator for the client
// (Service Class User) side of a DICOM association: it ties the PDU codec,
// association state machine, and transport together behind a small request
// / send / receive / release / abort surface.
package scu

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/arborhealth/dicomdul/dicom/tag"
	"github.com/arborhealth/dicomdul/dicom/uid"
	"github.com/arborhealth/dicomdul/dimse/dimse"
	"github.com/arborhealth/dicomdul/dimse/dul"
	"github.com/arborhealth/dicomdul/dimse/pdu"
	"github.com/arborhealth/dicomdul/internal/dataset"
)

// Storage Commitment element tags (DICOM Part 3, Annex C.4.15 / Part 7).
var (
	tagTransactionUID           = tag.New(0x0008, 0x1195)
	tagReferencedSOPSequence    = tag.New(0x0008, 0x1199)
	tagFailedSOPSequence        = tag.New(0x0008, 0x1198)
	tagReferencedSOPClassUID    = tag.New(0x0008, 0x1150)
	tagReferencedSOPInstanceUID = tag.New(0x0008, 0x1155)
	tagFailureReason            = tag.New(0x0008, 0x1197)
)

// SOPReference names one SOP instance by its class and instance UID.
type SOPReference struct {
	SOPClassUID    string
	SOPInstanceUID string
}

// FailedSOPReference is a SOPReference the SCP could not commit, with its
// DICOM failure reason code.
type FailedSOPReference struct {
	SOPReference
	FailureReason uint16
}

// CommitmentOutcome is the decision reported by the SCP's N-EVENT-REPORT
// following a Storage Commitment N-ACTION request.
type CommitmentOutcome struct {
	Success   bool
	Committed []SOPReference
	Failed    []FailedSOPReference
}

// Config holds the association parameters a caller supplies once, before
// Connect. It is treated as immutable after NewClient builds the Client.
type Config struct {
	CallingAETitle       string
	CalledAETitle        string
	RemoteAddr           string
	MaxPDULength         uint32
	PresentationContexts []pdu.PresentationContextRQ

	// ConnectTimeout bounds the transport dial. Zero means 30s.
	ConnectTimeout time.Duration
	// ArtimTimeout bounds the wait for an association or release response.
	// Nil means 30s; NewClient always sets a timeout, so the timer cannot
	// be disabled through Config.
	ArtimTimeout *time.Duration

	ImplementationClassUID string
	ImplementationVersion  string
}

func (c *Config) withDefaults() {
	if c.MaxPDULength == 0 {
		c.MaxPDULength = pdu.DefaultMaxPDULength
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.ArtimTimeout == nil {
		d := 30 * time.Second
		c.ArtimTimeout = &d
	}
	if c.ImplementationClassUID == "" {
		c.ImplementationClassUID = "1.2.840.dicomdul.1.1"
	}
}

// Client is a single-use association orchestrator: one Client drives one
// association from request through release or abort.
type Client struct {
	config      Config
	conn        *dul.Connection
	assoc       *dul.Association
	messageID   uint32
	reassembler *dimse.MessageReassembler
}

// NewClient creates a new, not-yet-connected SCU client.
func NewClient(config Config) *Client {
	config.withDefaults()
	return &Client{
		config:      config,
		reassembler: dimse.NewMessageReassembler(),
	}
}

// Connect dials the transport and performs A-ASSOCIATE-RQ/response under an
// ARTIM race: whichever of (receive response, ARTIM sleep) completes first
// wins, and the other is abandoned. If the presentation context list is
// empty, Connect fails before sending anything.
func (c *Client) Connect(ctx context.Context) error {
	if len(c.config.PresentationContexts) == 0 {
		return fmt.Errorf("request association: %w", dul.ErrNoPresentationContextAccepted)
	}
	if err := pdu.ValidateAETitle(c.config.CallingAETitle); err != nil {
		return fmt.Errorf("calling AE title: %w", err)
	}
	if err := pdu.ValidateAETitle(c.config.CalledAETitle); err != nil {
		return fmt.Errorf("called AE title: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	defer cancel()

	conn, err := dul.Dial(dialCtx, "tcp", c.config.RemoteAddr)
	if err != nil {
		return &dul.ConnectionFailed{Detail: "dial", Err: err}
	}
	c.conn = conn
	c.assoc = dul.NewAssociation(conn, c.config.CalledAETitle, c.config.CallingAETitle)

	type result struct{ err error }
	done := make(chan result, 1)
	go func() {
		done <- result{c.assoc.RequestAssociation(ctx, c.config.PresentationContexts)}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			//nolint:errcheck // cleanup after a failed negotiation
			c.conn.Close()
			return r.err
		}
		return nil
	case <-time.After(*c.config.ArtimTimeout):
		//nolint:errcheck // best-effort abort; surfaced error is ArtimTimerExpired
		c.assoc.AbortOnArtimTimeout(ctx)
		return dul.ErrArtimTimerExpired
	}
}

// Close releases the association gracefully.
func (c *Client) Close(ctx context.Context) error {
	if c.assoc == nil {
		return nil
	}
	return c.assoc.Release(ctx, c.config.ArtimTimeout)
}

// Abort sends an A-ABORT with the given reason and tears down the
// transport immediately, bypassing release.
func (c *Client) Abort(ctx context.Context, reason uint8) error {
	if c.assoc == nil {
		return nil
	}
	return c.assoc.Abort(ctx, pdu.AbortSourceServiceUser, reason)
}

// Echo performs a Verification (C-ECHO) exchange over the presentation
// context negotiated for the Verification SOP Class.
func (c *Client) Echo(ctx context.Context) error {
	pc, ok := c.assoc.FindPresentationContext(uid.VerificationSOPClass)
	if !ok {
		return fmt.Errorf("no presentation context for %s", uid.VerificationSOPClass)
	}

	cmd := &dimse.CommandSet{
		CommandField:        dimse.CommandCEchoRQ,
		MessageID:           c.nextMessageID(),
		CommandDataSetType:  dimse.DataSetNotPresent,
		AffectedSOPClassUID: uid.VerificationSOPClass,
	}

	if err := c.SendMessage(ctx, &dimse.Message{CommandSet: cmd, PresentationContextID: pc.ID}); err != nil {
		return fmt.Errorf("send C-ECHO-RQ: %w", err)
	}

	rsp, err := c.ReceiveMessage(ctx)
	if err != nil {
		return fmt.Errorf("receive C-ECHO-RSP: %w", err)
	}

	if rsp.CommandSet.Status != dimse.StatusSuccess {
		return fmt.Errorf("C-ECHO failed: status=0x%04X", rsp.CommandSet.Status)
	}

	return nil
}

// RequestCommitment sends an N-ACTION request (action type id = 1) proposing
// the given SOP references for storage commitment, then waits for the
// SCP's N-EVENT-REPORT carrying the outcome and acknowledges it with an
// N-EVENT-REPORT-RSP.
func (c *Client) RequestCommitment(ctx context.Context, transactionUID string, refs []SOPReference) (*CommitmentOutcome, error) {
	pc, ok := c.assoc.FindPresentationContext(uid.StorageCommitmentPushModelSOPClass)
	if !ok {
		return nil, fmt.Errorf("no presentation context for %s", uid.StorageCommitmentPushModelSOPClass)
	}

	reqDS, err := buildCommitmentRequestDataSet(transactionUID, refs)
	if err != nil {
		return nil, fmt.Errorf("build N-ACTION-RQ dataset: %w", err)
	}

	cmd := &dimse.CommandSet{
		CommandField:         dimse.CommandNActionRQ,
		MessageID:            c.nextMessageID(),
		CommandDataSetType:   dimse.DataSetPresent,
		RequestedSOPClassUID: uid.StorageCommitmentPushModelSOPClass,
		ActionTypeID:         1,
	}

	if err := c.SendMessage(ctx, &dimse.Message{CommandSet: cmd, DataSet: reqDS, PresentationContextID: pc.ID}); err != nil {
		return nil, fmt.Errorf("send N-ACTION-RQ: %w", err)
	}

	rsp, err := c.ReceiveMessage(ctx)
	if err != nil {
		return nil, fmt.Errorf("receive N-ACTION-RSP: %w", err)
	}
	if rsp.CommandSet.Status != dimse.StatusSuccess {
		return nil, fmt.Errorf("N-ACTION failed: status=0x%04X", rsp.CommandSet.Status)
	}

	report, err := c.ReceiveMessage(ctx)
	if err != nil {
		return nil, fmt.Errorf("receive N-EVENT-REPORT-RQ: %w", err)
	}
	if report.CommandSet.CommandField != dimse.CommandNEventReportRQ {
		return nil, fmt.Errorf("expected N-EVENT-REPORT-RQ, got command 0x%04X", report.CommandSet.CommandField)
	}

	outcome, err := parseCommitmentOutcome(report)
	if err != nil {
		return nil, fmt.Errorf("parse N-EVENT-REPORT-RQ: %w", err)
	}

	ackCmd := &dimse.CommandSet{
		CommandField:              dimse.CommandNEventReportRSP,
		MessageIDBeingRespondedTo: report.CommandSet.MessageID,
		CommandDataSetType:        dimse.DataSetNotPresent,
		Status:                    dimse.StatusSuccess,
		AffectedSOPClassUID:       uid.StorageCommitmentPushModelSOPClass,
	}
	if err := c.SendMessage(ctx, &dimse.Message{CommandSet: ackCmd, PresentationContextID: pc.ID}); err != nil {
		return nil, fmt.Errorf("send N-EVENT-REPORT-RSP: %w", err)
	}

	return outcome, nil
}

func buildCommitmentRequestDataSet(transactionUID string, refs []SOPReference) (*dataset.DataSet, error) {
	ds := dataset.NewDataSet()
	if err := ds.AddString(tagTransactionUID, dataset.VRUniqueIdentifier, transactionUID); err != nil {
		return nil, err
	}

	items := make([]*dataset.DataSet, 0, len(refs))
	for _, ref := range refs {
		item := dataset.NewDataSet()
		if err := item.AddString(tagReferencedSOPClassUID, dataset.VRUniqueIdentifier, ref.SOPClassUID); err != nil {
			return nil, err
		}
		if err := item.AddString(tagReferencedSOPInstanceUID, dataset.VRUniqueIdentifier, ref.SOPInstanceUID); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := ds.AddSequence(tagReferencedSOPSequence, items...); err != nil {
		return nil, err
	}

	return ds, nil
}

func parseCommitmentOutcome(report *dimse.Message) (*CommitmentOutcome, error) {
	outcome := &CommitmentOutcome{Success: report.CommandSet.EventTypeID == 1}

	if report.DataSet == nil {
		return outcome, nil
	}

	if items, err := report.DataSet.GetSequence(tagReferencedSOPSequence); err == nil {
		for _, item := range items {
			classUID, err := item.GetString(tagReferencedSOPClassUID)
			if err != nil {
				return nil, err
			}
			instanceUID, err := item.GetString(tagReferencedSOPInstanceUID)
			if err != nil {
				return nil, err
			}
			outcome.Committed = append(outcome.Committed, SOPReference{SOPClassUID: classUID, SOPInstanceUID: instanceUID})
		}
	}

	if items, err := report.DataSet.GetSequence(tagFailedSOPSequence); err == nil {
		for _, item := range items {
			classUID, err := item.GetString(tagReferencedSOPClassUID)
			if err != nil {
				return nil, err
			}
			instanceUID, err := item.GetString(tagReferencedSOPInstanceUID)
			if err != nil {
				return nil, err
			}
			reason, err := item.GetUint16(tagFailureReason)
			if err != nil {
				return nil, err
			}
			outcome.Failed = append(outcome.Failed, FailedSOPReference{
				SOPReference:  SOPReference{SOPClassUID: classUID, SOPInstanceUID: instanceUID},
				FailureReason: reason,
			})
		}
	}

	return outcome, nil
}

// SendMessage fragments and sends a DIMSE message in Established state.
// It is rejected if the message's presentation context is not accepted.
func (c *Client) SendMessage(ctx context.Context, msg *dimse.Message) error {
	if _, ok := c.assoc.GetPresentationContext(msg.PresentationContextID); !ok {
		return fmt.Errorf("presentation context %d not accepted", msg.PresentationContextID)
	}

	pdus, err := msg.Encode(c.conn.GetMaxPDULength())
	if err != nil {
		return err
	}

	for _, p := range pdus {
		if err := c.assoc.SendData(ctx, p); err != nil {
			return err
		}
	}

	return nil
}

// ReceiveMessage reassembles the next complete DIMSE message from the
// wire. A received A-RELEASE-RQ or A-ABORT is translated into an error
// rather than a message.
func (c *Client) ReceiveMessage(ctx context.Context) (*dimse.Message, error) {
	for {
		p, err := c.conn.ReadPDU(ctx)
		if err != nil {
			return nil, err
		}

		switch v := p.(type) {
		case *pdu.DataTF:
			msg, err := c.reassembler.AddPDU(v)
			if err != nil {
				return nil, err
			}
			if msg != nil {
				return msg, nil
			}
		case *pdu.ReleaseRQ:
			return nil, dul.ErrConnectionClosed
		case *pdu.Abort:
			return nil, &dul.AssociationAborted{Source: v.Source, Reason: v.Reason}
		default:
			return nil, fmt.Errorf("unexpected PDU while awaiting data: %T", p)
		}
	}
}

func (c *Client) nextMessageID() uint16 {
	id := atomic.AddUint32(&c.messageID, 1)
	if id > 65535 {
		atomic.StoreUint32(&c.messageID, 1)
		return 1
	}
	return uint16(id)
}
