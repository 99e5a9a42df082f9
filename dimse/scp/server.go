// Package scp implements the Storage Commitment N-ACTION/N-EVENT-REPORT
// service as a bounded-concurrency association listener: accept, filter,
// negotiate, and drive the command-processing loop for each association on
// its own task, the way the association orchestrator drives the client side.
package scp

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/semaphore"

	"github.com/arborhealth/dicomdul/dicom/uid"
	"github.com/arborhealth/dicomdul/dimse/dimse"
	"github.com/arborhealth/dicomdul/dimse/dul"
	"github.com/arborhealth/dicomdul/dimse/pdu"
	"github.com/arborhealth/dicomdul/internal/dataset"
)

// Config holds Storage Commitment SCP configuration.
type Config struct {
	AETitle                   string `validate:"required,max=16"`
	ListenAddr                string `validate:"required,hostname_port"`
	MaxPDULength              uint32
	MaxConcurrentAssociations int `validate:"gte=0"`

	// CallingAEWhitelist, if non-empty, is the only set of calling AE
	// titles permitted to associate. CallingAEBlacklist takes precedence
	// over the whitelist when both name the same title.
	CallingAEWhitelist map[string]bool
	CallingAEBlacklist map[string]bool

	ShouldAccept      ShouldAcceptFunc
	CommitmentHandler CommitmentHandlerFunc
	EchoHandler       EchoHandler
}

// EchoHandler handles C-ECHO requests arriving over a Storage Commitment
// association (Verification is commonly negotiated alongside it).
type EchoHandler interface {
	HandleEcho(ctx context.Context, req *EchoRequest) *EchoResponse
}

// EchoRequest represents a C-ECHO request.
type EchoRequest struct {
	CallingAE string
	CalledAE  string
}

// EchoResponse represents a C-ECHO response.
type EchoResponse struct {
	Status uint16
}

func (c *Config) withDefaults() {
	if c.MaxPDULength == 0 {
		c.MaxPDULength = pdu.DefaultMaxPDULength
	}
	if c.MaxConcurrentAssociations == 0 {
		c.MaxConcurrentAssociations = 10
	}
	if c.CommitmentHandler == nil {
		c.CommitmentHandler = DefaultCommitmentHandler
	}
	if c.EchoHandler == nil {
		c.EchoHandler = NewDefaultEchoHandler()
	}
}

// supportedContexts restricts negotiation to the Storage Commitment Push
// Model SOP Class and the Verification SOP Class, each paired with the
// first proposed transfer syntax from {Explicit VR LE, Implicit VR LE}.
func (c *Config) supportedContexts() map[string][]string {
	syntaxes := []string{uid.ExplicitVRLittleEndian, uid.ImplicitVRLittleEndian}
	return map[string][]string{
		uid.StorageCommitmentPushModelSOPClass: syntaxes,
		uid.VerificationSOPClass:               syntaxes,
	}
}

// Server is a Storage Commitment SCP: a listener task plus one task per
// accepted association, bounded by MaxConcurrentAssociations.
type Server struct {
	config   Config
	listener net.Listener

	sem          *semaphore.Weighted
	wg           sync.WaitGroup
	events       chan Event
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

var configValidator = validator.New()

// NewServer creates a new, not-yet-listening Storage Commitment SCP.
func NewServer(config Config) (*Server, error) {
	config.withDefaults()
	if err := configValidator.Struct(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Server{
		config:     config,
		sem:        semaphore.NewWeighted(int64(config.MaxConcurrentAssociations)),
		events:     make(chan Event, 64),
		shutdownCh: make(chan struct{}),
	}, nil
}

// Addr returns the listener's bound address. Valid only after Listen.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Events returns the server's lifecycle event stream. The channel is
// buffered; slow consumers drop events rather than stall associations.
func (s *Server) Events() <-chan Event {
	return s.events
}

func (s *Server) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
	}
}

// Listen starts accepting connections on the configured address.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = listener

	s.emit(Event{Kind: EventStarted})
	go s.acceptLoop(ctx)

	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		select {
		case <-s.shutdownCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdownCh:
				return
			default:
				continue
			}
		}

		if s.sem.TryAcquire(1) {
			s.wg.Add(1)
			go s.handleConnection(ctx, conn)
		} else {
			//nolint:errcheck // over max_concurrent_associations, drop immediately
			_ = conn.Close()
		}
	}
}

// Shutdown stops accepting connections and waits for in-flight associations
// to finish, or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		close(s.shutdownCh)

		if s.listener != nil {
			//nolint:errcheck // listener close during shutdown, error not critical
			_ = s.listener.Close()
		}

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}

		s.emit(Event{Kind: EventStopped})
	})

	return err
}

func (s *Server) handleConnection(ctx context.Context, netConn net.Conn) {
	defer s.wg.Done()
	defer s.sem.Release(1)
	//nolint:errcheck // connection close in defer
	defer func() { _ = netConn.Close() }()

	conn := dul.NewConnection(netConn)
	conn.SetMaxPDULength(s.config.MaxPDULength)

	if err := conn.TriggerTransportIndication(ctx); err != nil {
		return
	}

	pduMsg, err := conn.ReadPDU(ctx)
	if err != nil {
		return
	}

	assocRQ, ok := pduMsg.(*pdu.AssociateRQ)
	if !ok {
		return
	}

	callingAE := pdu.TrimAETitle(assocRQ.CallingAETitle)
	calledAE := pdu.TrimAETitle(assocRQ.CalledAETitle)
	info := AssociationInfo{CallingAE: callingAE, CalledAE: calledAE, RemoteAddr: netConn.RemoteAddr().String()}

	assoc := dul.NewAssociation(conn, s.config.AETitle, callingAE)
	if err := assoc.IndicateAssociateRequest(assocRQ); err != nil {
		return
	}

	if reason, reject := s.rejectReasonForAETitles(callingAE, calledAE); reject {
		//nolint:errcheck // best-effort reject; nothing more to do on this connection
		assoc.RejectAssociation(ctx, pdu.AssociateRJResultPermanent, pdu.AssociateRJSourceServiceUser, reason)
		s.emit(Event{Kind: EventAssociationRejected, CallingAE: callingAE, CalledAE: calledAE})
		return
	}

	if s.config.ShouldAccept != nil && !s.config.ShouldAccept(info) {
		//nolint:errcheck // best-effort reject
		assoc.RejectAssociation(ctx, pdu.AssociateRJResultPermanent, pdu.AssociateRJSourceServiceUser, pdu.AssociateRJReasonNoReasonGiven)
		s.emit(Event{Kind: EventAssociationRejected, CallingAE: callingAE, CalledAE: calledAE})
		return
	}

	acContexts, accepted := assoc.NegotiatePresentationContexts(assocRQ, s.config.supportedContexts())
	if accepted == 0 {
		//nolint:errcheck // best-effort reject
		assoc.RejectAssociation(ctx, pdu.AssociateRJResultTransient, pdu.AssociateRJSourceServiceProviderACSE, pdu.AssociateRJReasonNoReasonGiven)
		s.emit(Event{Kind: EventAssociationRejected, CallingAE: callingAE, CalledAE: calledAE})
		return
	}

	if err := assoc.SendAssociateAC(ctx, assocRQ, acContexts); err != nil {
		s.emit(Event{Kind: EventError, CallingAE: callingAE, CalledAE: calledAE, Err: err})
		return
	}
	s.emit(Event{Kind: EventAssociationEstablished, CallingAE: callingAE, CalledAE: calledAE})

	h := &associationHandler{
		server:      s,
		assoc:       assoc,
		conn:        conn,
		info:        info,
		reassembler: dimse.NewMessageReassembler(),
	}
	h.run(ctx)
}

// rejectReasonForAETitles applies the calling-AE blacklist/whitelist (the
// blacklist taking precedence) and the called-AE match check, returning the
// A-ASSOCIATE-RJ reason code to use if rejection is warranted.
func (s *Server) rejectReasonForAETitles(callingAE, calledAE string) (uint8, bool) {
	if s.config.CallingAEBlacklist[callingAE] {
		return pdu.AssociateRJReasonCallingAETitleNotRecognized, true
	}
	if len(s.config.CallingAEWhitelist) > 0 && !s.config.CallingAEWhitelist[callingAE] {
		return pdu.AssociateRJReasonCallingAETitleNotRecognized, true
	}
	if calledAE != s.config.AETitle {
		return pdu.AssociateRJReasonCalledAETitleNotRecognized, true
	}
	return 0, false
}

// associationHandler drives the command-processing loop for one accepted
// association.
type associationHandler struct {
	server      *Server
	assoc       *dul.Association
	conn        *dul.Connection
	info        AssociationInfo
	reassembler *dimse.MessageReassembler
}

func (h *associationHandler) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		pduMsg, err := h.conn.ReadPDU(ctx)
		if err != nil {
			return
		}

		switch p := pduMsg.(type) {
		case *pdu.DataTF:
			if err := h.handleDataPDU(ctx, p); err != nil {
				h.server.emit(Event{Kind: EventError, CallingAE: h.info.CallingAE, CalledAE: h.info.CalledAE, Err: err})
				return
			}

		case *pdu.ReleaseRQ:
			//nolint:errcheck // state machine event during release
			_, _ = h.conn.StateMachine().ProcessEvent(dul.AE12)
			//nolint:errcheck // state machine event during release
			_, _ = h.conn.StateMachine().ProcessEvent(dul.AE14)
			//nolint:errcheck // PDU send during release
			_ = h.conn.SendPDU(ctx, &pdu.ReleaseRP{})
			h.server.emit(Event{Kind: EventAssociationReleased, CallingAE: h.info.CallingAE, CalledAE: h.info.CalledAE})
			return

		case *pdu.Abort:
			return

		default:
			// Any other PDU during the command loop is a protocol error:
			// respond with A-ABORT instead of silently dropping the
			// connection.
			//nolint:errcheck // best-effort abort before closing
			_ = h.assoc.Abort(ctx, pdu.AbortSourceServiceProvider, pdu.AbortReasonUnexpectedPDU)
			return
		}
	}
}

func (h *associationHandler) handleDataPDU(ctx context.Context, dataPDU *pdu.DataTF) error {
	msg, err := h.reassembler.AddPDU(dataPDU)
	if err != nil {
		return err
	}
	if msg == nil {
		return nil
	}

	switch msg.CommandSet.CommandField {
	case dimse.CommandCEchoRQ:
		return h.handleCEcho(ctx, msg)
	case dimse.CommandNActionRQ:
		return h.handleNAction(ctx, msg)
	default:
		return fmt.Errorf("unsupported command: 0x%04X", msg.CommandSet.CommandField)
	}
}

func (h *associationHandler) handleCEcho(ctx context.Context, msg *dimse.Message) error {
	status := dimse.StatusSuccess
	if h.server.config.EchoHandler != nil {
		req := &EchoRequest{CallingAE: h.info.CallingAE, CalledAE: h.info.CalledAE}
		status = h.server.config.EchoHandler.HandleEcho(ctx, req).Status
	}

	rsp := &dimse.CommandSet{
		CommandField:              dimse.CommandCEchoRSP,
		MessageIDBeingRespondedTo: msg.CommandSet.MessageID,
		CommandDataSetType:        dimse.DataSetNotPresent,
		Status:                    status,
		AffectedSOPClassUID:       msg.CommandSet.AffectedSOPClassUID,
	}

	return h.send(ctx, rsp, nil, msg.PresentationContextID)
}

func (h *associationHandler) handleNAction(ctx context.Context, msg *dimse.Message) error {
	transactionUID, references, parseErr := h.parseCommitmentRequest(msg)

	status := dimse.StatusSuccess
	if parseErr != nil {
		status = dimse.StatusProcessingFailure
	}

	rsp := &dimse.CommandSet{
		CommandField:              dimse.CommandNActionRSP,
		MessageIDBeingRespondedTo: msg.CommandSet.MessageID,
		CommandDataSetType:        dimse.DataSetNotPresent,
		Status:                    status,
		AffectedSOPClassUID:       msg.CommandSet.RequestedSOPClassUID,
		AffectedSOPInstanceUID:    msg.CommandSet.RequestedSOPInstanceUID,
	}
	if err := h.send(ctx, rsp, nil, msg.PresentationContextID); err != nil {
		return err
	}
	if parseErr != nil {
		return nil
	}

	h.server.emit(Event{Kind: EventCommitmentRequestReceived, CallingAE: h.info.CallingAE, CalledAE: h.info.CalledAE, TransactionUID: transactionUID})

	req := &CommitmentRequest{AssociationInfo: h.info, TransactionUID: transactionUID, References: references}
	result := h.server.config.CommitmentHandler(ctx, req)

	return h.sendEventReport(ctx, msg.PresentationContextID, transactionUID, result)
}

func (h *associationHandler) parseCommitmentRequest(msg *dimse.Message) (string, []SOPReference, error) {
	if msg.DataSet == nil {
		return "", nil, fmt.Errorf("N-ACTION-RQ missing dataset")
	}
	transactionUID, err := msg.DataSet.GetString(tagTransactionUID)
	if err != nil {
		return "", nil, fmt.Errorf("read Transaction UID: %w", err)
	}
	references, err := parseReferencedSOPSequence(msg.DataSet)
	if err != nil {
		return "", nil, fmt.Errorf("read Referenced SOP Sequence: %w", err)
	}
	return transactionUID, references, nil
}

// sendEventReport issues the N-EVENT-REPORT-RQ following a commitment
// decision and waits for its N-EVENT-REPORT-RSP on the same association,
// serialising commitment flows one at a time.
func (h *associationHandler) sendEventReport(ctx context.Context, pcID uint8, transactionUID string, result CommitmentResult) error {
	eventTypeID := uint16(1)
	success := len(result.Failed) == 0
	if !success {
		eventTypeID = 2
	}

	ds, err := buildEventReportDataSet(transactionUID, result.Committed, result.Failed)
	if err != nil {
		return fmt.Errorf("build event report dataset: %w", err)
	}

	cmd := &dimse.CommandSet{
		CommandField:        dimse.CommandNEventReportRQ,
		MessageID:           1,
		CommandDataSetType:  dimse.DataSetPresent,
		AffectedSOPClassUID: uid.StorageCommitmentPushModelSOPClass,
		EventTypeID:         eventTypeID,
	}
	if err := h.send(ctx, cmd, ds, pcID); err != nil {
		return fmt.Errorf("send N-EVENT-REPORT-RQ: %w", err)
	}

	rspPDU, err := h.conn.ReadPDU(ctx)
	if err != nil {
		return fmt.Errorf("read N-EVENT-REPORT-RSP: %w", err)
	}
	dataPDU, ok := rspPDU.(*pdu.DataTF)
	if !ok {
		return fmt.Errorf("unexpected PDU awaiting N-EVENT-REPORT-RSP: %T", rspPDU)
	}
	if _, err := h.reassembler.AddPDU(dataPDU); err != nil {
		return fmt.Errorf("reassemble N-EVENT-REPORT-RSP: %w", err)
	}

	h.server.emit(Event{Kind: EventCommitmentResultSent, CallingAE: h.info.CallingAE, CalledAE: h.info.CalledAE, TransactionUID: transactionUID, Success: success})
	return nil
}

// send encodes a DIMSE command (and optional dataset) into P-DATA-TF PDUs
// and sends them in order over the association.
func (h *associationHandler) send(ctx context.Context, cmd *dimse.CommandSet, ds *dataset.DataSet, pcID uint8) error {
	msg := &dimse.Message{
		CommandSet:            cmd,
		DataSet:               ds,
		PresentationContextID: pcID,
	}

	pdus, err := msg.Encode(h.conn.GetMaxPDULength())
	if err != nil {
		return err
	}

	for _, p := range pdus {
		if err := h.assoc.SendData(ctx, p); err != nil {
			return err
		}
	}

	return nil
}
