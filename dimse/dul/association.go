package dul

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arborhealth/dicomdul/dimse/pdu"
)

// Association represents a DICOM association
type Association struct {
	conn                   *Connection
	calledAETitle          string
	callingAETitle         string
	applicationContext     string
	presentationContexts   map[uint8]*PresentationContext
	maxPDULength           uint32
	implementationClassUID string
	implementationVersion  string
	mu                     sync.RWMutex
}

// PresentationContext represents a negotiated presentation context
type PresentationContext struct {
	ID             uint8
	AbstractSyntax string
	TransferSyntax string
	Result         uint8
	Accepted       bool
}

// NewAssociation creates a new association
func NewAssociation(conn *Connection, calledAE, callingAE string) *Association {
	return &Association{
		conn:                   conn,
		calledAETitle:          calledAE,
		callingAETitle:         callingAE,
		applicationContext:     "1.2.840.10008.3.1.1.1", // Default DICOM Application Context
		presentationContexts:   make(map[uint8]*PresentationContext),
		maxPDULength:           pdu.DefaultMaxPDULength,
		implementationClassUID: "1.2.840.dicomdul.1.1",
		implementationVersion:  "DICOMDUL_1.0",
	}
}

// RequestAssociation sends an A-ASSOCIATE-RQ and waits for response
func (a *Association) RequestAssociation(ctx context.Context, pcReqs []pdu.PresentationContextRQ) error {
	// Trigger A-ASSOCIATE request event
	action, err := a.conn.sm.ProcessEvent(AE3)
	if err != nil {
		return fmt.Errorf("state machine error: %w", err)
	}

	if action != ActionSendAssociateRQ {
		return fmt.Errorf("unexpected action: %v", action)
	}

	// Build A-ASSOCIATE-RQ PDU
	rq := &pdu.AssociateRQ{
		ProtocolVersion:    0x0001,
		CalledAETitle:      pdu.PadAETitle(a.calledAETitle),
		CallingAETitle:     pdu.PadAETitle(a.callingAETitle),
		ApplicationContext: a.applicationContext,
		UserInfo: pdu.UserInformation{
			MaxPDULength:           a.maxPDULength,
			ImplementationClassUID: a.implementationClassUID,
			ImplementationVersion:  a.implementationVersion,
		},
	}

	// Convert presentation contexts and build a map for later lookup
	pcMap := make(map[uint8]string) // ID -> AbstractSyntax
	for _, pcReq := range pcReqs {
		rq.PresentationContexts = append(rq.PresentationContexts, pdu.PresentationContextRQ{
			ID:               pcReq.ID,
			AbstractSyntax:   pcReq.AbstractSyntax,
			TransferSyntaxes: pcReq.TransferSyntaxes,
		})
		pcMap[pcReq.ID] = pcReq.AbstractSyntax
	}

	// Send A-ASSOCIATE-RQ
	if err := a.conn.SendPDU(ctx, rq); err != nil {
		return fmt.Errorf("send A-ASSOCIATE-RQ: %w", err)
	}

	// Wait for A-ASSOCIATE-AC or A-ASSOCIATE-RJ
	response, err := a.conn.ReadPDU(ctx)
	if err != nil {
		return fmt.Errorf("read association response: %w", err)
	}

	switch p := response.(type) {
	case *pdu.AssociateAC:
		// Process A-ASSOCIATE-AC
		_, err := a.conn.sm.ProcessEvent(AE6)
		if err != nil {
			return fmt.Errorf("state machine error: %w", err)
		}

		// Store negotiated presentation contexts
		a.mu.Lock()
		for _, pc := range p.PresentationContexts {
			// Match back to requested abstract syntax
			abstractSyntax := pcMap[pc.ID]
			a.presentationContexts[pc.ID] = &PresentationContext{
				ID:             pc.ID,
				AbstractSyntax: abstractSyntax,
				TransferSyntax: pc.TransferSyntax,
				Result:         pc.Result,
				Accepted:       pc.Result == pdu.PresentationContextAcceptance,
			}
		}
		negotiated := p.UserInfo.MaxPDULength
		if a.maxPDULength < negotiated {
			negotiated = a.maxPDULength
		}
		if negotiated < pdu.MinMaxPDULength {
			negotiated = pdu.MinMaxPDULength
		}
		a.maxPDULength = negotiated

		accepted := 0
		for _, pc := range a.presentationContexts {
			if pc.Accepted {
				accepted++
			}
		}
		a.mu.Unlock()

		a.conn.SetMaxPDULength(negotiated)

		if accepted == 0 {
			//nolint:errcheck // best-effort abort before surfacing the error
			a.Abort(ctx, pdu.AbortSourceServiceUser, pdu.AbortReasonNotSpecified)
			return ErrNoPresentationContextAccepted
		}

		return nil

	case *pdu.AssociateRJ:
		_, _ = a.conn.sm.ProcessEvent(AE7)
		return &AssociationRejected{Result: p.Result, Source: p.Source, Reason: p.Reason}

	default:
		return &UnexpectedPDUType{ReceivedType: response.Type()}
	}
}

// AbortOnArtimTimeout processes the ARTIM-expiry event and emits a
// best-effort A-ABORT, used by the orchestrator when its ARTIM race against
// a pending receive loses.
func (a *Association) AbortOnArtimTimeout(ctx context.Context) error {
	_, err := a.conn.sm.ProcessEvent(AE18)
	if err != nil {
		return fmt.Errorf("state machine error: %w", err)
	}

	abort := &pdu.Abort{Source: pdu.AbortSourceServiceProvider, Reason: pdu.AbortReasonNotSpecified}
	//nolint:errcheck // best-effort: the transport may already be unusable
	a.conn.SendPDU(ctx, abort)
	return a.conn.Close()
}

// IndicateAssociateRequest processes the AE-8 event (A-ASSOCIATE-RQ
// received) and records the peer's AE titles and application context. It
// must be called once, before NegotiatePresentationContexts,
// AcceptAssociation, or RejectAssociation.
func (a *Association) IndicateAssociateRequest(rq *pdu.AssociateRQ) error {
	if _, err := a.conn.sm.ProcessEvent(AE8); err != nil {
		return fmt.Errorf("state machine error: %w", err)
	}

	a.mu.Lock()
	a.calledAETitle = pdu.TrimAETitle(rq.CalledAETitle)
	a.callingAETitle = pdu.TrimAETitle(rq.CallingAETitle)
	a.applicationContext = rq.ApplicationContext
	a.mu.Unlock()

	return nil
}

// NegotiatePresentationContexts matches each proposed presentation context
// against supportedContexts (abstract syntax -> supported transfer
// syntaxes; the first proposed syntax found in that set is chosen, so the
// proposal's order decides) and records the accepted ones on the association. It
// returns the A-ASSOCIATE-AC presentation context results and how many were
// accepted; callers that get zero back should reject rather than send an AC
// with nothing negotiated.
func (a *Association) NegotiatePresentationContexts(rq *pdu.AssociateRQ, supportedContexts map[string][]string) ([]pdu.PresentationContextAC, int) {
	var acContexts []pdu.PresentationContextAC
	accepted := 0

	for _, pcRQ := range rq.PresentationContexts {
		pc := a.negotiatePresentationContext(pcRQ, supportedContexts)
		acContexts = append(acContexts, pdu.PresentationContextAC{
			ID:             pc.ID,
			Result:         pc.Result,
			TransferSyntax: pc.TransferSyntax,
		})

		if pc.Result == pdu.PresentationContextAcceptance {
			a.mu.Lock()
			a.presentationContexts[pc.ID] = pc
			a.mu.Unlock()
			accepted++
		}
	}

	return acContexts, accepted
}

// SendAssociateAC emits A-ASSOCIATE-AC in response to rq, carrying the
// already-negotiated acContexts.
func (a *Association) SendAssociateAC(ctx context.Context, rq *pdu.AssociateRQ, acContexts []pdu.PresentationContextAC) error {
	ac := &pdu.AssociateAC{
		ProtocolVersion:      0x0001,
		CalledAETitle:        rq.CalledAETitle,
		CallingAETitle:       rq.CallingAETitle,
		ApplicationContext:   rq.ApplicationContext,
		PresentationContexts: acContexts,
		UserInfo: pdu.UserInformation{
			MaxPDULength:           a.maxPDULength,
			ImplementationClassUID: a.implementationClassUID,
			ImplementationVersion:  a.implementationVersion,
		},
	}

	action, err := a.conn.sm.ProcessEvent(AE4)
	if err != nil {
		return fmt.Errorf("state machine error: %w", err)
	}
	if action != ActionSendAssociateAC {
		return fmt.Errorf("unexpected action: %v", action)
	}

	if err := a.conn.SendPDU(ctx, ac); err != nil {
		return fmt.Errorf("send A-ASSOCIATE-AC: %w", err)
	}

	return nil
}

// AcceptAssociation processes an A-ASSOCIATE-RQ and unconditionally sends an
// A-ASSOCIATE-AC, accepting whatever presentation contexts match
// supportedContexts. Callers that must reject an association carrying zero
// accepted contexts should use NegotiatePresentationContexts and
// RejectAssociation directly instead.
func (a *Association) AcceptAssociation(ctx context.Context, rq *pdu.AssociateRQ, supportedContexts map[string][]string) error {
	if err := a.IndicateAssociateRequest(rq); err != nil {
		return err
	}
	acContexts, _ := a.NegotiatePresentationContexts(rq, supportedContexts)
	return a.SendAssociateAC(ctx, rq, acContexts)
}

// RejectAssociation emits A-ASSOCIATE-RJ and closes the transport.
// IndicateAssociateRequest must have been called first so the state machine
// is in the awaiting-local-response state.
func (a *Association) RejectAssociation(ctx context.Context, result, source, reason uint8) error {
	action, err := a.conn.sm.ProcessEvent(AE5)
	if err != nil {
		return fmt.Errorf("state machine error: %w", err)
	}
	if action != ActionSendAssociateRJ {
		return fmt.Errorf("unexpected action: %v", action)
	}

	rj := &pdu.AssociateRJ{Result: result, Source: source, Reason: reason}
	if err := a.conn.SendPDU(ctx, rj); err != nil {
		return fmt.Errorf("send A-ASSOCIATE-RJ: %w", err)
	}

	return a.conn.Close()
}

// Release performs graceful association release. The release response wait
// is guarded by an ARTIM race against artimTimeout: whichever of (receive
// response, ARTIM sleep) completes first wins. A nil artimTimeout blocks
// indefinitely, spawning no timer task.
func (a *Association) Release(ctx context.Context, artimTimeout *time.Duration) error {
	// Trigger A-RELEASE request
	action, err := a.conn.sm.ProcessEvent(AE11)
	if err != nil {
		return fmt.Errorf("state machine error: %w", err)
	}

	if action != ActionSendReleaseRQ {
		return fmt.Errorf("unexpected action: %v", action)
	}

	// Send A-RELEASE-RQ
	if err := a.conn.SendPDU(ctx, &pdu.ReleaseRQ{}); err != nil {
		return fmt.Errorf("send A-RELEASE-RQ: %w", err)
	}

	// Wait for A-RELEASE-RP, or A-RELEASE-RQ on release collision, under ARTIM.
	response, err := a.readReleaseResponse(ctx, artimTimeout)
	if err != nil {
		return err
	}

	switch response.(type) {
	case *pdu.ReleaseRP:
		if _, err := a.conn.sm.ProcessEvent(AE13); err != nil {
			return fmt.Errorf("state machine error: %w", err)
		}
	case *pdu.ReleaseRQ:
		// Release collision: the peer requested release while we were
		// awaiting our own response. Answer with RLRP and close.
		collisionAction, err := a.conn.sm.ProcessEvent(AE12)
		if err != nil {
			return fmt.Errorf("state machine error: %w", err)
		}
		if collisionAction != ActionSendReleaseRP {
			return fmt.Errorf("unexpected action on release collision: %v", collisionAction)
		}
		if err := a.conn.SendPDU(ctx, &pdu.ReleaseRP{}); err != nil {
			return fmt.Errorf("send A-RELEASE-RP: %w", err)
		}
	default:
		return &UnexpectedPDUType{ReceivedType: response.Type()}
	}

	// Close connection
	return a.conn.Close()
}

// readReleaseResponse waits for the PDU following A-RELEASE-RQ under an
// ARTIM race against artimTimeout. A nil artimTimeout disables the race and
// blocks on the plain read.
func (a *Association) readReleaseResponse(ctx context.Context, artimTimeout *time.Duration) (pdu.PDU, error) {
	if artimTimeout == nil {
		response, err := a.conn.ReadPDU(ctx)
		if err != nil {
			return nil, fmt.Errorf("read release response: %w", err)
		}
		return response, nil
	}

	type result struct {
		pdu pdu.PDU
		err error
	}
	done := make(chan result, 1)
	go func() {
		p, err := a.conn.ReadPDU(ctx)
		done <- result{p, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("read release response: %w", r.err)
		}
		return r.pdu, nil
	case <-time.After(*artimTimeout):
		//nolint:errcheck // best-effort abort; surfaced error is ErrArtimTimerExpired
		a.AbortOnArtimTimeout(ctx)
		return nil, ErrArtimTimerExpired
	}
}

// Abort sends an A-ABORT and closes the connection
func (a *Association) Abort(ctx context.Context, source, reason uint8) error {
	// Trigger A-ABORT request
	_, err := a.conn.sm.ProcessEvent(AE15)
	if err != nil {
		return fmt.Errorf("state machine error: %w", err)
	}

	// Send A-ABORT
	abort := &pdu.Abort{
		Source: source,
		Reason: reason,
	}

	if err := a.conn.SendPDU(ctx, abort); err != nil {
		return fmt.Errorf("send A-ABORT: %w", err)
	}

	// Close connection
	return a.conn.Close()
}

// SendData sends P-DATA-TF PDU
func (a *Association) SendData(ctx context.Context, data *pdu.DataTF) error {
	// Trigger P-DATA request
	action, err := a.conn.sm.ProcessEvent(AE9)
	if err != nil {
		return fmt.Errorf("state machine error: %w", err)
	}

	if action != ActionSendData {
		return fmt.Errorf("unexpected action: %v", action)
	}

	return a.conn.SendPDU(ctx, data)
}

// GetPresentationContext returns the presentation context for the given ID
func (a *Association) GetPresentationContext(id uint8) (*PresentationContext, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	pc, ok := a.presentationContexts[id]
	return pc, ok
}

// FindPresentationContext finds an accepted presentation context by abstract syntax
func (a *Association) FindPresentationContext(abstractSyntax string) (*PresentationContext, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for _, pc := range a.presentationContexts {
		if pc.AbstractSyntax == abstractSyntax && pc.Accepted {
			return pc, true
		}
	}
	return nil, false
}

// negotiatePresentationContext negotiates a single presentation context
func (a *Association) negotiatePresentationContext(rq pdu.PresentationContextRQ, supported map[string][]string) *PresentationContext {
	pc := &PresentationContext{
		ID:             rq.ID,
		AbstractSyntax: rq.AbstractSyntax,
	}

	// Check if abstract syntax is supported
	supportedTS, abstractOK := supported[rq.AbstractSyntax]
	if !abstractOK {
		pc.Result = pdu.PresentationContextAbstractSyntaxNotSupported
		return pc
	}

	// Find matching transfer syntax
	for _, requestedTS := range rq.TransferSyntaxes {
		for _, supportTS := range supportedTS {
			if requestedTS == supportTS {
				pc.TransferSyntax = requestedTS
				pc.Result = pdu.PresentationContextAcceptance
				pc.Accepted = true
				return pc
			}
		}
	}

	// No matching transfer syntax
	pc.Result = pdu.PresentationContextTransferSyntaxesNotSupported
	return pc
}

// Connection returns the underlying connection
func (a *Association) Connection() *Connection {
	return a.conn
}

// CalledAETitle returns the called AE title
func (a *Association) CalledAETitle() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.calledAETitle
}

// CallingAETitle returns the calling AE title
func (a *Association) CallingAETitle() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.callingAETitle
}
