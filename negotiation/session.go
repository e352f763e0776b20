package negotiation

import (
	"strconv"
	"sync"
	"time"

	"github.com/xenocomm/xenocomm/xerr"
)

func sessionIDString(id uint64) string { return strconv.FormatUint(id, 10) }

// State is a NegotiationEngine session state (spec §4.5).
type State int

const (
	StateIdle State = iota
	StateInitiating
	StateProposalReceived
	StateAwaitingResponse
	StateResponding
	StateCounterReceived
	StateAwaitingFinalization
	StateFinalizing
	StateFinalized
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateInitiating:
		return "INITIATING"
	case StateProposalReceived:
		return "PROPOSAL_RECEIVED"
	case StateAwaitingResponse:
		return "AWAITING_RESPONSE"
	case StateResponding:
		return "RESPONDING"
	case StateCounterReceived:
		return "COUNTER_RECEIVED"
	case StateAwaitingFinalization:
		return "AWAITING_FINALIZATION"
	case StateFinalizing:
		return "FINALIZING"
	case StateFinalized:
		return "FINALIZED"
	case StateFailed:
		return "FAILED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// transitionTable is the fixed table spec §4.5/§8 requires every
// (state_prev, state_curr) pair to satisfy.
// Every state's entry includes StateClosed: true, since Engine.Close can
// cancel a session from any point in its lifecycle and must still land on
// a pair the table recognizes.
var transitionTable = map[State]map[State]bool{
	StateIdle:                 {StateInitiating: true, StateProposalReceived: true, StateClosed: true},
	StateInitiating:           {StateAwaitingResponse: true, StateFailed: true, StateClosed: true},
	StateProposalReceived:     {StateResponding: true, StateFailed: true, StateClosed: true},
	StateAwaitingResponse:     {StateCounterReceived: true, StateFailed: true, StateClosed: true},
	StateResponding:           {StateAwaitingFinalization: true, StateFailed: true, StateClosed: true},
	StateCounterReceived:      {StateFinalizing: true, StateFailed: true, StateClosed: true},
	StateAwaitingFinalization: {StateFinalized: true, StateFailed: true, StateClosed: true},
	StateFinalizing:           {StateFinalized: true, StateFailed: true, StateClosed: true},
	StateFinalized:            {StateClosed: true},
	StateFailed:               {StateClosed: true},
	StateClosed:               {},
}

func validTransition(from, to State) bool {
	next, ok := transitionTable[from]
	if !ok {
		return false
	}
	return next[to]
}

// Role distinguishes which party a session's local end plays.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

// Session is one negotiation's state (spec §3).
type Session struct {
	ID       uint64
	Role     Role
	TargetID string

	State     State
	CreatedAt time.Time
	EnteredAt time.Time

	RetryCount          int
	InitialProposal     ParameterSet
	LastCounterProposal ParameterSet
	AgreedParams        ParameterSet
	RemoteCapabilities  RemoteCapabilities

	TriedProposals   []ParameterSet
	FallbackAttempts int

	FailReason error
}

func (s *Session) transition(to State) error {
	if !validTransition(s.State, to) {
		s.State = StateFailed
		s.EnteredAt = time.Now()
		return xerr.New(xerr.Protocol, "negotiation.transition", xerr.WithSession(sessionIDString(s.ID)))
	}
	s.State = to
	s.EnteredAt = time.Now()
	return nil
}

// Config bounds an Engine's timeouts and retry/fallback limits (spec §4.7).
type Config struct {
	ProtocolVersion     string
	SecurityVersion     string
	NegotiationTimeout  time.Duration
	ResponseTimeout     time.Duration
	MaxFallbackAttempts int
	Retry               RetryPolicy
}

// Sender delivers a framed negotiation Message to a target peer. The
// Engine treats it as the external collaborator named in spec §1.
type Sender interface {
	Send(targetID string, msg Message) error
}

// Engine is the NegotiationEngine: an owned session table plus the
// operations spec §4.5 defines (grounded on smux/session.go's pattern of
// one owning struct with a mutex and a table of sub-objects).
type Engine struct {
	cfg  Config
	pref ParameterPreference
	send Sender

	mu       sync.Mutex
	sessions map[uint64]*Session
	nextID   uint64
}

// NewEngine builds an Engine. pref is this side's ranked parameter
// preference; send delivers outbound negotiation messages.
func NewEngine(cfg Config, pref ParameterPreference, send Sender) *Engine {
	return &Engine{
		cfg:      cfg,
		pref:     pref,
		send:     send,
		sessions: make(map[uint64]*Session),
	}
}

// Session returns a copy of session id's current state, or false if unknown.
func (e *Engine) Session(id uint64) (Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Initiate creates a session, moves it IDLE → INITIATING, sends PROPOSE,
// and on success moves it → AWAITING_RESPONSE (spec §4.5).
func (e *Engine) Initiate(targetID string, proposed ParameterSet) (uint64, error) {
	if err := proposed.Validate(); err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	id := e.nextID
	now := time.Now()
	s := &Session{
		ID:              id,
		Role:            RoleInitiator,
		TargetID:        targetID,
		State:           StateIdle,
		CreatedAt:       now,
		EnteredAt:       now,
		InitialProposal: proposed,
	}
	e.sessions[id] = s

	if err := s.transition(StateInitiating); err != nil {
		return id, err
	}

	msg := Message{Type: MsgPropose, SessionID: id, Sequence: 1, Params: &proposed}
	if err := e.send.Send(targetID, msg); err != nil {
		s.transition(StateFailed)
		return id, xerr.Wrap(xerr.Transport, "negotiation.Initiate", err)
	}
	if err := s.transition(StateAwaitingResponse); err != nil {
		return id, err
	}
	return id, nil
}

// OnProposal handles an incoming PROPOSE, creating a responder-role
// session in PROPOSAL_RECEIVED.
func (e *Engine) OnProposal(sessionID uint64, targetID string, proposal ParameterSet, caps RemoteCapabilities) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.sessions[sessionID]; exists {
		return nil, xerr.New(xerr.Protocol, "negotiation.OnProposal", xerr.WithSession(sessionIDString(sessionID)))
	}
	now := time.Now()
	s := &Session{
		ID:                 sessionID,
		Role:               RoleResponder,
		TargetID:           targetID,
		State:              StateIdle,
		CreatedAt:          now,
		EnteredAt:          now,
		InitialProposal:    proposal,
		RemoteCapabilities: caps,
	}
	e.sessions[sessionID] = s
	if err := s.transition(StateProposalReceived); err != nil {
		return s, err
	}
	return s, nil
}

// ResponseKind is the responder's disposition toward a received proposal.
type ResponseKind int

const (
	ResponseAccept ResponseKind = iota
	ResponseCounter
	ResponseReject
)

// Respond implements the responder half of spec §4.5's `respond` op.
func (e *Engine) Respond(sessionID uint64, kind ResponseKind, params *ParameterSet) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.lockedSession(sessionID)
	if err != nil {
		return err
	}
	if s.State != StateProposalReceived {
		return xerr.New(xerr.Protocol, "negotiation.Respond", xerr.WithSession(sessionIDString(sessionID)))
	}
	if err := s.transition(StateResponding); err != nil {
		return err
	}

	var msg Message
	switch kind {
	case ResponseAccept:
		s.AgreedParams = s.InitialProposal
		msg = Message{Type: MsgAccept, SessionID: sessionID, Sequence: 1, Params: &s.InitialProposal}
	case ResponseCounter:
		if params == nil {
			return xerr.New(xerr.Validation, "negotiation.Respond")
		}
		if err := params.Validate(); err != nil {
			return err
		}
		s.LastCounterProposal = *params
		msg = Message{Type: MsgCounter, SessionID: sessionID, Sequence: 1, Params: params}
	case ResponseReject:
		msg = Message{Type: MsgReject, SessionID: sessionID, Sequence: 1, Reason: "incompatible parameters"}
	default:
		return xerr.New(xerr.Validation, "negotiation.Respond")
	}

	sendErr := e.send.Send(s.TargetID, msg)
	if kind == ResponseReject {
		s.transition(StateFailed)
		return sendErr
	}
	if sendErr != nil {
		s.transition(StateFailed)
		return xerr.Wrap(xerr.Transport, "negotiation.Respond", sendErr)
	}
	return s.transition(StateAwaitingFinalization)
}

// OnResponse folds an incoming ACCEPT/COUNTER/REJECT into the initiator's
// session. ACCEPT is treated as a counter proposal identical to what was
// sent, so accept_counter/reject_counter is the single confirmation path
// regardless of which message arrived (both land the session in
// COUNTER_RECEIVED, matching the state diagram's single incoming edge).
func (e *Engine) OnResponse(sessionID uint64, msg Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.lockedSession(sessionID)
	if err != nil {
		return err
	}
	if s.State != StateAwaitingResponse {
		return xerr.New(xerr.Protocol, "negotiation.OnResponse", xerr.WithSession(sessionIDString(sessionID)))
	}

	switch msg.Type {
	case MsgAccept:
		s.LastCounterProposal = s.InitialProposal
	case MsgCounter:
		if msg.Params == nil {
			return xerr.New(xerr.Protocol, "negotiation.OnResponse")
		}
		s.LastCounterProposal = *msg.Params
	case MsgReject:
		return s.transition(StateFailed)
	default:
		return xerr.New(xerr.Protocol, "negotiation.OnResponse")
	}
	return s.transition(StateCounterReceived)
}

// AcceptCounter implements spec §4.5's `accept_counter`.
func (e *Engine) AcceptCounter(sessionID uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.lockedSession(sessionID)
	if err != nil {
		return err
	}
	if s.State != StateCounterReceived {
		return xerr.New(xerr.Protocol, "negotiation.AcceptCounter", xerr.WithSession(sessionIDString(sessionID)))
	}
	s.AgreedParams = s.LastCounterProposal
	return s.transition(StateFinalizing)
}

// RejectCounter implements spec §4.5's `reject_counter`.
func (e *Engine) RejectCounter(sessionID uint64, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.lockedSession(sessionID)
	if err != nil {
		return err
	}
	if s.State != StateCounterReceived {
		return xerr.New(xerr.Protocol, "negotiation.RejectCounter", xerr.WithSession(sessionIDString(sessionID)))
	}
	e.send.Send(s.TargetID, Message{Type: MsgReject, SessionID: sessionID, Sequence: 1, Reason: reason})
	return s.transition(StateFailed)
}

// Finalize implements spec §4.5's `finalize`, re-validating the agreed
// params and sending FINALIZE.
func (e *Engine) Finalize(sessionID uint64) (ParameterSet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.lockedSession(sessionID)
	if err != nil {
		return ParameterSet{}, err
	}
	if s.State != StateFinalizing && s.State != StateAwaitingFinalization {
		return ParameterSet{}, xerr.New(xerr.Protocol, "negotiation.Finalize", xerr.WithSession(sessionIDString(sessionID)))
	}
	if err := s.AgreedParams.Validate(); err != nil {
		s.transition(StateFailed)
		return ParameterSet{}, err
	}
	if sendErr := e.send.Send(s.TargetID, Message{Type: MsgFinalize, SessionID: sessionID, Sequence: 1, Params: &s.AgreedParams}); sendErr != nil {
		s.transition(StateFailed)
		return ParameterSet{}, xerr.Wrap(xerr.Transport, "negotiation.Finalize", sendErr)
	}
	if err := s.transition(StateFinalized); err != nil {
		return ParameterSet{}, err
	}
	return s.AgreedParams, nil
}

// OnFinalize lets a responder-role session accept the initiator's
// FINALIZE and complete (spec's AWAITING_FINALIZATION → FINALIZED edge).
func (e *Engine) OnFinalize(sessionID uint64, params ParameterSet) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.lockedSession(sessionID)
	if err != nil {
		return err
	}
	if s.State != StateAwaitingFinalization {
		return xerr.New(xerr.Protocol, "negotiation.OnFinalize", xerr.WithSession(sessionIDString(sessionID)))
	}
	s.AgreedParams = params
	return s.transition(StateFinalized)
}

// Close implements spec §4.5's `close`: idempotent, sends CLOSE unless the
// session is already terminal, and lands in CLOSED from any state. Every
// state's transitionTable entry allows StateClosed, so this goes through
// the same transition() every other state change does rather than setting
// State directly.
func (e *Engine) Close(sessionID uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.lockedSession(sessionID)
	if err != nil {
		return err
	}
	if s.State == StateClosed {
		return nil
	}
	if s.State != StateFinalized && s.State != StateFailed {
		e.send.Send(s.TargetID, Message{Type: MsgClose, SessionID: sessionID, Sequence: 1})
	}
	return s.transition(StateClosed)
}

// lockedSession looks up a session. Callers must already hold e.mu.
func (e *Engine) lockedSession(id uint64) (*Session, error) {
	s, ok := e.sessions[id]
	if !ok {
		return nil, xerr.New(xerr.Protocol, "negotiation.lockedSession", xerr.WithSession(sessionIDString(id)))
	}
	return s, nil
}
