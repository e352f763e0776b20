// Package xerr defines the typed error taxonomy shared by every XenoComm
// component (spec §7): operations never panic or rely on exceptions for
// control flow, they return a typed, wrapped error instead.
package xerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is the taxonomy of error categories a XenoComm component can surface.
type Kind int

const (
	// Validation covers bad parameters or an impossible parameter combination.
	Validation Kind = iota
	// Protocol covers an unexpected state transition, duplicate session id,
	// or an otherwise invalid message.
	Protocol
	// Transport covers connect/send/receive failure, timeout, or reset.
	Transport
	// Crypto covers handshake failure, decrypt failure, certificate invalid,
	// or hostname mismatch.
	Crypto
	// Correction covers an uncorrectable payload after error-correction decode.
	Correction
	// Resource covers window timeout, buffer exhaustion, or a full session table.
	Resource
	// Persistence covers I/O or format errors while saving/loading feedback data.
	Persistence
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case Protocol:
		return "protocol"
	case Transport:
		return "transport"
	case Crypto:
		return "crypto"
	case Correction:
		return "correction"
	case Resource:
		return "resource"
	case Persistence:
		return "persistence"
	default:
		return "unknown"
	}
}

// Error is a typed, contextual error: every fatal error surfaces enough
// context (operation, session/transmission id, peer) for diagnosis, per spec §7.
type Error struct {
	Kind      Kind
	Op        string // operation that failed, e.g. "negotiation.Finalize"
	SessionID string // session or transmission id, if known
	Peer      string // peer address, if known
	cause     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.SessionID != "" {
		msg += fmt.Sprintf(" session=%s", e.SessionID)
	}
	if e.Peer != "" {
		msg += fmt.Sprintf(" peer=%s", e.Peer)
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.cause }

// Is allows errors.Is(err, xerr.Validation) etc. by matching on Kind via a
// sentinel wrapper; see kindSentinel below.
func (e *Error) Is(target error) bool {
	if s, ok := target.(kindSentinel); ok {
		return e.Kind == Kind(s)
	}
	return false
}

type kindSentinel Kind

func (s kindSentinel) Error() string { return Kind(s).String() }

// New builds an *Error with no underlying cause.
func New(kind Kind, op string, opts ...Option) *Error {
	return apply(&Error{Kind: kind, Op: op}, opts)
}

// Wrap builds an *Error around an existing cause, preserving its stack via
// github.com/pkg/errors (the dependency the teacher repo uses throughout).
func Wrap(kind Kind, op string, cause error, opts ...Option) *Error {
	if cause == nil {
		return nil
	}
	return apply(&Error{Kind: kind, Op: op, cause: errors.WithStack(cause)}, opts)
}

// Option customizes an Error's diagnostic context.
type Option func(*Error)

// WithSession attaches a session or transmission id.
func WithSession(id string) Option { return func(e *Error) { e.SessionID = id } }

// WithPeer attaches a peer address.
func WithPeer(addr string) Option { return func(e *Error) { e.Peer = addr } }

func apply(e *Error, opts []Option) *Error {
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Sentinels for errors.Is(err, xerr.ErrValidation) style checks.
var (
	ErrValidation  = kindSentinel(Validation)
	ErrProtocol    = kindSentinel(Protocol)
	ErrTransport   = kindSentinel(Transport)
	ErrCrypto      = kindSentinel(Crypto)
	ErrCorrection  = kindSentinel(Correction)
	ErrResource    = kindSentinel(Resource)
	ErrPersistence = kindSentinel(Persistence)
)
