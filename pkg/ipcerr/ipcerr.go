// Package ipcerr is the error taxonomy shared by the async client and the
// blocking adapter.
//
// Every failure surfaced to a caller is an *Error carrying a Kind. Match on
// kind with errors.Is against the exported sentinels:
//
//	if errors.Is(err, ipcerr.ErrTimeout) { ... }
package ipcerr

import (
	"errors"
	"fmt"
	"strings"
)

type Kind uint8

const (
	KindUnknown Kind = iota
	KindConfig
	KindConnect
	KindTimeout
	KindDisconnected
	KindMalformedEnvelope
	KindProtocolUnhandled
	KindApplication
	KindInvalidState
	KindQueueTimeout
	KindShutdownTimeout
)

var kindNames = map[Kind]string{
	KindUnknown:           "unknown",
	KindConfig:            "config",
	KindConnect:           "connect",
	KindTimeout:           "timeout",
	KindDisconnected:      "disconnected",
	KindMalformedEnvelope: "malformed_envelope",
	KindProtocolUnhandled: "protocol_unhandled",
	KindApplication:       "application",
	KindInvalidState:      "invalid_state",
	KindQueueTimeout:      "queue_timeout",
	KindShutdownTimeout:   "shutdown_timeout",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Sentinels for errors.Is. They compare by Kind only.
var (
	ErrConfig            = &Error{Kind: KindConfig}
	ErrConnect           = &Error{Kind: KindConnect}
	ErrTimeout           = &Error{Kind: KindTimeout}
	ErrDisconnected      = &Error{Kind: KindDisconnected}
	ErrMalformedEnvelope = &Error{Kind: KindMalformedEnvelope}
	ErrProtocolUnhandled = &Error{Kind: KindProtocolUnhandled}
	ErrApplication       = &Error{Kind: KindApplication}
	ErrInvalidState      = &Error{Kind: KindInvalidState}
	ErrQueueTimeout      = &Error{Kind: KindQueueTimeout}
	ErrShutdownTimeout   = &Error{Kind: KindShutdownTimeout}
)

// Error is one classified failure.
//
// Code and Message are populated for peer-reported statuses (ApplicationError,
// ProtocolUnhandled) and carry the peer's text verbatim.
type Error struct {
	Kind    Kind
	Op      string
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Code != "" {
		fmt.Fprintf(&b, " [%s]", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Peer builds the error for a non-OK response status.
func Peer(kind Kind, op, code, message string) *Error {
	return &Error{Kind: kind, Op: op, Code: code, Message: message}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsEffectUnknown reports whether err leaves the effect of a sent request
// undetermined. Callers must re-query peer state before retrying a mutation.
func IsEffectUnknown(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindDisconnected:
		return true
	default:
		return false
	}
}
