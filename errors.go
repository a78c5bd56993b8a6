package pgclientlib

import (
	"fmt"
)

// Kind classifies session failures. Transport, protocol and authentication
// failures are fatal: the session should be discarded. State failures are
// recoverable; the session remains usable.
type Kind int

const (
	KindTransport Kind = iota + 1
	KindProtocol
	KindAuth
	KindState
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindAuth:
		return "auth"
	case KindState:
		return "state"
	}
	return "unknown"
}

// Err is the error type surfaced by all session operations.
type Err interface {
	error

	Kind() Kind

	// Fatal reports whether the session must be discarded after this error.
	Fatal() bool
}

type err struct {
	K Kind   // Kind
	M string // Message
	C error  // Cause
}

func (e *err) Error() string {
	if e.C != nil {
		return fmt.Sprintf("%s: %s: %s", e.K, e.M, e.C)
	}
	return fmt.Sprintf("%s: %s", e.K, e.M)
}

func (e *err) Kind() Kind    { return e.K }
func (e *err) Fatal() bool   { return e.K != KindState }
func (e *err) Unwrap() error { return e.C }

// TransportErr indicates a socket open, resolve, read or write failure.
func TransportErr(cause error, msg string, args ...interface{}) Err {
	return &err{K: KindTransport, M: fmt.Sprintf(msg, args...), C: cause}
}

// ProtocolErr indicates a malformed or unexpected message on the wire. Once
// raised the byte stream can no longer be trusted.
func ProtocolErr(msg string, args ...interface{}) Err {
	return &err{K: KindProtocol, M: fmt.Sprintf(msg, args...)}
}

// AuthErr indicates the backend demanded an authentication scheme this
// library does not speak.
func AuthErr(msg string, args ...interface{}) Err {
	return &err{K: KindAuth, M: fmt.Sprintf(msg, args...)}
}

// StateErr indicates an API call in the wrong session state, such as a
// startup outside NotStarted or a pop from an empty queue.
func StateErr(msg string, args ...interface{}) Err {
	return &err{K: KindState, M: fmt.Sprintf(msg, args...)}
}

// IsFatal reports whether e ends the session. Errors from outside this
// package (raw I/O errors included) are treated as fatal.
func IsFatal(e error) bool {
	if e == nil {
		return false
	}
	if se, ok := e.(Err); ok {
		return se.Fatal()
	}
	return true
}
