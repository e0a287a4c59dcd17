// Package rpcerr defines the failure taxonomy shared by every layer of hop-rpc.
//
// A failed call is always described by a Kind. The kind survives forwarding:
// a ServiceNotFound produced three hops away reaches the originator as a
// ServiceNotFound, not as a generic transport error.
//
//	Serialization    payload bytes missing, corrupt or of the wrong type
//	ServiceNotFound  local dispatch found no registered service/method
//	ServiceExecution the service ran and returned an error (or panicked)
//	Communication    connect / write / protocol failure, no route, hop limit
//	Timeout          request or forwarding deadline exceeded
package rpcerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	KindSerialization    Kind = "serialization"
	KindServiceNotFound  Kind = "service-not-found"
	KindServiceExecution Kind = "service-execution"
	KindCommunication    Kind = "communication"
	KindTimeout          Kind = "timeout"
)

// Retryable reports whether a caller-level retry policy may repeat the call.
// Only communication failures qualify; a timeout is final for the attempt.
func (k Kind) Retryable() bool {
	return k == KindCommunication
}

// Sentinels for errors.Is matching: errors.Is(err, rpcerr.ErrTimeout).
var (
	ErrSerialization    = &Error{Kind: KindSerialization}
	ErrServiceNotFound  = &Error{Kind: KindServiceNotFound}
	ErrServiceExecution = &Error{Kind: KindServiceExecution}
	ErrCommunication    = &Error{Kind: KindCommunication}
	ErrTimeout          = &Error{Kind: KindTimeout}
)

// Error is a classified failure.
type Error struct {
	Kind Kind
	Node string // node where the failure happened, empty if unknown
	Msg  string
	Err  error // underlying cause, may be nil
}

// New creates an Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Errorf creates an Error with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies cause. If cause already is an *Error it is returned as-is,
// so a kind assigned deeper in the stack is never overwritten.
func Wrap(kind Kind, msg string, cause error) *Error {
	var e *Error
	if errors.As(cause, &e) {
		return e
	}
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

func (e *Error) Error() string {
	s := string(e.Kind)
	if e.Node != "" {
		s += " at " + e.Node
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches a bare sentinel (only Kind set) against any Error of that kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Msg == "" && t.Node == "" && t.Err == nil {
		return t.Kind == e.Kind
	}
	return t == e
}

// WithNode returns a copy of e attributed to node.
func (e *Error) WithNode(node string) *Error {
	c := *e
	c.Node = node
	return &c
}

// KindOf returns the kind of err, or "" if err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
