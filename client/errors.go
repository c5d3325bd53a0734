package voxcli

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected  = errors.New("call is not connected yet")
	ErrCallActive    = errors.New("a call is already active")
	ErrCallCancelled = errors.New("call was stopped before it connected")
	ErrClosed        = errors.New("session is closed")
)

// PermissionError means the microphone could not be acquired. The user can
// retry once access is granted.
type PermissionError struct {
	Err error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("microphone access denied: %v", e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// NegotiationError means the call session could not be created.
type NegotiationError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *NegotiationError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("failed to start call (HTTP %d): %s", e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("failed to start call (HTTP %d)", e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("failed to start call: %v", e.Err)
	default:
		return "failed to start call"
	}
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// TransportError ends the call. It is never retried.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("call connection %s", e.Op)
	}
	return fmt.Sprintf("call connection %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ServerWarning is a non-fatal notice from the agent backend.
type ServerWarning struct {
	Message string
}

func (e *ServerWarning) Error() string { return e.Message }

// ServerError is reported by the backend but does not end the call by itself;
// if the backend gives up it follows with ended or closes the socket.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string { return e.Message }

// IsFatal reports whether err ends a call.
func IsFatal(err error) bool {
	var perm *PermissionError
	var neg *NegotiationError
	var tr *TransportError
	return errors.As(err, &perm) || errors.As(err, &neg) || errors.As(err, &tr)
}
