package rpc

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrTimeout      = errors.New("rpc: request timed out")
	ErrDisconnected = errors.New("rpc: worker disconnected")
)

type TimeoutError struct {
	Method string
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("rpc: %s timed out after %s", e.Method, e.After)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// ProtocolError reports a framing or envelope violation by the worker.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "rpc: protocol error: " + e.Reason }

// RemoteError is an error response returned by the worker.
type RemoteError struct {
	Code    int
	Message string
	Kind    string
}

func (e *RemoteError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("rpc: remote error %d (%s): %s", e.Code, e.Kind, e.Message)
	}
	return fmt.Sprintf("rpc: remote error %d: %s", e.Code, e.Message)
}

type SerializationError struct {
	Method string
	Err    error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("rpc: %s: serialization: %v", e.Method, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

func remoteErrorFrom(w *WireError) *RemoteError {
	re := &RemoteError{Code: w.Code, Message: w.Message}
	if w.Data != nil {
		re.Kind = w.Data.Kind
	}
	return re
}
