package mcpclient

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotReady is returned when an operation needs a Ready session.
	ErrNotReady = errors.New("session not ready")
	// ErrSessionClosed is returned once shutdown has started.
	ErrSessionClosed = errors.New("session closed")
	// ErrTransportClosed is returned by transports after their peer is gone.
	ErrTransportClosed = errors.New("transport closed")
)

// ConnectionError reports a transport that could not be opened.
type ConnectionError struct {
	Server string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.Server, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// HandshakeError reports a failed initialize exchange.
type HandshakeError struct {
	Server string
	Err    error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("initialize %s: %v", e.Server, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// ErrorKind classifies a failed tool invocation.
type ErrorKind string

const (
	KindNotReady       ErrorKind = "not_ready"
	KindRPCError       ErrorKind = "rpc_error"
	KindTimeout        ErrorKind = "timeout"
	KindCanceled       ErrorKind = "canceled"
	KindConnectionLost ErrorKind = "connection_lost"
	KindValidation     ErrorKind = "validation"
	KindUnknownServer  ErrorKind = "unknown_server"
	KindUnknownTool    ErrorKind = "unknown_tool"
	KindEncoding       ErrorKind = "encoding"
)

// ToolError is the structured failure of a tool call. It serializes to the
// tool-result shape {"error": "..."} so it can travel the same path as a
// successful result.
type ToolError struct {
	Kind    ErrorKind `json:"kind"`
	Code    int       `json:"code,omitempty"`
	Message string    `json:"error"`
}

func (e *ToolError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s (%s %d)", e.Message, e.Kind, e.Code)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Kind)
}

// Retryable reports whether repeating the call may succeed.
func (e *ToolError) Retryable() bool {
	return e.Kind == KindTimeout || e.Kind == KindConnectionLost
}

// AsToolError extracts a *ToolError from err.
func AsToolError(err error) (*ToolError, bool) {
	var te *ToolError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

func toolErrorf(kind ErrorKind, format string, args ...any) *ToolError {
	return &ToolError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// IsBrokenPipeError checks if an error is a broken pipe error
// This is used to detect writes to a tool server that has gone away
func IsBrokenPipeError(err error) bool {
	if err == nil {
		return false
	}
	errorMessage := err.Error()
	return strings.Contains(errorMessage, "Broken pipe") ||
		strings.Contains(errorMessage, "broken pipe") ||
		strings.Contains(errorMessage, "file already closed") ||
		strings.Contains(errorMessage, "EOF") ||
		strings.Contains(errorMessage, "connection reset")
}
