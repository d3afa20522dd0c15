package a2a

import (
	"encoding/json"
	"fmt"
)

// JSONRPCVersion is the only accepted protocol version.
const JSONRPCVersion = "2.0"

// Task protocol methods.
const (
	MethodSendTask          = "tasks/send"
	MethodSendTaskSubscribe = "tasks/sendSubscribe"
	MethodGetTask           = "tasks/get"
	MethodCancelTask        = "tasks/cancel"
)

// Error codes. The -3200x range is specific to the task protocol.
const (
	CodeParseError                   = -32700
	CodeInvalidRequest               = -32600
	CodeMethodNotFound               = -32601
	CodeInvalidParams                = -32602
	CodeInternalError                = -32603
	CodeTaskNotFound                 = -32001
	CodeTaskNotCancelable            = -32002
	CodePushNotificationNotSupported = -32003
	CodeUnsupportedOperation         = -32004
	CodeContentTypeNotSupported      = -32005
)

// JSONRPCError is an error object. It doubles as a Go error so handlers
// can return it directly.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *JSONRPCError) Error() string {
	return fmt.Sprintf("%s (%d)", e.Message, e.Code)
}

func newError(code int, msg string, data any) *JSONRPCError {
	return &JSONRPCError{Code: code, Message: msg, Data: data}
}

func ErrParse(data any) *JSONRPCError {
	return newError(CodeParseError, "Invalid JSON payload", data)
}

func ErrInvalidRequest(data any) *JSONRPCError {
	return newError(CodeInvalidRequest, "Request payload validation error", data)
}

func ErrMethodNotFound(method string) *JSONRPCError {
	return newError(CodeMethodNotFound, "Method not found", method)
}

func ErrInvalidParams(data any) *JSONRPCError {
	return newError(CodeInvalidParams, "Invalid parameters", data)
}

func ErrInternal(msg string) *JSONRPCError {
	if msg == "" {
		msg = "Internal error"
	}
	return newError(CodeInternalError, msg, nil)
}

func ErrTaskNotFound(id string) *JSONRPCError {
	return newError(CodeTaskNotFound, "Task not found", id)
}

func ErrTaskNotCancelable(id string) *JSONRPCError {
	return newError(CodeTaskNotCancelable, "Task cannot be canceled", id)
}

func ErrPushNotificationNotSupported() *JSONRPCError {
	return newError(CodePushNotificationNotSupported, "Push Notification is not supported", nil)
}

func ErrUnsupportedOperation(reason string) *JSONRPCError {
	return newError(CodeUnsupportedOperation, "This operation is not supported", reason)
}

func ErrContentTypeNotSupported() *JSONRPCError {
	return newError(CodeContentTypeNotSupported, "Incompatible content types", nil)
}

// Request is an inbound JSON-RPC request with undecoded params.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Validate checks the envelope.
func (r *Request) Validate() *JSONRPCError {
	if r.JSONRPC != JSONRPCVersion {
		return ErrInvalidRequest("jsonrpc must be \"2.0\"")
	}
	if r.Method == "" {
		return ErrInvalidRequest("method is required")
	}
	if len(r.ID) > 0 {
		var id any
		if err := json.Unmarshal(r.ID, &id); err != nil {
			return ErrInvalidRequest("id must be a string or number")
		}
		switch id.(type) {
		case string, float64, nil:
		default:
			return ErrInvalidRequest("id must be a string or number")
		}
	}
	return nil
}

// DecodeParams unmarshals the params into v, reporting -32602 on failure.
func (r *Request) DecodeParams(v any) *JSONRPCError {
	if len(r.Params) == 0 {
		return ErrInvalidParams("params are required")
	}
	if err := json.Unmarshal(r.Params, v); err != nil {
		return ErrInvalidParams(err.Error())
	}
	return nil
}

// Response is an outbound JSON-RPC response. Stream responses carry one
// StreamEvent as Result.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// NewResponse builds a success response.
func NewResponse(id json.RawMessage, result any) Response {
	return Response{JSONRPC: JSONRPCVersion, ID: normalizeID(id), Result: result}
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id json.RawMessage, err *JSONRPCError) Response {
	return Response{JSONRPC: JSONRPCVersion, ID: normalizeID(id), Error: err}
}

func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// StreamResponse is the client-side view of one streamed response.
type StreamResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  *StreamEvent    `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// TaskResponse is the client-side view of a response carrying a task.
type TaskResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  *Task           `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}
