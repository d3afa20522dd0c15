package mcpclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

const jsonrpcVersion = "2.0"

// ProtocolVersion is the MCP revision advertised during initialize.
const ProtocolVersion = "2024-11-05"

// JSON-RPC methods used on the tool-server channel.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodToolsList   = "tools/list"
	MethodToolsCall   = "tools/call"
	MethodShutdown    = "shutdown"
	MethodPing        = "ping"

	NotificationToolsListChanged = "notifications/tools/list_changed"
	NotificationMessage          = "notifications/message"
)

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type outboundRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type outboundNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type outboundResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// frame is any inbound JSON-RPC message before classification.
type frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type frameKind int

const (
	frameInvalid frameKind = iota
	frameResponse
	frameRequest
	frameNotification
)

func decodeFrame(data []byte) (*frame, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *frame) hasID() bool {
	return len(f.ID) > 0 && !bytes.Equal(f.ID, []byte("null"))
}

func (f *frame) kind() frameKind {
	switch {
	case f.hasID() && (f.Result != nil || f.Error != nil):
		return frameResponse
	case f.hasID() && f.Method != "":
		return frameRequest
	case f.Method != "":
		return frameNotification
	default:
		return frameInvalid
	}
}

// numericID returns the id as issued by this client. Servers echo it as a
// number; a quoted number is accepted too.
func (f *frame) numericID() (int64, bool) {
	raw := bytes.Trim(f.ID, `"`)
	id, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func encodeRequest(id int64, method string, params any) ([]byte, error) {
	return json.Marshal(outboundRequest{JSONRPC: jsonrpcVersion, ID: id, Method: method, Params: params})
}

func encodeNotification(method string, params any) ([]byte, error) {
	return json.Marshal(outboundNotification{JSONRPC: jsonrpcVersion, Method: method, Params: params})
}

func encodeResponse(id json.RawMessage, result any, rpcErr *RPCError) ([]byte, error) {
	return json.Marshal(outboundResponse{JSONRPC: jsonrpcVersion, ID: id, Result: result, Error: rpcErr})
}
