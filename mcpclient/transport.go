package mcpclient

import (
	"context"
	"fmt"
	"time"

	loggerv2 "mcpa2a/logger/v2"
)

// Transport moves JSON-RPC frames between the session and one tool server.
// Implementations must be safe for one reader of Inbound and concurrent
// callers of Send.
type Transport interface {
	// Start opens the connection. Failure is a connection-level error.
	Start(ctx context.Context) error
	// Send delivers one encoded JSON-RPC message.
	Send(ctx context.Context, frame []byte) error
	// Inbound yields decoded message payloads. It is closed when the peer
	// stops producing them.
	Inbound() <-chan []byte
	// CloseOutbound stops the outbound direction (closes stdin).
	CloseOutbound() error
	// Terminate asks the peer to stop.
	Terminate() error
	// Kill stops the peer forcibly.
	Kill() error
	// Done is closed once the peer has fully stopped.
	Done() <-chan struct{}
	// Kind names the transport ("stdio" or "sse").
	Kind() ProtocolType
}

// NewTransport builds the transport matching cfg's protocol.
func NewTransport(name string, cfg MCPServerConfig, connectTimeout time.Duration, logger loggerv2.Logger) (Transport, error) {
	switch cfg.GetProtocol() {
	case ProtocolStdio:
		return NewStdioTransport(name, cfg.Command, cfg.Args, cfg.Env, logger), nil
	case ProtocolSSE:
		return NewSSETransport(name, cfg.URL, cfg.Headers, connectTimeout, logger), nil
	default:
		return nil, fmt.Errorf("unsupported protocol: %s", cfg.GetProtocol())
	}
}
