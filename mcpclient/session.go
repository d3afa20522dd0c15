package mcpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	loggerv2 "mcpa2a/logger/v2"
)

// State is the lifecycle position of a Session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateReady
	StateShuttingDown
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateShuttingDown:
		return "shutting_down"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Timeouts bounds every wait a Session performs.
type Timeouts struct {
	Connect        time.Duration
	Initialize     time.Duration
	ListTools      time.Duration
	CallTool       time.Duration
	TerminateGrace time.Duration
	KillGrace      time.Duration
}

// DefaultTimeouts returns the standard session timeouts.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connect:        DefaultConnectTimeout,
		Initialize:     10 * time.Second,
		ListTools:      10 * time.Second,
		CallTool:       8 * time.Second,
		TerminateGrace: time.Second,
		KillGrace:      time.Second,
	}
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(l loggerv2.Logger) Option {
	return func(s *Session) { s.logger = loggerv2.OrNoop(l) }
}

// WithTimeouts overrides the default timeouts. Zero fields keep defaults.
func WithTimeouts(t Timeouts) Option {
	return func(s *Session) {
		def := s.timeouts
		if t.Connect > 0 {
			def.Connect = t.Connect
		}
		if t.Initialize > 0 {
			def.Initialize = t.Initialize
		}
		if t.ListTools > 0 {
			def.ListTools = t.ListTools
		}
		if t.CallTool > 0 {
			def.CallTool = t.CallTool
		}
		if t.TerminateGrace > 0 {
			def.TerminateGrace = t.TerminateGrace
		}
		if t.KillGrace > 0 {
			def.KillGrace = t.KillGrace
		}
		s.timeouts = def
	}
}

// WithTransport supplies a ready-made transport instead of building one
// from the server configuration.
func WithTransport(t Transport) Option {
	return func(s *Session) { s.transport = t }
}

// WithClientInfo sets the implementation advertised during initialize.
func WithClientInfo(info mcp.Implementation) Option {
	return func(s *Session) { s.clientInfo = info }
}

// Session owns the connection to one tool server: handshake, request ids,
// the pending-response table and the shutdown sequence.
type Session struct {
	name       string
	cfg        MCPServerConfig
	logger     loggerv2.Logger
	timeouts   Timeouts
	clientInfo mcp.Implementation
	transport  Transport

	state           atomic.Int32
	nextID          atomic.Int64
	alive           atomic.Bool
	draining        atomic.Bool
	shutdownStarted atomic.Bool
	pending         *pendingTable

	mu              sync.RWMutex
	serverInfo      mcp.Implementation
	protocolVersion string
	capabilities    mcp.ServerCapabilities
	instructions    string
	tools           []Tool
	toolsStale      bool

	readerCancel context.CancelFunc
	readerDone   chan struct{}
	closed       chan struct{}
}

// NewSession creates a disconnected session for the named server.
func NewSession(name string, cfg MCPServerConfig, opts ...Option) *Session {
	s := &Session{
		name:       name,
		cfg:        cfg,
		logger:     loggerv2.NewNoop(),
		timeouts:   DefaultTimeouts(),
		clientInfo: mcp.Implementation{Name: "mcpa2a", Version: "1.0.0"},
		pending:    newPendingTable(),
		closed:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(loggerv2.String("server", name))
	return s
}

func (s *Session) Name() string            { return s.name }
func (s *Session) Config() MCPServerConfig { return s.cfg }
func (s *Session) State() State            { return State(s.state.Load()) }

// Alive reports whether the transport is still delivering messages.
func (s *Session) Alive() bool { return s.alive.Load() }

// Closed is closed when shutdown has finished.
func (s *Session) Closed() <-chan struct{} { return s.closed }

// Pending returns the number of outstanding requests.
func (s *Session) Pending() int { return s.pending.len() }

func (s *Session) ServerInfo() mcp.Implementation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serverInfo
}

func (s *Session) ProtocolVersion() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.protocolVersion
}

func (s *Session) Capabilities() mcp.ServerCapabilities {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.capabilities
}

func (s *Session) Instructions() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.instructions
}

// Tools returns the last fetched tool list.
func (s *Session) Tools() []Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Tool(nil), s.tools...)
}

// ToolsStale reports whether the server announced a tool list change since
// the last ListTools.
func (s *Session) ToolsStale() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.toolsStale
}

func (s *Session) transition(from, to State) bool {
	if !s.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	s.logger.Debug("Session state changed", loggerv2.String("from", from.String()), loggerv2.String("to", to.String()))
	return true
}

// Connect opens the transport and starts the background reader.
func (s *Session) Connect(ctx context.Context) error {
	if !s.transition(StateDisconnected, StateConnecting) {
		return &ConnectionError{Server: s.name, Err: fmt.Errorf("cannot connect in state %s", s.State())}
	}

	if s.transport == nil {
		t, err := NewTransport(s.name, s.cfg, s.timeouts.Connect, s.logger)
		if err != nil {
			s.transition(StateConnecting, StateDisconnected)
			return &ConnectionError{Server: s.name, Err: err}
		}
		s.transport = t
	}

	startTime := time.Now()
	if err := s.transport.Start(ctx); err != nil {
		s.transition(StateConnecting, StateDisconnected)
		s.logger.Error("[MCP INIT] Failed to open transport", err, loggerv2.String("protocol", string(s.transport.Kind())))
		return &ConnectionError{Server: s.name, Err: err}
	}

	s.alive.Store(true)
	readerCtx, cancel := context.WithCancel(context.Background())
	readerDone := make(chan struct{})
	s.mu.Lock()
	s.readerCancel = cancel
	s.readerDone = readerDone
	s.mu.Unlock()
	go s.readLoop(readerCtx, readerDone)

	s.logger.Debug("[MCP INIT] Transport open",
		loggerv2.String("protocol", string(s.transport.Kind())),
		loggerv2.Duration("duration", time.Since(startTime)))
	return nil
}

// readLoop is the demultiplexer: it routes every inbound frame to its
// pending waiter or handler until the transport ends or the reader is
// stopped.
func (s *Session) readLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	inbound := s.transport.Inbound()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-inbound:
			if !ok {
				s.connectionLost()
				return
			}
			s.dispatch(data)
		}
	}
}

func (s *Session) connectionLost() {
	s.alive.Store(false)
	n := s.pending.failAll(toolErrorf(KindConnectionLost, "connection to %s lost", s.name))
	if !s.draining.Load() {
		s.logger.Warn("Tool server connection lost", loggerv2.Int("failed_requests", n))
	}
}

func (s *Session) dispatch(data []byte) {
	f, err := decodeFrame(data)
	if err != nil {
		s.logger.Debug("Ignoring undecodable frame", loggerv2.Error(err), loggerv2.Int("bytes", len(data)))
		return
	}

	switch f.kind() {
	case frameResponse:
		id, ok := f.numericID()
		if !ok {
			s.logger.Debug("Ignoring response with foreign id", loggerv2.String("id", string(f.ID)))
			return
		}
		if !s.pending.resolve(id, pendingResult{frame: f}) {
			s.logger.Debug("Response for unknown or expired request", loggerv2.Int64("request_id", id))
		}
	case frameRequest:
		s.handleServerRequest(f)
	case frameNotification:
		s.handleNotification(f)
	default:
		s.logger.Debug("Ignoring frame without id or method")
	}
}

func (s *Session) handleServerRequest(f *frame) {
	var (
		result any
		rpcErr *RPCError
	)
	switch f.Method {
	case MethodPing:
		result = struct{}{}
	default:
		rpcErr = &RPCError{
			Code:    CodeMethodNotFound,
			Message: fmt.Sprintf("Method %s not implemented in client", f.Method),
		}
		s.logger.Debug("Rejecting server request", loggerv2.String("method", f.Method))
	}

	payload, err := encodeResponse(f.ID, result, rpcErr)
	if err != nil {
		s.logger.Warn("Failed to encode reply", loggerv2.Error(err))
		return
	}
	// Reply off the reader goroutine so a slow write never stalls routing.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeouts.CallTool)
		defer cancel()
		if err := s.send(ctx, payload); err != nil {
			s.logger.Debug("Failed to reply to server request", loggerv2.String("method", f.Method), loggerv2.Error(err))
		}
	}()
}

func (s *Session) handleNotification(f *frame) {
	switch f.Method {
	case NotificationToolsListChanged:
		s.mu.Lock()
		s.toolsStale = true
		s.mu.Unlock()
		s.logger.Info("Tool server reported a tool list change")
	case NotificationMessage:
		var params struct {
			Level  string `json:"level"`
			Logger string `json:"logger,omitempty"`
			Data   any    `json:"data"`
		}
		if err := json.Unmarshal(f.Params, &params); err != nil {
			return
		}
		s.logger.Debug("Tool server log",
			loggerv2.String("level", params.Level),
			loggerv2.String("logger", params.Logger),
			loggerv2.Any("data", params.Data))
	default:
		s.logger.Debug("Ignoring notification", loggerv2.String("method", f.Method))
	}
}

// send writes one frame unless the session is draining.
func (s *Session) send(ctx context.Context, payload []byte) error {
	if s.draining.Load() {
		return toolErrorf(KindNotReady, "session %s is shutting down", s.name)
	}
	return s.sendRaw(ctx, payload)
}

func (s *Session) sendRaw(ctx context.Context, payload []byte) error {
	if err := s.transport.Send(ctx, payload); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return toolErrorf(KindCanceled, "send to %s: %v", s.name, err)
		}
		return toolErrorf(KindConnectionLost, "send to %s: %v", s.name, err)
	}
	return nil
}

func (s *Session) notify(ctx context.Context, method string, params any) error {
	payload, err := encodeNotification(method, params)
	if err != nil {
		return toolErrorf(KindEncoding, "encode %s: %v", method, err)
	}
	return s.send(ctx, payload)
}

// request issues method and waits for its response, the timeout, or ctx.
// The timeout covers writing the frame as well as waiting for the answer.
// Every failure is a *ToolError.
func (s *Session) request(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id := s.nextID.Add(1)
	payload, err := encodeRequest(id, method, params)
	if err != nil {
		return nil, toolErrorf(KindEncoding, "encode %s: %v", method, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// expired reports whether callCtx ended because of the timeout rather
	// than the caller.
	expired := func() bool {
		return ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded)
	}

	ch := s.pending.register(id)
	if err := s.send(callCtx, payload); err != nil {
		s.pending.remove(id)
		if expired() {
			s.logger.Warn("Request timed out while writing",
				loggerv2.String("method", method),
				loggerv2.Int64("request_id", id))
			return nil, toolErrorf(KindTimeout, "%s timed out after %s", method, timeout)
		}
		return nil, err
	}

	var res pendingResult
	select {
	case res = <-ch:
	case <-callCtx.Done():
		age, _ := s.pending.age(id)
		if !s.pending.remove(id) {
			res = <-ch
			break
		}
		if expired() {
			s.logger.Warn("Request timed out",
				loggerv2.String("method", method),
				loggerv2.Int64("request_id", id),
				loggerv2.Duration("waited", age))
			return nil, toolErrorf(KindTimeout, "%s timed out after %s", method, timeout)
		}
		return nil, toolErrorf(KindCanceled, "%s canceled: %v", method, ctx.Err())
	}

	if res.err != nil {
		if te, ok := AsToolError(res.err); ok {
			return nil, te
		}
		return nil, toolErrorf(KindConnectionLost, "%s: %v", method, res.err)
	}
	if res.frame.Error != nil {
		return nil, &ToolError{Kind: KindRPCError, Code: res.frame.Error.Code, Message: res.frame.Error.Message}
	}
	return res.frame.Result, nil
}

// Initialize performs the handshake and sends the initialized
// notification. On failure the session stays connected and Initialize may
// be retried.
func (s *Session) Initialize(ctx context.Context) error {
	if !s.transition(StateConnecting, StateHandshaking) {
		return &HandshakeError{Server: s.name, Err: fmt.Errorf("cannot initialize in state %s", s.State())}
	}

	params := mcp.InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    mcp.ClientCapabilities{},
		ClientInfo:      s.clientInfo,
	}

	startTime := time.Now()
	raw, err := s.request(ctx, MethodInitialize, params, s.timeouts.Initialize)
	if err != nil {
		s.transition(StateHandshaking, StateConnecting)
		return &HandshakeError{Server: s.name, Err: err}
	}

	var result mcp.InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		s.transition(StateHandshaking, StateConnecting)
		return &HandshakeError{Server: s.name, Err: fmt.Errorf("decode initialize result: %w", err)}
	}

	s.mu.Lock()
	s.serverInfo = result.ServerInfo
	s.protocolVersion = result.ProtocolVersion
	s.capabilities = result.Capabilities
	s.instructions = result.Instructions
	s.mu.Unlock()

	if err := s.notify(ctx, MethodInitialized, nil); err != nil {
		s.transition(StateHandshaking, StateConnecting)
		return &HandshakeError{Server: s.name, Err: err}
	}

	if !s.transition(StateHandshaking, StateReady) {
		return &HandshakeError{Server: s.name, Err: ErrSessionClosed}
	}

	if result.ProtocolVersion != ProtocolVersion {
		s.logger.Info("Tool server negotiated a different protocol version",
			loggerv2.String("requested", ProtocolVersion),
			loggerv2.String("negotiated", result.ProtocolVersion))
	}
	s.logger.Info("✅ [MCP INIT] Session ready",
		loggerv2.String("server_name", result.ServerInfo.Name),
		loggerv2.String("server_version", result.ServerInfo.Version),
		loggerv2.Duration("duration", time.Since(startTime)))
	return nil
}

// ListTools fetches the server's tool list, following pagination. A timeout
// keeps the pages already received and logs a warning rather than failing.
func (s *Session) ListTools(ctx context.Context) ([]Tool, error) {
	if st := s.State(); st != StateReady {
		return nil, toolErrorf(KindNotReady, "session %s is not ready (state %s)", s.name, st)
	}

	var (
		all    []Tool
		cursor string
	)
	for {
		var params any
		if cursor != "" {
			params = map[string]string{"cursor": cursor}
		}

		raw, err := s.request(ctx, MethodToolsList, params, s.timeouts.ListTools)
		if err != nil {
			if te, ok := AsToolError(err); ok && te.Kind == KindTimeout {
				s.logger.Warn("⚠️ tools/list timed out, continuing with the tools received so far",
					loggerv2.Duration("timeout", s.timeouts.ListTools),
					loggerv2.Int("tools", len(all)))
				if all == nil {
					all = []Tool{}
				}
				break
			}
			return nil, err
		}

		var page struct {
			Tools      []Tool `json:"tools"`
			NextCursor string `json:"nextCursor,omitempty"`
		}
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, toolErrorf(KindEncoding, "decode tools/list result: %v", err)
		}
		all = append(all, page.Tools...)
		if page.NextCursor == "" || page.NextCursor == cursor {
			break
		}
		cursor = page.NextCursor
	}

	s.mu.Lock()
	s.tools = all
	s.toolsStale = false
	s.mu.Unlock()

	PrintTools(all, s.logger)
	return append([]Tool(nil), all...), nil
}

// CallTool invokes a tool and returns the raw tools/call result. Failures
// are always *ToolError, distinguishable by Kind.
func (s *Session) CallTool(ctx context.Context, name string, arguments json.RawMessage) (json.RawMessage, error) {
	if st := s.State(); st != StateReady || !s.alive.Load() {
		return nil, toolErrorf(KindNotReady, "session %s is not ready (state %s)", s.name, st)
	}
	if len(arguments) == 0 {
		arguments = json.RawMessage("{}")
	}

	params := struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}{Name: name, Arguments: arguments}

	startTime := time.Now()
	raw, err := s.request(ctx, MethodToolsCall, params, s.timeouts.CallTool)
	if err != nil {
		s.logger.Debug("Tool call failed", loggerv2.String("tool", name), loggerv2.Error(err))
		return nil, err
	}
	s.logger.Debug("Tool call completed",
		loggerv2.String("tool", name),
		loggerv2.Duration("duration", time.Since(startTime)))
	return raw, nil
}

// Shutdown stops the session. Concurrent or repeated calls collapse into
// one sequence; callers that lose the race return nil at once. The
// returned error only reports a peer that stayed unresponsive.
func (s *Session) Shutdown(ctx context.Context) error {
	if !s.shutdownStarted.CompareAndSwap(false, true) {
		return nil
	}
	defer close(s.closed)

	prev := State(s.state.Swap(int32(StateShuttingDown)))
	s.draining.Store(true)
	s.logger.Debug("Shutting down session", loggerv2.String("from", prev.String()))

	s.mu.RLock()
	readerCancel, readerDone := s.readerCancel, s.readerDone
	s.mu.RUnlock()

	if prev == StateDisconnected || readerCancel == nil {
		s.pending.failAll(toolErrorf(KindNotReady, "session %s shut down", s.name))
		s.state.Store(int32(StateClosed))
		return nil
	}

	readerCancel()
	<-readerDone

	if s.alive.Load() {
		s.sendShutdownNotification()
	}
	s.pending.failAll(toolErrorf(KindNotReady, "session %s shut down", s.name))

	if err := s.transport.CloseOutbound(); err != nil {
		s.logger.Debug("Closing outbound channel failed", loggerv2.Error(err))
	}
	if err := s.transport.Terminate(); err != nil {
		s.logger.Debug("Terminate request failed", loggerv2.Error(err))
	}

	var errs []error
	done := s.transport.Done()
	if !waitDone(ctx, done, s.timeouts.TerminateGrace) {
		s.logger.Warn("Tool server did not stop after terminate, killing",
			loggerv2.Duration("grace", s.timeouts.TerminateGrace))
		if err := s.transport.Kill(); err != nil {
			errs = append(errs, fmt.Errorf("kill %s: %w", s.name, err))
		}
		if !waitDone(ctx, done, s.timeouts.KillGrace) {
			err := fmt.Errorf("tool server %s still unresponsive after kill", s.name)
			s.logger.Warn(err.Error())
			errs = append(errs, err)
		}
	}

	s.alive.Store(false)
	s.state.Store(int32(StateClosed))
	s.logger.Info("Session closed")
	return errors.Join(errs...)
}

// sendShutdownNotification is best effort and bounded: a peer that stopped
// reading must not hold up the rest of the sequence.
func (s *Session) sendShutdownNotification() {
	payload, err := encodeNotification(MethodShutdown, nil)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeouts.TerminateGrace)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- s.sendRaw(ctx, payload) }()
	select {
	case err := <-errCh:
		if err != nil {
			s.logger.Debug("Shutdown notification not delivered", loggerv2.Error(err))
		}
	case <-ctx.Done():
		s.logger.Debug("Shutdown notification timed out")
	}
}

func waitDone(ctx context.Context, done <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		select {
		case <-done:
			return true
		default:
			return false
		}
	}
}
