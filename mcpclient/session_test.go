package mcpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireToolError(t *testing.T, err error, kind ErrorKind) *ToolError {
	t.Helper()
	require.Error(t, err)
	te, ok := AsToolError(err)
	require.True(t, ok, "expected *ToolError, got %T: %v", err, err)
	require.Equal(t, kind, te.Kind, te.Message)
	return te
}

func TestSession_Handshake(t *testing.T) {
	s, _ := readySession(t, Timeouts{})

	assert.Equal(t, "scripted", s.ServerInfo().Name)
	assert.Equal(t, ProtocolVersion, s.ProtocolVersion())
	require.NotNil(t, s.Capabilities().Tools)
	assert.True(t, s.Capabilities().Tools.ListChanged)
	assert.True(t, s.Alive())
}

func TestSession_InitializeSendsClientInfo(t *testing.T) {
	tr := newScriptedTransport()
	s := NewSession("calc", MCPServerConfig{Command: "unused"}, WithTransport(tr))
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	errCh := make(chan error, 1)
	go func() { errCh <- s.Initialize(context.Background()) }()

	req := tr.nextSent(t)
	var params struct {
		ProtocolVersion string `json:"protocolVersion"`
		ClientInfo      struct {
			Name string `json:"name"`
		} `json:"clientInfo"`
	}
	require.NoError(t, json.Unmarshal(req.Params, &params))
	assert.Equal(t, ProtocolVersion, params.ProtocolVersion)
	assert.Equal(t, "mcpa2a", params.ClientInfo.Name)

	tr.reply(t, req, initializeResult())
	tr.nextSent(t)
	require.NoError(t, <-errCh)
}

func TestSession_InitializeErrorRevertsState(t *testing.T) {
	tr := newScriptedTransport()
	s := NewSession("calc", MCPServerConfig{Command: "unused"}, WithTransport(tr))
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	errCh := make(chan error, 1)
	go func() { errCh <- s.Initialize(context.Background()) }()

	req := tr.nextSent(t)
	tr.deliver(t, map[string]any{
		"jsonrpc": "2.0",
		"id":      json.RawMessage(req.ID),
		"error":   map[string]any{"code": -32602, "message": "unsupported protocol"},
	})

	err := <-errCh
	var hsErr *HandshakeError
	require.ErrorAs(t, err, &hsErr)
	assert.Equal(t, "calc", hsErr.Server)
	te := requireToolError(t, err, KindRPCError)
	assert.Equal(t, -32602, te.Code)
	assert.Equal(t, StateConnecting, s.State())
}

func TestSession_ConnectFailure(t *testing.T) {
	tr := newScriptedTransport()
	tr.startErr = errors.New("spawn failed")
	s := NewSession("calc", MCPServerConfig{Command: "unused"}, WithTransport(tr))

	err := s.Connect(context.Background())
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, StateDisconnected, s.State())
	assert.NoError(t, s.Shutdown(context.Background()))
	assert.Equal(t, StateClosed, s.State())
}

func TestSession_CallToolNotReady(t *testing.T) {
	s := NewSession("calc", MCPServerConfig{Command: "unused"}, WithTransport(newScriptedTransport()))
	_, err := s.CallTool(context.Background(), "add", nil)
	requireToolError(t, err, KindNotReady)
}

func TestSession_CallToolDefaultsArguments(t *testing.T) {
	s, tr := readySession(t, Timeouts{})

	resCh := make(chan error, 1)
	go func() {
		_, err := s.CallTool(context.Background(), "noop", nil)
		resCh <- err
	}()

	req := tr.nextSent(t)
	assert.Equal(t, MethodToolsCall, req.Method)
	assert.JSONEq(t, `{"name":"noop","arguments":{}}`, string(req.Params))
	tr.reply(t, req, map[string]any{"content": []any{}})
	require.NoError(t, <-resCh)
}

func TestSession_ConcurrentCallsRouteToTheirCaller(t *testing.T) {
	s, tr := readySession(t, Timeouts{})
	const n = 20

	type outcome struct {
		want string
		got  json.RawMessage
		err  error
	}
	results := make(chan outcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			args := json.RawMessage(fmt.Sprintf(`{"i":%d}`, i))
			raw, err := s.CallTool(context.Background(), "echo", args)
			results <- outcome{want: fmt.Sprintf("%d", i), got: raw, err: err}
		}(i)
	}

	requests := make([]*frame, 0, n)
	for i := 0; i < n; i++ {
		requests = append(requests, tr.nextSent(t))
	}
	assert.Equal(t, n, s.Pending())

	// Answer newest first; each answer echoes the caller's own argument.
	for i := len(requests) - 1; i >= 0; i-- {
		var params struct {
			Arguments struct {
				I int `json:"i"`
			} `json:"arguments"`
		}
		require.NoError(t, json.Unmarshal(requests[i].Params, &params))
		tr.reply(t, requests[i], map[string]any{"echo": params.Arguments.I})
	}

	wg.Wait()
	close(results)
	for res := range results {
		require.NoError(t, res.err)
		var body struct {
			Echo json.Number `json:"echo"`
		}
		require.NoError(t, json.Unmarshal(res.got, &body))
		assert.Equal(t, res.want, body.Echo.String())
	}
	assert.Equal(t, 0, s.Pending())
}

func TestSession_RequestIDsAreUnique(t *testing.T) {
	s, tr := readySession(t, Timeouts{CallTool: 50 * time.Millisecond})

	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		go func() { _, _ = s.CallTool(context.Background(), "x", nil) }()
		req := tr.nextSent(t)
		id := string(req.ID)
		assert.False(t, seen[id], "id %s reused", id)
		seen[id] = true
	}
}

func TestSession_CallToolTimeout(t *testing.T) {
	timeout := 60 * time.Millisecond
	s, tr := readySession(t, Timeouts{CallTool: timeout})

	start := time.Now()
	errCh := make(chan error, 1)
	go func() {
		_, err := s.CallTool(context.Background(), "slow", nil)
		errCh <- err
	}()
	req := tr.nextSent(t)

	err := <-errCh
	elapsed := time.Since(start)
	te := requireToolError(t, err, KindTimeout)
	assert.True(t, te.Retryable())
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Equal(t, 0, s.Pending())

	// A late answer is dropped and the session keeps working.
	tr.reply(t, req, map[string]any{"late": true})
	go func() {
		_, err := s.CallTool(context.Background(), "fast", nil)
		errCh <- err
	}()
	next := tr.nextSent(t)
	tr.reply(t, next, map[string]any{"content": []any{}})
	require.NoError(t, <-errCh)
}

func TestSession_CallToolTimeoutCoversWrite(t *testing.T) {
	timeout := 60 * time.Millisecond
	s, tr := readySession(t, Timeouts{CallTool: timeout})
	tr.stallSends.Store(true)

	start := time.Now()
	_, err := s.CallTool(context.Background(), "slow", nil)
	requireToolError(t, err, KindTimeout)
	assert.GreaterOrEqual(t, time.Since(start), timeout)
	assert.Equal(t, 0, s.Pending())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	s2, tr2 := readySession(t, Timeouts{CallTool: time.Minute})
	tr2.stallSends.Store(true)
	_, err = s2.CallTool(ctx, "slow", nil)
	requireToolError(t, err, KindCanceled)
	assert.Equal(t, 0, s2.Pending())
}

func TestSession_CallToolContextCanceled(t *testing.T) {
	s, tr := readySession(t, Timeouts{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := s.CallTool(ctx, "slow", nil)
		errCh <- err
	}()
	tr.nextSent(t)
	cancel()

	requireToolError(t, <-errCh, KindCanceled)
	assert.Equal(t, 0, s.Pending())
}

func TestSession_RPCErrorIsToolError(t *testing.T) {
	s, tr := readySession(t, Timeouts{})

	errCh := make(chan error, 1)
	go func() {
		_, err := s.CallTool(context.Background(), "missing", nil)
		errCh <- err
	}()
	req := tr.nextSent(t)
	tr.deliver(t, map[string]any{
		"jsonrpc": "2.0",
		"id":      json.RawMessage(req.ID),
		"error":   map[string]any{"code": -32601, "message": "tool not found"},
	})

	te := requireToolError(t, <-errCh, KindRPCError)
	assert.Equal(t, -32601, te.Code)
	assert.Equal(t, "tool not found", te.Message)
	assert.False(t, te.Retryable())

	data, err := json.Marshal(te)
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"rpc_error","code":-32601,"error":"tool not found"}`, string(data))
}

func TestSession_RejectsServerRequests(t *testing.T) {
	_, tr := readySession(t, Timeouts{})

	tr.deliver(t, map[string]any{"jsonrpc": "2.0", "id": "srv-1", "method": "sampling/createMessage", "params": map[string]any{}})
	reply := tr.nextSent(t)
	assert.Equal(t, `"srv-1"`, string(reply.ID))
	require.NotNil(t, reply.Error)
	assert.Equal(t, CodeMethodNotFound, reply.Error.Code)
	assert.Contains(t, reply.Error.Message, "sampling/createMessage")

	tr.deliver(t, map[string]any{"jsonrpc": "2.0", "id": 99, "method": "ping"})
	pong := tr.nextSent(t)
	assert.Equal(t, "99", string(pong.ID))
	assert.Nil(t, pong.Error)
	assert.JSONEq(t, `{}`, string(pong.Result))
}

func TestSession_IgnoresUnknownResponsesAndNotifications(t *testing.T) {
	s, tr := readySession(t, Timeouts{})

	tr.deliver(t, map[string]any{"jsonrpc": "2.0", "id": 12345, "result": map[string]any{}})
	tr.deliver(t, map[string]any{"jsonrpc": "2.0", "method": "notifications/progress", "params": map[string]any{}})
	tr.deliver(t, map[string]any{"jsonrpc": "2.0", "method": NotificationMessage, "params": map[string]any{"level": "info", "data": "hi"}})
	tr.inbound <- []byte("not json")

	errCh := make(chan error, 1)
	go func() {
		_, err := s.CallTool(context.Background(), "x", nil)
		errCh <- err
	}()
	req := tr.nextSent(t)
	tr.reply(t, req, map[string]any{"content": []any{}})
	require.NoError(t, <-errCh)
}

func TestSession_ListToolsPaginates(t *testing.T) {
	s, tr := readySession(t, Timeouts{})

	type listResult struct {
		tools []Tool
		err   error
	}
	resCh := make(chan listResult, 1)
	go func() {
		tools, err := s.ListTools(context.Background())
		resCh <- listResult{tools, err}
	}()

	first := tr.nextSent(t)
	assert.Equal(t, MethodToolsList, first.Method)
	tr.reply(t, first, map[string]any{
		"tools":      []any{map[string]any{"name": "add", "inputSchema": map[string]any{"type": "object"}}},
		"nextCursor": "page-2",
	})
	second := tr.nextSent(t)
	assert.JSONEq(t, `{"cursor":"page-2"}`, string(second.Params))
	tr.reply(t, second, map[string]any{
		"tools": []any{map[string]any{"name": "subtract", "description": "a-b"}},
	})

	res := <-resCh
	require.NoError(t, res.err)
	require.Len(t, res.tools, 2)
	assert.Equal(t, "add", res.tools[0].Name)
	assert.Equal(t, "subtract", res.tools[1].Name)
	assert.Len(t, s.Tools(), 2)
}

func TestSession_ListToolsTimeoutYieldsEmpty(t *testing.T) {
	s, tr := readySession(t, Timeouts{ListTools: 50 * time.Millisecond})

	resCh := make(chan []Tool, 1)
	go func() {
		tools, err := s.ListTools(context.Background())
		assert.NoError(t, err)
		resCh <- tools
	}()
	tr.nextSent(t)

	tools := <-resCh
	assert.NotNil(t, tools)
	assert.Empty(t, tools)
}

func TestSession_ListToolsTimeoutKeepsReceivedPages(t *testing.T) {
	s, tr := readySession(t, Timeouts{ListTools: 50 * time.Millisecond})

	resCh := make(chan []Tool, 1)
	go func() {
		tools, err := s.ListTools(context.Background())
		assert.NoError(t, err)
		resCh <- tools
	}()
	first := tr.nextSent(t)
	tr.reply(t, first, map[string]any{
		"tools":      []any{map[string]any{"name": "add", "inputSchema": map[string]any{"type": "object"}}},
		"nextCursor": "page-2",
	})
	tr.nextSent(t)

	tools := <-resCh
	require.Len(t, tools, 1)
	assert.Equal(t, "add", tools[0].Name)
	assert.Len(t, s.Tools(), 1)
}

func TestSession_ToolListChangedMarksStale(t *testing.T) {
	s, tr := readySession(t, Timeouts{})
	assert.False(t, s.ToolsStale())

	tr.deliver(t, map[string]any{"jsonrpc": "2.0", "method": NotificationToolsListChanged})
	assert.Eventually(t, s.ToolsStale, time.Second, 5*time.Millisecond)

	go func() { _, _ = s.ListTools(context.Background()) }()
	req := tr.nextSent(t)
	tr.reply(t, req, map[string]any{"tools": []any{}})
	assert.Eventually(t, func() bool { return !s.ToolsStale() }, time.Second, 5*time.Millisecond)
}

func TestSession_ConnectionLostFailsPending(t *testing.T) {
	s, tr := readySession(t, Timeouts{})

	errCh := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := s.CallTool(context.Background(), "x", nil)
			errCh <- err
		}()
		tr.nextSent(t)
	}
	tr.disconnect()

	for i := 0; i < 2; i++ {
		te := requireToolError(t, <-errCh, KindConnectionLost)
		assert.True(t, te.Retryable())
	}
	assert.False(t, s.Alive())

	_, err := s.CallTool(context.Background(), "x", nil)
	requireToolError(t, err, KindNotReady)
}

func TestSession_ShutdownFailsInFlightCalls(t *testing.T) {
	s, tr := readySession(t, Timeouts{})

	errCh := make(chan error, 1)
	go func() {
		_, err := s.CallTool(context.Background(), "x", nil)
		errCh <- err
	}()
	tr.nextSent(t)

	require.NoError(t, s.Shutdown(context.Background()))
	requireToolError(t, <-errCh, KindNotReady)
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 0, s.Pending())
}

func TestSession_ShutdownRunsOnce(t *testing.T) {
	s, tr := readySession(t, Timeouts{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Shutdown(context.Background()))
		}()
	}
	wg.Wait()
	<-s.Closed()

	assert.Equal(t, int32(1), tr.terminateCalls.Load())
	assert.Equal(t, int32(1), tr.closeCalls.Load())
	assert.Equal(t, int32(0), tr.killCalls.Load())

	shutdowns := 0
	for {
		select {
		case data := <-tr.sent:
			f, err := decodeFrame(data)
			require.NoError(t, err)
			if f.Method == MethodShutdown {
				shutdowns++
				assert.False(t, f.hasID())
			}
			continue
		default:
		}
		break
	}
	assert.Equal(t, 1, shutdowns)
	assert.Equal(t, StateClosed, s.State())

	_, err := s.CallTool(context.Background(), "x", nil)
	requireToolError(t, err, KindNotReady)
}

func TestSession_ShutdownEscalatesToKill(t *testing.T) {
	s, tr := readySession(t, Timeouts{TerminateGrace: 30 * time.Millisecond, KillGrace: 30 * time.Millisecond})
	tr.exitOnTerminate = false

	start := time.Now()
	require.NoError(t, s.Shutdown(context.Background()))

	assert.Equal(t, int32(1), tr.terminateCalls.Load())
	assert.Equal(t, int32(1), tr.killCalls.Load())
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestSession_ShutdownBeforeConnect(t *testing.T) {
	tr := newScriptedTransport()
	s := NewSession("calc", MCPServerConfig{Command: "unused"}, WithTransport(tr))

	require.NoError(t, s.Shutdown(context.Background()))
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, int32(0), tr.terminateCalls.Load())

	err := s.Connect(context.Background())
	var connErr *ConnectionError
	assert.ErrorAs(t, err, &connErr)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "shutting_down", StateShuttingDown.String())
	assert.Equal(t, "state(42)", State(42).String())
}
