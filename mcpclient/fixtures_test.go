package mcpclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/require"
)

// helperServerEnv makes the test binary act as a stdio tool server.
const helperServerEnv = "MCPA2A_TEST_TOOL_SERVER"

// stalledServerEnv makes the test binary complete the handshake and then
// stop reading its stdin.
const stalledServerEnv = "MCPA2A_TEST_STALLED_SERVER"

func TestMain(m *testing.M) {
	if os.Getenv(stalledServerEnv) == "1" {
		serveHandshakeThenStall()
		os.Exit(0)
	}
	if os.Getenv(helperServerEnv) == "1" {
		if err := server.ServeStdio(newCalcServer()); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func serveHandshakeThenStall() {
	in := bufio.NewReader(os.Stdin)
	line, err := in.ReadBytes('\n')
	if err != nil {
		os.Exit(1)
	}
	var req struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(line, &req); err != nil {
		os.Exit(1)
	}
	reply, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      req.ID,
		"result": map[string]any{
			"protocolVersion": ProtocolVersion,
			"capabilities":    map[string]any{},
			"serverInfo":      map[string]any{"name": "stalled", "version": "0.1.0"},
		},
	})
	os.Stdout.Write(append(reply, '\n'))
	if _, err := in.ReadBytes('\n'); err != nil {
		os.Exit(1)
	}
	time.Sleep(time.Minute)
}

// newCalcServer returns a real MCP server exposing add, echo_env and slow.
func newCalcServer() *server.MCPServer {
	s := server.NewMCPServer("calc", "1.0.0", server.WithToolCapabilities(true))

	s.AddTool(mcp.NewTool("add",
		mcp.WithDescription("Add two numbers"),
		mcp.WithNumber("a", mcp.Required()),
		mcp.WithNumber("b", mcp.Required()),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		a, err := req.RequireFloat("a")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		b, err := req.RequireFloat("b")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("%g", a+b)), nil
	})

	s.AddTool(mcp.NewTool("echo_env",
		mcp.WithDescription("Return an environment variable"),
		mcp.WithString("name", mcp.Required()),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("name")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(os.Getenv(name)), nil
	})

	s.AddTool(mcp.NewTool("slow",
		mcp.WithDescription("Sleep for ms milliseconds"),
		mcp.WithNumber("ms", mcp.Required()),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ms := req.GetFloat("ms", 0)
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-ctx.Done():
		}
		return mcp.NewToolResultText("done"), nil
	})
	return s
}

// pipeTransport runs an mcp-go stdio server in-process over io.Pipe.
// Tests using it must not run in parallel: the mcp-go stdio session is a
// package-level singleton.
type pipeTransport struct {
	srv *server.MCPServer

	toServer   *io.PipeWriter
	fromServer *io.PipeReader
	cancel     context.CancelFunc

	inbound   chan []byte
	done      chan struct{}
	closeOnce sync.Once
	stopOnce  sync.Once
	writeMu   sync.Mutex
}

func newPipeTransport(srv *server.MCPServer) *pipeTransport {
	return &pipeTransport{srv: srv, inbound: make(chan []byte), done: make(chan struct{})}
}

func (p *pipeTransport) Start(ctx context.Context) error {
	serverIn, toServer := io.Pipe()
	fromServer, serverOut := io.Pipe()
	p.toServer = toServer
	p.fromServer = fromServer

	listenCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	stdio := server.NewStdioServer(p.srv)
	go func() {
		_ = stdio.Listen(listenCtx, serverIn, serverOut)
		_ = serverOut.Close()
		_ = serverIn.Close()
	}()

	go func() {
		defer close(p.done)
		defer close(p.inbound)
		scanner := bufio.NewScanner(fromServer)
		scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			if len(line) == 0 {
				continue
			}
			p.inbound <- line
		}
	}()
	return nil
}

func (p *pipeTransport) Send(ctx context.Context, frame []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err := p.toServer.Write(append(append([]byte(nil), frame...), '\n'))
	return err
}

func (p *pipeTransport) Inbound() <-chan []byte { return p.inbound }
func (p *pipeTransport) Done() <-chan struct{}  { return p.done }
func (p *pipeTransport) Kind() ProtocolType     { return ProtocolStdio }

func (p *pipeTransport) CloseOutbound() error {
	p.closeOnce.Do(func() { _ = p.toServer.Close() })
	return nil
}

func (p *pipeTransport) Terminate() error {
	p.stopOnce.Do(func() {
		p.cancel()
		// Unblock the scanner if the reader has already been stopped.
		go func() {
			for range p.inbound {
			}
		}()
	})
	return nil
}

func (p *pipeTransport) Kill() error {
	_ = p.Terminate()
	return p.fromServer.Close()
}

// scriptedTransport lets a test play the tool server by hand.
type scriptedTransport struct {
	inbound chan []byte
	sent    chan []byte
	done    chan struct{}

	startErr        error
	exitOnTerminate bool

	// stallSends makes Send block until its context ends, like a peer that
	// stopped reading.
	stallSends atomic.Bool

	outboundClosed atomic.Bool
	terminateCalls atomic.Int32
	killCalls      atomic.Int32
	closeCalls     atomic.Int32
	doneOnce       sync.Once
	disconnectOnce sync.Once
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{
		inbound:         make(chan []byte, 64),
		sent:            make(chan []byte, 256),
		done:            make(chan struct{}),
		exitOnTerminate: true,
	}
}

func (s *scriptedTransport) Start(ctx context.Context) error { return s.startErr }

func (s *scriptedTransport) Send(ctx context.Context, frame []byte) error {
	if s.outboundClosed.Load() {
		return ErrTransportClosed
	}
	if s.stallSends.Load() {
		<-ctx.Done()
		return ctx.Err()
	}
	s.sent <- append([]byte(nil), frame...)
	return nil
}

func (s *scriptedTransport) Inbound() <-chan []byte { return s.inbound }
func (s *scriptedTransport) Done() <-chan struct{}  { return s.done }
func (s *scriptedTransport) Kind() ProtocolType     { return ProtocolStdio }

func (s *scriptedTransport) CloseOutbound() error {
	s.closeCalls.Add(1)
	s.outboundClosed.Store(true)
	return nil
}

func (s *scriptedTransport) Terminate() error {
	s.terminateCalls.Add(1)
	if s.exitOnTerminate {
		s.exit()
	}
	return nil
}

func (s *scriptedTransport) Kill() error {
	s.killCalls.Add(1)
	s.exit()
	return nil
}

func (s *scriptedTransport) exit() {
	s.doneOnce.Do(func() { close(s.done) })
}

// disconnect simulates the peer closing its output.
func (s *scriptedTransport) disconnect() {
	s.disconnectOnce.Do(func() { close(s.inbound) })
}

func (s *scriptedTransport) deliver(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	s.inbound <- data
}

// nextSent waits for the next frame the session wrote.
func (s *scriptedTransport) nextSent(t *testing.T) *frame {
	t.Helper()
	select {
	case data := <-s.sent:
		f, err := decodeFrame(data)
		require.NoError(t, err)
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a sent frame")
		return nil
	}
}

// reply answers request f with result.
func (s *scriptedTransport) reply(t *testing.T, f *frame, result any) {
	t.Helper()
	s.deliver(t, map[string]any{"jsonrpc": "2.0", "id": json.RawMessage(f.ID), "result": result})
}

func initializeResult() map[string]any {
	return map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{"tools": map[string]any{"listChanged": true}},
		"serverInfo":      map[string]any{"name": "scripted", "version": "0.1.0"},
	}
}

// readySession returns a session that completed the handshake against a
// scripted transport.
func readySession(t *testing.T, timeouts Timeouts) (*Session, *scriptedTransport) {
	t.Helper()
	tr := newScriptedTransport()
	s := NewSession("calc", MCPServerConfig{Command: "unused"}, WithTransport(tr), WithTimeouts(timeouts))
	require.NoError(t, s.Connect(context.Background()))

	errCh := make(chan error, 1)
	go func() { errCh <- s.Initialize(context.Background()) }()

	req := tr.nextSent(t)
	require.Equal(t, MethodInitialize, req.Method)
	tr.reply(t, req, initializeResult())

	note := tr.nextSent(t)
	require.Equal(t, MethodInitialized, note.Method)
	require.False(t, note.hasID())

	require.NoError(t, <-errCh)
	require.Equal(t, StateReady, s.State())

	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s, tr
}
