package mcpclient

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	loggerv2 "mcpa2a/logger/v2"
)

// maxFrameSize bounds one newline-delimited JSON message and one stderr line.
const maxFrameSize = 1024 * 1024

// StdioTransport runs a tool server as a child process and exchanges
// newline-delimited JSON over its stdin and stdout. Stderr is logged and
// otherwise ignored.
type StdioTransport struct {
	name    string
	command string
	args    []string
	env     map[string]string
	logger  loggerv2.Logger

	cmd *exec.Cmd

	// writeSem serializes frames and is held until a write completes, even
	// one its caller gave up on. stdinMu guards the pipe handle so that
	// CloseOutbound can unblock a stuck write.
	writeSem chan struct{}
	stdinMu  sync.Mutex
	stdin    io.WriteCloser

	inbound     chan []byte
	closing     chan struct{}
	closingOnce sync.Once
	done        chan struct{}
	exitErr     error
}

// NewStdioTransport prepares a process transport. Nothing is spawned until
// Start.
func NewStdioTransport(name, command string, args []string, env map[string]string, logger loggerv2.Logger) *StdioTransport {
	return &StdioTransport{
		name:     name,
		command:  command,
		args:     args,
		env:      env,
		logger:   loggerv2.OrNoop(logger).With(loggerv2.String("server", name), loggerv2.String("transport", "stdio")),
		inbound:  make(chan []byte),
		writeSem: make(chan struct{}, 1),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start spawns the child process with the inherited environment plus the
// configured overrides.
func (t *StdioTransport) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.cmd != nil {
		return fmt.Errorf("transport already started")
	}

	//nolint:gosec // G204: command comes from the tool server configuration
	cmd := exec.Command(t.command, expandArgs(t.args)...)
	cmd.Env = mergeEnv(os.Environ(), t.env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s: %w", t.command, err)
	}

	t.cmd = cmd
	t.stdinMu.Lock()
	t.stdin = stdin
	t.stdinMu.Unlock()

	t.logger.Debug(fmt.Sprintf("[MCP INIT] Spawned %s", t.command),
		loggerv2.Int("pid", cmd.Process.Pid),
		loggerv2.Int("env_overrides", len(t.env)))

	stderrDone := make(chan struct{})
	go t.captureStderr(stderr, stderrDone)
	go t.readLoop(stdout, stderrDone)
	return nil
}

// readLoop delivers stdout lines until EOF. Once closing is signalled the
// remaining output is drained and dropped so the child can exit.
func (t *StdioTransport) readLoop(stdout io.Reader, stderrDone <-chan struct{}) {
	defer close(t.done)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	delivering := true
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || !delivering {
			continue
		}
		msg := append([]byte(nil), line...)
		select {
		case t.inbound <- msg:
		case <-t.closing:
			delivering = false
		}
	}
	if err := scanner.Err(); err != nil {
		t.logger.Warn("Error reading tool server stdout", loggerv2.Error(err))
	}
	close(t.inbound)

	<-stderrDone
	t.exitErr = t.cmd.Wait()
	if t.exitErr != nil {
		t.logger.Debug("Tool server process exited", loggerv2.Error(t.exitErr))
	} else {
		t.logger.Debug("Tool server process exited cleanly")
	}
}

// captureStderr logs each stderr line of the child.
func (t *StdioTransport) captureStderr(stderr io.Reader, done chan<- struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) != "" {
			t.logger.Debug(fmt.Sprintf("[MCP STDERR] %s: %s", t.name, line),
				loggerv2.String("stderr_line", line))
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		t.logger.Warn("Error reading tool server stderr", loggerv2.Error(err))
	}
}

// Send writes one frame followed by a newline. It returns when ctx ends even
// if the child has stopped reading; the frame is then finished in the
// background so framing stays intact, and later sends wait behind it.
func (t *StdioTransport) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.stdinMu.Lock()
	stdin := t.stdin
	t.stdinMu.Unlock()
	if stdin == nil {
		return ErrTransportClosed
	}
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}

	buf := make([]byte, 0, len(frame)+1)
	buf = append(buf, frame...)
	buf = append(buf, '\n')

	select {
	case t.writeSem <- struct{}{}:
	case <-t.done:
		return ErrTransportClosed
	case <-ctx.Done():
		return fmt.Errorf("write to %s: %w", t.name, ctx.Err())
	}

	written := make(chan error, 1)
	go func() {
		defer func() { <-t.writeSem }()
		_, err := stdin.Write(buf)
		written <- err
	}()

	select {
	case err := <-written:
		if err == nil {
			return nil
		}
		if IsBrokenPipeError(err) || errors.Is(err, os.ErrClosed) {
			return fmt.Errorf("%w: %v", ErrTransportClosed, err)
		}
		return fmt.Errorf("write to %s: %w", t.name, err)
	case <-ctx.Done():
		t.logger.Warn("Tool server is not reading its input",
			loggerv2.Int("frame_bytes", len(buf)))
		return fmt.Errorf("write to %s: %w", t.name, ctx.Err())
	}
}

func (t *StdioTransport) Inbound() <-chan []byte { return t.inbound }

func (t *StdioTransport) Done() <-chan struct{} { return t.done }

func (t *StdioTransport) Kind() ProtocolType { return ProtocolStdio }

func (t *StdioTransport) markClosing() {
	t.closingOnce.Do(func() { close(t.closing) })
}

// CloseOutbound closes the child's stdin. Servers treat EOF as a request to
// exit.
func (t *StdioTransport) CloseOutbound() error {
	t.markClosing()
	t.stdinMu.Lock()
	stdin := t.stdin
	t.stdin = nil
	t.stdinMu.Unlock()
	if stdin == nil {
		return nil
	}
	err := stdin.Close()
	if err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}

func (t *StdioTransport) Terminate() error {
	t.markClosing()
	if t.cmd == nil || t.cmd.Process == nil {
		return nil
	}
	if err := terminateProcess(t.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (t *StdioTransport) Kill() error {
	t.markClosing()
	if t.cmd == nil || t.cmd.Process == nil {
		return nil
	}
	if err := t.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// ExitErr returns the error from waiting on the child, valid after Done.
func (t *StdioTransport) ExitErr() error {
	<-t.done
	return t.exitErr
}

// mergeEnv overlays overrides on base, replacing existing keys in place.
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	merged := make([]string, 0, len(base)+len(overrides))
	seen := make(map[string]bool, len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if v, ok := overrides[key]; ok {
			merged = append(merged, key+"="+v)
			seen[key] = true
			continue
		}
		merged = append(merged, kv)
	}

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		merged = append(merged, k+"="+overrides[k])
	}
	return merged
}

// expandArgs expands a leading ~ in arguments to the home directory.
func expandArgs(args []string) []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return args
	}
	out := make([]string, len(args))
	for i, arg := range args {
		switch {
		case arg == "~":
			out[i] = home
		case strings.HasPrefix(arg, "~/"):
			out[i] = filepath.Join(home, arg[2:])
		default:
			out[i] = arg
		}
	}
	return out
}
