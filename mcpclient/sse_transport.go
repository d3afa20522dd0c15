package mcpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	loggerv2 "mcpa2a/logger/v2"
	"mcpa2a/sse"
)

// DefaultConnectTimeout bounds how long Start waits for the endpoint event.
const DefaultConnectTimeout = 10 * time.Second

// SSETransport talks to a tool server over a server-sent event stream.
// Server messages arrive as "message" events on a long-lived GET; client
// messages are POSTed to the endpoint announced by the first "endpoint"
// event, which scopes them to this stream's session.
type SSETransport struct {
	name           string
	url            string
	headers        map[string]string
	connectTimeout time.Duration
	client         *http.Client
	logger         loggerv2.Logger

	mu             sync.Mutex
	endpoint       *url.URL
	outboundClosed bool
	cancel         context.CancelFunc
	body           io.ReadCloser

	inbound     chan []byte
	closing     chan struct{}
	closingOnce sync.Once
	done        chan struct{}
}

// NewSSETransport prepares an event-stream transport for rawURL.
func NewSSETransport(name, rawURL string, headers map[string]string, connectTimeout time.Duration, logger loggerv2.Logger) *SSETransport {
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	return &SSETransport{
		name:           name,
		url:            rawURL,
		headers:        headers,
		connectTimeout: connectTimeout,
		client:         &http.Client{},
		logger:         loggerv2.OrNoop(logger).With(loggerv2.String("server", name), loggerv2.String("transport", "sse")),
		inbound:        make(chan []byte),
		closing:        make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Start opens the stream and waits for the endpoint event.
func (t *SSETransport) Start(ctx context.Context) error {
	base, err := url.Parse(t.url)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", t.url, err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, base.String(), nil)
	if err != nil {
		cancel()
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	// Tie the connect phase to ctx without making the stream depend on it.
	stop := context.AfterFunc(ctx, cancel)
	resp, err := t.client.Do(req)
	if err != nil {
		stop()
		cancel()
		return fmt.Errorf("open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		stop()
		cancel()
		_ = resp.Body.Close()
		return fmt.Errorf("open event stream: unexpected status %s", resp.Status)
	}

	t.mu.Lock()
	t.cancel = cancel
	t.body = resp.Body
	t.mu.Unlock()

	endpointCh := make(chan string, 1)
	go t.readLoop(resp.Body, endpointCh)

	timer := time.NewTimer(t.connectTimeout)
	defer timer.Stop()

	var endpoint string
	select {
	case endpoint = <-endpointCh:
	case <-timer.C:
		err = fmt.Errorf("no endpoint event within %s", t.connectTimeout)
	case <-ctx.Done():
		err = ctx.Err()
	case <-t.done:
		err = fmt.Errorf("event stream ended before endpoint event")
	}
	stop()
	if err != nil {
		cancel()
		return err
	}

	ref, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		cancel()
		return fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	resolved := base.ResolveReference(ref)
	if resolved.Host != base.Host {
		cancel()
		return fmt.Errorf("endpoint %s does not match stream origin %s", resolved.Host, base.Host)
	}

	t.mu.Lock()
	t.endpoint = resolved
	t.mu.Unlock()

	t.logger.Debug("[MCP INIT] Event stream ready", loggerv2.String("endpoint", resolved.String()))
	return nil
}

func (t *SSETransport) readLoop(body io.Reader, endpointCh chan<- string) {
	defer close(t.done)
	defer close(t.inbound)

	dec := sse.NewDecoder(body)
	sentEndpoint := false
	delivering := true
	for {
		ev, err := dec.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				t.logger.Debug("Event stream closed", loggerv2.Error(err))
			}
			return
		}

		switch ev.Event {
		case "endpoint":
			if !sentEndpoint {
				sentEndpoint = true
				endpointCh <- string(ev.Data)
			}
		case "message":
			if !delivering || len(bytes.TrimSpace(ev.Data)) == 0 {
				continue
			}
			select {
			case t.inbound <- ev.Data:
			case <-t.closing:
				delivering = false
			}
		default:
			t.logger.Debug("Ignoring event", loggerv2.String("event", ev.Event))
		}
	}
}

// Send POSTs one frame to the session endpoint.
func (t *SSETransport) Send(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	endpoint := t.endpoint
	closed := t.outboundClosed
	t.mu.Unlock()

	if closed {
		return ErrTransportClosed
	}
	if endpoint == nil {
		return fmt.Errorf("event stream not started")
	}
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(frame))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("post to %s: %w", t.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post to %s: status %s: %s", t.name, resp.Status, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (t *SSETransport) Inbound() <-chan []byte { return t.inbound }

func (t *SSETransport) Done() <-chan struct{} { return t.done }

func (t *SSETransport) Kind() ProtocolType { return ProtocolSSE }

func (t *SSETransport) markClosing() {
	t.closingOnce.Do(func() { close(t.closing) })
}

// CloseOutbound rejects further posts.
func (t *SSETransport) CloseOutbound() error {
	t.markClosing()
	t.mu.Lock()
	t.outboundClosed = true
	t.mu.Unlock()
	return nil
}

// Terminate cancels the stream request.
func (t *SSETransport) Terminate() error {
	t.markClosing()
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Kill closes the response body and idle connections.
func (t *SSETransport) Kill() error {
	t.markClosing()
	t.mu.Lock()
	body := t.body
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	t.client.CloseIdleConnections()
	if body != nil {
		return body.Close()
	}
	return nil
}
