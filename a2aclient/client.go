// Package a2aclient calls an A2A task server over HTTP.
package a2aclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"mcpa2a/a2a"
	"mcpa2a/sse"
)

// Client is safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	nextID  atomic.Int64
}

// New returns a client for the server at baseURL. A nil httpClient means
// http.DefaultClient.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimSuffix(baseURL, "/"), http: httpClient}
}

// NewTaskParams builds send parameters for a fresh task carrying text.
func NewTaskParams(text string) a2a.TaskSendParams {
	return a2a.TaskSendParams{
		ID:                  uuid.NewString(),
		SessionID:           uuid.NewString(),
		Message:             *a2a.NewTextMessage(a2a.RoleUser, text),
		AcceptedOutputModes: a2a.SupportedContentTypes,
	}
}

// AgentCard fetches the agent card.
func (c *Client) AgentCard(ctx context.Context) (*a2a.AgentCard, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/.well-known/agent.json", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching agent card: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching agent card: status %d", resp.StatusCode)
	}
	var card a2a.AgentCard
	if err := json.NewDecoder(resp.Body).Decode(&card); err != nil {
		return nil, fmt.Errorf("decoding agent card: %w", err)
	}
	return &card, nil
}

func (c *Client) SendTask(ctx context.Context, params a2a.TaskSendParams) (*a2a.Task, error) {
	return c.taskCall(ctx, a2a.MethodSendTask, params)
}

func (c *Client) GetTask(ctx context.Context, params a2a.TaskQueryParams) (*a2a.Task, error) {
	return c.taskCall(ctx, a2a.MethodGetTask, params)
}

func (c *Client) CancelTask(ctx context.Context, params a2a.TaskIDParams) (*a2a.Task, error) {
	return c.taskCall(ctx, a2a.MethodCancelTask, params)
}

// SendTaskSubscribe streams the events of a submission to fn until the
// final event, the end of the stream or an error from fn. Protocol errors
// are returned as *a2a.JSONRPCError.
func (c *Client) SendTaskSubscribe(ctx context.Context, params a2a.TaskSendParams, fn func(a2a.StreamEvent) error) error {
	resp, err := c.post(ctx, a2a.MethodSendTaskSubscribe, params, "text/event-stream")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		var r a2a.StreamResponse
		if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
			return fmt.Errorf("decoding response (status %d): %w", resp.StatusCode, err)
		}
		if r.Error != nil {
			return r.Error
		}
		return fmt.Errorf("unexpected non-stream response (status %d)", resp.StatusCode)
	}

	dec := sse.NewDecoder(resp.Body)
	for {
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading stream: %w", err)
		}
		var r a2a.StreamResponse
		if err := json.Unmarshal(ev.Data, &r); err != nil {
			return fmt.Errorf("decoding stream event: %w", err)
		}
		if r.Error != nil {
			return r.Error
		}
		if r.Result == nil {
			continue
		}
		if err := fn(*r.Result); err != nil {
			return err
		}
		if r.Result.IsFinal() {
			return nil
		}
	}
}

func (c *Client) taskCall(ctx context.Context, method string, params any) (*a2a.Task, error) {
	resp, err := c.post(ctx, method, params, "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var r a2a.TaskResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, fmt.Errorf("decoding response (status %d): %w", resp.StatusCode, err)
	}
	if r.Error != nil {
		return nil, r.Error
	}
	if r.Result == nil {
		return nil, fmt.Errorf("%s: empty result", method)
	}
	return r.Result, nil
}

func (c *Client) post(ctx context.Context, method string, params any, accept string) (*http.Response, error) {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encoding params: %w", err)
	}
	id, _ := json.Marshal(c.nextID.Add(1))
	body, err := json.Marshal(a2a.Request{
		JSONRPC: a2a.JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  rawParams,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return resp, nil
}
