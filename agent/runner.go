package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"mcpa2a/catalog"
	"mcpa2a/events"
	loggerv2 "mcpa2a/logger/v2"
)

var (
	// ErrMaxTurns is returned when the model keeps calling tools past the
	// configured turn limit.
	ErrMaxTurns = errors.New("agent: maximum number of turns reached")
	// ErrNoFinalAnswer marks a record stream that ended without a final
	// record.
	ErrNoFinalAnswer = errors.New("agent: stream ended without a final answer")
)

const (
	DefaultMaxTurns     = 10
	DefaultSystemPrompt = "You are a helpful assistant. Use the available tools when they help answer the user's request. Tool names have the form <server>_<tool>."
)

// Dispatcher executes qualified tool calls. *catalog.Catalog implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, qualified string, args json.RawMessage) catalog.Outcome
	Definitions() []mcp.Tool
}

// Options configures a Runner. Zero values fall back to defaults.
type Options struct {
	SystemPrompt  string
	MaxTurns      int
	LoopThreshold int
	Logger        loggerv2.Logger
	// Now is used for the timestamp prefixed to the system prompt.
	Now func() time.Time
}

// Request is one submission to the agent.
type Request struct {
	Query     string
	SessionID string
	// History is the prior conversation of the task, oldest first.
	History []Message
}

// Runner drives a Model against a Dispatcher. It holds no per-run state and
// is safe for concurrent use.
type Runner struct {
	model      Model
	dispatcher Dispatcher
	opts       Options
	logger     loggerv2.Logger
}

func NewRunner(model Model, dispatcher Dispatcher, opts Options) *Runner {
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = DefaultSystemPrompt
	}
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = DefaultMaxTurns
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Runner{
		model:      model,
		dispatcher: dispatcher,
		opts:       opts,
		logger:     loggerv2.OrNoop(opts.Logger),
	}
}

func (r *Runner) systemPrompt() string {
	return fmt.Sprintf("Current date and time: %s\n\n%s", r.opts.Now().Format(time.RFC1123), r.opts.SystemPrompt)
}

// Run executes one submission and hands every record to yield, in order.
// The last record of a successful run is always a final record. A yield
// error stops the run and is returned, wrapped when it surfaced while the
// model was generating.
func (r *Runner) Run(ctx context.Context, req Request, yield func(events.Record) error) error {
	conv := make([]Message, 0, len(req.History)+2)
	conv = append(conv, Message{Role: RoleSystem, Content: r.systemPrompt()})
	conv = append(conv, req.History...)
	conv = append(conv, Message{Role: RoleUser, Content: req.Query})

	tools := r.dispatcher.Definitions()
	detector := newLoopDetector(r.opts.LoopThreshold)
	logger := r.logger.With(loggerv2.String("session_id", req.SessionID))

	stream := Stream{
		Token:     func(text string) error { return yield(events.NewToken(text)) },
		Reasoning: func(text string) error { return yield(events.NewReasoning(text)) },
	}

	for turn := 1; turn <= r.opts.MaxTurns; turn++ {
		if err := ctx.Err(); err != nil {
			return context.Cause(ctx)
		}

		start := time.Now()
		t, err := r.model.Generate(ctx, conv, tools, stream)
		if err != nil {
			return fmt.Errorf("generate turn %d: %w", turn, err)
		}
		logger.Debug("Model turn finished",
			loggerv2.Int("turn", turn),
			loggerv2.Int("tool_calls", len(t.ToolCalls)),
			loggerv2.Duration("duration", time.Since(start)))

		if len(t.ToolCalls) == 0 {
			return yield(events.NewFinal(t.Text, t.Data, t.RequiresInput))
		}

		calls := make([]events.ToolCallRequest, len(t.ToolCalls))
		for i, call := range t.ToolCalls {
			if call.ID == "" {
				call.ID = uuid.NewString()
			}
			if len(call.Arguments) == 0 {
				call.Arguments = json.RawMessage("{}")
			}
			calls[i] = call
		}
		if err := yield(events.NewToolCall(t.Text, calls)); err != nil {
			return err
		}
		conv = append(conv, Message{Role: RoleAssistant, Content: t.Text, ToolCalls: calls})

		for _, call := range calls {
			outcome := r.dispatcher.Dispatch(ctx, call.Name, call.Arguments)
			text := outcome.Text()
			res := events.ToolCallResult{
				CallID:   call.ID,
				Name:     call.Name,
				Payload:  outcome.Payload,
				Text:     text,
				IsError:  outcome.IsError(),
				Duration: outcome.Duration,
			}
			if err := yield(events.NewToolResult(res)); err != nil {
				return err
			}
			conv = append(conv, Message{Role: RoleTool, Content: text, ToolCallID: call.ID, Name: call.Name})

			if loop := detector.check(call.Name, call.Arguments, text); loop.Detected {
				logger.Warn("Loop detected: same tool call repeated multiple times",
					loggerv2.String("tool_name", loop.ToolName),
					loggerv2.Int("repetitions", loop.Repetitions),
					loggerv2.String("args_preview", loop.ArgsPreview),
					loggerv2.String("response_preview", loop.ResponsePreview))
				conv = append(conv, Message{Role: RoleUser, Content: loopCorrection})
			}
		}
	}

	logger.Warn("Turn limit reached", loggerv2.Int("max_turns", r.opts.MaxTurns))
	return ErrMaxTurns
}
