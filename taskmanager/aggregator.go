package taskmanager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mcpa2a/a2a"
	"mcpa2a/agent"
	"mcpa2a/events"
	loggerv2 "mcpa2a/logger/v2"
)

// aggregator turns the agent's record stream for one submission into task
// stream events and persisted status updates.
//
// Artifact chunks all target index 0. The first token of a turn starts the
// artifact afresh (append=false); later tokens append. The final record
// sends whatever part of the answer the current turn has not streamed yet
// with lastChunk=true, so a client applying the chunks in order ends up
// with the answer exactly once.
type aggregator struct {
	m      *Manager
	taskID string
	root   *events.Event
	sink   func(a2a.StreamEvent)
	logger loggerv2.Logger

	turn      strings.Builder // text streamed in the current turn
	open      bool            // a chunk went out and no lastChunk yet
	reasoning strings.Builder
	finished  bool
}

func newAggregator(m *Manager, taskID string, root *events.Event, sink func(a2a.StreamEvent)) *aggregator {
	if sink == nil {
		sink = func(a2a.StreamEvent) {}
	}
	return &aggregator{
		m:      m,
		taskID: taskID,
		root:   root,
		sink:   sink,
		logger: m.logger.With(loggerv2.String("task_id", taskID)),
	}
}

// run drives one submission to its final event. It never panics and
// emits exactly one final status event.
func (a *aggregator) run(ctx context.Context, req agent.Request) {
	a.status(ctx, a2a.TaskStatus{State: a2a.TaskStateWorking}, nil, false)

	err := a.runAgent(ctx, req)
	if a.finished {
		if err != nil {
			a.logger.Warn("Agent reported an error after its final answer", loggerv2.Error(err))
		}
		return
	}
	if err == nil {
		err = agent.ErrNoFinalAnswer
	}
	if cause := context.Cause(ctx); cause != nil && errors.Is(cause, ErrTaskCanceled) {
		err = cause
	}
	a.fail(ctx, err)
}

func (a *aggregator) runAgent(ctx context.Context, req agent.Request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Agent panicked", fmt.Errorf("%v", r))
			err = fmt.Errorf("agent panicked: %v", r)
		}
	}()
	return a.m.runner.Run(ctx, req, func(rec events.Record) error {
		a.handle(ctx, rec)
		return nil
	})
}

func (a *aggregator) handle(ctx context.Context, rec events.Record) {
	if a.finished {
		a.logger.Warn("Dropping record after final answer", loggerv2.String("type", string(rec.Type)))
		return
	}
	if rec.Type != events.Reasoning {
		a.flushReasoning(ctx)
	}

	switch rec.Type {
	case events.Token:
		if rec.Content == "" {
			return
		}
		a.chunk([]a2a.Part{a2a.NewTextPart(rec.Content)}, a.turn.Len() > 0, false)
		a.turn.WriteString(rec.Content)

	case events.Reasoning:
		a.reasoning.WriteString(rec.Content)

	case events.ToolCall:
		a.turn.Reset()
		for _, call := range rec.ToolCalls {
			msg := progressMessage(events.ToolCall, renderToolCall(call), map[string]any{
				"tool":    call.Name,
				"call_id": call.ID,
			})
			a.status(ctx, a2a.TaskStatus{State: a2a.TaskStateWorking, Message: msg}, nil, false)
		}

	case events.ToolResult:
		if rec.ToolResult == nil {
			return
		}
		msg := progressMessage(events.ToolResult, renderToolResult(rec.ToolResult), map[string]any{
			"tool":     rec.ToolResult.Name,
			"call_id":  rec.ToolResult.CallID,
			"is_error": rec.ToolResult.IsError,
		})
		a.status(ctx, a2a.TaskStatus{State: a2a.TaskStateWorking, Message: msg}, nil, false)

	case events.Final:
		a.final(ctx, rec)

	default:
		a.logger.Warn("Unknown record type", loggerv2.String("type", string(rec.Type)))
	}
}

func (a *aggregator) flushReasoning(ctx context.Context) {
	if a.reasoning.Len() == 0 {
		return
	}
	msg := progressMessage(events.Reasoning, a.reasoning.String(), nil)
	a.reasoning.Reset()
	a.status(ctx, a2a.TaskStatus{State: a2a.TaskStateWorking, Message: msg}, nil, false)
}

func (a *aggregator) final(ctx context.Context, rec events.Record) {
	streamed := a.turn.String()
	remainder, appendChunk := rec.Content, false
	if streamed != "" && strings.HasPrefix(rec.Content, streamed) {
		remainder, appendChunk = rec.Content[len(streamed):], true
	}

	parts := []a2a.Part{a2a.NewTextPart(remainder)}
	if rec.Data != nil {
		parts = append(parts, a2a.NewDataPart(rec.Data))
	}
	a.chunk(parts, appendChunk, true)

	answer := a2a.Artifact{Parts: []a2a.Part{a2a.NewTextPart(rec.Content)}, Index: 0, LastChunk: true}
	if rec.Data != nil {
		answer.Parts = append(answer.Parts, a2a.NewDataPart(rec.Data))
	}
	state := a2a.TaskStateCompleted
	if rec.RequiresInput {
		state = a2a.TaskStateInputRequired
	}
	a.status(ctx, a2a.TaskStatus{State: state, Message: finalMessage(rec.Content, rec.Data)}, []a2a.Artifact{answer}, true)
}

func (a *aggregator) fail(ctx context.Context, err error) {
	a.flushReasoning(ctx)
	if a.open {
		a.chunk([]a2a.Part{a2a.NewTextPart("")}, true, true)
	}
	state, text := a2a.TaskStateFailed, "Task failed: "+err.Error()
	if errors.Is(err, ErrTaskCanceled) {
		state, text = a2a.TaskStateCanceled, "Task canceled"
		a.logger.Info("Task canceled", loggerv2.Error(err))
	} else {
		a.logger.Error("Task failed", err)
	}
	a.status(ctx, a2a.TaskStatus{State: state, Message: a2a.NewTextMessage(a2a.RoleAgent, text)}, nil, true)
}

func (a *aggregator) chunk(parts []a2a.Part, appendChunk, last bool) {
	ev := a2a.StreamEvent{Artifact: &a2a.TaskArtifactUpdateEvent{
		ID: a.taskID,
		Artifact: a2a.Artifact{
			Parts:     parts,
			Index:     0,
			Append:    appendChunk,
			LastChunk: last,
		},
	}}
	a.open = !last
	a.publish(events.TaskArtifactUpdate, ev)
}

// status persists a status change and emits it. Persistence failures are
// logged and do not stop the stream.
func (a *aggregator) status(ctx context.Context, status a2a.TaskStatus, artifacts []a2a.Artifact, final bool) {
	status.Timestamp = a.m.now()
	// The run context may already be canceled; persistence must still happen.
	if _, err := a.m.store.UpdateStatus(context.WithoutCancel(ctx), a.taskID, status, artifacts); err != nil {
		a.logger.Error("Failed to persist task status", err, loggerv2.String("state", string(status.State)))
	}
	if final {
		a.finished = true
	}
	a.publish(events.TaskStatusUpdate, a2a.StreamEvent{Status: &a2a.TaskStatusUpdateEvent{
		ID:     a.taskID,
		Status: status,
		Final:  final,
	}})
}

func (a *aggregator) publish(kind events.EventType, ev a2a.StreamEvent) {
	if a.m.emitter != nil && a.root != nil {
		a.m.emitter.Child(a.root, kind, ev)
	}
	a.sink(ev)
}

// elapsed is used for the run summary log line.
func elapsed(start time.Time) loggerv2.Field {
	return loggerv2.Duration("duration", time.Since(start))
}
