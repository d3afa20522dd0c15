// Package taskmanager implements the subscriber-facing task operations
// (send, sendSubscribe, get, cancel) on top of a task store and the agent
// runner. Errors returned by its operations are *a2a.JSONRPCError values
// ready to be put on the wire.
package taskmanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"mcpa2a/a2a"
	"mcpa2a/agent"
	"mcpa2a/events"
	loggerv2 "mcpa2a/logger/v2"
	"mcpa2a/taskstore"
)

// ErrTaskCanceled is the cancel cause of a submission stopped by
// tasks/cancel or by shutdown.
var ErrTaskCanceled = errors.New("task canceled")

const defaultStreamBuffer = 64

// Runner runs one agent submission. *agent.Runner implements it.
type Runner interface {
	Run(ctx context.Context, req agent.Request, yield func(events.Record) error) error
}

type Options struct {
	Logger  loggerv2.Logger
	Emitter *events.Emitter
	// OutputModes are the content types the agent produces. Defaults to
	// a2a.SupportedContentTypes.
	OutputModes []string
	// StreamBuffer is the capacity of subscription channels.
	StreamBuffer int
}

type runEntry struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Manager is safe for concurrent use.
type Manager struct {
	store       taskstore.Store
	runner      Runner
	emitter     *events.Emitter
	logger      loggerv2.Logger
	outputModes []string
	buffer      int
	now         func() time.Time

	mu      sync.Mutex
	running map[string]*runEntry
	closed  bool
	wg      sync.WaitGroup
}

func New(store taskstore.Store, runner Runner, opts Options) *Manager {
	m := &Manager{
		store:       store,
		runner:      runner,
		emitter:     opts.Emitter,
		logger:      loggerv2.OrNoop(opts.Logger).With(loggerv2.String("component", "taskmanager")),
		outputModes: opts.OutputModes,
		buffer:      opts.StreamBuffer,
		now:         time.Now,
		running:     make(map[string]*runEntry),
	}
	if m.outputModes == nil {
		m.outputModes = a2a.SupportedContentTypes
	}
	if m.buffer <= 0 {
		m.buffer = defaultStreamBuffer
	}
	return m
}

// OnSendTask runs a submission to completion and returns the resulting
// task.
func (m *Manager) OnSendTask(ctx context.Context, params a2a.TaskSendParams) (*a2a.Task, error) {
	sub, err := m.start(ctx, params, nil)
	if err != nil {
		return nil, err
	}
	select {
	case <-sub.done:
	case <-ctx.Done():
		return nil, a2a.ErrInternal("request canceled before the task finished")
	}
	task, err := m.store.Get(context.WithoutCancel(ctx), params.ID)
	if err != nil {
		return nil, m.storeError(params.ID, err)
	}
	return taskstore.AppendHistory(task, a2a.HistoryLimit(params.HistoryLength)), nil
}

// OnSendTaskSubscribe starts a submission and returns its event stream.
// The channel is closed after the final status event. A subscriber that
// goes away (ctx done) stops receiving events; the submission itself keeps
// running until it finishes or is canceled.
func (m *Manager) OnSendTaskSubscribe(ctx context.Context, params a2a.TaskSendParams) (<-chan a2a.StreamEvent, error) {
	out := make(chan a2a.StreamEvent, m.buffer)
	gone := false
	sink := func(ev a2a.StreamEvent) {
		if gone {
			return
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			gone = true
			m.logger.Debug("Subscriber gone, dropping events", loggerv2.String("task_id", params.ID))
		}
	}
	sub, err := m.start(ctx, params, sink)
	if err != nil {
		return nil, err
	}
	go func() {
		<-sub.done
		close(out)
	}()
	return out, nil
}

// OnGetTask returns a snapshot of the task.
func (m *Manager) OnGetTask(ctx context.Context, params a2a.TaskQueryParams) (*a2a.Task, error) {
	if params.ID == "" {
		return nil, a2a.ErrInvalidParams("id is required")
	}
	task, err := m.store.Get(ctx, params.ID)
	if err != nil {
		return nil, m.storeError(params.ID, err)
	}
	return taskstore.AppendHistory(task, a2a.HistoryLimit(params.HistoryLength)), nil
}

// OnCancelTask cancels a task that has not reached a terminal state. A
// running submission is stopped and the call waits for it to record the
// cancellation.
func (m *Manager) OnCancelTask(ctx context.Context, params a2a.TaskIDParams) (*a2a.Task, error) {
	if params.ID == "" {
		return nil, a2a.ErrInvalidParams("id is required")
	}
	task, err := m.store.Get(ctx, params.ID)
	if err != nil {
		return nil, m.storeError(params.ID, err)
	}
	if !taskstore.Cancelable(task.Status.State) {
		return nil, a2a.ErrTaskNotCancelable(params.ID)
	}

	m.mu.Lock()
	entry := m.running[params.ID]
	m.mu.Unlock()

	if entry != nil {
		entry.cancel(ErrTaskCanceled)
		select {
		case <-entry.done:
		case <-ctx.Done():
			return nil, a2a.ErrInternal("request canceled while waiting for the task to stop")
		}
		task, err = m.store.Get(ctx, params.ID)
		if err != nil {
			return nil, m.storeError(params.ID, err)
		}
		return task, nil
	}

	task, err = m.store.UpdateStatus(ctx, params.ID, a2a.TaskStatus{
		State:     a2a.TaskStateCanceled,
		Message:   a2a.NewTextMessage(a2a.RoleAgent, "Task canceled"),
		Timestamp: m.now(),
	}, nil)
	if errors.Is(err, taskstore.ErrInvalidTransition) {
		return nil, a2a.ErrTaskNotCancelable(params.ID)
	}
	if err != nil {
		return nil, m.storeError(params.ID, err)
	}
	m.logger.Info("Task canceled", loggerv2.String("task_id", params.ID))
	return task, nil
}

// Shutdown cancels every running submission and waits for them to record
// their final state, or for ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for _, entry := range m.running {
		entry.cancel(fmt.Errorf("%w: server shutting down", ErrTaskCanceled))
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running tasks: %w", ctx.Err())
	}
}

// Running returns the number of submissions in flight.
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

func (m *Manager) validate(params a2a.TaskSendParams) error {
	if params.ID == "" {
		return a2a.ErrInvalidParams("id is required")
	}
	if err := params.Message.Validate(); err != nil {
		return a2a.ErrInvalidParams(err.Error())
	}
	if !a2a.AreModalitiesCompatible(params.AcceptedOutputModes, m.outputModes) {
		m.logger.Warn("Unsupported output mode",
			loggerv2.String("task_id", params.ID),
			loggerv2.Any("accepted", params.AcceptedOutputModes))
		return a2a.ErrContentTypeNotSupported()
	}
	if params.PushNotification != nil {
		return a2a.ErrPushNotificationNotSupported()
	}
	return nil
}

// start validates params, creates or resubmits the task, registers the run
// and launches it.
func (m *Manager) start(ctx context.Context, params a2a.TaskSendParams, sink func(a2a.StreamEvent)) (*runEntry, error) {
	if err := m.validate(params); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, a2a.ErrInternal("server is shutting down")
	}
	if _, busy := m.running[params.ID]; busy {
		m.mu.Unlock()
		return nil, a2a.ErrUnsupportedOperation("task is already running")
	}
	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	entry := &runEntry{cancel: cancel, done: make(chan struct{})}
	m.running[params.ID] = entry
	m.wg.Add(1)
	m.mu.Unlock()

	task, err := m.prepare(ctx, params)
	if err != nil {
		m.release(params.ID, entry)
		return nil, err
	}

	req := agent.Request{
		Query:     messageQuery(params.Message),
		SessionID: task.SessionID,
		History:   conversation(task.History[:len(task.History)-1]),
	}

	var root *events.Event
	if m.emitter != nil {
		root = m.emitter.Start(ctx, task.ID, task.SessionID, req.Query)
	}

	go func() {
		start := time.Now()
		defer m.release(params.ID, entry)
		newAggregator(m, task.ID, root, sink).run(runCtx, req)
		if root != nil {
			m.emitter.Child(root, events.TaskEnd, nil)
		}
		m.logger.Info("Task run finished", loggerv2.String("task_id", task.ID), elapsed(start))
	}()
	return entry, nil
}

func (m *Manager) release(id string, entry *runEntry) {
	m.mu.Lock()
	if m.running[id] == entry {
		delete(m.running, id)
	}
	m.mu.Unlock()
	entry.cancel(nil)
	close(entry.done)
	m.wg.Done()
}

// prepare creates the task, or starts a new cycle on a task waiting for
// input. Tasks in any other state cannot take a new message.
func (m *Manager) prepare(ctx context.Context, params a2a.TaskSendParams) (*a2a.Task, error) {
	task, created, err := m.store.Upsert(ctx, params)
	if err != nil {
		return nil, m.storeError(params.ID, err)
	}
	if created {
		m.logger.Info("Task created", loggerv2.String("task_id", task.ID), loggerv2.String("session_id", task.SessionID))
		return task, nil
	}

	switch {
	case task.Status.State == a2a.TaskStateInputRequired:
		task, err = m.store.Resubmit(ctx, params.ID, params.Message)
		if errors.Is(err, taskstore.ErrInvalidTransition) {
			return nil, a2a.ErrUnsupportedOperation("task is no longer waiting for input")
		}
		if err != nil {
			return nil, m.storeError(params.ID, err)
		}
		m.logger.Info("Task resubmitted", loggerv2.String("task_id", task.ID))
		return task, nil
	case task.Status.State.Terminal():
		return nil, a2a.ErrUnsupportedOperation(fmt.Sprintf("task is in terminal state %s", task.Status.State))
	default:
		return nil, a2a.ErrUnsupportedOperation("task is already running")
	}
}

func (m *Manager) storeError(id string, err error) error {
	if errors.Is(err, taskstore.ErrNotFound) {
		return a2a.ErrTaskNotFound(id)
	}
	m.logger.Error("Task store failure", err, loggerv2.String("task_id", id))
	return a2a.ErrInternal(err.Error())
}

// messageQuery is the text the agent works on. Messages without text parts
// are passed on as the JSON of their data parts.
func messageQuery(msg a2a.Message) string {
	if text := msg.Text(); text != "" {
		return text
	}
	var data []map[string]any
	for _, p := range msg.Parts {
		if p.Type == a2a.PartTypeData {
			data = append(data, p.Data)
		}
	}
	if len(data) == 0 {
		return ""
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return ""
	}
	return string(raw)
}

// conversation converts task history into agent messages, skipping the
// progress notes recorded while the agent worked.
func conversation(history []a2a.Message) []agent.Message {
	out := make([]agent.Message, 0, len(history))
	for _, msg := range history {
		if isProgress(msg) {
			continue
		}
		role := agent.RoleUser
		if msg.Role == a2a.RoleAgent {
			role = agent.RoleAssistant
		}
		out = append(out, agent.Message{Role: role, Content: messageQuery(msg)})
	}
	return out
}
