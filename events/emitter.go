package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	loggerv2 "mcpa2a/logger/v2"
)

// Event is what observers receive: one task-level occurrence with its
// payload (typically an a2a stream event).
type Event struct {
	Type       EventType `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	EventIndex int64     `json:"event_index"`
	TraceID    string    `json:"trace_id,omitempty"`
	SpanID     string    `json:"span_id,omitempty"`
	ParentID   string    `json:"parent_id,omitempty"`
	TaskID     string    `json:"task_id"`
	SessionID  string    `json:"session_id,omitempty"`
	Component  string    `json:"component,omitempty"`
	Data       any       `json:"data,omitempty"`
}

// EventObserver interface for event consumers
type EventObserver interface {
	OnEvent(event *Event)
}

// ObserverFunc adapts a function to EventObserver.
type ObserverFunc func(event *Event)

func (f ObserverFunc) OnEvent(event *Event) { f(event) }

// Emitter fans task events out to observers and tracks which task runs
// are still open.
type Emitter struct {
	mu        sync.RWMutex
	observers []EventObserver
	active    map[string]*Event // taskID -> root event
	completed map[string]bool   // taskID -> last run finished
	index     atomic.Int64
}

// NewEmitter creates a new event emitter
func NewEmitter() *Emitter {
	return &Emitter{
		active:    make(map[string]*Event),
		completed: make(map[string]bool),
	}
}

// AddObserver adds an event observer
func (e *Emitter) AddObserver(observer EventObserver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, observer)
}

// Start opens a run for taskID and emits its root event.
func (e *Emitter) Start(ctx context.Context, taskID, sessionID string, data any) *Event {
	id := uuid.NewString()
	root := &Event{
		Type:      TaskStart,
		Timestamp: time.Now(),
		TraceID:   TraceIDFrom(ctx),
		SpanID:    id,
		TaskID:    taskID,
		SessionID: sessionID,
		Component: "task",
		Data:      data,
	}
	if root.TraceID == "" {
		root.TraceID = id
	}

	e.mu.Lock()
	e.active[taskID] = root
	delete(e.completed, taskID)
	e.mu.Unlock()

	e.Emit(root)
	return root
}

// Child emits an event below parent.
func (e *Emitter) Child(parent *Event, eventType EventType, data any) *Event {
	ev := &Event{
		Type:      eventType,
		Timestamp: time.Now(),
		TraceID:   parent.TraceID,
		SpanID:    uuid.NewString(),
		ParentID:  parent.SpanID,
		TaskID:    parent.TaskID,
		SessionID: parent.SessionID,
		Component: componentFor(eventType),
		Data:      data,
	}
	if eventType == TaskEnd {
		e.mu.Lock()
		delete(e.active, parent.TaskID)
		e.completed[parent.TaskID] = true
		e.mu.Unlock()
	}
	e.Emit(ev)
	return ev
}

// Emit sends an event to all observers
func (e *Emitter) Emit(event *Event) {
	event.EventIndex = e.index.Add(1)

	e.mu.RLock()
	observers := e.observers
	e.mu.RUnlock()

	for _, observer := range observers {
		observer.OnEvent(event)
	}
}

// ActiveTasks returns the ids of tasks with an open run.
func (e *Emitter) ActiveTasks() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	return ids
}

// IsCompleted reports whether the latest run of taskID has ended.
func (e *Emitter) IsCompleted(taskID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.completed[taskID]
}

// LogObserver logs every event at debug level.
func LogObserver(logger loggerv2.Logger) EventObserver {
	logger = loggerv2.OrNoop(logger)
	return ObserverFunc(func(ev *Event) {
		logger.Debug("Task event",
			loggerv2.String("type", string(ev.Type)),
			loggerv2.String("task_id", ev.TaskID),
			loggerv2.Int64("event_index", ev.EventIndex))
	})
}

func componentFor(t EventType) string {
	switch t {
	case TaskArtifactUpdate:
		return "artifact"
	case TaskStatusUpdate, TaskStart, TaskEnd:
		return "task"
	default:
		return "agent"
	}
}

type traceKey struct{}

// WithTraceID attaches a trace id to ctx.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

// TraceIDFrom returns the trace id attached to ctx, if any.
func TraceIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(traceKey{}).(string); ok {
		return id
	}
	return ""
}
