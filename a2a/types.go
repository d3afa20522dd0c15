// Package a2a defines the task protocol exchanged with remote callers:
// tasks, messages, artifacts, streaming events and the JSON-RPC envelope.
package a2a

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TaskState is the lifecycle position of a task.
type TaskState string

const (
	TaskStateSubmitted     TaskState = "submitted"
	TaskStateWorking       TaskState = "working"
	TaskStateInputRequired TaskState = "input-required"
	TaskStateCompleted     TaskState = "completed"
	TaskStateCanceled      TaskState = "canceled"
	TaskStateFailed        TaskState = "failed"
	TaskStateUnknown       TaskState = "unknown"
)

// Terminal reports whether no further transition is possible.
func (s TaskState) Terminal() bool {
	return s == TaskStateCompleted || s == TaskStateFailed || s == TaskStateCanceled
}

// Role identifies the author of a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// PartType discriminates message and artifact parts.
type PartType string

const (
	PartTypeText PartType = "text"
	PartTypeData PartType = "data"
	PartTypeFile PartType = "file"
)

// Part is one piece of content. Exactly the field matching Type is set.
type Part struct {
	Type     PartType       `json:"type"`
	Text     string         `json:"text,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	File     *FileContent   `json:"file,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// FileContent carries a file inline (base64 bytes) or by reference.
type FileContent struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Bytes    string `json:"bytes,omitempty"`
	URI      string `json:"uri,omitempty"`
}

// NewTextPart returns a text part.
func NewTextPart(text string) Part {
	return Part{Type: PartTypeText, Text: text}
}

// NewDataPart returns a structured data part.
func NewDataPart(data map[string]any) Part {
	return Part{Type: PartTypeData, Data: data}
}

// Message is one conversational turn.
type Message struct {
	Role     Role           `json:"role"`
	Parts    []Part         `json:"parts"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewTextMessage returns a message with a single text part.
func NewTextMessage(role Role, text string) *Message {
	return &Message{Role: role, Parts: []Part{NewTextPart(text)}}
}

// Text joins the message's text parts.
func (m *Message) Text() string {
	if m == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartTypeText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Validate checks that the message can be handed to the agent.
func (m *Message) Validate() error {
	if m == nil {
		return fmt.Errorf("message is required")
	}
	if m.Role != RoleUser && m.Role != RoleAgent {
		return fmt.Errorf("invalid role %q", m.Role)
	}
	if len(m.Parts) == 0 {
		return fmt.Errorf("message has no parts")
	}
	return nil
}

// TaskStatus is the current state of a task plus an optional message.
type TaskStatus struct {
	State     TaskState `json:"state"`
	Message   *Message  `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Artifact is answer content. When streamed, Index, Append and LastChunk
// describe how a chunk extends the artifact at that index.
type Artifact struct {
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Parts       []Part         `json:"parts"`
	Index       int            `json:"index"`
	Append      bool           `json:"append"`
	LastChunk   bool           `json:"lastChunk"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Text joins the artifact's text parts.
func (a Artifact) Text() string {
	var b strings.Builder
	for _, p := range a.Parts {
		if p.Type == PartTypeText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Task is the unit of agent work.
type Task struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId"`
	Status    TaskStatus     `json:"status"`
	Artifacts []Artifact     `json:"artifacts,omitempty"`
	History   []Message      `json:"history,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// TaskStatusUpdateEvent reports a status change. Final marks the last
// event of a submission.
type TaskStatusUpdateEvent struct {
	ID       string         `json:"id"`
	Status   TaskStatus     `json:"status"`
	Final    bool           `json:"final"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TaskArtifactUpdateEvent carries one artifact chunk.
type TaskArtifactUpdateEvent struct {
	ID       string         `json:"id"`
	Artifact Artifact       `json:"artifact"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// StreamEvent is either a status update or an artifact update.
type StreamEvent struct {
	Status   *TaskStatusUpdateEvent
	Artifact *TaskArtifactUpdateEvent
}

// IsFinal reports whether the event ends the stream.
func (e StreamEvent) IsFinal() bool {
	return e.Status != nil && e.Status.Final
}

// TaskID returns the id of the task the event belongs to.
func (e StreamEvent) TaskID() string {
	switch {
	case e.Status != nil:
		return e.Status.ID
	case e.Artifact != nil:
		return e.Artifact.ID
	default:
		return ""
	}
}

func (e StreamEvent) MarshalJSON() ([]byte, error) {
	switch {
	case e.Status != nil:
		return json.Marshal(e.Status)
	case e.Artifact != nil:
		return json.Marshal(e.Artifact)
	default:
		return []byte("null"), nil
	}
}

func (e *StreamEvent) UnmarshalJSON(data []byte) error {
	var probe struct {
		Artifact json.RawMessage `json:"artifact"`
		Status   json.RawMessage `json:"status"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	switch {
	case len(probe.Artifact) > 0:
		e.Artifact = new(TaskArtifactUpdateEvent)
		return json.Unmarshal(data, e.Artifact)
	case len(probe.Status) > 0:
		e.Status = new(TaskStatusUpdateEvent)
		return json.Unmarshal(data, e.Status)
	default:
		return fmt.Errorf("stream event has neither status nor artifact")
	}
}

// PushNotificationConfig is accepted on the wire but not supported.
type PushNotificationConfig struct {
	URL   string `json:"url"`
	Token string `json:"token,omitempty"`
}

// TaskSendParams are the parameters of tasks/send and tasks/sendSubscribe.
type TaskSendParams struct {
	ID                  string                  `json:"id"`
	SessionID           string                  `json:"sessionId,omitempty"`
	Message             Message                 `json:"message"`
	AcceptedOutputModes []string                `json:"acceptedOutputModes,omitempty"`
	PushNotification    *PushNotificationConfig `json:"pushNotification,omitempty"`
	HistoryLength       *int                    `json:"historyLength,omitempty"`
	Metadata            map[string]any          `json:"metadata,omitempty"`
}

// TaskQueryParams are the parameters of tasks/get.
type TaskQueryParams struct {
	ID            string         `json:"id"`
	HistoryLength *int           `json:"historyLength,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// TaskIDParams are the parameters of tasks/cancel.
type TaskIDParams struct {
	ID       string         `json:"id"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// HistoryLimit returns the requested history length, 0 meaning all.
func HistoryLimit(n *int) int {
	if n == nil || *n < 0 {
		return 0
	}
	return *n
}

// AreModalitiesCompatible reports whether a caller accepting accepted can
// be served by an agent producing supported. An empty list on either side
// accepts anything.
func AreModalitiesCompatible(accepted, supported []string) bool {
	if len(accepted) == 0 || len(supported) == 0 {
		return true
	}
	for _, a := range accepted {
		for _, s := range supported {
			if a == s {
				return true
			}
		}
	}
	return false
}
