package events

import (
	"encoding/json"
	"time"
)

// EventType names both the records of the agent execution stream and the
// task events published to observers.
type EventType string

// Agent execution stream records, in the order an agent turn produces them.
const (
	Token      EventType = "token"
	Reasoning  EventType = "reasoning"
	ToolCall   EventType = "tool_call"
	ToolResult EventType = "tool_result"
	Final      EventType = "final"
)

// Task events published by the task manager.
const (
	TaskStart          EventType = "task_start"
	TaskStatusUpdate   EventType = "task_status_update"
	TaskArtifactUpdate EventType = "task_artifact_update"
	TaskEnd            EventType = "task_end"
)

// ToolCallRequest is one call announced by the model.
type ToolCallRequest struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolCallResult is the outcome of one dispatched call.
type ToolCallResult struct {
	CallID   string          `json:"call_id"`
	Name     string          `json:"name"`
	Payload  json.RawMessage `json:"payload"`
	Text     string          `json:"text"`
	IsError  bool            `json:"is_error,omitempty"`
	Duration time.Duration   `json:"duration"`
}

// Record is one tagged item of the agent execution stream.
type Record struct {
	Type    EventType `json:"type"`
	Content string    `json:"content,omitempty"`
	// Data is structured output attached to a final record.
	Data       map[string]any    `json:"data,omitempty"`
	ToolCalls  []ToolCallRequest `json:"tool_calls,omitempty"`
	ToolResult *ToolCallResult   `json:"tool_result,omitempty"`
	// RequiresInput is the declared result kind of a final record asking the
	// caller for more input.
	RequiresInput  bool `json:"requires_input,omitempty"`
	IsTaskComplete bool `json:"is_task_complete"`
}

func NewToken(text string) Record {
	return Record{Type: Token, Content: text}
}

func NewReasoning(text string) Record {
	return Record{Type: Reasoning, Content: text}
}

func NewToolCall(text string, calls []ToolCallRequest) Record {
	return Record{Type: ToolCall, Content: text, ToolCalls: calls}
}

func NewToolResult(res ToolCallResult) Record {
	return Record{Type: ToolResult, ToolResult: &res}
}

// NewFinal returns the terminal record of a run.
func NewFinal(text string, data map[string]any, requiresInput bool) Record {
	return Record{
		Type:           Final,
		Content:        text,
		Data:           data,
		RequiresInput:  requiresInput,
		IsTaskComplete: !requiresInput,
	}
}
