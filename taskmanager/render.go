package taskmanager

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"mcpa2a/a2a"
	"mcpa2a/events"
)

const maxRenderedResult = 500

// Metadata key on status messages produced while the agent works. Such
// messages are progress notes and are left out of the conversation handed
// back to the agent.
const progressKey = "event"

// renderArgs prints object arguments as "a=2, b=3".
func renderArgs(raw []byte) string {
	args := gjson.ParseBytes(raw)
	if !args.IsObject() {
		return strings.TrimSpace(string(raw))
	}
	var parts []string
	args.ForEach(func(key, value gjson.Result) bool {
		v := value.Raw
		if value.Type == gjson.String {
			v = value.Str
		}
		parts = append(parts, key.String()+"="+v)
		return true
	})
	return strings.Join(parts, ", ")
}

func renderToolCall(call events.ToolCallRequest) string {
	return fmt.Sprintf("Calling tool %s(%s)", call.Name, renderArgs(call.Arguments))
}

func renderToolResult(res *events.ToolCallResult) string {
	text := res.Text
	if res.IsError {
		if msg := gjson.GetBytes(res.Payload, "error"); msg.Exists() {
			text = msg.String()
		}
	}
	text = truncate(text, maxRenderedResult)
	if res.IsError {
		return fmt.Sprintf("Tool %s failed: %s", res.Name, text)
	}
	return fmt.Sprintf("Tool %s returned: %s", res.Name, text)
}

func progressMessage(kind events.EventType, text string, extra map[string]any) *a2a.Message {
	msg := a2a.NewTextMessage(a2a.RoleAgent, text)
	msg.Metadata = map[string]any{progressKey: string(kind)}
	for k, v := range extra {
		msg.Metadata[k] = v
	}
	return msg
}

func isProgress(msg a2a.Message) bool {
	_, ok := msg.Metadata[progressKey]
	return ok
}

// finalMessage is the agent message closing a submission.
func finalMessage(text string, data map[string]any) *a2a.Message {
	msg := &a2a.Message{Role: a2a.RoleAgent, Parts: []a2a.Part{a2a.NewTextPart(text)}}
	if data != nil {
		msg.Parts = append(msg.Parts, a2a.NewDataPart(data))
	}
	return msg
}

// truncate cuts text to at most n bytes on a rune boundary and marks the cut.
func truncate(text string, n int) string {
	if len(text) <= n {
		return text
	}
	for n > 0 && !utf8.RuneStart(text[n]) {
		n--
	}
	return text[:n] + "..."
}
