package mcpclient

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	loggerv2 "mcpa2a/logger/v2"
)

// Tool is one entry of a server's tools/list result. The input schema is
// kept raw so it can be forwarded unchanged.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// MCP converts the tool to the mcp-go representation under the given name.
func (t Tool) MCP(name string) mcp.Tool {
	schema := t.InputSchema
	if len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return mcp.NewToolWithRawSchema(name, t.Description, schema)
}

// PrintTools displays tools in a detailed, human-readable format (Debug level only)
func PrintTools(tools []Tool, logger loggerv2.Logger) {
	logger.Debug("Available tools", loggerv2.Int("count", len(tools)))
	for i, tool := range tools {
		logger.Debug("Tool",
			loggerv2.Int("index", i+1),
			loggerv2.String("name", tool.Name),
			loggerv2.String("description", tool.Description))
	}
}

// ResultText renders a raw tools/call result as text: the text parts of its
// content joined by newlines, with non-text parts summarized. Payloads that
// are not tool results are returned as compact JSON.
func ResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	result, err := mcp.ParseCallToolResult(&raw)
	if err != nil {
		return string(raw)
	}

	var parts []string
	for _, content := range result.Content {
		switch c := content.(type) {
		case mcp.TextContent:
			parts = append(parts, c.Text)
		case *mcp.TextContent:
			parts = append(parts, c.Text)
		case mcp.ImageContent:
			parts = append(parts, fmt.Sprintf("[image %s]", c.MIMEType))
		case *mcp.ImageContent:
			parts = append(parts, fmt.Sprintf("[image %s]", c.MIMEType))
		case mcp.EmbeddedResource:
			parts = append(parts, "[embedded resource]")
		case *mcp.EmbeddedResource:
			parts = append(parts, "[embedded resource]")
		default:
			data, _ := json.Marshal(content)
			parts = append(parts, string(data))
		}
	}
	text := strings.Join(parts, "\n")
	if result.IsError && text != "" {
		return "Error: " + text
	}
	return text
}

// ResultIsError reports whether a raw tools/call result carries isError.
func ResultIsError(raw json.RawMessage) bool {
	var probe struct {
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return probe.IsError
}
