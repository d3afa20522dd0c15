package agent

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"gopkg.in/yaml.v3"

	"mcpa2a/events"
)

//go:embed default_script.yaml
var defaultScript []byte

// Script is the YAML definition of a ScriptedModel.
//
//	token_delay: 20ms
//	scenarios:
//	  - match: "(?i)add (\\d+) and (\\d+)"
//	    turns:
//	      - text: "Let me add those."
//	        tool_calls:
//	          - name: calc_add
//	            arguments: {a: "{{1}}", b: "{{2}}"}
//	      - text: "The sum is {{tool_result}}."
//	fallback:
//	  turns:
//	    - text: "I cannot help with: {{query}}"
type Script struct {
	TokenDelayRaw string     `yaml:"token_delay"`
	Scenarios     []Scenario `yaml:"scenarios"`
	Fallback      *Scenario  `yaml:"fallback"`

	TokenDelay time.Duration `yaml:"-"`
}

// Scenario is the turn sequence played for queries matching Match.
type Scenario struct {
	Name  string       `yaml:"name"`
	Match string       `yaml:"match"`
	Turns []ScriptTurn `yaml:"turns"`

	re *regexp.Regexp
}

type ScriptTurn struct {
	Text          string           `yaml:"text"`
	Reasoning     string           `yaml:"reasoning"`
	ToolCalls     []ScriptToolCall `yaml:"tool_calls"`
	Data          map[string]any   `yaml:"data"`
	RequiresInput bool             `yaml:"requires_input"`
	// Error makes Generate fail with this message.
	Error string `yaml:"error"`
}

type ScriptToolCall struct {
	Name      string         `yaml:"name"`
	Arguments map[string]any `yaml:"arguments"`
}

// LoadScript reads a script file. An empty path loads the built-in
// calculator script.
func LoadScript(path string) (*Script, error) {
	if path == "" {
		return ParseScript(defaultScript)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return ParseScript(data)
}

// ParseScript parses and validates a YAML script.
func ParseScript(data []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	if s.TokenDelayRaw != "" {
		d, err := time.ParseDuration(s.TokenDelayRaw)
		if err != nil {
			return nil, fmt.Errorf("invalid token_delay: %w", err)
		}
		s.TokenDelay = d
	}
	if len(s.Scenarios) == 0 && s.Fallback == nil {
		return nil, fmt.Errorf("script has no scenarios")
	}
	for i := range s.Scenarios {
		sc := &s.Scenarios[i]
		if sc.Name == "" {
			sc.Name = fmt.Sprintf("scenario-%d", i+1)
		}
		if len(sc.Turns) == 0 {
			return nil, fmt.Errorf("%s: no turns", sc.Name)
		}
		re, err := regexp.Compile(sc.Match)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid match: %w", sc.Name, err)
		}
		sc.re = re
	}
	if s.Fallback != nil {
		if s.Fallback.Name == "" {
			s.Fallback.Name = "fallback"
		}
		if len(s.Fallback.Turns) == 0 {
			return nil, fmt.Errorf("fallback: no turns")
		}
	}
	return &s, nil
}

// ScriptedModel replays a Script. It streams text word by word and is safe
// for concurrent use.
type ScriptedModel struct {
	script *Script
}

func NewScriptedModel(script *Script) *ScriptedModel {
	return &ScriptedModel{script: script}
}

// scenario returns the first scenario matching query with its placeholder
// values: {{query}}, then {{1}}.. and {{name}} for the match groups.
func (m *ScriptedModel) scenario(query string) (*Scenario, map[string]string) {
	vars := map[string]string{"query": query}
	for i := range m.script.Scenarios {
		sc := &m.script.Scenarios[i]
		groups := sc.re.FindStringSubmatch(query)
		if groups == nil {
			continue
		}
		for j, name := range sc.re.SubexpNames() {
			if j == 0 {
				continue
			}
			vars[strconv.Itoa(j)] = groups[j]
			if name != "" {
				vars[name] = groups[j]
			}
		}
		return sc, vars
	}
	return m.script.Fallback, vars
}

var placeholder = regexp.MustCompile(`\{\{(\w+)\}\}`)

func expand(s string, vars map[string]string) string {
	return placeholder.ReplaceAllStringFunc(s, func(p string) string {
		if v, ok := vars[p[2:len(p)-2]]; ok {
			return v
		}
		return p
	})
}

// expandValue substitutes placeholders inside argument values. A string
// that is a single placeholder resolving to a number becomes that number.
func expandValue(v any, vars map[string]string) any {
	switch x := v.(type) {
	case string:
		out := expand(x, vars)
		if placeholder.FindString(x) == x && out != x {
			if n, err := strconv.ParseFloat(strings.TrimSpace(out), 64); err == nil {
				return n
			}
		}
		return out
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, e := range x {
			m[k] = expandValue(e, vars)
		}
		return m
	case []any:
		l := make([]any, len(x))
		for i, e := range x {
			l[i] = expandValue(e, vars)
		}
		return l
	default:
		return v
	}
}

// Generate picks the scenario matching the current query and plays the
// turn at the position given by the assistant turns already taken for it.
func (m *ScriptedModel) Generate(ctx context.Context, conv []Message, _ []mcp.Tool, stream Stream) (Turn, error) {
	query, index, lastTool := cycleState(conv)
	sc, vars := m.scenario(query)
	if sc == nil {
		return Turn{}, fmt.Errorf("no scenario matches %q", query)
	}
	if index >= len(sc.Turns) {
		return Turn{}, fmt.Errorf("%s: no turn %d", sc.Name, index+1)
	}
	st := sc.Turns[index]
	if st.Error != "" {
		return Turn{}, fmt.Errorf("%s", st.Error)
	}

	vars["tool_result"] = lastTool

	reasoning := expand(st.Reasoning, vars)
	if err := m.play(ctx, reasoning, stream.reasoning); err != nil {
		return Turn{}, err
	}
	text := expand(st.Text, vars)
	if err := m.play(ctx, text, stream.token); err != nil {
		return Turn{}, err
	}

	turn := Turn{Text: text, Reasoning: reasoning, RequiresInput: st.RequiresInput}
	if st.Data != nil {
		turn.Data = expandValue(st.Data, vars).(map[string]any)
	}
	for _, tc := range st.ToolCalls {
		args := map[string]any{}
		if tc.Arguments != nil {
			args = expandValue(tc.Arguments, vars).(map[string]any)
		}
		raw, err := json.Marshal(args)
		if err != nil {
			return Turn{}, fmt.Errorf("%s: encode arguments for %s: %w", sc.Name, tc.Name, err)
		}
		turn.ToolCalls = append(turn.ToolCalls, events.ToolCallRequest{Name: tc.Name, Arguments: raw})
	}
	return turn, nil
}

func (m *ScriptedModel) play(ctx context.Context, text string, emit func(string) error) error {
	for _, word := range strings.SplitAfter(text, " ") {
		if word == "" {
			continue
		}
		if m.script.TokenDelay > 0 {
			select {
			case <-ctx.Done():
				return context.Cause(ctx)
			case <-time.After(m.script.TokenDelay):
			}
		}
		if err := emit(word); err != nil {
			return err
		}
	}
	return nil
}

// cycleState walks the conversation backwards to the user message that
// opened the current cycle. A user message directly after a tool result is
// a note within the cycle, not a new query.
func cycleState(conv []Message) (query string, assistantTurns int, lastTool string) {
	toolSeen := false
	for i := len(conv) - 1; i >= 0; i-- {
		msg := conv[i]
		switch msg.Role {
		case RoleTool:
			if !toolSeen {
				lastTool = msg.Content
				toolSeen = true
			}
		case RoleAssistant:
			assistantTurns++
		case RoleUser:
			if i > 0 && conv[i-1].Role == RoleTool {
				continue
			}
			return msg.Content, assistantTurns, lastTool
		}
	}
	return "", assistantTurns, lastTool
}
