package taskmanager

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpa2a/a2a"
	"mcpa2a/agent"
	"mcpa2a/catalog"
	"mcpa2a/events"
	"mcpa2a/taskstore"
)

type runnerFunc func(ctx context.Context, req agent.Request, yield func(events.Record) error) error

func (f runnerFunc) Run(ctx context.Context, req agent.Request, yield func(events.Record) error) error {
	return f(ctx, req, yield)
}

func yieldAll(yield func(events.Record) error, recs ...events.Record) error {
	for _, r := range recs {
		if err := yield(r); err != nil {
			return err
		}
	}
	return nil
}

func newManager(t *testing.T, r Runner) (*Manager, taskstore.Store) {
	t.Helper()
	store := taskstore.NewMemoryStore()
	m := New(store, r, Options{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m, store
}

func params(id, text string) a2a.TaskSendParams {
	return a2a.TaskSendParams{
		ID:        id,
		SessionID: "S-" + id,
		Message:   *a2a.NewTextMessage(a2a.RoleUser, text),
	}
}

func drain(t *testing.T, ch <-chan a2a.StreamEvent) []a2a.StreamEvent {
	t.Helper()
	var out []a2a.StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("stream did not close, got %d events", len(out))
		}
	}
}

// applyChunks rebuilds artifact 0 the way a client would.
func applyChunks(evs []a2a.StreamEvent) (text string, lastChunks int) {
	var b strings.Builder
	for _, ev := range evs {
		if ev.Artifact == nil {
			continue
		}
		if !ev.Artifact.Artifact.Append {
			b.Reset()
		}
		b.WriteString(ev.Artifact.Artifact.Text())
		if ev.Artifact.Artifact.LastChunk {
			lastChunks++
		}
	}
	return b.String(), lastChunks
}

func finals(evs []a2a.StreamEvent) int {
	n := 0
	for _, ev := range evs {
		if ev.IsFinal() {
			n++
		}
	}
	return n
}

func rpcCode(t *testing.T, err error) int {
	t.Helper()
	var rpcErr *a2a.JSONRPCError
	require.True(t, errors.As(err, &rpcErr), "expected JSON-RPC error, got %v", err)
	return rpcErr.Code
}

func calcRunner() runnerFunc {
	return func(_ context.Context, _ agent.Request, yield func(events.Record) error) error {
		return yieldAll(yield,
			events.NewReasoning("need "),
			events.NewReasoning("a tool"),
			events.NewToken("Let me "),
			events.NewToken("add."),
			events.NewToolCall("Let me add.", []events.ToolCallRequest{{ID: "c1", Name: "calc_add", Arguments: json.RawMessage(`{"a":2,"b":3}`)}}),
			events.NewToolResult(events.ToolCallResult{CallID: "c1", Name: "calc_add", Text: "5"}),
			events.NewToken("2 + 3 "),
			events.NewToken("= 5"),
			events.NewFinal("2 + 3 = 5", nil, false),
		)
	}
}

func TestSendTask_Completes(t *testing.T) {
	m, _ := newManager(t, calcRunner())
	task, err := m.OnSendTask(context.Background(), params("T1", "what is 2 + 3"))
	require.NoError(t, err)

	assert.Equal(t, a2a.TaskStateCompleted, task.Status.State)
	assert.Equal(t, "2 + 3 = 5", task.Status.Message.Text())
	require.Len(t, task.Artifacts, 1)
	assert.Equal(t, "2 + 3 = 5", task.Artifacts[0].Text())

	var texts []string
	for _, msg := range task.History {
		texts = append(texts, msg.Text())
	}
	assert.Equal(t, []string{
		"what is 2 + 3",
		"need a tool",
		"Calling tool calc_add(a=2, b=3)",
		"Tool calc_add returned: 5",
		"2 + 3 = 5",
	}, texts)
	assert.Equal(t, "tool_call", task.History[2].Metadata[progressKey])
	assert.Equal(t, 0, m.Running())
}

func TestSendTaskSubscribe_EventOrder(t *testing.T) {
	m, _ := newManager(t, calcRunner())
	ch, err := m.OnSendTaskSubscribe(context.Background(), params("T1", "what is 2 + 3"))
	require.NoError(t, err)
	evs := drain(t, ch)

	require.NotEmpty(t, evs)
	require.NotNil(t, evs[0].Status)
	assert.Equal(t, a2a.TaskStateWorking, evs[0].Status.Status.State)
	assert.Nil(t, evs[0].Status.Status.Message)

	assert.Equal(t, 1, finals(evs))
	last := evs[len(evs)-1]
	require.NotNil(t, last.Status)
	assert.True(t, last.Status.Final)
	assert.Equal(t, a2a.TaskStateCompleted, last.Status.Status.State)

	text, lastChunks := applyChunks(evs)
	assert.Equal(t, "2 + 3 = 5", text)
	assert.Equal(t, 1, lastChunks)

	var chunks []a2a.Artifact
	for _, ev := range evs {
		assert.Equal(t, "T1", ev.TaskID())
		if ev.Artifact != nil {
			chunks = append(chunks, ev.Artifact.Artifact)
		}
	}
	require.Len(t, chunks, 5)
	assert.False(t, chunks[0].Append)
	assert.True(t, chunks[1].Append)
	assert.False(t, chunks[2].Append, "first token after a tool call starts a fresh artifact")
	assert.True(t, chunks[4].LastChunk)
	assert.Equal(t, "", chunks[4].Text())
}

func TestArtifactReconstructionProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("chunks rebuild the final answer exactly once", prop.ForAll(
		func(turns [][]string, suffix string, mismatch bool) bool {
			if len(turns) == 0 {
				turns = [][]string{nil}
			}
			answer := strings.Join(turns[len(turns)-1], "") + suffix
			if mismatch {
				answer = "#" + answer
			}
			r := runnerFunc(func(_ context.Context, _ agent.Request, yield func(events.Record) error) error {
				for i, tokens := range turns {
					for _, tok := range tokens {
						_ = yield(events.NewToken(tok))
					}
					if i < len(turns)-1 {
						_ = yield(events.NewToolCall("", []events.ToolCallRequest{{ID: "c", Name: "x_y"}}))
						_ = yield(events.NewToolResult(events.ToolCallResult{CallID: "c", Name: "x_y", Text: "ok"}))
					}
				}
				return yield(events.NewFinal(answer, nil, false))
			})
			m := New(taskstore.NewMemoryStore(), r, Options{})
			ch, err := m.OnSendTaskSubscribe(context.Background(), params("T", "q"))
			if err != nil {
				return false
			}
			evs := drain(t, ch)
			text, lastChunks := applyChunks(evs)
			if text != answer || lastChunks != 1 || finals(evs) != 1 {
				return false
			}
			if !evs[len(evs)-1].IsFinal() {
				return false
			}
			task, err := m.OnGetTask(context.Background(), a2a.TaskQueryParams{ID: "T"})
			return err == nil && len(task.Artifacts) == 1 && task.Artifacts[0].Text() == answer
		},
		gen.SliceOf(gen.SliceOf(gen.AlphaString())),
		gen.AlphaString(),
		gen.Bool(),
	))
	properties.TestingRun(t)
}

func TestFailures_EndWithOneFinalEvent(t *testing.T) {
	cases := map[string]struct {
		runner  runnerFunc
		message string
	}{
		"error": {
			runner: func(_ context.Context, _ agent.Request, yield func(events.Record) error) error {
				_ = yield(events.NewToken("partial"))
				return errors.New("model unavailable")
			},
			message: "Task failed: model unavailable",
		},
		"panic": {
			runner: func(_ context.Context, _ agent.Request, yield func(events.Record) error) error {
				_ = yield(events.NewToken("partial"))
				panic("boom")
			},
			message: "Task failed: agent panicked: boom",
		},
		"no final": {
			runner: func(_ context.Context, _ agent.Request, yield func(events.Record) error) error {
				return yield(events.NewToken("partial"))
			},
			message: "Task failed: " + agent.ErrNoFinalAnswer.Error(),
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			m, store := newManager(t, tc.runner)
			ch, err := m.OnSendTaskSubscribe(context.Background(), params("T1", "q"))
			require.NoError(t, err)
			evs := drain(t, ch)

			assert.Equal(t, 1, finals(evs))
			last := evs[len(evs)-1]
			require.NotNil(t, last.Status)
			assert.Equal(t, a2a.TaskStateFailed, last.Status.Status.State)
			assert.Equal(t, tc.message, last.Status.Status.Message.Text())

			closing := evs[len(evs)-2]
			require.NotNil(t, closing.Artifact)
			assert.True(t, closing.Artifact.Artifact.LastChunk)
			assert.True(t, closing.Artifact.Artifact.Append)
			assert.Empty(t, closing.Artifact.Artifact.Text())

			task, err := store.Get(context.Background(), "T1")
			require.NoError(t, err)
			assert.Equal(t, a2a.TaskStateFailed, task.Status.State)
		})
	}
}

func TestCancelRunningTask(t *testing.T) {
	started := make(chan struct{})
	r := runnerFunc(func(ctx context.Context, _ agent.Request, yield func(events.Record) error) error {
		_ = yield(events.NewToken("thinking"))
		close(started)
		<-ctx.Done()
		return context.Cause(ctx)
	})
	m, _ := newManager(t, r)
	ch, err := m.OnSendTaskSubscribe(context.Background(), params("T1", "long job"))
	require.NoError(t, err)
	<-started

	task, err := m.OnCancelTask(context.Background(), a2a.TaskIDParams{ID: "T1"})
	require.NoError(t, err)
	assert.Equal(t, a2a.TaskStateCanceled, task.Status.State)

	evs := drain(t, ch)
	assert.Equal(t, 1, finals(evs))
	assert.Equal(t, a2a.TaskStateCanceled, evs[len(evs)-1].Status.Status.State)

	_, err = m.OnCancelTask(context.Background(), a2a.TaskIDParams{ID: "T1"})
	assert.Equal(t, a2a.CodeTaskNotCancelable, rpcCode(t, err))

	_, err = m.OnCancelTask(context.Background(), a2a.TaskIDParams{ID: "nope"})
	assert.Equal(t, a2a.CodeTaskNotFound, rpcCode(t, err))
}

func TestInputRequiredThenResubmit(t *testing.T) {
	var mu sync.Mutex
	var requests []agent.Request
	r := runnerFunc(func(_ context.Context, req agent.Request, yield func(events.Record) error) error {
		mu.Lock()
		requests = append(requests, req)
		n := len(requests)
		mu.Unlock()
		if n == 1 {
			return yieldAll(yield,
				events.NewToolCall("", []events.ToolCallRequest{{ID: "c", Name: "calc_add"}}),
				events.NewToolResult(events.ToolCallResult{CallID: "c", Name: "calc_add", Text: "?"}),
				events.NewFinal("Which numbers?", map[string]any{"missing": "operands"}, true))
		}
		return yield(events.NewFinal("5", nil, false))
	})
	m, _ := newManager(t, r)

	task, err := m.OnSendTask(context.Background(), params("T1", "calculate"))
	require.NoError(t, err)
	assert.Equal(t, a2a.TaskStateInputRequired, task.Status.State)
	require.Len(t, task.Status.Message.Parts, 2)
	assert.Equal(t, "operands", task.Status.Message.Parts[1].Data["missing"])

	task, err = m.OnSendTask(context.Background(), params("T1", "2 + 3"))
	require.NoError(t, err)
	assert.Equal(t, a2a.TaskStateCompleted, task.Status.State)

	require.Len(t, requests, 2)
	assert.Equal(t, "2 + 3", requests[1].Query)
	assert.Equal(t, []agent.Message{
		{Role: agent.RoleUser, Content: "calculate"},
		{Role: agent.RoleAssistant, Content: "Which numbers?"},
	}, requests[1].History)

	_, err = m.OnSendTask(context.Background(), params("T1", "again"))
	assert.Equal(t, a2a.CodeUnsupportedOperation, rpcCode(t, err))
}

func TestSendTask_RejectsBadRequests(t *testing.T) {
	m, _ := newManager(t, calcRunner())
	ctx := context.Background()

	p := params("T1", "x")
	p.AcceptedOutputModes = []string{"image/png"}
	_, err := m.OnSendTask(ctx, p)
	assert.Equal(t, a2a.CodeContentTypeNotSupported, rpcCode(t, err))

	p = params("T1", "x")
	p.PushNotification = &a2a.PushNotificationConfig{URL: "http://example.invalid"}
	_, err = m.OnSendTask(ctx, p)
	assert.Equal(t, a2a.CodePushNotificationNotSupported, rpcCode(t, err))

	_, err = m.OnSendTask(ctx, params("", "x"))
	assert.Equal(t, a2a.CodeInvalidParams, rpcCode(t, err))

	_, err = m.OnSendTask(ctx, a2a.TaskSendParams{ID: "T2"})
	assert.Equal(t, a2a.CodeInvalidParams, rpcCode(t, err))

	_, err = m.OnGetTask(ctx, a2a.TaskQueryParams{ID: "T1"})
	assert.Equal(t, a2a.CodeTaskNotFound, rpcCode(t, err))
}

func TestSendTask_RunningTaskRejectsNewMessage(t *testing.T) {
	release := make(chan struct{})
	r := runnerFunc(func(_ context.Context, _ agent.Request, yield func(events.Record) error) error {
		<-release
		return yield(events.NewFinal("done", nil, false))
	})
	m, _ := newManager(t, r)
	ch, err := m.OnSendTaskSubscribe(context.Background(), params("T1", "first"))
	require.NoError(t, err)

	_, err = m.OnSendTaskSubscribe(context.Background(), params("T1", "second"))
	assert.Equal(t, a2a.CodeUnsupportedOperation, rpcCode(t, err))

	close(release)
	drain(t, ch)
}

func TestGetTask_HistoryLength(t *testing.T) {
	m, _ := newManager(t, calcRunner())
	_, err := m.OnSendTask(context.Background(), params("T1", "what is 2 + 3"))
	require.NoError(t, err)

	one := 1
	task, err := m.OnGetTask(context.Background(), a2a.TaskQueryParams{ID: "T1", HistoryLength: &one})
	require.NoError(t, err)
	require.Len(t, task.History, 1)
	assert.Equal(t, "2 + 3 = 5", task.History[0].Text())
}

func TestEmitterSeesEveryEvent(t *testing.T) {
	emitter := events.NewEmitter()
	var mu sync.Mutex
	var seen []*events.Event
	emitter.AddObserver(events.ObserverFunc(func(ev *events.Event) {
		mu.Lock()
		seen = append(seen, ev)
		mu.Unlock()
	}))

	m := New(taskstore.NewMemoryStore(), calcRunner(), Options{Emitter: emitter})
	ch, err := m.OnSendTaskSubscribe(context.Background(), params("T1", "what is 2 + 3"))
	require.NoError(t, err)
	evs := drain(t, ch)

	require.Eventually(t, func() bool { return emitter.IsCompleted("T1") }, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, len(evs)+2)
	assert.Equal(t, events.TaskStart, seen[0].Type)
	assert.Equal(t, events.TaskEnd, seen[len(seen)-1].Type)
	for i, ev := range evs {
		assert.Equal(t, ev, seen[i+1].Data)
	}
}

func TestShutdownCancelsRunningTasks(t *testing.T) {
	r := runnerFunc(func(ctx context.Context, _ agent.Request, _ func(events.Record) error) error {
		<-ctx.Done()
		return context.Cause(ctx)
	})
	store := taskstore.NewMemoryStore()
	m := New(store, r, Options{})
	ch, err := m.OnSendTaskSubscribe(context.Background(), params("T1", "q"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	evs := drain(t, ch)
	assert.Equal(t, a2a.TaskStateCanceled, evs[len(evs)-1].Status.Status.State)

	_, err = m.OnSendTask(context.Background(), params("T2", "q"))
	assert.Equal(t, a2a.CodeInternalError, rpcCode(t, err))
}

type scriptDispatcher struct{}

func (scriptDispatcher) Dispatch(_ context.Context, name string, _ json.RawMessage) catalog.Outcome {
	payload, _ := json.Marshal(map[string]any{"content": []map[string]any{{"type": "text", "text": "5"}}})
	return catalog.Outcome{Name: name, Payload: payload}
}

func (scriptDispatcher) Definitions() []mcp.Tool { return nil }

func TestWithScriptedAgent(t *testing.T) {
	script, err := agent.LoadScript("")
	require.NoError(t, err)
	script.TokenDelay = 0
	runner := agent.NewRunner(agent.NewScriptedModel(script), scriptDispatcher{}, agent.Options{})

	m, _ := newManager(t, runner)
	ch, err := m.OnSendTaskSubscribe(context.Background(), params("T1", "what is 2 + 3?"))
	require.NoError(t, err)
	evs := drain(t, ch)

	text, _ := applyChunks(evs)
	assert.Equal(t, "2 + 3 = 5", text)
	last := evs[len(evs)-1]
	assert.Equal(t, a2a.TaskStateCompleted, last.Status.Status.State)
}

func TestConversationSkipsProgress(t *testing.T) {
	history := []a2a.Message{
		*a2a.NewTextMessage(a2a.RoleUser, "q"),
		*progressMessage(events.ToolCall, "Calling tool", nil),
		{Role: a2a.RoleUser, Parts: []a2a.Part{a2a.NewDataPart(map[string]any{"a": 1.0})}},
		*a2a.NewTextMessage(a2a.RoleAgent, "answer"),
	}
	assert.Equal(t, []agent.Message{
		{Role: agent.RoleUser, Content: "q"},
		{Role: agent.RoleUser, Content: `[{"a":1}]`},
		{Role: agent.RoleAssistant, Content: "answer"},
	}, conversation(history))
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("valid UTF-8 within the limit", prop.ForAll(
		func(text string, n int) bool {
			out := truncate(text, n)
			if len(text) <= n {
				return out == text
			}
			cut := strings.TrimSuffix(out, "...")
			return utf8.ValidString(out) && len(cut) <= n && strings.HasPrefix(text, cut)
		},
		gen.AnyString(),
		gen.IntRange(0, 40),
	))
	properties.TestingRun(t)
}

func TestRenderToolResult(t *testing.T) {
	ok := renderToolResult(&events.ToolCallResult{Name: "calc_add", Text: "5"})
	assert.Equal(t, "Tool calc_add returned: 5", ok)

	failed := renderToolResult(&events.ToolCallResult{
		Name:    "calc_divide",
		Text:    "Error: Unknown tool: divide on server calc",
		Payload: json.RawMessage(`{"kind":"unknown_tool","error":"Unknown tool: divide on server calc"}`),
		IsError: true,
	})
	assert.Equal(t, "Tool calc_divide failed: Unknown tool: divide on server calc", failed)

	long := renderToolResult(&events.ToolCallResult{Name: "t", Text: strings.Repeat("x", 600)})
	assert.True(t, strings.HasSuffix(long, "..."))

	accented := renderToolResult(&events.ToolCallResult{Name: "t", Text: "a" + strings.Repeat("é", 300)})
	assert.True(t, utf8.ValidString(accented))
	assert.True(t, strings.HasSuffix(accented, "é..."))

	assert.Equal(t, "Calling tool t(q=hello, n=2)", renderToolCall(events.ToolCallRequest{Name: "t", Arguments: json.RawMessage(`{"q":"hello","n":2}`)}))
}
