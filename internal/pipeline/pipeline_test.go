package pipeline

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/nulpointcorp/llm-bridge/internal/history"
	"github.com/nulpointcorp/llm-bridge/internal/providers"
	"github.com/nulpointcorp/llm-bridge/internal/sse"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func chunkLine(t *testing.T, chunk *providers.StreamChunk) string {
	t.Helper()
	line, err := sse.Encode(chunk)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return line
}

func deltaChunk(delta providers.Delta) *providers.StreamChunk {
	return &providers.StreamChunk{
		ID:      "chunk",
		Object:  "chat.completion.chunk",
		Model:   "native-model",
		Choices: []providers.ChunkChoice{{Index: 0, Delta: delta}},
	}
}

func reasoningChunk(text string) providers.Delta {
	return providers.Delta{ReasoningContent: &text}
}

func contentChunk(text string) providers.Delta {
	return providers.Delta{Content: &text}
}

func runStream(t *testing.T, p Pipeline, pctx *Context, lines []string) []string {
	t.Helper()
	in := make(chan string, len(lines))
	for _, l := range lines {
		in <- l
	}
	close(in)

	var out []string
	for l := range p.RewriteStream(pctx, in) {
		out = append(out, l)
	}
	return out
}

func TestThinkTagStateMachine(t *testing.T) {
	p := NewThinkTag(testLogger(), nil)
	pctx := &Context{ConversationID: "c", DisplayModel: "deepseek/deepseek-reasoner"}

	lines := []string{
		chunkLine(t, deltaChunk(reasoningChunk("step one"))),
		chunkLine(t, deltaChunk(reasoningChunk(" step two"))),
		chunkLine(t, deltaChunk(contentChunk("answer"))),
		chunkLine(t, deltaChunk(contentChunk(" here"))),
	}

	out := runStream(t, p, pctx, lines)
	if len(out) != 6 {
		t.Fatalf("expected 6 chunks, got %d: %v", len(out), out)
	}

	var texts []string
	for _, line := range out {
		chunk, ok := sse.Decode(line)
		if !ok {
			t.Fatalf("emitted line not decodable: %q", line)
		}
		if chunk.Model != "deepseek/deepseek-reasoner" {
			t.Fatalf("model not overwritten: %q", chunk.Model)
		}
		d := chunk.Choices[0].Delta
		if d.ReasoningContent != nil {
			t.Fatalf("reasoning field leaked to output: %q", line)
		}
		if d.Content != nil {
			texts = append(texts, *d.Content)
		}
	}

	want := []string{"<think>\n", "step one", " step two", "\n</think>", "answer", " here"}
	if len(texts) != len(want) {
		t.Fatalf("content sequence %v, want %v", texts, want)
	}
	for i := range want {
		if texts[i] != want[i] {
			t.Fatalf("chunk %d: %q, want %q", i, texts[i], want[i])
		}
	}
}

func TestThinkTagEmptyReasoningDeltaKeepsSpanOpen(t *testing.T) {
	p := NewThinkTag(testLogger(), nil)
	pctx := &Context{DisplayModel: "d/m"}

	// An empty reasoning fragment mid-trace is still a reasoning delta; the
	// span must stay open across it instead of closing and reopening.
	lines := []string{
		chunkLine(t, deltaChunk(reasoningChunk("step"))),
		chunkLine(t, deltaChunk(reasoningChunk(""))),
		chunkLine(t, deltaChunk(reasoningChunk(" more"))),
		chunkLine(t, deltaChunk(contentChunk("answer"))),
	}
	out := runStream(t, p, pctx, lines)

	opens, closes := 0, 0
	for _, line := range out {
		chunk, ok := sse.Decode(line)
		if !ok {
			t.Fatalf("emitted line not decodable: %q", line)
		}
		if d := chunk.Choices[0].Delta; d.Content != nil {
			switch *d.Content {
			case thinkOpen:
				opens++
			case thinkClose:
				closes++
			}
		}
	}
	if opens != 1 || closes != 1 {
		t.Fatalf("span toggled: %d opens, %d closes", opens, closes)
	}
	if pctx.History[0].ReasoningContent != "step more" {
		t.Fatalf("reasoning = %q", pctx.History[0].ReasoningContent)
	}
}

func TestThinkTagNonDecodablePassThrough(t *testing.T) {
	p := NewThinkTag(testLogger(), nil)
	pctx := &Context{DisplayModel: "d/m"}

	lines := []string{
		chunkLine(t, deltaChunk(contentChunk("hi"))),
		"",
		sse.Done,
	}
	out := runStream(t, p, pctx, lines)
	if len(out) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(out))
	}
	if out[1] != "" || out[2] != sse.Done {
		t.Fatalf("non-decodable lines altered: %v", out)
	}
}

func TestThinkTagToolCallBackfill(t *testing.T) {
	p := NewThinkTag(testLogger(), nil)
	pctx := &Context{ConversationID: "c", DisplayModel: "d/m"}

	lines := []string{
		chunkLine(t, deltaChunk(providers.Delta{ToolCalls: []providers.ToolCallDelta{
			{Index: 0, ID: "call_a", Type: "function", Function: &providers.ToolFunctionDelta{Name: "alpha", Arguments: `{"x":`}},
		}})),
		chunkLine(t, deltaChunk(providers.Delta{ToolCalls: []providers.ToolCallDelta{
			{Index: 2, ID: "call_c", Type: "function", Function: &providers.ToolFunctionDelta{Name: "gamma"}},
		}})),
		chunkLine(t, deltaChunk(providers.Delta{ToolCalls: []providers.ToolCallDelta{
			{Index: 1, ID: "call_b", Type: "function", Function: &providers.ToolFunctionDelta{Name: "beta"}},
			{Index: 0, Function: &providers.ToolFunctionDelta{Arguments: `1}`}},
		}})),
	}
	runStream(t, p, pctx, lines)

	if len(pctx.History) != 1 {
		t.Fatalf("expected 1 history message, got %d", len(pctx.History))
	}
	calls := pctx.History[0].ToolCalls
	if len(calls) != 3 {
		t.Fatalf("expected 3 tool calls, got %d: %+v", len(calls), calls)
	}
	if calls[0].ID != "call_a" || calls[0].Function.Arguments != `{"x":1}` {
		t.Fatalf("call 0 not assembled: %+v", calls[0])
	}
	if calls[1].ID != "call_b" || calls[1].Function.Name != "beta" {
		t.Fatalf("backfilled slot 1 not updated: %+v", calls[1])
	}
	if calls[2].ID != "call_c" || calls[2].Type != "function" {
		t.Fatalf("call 2 wrong: %+v", calls[2])
	}
}

func TestThinkTagToolCallIDAssembledFromFragments(t *testing.T) {
	p := NewThinkTag(testLogger(), nil)
	pctx := &Context{DisplayModel: "d/m"}

	// Upstreams may split the call id across chunks like any other field.
	lines := []string{
		chunkLine(t, deltaChunk(providers.Delta{ToolCalls: []providers.ToolCallDelta{
			{Index: 0, ID: "call_", Type: "function", Function: &providers.ToolFunctionDelta{Name: "alp"}},
		}})),
		chunkLine(t, deltaChunk(providers.Delta{ToolCalls: []providers.ToolCallDelta{
			{Index: 0, ID: "abc123", Function: &providers.ToolFunctionDelta{Name: "ha"}},
		}})),
	}
	runStream(t, p, pctx, lines)

	calls := pctx.History[0].ToolCalls
	if len(calls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(calls))
	}
	if calls[0].ID != "call_abc123" {
		t.Fatalf("tool-call id = %q, want concatenated %q", calls[0].ID, "call_abc123")
	}
	if calls[0].Function.Name != "alpha" {
		t.Fatalf("tool-call name = %q, want %q", calls[0].Function.Name, "alpha")
	}
}

func TestThinkTagToolCallPlaceholderRemains(t *testing.T) {
	p := NewThinkTag(testLogger(), nil)
	pctx := &Context{DisplayModel: "d/m"}

	// Index 1 never receives a delta; its placeholder must survive.
	lines := []string{
		chunkLine(t, deltaChunk(providers.Delta{ToolCalls: []providers.ToolCallDelta{
			{Index: 2, ID: "call_c", Function: &providers.ToolFunctionDelta{Name: "gamma"}},
		}})),
	}
	runStream(t, p, pctx, lines)

	calls := pctx.History[0].ToolCalls
	if len(calls) != 3 {
		t.Fatalf("expected 3 slots, got %d", len(calls))
	}
	if calls[1].ID != "" || calls[1].Type != "function" || calls[1].Function.Name != "" {
		t.Fatalf("placeholder shape wrong: %+v", calls[1])
	}
}

func TestThinkTagUsageAndFinalMessage(t *testing.T) {
	p := NewThinkTag(testLogger(), nil)
	pctx := &Context{
		ConversationID: "c",
		DisplayModel:   "d/m",
		History:        []providers.Message{{Role: "user", Content: providers.TextContent("hi")}},
	}

	stop := "stop"
	finish := deltaChunk(providers.Delta{})
	finish.Choices[0].FinishReason = &stop
	finish.Usage = &providers.Usage{PromptTokens: 4, CompletionTokens: 6, TotalTokens: 10}

	role := deltaChunk(providers.Delta{Role: "assistant"})

	lines := []string{
		chunkLine(t, role),
		chunkLine(t, deltaChunk(reasoningChunk("because"))),
		chunkLine(t, deltaChunk(contentChunk("hello"))),
		chunkLine(t, finish),
		sse.Done,
	}
	runStream(t, p, pctx, lines)

	if pctx.Usage.TotalTokens != 10 || pctx.Usage.PromptTokens != 4 {
		t.Fatalf("usage not captured: %+v", pctx.Usage)
	}
	if len(pctx.History) != 2 {
		t.Fatalf("final message not appended: %d messages", len(pctx.History))
	}
	final := pctx.History[1]
	if final.Role != "assistant" {
		t.Fatalf("role = %q", final.Role)
	}
	if final.Content.Text() != "hello" {
		t.Fatalf("content = %q", final.Content.Text())
	}
	if final.ReasoningContent != "because" {
		t.Fatalf("reasoning = %q", final.ReasoningContent)
	}
}

// captureStore records saves for writer integration.
type captureStore struct {
	mu    sync.Mutex
	saved map[string][]providers.Message
	ch    chan struct{}
}

func (s *captureStore) Save(_ context.Context, id string, messages []providers.Message) error {
	s.mu.Lock()
	s.saved[id] = messages
	s.mu.Unlock()
	s.ch <- struct{}{}
	return nil
}

func TestThinkTagStreamPersistsHistory(t *testing.T) {
	store := &captureStore{saved: make(map[string][]providers.Message), ch: make(chan struct{}, 4)}
	w := history.NewWriter(store, testLogger())
	t.Cleanup(func() { _ = w.Close() })

	p := NewThinkTag(testLogger(), w)
	pctx := &Context{ConversationID: "conv42", DisplayModel: "d/m"}

	runStream(t, p, pctx, []string{chunkLine(t, deltaChunk(contentChunk("hey")))})

	<-store.ch
	store.mu.Lock()
	defer store.mu.Unlock()
	msgs := store.saved["conv42"]
	if len(msgs) != 1 || msgs[0].Content.Text() != "hey" {
		t.Fatalf("unexpected persisted transcript: %+v", msgs)
	}
}

func TestThinkTagPostprocessInlinesReasoning(t *testing.T) {
	p := NewThinkTag(testLogger(), nil)
	pctx := &Context{ConversationID: "c", DisplayModel: "d/m"}

	resp := &providers.ChatCompletion{
		Model: "native",
		Choices: []providers.Choice{{
			Message: providers.Message{
				Role:             "assistant",
				Content:          providers.TextContent("the answer"),
				ReasoningContent: "thought",
			},
			FinishReason: "stop",
		}},
		Usage: &providers.Usage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3},
	}
	p.PostprocessResponse(pctx, resp)

	got := resp.Choices[0].Message
	if got.ReasoningContent != "" {
		t.Fatal("reasoning field not dropped")
	}
	want := "<think>\nthought\n</think>\nthe answer"
	if got.Content.Text() != want {
		t.Fatalf("content = %q, want %q", got.Content.Text(), want)
	}
	if pctx.Usage.TotalTokens != 3 {
		t.Fatalf("usage not captured: %+v", pctx.Usage)
	}
}

func TestThinkTagRoundTripIdempotence(t *testing.T) {
	p := NewThinkTag(testLogger(), nil)

	resp := &providers.ChatCompletion{
		Choices: []providers.Choice{{
			Message: providers.Message{
				Role:             "assistant",
				Content:          providers.TextContent("final"),
				ReasoningContent: "hidden steps",
			},
		}},
	}
	p.PostprocessResponse(&Context{}, resp)

	req := &providers.ChatRequest{Messages: []providers.Message{
		{Role: "user", Content: providers.TextContent("q")},
		resp.Choices[0].Message,
	}}
	p.PreprocessRequest(&Context{}, req)

	back := req.Messages[1]
	if back.ReasoningContent != "hidden steps" {
		t.Fatalf("reasoning not recovered: %q", back.ReasoningContent)
	}
	if back.Content.Text() != "final" {
		t.Fatalf("content not recovered: %q", back.Content.Text())
	}
	if strings.Contains(back.Content.Text(), "<think>") {
		t.Fatal("tag left in content")
	}
}

func TestThinkTagPreprocessLeavesPlainMessages(t *testing.T) {
	p := NewThinkTag(testLogger(), nil)
	req := &providers.ChatRequest{Messages: []providers.Message{
		{Role: "assistant", Content: providers.TextContent("no tags here")},
		{Role: "user", Content: providers.TextContent("<think>\nuser text\n</think>")},
	}}
	p.PreprocessRequest(&Context{}, req)

	if req.Messages[0].ReasoningContent != "" {
		t.Fatal("untagged assistant message modified")
	}
	if req.Messages[1].ReasoningContent != "" {
		t.Fatal("user message must never be rewritten")
	}
}

func TestIdentityPassThrough(t *testing.T) {
	p := NewIdentity(testLogger())
	pctx := &Context{ConversationID: "c"}

	lines := []string{
		chunkLine(t, deltaChunk(reasoningChunk("raw"))),
		sse.Done,
	}
	out := runStream(t, p, pctx, lines)
	if len(out) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(out))
	}
	for i := range lines {
		if out[i] != lines[i] {
			t.Fatalf("line %d altered: %q vs %q", i, out[i], lines[i])
		}
	}
	if len(pctx.History) != 0 {
		t.Fatal("identity pipeline must not accumulate history")
	}
}
