package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nulpointcorp/llm-bridge/internal/providers"
	"github.com/nulpointcorp/llm-bridge/internal/sse"
)

func chatRequest() *providers.ChatRequest {
	return &providers.ChatRequest{
		Model: "test-model",
		Messages: []providers.Message{
			{Role: "user", Content: providers.TextContent("hi")},
		},
	}
}

func TestChatCompletion(t *testing.T) {
	var gotBody map[string]json.RawMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-upstream" {
			t.Errorf("missing auth header")
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		fmt.Fprint(w, `{"id":"cc1","object":"chat.completion","model":"test-model",
			"choices":[{"index":0,"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":2,"completion_tokens":3,"total_tokens":5}}`)
	}))
	defer srv.Close()

	p := New("upstream", srv.URL, "sk-upstream")
	resp, err := p.ChatCompletion(context.Background(), chatRequest())
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	if resp.Choices[0].Message.Content.Text() != "hello" {
		t.Fatalf("unexpected content: %+v", resp.Choices[0].Message)
	}
	if resp.Usage.TotalTokens != 5 {
		t.Fatalf("usage = %+v", resp.Usage)
	}

	var streamFlag bool
	if err := json.Unmarshal(gotBody["stream"], &streamFlag); err != nil || streamFlag {
		t.Fatalf("non-streaming call must send stream=false: %s", gotBody["stream"])
	}
}

func TestChatCompletionUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limited","type":"rate_limit_error","code":"429"}}`)
	}))
	defer srv.Close()

	p := New("upstream", srv.URL, "k")
	_, err := p.ChatCompletion(context.Background(), chatRequest())
	if err == nil {
		t.Fatal("expected error")
	}
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("error type %T", err)
	}
	if pe.HTTPStatus() != http.StatusTooManyRequests || pe.Message != "rate limited" {
		t.Fatalf("unexpected error: %+v", pe)
	}
}

func TestChatCompletionStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("missing accept header")
		}
		var req map[string]json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if string(req["stream"]) != "true" {
			t.Errorf("stream flag = %s", req["stream"])
		}

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"s1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"a\"},\"finish_reason\":null}]}\n\n")
		fmt.Fprint(w, "data: {\"id\":\"s1\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := New("upstream", srv.URL, "k")
	ch, err := p.ChatCompletionStream(context.Background(), chatRequest())
	if err != nil {
		t.Fatalf("ChatCompletionStream: %v", err)
	}

	var lines []string
	for line := range ch {
		lines = append(lines, line)
	}
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d: %v", len(lines), lines)
	}
	if lines[2] != sse.Done {
		t.Fatalf("last line = %q", lines[2])
	}
	if _, ok := sse.Decode(lines[0]); !ok {
		t.Fatalf("first line not decodable: %q", lines[0])
	}
}

func TestChatCompletionStreamPreFirstByteFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, `{"error":{"message":"upstream exploded","type":"server_error"}}`)
	}))
	defer srv.Close()

	p := New("upstream", srv.URL, "k")
	ch, err := p.ChatCompletionStream(context.Background(), chatRequest())
	if err == nil {
		t.Fatal("expected error")
	}
	if ch != nil {
		t.Fatal("channel must be nil on pre-first-byte failure")
	}
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.HTTPStatus() != http.StatusBadGateway {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" || r.Method != http.MethodGet {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		fmt.Fprint(w, `{"object":"list","data":[{"id":"m1","object":"model","owned_by":"lab"}]}`)
	}))
	defer srv.Close()

	p := New("upstream", srv.URL, "k")
	models, err := p.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 1 || models[0].ID != "m1" {
		t.Fatalf("unexpected models: %+v", models)
	}
}

func TestToolContentMerge(t *testing.T) {
	var got struct {
		Messages []json.RawMessage `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		fmt.Fprint(w, `{"id":"x","choices":[]}`)
	}))
	defer srv.Close()

	req := &providers.ChatRequest{
		Model: "m",
		Messages: []providers.Message{
			{Role: "tool", ToolCallID: "call_1", Content: providers.BlocksContent(
				providers.TextBlock("result text"),
				providers.ContentBlock{Type: "image_url", ImageURL: &providers.ImageURL{URL: "http://img"}},
				providers.ContentBlock{Type: "audio"},
			)},
		},
	}

	p := New("upstream", srv.URL, "k", WithToolContentMerge())
	if _, err := p.ChatCompletion(context.Background(), req); err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}

	var msg struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(got.Messages[0], &msg); err != nil {
		t.Fatalf("tool message content not flattened to string: %s", got.Messages[0])
	}
	want := "result text\n[Attached Image: http://img]\n\n[Unsupported Multimodal Block: audio]\n"
	if msg.Content != want {
		t.Fatalf("flattened content = %q, want %q", msg.Content, want)
	}

	// The caller's message must be untouched.
	if req.Messages[0].Content.IsString() {
		t.Fatal("original request mutated")
	}
}

func TestToolContentMergeDisabledByDefault(t *testing.T) {
	var got struct {
		Messages []json.RawMessage `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		fmt.Fprint(w, `{"id":"x","choices":[]}`)
	}))
	defer srv.Close()

	req := &providers.ChatRequest{
		Model: "m",
		Messages: []providers.Message{
			{Role: "tool", Content: providers.BlocksContent(providers.TextBlock("raw"))},
		},
	}
	p := New("upstream", srv.URL, "k")
	if _, err := p.ChatCompletion(context.Background(), req); err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}

	var msg struct {
		Content []json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(got.Messages[0], &msg); err != nil {
		t.Fatalf("block content should survive unflattened: %s", got.Messages[0])
	}
}
