package providers

import (
	"encoding/json"
	"fmt"
)

type (
	// Usage — token usage totals as reported by the upstream. CachedTokens is
	// non-standard but forwarded by several providers; zero when absent.
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
		CachedTokens     int `json:"cached_tokens,omitempty"`
	}

	// ToolFunction is the function part of a completed tool call. During
	// streaming both fields are assembled by string concatenation; Arguments is
	// never validated as JSON — malformed fragments pass through to the client.
	ToolFunction struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	}

	// ToolCall is one entry of an assistant message's tool_calls list.
	ToolCall struct {
		ID       string       `json:"id"`
		Type     string       `json:"type"`
		Function ToolFunction `json:"function"`
	}

	// ImageURL is the payload of an image_url content block.
	ImageURL struct {
		URL string `json:"url"`
	}

	// Model is one entry of an OpenAI-style model list.
	Model struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}

	// ModelList is the OpenAI GET /models envelope.
	ModelList struct {
		Object string  `json:"object"`
		Data   []Model `json:"data"`
	}
)

// ContentBlock is one element of a block-list message content. The original
// wire encoding is retained so untouched blocks round-trip byte-for-byte;
// blocks built in-process marshal from their fields.
type ContentBlock struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`

	raw json.RawMessage
}

// TextBlock returns a plain text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	type alias ContentBlock
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*b = ContentBlock(a)
	b.raw = append(json.RawMessage(nil), data...)
	return nil
}

func (b ContentBlock) MarshalJSON() ([]byte, error) {
	if b.raw != nil {
		return b.raw, nil
	}
	type alias ContentBlock
	return json.Marshal(alias(b))
}

// MessageContent is a message content value: either a plain string or an
// ordered list of content blocks. The zero value marshals as null.
type MessageContent struct {
	Str    string
	Blocks []ContentBlock

	isStr bool
}

// TextContent wraps a plain string content value.
func TextContent(s string) *MessageContent {
	return &MessageContent{Str: s, isStr: true}
}

// BlocksContent wraps a content-block list. An empty (non-nil) list marshals
// as [].
func BlocksContent(blocks ...ContentBlock) *MessageContent {
	if blocks == nil {
		blocks = []ContentBlock{}
	}
	return &MessageContent{Blocks: blocks}
}

// IsString reports whether the wire value was a plain string.
func (c *MessageContent) IsString() bool { return c != nil && c.isStr }

// Text returns the textual view of the content: the string itself, or the
// concatenation of all text blocks.
func (c *MessageContent) Text() string {
	if c == nil {
		return ""
	}
	if c.isStr {
		return c.Str
	}
	var out string
	for _, b := range c.Blocks {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Str = s
		c.isStr = true
		c.Blocks = nil
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err == nil {
		if blocks == nil {
			blocks = []ContentBlock{}
		}
		c.Blocks = blocks
		c.isStr = false
		c.Str = ""
		return nil
	}
	return fmt.Errorf("content must be a string or an array of blocks")
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.isStr {
		return json.Marshal(c.Str)
	}
	if c.Blocks != nil {
		return json.Marshal(c.Blocks)
	}
	return []byte("null"), nil
}

// Message is a single conversation turn. Transient per request; persisted
// only inside conversation-history snapshots.
type Message struct {
	Role             string          `json:"role"`
	Content          *MessageContent `json:"content,omitempty"`
	ReasoningContent string          `json:"reasoning_content,omitempty"`
	Name             string          `json:"name,omitempty"`
	ToolCallID       string          `json:"tool_call_id,omitempty"`
	ToolCalls        []ToolCall      `json:"tool_calls,omitempty"`
}

// ChatRequest is the inbound POST /v1/chat/completions body. Fields the
// gateway does not interpret are preserved verbatim in Extra and re-emitted
// when the request is forwarded upstream.
type ChatRequest struct {
	Model    string
	Messages []Message
	Tools    json.RawMessage
	Stream   bool

	Extra map[string]json.RawMessage
}

func (r *ChatRequest) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	for k, v := range fields {
		switch k {
		case "model":
			if err := json.Unmarshal(v, &r.Model); err != nil {
				return fmt.Errorf("field 'model': %w", err)
			}
		case "messages":
			if err := json.Unmarshal(v, &r.Messages); err != nil {
				return fmt.Errorf("field 'messages': %w", err)
			}
		case "tools":
			r.Tools = v
		case "stream":
			if err := json.Unmarshal(v, &r.Stream); err != nil {
				return fmt.Errorf("field 'stream': %w", err)
			}
		default:
			if r.Extra == nil {
				r.Extra = make(map[string]json.RawMessage)
			}
			r.Extra[k] = v
		}
	}
	return nil
}

func (r ChatRequest) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(r.Extra)+4)
	for k, v := range r.Extra {
		out[k] = v
	}

	var err error
	if out["model"], err = json.Marshal(r.Model); err != nil {
		return nil, err
	}
	if out["messages"], err = json.Marshal(r.Messages); err != nil {
		return nil, err
	}
	if len(r.Tools) > 0 {
		out["tools"] = r.Tools
	}
	if out["stream"], err = json.Marshal(r.Stream); err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// Clone returns a copy of the request with its own messages slice, so
// transforms can replace individual messages without touching the original.
// Message values themselves are shared until replaced.
func (r *ChatRequest) Clone() *ChatRequest {
	out := *r
	out.Messages = append([]Message(nil), r.Messages...)
	return &out
}

type (
	// Choice is one entry of a non-streaming response's choices list.
	Choice struct {
		Index        int     `json:"index"`
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	}

	// ChatCompletion is the non-streaming chat completion envelope.
	ChatCompletion struct {
		ID                string   `json:"id"`
		Object            string   `json:"object"`
		Created           int64    `json:"created"`
		Model             string   `json:"model"`
		SystemFingerprint string   `json:"system_fingerprint,omitempty"`
		Choices           []Choice `json:"choices"`
		Usage             *Usage   `json:"usage,omitempty"`
	}
)

type (
	// ToolFunctionDelta is a partial tool function update inside a stream delta.
	ToolFunctionDelta struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	}

	// ToolCallDelta is a partial tool call update. Index addresses the slot in
	// the reconstructed tool-call list; indices are append-only but may arrive
	// with gaps.
	ToolCallDelta struct {
		Index    int                `json:"index"`
		ID       string             `json:"id,omitempty"`
		Type     string             `json:"type,omitempty"`
		Function *ToolFunctionDelta `json:"function,omitempty"`
	}

	// Delta holds the partial message fields of one stream chunk. Pointer
	// fields distinguish "absent" from "empty string" — the rewrite state
	// machine branches on presence, not emptiness.
	Delta struct {
		Role             string          `json:"role,omitempty"`
		Content          *string         `json:"content,omitempty"`
		ReasoningContent *string         `json:"reasoning_content,omitempty"`
		ToolCalls        []ToolCallDelta `json:"tool_calls,omitempty"`
	}

	// ChunkChoice is one entry of a stream chunk's choices list. FinishReason
	// is a pointer so the explicit null of intermediate chunks survives a
	// decode/encode round trip.
	ChunkChoice struct {
		Index        int     `json:"index"`
		Delta        Delta   `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	}

	// StreamChunk is one decoded SSE payload of a streaming completion.
	StreamChunk struct {
		ID                string        `json:"id,omitempty"`
		Object            string        `json:"object,omitempty"`
		Created           int64         `json:"created,omitempty"`
		Model             string        `json:"model,omitempty"`
		SystemFingerprint string        `json:"system_fingerprint,omitempty"`
		Choices           []ChunkChoice `json:"choices"`
		Usage             *Usage        `json:"usage,omitempty"`
	}
)

// Clone returns a deep copy of the chunk. Rewrites emit synthesized siblings
// of a chunk (tag chunks) and must never alias the original's delta state.
func (c *StreamChunk) Clone() *StreamChunk {
	out := *c
	out.Choices = make([]ChunkChoice, len(c.Choices))
	for i, ch := range c.Choices {
		cc := ch
		if ch.Delta.Content != nil {
			v := *ch.Delta.Content
			cc.Delta.Content = &v
		}
		if ch.Delta.ReasoningContent != nil {
			v := *ch.Delta.ReasoningContent
			cc.Delta.ReasoningContent = &v
		}
		if ch.FinishReason != nil {
			v := *ch.FinishReason
			cc.FinishReason = &v
		}
		cc.Delta.ToolCalls = append([]ToolCallDelta(nil), ch.Delta.ToolCalls...)
		for j, tc := range cc.Delta.ToolCalls {
			if tc.Function != nil {
				f := *tc.Function
				cc.Delta.ToolCalls[j].Function = &f
			}
		}
		out.Choices[i] = cc
	}
	if c.Usage != nil {
		u := *c.Usage
		out.Usage = &u
	}
	return &out
}
