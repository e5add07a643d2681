// Package synthetic implements an in-process provider with deterministic
// responses. It never fails and never leaves the process, which makes it the
// baseline for overhead benchmarks and the workhorse of end-to-end tests.
package synthetic

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nulpointcorp/llm-bridge/internal/providers"
	"github.com/nulpointcorp/llm-bridge/internal/sse"
)

const providerName = "test"

type Provider struct {
	// chunkSize is the number of words per streamed content delta.
	chunkSize int
	now       func() time.Time
}

type Option func(*Provider)

// WithChunkSize sets how many words each streamed delta carries.
func WithChunkSize(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.chunkSize = n
		}
	}
}

func New(opts ...Option) *Provider {
	p := &Provider{chunkSize: 3, now: time.Now}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Provider) Name() string { return providerName }

// reply derives the deterministic response pair (reasoning, content) from the
// last user message.
func (p *Provider) reply(req *providers.ChatRequest) (string, string) {
	var prompt string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			prompt = req.Messages[i].Content.Text()
			break
		}
	}

	lower := strings.ToLower(prompt)
	var reasoning string
	if strings.Contains(lower, "think") {
		reasoning = "The user asked me to think, so I am producing a reasoning trace before the answer."
	}

	var content string
	switch {
	case strings.Contains(lower, "hello"):
		content = "Hello! This is the synthetic test provider. How can I help you today?"
	case prompt == "":
		content = "The synthetic test provider received an empty prompt."
	default:
		content = fmt.Sprintf("Synthetic response to a %d-word prompt: everything works end to end.", wordCount(prompt))
	}
	return reasoning, content
}

func (p *Provider) usage(req *providers.ChatRequest, content string) *providers.Usage {
	prompt := 0
	for _, m := range req.Messages {
		prompt += wordCount(m.Content.Text())
	}
	prompt *= 2
	completion := wordCount(content)
	return &providers.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

func (p *Provider) ChatCompletion(_ context.Context, req *providers.ChatRequest) (*providers.ChatCompletion, error) {
	reasoning, content := p.reply(req)
	return &providers.ChatCompletion{
		ID:      fmt.Sprintf("synth-%d", p.now().UnixNano()),
		Object:  "chat.completion",
		Created: p.now().Unix(),
		Model:   req.Model,
		Choices: []providers.Choice{{
			Index: 0,
			Message: providers.Message{
				Role:             "assistant",
				Content:          providers.TextContent(content),
				ReasoningContent: reasoning,
			},
			FinishReason: "stop",
		}},
		Usage: p.usage(req, content),
	}, nil
}

func (p *Provider) ChatCompletionStream(_ context.Context, req *providers.ChatRequest) (<-chan string, error) {
	reasoning, content := p.reply(req)
	usage := p.usage(req, content)

	id := fmt.Sprintf("synth-%d", p.now().UnixNano())
	created := p.now().Unix()

	base := func() *providers.StreamChunk {
		return &providers.StreamChunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   req.Model,
			Choices: []providers.ChunkChoice{{Index: 0}},
		}
	}

	ch := make(chan string, 64)
	go func() {
		defer close(ch)

		emit := func(chunk *providers.StreamChunk) {
			line, err := sse.Encode(chunk)
			if err != nil {
				return
			}
			ch <- line
		}

		role := base()
		role.Choices[0].Delta.Role = "assistant"
		emit(role)

		for _, piece := range split(reasoning, p.chunkSize) {
			chunk := base()
			text := piece
			chunk.Choices[0].Delta.ReasoningContent = &text
			emit(chunk)
		}

		for _, piece := range split(content, p.chunkSize) {
			chunk := base()
			text := piece
			chunk.Choices[0].Delta.Content = &text
			emit(chunk)
		}

		finish := base()
		stop := "stop"
		finish.Choices[0].FinishReason = &stop
		finish.Usage = usage
		emit(finish)

		ch <- sse.Done
	}()

	return ch, nil
}

func (p *Provider) ListModels(context.Context) ([]providers.Model, error) {
	created := p.now().Unix()
	return []providers.Model{
		{ID: "test-fast", Object: "model", Created: created, OwnedBy: providerName},
		{ID: "test-slow", Object: "model", Created: created, OwnedBy: providerName},
		{ID: "test-stream", Object: "model", Created: created, OwnedBy: providerName},
	}, nil
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}

// split cuts s into pieces of n words, keeping a trailing space on every
// piece but the last so concatenation reproduces s.
func split(s string, n int) []string {
	words := strings.Fields(s)
	if len(words) == 0 {
		return nil
	}
	var out []string
	for i := 0; i < len(words); i += n {
		end := i + n
		if end > len(words) {
			end = len(words)
		}
		piece := strings.Join(words[i:end], " ")
		if end < len(words) {
			piece += " "
		}
		out = append(out, piece)
	}
	return out
}
