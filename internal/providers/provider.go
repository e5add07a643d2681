// Package providers defines the OpenAI-compatible wire types and the common
// interface implemented by all upstream LLM providers.
//
// Each provider lives in its own sub-package. Live upstreams are built on
// the generic openaicompat HTTP client; the synthetic provider answers
// in-process and exists to measure gateway overhead without network variance.
package providers

import (
	"context"
	"strings"
	"time"
)

// Transport timeouts. Streaming reads are unbounded — a stream stays open for
// as long as the upstream keeps producing.
const (
	CompletionTimeout = 120 * time.Second
	ListModelsTimeout = 30 * time.Second
)

// Provider — upstream LLM provider interface.
//
// ChatCompletionStream returns the raw SSE "data:" payload lines of the
// upstream stream, in order, terminated by the "data: [DONE]" sentinel line.
// A failure detected before the first byte returns (nil, err) and no lines;
// a mid-stream failure simply ends the channel early. The request's Model
// field carries the provider-native name — the "provider/" prefix is
// stripped by the dispatcher before the provider is invoked.
type Provider interface {
	Name() string
	ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatCompletion, error)
	ChatCompletionStream(ctx context.Context, req *ChatRequest) (<-chan string, error)
	ListModels(ctx context.Context) ([]Model, error)
}

// SplitModel splits a client-facing "provider/model" string on its first
// separator. Both halves must be non-empty.
func SplitModel(model string) (provider, native string, ok bool) {
	i := strings.Index(model, "/")
	if i <= 0 || i >= len(model)-1 {
		return "", "", false
	}
	return model[:i], model[i+1:], true
}

// StatusCoder is implemented by provider errors that carry an upstream HTTP
// status, letting the gateway map them to a client-visible response.
type StatusCoder interface {
	HTTPStatus() int
}
