// Package pipeline implements the request/response rewrite layer between the
// client dialect and the upstream dialect.
//
// A pipeline is selected per request from the credential's purpose and sees
// three hook points: the outbound request before the provider call, the
// non-streaming response, and the SSE line stream. Pipelines are stateless
// values shared across requests; all per-request state lives in Context or in
// locals of the RewriteStream call.
package pipeline

import (
	"github.com/nulpointcorp/llm-bridge/internal/providers"
)

// Context carries per-request pipeline state. The gateway fills
// ConversationID and DisplayModel before the provider call; pipelines append
// to History and record Usage as they observe the response.
type Context struct {
	ConversationID string
	DisplayModel   string

	History []providers.Message
	Usage   providers.Usage
}

// Pipeline transforms one exchange. RewriteStream is lazy and
// order-preserving: it consumes the input channel exactly once, emits
// rewritten lines as they become available, and closes its output after the
// input closes. It is not restartable.
type Pipeline interface {
	PreprocessRequest(pctx *Context, req *providers.ChatRequest)
	PostprocessResponse(pctx *Context, resp *providers.ChatCompletion)
	RewriteStream(pctx *Context, lines <-chan string) <-chan string
}
