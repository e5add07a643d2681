package pipeline

import (
	"log/slog"

	"github.com/nulpointcorp/llm-bridge/internal/providers"
)

// Identity is the default pipeline: requests and responses pass through
// untouched. Used for every credential purpose without a dedicated dialect.
type Identity struct {
	log *slog.Logger
}

// NewIdentity returns the pass-through pipeline.
func NewIdentity(log *slog.Logger) *Identity {
	return &Identity{log: log}
}

func (p *Identity) PreprocessRequest(*Context, *providers.ChatRequest) {}

func (p *Identity) PostprocessResponse(*Context, *providers.ChatCompletion) {}

// RewriteStream forwards every line unchanged.
func (p *Identity) RewriteStream(pctx *Context, lines <-chan string) <-chan string {
	out := make(chan string, 64)
	go func() {
		defer close(out)
		n := 0
		for line := range lines {
			out <- line
			n++
		}
		p.log.Debug("stream forwarded",
			slog.String("conversation_id", pctx.ConversationID),
			slog.Int("lines", n),
		)
	}()
	return out
}
