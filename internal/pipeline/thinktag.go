package pipeline

import (
	"log/slog"
	"strings"

	"github.com/nulpointcorp/llm-bridge/internal/history"
	"github.com/nulpointcorp/llm-bridge/internal/providers"
	"github.com/nulpointcorp/llm-bridge/internal/sse"
)

// Think-tag markers. The opening tag ends with a newline and the closing tag
// starts with one, so inlined reasoning renders as its own paragraph.
const (
	thinkOpen  = "<think>\n"
	thinkClose = "\n</think>"
)

// ThinkTag bridges upstreams that report reasoning in a structured
// reasoning_content field to clients that expect it inlined as
// <think>-tagged text. Applied to credentials with purpose "cursor".
//
// The bridge is symmetric: responses get reasoning inlined into content, and
// assistant messages echoed back by the client get the tagged span lifted
// back out into reasoning_content before the request goes upstream.
type ThinkTag struct {
	log  *slog.Logger
	hist *history.Writer
}

// NewThinkTag builds the bridge. hist may be nil when history persistence is
// disabled.
func NewThinkTag(log *slog.Logger, hist *history.Writer) *ThinkTag {
	return &ThinkTag{log: log, hist: hist}
}

// PreprocessRequest lifts <think> spans out of assistant message content into
// reasoning_content. Messages are replaced copy-on-write; the caller's
// request value already owns its messages slice.
func (p *ThinkTag) PreprocessRequest(_ *Context, req *providers.ChatRequest) {
	for i, msg := range req.Messages {
		if msg.Role != "assistant" || msg.Content == nil {
			continue
		}

		text := msg.Content.Text()
		open := strings.Index(text, thinkOpen)
		close_ := strings.Index(text, thinkClose)
		if open < 0 || close_ < 0 || close_ < open {
			continue
		}

		reasoning := text[open+len(thinkOpen) : close_]
		remainder := text[:open] + text[close_+len(thinkClose):]
		remainder = strings.TrimPrefix(remainder, "\n")

		m := msg
		m.ReasoningContent = reasoning
		if msg.Content.IsString() {
			m.Content = providers.TextContent(remainder)
		} else if remainder == "" {
			m.Content = providers.BlocksContent()
		} else {
			m.Content = providers.BlocksContent(providers.TextBlock(remainder))
		}
		req.Messages[i] = m
	}
}

// PostprocessResponse inlines reasoning_content as a <think> span at the head
// of each choice's content and records the exchange.
func (p *ThinkTag) PostprocessResponse(pctx *Context, resp *providers.ChatCompletion) {
	for i, choice := range resp.Choices {
		if choice.Message.ReasoningContent == "" {
			continue
		}

		tagged := thinkOpen + choice.Message.ReasoningContent + thinkClose

		m := choice.Message
		m.ReasoningContent = ""
		switch {
		case m.Content == nil || m.Content.IsString():
			m.Content = providers.TextContent(tagged + "\n" + m.Content.Text())
		default:
			blocks := append([]providers.ContentBlock{providers.TextBlock(tagged + "\n")}, m.Content.Blocks...)
			m.Content = providers.BlocksContent(blocks...)
		}
		resp.Choices[i].Message = m
	}

	if resp.Usage != nil {
		pctx.Usage = *resp.Usage
	}
	if len(resp.Choices) > 0 {
		pctx.History = append(pctx.History, resp.Choices[0].Message)
	}
	p.persist(pctx)
}

// RewriteStream implements the streaming half of the bridge. Reasoning deltas
// become content deltas wrapped in synthesized tag chunks; everything else
// passes through with only the model name overwritten. Alongside rewriting it
// reconstructs the final assistant message and the latest usage totals so the
// exchange can be persisted and accounted even though the upstream never
// sends an assembled response.
func (p *ThinkTag) RewriteStream(pctx *Context, lines <-chan string) <-chan string {
	out := make(chan string, 64)

	go func() {
		defer close(out)

		insideReasoning := false

		var (
			role      string
			content   strings.Builder
			reasoning strings.Builder
			toolCalls []providers.ToolCall
			usage     *providers.Usage
		)

		emit := func(chunk *providers.StreamChunk) {
			line, err := sse.Encode(chunk)
			if err != nil {
				p.log.Error("chunk encode failed", slog.String("error", err.Error()))
				return
			}
			out <- line
		}

		for line := range lines {
			chunk, ok := sse.Decode(line)
			if !ok {
				out <- line
				continue
			}

			chunk.Model = pctx.DisplayModel
			if chunk.Usage != nil {
				u := *chunk.Usage
				usage = &u
			}

			if len(chunk.Choices) == 0 {
				emit(chunk)
				continue
			}

			delta := &chunk.Choices[0].Delta
			if delta.Role != "" {
				role = delta.Role
			}
			if delta.Content != nil {
				content.WriteString(*delta.Content)
			}
			if delta.ReasoningContent != nil {
				reasoning.WriteString(*delta.ReasoningContent)
			}
			toolCalls = mergeToolCalls(toolCalls, delta.ToolCalls)

			// Branch on field presence, not emptiness: an empty reasoning
			// delta mid-trace must not close and reopen the span.
			if delta.ReasoningContent != nil {
				if !insideReasoning {
					emit(tagChunk(chunk, thinkOpen))
					insideReasoning = true
				}

				r := chunk.Clone()
				d := &r.Choices[0].Delta
				text := *d.ReasoningContent
				d.Content = &text
				d.ReasoningContent = nil
				emit(r)
				continue
			}

			if insideReasoning {
				emit(tagChunk(chunk, thinkClose))
				insideReasoning = false
			}
			emit(chunk)
		}

		final := providers.Message{Role: role, ReasoningContent: reasoning.String()}
		if final.Role == "" {
			final.Role = "assistant"
		}
		final.Content = providers.BlocksContent(providers.TextBlock(content.String()))
		final.ToolCalls = toolCalls

		pctx.History = append(pctx.History, final)
		if usage != nil {
			pctx.Usage = *usage
		}
		p.persist(pctx)

		p.log.Info("stream rewritten",
			slog.String("conversation_id", pctx.ConversationID),
			slog.String("model", pctx.DisplayModel),
			slog.Int("content_bytes", content.Len()),
			slog.Int("reasoning_bytes", reasoning.Len()),
			slog.Int("tool_calls", len(toolCalls)),
		)
	}()

	return out
}

func (p *ThinkTag) persist(pctx *Context) {
	if p.hist == nil || pctx.ConversationID == "" {
		return
	}
	p.hist.Enqueue(pctx.ConversationID, append([]providers.Message(nil), pctx.History...))
}

// tagChunk synthesizes a sibling of chunk whose only payload is the tag text.
func tagChunk(chunk *providers.StreamChunk, tag string) *providers.StreamChunk {
	c := chunk.Clone()
	c.Usage = nil
	text := tag
	c.Choices = c.Choices[:1]
	c.Choices[0].Delta = providers.Delta{Role: c.Choices[0].Delta.Role, Content: &text}
	c.Choices[0].FinishReason = nil
	return c
}

// mergeToolCalls folds streamed tool-call deltas into the reconstructed list.
// Indices address slots directly; a gap is backfilled with empty function
// placeholders so later deltas for skipped slots still land correctly. ID,
// name and arguments all arrive as fragments and are assembled by
// concatenation.
func mergeToolCalls(calls []providers.ToolCall, deltas []providers.ToolCallDelta) []providers.ToolCall {
	for _, d := range deltas {
		if d.Index < 0 {
			continue
		}
		for len(calls) <= d.Index {
			calls = append(calls, providers.ToolCall{Type: "function"})
		}
		slot := &calls[d.Index]
		slot.ID += d.ID
		if d.Type != "" {
			slot.Type = d.Type
		}
		if d.Function != nil {
			slot.Function.Name += d.Function.Name
			slot.Function.Arguments += d.Function.Arguments
		}
	}
	return calls
}
