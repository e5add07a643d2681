// Package proxy is the core LLM request dispatcher.
//
// The Gateway receives an incoming OpenAI-compatible request, verifies the
// caller's credential through the credential cache, resolves the target
// provider from the "provider/model" prefix of the model field, runs the
// purpose-selected rewrite pipeline around the upstream call, and forwards
// the (possibly rewritten) response — streaming or not — back to the client.
//
// Key design constraints:
//   - No blocking I/O on the hot path besides the upstream call itself:
//     credential checks hit the TTL cache, history persistence and usage
//     accounting are queued to background workers.
//   - Metrics, usage logger, and history writer are optional and nil-safe.
//   - Upstream calls are never retried; errors map to one client response.
package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-bridge/internal/cache"
	"github.com/nulpointcorp/llm-bridge/internal/chatid"
	"github.com/nulpointcorp/llm-bridge/internal/history"
	"github.com/nulpointcorp/llm-bridge/internal/keystore"
	"github.com/nulpointcorp/llm-bridge/internal/logger"
	"github.com/nulpointcorp/llm-bridge/internal/metrics"
	"github.com/nulpointcorp/llm-bridge/internal/pipeline"
	"github.com/nulpointcorp/llm-bridge/internal/providers"
	"github.com/nulpointcorp/llm-bridge/pkg/apierr"
)

// purposeCursor selects the think-tag dialect bridge.
const purposeCursor = "cursor"

// GatewayOptions holds optional dependencies of a Gateway. All fields are
// nil-safe.
type GatewayOptions struct {
	// Logger is the structured logger for request events. Defaults to
	// slog.Default when nil.
	Logger *slog.Logger

	// Metrics enables Prometheus metrics collection. When nil, metrics are
	// disabled.
	Metrics *metrics.Registry

	// Usage is the async usage-record logger. When nil, accounting is skipped.
	Usage *logger.Logger

	// History is the async conversation-history writer used by the think-tag
	// pipeline. When nil, persistence is disabled.
	History *history.Writer
}

// Gateway is the main dispatcher — all dependencies are injected via the
// constructor so they can be replaced with doubles in unit tests.
type Gateway struct {
	providers map[string]providers.Provider
	creds     *cache.CredentialCache
	models    *cache.ModelCache

	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry
	usage   *logger.Logger

	identity pipeline.Pipeline
	thinktag pipeline.Pipeline

	// CORS allowed origins. Empty means allow all.
	corsOrigins []string
}

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// NewGateway creates a Gateway over the given provider registry and caches.
func NewGateway(
	baseCtx context.Context,
	provs map[string]providers.Provider,
	creds *cache.CredentialCache,
	models *cache.ModelCache,
	opts GatewayOptions,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Gateway{
		providers: provs,
		creds:     creds,
		models:    models,
		baseCtx:   baseCtx,
		log:       log,
		metrics:   opts.Metrics,
		usage:     opts.Usage,
		identity:  pipeline.NewIdentity(log),
		thinktag:  pipeline.NewThinkTag(log, opts.History),
	}
}

// pipelineFor maps a credential purpose to its rewrite pipeline.
func (g *Gateway) pipelineFor(purpose string) pipeline.Pipeline {
	if purpose == purposeCursor {
		return g.thinktag
	}
	return g.identity
}

// authorize resolves the request's bearer credential. Returns nil after
// writing a 401 when the credential is missing or invalid.
func (g *Gateway) authorize(ctx *fasthttp.RequestCtx) *keystore.Credential {
	token := parseBearerToken(string(ctx.Request.Header.Peek("Authorization")))
	if token == "" {
		apierr.WriteUnauthorized(ctx)
		return nil
	}
	cred := g.creds.Lookup(ctx, token)
	if cred == nil {
		apierr.WriteUnauthorized(ctx)
		return nil
	}
	return cred
}

func parseBearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// dispatchChat is the core handler for POST /v1/chat/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "chat_completions"
	streaming := false

	g.metrics.IncInFlight()
	defer func() {
		if streaming {
			return // finalised by the stream writer
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	// 1. Credential check — before any parsing or provider work.
	cred := g.authorize(ctx)
	if cred == nil {
		return
	}

	// 2. Parse request body.
	var req providers.ChatRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	// 3. Resolve provider from the model prefix.
	providerName, nativeModel, ok := providers.SplitModel(req.Model)
	if !ok {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'model' must have the form 'provider/model'",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	prov, ok := g.providers[providerName]
	if !ok {
		apierr.WriteModelNotFound(ctx, req.Model)
		return
	}

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.String("provider", providerName),
		slog.String("purpose", cred.Purpose),
		slog.Bool("stream", req.Stream),
	)

	// 4. Conversation identity and pipeline selection.
	pipe := g.pipelineFor(cred.Purpose)
	pctx := &pipeline.Context{
		ConversationID: chatid.Derive(req.Tools, req.Messages),
		DisplayModel:   req.Model,
	}

	upstream := req.Clone()
	upstream.Model = nativeModel
	pipe.PreprocessRequest(pctx, upstream)
	pctx.History = append([]providers.Message(nil), upstream.Messages...)

	if !req.Stream {
		g.serveCompletion(ctx, prov, pipe, pctx, upstream, cred, start)
		return
	}

	streaming = g.serveStream(ctx, prov, pipe, pctx, upstream, cred, route, start)
}

func (g *Gateway) serveCompletion(
	ctx *fasthttp.RequestCtx,
	prov providers.Provider,
	pipe pipeline.Pipeline,
	pctx *pipeline.Context,
	upstream *providers.ChatRequest,
	cred *keystore.Credential,
	start time.Time,
) {
	upCtx, cancel := context.WithTimeout(ctx, providers.CompletionTimeout)
	defer cancel()

	upStart := time.Now()
	resp, err := prov.ChatCompletion(upCtx, upstream)
	upDur := time.Since(upStart)
	if err != nil {
		g.metrics.ObserveUpstreamAttempt(prov.Name(), "error", upDur)
		g.log.ErrorContext(ctx, "upstream_error",
			slog.String("provider", prov.Name()),
			slog.String("error", err.Error()),
		)
		handleProviderError(ctx, err)
		g.recordUsage(pctx, cred, prov.Name(), ctx.Response.StatusCode(), false, start)
		return
	}
	g.metrics.ObserveUpstreamAttempt(prov.Name(), "success", upDur)

	// The client-facing model name replaces whatever the upstream reported.
	resp.Model = pctx.DisplayModel
	pipe.PostprocessResponse(pctx, resp)
	if resp.Usage != nil {
		pctx.Usage = *resp.Usage
	}

	body, err := json.Marshal(resp)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)

	g.metrics.AddTokens(prov.Name(), pctx.Usage.PromptTokens, pctx.Usage.CompletionTokens)
	g.recordUsage(pctx, cred, prov.Name(), fasthttp.StatusOK, false, start)
}

// serveStream forwards a rewritten SSE stream to the client. Returns true
// when the stream writer has taken over metrics finalisation.
func (g *Gateway) serveStream(
	ctx *fasthttp.RequestCtx,
	prov providers.Provider,
	pipe pipeline.Pipeline,
	pctx *pipeline.Context,
	upstream *providers.ChatRequest,
	cred *keystore.Credential,
	route string,
	start time.Time,
) bool {
	upStart := time.Now()
	lines, err := prov.ChatCompletionStream(ctx, upstream)
	if err != nil {
		g.metrics.ObserveUpstreamAttempt(prov.Name(), "error", time.Since(upStart))
		g.log.ErrorContext(ctx, "upstream_stream_error",
			slog.String("provider", prov.Name()),
			slog.String("error", err.Error()),
		)
		handleProviderError(ctx, err)
		g.recordUsage(pctx, cred, prov.Name(), ctx.Response.StatusCode(), true, start)
		return false
	}
	g.metrics.ObserveUpstreamAttempt(prov.Name(), "success", time.Since(upStart))

	out := pipe.RewriteStream(pctx, lines)

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.Response.Header.Set("Content-Type", "text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")

	providerName := prov.Name()
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer

		chunks := 0
		for line := range out {
			// Keep draining after a client disconnect: the pipeline must see
			// the whole stream so accumulation and persistence still finish.
			fmt.Fprintf(w, "%s\n\n", line)
			w.Flush() //nolint:errcheck
			chunks++
		}

		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(route, fasthttp.StatusOK, time.Since(start))
		g.metrics.AddStreamChunks(providerName, chunks)
		g.metrics.AddTokens(providerName, pctx.Usage.PromptTokens, pctx.Usage.CompletionTokens)
		g.recordUsage(pctx, cred, providerName, fasthttp.StatusOK, true, start)
	})
	return true
}

// dispatchModels handles GET /v1/models.
func (g *Gateway) dispatchModels(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	g.metrics.IncInFlight()
	defer func() {
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP("models", ctx.Response.StatusCode(), time.Since(start))
	}()

	if g.authorize(ctx) == nil {
		return
	}

	list := providers.ModelList{
		Object: "list",
		Data:   g.models.List(ctx),
	}
	if list.Data == nil {
		list.Data = []providers.Model{}
	}
	writeJSON(ctx, list)
}

// handlePing answers GET|POST /v1/ping with zero gateway logic. Used to
// measure raw server overhead.
func (g *Gateway) handlePing(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]string{"status": "OK"})
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{
		"status":    "ok",
		"providers": len(g.providers),
	})
}

func (g *Gateway) recordUsage(
	pctx *pipeline.Context,
	cred *keystore.Credential,
	provider string,
	status int,
	stream bool,
	start time.Time,
) {
	if g.usage == nil {
		return
	}
	g.usage.Log(logger.UsageRecord{
		ID:               uuid.New(),
		UserID:           cred.UserID,
		ConversationID:   pctx.ConversationID,
		Provider:         provider,
		Model:            pctx.DisplayModel,
		PromptTokens:     pctx.Usage.PromptTokens,
		CompletionTokens: pctx.Usage.CompletionTokens,
		TotalTokens:      pctx.Usage.TotalTokens,
		CachedTokens:     pctx.Usage.CachedTokens,
		LatencyMs:        time.Since(start).Milliseconds(),
		Status:           status,
		Stream:           stream,
		CreatedAt:        time.Now(),
	})
}

// handleProviderError maps an upstream failure to a client response.
func handleProviderError(ctx *fasthttp.RequestCtx, err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		apierr.WriteTimeout(ctx)
		return
	}
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		apierr.WriteProviderError(ctx, sc.HTTPStatus(), err.Error())
		return
	}
	apierr.Write(ctx, fasthttp.StatusBadGateway, err.Error(),
		apierr.TypeProviderError, apierr.CodeProviderError)
}
