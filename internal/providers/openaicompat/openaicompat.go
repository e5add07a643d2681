// Package openaicompat implements the Provider interface over any upstream
// that speaks the OpenAI chat completion protocol. Every live provider of the
// gateway (deepseek, moonshot, zai) is an instance of this client with its
// own base URL and key.
package openaicompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nulpointcorp/llm-bridge/internal/providers"
	"github.com/nulpointcorp/llm-bridge/internal/sse"
)

// scanBufSize bounds a single SSE line. Tool-call argument deltas can carry
// large JSON fragments, so the default 64K token limit is not enough.
const scanBufSize = 1 << 20

type Provider struct {
	name    string
	baseURL string
	apiKey  string

	mergeToolContent bool

	// client bounds non-streaming calls; streamClient has no timeout because
	// a stream stays open for as long as the upstream keeps producing.
	client       *http.Client
	streamClient *http.Client
}

type Option func(*Provider)

// WithToolContentMerge flattens block-list content of tool-role messages into
// a plain string before the request goes upstream. Needed for upstreams that
// reject multimodal tool results.
func WithToolContentMerge() Option {
	return func(p *Provider) { p.mergeToolContent = true }
}

func New(name, baseURL, apiKey string, opts ...Option) *Provider {
	p := &Provider{
		name:         name,
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		apiKey:       apiKey,
		client:       &http.Client{Timeout: providers.CompletionTimeout},
		streamClient: &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) ChatCompletion(ctx context.Context, req *providers.ChatRequest) (*providers.ChatCompletion, error) {
	body, err := p.buildBody(req, false)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.name, err)
	}

	httpReq, err := p.newRequest(ctx, http.MethodPost, "/chat/completions", body)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, p.parseError(resp)
	}

	var completion providers.ChatCompletion
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", p.name, err)
	}
	return &completion, nil
}

func (p *Provider) ChatCompletionStream(ctx context.Context, req *providers.ChatRequest) (<-chan string, error) {
	body, err := p.buildBody(req, true)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.name, err)
	}

	httpReq, err := p.newRequest(ctx, http.MethodPost, "/chat/completions", body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.streamClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.name, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, p.parseError(resp)
	}

	ch := make(chan string, 64)

	go func() {
		defer resp.Body.Close()
		defer close(ch)

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), scanBufSize)

		for scanner.Scan() {
			line := scanner.Text()
			if strings.TrimSpace(line) == "" {
				continue
			}
			ch <- line
			if strings.TrimSpace(line) == sse.Done {
				return
			}
		}
		// scanner error or EOF without [DONE]: the channel just closes early
	}()

	return ch, nil
}

func (p *Provider) ListModels(ctx context.Context) ([]providers.Model, error) {
	ctx, cancel := context.WithTimeout(ctx, providers.ListModelsTimeout)
	defer cancel()

	httpReq, err := p.newRequest(ctx, http.MethodGet, "/models", nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.streamClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, p.parseError(resp)
	}

	var list providers.ModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("%s: decode model list: %w", p.name, err)
	}
	return list.Data, nil
}

func (p *Provider) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.name, err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (p *Provider) buildBody(req *providers.ChatRequest, stream bool) ([]byte, error) {
	upstream := req.Clone()
	upstream.Stream = stream
	if p.mergeToolContent {
		flattenToolContent(upstream)
	}

	data, err := json.Marshal(upstream)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return data, nil
}

// flattenToolContent rewrites tool-role messages whose content is a block
// list into plain strings.
func flattenToolContent(req *providers.ChatRequest) {
	for i, msg := range req.Messages {
		if msg.Role != "tool" || msg.Content == nil || msg.Content.IsString() {
			continue
		}

		var b strings.Builder
		for _, block := range msg.Content.Blocks {
			switch block.Type {
			case "text":
				b.WriteString(block.Text)
			case "image_url":
				url := ""
				if block.ImageURL != nil {
					url = block.ImageURL.URL
				}
				fmt.Fprintf(&b, "\n[Attached Image: %s]\n", url)
			default:
				fmt.Fprintf(&b, "\n[Unsupported Multimodal Block: %s]\n", block.Type)
			}
		}

		m := msg
		m.Content = providers.TextContent(b.String())
		req.Messages[i] = m
	}
}

func (p *Provider) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var envelope struct {
		Error *struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    any    `json:"code"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error != nil {
		return &ProviderError{
			Provider:   p.name,
			StatusCode: resp.StatusCode,
			Message:    envelope.Error.Message,
			Type:       envelope.Error.Type,
			Code:       fmt.Sprint(envelope.Error.Code),
		}
	}

	return &ProviderError{
		Provider:   p.name,
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("unexpected status %d", resp.StatusCode),
		Type:       "provider_error",
	}
}

type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Type       string
	Code       string
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s (status=%d, type=%s)", e.Provider, e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements providers.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }
