// Package ollama implements providers.Provider for a local or self-hosted
// Ollama daemon. Ollama's wire format differs from the OpenAI-compatible
// providers: requests go to "/api/chat" and a streaming response is a
// newline-delimited sequence of bare JSON objects, not an SSE event stream.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/relaymesh/infergate/internal/providers"
)

const (
	defaultBaseURL = "http://localhost:11434"
	providerName   = "ollama"
)

// Provider talks to an Ollama daemon's native /api/chat endpoint.
type Provider struct {
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the daemon's base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(u, "/") }
}

// WithLogger attaches the shared structured logger a Dispatcher threads
// through every provider client, in place of the package-level default.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// New creates a new Ollama Provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: providers.ProviderTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("ollama: health check: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		werr := fmt.Errorf("ollama: health check: %w", err)
		p.log.WarnContext(ctx, "provider health check failed", slog.String("provider", providerName), slog.Any("error", werr))
		return werr
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		werr := fmt.Errorf("ollama: health check: status %d", resp.StatusCode)
		p.log.WarnContext(ctx, "provider health check failed", slog.String("provider", providerName), slog.Any("error", werr))
		return werr
	}
	return nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  *chatOptions  `json:"options,omitempty"`
}

type chatResponse struct {
	Model   string      `json:"model"`
	Message chatMessage `json:"message"`
	Done    bool        `json:"done"`
	Error   string      `json:"error"`

	PromptEvalCount int `json:"prompt_eval_count"`
	EvalCount       int `json:"eval_count"`
}

func (p *Provider) Request(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	start := time.Now()
	body := buildChatRequest(req)

	p.log.DebugContext(ctx, "dispatching request",
		slog.String("provider", providerName),
		slog.String("model", req.Model),
		slog.Bool("stream", req.Stream),
	)

	var resp *providers.ProxyResponse
	var err error
	if req.Stream {
		resp, err = p.handleStreaming(ctx, body)
	} else {
		resp, err = p.handleResponse(ctx, body)
	}
	if err != nil {
		p.log.WarnContext(ctx, "request failed",
			slog.String("provider", providerName),
			slog.String("model", req.Model),
			slog.Duration("elapsed", time.Since(start)),
			slog.Any("error", err),
		)
	}
	return resp, err
}

func buildChatRequest(req *providers.ProxyRequest) chatRequest {
	msgs := make([]chatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, chatMessage{Role: m.Role, Content: m.Content})
	}

	var opts *chatOptions
	if req.Temperature > 0 || req.MaxTokens > 0 {
		opts = &chatOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens}
	}

	return chatRequest{
		Model:    req.Model,
		Messages: msgs,
		Stream:   req.Stream,
		Options:  opts,
	}
}

func (p *Provider) handleResponse(ctx context.Context, body chatRequest) (*providers.ProxyResponse, error) {
	raw, err := p.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer raw.Close()

	var cr chatResponse
	if err := json.NewDecoder(raw).Decode(&cr); err != nil {
		return nil, fmt.Errorf("ollama: decode response: %w", err)
	}
	if cr.Error != "" {
		return nil, &ProviderError{StatusCode: http.StatusBadGateway, Message: cr.Error}
	}

	return &providers.ProxyResponse{
		Model:   cr.Model,
		Content: cr.Message.Content,
		Usage: providers.Usage{
			InputTokens:  cr.PromptEvalCount,
			OutputTokens: cr.EvalCount,
		},
	}, nil
}

func (p *Provider) handleStreaming(ctx context.Context, body chatRequest) (*providers.ProxyResponse, error) {
	raw, err := p.post(ctx, body)
	if err != nil {
		return nil, err
	}

	ch := make(chan providers.StreamChunk, 64)

	go func() {
		defer close(ch)
		defer raw.Close()

		scanner := bufio.NewScanner(raw)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var cr chatResponse
			if err := json.Unmarshal(line, &cr); err != nil {
				ch <- providers.StreamChunk{Content: fmt.Sprintf("[stream error] %v", err), FinishReason: "error"}
				return
			}
			if cr.Error != "" {
				ch <- providers.StreamChunk{Content: fmt.Sprintf("[stream error] %s", cr.Error), FinishReason: "error"}
				return
			}
			finish := ""
			if cr.Done {
				finish = "stop"
			}
			if cr.Message.Content != "" || finish != "" {
				ch <- providers.StreamChunk{Content: cr.Message.Content, FinishReason: finish}
			}
		}
		if err := scanner.Err(); err != nil {
			ch <- providers.StreamChunk{Content: fmt.Sprintf("[stream error] %v", err), FinishReason: "error"}
		}
	}()

	return &providers.ProxyResponse{Stream: ch}, nil
}

func (p *Provider) post(ctx context.Context, body chatRequest) (io.ReadCloser, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("ollama: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("ollama: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &ProviderError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	return resp.Body, nil
}

// ProviderError is returned when the Ollama daemon reports a non-200 status
// or an in-band "error" field.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("ollama: %s (status=%d)", e.Message, e.StatusCode)
}

// HTTPStatus implements providers.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }
