package claude

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PoYuTsai/VibeSync/internal/provider"
)

const (
	anthropicVersion = "2023-06-01"
	defaultMaxTokens = 1024

	// A token is a few UTF-8 bytes at most; JSON escaping can multiply that.
	bytesPerToken         = 32
	responseEnvelopeBytes = 64 << 10
)

type ClaudeProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type claudeRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens"`
	System    string          `json:"system,omitempty"`
	Messages  []claudeMessage `json:"messages"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeResponse struct {
	ID      string          `json:"id"`
	Content []claudeContent `json:"content"`
	Model   string          `json:"model"`
	Usage   claudeUsage     `json:"usage"`
}

type claudeContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type claudeUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

type Option func(*ClaudeProvider)

func WithBaseURL(url string) Option {
	return func(p *ClaudeProvider) { p.baseURL = strings.TrimRight(url, "/") }
}

func WithHTTPClient(c *http.Client) Option {
	return func(p *ClaudeProvider) { p.client = c }
}

// New builds the Anthropic Messages API client. Deadlines come from the
// request context; the HTTP client itself has no timeout.
func New(apiKey string, opts ...Option) *ClaudeProvider {
	p := &ClaudeProvider{
		apiKey:  apiKey,
		baseURL: "https://api.anthropic.com/v1",
		client:  &http.Client{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *ClaudeProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	cr := p.mapRequest(req)
	body, err := json.Marshal(cr)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/messages", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	if req.RequestID != "" {
		httpReq.Header.Set("X-Request-ID", req.RequestID)
	}

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	limit := maxResponseBytes(cr.MaxTokens)
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read claude response: %w", err)
	}
	truncated := int64(len(respBody)) > limit
	if truncated {
		respBody = respBody[:limit]
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &provider.StatusError{
			Provider:   p.Name(),
			StatusCode: resp.StatusCode,
			Body:       respBody,
		}
	}

	out := &provider.Response{Model: req.Model}

	// A 2xx body that is oversized, undecodable or without text yields an
	// empty Content. The call itself succeeded; the caller decides what an
	// unusable answer means.
	var claudeResp claudeResponse
	if truncated || json.Unmarshal(respBody, &claudeResp) != nil {
		out.LatencyMs = time.Since(start).Milliseconds()
		return out, nil
	}

	var text strings.Builder
	for _, c := range claudeResp.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}

	out.ID = claudeResp.ID
	out.Content = text.String()
	if claudeResp.Model != "" {
		out.Model = claudeResp.Model
	}
	out.Usage = provider.Usage{
		InputTokens:              claudeResp.Usage.InputTokens,
		OutputTokens:             claudeResp.Usage.OutputTokens,
		CacheCreationInputTokens: claudeResp.Usage.CacheCreationInputTokens,
		CacheReadInputTokens:     claudeResp.Usage.CacheReadInputTokens,
	}
	out.LatencyMs = time.Since(start).Milliseconds()
	return out, nil
}

// maxResponseBytes bounds the body read for a request of maxTokens output
// tokens: a generous per-token byte allowance plus room for the envelope.
func maxResponseBytes(maxTokens int) int64 {
	return responseEnvelopeBytes + int64(maxTokens)*bytesPerToken
}

func (p *ClaudeProvider) mapRequest(req *provider.Request) claudeRequest {
	messages := make([]claudeMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := "user"
		if m.Role == "assistant" {
			role = "assistant"
		}
		messages = append(messages, claudeMessage{Role: role, Content: m.Content})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	return claudeRequest{
		Model:     req.Model,
		MaxTokens: maxTokens,
		System:    req.System,
		Messages:  messages,
	}
}

func (p *ClaudeProvider) Name() string {
	return "claude"
}
