package provider

import (
	"context"
	"fmt"
)

type Request struct {
	Model     string
	System    string
	Messages  []Message
	MaxTokens int
	// Metadata for tracing
	RequestID string
}

type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

type Usage struct {
	InputTokens              int
	OutputTokens             int
	CacheCreationInputTokens int
	CacheReadInputTokens     int
}

type Response struct {
	ID        string
	Content   string
	Model     string
	Usage     Usage
	LatencyMs int64
}

// StatusError is returned for any non-2xx upstream response.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s api error (status %d): %s", e.Provider, e.StatusCode, string(e.Body))
}

type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	Name() string
}
