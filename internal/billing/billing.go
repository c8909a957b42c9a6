package billing

import (
	"context"
	"encoding/json"
	"time"
)

type Status string

const (
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
	StatusFiltered Status = "filtered"
)

const RequestTypeAnalyze = "analyze"

// UsageLog is one row of the append-only AI call log.
type UsageLog struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenant_id"`
	RequestID    string          `json:"request_id"`
	APIKeyID     string          `json:"api_key_id,omitempty"`
	Model        string          `json:"model"`
	RequestType  string          `json:"request_type"`
	InputTokens  int             `json:"input_tokens"`
	OutputTokens int             `json:"output_tokens"`
	CostUSD      float64         `json:"cost_usd"`
	LatencyMs    int64           `json:"latency_ms"`
	Status       Status          `json:"status"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	FallbackUsed bool            `json:"fallback_used"`
	RetryCount   int             `json:"retry_count"`
	RequestBody  json.RawMessage `json:"-"` // kept only for failed calls
	ResponseBody json.RawMessage `json:"-"`
	CreatedAt    time.Time       `json:"created_at"`
}

// TokenUsage is one row of the per-call token ledger. Cache token counts are
// stored for analysis and never priced.
type TokenUsage struct {
	TenantID            string
	Model               string
	InputTokens         int
	OutputTokens        int
	CacheCreationTokens int
	CacheReadTokens     int
	CostUSD             float64
	ConversationID      string
}

type Store interface {
	LogCall(ctx context.Context, log *UsageLog) error
	LogTokenUsage(ctx context.Context, usage *TokenUsage) error
	GetUsageByTenant(ctx context.Context, tenantID string, from, to time.Time) ([]*UsageLog, error)
	GetTotalCostByTenant(ctx context.Context, tenantID string, from, to time.Time) (float64, error)
}
