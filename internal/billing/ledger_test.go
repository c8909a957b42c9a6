package billing

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/PoYuTsai/VibeSync/internal/telemetry"
	"github.com/PoYuTsai/VibeSync/internal/worker"
)

type mockStore struct {
	mu           sync.Mutex
	calls        []*UsageLog
	tokens       []*TokenUsage
	logCallErr   error
	logTokensErr error
}

func (m *mockStore) LogCall(ctx context.Context, log *UsageLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, log)
	return m.logCallErr
}

func (m *mockStore) LogTokenUsage(ctx context.Context, usage *TokenUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = append(m.tokens, usage)
	return m.logTokensErr
}

func (m *mockStore) GetUsageByTenant(ctx context.Context, tenantID string, from, to time.Time) ([]*UsageLog, error) {
	return nil, nil
}

func (m *mockStore) GetTotalCostByTenant(ctx context.Context, tenantID string, from, to time.Time) (float64, error) {
	return 0, nil
}

// inlineSubmitter runs jobs on the calling goroutine.
type inlineSubmitter struct {
	err error
}

func (s inlineSubmitter) Submit(job worker.Job) error {
	if s.err != nil {
		return s.err
	}
	return job.Run(context.Background())
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-12
}

func TestCost(t *testing.T) {
	tests := []struct {
		model string
		in    int
		out   int
		want  float64
	}{
		{"claude-sonnet-4-20250514", 1000, 1000, 0.018},
		{"claude-sonnet-4-20250514", 2000, 500, 0.0135},
		{"claude-haiku-4-5-20251001", 1000, 1000, 0.0048},
		{"claude-3-5-haiku-20241022", 500, 250, 0.0014},
		{"unknown-model", 1000, 1000, 0.0048},
		{"claude-sonnet-4-20250514", 0, 0, 0},
	}
	for _, tt := range tests {
		if got := Cost(tt.model, tt.in, tt.out); !almostEqual(got, tt.want) {
			t.Errorf("Cost(%s, %d, %d) = %v, want %v", tt.model, tt.in, tt.out, got, tt.want)
		}
	}
}

func TestRateFor_Unknown(t *testing.T) {
	r, ok := RateFor("gpt-4")
	if ok {
		t.Error("Expected unknown model to be reported")
	}
	if r != cheapest {
		t.Errorf("Expected cheapest rate, got %+v", r)
	}
}

func TestCheapestRate(t *testing.T) {
	for model, r := range rates {
		if r.Input+r.Output < cheapest.Input+cheapest.Output {
			t.Errorf("%s is cheaper than the fallback rate %+v", model, cheapest)
		}
	}

	table := map[string]Rate{
		"big":   {Input: 0.01, Output: 0.05},
		"small": {Input: 0.0001, Output: 0.0002},
		"mid":   {Input: 0.001, Output: 0.002},
	}
	if got := cheapestRate(table); got != table["small"] {
		t.Errorf("Expected the smallest combined rate, got %+v", got)
	}
}

func TestRecordCall_StripsBodiesUnlessFailed(t *testing.T) {
	store := &mockStore{}
	l := NewLedger(store, inlineSubmitter{}, nil, zerolog.Nop())

	body := json.RawMessage(`{"model":"x"}`)
	l.RecordCall(context.Background(), UsageLog{
		TenantID: "t1", Model: "claude-sonnet-4-20250514", Status: StatusSuccess,
		InputTokens: 1000, OutputTokens: 1000, RequestBody: body, ResponseBody: body,
	})
	l.RecordCall(context.Background(), UsageLog{
		TenantID: "t1", Model: "claude-sonnet-4-20250514", Status: StatusFiltered,
		RequestBody: body, ResponseBody: body,
	})
	l.RecordCall(context.Background(), UsageLog{
		TenantID: "t1", Model: "claude-sonnet-4-20250514", Status: StatusFailed,
		ErrorCode: "ALL_MODELS_FAILED", RequestBody: body, ResponseBody: body,
	})

	if len(store.calls) != 3 {
		t.Fatalf("Expected 3 calls logged, got %d", len(store.calls))
	}
	if store.calls[0].RequestBody != nil || store.calls[0].ResponseBody != nil {
		t.Error("Expected bodies stripped for success")
	}
	if store.calls[1].RequestBody != nil {
		t.Error("Expected bodies stripped for filtered")
	}
	if string(store.calls[2].RequestBody) != string(body) || string(store.calls[2].ResponseBody) != string(body) {
		t.Error("Expected bodies kept for failed")
	}
	if !almostEqual(store.calls[0].CostUSD, 0.018) {
		t.Errorf("Expected cost 0.018, got %v", store.calls[0].CostUSD)
	}
	if store.calls[0].RequestType != RequestTypeAnalyze {
		t.Errorf("Expected default request type, got %s", store.calls[0].RequestType)
	}
}

func TestRecordTokenUsage(t *testing.T) {
	store := &mockStore{}
	l := NewLedger(store, inlineSubmitter{}, nil, zerolog.Nop())

	l.RecordTokenUsage(context.Background(), TokenUsage{
		TenantID: "t1", Model: "claude-3-5-haiku-20241022",
		InputTokens: 1000, OutputTokens: 1000, CacheReadTokens: 4000,
		ConversationID: "conv-1",
	})

	if len(store.tokens) != 1 {
		t.Fatalf("Expected 1 token usage row, got %d", len(store.tokens))
	}
	u := store.tokens[0]
	if !almostEqual(u.CostUSD, 0.0048) {
		t.Errorf("Expected cache tokens to be unpriced, cost %v", u.CostUSD)
	}
	if u.CacheReadTokens != 4000 || u.ConversationID != "conv-1" {
		t.Errorf("Unexpected row %+v", u)
	}
}

func TestLedger_FailuresAreSwallowedAndCounted(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)

	store := &mockStore{logCallErr: errors.New("db down")}
	l := NewLedger(store, inlineSubmitter{}, metrics, zerolog.Nop())
	l.RecordCall(context.Background(), UsageLog{TenantID: "t1", Model: "m", Status: StatusSuccess})

	dropping := NewLedger(store, inlineSubmitter{err: worker.ErrQueueFull}, metrics, zerolog.Nop())
	dropping.RecordTokenUsage(context.Background(), TokenUsage{TenantID: "t1", Model: "m"})

	if got := testutil.ToFloat64(metrics.LedgerFailures.WithLabelValues(tableCalls, "error")); got != 1 {
		t.Errorf("Expected 1 write error counted, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.LedgerFailures.WithLabelValues(tableTokenUsage, "dropped")); got != 1 {
		t.Errorf("Expected 1 dropped write counted, got %v", got)
	}
	if len(store.tokens) != 0 {
		t.Error("Expected dropped write never to reach the store")
	}
}

func TestLedger_WithWorkerPool(t *testing.T) {
	store := &mockStore{}
	pool := worker.NewPool(8, 2, time.Second)
	l := NewLedger(store, pool, nil, zerolog.Nop())

	for i := 0; i < 5; i++ {
		l.RecordCall(context.Background(), UsageLog{TenantID: "t1", Model: "m", Status: StatusSuccess})
	}
	if err := pool.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.calls) != 5 {
		t.Errorf("Expected 5 calls written, got %d", len(store.calls))
	}
}
