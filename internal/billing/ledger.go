package billing

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/PoYuTsai/VibeSync/internal/telemetry"
	"github.com/PoYuTsai/VibeSync/internal/worker"
)

const (
	tableCalls      = "ai_logs"
	tableTokenUsage = "token_usage"
)

// Submitter accepts background jobs without blocking. *worker.Pool satisfies it.
type Submitter interface {
	Submit(job worker.Job) error
}

// Ledger records calls and token usage on a best-effort basis. Recording
// never fails the caller: write errors and dropped writes are logged and
// counted, nothing more.
type Ledger struct {
	store   Store
	pool    Submitter
	metrics *telemetry.Metrics
	logger  zerolog.Logger
}

func NewLedger(store Store, pool Submitter, metrics *telemetry.Metrics, logger zerolog.Logger) *Ledger {
	return &Ledger{
		store:   store,
		pool:    pool,
		metrics: metrics,
		logger:  logger.With().Str("component", "ledger").Logger(),
	}
}

// RecordCall prices the entry, strips bodies unless the call failed and
// queues the write.
func (l *Ledger) RecordCall(_ context.Context, entry UsageLog) {
	if entry.RequestType == "" {
		entry.RequestType = RequestTypeAnalyze
	}
	entry.CostUSD = Cost(entry.Model, entry.InputTokens, entry.OutputTokens)
	if entry.Status != StatusFailed {
		entry.RequestBody = nil
		entry.ResponseBody = nil
	}

	l.submit(tableCalls, entry.TenantID, func(ctx context.Context) error {
		return l.store.LogCall(ctx, &entry)
	})
}

func (l *Ledger) RecordTokenUsage(_ context.Context, usage TokenUsage) {
	usage.CostUSD = Cost(usage.Model, usage.InputTokens, usage.OutputTokens)
	l.metrics.Cost(usage.Model, usage.CostUSD)

	l.submit(tableTokenUsage, usage.TenantID, func(ctx context.Context) error {
		return l.store.LogTokenUsage(ctx, &usage)
	})
}

func (l *Ledger) submit(table, tenantID string, write func(ctx context.Context) error) {
	job := worker.Job{
		Name: table,
		Run: func(ctx context.Context) error {
			if err := write(ctx); err != nil {
				l.metrics.LedgerFailure(table, "error")
				l.logger.Error().Err(err).Str("table", table).Str("tenant_id", tenantID).Msg("ledger write failed")
			}
			return nil
		},
	}
	if err := l.pool.Submit(job); err != nil {
		l.metrics.LedgerFailure(table, "dropped")
		l.logger.Warn().Err(err).Str("table", table).Str("tenant_id", tenantID).Msg("ledger write dropped")
	}
}
