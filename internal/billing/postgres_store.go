package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) LogCall(ctx context.Context, log *UsageLog) error {
	query := `
		INSERT INTO ai_logs (
			tenant_id, request_id, model, request_type, input_tokens, output_tokens,
			cost_usd, latency_ms, status, error_code, error_message,
			fallback_used, retry_count, request_body, response_body, api_key_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), NULLIF($11, ''), $12, $13, $14, $15, NULLIF($16, '')::uuid)
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query,
		log.TenantID, log.RequestID, log.Model, log.RequestType,
		log.InputTokens, log.OutputTokens, log.CostUSD, log.LatencyMs,
		string(log.Status), log.ErrorCode, log.ErrorMessage,
		log.FallbackUsed, log.RetryCount, nullJSON(log.RequestBody), nullJSON(log.ResponseBody),
		log.APIKeyID,
	).Scan(&log.ID, &log.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to log ai call: %w", err)
	}

	return nil
}

func (s *PostgresStore) LogTokenUsage(ctx context.Context, usage *TokenUsage) error {
	query := `
		INSERT INTO token_usage (
			tenant_id, model, input_tokens, output_tokens,
			cache_creation_tokens, cache_read_tokens, cost_usd, conversation_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''))
	`
	_, err := s.db.Exec(ctx, query,
		usage.TenantID, usage.Model, usage.InputTokens, usage.OutputTokens,
		usage.CacheCreationTokens, usage.CacheReadTokens, usage.CostUSD, usage.ConversationID,
	)
	if err != nil {
		return fmt.Errorf("failed to log token usage: %w", err)
	}

	return nil
}

func (s *PostgresStore) GetUsageByTenant(ctx context.Context, tenantID string, from, to time.Time) ([]*UsageLog, error) {
	query := `
		SELECT id, tenant_id, request_id, model, request_type, input_tokens, output_tokens,
		       cost_usd, latency_ms, status, COALESCE(error_code, ''), COALESCE(error_message, ''),
		       fallback_used, retry_count, COALESCE(api_key_id::text, ''), created_at
		FROM ai_logs
		WHERE tenant_id = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query ai logs: %w", err)
	}
	defer rows.Close()

	var logs []*UsageLog
	for rows.Next() {
		var l UsageLog
		var status string
		err := rows.Scan(
			&l.ID, &l.TenantID, &l.RequestID, &l.Model, &l.RequestType,
			&l.InputTokens, &l.OutputTokens, &l.CostUSD, &l.LatencyMs, &status,
			&l.ErrorCode, &l.ErrorMessage, &l.FallbackUsed, &l.RetryCount, &l.APIKeyID, &l.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ai log: %w", err)
		}
		l.Status = Status(status)
		logs = append(logs, &l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ai logs: %w", err)
	}

	return logs, nil
}

func (s *PostgresStore) GetTotalCostByTenant(ctx context.Context, tenantID string, from, to time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(cost_usd), 0)
		FROM ai_logs
		WHERE tenant_id = $1 AND created_at BETWEEN $2 AND $3
	`
	var total float64
	err := s.db.QueryRow(ctx, query, tenantID, from, to).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to get total cost: %w", err)
	}

	return total, nil
}

// nullJSON maps an empty body to SQL NULL.
func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
