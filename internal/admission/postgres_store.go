package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/PoYuTsai/VibeSync/internal/plan"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore implements SubscriptionStore and WindowStore on the
// subscriptions and rate_windows tables.
type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Provision(ctx context.Context, sub *Subscription) error {
	query := `
		INSERT INTO subscriptions (tenant_id, tier, monthly_messages_used, daily_messages_used, daily_reset_at, monthly_reset_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id) DO UPDATE SET tier = excluded.tier
	`
	_, err := s.db.Exec(ctx, query,
		sub.TenantID, string(sub.Tier), sub.MonthlyUsed, sub.DailyUsed, sub.DailyResetAt, sub.MonthlyResetAt,
	)
	if err != nil {
		return fmt.Errorf("failed to provision subscription: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSubscription(ctx context.Context, tenantID string) (*Subscription, error) {
	query := `
		SELECT tier, monthly_messages_used, daily_messages_used, daily_reset_at, monthly_reset_at
		FROM subscriptions
		WHERE tenant_id = $1
	`
	sub, err := scanSubscription(s.db.QueryRow(ctx, query, tenantID), tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

func (s *PostgresStore) ResetDaily(ctx context.Context, tenantID string, at time.Time) error {
	query := `UPDATE subscriptions SET daily_messages_used = 0, daily_reset_at = $2 WHERE tenant_id = $1`
	return s.exec(ctx, "reset daily usage", query, tenantID, at)
}

func (s *PostgresStore) ResetMonthly(ctx context.Context, tenantID string, at time.Time) error {
	query := `UPDATE subscriptions SET monthly_messages_used = 0, monthly_reset_at = $2 WHERE tenant_id = $1`
	return s.exec(ctx, "reset monthly usage", query, tenantID, at)
}

func (s *PostgresStore) AddUsage(ctx context.Context, tenantID string, units int) (*Subscription, error) {
	query := `
		UPDATE subscriptions
		SET daily_messages_used = daily_messages_used + $2,
		    monthly_messages_used = monthly_messages_used + $2
		WHERE tenant_id = $1
		RETURNING tier, monthly_messages_used, daily_messages_used, daily_reset_at, monthly_reset_at
	`
	sub, err := scanSubscription(s.db.QueryRow(ctx, query, tenantID, units), tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to add usage: %w", err)
	}
	return sub, nil
}

func (s *PostgresStore) GetWindow(ctx context.Context, tenantID string, now time.Time) (*RateWindow, error) {
	// The no-op update makes RETURNING yield the existing row on conflict.
	query := `
		INSERT INTO rate_windows (tenant_id, minute_count, minute_window_start)
		VALUES ($1, 0, $2)
		ON CONFLICT (tenant_id) DO UPDATE SET tenant_id = excluded.tenant_id
		RETURNING minute_count, minute_window_start
	`
	var w RateWindow
	if err := s.db.QueryRow(ctx, query, tenantID, now).Scan(&w.MinuteCount, &w.MinuteWindowStart); err != nil {
		return nil, fmt.Errorf("failed to get rate window: %w", err)
	}
	return &w, nil
}

func (s *PostgresStore) ResetWindow(ctx context.Context, tenantID string, at time.Time) error {
	query := `UPDATE rate_windows SET minute_count = 0, minute_window_start = $2 WHERE tenant_id = $1`
	return s.exec(ctx, "reset rate window", query, tenantID, at)
}

func (s *PostgresStore) IncrementWindow(ctx context.Context, tenantID string, now time.Time) (int, error) {
	query := `
		INSERT INTO rate_windows (tenant_id, minute_count, minute_window_start)
		VALUES ($1, 1, $2)
		ON CONFLICT (tenant_id) DO UPDATE SET minute_count = rate_windows.minute_count + 1
		RETURNING minute_count
	`
	var count int
	if err := s.db.QueryRow(ctx, query, tenantID, now).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to increment rate window: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) exec(ctx context.Context, op, query string, args ...any) error {
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotProvisioned
	}
	return nil
}

func scanSubscription(row pgx.Row, tenantID string) (*Subscription, error) {
	var (
		sub  Subscription
		tier string
	)
	err := row.Scan(&tier, &sub.MonthlyUsed, &sub.DailyUsed, &sub.DailyResetAt, &sub.MonthlyResetAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotProvisioned
		}
		return nil, err
	}
	sub.TenantID = tenantID
	sub.Tier = plan.Tier(tier)
	return &sub, nil
}
