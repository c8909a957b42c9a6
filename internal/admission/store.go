package admission

import (
	"context"
	"errors"
	"time"

	"github.com/PoYuTsai/VibeSync/internal/plan"
)

// ErrNotProvisioned is returned when a tenant has no subscription row.
var ErrNotProvisioned = errors.New("subscription not provisioned")

// Subscription is the per-tenant quota state.
type Subscription struct {
	TenantID       string
	Tier           plan.Tier
	MonthlyUsed    int
	DailyUsed      int
	DailyResetAt   time.Time
	MonthlyResetAt time.Time
}

// RateWindow is the per-tenant fixed minute window.
type RateWindow struct {
	MinuteCount       int
	MinuteWindowStart time.Time
}

type SubscriptionStore interface {
	GetSubscription(ctx context.Context, tenantID string) (*Subscription, error)
	ResetDaily(ctx context.Context, tenantID string, at time.Time) error
	ResetMonthly(ctx context.Context, tenantID string, at time.Time) error
	// AddUsage atomically adds units to both the daily and monthly counters
	// and returns the updated subscription.
	AddUsage(ctx context.Context, tenantID string, units int) (*Subscription, error)
}

type WindowStore interface {
	// GetWindow returns the tenant's window, creating it with a zero count
	// starting at now when absent.
	GetWindow(ctx context.Context, tenantID string, now time.Time) (*RateWindow, error)
	ResetWindow(ctx context.Context, tenantID string, at time.Time) error
	// IncrementWindow atomically adds one request and returns the new count.
	IncrementWindow(ctx context.Context, tenantID string, now time.Time) (int, error)
}
