// Package admission enforces the per-minute, daily and monthly quotas of a
// tenant. Checking and charging are separate steps: CheckAndReserve decides
// whether a request may start, Commit charges it once its message-unit count
// is known.
package admission

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/PoYuTsai/VibeSync/internal/plan"
)

type Reason string

const (
	ReasonMinuteLimit  Reason = "minute_limit"
	ReasonDailyLimit   Reason = "daily_limit"
	ReasonMonthlyLimit Reason = "monthly_limit"
)

// Code is the stable error code reported to callers for a denial.
func (r Reason) Code() string {
	switch r {
	case ReasonMinuteLimit:
		return "MINUTE_LIMIT"
	case ReasonDailyLimit:
		return "DAILY_LIMIT"
	case ReasonMonthlyLimit:
		return "MONTHLY_LIMIT"
	}
	return "RATE_LIMITED"
}

const minuteWindow = 60 * time.Second

type Remaining struct {
	Minute  int `json:"minute"`
	Daily   int `json:"daily"`
	Monthly int `json:"monthly"`
}

type Decision struct {
	Allowed bool
	Reason  Reason
	// RetryAfterSeconds is zero when no retry time can be given
	// (monthly denials wait for the billing cycle).
	RetryAfterSeconds int
	Remaining         Remaining
	Tier              plan.Tier
	Limits            plan.Limits
}

// DeniedError carries a negative decision to callers that work with errors.
type DeniedError struct {
	Decision Decision
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("admission denied: %s", e.Decision.Reason)
}

type Controller struct {
	subs    SubscriptionStore
	windows WindowStore
	loc     *time.Location
	now     func() time.Time
	logger  zerolog.Logger
}

type Option func(*Controller)

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithLocation pins the timezone used for calendar day and month rollovers.
func WithLocation(loc *time.Location) Option {
	return func(c *Controller) { c.loc = loc }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

func NewController(subs SubscriptionStore, windows WindowStore, opts ...Option) *Controller {
	c := &Controller{
		subs:    subs,
		windows: windows,
		loc:     time.UTC,
		now:     time.Now,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CheckAndReserve applies pending window resets and evaluates the ceilings
// in minute, daily, monthly order. It never increments a counter.
func (c *Controller) CheckAndReserve(ctx context.Context, tenantID string) (Decision, error) {
	now := c.now().In(c.loc)

	sub, err := c.subs.GetSubscription(ctx, tenantID)
	if err != nil {
		return Decision{}, err
	}
	if _, err := plan.ParseTier(string(sub.Tier)); err != nil {
		c.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("treating subscription as free tier")
		sub.Tier = plan.TierFree
	}
	limits := plan.LimitsFor(sub.Tier)

	if !sameDay(now, sub.DailyResetAt.In(c.loc)) {
		if err := c.subs.ResetDaily(ctx, tenantID, now); err != nil {
			return Decision{}, fmt.Errorf("failed to reset daily usage: %w", err)
		}
		c.logger.Debug().Str("tenant_id", tenantID).Int("previous", sub.DailyUsed).Msg("daily usage reset")
		sub.DailyUsed = 0
		sub.DailyResetAt = now
	}

	if !sameMonth(now, sub.MonthlyResetAt.In(c.loc)) {
		if err := c.subs.ResetMonthly(ctx, tenantID, now); err != nil {
			return Decision{}, fmt.Errorf("failed to reset monthly usage: %w", err)
		}
		c.logger.Debug().Str("tenant_id", tenantID).Int("previous", sub.MonthlyUsed).Msg("monthly usage reset")
		sub.MonthlyUsed = 0
		sub.MonthlyResetAt = now
	}

	window, err := c.windows.GetWindow(ctx, tenantID, now)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to load rate window: %w", err)
	}
	elapsed := now.Sub(window.MinuteWindowStart)
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed >= minuteWindow {
		if err := c.windows.ResetWindow(ctx, tenantID, now); err != nil {
			return Decision{}, fmt.Errorf("failed to reset rate window: %w", err)
		}
		window = &RateWindow{MinuteCount: 0, MinuteWindowStart: now}
		elapsed = 0
	}

	d := Decision{Tier: sub.Tier, Limits: limits}
	minuteLeft := plan.MinuteLimit - window.MinuteCount
	dailyLeft := limits.Daily - sub.DailyUsed
	monthlyLeft := limits.Monthly - sub.MonthlyUsed

	switch {
	case window.MinuteCount >= plan.MinuteLimit:
		d.Reason = ReasonMinuteLimit
		d.RetryAfterSeconds = 60 - int(math.Floor(elapsed.Seconds()))
		d.Remaining = remaining(0, dailyLeft, monthlyLeft)
	case sub.DailyUsed >= limits.Daily:
		d.Reason = ReasonDailyLimit
		d.RetryAfterSeconds = secondsUntilMidnight(now)
		d.Remaining = remaining(minuteLeft, 0, monthlyLeft)
	case sub.MonthlyUsed >= limits.Monthly:
		d.Reason = ReasonMonthlyLimit
		d.Remaining = remaining(minuteLeft, 0, 0)
	default:
		d.Allowed = true
		d.Remaining = remaining(minuteLeft-1, dailyLeft-1, monthlyLeft-1)
	}

	if !d.Allowed {
		c.logger.Info().
			Str("tenant_id", tenantID).
			Str("tier", string(sub.Tier)).
			Str("reason", string(d.Reason)).
			Int("retry_after", d.RetryAfterSeconds).
			Msg("request denied")
	}
	return d, nil
}

// Commit charges a completed request: one request against the minute window
// and units against both the daily and monthly counters.
func (c *Controller) Commit(ctx context.Context, tenantID string, units int) (Remaining, error) {
	if units < 1 {
		return Remaining{}, fmt.Errorf("invalid unit count %d", units)
	}
	now := c.now().In(c.loc)

	count, err := c.windows.IncrementWindow(ctx, tenantID, now)
	if err != nil {
		return Remaining{}, fmt.Errorf("failed to increment rate window: %w", err)
	}

	sub, err := c.subs.AddUsage(ctx, tenantID, units)
	if err != nil {
		return Remaining{}, fmt.Errorf("failed to add usage: %w", err)
	}

	limits := plan.LimitsFor(sub.Tier)
	return remaining(plan.MinuteLimit-count, limits.Daily-sub.DailyUsed, limits.Monthly-sub.MonthlyUsed), nil
}

func remaining(minute, daily, monthly int) Remaining {
	return Remaining{Minute: max(minute, 0), Daily: max(daily, 0), Monthly: max(monthly, 0)}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func sameMonth(a, b time.Time) bool {
	return a.Year() == b.Year() && a.Month() == b.Month()
}

func secondsUntilMidnight(now time.Time) int {
	y, m, d := now.Date()
	midnight := time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
	return max(int(midnight.Sub(now).Seconds()), 1)
}
