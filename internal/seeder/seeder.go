package seeder

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/PoYuTsai/VibeSync/internal/admission"
	"github.com/PoYuTsai/VibeSync/internal/auth"
	"github.com/PoYuTsai/VibeSync/internal/plan"
)

const (
	TestAPIKey   = "test-api-key-12345"
	TestTenantID = "00000000-0000-0000-0000-000000000001"
	TestTier     = plan.TierStarter
)

// Provisioner creates or replaces a tenant's subscription. The admission
// stores implement it.
type Provisioner interface {
	Provision(ctx context.Context, sub *admission.Subscription) error
}

// SeedTestTenant provisions a starter subscription and an API key for local
// runs. Failures are logged; seeding never stops startup.
func SeedTestTenant(ctx context.Context, keys auth.Store, subs Provisioner, logger zerolog.Logger) {
	logger = logger.With().Str("component", "seeder").Logger()

	now := time.Now().UTC()
	err := subs.Provision(ctx, &admission.Subscription{
		TenantID:       TestTenantID,
		Tier:           TestTier,
		DailyResetAt:   now,
		MonthlyResetAt: now,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("failed to provision test subscription")
	}

	apiKey := &auth.APIKey{
		TenantID: TestTenantID,
		KeyHash:  auth.HashKey(TestAPIKey),
		Label:    "seed",
		Active:   true,
	}
	if err := keys.Create(ctx, apiKey); err != nil {
		logger.Info().Err(err).Msg("api key may already exist, skipping")
		return
	}
	logger.Info().
		Str("key", TestAPIKey).
		Str("tenant_id", TestTenantID).
		Str("tier", string(TestTier)).
		Msg("test tenant seeded")
}
