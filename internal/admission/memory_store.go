package admission

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps subscriptions and rate windows in process. Each tenant
// has its own lock so tenants never contend with each other.
type MemoryStore struct {
	mu      sync.Mutex
	tenants map[string]*memoryTenant
}

type memoryTenant struct {
	mu     sync.Mutex
	sub    *Subscription
	window *RateWindow
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tenants: make(map[string]*memoryTenant)}
}

func (s *MemoryStore) tenant(tenantID string) *memoryTenant {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		t = &memoryTenant{}
		s.tenants[tenantID] = t
	}
	return t
}

// Provision creates or replaces a tenant's subscription.
func (s *MemoryStore) Provision(_ context.Context, sub *Subscription) error {
	t := s.tenant(sub.TenantID)
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := *sub
	t.sub = &cp
	return nil
}

func (s *MemoryStore) GetSubscription(_ context.Context, tenantID string) (*Subscription, error) {
	t := s.tenant(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sub == nil {
		return nil, ErrNotProvisioned
	}
	cp := *t.sub
	return &cp, nil
}

func (s *MemoryStore) ResetDaily(_ context.Context, tenantID string, at time.Time) error {
	t := s.tenant(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sub == nil {
		return ErrNotProvisioned
	}
	t.sub.DailyUsed = 0
	t.sub.DailyResetAt = at
	return nil
}

func (s *MemoryStore) ResetMonthly(_ context.Context, tenantID string, at time.Time) error {
	t := s.tenant(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sub == nil {
		return ErrNotProvisioned
	}
	t.sub.MonthlyUsed = 0
	t.sub.MonthlyResetAt = at
	return nil
}

func (s *MemoryStore) AddUsage(_ context.Context, tenantID string, units int) (*Subscription, error) {
	t := s.tenant(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sub == nil {
		return nil, ErrNotProvisioned
	}
	t.sub.DailyUsed += units
	t.sub.MonthlyUsed += units
	cp := *t.sub
	return &cp, nil
}

func (s *MemoryStore) GetWindow(_ context.Context, tenantID string, now time.Time) (*RateWindow, error) {
	t := s.tenant(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.window == nil {
		t.window = &RateWindow{MinuteWindowStart: now}
	}
	cp := *t.window
	return &cp, nil
}

func (s *MemoryStore) ResetWindow(_ context.Context, tenantID string, at time.Time) error {
	t := s.tenant(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.window = &RateWindow{MinuteWindowStart: at}
	return nil
}

func (s *MemoryStore) IncrementWindow(_ context.Context, tenantID string, now time.Time) (int, error) {
	t := s.tenant(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.window == nil {
		t.window = &RateWindow{MinuteWindowStart: now}
	}
	t.window.MinuteCount++
	return t.window.MinuteCount, nil
}
