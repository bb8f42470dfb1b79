package infra

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatch-gateway/dispatch/domain"
)

func TestQuotaStore_SameTenantSharesBucket(t *testing.T) {
	s := NewQuotaStore(QuotaLimit{RPS: 10, Burst: 1})
	assert.Same(t, s.Quota("a"), s.Quota("a"))
	assert.NotSame(t, s.Quota("a"), s.Quota("b"))
	assert.Equal(t, 2, s.Tenants())
}

func TestQuotaStore_RejectedReservationReportsWaitAndKeepsTokens(t *testing.T) {
	s := NewQuotaStore(QuotaLimit{RPS: 2, Burst: 1})
	q := s.Quota("a")
	now := time.Now()

	_, ok := q.Reserve(now)
	require.True(t, ok)

	wait, ok := q.Reserve(now)
	require.False(t, ok)
	assert.InDelta(t, float64(500*time.Millisecond), float64(wait), float64(time.Millisecond))

	// a recusa não consumiu nada: meio intervalo depois, a espera caiu pela metade
	wait, ok = q.Reserve(now.Add(250 * time.Millisecond))
	require.False(t, ok)
	assert.InDelta(t, float64(250*time.Millisecond), float64(wait), float64(time.Millisecond))

	_, ok = q.Reserve(now.Add(500 * time.Millisecond))
	assert.True(t, ok)
}

func TestQuotaStore_TenantLimitsOverrideFallback(t *testing.T) {
	s := NewQuotaStore(QuotaLimit{RPS: 1, Burst: 1}, WithTenantLimits(map[domain.Tenant]QuotaLimit{
		"premium": {RPS: 50, Burst: 3},
		"broken":  {RPS: 5, Burst: 0},
	}))

	assert.Equal(t, QuotaLimit{RPS: 50, Burst: 3}, s.Limit("premium"))
	assert.Equal(t, QuotaLimit{RPS: 5, Burst: 1}, s.Limit("broken"))
	assert.Equal(t, QuotaLimit{RPS: 1, Burst: 1}, s.Limit("anyone"))

	now := time.Now()
	premium := s.Quota("premium")
	for i := 0; i < 3; i++ {
		_, ok := premium.Reserve(now)
		require.True(t, ok, "reservation %d", i)
	}
	_, ok := premium.Reserve(now)
	assert.False(t, ok)
}

func TestQuotaStore_EvictForgetsIdleTenants(t *testing.T) {
	s := NewQuotaStore(QuotaLimit{RPS: 1, Burst: 1}, WithIdleTTL(time.Minute))
	first := s.Quota("a")
	s.Quota("b")

	assert.Zero(t, s.Evict(time.Now()))
	assert.Equal(t, 2, s.Evict(time.Now().Add(2*time.Minute)))
	assert.Zero(t, s.Tenants())

	assert.NotSame(t, first, s.Quota("a"), "evicted tenant starts with a fresh bucket")
}

func TestQuotaStore_RunEvictionStopsWithContext(t *testing.T) {
	s := NewQuotaStore(QuotaLimit{RPS: 1, Burst: 1}, WithIdleTTL(time.Millisecond))
	s.Quota("a")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.RunEviction(ctx, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return s.Tenants() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("eviction loop did not stop")
	}
}
