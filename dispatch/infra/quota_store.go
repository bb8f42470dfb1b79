package infra

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"dispatch-gateway/dispatch/domain"
)

// QuotaLimit é a cota de submissões de um tenant: RPS sustentado e rajada.
type QuotaLimit struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// QuotaStore guarda um token bucket (x/time/rate) por tenant. Tenants listados
// em WithTenantLimits têm cota própria; os demais usam a cota padrão. Tenants
// sem atividade por idleTTL são esquecidos e voltam com o bucket cheio.
type QuotaStore struct {
	fallback QuotaLimit
	limits   map[domain.Tenant]QuotaLimit
	idleTTL  time.Duration

	mu      sync.Mutex
	tenants map[domain.Tenant]*tenantQuota
}

var _ domain.QuotaStore = (*QuotaStore)(nil)

type QuotaOption func(*QuotaStore)

func WithTenantLimits(limits map[domain.Tenant]QuotaLimit) QuotaOption {
	return func(s *QuotaStore) {
		for t, l := range limits {
			s.limits[t] = l.normalized()
		}
	}
}

func WithIdleTTL(d time.Duration) QuotaOption {
	return func(s *QuotaStore) { s.idleTTL = d }
}

func NewQuotaStore(fallback QuotaLimit, opts ...QuotaOption) *QuotaStore {
	s := &QuotaStore{
		fallback: fallback.normalized(),
		limits:   make(map[domain.Tenant]QuotaLimit),
		idleTTL:  15 * time.Minute,
		tenants:  make(map[domain.Tenant]*tenantQuota),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Limit é a cota configurada para o tenant (usada nos headers X-RateLimit-*).
func (s *QuotaStore) Limit(t domain.Tenant) QuotaLimit {
	if l, ok := s.limits[t]; ok {
		return l
	}
	return s.fallback
}

func (s *QuotaStore) Quota(t domain.Tenant) domain.Quota {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.tenants[t]
	if !ok {
		l := s.Limit(t)
		q = &tenantQuota{lim: rate.NewLimiter(rate.Limit(l.RPS), l.Burst)}
		s.tenants[t] = q
	}
	q.touched = time.Now()
	return q
}

// Tenants é o número de tenants com bucket ativo.
func (s *QuotaStore) Tenants() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tenants)
}

// Evict esquece tenants sem submissões desde now-idleTTL e devolve quantos saíram.
func (s *QuotaStore) Evict(now time.Time) int {
	cutoff := now.Add(-s.idleTTL)

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for t, q := range s.tenants {
		if q.touched.Before(cutoff) {
			delete(s.tenants, t)
			n++
		}
	}
	return n
}

// RunEviction chama Evict a cada `every` até o ctx encerrar. Bloqueia.
func (s *QuotaStore) RunEviction(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			s.Evict(now)
		}
	}
}

func (l QuotaLimit) normalized() QuotaLimit {
	if l.RPS < 0 {
		l.RPS = 0
	}
	if l.Burst < 1 {
		l.Burst = 1
	}
	return l
}

type tenantQuota struct {
	lim *rate.Limiter
	// protegido pelo mu do QuotaStore
	touched time.Time
}

func (q *tenantQuota) Reserve(now time.Time) (time.Duration, bool) {
	r := q.lim.ReserveN(now, 1)
	if !r.OK() {
		return 0, false
	}
	if wait := r.DelayFrom(now); wait > 0 {
		// devolve o token: submissão recusada não gasta cota
		r.CancelAt(now)
		return wait, false
	}
	return 0, true
}
