package application

import (
	"fmt"
	"time"

	"dispatch-gateway/dispatch/domain"
)

// Admission decide se uma submissão pode entrar na fila do dispatcher.
//
// As regras valem nesta ordem, e a segunda só consome cota se a primeira passar:
//   - carga: com a fila em ShedRatio da capacidade ou mais, recusa com
//     domain.ErrQueueFull, a mesma resposta de uma fila cheia em modo reject;
//   - cota: sem saldo no bucket do tenant, *domain.ThrottledError com a espera.
//
// Não sabe nada de HTTP.
type Admission struct {
	Quotas domain.QuotaStore
	Load   domain.QueueLoad
	// ShedRatio em (0, 1]; 0 desliga o corte por carga.
	ShedRatio float64
	Now       func() time.Time
}

func (a Admission) Admit(tenant domain.Tenant) error {
	if tenant == "" {
		tenant = domain.AnonymousTenant
	}

	if a.Load != nil && a.ShedRatio > 0 {
		depth, capacity := a.Load.QueueLen(), a.Load.QueueCap()
		if capacity > 0 && float64(depth) >= a.ShedRatio*float64(capacity) {
			return fmt.Errorf("%w: %d/%d queued", domain.ErrQueueFull, depth, capacity)
		}
	}

	if a.Quotas == nil {
		return nil
	}
	q := a.Quotas.Quota(tenant)
	if q == nil {
		return nil
	}
	if wait, ok := q.Reserve(a.now()); !ok {
		return &domain.ThrottledError{Tenant: tenant, RetryAfter: wait}
	}
	return nil
}

func (a Admission) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}
