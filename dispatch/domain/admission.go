package domain

// Admissão de entrada: antes de uma submissão ocupar espaço na fila, decide se
// o tenant ainda tem cota e se a fila aguenta mais trabalho.

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Tenant identifica quem submete trabalho ao dispatcher (API key, cliente, IP).
type Tenant string

const AnonymousTenant Tenant = "anonymous"

// ErrThrottled é o sentinel de ThrottledError.
var ErrThrottled = errors.New("tenant submission quota exceeded")

// ThrottledError indica que o tenant esgotou sua cota de submissões.
type ThrottledError struct {
	Tenant Tenant
	// RetryAfter é o tempo até a próxima submissão caber na cota (0 se desconhecido).
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("%s for %q (retry after %s)", ErrThrottled.Error(), e.Tenant, e.RetryAfter)
}

func (e *ThrottledError) Unwrap() error { return ErrThrottled }

// Quota é a cota de submissões de um tenant.
type Quota interface {
	// Reserve consome uma submissão em now. Sem saldo, não consome nada e
	// devolve a espera até haver.
	Reserve(now time.Time) (wait time.Duration, ok bool)
}

type QuotaStore interface {
	Quota(Tenant) Quota
}

// QueueLoad expõe a ocupação da fila do dispatcher.
type QueueLoad interface {
	QueueLen() int
	QueueCap() int
}

type tenantKey struct{}

// WithTenant anexa o tenant ao ctx; Dispatcher.Do o copia para Request.Tenant.
func WithTenant(ctx context.Context, t Tenant) context.Context {
	return context.WithValue(ctx, tenantKey{}, t)
}

func TenantFrom(ctx context.Context) (Tenant, bool) {
	t, ok := ctx.Value(tenantKey{}).(Tenant)
	return t, ok && t != ""
}
