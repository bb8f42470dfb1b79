package application

import (
	"context"
	"errors"
	"sync"
	"time"

	"dispatch-gateway/dispatch/domain"
)

// ErrNoSlot indica que o AcquireTimeout expirou sem vaga livre.
var ErrNoSlot = errors.New("no concurrency slot available")

// ConcurrencyGate concentra a regra de aquisição/liberação de vagas de requisições em voo,
// sem saber nada sobre HTTP.
type ConcurrencyGate struct {
	Pool           domain.SlotPool
	AcquireTimeout time.Duration
}

// Acquire tenta adquirir uma vaga.
//   - Se `AcquireTimeout <= 0`, espera indefinidamente (até ctx cancelar).
//   - Se `AcquireTimeout > 0`, espera até o timeout e retorna ErrNoSlot.
//
// O release retornado pode ser chamado mais de uma vez; só a primeira libera a vaga.
func (g ConcurrencyGate) Acquire(ctx context.Context) (func(), error) {
	if g.Pool == nil {
		return func() {}, nil
	}

	acqCtx := ctx
	if g.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		acqCtx, cancel = context.WithTimeout(ctx, g.AcquireTimeout)
		defer cancel()
	}

	release, ok := g.Pool.Acquire(acqCtx)
	if !ok {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNoSlot
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}
