package infra

import (
	"context"

	"dispatch-gateway/dispatch/domain"
)

// ChanPool é um semáforo baseado em channel com capacidade fixa.
type ChanPool struct {
	sem chan struct{}
}

var _ domain.SlotPool = (*ChanPool)(nil)

// NewChanPool cria um pool com capacidade `max`. Valores < 1 viram 1.
func NewChanPool(max int) *ChanPool {
	if max < 1 {
		max = 1
	}
	return &ChanPool{sem: make(chan struct{}, max)}
}

func (p *ChanPool) Acquire(ctx context.Context) (func(), bool) {
	// ctx já encerrado não disputa vaga com o select abaixo
	if ctx.Err() != nil {
		return nil, false
	}
	select {
	case p.sem <- struct{}{}:
		return func() { <-p.sem }, true
	case <-ctx.Done():
		return nil, false
	}
}

// InUse é o número de vagas ocupadas agora.
func (p *ChanPool) InUse() int { return len(p.sem) }

func (p *ChanPool) Cap() int { return cap(p.sem) }
