package infra

import (
	"context"
	"time"

	"dispatch-gateway/dispatch/domain"
)

// Pacer garante um intervalo mínimo entre despachos consecutivos.
//
// O intervalo é medido a partir do instante real em que o despacho anterior
// foi liberado, nunca do horário planejado: um timer atrasado não encurta a
// próxima espera. Controle global, não por destino.
type Pacer struct {
	interval time.Duration
	// turn serializa os chamadores; adquirir respeita o ctx
	turn chan struct{}
	last time.Time
}

var _ domain.Pacer = (*Pacer)(nil)

// NewPacer com interval <= 0 não espaça nada.
func NewPacer(interval time.Duration) *Pacer {
	return &Pacer{interval: interval, turn: make(chan struct{}, 1)}
}

// Wait bloqueia até `interval` depois do último despacho liberado.
// Se o ctx encerrar antes, nada é consumido e o último despacho continua valendo.
func (p *Pacer) Wait(ctx context.Context) error {
	if p.interval <= 0 {
		return nil
	}

	select {
	case p.turn <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.turn }()

	if !p.last.IsZero() {
		if remaining := p.interval - time.Since(p.last); remaining > 0 {
			t := time.NewTimer(remaining)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	p.last = time.Now()
	return nil
}

func (p *Pacer) Interval() time.Duration { return p.interval }
