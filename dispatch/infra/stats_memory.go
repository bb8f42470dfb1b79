package infra

import (
	"context"
	"sync"

	"dispatch-gateway/dispatch/domain"
)

type Counters struct {
	Resolved int64
	Failed   int64
	Rejected int64
	Shutdown int64
	Canceled int64
	Attempts int64
}

func (c *Counters) add(ev domain.StatsEvent) {
	switch ev.Outcome {
	case domain.OutcomeResolved:
		c.Resolved++
	case domain.OutcomeRejected:
		c.Rejected++
	case domain.OutcomeShutdown:
		c.Shutdown++
	case domain.OutcomeCanceled:
		c.Canceled++
	default:
		c.Failed++
	}
	c.Attempts += int64(ev.Attempts)
}

// Total é o número de requisições terminais contadas.
func (c Counters) Total() int64 {
	return c.Resolved + c.Failed + c.Rejected + c.Shutdown + c.Canceled
}

// MemoryStatsStore é uma implementação simples em memória.
// Útil para testes e desenvolvimento.
//
// Não faz expiração e não é indicada para produção.
type MemoryStatsStore struct {
	mu      sync.Mutex
	total   Counters
	byRoute map[string]Counters
	events  []domain.StatsEvent

	keepEvents bool
}

type MemoryStatsOption func(*MemoryStatsStore)

// WithKeepEvents guarda cada evento recebido (cresce sem limite).
func WithKeepEvents(keep bool) MemoryStatsOption {
	return func(s *MemoryStatsStore) { s.keepEvents = keep }
}

func NewMemoryStatsStore(opts ...MemoryStatsOption) *MemoryStatsStore {
	s := &MemoryStatsStore{
		byRoute: make(map[string]Counters),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStatsStore) Record(_ context.Context, ev domain.StatsEvent) error {
	route := ev.MethodLabel() + " " + ev.RouteLabel()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.total.add(ev)
	c := s.byRoute[route]
	c.add(ev)
	s.byRoute[route] = c
	if s.keepEvents {
		s.events = append(s.events, ev)
	}
	return nil
}

func (s *MemoryStatsStore) Total() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *MemoryStatsStore) ByRoute() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Counters, len(s.byRoute))
	for k, v := range s.byRoute {
		out[k] = v
	}
	return out
}

func (s *MemoryStatsStore) Events() []domain.StatsEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.StatsEvent, len(s.events))
	copy(out, s.events)
	return out
}
