package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"

	"dispatch-gateway/dispatch/domain"
)

// QueueFullPolicy define o que Enqueue faz com a fila cheia.
type QueueFullPolicy string

const (
	// QueueBlock suspende o produtor até abrir espaço, o ctx encerrar ou o shutdown.
	QueueBlock QueueFullPolicy = "block"
	// QueueReject devolve domain.ErrQueueFull imediatamente.
	QueueReject QueueFullPolicy = "reject"
)

const statsTimeout = 2 * time.Second

// TokenProvider é o que o scheduler precisa do TokenManager.
type TokenProvider interface {
	Token(ctx context.Context) (domain.AccessToken, error)
	Invalidate(value string)
}

type SchedulerConfig struct {
	MaxQueueDepth   int
	QueueFullPolicy QueueFullPolicy

	Gate    ConcurrencyGate
	Pacer   domain.Pacer
	Tokens  TokenProvider
	Retry   RetryExecutor
	Backend domain.Backend
	Stats   domain.StatsStore
	Logger  log.Logger
}

// RequestScheduler é dono da fila limitada e do worker que a consome.
//
// O worker desenfileira em ordem FIFO e, para cada requisição: adquire vaga,
// respeita o pacing e entrega a requisição a uma goroutine que obtém o token,
// executa a chamada com retry, libera a vaga e resolve o handle.
type RequestScheduler struct {
	gate    ConcurrencyGate
	pacer   domain.Pacer
	tokens  TokenProvider
	retry   RetryExecutor
	backend domain.Backend
	stats   domain.StatsStore
	logger  log.Logger

	queue  chan *domain.PendingRequest
	reject bool

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	closed  bool
	started bool

	done      chan struct{}
	doneOnce  sync.Once
	stopped   chan struct{}
	stopOnce  sync.Once
	inflight  sync.WaitGroup
	inFlightN atomic.Int64

	activeMu sync.Mutex
	active   map[*domain.PendingRequest]struct{}
}

func NewRequestScheduler(cfg SchedulerConfig) *RequestScheduler {
	depth := cfg.MaxQueueDepth
	if depth < 1 {
		depth = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &RequestScheduler{
		gate:    cfg.Gate,
		pacer:   cfg.Pacer,
		tokens:  cfg.Tokens,
		retry:   cfg.Retry,
		backend: cfg.Backend,
		stats:   cfg.Stats,
		logger:  logger,
		queue:   make(chan *domain.PendingRequest, depth),
		reject:  cfg.QueueFullPolicy == QueueReject,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		active:  make(map[*domain.PendingRequest]struct{}),
	}
}

// Start inicia o worker. Chamadas repetidas, ou depois do Shutdown, não fazem nada.
func (s *RequestScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true
	go s.run(s.ctx)
}

// Enqueue coloca a requisição na fila. Se ela não entrar, o handle é resolvido
// com o mesmo erro retornado.
func (s *RequestScheduler) Enqueue(ctx context.Context, req *domain.PendingRequest) error {
	err := s.enqueue(ctx, req)
	if err != nil {
		s.finish(req, domain.Response{}, 0, err)
	}
	return err
}

func (s *RequestScheduler) enqueue(ctx context.Context, req *domain.PendingRequest) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return domain.ErrShutdown
	}

	if s.reject {
		select {
		case s.queue <- req:
			return nil
		default:
			return domain.ErrQueueFull
		}
	}

	select {
	case s.queue <- req:
		return nil
	case <-s.done:
		return domain.ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len é a profundidade atual da fila.
func (s *RequestScheduler) Len() int { return len(s.queue) }

func (s *RequestScheduler) Cap() int { return cap(s.queue) }

// InFlight é o número de requisições entregues ao backend e ainda não resolvidas.
func (s *RequestScheduler) InFlight() int { return int(s.inFlightN.Load()) }

// Shutdown para de aceitar requisições, cancela o worker e resolve tudo que
// estiver na fila ou em voo com domain.ErrShutdown. Requisições em voo que já
// terminaram mantêm seu resultado. É idempotente.
//
// Retorna o erro do ctx se o dreno não terminar a tempo.
func (s *RequestScheduler) Shutdown(ctx context.Context) error {
	s.closeIntake()
	s.cancel()

	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()
	if !started {
		s.drain()
		s.markStopped()
	}

	finished := make(chan struct{})
	go func() {
		<-s.stopped
		s.inflight.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *RequestScheduler) run(ctx context.Context) {
	defer s.markStopped()
	defer func() {
		if r := recover(); r != nil {
			level.Error(s.logger).Log("msg", "dispatch worker crashed, shutting down", "panic", fmt.Sprint(r))
			s.closeIntake()
			s.cancel()
			s.abandonActive()
		}
		s.drain()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.queue:
			s.dispatch(ctx, req)
		}
	}
}

func (s *RequestScheduler) dispatch(ctx context.Context, req *domain.PendingRequest) {
	if ctx.Err() != nil {
		s.finish(req, domain.Response{}, 0, domain.ErrShutdown)
		return
	}
	if err := req.Context().Err(); err != nil {
		s.finish(req, domain.Response{}, 0, err)
		return
	}

	s.track(req)
	rctx, cancel := requestContext(ctx, req)

	req.Advance(domain.StateAcquiring)
	release, err := s.gate.Acquire(rctx)
	if err != nil {
		cancel()
		s.finish(req, domain.Response{}, 0, s.abortErr(ctx, req, err))
		return
	}

	// até a entrega à goroutine, vaga e ctx são devolvidos aqui, inclusive em panic
	settled := false
	defer func() {
		if !settled {
			release()
			cancel()
		}
	}()

	req.Advance(domain.StateThrottled)
	if s.pacer != nil {
		if err := s.pacer.Wait(rctx); err != nil {
			settled = true
			release()
			cancel()
			s.finish(req, domain.Response{}, 0, s.abortErr(ctx, req, err))
			return
		}
	}
	req.MarkStarted(time.Now())

	level.Debug(s.logger).Log("msg", "dispatching request", "request_id", req.ID, "tenant", req.Request.Tenant, "method", req.Request.Method, "path", req.Request.Path, "queued_for", time.Since(req.EnqueuedAt))

	s.inflight.Add(1)
	s.inFlightN.Inc()
	settled = true
	go s.work(ctx, rctx, req, release, cancel)
}

func (s *RequestScheduler) work(workerCtx, rctx context.Context, req *domain.PendingRequest, release func(), cancel context.CancelFunc) {
	defer s.inflight.Done()
	defer cancel()

	resp, attempts, err := s.executeGuarded(rctx, req)
	release()
	s.inFlightN.Dec()
	s.finish(req, resp, attempts, s.abortErr(workerCtx, req, err))
}

// executeGuarded transforma um panic do backend ou do provedor de token em
// falha desta requisição; o worker e as demais seguem.
func (s *RequestScheduler) executeGuarded(ctx context.Context, req *domain.PendingRequest) (resp domain.Response, attempts int, err error) {
	defer func() {
		if r := recover(); r != nil {
			level.Error(s.logger).Log("msg", "request execution panicked", "request_id", req.ID, "panic", fmt.Sprint(r))
			resp, attempts = domain.Response{}, 1
			err = &domain.RequestError{Attempts: attempts, Err: fmt.Errorf("%w: %v", domain.ErrPanic, r)}
		}
	}()
	return s.execute(ctx, req)
}

func (s *RequestScheduler) execute(ctx context.Context, req *domain.PendingRequest) (domain.Response, int, error) {
	return s.retry.Attempt(ctx, func(ctx context.Context, attempt int) (domain.Response, error) {
		req.Advance(domain.StateAuthenticating)
		tok, err := s.tokens.Token(ctx)
		if err != nil {
			return domain.Response{}, err
		}

		req.Advance(domain.StateAttempting)
		resp, err := s.backend.Call(ctx, req.ID, req.Request, tok.Value)
		if err != nil {
			var statusErr *domain.StatusError
			if errors.As(err, &statusErr) && statusErr.StatusCode == 401 {
				s.tokens.Invalidate(tok.Value)
			}
			level.Warn(s.logger).Log("msg", "request attempt failed", "request_id", req.ID, "attempt", attempt, "err", err)
		}
		return resp, err
	})
}

// abortErr traduz o erro de uma requisição interrompida: shutdown prevalece
// sobre o cancelamento do chamador.
func (s *RequestScheduler) abortErr(workerCtx context.Context, req *domain.PendingRequest, err error) error {
	if err == nil {
		return nil
	}
	if workerCtx.Err() != nil {
		return domain.ErrShutdown
	}
	if cerr := req.Context().Err(); cerr != nil {
		return cerr
	}
	return err
}

func (s *RequestScheduler) finish(req *domain.PendingRequest, resp domain.Response, attempts int, err error) {
	s.untrack(req)
	if !req.Resolve(resp, err) {
		return
	}

	ev := domain.StatsEvent{
		RequestID:  req.ID,
		Method:     req.Request.Method,
		Path:       req.Request.Path,
		Route:      req.Request.Route,
		Tenant:     req.Request.Tenant,
		Outcome:    outcomeOf(err),
		Attempts:   attempts,
		StatusCode: resp.StatusCode,
		Duration:   time.Since(req.EnqueuedAt),
		StartedAt:  req.StartedAt(),
		At:         time.Now(),
	}
	var reqErr *domain.RequestError
	if errors.As(err, &reqErr) {
		ev.StatusCode = reqErr.StatusCode()
	}

	if err != nil {
		level.Info(s.logger).Log("msg", "request failed", "request_id", req.ID, "tenant", req.Request.Tenant, "outcome", ev.Outcome, "attempts", attempts, "err", err)
	} else {
		level.Debug(s.logger).Log("msg", "request resolved", "request_id", req.ID, "status", resp.StatusCode, "attempts", attempts, "duration", ev.Duration)
	}

	s.record(ev)
}

// record é best-effort: erro ou panic do store só vira log.
func (s *RequestScheduler) record(ev domain.StatsEvent) {
	if s.stats == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			level.Error(s.logger).Log("msg", "stats store panicked", "request_id", ev.RequestID, "panic", fmt.Sprint(r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), statsTimeout)
	defer cancel()
	if err := s.stats.Record(ctx, ev); err != nil {
		level.Warn(s.logger).Log("msg", "failed to record dispatch stats", "err", err)
	}
}

func (s *RequestScheduler) drain() {
	for {
		select {
		case req := <-s.queue:
			s.finish(req, domain.Response{}, 0, domain.ErrShutdown)
		default:
			return
		}
	}
}

func (s *RequestScheduler) abandonActive() {
	s.activeMu.Lock()
	reqs := make([]*domain.PendingRequest, 0, len(s.active))
	for req := range s.active {
		reqs = append(reqs, req)
	}
	s.activeMu.Unlock()

	for _, req := range reqs {
		s.finish(req, domain.Response{}, 0, domain.ErrShutdown)
	}
}

func (s *RequestScheduler) closeIntake() {
	s.doneOnce.Do(func() { close(s.done) })
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *RequestScheduler) markStopped() {
	s.stopOnce.Do(func() { close(s.stopped) })
}

func (s *RequestScheduler) track(req *domain.PendingRequest) {
	s.activeMu.Lock()
	s.active[req] = struct{}{}
	s.activeMu.Unlock()
}

func (s *RequestScheduler) untrack(req *domain.PendingRequest) {
	s.activeMu.Lock()
	delete(s.active, req)
	s.activeMu.Unlock()
}

// requestContext deriva do ctx do worker e também encerra quando o chamador desiste.
func requestContext(workerCtx context.Context, req *domain.PendingRequest) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(workerCtx)
	stop := context.AfterFunc(req.Context(), cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func outcomeOf(err error) domain.Outcome {
	switch {
	case err == nil:
		return domain.OutcomeResolved
	case errors.Is(err, domain.ErrShutdown):
		return domain.OutcomeShutdown
	case errors.Is(err, domain.ErrQueueFull):
		return domain.OutcomeRejected
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return domain.OutcomeCanceled
	default:
		return domain.OutcomeFailed
	}
}
