package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"dispatch-gateway/dispatch/application"
	"dispatch-gateway/dispatch/domain"
	"dispatch-gateway/dispatch/infra"
)

// Dispatcher é o ponto de entrada público. Seguro para uso concorrente.
type Dispatcher struct {
	cfg    Config
	logger log.Logger

	client    *http.Client
	tokens    *application.TokenManager
	pool      *infra.ChanPool
	scheduler *application.RequestScheduler
}

type options struct {
	logger      log.Logger
	client      *http.Client
	stats       domain.StatsStore
	backend     domain.Backend
	tokenSource domain.TokenSource
	now         func() time.Time
}

type Option func(*options)

func WithLogger(l log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithHTTPClient substitui o client usado no token endpoint e no backend.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

func WithStats(s domain.StatsStore) Option {
	return func(o *options) { o.stats = s }
}

func WithBackend(b domain.Backend) Option {
	return func(o *options) { o.backend = b }
}

func WithTokenSource(src domain.TokenSource) Option {
	return func(o *options) { o.tokenSource = src }
}

// WithClock troca o relógio usado para a validade do token.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New valida a configuração, monta o pipeline e inicia o worker.
func New(cfg Config, opts ...Option) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dispatch config: %w", err)
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = log.NewNopLogger()
	}
	if o.client == nil {
		o.client = &http.Client{Timeout: cfg.Timeout}
	}

	policy := cfg.RetryPolicy()

	src := o.tokenSource
	if src == nil {
		src = &infra.TokenEndpoint{Client: o.client, URL: cfg.TokenURL, APIKey: cfg.APIKey, Now: o.now}
	}
	tokens := application.NewTokenManager(src, policy, cfg.TokenRefreshThreshold, log.With(o.logger, "component", "tokens"))
	tokens.Now = o.now

	backend := o.backend
	if backend == nil {
		var bopts []infra.BackendOption
		if cfg.Breaker.Enabled {
			bopts = append(bopts, infra.WithBreaker(infra.NewBreaker(infra.BreakerConfig{
				Name:             "remote-api",
				MaxRequests:      cfg.Breaker.MaxRequests,
				Interval:         cfg.Breaker.Interval,
				Timeout:          cfg.Breaker.Timeout,
				ReadyToTripRatio: cfg.Breaker.ReadyToTripRatio,
				Logger:           o.logger,
			})))
		}
		backend = infra.NewHTTPBackend(o.client, cfg.BaseURL, bopts...)
	}

	schedLogger := log.With(o.logger, "component", "scheduler")
	pool := infra.NewChanPool(cfg.MaxConcurrentRequests)
	scheduler := application.NewRequestScheduler(application.SchedulerConfig{
		MaxQueueDepth:   cfg.MaxQueueSize,
		QueueFullPolicy: application.QueueFullPolicy(cfg.QueueFullPolicy),
		Gate:            application.ConcurrencyGate{Pool: pool},
		Pacer:           infra.NewPacer(cfg.MinRequestInterval),
		Tokens:          tokens,
		Retry: application.RetryExecutor{
			Policy:            policy,
			RetryClientErrors: cfg.RetryClientErrors,
			OnRetry: func(attempt int, err error, delay time.Duration) {
				level.Debug(schedLogger).Log("msg", "retrying request", "attempt", attempt, "delay", delay, "err", err)
			},
		},
		Backend: backend,
		Stats:   o.stats,
		Logger:  schedLogger,
	})
	scheduler.Start()

	level.Info(o.logger).Log(
		"msg", "dispatcher started",
		"base_url", cfg.BaseURL,
		"max_retries", cfg.MaxRetries,
		"max_queue_size", cfg.MaxQueueSize,
		"max_concurrent_requests", cfg.MaxConcurrentRequests,
		"min_request_interval", cfg.MinRequestInterval,
		"queue_full_policy", cfg.QueueFullPolicy,
	)

	return &Dispatcher{
		cfg:       cfg,
		logger:    o.logger,
		client:    o.client,
		tokens:    tokens,
		pool:      pool,
		scheduler: scheduler,
	}, nil
}

// Submit serializa body em JSON (json.RawMessage e []byte passam direto),
// enfileira e espera a resposta.
func (d *Dispatcher) Submit(ctx context.Context, method, path string, body any) (domain.Response, error) {
	raw, err := encodeBody(body)
	if err != nil {
		return domain.Response{}, err
	}
	return d.Do(ctx, domain.Request{Method: method, Path: path, Body: raw})
}

// Do enfileira uma requisição já montada. Se req.Result não for nil, recebe o
// corpo decodificado.
func (d *Dispatcher) Do(ctx context.Context, req domain.Request) (domain.Response, error) {
	if req.Tenant == "" {
		if t, ok := domain.TenantFrom(ctx); ok {
			req.Tenant = t
		}
	}
	pending := domain.NewPendingRequest(ctx, req)
	if err := d.scheduler.Enqueue(ctx, pending); err != nil {
		return domain.Response{}, err
	}
	return pending.Wait(ctx)
}

// Shutdown é idempotente: para a fila, resolve pendências com domain.ErrShutdown,
// cancela refreshes e fecha conexões ociosas.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	err := d.scheduler.Shutdown(ctx)
	d.tokens.Close()
	d.client.CloseIdleConnections()
	if err != nil {
		level.Warn(d.logger).Log("msg", "dispatcher shutdown did not finish in time", "err", err)
		return err
	}
	level.Info(d.logger).Log("msg", "dispatcher stopped")
	return nil
}

// Close chama Shutdown com o timeout da configuração.
func (d *Dispatcher) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
	defer cancel()
	return d.Shutdown(ctx)
}

func (d *Dispatcher) QueueLen() int { return d.scheduler.Len() }

// QueueCap é max_queue_size; junto com QueueLen implementa domain.QueueLoad.
func (d *Dispatcher) QueueCap() int { return d.scheduler.Cap() }

func (d *Dispatcher) InFlight() int { return d.scheduler.InFlight() }

// SlotsInUse é o número de vagas do limite de concorrência ocupadas agora.
func (d *Dispatcher) SlotsInUse() int { return d.pool.InUse() }

func (d *Dispatcher) Config() Config { return d.cfg }

func encodeBody(body any) (json.RawMessage, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return b, nil
	case []byte:
		return b, nil
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}
	return raw, nil
}
