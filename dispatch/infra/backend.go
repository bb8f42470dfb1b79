package infra

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/sony/gobreaker"

	"dispatch-gateway/dispatch/domain"
)

const (
	maxResponseBytes = 8 << 20
	maxSnippetBytes  = 512
)

// HTTPBackend executa uma chamada ao endpoint de recurso com bearer token.
type HTTPBackend struct {
	client  *http.Client
	baseURL string
	breaker *gobreaker.CircuitBreaker
}

var _ domain.Backend = (*HTTPBackend)(nil)

type BackendOption func(*HTTPBackend)

// WithBreaker envolve cada chamada num circuit breaker. Com o circuito aberto a
// chamada falha com domain.ErrCircuitOpen sem tocar a rede.
func WithBreaker(cb *gobreaker.CircuitBreaker) BackendOption {
	return func(b *HTTPBackend) { b.breaker = cb }
}

func NewHTTPBackend(client *http.Client, baseURL string, opts ...BackendOption) *HTTPBackend {
	if client == nil {
		client = http.DefaultClient
	}
	b := &HTTPBackend{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *HTTPBackend) Call(ctx context.Context, id string, req domain.Request, token string) (domain.Response, error) {
	if b.breaker == nil {
		return b.call(ctx, id, req, token)
	}

	out, err := b.breaker.Execute(func() (interface{}, error) {
		return b.call(ctx, id, req, token)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return domain.Response{}, fmt.Errorf("%w: %v", domain.ErrCircuitOpen, err)
	}
	if err != nil {
		if resp, ok := out.(domain.Response); ok {
			return resp, err
		}
		return domain.Response{}, err
	}
	return out.(domain.Response), nil
}

func (b *HTTPBackend) call(ctx context.Context, id string, req domain.Request, token string) (domain.Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, b.baseURL+req.Path, body)
	if err != nil {
		return domain.Response{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if id != "" {
		httpReq.Header.Set("X-Request-Id", id)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return domain.Response{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return domain.Response{}, fmt.Errorf("read response body: %w", err)
	}
	out := domain.Response{StatusCode: resp.StatusCode, Body: data}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return out, &domain.StatusError{StatusCode: resp.StatusCode, Body: snippet(data)}
	}
	if len(data) > 0 && !json.Valid(data) {
		return out, &domain.DecodeError{Err: errors.New("response is not valid JSON")}
	}
	if req.Result != nil {
		if err := out.Decode(req.Result); err != nil {
			return out, err
		}
	}
	return out, nil
}

// BreakerConfig segue os campos de gobreaker.Settings; ReadyToTripRatio é a
// fração de falhas (com pelo menos 3 requisições) que abre o circuito.
type BreakerConfig struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	ReadyToTripRatio float64
	Logger           log.Logger
}

func NewBreaker(cfg BreakerConfig) *gobreaker.CircuitBreaker {
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 3 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.ReadyToTripRatio
		},
		// erros do cliente não dizem nada sobre a saúde do servidor
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var decodeErr *domain.DecodeError
			if errors.As(err, &decodeErr) {
				return true
			}
			var statusErr *domain.StatusError
			return errors.As(err, &statusErr) && statusErr.ClientError()
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			level.Warn(logger).Log("msg", "circuit breaker changed state", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

func snippet(data []byte) string {
	if len(data) > maxSnippetBytes {
		data = data[:maxSnippetBytes]
	}
	return strings.TrimSpace(string(data))
}
