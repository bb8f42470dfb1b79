package application

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"

	"dispatch-gateway/dispatch/domain"
)

const refreshKey = "access-token"

// TokenManager é o dono do bearer token atual e da sua expiração.
//
// Enquanto now < ExpiresAt-Threshold o token em cache é devolvido sem rede.
// Fora dessa janela, um único refresh fica em voo (singleflight) e todos os
// chamadores recebem o mesmo token ou o mesmo erro.
type TokenManager struct {
	Source    domain.TokenSource
	Policy    RetryPolicy
	Threshold time.Duration
	Logger    log.Logger
	Now       func() time.Time

	mu      sync.Mutex
	current domain.AccessToken

	group     singleflight.Group
	refreshes atomic.Int64

	lifeOnce sync.Once
	life     context.Context
	stop     context.CancelFunc
}

func NewTokenManager(src domain.TokenSource, policy RetryPolicy, threshold time.Duration, logger log.Logger) *TokenManager {
	return &TokenManager{
		Source:    src,
		Policy:    policy,
		Threshold: threshold,
		Logger:    logger,
	}
}

// Token devolve um token utilizável, renovando-o se necessário.
//
// Se o ctx do chamador encerrar durante um refresh compartilhado, o chamador
// desiste mas o refresh continua para os demais.
func (m *TokenManager) Token(ctx context.Context) (domain.AccessToken, error) {
	if tok, ok := m.cached(); ok {
		return tok, nil
	}

	ch := m.group.DoChan(refreshKey, func() (interface{}, error) {
		return m.refresh()
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return domain.AccessToken{}, res.Err
		}
		return res.Val.(domain.AccessToken), nil
	case <-ctx.Done():
		return domain.AccessToken{}, ctx.Err()
	}
}

// Invalidate descarta o token em cache se ele ainda for `value`
// (ex.: o backend respondeu 401 com ele).
func (m *TokenManager) Invalidate(value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current.Value == value {
		m.current = domain.AccessToken{}
	}
}

// Refreshes conta quantos refreshes (não tentativas) foram executados.
func (m *TokenManager) Refreshes() int64 { return m.refreshes.Load() }

// Close cancela refreshes em andamento. Chamadas seguintes a Token que
// precisem de rede falham com AuthError.
func (m *TokenManager) Close() {
	m.lifecycle()
	m.stop()
}

func (m *TokenManager) cached() (domain.AccessToken, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current.UsableAt(m.now(), m.Threshold) {
		return m.current, true
	}
	return domain.AccessToken{}, false
}

func (m *TokenManager) refresh() (domain.AccessToken, error) {
	// outro refresh pode ter terminado entre a checagem do cache e o DoChan
	if tok, ok := m.cached(); ok {
		return tok, nil
	}
	m.refreshes.Inc()

	logger := m.logger()
	var tok domain.AccessToken
	attempts, err := m.Policy.Run(m.lifecycle(), func(ctx context.Context, _ int) error {
		t, err := m.Source.Fetch(ctx)
		if err != nil {
			return err
		}
		tok = t
		return nil
	}, func(attempt int, err error, delay time.Duration) {
		level.Warn(logger).Log("msg", "failed to refresh access token, retrying", "attempt", attempt, "delay", delay, "err", err)
	})
	if err != nil {
		level.Error(logger).Log("msg", "failed to refresh access token", "attempts", attempts, "err", err)
		return domain.AccessToken{}, &domain.AuthError{Attempts: attempts, Err: err}
	}

	if !tok.UsableAt(m.now(), m.Threshold) {
		level.Warn(logger).Log("msg", "refreshed access token already inside refresh threshold", "expires_at", tok.ExpiresAt, "threshold", m.Threshold)
	}

	m.mu.Lock()
	m.current = tok
	m.mu.Unlock()

	level.Debug(logger).Log("msg", "refreshed access token", "attempts", attempts, "expires_at", tok.ExpiresAt)
	return tok, nil
}

func (m *TokenManager) lifecycle() context.Context {
	m.lifeOnce.Do(func() {
		m.life, m.stop = context.WithCancel(context.Background())
	})
	return m.life
}

func (m *TokenManager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *TokenManager) logger() log.Logger {
	if m.Logger == nil {
		return log.NewNopLogger()
	}
	return m.Logger
}
