package application

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"dispatch-gateway/dispatch/domain"
)

const defaultMaxDelay = 60 * time.Second

// RetryPolicy é a política de retry compartilhada pelo TokenManager e pelo RetryExecutor.
//
// MaxAttempts conta a primeira tentativa. A espera antes da tentativa n+1 é
// BaseDelay * 2^(n-1), limitada por MaxDelay, sem jitter.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Delay retorna a espera que sucede a tentativa `attempt` (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		if d >= maxDelay/2 {
			return maxDelay
		}
		d *= 2
	}
	if d > maxDelay {
		return maxDelay
	}
	return d
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = p.BaseDelay
	expo.RandomizationFactor = 0
	expo.Multiplier = 2
	expo.MaxInterval = maxDelay
	expo.MaxElapsedTime = 0
	expo.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(expo, uint64(p.attempts()-1)), ctx)
}

// Run executa op até ter sucesso, falhar de forma permanente (backoff.Permanent)
// ou esgotar MaxAttempts. Retorna quantas tentativas foram feitas e o último erro.
//
// notify é chamado antes de cada espera com a tentativa que falhou.
func (p RetryPolicy) Run(
	ctx context.Context,
	op func(ctx context.Context, attempt int) error,
	notify func(attempt int, err error, delay time.Duration),
) (int, error) {
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		return op(ctx, attempt)
	}, p.backOff(ctx), func(err error, delay time.Duration) {
		if notify != nil {
			notify(attempt, err, delay)
		}
	})
	return attempt, err
}

// RetryExecutor envolve uma tentativa HTTP com retries limitados e backoff exponencial.
type RetryExecutor struct {
	Policy RetryPolicy
	// RetryClientErrors=false torna respostas 4xx (exceto 408/429) não reexecutáveis.
	RetryClientErrors bool
	OnRetry           func(attempt int, err error, delay time.Duration)
}

// Attempt executa action (exatamente uma chamada HTTP por invocação) com retry.
//
// Esgotadas as tentativas, retorna *domain.RequestError com a última causa.
// Falhas de token (*domain.AuthError) e cancelamento do ctx são devolvidos sem embrulho.
func (e RetryExecutor) Attempt(
	ctx context.Context,
	action func(ctx context.Context, attempt int) (domain.Response, error),
) (domain.Response, int, error) {
	var resp domain.Response
	attempts, err := e.Policy.Run(ctx, func(ctx context.Context, attempt int) error {
		r, err := action(ctx, attempt)
		if err == nil {
			resp = r
			return nil
		}
		if !e.retriable(ctx, err) {
			return backoff.Permanent(err)
		}
		return err
	}, e.OnRetry)
	if err == nil {
		return resp, attempts, nil
	}

	if ctx.Err() != nil {
		return domain.Response{}, attempts, err
	}
	var authErr *domain.AuthError
	if errors.As(err, &authErr) {
		return domain.Response{}, attempts, err
	}
	return domain.Response{}, attempts, &domain.RequestError{Attempts: attempts, Err: err}
}

func (e RetryExecutor) retriable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, domain.ErrCircuitOpen) || errors.Is(err, domain.ErrAuthFailure) {
		return false
	}
	var decodeErr *domain.DecodeError
	if errors.As(err, &decodeErr) {
		return false
	}
	var statusErr *domain.StatusError
	if errors.As(err, &statusErr) && !e.RetryClientErrors && statusErr.ClientError() {
		return false
	}
	return true
}
