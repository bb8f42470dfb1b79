package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatch-gateway/dispatch/domain"
)

type delayRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *delayRecorder) record(_ int, _ error, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
}

func (r *delayRecorder) get() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func failingAction(failures int, failWith error) (func(context.Context, int) (domain.Response, error), *int) {
	calls := 0
	return func(_ context.Context, _ int) (domain.Response, error) {
		calls++
		if calls <= failures {
			return domain.Response{}, failWith
		}
		return domain.Response{StatusCode: 200, Body: []byte(`{"ok":true}`)}, nil
	}, &calls
}

func TestRetryPolicy_DelayDoublesFromBase(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 5 * time.Second}

	assert.Equal(t, 1*time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 5*time.Second, p.Delay(4), "capped at MaxDelay")
}

func TestRetryPolicy_RunStopsAfterMaxAttempts(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 4, BaseDelay: time.Millisecond}

	calls := 0
	attempts, err := p.Run(context.Background(), func(context.Context, int) error {
		calls++
		return errors.New("boom")
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 4, attempts)
	assert.Equal(t, 4, calls)
}

func TestRetryPolicy_RunWithZeroAttemptsStillTriesOnce(t *testing.T) {
	p := RetryPolicy{}

	attempts, err := p.Run(context.Background(), func(context.Context, int) error {
		return errors.New("boom")
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryExecutor_SucceedsAfterTransientFailures(t *testing.T) {
	rec := &delayRecorder{}
	exec := RetryExecutor{
		Policy:            RetryPolicy{MaxAttempts: 3, BaseDelay: 5 * time.Millisecond},
		RetryClientErrors: true,
		OnRetry:           rec.record,
	}
	action, calls := failingAction(2, &domain.StatusError{StatusCode: 503})

	resp, attempts, err := exec.Attempt(context.Background(), action)

	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, *calls)

	delays := rec.get()
	require.Len(t, delays, 2)
	assert.Equal(t, 5*time.Millisecond, delays[0])
	assert.Equal(t, 10*time.Millisecond, delays[1])
	assert.GreaterOrEqual(t, delays[1], delays[0])
}

func TestRetryExecutor_AlwaysFailingYieldsRequestFailure(t *testing.T) {
	exec := RetryExecutor{
		Policy:            RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond},
		RetryClientErrors: true,
	}
	action, calls := failingAction(100, &domain.StatusError{StatusCode: 500, Body: "oops"})

	_, attempts, err := exec.Attempt(context.Background(), action)

	require.ErrorIs(t, err, domain.ErrRequestFailure)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, *calls)

	var reqErr *domain.RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, 500, reqErr.StatusCode())
	assert.Equal(t, 3, reqErr.Attempts)
}

func TestRetryExecutor_DecodeErrorIsNotRetried(t *testing.T) {
	exec := RetryExecutor{Policy: RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}}
	action, calls := failingAction(100, &domain.DecodeError{Err: errors.New("unexpected EOF")})

	_, attempts, err := exec.Attempt(context.Background(), action)

	require.ErrorIs(t, err, domain.ErrRequestFailure)
	var decodeErr *domain.DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, *calls)
}

func TestRetryExecutor_ClientErrorsRetriedUniformlyByDefault(t *testing.T) {
	exec := RetryExecutor{
		Policy:            RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond},
		RetryClientErrors: true,
	}
	action, calls := failingAction(100, &domain.StatusError{StatusCode: 400})

	_, attempts, err := exec.Attempt(context.Background(), action)

	require.ErrorIs(t, err, domain.ErrRequestFailure)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, *calls)
}

func TestRetryExecutor_StrictModeFailsFastOnClientErrors(t *testing.T) {
	exec := RetryExecutor{Policy: RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}}

	action, calls := failingAction(100, &domain.StatusError{StatusCode: 404})
	_, attempts, err := exec.Attempt(context.Background(), action)
	require.ErrorIs(t, err, domain.ErrRequestFailure)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, *calls)

	// 429 continua transitório
	action, calls = failingAction(1, &domain.StatusError{StatusCode: 429})
	_, attempts, err = exec.Attempt(context.Background(), action)
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 2, *calls)
}

func TestRetryExecutor_AuthFailurePassesThrough(t *testing.T) {
	exec := RetryExecutor{Policy: RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}}
	authErr := &domain.AuthError{Attempts: 3, Err: errors.New("token endpoint down")}
	action, calls := failingAction(100, authErr)

	_, attempts, err := exec.Attempt(context.Background(), action)

	require.ErrorIs(t, err, domain.ErrAuthFailure)
	assert.NotErrorIs(t, err, domain.ErrRequestFailure)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, *calls)
}

func TestRetryExecutor_CircuitOpenIsNotRetried(t *testing.T) {
	exec := RetryExecutor{Policy: RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}}
	action, calls := failingAction(100, domain.ErrCircuitOpen)

	_, _, err := exec.Attempt(context.Background(), action)

	require.ErrorIs(t, err, domain.ErrCircuitOpen)
	assert.Equal(t, 1, *calls)
}

func TestRetryExecutor_StopsWhenContextCanceled(t *testing.T) {
	exec := RetryExecutor{Policy: RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour}}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		_, _, err := exec.Attempt(ctx, func(context.Context, int) (domain.Response, error) {
			calls++
			return domain.Response{}, errors.New("connection reset")
		})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, domain.ErrRequestFailure)
		assert.Equal(t, 1, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("retry did not stop after cancel")
	}
}
