package domain

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingRequest_ResolveIsSingleAssignment(t *testing.T) {
	p := NewPendingRequest(context.Background(), Request{Method: "POST", Path: "/x"})
	require.NotEmpty(t, p.ID)
	assert.Equal(t, StateQueued, p.State())

	var wg sync.WaitGroup
	var wins sync.Map
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if p.Resolve(Response{StatusCode: 200 + i}, nil) {
				wins.Store(i, true)
			}
		}(i)
	}
	wg.Wait()

	n := 0
	wins.Range(func(any, any) bool { n++; return true })
	assert.Equal(t, 1, n)

	assert.False(t, p.Resolve(Response{}, ErrShutdown))
	_, err := p.Result()
	assert.NoError(t, err)
	assert.Equal(t, StateResolved, p.State())
}

func TestPendingRequest_AdvanceStopsAtTerminalState(t *testing.T) {
	p := NewPendingRequest(nil, Request{})
	assert.NotNil(t, p.Context())

	assert.True(t, p.Advance(StateAcquiring))
	assert.True(t, p.Advance(StateAttempting))
	assert.False(t, p.Advance(StateResolved), "terminal states only via Resolve")

	require.True(t, p.Resolve(Response{}, ErrQueueFull))
	assert.Equal(t, StateFailed, p.State())
	assert.False(t, p.Advance(StateThrottled))
	assert.Equal(t, StateFailed, p.State())
}

func TestPendingRequest_WaitReturnsResultOrContextError(t *testing.T) {
	p := NewPendingRequest(context.Background(), Request{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := p.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	go p.Resolve(Response{StatusCode: 201, Body: []byte(`{"ok":true}`)}, nil)
	resp, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 201, resp.StatusCode)

	var out struct{ OK bool }
	require.NoError(t, resp.Decode(&out))
	assert.True(t, out.OK)
}

func TestResponse_DecodeFailureIsDecodeError(t *testing.T) {
	var out map[string]any
	err := Response{Body: []byte(`nope`)}.Decode(&out)

	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
}

func TestErrors_ClassifyBySentinel(t *testing.T) {
	cause := &StatusError{StatusCode: 503, Body: "busy"}
	reqErr := error(&RequestError{Attempts: 3, Err: cause})
	assert.ErrorIs(t, reqErr, ErrRequestFailure)
	assert.NotErrorIs(t, reqErr, ErrAuthFailure)
	assert.Equal(t, 503, reqErr.(*RequestError).StatusCode())
	assert.Contains(t, reqErr.Error(), "attempts=3")

	var se *StatusError
	require.ErrorAs(t, reqErr, &se)
	assert.Same(t, cause, se)

	authErr := error(&AuthError{Attempts: 2, Err: context.Canceled})
	assert.ErrorIs(t, authErr, ErrAuthFailure)
	assert.ErrorIs(t, authErr, context.Canceled)

	assert.Equal(t, 0, (&RequestError{Err: errors.New("dial tcp: refused")}).StatusCode())
}

func TestStatusError_ClientError(t *testing.T) {
	assert.True(t, (&StatusError{StatusCode: 400}).ClientError())
	assert.True(t, (&StatusError{StatusCode: 404}).ClientError())
	assert.False(t, (&StatusError{StatusCode: 408}).ClientError())
	assert.False(t, (&StatusError{StatusCode: 429}).ClientError())
	assert.False(t, (&StatusError{StatusCode: 500}).ClientError())
}

func TestAccessToken_UsableAt(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tok := AccessToken{Value: "t", ExpiresAt: now.Add(10 * time.Minute)}

	assert.True(t, tok.UsableAt(now, 5*time.Minute))
	assert.False(t, tok.UsableAt(now.Add(5*time.Minute), 5*time.Minute))
	assert.False(t, AccessToken{ExpiresAt: now.Add(time.Hour)}.UsableAt(now, 0))
}
