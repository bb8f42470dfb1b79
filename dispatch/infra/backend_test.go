package infra

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"dispatch-gateway/dispatch/domain"
)

func backendServer(t *testing.T, handler http.HandlerFunc, opts ...BackendOption) *HTTPBackend {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPBackend(srv.Client(), srv.URL+"/", opts...)
}

func TestHTTPBackend_SendsBearerAndDecodesResult(t *testing.T) {
	b := backendServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		assert.Equal(t, "req-42", r.Header.Get("X-Request-Id"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"model":"m"}`, string(body))

		_, _ = w.Write([]byte(`{"id":"cmpl-1","n":3}`))
	})

	var out struct {
		ID string `json:"id"`
		N  int    `json:"n"`
	}
	resp, err := b.Call(context.Background(), "req-42", domain.Request{
		Method: http.MethodPost,
		Path:   "/v1/chat/completions",
		Body:   []byte(`{"model":"m"}`),
		Result: &out,
	}, "tok-1")

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cmpl-1", out.ID)
	assert.Equal(t, 3, out.N)
}

func TestHTTPBackend_NonSuccessIsStatusError(t *testing.T) {
	b := backendServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"overloaded"}`))
	})

	resp, err := b.Call(context.Background(), "", domain.Request{Path: "/x"}, "tok")

	var statusErr *domain.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	assert.Contains(t, statusErr.Body, "overloaded")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHTTPBackend_InvalidJSONIsDecodeError(t *testing.T) {
	b := backendServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"truncated":`))
	})

	_, err := b.Call(context.Background(), "", domain.Request{Path: "/x"}, "tok")

	var decodeErr *domain.DecodeError
	require.ErrorAs(t, err, &decodeErr)
}

func TestHTTPBackend_BreakerOpensOnServerErrors(t *testing.T) {
	var hits atomic.Int64
	cb := NewBreaker(BreakerConfig{Name: "test", MaxRequests: 1, Timeout: time.Minute, ReadyToTripRatio: 0.5})
	b := backendServer(t, func(w http.ResponseWriter, _ *http.Request) {
		hits.Inc()
		w.WriteHeader(http.StatusInternalServerError)
	}, WithBreaker(cb))

	for i := 0; i < 3; i++ {
		_, err := b.Call(context.Background(), "", domain.Request{Path: "/x"}, "tok")
		require.Error(t, err)
		require.NotErrorIs(t, err, domain.ErrCircuitOpen)
	}

	_, err := b.Call(context.Background(), "", domain.Request{Path: "/x"}, "tok")
	require.ErrorIs(t, err, domain.ErrCircuitOpen)
	assert.Equal(t, int64(3), hits.Load())
}

func TestHTTPBackend_BreakerIgnoresClientErrors(t *testing.T) {
	var hits atomic.Int64
	cb := NewBreaker(BreakerConfig{Name: "test", MaxRequests: 1, Timeout: time.Minute, ReadyToTripRatio: 0.5})
	b := backendServer(t, func(w http.ResponseWriter, _ *http.Request) {
		hits.Inc()
		w.WriteHeader(http.StatusNotFound)
	}, WithBreaker(cb))

	for i := 0; i < 5; i++ {
		_, err := b.Call(context.Background(), "", domain.Request{Path: "/missing"}, "tok")
		var statusErr *domain.StatusError
		require.ErrorAs(t, err, &statusErr)
	}
	assert.Equal(t, int64(5), hits.Load())
}
