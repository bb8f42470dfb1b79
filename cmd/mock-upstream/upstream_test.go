package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/log"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func do(t *testing.T, h http.Handler, method, path, auth, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if auth != "" {
		req.Header.Set("Authorization", "Bearer "+auth)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func issue(t *testing.T, h http.Handler) string {
	t.Helper()
	rr := do(t, h, http.MethodPost, "/auth/token", "", `{"api_key":"dev"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	var out struct {
		AccessToken string  `json:"access_token"`
		ExpiresIn   float64 `json:"expires_in"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	assert.Equal(t, 60.0, out.ExpiresIn)
	return out.AccessToken
}

const completionBody = `{"model":"m","messages":[{"role":"user","content":"hi"}]}`

func TestUpstream_TokenThenCompletion(t *testing.T) {
	u := newUpstream(settings{APIKey: "dev", TokenTTL: time.Minute}, log.NewNopLogger())
	h := u.routes()

	tok := issue(t, h)
	rr := do(t, h, http.MethodPost, "/v1/chat/completions", tok, completionBody)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp openai.ChatCompletionResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "echo: hi", resp.Choices[0].Message.Content)
	assert.Equal(t, int64(1), u.served.Load())
}

func TestUpstream_RejectsBadKeyAndExpiredToken(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	u := newUpstream(settings{APIKey: "dev", TokenTTL: time.Minute}, log.NewNopLogger())
	u.now = func() time.Time { return now }
	h := u.routes()

	rr := do(t, h, http.MethodPost, "/auth/token", "", `{"api_key":"wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	tok := issue(t, h)
	now = now.Add(2 * time.Minute)
	rr = do(t, h, http.MethodPost, "/v1/chat/completions", tok, completionBody)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = do(t, h, http.MethodPost, "/v1/chat/completions", "", completionBody)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestUpstream_FlagsRequestsTooCloseTogether(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	u := newUpstream(settings{TokenTTL: time.Minute, MinInterval: 100 * time.Millisecond}, log.NewNopLogger())
	u.now = func() time.Time { return now }
	h := u.routes()
	tok := issue(t, h)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/v1/chat/completions", tok, completionBody).Code)
	now = now.Add(10 * time.Millisecond)
	assert.Equal(t, http.StatusTooManyRequests, do(t, h, http.MethodPost, "/v1/chat/completions", tok, completionBody).Code)
	now = now.Add(100 * time.Millisecond)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/v1/chat/completions", tok, completionBody).Code)
	assert.Equal(t, int64(1), u.violations.Load())
}

func TestUpstream_FailRateOneAlwaysFails(t *testing.T) {
	u := newUpstream(settings{TokenTTL: time.Minute, FailRate: 1}, log.NewNopLogger())
	h := u.routes()
	tok := issue(t, h)

	rr := do(t, h, http.MethodPost, "/v1/chat/completions", tok, completionBody)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
