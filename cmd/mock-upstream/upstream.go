package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/atomic"
)

// settings controla o comportamento do servidor simulado.
type settings struct {
	APIKey      string
	TokenTTL    time.Duration
	Latency     time.Duration
	FailRate    float64
	MinInterval time.Duration
	MaxInFlight int
}

// upstream simula a API remota: emite tokens de curta duração e responde chat
// completions, acusando quem desrespeita intervalo mínimo ou limite de concorrência.
type upstream struct {
	cfg    settings
	logger log.Logger
	now    func() time.Time

	mu     sync.Mutex
	tokens map[string]time.Time
	last   time.Time

	inFlight   atomic.Int64
	issued     atomic.Int64
	served     atomic.Int64
	violations atomic.Int64
}

func newUpstream(cfg settings, logger log.Logger) *upstream {
	return &upstream{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		tokens: make(map[string]time.Time),
	}
}

func (u *upstream) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/auth/token", u.issueToken).Methods(http.MethodPost)
	r.HandleFunc("/v1/chat/completions", u.chatCompletions).Methods(http.MethodPost)
	r.HandleFunc("/stats", u.stats).Methods(http.MethodGet)
	return r
}

func (u *upstream) issueToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		APIKey string `json:"api_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	if u.cfg.APIKey != "" && body.APIKey != u.cfg.APIKey {
		level.Warn(u.logger).Log("msg", "rejected token request", "reason", "bad api key")
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
		return
	}

	tok := uuid.NewString()
	u.mu.Lock()
	u.tokens[tok] = u.now().Add(u.cfg.TokenTTL)
	u.mu.Unlock()
	u.issued.Inc()

	level.Info(u.logger).Log("msg", "issued access token", "expires_in", u.cfg.TokenTTL)
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": tok,
		"expires_in":   u.cfg.TokenTTL.Seconds(),
	})
}

func (u *upstream) chatCompletions(w http.ResponseWriter, r *http.Request) {
	n := u.inFlight.Inc()
	defer u.inFlight.Dec()
	if u.cfg.MaxInFlight > 0 && n > int64(u.cfg.MaxInFlight) {
		u.violations.Inc()
		level.Warn(u.logger).Log("msg", "concurrency limit exceeded", "in_flight", n, "limit", u.cfg.MaxInFlight)
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "too many concurrent requests"})
		return
	}

	if !u.authorized(r.Header.Get("Authorization")) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or expired token"})
		return
	}
	if gap, ok := u.paced(); !ok {
		u.violations.Inc()
		level.Warn(u.logger).Log("msg", "minimum interval violated", "gap", gap, "min_interval", u.cfg.MinInterval)
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "requests too close together"})
		return
	}

	if u.cfg.Latency > 0 {
		select {
		case <-time.After(u.cfg.Latency):
		case <-r.Context().Done():
			return
		}
	}
	if u.cfg.FailRate > 0 && rand.Float64() < u.cfg.FailRate {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "injected failure"})
		return
	}

	var req openai.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	u.served.Inc()
	writeJSON(w, http.StatusOK, openai.ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: u.now().Unix(),
		Model:   req.Model,
		Choices: []openai.ChatCompletionChoice{{
			Index: 0,
			Message: openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: echo(req.Messages),
			},
			FinishReason: openai.FinishReasonStop,
		}},
	})
}

func (u *upstream) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int64{
		"tokens_issued":      u.issued.Load(),
		"requests_served":    u.served.Load(),
		"limit_violations":   u.violations.Load(),
		"requests_in_flight": u.inFlight.Load(),
	})
}

func (u *upstream) authorized(header string) bool {
	tok, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || tok == "" {
		return false
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	exp, ok := u.tokens[tok]
	if !ok {
		return false
	}
	if !u.now().Before(exp) {
		delete(u.tokens, tok)
		return false
	}
	return true
}

// paced registra a chegada e informa se ela respeitou o intervalo mínimo.
func (u *upstream) paced() (time.Duration, bool) {
	if u.cfg.MinInterval <= 0 {
		return 0, true
	}
	now := u.now()
	u.mu.Lock()
	defer u.mu.Unlock()
	gap := now.Sub(u.last)
	first := u.last.IsZero()
	u.last = now
	// folga de 5% para a granularidade do timer do cliente
	return gap, first || gap >= u.cfg.MinInterval*95/100
}

func echo(msgs []openai.ChatCompletionMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == openai.ChatMessageRoleUser {
			return fmt.Sprintf("echo: %s", msgs[i].Content)
		}
	}
	return "echo"
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
