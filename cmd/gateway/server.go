package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	openai "github.com/sashabaranov/go-openai"

	"dispatch-gateway/chat"
	"dispatch-gateway/dispatch/domain"
	"dispatch-gateway/middleware/admission"
)

const (
	maxBodyBytes = 8 << 20

	// mesma convenção do nginx para chamador que desistiu
	statusClientClosedRequest = 499
)

// dispatcher é o que as rotas usam do *dispatch.Dispatcher.
type dispatcher interface {
	chat.Doer
	QueueLen() int
	InFlight() int
	SlotsInUse() int
}

type server struct {
	d      dispatcher
	chat   *chat.Client
	logger log.Logger
}

func newServer(d dispatcher, logger log.Logger) *server {
	return &server{d: d, chat: chat.New(d), logger: logger}
}

// routes monta o router; admission envolve apenas a API, não /metrics nem /healthz.
func (s *server) routes(gatherer prometheus.Gatherer, admission mux.MiddlewareFunc) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)

	api := r.PathPrefix("/v1").Subrouter()
	if admission != nil {
		api.Use(admission)
	}
	api.HandleFunc("/chat/completions", s.chatCompletions).Methods(http.MethodPost)
	api.PathPrefix("/").HandlerFunc(s.passthrough)
	return r
}

func (s *server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"queue_depth":  s.d.QueueLen(),
		"in_flight":    s.d.InFlight(),
		"slots_in_use": s.d.SlotsInUse(),
	})
}

type completionRequest struct {
	Model       string                         `json:"model"`
	Messages    []openai.ChatCompletionMessage `json:"messages"`
	Temperature *float32                       `json:"temperature"`
}

func (s *server) chatCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var req completionRequest
	var extra map[string]any
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := json.Unmarshal(body, &extra); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	delete(extra, "model")
	delete(extra, "messages")
	delete(extra, "temperature")

	if req.Model == "" || len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("model and messages are required"))
		return
	}

	resp, err := s.chat.CreateChatCompletion(r.Context(), chat.Params{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		Extra:       extra,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// passthrough encaminha qualquer outra rota /v1 pelo dispatcher sem interpretar o corpo.
func (s *server) passthrough(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(body) > 0 && !json.Valid(body) {
		writeError(w, http.StatusBadRequest, errors.New("request body must be JSON"))
		return
	}

	path := r.URL.Path
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}
	resp, err := s.d.Do(r.Context(), domain.Request{
		Method: r.Method,
		Path:   path,
		Route:  routeTemplate(r),
		Body:   json.RawMessage(body),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

// routeTemplate é o template mux da rota ("/v1/" na passthrough), nunca o path
// do cliente: é o rótulo das estatísticas.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return domain.OtherRoute
}

func (s *server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	admission.SetRetryAfter(w, err)
	lvl := level.Warn
	if code == statusClientClosedRequest {
		lvl = level.Debug
	}
	lvl(s.logger).Log("msg", "dispatch failed", "method", r.Method, "path", r.URL.Path, "status", code, "err", err)
	writeError(w, code, err)
}

func statusFor(err error) int {
	var decodeErr *domain.DecodeError
	switch {
	case errors.Is(err, domain.ErrThrottled):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrQueueFull),
		errors.Is(err, domain.ErrShutdown),
		errors.Is(err, domain.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrAuthFailure),
		errors.Is(err, domain.ErrRequestFailure),
		errors.As(err, &decodeErr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
