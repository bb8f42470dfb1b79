// mock-upstream é uma API remota de mentira para exercitar o gateway localmente:
//
//	go run ./cmd/mock-upstream -listen-addr :9090 -token-ttl 2m -min-interval 100ms -max-in-flight 2
//	API_KEY=dev BASE_URL=http://localhost:9090 TOKEN_URL=http://localhost:9090/auth/token go run ./cmd/gateway serve
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

func main() {
	var (
		addr string
		cfg  settings
	)
	flag.StringVar(&addr, "listen-addr", ":9090", "HTTP listen address")
	flag.StringVar(&cfg.APIKey, "api-key", "dev", "API key accepted by /auth/token (empty accepts any)")
	flag.DurationVar(&cfg.TokenTTL, "token-ttl", 10*time.Minute, "lifetime of issued access tokens")
	flag.DurationVar(&cfg.Latency, "latency", 50*time.Millisecond, "artificial latency per completion")
	flag.Float64Var(&cfg.FailRate, "fail-rate", 0, "fraction of completions answered with 503")
	flag.DurationVar(&cfg.MinInterval, "min-interval", 0, "reject requests closer than this (0 disables)")
	flag.IntVar(&cfg.MaxInFlight, "max-in-flight", 0, "reject requests above this concurrency (0 disables)")
	flag.Parse()

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "component", "mock-upstream")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv := &http.Server{
		Addr:              addr,
		Handler:           newUpstream(cfg, logger).routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	level.Info(logger).Log("msg", "mock upstream listening", "addr", addr, "token_ttl", cfg.TokenTTL, "min_interval", cfg.MinInterval, "max_in_flight", cfg.MaxInFlight)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		level.Error(logger).Log("msg", "server error", "err", err)
		os.Exit(1)
	}
}
