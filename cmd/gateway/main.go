package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dispatch-gateway/chat"
	"dispatch-gateway/dispatch"
	"dispatch-gateway/dispatch/application"
	"dispatch-gateway/dispatch/domain"
	"dispatch-gateway/dispatch/infra"
	"dispatch-gateway/middleware/admission"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	var cfgFile string

	root := &cobra.Command{
		Use:   "gateway",
		Short: "Rate-limited, concurrency-bounded gateway to a token-authenticated HTTP API",
		Long: `gateway queues requests to a remote API that requires a short-lived bearer
token, spacing and bounding them so the remote rate limits are never exceeded.

Configuration comes from defaults, an optional YAML file (--config) and
environment variables (API_KEY, BASE_URL, TOKEN_URL, MAX_RETRIES, ...).`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	_ = v.BindPFlag("log_level", root.PersistentFlags().Lookup("log-level"))

	root.AddCommand(newServeCommand(v, &cfgFile), newChatCommand(v, &cfgFile))
	return root
}

func newServeCommand(v *viper.Viper, cfgFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the dispatcher over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(v, *cfgFile)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runServe(ctx, cfg, logger)
		},
	}
	cmd.Flags().String("listen-addr", ":8080", "HTTP listen address")
	_ = v.BindPFlag("listen_addr", cmd.Flags().Lookup("listen-addr"))
	return cmd
}

func newChatCommand(v *viper.Viper, cfgFile *string) *cobra.Command {
	var model string
	cmd := &cobra.Command{
		Use:   "chat [prompt]",
		Short: "Send a single chat completion through the dispatcher and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(v, *cfgFile)
			if err != nil {
				return err
			}

			d, err := dispatch.New(cfg.Config, dispatch.WithLogger(logger))
			if err != nil {
				return err
			}
			defer func() { _ = d.Close() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.CallBudget())
			defer cancel()

			reply, err := chat.New(d).Complete(ctx, model, strings.Join(args, " "))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), reply)
			return err
		},
	}
	cmd.Flags().StringVar(&model, "model", "gpt-4o-mini", "model name")
	return cmd
}

func setup(v *viper.Viper, cfgFile string) (config, log.Logger, error) {
	cfg, err := loadConfig(v, cfgFile)
	if err != nil {
		return config{}, nil, err
	}
	if err := cfg.validate(); err != nil {
		return config{}, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return config{}, nil, err
	}
	return cfg, logger, nil
}

func runServe(ctx context.Context, cfg config, logger log.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	stats := infra.MultiStats{infra.NewPromStatsStore(reg)}
	if cfg.StatsRedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.StatsRedisAddr,
			Password: cfg.StatsRedisPassword,
			DB:       cfg.StatsRedisDB,
		})
		defer func() { _ = rdb.Close() }()

		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis stats ping: %w", err)
		}
		stats = append(stats, infra.NewRedisStatsStore(rdb,
			infra.WithStatsPrefix(cfg.StatsPrefix),
			infra.WithStatsTTL(cfg.StatsTTL),
		))
	}

	d, err := dispatch.New(cfg.Config, dispatch.WithLogger(logger), dispatch.WithStats(stats))
	if err != nil {
		return err
	}
	infra.RegisterQueueGauges(reg, d.QueueLen, d.InFlight)

	srv := newServer(d, logger)

	var gate mux.MiddlewareFunc
	if cfg.RateEnabled {
		quotas := cfg.quotaStore()
		go quotas.RunEviction(ctx, cfg.TenantIdleTTL/4)
		gate = admission.Middleware(admission.Options{
			Admission: application.Admission{
				Quotas:    quotas,
				Load:      d,
				ShedRatio: cfg.ShedQueueRatio,
			},
			TenantHeader:        cfg.TenantHeader,
			TrustXForwardedFor:  cfg.TrustXFF,
			AddRateLimitHeaders: cfg.AddRateLimitHeaders,
			OnReject:            srv.fail,
			Logger:              log.With(logger, "component", "admission"),
		})
	}

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.routes(reg, gate),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		level.Info(logger).Log(
			"msg", "gateway listening",
			"addr", cfg.ListenAddr,
			"base_url", cfg.BaseURL,
			"rate_enabled", cfg.RateEnabled,
			"rate_rps", cfg.RateRPS,
			"rate_burst", cfg.RateBurst,
			"tenant_limits", len(cfg.TenantLimits),
			"shed_queue_ratio", cfg.ShedQueueRatio,
			"redis_stats", cfg.StatsRedisAddr != "",
		)
		serveErr <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		_ = d.Close()
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	level.Info(logger).Log("msg", "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// primeiro para de aceitar conexões; o que sobrar na fila falha com ErrShutdown
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		level.Warn(logger).Log("msg", "http server shutdown", "err", err)
	}
	return d.Shutdown(shutdownCtx)
}

var (
	_ dispatcher       = (*dispatch.Dispatcher)(nil)
	_ domain.QueueLoad = (*dispatch.Dispatcher)(nil)
)
