package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"dispatch-gateway/dispatch"
	"dispatch-gateway/dispatch/domain"
	"dispatch-gateway/dispatch/infra"
)

type config struct {
	dispatch.Config `mapstructure:",squash"`

	ListenAddr string `mapstructure:"listen_addr"`
	LogLevel   string `mapstructure:"log_level"`
	LogFormat  string `mapstructure:"log_format"`

	// admissão de entrada por tenant
	RateEnabled         bool                        `mapstructure:"rate_enabled"`
	RateRPS             float64                     `mapstructure:"rate_rps"`
	RateBurst           int                         `mapstructure:"rate_burst"`
	TenantHeader        string                      `mapstructure:"tenant_header"`
	TenantLimits        map[string]infra.QuotaLimit `mapstructure:"tenant_limits"`
	TenantIdleTTL       time.Duration               `mapstructure:"tenant_idle_ttl"`
	TrustXFF            bool                        `mapstructure:"trust_xff"`
	ShedQueueRatio      float64                     `mapstructure:"shed_queue_ratio"`
	AddRateLimitHeaders bool                        `mapstructure:"add_ratelimit_headers"`

	StatsRedisAddr     string        `mapstructure:"stats_redis_addr"`
	StatsRedisPassword string        `mapstructure:"stats_redis_password"`
	StatsRedisDB       int           `mapstructure:"stats_redis_db"`
	StatsPrefix        string        `mapstructure:"stats_prefix"`
	StatsTTL           time.Duration `mapstructure:"stats_ttl"`
}

func setDefaults(v *viper.Viper) {
	d := dispatch.DefaultConfig()

	v.SetDefault("api_key", "")
	v.SetDefault("base_url", "")
	v.SetDefault("token_url", "")
	v.SetDefault("max_retries", d.MaxRetries)
	v.SetDefault("timeout", d.Timeout)
	v.SetDefault("max_queue_size", d.MaxQueueSize)
	v.SetDefault("max_concurrent_requests", d.MaxConcurrentRequests)
	v.SetDefault("min_request_interval", d.MinRequestInterval)
	v.SetDefault("token_refresh_threshold", d.TokenRefreshThreshold)
	v.SetDefault("retry_base_delay", d.RetryBaseDelay)
	v.SetDefault("retry_max_delay", d.RetryMaxDelay)
	v.SetDefault("retry_client_errors", d.RetryClientErrors)
	v.SetDefault("queue_full_policy", d.QueueFullPolicy)
	v.SetDefault("breaker.enabled", d.Breaker.Enabled)
	v.SetDefault("breaker.max_requests", d.Breaker.MaxRequests)
	v.SetDefault("breaker.interval", d.Breaker.Interval)
	v.SetDefault("breaker.timeout", d.Breaker.Timeout)
	v.SetDefault("breaker.ready_to_trip_ratio", d.Breaker.ReadyToTripRatio)

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "logfmt")

	v.SetDefault("rate_enabled", true)
	v.SetDefault("rate_rps", 10.0)
	v.SetDefault("tenant_header", "Authorization")
	v.SetDefault("tenant_idle_ttl", 15*time.Minute)
	v.SetDefault("trust_xff", false)
	v.SetDefault("shed_queue_ratio", 0.9)
	v.SetDefault("add_ratelimit_headers", false)

	v.SetDefault("stats_redis_addr", "")
	v.SetDefault("stats_redis_password", "")
	v.SetDefault("stats_redis_db", 0)
	v.SetDefault("stats_prefix", "dispatch:stats")
	v.SetDefault("stats_ttl", 24*time.Hour)
}

// loadConfig lê defaults, arquivo opcional e variáveis de ambiente
// (BREAKER_ENABLED para breaker.enabled, e assim por diante).
func loadConfig(v *viper.Viper, cfgFile string) (config, error) {
	setDefaults(v)
	// sem default: o valor efetivo depende de rate_rps
	_ = v.BindEnv("rate_burst")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg config
	if err := v.Unmarshal(&cfg); err != nil {
		return config{}, fmt.Errorf("decode config: %w", err)
	}

	// com menos de uma submissão por segundo, rajada maior que 1 anula a cota
	if !v.IsSet("rate_burst") {
		cfg.RateBurst = 20
		if cfg.RateRPS > 0 && cfg.RateRPS < 1 {
			cfg.RateBurst = 1
		}
	}
	return cfg, nil
}

// validate cobre só as chaves do gateway; o resto é validado por dispatch.New.
func (c config) validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen_addr is required")
	}
	switch c.LogFormat {
	case "logfmt", "json":
	default:
		return fmt.Errorf("log_format must be logfmt or json, got %q", c.LogFormat)
	}
	if c.RateEnabled {
		if c.RateRPS <= 0 {
			return errors.New("rate_rps must be > 0")
		}
		if c.RateBurst <= 0 {
			return errors.New("rate_burst must be > 0")
		}
		for tenant, l := range c.TenantLimits {
			if l.RPS <= 0 || l.Burst <= 0 {
				return fmt.Errorf("tenant_limits.%s: rps and burst must be > 0", tenant)
			}
		}
	}
	if c.ShedQueueRatio < 0 || c.ShedQueueRatio > 1 {
		return fmt.Errorf("shed_queue_ratio must be within [0, 1], got %v", c.ShedQueueRatio)
	}
	return nil
}

// quotaStore monta as cotas por tenant; as chaves de tenant_limits chegam em
// minúsculas pelo viper, como os tenants de HeaderTenant.
func (c config) quotaStore() *infra.QuotaStore {
	limits := make(map[domain.Tenant]infra.QuotaLimit, len(c.TenantLimits))
	for tenant, l := range c.TenantLimits {
		limits[domain.Tenant(tenant)] = l
	}
	return infra.NewQuotaStore(
		infra.QuotaLimit{RPS: c.RateRPS, Burst: c.RateBurst},
		infra.WithTenantLimits(limits),
		infra.WithIdleTTL(c.TenantIdleTTL),
	)
}
