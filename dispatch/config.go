package dispatch

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"dispatch-gateway/dispatch/application"
)

// Config é imutável depois de New.
type Config struct {
	APIKey   string `mapstructure:"api_key"`
	BaseURL  string `mapstructure:"base_url"`
	TokenURL string `mapstructure:"token_url"`

	MaxRetries            int           `mapstructure:"max_retries"`
	Timeout               time.Duration `mapstructure:"timeout"`
	MaxQueueSize          int           `mapstructure:"max_queue_size"`
	MaxConcurrentRequests int           `mapstructure:"max_concurrent_requests"`
	MinRequestInterval    time.Duration `mapstructure:"min_request_interval"`
	TokenRefreshThreshold time.Duration `mapstructure:"token_refresh_threshold"`

	RetryBaseDelay    time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay     time.Duration `mapstructure:"retry_max_delay"`
	RetryClientErrors bool          `mapstructure:"retry_client_errors"`
	// QueueFullPolicy: "block" (padrão) ou "reject".
	QueueFullPolicy string `mapstructure:"queue_full_policy"`

	Breaker BreakerConfig `mapstructure:"breaker"`
}

type BreakerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	MaxRequests      uint32        `mapstructure:"max_requests"`
	Interval         time.Duration `mapstructure:"interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
	ReadyToTripRatio float64       `mapstructure:"ready_to_trip_ratio"`
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:            3,
		Timeout:               10 * time.Second,
		MaxQueueSize:          100,
		MaxConcurrentRequests: 20,
		MinRequestInterval:    100 * time.Millisecond,
		TokenRefreshThreshold: 300 * time.Second,
		RetryBaseDelay:        1 * time.Second,
		RetryMaxDelay:         60 * time.Second,
		RetryClientErrors:     true,
		QueueFullPolicy:       string(application.QueueBlock),
		Breaker: BreakerConfig{
			MaxRequests:      1,
			Interval:         60 * time.Second,
			Timeout:          30 * time.Second,
			ReadyToTripRatio: 0.6,
		},
	}
}

// RetryPolicy é a política usada tanto no token quanto nas chamadas ao backend.
func (c Config) RetryPolicy() application.RetryPolicy {
	return application.RetryPolicy{
		MaxAttempts: c.MaxRetries,
		BaseDelay:   c.RetryBaseDelay,
		MaxDelay:    c.RetryMaxDelay,
	}
}

// CallBudget é o tempo máximo de uma chamada que esgota as tentativas: um
// timeout por tentativa, mais um para o token, mais as esperas entre tentativas.
func (c Config) CallBudget() time.Duration {
	policy := c.RetryPolicy()
	budget := c.Timeout * time.Duration(c.MaxRetries+1)
	for attempt := 1; attempt < c.MaxRetries; attempt++ {
		budget += policy.Delay(attempt)
	}
	return budget
}

func (c Config) Validate() error {
	if c.APIKey == "" {
		return errors.New("api_key is required")
	}
	if err := validateURL("base_url", c.BaseURL); err != nil {
		return err
	}
	if err := validateURL("token_url", c.TokenURL); err != nil {
		return err
	}
	if c.MaxRetries < 1 {
		return errors.New("max_retries must be >= 1")
	}
	if c.Timeout <= 0 {
		return errors.New("timeout must be > 0")
	}
	if c.MaxQueueSize < 1 {
		return errors.New("max_queue_size must be >= 1")
	}
	if c.MaxConcurrentRequests < 1 {
		return errors.New("max_concurrent_requests must be >= 1")
	}
	if c.MinRequestInterval < 0 {
		return errors.New("min_request_interval must be >= 0")
	}
	if c.TokenRefreshThreshold < 0 {
		return errors.New("token_refresh_threshold must be >= 0")
	}
	if c.RetryBaseDelay < 0 || c.RetryMaxDelay < 0 {
		return errors.New("retry delays must be >= 0")
	}
	switch application.QueueFullPolicy(c.QueueFullPolicy) {
	case application.QueueBlock, application.QueueReject:
	default:
		return fmt.Errorf("queue_full_policy must be %q or %q, got %q", application.QueueBlock, application.QueueReject, c.QueueFullPolicy)
	}
	if c.Breaker.Enabled && (c.Breaker.ReadyToTripRatio <= 0 || c.Breaker.ReadyToTripRatio > 1) {
		return errors.New("breaker.ready_to_trip_ratio must be in (0, 1]")
	}
	return nil
}

func validateURL(key, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", key)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid %s: scheme must be http or https", key)
	}
	return nil
}
