package admission

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"dispatch-gateway/dispatch/application"
	"dispatch-gateway/dispatch/domain"
	"dispatch-gateway/dispatch/infra"
)

// limitReporter é implementado por *infra.QuotaStore.
type limitReporter interface {
	Limit(domain.Tenant) infra.QuotaLimit
}

type Options struct {
	Admission application.Admission
	// Tenant padrão: HeaderTenant(TenantHeader, TrustXForwardedFor).
	Tenant             TenantFunc
	TenantHeader       string
	TrustXForwardedFor bool
	// AddRateLimitHeaders publica X-RateLimit-Tenant/RPS/Burst.
	AddRateLimitHeaders bool
	// OnReject escreve a recusa; padrão WriteRejection.
	OnReject func(w http.ResponseWriter, r *http.Request, err error)
	Logger   log.Logger
}

func Middleware(opts Options) func(next http.Handler) http.Handler {
	if opts.Tenant == nil {
		opts.Tenant = HeaderTenant(opts.TenantHeader, opts.TrustXForwardedFor)
	}
	if opts.OnReject == nil {
		opts.OnReject = func(w http.ResponseWriter, _ *http.Request, err error) { WriteRejection(w, err) }
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenant := opts.Tenant(r)

			if opts.AddRateLimitHeaders {
				w.Header().Set("X-RateLimit-Tenant", string(tenant))
				if lr, ok := opts.Admission.Quotas.(limitReporter); ok {
					l := lr.Limit(tenant)
					w.Header().Set("X-RateLimit-RPS", strconv.FormatFloat(l.RPS, 'f', -1, 64))
					w.Header().Set("X-RateLimit-Burst", strconv.Itoa(l.Burst))
				}
			}

			if err := opts.Admission.Admit(tenant); err != nil {
				level.Debug(opts.Logger).Log("msg", "submission refused", "tenant", tenant, "method", r.Method, "path", r.URL.Path, "err", err)
				opts.OnReject(w, r, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(domain.WithTenant(r.Context(), tenant)))
		})
	}
}

// SetRetryAfter publica Retry-After para recusas por cota (segundos inteiros,
// arredondados para cima, mínimo 1). Devolve false para outros erros.
func SetRetryAfter(w http.ResponseWriter, err error) bool {
	var throttled *domain.ThrottledError
	if !errors.As(err, &throttled) {
		return false
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(throttled.RetryAfter)))
	return true
}

// WriteRejection responde 429 para cota esgotada e 503 para fila sobrecarregada.
func WriteRejection(w http.ResponseWriter, err error) {
	code := http.StatusServiceUnavailable
	if SetRetryAfter(w, err) {
		code = http.StatusTooManyRequests
	}
	http.Error(w, http.StatusText(code), code)
}

func retryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
