package infra

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"dispatch-gateway/dispatch/domain"
)

// PromStatsStore expõe os desfechos de despacho como métricas Prometheus.
type PromStatsStore struct {
	requests *prometheus.CounterVec
	attempts prometheus.Counter
	duration *prometheus.HistogramVec
}

func NewPromStatsStore(reg prometheus.Registerer) *PromStatsStore {
	return &PromStatsStore{
		requests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_requests_total",
			Help: "Total number of dispatched requests by route template and outcome.",
		}, []string{"method", "route", "outcome"}),
		attempts: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "dispatch_request_attempts_total",
			Help: "Total number of HTTP attempts made against the remote API.",
		}),
		duration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dispatch_request_duration_seconds",
			Help:    "Time from enqueue to resolution.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
	}
}

func (s *PromStatsStore) Record(_ context.Context, ev domain.StatsEvent) error {
	outcome := string(ev.Outcome)
	s.requests.WithLabelValues(ev.MethodLabel(), ev.RouteLabel(), outcome).Inc()
	s.attempts.Add(float64(ev.Attempts))
	s.duration.WithLabelValues(outcome).Observe(ev.Duration.Seconds())
	return nil
}

// RegisterQueueGauges publica profundidade da fila e requisições em voo.
func RegisterQueueGauges(reg prometheus.Registerer, queueLen, inFlight func() int) {
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "dispatch_queue_depth",
		Help: "Number of requests waiting in the dispatch queue.",
	}, func() float64 { return float64(queueLen()) })
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "dispatch_inflight_requests",
		Help: "Number of requests currently in flight against the remote API.",
	}, func() float64 { return float64(inFlight()) })
}
