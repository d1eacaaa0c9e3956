package metrics

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Circuit breaker gauge values.
const (
	CircuitClosed   = 0
	CircuitHalfOpen = 1
	CircuitOpen     = 2
)

var (
	ExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "runbox",
		Name:      "executions_total",
		Help:      "Code executions by language and final status.",
	}, []string{"language", "status"})

	ExecutionRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "runbox",
		Name:      "execution_retries_total",
		Help:      "Execution retries by classified error category.",
	}, []string{"category"})

	ExecutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "runbox",
		Name:      "execution_duration_seconds",
		Help:      "Wall time of successful code executions.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
	})

	SandboxRecreationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "runbox",
		Name:      "sandbox_recreations_total",
		Help:      "Shared sandbox recreations by reason.",
	}, []string{"reason"})

	HealthChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "runbox",
		Name:      "sandbox_health_checks_total",
		Help:      "Active sandbox health checks by outcome.",
	}, []string{"outcome"})

	CircuitState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "runbox",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
	})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "runbox",
		Name:      "terminal_sessions",
		Help:      "Live terminal sessions.",
	})

	SubscribersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "runbox",
		Name:      "terminal_subscribers",
		Help:      "Connected terminal stream subscribers.",
	})

	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "runbox",
		Name:      "jobs_total",
		Help:      "Async execution jobs by final status.",
	}, []string{"status"})
)

// Serve exposes /metrics on its own listener so scrapes never contend with
// the API port. Returns the server for graceful shutdown.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("Metrics server listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Metrics server stopped", slog.Any("error", err))
		}
	}()

	return srv
}
