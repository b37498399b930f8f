// Package metrics exposes limitd's Prometheus collectors and the HTTP
// server that publishes them, and a PrometheusMetrics type the engine's
// metricsRecorder interface is implemented against.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	TimeLimitObserversRegistered = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "limitd_observers_registered",
			Help: "Number of currently registered usage-limit observers",
		},
		[]string{"kind"},
	)

	TimeLimitEntitiesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "limitd_entities_active",
			Help: "Number of entities currently marked active across all users",
		},
	)

	TimeLimitLimitReachedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "limitd_limit_reached_total",
			Help: "Total number of limit-reached notifications delivered",
		},
		[]string{"kind"},
	)

	TimeLimitSessionEndTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "limitd_session_end_total",
			Help: "Total number of session-end notifications delivered",
		},
	)

	TimeLimitTimersPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "limitd_timers_pending",
			Help: "Number of pending timer-service messages",
		},
	)

	TimeLimitObserverAppEvicted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "limitd_observer_app_evicted_total",
			Help: "Total number of idle observer-app entries reclaimed from the registry",
		},
	)
)

func init() {
	prometheus.MustRegister(
		TimeLimitObserversRegistered,
		TimeLimitEntitiesActive,
		TimeLimitLimitReachedTotal,
		TimeLimitSessionEndTotal,
		TimeLimitTimersPending,
		TimeLimitObserverAppEvicted,
	)
}

// PrometheusMetrics implements the engine's metricsRecorder interface by
// adjusting the package-level collectors above.
type PrometheusMetrics struct{}

func (PrometheusMetrics) ObserverRegistered(kind string) {
	TimeLimitObserversRegistered.WithLabelValues(kind).Inc()
}

func (PrometheusMetrics) ObserverRemoved(kind string) {
	TimeLimitObserversRegistered.WithLabelValues(kind).Dec()
}

func (PrometheusMetrics) LimitReached(kind string) {
	TimeLimitLimitReachedTotal.WithLabelValues(kind).Inc()
}

func (PrometheusMetrics) SessionEnded() {
	TimeLimitSessionEndTotal.Inc()
}

func (PrometheusMetrics) ObserverAppEvicted() {
	TimeLimitObserverAppEvicted.Inc()
}

func (PrometheusMetrics) ActiveEntities(delta int) {
	TimeLimitEntitiesActive.Add(float64(delta))
}

func (PrometheusMetrics) PendingTimers(n int) {
	TimeLimitTimersPending.Set(float64(n))
}

// Server is the metrics HTTP server.
type Server struct {
	server *http.Server
	logger zerolog.Logger
}

// NewServer creates a new metrics server.
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// Start starts the metrics server.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("starting metrics server")
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("stopping metrics server")
	return s.server.Close()
}
