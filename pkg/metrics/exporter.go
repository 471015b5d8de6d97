package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Exporter handles Prometheus metrics export
type Exporter struct {
	server   *http.Server
	registry *prometheus.Registry
	logger   *zap.Logger

	// Metrics
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	backendRequests *prometheus.CounterVec
	retryExhausted  *prometheus.CounterVec
	publishLocks    prometheus.Gauge
}

// Config holds metrics exporter configuration
type Config struct {
	Enabled bool
	Port    int
	Path    string
	Logger  *zap.Logger
}

// NewExporter creates a new metrics exporter
func NewExporter(config Config) *Exporter {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "truenas_csp_requests_total",
		Help: "Total number of CSP requests by method, path and status",
	}, []string{"method", "path", "status"})

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "truenas_csp_request_duration_seconds",
		Help:    "CSP request duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"method", "path"})

	backendRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "truenas_csp_backend_requests_total",
		Help: "Total number of TrueNAS API requests by method and status",
	}, []string{"method", "status"})

	retryExhausted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "truenas_csp_backend_retry_exhausted_total",
		Help: "Operations whose retry budget drained before convergence",
	}, []string{"operation"})

	publishLocks := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "truenas_csp_publish_locks_held",
		Help: "Keyed locks currently held (publish, unpublish and host registration)",
	})

	registry.MustRegister(
		requestsTotal,
		requestDuration,
		backendRequests,
		retryExhausted,
		publishLocks,
	)

	mux := http.NewServeMux()
	mux.Handle(config.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	logger := config.Logger
	if logger == nil {
		logger, _ = zap.NewProduction()
	}

	return &Exporter{
		server:          server,
		registry:        registry,
		logger:          logger,
		requestsTotal:   requestsTotal,
		requestDuration: requestDuration,
		backendRequests: backendRequests,
		retryExhausted:  retryExhausted,
		publishLocks:    publishLocks,
	}
}

// Start starts the metrics HTTP server
func (e *Exporter) Start() error {
	e.logger.Info("Starting metrics server", zap.String("addr", e.server.Addr))

	go func() {
		if err := e.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			e.logger.Error("Metrics server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully stops the metrics server
func (e *Exporter) Stop() error {
	e.logger.Info("Stopping metrics server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return e.server.Shutdown(ctx)
}

// ObserveRequest records one CSP request
func (e *Exporter) ObserveRequest(method, path string, status int, duration time.Duration) {
	e.requestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	e.requestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// BackendRequest records one TrueNAS API request
func (e *Exporter) BackendRequest(method string, status int) {
	e.backendRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

// RetryExhausted records a drained retry budget
func (e *Exporter) RetryExhausted(operation string) {
	e.retryExhausted.WithLabelValues(operation).Inc()
}

// LockAcquired increments the held-locks gauge
func (e *Exporter) LockAcquired() {
	e.publishLocks.Inc()
}

// LockReleased decrements the held-locks gauge
func (e *Exporter) LockReleased() {
	e.publishLocks.Dec()
}
