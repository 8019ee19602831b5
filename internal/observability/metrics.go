package observability

import (
	"context"
	"errors"
	"net/http"
	"time"

	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MetricsCollector holds the gRPC server metrics and the outbox, scheduler and worker
// metrics. A nil collector is valid and records nothing.
type MetricsCollector struct {
	serverMetrics *grpcprom.ServerMetrics

	outboxOutcomes   *prometheus.CounterVec
	dispatched       *prometheus.CounterVec
	outboxBacklog    *prometheus.GaugeVec
	jobRuns          *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	lockSkips        *prometheus.CounterVec
	downloadBytes    prometheus.Counter
	downloadDuration *prometheus.HistogramVec
	assetTransitions *prometheus.CounterVec
}

// InitMetrics creates all collectors and registers them with reg.
func InitMetrics(reg prometheus.Registerer) (*MetricsCollector, error) {
	// Create server metrics with default buckets
	serverMetrics := grpcprom.NewServerMetrics(
		grpcprom.WithServerHandlingTimeHistogram(
			grpcprom.WithHistogramBuckets([]float64{0.001, 0.01, 0.1, 0.5, 1, 2.5, 5, 10}),
		),
	)

	mc := &MetricsCollector{
		serverMetrics: serverMetrics,
		outboxOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fileflow",
			Name:      "outbox_outcomes_total",
			Help:      "Outbox rows by kind and final outcome of one dispatch.",
		}, []string{"kind", "outcome"}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fileflow",
			Name:      "outbox_dispatched_total",
			Help:      "Outbox rows claimed per bucket (pending, retry, stale).",
		}, []string{"bucket"}),
		outboxBacklog: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fileflow",
			Name:      "outbox_rows",
			Help:      "Outbox rows per status at the last scheduler run.",
		}, []string{"status"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fileflow",
			Name:      "scheduler_job_runs_total",
			Help:      "Scheduler job runs by result.",
		}, []string{"job", "result"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fileflow",
			Name:      "scheduler_job_duration_seconds",
			Help:      "Time spent in one scheduler job run.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"job"}),
		lockSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fileflow",
			Name:      "scheduler_lock_skips_total",
			Help:      "Job runs skipped because another instance held the lock.",
		}, []string{"job"}),
		downloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fileflow",
			Name:      "download_bytes_total",
			Help:      "Bytes streamed from external URLs into storage.",
		}),
		downloadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fileflow",
			Name:      "download_duration_seconds",
			Help:      "External download attempts by result.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"result"}),
		assetTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fileflow",
			Name:      "asset_transitions_total",
			Help:      "File asset status transitions by target status.",
		}, []string{"to"}),
	}

	collectors := []prometheus.Collector{
		serverMetrics,
		mc.outboxOutcomes,
		mc.dispatched,
		mc.outboxBacklog,
		mc.jobRuns,
		mc.jobDuration,
		mc.lockSkips,
		mc.downloadBytes,
		mc.downloadDuration,
		mc.assetTransitions,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			// If already registered, that's okay (useful for testing)
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return nil, err
			}
		}
	}

	return mc, nil
}

// GetServerMetrics returns the gRPC server metrics
func (mc *MetricsCollector) GetServerMetrics() *grpcprom.ServerMetrics {
	return mc.serverMetrics
}

func (mc *MetricsCollector) OutboxOutcome(kind, outcome string) {
	if mc == nil {
		return
	}
	mc.outboxOutcomes.WithLabelValues(kind, outcome).Inc()
}

func (mc *MetricsCollector) Dispatched(bucket string) {
	if mc == nil {
		return
	}
	mc.dispatched.WithLabelValues(bucket).Inc()
}

func (mc *MetricsCollector) OutboxBacklog(status string, n int) {
	if mc == nil {
		return
	}
	mc.outboxBacklog.WithLabelValues(status).Set(float64(n))
}

func (mc *MetricsCollector) JobRun(job, result string, took time.Duration) {
	if mc == nil {
		return
	}
	mc.jobRuns.WithLabelValues(job, result).Inc()
	mc.jobDuration.WithLabelValues(job).Observe(took.Seconds())
}

func (mc *MetricsCollector) LockSkipped(job string) {
	if mc == nil {
		return
	}
	mc.lockSkips.WithLabelValues(job).Inc()
}

func (mc *MetricsCollector) Downloaded(result string, bytes int64, took time.Duration) {
	if mc == nil {
		return
	}
	if bytes > 0 {
		mc.downloadBytes.Add(float64(bytes))
	}
	mc.downloadDuration.WithLabelValues(result).Observe(took.Seconds())
}

func (mc *MetricsCollector) AssetTransition(to string) {
	if mc == nil {
		return
	}
	mc.assetTransitions.WithLabelValues(to).Inc()
}

// StartMetricsServer serves /metrics from gatherer and /health from check in a
// goroutine. The returned server is stopped with Shutdown.
func StartMetricsServer(addr string, gatherer prometheus.Gatherer, check func(context.Context) error, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			if err := check(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("starting metrics server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return srv
}
