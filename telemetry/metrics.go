// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	SessionsOpened   prometheus.Counter
	SessionsReused   prometheus.Counter
	SessionsClosed   prometheus.Counter
	MessagesIngested prometheus.Counter
	BatchesRejected  prometheus.Counter
	StatsUpdates     prometheus.Counter

	// Histograms (seconds)
	IngestBatchDuration prometheus.Observer

	// Gauges
	OpenSessionsGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		SessionsOpened = promauto.NewCounter(prometheus.CounterOpts{Name: "casi_sessions_opened_total", Help: "Number of new sessions created"})
		SessionsReused = promauto.NewCounter(prometheus.CounterOpts{Name: "casi_sessions_reused_total", Help: "Number of open calls that reused an existing open session"})
		SessionsClosed = promauto.NewCounter(prometheus.CounterOpts{Name: "casi_sessions_closed_total", Help: "Number of sessions closed"})
		MessagesIngested = promauto.NewCounter(prometheus.CounterOpts{Name: "casi_messages_ingested_total", Help: "Number of chat messages persisted"})
		BatchesRejected = promauto.NewCounter(prometheus.CounterOpts{Name: "casi_ingest_batches_rejected_total", Help: "Number of message batches rejected before or during persistence"})
		StatsUpdates = promauto.NewCounter(prometheus.CounterOpts{Name: "casi_stats_updates_total", Help: "Number of successful stat snapshot merges"})
		IngestBatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "casi_ingest_batch_duration_seconds", Help: "Message batch persist duration seconds", Buckets: prometheus.DefBuckets})
		OpenSessionsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "casi_open_sessions", Help: "Current number of open sessions"})
	})
}

// ObserveIngestBatch records the persist duration of one message batch.
func ObserveIngestBatch(d time.Duration) {
	if IngestBatchDuration != nil {
		IngestBatchDuration.Observe(d.Seconds())
	}
}

// SetOpenSessions records the current open session count.
func SetOpenSessions(n int) {
	if OpenSessionsGauge != nil {
		OpenSessionsGauge.Set(float64(n))
	}
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
