// Package metrics exposes Prometheus collectors for the ledger, generation and webhook paths.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/photovault/internal/generation"
	"github.com/MarkoPoloResearchLab/photovault/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "photovault"

var _ generation.Observer = (*Metrics)(nil)

// Metrics owns the service collectors and the registry they live in.
type Metrics struct {
	registry           *prometheus.Registry
	ledgerOperations   *prometheus.CounterVec
	generationRequests *prometheus.CounterVec
	generationImages   *prometheus.CounterVec
	generationDuration prometheus.Histogram
	webhookEvents      *prometheus.CounterVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	metrics := &Metrics{
		registry: registry,
		ledgerOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_operations_total",
			Help:      "Ledger mutations by operation and status.",
		}, []string{"operation", "status"}),
		generationRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_requests_total",
			Help:      "Generation requests by theme and final state.",
		}, []string{"theme", "state"}),
		generationImages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_images_total",
			Help:      "Individual provider calls by outcome.",
		}, []string{"outcome"}),
		generationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "Wall time of a generation request.",
			Buckets:   []float64{1, 5, 10, 20, 40, 80, 160},
		}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Payment webhook deliveries by event type and result.",
		}, []string{"type", "result"}),
	}
	registry.MustRegister(
		metrics.ledgerOperations,
		metrics.generationRequests,
		metrics.generationImages,
		metrics.generationDuration,
		metrics.webhookEvents,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return metrics
}

// Handler serves the registry in the Prometheus text format.
func (metrics *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{})
}

// ObserveGeneration records a finished generation request.
func (metrics *Metrics) ObserveGeneration(theme string, requested int, succeeded int, state generation.State, elapsed time.Duration) {
	metrics.generationRequests.WithLabelValues(theme, string(state)).Inc()
	if succeeded > 0 {
		metrics.generationImages.WithLabelValues("succeeded").Add(float64(succeeded))
	}
	if failed := requested - succeeded; failed > 0 {
		metrics.generationImages.WithLabelValues("failed").Add(float64(failed))
	}
	metrics.generationDuration.Observe(elapsed.Seconds())
}

// ObserveWebhook counts one webhook delivery.
func (metrics *Metrics) ObserveWebhook(eventType string, result string) {
	if eventType == "" {
		eventType = "unknown"
	}
	metrics.webhookEvents.WithLabelValues(eventType, result).Inc()
}

// OperationLogger reports ledger operations to zap and to the operations counter.
type OperationLogger struct {
	logger  *zap.Logger
	metrics *Metrics
}

var _ ledger.OperationLogger = (*OperationLogger)(nil)

// NewOperationLogger wires an OperationLogger. A nil metrics only logs.
func NewOperationLogger(logger *zap.Logger, metrics *Metrics) *OperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OperationLogger{logger: logger, metrics: metrics}
}

// LogOperation implements ledger.OperationLogger.
func (operationLogger *OperationLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	if operationLogger.metrics != nil {
		operationLogger.metrics.ledgerOperations.WithLabelValues(entry.Operation, entry.Status).Inc()
	}
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
		zap.String("account_id", entry.AccountID.String()),
		zap.Int64("amount", entry.Amount.Int64()),
	}
	if reservationID := entry.ReservationID.String(); reservationID != "" {
		fields = append(fields, zap.String("reservation_id", reservationID))
	}
	if key := entry.IdempotencyKey.String(); key != "" {
		fields = append(fields, zap.String("idempotency_key", key))
	}
	if entry.Error != nil {
		operationLogger.logger.Warn("ledger operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	operationLogger.logger.Info("ledger operation", fields...)
}
