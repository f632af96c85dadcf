// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Slot pipeline metrics
	SlotsVerified     prometheus.Counter
	SlotsFailed       prometheus.Counter
	SlotsBackfilled   prometheus.Counter
	SlotAttempts      *prometheus.CounterVec
	ArtifactsDeleted  *prometheus.CounterVec
	SlotsInFlight     prometheus.Gauge
	HighestSlotSeen   prometheus.Gauge
	SlotProcessingDur prometheus.Histogram

	// Extraction metrics
	TradesExtracted        prometheus.Counter
	DecodeErrors           *prometheus.CounterVec
	UnpricedTrades         prometheus.Counter
	ProcessedTradesWritten prometheus.Counter

	// Metadata metrics
	MetadataLookups     *prometheus.CounterVec
	MetadataRowsFlushed prometheus.Counter

	// Latency metrics
	RPCCallLatency *prometheus.HistogramVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec

	// Health metrics
	LastSuccessfulRun prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "dex_trade_ledger"
	}

	return &Metrics{
		SlotsVerified: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "slots_verified_total",
			Help:      "Total number of slots that reached the verified state",
		}),
		SlotsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "slots_failed_total",
			Help:      "Total number of slots that exhausted their retry budget",
		}),
		SlotsBackfilled: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "slots_backfilled_total",
			Help:      "Total number of missing slots redriven by backfill",
		}),
		SlotAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "slot_attempts_total",
			Help:      "Fetch-and-decode attempts by outcome",
		}, []string{"outcome"}),
		ArtifactsDeleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "artifacts_deleted_total",
			Help:      "Raw artifacts removed by reason",
		}, []string{"reason"}),
		SlotsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "slots_in_flight",
			Help:      "Number of slots currently holding a permit",
		}),
		HighestSlotSeen: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "highest_slot_seen",
			Help:      "Highest Solana slot number seen",
		}),
		SlotProcessingDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "slot_duration_seconds",
			Help:      "Time from permit acquisition to terminal slot state",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),

		TradesExtracted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extractor",
			Name:      "trades_extracted_total",
			Help:      "Total number of trades extracted from blocks",
		}),
		DecodeErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extractor",
			Name:      "decode_errors_total",
			Help:      "Skipped instructions and trades by error kind",
		}, []string{"kind"}),
		UnpricedTrades: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pricing",
			Name:      "unpriced_trades_total",
			Help:      "Trades dropped from processed output for lack of a price",
		}),
		ProcessedTradesWritten: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pricing",
			Name:      "processed_trades_written_total",
			Help:      "Total number of processed trades written",
		}),

		MetadataLookups: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "metadata",
			Name:      "lookups_total",
			Help:      "Token metadata lookups by result",
		}, []string{"result"}),
		MetadataRowsFlushed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "metadata",
			Name:      "rows_flushed_total",
			Help:      "Total number of token_meta rows inserted by flush",
		}),

		RPCCallLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "solana",
			Name:      "rpc_call_latency_seconds",
			Help:      "Solana RPC call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),

		DBQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),

		LastSuccessfulRun: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_run_timestamp",
			Help:      "Unix timestamp of the last run that finished without failed slots",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordSlotVerified increments the verified slots counter.
func RecordSlotVerified() {
	DefaultMetrics.SlotsVerified.Inc()
}

// RecordSlotFailed increments the failed slots counter.
func RecordSlotFailed() {
	DefaultMetrics.SlotsFailed.Inc()
}

// RecordSlotBackfilled increments the backfilled slots counter.
func RecordSlotBackfilled() {
	DefaultMetrics.SlotsBackfilled.Inc()
}

// RecordSlotAttempt records one fetch-and-decode attempt outcome
// ("ok", "fetch_error", "process_error", "verify_failed").
func RecordSlotAttempt(outcome string) {
	DefaultMetrics.SlotAttempts.WithLabelValues(outcome).Inc()
}

// RecordArtifactDeleted records removal of a raw artifact.
func RecordArtifactDeleted(reason string) {
	DefaultMetrics.ArtifactsDeleted.WithLabelValues(reason).Inc()
}

// SlotStarted marks a slot as holding a permit and returns a func that
// releases the gauge and observes the duration.
func SlotStarted() func() {
	start := time.Now()
	DefaultMetrics.SlotsInFlight.Inc()
	return func() {
		DefaultMetrics.SlotsInFlight.Dec()
		DefaultMetrics.SlotProcessingDur.Observe(time.Since(start).Seconds())
	}
}

// UpdateHighestSlot updates the highest slot seen gauge.
func UpdateHighestSlot(slot uint64) {
	DefaultMetrics.HighestSlotSeen.Set(float64(slot))
}

// RecordTradesExtracted adds n to the extracted trades counter.
func RecordTradesExtracted(n int) {
	DefaultMetrics.TradesExtracted.Add(float64(n))
}

// RecordDecodeError records a skipped instruction or trade.
func RecordDecodeError(kind string) {
	DefaultMetrics.DecodeErrors.WithLabelValues(kind).Inc()
}

// RecordUnpriced increments the unpriced trades counter.
func RecordUnpriced() {
	DefaultMetrics.UnpricedTrades.Inc()
}

// RecordProcessedWritten adds n to the processed trades counter.
func RecordProcessedWritten(n int) {
	DefaultMetrics.ProcessedTradesWritten.Add(float64(n))
}

// RecordMetadataLookup records a metadata cache lookup ("hit", "miss", "error").
func RecordMetadataLookup(result string) {
	DefaultMetrics.MetadataLookups.WithLabelValues(result).Inc()
}

// RecordMetadataFlushed adds n to the flushed rows counter.
func RecordMetadataFlushed(n int) {
	DefaultMetrics.MetadataRowsFlushed.Add(float64(n))
}

// RecordRPCLatency records RPC call latency.
func RecordRPCLatency(method string, seconds float64) {
	DefaultMetrics.RPCCallLatency.WithLabelValues(method).Observe(seconds)
}

// RecordDBQuery records database query metrics.
func RecordDBQuery(database, operation string, seconds float64, err error) {
	DefaultMetrics.DBQueryDuration.WithLabelValues(database, operation).Observe(seconds)
	if err != nil {
		DefaultMetrics.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}

// RecordRunSuccess stamps the last successful run gauge.
func RecordRunSuccess() {
	DefaultMetrics.LastSuccessfulRun.SetToCurrentTime()
}
