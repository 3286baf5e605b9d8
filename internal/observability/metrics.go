// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"donut-notifier/internal/domain"
)

// DefaultNamespace is the metric namespace used when none is configured.
const DefaultNamespace = "donut_notifier"

// Metrics holds all Prometheus metrics for the application.
// All Record methods are safe to call on a nil *Metrics.
type Metrics struct {
	// Run metrics
	RunsTotal         *prometheus.CounterVec
	RunDuration       *prometheus.HistogramVec
	RunsSkipped       prometheus.Counter
	LastSuccessfulRun prometheus.Gauge
	LastRunTimestamp  prometheus.Gauge
	NotificationFlag  prometheus.Gauge
	BreakEvenMinutes  prometheus.Gauge
	TargetMinutes     prometheus.Gauge
	NotificationsSent prometheus.Counter
	NotificationFIDs  prometheus.Counter
	HoldersFetched    prometheus.Gauge
	FIDsResolved      prometheus.Gauge
	HoldersTruncated  prometheus.Counter
	FlagRaceDetected  prometheus.Counter

	// External call metrics
	ExternalCallLatency *prometheus.HistogramVec
	ExternalCallErrors  *prometheus.CounterVec
	ChainHeadsReceived  prometheus.Counter
	ChainHeadNumber     prometheus.Gauge
	PriceCacheRequests  *prometheus.CounterVec

	// Storage metrics
	StoreErrors *prometheus.CounterVec

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewMetrics creates a new Metrics instance registered with reg.
// A nil reg uses a fresh registry, which keeps tests isolated.
func NewMetrics(namespace string, reg *prometheus.Registry) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "runs_total",
			Help:      "Total number of notifier runs by trigger and outcome",
		}, []string{"trigger", "outcome"}),
		RunDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "run_duration_seconds",
			Help:      "Notifier run duration in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"trigger"}),
		RunsSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "runs_skipped_total",
			Help:      "Total number of triggers skipped because a run was in progress",
		}),
		LastSuccessfulRun: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_run_timestamp",
			Help:      "Unix timestamp of last successful notifier run",
		}),
		LastRunTimestamp: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_run_timestamp",
			Help:      "Unix timestamp of last notifier run, successful or not",
		}),
		NotificationFlag: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "notification_flag",
			Help:      "1 if the in-range notification flag is set, 0 otherwise",
		}),
		BreakEvenMinutes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "break_even_minutes",
			Help:      "Last computed break-even time in minutes",
		}),
		TargetMinutes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "target_minutes",
			Help:      "Last computed strategy target in minutes",
		}),
		NotificationsSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "notifications_sent_total",
			Help:      "Total number of in-range notifications sent",
		}),
		NotificationFIDs: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "notification_recipients_total",
			Help:      "Total number of FIDs addressed by sent notifications",
		}),
		HoldersFetched: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "holders_fetched",
			Help:      "Number of token holders returned by the last lookup",
		}),
		FIDsResolved: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "fids_resolved",
			Help:      "Number of FIDs resolved by the last lookup",
		}),
		HoldersTruncated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "holders_truncated_total",
			Help:      "Holder lookups that stopped at the page cap with pages remaining",
		}),
		FlagRaceDetected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "flag_race_detected_total",
			Help:      "Times the flag was already set by another writer after a send",
		}),

		ExternalCallLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "external",
			Name:      "call_latency_seconds",
			Help:      "External call latency in seconds by service",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"}),
		ExternalCallErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "external",
			Name:      "call_errors_total",
			Help:      "Total number of failed external calls by service",
		}, []string{"service"}),
		ChainHeadsReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "heads_received_total",
			Help:      "Total number of new heads received over WebSocket",
		}),
		ChainHeadNumber: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "head_number",
			Help:      "Highest block number seen",
		}),
		PriceCacheRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pricefeed",
			Name:      "cache_requests_total",
			Help:      "Price cache lookups by result",
		}, []string{"result"}),

		StoreErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "errors_total",
			Help:      "Total number of storage errors by store and operation",
		}, []string{"store", "operation"}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by path and status code",
		}, []string{"path", "code"}),

		gatherer: reg,
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RecordRun records one completed run. Failed runs are labelled "error".
func (m *Metrics) RecordRun(trigger domain.Trigger, outcome domain.Outcome, failed bool, elapsed time.Duration, at time.Time) {
	if m == nil {
		return
	}
	label := outcome.Label()
	if failed {
		label = "error"
	}
	m.RunsTotal.WithLabelValues(string(trigger), label).Inc()
	m.RunDuration.WithLabelValues(string(trigger)).Observe(elapsed.Seconds())
	m.LastRunTimestamp.Set(float64(at.Unix()))
	if !failed {
		m.LastSuccessfulRun.Set(float64(at.Unix()))
	}
}

// RecordSkipped counts a trigger dropped because a run was in progress.
func (m *Metrics) RecordSkipped() {
	if m == nil {
		return
	}
	m.RunsSkipped.Inc()
}

// RecordEvaluation updates the break-even gauges.
func (m *Metrics) RecordEvaluation(ev *domain.Evaluation) {
	if m == nil || ev == nil {
		return
	}
	m.BreakEvenMinutes.Set(ev.BreakEvenMinutes)
	m.TargetMinutes.Set(ev.TargetMinutes)
}

// SetFlag updates the notification flag gauge.
func (m *Metrics) SetFlag(set bool) {
	if m == nil {
		return
	}
	if set {
		m.NotificationFlag.Set(1)
	} else {
		m.NotificationFlag.Set(0)
	}
}

// RecordFanout records holder and FID counts for an in-range run.
func (m *Metrics) RecordFanout(holders, fids int) {
	if m == nil {
		return
	}
	m.HoldersFetched.Set(float64(holders))
	m.FIDsResolved.Set(float64(fids))
}

// RecordNotificationSent counts a delivered notification.
func (m *Metrics) RecordNotificationSent(recipients int) {
	if m == nil {
		return
	}
	m.NotificationsSent.Inc()
	m.NotificationFIDs.Add(float64(recipients))
}

// RecordHoldersTruncated counts a holder lookup cut short by the page cap.
func (m *Metrics) RecordHoldersTruncated(pages, holders int) {
	if m == nil {
		return
	}
	m.HoldersTruncated.Inc()
}

// RecordFlagRace counts a lost SetIfAbsent after a send.
func (m *Metrics) RecordFlagRace() {
	if m == nil {
		return
	}
	m.FlagRaceDetected.Inc()
}

// RecordExternalCall records external call latency and errors.
// Its signature matches httpapi.Observer.
func (m *Metrics) RecordExternalCall(service string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.ExternalCallLatency.WithLabelValues(service).Observe(elapsed.Seconds())
	if err != nil {
		m.ExternalCallErrors.WithLabelValues(service).Inc()
	}
}

// RecordHead records a received chain head.
func (m *Metrics) RecordHead(number uint64) {
	if m == nil {
		return
	}
	m.ChainHeadsReceived.Inc()
	m.ChainHeadNumber.Set(float64(number))
}

// RecordPriceCache records a price cache lookup result ("hit", "miss", "error").
func (m *Metrics) RecordPriceCache(result string) {
	if m == nil {
		return
	}
	m.PriceCacheRequests.WithLabelValues(result).Inc()
}

// RecordStoreError counts a storage error.
func (m *Metrics) RecordStoreError(store, operation string) {
	if m == nil {
		return
	}
	m.StoreErrors.WithLabelValues(store, operation).Inc()
}

// RecordHTTPRequest counts an HTTP request served.
func (m *Metrics) RecordHTTPRequest(path string, code int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(path, strconv.Itoa(code)).Inc()
}
