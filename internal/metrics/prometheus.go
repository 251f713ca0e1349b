// Package metrics exposes Prometheus instrumentation for the ingest
// pipeline and the HTTP API.
package metrics

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all pipeline metrics.
type Registry struct {
	// Syslog ingest
	DatagramsTotal prometheus.Counter
	LogsParsed     *prometheus.CounterVec
	ParseFailures  prometheus.Counter
	LogsInserted   prometheus.Counter
	InsertFailures prometheus.Counter
	BatchFlushes   *prometheus.CounterVec
	RequeueDepth   prometheus.Gauge
	DroppedLogs    prometheus.Counter

	// Enrichment
	ThreatLookups   *prometheus.CounterVec
	RDNSCacheSize   prometheus.Gauge
	ThreatCacheSize prometheus.Gauge

	// HTTP API
	APIRequests *prometheus.CounterVec
	APILatency  *prometheus.HistogramVec

	// Live tail
	StreamClients prometheus.Gauge
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	r.DatagramsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loginsight_syslog_datagrams_total",
		Help: "Syslog datagrams received on the UDP listener",
	})

	r.LogsParsed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loginsight_logs_parsed_total",
		Help: "Parsed log lines by type",
	}, []string{"log_type"})

	r.ParseFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loginsight_parse_failures_total",
		Help: "Lines that did not match the syslog header",
	})

	r.LogsInserted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loginsight_logs_inserted_total",
		Help: "Log rows written to the database",
	})

	r.InsertFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loginsight_insert_failures_total",
		Help: "Batch inserts that failed and were re-queued",
	})

	r.BatchFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loginsight_batch_flushes_total",
		Help: "Batch flushes by trigger",
	}, []string{"reason"})

	r.RequeueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "loginsight_requeue_depth",
		Help: "Records held back after a failed insert",
	})

	r.DroppedLogs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loginsight_dropped_logs_total",
		Help: "Records dropped because the re-queue was full",
	})

	r.ThreatLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loginsight_threat_lookups_total",
		Help: "Reputation lookups by outcome",
	}, []string{"outcome"})

	r.RDNSCacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "loginsight_rdns_cache_entries",
		Help: "Entries in the reverse DNS cache",
	})

	r.ThreatCacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "loginsight_threat_cache_entries",
		Help: "Entries in the in-memory reputation cache",
	})

	r.APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loginsight_api_requests_total",
		Help: "API requests by method, path, and status class",
	}, []string{"method", "path", "status"})

	r.APILatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "loginsight_api_request_duration_seconds",
		Help:    "API request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	r.StreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "loginsight_stream_clients",
		Help: "Connected live-tail websocket clients",
	})

	return r
}

// RecordAPIRequest records one completed API request.
func (r *Registry) RecordAPIRequest(method, path string, status int, duration float64) {
	r.APIRequests.WithLabelValues(method, path, statusString(status)).Inc()
	r.APILatency.WithLabelValues(method, path).Observe(duration)
}

func statusString(status int) string {
	return fmt.Sprintf("%dxx", status/100)
}
