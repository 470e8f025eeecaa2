// Package metrics registers the proxy's Prometheus collectors. Everything
// registers on the default registry; the HTTP layer serves it on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loopgate_http_requests_total",
		Help: "HTTP requests served, by path and status code.",
	}, []string{"path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "loopgate_http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"path"})

	PipelineRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loopgate_pipeline_runs_total",
		Help: "Reasoning pipeline runs, by outcome.",
	}, []string{"outcome"})

	PipelinePhaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "loopgate_pipeline_phase_duration_seconds",
		Help:    "Time spent per reasoning phase.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"phase"})

	ToolCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loopgate_tool_calls_total",
		Help: "Tool invocations, by tool, server, and success.",
	}, []string{"tool", "server", "success"})

	ToolCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "loopgate_tool_call_duration_seconds",
		Help:    "Tool invocation latency.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"tool"})

	CacheEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loopgate_cache_events_total",
		Help: "Result cache events: hit, miss, store.",
	}, []string{"event"})

	UpstreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loopgate_upstream_requests_total",
		Help: "Requests forwarded to the upstream model, by status.",
	}, []string{"status"})

	ConnectedServers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "loopgate_connected_servers",
		Help: "Tool servers currently connected.",
	})

	CatalogEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "loopgate_catalog_entries",
		Help: "Catalog entries, by kind (tool, resource, prompt).",
	}, []string{"kind"})

	ServerStateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loopgate_server_state_transitions_total",
		Help: "Tool-server status transitions, by server and target status.",
	}, []string{"server", "to"})
)
