// Package metrics - Prometheus instrumentation
// Counters and gauges for the generate/validate/repair pipeline and the dev
// server supervisor, registered on the default registry and served at
// /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BuildsTotal counts finished build pipelines by terminal result
	// (success, repaired, exhausted, error).
	BuildsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sitesmith_builds_total",
		Help: "Completed build pipelines by result",
	}, []string{"result"})

	// BuildDurationSeconds observes end-to-end pipeline latency.
	BuildDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sitesmith_build_duration_seconds",
		Help:    "End-to-end build pipeline duration",
		Buckets: prometheus.ExponentialBuckets(5, 2, 10),
	})

	// RepairAttemptsTotal counts individual repair loop iterations.
	RepairAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sitesmith_repair_attempts_total",
		Help: "Repair loop iterations across all builds",
	})

	// QuickFixesTotal counts applied deterministic fixes by rule name.
	QuickFixesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sitesmith_quick_fixes_total",
		Help: "Deterministic quick fixes applied, by rule",
	}, []string{"type"})

	// LLMFixRequestsTotal counts escalations to the LLM fixer.
	LLMFixRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sitesmith_llm_fix_requests_total",
		Help: "Error batches escalated to the LLM fixer",
	})

	// DevServerStartsTotal counts successful dev server starts.
	DevServerStartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sitesmith_dev_server_starts_total",
		Help: "Dev servers that reached readiness",
	})

	// PortAllocFailuresTotal counts exhausted port scans.
	PortAllocFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sitesmith_port_alloc_failures_total",
		Help: "Port allocation attempts that found no free port",
	})

	// RunningProjects tracks the live dev server count.
	RunningProjects = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sitesmith_running_projects",
		Help: "Dev servers currently supervised",
	})
)
