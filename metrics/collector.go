// Package metrics exports engine activity to Prometheus. A single Collector
// implements the observer interfaces of the registry, the evaluator, the
// calculation engine and the hook pipeline.
//
// Metrics:
//   - metaengine_cache_events_total{tier,event}: hits, misses and evictions
//   - metaengine_cache_entries{tier}: current tier size
//   - metaengine_definition_builds_total{outcome} and _build_seconds
//   - metaengine_compiled_fields_total{outcome}
//   - metaengine_evaluations_total{outcome} and _evaluation_seconds
//   - metaengine_calculations_total{valid} and _calculation_seconds
//   - metaengine_hook_stages_total{stage,status} and _hook_stage_seconds{stage}
//   - metaengine_http_requests_total{method,code}
//   - metaengine_job_runs_total{job,outcome}
//   - metaengine_audit_rows_pruned_total
//   - metaengine_log_errors_total, _log_warnings_total, _security_violations_total
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/liamcoop/metaengine/calculation"
	"github.com/liamcoop/metaengine/expression"
	"github.com/liamcoop/metaengine/hooks"
	"github.com/liamcoop/metaengine/internal/logger"
	"github.com/liamcoop/metaengine/metadata"
	"github.com/liamcoop/metaengine/registry"
)

const namespace = "metaengine"

var (
	_ registry.Observer    = (*Collector)(nil)
	_ expression.Observer  = (*Collector)(nil)
	_ calculation.Observer = (*Collector)(nil)
	_ hooks.Observer       = (*Collector)(nil)
)

// Collector owns every metric. Its methods are safe for concurrent use.
type Collector struct {
	registry *prometheus.Registry

	cacheEvents  *prometheus.CounterVec
	cacheEntries *prometheus.GaugeVec

	builds         *prometheus.CounterVec
	buildSeconds   prometheus.Histogram
	compiledFields *prometheus.CounterVec

	evaluations       *prometheus.CounterVec
	evaluationSeconds prometheus.Histogram

	calculations       *prometheus.CounterVec
	calculationSeconds prometheus.Histogram

	stages       *prometheus.CounterVec
	stageSeconds *prometheus.HistogramVec

	httpRequests *prometheus.CounterVec
	jobRuns      *prometheus.CounterVec
	auditPruned  prometheus.Counter
}

// NewCollector registers every metric with reg. A nil reg gets a fresh
// registry.
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	c := &Collector{
		registry: reg,
		cacheEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_events_total",
			Help:      "Registry cache lookups and evictions by tier",
		}, []string{"tier", "event"}),
		cacheEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Current number of entries per registry tier",
		}, []string{"tier"}),
		builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "definition_builds_total",
			Help:      "Compiled object definition builds",
		}, []string{"outcome"}),
		buildSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "definition_build_seconds",
			Help:      "Time to build one compiled object definition",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		compiledFields: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compiled_fields_total",
			Help:      "Field scripts compiled during builds",
		}, []string{"outcome"}),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Script evaluations by outcome (ok, null or error kind)",
		}, []string{"outcome"}),
		evaluationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_seconds",
			Help:      "Script evaluation latency",
			Buckets:   []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 1, 5},
		}),
		calculations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calculations_total",
			Help:      "Calculation passes by validity",
		}, []string{"valid"}),
		calculationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "calculation_seconds",
			Help:      "Calculation pass latency",
			Buckets:   prometheus.DefBuckets,
		}),
		stages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hook_stages_total",
			Help:      "Hook stage attempts by stage and final status",
		}, []string{"stage", "status"}),
		stageSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "hook_stage_seconds",
			Help:      "Hook stage attempt latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Admin API requests by method and status code",
		}, []string{"method", "code"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Scheduled job runs by outcome",
		}, []string{"job", "outcome"}),
		auditPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_rows_pruned_total",
			Help:      "Execution audit rows removed by retention",
		}),
	}

	reg.MustRegister(
		c.cacheEvents, c.cacheEntries,
		c.builds, c.buildSeconds, c.compiledFields,
		c.evaluations, c.evaluationSeconds,
		c.calculations, c.calculationSeconds,
		c.stages, c.stageSeconds,
		c.httpRequests, c.jobRuns, c.auditPruned,
		logCounter("log_errors_total", "Error log events, before sampling", logger.TotalErrors.Load),
		logCounter("log_warnings_total", "Warning log events, before sampling", logger.TotalWarnings.Load),
		logCounter("security_violations_total", "Sandbox violations", logger.SecurityViolations.Load),
	)
	return c
}

func logCounter(name, help string, load func() int64) prometheus.CounterFunc {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, func() float64 { return float64(load()) })
}

// Registry returns the registry the collector writes to.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) ObserveCache(tier, event string) {
	c.cacheEvents.WithLabelValues(tier, event).Inc()
}

func (c *Collector) SetCacheSize(tier string, size int) {
	c.cacheEntries.WithLabelValues(tier).Set(float64(size))
}

func (c *Collector) ObserveBuild(elapsed time.Duration, stats metadata.CompileStats, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.builds.WithLabelValues(outcome).Inc()
	c.buildSeconds.Observe(elapsed.Seconds())
	c.compiledFields.WithLabelValues("compiled").Add(float64(stats.Compiled))
	c.compiledFields.WithLabelValues("failed").Add(float64(stats.Failed))
	c.compiledFields.WithLabelValues("skipped").Add(float64(stats.Skipped))
}

func (c *Collector) ObserveEvaluation(outcome string, elapsed time.Duration) {
	c.evaluations.WithLabelValues(outcome).Inc()
	c.evaluationSeconds.Observe(elapsed.Seconds())
}

func (c *Collector) ObserveCalculation(valid bool, _ int, elapsed time.Duration) {
	c.calculations.WithLabelValues(strconv.FormatBool(valid)).Inc()
	c.calculationSeconds.Observe(elapsed.Seconds())
}

func (c *Collector) ObserveStage(stage, status string, elapsed time.Duration) {
	c.stages.WithLabelValues(stage, status).Inc()
	c.stageSeconds.WithLabelValues(stage).Observe(elapsed.Seconds())
}

// ObserveHTTP counts one admin API response.
func (c *Collector) ObserveHTTP(method string, code int) {
	c.httpRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
}

// ObserveJob counts one scheduled job run.
func (c *Collector) ObserveJob(job string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.jobRuns.WithLabelValues(job, outcome).Inc()
}

// ObservePruned counts audit rows removed by retention.
func (c *Collector) ObservePruned(n int64) {
	c.auditPruned.Add(float64(n))
}
