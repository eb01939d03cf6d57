package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/metaengine/metadata"
)

func TestCollector_Cache(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.ObserveCache("definitions", "hit")
	c.ObserveCache("definitions", "hit")
	c.ObserveCache("definitions", "miss")
	c.SetCacheSize("layouts", 3)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.cacheEvents.WithLabelValues("definitions", "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheEvents.WithLabelValues("definitions", "miss")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.cacheEntries.WithLabelValues("layouts")))
}

func TestCollector_Build(t *testing.T) {
	c := NewCollector(nil)

	c.ObserveBuild(time.Millisecond, metadata.CompileStats{Compiled: 3, Failed: 1, Skipped: 2}, nil)
	c.ObserveBuild(time.Millisecond, metadata.CompileStats{}, errors.New("store down"))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.builds.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.builds.WithLabelValues("error")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.compiledFields.WithLabelValues("compiled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.compiledFields.WithLabelValues("failed")))
}

func TestCollector_PipelineAndCalculation(t *testing.T) {
	c := NewCollector(nil)

	c.ObserveEvaluation("ok", time.Microsecond)
	c.ObserveEvaluation("SECURITY_VIOLATION", time.Microsecond)
	c.ObserveCalculation(false, 4, time.Millisecond)
	c.ObserveStage("transformation", "RETRYING", time.Millisecond)
	c.ObserveStage("transformation", "SUCCESS", time.Millisecond)
	c.ObserveHTTP("POST", 201)
	c.ObserveJob("audit-retention", nil)
	c.ObservePruned(12)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.evaluations.WithLabelValues("SECURITY_VIOLATION")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.calculations.WithLabelValues("false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stages.WithLabelValues("transformation", "RETRYING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.httpRequests.WithLabelValues("POST", "201")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobRuns.WithLabelValues("audit-retention", "ok")))
	assert.Equal(t, 12.0, testutil.ToFloat64(c.auditPruned))
}

func TestCollector_Gather(t *testing.T) {
	c := NewCollector(nil)
	c.ObserveCache("fields", "miss")

	families, err := c.Registry().Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["metaengine_cache_events_total"])
	assert.True(t, names["metaengine_security_violations_total"])
	assert.True(t, names["metaengine_log_errors_total"])
}
