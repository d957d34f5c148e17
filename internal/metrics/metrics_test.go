package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorders(t *testing.T) {
	m := New()

	m.RecordTransition("publish", "published")
	m.RecordTransition("publish", "published")
	m.RecordHandler("event", "error", 5*time.Millisecond)
	m.RecordResolution(true, 3)
	m.RecordExclusion("conflict")
	m.RecordCascadeDrop("cycle")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.transitions.WithLabelValues("publish", "published")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.handlerOutcomes.WithLabelValues("event", "error")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.unappliedHunks))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.resolutions.WithLabelValues("true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.exclusions.WithLabelValues("conflict")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cascadeDropped.WithLabelValues("cycle")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordTransition("create", "draft")
	m.RecordHandler("hook", "ok", time.Second)
	m.RecordResolution(false, 1)
	m.RecordExclusion("conflict")
	m.RecordCascadeDrop("quota")
	assert.NoError(t, m.WriteTextfile(filepath.Join(t.TempDir(), "never.prom")))
}

func TestInstancesAreIsolated(t *testing.T) {
	a, b := New(), New()
	a.RecordExclusion("conflict")
	assert.Equal(t, 0.0, testutil.ToFloat64(b.exclusions.WithLabelValues("conflict")))
}

func TestWriteTextfile(t *testing.T) {
	m := New()
	m.RecordTransition("revert", "published")

	path := filepath.Join(t.TempDir(), "metrics.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "pubengine_lifecycle_transitions_total")
}
