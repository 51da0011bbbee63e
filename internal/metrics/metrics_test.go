package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RunStarted()
	m.RunStarted()
	m.RunFinished("normal", 12*time.Second)
	m.Completion("first")
	m.Dropped("completion")
	m.SetActiveRuns(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RunsStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsFinished.WithLabelValues("normal")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Completions.WithLabelValues("first")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PersistDrops.WithLabelValues("completion")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ActiveRuns))

	err := testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP parkour_runs_started_total Runs started, including restarts.
# TYPE parkour_runs_started_total counter
parkour_runs_started_total 2
`), "parkour_runs_started_total")
	require.NoError(t, err)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RunStarted()
	m.RunFinished("practice", time.Second)
	m.Completion("repeat")
	m.Dropped("player")
	m.SetActiveRuns(1)
	m.SetOnline(1)
}
