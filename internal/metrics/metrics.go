// Package metrics holds the prometheus collectors for the parkour service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	RunsStarted   prometheus.Counter
	RunsFinished  *prometheus.CounterVec
	Completions   *prometheus.CounterVec
	PersistDrops  *prometheus.CounterVec
	ActiveRuns    prometheus.Gauge
	OnlinePlayers prometheus.Gauge
	RunDuration   prometheus.Histogram
}

// New registers every collector on reg. A nil reg builds unregistered
// collectors, which is what tests that do not scrape want.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RunsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "parkour_runs_started_total",
			Help: "Runs started, including restarts.",
		}),
		RunsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "parkour_runs_finished_total",
			Help: "Runs that reached the finish, by mode.",
		}, []string{"mode"}),
		Completions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "parkour_completions_total",
			Help: "Scoring completions by outcome: first, best or repeat.",
		}, []string{"kind"}),
		PersistDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "parkour_persist_dropped_total",
			Help: "Persistence operations dropped because the writer queue was full.",
		}, []string{"kind"}),
		ActiveRuns: f.NewGauge(prometheus.GaugeOpts{
			Name: "parkour_active_runs",
			Help: "Runs currently in progress.",
		}),
		OnlinePlayers: f.NewGauge(prometheus.GaugeOpts{
			Name: "parkour_online_players",
			Help: "Players connected at the last population sample.",
		}),
		RunDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "parkour_run_duration_seconds",
			Help:    "Elapsed time of finished runs.",
			Buckets: []float64{5, 10, 20, 30, 45, 60, 90, 120, 180, 300, 600},
		}),
	}
}

func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.RunsStarted.Inc()
}

func (m *Metrics) RunFinished(mode string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RunsFinished.WithLabelValues(mode).Inc()
	m.RunDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) Completion(kind string) {
	if m == nil {
		return
	}
	m.Completions.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetActiveRuns(n int) {
	if m == nil {
		return
	}
	m.ActiveRuns.Set(float64(n))
}

func (m *Metrics) SetOnline(n int) {
	if m == nil {
		return
	}
	m.OnlinePlayers.Set(float64(n))
}

// Dropped counts a persistence op lost to a full queue.
func (m *Metrics) Dropped(kind string) {
	if m == nil {
		return
	}
	m.PersistDrops.WithLabelValues(kind).Inc()
}
