// Package metrics provides Prometheus metrics for the sync agent.
package metrics

import (
	"net/http"
	"time"

	"bbsync/internal/notify"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cycle metrics
	cyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bbsync_cycles_total",
			Help: "Total number of sync cycles by outcome",
		},
		[]string{"outcome"},
	)

	cycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bbsync_cycle_duration_seconds",
			Help:    "Sync cycle duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	syncRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bbsync_sync_running",
			Help: "1 while a sync cycle is running",
		},
	)

	// Action metrics
	actionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bbsync_actions_total",
			Help: "Total executed actions by action type and result",
		},
		[]string{"action", "result"},
	)

	bytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bbsync_bytes_downloaded_total",
			Help: "Total bytes placed into the mirror",
		},
	)

	// Index metrics
	indexEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bbsync_index_entries",
			Help: "Number of mirror index entries by state",
		},
		[]string{"state"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordCycle records a finished cycle.
func RecordCycle(outcome string, duration time.Duration) {
	cyclesTotal.WithLabelValues(outcome).Inc()
	cycleDuration.Observe(duration.Seconds())
}

// SetRunning sets the running gauge.
func SetRunning(running bool) {
	if running {
		syncRunning.Set(1)
		return
	}
	syncRunning.Set(0)
}

// RecordAction records one executed action.
func RecordAction(action, result string) {
	actionsTotal.WithLabelValues(action, result).Inc()
}

// AddBytesDownloaded adds placed bytes.
func AddBytesDownloaded(n int64) {
	if n > 0 {
		bytesDownloaded.Add(float64(n))
	}
}

// SetIndexEntries sets the index gauges.
func SetIndexEntries(active, stale int) {
	indexEntries.WithLabelValues("active").Set(float64(active))
	indexEntries.WithLabelValues("stale").Set(float64(stale))
}

// Notifier turns status events into cycle metrics.
type Notifier struct {
	started time.Time
}

// Notify implements notify.Notifier.
func (n *Notifier) Notify(e notify.Event) {
	switch e.Type {
	case notify.EventStarted:
		n.started = e.Time
		SetRunning(true)
		return
	case notify.EventCompleted:
		RecordCycle("success", n.elapsed(e.Time))
	case notify.EventCompletedWithFailures:
		RecordCycle("partial", n.elapsed(e.Time))
	case notify.EventDownloadError:
		outcome := "failed"
		if e.AuthExpired {
			outcome = "auth_expired"
		}
		RecordCycle(outcome, n.elapsed(e.Time))
	}
	SetRunning(false)
}

func (n *Notifier) elapsed(end time.Time) time.Duration {
	if n.started.IsZero() || end.Before(n.started) {
		return 0
	}
	return end.Sub(n.started)
}
