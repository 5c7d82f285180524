// Package metrics exposes Prometheus instrumentation for sync cycles, the
// terminal connection and the scheduler.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Cycle metrics
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "punchagent_cycles_total",
			Help: "Sync cycles by outcome (ok or the failing error kind)",
		},
		[]string{"result"},
	)

	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "punchagent_cycle_duration_seconds",
			Help:    "Duration of complete sync cycles",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		},
	)

	RecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "punchagent_records_total",
			Help: "Attendance records by stage",
		},
		[]string{"stage"}, // "extracted", "discarded", "delivered"
	)

	LastSuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "punchagent_last_success_timestamp_seconds",
			Help: "Unix time of the last successful cycle",
		},
	)

	// Connection metrics
	ConnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "punchagent_connect_attempts_total",
			Help: "Terminal connection attempts by profile and outcome",
		},
		[]string{"profile", "outcome"},
	)

	// Delivery metrics
	DeliveryResponses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "punchagent_delivery_responses_total",
			Help: "Delivery attempts by HTTP status (\"error\" for transport failures)",
		},
		[]string{"status"},
	)

	// Scheduler metrics
	SchedulerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "punchagent_scheduler_state",
			Help: "1 for the scheduler's current state, 0 otherwise",
		},
		[]string{"state"},
	)

	WatchdogEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "punchagent_watchdog_events_total",
			Help: "Worker deaths handled by the watchdog by action",
		},
		[]string{"action"}, // "restart", "report"
	)
)

// States known to the scheduler gauge.
var schedulerStates = []string{"idle", "running", "executing", "waiting", "stopping"}

// RecordCycle records the outcome of one sync cycle. kind is empty on success.
func RecordCycle(kind string, duration time.Duration, extracted, discarded, delivered int) {
	result := kind
	if result == "" {
		result = "ok"
		LastSuccess.Set(float64(time.Now().Unix()))
	}
	CyclesTotal.WithLabelValues(result).Inc()
	CycleDuration.Observe(duration.Seconds())
	RecordsTotal.WithLabelValues("extracted").Add(float64(extracted))
	RecordsTotal.WithLabelValues("discarded").Add(float64(discarded))
	RecordsTotal.WithLabelValues("delivered").Add(float64(delivered))
}

// SetSchedulerState flags state as current and clears the others.
func SetSchedulerState(state string) {
	for _, s := range schedulerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		SchedulerState.WithLabelValues(s).Set(v)
	}
}
