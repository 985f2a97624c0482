package telemetry

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	RunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courtbot_job_runs_total",
		Help: "Job runs by mode and terminal status",
	}, []string{"mode", "status"})
	RunDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "courtbot_job_run_seconds",
		Help:    "Wall time of one job run",
		Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 15, 30, 60, 120},
	}, []string{"mode"})
	BookingAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courtbot_booking_attempts_total",
		Help: "Create-reservation submissions by outcome",
	}, []string{"mode", "outcome"})
	ProbeTries = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "courtbot_probe_tries",
		Help:    "Probe submissions needed before the release window answered",
		Buckets: []float64{1, 2, 3, 5, 10, 20, 31},
	})
	TriggersSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courtbot_triggers_skipped_total",
		Help: "Triggers that no-opped because another mode was running",
	}, []string{"mode"})
	PreparedJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "courtbot_prepared_jobs",
		Help: "Jobs prepared for the next release instant",
	})
	ActiveLocks = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "courtbot_active_locks",
		Help: "Live day locks",
	})
	NotificationsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courtbot_notifications_total",
		Help: "Notification deliveries by sender and result",
	}, []string{"sender", "result"})
)

// Register adds every collector to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			RunsTotal,
			RunDuration,
			BookingAttempts,
			ProbeTries,
			TriggersSkipped,
			PreparedJobs,
			ActiveLocks,
			NotificationsSent,
		)
	})
}

// Handler exposes the /metrics endpoint.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

func ObserveRun(mode, status string, took time.Duration) {
	RunsTotal.WithLabelValues(mode, status).Inc()
	RunDuration.WithLabelValues(mode).Observe(took.Seconds())
}

func ObserveAttempt(mode string, ok bool) {
	outcome := "rejected"
	if ok {
		outcome = "booked"
	}
	BookingAttempts.WithLabelValues(mode, outcome).Inc()
}
