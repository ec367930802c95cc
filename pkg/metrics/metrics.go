package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Monitoring cycle metrics
	MonitorCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "diskwatch_monitor_cycle_duration_seconds",
			Help:    "Time taken by one volume monitoring cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	MonitorCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "diskwatch_monitor_cycles_total",
			Help: "Total number of monitoring cycles completed",
		},
	)

	DrivesMonitored = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "diskwatch_drives_monitored",
			Help: "Number of drives currently under monitoring by threshold state",
		},
		[]string{"threshold_state"},
	)

	ThresholdArmsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diskwatch_threshold_arms_total",
			Help: "Total number of setBlockThreshold calls by outcome",
		},
		[]string{"outcome"},
	)

	ThresholdEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "diskwatch_threshold_events_total",
			Help: "Total number of block threshold events delivered by the hypervisor",
		},
	)

	ImprobableAllocationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "diskwatch_improbable_allocations_total",
			Help: "Total number of improbable allocation guests paused",
		},
	)

	// Extend pipeline metrics
	ExtendAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diskwatch_extend_attempts_total",
			Help: "Total number of extend attempts by kind (replica, volume)",
		},
		[]string{"kind"},
	)

	ExtendFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diskwatch_extend_failures_total",
			Help: "Total number of extend failures by reason",
		},
		[]string{"reason"},
	)

	ExtendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "diskwatch_extend_duration_seconds",
			Help:    "Time from sending an extend request to its completion callback",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	// Merge / cleanup metrics
	MergeJobsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "diskwatch_merge_jobs_active",
			Help: "Number of merge jobs currently tracked",
		},
	)

	MergeJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diskwatch_merge_jobs_total",
			Help: "Total number of merge jobs started by outcome",
		},
		[]string{"outcome"},
	)

	CleanupWorkerOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diskwatch_cleanup_worker_outcomes_total",
			Help: "Total number of cleanup worker terminations by outcome",
		},
		[]string{"outcome"},
	)

	CleanupWorkerDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "diskwatch_cleanup_worker_duration_seconds",
			Help:    "Time taken by a cleanup worker run, including pivot wait",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	PivotWaitIterationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "diskwatch_pivot_wait_iterations_total",
			Help: "Total number of 1s polls while waiting for post-pivot XML to update",
		},
	)

	// Scratch disk metrics
	ScratchDisksActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "diskwatch_scratch_disks_active",
			Help: "Number of scratch disks currently attached",
		},
	)

	ScratchDiskFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "diskwatch_scratch_disk_failures_total",
			Help: "Total number of scratch disk creation failures",
		},
	)
)

func init() {
	prometheus.MustRegister(MonitorCycleDuration)
	prometheus.MustRegister(MonitorCyclesTotal)
	prometheus.MustRegister(DrivesMonitored)
	prometheus.MustRegister(ThresholdArmsTotal)
	prometheus.MustRegister(ThresholdEventsTotal)
	prometheus.MustRegister(ImprobableAllocationsTotal)

	prometheus.MustRegister(ExtendAttemptsTotal)
	prometheus.MustRegister(ExtendFailuresTotal)
	prometheus.MustRegister(ExtendDuration)

	prometheus.MustRegister(MergeJobsActive)
	prometheus.MustRegister(MergeJobsTotal)
	prometheus.MustRegister(CleanupWorkerOutcomesTotal)
	prometheus.MustRegister(CleanupWorkerDuration)
	prometheus.MustRegister(PivotWaitIterationsTotal)

	prometheus.MustRegister(ScratchDisksActive)
	prometheus.MustRegister(ScratchDiskFailuresTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
