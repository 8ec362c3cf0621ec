package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hakuriver_nodes_total",
			Help: "Total number of nodes by status",
		},
		[]string{"status"},
	)

	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hakuriver_tasks_total",
			Help: "Total number of tasks by type and status",
		},
		[]string{"task_type", "status"},
	)

	CoresInUse = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hakuriver_cores_in_use",
			Help: "Cores currently allocated to assigning/running/paused tasks, by node",
		},
		[]string{"hostname"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hakuriver_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "path", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hakuriver_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hakuriver_scheduling_latency_seconds",
			Help:    "Time taken to process a submission in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	TasksScheduled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hakuriver_tasks_scheduled_total",
			Help: "Total number of tasks successfully scheduled, by type",
		},
		[]string{"task_type"},
	)

	TasksRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hakuriver_tasks_rejected_total",
			Help: "Total number of submission targets rejected, by reason kind",
		},
		[]string{"reason"},
	)

	// Heartbeat / reconciliation metrics
	HeartbeatsReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hakuriver_heartbeats_received_total",
			Help: "Total number of heartbeats received, by hostname",
		},
		[]string{"hostname"},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hakuriver_reconciliation_duration_seconds",
			Help:    "Time taken for a dead-runner detection cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hakuriver_reconciliation_cycles_total",
			Help: "Total number of dead-runner detection cycles completed",
		},
	)

	NodesMarkedOfflineTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hakuriver_nodes_marked_offline_total",
			Help: "Total number of times a node was transitioned to offline by the reconciliation loop",
		},
	)

	TasksMarkedLostTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hakuriver_tasks_marked_lost_total",
			Help: "Total number of tasks transitioned to lost because their node went offline",
		},
	)

	// Worker-side container lifecycle metrics
	ContainerCreateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hakuriver_container_create_duration_seconds",
			Help:    "Time taken to create a container in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainerStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hakuriver_container_start_duration_seconds",
			Help:    "Time taken to start a container in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainerStopDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hakuriver_container_stop_duration_seconds",
			Help:    "Time taken to stop a container in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ImageSyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hakuriver_image_sync_duration_seconds",
			Help:    "Time taken to sync a stale image from the shared image store",
			Buckets: prometheus.DefBuckets,
		},
	)

	ImageSyncFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hakuriver_image_sync_failures_total",
			Help: "Total number of image sync failures",
		},
	)

	// Terminal / SSH proxy metrics
	TerminalSessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hakuriver_terminal_sessions_active",
			Help: "Number of currently open terminal proxy sessions",
		},
	)

	SSHChannelsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hakuriver_ssh_channels_active",
			Help: "Number of currently open SSH multiplex channels",
		},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(CoresInUse)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(TasksScheduled)
	prometheus.MustRegister(TasksRejected)
	prometheus.MustRegister(HeartbeatsReceivedTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(NodesMarkedOfflineTotal)
	prometheus.MustRegister(TasksMarkedLostTotal)
	prometheus.MustRegister(ContainerCreateDuration)
	prometheus.MustRegister(ContainerStartDuration)
	prometheus.MustRegister(ContainerStopDuration)
	prometheus.MustRegister(ImageSyncDuration)
	prometheus.MustRegister(ImageSyncFailuresTotal)
	prometheus.MustRegister(TerminalSessionsActive)
	prometheus.MustRegister(SSHChannelsActive)
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
