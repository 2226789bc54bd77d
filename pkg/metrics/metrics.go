package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "phineas_queue_depth",
			Help: "Current number of rows in a queue",
		},
		[]string{"queue"},
	)

	QueuePushTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phineas_queue_push_total",
			Help: "Total number of rows pushed to a queue",
		},
		[]string{"queue"},
	)

	QueuePopTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phineas_queue_pop_total",
			Help: "Total number of rows popped from a queue",
		},
		[]string{"queue"},
	)

	// TaskQ worker pool metrics
	TaskQWorkersActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "phineas_taskq_workers_active",
			Help: "Number of TaskQ workers currently running a task",
		},
		[]string{"pool"},
	)

	TaskQWorkersIdle = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "phineas_taskq_workers_idle",
			Help: "Number of TaskQ workers currently idle",
		},
		[]string{"pool"},
	)

	TaskQWaiting = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "phineas_taskq_waiting",
			Help: "Number of tasks waiting for a free worker",
		},
		[]string{"pool"},
	)

	TaskQPanicsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phineas_taskq_panics_total",
			Help: "Total number of tasks that panicked and were recovered",
		},
		[]string{"pool"},
	)

	// Receiver metrics
	ReceiverRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phineas_receiver_requests_total",
			Help: "Total number of inbound requests by route and outcome",
		},
		[]string{"route", "outcome"},
	)

	ReceiverDuplicatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phineas_receiver_duplicates_total",
			Help: "Total number of inbound messages recognized as duplicates",
		},
		[]string{"route"},
	)

	ReceiverDecryptFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phineas_receiver_decrypt_failures_total",
			Help: "Total number of payload decryption failures",
		},
		[]string{"route"},
	)

	ReceiverRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "phineas_receiver_request_duration_seconds",
			Help:    "Time taken to process an inbound request in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// Transmitter metrics
	TransmitterAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phineas_transmitter_attempts_total",
			Help: "Total number of send attempts by route and outcome",
		},
		[]string{"route", "outcome"},
	)

	TransmitterRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phineas_transmitter_retries_total",
			Help: "Total number of retried send attempts",
		},
		[]string{"route"},
	)

	TransmitterFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phineas_transmitter_failures_total",
			Help: "Total number of sends abandoned after exhausting retries",
		},
		[]string{"route"},
	)

	TransmitterSendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "phineas_transmitter_send_duration_seconds",
			Help:    "Time taken to deliver a message in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// Folder poller metrics
	FolderPollScansTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "phineas_folder_poll_scans_total",
			Help: "Total number of outbound folder poll scans completed",
		},
	)

	FolderPollFilesEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phineas_folder_poll_files_enqueued_total",
			Help: "Total number of files picked up and enqueued by the folder poller",
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(QueuePushTotal)
	prometheus.MustRegister(QueuePopTotal)

	prometheus.MustRegister(TaskQWorkersActive)
	prometheus.MustRegister(TaskQWorkersIdle)
	prometheus.MustRegister(TaskQWaiting)
	prometheus.MustRegister(TaskQPanicsTotal)

	prometheus.MustRegister(ReceiverRequestsTotal)
	prometheus.MustRegister(ReceiverDuplicatesTotal)
	prometheus.MustRegister(ReceiverDecryptFailuresTotal)
	prometheus.MustRegister(ReceiverRequestDuration)

	prometheus.MustRegister(TransmitterAttemptsTotal)
	prometheus.MustRegister(TransmitterRetriesTotal)
	prometheus.MustRegister(TransmitterFailuresTotal)
	prometheus.MustRegister(TransmitterSendDuration)

	prometheus.MustRegister(FolderPollScansTotal)
	prometheus.MustRegister(FolderPollFilesEnqueuedTotal)
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
