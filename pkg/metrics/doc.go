/*
Package metrics provides Prometheus metrics collection and exposition for
PHINEAS.

It defines and registers gauges, counters, and histograms covering queue
depth, the TaskQ worker pool, and the receiver and transmitter pipelines,
using github.com/prometheus/client_golang. Metrics are exposed via
Handler() for scraping.

# Metric families

  - phineas_queue_depth{queue}: current row count per queue
  - phineas_taskq_workers_active/idle{pool}, phineas_taskq_waiting{pool}: pool saturation
  - phineas_receiver_requests_total{route,outcome}, phineas_receiver_duplicates_total{route}: inbound pipeline
  - phineas_transmitter_attempts_total{route,outcome}, phineas_transmitter_retries_total{route}: outbound pipeline
  - phineas_folder_poll_scans_total, phineas_folder_poll_files_enqueued_total{route}: folder poller

# Collector

Collector polls a *queue.Registry on an interval and republishes queue
depth gauges; it does not touch the counters and histograms above, which
callers update inline as requests and sends are processed.

# Usage

	http.Handle("/metrics", metrics.Handler())

	timer := metrics.NewTimer()
	// ... process a request ...
	timer.ObserveDurationVec(metrics.ReceiverRequestDuration, route)
*/
package metrics
