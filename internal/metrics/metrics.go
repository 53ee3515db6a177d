// ============================================================================
// chunkrun Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Expose scheduler progress so a long backfill can be watched
//
// Metrics:
//
//   1. Counters:
//      - chunkrun_chunks_completed_total
//      - chunkrun_chunks_failed_total
//      - chunkrun_workers_launched_total
//      - chunkrun_workers_failed_total
//
//   2. Histogram:
//      - chunkrun_chunk_duration_seconds (1s .. ~9h, exponential)
//
//   3. Gauges:
//      - chunkrun_next_start_slot    checkpoint position after the last chunk
//      - chunkrun_chunks_remaining   chunks not yet completed in this run
//      - chunkrun_eta_seconds        projected time to finish
//      - chunkrun_run_resumed        1 when the run resumed from a checkpoint
//
// Example queries:
//
//   # slots per second over the last hour
//   deriv(chunkrun_next_start_slot[1h])
//
//   # p95 chunk duration
//   histogram_quantile(0.95, rate(chunkrun_chunk_duration_seconds_bucket[1h]))
//
// HTTP endpoint: /metrics on the configured port when metrics are enabled.
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chunkrun"

// Collector holds the scheduler metrics. A nil *Collector is valid and
// records nothing.
type Collector struct {
	chunksCompleted prometheus.Counter
	chunksFailed    prometheus.Counter
	workersLaunched prometheus.Counter
	workersFailed   prometheus.Counter

	chunkDuration prometheus.Histogram

	nextStart       prometheus.Gauge
	chunksRemaining prometheus.Gauge
	eta             prometheus.Gauge
	resumed         prometheus.Gauge
}

// NewCollector creates the metrics and registers them with reg.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		chunksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_completed_total",
			Help:      "Chunks whose workers all exited successfully",
		}),
		chunksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_failed_total",
			Help:      "Chunks with at least one failed worker",
		}),
		workersLaunched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workers_launched_total",
			Help:      "Worker processes started",
		}),
		workersFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workers_failed_total",
			Help:      "Workers that exited non-zero or could not be launched",
		}),
		chunkDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chunk_duration_seconds",
			Help:      "Wall time from launching a chunk's workers to the last exit",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 16),
		}),
		nextStart: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "next_start_slot",
			Help:      "First slot not yet covered by a completed chunk",
		}),
		chunksRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chunks_remaining",
			Help:      "Chunks left in the current run",
		}),
		eta: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "eta_seconds",
			Help:      "Projected seconds until the job completes",
		}),
		resumed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_resumed",
			Help:      "1 when this run resumed from a checkpoint, 0 for a fresh run",
		}),
	}

	for _, m := range []prometheus.Collector{
		c.chunksCompleted, c.chunksFailed, c.workersLaunched, c.workersFailed,
		c.chunkDuration, c.nextStart, c.chunksRemaining, c.eta, c.resumed,
	} {
		if err := reg.Register(m); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return c, nil
}

// RecordRunStart records the plan of a run.
func (c *Collector) RecordRunStart(resumed bool, nextStart, chunks uint64) {
	if c == nil {
		return
	}
	if resumed {
		c.resumed.Set(1)
	} else {
		c.resumed.Set(0)
	}
	c.nextStart.Set(float64(nextStart))
	c.chunksRemaining.Set(float64(chunks))
}

// RecordWorkersLaunched counts launched workers.
func (c *Collector) RecordWorkersLaunched(n int) {
	if c == nil {
		return
	}
	c.workersLaunched.Add(float64(n))
}

// RecordChunkCompleted records a successful chunk and the new position.
func (c *Collector) RecordChunkCompleted(d time.Duration, nextStart, remaining uint64, eta time.Duration) {
	if c == nil {
		return
	}
	c.chunksCompleted.Inc()
	c.chunkDuration.Observe(d.Seconds())
	c.nextStart.Set(float64(nextStart))
	c.chunksRemaining.Set(float64(remaining))
	c.eta.Set(eta.Seconds())
}

// RecordChunkFailed records a failed chunk with failedWorkers non-zero exits.
func (c *Collector) RecordChunkFailed(d time.Duration, failedWorkers int) {
	if c == nil {
		return
	}
	c.chunksFailed.Inc()
	c.workersFailed.Add(float64(failedWorkers))
	c.chunkDuration.Observe(d.Seconds())
}

// NewServer returns an HTTP server exposing g on /metrics. The caller runs
// ListenAndServe and Shutdown.
func NewServer(port int, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
