package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bulkupsert"

// Result row classifications
const (
	RowSucceeded = "succeeded"
	RowSkipped   = "skipped"
	RowGenuine   = "genuine"
)

// Recorder collects run metrics on its own registry and keeps per-operation
// API timings for the end-of-run summary. A nil *Recorder is a no-op.
type Recorder struct {
	registry *prometheus.Registry

	rowsRead           prometheus.Counter
	batchesEmitted     prometheus.Counter
	batchesSubmitted   prometheus.Counter
	batchesFailed      prometheus.Counter
	polls              prometheus.Counter
	pollFailures       prometheus.Counter
	resultRows         *prometheus.CounterVec
	apiDuration        *prometheus.HistogramVec
	apiRetries         *prometheus.CounterVec
	batchBytes         prometheus.Histogram
	pendingBatches     prometheus.Gauge
	lastRunClean       prometheus.Gauge
	lastRunFinishedSec prometheus.Gauge

	mu      sync.Mutex
	timings map[string]*timing
}

type timing struct {
	total time.Duration
	count int64
}

// New creates a Recorder with Go and process collectors registered
func New() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Recorder{
		registry: registry,
		rowsRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_read_total",
			Help:      "Data rows read from the source file.",
		}),
		batchesEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_emitted_total",
			Help:      "Batches produced by the partitioner.",
		}),
		batchesSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_submitted_total",
			Help:      "Batches accepted by the bulk API.",
		}),
		batchesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_submission_failed_total",
			Help:      "Batches the bulk API refused or that could not be sent.",
		}),
		polls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Batch status polls issued.",
		}),
		pollFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_transport_failures_total",
			Help:      "Batch status polls that failed in transport.",
		}),
		resultRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "result_rows_total",
			Help:      "Result rows by classification.",
		}, []string{"class"}),
		apiDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_call_duration_seconds",
			Help:      "Duration of bulk API calls by operation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "outcome"}),
		apiRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_retries_total",
			Help:      "Retried bulk API calls by operation.",
		}, []string{"op"}),
		batchBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_bytes",
			Help:      "Uncompressed payload size of emitted batches.",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
		}),
		pendingBatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_batches",
			Help:      "Tracked batches not yet in a terminal state.",
		}),
		lastRunClean: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_clean",
			Help:      "1 if the last run was classified clean, 0 otherwise.",
		}),
		lastRunFinishedSec: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_finished_timestamp_seconds",
			Help:      "Unix time the last run finished.",
		}),
		timings: make(map[string]*timing),
	}

	registry.MustRegister(
		r.rowsRead,
		r.batchesEmitted,
		r.batchesSubmitted,
		r.batchesFailed,
		r.polls,
		r.pollFailures,
		r.resultRows,
		r.apiDuration,
		r.apiRetries,
		r.batchBytes,
		r.pendingBatches,
		r.lastRunClean,
		r.lastRunFinishedSec,
	)
	return r
}

// Registry returns the underlying registry
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// ObserveBatch records an emitted batch
func (r *Recorder) ObserveBatch(rows int, bytes int64) {
	if r == nil {
		return
	}
	r.batchesEmitted.Inc()
	r.rowsRead.Add(float64(rows))
	r.batchBytes.Observe(float64(bytes))
}

// BatchSubmitted counts an accepted batch
func (r *Recorder) BatchSubmitted() {
	if r == nil {
		return
	}
	r.batchesSubmitted.Inc()
}

// BatchSubmissionFailed counts a refused batch
func (r *Recorder) BatchSubmissionFailed() {
	if r == nil {
		return
	}
	r.batchesFailed.Inc()
}

// ObservePoll records one poll and the pending count after it
func (r *Recorder) ObservePoll(pending int, failed bool) {
	if r == nil {
		return
	}
	r.polls.Inc()
	if failed {
		r.pollFailures.Inc()
	}
	r.pendingBatches.Set(float64(pending))
}

// ObserveResultRows adds classified result rows
func (r *Recorder) ObserveResultRows(class string, n int) {
	if r == nil || n == 0 {
		return
	}
	r.resultRows.WithLabelValues(class).Add(float64(n))
}

// ObserveAPICall records the duration of a bulk API call
func (r *Recorder) ObserveAPICall(op string, d time.Duration, err error) {
	if r == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.apiDuration.WithLabelValues(op, outcome).Observe(d.Seconds())

	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.timings[op]
	if !ok {
		t = &timing{}
		r.timings[op] = t
	}
	t.total += d
	t.count++
}

// ObserveRetry counts a retried API call
func (r *Recorder) ObserveRetry(op string) {
	if r == nil {
		return
	}
	r.apiRetries.WithLabelValues(op).Inc()
}

// ObserveOutcome records the final classification of the run
func (r *Recorder) ObserveOutcome(clean bool, finished time.Time) {
	if r == nil {
		return
	}
	if clean {
		r.lastRunClean.Set(1)
	} else {
		r.lastRunClean.Set(0)
	}
	r.lastRunFinishedSec.Set(float64(finished.Unix()))
}

// Handler serves the registry in the Prometheus exposition format
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// WriteTextfile writes the registry for the node_exporter textfile collector
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile %s: %w", path, err)
	}
	return nil
}

// String returns a formatted summary of API call timings
func (r *Recorder) String() string {
	if r == nil {
		return "No timings recorded"
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	ops := make([]string, 0, len(r.timings))
	for op := range r.timings {
		ops = append(ops, op)
	}
	sort.Strings(ops)

	parts := make([]string, 0, len(ops))
	for _, op := range ops {
		t := r.timings[op]
		avg := t.total / time.Duration(t.count)
		parts = append(parts, fmt.Sprintf("%s: total=%v count=%d avg=%v", op, t.total, t.count, avg))
	}
	if len(parts) == 0 {
		return "No timings recorded"
	}
	return strings.Join(parts, "; ")
}
