// Package metrics defines the minimal metrics facade the pipeline emits to.
//
// Design goals:
//   - Core ingestion code depends only on Backend; vendor-specific code lives
//     in subpackages (see metrics/datadog).
//   - The default backend is a nop, so library code can emit unconditionally.
package metrics

import "sync"

// Labels are free-form metric dimensions (e.g. {"form": "123", "status": "ok"}).
type Labels map[string]string

// Backend receives metric observations.
//
// Implementations must be safe for concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs the process-wide backend. Call once at startup.
func SetBackend(b Backend) {
	if b == nil {
		b = nopBackend{}
	}
	mu.Lock()
	backend = b
	mu.Unlock()
}

// IncCounter increments a counter on the installed backend.
func IncCounter(name string, delta float64, labels Labels) {
	mu.RLock()
	b := backend
	mu.RUnlock()
	b.IncCounter(name, delta, labels)
}

// ObserveHistogram records a histogram sample on the installed backend.
func ObserveHistogram(name string, value float64, labels Labels) {
	mu.RLock()
	b := backend
	mu.RUnlock()
	b.ObserveHistogram(name, value, labels)
}

// Flush flushes the installed backend. Safe to call on the nop backend.
func Flush() error {
	mu.RLock()
	b := backend
	mu.RUnlock()
	return b.Flush()
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

// Metric names emitted by the ingestion pipeline.
//
// These are an operational contract: dashboards and monitors key on them.
const (
	// MetricRunsTotal counts pipeline runs, labeled form + status.
	MetricRunsTotal = "formetl_runs_total"
	// MetricRecordsTotal counts source records processed, labeled form + outcome.
	MetricRecordsTotal = "formetl_records_total"
	// MetricRowsInserted counts warehouse rows written, labeled table kind.
	MetricRowsInserted = "formetl_rows_inserted_total"
	// MetricInsertErrors counts rejected warehouse rows, labeled table kind.
	MetricInsertErrors = "formetl_insert_errors_total"
	// MetricDedupDeleted counts rows removed by deduplication, labeled table kind.
	MetricDedupDeleted = "formetl_dedup_deleted_total"
	// MetricMarkReadFailures counts mark-as-read chunks that failed.
	MetricMarkReadFailures = "formetl_markread_failures_total"
	// MetricRunDuration observes whole-run duration in seconds, labeled form + status.
	MetricRunDuration = "formetl_run_duration_seconds"
	// MetricFetchDuration observes forms-API call duration in seconds, labeled path kind.
	MetricFetchDuration = "formetl_fetch_duration_seconds"
)
