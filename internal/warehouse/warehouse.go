// Package warehouse defines the backend-agnostic gateway the ingestion
// pipeline writes through, plus the schema-evolution and deduplication
// protocol shared by all backends.
//
// IMPORTANT: The Gateway interface is intentionally minimal and focused on
// the operations the ingestion coordinator needs. Each backend implements
// these semantics in its own idiomatic way (BigQuery metadata updates,
// Postgres ALTER TABLE, SQLite rebuilds, etc).
package warehouse

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Config is the minimal configuration needed to create a gateway.
type Config struct {
	// Kind selects a registered backend ("bigquery", "postgres", "sqlite").
	Kind string
	// ProjectID and Dataset locate the target dataset for cloud backends.
	ProjectID string
	Dataset   string
	// DSN is used by SQL backends; validation is backend-specific.
	DSN string
	// Location is the dataset location for backends that need one.
	Location string
}

// TableKind distinguishes the four table families the pipeline maintains.
type TableKind string

const (
	TableRaw    TableKind = "raw"
	TableParent TableKind = "parent"
	TableSub    TableKind = "sub"
	TableMedia  TableKind = "media"
)

// Row is one warehouse row keyed by column name.
type Row map[string]any

// EnsureResult reports what EnsureColumns changed.
type EnsureResult struct {
	Added             []string
	ConvertedToString []string
	DroppedNotNull    []string
	Altered           []string
}

// Changed reports whether any schema mutation happened.
func (r EnsureResult) Changed() bool {
	return len(r.Added) > 0 || len(r.ConvertedToString) > 0 || len(r.DroppedNotNull) > 0 || len(r.Altered) > 0
}

// InsertError describes one rejected row.
type InsertError struct {
	RowKey string
	Reason string
}

// InsertReport is the outcome of one InsertAll call.
type InsertReport struct {
	Inserted     int
	InsertErrors []InsertError
}

// DedupStats is the outcome of deduplicating one table.
type DedupStats struct {
	Deleted int64
	Skipped bool
	Reason  string
}

// DedupReport covers a whole form (parent table plus its sub-tables).
type DedupReport struct {
	Parent    DedupStats
	SubTables map[string]DedupStats
}

// DedupSpec names the partition and ordering used to keep exactly one row
// per logical record.
type DedupSpec struct {
	TableID string
	// PartitionKeys identify a logical record.
	PartitionKeys []string
	// OrderBy ranks versions inside a partition, most-recent first.
	// Entries are rendered verbatim into the window ORDER BY.
	OrderBy []string
}

// WaitOptions bounds the streaming-buffer wait before a dedup attempt.
type WaitOptions struct {
	// PollInterval between buffer checks. Defaults to 15s.
	PollInterval time.Duration
	// MaxWait is the whole budget. Defaults to 90s.
	MaxWait time.Duration
	// QuietPeriod is how old the newest buffered write must be before a
	// destructive DELETE is considered safe. Defaults to 30 minutes.
	QuietPeriod time.Duration
}

// ApplyWaitDefaults fills zero fields with the documented defaults. Backends
// call it once at the top of Deduplicate.
func ApplyWaitDefaults(w WaitOptions) WaitOptions { return w.withDefaults() }

func (w WaitOptions) withDefaults() WaitOptions {
	if w.PollInterval <= 0 {
		w.PollInterval = 15 * time.Second
	}
	if w.MaxWait <= 0 {
		w.MaxWait = 90 * time.Second
	}
	if w.QuietPeriod <= 0 {
		w.QuietPeriod = 30 * time.Minute
	}
	return w
}

// SkipReasonStreamingBuffer is the documented reason for a dedup skip while
// the table still has recent buffered writes.
const SkipReasonStreamingBuffer = "STREAMING_BUFFER_ACTIVE"

// Gateway is the backend-agnostic warehouse interface.
//
// All operations must be idempotent: ensure calls are create-if-missing,
// inserts carry deterministic row keys, and deduplication is safe to re-run.
type Gateway interface {
	// Close releases backend resources. Call once at shutdown.
	Close()

	// EnsureDataset creates the target dataset/schema if missing.
	EnsureDataset(ctx context.Context) error

	// EnsureTable creates a table of the given kind with the given columns
	// if it does not exist. Existing tables are left untouched (column
	// reconciliation is EnsureColumns' job).
	EnsureTable(ctx context.Context, tableID string, kind TableKind, columns []ColumnSpec) error

	// EnsureColumns reconciles incoming columns against the live schema:
	// missing columns are added; REQUIRED columns conflicting with incoming
	// values are relaxed to NULLABLE; conflicting types are widened (numeric
	// widening where possible, otherwise STRING).
	EnsureColumns(ctx context.Context, tableID string, columns []ColumnSpec) (EnsureResult, error)

	// InsertAll appends rows. keys supplies one deterministic idempotency
	// key per row (same order as rows); backends that support server-side
	// insert ids use it, others rely on asynchronous deduplication.
	// ensure re-creates the target on a not-found failure; InsertAll retries
	// a bounded number of times (DefaultNotFoundAttempts) before giving up.
	InsertAll(ctx context.Context, tableID string, rows []Row, keys []string, ensure func(ctx context.Context) error) (InsertReport, error)

	// Deduplicate removes all but the most recent version of each partition.
	// While recent writes are still buffered (BigQuery streaming buffer) it
	// returns Skipped=true with SkipReasonStreamingBuffer instead of failing.
	Deduplicate(ctx context.Context, spec DedupSpec, wait WaitOptions) (DedupStats, error)
}

// DefaultNotFoundAttempts bounds the ensure-and-retry loop around inserts
// that fail with a not-found class of error.
const DefaultNotFoundAttempts = 3

/* ---- backend factories (registry) ---- */

type factory func(ctx context.Context, cfg Config) (Gateway, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend under a kind. Call from an init() in the
// backend package. Registering the same kind twice panics to fail fast on
// ambiguous backend selection.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("warehouse: Register called with empty kind")
	}
	if f == nil {
		panic("warehouse: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("warehouse: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// New constructs a Gateway using the registered backend factory.
func New(ctx context.Context, cfg Config) (Gateway, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("warehouse: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("warehouse: unsupported kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}

// RunDeduplicationForForm deduplicates a form's parent table and each of its
// sub-tables.
//
// Partition keys follow the ingestion contract: the parent table keeps the
// most recent row per form_unique_id; sub-tables keep the most recent row
// per (parent_data_id, sub_row_index). A skip (streaming buffer still
// active) is recorded per table and never turns into an error.
func RunDeduplicationForForm(ctx context.Context, g Gateway, parentTableID string, subTableIDs []string, wait WaitOptions) (DedupReport, error) {
	report := DedupReport{SubTables: make(map[string]DedupStats, len(subTableIDs))}

	parent, err := g.Deduplicate(ctx, DedupSpec{
		TableID:       parentTableID,
		PartitionKeys: []string{"form_unique_id"},
		OrderBy:       []string{"update_time DESC", "ingested_at DESC"},
	}, wait)
	if err != nil {
		return report, fmt.Errorf("dedup parent %s: %w", parentTableID, err)
	}
	report.Parent = parent

	for _, sub := range subTableIDs {
		stats, err := g.Deduplicate(ctx, DedupSpec{
			TableID:       sub,
			PartitionKeys: []string{"parent_data_id", "sub_row_index"},
			OrderBy:       []string{"parent_update_time DESC"},
		}, wait)
		if err != nil {
			return report, fmt.Errorf("dedup sub-table %s: %w", sub, err)
		}
		report.SubTables[sub] = stats
	}

	return report, nil
}
