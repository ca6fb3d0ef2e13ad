// Package statestore persists the pipeline's run bookkeeping: per-form
// ingestion settings and watermarks, the run lock, and the append-only field
// dictionary.
package statestore

import (
	"context"
	"time"
)

// Lock states are stored as strings; the values are load-bearing because
// operators inspect and occasionally fix them by hand.
const (
	LockBusy = "enCours"
	LockFree = "termine"
)

// FormState is one form's ingestion settings plus the watermarks of its last
// run.
type FormState struct {
	FormID    string
	FormName  string
	TableName string
	// Action is the mark-as-read action namespace for this form.
	Action string
	// BatchLimit caps how many unread records one run fetches.
	BatchLimit int
	// IngestEnabled gates warehouse writes; disabled forms are still listed
	// but reported as skipped.
	IngestEnabled bool

	LastDataID        string
	LastUpdateTime    string
	LastAnswerTime    string
	LastRunAt         time.Time
	LastSavedRowCount int
	LastRunDuration   time.Duration
}

// DictionaryRow is one audit entry for a materialized column.
type DictionaryRow struct {
	TableID    string
	FieldSlug  string
	Label      string
	Type       string
	Mode       string
	SourceType string
	SeenAt     time.Time
}

// LockInfo is the persisted run-lock row.
type LockInfo struct {
	State    string
	LockedAt time.Time
}

// Store is the bookkeeping interface the coordinator runs against.
type Store interface {
	Close() error

	// ListForms returns every configured form, ordered by form id.
	ListForms(ctx context.Context) ([]FormState, error)
	// GetForm returns one form's state; ok is false when the form is not
	// configured.
	GetForm(ctx context.Context, formID string) (FormState, bool, error)
	// SaveForm upserts one form's state.
	SaveForm(ctx context.Context, state FormState) error
	// DeleteForm removes a form from the run set.
	DeleteForm(ctx context.Context, formID string) error

	// AcquireLock transitions the lock to LockBusy. It fails (false, nil)
	// while another run holds it, unless the holder is older than
	// staleAfter, in which case the lock is taken over.
	AcquireLock(ctx context.Context, staleAfter time.Duration) (bool, error)
	// ReleaseLock transitions the lock to LockFree unconditionally. It is
	// also the force-unlock operation.
	ReleaseLock(ctx context.Context) error
	// Lock returns the current lock row.
	Lock(ctx context.Context) (LockInfo, error)

	// AppendDictionary records column audit rows. Append-only.
	AppendDictionary(ctx context.Context, rows []DictionaryRow) error
}
