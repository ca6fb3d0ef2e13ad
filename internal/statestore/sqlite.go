package statestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists the bookkeeping in a local SQLite file. Timestamps
// are stored as RFC3339 strings for reliable round trips.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS form_state (
		form_id              TEXT PRIMARY KEY,
		form_name            TEXT NOT NULL DEFAULT '',
		table_name           TEXT NOT NULL DEFAULT '',
		action               TEXT NOT NULL DEFAULT '',
		batch_limit          INTEGER NOT NULL DEFAULT 0,
		ingest_enabled       INTEGER NOT NULL DEFAULT 1,
		last_data_id         TEXT NOT NULL DEFAULT '',
		last_update_time     TEXT NOT NULL DEFAULT '',
		last_answer_time     TEXT NOT NULL DEFAULT '',
		last_run_at          TEXT NOT NULL DEFAULT '',
		last_saved_row_count INTEGER NOT NULL DEFAULT 0,
		last_run_duration_s  REAL NOT NULL DEFAULT 0
	);`,
	`CREATE TABLE IF NOT EXISTS run_lock (
		id        INTEGER PRIMARY KEY CHECK (id = 1),
		state     TEXT NOT NULL,
		locked_at TEXT NOT NULL DEFAULT ''
	);`,
	`CREATE TABLE IF NOT EXISTS field_dictionary (
		table_id    TEXT NOT NULL,
		field_slug  TEXT NOT NULL,
		label       TEXT NOT NULL DEFAULT '',
		type        TEXT NOT NULL DEFAULT '',
		mode        TEXT NOT NULL DEFAULT '',
		source_type TEXT NOT NULL DEFAULT '',
		seen_at     TEXT NOT NULL DEFAULT ''
	);`,
}

// OpenSQLite opens (creating if needed) the state database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("statestore: missing path")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("statestore: open: %w", err)
	}
	// The lock protocol needs one writer at a time.
	db.SetMaxOpenConns(1)

	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("statestore: init schema: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO run_lock (id, state) VALUES (1, ?);`, LockFree); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("statestore: seed lock: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) ListForms(ctx context.Context) ([]FormState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT form_id, form_name, table_name, action, batch_limit, ingest_enabled,
		       last_data_id, last_update_time, last_answer_time, last_run_at,
		       last_saved_row_count, last_run_duration_s
		FROM form_state ORDER BY form_id;`)
	if err != nil {
		return nil, fmt.Errorf("statestore: list forms: %w", err)
	}
	defer rows.Close()

	var out []FormState
	for rows.Next() {
		st, err := scanForm(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetForm(ctx context.Context, formID string) (FormState, bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT form_id, form_name, table_name, action, batch_limit, ingest_enabled,
		       last_data_id, last_update_time, last_answer_time, last_run_at,
		       last_saved_row_count, last_run_duration_s
		FROM form_state WHERE form_id = ?;`, formID)
	if err != nil {
		return FormState{}, false, fmt.Errorf("statestore: get form %s: %w", formID, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return FormState{}, false, rows.Err()
	}
	st, err := scanForm(rows)
	if err != nil {
		return FormState{}, false, err
	}
	return st, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanForm(r rowScanner) (FormState, error) {
	var (
		st        FormState
		enabled   int
		lastRunAt string
		durationS float64
	)
	err := r.Scan(&st.FormID, &st.FormName, &st.TableName, &st.Action, &st.BatchLimit, &enabled,
		&st.LastDataID, &st.LastUpdateTime, &st.LastAnswerTime, &lastRunAt,
		&st.LastSavedRowCount, &durationS)
	if err != nil {
		return FormState{}, fmt.Errorf("statestore: scan form: %w", err)
	}
	st.IngestEnabled = enabled != 0
	st.LastRunAt = parseStoredTime(lastRunAt)
	st.LastRunDuration = time.Duration(durationS * float64(time.Second))
	return st, nil
}

func (s *SQLiteStore) SaveForm(ctx context.Context, st FormState) error {
	if st.FormID == "" {
		return fmt.Errorf("statestore: save form: missing form id")
	}
	enabled := 0
	if st.IngestEnabled {
		enabled = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO form_state (form_id, form_name, table_name, action, batch_limit, ingest_enabled,
			last_data_id, last_update_time, last_answer_time, last_run_at,
			last_saved_row_count, last_run_duration_s)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (form_id) DO UPDATE SET
			form_name = excluded.form_name,
			table_name = excluded.table_name,
			action = excluded.action,
			batch_limit = excluded.batch_limit,
			ingest_enabled = excluded.ingest_enabled,
			last_data_id = excluded.last_data_id,
			last_update_time = excluded.last_update_time,
			last_answer_time = excluded.last_answer_time,
			last_run_at = excluded.last_run_at,
			last_saved_row_count = excluded.last_saved_row_count,
			last_run_duration_s = excluded.last_run_duration_s;`,
		st.FormID, st.FormName, st.TableName, st.Action, st.BatchLimit, enabled,
		st.LastDataID, st.LastUpdateTime, st.LastAnswerTime, formatStoredTime(st.LastRunAt),
		st.LastSavedRowCount, st.LastRunDuration.Seconds())
	if err != nil {
		return fmt.Errorf("statestore: save form %s: %w", st.FormID, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteForm(ctx context.Context, formID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM form_state WHERE form_id = ?;`, formID); err != nil {
		return fmt.Errorf("statestore: delete form %s: %w", formID, err)
	}
	return nil
}

// AcquireLock flips the lock to busy if it is free or stale. The conditional
// UPDATE is a single statement, so two concurrent callers cannot both win.
func (s *SQLiteStore) AcquireLock(ctx context.Context, staleAfter time.Duration) (bool, error) {
	now := s.now().UTC()
	staleBefore := ""
	if staleAfter > 0 {
		staleBefore = formatStoredTime(now.Add(-staleAfter))
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE run_lock SET state = ?, locked_at = ?
		WHERE id = 1 AND (state = ? OR locked_at < ?);`,
		LockBusy, formatStoredTime(now), LockFree, staleBefore)
	if err != nil {
		return false, fmt.Errorf("statestore: acquire lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("statestore: acquire lock: rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) ReleaseLock(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE run_lock SET state = ?, locked_at = '' WHERE id = 1;`, LockFree); err != nil {
		return fmt.Errorf("statestore: release lock: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Lock(ctx context.Context) (LockInfo, error) {
	var (
		state    string
		lockedAt string
	)
	err := s.db.QueryRowContext(ctx, `SELECT state, locked_at FROM run_lock WHERE id = 1;`).
		Scan(&state, &lockedAt)
	if err != nil {
		return LockInfo{}, fmt.Errorf("statestore: read lock: %w", err)
	}
	return LockInfo{State: state, LockedAt: parseStoredTime(lockedAt)}, nil
}

func (s *SQLiteStore) AppendDictionary(ctx context.Context, rows []DictionaryRow) error {
	if len(rows) == 0 {
		return nil
	}
	for _, r := range rows {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO field_dictionary (table_id, field_slug, label, type, mode, source_type, seen_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);`,
			r.TableID, r.FieldSlug, r.Label, r.Type, r.Mode, r.SourceType, formatStoredTime(r.SeenAt))
		if err != nil {
			return fmt.Errorf("statestore: append dictionary %s.%s: %w", r.TableID, r.FieldSlug, err)
		}
	}
	return nil
}

func formatStoredTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseStoredTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
