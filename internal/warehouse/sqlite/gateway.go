// Package sqlite implements the warehouse gateway on SQLite, aimed at local
// development and tests.
//
// SQLite column affinity tolerates mixed value types, so type widenings need
// no DDL here: the plan is computed and reported (callers still coerce rows)
// but only column adds touch the schema. Timestamps are stored as RFC3339
// strings for reliable round trips.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"formetl/internal/warehouse"
)

func init() {
	warehouse.Register("sqlite", func(ctx context.Context, cfg warehouse.Config) (warehouse.Gateway, error) {
		return New(ctx, cfg)
	})
}

// Gateway is the SQLite-backed warehouse.
type Gateway struct {
	db *sql.DB
}

// New opens (and pings) the database file named by cfg.DSN. The dataset name
// is ignored: a SQLite file is its own namespace.
func New(ctx context.Context, cfg warehouse.Config) (*Gateway, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("sqlite: missing dsn")
	}
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	return &Gateway{db: db}, nil
}

func (g *Gateway) Close() { _ = g.db.Close() }

// EnsureDataset is a no-op: opening the file created the namespace.
func (g *Gateway) EnsureDataset(ctx context.Context) error { return nil }

// EnsureTable creates the table if missing.
func (g *Gateway) EnsureTable(ctx context.Context, tableID string, kind warehouse.TableKind, columns []warehouse.ColumnSpec) error {
	stmt := buildCreateTableSQL(tableID, columns)
	if _, err := g.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("sqlite: create table %s: %w", tableID, err)
	}
	return nil
}

// EnsureColumns adds missing columns via ADD COLUMN. Type and mode changes
// are reported without DDL: affinity already accepts the widened values.
func (g *Gateway) EnsureColumns(ctx context.Context, tableID string, columns []warehouse.ColumnSpec) (warehouse.EnsureResult, error) {
	existing, err := g.liveColumns(ctx, tableID)
	if err != nil {
		return warehouse.EnsureResult{}, err
	}

	plan := warehouse.PlanColumnChanges(existing, columns)
	if plan.Empty() {
		return warehouse.EnsureResult{}, nil
	}

	for _, add := range plan.Add {
		stmt := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s;`,
			sqlIdent(tableID), sqlIdent(add.Name), toSQLiteType(add.Type))
		if _, err := g.db.ExecContext(ctx, stmt); err != nil {
			return warehouse.EnsureResult{}, fmt.Errorf("sqlite: add column %s.%s: %w", tableID, add.Name, err)
		}
	}
	return plan.Result(), nil
}

// liveColumns reads the table's columns via PRAGMA table_info.
func (g *Gateway) liveColumns(ctx context.Context, tableID string) ([]warehouse.ColumnSpec, error) {
	q := fmt.Sprintf(`PRAGMA table_info(%s);`, sqlIdent(tableID))
	rows, err := g.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("sqlite: table_info %s: %w", tableID, err)
	}
	defer rows.Close()

	var out []warehouse.ColumnSpec
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("sqlite: scan table_info %s: %w", tableID, err)
		}
		out = append(out, warehouse.ColumnSpec{
			Name:     name,
			Type:     fromSQLiteType(ctype),
			Required: notNull == 1,
		})
	}
	return out, rows.Err()
}

// InsertAll appends rows in one multi-row statement per chunk. keys is
// unused: the windowed dedup pass provides idempotency.
func (g *Gateway) InsertAll(ctx context.Context, tableID string, rows []warehouse.Row, keys []string, ensure func(ctx context.Context) error) (warehouse.InsertReport, error) {
	if len(rows) == 0 {
		return warehouse.InsertReport{}, nil
	}
	columns := unionColumns(rows)

	chunk := 500 / len(columns)
	if chunk < 1 {
		chunk = 1
	}

	var report warehouse.InsertReport
	for start := 0; start < len(rows); start += chunk {
		end := start + chunk
		if end > len(rows) {
			end = len(rows)
		}
		part := rows[start:end]
		stmt, args := buildInsertSQL(tableID, columns, part)

		if err := g.execWithEnsure(ctx, stmt, args, ensure); err != nil {
			return report, fmt.Errorf("sqlite: insert %s: %w", tableID, err)
		}
		report.Inserted += len(part)
	}
	return report, nil
}

func (g *Gateway) execWithEnsure(ctx context.Context, stmt string, args []any, ensure func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= warehouse.DefaultNotFoundAttempts; attempt++ {
		_, err := g.db.ExecContext(ctx, stmt, args...)
		if err == nil {
			return nil
		}
		if !isMissing(err) || ensure == nil {
			return err
		}
		lastErr = err
		if eerr := ensure(ctx); eerr != nil {
			return fmt.Errorf("ensure after not-found: %w", eerr)
		}
	}
	return fmt.Errorf("still failing after %d attempts: %w", warehouse.DefaultNotFoundAttempts, lastErr)
}

// Deduplicate deletes all but the newest row per partition via rowid.
func (g *Gateway) Deduplicate(ctx context.Context, spec warehouse.DedupSpec, wait warehouse.WaitOptions) (warehouse.DedupStats, error) {
	stmt := buildDedupDeleteSQL(spec)
	res, err := g.db.ExecContext(ctx, stmt)
	if err != nil {
		return warehouse.DedupStats{}, fmt.Errorf("sqlite: dedup %s: %w", spec.TableID, err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return warehouse.DedupStats{}, fmt.Errorf("sqlite: dedup %s: rows affected: %w", spec.TableID, err)
	}
	return warehouse.DedupStats{Deleted: deleted}, nil
}

/* ---- SQL builders (pure) ---- */

func buildCreateTableSQL(tableID string, columns []warehouse.ColumnSpec) string {
	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS ")
	b.WriteString(sqlIdent(tableID))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(sqlIdent(c.Name))
		b.WriteString(" ")
		b.WriteString(toSQLiteType(c.Type))
		if c.Required {
			b.WriteString(" NOT NULL")
		}
	}
	b.WriteString(");")
	return b.String()
}

func buildInsertSQL(tableID string, columns []string, rows []warehouse.Row) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(sqlIdent(tableID))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(sqlIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j, c := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString("?")
			args = append(args, normalizeValue(row[c]))
		}
		b.WriteString(")")
	}
	b.WriteString(";")
	return b.String(), args
}

func buildDedupDeleteSQL(spec warehouse.DedupSpec) string {
	table := sqlIdent(spec.TableID)

	var b strings.Builder
	b.WriteString("DELETE FROM ")
	b.WriteString(table)
	b.WriteString(" WHERE rowid IN (SELECT rowid FROM (SELECT rowid, ROW_NUMBER() OVER (PARTITION BY ")
	for i, k := range spec.PartitionKeys {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(sqlIdent(k))
	}
	b.WriteString(" ORDER BY ")
	b.WriteString(strings.Join(spec.OrderBy, ", "))
	b.WriteString(") AS rn FROM ")
	b.WriteString(table)
	b.WriteString(" WHERE ")
	for i, k := range spec.PartitionKeys {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString(sqlIdent(k))
		b.WriteString(" IS NOT NULL")
	}
	b.WriteString(") AS d WHERE d.rn > 1);")
	return b.String()
}

func unionColumns(rows []warehouse.Row) []string {
	set := map[string]bool{}
	for _, row := range rows {
		for k := range row {
			set[k] = true
		}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// normalizeValue maps warehouse values to what the driver stores cleanly:
// times as RFC3339 strings, arrays/objects as their STRING rendering.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case nil, string, bool, int, int64, float64:
		return v
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return warehouse.StringifyValue(v)
	}
}

func toSQLiteType(t warehouse.FieldType) string {
	switch t {
	case warehouse.TypeInt, warehouse.TypeBool:
		return "INTEGER"
	case warehouse.TypeFloat:
		return "REAL"
	default:
		return "TEXT"
	}
}

// fromSQLiteType is lossy on purpose: DATE/TIME/TIMESTAMP all live as TEXT,
// which compares equal to incoming STRING-family columns and to each other
// only through the reconciliation plan's widening rules.
func fromSQLiteType(ctype string) warehouse.FieldType {
	switch strings.ToUpper(strings.TrimSpace(ctype)) {
	case "INTEGER":
		return warehouse.TypeInt
	case "REAL":
		return warehouse.TypeFloat
	default:
		return warehouse.TypeString
	}
}

func sqlIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// isMissing reports the "no such table/column" error class.
func isMissing(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "no such table") || strings.Contains(msg, "no such column")
}
