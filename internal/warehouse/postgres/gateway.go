// Package postgres implements the warehouse gateway on PostgreSQL for
// self-hosted deployments. The dataset maps to a schema; idempotency leans
// on the windowed dedup pass rather than insert ids.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"formetl/internal/warehouse"
)

func init() {
	warehouse.Register("postgres", func(ctx context.Context, cfg warehouse.Config) (warehouse.Gateway, error) {
		return New(ctx, cfg)
	})
}

// Gateway is the Postgres-backed warehouse.
type Gateway struct {
	pool   *pgxpool.Pool
	schema string
}

// New opens a pool against cfg.DSN. The dataset name becomes the target
// schema.
func New(ctx context.Context, cfg warehouse.Config) (*Gateway, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres: missing dsn")
	}
	if cfg.Dataset == "" {
		return nil, fmt.Errorf("postgres: missing dataset (schema)")
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: pool: %w", err)
	}
	return &Gateway{pool: pool, schema: cfg.Dataset}, nil
}

func (g *Gateway) Close() { g.pool.Close() }

// EnsureDataset creates the schema if missing.
func (g *Gateway) EnsureDataset(ctx context.Context) error {
	sql := fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s;`, pgIdent(g.schema))
	if _, err := g.pool.Exec(ctx, sql); err != nil {
		return fmt.Errorf("postgres: create schema %s: %w", g.schema, err)
	}
	return nil
}

// EnsureTable creates the table if missing; existing tables are not touched.
func (g *Gateway) EnsureTable(ctx context.Context, tableID string, kind warehouse.TableKind, columns []warehouse.ColumnSpec) error {
	sql := buildCreateTableSQL(g.schema, tableID, columns)
	if _, err := g.pool.Exec(ctx, sql); err != nil {
		return fmt.Errorf("postgres: create table %s: %w", tableID, err)
	}
	return nil
}

// EnsureColumns reconciles incoming columns against information_schema:
// adds run as ADD COLUMN, widenings as ALTER COLUMN TYPE with a USING cast,
// REQUIRED relaxes as DROP NOT NULL.
func (g *Gateway) EnsureColumns(ctx context.Context, tableID string, columns []warehouse.ColumnSpec) (warehouse.EnsureResult, error) {
	existing, err := g.liveColumns(ctx, tableID)
	if err != nil {
		return warehouse.EnsureResult{}, err
	}

	plan := warehouse.PlanColumnChanges(existing, columns)
	if plan.Empty() {
		return warehouse.EnsureResult{}, nil
	}

	for _, stmt := range buildAlterSQL(g.schema, tableID, plan) {
		if _, err := g.pool.Exec(ctx, stmt); err != nil {
			return warehouse.EnsureResult{}, fmt.Errorf("postgres: alter %s: %w", tableID, err)
		}
	}
	return plan.Result(), nil
}

// liveColumns reads the current schema of a table from information_schema.
func (g *Gateway) liveColumns(ctx context.Context, tableID string) ([]warehouse.ColumnSpec, error) {
	const q = `
		SELECT column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`

	rows, err := g.pool.Query(ctx, q, g.schema, tableID)
	if err != nil {
		return nil, fmt.Errorf("postgres: columns of %s: %w", tableID, err)
	}
	defer rows.Close()

	var out []warehouse.ColumnSpec
	for rows.Next() {
		var name, dataType, nullable string
		if err := rows.Scan(&name, &dataType, &nullable); err != nil {
			return nil, fmt.Errorf("postgres: scan columns of %s: %w", tableID, err)
		}
		spec := fromPGType(dataType)
		spec.Name = name
		spec.Required = nullable == "NO"
		out = append(out, spec)
	}
	return out, rows.Err()
}

// InsertAll appends rows in chunks. keys is unused here: with no streaming
// buffer, idempotency comes from the windowed dedup pass.
func (g *Gateway) InsertAll(ctx context.Context, tableID string, rows []warehouse.Row, keys []string, ensure func(ctx context.Context) error) (warehouse.InsertReport, error) {
	if len(rows) == 0 {
		return warehouse.InsertReport{}, nil
	}
	columns := unionColumns(rows)

	// Stay below the wire-protocol parameter limit.
	chunk := 2000 / len(columns)
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
		sql, args := buildInsertSQL(g.schema, tableID, columns, part)

		if err := g.execWithEnsure(ctx, sql, args, ensure); err != nil {
			return report, fmt.Errorf("postgres: insert %s: %w", tableID, err)
		}
		report.Inserted += len(part)
	}
	return report, nil
}

// execWithEnsure retries an undefined-table/column failure a bounded number
// of times after re-running ensure.
func (g *Gateway) execWithEnsure(ctx context.Context, sql string, args []any, ensure func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= warehouse.DefaultNotFoundAttempts; attempt++ {
		_, err := g.pool.Exec(ctx, sql, args...)
		if err == nil {
			return nil
		}
		if !isUndefined(err) || ensure == nil {
			return err
		}
		lastErr = err
		if eerr := ensure(ctx); eerr != nil {
			return fmt.Errorf("ensure after not-found: %w", eerr)
		}
	}
	return fmt.Errorf("still failing after %d attempts: %w", warehouse.DefaultNotFoundAttempts, lastErr)
}

// Deduplicate deletes all but the newest row per partition using ctid
// addressing. Postgres has no streaming buffer, so the wait options are
// irrelevant and the pass never skips.
func (g *Gateway) Deduplicate(ctx context.Context, spec warehouse.DedupSpec, wait warehouse.WaitOptions) (warehouse.DedupStats, error) {
	sql := buildDedupDeleteSQL(g.schema, spec)
	cmd, err := g.pool.Exec(ctx, sql)
	if err != nil {
		return warehouse.DedupStats{}, fmt.Errorf("postgres: dedup %s: %w", spec.TableID, err)
	}
	return warehouse.DedupStats{Deleted: cmd.RowsAffected()}, nil
}

/* ---- SQL builders (pure, unit-tested without a database) ---- */

// buildCreateTableSQL renders CREATE TABLE IF NOT EXISTS for a base schema.
func buildCreateTableSQL(schema, tableID string, columns []warehouse.ColumnSpec) string {
	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS ")
	b.WriteString(qualified(schema, tableID))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c.Name))
		b.WriteString(" ")
		b.WriteString(toPGType(c))
		if c.Required {
			b.WriteString(" NOT NULL")
		}
	}
	b.WriteString(");")
	return b.String()
}

// buildAlterSQL renders the DDL statements for one reconciliation plan, in a
// deterministic order: relaxes first, then type changes, then adds.
func buildAlterSQL(schema, tableID string, plan warehouse.ChangeSet) []string {
	table := qualified(schema, tableID)
	var out []string

	for _, ch := range plan.Alter {
		if ch.DropRequired {
			out = append(out, fmt.Sprintf(`ALTER TABLE %s ALTER COLUMN %s DROP NOT NULL;`,
				table, pgIdent(ch.Name)))
		}
	}
	for _, ch := range plan.Alter {
		target := toPGType(warehouse.ColumnSpec{Type: ch.NewType})
		out = append(out, fmt.Sprintf(`ALTER TABLE %s ALTER COLUMN %s TYPE %s USING %s::%s;`,
			table, pgIdent(ch.Name), target, pgIdent(ch.Name), target))
	}
	for _, add := range plan.Add {
		out = append(out, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s;`,
			table, pgIdent(add.Name), toPGType(add)))
	}
	return out
}

// buildInsertSQL constructs one multi-row INSERT and its args. Missing cells
// insert as NULL.
func buildInsertSQL(schema, tableID string, columns []string, rows []warehouse.Row) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(qualified(schema, tableID))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j, c := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", p)
			args = append(args, normalizeValue(row[c]))
			p++
		}
		b.WriteString(")")
	}
	b.WriteString(";")
	return b.String(), args
}

// buildDedupDeleteSQL renders the ctid-addressed windowed DELETE.
func buildDedupDeleteSQL(schema string, spec warehouse.DedupSpec) string {
	table := qualified(schema, spec.TableID)

	var b strings.Builder
	b.WriteString("DELETE FROM ")
	b.WriteString(table)
	b.WriteString(" WHERE ctid IN (SELECT ctid FROM (SELECT ctid, ROW_NUMBER() OVER (PARTITION BY ")
	for i, k := range spec.PartitionKeys {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(k))
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
		b.WriteString(pgIdent(k))
		b.WriteString(" IS NOT NULL")
	}
	b.WriteString(") AS d WHERE d.rn > 1);")
	return b.String()
}

// unionColumns returns the sorted union of column names across rows, so one
// statement shape covers a batch with uneven rows.
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

// normalizeValue flattens warehouse values to driver-friendly ones: arrays
// and objects to their STRING rendering, everything else passes through.
func normalizeValue(v any) any {
	switch v.(type) {
	case nil, string, bool, int, int64, float64, time.Time:
		return v
	default:
		return warehouse.StringifyValue(v)
	}
}

// toPGType maps the canonical column vocabulary to Postgres DDL types.
func toPGType(c warehouse.ColumnSpec) string {
	var t string
	switch c.Type {
	case warehouse.TypeInt:
		t = "BIGINT"
	case warehouse.TypeFloat:
		t = "DOUBLE PRECISION"
	case warehouse.TypeBool:
		t = "BOOLEAN"
	case warehouse.TypeDate:
		t = "DATE"
	case warehouse.TypeTime:
		t = "TIME"
	case warehouse.TypeTimestamp:
		t = "TIMESTAMPTZ"
	default:
		t = "TEXT"
	}
	if c.Repeated {
		// Repeated values arrive pre-joined as text.
		return "TEXT"
	}
	return t
}

// fromPGType maps information_schema data types back to the canonical
// vocabulary. Unrecognized types read as STRING, which at worst causes a
// harmless widening.
func fromPGType(dataType string) warehouse.ColumnSpec {
	switch strings.ToLower(dataType) {
	case "bigint", "integer", "smallint":
		return warehouse.ColumnSpec{Type: warehouse.TypeInt}
	case "double precision", "real", "numeric":
		return warehouse.ColumnSpec{Type: warehouse.TypeFloat}
	case "boolean":
		return warehouse.ColumnSpec{Type: warehouse.TypeBool}
	case "date":
		return warehouse.ColumnSpec{Type: warehouse.TypeDate}
	case "time", "time without time zone", "timetz":
		return warehouse.ColumnSpec{Type: warehouse.TypeTime}
	case "timestamptz", "timestamp with time zone", "timestamp without time zone":
		return warehouse.ColumnSpec{Type: warehouse.TypeTimestamp}
	default:
		return warehouse.ColumnSpec{Type: warehouse.TypeString}
	}
}

func qualified(schema, tableID string) string {
	return pgIdent(schema) + "." + pgIdent(tableID)
}

// pgIdent double-quotes an identifier, escaping embedded quotes.
func pgIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// isUndefined reports the undefined_table / undefined_column error class.
func isUndefined(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "42P01" || pgErr.Code == "42703"
	}
	return false
}
