package sqlite

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"formetl/internal/warehouse"
)

func openTestGateway(t *testing.T) *Gateway {
	t.Helper()
	g, err := New(context.Background(), warehouse.Config{
		Kind: "sqlite",
		DSN:  filepath.Join(t.TempDir(), "warehouse.db"),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(g.Close)
	return g
}

func TestBuildCreateTableSQL(t *testing.T) {
	stmt := buildCreateTableSQL("123__releve", []warehouse.ColumnSpec{
		{Name: "form_id", Type: warehouse.TypeString, Required: true},
		{Name: "count", Type: warehouse.TypeInt},
		{Name: "ratio", Type: warehouse.TypeFloat},
	})
	want := `CREATE TABLE IF NOT EXISTS "123__releve" ("form_id" TEXT NOT NULL, "count" INTEGER, "ratio" REAL);`
	if stmt != want {
		t.Fatalf("got:\n%s\nwant:\n%s", stmt, want)
	}
}

func TestBuildDedupDeleteSQL(t *testing.T) {
	stmt := buildDedupDeleteSQL(warehouse.DedupSpec{
		TableID:       "t",
		PartitionKeys: []string{"parent_data_id", "sub_row_index"},
		OrderBy:       []string{"parent_update_time DESC"},
	})
	for _, want := range []string{
		`WHERE rowid IN`,
		`PARTITION BY "parent_data_id", "sub_row_index"`,
		`ORDER BY parent_update_time DESC`,
		`"parent_data_id" IS NOT NULL AND "sub_row_index" IS NOT NULL`,
	} {
		if !strings.Contains(stmt, want) {
			t.Errorf("missing %q in:\n%s", want, stmt)
		}
	}
}

func TestEnsureTableAndColumns(t *testing.T) {
	g := openTestGateway(t)
	ctx := context.Background()

	base := warehouse.ParentBaseColumns()
	if err := g.EnsureTable(ctx, "123__releve", warehouse.TableParent, base); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}
	// Idempotent.
	if err := g.EnsureTable(ctx, "123__releve", warehouse.TableParent, base); err != nil {
		t.Fatalf("EnsureTable twice: %v", err)
	}

	res, err := g.EnsureColumns(ctx, "123__releve", []warehouse.ColumnSpec{
		{Name: "temperature", Type: warehouse.TypeFloat},
	})
	if err != nil {
		t.Fatalf("EnsureColumns: %v", err)
	}
	if len(res.Added) != 1 || res.Added[0] != "temperature" {
		t.Fatalf("added = %v", res.Added)
	}

	// Second reconciliation of the same column is a no-op.
	res, err = g.EnsureColumns(ctx, "123__releve", []warehouse.ColumnSpec{
		{Name: "temperature", Type: warehouse.TypeFloat},
	})
	if err != nil {
		t.Fatalf("EnsureColumns again: %v", err)
	}
	if res.Changed() {
		t.Fatalf("repeat reconciliation changed schema: %#v", res)
	}
}

func TestEnsureColumnsReportsWideningWithoutDDL(t *testing.T) {
	g := openTestGateway(t)
	ctx := context.Background()

	if err := g.EnsureTable(ctx, "t", warehouse.TableParent, []warehouse.ColumnSpec{
		{Name: "val", Type: warehouse.TypeInt},
	}); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}

	res, err := g.EnsureColumns(ctx, "t", []warehouse.ColumnSpec{
		{Name: "val", Type: warehouse.TypeBool},
	})
	if err != nil {
		t.Fatalf("EnsureColumns: %v", err)
	}
	if len(res.ConvertedToString) != 1 || res.ConvertedToString[0] != "val" {
		t.Fatalf("conversion not reported: %#v", res)
	}
}

func TestInsertAndDeduplicate(t *testing.T) {
	g := openTestGateway(t)
	ctx := context.Background()

	cols := []warehouse.ColumnSpec{
		{Name: "form_unique_id", Type: warehouse.TypeString},
		{Name: "update_time", Type: warehouse.TypeTimestamp},
		{Name: "ingested_at", Type: warehouse.TypeTimestamp},
		{Name: "val", Type: warehouse.TypeString},
	}
	if err := g.EnsureTable(ctx, "t", warehouse.TableParent, cols); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}

	t0 := time.Date(2026, 2, 28, 8, 0, 0, 0, time.UTC)
	rows := []warehouse.Row{
		{"form_unique_id": "r1", "update_time": t0, "ingested_at": t0, "val": "old"},
		{"form_unique_id": "r1", "update_time": t0.Add(time.Hour), "ingested_at": t0.Add(time.Hour), "val": "new"},
		{"form_unique_id": "r2", "update_time": t0, "ingested_at": t0, "val": "only"},
	}
	report, err := g.InsertAll(ctx, "t", rows, []string{"k1", "k2", "k3"}, nil)
	if err != nil {
		t.Fatalf("InsertAll: %v", err)
	}
	if report.Inserted != 3 {
		t.Fatalf("inserted = %d", report.Inserted)
	}

	stats, err := g.Deduplicate(ctx, warehouse.DedupSpec{
		TableID:       "t",
		PartitionKeys: []string{"form_unique_id"},
		OrderBy:       []string{"update_time DESC", "ingested_at DESC"},
	}, warehouse.WaitOptions{})
	if err != nil {
		t.Fatalf("Deduplicate: %v", err)
	}
	if stats.Deleted != 1 {
		t.Fatalf("deleted = %d", stats.Deleted)
	}

	var val string
	if err := g.db.QueryRowContext(ctx, `SELECT "val" FROM "t" WHERE "form_unique_id" = 'r1'`).Scan(&val); err != nil {
		t.Fatalf("query survivor: %v", err)
	}
	if val != "new" {
		t.Fatalf("survivor = %q, want the most recent version", val)
	}
}

func TestInsertRetriesAfterEnsure(t *testing.T) {
	g := openTestGateway(t)
	ctx := context.Background()

	cols := []warehouse.ColumnSpec{{Name: "a", Type: warehouse.TypeString}}
	ensured := 0
	ensure := func(ctx context.Context) error {
		ensured++
		return g.EnsureTable(ctx, "late", warehouse.TableParent, cols)
	}

	report, err := g.InsertAll(ctx, "late", []warehouse.Row{{"a": "x"}}, []string{"k"}, ensure)
	if err != nil {
		t.Fatalf("InsertAll: %v", err)
	}
	if report.Inserted != 1 {
		t.Fatalf("inserted = %d", report.Inserted)
	}
	if ensured != 1 {
		t.Fatalf("ensure calls = %d", ensured)
	}
}

func TestNormalizeValue(t *testing.T) {
	ts := time.Date(2026, 2, 28, 9, 0, 0, 0, time.UTC)
	if got := normalizeValue(ts); got != "2026-02-28T09:00:00Z" {
		t.Errorf("time = %#v", got)
	}
	if got := normalizeValue([]any{"a", "b"}); got != "a,b" {
		t.Errorf("array = %#v", got)
	}
	if got := normalizeValue("s"); got != "s" {
		t.Errorf("string = %#v", got)
	}
}
