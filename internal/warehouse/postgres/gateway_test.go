package postgres

import (
	"strings"
	"testing"
	"time"

	"formetl/internal/warehouse"
)

func TestBuildCreateTableSQL(t *testing.T) {
	sql := buildCreateTableSQL("forms", "123__releve", []warehouse.ColumnSpec{
		{Name: "form_id", Type: warehouse.TypeString, Required: true},
		{Name: "answer_time", Type: warehouse.TypeTimestamp},
		{Name: "count", Type: warehouse.TypeInt},
	})

	want := `CREATE TABLE IF NOT EXISTS "forms"."123__releve" ("form_id" TEXT NOT NULL, "answer_time" TIMESTAMPTZ, "count" BIGINT);`
	if sql != want {
		t.Fatalf("got:\n%s\nwant:\n%s", sql, want)
	}
}

func TestBuildAlterSQLOrder(t *testing.T) {
	plan := warehouse.ChangeSet{
		Add: []warehouse.ColumnSpec{{Name: "fresh", Type: warehouse.TypeFloat}},
		Alter: []warehouse.ColumnChange{
			{Name: "val", NewType: warehouse.TypeString, ToString: true, DropRequired: true},
		},
	}
	stmts := buildAlterSQL("forms", "t", plan)
	if len(stmts) != 3 {
		t.Fatalf("statements = %#v", stmts)
	}
	if !strings.Contains(stmts[0], `DROP NOT NULL`) {
		t.Errorf("relax must come first: %s", stmts[0])
	}
	if !strings.Contains(stmts[1], `ALTER COLUMN "val" TYPE TEXT USING "val"::TEXT`) {
		t.Errorf("type change = %s", stmts[1])
	}
	if !strings.Contains(stmts[2], `ADD COLUMN IF NOT EXISTS "fresh" DOUBLE PRECISION`) {
		t.Errorf("add = %s", stmts[2])
	}
}

func TestBuildInsertSQL(t *testing.T) {
	rows := []warehouse.Row{
		{"a": "x", "b": int64(1)},
		{"a": "y"},
	}
	sql, args := buildInsertSQL("forms", "t", []string{"a", "b"}, rows)

	want := `INSERT INTO "forms"."t" ("a", "b") VALUES ($1, $2), ($3, $4);`
	if sql != want {
		t.Fatalf("sql = %s", sql)
	}
	if len(args) != 4 {
		t.Fatalf("args = %#v", args)
	}
	if args[0] != "x" || args[1] != int64(1) || args[2] != "y" || args[3] != nil {
		t.Fatalf("args = %#v", args)
	}
}

func TestBuildInsertSQLNormalizesComplexValues(t *testing.T) {
	rows := []warehouse.Row{
		{"vals": []any{"a", "b"}, "obj": map[string]any{"k": "v"}},
	}
	_, args := buildInsertSQL("forms", "t", []string{"obj", "vals"}, rows)
	if args[0] != `{"k":"v"}` {
		t.Errorf("object arg = %#v", args[0])
	}
	if args[1] != "a,b" {
		t.Errorf("array arg = %#v", args[1])
	}
}

func TestBuildDedupDeleteSQL(t *testing.T) {
	sql := buildDedupDeleteSQL("forms", warehouse.DedupSpec{
		TableID:       "123__releve",
		PartitionKeys: []string{"form_unique_id"},
		OrderBy:       []string{"update_time DESC", "ingested_at DESC"},
	})

	for _, want := range []string{
		`DELETE FROM "forms"."123__releve" WHERE ctid IN`,
		`PARTITION BY "form_unique_id"`,
		`ORDER BY update_time DESC, ingested_at DESC`,
		`"form_unique_id" IS NOT NULL`,
		`d.rn > 1`,
	} {
		if !strings.Contains(sql, want) {
			t.Errorf("missing %q in:\n%s", want, sql)
		}
	}
}

func TestUnionColumnsSortedAndComplete(t *testing.T) {
	rows := []warehouse.Row{
		{"b": 1, "a": 2},
		{"c": 3},
	}
	got := unionColumns(rows)
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("got %v", got)
	}
}

func TestNormalizeValuePassThrough(t *testing.T) {
	ts := time.Now()
	for _, v := range []any{nil, "s", true, int64(1), 1.5, ts} {
		if got := normalizeValue(v); got != v {
			t.Errorf("normalizeValue(%#v) = %#v", v, got)
		}
	}
}

func TestPGTypeRoundTrip(t *testing.T) {
	for _, ft := range []warehouse.FieldType{
		warehouse.TypeString, warehouse.TypeInt, warehouse.TypeFloat,
		warehouse.TypeBool, warehouse.TypeDate, warehouse.TypeTime, warehouse.TypeTimestamp,
	} {
		ddl := toPGType(warehouse.ColumnSpec{Type: ft})
		back := fromPGType(ddl)
		if back.Type != ft {
			t.Errorf("%s -> %s -> %s", ft, ddl, back.Type)
		}
	}
}

func TestPGIdentEscapes(t *testing.T) {
	if got := pgIdent(`we"ird`); got != `"we""ird"` {
		t.Fatalf("got %s", got)
	}
}
