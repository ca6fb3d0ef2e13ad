package warehouse

import (
	"reflect"
	"testing"
	"time"
)

func TestPlanColumnChangesAddsUnknownAsNullable(t *testing.T) {
	existing := []ColumnSpec{{Name: "form_id", Type: TypeString, Required: true}}
	incoming := []ColumnSpec{{Name: "temperature", Type: TypeFloat, Required: true}}

	plan := PlanColumnChanges(existing, incoming)
	if len(plan.Alter) != 0 {
		t.Fatalf("unexpected alters: %#v", plan.Alter)
	}
	if len(plan.Add) != 1 {
		t.Fatalf("adds = %#v", plan.Add)
	}
	if plan.Add[0].Name != "temperature" || plan.Add[0].Required {
		t.Fatalf("added column must be NULLABLE: %#v", plan.Add[0])
	}
}

func TestPlanColumnChangesNoopOnMatch(t *testing.T) {
	cols := []ColumnSpec{
		{Name: "a", Type: TypeString},
		{Name: "b", Type: TypeInt},
	}
	if plan := PlanColumnChanges(cols, cols); !plan.Empty() {
		t.Fatalf("matching schemas produced work: %#v", plan)
	}
}

func TestPlanColumnChangesCaseInsensitiveMatch(t *testing.T) {
	existing := []ColumnSpec{{Name: "Temperature", Type: TypeFloat}}
	incoming := []ColumnSpec{{Name: "temperature", Type: TypeFloat}}
	if plan := PlanColumnChanges(existing, incoming); !plan.Empty() {
		t.Fatalf("case-only difference produced work: %#v", plan)
	}
}

func TestPlanColumnChangesNumericWidening(t *testing.T) {
	existing := []ColumnSpec{{Name: "count", Type: TypeInt}}
	incoming := []ColumnSpec{{Name: "count", Type: TypeFloat}}

	plan := PlanColumnChanges(existing, incoming)
	if len(plan.Alter) != 1 {
		t.Fatalf("plan = %#v", plan)
	}
	ch := plan.Alter[0]
	if ch.NewType != TypeFloat || ch.ToString {
		t.Fatalf("widening change = %#v", ch)
	}
}

func TestPlanColumnChangesConflictWidensToString(t *testing.T) {
	existing := []ColumnSpec{{Name: "val", Type: TypeInt, Required: true}}
	incoming := []ColumnSpec{{Name: "val", Type: TypeBool}}

	plan := PlanColumnChanges(existing, incoming)
	if len(plan.Alter) != 1 {
		t.Fatalf("plan = %#v", plan)
	}
	ch := plan.Alter[0]
	if ch.NewType != TypeString || !ch.ToString || !ch.DropRequired {
		t.Fatalf("conflict change = %#v", ch)
	}
}

func TestPlanColumnChangesRepeatedConflict(t *testing.T) {
	existing := []ColumnSpec{{Name: "vals", Type: TypeFloat}}
	incoming := []ColumnSpec{{Name: "vals", Type: TypeFloat, Repeated: true}}

	plan := PlanColumnChanges(existing, incoming)
	if len(plan.Alter) != 1 {
		t.Fatalf("plan = %#v", plan)
	}
	ch := plan.Alter[0]
	if ch.NewType != TypeString || !ch.ToString {
		t.Fatalf("repeated conflict = %#v", ch)
	}
}

// A column that already holds scalar STRING must stay scalar when the same
// field later arrives as an array: the values are comma-joined, the column
// mode is never widened to repeated.
func TestPlanColumnChangesRepeatedConflictKeepsScalarString(t *testing.T) {
	existing := []ColumnSpec{{Name: "tags", Type: TypeString}}
	incoming := []ColumnSpec{{Name: "tags", Type: TypeString, Repeated: true}}

	plan := PlanColumnChanges(existing, incoming)
	if len(plan.Add) != 0 || len(plan.Alter) != 1 {
		t.Fatalf("plan = %#v", plan)
	}
	ch := plan.Alter[0]
	if ch.NewType != TypeString || !ch.ToString {
		t.Fatalf("conflict change = %#v", ch)
	}

	r := plan.Result()
	if !reflect.DeepEqual(r.ConvertedToString, []string{"tags"}) {
		t.Fatalf("ConvertedToString = %v", r.ConvertedToString)
	}

	rows := []Row{{"tags": []any{"a", "b"}}}
	CoerceRowsForChanges(rows, plan)
	if rows[0]["tags"] != "a,b" {
		t.Fatalf("array not joined for scalar column: %#v", rows[0]["tags"])
	}
}

func TestPlanColumnChangesDeterministicOrder(t *testing.T) {
	existing := []ColumnSpec{{Name: "z", Type: TypeInt}}
	incoming := []ColumnSpec{
		{Name: "c", Type: TypeString},
		{Name: "a", Type: TypeString},
		{Name: "z", Type: TypeBool},
		{Name: "b", Type: TypeString},
	}
	plan := PlanColumnChanges(existing, incoming)
	var added []string
	for _, a := range plan.Add {
		added = append(added, a.Name)
	}
	if !reflect.DeepEqual(added, []string{"a", "b", "c"}) {
		t.Fatalf("add order = %v", added)
	}
}

func TestPlanColumnChangesDuplicateIncomingProcessedOnce(t *testing.T) {
	incoming := []ColumnSpec{
		{Name: "x", Type: TypeString},
		{Name: "X", Type: TypeInt},
	}
	plan := PlanColumnChanges(nil, incoming)
	if len(plan.Add) != 1 || plan.Add[0].Type != TypeString {
		t.Fatalf("first occurrence must win: %#v", plan.Add)
	}
}

func TestStringifyValue(t *testing.T) {
	ts := time.Date(2026, 2, 28, 9, 0, 0, 0, time.UTC)
	cases := []struct {
		in   any
		want any
	}{
		{nil, nil},
		{"s", "s"},
		{[]any{"a", "b"}, "a,b"},
		{[]any{float64(1), float64(2)}, "1,2"},
		{map[string]any{"k": "v"}, `{"k":"v"}`},
		{true, "true"},
		{float64(18.5), "18.5"},
		{int64(7), "7"},
		{ts, "2026-02-28T09:00:00Z"},
	}
	for _, c := range cases {
		if got := StringifyValue(c.in); got != c.want {
			t.Errorf("StringifyValue(%#v) = %#v, want %#v", c.in, got, c.want)
		}
	}
}

func TestCoerceRowsForChanges(t *testing.T) {
	rows := []Row{
		{"val": []any{"a", "b"}, "other": int64(1)},
		{"val": map[string]any{"k": "v"}},
		{"val": nil},
	}
	plan := ChangeSet{Alter: []ColumnChange{{Name: "val", NewType: TypeString, ToString: true}}}

	CoerceRowsForChanges(rows, plan)

	if rows[0]["val"] != "a,b" {
		t.Errorf("array not joined: %#v", rows[0]["val"])
	}
	if rows[0]["other"] != int64(1) {
		t.Errorf("untouched column rewritten: %#v", rows[0]["other"])
	}
	if rows[1]["val"] != `{"k":"v"}` {
		t.Errorf("object not JSON-encoded: %#v", rows[1]["val"])
	}
	if rows[2]["val"] != nil {
		t.Errorf("nil value rewritten: %#v", rows[2]["val"])
	}
}

func TestChangeSetResult(t *testing.T) {
	plan := ChangeSet{
		Add: []ColumnSpec{{Name: "new_col", Type: TypeString}},
		Alter: []ColumnChange{
			{Name: "widened", NewType: TypeFloat},
			{Name: "stringed", NewType: TypeString, ToString: true, DropRequired: true},
		},
	}
	r := plan.Result()
	if !r.Changed() {
		t.Fatal("Changed() = false")
	}
	if !reflect.DeepEqual(r.Added, []string{"new_col"}) {
		t.Errorf("Added = %v", r.Added)
	}
	if !reflect.DeepEqual(r.Altered, []string{"widened"}) {
		t.Errorf("Altered = %v", r.Altered)
	}
	if !reflect.DeepEqual(r.ConvertedToString, []string{"stringed"}) {
		t.Errorf("ConvertedToString = %v", r.ConvertedToString)
	}
	if !reflect.DeepEqual(r.DroppedNotNull, []string{"stringed"}) {
		t.Errorf("DroppedNotNull = %v", r.DroppedNotNull)
	}
}
