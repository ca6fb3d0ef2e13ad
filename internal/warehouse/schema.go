// Schema types shared by the gateway backends and the flattening layer.
// They live here so backends and the mapper can both import them without
// circular deps.
package warehouse

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// FieldType is the canonical (BigQuery-flavored) column type vocabulary.
// SQL backends translate these to their own DDL types.
type FieldType string

const (
	TypeString    FieldType = "STRING"
	TypeInt       FieldType = "INT64"
	TypeFloat     FieldType = "FLOAT64"
	TypeBool      FieldType = "BOOL"
	TypeDate      FieldType = "DATE"
	TypeTime      FieldType = "TIME"
	TypeTimestamp FieldType = "TIMESTAMP"
)

// ColumnSpec describes one warehouse column.
type ColumnSpec struct {
	Name     string
	Type     FieldType
	Repeated bool
	Required bool
}

// Base schemas for the four table families. Dynamic columns are reconciled
// on top of these by EnsureColumns.

// RawTableColumns is the raw-JSON audit table: one row per fetched record.
func RawTableColumns() []ColumnSpec {
	return []ColumnSpec{
		{Name: "form_id", Type: TypeString, Required: true},
		{Name: "data_id", Type: TypeString, Required: true},
		{Name: "update_time", Type: TypeTimestamp},
		{Name: "ingested_at", Type: TypeTimestamp, Required: true},
		{Name: "payload", Type: TypeString},
	}
}

// ParentBaseColumns are the columns every parent table starts with.
func ParentBaseColumns() []ColumnSpec {
	return []ColumnSpec{
		{Name: "form_id", Type: TypeString, Required: true},
		{Name: "data_id", Type: TypeString, Required: true},
		{Name: "form_unique_id", Type: TypeString},
		{Name: "user_id", Type: TypeString},
		{Name: "user_name", Type: TypeString},
		{Name: "answer_time", Type: TypeTimestamp},
		{Name: "answer_time_cet", Type: TypeString},
		{Name: "update_time", Type: TypeTimestamp},
		{Name: "update_time_cet", Type: TypeString},
		{Name: "origin_answer", Type: TypeString},
		{Name: "ingested_at", Type: TypeTimestamp},
	}
}

// SubTableBaseColumns are the tag columns every sub-table row carries.
// Child fields are all serialized to STRING by the mapper.
func SubTableBaseColumns() []ColumnSpec {
	return []ColumnSpec{
		{Name: "parent_data_id", Type: TypeString, Required: true},
		{Name: "parent_form_unique_id", Type: TypeString},
		{Name: "sub_row_index", Type: TypeInt, Required: true},
		{Name: "parent_answer_time", Type: TypeTimestamp},
		{Name: "parent_update_time", Type: TypeTimestamp},
	}
}

// MediaTableColumns is the media-asset table, keyed (form_id, data_id, file_id).
func MediaTableColumns() []ColumnSpec {
	return []ColumnSpec{
		{Name: "form_id", Type: TypeString, Required: true},
		{Name: "data_id", Type: TypeString, Required: true},
		{Name: "field_slug", Type: TypeString},
		{Name: "file_id", Type: TypeString, Required: true},
		{Name: "file_name", Type: TypeString},
		{Name: "raw_url", Type: TypeString},
		{Name: "public_url", Type: TypeString},
		{Name: "ingested_at", Type: TypeTimestamp},
	}
}

// ColumnsForKind returns the base schema for a table kind.
func ColumnsForKind(kind TableKind) []ColumnSpec {
	switch kind {
	case TableRaw:
		return RawTableColumns()
	case TableParent:
		return ParentBaseColumns()
	case TableSub:
		return SubTableBaseColumns()
	case TableMedia:
		return MediaTableColumns()
	default:
		return nil
	}
}

/* ---- schema reconciliation (pure) ---- */

// ColumnChange is one planned mutation of an existing column.
type ColumnChange struct {
	Name    string
	NewType FieldType
	// DropRequired relaxes a REQUIRED column to NULLABLE. Always applied
	// before a type change on backends that distinguish the two steps.
	DropRequired bool
	// ToString marks the subset of changes that widen to STRING; row values
	// headed for these columns must be stringified before insert.
	ToString bool
}

// ChangeSet is the full reconciliation plan for one EnsureColumns call.
type ChangeSet struct {
	Add   []ColumnSpec
	Alter []ColumnChange
}

// Empty reports whether the plan contains no work.
func (c ChangeSet) Empty() bool { return len(c.Add) == 0 && len(c.Alter) == 0 }

// PlanColumnChanges compares incoming columns against the existing schema and
// returns the mutations needed before the rows can be inserted.
//
// Rules, in order:
//   - unknown column -> Add (always NULLABLE; dynamic columns are never
//     REQUIRED because absent fields must insert as NULL)
//   - same type, same mode -> nothing
//   - numeric widening (INT64 -> FLOAT64) -> Alter to FLOAT64
//   - any other conflict -> Alter to STRING (relaxing REQUIRED first when
//     the existing column is REQUIRED)
//   - scalar vs repeated conflict -> Alter to scalar STRING; array values
//     are comma-joined before insert, the column mode never changes
//
// The plan is deterministic: output is sorted by column name.
func PlanColumnChanges(existing, incoming []ColumnSpec) ChangeSet {
	byName := make(map[string]ColumnSpec, len(existing))
	for _, c := range existing {
		byName[strings.ToLower(c.Name)] = c
	}

	var plan ChangeSet
	seen := make(map[string]bool, len(incoming))

	for _, in := range incoming {
		key := strings.ToLower(in.Name)
		if seen[key] {
			continue
		}
		seen[key] = true

		cur, ok := byName[key]
		if !ok {
			add := in
			add.Required = false
			plan.Add = append(plan.Add, add)
			continue
		}

		if cur.Type == in.Type && cur.Repeated == in.Repeated {
			continue
		}

		change := ColumnChange{Name: cur.Name, DropRequired: cur.Required}
		modeConflict := cur.Repeated != in.Repeated

		switch {
		case modeConflict:
			change.NewType = TypeString
			change.ToString = true
		case widensToFloat(cur.Type, in.Type):
			change.NewType = TypeFloat
		default:
			change.NewType = TypeString
			change.ToString = true
		}

		// Already at the target type: only the mode relax remains relevant.
		// A scalar/repeated conflict is kept even on a STRING column, so
		// the comma-join coercion still runs before insert.
		if change.NewType == cur.Type && !modeConflict {
			if !change.DropRequired {
				continue
			}
			change.ToString = false
		}

		plan.Alter = append(plan.Alter, change)
	}

	sort.Slice(plan.Add, func(i, j int) bool { return plan.Add[i].Name < plan.Add[j].Name })
	sort.Slice(plan.Alter, func(i, j int) bool { return plan.Alter[i].Name < plan.Alter[j].Name })
	return plan
}

// widensToFloat reports whether the (existing, incoming) pair is the numeric
// widening case, in either direction of arrival.
func widensToFloat(a, b FieldType) bool {
	return (a == TypeInt && b == TypeFloat) || (a == TypeFloat && b == TypeInt)
}

// Result converts a ChangeSet into the EnsureResult surface reported to
// callers.
func (c ChangeSet) Result() EnsureResult {
	var r EnsureResult
	for _, a := range c.Add {
		r.Added = append(r.Added, a.Name)
	}
	for _, ch := range c.Alter {
		if ch.DropRequired {
			r.DroppedNotNull = append(r.DroppedNotNull, ch.Name)
		}
		if ch.ToString {
			r.ConvertedToString = append(r.ConvertedToString, ch.Name)
		} else {
			r.Altered = append(r.Altered, ch.Name)
		}
	}
	return r
}

// StringifyValue renders any value as its STRING-column representation:
// arrays comma-joined, objects JSON-encoded, times ISO-8601 UTC.
// Used when a column was widened to STRING in the same call, so the row
// being inserted stays consistent with the new schema.
func StringifyValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return t
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case []string:
		return strings.Join(t, ",")
	case []any:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := StringifyValue(e).(string); ok {
				parts = append(parts, s)
			} else {
				parts = append(parts, fmt.Sprint(e))
			}
		}
		return strings.Join(parts, ",")
	case map[string]any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64, float32, int, int64, int32, json.Number:
		return fmt.Sprint(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

// CoerceRowsToString rewrites, in place, the named columns of every row to
// their STRING representation. Callers use it with
// EnsureResult.ConvertedToString so rows inserted right after a widening stay
// consistent with the new schema.
func CoerceRowsToString(rows []Row, names []string) {
	if len(rows) == 0 || len(names) == 0 {
		return
	}
	for _, row := range rows {
		for _, name := range names {
			if v, ok := row[name]; ok && v != nil {
				row[name] = StringifyValue(v)
			}
		}
	}
}

// CoerceRowsForChanges rewrites, in place, every row value headed for a
// column that the plan widened to STRING.
func CoerceRowsForChanges(rows []Row, plan ChangeSet) {
	if len(rows) == 0 || len(plan.Alter) == 0 {
		return
	}
	toString := make(map[string]bool, len(plan.Alter))
	for _, ch := range plan.Alter {
		if ch.ToString {
			toString[ch.Name] = true
		}
	}
	if len(toString) == 0 {
		return
	}
	for _, row := range rows {
		for name := range toString {
			if v, ok := row[name]; ok && v != nil {
				row[name] = StringifyValue(v)
			}
		}
	}
}
