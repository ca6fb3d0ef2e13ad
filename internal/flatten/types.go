package flatten

import (
	"time"

	"formetl/internal/warehouse"
)

// FieldKind tags the two shapes a form field resolves to.
type FieldKind int

const (
	// KindScalar is a single-valued (or array-valued) field.
	KindScalar FieldKind = iota
	// KindRepeating is a repeating group (subform) extracted to a sub-table.
	KindRepeating
)

// RawField is a still-unresolved field as handed over by the API layer:
// declared type plus arbitrarily-shaped value.
type RawField struct {
	Type  string
	Value any
}

// FieldValue is the resolved tagged union. Resolution happens exactly once,
// at the ingestion boundary (ResolveFields); the rest of the pipeline never
// sees untyped maps.
type FieldValue struct {
	Kind FieldKind
	// Type is the declared API field type (informational for scalars,
	// recorded in the field dictionary).
	Type string
	// Value carries the scalar payload when Kind==KindScalar.
	Value any
	// Rows carries the normalized repeating-group rows when Kind==KindRepeating.
	Rows []map[string]any
}

// ResolveFields classifies every raw field into the tagged union using the
// dual subform check (declared type OR normalization yields rows).
func ResolveFields(raw map[string]RawField) map[string]FieldValue {
	out := make(map[string]FieldValue, len(raw))
	for name, f := range raw {
		if IsSubformField(f.Type, f.Value) {
			out[name] = FieldValue{Kind: KindRepeating, Type: f.Type, Rows: NormalizeRows(f.Value)}
			continue
		}
		out[name] = FieldValue{Kind: KindScalar, Type: f.Type, Value: f.Value}
	}
	return out
}

// Record is one form submission after boundary resolution.
type Record struct {
	ID           string
	FormID       string
	FormUniqueID string
	UserID       string
	UserName     string
	AnswerTime   string
	UpdateTime   string
	OriginAnswer string
	Fields       map[string]FieldValue
}

// FormContext carries the identifiers the mapper needs about the form a
// record belongs to.
type FormContext struct {
	FormID   string
	FormName string
	// TableID is the parent table identifier (see ComputeTableName).
	TableID string
}

// MediaRef is a media asset discovered while flattening; the coordinator
// resolves it through the media capability before building the media row.
type MediaRef struct {
	FieldSlug string
	FileName  string
}

// SubTableBatch is one repeating group's rows, ready for its sub-table.
type SubTableBatch struct {
	TableID    string
	GroupField string
	// Columns are the dynamic child columns (all STRING); tag columns come
	// from warehouse.SubTableBaseColumns.
	Columns []warehouse.ColumnSpec
	Rows    []warehouse.Row
}

// DictionaryEntry is the append-only audit record of a materialized column.
type DictionaryEntry struct {
	TableID    string
	FieldSlug  string
	Label      string
	Type       warehouse.FieldType
	Mode       string
	SourceType string
	LastSeenAt time.Time
}

// ParentResult is everything PrepareParentRow derives from one record.
type ParentResult struct {
	Row warehouse.Row
	// Columns are the dynamic columns only; base columns are implied.
	Columns    []warehouse.ColumnSpec
	Subforms   []SubTableBatch
	Media      []MediaRef
	Dictionary []DictionaryEntry
}
