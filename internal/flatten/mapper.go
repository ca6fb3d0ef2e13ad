package flatten

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"formetl/internal/warehouse"
)

// localZone is the fixed rendering zone for the *_cet companion columns.
// If the zone database is unavailable we fall back to a fixed UTC+1.
var localZone = loadLocalZone()

func loadLocalZone() *time.Location {
	loc, err := time.LoadLocation("Europe/Paris")
	if err != nil {
		return time.FixedZone("CET", 3600)
	}
	return loc
}

// Mapper flattens records into parent rows, sub-table batches and media
// references. It is stateful only for field-dictionary deduplication: one
// Mapper per run logs each (tableID, slug) at most once, no matter how many
// records observe the column.
type Mapper struct {
	now      func() time.Time
	seenDict map[string]struct{}
}

// NewMapper builds a Mapper for one pipeline run.
func NewMapper() *Mapper {
	return &Mapper{now: time.Now, seenDict: make(map[string]struct{})}
}

// PrepareParentRow flattens one record.
//
// The output is deterministic: fields are processed in sorted name order so
// collision suffixes and column sets are identical across invocations for
// the same record (maps have no stable iteration order).
func (m *Mapper) PrepareParentRow(form FormContext, rec *Record) (*ParentResult, error) {
	if rec == nil {
		return nil, fmt.Errorf("flatten: nil record")
	}
	if rec.ID == "" {
		return nil, fmt.Errorf("flatten: record without id")
	}

	res := &ParentResult{Row: make(warehouse.Row, len(rec.Fields)+12)}

	used := make(map[string]bool, len(rec.Fields)+12)
	for _, c := range warehouse.ParentBaseColumns() {
		used[c.Name] = true
	}

	m.fillBaseColumns(res.Row, form, rec)

	names := make([]string, 0, len(rec.Fields))
	for name := range rec.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		fv := rec.Fields[name]

		if fv.Kind == KindRepeating {
			m.mapSubform(form, rec, name, fv, used, res)
			continue
		}

		cols, values, media := m.convertFieldValue(name, fv, used)
		for _, c := range cols {
			res.Columns = append(res.Columns, c)
			res.Row[c.Name] = values[c.Name]
			m.logDictionary(res, form.TableID, c, name, fv.Type)
		}
		res.Media = append(res.Media, media...)
	}

	return res, nil
}

// fillBaseColumns writes the fixed identity/timestamp columns.
func (m *Mapper) fillBaseColumns(row warehouse.Row, form FormContext, rec *Record) {
	row["form_id"] = form.FormID
	row["data_id"] = rec.ID
	row["form_unique_id"] = nilIfEmpty(rec.FormUniqueID)
	row["user_id"] = nilIfEmpty(rec.UserID)
	row["user_name"] = nilIfEmpty(rec.UserName)
	row["origin_answer"] = nilIfEmpty(rec.OriginAnswer)
	row["ingested_at"] = m.now().UTC()

	row["answer_time"], row["answer_time_cet"] = timestampPair(rec.AnswerTime)
	row["update_time"], row["update_time_cet"] = timestampPair(rec.UpdateTime)
}

// mapSubform extracts a repeating group into a sub-table batch and adds the
// table-reference + row-count columns to the parent row.
func (m *Mapper) mapSubform(form FormContext, rec *Record, name string, fv FieldValue, used map[string]bool, res *ParentResult) {
	slug := Slugify(name)
	tableID := SubTableID(form.TableID, name)

	refCol := EnsureUniqueName("table_"+slug, used)
	countCol := EnsureUniqueName("table_"+slug+"_row_count", used)

	res.Columns = append(res.Columns,
		warehouse.ColumnSpec{Name: refCol, Type: warehouse.TypeString},
		warehouse.ColumnSpec{Name: countCol, Type: warehouse.TypeInt},
	)
	m.logDictionary(res, form.TableID, warehouse.ColumnSpec{Name: refCol, Type: warehouse.TypeString}, name, fv.Type)
	m.logDictionary(res, form.TableID, warehouse.ColumnSpec{Name: countCol, Type: warehouse.TypeInt}, name, fv.Type)

	if len(fv.Rows) == 0 {
		res.Row[refCol] = nil
		res.Row[countCol] = 0
		return
	}
	res.Row[refCol] = tableID
	res.Row[countCol] = len(fv.Rows)

	batch := SubTableBatch{TableID: tableID, GroupField: name}

	// Deterministic child column order: sorted union of keys across rows.
	keySet := map[string]bool{}
	for _, r := range fv.Rows {
		for k := range r {
			keySet[k] = true
		}
	}
	keys := make([]string, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	subUsed := make(map[string]bool, len(keys)+8)
	for _, c := range warehouse.SubTableBaseColumns() {
		subUsed[c.Name] = true
	}
	colByKey := make(map[string]string, len(keys))
	for _, k := range keys {
		col := EnsureUniqueName(Slugify(k), subUsed)
		colByKey[k] = col
		spec := warehouse.ColumnSpec{Name: col, Type: warehouse.TypeString}
		batch.Columns = append(batch.Columns, spec)
		m.logDictionary(res, tableID, spec, k, "subform_field")
	}

	answerTime, _ := timestampPair(rec.AnswerTime)
	updateTime, _ := timestampPair(rec.UpdateTime)

	for i, r := range fv.Rows {
		row := warehouse.Row{
			"parent_data_id":        rec.ID,
			"parent_form_unique_id": nilIfEmpty(rec.FormUniqueID),
			"sub_row_index":         i,
			"parent_answer_time":    answerTime,
			"parent_update_time":    updateTime,
		}
		for k, col := range colByKey {
			v, ok := r[k]
			if !ok || v == nil {
				row[col] = nil
				continue
			}
			// Child cells all land as STRING: arrays joined, objects JSON.
			row[col] = warehouse.StringifyValue(v)
		}
		batch.Rows = append(batch.Rows, row)
	}

	res.Subforms = append(res.Subforms, batch)
}

// mediaFieldTypes are the declared types whose values name stored assets.
var mediaFieldTypes = map[string]bool{
	"photo":     true,
	"signature": true,
}

// convertFieldValue maps one scalar field to its dynamic column(s) and
// values. Parse failures yield nil values, never errors: one bad field must
// not fail the whole row.
func (m *Mapper) convertFieldValue(name string, fv FieldValue, used map[string]bool) (cols []warehouse.ColumnSpec, values map[string]any, media []MediaRef) {
	declared := strings.ToLower(strings.TrimSpace(fv.Type))
	slug := Slugify(name)
	if slug == "" {
		slug = "field"
	}
	col := EnsureUniqueName(slug, used)
	values = make(map[string]any, 2)

	if mediaFieldTypes[declared] {
		names := mediaNames(fv.Value)
		for _, n := range names {
			media = append(media, MediaRef{FieldSlug: col, FileName: n})
		}
		cols = append(cols, warehouse.ColumnSpec{Name: col, Type: warehouse.TypeString})
		values[col] = nilIfEmpty(strings.Join(names, ","))
		return cols, values, media
	}

	if arr, ok := fv.Value.([]any); ok {
		cols = m.convertArrayField(declared, col, arr, used)
		elems, cet := convertArrayValues(declared, arr)
		values[cols[0].Name] = elems
		if len(cols) == 2 {
			values[cols[1].Name] = cet
		}
		return cols, values, nil
	}

	switch normalizeDeclaredType(declared) {
	case warehouse.TypeFloat:
		cols = append(cols, warehouse.ColumnSpec{Name: col, Type: warehouse.TypeFloat})
		values[col] = parseFloatValue(fv.Value)
	case warehouse.TypeInt:
		cols = append(cols, warehouse.ColumnSpec{Name: col, Type: warehouse.TypeInt})
		values[col] = parseIntValue(fv.Value)
	case warehouse.TypeBool:
		cols = append(cols, warehouse.ColumnSpec{Name: col, Type: warehouse.TypeBool})
		values[col] = parseBoolValue(fv.Value)
	case warehouse.TypeDate:
		cols = append(cols, warehouse.ColumnSpec{Name: col, Type: warehouse.TypeDate})
		values[col] = parseDateValue(fv.Value)
	case warehouse.TypeTime:
		cols = append(cols, warehouse.ColumnSpec{Name: col, Type: warehouse.TypeTime})
		values[col] = parseTimeValue(fv.Value)
	case warehouse.TypeTimestamp:
		// Both columns always written together, even when the parse fails.
		cetCol := EnsureUniqueName(col+"_cet", used)
		cols = append(cols,
			warehouse.ColumnSpec{Name: col, Type: warehouse.TypeTimestamp},
			warehouse.ColumnSpec{Name: cetCol, Type: warehouse.TypeString},
		)
		ts, cet := timestampPair(stringValue(fv.Value))
		values[col] = ts
		values[cetCol] = cet
	default:
		cols = append(cols, warehouse.ColumnSpec{Name: col, Type: warehouse.TypeString})
		values[col] = stringColumnValue(fv.Value)
	}
	return cols, values, nil
}

// convertArrayField builds the repeated column spec(s) for an array value.
// Arrays of timestamps also get an array-valued local-time companion.
func (m *Mapper) convertArrayField(declared, col string, arr []any, used map[string]bool) []warehouse.ColumnSpec {
	elemType := normalizeDeclaredType(declared)
	switch elemType {
	case warehouse.TypeTimestamp:
		cetCol := EnsureUniqueName(col+"_cet", used)
		return []warehouse.ColumnSpec{
			{Name: col, Type: warehouse.TypeTimestamp, Repeated: true},
			{Name: cetCol, Type: warehouse.TypeString, Repeated: true},
		}
	case warehouse.TypeFloat, warehouse.TypeInt, warehouse.TypeBool, warehouse.TypeDate, warehouse.TypeTime:
		return []warehouse.ColumnSpec{{Name: col, Type: elemType, Repeated: true}}
	default:
		return []warehouse.ColumnSpec{{Name: col, Type: warehouse.TypeString, Repeated: true}}
	}
}

// convertArrayValues converts each array element with the scalar rules.
// The second return value is the local-time companion array, non-nil only
// for timestamp elements.
func convertArrayValues(declared string, arr []any) ([]any, []any) {
	elemType := normalizeDeclaredType(declared)

	out := make([]any, 0, len(arr))
	var cet []any
	for _, el := range arr {
		switch elemType {
		case warehouse.TypeFloat:
			out = append(out, parseFloatValue(el))
		case warehouse.TypeInt:
			out = append(out, parseIntValue(el))
		case warehouse.TypeBool:
			out = append(out, parseBoolValue(el))
		case warehouse.TypeDate:
			out = append(out, parseDateValue(el))
		case warehouse.TypeTime:
			out = append(out, parseTimeValue(el))
		case warehouse.TypeTimestamp:
			ts, c := timestampPair(stringValue(el))
			out = append(out, ts)
			cet = append(cet, c)
		default:
			out = append(out, stringColumnValue(el))
		}
	}
	return out, cet
}

// logDictionary appends an audit entry the first time a (tableID, slug) pair
// is observed by this mapper.
func (m *Mapper) logDictionary(res *ParentResult, tableID string, col warehouse.ColumnSpec, label, sourceType string) {
	key := tableID + "\x00" + col.Name
	if _, seen := m.seenDict[key]; seen {
		return
	}
	m.seenDict[key] = struct{}{}

	mode := "NULLABLE"
	if col.Repeated {
		mode = "REPEATED"
	}
	res.Dictionary = append(res.Dictionary, DictionaryEntry{
		TableID:    tableID,
		FieldSlug:  col.Name,
		Label:      label,
		Type:       col.Type,
		Mode:       mode,
		SourceType: sourceType,
		LastSeenAt: m.now().UTC(),
	})
}

/* ---- scalar conversions ---- */

// normalizeDeclaredType maps the API's declared field types to column types.
// Unknown types fall through to STRING.
func normalizeDeclaredType(declared string) warehouse.FieldType {
	switch declared {
	case "number", "numeric", "float", "decimal", "double":
		return warehouse.TypeFloat
	case "integer", "int", "counter", "slider":
		return warehouse.TypeInt
	case "boolean", "bool", "yesno", "checkbox":
		return warehouse.TypeBool
	case "date":
		return warehouse.TypeDate
	case "time":
		return warehouse.TypeTime
	case "datetime", "timestamp":
		return warehouse.TypeTimestamp
	default:
		return warehouse.TypeString
	}
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func stringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// stringColumnValue renders unrecognized values for a STRING column:
// plain strings pass through, objects/arrays become JSON.
func stringColumnValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return nilIfEmpty(t)
	case float64, bool, json.Number:
		return fmt.Sprint(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

// parseFloatValue tolerates decimal commas ("18,7"). Failures yield nil.
func parseFloatValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case float64:
		return t
	case int:
		return float64(t)
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return nil
	case string:
		s := strings.TrimSpace(strings.ReplaceAll(t, ",", "."))
		if s == "" {
			return nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
		return nil
	default:
		return nil
	}
}

func parseIntValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case float64:
		return int64(t)
	case int:
		return int64(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		return nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil
		}
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i
		}
		// "3.0" style integers delivered as decimals.
		if f, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64); err == nil && f == float64(int64(f)) {
			return int64(f)
		}
		return nil
	default:
		return nil
	}
}

// parseBoolValue: true/yes/1/on -> true, false/no/0/off -> false, else nil.
func parseBoolValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case bool:
		return t
	case float64:
		if t == 1 {
			return true
		}
		if t == 0 {
			return false
		}
		return nil
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "yes", "1", "on", "oui":
			return true
		case "false", "no", "0", "off", "non":
			return false
		default:
			return nil
		}
	default:
		return nil
	}
}

var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// parseTimestamp tries the layouts the API exhibits, interpreting naive
// timestamps as UTC.
func parseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// timestampPair returns the UTC instant and its fixed local-zone rendering.
// Both are nil when the input does not parse; they are always set together.
func timestampPair(s string) (any, any) {
	t, ok := parseTimestamp(s)
	if !ok {
		return nil, nil
	}
	return t.UTC(), t.In(localZone).Format("2006-01-02 15:04:05")
}

// parseDateValue yields the UTC calendar-day string "YYYY-MM-DD".
func parseDateValue(v any) any {
	s := strings.TrimSpace(stringValue(v))
	if s == "" {
		return nil
	}
	if t, ok := parseTimestamp(s); ok {
		return t.UTC().Format("2006-01-02")
	}
	return nil
}

// parseTimeValue yields "HH:MM:SS", tolerating missing seconds.
func parseTimeValue(v any) any {
	s := strings.TrimSpace(stringValue(v))
	if s == "" {
		return nil
	}
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("15:04:05")
		}
	}
	return nil
}

// mediaNames splits a media field value into individual asset names.
func mediaNames(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		var out []string
		for _, part := range strings.Split(t, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		return out
	case []any:
		var out []string
		for _, el := range t {
			if s := strings.TrimSpace(stringValue(el)); s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
