package flatten

import (
	"encoding/json"
	"strings"
)

// subformTypeNames are the declared field types known to carry repeating
// groups. The API does not always declare them correctly, hence the dual
// check in IsSubformField.
var subformTypeNames = map[string]bool{
	"subform":  true,
	"sub_form": true,
	"table":    true,
	"tableau":  true,
	"list":     true,
	"fixlist":  false, // fixed choice lists are scalars
}

// NormalizeRows turns the heterogeneous shapes the API uses for
// repeating-group data into a flat list of row maps.
//
// Accepted shapes:
//   - []row
//   - []{ "fields": row }
//   - { "rows": [...] } or { "data": [...] }
//   - a JSON-encoded string of any of the above
//   - a single row-like object
//
// Cells of the form {"value": x, ...} are unwrapped to x.
//
// Unparsable strings and unrecognized shapes yield an empty list, never an
// error: a malformed repeating-group payload must not abort ingestion of the
// rest of the record.
func NormalizeRows(raw any) []map[string]any {
	switch v := raw.(type) {
	case nil:
		return nil

	case string:
		s := strings.TrimSpace(v)
		if s == "" || (s[0] != '[' && s[0] != '{') {
			return nil
		}
		var decoded any
		if err := json.Unmarshal([]byte(s), &decoded); err != nil {
			return nil
		}
		return NormalizeRows(decoded)

	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, el := range v {
			if row := normalizeRow(el); row != nil {
				out = append(out, row)
			}
		}
		return out

	case []map[string]any:
		out := make([]map[string]any, 0, len(v))
		for _, el := range v {
			if row := normalizeRow(el); row != nil {
				out = append(out, row)
			}
		}
		return out

	case map[string]any:
		if inner, ok := v["rows"]; ok {
			return NormalizeRows(inner)
		}
		if inner, ok := v["data"]; ok {
			return NormalizeRows(inner)
		}
		if row := normalizeRow(v); row != nil {
			return []map[string]any{row}
		}
		return nil

	default:
		return nil
	}
}

// normalizeRow flattens one row element: a {"fields": {...}} wrapper or a
// plain map. Each cell of the form {"value": x, ...} is unwrapped to x.
// Non-map elements are dropped.
func normalizeRow(el any) map[string]any {
	m, ok := el.(map[string]any)
	if !ok {
		return nil
	}
	if inner, ok := m["fields"].(map[string]any); ok {
		m = inner
	}

	out := make(map[string]any, len(m))
	for k, cell := range m {
		if wrapper, ok := cell.(map[string]any); ok {
			if v, has := wrapper["value"]; has {
				out[k] = v
				continue
			}
		}
		out[k] = cell
	}
	return out
}

// IsSubformField reports whether a field carries repeating-group data:
// either the declared type names a known repeating-group kind, or
// normalization of the value yields at least one row. The second check
// compensates for an API that does not always declare subform fields
// correctly.
func IsSubformField(declaredType string, value any) bool {
	t := strings.ToLower(strings.TrimSpace(declaredType))
	if subformTypeNames[t] {
		return true
	}
	switch v := value.(type) {
	case []any, []map[string]any:
		return len(NormalizeRows(value)) > 0
	case string:
		// A subform payload delivered as a JSON-encoded array.
		if s := strings.TrimSpace(v); s != "" && s[0] == '[' {
			return len(NormalizeRows(value)) > 0
		}
	case map[string]any:
		// Plain objects (geolocation, address blocks) are scalars; only
		// explicit row carriers count.
		_, hasRows := v["rows"]
		_, hasData := v["data"]
		if hasRows || hasData {
			return len(NormalizeRows(value)) > 0
		}
	}
	return false
}
