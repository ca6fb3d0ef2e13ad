// Package flatten turns decoded form submissions into warehouse rows:
// normalizing repeating-group payloads, deriving stable column names, and
// mapping field values to typed columns.
package flatten

import (
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// stripDiacritics decomposes to NFD and drops combining marks, so
// "journalières" becomes "journalieres".
var stripDiacritics = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Slugify derives a stable column/table name fragment: diacritics stripped,
// lower-cased, every run of non-alphanumerics collapsed to one underscore,
// leading/trailing underscores trimmed.
//
// Stability matters: the same logical field must slug to the same column on
// every run, or incremental schema evolution breaks.
func Slugify(s string) string {
	out, _, err := transform.String(stripDiacritics, s)
	if err != nil {
		out = s
	}
	out = strings.ToLower(out)

	var b strings.Builder
	b.Grow(len(out))
	lastUnderscore := false
	for _, r := range out {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore && b.Len() > 0 {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.TrimRight(b.String(), "_")
}

// EnsureUniqueName returns name if unused, else the first free numeric-suffix
// variant (name_1, name_2, ...). The chosen name is recorded in used, so
// collisions resolve deterministically in first-seen order.
func EnsureUniqueName(name string, used map[string]bool) string {
	if !used[name] {
		used[name] = true
		return name
	}
	for i := 1; ; i++ {
		candidate := name + "_" + strconv.Itoa(i)
		if !used[candidate] {
			used[candidate] = true
			return candidate
		}
	}
}

// ComputeTableName derives a form's parent table id: "<formID>__<alias>"
// where alias is the slug of the configured table-name candidate (with any
// existing "<formID>__" prefix removed first) or, when the candidate is
// empty, the slug of the form name.
func ComputeTableName(formID, formName, candidate string) string {
	alias := ExtractAliasPart(strings.TrimSpace(candidate), formID)
	if alias == "" {
		alias = formName
	}
	slug := Slugify(alias)
	if slug == "" {
		slug = "form"
	}
	return formID + "__" + slug
}

// ExtractAliasPart strips a "<formID>__" prefix from a configured table name,
// returning the alias part only. Names without the prefix pass through.
func ExtractAliasPart(name, formID string) string {
	name = strings.TrimSpace(name)
	prefix := formID + "__"
	if strings.HasPrefix(name, prefix) {
		return name[len(prefix):]
	}
	return name
}

// SubTableID derives the deterministic sub-table identifier for a repeating
// group field of a parent table.
func SubTableID(parentTableID, groupFieldName string) string {
	return parentTableID + "__" + Slugify(groupFieldName)
}
