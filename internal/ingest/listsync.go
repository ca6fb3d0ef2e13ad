package ingest

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"formetl/internal/kizeo"
)

// StatusIgnored is returned by list sync when the snapshot cannot drive an
// update. No network call is made in that case.
const StatusIgnored = "IGNORED"

// Snapshot carries the latest processed record's field values in header
// order, as list sync consumes them.
type Snapshot struct {
	Headers []string
	Values  []string
}

// Complete reports whether the snapshot can drive a list update.
func (s Snapshot) Complete() bool {
	return len(s.Headers) > 0 && len(s.Values) == len(s.Headers)
}

func (s Snapshot) value(name string) (string, bool) {
	for i, h := range s.Headers {
		if h == name {
			return s.Values[i], true
		}
	}
	return "", false
}

// ListAPI is the slice of the forms API list sync needs.
type ListAPI interface {
	Lists(ctx context.Context) ([]kizeo.ListSummary, error)
	ListDetail(ctx context.Context, listID string) (*kizeo.List, error)
	UpdateList(ctx context.Context, listID string, items []string) error
}

// ListSyncer reconciles external lookup lists against the latest processed
// record of a form.
//
// List names follow the "<label> || <formId>" convention. The first item
// line is the header ("header|field:type|..."); data lines carry name:value
// tokens in the same pipe-delimited micro-format.
type ListSyncer struct {
	api ListAPI
	log zerolog.Logger
}

// NewListSyncer builds a syncer over the given API slice.
func NewListSyncer(api ListAPI, log zerolog.Logger) *ListSyncer {
	return &ListSyncer{api: api, log: log.With().Str("component", "listsync").Logger()}
}

// UpdateFromSnapshot pushes the snapshot's values into every external list
// targeting the form. Variables present in a list but absent from the
// snapshot are skipped individually; the whole mutated item set is PUT back
// per list (the API has no row-level patch).
//
// It returns StatusIgnored without any network call when the snapshot is
// incomplete, a status message otherwise, or an error on an unexpected
// failure.
func (s *ListSyncer) UpdateFromSnapshot(ctx context.Context, formID string, snap Snapshot) (string, error) {
	if !snap.Complete() {
		return StatusIgnored, nil
	}

	lists, err := s.api.Lists(ctx)
	if err != nil {
		return "", fmt.Errorf("list inventory: %w", err)
	}

	matched, updated := 0, 0
	for _, summary := range lists {
		if !kizeo.ListNameMatchesForm(summary.Name, formID) {
			continue
		}
		matched++

		detail, err := s.api.ListDetail(ctx, summary.ID.String())
		if err != nil {
			return "", fmt.Errorf("list %s detail: %w", summary.ID, err)
		}
		items, changed := s.applySnapshot(detail, snap)
		if !changed {
			continue
		}
		if err := s.api.UpdateList(ctx, summary.ID.String(), items); err != nil {
			return "", fmt.Errorf("list %s update: %w", summary.ID, err)
		}
		updated++
	}

	if matched == 0 {
		return "no matching list", nil
	}
	return fmt.Sprintf("%d/%d list(s) updated", updated, matched), nil
}

// applySnapshot rewrites every data line of a list with the snapshot values
// of the variables its header declares. The returned flag reports whether
// any line actually changed.
func (s *ListSyncer) applySnapshot(list *kizeo.List, snap Snapshot) ([]string, bool) {
	if len(list.Items) < 2 {
		return list.Items, false
	}

	vars := headerVariables(list.Items[0])
	values := make(map[string]string, len(vars))
	for _, name := range vars {
		v, ok := snap.value(name)
		if !ok {
			s.log.Warn().Str("list", list.Name).Str("variable", name).
				Msg("variable absent from snapshot, skipped")
			continue
		}
		values[name] = v
	}
	if len(values) == 0 {
		return list.Items, false
	}

	out := make([]string, len(list.Items))
	out[0] = list.Items[0]
	changed := false
	for i, line := range list.Items[1:] {
		mutated := replaceTokens(line, values)
		if mutated != line {
			changed = true
		}
		out[i+1] = mutated
	}
	return out, changed
}

// headerVariables extracts the variable names a header line declares. The
// first cell is the list label; the rest are "name" or "name:type" cells.
func headerVariables(header string) []string {
	cells := strings.Split(header, "|")
	if len(cells) < 2 {
		return nil
	}
	vars := make([]string, 0, len(cells)-1)
	for _, cell := range cells[1:] {
		name := cell
		if idx := strings.Index(cell, ":"); idx >= 0 {
			name = cell[:idx]
		}
		name = strings.TrimSpace(name)
		if name != "" {
			vars = append(vars, name)
		}
	}
	return vars
}

// replaceTokens rewrites the value part of every name:value token whose name
// exactly matches a snapshot variable. Cells without a colon and unknown
// names pass through untouched.
func replaceTokens(line string, values map[string]string) string {
	cells := strings.Split(line, "|")
	for i, cell := range cells {
		idx := strings.Index(cell, ":")
		if idx < 0 {
			continue
		}
		name := strings.TrimSpace(cell[:idx])
		v, ok := values[name]
		if !ok {
			continue
		}
		cells[i] = name + ":" + v
	}
	return strings.Join(cells, "|")
}
