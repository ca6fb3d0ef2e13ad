// Package ingest orchestrates pipeline runs: unread resolution, per-record
// flattening, warehouse writes, external-list sync-back, mark-as-read and
// run bookkeeping.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"formetl/internal/kizeo"
)

// Outcome classifies what the unread endpoint yielded for one form.
type Outcome string

const (
	// OutcomeOK is a non-empty unread set.
	OutcomeOK Outcome = "OK"
	// OutcomeNoUnread is an empty unread set for a form that has run
	// before. Nothing to do.
	OutcomeNoUnread Outcome = "NO_UNREAD"
	// OutcomeFallbackEmpty is an empty unread set on a form that never ran,
	// where the full historical dataset is also empty.
	OutcomeFallbackEmpty Outcome = "FALLBACK_EMPTY"
	// OutcomeFallbackOK is an empty unread set on a form that never ran,
	// bootstrapped from the full historical dataset.
	OutcomeFallbackOK Outcome = "FALLBACK_OK"
	// OutcomeInvalid is a payload whose shape is unrecognized. Hard error
	// for the run.
	OutcomeInvalid Outcome = "INVALID"
)

// Resolution is the outcome of resolving one form's pending dataset.
type Resolution struct {
	Outcome Outcome
	Records []kizeo.RecordSummary
}

// DataSource is the slice of the forms API the resolver needs.
type DataSource interface {
	UnreadData(ctx context.Context, formID, action string, limit int) (*kizeo.DataList, error)
	AllData(ctx context.Context, formID string) (*kizeo.DataList, error)
}

// ResolveUnread determines what one run should process.
//
// "Unread" is scoped to the action token, so a brand-new form that has never
// marked anything as read reports an empty unread set indistinguishable from
// "truly nothing new". hasPreviousRun disambiguates: without a previous run
// the resolver falls back to the full historical dataset exactly once.
func ResolveUnread(ctx context.Context, src DataSource, formID, action string, limit int, hasPreviousRun bool) (Resolution, error) {
	unread, err := src.UnreadData(ctx, formID, action, limit)
	if err != nil {
		if errors.Is(err, kizeo.ErrMalformedPayload) {
			return Resolution{Outcome: OutcomeInvalid}, err
		}
		return Resolution{}, fmt.Errorf("unread %s: %w", formID, err)
	}
	if len(unread.Records) > 0 {
		return Resolution{Outcome: OutcomeOK, Records: unread.Records}, nil
	}
	if hasPreviousRun {
		return Resolution{Outcome: OutcomeNoUnread}, nil
	}

	all, err := src.AllData(ctx, formID)
	if err != nil {
		if errors.Is(err, kizeo.ErrMalformedPayload) {
			return Resolution{Outcome: OutcomeInvalid}, err
		}
		return Resolution{}, fmt.Errorf("all data %s: %w", formID, err)
	}
	if len(all.Records) == 0 {
		return Resolution{Outcome: OutcomeFallbackEmpty}, nil
	}
	return Resolution{Outcome: OutcomeFallbackOK, Records: all.Records}, nil
}
