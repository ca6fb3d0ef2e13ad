// Package media mirrors record attachments (photos, signatures) out of the
// forms API into an object store and produces the rows for the media table.
package media

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"formetl/internal/flatten"
	"formetl/internal/warehouse"
)

// Downloader is the slice of the API client the pipeline needs.
type Downloader interface {
	MediaFile(ctx context.Context, formID, dataID, name string) ([]byte, error)
}

// ObjectStore is where mirrored assets land.
type ObjectStore interface {
	// Put writes one object and returns its public URL.
	Put(ctx context.Context, objectName, contentType string, data []byte) (string, error)
	Close() error
}

// Pipeline downloads referenced assets, uploads them, and builds media-table
// rows. A failed asset is logged and skipped: attachments must never fail
// the ingestion of the record itself.
type Pipeline struct {
	dl    Downloader
	store ObjectStore
	log   zerolog.Logger

	now   func() time.Time
	newID func() string
}

// NewPipeline wires a pipeline. store may be nil, in which case assets are
// referenced by raw URL only and nothing is mirrored.
func NewPipeline(dl Downloader, store ObjectStore, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		dl:    dl,
		store: store,
		log:   log,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// MediaPathFunc builds the API path recorded as an asset's raw URL.
// Package-level so the row shape stays testable without a client.
var MediaPathFunc = func(formID, dataID, name string) string {
	return fmt.Sprintf("/forms/%s/data/%s/medias/%s", formID, dataID, name)
}

// Mirror processes one record's media references and returns the rows for
// the form's media table.
func (p *Pipeline) Mirror(ctx context.Context, formID, dataID string, refs []flatten.MediaRef) []warehouse.Row {
	rows := make([]warehouse.Row, 0, len(refs))
	for _, ref := range refs {
		row := warehouse.Row{
			"form_id":     formID,
			"data_id":     dataID,
			"field_slug":  ref.FieldSlug,
			"file_id":     p.newID(),
			"file_name":   ref.FileName,
			"raw_url":     MediaPathFunc(formID, dataID, ref.FileName),
			"public_url":  nil,
			"ingested_at": p.now().UTC(),
		}

		if p.store != nil {
			url, err := p.mirrorOne(ctx, formID, dataID, ref)
			if err != nil {
				p.log.Warn().Err(err).
					Str("form_id", formID).
					Str("data_id", dataID).
					Str("file", ref.FileName).
					Msg("media mirror failed, keeping raw reference")
			} else {
				row["public_url"] = url
			}
		}
		rows = append(rows, row)
	}
	return rows
}

func (p *Pipeline) mirrorOne(ctx context.Context, formID, dataID string, ref flatten.MediaRef) (string, error) {
	data, err := p.dl.MediaFile(ctx, formID, dataID, ref.FileName)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", ref.FileName, err)
	}

	object := fmt.Sprintf("forms/%s/%s/%s/%s", formID, dataID, ref.FieldSlug, ref.FileName)
	url, err := p.store.Put(ctx, object, http.DetectContentType(data), data)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", object, err)
	}
	return url, nil
}
