// Package bigquery implements the warehouse gateway on Google BigQuery.
//
// Inserts go through the streaming API with deterministic insert ids, so
// bounded retries never double-write. Deduplication runs as a DML query job
// and is skipped, not failed, while the streaming buffer still holds recent
// writes.
package bigquery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	bq "cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"

	"formetl/internal/warehouse"
)

func init() {
	warehouse.Register("bigquery", func(ctx context.Context, cfg warehouse.Config) (warehouse.Gateway, error) {
		return New(ctx, cfg)
	})
}

// Gateway is the BigQuery-backed warehouse.
type Gateway struct {
	client   *bq.Client
	dataset  string
	location string

	// sleep, now and tableMeta are test seams around the retry/poll waits
	// and the metadata reads that drive them.
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time
	tableMeta func(ctx context.Context, tableID string) (*bq.TableMetadata, error)
}

// New opens a client against the configured project and dataset.
func New(ctx context.Context, cfg warehouse.Config) (*Gateway, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("bigquery: missing project id")
	}
	if cfg.Dataset == "" {
		return nil, fmt.Errorf("bigquery: missing dataset")
	}
	client, err := bq.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("bigquery: new client: %w", err)
	}
	g := &Gateway{
		client:   client,
		dataset:  cfg.Dataset,
		location: cfg.Location,
		sleep:    sleepCtx,
		now:      time.Now,
	}
	g.tableMeta = func(ctx context.Context, tableID string) (*bq.TableMetadata, error) {
		return g.client.Dataset(g.dataset).Table(tableID).Metadata(ctx)
	}
	return g, nil
}

func (g *Gateway) Close() { _ = g.client.Close() }

// EnsureDataset creates the dataset if it does not exist.
func (g *Gateway) EnsureDataset(ctx context.Context) error {
	ds := g.client.Dataset(g.dataset)
	_, err := ds.Metadata(ctx)
	if err == nil {
		return nil
	}
	if !isNotFound(err) {
		return fmt.Errorf("bigquery: dataset metadata %s: %w", g.dataset, err)
	}
	meta := &bq.DatasetMetadata{Location: g.location}
	if err := ds.Create(ctx, meta); err != nil && !isAlreadyExists(err) {
		return fmt.Errorf("bigquery: create dataset %s: %w", g.dataset, err)
	}
	return nil
}

// EnsureTable creates the table with the given schema if missing. An
// existing table is left untouched.
func (g *Gateway) EnsureTable(ctx context.Context, tableID string, kind warehouse.TableKind, columns []warehouse.ColumnSpec) error {
	tbl := g.client.Dataset(g.dataset).Table(tableID)
	_, err := tbl.Metadata(ctx)
	if err == nil {
		return nil
	}
	if !isNotFound(err) {
		return fmt.Errorf("bigquery: table metadata %s: %w", tableID, err)
	}
	meta := &bq.TableMetadata{Schema: toSchema(columns)}
	if err := tbl.Create(ctx, meta); err != nil && !isAlreadyExists(err) {
		return fmt.Errorf("bigquery: create table %s: %w", tableID, err)
	}
	return nil
}

// EnsureColumns reconciles incoming columns against the live table schema
// through a metadata patch: adds are appended, conflicts are widened
// (numeric widening, otherwise STRING) and REQUIRED modes relaxed.
func (g *Gateway) EnsureColumns(ctx context.Context, tableID string, columns []warehouse.ColumnSpec) (warehouse.EnsureResult, error) {
	tbl := g.client.Dataset(g.dataset).Table(tableID)
	meta, err := tbl.Metadata(ctx)
	if err != nil {
		return warehouse.EnsureResult{}, fmt.Errorf("bigquery: table metadata %s: %w", tableID, err)
	}

	plan := warehouse.PlanColumnChanges(fromSchema(meta.Schema), columns)
	if plan.Empty() {
		return warehouse.EnsureResult{}, nil
	}

	next := applyPlan(meta.Schema, plan)
	update := bq.TableMetadataToUpdate{Schema: next}
	if _, err := tbl.Update(ctx, update, meta.ETag); err != nil {
		return warehouse.EnsureResult{}, fmt.Errorf("bigquery: update schema %s: %w", tableID, err)
	}
	return plan.Result(), nil
}

// InsertAll streams rows with deterministic insert ids. A not-found failure
// (table deleted or never created) triggers ensure and a bounded retry.
func (g *Gateway) InsertAll(ctx context.Context, tableID string, rows []warehouse.Row, keys []string, ensure func(ctx context.Context) error) (warehouse.InsertReport, error) {
	if len(rows) == 0 {
		return warehouse.InsertReport{}, nil
	}
	if len(keys) != len(rows) {
		return warehouse.InsertReport{}, fmt.Errorf("bigquery: %d rows but %d keys", len(rows), len(keys))
	}

	savers := make([]*rowSaver, len(rows))
	for i, row := range rows {
		savers[i] = &rowSaver{row: row, insertID: keys[i]}
	}

	inserter := g.client.Dataset(g.dataset).Table(tableID).Inserter()
	inserter.SkipInvalidRows = false

	var lastErr error
	for attempt := 1; attempt <= warehouse.DefaultNotFoundAttempts; attempt++ {
		err := inserter.Put(ctx, savers)
		if err == nil {
			return warehouse.InsertReport{Inserted: len(rows)}, nil
		}

		var multi bq.PutMultiError
		if errors.As(err, &multi) {
			return rejectedReport(rows, keys, multi), nil
		}

		if !isNotFound(err) {
			return warehouse.InsertReport{}, fmt.Errorf("bigquery: insert %s: %w", tableID, err)
		}
		lastErr = err

		if ensure != nil {
			if eerr := ensure(ctx); eerr != nil {
				return warehouse.InsertReport{}, fmt.Errorf("bigquery: ensure %s after not-found: %w", tableID, eerr)
			}
		}
		// Freshly created tables take a moment to become visible to the
		// streaming API.
		if err := g.sleep(ctx, time.Duration(attempt)*2*time.Second); err != nil {
			return warehouse.InsertReport{}, err
		}
	}
	return warehouse.InsertReport{}, fmt.Errorf("bigquery: insert %s: table still missing after %d attempts: %w",
		tableID, warehouse.DefaultNotFoundAttempts, lastErr)
}

// rejectedReport splits a partial streaming failure into inserted rows and
// per-row errors.
func rejectedReport(rows []warehouse.Row, keys []string, multi bq.PutMultiError) warehouse.InsertReport {
	report := warehouse.InsertReport{Inserted: len(rows) - len(multi)}
	for _, rowErr := range multi {
		key := ""
		if rowErr.RowIndex >= 0 && rowErr.RowIndex < len(keys) {
			key = keys[rowErr.RowIndex]
		}
		reasons := make([]string, 0, len(rowErr.Errors))
		for _, e := range rowErr.Errors {
			reasons = append(reasons, e.Error())
		}
		report.InsertErrors = append(report.InsertErrors, warehouse.InsertError{
			RowKey: key,
			Reason: strings.Join(reasons, "; "),
		})
	}
	return report
}

// Deduplicate removes all but the newest row per partition via a DML job.
// While the streaming buffer still holds writes newer than the quiet period
// it waits up to MaxWait, then reports a skip instead of running a DELETE
// that would miss buffered rows.
func (g *Gateway) Deduplicate(ctx context.Context, spec warehouse.DedupSpec, wait warehouse.WaitOptions) (warehouse.DedupStats, error) {
	quiet, err := g.waitForQuietBuffer(ctx, spec.TableID, wait)
	if err != nil {
		return warehouse.DedupStats{}, err
	}
	if !quiet {
		return warehouse.DedupStats{Skipped: true, Reason: warehouse.SkipReasonStreamingBuffer}, nil
	}

	sql := buildDedupSQL(g.fqTable(spec.TableID), spec)
	q := g.client.Query(sql)
	q.Location = g.location

	job, err := q.Run(ctx)
	if err != nil {
		return warehouse.DedupStats{}, fmt.Errorf("bigquery: dedup %s: run: %w", spec.TableID, err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return warehouse.DedupStats{}, fmt.Errorf("bigquery: dedup %s: wait: %w", spec.TableID, err)
	}
	if err := status.Err(); err != nil {
		return warehouse.DedupStats{}, fmt.Errorf("bigquery: dedup %s: job: %w", spec.TableID, err)
	}

	var deleted int64
	if qs, ok := status.Statistics.Details.(*bq.QueryStatistics); ok {
		deleted = qs.NumDMLAffectedRows
	}
	return warehouse.DedupStats{Deleted: deleted}, nil
}

// waitForQuietBuffer polls the streaming buffer until its newest write is
// older than the quiet period, the buffer drains, or the wait budget runs
// out. Returns false when the table is still too hot to delete from.
func (g *Gateway) waitForQuietBuffer(ctx context.Context, tableID string, wait warehouse.WaitOptions) (bool, error) {
	wait = warehouse.ApplyWaitDefaults(wait)
	deadline := g.now().Add(wait.MaxWait)

	for {
		meta, err := g.tableMeta(ctx, tableID)
		if err != nil {
			if isNotFound(err) {
				// Nothing to deduplicate.
				return true, nil
			}
			return false, fmt.Errorf("bigquery: buffer check %s: %w", tableID, err)
		}

		sb := meta.StreamingBuffer
		if sb == nil || sb.EstimatedRows == 0 {
			return true, nil
		}
		if !sb.OldestEntryTime.IsZero() && g.now().Sub(sb.OldestEntryTime) >= wait.QuietPeriod {
			return true, nil
		}
		if g.now().Add(wait.PollInterval).After(deadline) {
			return false, nil
		}
		if err := g.sleep(ctx, wait.PollInterval); err != nil {
			return false, err
		}
	}
}

func (g *Gateway) fqTable(tableID string) string {
	return fmt.Sprintf("%s.%s.%s", g.client.Project(), g.dataset, tableID)
}

// buildDedupSQL renders the windowed DELETE for one table. Pure so the SQL
// shape is unit-testable without a live dataset.
func buildDedupSQL(fqTable string, spec warehouse.DedupSpec) string {
	keyCols := spec.PartitionKeys
	orderCols := orderColumns(spec.OrderBy)
	probe := append(append([]string{}, keyCols...), orderCols...)

	var b strings.Builder
	b.WriteString("DELETE FROM `")
	b.WriteString(fqTable)
	b.WriteString("` AS t WHERE EXISTS (SELECT 1 FROM (SELECT ")
	for i, c := range probe {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(c)
	}
	b.WriteString(", ROW_NUMBER() OVER (PARTITION BY ")
	b.WriteString(strings.Join(keyCols, ", "))
	b.WriteString(" ORDER BY ")
	b.WriteString(strings.Join(spec.OrderBy, ", "))
	b.WriteString(") AS rn FROM `")
	b.WriteString(fqTable)
	b.WriteString("` WHERE ")
	for i, c := range keyCols {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString(c)
		b.WriteString(" IS NOT NULL")
	}
	b.WriteString(") AS d WHERE d.rn > 1")
	for _, c := range probe {
		// Null-safe match; standard SQL has no IS NOT DISTINCT FROM here.
		fmt.Fprintf(&b, " AND (d.%s = t.%s OR (d.%s IS NULL AND t.%s IS NULL))", c, c, c, c)
	}
	b.WriteString(")")
	return b.String()
}

// orderColumns strips direction suffixes from verbatim ORDER BY entries.
func orderColumns(orderBy []string) []string {
	out := make([]string, 0, len(orderBy))
	for _, o := range orderBy {
		col := strings.Fields(o)[0]
		out = append(out, col)
	}
	return out
}

/* ---- schema translation ---- */

var toBQType = map[warehouse.FieldType]bq.FieldType{
	warehouse.TypeString:    bq.StringFieldType,
	warehouse.TypeInt:       bq.IntegerFieldType,
	warehouse.TypeFloat:     bq.FloatFieldType,
	warehouse.TypeBool:      bq.BooleanFieldType,
	warehouse.TypeDate:      bq.DateFieldType,
	warehouse.TypeTime:      bq.TimeFieldType,
	warehouse.TypeTimestamp: bq.TimestampFieldType,
}

var fromBQType = map[bq.FieldType]warehouse.FieldType{
	bq.StringFieldType:    warehouse.TypeString,
	bq.IntegerFieldType:   warehouse.TypeInt,
	bq.FloatFieldType:     warehouse.TypeFloat,
	bq.BooleanFieldType:   warehouse.TypeBool,
	bq.DateFieldType:      warehouse.TypeDate,
	bq.TimeFieldType:      warehouse.TypeTime,
	bq.TimestampFieldType: warehouse.TypeTimestamp,
}

func toSchema(columns []warehouse.ColumnSpec) bq.Schema {
	schema := make(bq.Schema, 0, len(columns))
	for _, c := range columns {
		ft, ok := toBQType[c.Type]
		if !ok {
			ft = bq.StringFieldType
		}
		schema = append(schema, &bq.FieldSchema{
			Name:     c.Name,
			Type:     ft,
			Repeated: c.Repeated,
			Required: c.Required,
		})
	}
	return schema
}

func fromSchema(schema bq.Schema) []warehouse.ColumnSpec {
	cols := make([]warehouse.ColumnSpec, 0, len(schema))
	for _, f := range schema {
		t, ok := fromBQType[f.Type]
		if !ok {
			t = warehouse.TypeString
		}
		cols = append(cols, warehouse.ColumnSpec{
			Name:     f.Name,
			Type:     t,
			Repeated: f.Repeated,
			Required: f.Required,
		})
	}
	return cols
}

// applyPlan builds the patched schema: adds appended at the end, alters
// rewritten in place.
func applyPlan(schema bq.Schema, plan warehouse.ChangeSet) bq.Schema {
	alterByName := make(map[string]warehouse.ColumnChange, len(plan.Alter))
	for _, ch := range plan.Alter {
		alterByName[strings.ToLower(ch.Name)] = ch
	}

	next := make(bq.Schema, 0, len(schema)+len(plan.Add))
	for _, f := range schema {
		ch, ok := alterByName[strings.ToLower(f.Name)]
		if !ok {
			next = append(next, f)
			continue
		}
		nf := *f
		if t, ok := toBQType[ch.NewType]; ok {
			nf.Type = t
		}
		if ch.DropRequired {
			nf.Required = false
		}
		next = append(next, &nf)
	}
	for _, add := range plan.Add {
		ft, ok := toBQType[add.Type]
		if !ok {
			ft = bq.StringFieldType
		}
		next = append(next, &bq.FieldSchema{Name: add.Name, Type: ft, Repeated: add.Repeated})
	}
	return next
}

/* ---- value saving ---- */

// rowSaver adapts a warehouse.Row to the streaming API with a stable insert
// id, so server-side best-effort dedup absorbs our retries.
type rowSaver struct {
	row      warehouse.Row
	insertID string
}

func (s *rowSaver) Save() (map[string]bq.Value, string, error) {
	out := make(map[string]bq.Value, len(s.row))
	for k, v := range s.row {
		if v == nil {
			continue
		}
		out[k] = bq.Value(v)
	}
	return out, s.insertID, nil
}

/* ---- error classification ---- */

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == 404
	}
	return false
}

func isAlreadyExists(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == 409
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
