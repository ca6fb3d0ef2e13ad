package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"formetl/internal/flatten"
	"formetl/internal/kizeo"
	"formetl/internal/media"
	"formetl/internal/metrics"
	"formetl/internal/statestore"
	"formetl/internal/warehouse"
)

// Status classifies the outcome of one form run.
type Status string

const (
	StatusNoData   Status = "NO_DATA"
	StatusIngested Status = "INGESTED"
	StatusError    Status = "ERROR"
)

// Metadata-update statuses. MetaOK is only used as a fallback; the usual
// success value is the list-sync status message.
const (
	MetaSkipped = "SKIPPED"
	MetaOK      = "OK"
	MetaFailed  = "FAILED"
	MetaError   = "ERROR"
)

// DefaultMarkReadChunk bounds how many record ids one mark-as-read call
// carries.
const DefaultMarkReadChunk = 50

// ErrRunInProgress is returned when another run holds the lock.
var ErrRunInProgress = errors.New("ingest: another run holds the lock")

// FormsAPI is everything the coordinator consumes from the forms API.
type FormsAPI interface {
	DataSource
	ListAPI
	RecordDetail(ctx context.Context, formID, dataID string) (*kizeo.Record, error)
	MarkAsRead(ctx context.Context, formID, action string, ids []string) error
}

// ExceptionReporter is the external exception channel. Implementations must
// not raise; reporting an error never aborts the run.
type ExceptionReporter interface {
	Report(scope string, err error, fields map[string]string)
}

// LogReporter reports exceptions through structured logging.
type LogReporter struct {
	Log zerolog.Logger
}

// Report logs one exception with its originating scope and context.
func (r LogReporter) Report(scope string, err error, fields map[string]string) {
	ev := r.Log.Error().Err(err).Str("scope", scope)
	for k, v := range fields {
		ev = ev.Str(k, v)
	}
	ev.Msg("pipeline exception")
}

// Options tune one coordinator instance.
type Options struct {
	// MarkReadChunk bounds ids per mark-as-read call. Defaults to
	// DefaultMarkReadChunk.
	MarkReadChunk int
	// SyncLists enables the external-list sync-back step.
	SyncLists bool
	// LockStaleAfter is the run-lock takeover threshold. Zero disables
	// takeover.
	LockStaleAfter time.Duration
	// DedupWait bounds the streaming-buffer wait before deduplication.
	DedupWait warehouse.WaitOptions
}

// Coordinator drives pipeline runs over an explicit capability set.
type Coordinator struct {
	api      FormsAPI
	gw       warehouse.Gateway
	store    statestore.Store
	media    *media.Pipeline
	lists    *ListSyncer
	reporter ExceptionReporter
	log      zerolog.Logger
	opts     Options
	now      func() time.Time
}

// NewCoordinator wires a coordinator. mediaPipeline may be nil (media rows
// are then recorded with raw references only, by the mapper's side channel
// going unused). reporter may be nil; exceptions then go to the logger.
func NewCoordinator(api FormsAPI, gw warehouse.Gateway, store statestore.Store, mediaPipeline *media.Pipeline, log zerolog.Logger, reporter ExceptionReporter, opts Options) *Coordinator {
	if opts.MarkReadChunk <= 0 {
		opts.MarkReadChunk = DefaultMarkReadChunk
	}
	if reporter == nil {
		reporter = LogReporter{Log: log}
	}
	return &Coordinator{
		api:      api,
		gw:       gw,
		store:    store,
		media:    mediaPipeline,
		lists:    NewListSyncer(api, log),
		reporter: reporter,
		log:      log.With().Str("component", "coordinator").Logger(),
		opts:     opts,
		now:      time.Now,
	}
}

// FormRun pairs a form with its run result.
type FormRun struct {
	FormID string
	Result RunResult
}

// RunResult is the outcome of one form run.
type RunResult struct {
	Status   Status
	RowCount int
	// Latest is the most recently updated record seen this run.
	Latest *kizeo.Record
	// MetadataStatus reports the run-metadata/list-sync step: SKIPPED,
	// FAILED, ERROR, or the list-sync status message.
	MetadataStatus string
	Err            error
}

// RunAll executes one pipeline run over every configured form, guarded by
// the run lock. The lock is released on every exit path.
func (c *Coordinator) RunAll(ctx context.Context) ([]FormRun, error) {
	ok, err := c.store.AcquireLock(ctx, c.opts.LockStaleAfter)
	if err != nil {
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		return nil, ErrRunInProgress
	}
	defer func() {
		if err := c.store.ReleaseLock(context.WithoutCancel(ctx)); err != nil {
			c.reporter.Report("lock", err, nil)
		}
	}()

	if err := c.gw.EnsureDataset(ctx); err != nil {
		return nil, fmt.Errorf("ensure dataset: %w", err)
	}

	forms, err := c.store.ListForms(ctx)
	if err != nil {
		return nil, fmt.Errorf("list forms: %w", err)
	}

	runs := make([]FormRun, 0, len(forms))
	for _, form := range forms {
		runs = append(runs, FormRun{FormID: form.FormID, Result: c.RunForm(ctx, form)})
	}
	return runs, nil
}

// RunForm executes the ingestion protocol for one form:
//
//  1. resolve the pending dataset (unread, with first-run fallback)
//  2. fetch and flatten each record, skipping broken ones
//  3. ensure schemas and insert raw, parent, sub-table and media rows
//  4. mark processed records as read, in chunks
//  5. deduplicate the form's tables
//  6. if unread is now empty, sync external lists from the last snapshot
//  7. persist run watermarks and the field dictionary
//
// Mark-as-read runs after insert: a chunk failure means the next run
// re-fetches those records, which the idempotent insert keys absorb.
func (c *Coordinator) RunForm(ctx context.Context, form statestore.FormState) RunResult {
	start := c.now()
	log := c.log.With().Str("form_id", form.FormID).Logger()
	res := c.runForm(ctx, log, form, start)

	status := string(res.Status)
	metrics.IncCounter(metrics.MetricRunsTotal, 1, metrics.Labels{"form": form.FormID, "status": status})
	metrics.ObserveHistogram(metrics.MetricRunDuration, c.now().Sub(start).Seconds(), metrics.Labels{"form": form.FormID, "status": status})
	log.Info().Str("status", status).Int("rows", res.RowCount).
		Str("metadata_status", res.MetadataStatus).
		Dur("duration", c.now().Sub(start)).
		Msg("form run finished")
	return res
}

func (c *Coordinator) runForm(ctx context.Context, log zerolog.Logger, form statestore.FormState, start time.Time) RunResult {
	action := form.Action
	limit := form.BatchLimit
	hasPreviousRun := form.LastDataID != ""

	resolution, err := ResolveUnread(ctx, c.api, form.FormID, action, limit, hasPreviousRun)
	if err != nil || resolution.Outcome == OutcomeInvalid {
		c.reporter.Report("resolve", err, map[string]string{"form_id": form.FormID, "action": action})
		return RunResult{Status: StatusError, MetadataStatus: MetaError, Err: err}
	}
	switch resolution.Outcome {
	case OutcomeNoUnread, OutcomeFallbackEmpty:
		log.Info().Str("outcome", string(resolution.Outcome)).Msg("nothing to ingest")
		return RunResult{Status: StatusNoData, MetadataStatus: MetaSkipped}
	}

	records := resolution.Records
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}

	b := c.collect(ctx, log, form, records)
	if len(b.processed) == 0 {
		log.Warn().Int("candidates", len(records)).Msg("no record survived detail fetch")
		return RunResult{Status: StatusNoData, MetadataStatus: MetaSkipped}
	}

	rowCount := 0
	if form.IngestEnabled {
		if err := c.write(ctx, log, b); err != nil {
			c.reporter.Report("insert", err, map[string]string{"form_id": form.FormID, "table": b.tableID})
			c.persistRun(ctx, form, b, start, 0, false)
			return RunResult{Status: StatusError, MetadataStatus: MetaFailed, Latest: b.latest, Err: err}
		}
		rowCount = len(b.parent)
	} else {
		log.Info().Msg("warehouse writes disabled for form, skipping inserts")
	}

	c.markRead(ctx, log, form.FormID, action, b.processed)

	if form.IngestEnabled {
		c.dedup(ctx, log, b)
	}

	meta := MetaSkipped
	if c.opts.SyncLists {
		meta = c.syncListsStep(ctx, log, form.FormID, action, limit, b.snapshot)
	}

	if !c.persistRun(ctx, form, b, start, rowCount, true) && meta != MetaError {
		meta = MetaFailed
	}

	return RunResult{Status: StatusIngested, RowCount: rowCount, Latest: b.latest, MetadataStatus: meta}
}

/* ---- per-record collection ---- */

type subAccum struct {
	cols []warehouse.ColumnSpec
	seen map[string]bool
	rows []warehouse.Row
	keys []string
}

type batch struct {
	tableID string

	raw     []warehouse.Row
	rawKeys []string

	parent     []warehouse.Row
	parentKeys []string
	parentCols []warehouse.ColumnSpec
	colSeen    map[string]bool

	subs map[string]*subAccum

	mediaRows []warehouse.Row
	mediaKeys []string

	dict      []statestore.DictionaryRow
	processed []string

	latest   *kizeo.Record
	latestAt time.Time
	snapshot Snapshot
}

func (c *Coordinator) collect(ctx context.Context, log zerolog.Logger, form statestore.FormState, records []kizeo.RecordSummary) *batch {
	tableID := form.TableName
	if tableID == "" {
		tableID = flatten.ComputeTableName(form.FormID, form.FormName, "")
	}
	formCtx := flatten.FormContext{FormID: form.FormID, FormName: form.FormName, TableID: tableID}
	mapper := flatten.NewMapper()

	b := &batch{
		tableID: tableID,
		colSeen: make(map[string]bool),
		subs:    make(map[string]*subAccum),
	}

	for _, sum := range records {
		if sum.ID == "" {
			log.Warn().Msg("summary without stable id, skipped")
			metrics.IncCounter(metrics.MetricRecordsTotal, 1, metrics.Labels{"form": form.FormID, "outcome": "missing_id"})
			continue
		}

		rec, err := c.api.RecordDetail(ctx, form.FormID, sum.ID)
		if err != nil {
			log.Warn().Err(err).Str("data_id", sum.ID).Msg("detail fetch failed, record skipped")
			metrics.IncCounter(metrics.MetricRecordsTotal, 1, metrics.Labels{"form": form.FormID, "outcome": "detail_failed"})
			continue
		}

		result, err := mapper.PrepareParentRow(formCtx, bridgeRecord(rec))
		if err != nil {
			log.Warn().Err(err).Str("data_id", rec.ID).Msg("flattening failed, record skipped")
			metrics.IncCounter(metrics.MetricRecordsTotal, 1, metrics.Labels{"form": form.FormID, "outcome": "mapping_failed"})
			continue
		}

		c.accumulate(ctx, b, form.FormID, rec, result)
		metrics.IncCounter(metrics.MetricRecordsTotal, 1, metrics.Labels{"form": form.FormID, "outcome": "ok"})
	}
	return b
}

func (c *Coordinator) accumulate(ctx context.Context, b *batch, formID string, rec *kizeo.Record, result *flatten.ParentResult) {
	key := insertKey(formID, rec.ID, rec.UpdateTime)

	b.raw = append(b.raw, warehouse.Row{
		"form_id":     formID,
		"data_id":     rec.ID,
		"update_time": timeOrNil(rec.UpdateTime),
		"ingested_at": c.now().UTC(),
		"payload":     string(rec.Raw),
	})
	b.rawKeys = append(b.rawKeys, key)

	b.parent = append(b.parent, result.Row)
	b.parentKeys = append(b.parentKeys, key)
	for _, col := range result.Columns {
		if !b.colSeen[col.Name] {
			b.colSeen[col.Name] = true
			b.parentCols = append(b.parentCols, col)
		}
	}

	for _, sub := range result.Subforms {
		acc := b.subs[sub.TableID]
		if acc == nil {
			acc = &subAccum{seen: make(map[string]bool)}
			b.subs[sub.TableID] = acc
		}
		for _, col := range sub.Columns {
			if !acc.seen[col.Name] {
				acc.seen[col.Name] = true
				acc.cols = append(acc.cols, col)
			}
		}
		for i, row := range sub.Rows {
			acc.rows = append(acc.rows, row)
			acc.keys = append(acc.keys, fmt.Sprintf("%s|%d", key, i))
		}
	}

	if c.media != nil && len(result.Media) > 0 {
		rows := c.media.Mirror(ctx, formID, rec.ID, result.Media)
		for _, row := range rows {
			b.mediaRows = append(b.mediaRows, row)
			b.mediaKeys = append(b.mediaKeys, fmt.Sprintf("%s|%v|%v", key, row["field_slug"], row["file_name"]))
		}
	}

	for _, e := range result.Dictionary {
		b.dict = append(b.dict, statestore.DictionaryRow{
			TableID:    e.TableID,
			FieldSlug:  e.FieldSlug,
			Label:      e.Label,
			Type:       string(e.Type),
			Mode:       e.Mode,
			SourceType: e.SourceType,
			SeenAt:     e.LastSeenAt,
		})
	}

	b.processed = append(b.processed, rec.ID)

	at := recordInstant(rec.UpdateTime, rec.AnswerTime)
	if b.latest == nil || at.After(b.latestAt) {
		b.latest = rec
		b.latestAt = at
		b.snapshot = snapshotFrom(result)
	}
}

/* ---- warehouse writes ---- */

func (c *Coordinator) write(ctx context.Context, log zerolog.Logger, b *batch) error {
	if err := c.insertTable(ctx, b.tableID+"_raw", warehouse.TableRaw, warehouse.RawTableColumns(), nil, b.raw, b.rawKeys); err != nil {
		return err
	}

	parentCols := append(warehouse.ParentBaseColumns(), b.parentCols...)
	if err := c.insertTable(ctx, b.tableID, warehouse.TableParent, warehouse.ParentBaseColumns(), parentCols, b.parent, b.parentKeys); err != nil {
		return err
	}

	for _, subID := range b.subTableIDs() {
		acc := b.subs[subID]
		subCols := append(warehouse.SubTableBaseColumns(), acc.cols...)
		if err := c.insertTable(ctx, subID, warehouse.TableSub, warehouse.SubTableBaseColumns(), subCols, acc.rows, acc.keys); err != nil {
			return err
		}
	}

	if len(b.mediaRows) > 0 {
		if err := c.insertTable(ctx, b.tableID+"_media", warehouse.TableMedia, warehouse.MediaTableColumns(), nil, b.mediaRows, b.mediaKeys); err != nil {
			return err
		}
	}

	log.Info().Int("parent_rows", len(b.parent)).Int("sub_tables", len(b.subs)).
		Int("media_rows", len(b.mediaRows)).Msg("warehouse writes complete")
	return nil
}

// insertTable ensures one table and appends its rows. allCols, when set,
// carries dynamic columns to reconcile on top of the base schema; rows are
// coerced in place when reconciliation widened a column to STRING.
func (c *Coordinator) insertTable(ctx context.Context, tableID string, kind warehouse.TableKind, baseCols, allCols []warehouse.ColumnSpec, rows []warehouse.Row, keys []string) error {
	ensure := func(ctx context.Context) error {
		return c.gw.EnsureTable(ctx, tableID, kind, baseCols)
	}
	if err := ensure(ctx); err != nil {
		return fmt.Errorf("ensure %s: %w", tableID, err)
	}
	if allCols != nil {
		ensured, err := c.gw.EnsureColumns(ctx, tableID, allCols)
		if err != nil {
			return fmt.Errorf("reconcile %s: %w", tableID, err)
		}
		warehouse.CoerceRowsToString(rows, ensured.ConvertedToString)
	}

	report, err := c.gw.InsertAll(ctx, tableID, rows, keys, ensure)
	if err != nil {
		return fmt.Errorf("insert %s: %w", tableID, err)
	}
	metrics.IncCounter(metrics.MetricRowsInserted, float64(report.Inserted), metrics.Labels{"kind": string(kind)})
	if len(report.InsertErrors) > 0 {
		metrics.IncCounter(metrics.MetricInsertErrors, float64(len(report.InsertErrors)), metrics.Labels{"kind": string(kind)})
		return fmt.Errorf("insert %s: %d row(s) rejected (first: %s)", tableID, len(report.InsertErrors), report.InsertErrors[0].Reason)
	}
	return nil
}

func (b *batch) subTableIDs() []string {
	ids := make([]string, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

/* ---- post-insert steps ---- */

func (c *Coordinator) markRead(ctx context.Context, log zerolog.Logger, formID, action string, ids []string) {
	chunk := c.opts.MarkReadChunk
	for start := 0; start < len(ids); start += chunk {
		end := min(start+chunk, len(ids))
		if err := c.api.MarkAsRead(ctx, formID, action, ids[start:end]); err != nil {
			metrics.IncCounter(metrics.MetricMarkReadFailures, 1, metrics.Labels{"form": formID})
			c.reporter.Report("markread", err, map[string]string{"form_id": formID, "action": action})
			continue
		}
		log.Debug().Int("count", end-start).Msg("records marked as read")
	}
}

func (c *Coordinator) dedup(ctx context.Context, log zerolog.Logger, b *batch) {
	report, err := warehouse.RunDeduplicationForForm(ctx, c.gw, b.tableID, b.subTableIDs(), c.opts.DedupWait)
	if err != nil {
		c.reporter.Report("dedup", err, map[string]string{"table": b.tableID})
		return
	}

	logStats := func(tableID, kind string, stats warehouse.DedupStats) {
		if stats.Skipped {
			log.Info().Str("table", tableID).Str("reason", stats.Reason).Msg("deduplication skipped")
			return
		}
		metrics.IncCounter(metrics.MetricDedupDeleted, float64(stats.Deleted), metrics.Labels{"kind": kind})
		if stats.Deleted > 0 {
			log.Info().Str("table", tableID).Int64("deleted", stats.Deleted).Msg("duplicates removed")
		}
	}
	logStats(b.tableID, "parent", report.Parent)
	for id, stats := range report.SubTables {
		logStats(id, "sub", stats)
	}
}

// syncListsStep re-checks the unread endpoint and only syncs external lists
// when nothing is pending anymore, so a partial snapshot never reaches the
// lists while more unread data exists.
func (c *Coordinator) syncListsStep(ctx context.Context, log zerolog.Logger, formID, action string, limit int, snap Snapshot) string {
	unread, err := c.api.UnreadData(ctx, formID, action, limit)
	if err != nil {
		c.reporter.Report("listsync", err, map[string]string{"form_id": formID})
		return MetaError
	}
	if len(unread.Records) > 0 {
		log.Info().Int("pending", len(unread.Records)).Msg("unread records remain, list sync deferred")
		return MetaSkipped
	}

	msg, err := c.lists.UpdateFromSnapshot(ctx, formID, snap)
	if err != nil {
		c.reporter.Report("listsync", err, map[string]string{"form_id": formID})
		return MetaError
	}
	if msg == "" {
		return MetaOK
	}
	return msg
}

// persistRun saves the run audit and, when advance is set, the form's
// watermarks. Failures are reported but never abort the run; the return
// value feeds the metadata status. A failed run keeps its old watermarks so
// the next run re-resolves the same records.
func (c *Coordinator) persistRun(ctx context.Context, form statestore.FormState, b *batch, start time.Time, rowCount int, advance bool) bool {
	if advance && b.latest != nil {
		form.LastDataID = b.latest.ID
		form.LastUpdateTime = b.latest.UpdateTime
		form.LastAnswerTime = b.latest.AnswerTime
	}
	form.LastRunAt = c.now()
	form.LastSavedRowCount = rowCount
	form.LastRunDuration = c.now().Sub(start)

	ok := true
	if err := c.store.SaveForm(ctx, form); err != nil {
		c.reporter.Report("metadata", err, map[string]string{"form_id": form.FormID})
		ok = false
	}
	if len(b.dict) > 0 {
		if err := c.store.AppendDictionary(ctx, b.dict); err != nil {
			c.reporter.Report("dictionary", err, map[string]string{"form_id": form.FormID})
		}
	}
	return ok
}

/* ---- small helpers ---- */

// bridgeRecord resolves an API record's untyped fields into the flattening
// pipeline's tagged union.
func bridgeRecord(rec *kizeo.Record) *flatten.Record {
	raw := make(map[string]flatten.RawField, len(rec.Fields))
	for name, f := range rec.Fields {
		raw[name] = flatten.RawField{Type: f.Type, Value: f.Value}
	}
	return &flatten.Record{
		ID:           rec.ID,
		FormID:       rec.FormID,
		FormUniqueID: rec.FormUniqueID,
		UserID:       rec.UserID,
		UserName:     rec.UserName,
		AnswerTime:   rec.AnswerTime,
		UpdateTime:   rec.UpdateTime,
		OriginAnswer: rec.OriginAnswer,
		Fields:       flatten.ResolveFields(raw),
	}
}

func insertKey(formID, dataID, updateTime string) string {
	return fmt.Sprintf("%s|%s|%s", formID, dataID, updateTime)
}

var recordTimeLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseRecordTime(s string) (time.Time, bool) {
	for _, layout := range recordTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// recordInstant ranks records for latest-record selection, preferring
// update_time and tolerating missing or unparsable values.
func recordInstant(updateTime, answerTime string) time.Time {
	if t, ok := parseRecordTime(updateTime); ok {
		return t
	}
	if t, ok := parseRecordTime(answerTime); ok {
		return t
	}
	return time.Time{}
}

func timeOrNil(s string) any {
	if t, ok := parseRecordTime(s); ok {
		return t.UTC()
	}
	return nil
}

// snapshotFrom captures the dynamic columns of one flattened record in the
// header/value shape list sync consumes.
func snapshotFrom(result *flatten.ParentResult) Snapshot {
	snap := Snapshot{
		Headers: make([]string, 0, len(result.Columns)),
		Values:  make([]string, 0, len(result.Columns)),
	}
	for _, col := range result.Columns {
		snap.Headers = append(snap.Headers, col.Name)
		snap.Values = append(snap.Values, renderCell(result.Row[col.Name]))
	}
	return snap
}

func renderCell(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case time.Time:
		return t.Format("2006-01-02 15:04:05")
	default:
		return fmt.Sprintf("%v", t)
	}
}
