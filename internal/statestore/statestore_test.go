package statestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

// Both implementations must honor the same contract.
func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()

	sq, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })

	return map[string]Store{
		"sqlite": sq,
		"memory": NewMemory(),
	}
}

func TestFormStateRoundTrip(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			st := FormState{
				FormID:            "123",
				FormName:          "Relevé Journalier",
				TableName:         "123__releve_journalier",
				Action:            "bq_ingest",
				BatchLimit:        100,
				IngestEnabled:     true,
				LastDataID:        "data-042",
				LastUpdateTime:    "2026-02-28 09:00:00",
				LastAnswerTime:    "2026-02-28 08:30:00",
				LastRunAt:         time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC),
				LastSavedRowCount: 17,
				LastRunDuration:   42 * time.Second,
			}
			if err := store.SaveForm(ctx, st); err != nil {
				t.Fatalf("SaveForm: %v", err)
			}

			got, ok, err := store.GetForm(ctx, "123")
			if err != nil || !ok {
				t.Fatalf("GetForm: ok=%v err=%v", ok, err)
			}
			if got != st {
				t.Fatalf("round trip:\ngot  %#v\nwant %#v", got, st)
			}

			// Upsert overwrites.
			st.LastSavedRowCount = 18
			if err := store.SaveForm(ctx, st); err != nil {
				t.Fatalf("SaveForm update: %v", err)
			}
			got, _, _ = store.GetForm(ctx, "123")
			if got.LastSavedRowCount != 18 {
				t.Fatalf("update lost: %d", got.LastSavedRowCount)
			}
		})
	}
}

func TestListFormsOrdered(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, id := range []string{"30", "10", "20"} {
				if err := store.SaveForm(ctx, FormState{FormID: id}); err != nil {
					t.Fatalf("SaveForm %s: %v", id, err)
				}
			}
			forms, err := store.ListForms(ctx)
			if err != nil {
				t.Fatalf("ListForms: %v", err)
			}
			if len(forms) != 3 || forms[0].FormID != "10" || forms[1].FormID != "20" || forms[2].FormID != "30" {
				t.Fatalf("order: %#v", forms)
			}

			if err := store.DeleteForm(ctx, "20"); err != nil {
				t.Fatalf("DeleteForm: %v", err)
			}
			forms, _ = store.ListForms(ctx)
			if len(forms) != 2 {
				t.Fatalf("delete lost: %#v", forms)
			}
		})
	}
}

func TestGetFormMissing(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := store.GetForm(context.Background(), "nope")
			if err != nil {
				t.Fatalf("GetForm: %v", err)
			}
			if ok {
				t.Fatal("missing form reported present")
			}
		})
	}
}

func TestLockProtocol(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			info, err := store.Lock(ctx)
			if err != nil {
				t.Fatalf("Lock: %v", err)
			}
			if info.State != LockFree {
				t.Fatalf("initial state = %q", info.State)
			}

			ok, err := store.AcquireLock(ctx, 30*time.Minute)
			if err != nil || !ok {
				t.Fatalf("first acquire: ok=%v err=%v", ok, err)
			}
			info, _ = store.Lock(ctx)
			if info.State != LockBusy {
				t.Fatalf("state after acquire = %q", info.State)
			}

			// A second run must not get the lock.
			ok, err = store.AcquireLock(ctx, 30*time.Minute)
			if err != nil {
				t.Fatalf("second acquire: %v", err)
			}
			if ok {
				t.Fatal("concurrent acquire succeeded")
			}

			if err := store.ReleaseLock(ctx); err != nil {
				t.Fatalf("ReleaseLock: %v", err)
			}
			info, _ = store.Lock(ctx)
			if info.State != LockFree {
				t.Fatalf("state after release = %q", info.State)
			}

			ok, _ = store.AcquireLock(ctx, 30*time.Minute)
			if !ok {
				t.Fatal("acquire after release failed")
			}
		})
	}
}

func TestLockStaleTakeover(t *testing.T) {
	ctx := context.Background()

	sq, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer sq.Close()

	mem := NewMemory()

	base := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	sq.now = func() time.Time { return base }
	mem.Now = func() time.Time { return base }

	for name, store := range map[string]Store{"sqlite": sq, "memory": mem} {
		t.Run(name, func(t *testing.T) {
			if ok, err := store.AcquireLock(ctx, 30*time.Minute); err != nil || !ok {
				t.Fatalf("seed acquire: ok=%v err=%v", ok, err)
			}

			// One hour later the holder is presumed dead.
			later := base.Add(time.Hour)
			sq.now = func() time.Time { return later }
			mem.Now = func() time.Time { return later }

			ok, err := store.AcquireLock(ctx, 30*time.Minute)
			if err != nil {
				t.Fatalf("takeover: %v", err)
			}
			if !ok {
				t.Fatal("stale lock not taken over")
			}

			// Reset clocks for the next store.
			sq.now = func() time.Time { return base }
			mem.Now = func() time.Time { return base }
			if err := store.ReleaseLock(ctx); err != nil {
				t.Fatalf("release: %v", err)
			}
		})
	}
}

func TestAppendDictionary(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rows := []DictionaryRow{
				{TableID: "123__releve", FieldSlug: "temperature", Label: "Température", Type: "FLOAT64", Mode: "NULLABLE", SourceType: "number", SeenAt: time.Now().UTC()},
				{TableID: "123__releve", FieldSlug: "ok", Label: "OK", Type: "BOOL", Mode: "NULLABLE", SourceType: "yesno", SeenAt: time.Now().UTC()},
			}
			if err := store.AppendDictionary(ctx, rows); err != nil {
				t.Fatalf("AppendDictionary: %v", err)
			}
			if err := store.AppendDictionary(ctx, nil); err != nil {
				t.Fatalf("AppendDictionary(nil): %v", err)
			}
		})
	}
}
