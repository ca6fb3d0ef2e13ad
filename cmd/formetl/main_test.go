package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"formetl/internal/config"
	"formetl/internal/statestore"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "formetl.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validConfig = `{
	"kizeo": {"token": "secret"},
	"warehouse": {"kind": "sqlite", "dsn": "file:wh.db"},
	"state": {"path": "state.db"},
	"forms": [{"form_id": "123"}]
}`

func TestParseFlags(t *testing.T) {
	rc, err := parseFlags([]string{"-config", "x.json", "-force-unlock"}, io.Discard)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if rc.ConfigPath != "x.json" || !rc.ForceUnlock || rc.Validate {
		t.Fatalf("flags = %+v", rc)
	}

	if _, err := parseFlags([]string{"-nope"}, io.Discard); err == nil {
		t.Fatal("unknown flag must error")
	}
}

func TestRunMissingConfig(t *testing.T) {
	code := run(context.Background(), []string{"-config", "/does/not/exist.json"}, deps{Stderr: io.Discard})
	if code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
}

func TestRunValidateOnly(t *testing.T) {
	path := writeConfig(t, validConfig)
	code := run(context.Background(), []string{"-config", path, "-validate"}, deps{Stderr: io.Discard})
	if code != 0 {
		t.Fatalf("exit code = %d, want 0 for a valid config", code)
	}
}

func TestSeedForms(t *testing.T) {
	store := statestore.NewMemory()
	disabled := false
	cfg := &config.Config{
		Run: config.Run{Action: "etl", BatchLimit: 100},
		Forms: []config.Form{
			{FormID: "1"},
			{FormID: "2", Action: "custom", BatchLimit: 5, TableName: "2__fixe", Ingest: &disabled},
		},
	}

	if err := seedForms(context.Background(), store, cfg); err != nil {
		t.Fatalf("seed: %v", err)
	}

	first, _, _ := store.GetForm(context.Background(), "1")
	if first.Action != "etl" || first.BatchLimit != 100 || !first.IngestEnabled {
		t.Fatalf("defaults not applied: %+v", first)
	}

	second, _, _ := store.GetForm(context.Background(), "2")
	if second.Action != "custom" || second.BatchLimit != 5 || second.TableName != "2__fixe" {
		t.Fatalf("overrides not applied: %+v", second)
	}
	if second.IngestEnabled {
		t.Fatalf("ingest toggle not applied")
	}
}

func TestSeedFormsKeepsWatermarks(t *testing.T) {
	store := statestore.NewMemory()
	if err := store.SaveForm(context.Background(), statestore.FormState{
		FormID:     "1",
		LastDataID: "record-055",
	}); err != nil {
		t.Fatalf("save: %v", err)
	}

	cfg := &config.Config{
		Run:   config.Run{Action: "etl", BatchLimit: 100},
		Forms: []config.Form{{FormID: "1"}},
	}
	if err := seedForms(context.Background(), store, cfg); err != nil {
		t.Fatalf("seed: %v", err)
	}

	st, _, _ := store.GetForm(context.Background(), "1")
	if st.LastDataID != "record-055" {
		t.Fatalf("watermark lost: %+v", st)
	}
}
