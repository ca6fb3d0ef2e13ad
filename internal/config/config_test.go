package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validBigQuery = `{
	"kizeo": {"token": "tok-123"},
	"warehouse": {"kind": "bigquery", "project_id": "proj", "dataset": "forms"},
	"state": {"path": "/var/lib/formetl/state.db"},
	"forms": [{"form_id": "123"}]
}`

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validBigQuery))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Kizeo.Token != "tok-123" {
		t.Errorf("token = %q", cfg.Kizeo.Token)
	}
	// Defaults.
	if cfg.Run.Action != DefaultAction {
		t.Errorf("action = %q", cfg.Run.Action)
	}
	if cfg.Run.BatchLimit != DefaultBatchLimit {
		t.Errorf("batch limit = %d", cfg.Run.BatchLimit)
	}
	if cfg.Run.MarkReadChunk != DefaultMarkReadChunk {
		t.Errorf("mark read chunk = %d", cfg.Run.MarkReadChunk)
	}
	if cfg.LockStaleAfter() != DefaultLockStaleAfter {
		t.Errorf("lock stale after = %v", cfg.LockStaleAfter())
	}
	if cfg.DatadogFlushInterval() != DefaultFlushInterval {
		t.Errorf("flush interval = %v", cfg.DatadogFlushInterval())
	}
	// Logging stays blank so the binaries can fall back to the environment.
	if cfg.Logging.Level != "" || cfg.Logging.Format != "" {
		t.Errorf("logging section defaulted: %#v", cfg.Logging)
	}
}

func TestLoadMissingToken(t *testing.T) {
	body := strings.Replace(validBigQuery, `"token": "tok-123"`, `"token": ""`, 1)
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Fatal("empty token accepted")
	}
}

func TestLoadTokenFromEnv(t *testing.T) {
	body := strings.Replace(validBigQuery, `"token": "tok-123"`, `"token": ""`, 1)
	t.Setenv("KIZEO_TOKEN", "env-token")

	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Kizeo.Token != "env-token" {
		t.Errorf("token = %q", cfg.Kizeo.Token)
	}
}

func TestValidateSQLBackendsNeedDSN(t *testing.T) {
	cfg := &Config{
		Kizeo:     Kizeo{Token: "t"},
		Warehouse: Warehouse{Kind: "postgres", Dataset: "forms"},
		State:     State{Path: "/tmp/s.db"},
		Forms:     []Form{{FormID: "1"}},
	}
	cfg.applyDefaults()

	issues := cfg.Validate()
	if len(issues) == 0 {
		t.Fatal("postgres without dsn accepted")
	}
	found := false
	for _, i := range issues {
		if strings.Contains(i, "warehouse.dsn") {
			found = true
		}
	}
	if !found {
		t.Fatalf("issues = %v", issues)
	}
}

func TestValidateDuplicateForms(t *testing.T) {
	cfg := &Config{
		Kizeo:     Kizeo{Token: "t"},
		Warehouse: Warehouse{Kind: "bigquery", ProjectID: "p", Dataset: "d"},
		State:     State{Path: "/tmp/s.db"},
		Forms:     []Form{{FormID: "1"}, {FormID: "1"}},
	}
	cfg.applyDefaults()

	issues := cfg.Validate()
	found := false
	for _, i := range issues {
		if strings.Contains(i, "duplicate form_id") {
			found = true
		}
	}
	if !found {
		t.Fatalf("issues = %v", issues)
	}
}

func TestValidateNoFormsNoSync(t *testing.T) {
	cfg := &Config{
		Kizeo:     Kizeo{Token: "t"},
		Warehouse: Warehouse{Kind: "bigquery", ProjectID: "p", Dataset: "d"},
		State:     State{Path: "/tmp/s.db"},
	}
	cfg.applyDefaults()

	if issues := cfg.Validate(); len(issues) == 0 {
		t.Fatal("empty form set without sync accepted")
	}

	cfg.Run.SyncLists = true
	if issues := cfg.Validate(); len(issues) != 0 {
		t.Fatalf("sync-driven config rejected: %v", issues)
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := &Config{}
	cfg.Run.LockStaleAfterMinutes = 45
	cfg.Datadog.FlushIntervalSeconds = 10

	if cfg.LockStaleAfter() != 45*time.Minute {
		t.Errorf("LockStaleAfter = %v", cfg.LockStaleAfter())
	}
	if cfg.DatadogFlushInterval() != 10*time.Second {
		t.Errorf("DatadogFlushInterval = %v", cfg.DatadogFlushInterval())
	}
}
