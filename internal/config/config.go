// Package config loads and validates the pipeline configuration file.
//
// The file is JSON. Secrets (API token, DSN) may be supplied via environment
// variables instead of the file; the environment wins when both are set.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
)

type Config struct {
	Kizeo     Kizeo     `json:"kizeo"`
	Warehouse Warehouse `json:"warehouse"`
	State     State     `json:"state"`
	Media     Media     `json:"media"`
	Run       Run       `json:"run"`
	Logging   Logging   `json:"logging"`
	Datadog   Datadog   `json:"datadog"`

	// Forms is the static form allowlist. When list sync is enabled, the
	// synced set supersedes entries here.
	Forms []Form `json:"forms" validate:"dive"`
}

type Kizeo struct {
	// Token authenticates against the forms API. Env: KIZEO_TOKEN.
	Token string `json:"token" validate:"required"`
	// BaseURL overrides the production endpoint. Optional.
	BaseURL string `json:"base_url" validate:"omitempty,url"`
}

type Warehouse struct {
	// Kind selects the backend: "bigquery" | "postgres" | "sqlite".
	Kind      string `json:"kind" validate:"required,oneof=bigquery postgres sqlite"`
	ProjectID string `json:"project_id" validate:"required_if=Kind bigquery"`
	Dataset   string `json:"dataset" validate:"required_unless=Kind sqlite"`
	// DSN for SQL backends. Env: WAREHOUSE_DSN.
	DSN      string `json:"dsn"`
	Location string `json:"location"`
}

type State struct {
	// Path of the SQLite bookkeeping database.
	Path string `json:"path" validate:"required"`
}

type Media struct {
	// Bucket enables attachment mirroring when set.
	Bucket string `json:"bucket"`
}

type Run struct {
	// Action is the default mark-as-read action namespace.
	Action string `json:"action"`
	// BatchLimit is the default unread page size per form.
	BatchLimit int `json:"batch_limit" validate:"omitempty,gt=0"`
	// MarkReadChunk caps ids per mark-as-read call.
	MarkReadChunk int `json:"mark_read_chunk" validate:"omitempty,gt=0"`
	// LockStaleAfter is how old a held lock must be before takeover.
	LockStaleAfterMinutes int `json:"lock_stale_after_minutes" validate:"omitempty,gt=0"`
	// SyncLists enables the external-list sync-back step.
	SyncLists bool `json:"sync_lists"`
}

// Logging is left blank-tolerant: unset fields fall back to the LOG_LEVEL
// and LOG_FORMAT environment variables, then to the logger's own defaults.
type Logging struct {
	Level  string `json:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Format string `json:"format" validate:"omitempty,oneof=json console"`
}

type Datadog struct {
	Enabled bool `json:"enabled"`
	// Env tags submitted series; falls back to the DD_ENV variable.
	Env string `json:"env"`
	// Tags is a comma-separated extra tag list ("team:data,region:eu").
	Tags string `json:"tags"`
	// FlushIntervalSeconds between metric submissions.
	FlushIntervalSeconds int `json:"flush_interval_seconds" validate:"omitempty,gt=0"`
}

type Form struct {
	FormID string `json:"form_id" validate:"required"`
	// TableName overrides the derived parent table name. Optional.
	TableName string `json:"table_name"`
	// Action overrides Run.Action for this form.
	Action string `json:"action"`
	// BatchLimit overrides Run.BatchLimit for this form.
	BatchLimit int `json:"batch_limit" validate:"omitempty,gt=0"`
	// Ingest gates warehouse writes; nil means enabled.
	Ingest *bool `json:"ingest"`
}

// Defaults applied by Load for unset fields.
const (
	DefaultAction         = "bq_ingest"
	DefaultBatchLimit     = 100
	DefaultMarkReadChunk  = 50
	DefaultLockStaleAfter = 30 * time.Minute
	DefaultFlushInterval  = 15 * time.Second
)

// Load reads, overlays environment secrets, applies defaults, and validates.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if issues := cfg.Validate(); len(issues) > 0 {
		return nil, fmt.Errorf("config: invalid %s: %v", path, issues)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("KIZEO_TOKEN"); v != "" {
		c.Kizeo.Token = v
	}
	if v := os.Getenv("WAREHOUSE_DSN"); v != "" {
		c.Warehouse.DSN = v
	}
}

func (c *Config) applyDefaults() {
	if c.Run.Action == "" {
		c.Run.Action = DefaultAction
	}
	if c.Run.BatchLimit == 0 {
		c.Run.BatchLimit = DefaultBatchLimit
	}
	if c.Run.MarkReadChunk == 0 {
		c.Run.MarkReadChunk = DefaultMarkReadChunk
	}
	if c.Run.LockStaleAfterMinutes == 0 {
		c.Run.LockStaleAfterMinutes = int(DefaultLockStaleAfter / time.Minute)
	}
	if c.Datadog.FlushIntervalSeconds == 0 {
		c.Datadog.FlushIntervalSeconds = int(DefaultFlushInterval / time.Second)
	}
}

// LockStaleAfter returns the takeover threshold as a duration.
func (c *Config) LockStaleAfter() time.Duration {
	return time.Duration(c.Run.LockStaleAfterMinutes) * time.Minute
}

// DatadogFlushInterval returns the metric flush cadence as a duration.
func (c *Config) DatadogFlushInterval() time.Duration {
	return time.Duration(c.Datadog.FlushIntervalSeconds) * time.Second
}

// validate is shared; struct tags carry the field rules.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate returns every problem found, not just the first, so an operator
// can fix a config file in one pass.
func (c *Config) Validate() []string {
	var issues []string

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				issues = append(issues, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
		} else {
			issues = append(issues, err.Error())
		}
	}

	// Cross-field rules the tag vocabulary cannot express.
	switch c.Warehouse.Kind {
	case "postgres":
		if c.Warehouse.DSN == "" {
			issues = append(issues, "warehouse.dsn: required for kind=postgres")
		}
	case "sqlite":
		if c.Warehouse.DSN == "" {
			issues = append(issues, "warehouse.dsn: required for kind=sqlite (database file path)")
		}
	}
	if len(c.Forms) == 0 && !c.Run.SyncLists {
		issues = append(issues, "forms: empty and run.sync_lists disabled; nothing would ever be ingested")
	}

	seen := map[string]bool{}
	for _, f := range c.Forms {
		if seen[f.FormID] {
			issues = append(issues, fmt.Sprintf("forms: duplicate form_id %q", f.FormID))
		}
		seen[f.FormID] = true
	}
	return issues
}
