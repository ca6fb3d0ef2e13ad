// Command formetl runs one ingestion pass: unread form submissions are
// fetched from the Kizeo Forms API, flattened, written to the configured
// warehouse backend, synced back to external lists and marked as read.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"formetl/internal/config"
	"formetl/internal/ingest"
	"formetl/internal/kizeo"
	"formetl/internal/logging"
	"formetl/internal/media"
	"formetl/internal/metrics"
	"formetl/internal/metrics/datadog"
	"formetl/internal/statestore"
	"formetl/internal/warehouse"

	// register all warehouse backends with the factory.
	_ "formetl/internal/warehouse/bigquery"
	_ "formetl/internal/warehouse/postgres"
	_ "formetl/internal/warehouse/sqlite"
)

// backendCloser is the minimal interface this command needs from a metrics
// backend.
type backendCloser interface {
	metrics.Backend
	Close() error
}

// deps are external seams for testability.
type deps struct {
	Stderr io.Writer

	BackendFactory func(ctx context.Context, tags []string, flushEvery time.Duration) (backendCloser, error)
	OpenStore      func(ctx context.Context, path string) (statestore.Store, error)
	NewGateway     func(ctx context.Context, cfg warehouse.Config) (warehouse.Gateway, error)
	NewObjectStore func(ctx context.Context, bucket string) (media.ObjectStore, error)
}

// runConfig holds the parsed flags.
type runConfig struct {
	ConfigPath  string
	Validate    bool
	ForceUnlock bool
}

func main() {
	code := run(context.Background(), os.Args[1:], deps{
		Stderr: os.Stderr,
		BackendFactory: func(ctx context.Context, tags []string, flushEvery time.Duration) (backendCloser, error) {
			return datadog.NewBackend(ctx, datadog.Options{
				JobName:    "formetl",
				Tags:       tags,
				FlushEvery: flushEvery,
			})
		},
		OpenStore: func(ctx context.Context, path string) (statestore.Store, error) {
			return statestore.OpenSQLite(ctx, path)
		},
		NewGateway: warehouse.New,
		NewObjectStore: func(ctx context.Context, bucket string) (media.ObjectStore, error) {
			return media.NewGCSStore(ctx, bucket)
		},
	})
	os.Exit(code)
}

// parseFlags parses the command line. It returns an error instead of exiting
// so tests can drive it.
func parseFlags(args []string, stderr io.Writer) (runConfig, error) {
	var rc runConfig
	fs := flag.NewFlagSet("formetl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&rc.ConfigPath, "config", "configs/formetl.json", "pipeline config JSON path")
	fs.BoolVar(&rc.Validate, "validate", false, "validate the configuration and exit")
	fs.BoolVar(&rc.ForceUnlock, "force-unlock", false, "reset a stuck run lock and exit")
	if err := fs.Parse(args); err != nil {
		return rc, err
	}
	return rc, nil
}

// run executes the command and returns an exit code.
//
// Exit codes:
//   - 0: success, or another run already in progress (cooperative skip).
//   - 1: at least one form run failed.
//   - 2: configuration/initialization error.
func run(ctx context.Context, args []string, d deps) int {
	if d.Stderr == nil {
		d.Stderr = io.Discard
	}

	rc, err := parseFlags(args, d.Stderr)
	if err != nil {
		return 2
	}

	cfg, err := config.Load(rc.ConfigPath)
	if err != nil {
		fmt.Fprintf(d.Stderr, "formetl: %v\n", err)
		return 2
	}
	if rc.Validate {
		fmt.Fprintf(d.Stderr, "configuration is valid: %s\n", rc.ConfigPath)
		return 0
	}

	logOpt := logging.Resolve(cfg.Logging.Level, cfg.Logging.Format, "formetl")
	logOpt.Writer = d.Stderr
	log := logging.New(logOpt)

	if cfg.Datadog.Enabled && d.BackendFactory != nil {
		tags := datadog.ParseTagsCSV(cfg.Datadog.Tags)
		if cfg.Datadog.Env != "" {
			tags = append(tags, "env:"+cfg.Datadog.Env)
		}
		backend, err := d.BackendFactory(ctx, tags, cfg.DatadogFlushInterval())
		if err != nil {
			log.Error().Err(err).Msg("metrics backend init failed, continuing without")
		} else {
			metrics.SetBackend(backend)
			defer backend.Close()
		}
	}

	store, err := d.OpenStore(ctx, cfg.State.Path)
	if err != nil {
		log.Error().Err(err).Msg("open state store")
		return 2
	}
	defer store.Close()

	if rc.ForceUnlock {
		if err := store.ReleaseLock(ctx); err != nil {
			log.Error().Err(err).Msg("force unlock")
			return 1
		}
		log.Info().Msg("run lock reset to idle")
		return 0
	}

	if err := seedForms(ctx, store, cfg); err != nil {
		log.Error().Err(err).Msg("seed form configuration")
		return 2
	}

	gw, err := d.NewGateway(ctx, warehouse.Config{
		Kind:      cfg.Warehouse.Kind,
		ProjectID: cfg.Warehouse.ProjectID,
		Dataset:   cfg.Warehouse.Dataset,
		DSN:       cfg.Warehouse.DSN,
		Location:  cfg.Warehouse.Location,
	})
	if err != nil {
		log.Error().Err(err).Msg("open warehouse")
		return 2
	}
	defer gw.Close()

	var opts []kizeo.Option
	if cfg.Kizeo.BaseURL != "" {
		opts = append(opts, kizeo.WithBaseURL(cfg.Kizeo.BaseURL))
	}
	api := kizeo.NewClient(cfg.Kizeo.Token, opts...)

	var objects media.ObjectStore
	if cfg.Media.Bucket != "" && d.NewObjectStore != nil {
		objects, err = d.NewObjectStore(ctx, cfg.Media.Bucket)
		if err != nil {
			log.Error().Err(err).Msg("open media bucket")
			return 2
		}
		defer objects.Close()
	}
	pipeline := media.NewPipeline(api, objects, log)

	coordinator := ingest.NewCoordinator(api, gw, store, pipeline, log, nil, ingest.Options{
		MarkReadChunk:  cfg.Run.MarkReadChunk,
		SyncLists:      cfg.Run.SyncLists,
		LockStaleAfter: cfg.LockStaleAfter(),
	})

	runs, err := coordinator.RunAll(ctx)
	if errors.Is(err, ingest.ErrRunInProgress) {
		log.Warn().Msg("another run holds the lock, skipping")
		return 0
	}
	if err != nil {
		log.Error().Err(err).Msg("pipeline run failed")
		return 1
	}

	code := 0
	for _, r := range runs {
		if r.Result.Status == ingest.StatusError {
			code = 1
		}
	}
	if err := metrics.Flush(); err != nil {
		log.Warn().Err(err).Msg("metrics flush failed")
	}
	return code
}

// seedForms upserts the configured form allowlist into the state store,
// preserving each form's existing watermarks.
func seedForms(ctx context.Context, store statestore.Store, cfg *config.Config) error {
	for _, f := range cfg.Forms {
		st, found, err := store.GetForm(ctx, f.FormID)
		if err != nil {
			return fmt.Errorf("load form %s: %w", f.FormID, err)
		}
		if !found {
			st = statestore.FormState{FormID: f.FormID}
		}

		if f.TableName != "" {
			st.TableName = f.TableName
		}
		st.Action = f.Action
		if st.Action == "" {
			st.Action = cfg.Run.Action
		}
		st.BatchLimit = f.BatchLimit
		if st.BatchLimit == 0 {
			st.BatchLimit = cfg.Run.BatchLimit
		}
		st.IngestEnabled = f.Ingest == nil || *f.Ingest

		if err := store.SaveForm(ctx, st); err != nil {
			return fmt.Errorf("save form %s: %w", f.FormID, err)
		}
	}
	return nil
}
