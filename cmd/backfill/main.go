// Command backfill replays a form's full historical dataset through the
// warehouse pipeline, optionally bounded by a date range. Nothing is marked
// as read and scheduled-run watermarks stay untouched.
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
	"formetl/internal/statestore"
	"formetl/internal/warehouse"

	_ "formetl/internal/warehouse/bigquery"
	_ "formetl/internal/warehouse/postgres"
	_ "formetl/internal/warehouse/sqlite"
)

type deps struct {
	Stderr io.Writer

	OpenStore  func(ctx context.Context, path string) (statestore.Store, error)
	NewGateway func(ctx context.Context, cfg warehouse.Config) (warehouse.Gateway, error)
}

type runConfig struct {
	ConfigPath string
	FormID     string
	Since      time.Time
	Until      time.Time
}

func main() {
	code := run(context.Background(), os.Args[1:], deps{
		Stderr: os.Stderr,
		OpenStore: func(ctx context.Context, path string) (statestore.Store, error) {
			return statestore.OpenSQLite(ctx, path)
		},
		NewGateway: warehouse.New,
	})
	os.Exit(code)
}

func parseFlags(args []string, stderr io.Writer) (runConfig, error) {
	var (
		rc       runConfig
		sinceStr string
		untilStr string
	)
	fs := flag.NewFlagSet("backfill", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&rc.ConfigPath, "config", "configs/formetl.json", "pipeline config JSON path")
	fs.StringVar(&rc.FormID, "form", "", "form id to backfill (required)")
	fs.StringVar(&sinceStr, "since", "", "lower bound, YYYY-MM-DD (inclusive)")
	fs.StringVar(&untilStr, "until", "", "upper bound, YYYY-MM-DD (inclusive)")
	if err := fs.Parse(args); err != nil {
		return rc, err
	}

	if rc.FormID == "" {
		return rc, errors.New("missing required -form")
	}
	var err error
	if rc.Since, err = parseDay(sinceStr, false); err != nil {
		return rc, fmt.Errorf("-since: %w", err)
	}
	if rc.Until, err = parseDay(untilStr, true); err != nil {
		return rc, fmt.Errorf("-until: %w", err)
	}
	if !rc.Since.IsZero() && !rc.Until.IsZero() && rc.Until.Before(rc.Since) {
		return rc, errors.New("-until is before -since")
	}
	return rc, nil
}

// parseDay parses a YYYY-MM-DD bound. Upper bounds cover the whole day.
func parseDay(s string, endOfDay bool) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Second)
	}
	return t, nil
}

// run executes the backfill and returns an exit code: 0 on success, 1 on a
// run failure, 2 on a configuration/initialization error.
func run(ctx context.Context, args []string, d deps) int {
	if d.Stderr == nil {
		d.Stderr = io.Discard
	}

	rc, err := parseFlags(args, d.Stderr)
	if err != nil {
		fmt.Fprintf(d.Stderr, "backfill: %v\n", err)
		return 2
	}

	cfg, err := config.Load(rc.ConfigPath)
	if err != nil {
		fmt.Fprintf(d.Stderr, "backfill: %v\n", err)
		return 2
	}

	logOpt := logging.Resolve(cfg.Logging.Level, cfg.Logging.Format, "formetl-backfill")
	logOpt.Writer = d.Stderr
	log := logging.New(logOpt)

	store, err := d.OpenStore(ctx, cfg.State.Path)
	if err != nil {
		log.Error().Err(err).Msg("open state store")
		return 2
	}
	defer store.Close()

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

	coordinator := ingest.NewCoordinator(api, gw, store, media.NewPipeline(api, nil, log), log, nil, ingest.Options{
		LockStaleAfter: cfg.LockStaleAfter(),
	})

	result, err := ingest.NewBackfillRunner(coordinator).Run(ctx, rc.FormID, rc.Since, rc.Until)
	if errors.Is(err, ingest.ErrRunInProgress) {
		log.Warn().Msg("another run holds the lock, try again later")
		return 1
	}
	if err != nil {
		log.Error().Err(err).Msg("backfill failed")
		return 1
	}

	log.Info().Int("candidates", result.Candidates).Int("rows", result.RowCount).Msg("backfill complete")
	return 0
}
