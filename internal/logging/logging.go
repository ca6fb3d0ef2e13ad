// Package logging provides the zerolog bootstrap used by the pipeline
// binaries. Library packages accept a *zerolog.Logger (or the narrower
// seams they define) instead of reaching for a global.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Options configures the root logger.
type Options struct {
	// Level is one of trace/debug/info/warn/error. Defaults to info.
	Level string
	// Format is "console" or "json". Defaults to json.
	Format string
	// Service is added as a static field on every event.
	Service string
	// Writer overrides the output destination (tests). Defaults to stderr.
	Writer io.Writer
}

// New builds a configured zerolog.Logger.
func New(opt Options) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var w io.Writer = os.Stderr
	if opt.Writer != nil {
		w = opt.Writer
	}
	if strings.EqualFold(opt.Format, "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	ctx := zerolog.New(w).Level(parseLevel(opt.Level)).With().Timestamp()
	if opt.Service != "" {
		ctx = ctx.Str("service", opt.Service)
	}
	return ctx.Logger()
}

// FromEnv builds Options from LOG_LEVEL / LOG_FORMAT.
func FromEnv(service string) Options {
	return Options{
		Level:   strings.ToLower(os.Getenv("LOG_LEVEL")),
		Format:  strings.ToLower(os.Getenv("LOG_FORMAT")),
		Service: service,
	}
}

// Resolve merges the config file's logging section over the environment:
// explicit values win, blanks fall back to LOG_LEVEL / LOG_FORMAT. The
// binaries build their root logger through this.
func Resolve(level, format, service string) Options {
	opt := FromEnv(service)
	if level != "" {
		opt.Level = level
	}
	if format != "" {
		opt.Format = format
	}
	return opt
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "", "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
