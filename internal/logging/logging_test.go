package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("LOG_FORMAT", "Console")

	opt := FromEnv("svc")
	if opt.Level != "debug" || opt.Format != "console" || opt.Service != "svc" {
		t.Fatalf("options = %+v", opt)
	}
}

func TestResolveConfigWinsOverEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "trace")
	t.Setenv("LOG_FORMAT", "console")

	opt := Resolve("warn", "json", "svc")
	if opt.Level != "warn" || opt.Format != "json" {
		t.Fatalf("config values overridden: %+v", opt)
	}
}

func TestResolveFallsBackToEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("LOG_FORMAT", "console")

	opt := Resolve("", "", "svc")
	if opt.Level != "error" || opt.Format != "console" {
		t.Fatalf("env fallback not applied: %+v", opt)
	}
}

func TestNewRespectsResolvedLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("LOG_FORMAT", "")

	var buf bytes.Buffer
	opt := Resolve("", "", "svc")
	opt.Writer = &buf
	log := New(opt)

	log.Info().Msg("quiet")
	log.Error().Msg("loud")

	out := buf.String()
	if strings.Contains(out, "quiet") {
		t.Fatalf("info event emitted at error level:\n%s", out)
	}
	if !strings.Contains(out, "loud") || !strings.Contains(out, `"service":"svc"`) {
		t.Fatalf("error event missing:\n%s", out)
	}
}
