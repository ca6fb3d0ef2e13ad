package main

import (
	"io"
	"testing"
	"time"
)

func TestParseFlags(t *testing.T) {
	rc, err := parseFlags([]string{"-form", "123", "-since", "2026-01-01", "-until", "2026-02-28"}, io.Discard)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if rc.FormID != "123" {
		t.Fatalf("form = %q", rc.FormID)
	}
	if rc.Since != time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) {
		t.Fatalf("since = %v", rc.Since)
	}
	wantUntil := time.Date(2026, 2, 28, 23, 59, 59, 0, time.UTC)
	if rc.Until != wantUntil {
		t.Fatalf("until = %v, want end of day", rc.Until)
	}
}

func TestParseFlagsMissingForm(t *testing.T) {
	if _, err := parseFlags(nil, io.Discard); err == nil {
		t.Fatal("missing -form must error")
	}
}

func TestParseFlagsBadRange(t *testing.T) {
	if _, err := parseFlags([]string{"-form", "1", "-since", "2026-02-01", "-until", "2026-01-01"}, io.Discard); err == nil {
		t.Fatal("inverted range must error")
	}
	if _, err := parseFlags([]string{"-form", "1", "-since", "01/02/2026"}, io.Discard); err == nil {
		t.Fatal("bad date format must error")
	}
}
