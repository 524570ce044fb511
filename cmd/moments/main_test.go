package main

import (
	"testing"
	"time"
)

func TestResolveSummaryDate(t *testing.T) {
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.Local)

	got, err := resolveSummaryDate("", now)
	if err != nil {
		t.Fatalf("resolveSummaryDate failed: %v", err)
	}
	if got != "2026-08-27" {
		t.Fatalf("default = %q, want yesterday", got)
	}

	got, err = resolveSummaryDate("2026-08-01", now)
	if err != nil {
		t.Fatalf("resolveSummaryDate failed: %v", err)
	}
	if got != "2026-08-01" {
		t.Fatalf("got %q, want the given day", got)
	}

	for _, bad := range []string{"2026-8-1", "yesterday", "2026/08/01"} {
		if _, err := resolveSummaryDate(bad, now); err == nil {
			t.Fatalf("%q should be rejected", bad)
		}
	}
}
