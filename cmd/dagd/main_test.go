package main

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestParseDate(t *testing.T) {
	t.Parallel()
	want := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, raw := range []string{"2025-01-01", "2025-01-01T00:00:00", "2025-01-01T00:00:00Z", "2025-01-01T07:00:00+07:00"} {
		got, err := parseDate(raw)
		if err != nil || !got.Equal(want) {
			t.Errorf("parseDate(%q) = %s, %v", raw, got, err)
		}
	}
	if _, err := parseDate("01/01/2025"); err == nil {
		t.Error("expected error")
	}
}

func TestListCommand(t *testing.T) {
	var buf bytes.Buffer
	if err := dispatch("list", "", nil, &buf); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"my_dag", "@daily", "print_hello", "from now"} {
		if !strings.Contains(out, want) {
			t.Fatalf("list output missing %q:\n%s", want, out)
		}
	}
}

func TestUnknownCommand(t *testing.T) {
	if err := dispatch("frobnicate", "", nil, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error")
	}
}
