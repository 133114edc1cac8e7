package logx

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" INFO ", zerolog.InfoLevel},
		{"Warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"trace", zerolog.TraceLevel},
		{"", zerolog.InfoLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in, zerolog.InfoLevel); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	if got := truncate("short", 100); got != "short" {
		t.Fatalf("got %q", got)
	}
	long := strings.Repeat("x", 50)
	got := truncate(long, 20)
	if len(got) != 20 || !strings.HasSuffix(got, "...") {
		t.Fatalf("got %q (len %d)", got, len(got))
	}
	if got := truncate(long, 5); got != "xxxxx" {
		t.Fatalf("tiny cap: got %q", got)
	}
}

func TestFormatTelegramJSON(t *testing.T) {
	t.Parallel()
	line := `{"level":"error","time":"2026-08-20T04:00:00Z","message":"cycle failed","stage":"up","exit_code":1}`
	got := formatTelegramJSON([]byte(line))
	if !strings.HasPrefix(got, "[ERROR] cycle failed") {
		t.Fatalf("got %q", got)
	}
	if !strings.Contains(got, "stage=up") || !strings.Contains(got, "exit_code=1") {
		t.Fatalf("fields missing: %q", got)
	}
	if strings.Contains(got, "time=") {
		t.Fatalf("time should be dropped: %q", got)
	}

	if got := formatTelegramJSON([]byte("plain text line\n")); got != "plain text line" {
		t.Fatalf("non-JSON: got %q", got)
	}
}

func TestNopLoggerSafe(t *testing.T) {
	t.Parallel()
	l := Nop()
	l.Info("ignored", String("k", "v"), Int("n", 1))
	l.With(Bool("b", true)).Error("also ignored")
}
