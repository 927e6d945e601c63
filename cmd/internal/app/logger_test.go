package app

import (
	"context"
	"log/slog"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		got := parseLogLevel(tc.in)
		if got != tc.want {
			t.Fatalf("parseLogLevel(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestNewLogger_SelectsHandler(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	cases := []struct {
		format string
		pretty bool
	}{
		{format: "pretty", pretty: true},
		{format: " Console ", pretty: true},
		{format: "json", pretty: false},
		{format: "", pretty: false},
	}

	for _, tc := range cases {
		log := NewLogger("debug", tc.format)
		_, isPretty := log.Handler().(*prettyHandler)
		if isPretty != tc.pretty {
			t.Fatalf("format=%q pretty=%v want=%v", tc.format, isPretty, tc.pretty)
		}
		if !log.Enabled(context.Background(), slog.LevelDebug) {
			t.Fatalf("format=%q: debug level not enabled", tc.format)
		}
	}
}
