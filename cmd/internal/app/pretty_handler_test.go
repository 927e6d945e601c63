package app

import (
	"log/slog"
	"strings"
	"testing"
)

func TestStripANSI(t *testing.T) {
	t.Parallel()

	in := ansiBlue + "INFO" + ansiReset + " plain " + ansiRed + "ERR" + ansiReset
	got := stripANSI(in)
	want := "INFO plain ERR"
	if got != want {
		t.Fatalf("stripANSI()=%q want=%q", got, want)
	}
}

func TestWrapSegments_WrapsForNarrowWidth(t *testing.T) {
	t.Parallel()

	s1 := strings.Repeat("a", 20)
	s2 := strings.Repeat("b", 20)
	s3 := strings.Repeat("c", 20)

	lines := wrapSegments(
		[]string{s1, s2, s3},
		" | ",
		60,
		"-> ",
	)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d (%v)", len(lines), lines)
	}
	if lines[0] != s1+" | "+s2 {
		t.Fatalf("line[0]=%q want %q", lines[0], s1+" | "+s2)
	}
	if lines[1] != "-> "+s3 {
		t.Fatalf("line[1]=%q want %q", lines[1], "-> "+s3)
	}
}

func TestWrapSegments_TruncatesLongSegment(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", 80)

	lines := wrapSegments(
		[]string{long},
		" | ",
		60,
		"-> ",
	)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if visualLen(lines[0]) > 60 {
		t.Fatalf("line too wide: %q (visualLen=%d)", lines[0], visualLen(lines[0]))
	}
	if !strings.Contains(lines[0], "…") {
		t.Fatalf("expected truncation marker in %q", lines[0])
	}
}

func TestTerminalWidth_PrefersExplicitOverride(t *testing.T) {
	h := &prettyHandler{}

	t.Setenv("TASKCHAT_LOG_WIDTH", "88")
	t.Setenv("COLUMNS", "132")
	if got := h.terminalWidth(); got != 88 {
		t.Fatalf("terminalWidth()=%d want 88", got)
	}
}

func TestTerminalWidth_UsesColumnsWhenOverrideMissing(t *testing.T) {
	h := &prettyHandler{}

	t.Setenv("TASKCHAT_LOG_WIDTH", "")
	t.Setenv("COLUMNS", "72")
	if got := h.terminalWidth(); got != 72 {
		t.Fatalf("terminalWidth()=%d want 72", got)
	}
}

func TestWrapSegments_IgnoresColorCodesInWidth(t *testing.T) {
	t.Parallel()

	seg := ansiGreen + strings.Repeat("g", 30) + ansiReset
	lines := wrapSegments([]string{seg, seg}, " ", 61, "    ")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d (%q)", len(lines), lines)
	}
	if got := visualLen(lines[0]); got != 61 {
		t.Fatalf("visualLen=%d want 61", got)
	}
}

func TestPrettyHandler_WritesSegments(t *testing.T) {
	t.Setenv("TASKCHAT_LOG_WIDTH", "200")

	var buf strings.Builder
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false))
	log.With("session_id", "s1").Info("ws.reject.origin", "status", 403, "duration_ms", 12, "origin", "https://evil.example")

	got := buf.String()
	for _, want := range []string{"[INFO]", "ws.reject.origin", "session_id=s1", "status=403", "duration=12ms", "origin=https://evil.example"} {
		if !strings.Contains(got, want) {
			t.Fatalf("output %q missing %q", got, want)
		}
	}
	if strings.Contains(got, "\x1b[") {
		t.Fatalf("uncolored output contains ANSI codes: %q", got)
	}
}

func TestTerminalWidth_FallbackDefault(t *testing.T) {
	h := &prettyHandler{}

	t.Setenv("TASKCHAT_LOG_WIDTH", "10")
	t.Setenv("COLUMNS", "20")
	if got := h.terminalWidth(); got != 100 {
		t.Fatalf("terminalWidth()=%d want 100", got)
	}
}
