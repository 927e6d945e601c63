package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	prettyDefaultWidth = 100
	prettyMinWidth     = 40
	prettyContPrefix   = "    "
)

// prettyHandler is a console slog.Handler: one key=value segment per attr,
// wrapped to the terminal width.
type prettyHandler struct {
	w      io.Writer
	opts   slog.HandlerOptions
	attrs  []slog.Attr
	groups []string
	color  bool
	mu     *sync.Mutex
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, color bool) slog.Handler {
	h := &prettyHandler{
		w:     w,
		color: color,
		mu:    &sync.Mutex{},
	}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	segs := []string{
		applyDim(ts.Format("15:04:05.000"), h.color),
		levelTag(r.Level, h.color),
		applyBold(r.Message, h.color),
	}

	for _, a := range h.attrs {
		segs = h.appendAttr(segs, a, "")
	}
	r.Attrs(func(a slog.Attr) bool {
		segs = h.appendAttr(segs, a, "")
		return true
	})

	if h.opts.AddSource && r.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{r.PC})
		frame, _ := frames.Next()
		if frame.File != "" {
			segs = append(segs, applyDim(fmt.Sprintf("src=%s:%d", filepath.Base(frame.File), frame.Line), h.color))
		}
	}

	lines := wrapSegments(segs, " ", h.terminalWidth(), prettyContPrefix)

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, strings.Join(lines, "\n")+"\n")
	return err
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &cp
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	if strings.TrimSpace(name) == "" {
		return h
	}
	cp := *h
	cp.groups = append(append([]string{}, h.groups...), name)
	return &cp
}

// terminalWidth prefers TASKCHAT_LOG_WIDTH, then COLUMNS. Values below
// prettyMinWidth are ignored.
func (h *prettyHandler) terminalWidth() int {
	for _, key := range []string{"TASKCHAT_LOG_WIDTH", "COLUMNS"} {
		n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
		if err == nil && n >= prettyMinWidth {
			return n
		}
	}
	return prettyDefaultWidth
}

func (h *prettyHandler) appendAttr(segs []string, a slog.Attr, parent string) []string {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return segs
	}

	key := strings.TrimSpace(a.Key)
	if key == "" {
		return segs
	}

	fullKey := key
	if parent != "" {
		fullKey = parent + "." + key
	}
	if len(h.groups) > 0 && parent == "" {
		fullKey = strings.Join(h.groups, ".") + "." + fullKey
	}

	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			segs = h.appendAttr(segs, ga, fullKey)
		}
		return segs
	}

	return append(segs, applyDim(remapPrettyKey(fullKey)+"=", h.color)+h.prettyValue(key, a.Value))
}

func (h *prettyHandler) prettyValue(key string, v slog.Value) string {
	switch key {
	case "method":
		return colorizeHTTPMethod(strings.ToUpper(strings.TrimSpace(v.String())), h.color)
	case "path", "route":
		return paint(strings.TrimSpace(v.String()), ansiCyan, h.color)
	case "status":
		if n, ok := valueToInt64(v); ok {
			return colorizeStatusCode(int(n), h.color)
		}
	case "status_class", "class":
		return colorizeStatusClass(strings.TrimSpace(v.String()), h.color)
	case "duration_ms":
		if n, ok := valueToInt64(v); ok {
			return colorizeDurationMS(n, h.color)
		}
	case "result":
		return colorizeResult(strings.ToLower(strings.TrimSpace(v.String())), h.color)
	case "err":
		return paint(quoteIfNeeded(valueToString(v)), ansiRed, h.color)
	}

	return quoteIfNeeded(valueToString(v))
}

func remapPrettyKey(k string) string {
	switch k {
	case "status_class":
		return "class"
	case "duration_ms":
		return "duration"
	default:
		return k
	}
}

// wrapSegments joins segs with sep into lines no wider than width. Lines
// after the first start with contPrefix. A segment that cannot fit on a line
// of its own is cut and marked with "…".
func wrapSegments(segs []string, sep string, width int, contPrefix string) []string {
	if width <= 0 {
		return []string{strings.Join(segs, sep)}
	}

	var (
		lines  []string
		cur    strings.Builder
		curLen int
		fresh  = true
	)
	sepLen := visualLen(sep)

	for _, seg := range segs {
		if seg == "" {
			continue
		}
		if !fresh && curLen+sepLen+visualLen(seg) > width {
			lines = append(lines, cur.String())
			cur.Reset()
			cur.WriteString(contPrefix)
			curLen = visualLen(contPrefix)
			fresh = true
		}
		if !fresh {
			cur.WriteString(sep)
			curLen += sepLen
		}
		if avail := width - curLen; visualLen(seg) > avail {
			seg = truncateVisual(seg, avail)
		}
		cur.WriteString(seg)
		curLen += visualLen(seg)
		fresh = false
	}
	if cur.Len() > 0 {
		lines = append(lines, cur.String())
	}
	return lines
}

func truncateVisual(s string, n int) string {
	if n <= 1 {
		return "…"
	}
	r := []rune(stripANSI(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-1]) + "…"
}

func valueToString(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindBool:
		return strconv.FormatBool(v.Bool())
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	default:
		return fmt.Sprint(v.Any())
	}
}

func quoteIfNeeded(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

func levelTag(level slog.Level, color bool) string {
	switch {
	case level >= slog.LevelError:
		return paint("[ERROR]", ansiRed, color)
	case level >= slog.LevelWarn:
		return paint("[WARN]", ansiYellow, color)
	case level < slog.LevelInfo:
		return paint("[DEBUG]", ansiMagenta, color)
	default:
		return paint("[INFO]", ansiBlue, color)
	}
}

func applyDim(s string, color bool) string {
	return paint(s, ansiDim, color)
}

func applyBold(s string, color bool) string {
	return paint(s, ansiBright, color)
}
