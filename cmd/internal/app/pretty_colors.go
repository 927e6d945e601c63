package app

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	ansiReset   = "\x1b[0m"
	ansiBright  = "\x1b[1m"
	ansiDim     = "\x1b[2m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
)

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func stripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// visualLen is the printed width of s in runes, ignoring color codes.
func visualLen(s string) int {
	return utf8.RuneCountInString(stripANSI(s))
}

func paint(s, code string, color bool) string {
	if !color || code == "" {
		return s
	}
	return code + s + ansiReset
}

func colorizeHTTPMethod(method string, color bool) string {
	switch method {
	case "GET", "HEAD":
		return paint(method, ansiGreen, color)
	case "POST":
		return paint(method, ansiBlue, color)
	case "PUT", "PATCH":
		return paint(method, ansiYellow, color)
	case "DELETE":
		return paint(method, ansiRed, color)
	default:
		return paint(method, ansiMagenta, color)
	}
}

func colorizeStatusCode(status int, color bool) string {
	return paint(strconv.Itoa(status), statusColor(status/100), color)
}

func colorizeStatusClass(class string, color bool) string {
	if len(class) != 3 || !strings.HasSuffix(class, "xx") {
		return quoteIfNeeded(class)
	}
	return paint(class, statusColor(int(class[0]-'0')), color)
}

func statusColor(class int) string {
	switch class {
	case 2:
		return ansiGreen
	case 3:
		return ansiCyan
	case 4:
		return ansiYellow
	case 5:
		return ansiRed
	default:
		return ""
	}
}

func colorizeDurationMS(ms int64, color bool) string {
	s := strconv.FormatInt(ms, 10) + "ms"
	switch {
	case ms < 100:
		return paint(s, ansiGreen, color)
	case ms < 1000:
		return paint(s, ansiYellow, color)
	default:
		return paint(s, ansiRed, color)
	}
}

func colorizeResult(result string, color bool) string {
	switch result {
	case "success", "ok":
		return paint(result, ansiGreen, color)
	case "redirect":
		return paint(result, ansiCyan, color)
	case "client_error", "retry":
		return paint(result, ansiYellow, color)
	case "server_error", "fail", "failed":
		return paint(result, ansiRed, color)
	default:
		return quoteIfNeeded(result)
	}
}

func valueToInt64(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		return int64(v.Uint64()), true
	case slog.KindFloat64:
		return int64(v.Float64()), true
	case slog.KindDuration:
		return v.Duration().Milliseconds(), true
	case slog.KindString:
		n, err := strconv.ParseInt(strings.TrimSpace(v.String()), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}
