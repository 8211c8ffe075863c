package app

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// ANSI escape sequences used by the pretty log handler.
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

// stripANSI removes color escape sequences from s.
func stripANSI(s string) string {
	if !strings.Contains(s, "\x1b[") {
		return s
	}
	return ansiPattern.ReplaceAllString(s, "")
}

// visualLen is the printed width of s in runes, ignoring color escapes.
func visualLen(s string) int {
	return utf8.RuneCountInString(stripANSI(s))
}

// wrapSegments lays out segments into lines no wider than width.
// Segments on the same line are joined with sep; continuation lines start
// with contPrefix. A single segment wider than the line is truncated with
// an ellipsis rather than split mid-token.
func wrapSegments(segments []string, sep string, width int, contPrefix string) []string {
	if width <= 0 {
		return []string{strings.Join(segments, sep)}
	}

	var lines []string
	cur := ""
	curW := 0

	startLine := func(seg string, segW int) {
		prefix := ""
		if len(lines) > 0 {
			prefix = contPrefix
		}
		pW := visualLen(prefix)
		if pW+segW > width {
			seg = truncateVisual(seg, width-pW)
		}
		cur = prefix + seg
		curW = visualLen(cur)
	}

	for _, seg := range segments {
		if seg == "" {
			continue
		}
		segW := visualLen(seg)

		if curW == 0 {
			startLine(seg, segW)
			continue
		}

		sepW := visualLen(sep)
		if curW+sepW+segW > width {
			lines = append(lines, cur)
			startLine(seg, segW)
			continue
		}

		cur += sep + seg
		curW += sepW + segW
	}

	if cur != "" || len(lines) == 0 {
		lines = append(lines, cur)
	}
	return lines
}

// truncateVisual shortens s to at most max printed runes, appending an
// ellipsis marker. Color escapes are dropped from truncated segments.
func truncateVisual(s string, max int) string {
	if max <= 1 {
		return "…"
	}
	plain := stripANSI(s)
	runes := []rune(plain)
	if len(runes) <= max {
		return plain
	}
	return string(runes[:max-1]) + "…"
}

func colorizeHTTPMethod(method string, color bool) string {
	if !color {
		return method
	}
	switch method {
	case "GET":
		return ansiGreen + method + ansiReset
	case "POST":
		return ansiBlue + method + ansiReset
	case "PUT", "PATCH":
		return ansiYellow + method + ansiReset
	case "DELETE":
		return ansiRed + method + ansiReset
	default:
		return ansiCyan + method + ansiReset
	}
}

func colorizeStatusCode(status int, color bool) string {
	s := strconv.Itoa(status)
	if !color {
		return s
	}
	switch {
	case status >= 500:
		return ansiRed + s + ansiReset
	case status >= 400:
		return ansiYellow + s + ansiReset
	case status >= 300:
		return ansiCyan + s + ansiReset
	default:
		return ansiGreen + s + ansiReset
	}
}

func colorizeStatusClass(class string, color bool) string {
	if !color {
		return class
	}
	switch class {
	case "5xx":
		return ansiRed + class + ansiReset
	case "4xx":
		return ansiYellow + class + ansiReset
	case "3xx":
		return ansiCyan + class + ansiReset
	default:
		return ansiGreen + class + ansiReset
	}
}

func colorizeDurationMS(ms int64, color bool) string {
	s := strconv.FormatInt(ms, 10) + "ms"
	if !color {
		return s
	}
	switch {
	case ms >= 1000:
		return ansiRed + s + ansiReset
	case ms >= 200:
		return ansiYellow + s + ansiReset
	default:
		return ansiDim + s + ansiReset
	}
}

func colorizeResult(result string, color bool) string {
	if !color {
		return result
	}
	switch result {
	case "server_error":
		return ansiRed + result + ansiReset
	case "client_error":
		return ansiYellow + result + ansiReset
	default:
		return ansiGreen + result + ansiReset
	}
}
