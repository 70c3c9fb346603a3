// Package timeutil implements the TimeOps component: timestamp parsing and
// formatting against the wire format the backing store expects, timestamp
// arithmetic, and strftime-style index name expansion.
package timeutil

import (
	"fmt"
	"strings"
	"time"
)

// WireLayout is the timestamp format used on the wire with the backing
// store (RFC3339 with fractional seconds, always UTC).
const WireLayout = "2006-01-02T15:04:05.000Z"

// Now returns the current instant truncated to millisecond precision, the
// resolution the wire format preserves. Callers establish exactly one
// Now() per tick and thread it through so comparisons within that tick
// are consistent.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// Parse reads a wire-format timestamp. It also accepts bare RFC3339 for
// interop with operator-supplied --start/--end values.
func Parse(s string) (time.Time, error) {
	if t, err := time.Parse(WireLayout, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("timeutil.Parse: %q is not a valid ISO 8601 timestamp: %w", s, err)
	}
	return t.UTC(), nil
}

// Format renders t in the wire format.
func Format(t time.Time) string {
	return t.UTC().Format(WireLayout)
}

// Pretty renders t for log lines, optionally converting to loc first.
func Pretty(t time.Time, loc *time.Location) string {
	if loc != nil {
		return t.In(loc).Format(time.RFC1123)
	}
	return t.UTC().Format(time.RFC1123)
}

// strftimeReplacer maps the strftime tokens this project recognizes in
// index_pattern to Go reference-time layout fragments. Only the tokens
// actually used for daily/monthly/yearly index rotation are supported;
// anything else is left untouched so a mismatched token surfaces as a
// literal in the expanded index name rather than failing silently.
var strftimeReplacer = strings.NewReplacer(
	"%Y", "2006",
	"%m", "01",
	"%d", "02",
	"%H", "15",
)

// HasStrftimeTokens reports whether pattern contains any recognized
// strftime token.
func HasStrftimeTokens(pattern string) bool {
	return strings.Contains(pattern, "%")
}

// ExpandIndexPattern expands a tokenized index pattern over a
// [start, end] interval into the comma-separated set of concrete index
// names covering it, at the granularity implied by the pattern's tokens
// (daily if %d is present, hourly if %H is present, and so on up the
// chain). If start/end are both zero, the tokenized span is replaced
// with a single "*" wildcard instead.
func ExpandIndexPattern(pattern string, start, end time.Time) string {
	if !HasStrftimeTokens(pattern) {
		return pattern
	}
	if start.IsZero() || end.IsZero() {
		return wildcardPattern(pattern)
	}

	step := granularity(pattern)
	layout := strftimeReplacer.Replace(pattern)

	seen := make(map[string]struct{})
	var names []string
	for t := truncateTo(start, step); !t.After(end); t = t.Add(step) {
		name := t.Format(layout)
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		names = append(names, end.Format(layout))
	}
	return strings.Join(names, ",")
}

// granularity returns the rotation period implied by the finest token
// present in pattern.
func granularity(pattern string) time.Duration {
	switch {
	case strings.Contains(pattern, "%H"):
		return time.Hour
	case strings.Contains(pattern, "%d"):
		return 24 * time.Hour
	case strings.Contains(pattern, "%m"):
		return 24 * time.Hour // iterate daily even for monthly indices; dedup collapses repeats
	default:
		return 24 * time.Hour
	}
}

func truncateTo(t time.Time, step time.Duration) time.Time {
	if step >= 24*time.Hour {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
	return t.Truncate(step)
}

// wildcardPattern replaces the span from the first '%' through the last
// token with a single "*".
func wildcardPattern(pattern string) string {
	start := strings.Index(pattern, "%")
	end := strings.LastIndex(pattern, "%")
	if start == -1 {
		return pattern
	}
	end += 2 // include the token letter following the last '%'
	if end > len(pattern) {
		end = len(pattern)
	}
	return pattern[:start] + "*" + pattern[end:]
}

// TruncateError bounds an error message to at most n characters,
// appending a removed-character count, so oversized store errors don't
// flood logs.
func TruncateError(msg string, n int) string {
	if len(msg) <= n {
		return msg
	}
	removed := len(msg) - n
	return fmt.Sprintf("%s... (%d characters removed)", msg[:n], removed)
}
