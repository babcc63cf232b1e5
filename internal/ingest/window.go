package ingest

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Window bounds an ingestion run. A nil bound leaves the choice to the
// provider.
type Window struct {
	Start *time.Time
	End   *time.Time
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s]", formatBound(w.Start), formatBound(w.End))
}

func formatBound(t *time.Time) string {
	if t == nil {
		return "default"
	}
	return t.UTC().Format(time.RFC3339)
}

// ParseWindow resolves start and end expressions against now.
func ParseWindow(start, end string, now time.Time) (Window, error) {
	s, err := ParseBound(start, now)
	if err != nil {
		return Window{}, fmt.Errorf("window start: %w", err)
	}
	e, err := ParseBound(end, now)
	if err != nil {
		return Window{}, fmt.Errorf("window end: %w", err)
	}
	if s != nil && e != nil && s.After(*e) {
		return Window{}, fmt.Errorf("window start %s is after end %s", s.Format(time.RFC3339), e.Format(time.RFC3339))
	}
	return Window{Start: s, End: e}, nil
}

var absoluteLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	time.DateOnly,
}

var unitDurations = map[string]time.Duration{
	"s": time.Second, "sec": time.Second, "secs": time.Second, "second": time.Second, "seconds": time.Second,
	"m": time.Minute, "min": time.Minute, "mins": time.Minute, "minute": time.Minute, "minutes": time.Minute,
	"h": time.Hour, "hr": time.Hour, "hrs": time.Hour, "hour": time.Hour, "hours": time.Hour,
	"d": 24 * time.Hour, "day": 24 * time.Hour, "days": 24 * time.Hour,
	"w": 7 * 24 * time.Hour, "week": 7 * 24 * time.Hour, "weeks": 7 * 24 * time.Hour,
}

// ParseBound turns one window expression into a timestamp. Accepted forms:
// empty (nil), "now", "-1 day", "3 hours ago", Go durations like "-90m",
// RFC3339 and date-only values. Absolute values without a zone are UTC.
func ParseBound(expr string, now time.Time) (*time.Time, error) {
	expr = strings.ToLower(strings.TrimSpace(expr))
	if expr == "" {
		return nil, nil
	}
	if expr == "now" {
		t := now.UTC()
		return &t, nil
	}

	if d, ok := parseRelative(expr); ok {
		t := now.Add(-d).UTC()
		return &t, nil
	}

	if d, err := time.ParseDuration(expr); err == nil {
		t := now.Add(d).UTC()
		return &t, nil
	}

	for _, layout := range absoluteLayouts {
		if t, err := time.Parse(layout, strings.ToUpper(expr)); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}

	return nil, fmt.Errorf("unrecognised time expression %q", expr)
}

// parseRelative handles "-N unit" and "N unit ago", returning how far back
// from now the bound lies.
func parseRelative(expr string) (time.Duration, bool) {
	fields := strings.Fields(expr)
	switch {
	case len(fields) == 3 && fields[2] == "ago":
		fields = fields[:2]
	case len(fields) == 2 && strings.HasPrefix(fields[0], "-"):
		fields[0] = strings.TrimPrefix(fields[0], "-")
	default:
		return 0, false
	}

	n, err := strconv.Atoi(fields[0])
	if err != nil || n < 0 {
		return 0, false
	}
	unit, ok := unitDurations[fields[1]]
	if !ok {
		return 0, false
	}
	return time.Duration(n) * unit, true
}
