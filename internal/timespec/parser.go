// Package timespec parses the time flags of picc: --since and --until for
// past windows, and the be-cold-at time of a scheduled cooldown.
package timespec

import (
	"fmt"
	"strings"
	"time"
)

// Parse turns a time specification into an absolute time relative to now.
// Accepted forms:
//   - "now"
//   - a Go duration meaning that long ago: "90s", "1h30m"
//   - an RFC3339 timestamp: "2025-10-29T13:00:00Z"
func Parse(spec string, now time.Time) (time.Time, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return time.Time{}, fmt.Errorf("empty time specification")
	}
	if strings.EqualFold(spec, "now") {
		return now, nil
	}

	if t, err := time.Parse(time.RFC3339, spec); err == nil {
		return t, nil
	}

	if d, err := time.ParseDuration(spec); err == nil {
		if d < 0 {
			return time.Time{}, fmt.Errorf("negative duration %s", spec)
		}
		return now.Add(-d), nil
	}

	return time.Time{}, fmt.Errorf("invalid time specification: %s (use duration like '1h30m' or RFC3339 like '2025-10-29T13:00:00Z')", spec)
}

// clockLayouts are the wall-clock forms ParseAt accepts, read in now's
// location.
var clockLayouts = []string{"01/02/06 15:04", "01/02/2006 15:04", "01/02 15:04", "15:04"}

// ParseAt turns a specification of a future time into an absolute time.
// Accepted forms:
//   - "+" and a Go duration meaning that long from now: "+12h"
//   - an RFC3339 timestamp
//   - a wall-clock time in now's location: "15:04", "01/02 15:04" or
//     "01/02/06 15:04"; a missing date means today, a missing year this year
//
// The result must lie after now.
func ParseAt(spec string, now time.Time) (time.Time, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return time.Time{}, fmt.Errorf("empty time specification")
	}

	if rest, ok := strings.CutPrefix(spec, "+"); ok {
		d, err := time.ParseDuration(rest)
		if err != nil || d <= 0 {
			return time.Time{}, fmt.Errorf("invalid offset %s (use a positive duration like '+12h')", spec)
		}
		return now.Add(d), nil
	}

	if t, err := time.Parse(time.RFC3339, spec); err == nil {
		return future(t, now)
	}

	loc := now.Location()
	for _, layout := range clockLayouts {
		t, err := time.ParseInLocation(layout, spec, loc)
		if err != nil {
			continue
		}
		switch layout {
		case "15:04":
			t = time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, loc)
		case "01/02 15:04":
			t = time.Date(now.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, loc)
		}
		return future(t, now)
	}

	return time.Time{}, fmt.Errorf("invalid time specification: %s (use '+12h', '15:04', '01/02 15:04' or RFC3339)", spec)
}

func future(t, now time.Time) (time.Time, error) {
	if !t.After(now) {
		return time.Time{}, fmt.Errorf("%s is not in the future", t.Format(time.RFC3339))
	}
	return t, nil
}

// Range is a closed time window. A zero bound is open.
type Range struct {
	Since time.Time
	Until time.Time
}

// Contains reports whether t falls within the range.
func (r Range) Contains(t time.Time) bool {
	if !r.Since.IsZero() && t.Before(r.Since) {
		return false
	}
	if !r.Until.IsZero() && t.After(r.Until) {
		return false
	}
	return true
}

// ParseRange parses both flags. Empty flags leave that end open.
func ParseRange(since, until string, now time.Time) (Range, error) {
	var r Range
	var err error

	if since != "" {
		if r.Since, err = Parse(since, now); err != nil {
			return Range{}, fmt.Errorf("invalid --since: %w", err)
		}
	}
	if until != "" {
		if r.Until, err = Parse(until, now); err != nil {
			return Range{}, fmt.Errorf("invalid --until: %w", err)
		}
	}

	if !r.Since.IsZero() && !r.Until.IsZero() && !r.Since.Before(r.Until) {
		return Range{}, fmt.Errorf("--since must be before --until")
	}
	return r, nil
}
