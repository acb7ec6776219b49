package schedule

import (
	"fmt"
	"strings"
	"time"
)

// DisplayLayout is used for every user-facing timestamp.
const DisplayLayout = "2006-01-02 15:04"

var inputLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

// ParseLocal parses a user-entered timestamp. Naive values are read in loc;
// values carrying an offset (RFC3339) keep it. The result is UTC.
func ParseLocal(raw string, loc *time.Location) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if loc == nil {
		loc = time.UTC
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range inputLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid datetime %q: expected YYYY-MM-DD HH:MM", raw)
}

// Format renders t in loc with DisplayLayout.
func Format(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(DisplayLayout)
}

// ParsePeriod resolves today, tomorrow, week or month into a [from, to)
// range of UTC instants, with day boundaries taken in loc.
func ParsePeriod(period string, now time.Time, loc *time.Location) (from, to time.Time, ok bool) {
	if loc == nil {
		loc = time.UTC
	}
	n := now.In(loc)
	today := time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, loc)
	switch strings.ToLower(strings.TrimSpace(period)) {
	case "today":
		from, to = today, today.AddDate(0, 0, 1)
	case "tomorrow":
		from, to = today.AddDate(0, 0, 1), today.AddDate(0, 0, 2)
	case "week":
		from, to = today, today.AddDate(0, 0, 7)
	case "month":
		from, to = today, today.AddDate(0, 0, 30)
	default:
		return time.Time{}, time.Time{}, false
	}
	return from.UTC(), to.UTC(), true
}
