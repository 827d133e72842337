package quota

import (
	"fmt"
	"time"
)

// Window is one calendar-aligned usage interval
type Window struct {
	Start time.Time
	End   time.Time
}

// windowFor computes the window containing now under the given rule.
// Daily windows start at 00:00 local; weekly windows start Monday 00:00
// local.
func windowFor(now time.Time, rule WindowRule, loc *time.Location) Window {
	local := now.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

	switch rule {
	case WindowWeekly:
		// time.Weekday numbers Sunday as 0; shift so Monday opens the week.
		offset := (int(local.Weekday()) + 6) % 7
		start := midnight.AddDate(0, 0, -offset)
		return Window{Start: start, End: start.AddDate(0, 0, 7)}
	default:
		return Window{Start: midnight, End: midnight.AddDate(0, 0, 1)}
	}
}

// key builds the backing record's key:
// quota:<kind>:<user_id>:<window_start> with the start formatted as
// YYYY-MM-DD.
func key(kind Kind, userID string, w Window) string {
	return fmt.Sprintf("quota:%s:%s:%s", kind, userID, w.Start.Format("2006-01-02"))
}
