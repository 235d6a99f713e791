package quota

import (
	"time"

	"github.com/diagramforge/broker/internal/store"
)

// hourWindow returns the fixed top-of-hour window containing now, in now's
// location, per spec §4.1's "window arithmetic" (civil, not rolling).
func hourWindow(now time.Time) store.UsageWindow {
	start := now.Truncate(time.Hour)
	return store.UsageWindow{Start: start, End: start.Add(time.Hour)}
}

// dayWindow returns the civil day (server local timezone) containing now.
func dayWindow(now time.Time) store.UsageWindow {
	y, m, d := now.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	return store.UsageWindow{Start: start, End: start.AddDate(0, 0, 1)}
}

// untilWindowEnd returns how long remains until w's boundary, the
// retryAfter value advertised on a window-exhausted rejection.
func untilWindowEnd(w store.UsageWindow, now time.Time) time.Duration {
	d := w.End.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
