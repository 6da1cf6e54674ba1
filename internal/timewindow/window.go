// Package timewindow decides whether admission-side actions are allowed at a
// given wall-clock time.
package timewindow

import (
	"fmt"
	"time"
)

// Window is a daily operating range bounded by whole hours.
//
// When StartHour >= EndHour the window wraps midnight (21..3 covers
// 21:00 through 03:00 inclusive); otherwise it is the same-day range
// [StartHour:00, EndHour:00].
type Window struct {
	StartHour int `json:"start_hour"`
	EndHour   int `json:"end_hour"`
}

// Default is the overnight window used when nothing is configured.
var Default = Window{StartHour: 21, EndHour: 3}

func (w Window) Validate() error {
	if w.StartHour < 0 || w.StartHour > 23 {
		return fmt.Errorf("start_hour must be within 0..23, got %d", w.StartHour)
	}
	if w.EndHour < 0 || w.EndHour > 23 {
		return fmt.Errorf("end_hour must be within 0..23, got %d", w.EndHour)
	}
	return nil
}

func (w Window) Active(now time.Time) bool { return IsActive(now, w.StartHour, w.EndHour) }

func (w Window) String() string { return fmt.Sprintf("%02d:00-%02d:00", w.StartHour, w.EndHour) }

// IsActive reports whether now's time of day falls inside the window.
// The comparison uses now's own location.
func IsActive(now time.Time, startHour, endHour int) bool {
	tod := sinceMidnight(now)
	start := time.Duration(startHour) * time.Hour
	end := time.Duration(endHour) * time.Hour
	if startHour >= endHour {
		return tod >= start || tod <= end
	}
	return tod >= start && tod <= end
}

func sinceMidnight(t time.Time) time.Duration {
	h, m, s := t.Clock()
	return time.Duration(h)*time.Hour +
		time.Duration(m)*time.Minute +
		time.Duration(s)*time.Second +
		time.Duration(t.Nanosecond())
}
