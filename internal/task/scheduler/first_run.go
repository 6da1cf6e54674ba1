package scheduler

import (
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// firstRunSchedule pins the first fire of an interval schedule, then
// delegates to the base schedule.
type firstRunSchedule struct {
	base  cron.Schedule
	first time.Time
	used  atomic.Bool
}

func newIntervalSchedule(every time.Duration, first time.Time) cron.Schedule {
	return &firstRunSchedule{base: cron.Every(every), first: first}
}

func (s *firstRunSchedule) Next(t time.Time) time.Time {
	if !s.used.Swap(true) {
		// A first fire in the past means now.
		if s.first.After(t) {
			return s.first
		}
		return t
	}
	return s.base.Next(t)
}
