package domain

import "time"

// ScheduledJob is the persisted schedule row for one job kind.
type ScheduledJob struct {
	Name            string    `json:"name"`
	Description     string    `json:"description"`
	IntervalMinutes int       `json:"interval_minutes"`
	Active          bool      `json:"active"`
	LastRun         time.Time `json:"last_run,omitzero"`
	NextRun         time.Time `json:"next_run,omitzero"`
}

func (j ScheduledJob) Interval() time.Duration {
	return time.Duration(j.IntervalMinutes) * time.Minute
}

// FirstRun returns when an interval job should fire after startup: the
// persisted next run if it is still ahead, otherwise now.
func (j ScheduledJob) FirstRun(now time.Time) time.Time {
	if !j.NextRun.IsZero() && j.NextRun.After(now) {
		return j.NextRun
	}
	return now
}
