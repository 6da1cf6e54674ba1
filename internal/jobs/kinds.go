package jobs

import (
	"context"
	"fmt"
	"sort"
	"time"

	"sheetsync/internal/domain"
	"sheetsync/internal/ingest"
	"sheetsync/internal/tasksync"
)

// Kind names a job. The value is the key of its scheduled_jobs row.
type Kind string

const (
	KindEnqueueOne      Kind = "enqueue_one_task_for_parsing"
	KindReconcileLatest Kind = "update_last_task_status_from_eshmakar"
	KindReconcileAll    Kind = "update_tasks_status_from_eshmakar"
	KindIngestSheets    Kind = "fetch_and_process_sheets"
	KindResetDaily      Kind = "reset_daily_tasks"
)

// Report is what one run of a job produced.
type Report struct {
	Summary string          `json:"summary"`
	Failed  int             `json:"failed,omitempty"` // items that failed without failing the run
	Details []domain.Detail `json:"details,omitempty"`
	Data    any             `json:"data,omitempty"`
}

// Job is a job kind with its execution closure.
type Job struct {
	Kind        Kind
	Description string
	// Daily jobs fire once a day at the window start hour instead of on
	// their interval.
	Daily           bool
	DefaultInterval int // minutes
	DefaultActive   bool
	Timeout         time.Duration
	// Idempotent jobs may be retried by the engine after a transport
	// failure. Others wait for their next fire.
	Idempotent bool
	Run        func(ctx context.Context) (Report, error)
}

type Registry map[Kind]Job

func (r Registry) Lookup(name string) (Job, bool) {
	j, ok := r[Kind(name)]
	return j, ok
}

// Kinds returns the registered kinds sorted by name.
func (r Registry) Kinds() []Kind {
	out := make([]Kind, 0, len(r))
	for k := range r {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Defaults is the seed set for an empty schedule table, in seeding order.
func (r Registry) Defaults() []domain.ScheduledJob {
	order := []Kind{KindEnqueueOne, KindReconcileLatest, KindIngestSheets, KindResetDaily, KindReconcileAll}
	out := make([]domain.ScheduledJob, 0, len(r))
	for _, k := range order {
		j, ok := r[k]
		if !ok {
			continue
		}
		out = append(out, domain.ScheduledJob{
			Name:            string(k),
			Description:     j.Description,
			IntervalMinutes: j.DefaultInterval,
			Active:          j.DefaultActive,
		})
	}
	return out
}

// Deps are the collaborators the built-in jobs run against. The func fields
// are read on every run so configuration changes apply without a restart.
type Deps struct {
	Sync        *tasksync.Service
	Ingest      *ingest.Pipeline
	Settings    func() tasksync.Settings
	IngestBatch func() int
	Now         func() time.Time
}

// NewRegistry builds the built-in job set.
func NewRegistry(d Deps) Registry {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.IngestBatch == nil {
		d.IngestBatch = func() int { return 10 }
	}
	return Registry{
		KindEnqueueOne: {
			Kind:            KindEnqueueOne,
			Description:     "Submit the oldest waiting task to the parsing queue",
			DefaultInterval: 5,
			DefaultActive:   true,
			Timeout:         2 * time.Minute,
			Run: func(ctx context.Context) (Report, error) {
				res, err := d.Sync.AdmitOne(ctx, d.Now(), d.Settings())
				rep := Report{Summary: string(res.Outcome), Data: res}
				if res.TaskID != 0 {
					rep.Details = []domain.Detail{{TaskID: res.TaskID, Outcome: string(res.Outcome), Message: res.Response}}
				}
				return rep, err
			},
		},
		KindReconcileLatest: {
			Kind:            KindReconcileLatest,
			Idempotent:      true,
			Description:     "Copy the queue's latest task onto the task in flight",
			DefaultInterval: 7,
			DefaultActive:   true,
			Timeout:         2 * time.Minute,
			Run: func(ctx context.Context) (Report, error) {
				res, err := d.Sync.ReconcileLatest(ctx)
				return reconcileReport(res), err
			},
		},
		KindReconcileAll: {
			Kind:            KindReconcileAll,
			Idempotent:      true,
			Description:     "Match every pending task against the queue's full task list",
			DefaultInterval: 15,
			DefaultActive:   false,
			Timeout:         5 * time.Minute,
			Run: func(ctx context.Context) (Report, error) {
				res, err := d.Sync.ReconcileAll(ctx)
				return reconcileReport(res), err
			},
		},
		KindIngestSheets: {
			Kind:            KindIngestSheets,
			Idempotent:      true,
			Description:     "Load result sheets of finished tasks and store new rows",
			DefaultInterval: 9,
			DefaultActive:   true,
			Timeout:         10 * time.Minute,
			Run: func(ctx context.Context) (Report, error) {
				res, err := d.Ingest.IngestPending(ctx, d.IngestBatch())
				total := 0
				for _, n := range res.NewRows {
					total += n
				}
				return Report{
					Summary: fmt.Sprintf("sheets=%d new_rows=%d failed=%d", len(res.NewRows), total, res.Failed),
					Failed:  res.Failed,
					Details: res.Details,
					Data:    res.NewRows,
				}, err
			},
		},
		KindResetDaily: {
			Kind:            KindResetDaily,
			Description:     "Reset task state at the start of the operating window",
			Daily:           true,
			DefaultInterval: 10,
			DefaultActive:   true,
			Timeout:         time.Minute,
			Run: func(ctx context.Context) (Report, error) {
				res, err := d.Sync.ResetDaily(ctx, d.Now(), d.Settings().Window)
				if res.Skipped {
					return Report{Summary: "outside_window", Data: res}, err
				}
				return Report{Summary: fmt.Sprintf("reset=%d", res.Reset), Data: res}, err
			},
		},
	}
}

func reconcileReport(res tasksync.ReconcileResult) Report {
	return Report{
		Summary: fmt.Sprintf("examined=%d matched=%d changed=%d unmatched=%d failed=%d",
			res.Examined, res.Matched, res.Changed, res.Unmatched, res.Failed),
		Failed:  res.Failed,
		Details: res.Details,
		Data:    res,
	}
}
