package tasksync

import (
	"context"

	"sheetsync/internal/domain"
	"sheetsync/internal/gateway/queue"
	"sheetsync/internal/timewindow"
)

// TaskStore is the slice of storage the sync jobs need.
type TaskStore interface {
	CountInFlight(ctx context.Context) (int, error)
	NextAdmissible(ctx context.Context) (domain.Task, bool, error)
	MarkQueued(ctx context.Context, id int64) (bool, error)
	FindInFlight(ctx context.Context) (domain.Task, bool, error)
	ListPending(ctx context.Context) ([]domain.Task, error)
	ApplyUpdate(ctx context.Context, id int64, u domain.TaskUpdate) (bool, error)
	ResetDaily(ctx context.Context) (int64, error)
}

// Queue is the external parsing queue.
type Queue interface {
	Submit(ctx context.Context, link string, opt queue.SubmitOptions) (string, error)
	ListAll(ctx context.Context) ([]domain.ExternalTask, error)
	FetchLatest(ctx context.Context) (domain.ExternalTask, error)
}

// Settings are read fresh on every run.
type Settings struct {
	Window    timewindow.Window
	PageCount int
}

type AdmitOutcome string

const (
	AdmitOutsideWindow AdmitOutcome = "outside_window"
	AdmitBusy          AdmitOutcome = "in_flight"
	AdmitIdle          AdmitOutcome = "no_candidate"
	AdmitAccepted      AdmitOutcome = "accepted"
	AdmitRejected      AdmitOutcome = "rejected"
	AdmitFailed        AdmitOutcome = "failed"
	// AdmitUnmarked means the queue accepted the link but local state changed
	// before it could be flagged.
	AdmitUnmarked AdmitOutcome = "accepted_unmarked"
)

type AdmitResult struct {
	Outcome  AdmitOutcome `json:"outcome"`
	TaskID   int64        `json:"task_id,omitempty"`
	Response string       `json:"response,omitempty"`
}

type ReconcileResult struct {
	Examined  int             `json:"examined"`
	Matched   int             `json:"matched"`
	Changed   int             `json:"changed"`
	Unmatched int             `json:"unmatched"`
	Failed    int             `json:"failed"`
	Details   []domain.Detail `json:"details,omitempty"`
}

type ResetResult struct {
	Skipped bool  `json:"skipped"`
	Reset   int64 `json:"reset"`
}
