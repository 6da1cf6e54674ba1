package tasksync

import (
	"context"
	"strings"
	"sync"
	"time"

	"sheetsync/internal/domain"
	"sheetsync/internal/gateway/queue"
	"sheetsync/internal/timewindow"
	logx "sheetsync/pkg/logx"
)

// Service moves tasks between the local store and the parsing queue.
type Service struct {
	store TaskStore
	queue Queue
	log   logx.Logger

	// admitMu keeps one admission cycle at a time inside this process.
	// MarkQueued re-checks the in-flight predicate for everything else.
	admitMu sync.Mutex
}

func New(store TaskStore, q Queue, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, queue: q, log: log.With(logx.String("comp", "tasksync"))}
}

// AdmitOne submits the oldest admissible task when the window is open and no
// other task is waiting on the queue.
func (s *Service) AdmitOne(ctx context.Context, now time.Time, set Settings) (AdmitResult, error) {
	if !set.Window.Active(now) {
		s.log.Debug("admission skipped: window closed", logx.String("window", set.Window.String()))
		return AdmitResult{Outcome: AdmitOutsideWindow}, nil
	}

	s.admitMu.Lock()
	defer s.admitMu.Unlock()

	n, err := s.store.CountInFlight(ctx)
	if err != nil {
		return AdmitResult{Outcome: AdmitFailed}, err
	}
	if n > 0 {
		s.log.Debug("admission skipped: task in flight", logx.Int("in_flight", n))
		return AdmitResult{Outcome: AdmitBusy}, nil
	}

	t, ok, err := s.store.NextAdmissible(ctx)
	if err != nil {
		return AdmitResult{Outcome: AdmitFailed}, err
	}
	if !ok {
		return AdmitResult{Outcome: AdmitIdle}, nil
	}

	log := s.log.With(logx.Int64("task_id", t.ID), logx.String("link", t.SourceLink))
	resp, err := s.queue.Submit(ctx, t.SourceLink, queue.DefaultSubmitOptions(set.PageCount))
	if err != nil {
		log.Warn("submit failed", logx.Err(err))
		return AdmitResult{Outcome: AdmitFailed, TaskID: t.ID}, err
	}
	if !queue.IsAccepted(resp) {
		log.Warn("submit rejected", logx.String("response", strings.TrimSpace(resp)))
		return AdmitResult{Outcome: AdmitRejected, TaskID: t.ID, Response: resp},
			domain.Errorf(domain.KindRejected, "tasksync.admit", "queue rejected task %d: %s", t.ID, strings.TrimSpace(resp))
	}

	marked, err := s.store.MarkQueued(ctx, t.ID)
	if err != nil {
		log.Error("submit accepted but mark failed", logx.Err(err))
		return AdmitResult{Outcome: AdmitFailed, TaskID: t.ID, Response: resp}, err
	}
	if !marked {
		log.Warn("submit accepted but task no longer admissible")
		return AdmitResult{Outcome: AdmitUnmarked, TaskID: t.ID, Response: resp}, nil
	}
	log.Info("task admitted")
	return AdmitResult{Outcome: AdmitAccepted, TaskID: t.ID, Response: resp}, nil
}

// ReconcileLatest copies the queue's most recent task onto the in-flight one.
func (s *Service) ReconcileLatest(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult
	t, ok, err := s.store.FindInFlight(ctx)
	if err != nil || !ok {
		return res, err
	}
	res.Examined = 1

	ext, err := s.queue.FetchLatest(ctx)
	if err != nil {
		res.Failed = 1
		return res, err
	}
	if ext.Empty() {
		res.Unmatched = 1
		s.log.Info("queue reported no latest task", logx.Int64("task_id", t.ID))
		return res, nil
	}
	if ext.SourceLink != "" && !Equivalent(ext.SourceLink, t.SourceLink) {
		s.log.Warn("latest queue task has a different link",
			logx.Int64("task_id", t.ID),
			logx.String("local", t.SourceLink),
			logx.String("remote", ext.SourceLink),
		)
	}

	res.Matched = 1
	changed, err := s.apply(ctx, t, ext)
	if err != nil {
		res.Failed = 1
		res.Details = append(res.Details, domain.Detail{TaskID: t.ID, Outcome: "error", Message: err.Error()})
		return res, err
	}
	if changed {
		res.Changed = 1
		res.Details = append(res.Details, domain.Detail{TaskID: t.ID, Key: ext.ID, Outcome: "updated"})
	}
	return res, nil
}

// ReconcileAll matches every pending task against one snapshot of the queue.
// A failing task is reported in Details and does not stop the others.
func (s *Service) ReconcileAll(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult
	pending, err := s.store.ListPending(ctx)
	if err != nil {
		return res, err
	}
	if len(pending) == 0 {
		return res, nil
	}

	remote, err := s.queue.ListAll(ctx)
	if err != nil {
		return res, err
	}
	byLink := make(map[string]domain.ExternalTask, len(remote))
	for _, ext := range remote {
		if strings.TrimSpace(ext.SourceLink) == "" {
			continue
		}
		byLink[urlKey(ext.SourceLink)] = ext
	}

	for _, t := range pending {
		if err := ctx.Err(); err != nil {
			s.log.Warn("reconcile interrupted",
				logx.Int("examined", res.Examined),
				logx.Int("changed", res.Changed),
				logx.Int("remaining", len(pending)-res.Examined),
				logx.Err(err),
			)
			return res, err
		}
		res.Examined++
		ext, ok := byLink[urlKey(t.SourceLink)]
		if !ok {
			res.Unmatched++
			s.log.Debug("no queue task for link", logx.Int64("task_id", t.ID), logx.String("link", t.SourceLink))
			continue
		}
		res.Matched++
		changed, err := s.apply(ctx, t, ext)
		if err != nil {
			res.Failed++
			res.Details = append(res.Details, domain.Detail{TaskID: t.ID, Key: ext.ID, Outcome: "error", Message: err.Error()})
			s.log.Error("reconcile task failed", logx.Int64("task_id", t.ID), logx.Err(err))
			continue
		}
		if changed {
			res.Changed++
			res.Details = append(res.Details, domain.Detail{TaskID: t.ID, Key: ext.ID, Outcome: "updated"})
		}
	}
	s.log.Info("reconcile finished",
		logx.Int("examined", res.Examined),
		logx.Int("changed", res.Changed),
		logx.Int("unmatched", res.Unmatched),
		logx.Int("failed", res.Failed),
	)
	return res, nil
}

func (s *Service) apply(ctx context.Context, t domain.Task, ext domain.ExternalTask) (bool, error) {
	u, raw, unknown := updateFrom(ext)
	if unknown {
		s.log.Warn("unrecognized queue status, keeping local one",
			logx.Int64("task_id", t.ID),
			logx.String("status", raw),
			logx.String("local_status", string(t.Status)),
		)
	}
	return s.store.ApplyUpdate(ctx, t.ID, u)
}

// ResetDaily returns non-failed tasks to their initial state while the
// window is open.
func (s *Service) ResetDaily(ctx context.Context, now time.Time, w timewindow.Window) (ResetResult, error) {
	if !w.Active(now) {
		s.log.Debug("daily reset skipped: window closed", logx.String("window", w.String()))
		return ResetResult{Skipped: true}, nil
	}
	n, err := s.store.ResetDaily(ctx)
	if err != nil {
		return ResetResult{}, err
	}
	s.log.Info("daily reset done", logx.Int64("tasks", n))
	return ResetResult{Reset: n}, nil
}
