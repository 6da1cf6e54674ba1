package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"sheetsync/internal/domain"
	"sheetsync/internal/task/engine"
	"sheetsync/internal/task/scheduler"
	logx "sheetsync/pkg/logx"
)

// Store is the schedule table.
type Store interface {
	SeedJobs(ctx context.Context, defaults []domain.ScheduledJob, now time.Time) (int, error)
	ListJobs(ctx context.Context) ([]domain.ScheduledJob, error)
	GetJob(ctx context.Context, name string) (domain.ScheduledJob, error)
	SetJobSchedule(ctx context.Context, j domain.ScheduledJob, now time.Time) error
}

const (
	ResultOK    = "OK"
	ResultError = "ERROR"
)

// RunReport is the outcome of a manual run.
type RunReport struct {
	Result   string          `json:"result"`
	Job      string          `json:"job"`
	RunID    string          `json:"run_id"`
	Started  time.Time       `json:"started"`
	Duration time.Duration   `json:"duration"`
	Summary  string          `json:"summary,omitempty"`
	Details  []domain.Detail `json:"details,omitempty"`
	Data     any             `json:"data,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Status is a stored schedule merged with the scheduler's live view.
type Status struct {
	domain.ScheduledJob
	Daily     bool      `json:"daily"`
	Spec      string    `json:"spec,omitempty"`
	Scheduled bool      `json:"scheduled"`
	Running   bool      `json:"running"`
	NextFire  time.Time `json:"next_fire,omitzero"`
}

type Manager struct {
	reg   Registry
	store Store
	sched *scheduler.Service
	log   logx.Logger
	now   func() time.Time

	mu        sync.Mutex
	startHour int
}

func NewManager(reg Registry, store Store, sched *scheduler.Service, log logx.Logger, now func() time.Time) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if now == nil {
		now = time.Now
	}
	return &Manager{reg: reg, store: store, sched: sched, log: log.With(logx.String("comp", "jobs")), now: now}
}

// Bootstrap seeds the schedule table when it is empty and registers every
// active job. Unknown rows are logged and left alone.
func (m *Manager) Bootstrap(ctx context.Context, startHour int) error {
	m.mu.Lock()
	m.startHour = startHour
	m.mu.Unlock()

	n, err := m.store.SeedJobs(ctx, m.reg.Defaults(), m.now())
	if err != nil {
		return fmt.Errorf("seed jobs: %w", err)
	}
	if n > 0 {
		m.log.Info("default schedules seeded", logx.Int("jobs", n))
	}

	stored, err := m.store.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	active := 0
	for _, sj := range stored {
		if !sj.Active {
			continue
		}
		if err := m.register(sj); err != nil {
			m.log.Warn("job not scheduled", logx.String("job", sj.Name), logx.Err(err))
			continue
		}
		active++
	}
	m.log.Info("jobs registered", logx.Int("active", active), logx.Int("stored", len(stored)))
	return nil
}

func (m *Manager) register(sj domain.ScheduledJob) error {
	job, ok := m.reg.Lookup(sj.Name)
	if !ok {
		return fmt.Errorf("unknown job %q", sj.Name)
	}
	def := scheduler.Definition{
		Name:    sj.Name,
		Timeout: job.Timeout,
		Run:     m.scheduledRun(job),
	}
	if job.Daily {
		m.mu.Lock()
		def.Kind, def.Hour = scheduler.KindDaily, m.startHour
		m.mu.Unlock()
	} else {
		if sj.IntervalMinutes <= 0 {
			return fmt.Errorf("interval must be > 0, got %d", sj.IntervalMinutes)
		}
		def.Kind, def.Every, def.NextRun = scheduler.KindInterval, sj.Interval(), sj.NextRun
	}
	return m.sched.Register(def)
}

// scheduledRun adapts a job for the engine. Only transport failures of
// idempotent jobs are retried inline; otherwise the next fire is the retry.
func (m *Manager) scheduledRun(job Job) func(ctx context.Context) error {
	log := m.log.With(logx.String("job", string(job.Kind)))
	return func(ctx context.Context) error {
		rep, err := job.Run(ctx)
		if err != nil {
			kind := domain.KindOf(err)
			log.Error("job run failed", logx.String("kind", kind.String()), logx.Err(err))
			if job.Idempotent && kind == domain.KindTransport {
				return err
			}
			return engine.NoRetry(err)
		}
		if rep.Failed > 0 {
			log.Warn("job run finished with failures", logx.String("summary", rep.Summary), logx.Int("failed", rep.Failed))
			return nil
		}
		log.Debug("job run finished", logx.String("summary", rep.Summary))
		return nil
	}
}

// SetStartHour moves the daily job to a new window start.
func (m *Manager) SetStartHour(hour int) error {
	m.mu.Lock()
	if m.startHour == hour {
		m.mu.Unlock()
		return nil
	}
	m.startHour = hour
	m.mu.Unlock()

	for _, k := range m.reg.Kinds() {
		if !m.reg[k].Daily || !m.sched.Has(string(k)) {
			continue
		}
		if err := m.sched.RescheduleDaily(string(k), hour); err != nil {
			return err
		}
	}
	return nil
}

// SetSchedule stores a new interval and active flag for name and applies
// it to the scheduler. intervalMinutes <= 0 keeps the stored interval.
func (m *Manager) SetSchedule(ctx context.Context, name string, intervalMinutes int, active bool) (domain.ScheduledJob, error) {
	name = strings.TrimSpace(name)
	job, ok := m.reg.Lookup(name)
	if !ok {
		return domain.ScheduledJob{}, domain.Errorf(domain.KindNotFound, "jobs.set_schedule", "unknown job %q", name)
	}
	sj, err := m.store.GetJob(ctx, name)
	if err != nil && !domain.IsKind(err, domain.KindNotFound) {
		return domain.ScheduledJob{}, err
	}
	if err != nil {
		sj = domain.ScheduledJob{Name: name, Description: job.Description, IntervalMinutes: job.DefaultInterval}
	}
	if intervalMinutes > 0 {
		sj.IntervalMinutes = intervalMinutes
	}
	sj.Active = active

	now := m.now()
	if err := m.store.SetJobSchedule(ctx, sj, now); err != nil {
		return domain.ScheduledJob{}, err
	}
	if !active {
		m.sched.Remove(name)
		m.log.Info("job deactivated", logx.String("job", name))
		return sj, nil
	}
	// A new interval restarts the cadence from now.
	sj.NextRun = now.Add(sj.Interval())
	if err := m.register(sj); err != nil {
		return domain.ScheduledJob{}, err
	}
	m.log.Info("job scheduled", logx.String("job", name), logx.Int("interval_minutes", sj.IntervalMinutes))
	return sj, nil
}

// RunNow runs name immediately, serialized with its scheduled runs.
func (m *Manager) RunNow(ctx context.Context, name string) (RunReport, error) {
	job, ok := m.reg.Lookup(strings.TrimSpace(name))
	if !ok {
		return RunReport{}, domain.Errorf(domain.KindNotFound, "jobs.run_now", "unknown job %q", name)
	}
	rr := RunReport{Job: string(job.Kind), RunID: uuid.NewString(), Started: m.now()}
	log := m.log.With(logx.String("job", rr.Job), logx.String("run_id", rr.RunID))
	log.Info("manual run requested")

	var rep Report
	err := m.sched.RunExclusive(ctx, rr.Job, job.Timeout, func(ctx context.Context) error {
		var err error
		rep, err = job.Run(ctx)
		return engine.NoRetry(err)
	})
	rr.Duration = m.now().Sub(rr.Started)
	rr.Summary, rr.Details, rr.Data = rep.Summary, rep.Details, rep.Data

	switch {
	case err != nil:
		rr.Result, rr.Error = ResultError, err.Error()
		log.Warn("manual run failed", logx.Err(err))
	case rep.Failed > 0:
		rr.Result, rr.Error = ResultError, fmt.Sprintf("%d item(s) failed", rep.Failed)
	default:
		rr.Result = ResultOK
	}
	return rr, nil
}

// List returns every stored job with its live schedule state.
func (m *Manager) List(ctx context.Context) ([]Status, error) {
	stored, err := m.store.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	live := map[string]scheduler.ScheduleInfo{}
	for _, si := range m.sched.Schedules() {
		live[si.Name] = si
	}
	out := make([]Status, 0, len(stored))
	for _, sj := range stored {
		st := Status{ScheduledJob: sj}
		if job, ok := m.reg.Lookup(sj.Name); ok {
			st.Daily = job.Daily
		}
		if si, ok := live[sj.Name]; ok {
			st.Scheduled, st.Running, st.Spec, st.NextFire = true, si.Running, si.Spec, si.Next
		}
		out = append(out, st)
	}
	return out, nil
}

// ErrUnknownJob reports whether err came from an unknown job name.
func ErrUnknownJob(err error) bool {
	var de *domain.Error
	return errors.As(err, &de) && de.Kind == domain.KindNotFound && strings.HasPrefix(de.Op, "jobs.")
}
