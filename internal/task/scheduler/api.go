package scheduler

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"sheetsync/internal/task/engine"
	logx "sheetsync/pkg/logx"
)

const recordTimeout = 5 * time.Second

// Register adds d, replacing any schedule with the same name.
func (s *Service) Register(d Definition) error {
	d.Name = strings.TrimSpace(d.Name)
	if err := d.validate(); err != nil {
		return err
	}
	// Scheduled fires share the job lock with RunExclusive.
	d.Opt.Overlap = engine.OverlapSkipIfRunning

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(d.Name)
	def := &scheduleDef{Definition: d}
	s.defs[d.Name] = def
	if s.c != nil {
		s.addCronLocked(def)
	}
	return nil
}

// Remove unschedules name. Runs already in the engine are not affected.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := s.removeLocked(strings.TrimSpace(name))
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// RescheduleDaily moves a daily schedule to another hour.
func (s *Service) RescheduleDaily(name string, hour int) error {
	s.mu.Lock()
	d, ok := s.defs[strings.TrimSpace(name)]
	if !ok {
		s.mu.Unlock()
		return errors.New("schedule not found: " + name)
	}
	def := d.Definition
	s.mu.Unlock()

	if def.Kind != KindDaily {
		return errors.New("schedule is not daily: " + name)
	}
	if def.Hour == hour {
		return nil
	}
	prev := def.Hour
	def.Hour = hour
	if err := s.Register(def); err != nil {
		return err
	}
	s.log.Info("daily schedule moved", logx.String("name", def.Name), logx.Int("from", prev), logx.Int("to", hour))
	return nil
}

// Has reports whether name is registered.
func (s *Service) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.defs[strings.TrimSpace(name)]
	return ok
}

// RunExclusive runs fn now under name's execution lock, waiting for a
// scheduled run of the same job to finish first.
func (s *Service) RunExclusive(ctx context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	if s.engine == nil {
		return errors.New("scheduler has no engine")
	}
	return s.engine.RunSync(ctx, engine.Job{Name: name, Timeout: timeout, Run: fn})
}

// Fire triggers name as if its timer had expired.
func (s *Service) Fire(name string) error {
	s.mu.Lock()
	d, ok := s.defs[strings.TrimSpace(name)]
	var def Definition
	if ok {
		def = d.Definition
	}
	s.mu.Unlock()
	if !ok {
		return errors.New("schedule not found: " + name)
	}
	return s.trigger(def)
}

// Schedules lists registered schedules sorted by name.
func (s *Service) Schedules() []ScheduleInfo {
	s.mu.Lock()
	c := s.c
	out := make([]ScheduleInfo, 0, len(s.defs))
	for _, d := range s.defs {
		it := ScheduleInfo{Name: d.Name, Kind: d.Kind.String(), Spec: d.spec(), Timeout: d.Timeout}
		if c != nil && d.entryID != 0 {
			e := c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		out = append(out, it)
	}
	s.mu.Unlock()

	for i := range out {
		if s.engine != nil {
			out[i].Running = s.engine.Running(out[i].Name)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// NextAfter returns when d fires next after t.
func (s *Service) NextAfter(d Definition, t time.Time) time.Time {
	if d.Kind == KindInterval {
		return t.Add(d.Every)
	}
	sched, err := s.parser.Parse(d.spec())
	if err != nil {
		return time.Time{}
	}
	s.mu.Lock()
	loc := s.loc
	if loc == nil {
		loc = s.loadLocationLocked()
	}
	s.mu.Unlock()
	return sched.Next(t.In(loc))
}

func (s *Service) removeLocked(name string) bool {
	d, ok := s.defs[name]
	if !ok {
		return false
	}
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	delete(s.defs, name)
	return true
}

func (s *Service) addCronLocked(d *scheduleDef) {
	def := d.Definition
	job := cron.FuncJob(func() {
		if err := s.trigger(def); err != nil {
			s.reportEnqueueError(def.Name, err)
		}
	})

	if def.Kind == KindInterval {
		now := s.clock.Now()
		d.entryID = s.c.Schedule(newIntervalSchedule(def.Every, def.NextRun), job)
		first := def.NextRun
		if first.Before(now) {
			first = now
		}
		s.log.Debug("schedule registered",
			logx.String("name", def.Name),
			logx.String("spec", def.spec()),
			logx.Time("first", first),
		)
		return
	}

	eid, err := s.c.AddJob(def.spec(), job)
	if err != nil {
		s.log.Error("schedule register failed", logx.String("name", def.Name), logx.String("spec", def.spec()), logx.Err(err))
		return
	}
	d.entryID = eid
	args := []logx.Field{logx.String("name", def.Name), logx.String("spec", def.spec())}
	if next := s.previewNextRunsLocked(def.spec(), 3); next != "" {
		args = append(args, logx.String("next", next))
	}
	s.log.Debug("schedule registered", args...)
}

// trigger hands one fire of def to the engine.
func (s *Service) trigger(def Definition) error {
	if s.engine == nil {
		return engine.ErrStopped
	}
	return s.engine.Enqueue(engine.Job{
		Name:    def.Name,
		Timeout: def.Timeout,
		Opt:     def.Opt,
		Run: func(ctx context.Context) error {
			defer s.recordRun(ctx, def)
			return def.Run(ctx)
		},
	})
}

func (s *Service) recordRun(ctx context.Context, def Definition) {
	now := s.clock.Now()
	next := s.NextAfter(def, now)

	// A later restart of cron resumes from here rather than the original pin.
	s.mu.Lock()
	if d, ok := s.defs[def.Name]; ok && d.Kind == KindInterval {
		d.NextRun = next
	}
	s.mu.Unlock()

	if s.rec == nil {
		return
	}
	// Persist even when the run was canceled so the stored schedule stays current.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := s.rec.RecordRun(rctx, def.Name, now, next); err != nil {
		s.log.Error("record run failed", logx.String("name", def.Name), logx.Err(err))
	}
}

// previewNextRunsLocked lists upcoming fire times for debug logs.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = time.Local
	}
	t := s.clock.Now().In(loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04"))
	}
	return b.String()
}
