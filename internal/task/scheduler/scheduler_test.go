package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sheetsync/internal/task/engine"
	logx "sheetsync/pkg/logx"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type runRecord struct {
	name       string
	last, next time.Time
}

type fakeRecorder struct {
	ch chan runRecord
}

func (r *fakeRecorder) RecordRun(_ context.Context, name string, last, next time.Time) error {
	r.ch <- runRecord{name: name, last: last, next: next}
	return nil
}

var night = time.Date(2024, 5, 1, 22, 30, 0, 0, time.UTC)

func newScheduler(t *testing.T) (*Service, *fakeClock, *fakeRecorder) {
	t.Helper()
	eng := engine.New(engine.Config{Enabled: true, Workers: 2}, logx.Nop(), nil)
	eng.Start(context.Background())
	clock := &fakeClock{now: night}
	rec := &fakeRecorder{ch: make(chan runRecord, 16)}
	s := New(Config{Enabled: true, Timezone: "UTC"}, eng, logx.Nop(), WithClock(clock), WithRecorder(rec))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
		eng.Stop(ctx)
	})
	return s, clock, rec
}

func nextRecord(t *testing.T, rec *fakeRecorder) runRecord {
	t.Helper()
	select {
	case r := <-rec.ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("no run recorded")
		return runRecord{}
	}
}

func TestFirePersistsIntervalRun(t *testing.T) {
	t.Parallel()
	s, _, rec := newScheduler(t)
	require.NoError(t, s.Register(Definition{
		Name:  "enqueue",
		Kind:  KindInterval,
		Every: 5 * time.Minute,
		Run:   func(context.Context) error { return nil },
	}))

	require.NoError(t, s.Fire("enqueue"))
	r := nextRecord(t, rec)
	require.Equal(t, "enqueue", r.name)
	require.Equal(t, night, r.last)
	require.Equal(t, night.Add(5*time.Minute), r.next)
}

func TestFirePersistsDailyRunAtWindowStart(t *testing.T) {
	t.Parallel()
	s, _, rec := newScheduler(t)
	require.NoError(t, s.Register(Definition{
		Name: "reset",
		Kind: KindDaily,
		Hour: 21,
		Run:  func(context.Context) error { return nil },
	}))

	require.NoError(t, s.Fire("reset"))
	r := nextRecord(t, rec)
	require.True(t, time.Date(2024, 5, 2, 21, 0, 0, 0, time.UTC).Equal(r.next), "next=%s", r.next)
}

func TestFailingJobKeepsFiring(t *testing.T) {
	t.Parallel()
	s, clock, rec := newScheduler(t)
	require.NoError(t, s.Register(Definition{
		Name:  "flaky",
		Kind:  KindInterval,
		Every: time.Minute,
		Run:   func(context.Context) error { return engine.NoRetry(errors.New("queue down")) },
	}))

	require.NoError(t, s.Fire("flaky"))
	nextRecord(t, rec)
	require.True(t, s.Has("flaky"))

	clock.Set(night.Add(time.Minute))
	require.Eventually(t, func() bool { return s.Fire("flaky") == nil }, 2*time.Second, 10*time.Millisecond)
	r := nextRecord(t, rec)
	require.Equal(t, night.Add(time.Minute), r.last)
}

func TestPanickingJobKeepsFiring(t *testing.T) {
	t.Parallel()
	s, _, rec := newScheduler(t)
	require.NoError(t, s.Register(Definition{
		Name:  "panics",
		Kind:  KindInterval,
		Every: time.Minute,
		Run:   func(context.Context) error { panic("bad") },
	}))
	require.NoError(t, s.Fire("panics"))
	nextRecord(t, rec)
	require.Eventually(t, func() bool { return s.Fire("panics") == nil }, 2*time.Second, 10*time.Millisecond)
	nextRecord(t, rec)
	require.True(t, s.Has("panics"))
}

func TestStartFiresOverdueIntervalImmediately(t *testing.T) {
	t.Parallel()
	s, _, rec := newScheduler(t)
	require.NoError(t, s.Register(Definition{
		Name:    "overdue",
		Kind:    KindInterval,
		Every:   time.Hour,
		NextRun: night.Add(-time.Hour),
		Run:     func(context.Context) error { return nil },
	}))
	require.NoError(t, s.Register(Definition{
		Name:    "later",
		Kind:    KindInterval,
		Every:   time.Hour,
		NextRun: time.Now().Add(time.Hour),
		Run:     func(context.Context) error { return nil },
	}))
	s.Start(context.Background())

	r := nextRecord(t, rec)
	require.Equal(t, "overdue", r.name)

	for _, info := range s.Schedules() {
		if info.Name == "later" {
			require.WithinDuration(t, time.Now().Add(time.Hour), info.Next, time.Minute)
		}
	}
}

func TestRescheduleDailyMovesHour(t *testing.T) {
	t.Parallel()
	s, _, _ := newScheduler(t)
	s.Start(context.Background())
	require.NoError(t, s.Register(Definition{Name: "reset", Kind: KindDaily, Hour: 21, Run: func(context.Context) error { return nil }}))

	require.NoError(t, s.RescheduleDaily("reset", 20))
	infos := s.Schedules()
	require.Len(t, infos, 1)
	require.Equal(t, "0 20 * * *", infos[0].Spec)
	require.Equal(t, 20, infos[0].Next.Hour())

	require.Error(t, s.RescheduleDaily("missing", 1))
	require.NoError(t, s.Register(Definition{Name: "every", Kind: KindInterval, Every: time.Minute, Run: func(context.Context) error { return nil }}))
	require.Error(t, s.RescheduleDaily("every", 3))
}

func TestRegisterReplacesAndRemove(t *testing.T) {
	t.Parallel()
	s, _, _ := newScheduler(t)
	run := func(context.Context) error { return nil }
	require.NoError(t, s.Register(Definition{Name: "sync", Kind: KindInterval, Every: time.Minute, Run: run}))
	require.NoError(t, s.Register(Definition{Name: "sync", Kind: KindInterval, Every: 7 * time.Minute, Run: run}))

	infos := s.Schedules()
	require.Len(t, infos, 1)
	require.Equal(t, "@every 7m0s", infos[0].Spec)

	require.True(t, s.Remove("sync"))
	require.False(t, s.Remove("sync"))
	require.Error(t, s.Fire("sync"))
}

func TestRegisterValidates(t *testing.T) {
	t.Parallel()
	s, _, _ := newScheduler(t)
	run := func(context.Context) error { return nil }
	require.Error(t, s.Register(Definition{Name: "", Kind: KindInterval, Every: time.Minute, Run: run}))
	require.Error(t, s.Register(Definition{Name: "x", Kind: KindInterval, Run: run}))
	require.Error(t, s.Register(Definition{Name: "x", Kind: KindDaily, Hour: 24, Run: run}))
	require.Error(t, s.Register(Definition{Name: "x", Kind: KindDaily, Hour: 3}))
}

func TestRunExclusiveReturnsJobError(t *testing.T) {
	t.Parallel()
	s, _, rec := newScheduler(t)
	err := s.RunExclusive(context.Background(), "manual", 0, func(context.Context) error {
		return engine.NoRetry(errors.New("nope"))
	})
	require.EqualError(t, err, "nope")
	require.Empty(t, rec.ch)
}

func TestDailyFireSkipsWhileManualRunHoldsLock(t *testing.T) {
	t.Parallel()
	s, _, rec := newScheduler(t)

	var mu sync.Mutex
	running, maxRunning := 0, 0
	body := func(ctx context.Context) error {
		mu.Lock()
		running++
		maxRunning = max(maxRunning, running)
		mu.Unlock()
		select {
		case <-ctx.Done():
		case <-time.After(50 * time.Millisecond):
		}
		mu.Lock()
		running--
		mu.Unlock()
		return nil
	}
	require.NoError(t, s.Register(Definition{Name: "reset", Kind: KindDaily, Hour: 21, Run: body}))

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.RunExclusive(context.Background(), "reset", 0, func(ctx context.Context) error {
			close(started)
			return body(ctx)
		})
	}()
	<-started

	require.ErrorIs(t, s.Fire("reset"), engine.ErrOverlapSkip)
	require.NoError(t, <-done)

	require.NoError(t, s.Fire("reset"))
	nextRecord(t, rec)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, maxRunning)
}

func TestFirstRunSchedule(t *testing.T) {
	t.Parallel()
	now := night
	future := newIntervalSchedule(time.Minute, now.Add(10*time.Minute))
	require.Equal(t, now.Add(10*time.Minute), future.Next(now))
	require.Equal(t, now.Add(11*time.Minute), future.Next(now.Add(10*time.Minute)))

	past := newIntervalSchedule(time.Minute, now.Add(-time.Hour))
	require.Equal(t, now, past.Next(now))
	require.Equal(t, now.Add(time.Minute), past.Next(now))
}

func TestParseInterval(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want time.Duration
		ok   bool
	}{
		{"15", 15 * time.Minute, true},
		{"15m", 15 * time.Minute, true},
		{"1h30m", 90 * time.Minute, true},
		{"00:15", 15 * time.Minute, true},
		{"02:30", 150 * time.Minute, true},
		{"30s", 0, false},
		{"90s", 0, false},
		{"00:75", 0, false},
		{"", 0, false},
		{"soon", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseInterval(tt.raw)
			if !tt.ok {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}
