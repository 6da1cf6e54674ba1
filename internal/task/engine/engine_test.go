package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sheetsync/internal/eventbus"
	logx "sheetsync/pkg/logx"
)

func startEngine(t *testing.T, cfg Config, bus eventbus.Bus) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event, typ string) JobEvent {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				return ev.Data.(JobEvent)
			}
		case <-timeout:
			t.Fatalf("no %s event", typ)
		}
	}
}

func TestEnqueueRunsJobAndPublishesFinished(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	s := startEngine(t, Config{Workers: 1}, bus)

	var ran atomic.Int32
	require.NoError(t, s.Enqueue(Job{Name: "sync", Run: func(context.Context) error {
		ran.Add(1)
		return nil
	}}))

	ev := waitEvent(t, events, EventJobFinished)
	require.Equal(t, "sync", ev.Name)
	require.Equal(t, 1, ev.Attempts)
	require.EqualValues(t, 1, ran.Load())
}

func TestOverlapSkipsWhileQueuedOrRunning(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 2}, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	job := Job{Name: "slow", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}
	require.NoError(t, s.Enqueue(job))
	<-started
	require.True(t, s.Running("slow"))
	require.ErrorIs(t, s.Enqueue(job), ErrOverlapSkip)

	close(release)
	require.Eventually(t, func() bool { return !s.Running("slow") }, 2*time.Second, 10*time.Millisecond)
}

func TestNoRetryStopsAfterFirstAttempt(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	s := startEngine(t, Config{Workers: 1, RetryMax: 3}, bus)

	var calls atomic.Int32
	require.NoError(t, s.Enqueue(Job{Name: "permanent", Run: func(context.Context) error {
		calls.Add(1)
		return NoRetry(errors.New("bad input"))
	}}))

	ev := waitEvent(t, events, EventJobFailed)
	require.Equal(t, "bad input", ev.Error)
	require.Equal(t, 1, ev.Attempts)
	require.EqualValues(t, 1, calls.Load())
}

func TestRetriesTransientErrors(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	s := startEngine(t, Config{Workers: 1, RetryMax: 2}, bus)

	var calls atomic.Int32
	require.NoError(t, s.Enqueue(Job{
		Name: "flaky",
		Opt:  JobOptions{RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond},
		Run: func(context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("try again")
			}
			return nil
		},
	}))

	ev := waitEvent(t, events, EventJobFinished)
	require.Equal(t, 3, ev.Attempts)
}

func TestPanicBecomesFailure(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	err := s.RunSync(context.Background(), Job{Name: "boom", Run: func(context.Context) error {
		panic("kaboom")
	}})
	require.ErrorContains(t, err, "kaboom")

	// The lock is released so the next run goes through.
	require.NoError(t, s.RunSync(context.Background(), Job{Name: "boom", Run: func(context.Context) error { return nil }}))
	snap := s.Snapshot()
	require.Len(t, snap.History, 2)
	require.True(t, snap.History[0].Manual)
}

func TestRunSyncWaitsForScheduledRun(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1}, nil)

	var order []string
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, s.Enqueue(Job{Name: "reconcile", Run: func(context.Context) error {
		close(started)
		<-release
		order = append(order, "scheduled")
		return nil
	}}))
	<-started

	done := make(chan error, 1)
	go func() {
		done <- s.RunSync(context.Background(), Job{Name: "reconcile", Run: func(context.Context) error {
			order = append(order, "manual")
			return nil
		}})
	}()

	select {
	case <-done:
		t.Fatal("manual run overlapped the scheduled one")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-done)
	require.Equal(t, []string{"scheduled", "manual"}, order)
}

func TestRunSyncHonorsContext(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	st := s.StateFor("held")
	require.NoError(t, st.Acquire(context.Background()))
	defer st.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.RunSync(ctx, Job{Name: "held", Run: func(context.Context) error { return nil }})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, CircuitTripFailures: 2, CircuitBaseDelay: time.Minute}, logx.Nop(), nil)
	cfg := s.config()
	opt := DefaultJobOptions(cfg)
	now := time.Now()

	s.circuitRecordResult(now, "x", cfg, opt, errors.New("1"))
	open, _ := s.circuitIsOpen(now, "x", cfg, opt)
	require.False(t, open)

	s.circuitRecordResult(now, "x", cfg, opt, errors.New("2"))
	open, until := s.circuitIsOpen(now.Add(time.Second), "x", cfg, opt)
	require.True(t, open)
	require.Equal(t, now.Add(time.Minute), until)

	s.circuitRecordResult(now, "x", cfg, opt, nil)
	open, _ = s.circuitIsOpen(now.Add(time.Second), "x", cfg, opt)
	require.False(t, open)
}

func TestEnqueueWhenDisabled(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	require.ErrorIs(t, s.Enqueue(Job{Name: "x", Run: func(context.Context) error { return nil }}), ErrDisabled)
}

func TestBackoffIsBounded(t *testing.T) {
	t.Parallel()
	opt := JobOptions{RetryBase: time.Second, RetryMaxDelay: 4 * time.Second}
	require.Equal(t, time.Second, backoffDelay(opt, 1, nil))
	require.Equal(t, 2*time.Second, backoffDelay(opt, 2, nil))
	require.Equal(t, 4*time.Second, backoffDelay(opt, 5, nil))
}
