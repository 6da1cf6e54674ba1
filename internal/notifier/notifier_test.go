package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sheetsync/internal/eventbus"
	"sheetsync/internal/task/engine"
	kit "sheetsync/internal/transport"
	logx "sheetsync/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	fails int
	sent  []string
	to    []kit.ChatTarget
}

func (f *fakeSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("telegram down")
	}
	f.sent = append(f.sent, text)
	f.to = append(f.to, to)
	return nil
}

func (f *fakeSender) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type memDedup struct {
	mu sync.Mutex
	m  map[string]time.Time
}

func (m *memDedup) PutDedup(_ context.Context, key string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m[key] = until
	return nil
}

func (m *memDedup) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.m[key]
	return u, ok, nil
}

func newTestService(sender Sender, store DedupStore, persist bool) *Service {
	s := New(Config{Enabled: true, RatePerSec: 100, DedupWindow: time.Minute, Persist: persist}, sender, store, logx.Nop())
	s.SetTarget(-100123, 7)
	return s
}

func TestNotifyDedupsWithinWindow(t *testing.T) {
	t.Parallel()

	fs := &fakeSender{}
	s := newTestService(fs, nil, false)
	now := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	ctx := context.Background()
	require.NoError(t, s.Notify(ctx, "k", "first"))
	require.NoError(t, s.Notify(ctx, "k", "second"))
	require.Equal(t, []string{"first"}, fs.texts())
	require.Equal(t, kit.ChatTarget{ChatID: -100123, ThreadID: 7}, fs.to[0])

	now = now.Add(2 * time.Minute)
	require.NoError(t, s.Notify(ctx, "k", "third"))
	require.Equal(t, []string{"first", "third"}, fs.texts())

	h := s.History()
	require.Len(t, h, 3)
	require.True(t, h[1].Suppressed)
}

func TestNotifyPersistedDedupSurvivesRestart(t *testing.T) {
	t.Parallel()

	store := &memDedup{m: map[string]time.Time{}}
	ctx := context.Background()

	fs1 := &fakeSender{}
	require.NoError(t, newTestService(fs1, store, true).Notify(ctx, "k", "a"))
	require.Len(t, fs1.texts(), 1)

	fs2 := &fakeSender{}
	require.NoError(t, newTestService(fs2, store, true).Notify(ctx, "k", "a"))
	require.Empty(t, fs2.texts())
}

func TestNotifyRetriesSend(t *testing.T) {
	t.Parallel()

	fs := &fakeSender{fails: 1}
	s := newTestService(fs, nil, false)
	require.NoError(t, s.Notify(context.Background(), "", "hello"))
	require.Equal(t, []string{"hello"}, fs.texts())
}

func TestNotifyWithoutTargetOrDisabled(t *testing.T) {
	t.Parallel()

	fs := &fakeSender{}
	s := New(Config{Enabled: true}, fs, nil, logx.Nop())
	require.ErrorIs(t, s.Notify(context.Background(), "k", "x"), ErrNoTarget)

	s.SetTarget(1, 0)
	s.Apply(Config{Enabled: false})
	require.NoError(t, s.Notify(context.Background(), "k", "x"))
	require.Empty(t, fs.texts())
}

func TestRunAlertsOnFailedJobs(t *testing.T) {
	t.Parallel()

	fs := &fakeSender{}
	s := newTestService(fs, nil, false)
	bus := eventbus.New()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, bus) }()

	// Subscribe happens inside Run; publish until the first alert lands.
	require.Eventually(t, func() bool {
		bus.Publish(eventbus.Event{Type: engine.EventJobFinished, Data: engine.JobEvent{Name: "ok"}})
		bus.Publish(eventbus.Event{Type: engine.EventJobFailed, Data: engine.JobEvent{
			Name: "reconcile_latest_task", Attempts: 1, Duration: 1500 * time.Millisecond, Error: "queue: status 502",
		}})
		return len(fs.texts()) > 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	texts := fs.texts()
	require.Len(t, texts, 1)
	require.Contains(t, texts[0], "job reconcile_latest_task failed after 1 attempt(s) in 1.5s")
	require.Contains(t, texts[0], "queue: status 502")
}

func TestAlertForIgnoresOtherEvents(t *testing.T) {
	t.Parallel()

	_, _, ok := alertFor(eventbus.Event{Type: engine.EventJobStarted, Data: engine.JobEvent{Name: "x"}})
	require.False(t, ok)
	_, _, ok = alertFor(eventbus.Event{Type: engine.EventJobFailed, Data: "not a job"})
	require.False(t, ok)

	text, key, ok := alertFor(eventbus.Event{Type: engine.EventJobDropped, Data: engine.JobEvent{Name: "x", Error: "queue_full"}})
	require.True(t, ok)
	require.Equal(t, "job x was not run: queue_full", text)
	require.Contains(t, key, "alert:x:")
}
