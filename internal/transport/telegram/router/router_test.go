package router

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sheetsync/internal/domain"
	"sheetsync/internal/jobs"
	"sheetsync/internal/storage"
	kit "sheetsync/internal/transport"
	logx "sheetsync/pkg/logx"
)

const owner = int64(1001)

type fakeAdapter struct {
	mu   sync.Mutex
	sent []string
}

func (a *fakeAdapter) Start(context.Context, chan<- kit.Message) error { return nil }
func (a *fakeAdapter) Stop(context.Context) error                      { return nil }
func (a *fakeAdapter) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) error {
	a.mu.Lock()
	a.sent = append(a.sent, text)
	a.mu.Unlock()
	return nil
}

func (a *fakeAdapter) last(t *testing.T) string {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	require.NotEmpty(t, a.sent)
	return a.sent[len(a.sent)-1]
}

type fakeJobs struct {
	mu       sync.Mutex
	list     []jobs.Status
	ran      []string
	schedule []string
}

func (f *fakeJobs) List(context.Context) ([]jobs.Status, error) { return f.list, nil }

func (f *fakeJobs) RunNow(_ context.Context, name string) (jobs.RunReport, error) {
	f.mu.Lock()
	f.ran = append(f.ran, name)
	f.mu.Unlock()
	if name != string(jobs.KindEnqueueOne) {
		return jobs.RunReport{}, domain.Errorf(domain.KindNotFound, "jobs.run_now", "unknown job %q", name)
	}
	return jobs.RunReport{
		Result: jobs.ResultOK, Job: name, RunID: "run-1", Duration: 1500 * time.Millisecond,
		Summary: "accepted",
		Details: []domain.Detail{{TaskID: 7, Outcome: "accepted"}},
	}, nil
}

func (f *fakeJobs) SetSchedule(_ context.Context, name string, minutes int, active bool) (domain.ScheduledJob, error) {
	f.mu.Lock()
	f.schedule = append(f.schedule, fmt.Sprintf("%s:%d:%t", name, minutes, active))
	f.mu.Unlock()
	if minutes == 0 {
		minutes = 9
	}
	return domain.ScheduledJob{Name: name, IntervalMinutes: minutes, Active: active}, nil
}

var dbSeq atomic.Uint64

func newRouter(t *testing.T) (*Router, *fakeAdapter, *fakeJobs, *storage.Store) {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	st, err := storage.Open(storage.Config{Path: fmt.Sprintf("file:router_%s_%d?mode=memory&cache=shared", name, dbSeq.Add(1))}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ad := &fakeAdapter{}
	fj := &fakeJobs{}
	r := New(ad, fj, st, []int64{owner}, logx.Nop())
	r.now = func() time.Time { return time.Date(2024, 5, 1, 22, 0, 0, 0, time.UTC) }
	return r, ad, fj, st
}

func send(r *Router, from int64, text string) {
	r.Handle(context.Background(), kit.Message{ChatID: 5, FromID: from, Text: text})
}

func TestParseCommand(t *testing.T) {
	t.Parallel()
	name, args, ok := parseCommand("  /Run@sheetsync_bot  reset_daily_tasks ")
	require.True(t, ok)
	require.Equal(t, "run", name)
	require.Equal(t, []string{"reset_daily_tasks"}, args)

	_, _, ok = parseCommand("hello /run")
	require.False(t, ok)
	_, _, ok = parseCommand("/")
	require.False(t, ok)
}

func TestOwnerOnly(t *testing.T) {
	t.Parallel()
	r, ad, fj, _ := newRouter(t)

	send(r, 42, "/run enqueue_one_task_for_parsing")
	require.Equal(t, "unauthorized", ad.last(t))
	require.Empty(t, fj.ran)

	send(r, 42, "/help")
	require.NotContains(t, ad.last(t), "/run")
	send(r, owner, "/help")
	require.Contains(t, ad.last(t), "/run <job>")

	send(r, owner, "/nope")
	require.Contains(t, ad.last(t), "unknown command")

	send(r, owner, "just chatting")
	require.Len(t, ad.sent, 4)
}

func TestAddAndTasks(t *testing.T) {
	t.Parallel()
	r, ad, _, st := newRouter(t)

	send(r, owner, "/add https://www.wildberries.ru/catalog/0/search.aspx?search=boots")
	require.Equal(t, "task #1 added", ad.last(t))
	send(r, owner, "/add not-a-link")
	require.Contains(t, ad.last(t), "error:")

	list, err := st.ListTasks(context.Background(), storage.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)

	send(r, owner, "/add https://www.ozon.ru/search/?text=x")
	send(r, owner, "/tasks 1")
	out := ad.last(t)
	require.Contains(t, out, "#2 pending")
	require.NotContains(t, out, "#1 ")

	send(r, owner, "/tasks zero")
	require.Equal(t, "usage: /tasks [n]", ad.last(t))
}

func TestRunFormatsReport(t *testing.T) {
	t.Parallel()
	r, ad, fj, _ := newRouter(t)

	send(r, owner, "/run enqueue_one_task_for_parsing")
	out := ad.last(t)
	require.Contains(t, out, "OK enqueue_one_task_for_parsing in 1.5s")
	require.Contains(t, out, "- #7 accepted")
	require.Contains(t, out, "run run-1")
	require.Equal(t, []string{"enqueue_one_task_for_parsing"}, fj.ran)

	send(r, owner, "/run missing")
	require.Contains(t, ad.last(t), "error: ")

	send(r, owner, "/run")
	require.Equal(t, "usage: /run <job>", ad.last(t))
}

func TestEveryAndToggle(t *testing.T) {
	t.Parallel()
	r, ad, fj, _ := newRouter(t)

	send(r, owner, "/every fetch_and_process_sheets 00:20")
	require.Equal(t, "fetch_and_process_sheets now runs every 20m", ad.last(t))

	send(r, owner, "/every fetch_and_process_sheets 30s")
	require.Contains(t, ad.last(t), "error:")

	send(r, owner, "/disable update_tasks_status_from_eshmakar")
	require.Equal(t, "update_tasks_status_from_eshmakar disabled", ad.last(t))
	send(r, owner, "/enable update_tasks_status_from_eshmakar")
	require.Equal(t, "update_tasks_status_from_eshmakar enabled", ad.last(t))

	require.Equal(t, []string{
		"fetch_and_process_sheets:20:true",
		"update_tasks_status_from_eshmakar:0:false",
		"update_tasks_status_from_eshmakar:0:true",
	}, fj.schedule)
}

func TestJobsAndStats(t *testing.T) {
	t.Parallel()
	r, ad, fj, st := newRouter(t)
	next := time.Date(2024, 5, 1, 22, 5, 0, 0, time.UTC)
	fj.list = []jobs.Status{
		{ScheduledJob: domain.ScheduledJob{Name: "enqueue_one_task_for_parsing", IntervalMinutes: 5, Active: true}, Scheduled: true, NextFire: next},
		{ScheduledJob: domain.ScheduledJob{Name: "reset_daily_tasks", IntervalMinutes: 10, Active: true}, Daily: true, Spec: "0 21 * * *", Running: true},
	}
	send(r, owner, "/jobs")
	out := ad.last(t)
	require.Contains(t, out, "enqueue_one_task_for_parsing [on] every 5m\n  next 2024-05-01 22:05:00")
	require.Contains(t, out, "reset_daily_tasks [on, running] daily (0 21 * * *)")

	send(r, owner, "/stats")
	require.Equal(t, "no sheets stored", ad.last(t))

	ctx := context.Background()
	task, err := st.CreateTask(ctx, "https://x/y", time.Now())
	require.NoError(t, err)
	_, err = st.StoreRows(ctx, task.ID, "sheet1", []storage.HashedRow{
		{Hash: "h1", Payload: []byte(`{"a": "1"}`)},
		{Hash: "h2", Payload: []byte(`{"a": "2"}`)},
	}, time.Now())
	require.NoError(t, err)
	send(r, owner, "/stats")
	require.Equal(t, "sheets 1, rows 2, unsent 2\nsheet1: 2 rows, 2 unsent", ad.last(t))
}

func TestRunDispatchesThroughWorkers(t *testing.T) {
	t.Parallel()
	r, ad, _, _ := newRouter(t)
	in := make(chan kit.Message, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx, in)
	}()
	in <- kit.Message{ChatID: 5, FromID: owner, Text: "/help"}
	require.Eventually(t, func() bool {
		ad.mu.Lock()
		defer ad.mu.Unlock()
		return len(ad.sent) == 1
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func TestMenu(t *testing.T) {
	t.Parallel()
	r, _, _, _ := newRouter(t)
	menu := r.Menu()
	require.Equal(t, "help", menu[0].Command)
	require.Len(t, menu, 9)
}
