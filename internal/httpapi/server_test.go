package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sheetsync/internal/domain"
	"sheetsync/internal/jobs"
	"sheetsync/internal/storage"
	logx "sheetsync/pkg/logx"
)

var dbSeq atomic.Uint64

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:httpapi_%s_%d?mode=memory&cache=shared", name, dbSeq.Add(1))
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: dsn}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

type fakeJobs struct {
	ran []string
}

func (f *fakeJobs) List(context.Context) ([]jobs.Status, error) {
	return []jobs.Status{{ScheduledJob: domain.ScheduledJob{Name: "reset_daily_tasks", Active: true}, Daily: true}}, nil
}

func (f *fakeJobs) RunNow(_ context.Context, name string) (jobs.RunReport, error) {
	if name != "reset_daily_tasks" {
		return jobs.RunReport{}, domain.Errorf(domain.KindNotFound, "jobs.run_now", "unknown job %q", name)
	}
	f.ran = append(f.ran, name)
	return jobs.RunReport{Result: jobs.ResultOK, Job: name, Summary: "reset=2"}, nil
}

func do(t *testing.T, h http.Handler, method, path, body string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	t.Parallel()

	srv := New(Config{}, openStore(t), &fakeJobs{}, logx.Nop())
	rec := do(t, srv.Handler(), http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestCreateAndListTasks(t *testing.T) {
	t.Parallel()

	srv := New(Config{}, openStore(t), &fakeJobs{}, logx.Nop())
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/api/tasks", `{"source_link":"  https://www.avito.ru/moskva?q=1 "}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	task := decode[domain.Task](t, rec)
	require.Equal(t, "https://www.avito.ru/moskva?q=1", task.SourceLink)
	require.Equal(t, domain.StatusPending, task.Status)

	rec = do(t, h, http.MethodPost, "/api/tasks", `{"source_link":"ftp://x"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid", decode[errorBody](t, rec).Kind)

	rec = do(t, h, http.MethodPost, "/api/tasks", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/tasks?status=pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Tasks []domain.Task `json:"tasks"`
		Count int           `json:"count"`
	}](t, rec)
	require.Equal(t, 1, list.Count)

	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/tasks?status=bogus", "").Code)
	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/tasks?limit=0", "").Code)
}

func TestJobsEndpoints(t *testing.T) {
	t.Parallel()

	fj := &fakeJobs{}
	h := New(Config{}, openStore(t), fj, logx.Nop()).Handler()

	rec := do(t, h, http.MethodGet, "/api/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"name":"reset_daily_tasks"`)

	rec = do(t, h, http.MethodPost, "/api/jobs/reset_daily_tasks/run", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rep := decode[jobs.RunReport](t, rec)
	require.Equal(t, jobs.ResultOK, rep.Result)
	require.Equal(t, []string{"reset_daily_tasks"}, fj.ran)

	rec = do(t, h, http.MethodPost, "/api/jobs/nope/run", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSheetStatsAndExport(t *testing.T) {
	t.Parallel()

	st := openStore(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 22, 0, 0, 0, time.UTC)
	task, err := st.CreateTask(ctx, "https://example.com/a", now)
	require.NoError(t, err)

	var rows []storage.HashedRow
	for i := range 7 {
		rows = append(rows, storage.HashedRow{
			Hash:    fmt.Sprintf("h%d", i),
			Payload: []byte(fmt.Sprintf(`{"n": "%d"}`, i)),
		})
	}
	n, err := st.StoreRows(ctx, task.ID, "sheetA", rows, now)
	require.NoError(t, err)
	require.Equal(t, 7, n)

	h := New(Config{}, st, &fakeJobs{}, logx.Nop()).Handler()

	rec := do(t, h, http.MethodGet, "/api/sheets/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[statsResponse](t, rec)
	require.Equal(t, 1, stats.TotalSheets)
	require.Equal(t, 7, stats.TotalRecords)
	require.Equal(t, 7, stats.UnexportedRecords)

	rec = do(t, h, http.MethodGet, "/api/sheets/sheetA/export", "")
	require.Equal(t, http.StatusOK, rec.Code)
	exp := decode[exportResponse](t, rec)
	require.Equal(t, 5, exp.Count)
	require.Equal(t, domain.Row{"n": "0"}, exp.Data[0])
	require.Equal(t, 2, exp.RemainingRecords)
	require.NotNil(t, exp.NextBatch)
	require.Equal(t, "/api/sheets/sheetA/export?batch_size=5", *exp.NextBatch)

	rec = do(t, h, http.MethodGet, "/api/sheets/sheetA/export?batch_size=50", "")
	exp = decode[exportResponse](t, rec)
	require.Equal(t, 2, exp.Count)
	require.Zero(t, exp.RemainingRecords)
	require.Nil(t, exp.NextBatch)

	rec = do(t, h, http.MethodGet, "/api/sheets/sheetA/export", "")
	require.Equal(t, http.StatusOK, rec.Code)
	exp = decode[exportResponse](t, rec)
	require.Zero(t, exp.Count)
	require.NotEmpty(t, exp.Message)

	require.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/sheets/missing/export", "").Code)
	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/sheets/sheetA/export?batch_size=51", "").Code)
	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/sheets/sheetA/export?batch_size=x", "").Code)
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	srv := New(Config{Token: "s3cret"}, openStore(t), &fakeJobs{}, logx.Nop())
	h := srv.Handler()

	require.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/jobs", "").Code)
	require.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/jobs", "", "Authorization", "Bearer nope").Code)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/jobs", "", "Authorization", "Bearer s3cret").Code)
	// health stays open for probes
	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", "").Code)

	srv.SetToken("")
	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/jobs", "").Code)
}

func TestRuntimeStatus(t *testing.T) {
	t.Parallel()

	h := New(Config{}, openStore(t), &fakeJobs{}, logx.Nop(),
		WithStatus(func(context.Context) any { return map[string]int{"queue_len": 3} }),
	).Handler()
	rec := do(t, h, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"queue_len":3}`, rec.Body.String())

	rec = do(t, New(Config{}, openStore(t), &fakeJobs{}, logx.Nop()).Handler(), http.MethodGet, "/api/status", "")
	require.JSONEq(t, `{}`, rec.Body.String())
}
