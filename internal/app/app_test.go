package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sheetsync/internal/config"
)

var dbSeq atomic.Uint64

const testConfig = `
window:
  start_hour: 21
  end_hour: 3
queue:
  base_url: http://127.0.0.1:1
  token: t
storage:
  path: "%s"
jobs:
  fetch_and_process_sheets:
    interval_minutes: %d
logging:
  level: error
  console: false
scheduler:
  enabled: false
  timezone: UTC
http:
  addr: 127.0.0.1:0
`

func writeConfig(t *testing.T, path, dsn string, ingestEvery int) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(testConfig, dsn, ingestEvery)), 0o600))
}

func TestAppLifecycle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	dsn := fmt.Sprintf("file:app_lifecycle_%d?mode=memory&cache=shared", dbSeq.Add(1))
	writeConfig(t, path, dsn, 12)

	a, err := New(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	t.Cleanup(func() {
		sctx, c := context.WithTimeout(context.Background(), 10*time.Second)
		defer c()
		_ = a.Stop(sctx, StopUnknown)
	})

	// seeded and overridden on start
	j, err := a.store.GetJob(ctx, "fetch_and_process_sheets")
	require.NoError(t, err)
	require.Equal(t, 12, j.IntervalMinutes)
	jobsList, err := a.store.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobsList, 5)

	base := "http://" + a.HTTPAddr()
	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, err = http.Get(base + "/api/jobs")
	require.NoError(t, err)
	var out struct {
		Jobs []struct {
			Name string `json:"name"`
		} `json:"jobs"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	_ = resp.Body.Close()
	require.Len(t, out.Jobs, 5)

	// reload pushes the new override into the schedule
	writeConfig(t, path, dsn, 20)
	_, err = a.cfgm.Reload(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		j, err := a.store.GetJob(ctx, "fetch_and_process_sheets")
		return err == nil && j.IntervalMinutes == 20
	}, 3*time.Second, 20*time.Millisecond)
}

func TestMapTaskEngineConfig(t *testing.T) {
	t.Parallel()

	ec, err := mapTaskEngineConfig(&config.Config{})
	require.NoError(t, err)
	require.True(t, ec.Enabled)
	require.Equal(t, 2, ec.Workers)

	off := false
	_, err = mapTaskEngineConfig(&config.Config{
		Scheduler:  config.SchedulerConfig{Enabled: true},
		TaskEngine: &config.TaskEngineConfig{Enabled: &off},
	})
	require.Error(t, err)

	ec, err = mapTaskEngineConfig(&config.Config{TaskEngine: &config.TaskEngineConfig{
		Workers: 4, MaxQueueDelay: "10m", CircuitTripFailures: -1, CircuitResetAfter: "1h",
	}})
	require.NoError(t, err)
	require.Equal(t, 4, ec.Workers)
	require.Equal(t, 10*time.Minute, ec.MaxQueueDelay)
	require.Equal(t, -1, ec.CircuitTripFailures)
	require.Equal(t, time.Hour, ec.CircuitResetAfter)

	_, err = mapTaskEngineConfig(&config.Config{TaskEngine: &config.TaskEngineConfig{DefaultTimeout: "soon"}})
	require.Error(t, err)
}

func TestMapNotifierConfig(t *testing.T) {
	t.Parallel()

	nc, err := mapNotifierConfig(&config.Config{})
	require.NoError(t, err)
	require.False(t, nc.Enabled, "no telegram token")

	nc, err = mapNotifierConfig(&config.Config{
		Telegram: config.TelegramConfig{Token: "x"},
		Notifier: &config.NotifierConfig{Enabled: true, DedupWindow: "5m", Persist: true},
	})
	require.NoError(t, err)
	require.True(t, nc.Enabled)
	require.Equal(t, 5*time.Minute, nc.DedupWindow)
	require.True(t, nc.Persist)
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()

	_, err := mapStorageConfig(&config.Config{})
	require.Error(t, err)

	sc, err := mapStorageConfig(&config.Config{Storage: config.StorageConfig{Path: " ./x.db "}})
	require.NoError(t, err)
	require.Equal(t, "sqlite", sc.Driver)
	require.Equal(t, "./x.db", sc.Path)
	require.Equal(t, 5*time.Second, sc.BusyTimeout)
}

func TestMapLogConfigNeedsBot(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	cfg.Logging.Telegram.Enabled = true
	require.False(t, mapLogConfig(cfg).Telegram.Enabled)
	cfg.Telegram.Token = "x"
	require.True(t, mapLogConfig(cfg).Telegram.Enabled)
	require.True(t, strings.HasPrefix(mapHTTPConfig(&config.Config{HTTP: config.HTTPConfig{Addr: " :1 "}}).Addr, ":1"))
}
