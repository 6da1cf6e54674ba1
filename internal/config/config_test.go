package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
window:
  start_hour: 20
  end_hour: 2
queue:
  token: secret
  page_count: 5
jobs:
  update_tasks_status_from_eshmakar:
    interval_minutes: 30
    active: true
storage:
  path: ./sheetsync.db
logging:
  level: info
  console: true
scheduler:
  enabled: true
  timezone: UTC
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Same(t, cfg, m.Get())

	require.Equal(t, 20, cfg.TimeWindow().StartHour)
	require.Equal(t, 2, cfg.TimeWindow().EndHour)
	require.Equal(t, 5, cfg.PageCount())
	require.Equal(t, DefaultIngestBatch, cfg.IngestBatch())
	require.True(t, cfg.NotifierEnabled())
	require.False(t, cfg.TelegramEnabled())

	j := cfg.Jobs["update_tasks_status_from_eshmakar"]
	require.Equal(t, 30, j.IntervalMinutes)
	require.NotNil(t, j.Active)
	require.True(t, *j.Active)
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	_, err := Decode("c.json", []byte(`{"queue":{"token":"x","pages":3}}`))
	require.Error(t, err)

	_, err = Decode("c.json", []byte(`{"queue":{"token":"x"}} {}`))
	require.Error(t, err)

	_, err = Decode("c.yaml", []byte("queue:\n  tokn: x\n"))
	require.Error(t, err)

	cfg, err := Decode("c.yaml", nil)
	require.NoError(t, err)
	require.Equal(t, 21, cfg.TimeWindow().StartHour)
}

func TestWindowDefaultsKeepMidnight(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("c.json", []byte(`{"window":{"start_hour":0}}`))
	require.NoError(t, err)
	require.Equal(t, 0, cfg.TimeWindow().StartHour)
	require.Equal(t, 3, cfg.TimeWindow().EndHour)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	hour := func(h int) *int { return &h }
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{name: "zero", cfg: Config{}, ok: true},
		{name: "bad hour", cfg: Config{Window: WindowConfig{StartHour: hour(24)}}},
		{name: "negative pages", cfg: Config{Queue: QueueConfig{PageCount: -1}}},
		{name: "bad url", cfg: Config{Queue: QueueConfig{BaseURL: "eshmakar"}}},
		{name: "bad timeout", cfg: Config{Sheets: SheetsConfig{Timeout: "soon"}}},
		{name: "bad tz", cfg: Config{Scheduler: SchedulerConfig{Timezone: "Mars/Base"}}},
		{name: "negative interval", cfg: Config{Jobs: map[string]JobConfig{"x": {IntervalMinutes: -5}}}},
		{name: "bad group log", cfg: Config{Telegram: TelegramConfig{GroupLog: "chat"}}},
		{name: "telegram log without chat", cfg: Config{Logging: LoggingConfig{Telegram: LoggingTelegram{Enabled: true}}}},
		{name: "engine delay", cfg: Config{TaskEngine: &TaskEngineConfig{MaxQueueDelay: "-1s"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(&tt.cfg)
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestParseGroupLog(t *testing.T) {
	t.Parallel()
	chat, thread, err := ParseGroupLog("-1001234:17")
	require.NoError(t, err)
	require.Equal(t, int64(-1001234), chat)
	require.Equal(t, 17, thread)

	chat, thread, err = ParseGroupLog(" -42 ")
	require.NoError(t, err)
	require.Equal(t, int64(-42), chat)
	require.Zero(t, thread)

	_, _, err = ParseGroupLog("-42:x")
	require.Error(t, err)
}

func TestDiff(t *testing.T) {
	t.Parallel()
	on := true
	oldCfg, err := Decode("c.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	newCfg, err := Decode("c.yaml", []byte(sampleYAML))
	require.NoError(t, err)

	ch, _ := Diff(oldCfg, newCfg)
	require.True(t, ch.Empty())

	h := 22
	newCfg.Window.StartHour = &h
	newCfg.Queue.PageCount = 7
	newCfg.Jobs = map[string]JobConfig{
		"update_tasks_status_from_eshmakar": {IntervalMinutes: 30, Active: &on},
		"fetch_and_process_sheets":          {IntervalMinutes: 4},
	}
	ch, attrs := Diff(oldCfg, newCfg)
	require.Equal(t, []string{"jobs", "queue", "window"}, ch.Sections)
	require.Equal(t, []string{"fetch_and_process_sheets"}, ch.Jobs)
	require.True(t, ch.Has("window"))
	require.NotEmpty(t, attrs)
}

func TestReloadPublishesOnlyValidChanges(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.yaml", sampleYAML)
	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	sub := m.Subscribe(1)
	ctx := context.Background()

	published, err := m.Reload(ctx)
	require.NoError(t, err)
	require.False(t, published)

	require.NoError(t, os.WriteFile(path, []byte(sampleYAML+"ingest:\n  batch_size: 3\n"), 0o600))
	published, err = m.Reload(ctx)
	require.NoError(t, err)
	require.True(t, published)
	got := <-sub
	require.Equal(t, 3, got.IngestBatch())

	require.NoError(t, os.WriteFile(path, []byte("window:\n  start_hour: 99\n"), 0o600))
	published, err = m.Reload(ctx)
	require.Error(t, err)
	require.False(t, published)
	require.Equal(t, 3, m.Get().IngestBatch())

	m.Unsubscribe(sub)
	_, open := <-sub
	require.False(t, open)
}

func TestWatchPicksUpEdits(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.yaml", sampleYAML)
	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	sub := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	// Give the watcher a moment to attach before editing.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML+"ingest:\n  fetchers: 4\n"), 0o600))

	select {
	case got := <-sub:
		require.Equal(t, 4, got.IngestFetchers())
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}
	cancel()
	<-done
}
