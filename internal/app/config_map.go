package app

import (
	"fmt"
	"strings"
	"time"

	"sheetsync/internal/config"
	"sheetsync/internal/gateway/queue"
	"sheetsync/internal/gateway/sheets"
	"sheetsync/internal/httpapi"
	"sheetsync/internal/notifier"
	"sheetsync/internal/storage"
	"sheetsync/internal/task/engine"
	"sheetsync/internal/task/scheduler"
	logx "sheetsync/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, fmt.Errorf("storage.path is required")
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
}

func mapQueueConfig(cfg *config.Config) (queue.Config, error) {
	timeout, err := config.ParseDurationOrDefault("queue.timeout", cfg.Queue.Timeout, config.DefaultHTTPTimeout)
	if err != nil {
		return queue.Config{}, err
	}
	return queue.Config{
		BaseURL:    cfg.Queue.BaseURL,
		Token:      cfg.Queue.Token,
		Timeout:    timeout,
		RatePerSec: float64(cfg.Queue.RatePerSec),
	}, nil
}

func mapSheetsConfig(cfg *config.Config) (sheets.Config, error) {
	timeout, err := config.ParseDurationOrDefault("sheets.timeout", cfg.Sheets.Timeout, config.DefaultHTTPTimeout)
	if err != nil {
		return sheets.Config{}, err
	}
	return sheets.Config{BaseURL: cfg.Sheets.BaseURL, Timeout: timeout}, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    lc.Telegram.Enabled && cfg.TelegramEnabled(),
			ThreadID:   lc.Telegram.ThreadID,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: cfg.Scheduler.Timezone}
}

// mapTaskEngineConfig fills engine defaults. The engine follows the
// scheduler unless task_engine.enabled says otherwise.
func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{
		Enabled:     true,
		Workers:     2,
		QueueSize:   64,
		HistorySize: 200,
	}
	te := cfg.TaskEngine
	if te == nil {
		return out, nil
	}
	if te.Enabled != nil {
		out.Enabled = *te.Enabled
	}
	if cfg.Scheduler.Enabled && !out.Enabled {
		return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
	}
	if te.Workers > 0 {
		out.Workers = te.Workers
	}
	if te.QueueSize > 0 {
		out.QueueSize = te.QueueSize
	}
	if te.HistorySize > 0 {
		out.HistorySize = te.HistorySize
	}
	out.RetryMax = te.RetryMax
	out.CircuitTripFailures = te.CircuitTripFailures

	var err error
	if out.DefaultTimeout, err = config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	if out.CircuitResetAfter, err = config.ParseDurationField("task_engine.circuit_reset_after", te.CircuitResetAfter); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	out := notifier.Config{Enabled: cfg.NotifierEnabled() && cfg.TelegramEnabled()}
	n := cfg.Notifier
	if n == nil {
		return out, nil
	}
	window, err := config.ParseDurationField("notifier.dedup_window", n.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	out.RatePerSec = n.RatePerSec
	out.DedupWindow = window
	out.Persist = n.Persist
	return out, nil
}

func mapHTTPConfig(cfg *config.Config) httpapi.Config {
	return httpapi.Config{Addr: strings.TrimSpace(cfg.HTTP.Addr), Token: strings.TrimSpace(cfg.HTTP.Token)}
}

func mapPollTimeout(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
}
