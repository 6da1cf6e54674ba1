package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Validate checks values a reload must not commit. It does not touch the
// network or the database.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	add(cfg.TimeWindow().Validate())
	if cfg.Queue.PageCount < 0 {
		add(fmt.Errorf("queue.page_count: must be >= 0, got %d", cfg.Queue.PageCount))
	}
	if cfg.Queue.RatePerSec < 0 {
		add(fmt.Errorf("queue.rate_per_sec: must be >= 0"))
	}
	add(validURL("queue.base_url", cfg.Queue.BaseURL))
	add(validURL("sheets.base_url", cfg.Sheets.BaseURL))
	_, err := ParseDurationField("queue.timeout", cfg.Queue.Timeout)
	add(err)
	_, err = ParseDurationField("sheets.timeout", cfg.Sheets.Timeout)
	add(err)
	_, err = ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	add(err)
	if cfg.Ingest.BatchSize < 0 || cfg.Ingest.Fetchers < 0 {
		add(errors.New("ingest: batch_size and fetchers must be >= 0"))
	}

	for name, j := range cfg.Jobs {
		if strings.TrimSpace(name) == "" {
			add(errors.New("jobs: empty job name"))
		}
		if j.IntervalMinutes < 0 {
			add(fmt.Errorf("jobs.%s.interval_minutes: must be >= 0", name))
		}
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	if te := cfg.TaskEngine; te != nil {
		_, err = ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
		add(err)
		_, err = ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay)
		add(err)
		_, err = ParseDurationField("task_engine.circuit_reset_after", te.CircuitResetAfter)
		add(err)
		if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 || te.RetryMax < 0 {
			add(errors.New("task_engine: counts must be >= 0"))
		}
	}

	if n := cfg.Notifier; n != nil {
		_, err = ParseDurationField("notifier.dedup_window", n.DedupWindow)
		add(err)
	}

	_, err = ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	add(err)
	if _, _, err := ParseGroupLog(cfg.Telegram.GroupLog); err != nil {
		add(err)
	}
	if cfg.Logging.Telegram.Enabled && strings.TrimSpace(cfg.Telegram.GroupLog) == "" {
		add(errors.New("logging.telegram.enabled requires telegram.group_log"))
	}

	return errors.Join(errs...)
}

// ParseGroupLog splits "<chat_id>[:<thread_id>]". Empty input returns zeros.
func ParseGroupLog(raw string) (chatID int64, threadID int, err error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, 0, nil
	}
	chat, thread, hasThread := strings.Cut(s, ":")
	chatID, err = strconv.ParseInt(strings.TrimSpace(chat), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("telegram.group_log: invalid chat id %q", chat)
	}
	if hasThread {
		threadID, err = strconv.Atoi(strings.TrimSpace(thread))
		if err != nil || threadID < 0 {
			return 0, 0, fmt.Errorf("telegram.group_log: invalid thread id %q", thread)
		}
	}
	return chatID, threadID, nil
}

func validURL(path, raw string) error {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil
	}
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s: invalid url %q", path, raw)
	}
	return nil
}
