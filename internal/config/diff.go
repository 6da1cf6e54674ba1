package config

import (
	"reflect"
	"slices"
	"strings"

	logx "sheetsync/pkg/logx"
)

// Change lists what a reload touched. Sections are sorted; Jobs holds the
// names of jobs whose override was added, removed or edited.
type Change struct {
	Sections []string
	Jobs     []string
}

func (c Change) Has(section string) bool { return slices.Contains(c.Sections, section) }

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// Diff compares two configs section by section. The returned fields are
// safe to log: tokens are reported only as set/unset.
func Diff(oldCfg, newCfg *Config) (Change, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	attrs := make([]logx.Field, 0, 16)
	mark := func(section string, fields ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		attrs = append(attrs, fields...)
	}

	if ow, nw := oldCfg.TimeWindow(), newCfg.TimeWindow(); ow != nw {
		mark("window", logx.String("window", nw.String()))
	}

	oq, nq := oldCfg.Queue, newCfg.Queue
	if oq.PageCount != nq.PageCount || oq.RatePerSec != nq.RatePerSec ||
		trim(oq.BaseURL) != trim(nq.BaseURL) || trim(oq.Timeout) != trim(nq.Timeout) || oq.Token != nq.Token {
		mark("queue",
			logx.Int("queue.page_count", newCfg.PageCount()),
			logx.Int("queue.rate_per_sec", nq.RatePerSec),
			logx.Bool("queue.token_set", trim(nq.Token) != ""),
		)
	}

	if oldCfg.Sheets != newCfg.Sheets {
		mark("sheets", logx.String("sheets.timeout", trim(newCfg.Sheets.Timeout)))
	}
	if oldCfg.Ingest != newCfg.Ingest {
		mark("ingest", logx.Int("ingest.batch_size", newCfg.IngestBatch()), logx.Int("ingest.fetchers", newCfg.IngestFetchers()))
	}
	if oldCfg.Storage != newCfg.Storage {
		mark("storage", logx.String("storage.path", trim(newCfg.Storage.Path)))
	}

	if jobs := diffJobs(oldCfg.Jobs, newCfg.Jobs); len(jobs) > 0 {
		ch.Jobs = jobs
		mark("jobs", logx.String("jobs.changed", strings.Join(jobs, ",")))
	}

	if oldCfg.Logging != newCfg.Logging {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Scheduler.Enabled != newCfg.Scheduler.Enabled || trim(oldCfg.Scheduler.Timezone) != trim(newCfg.Scheduler.Timezone) {
		mark("scheduler",
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", trim(newCfg.Scheduler.Timezone)),
		)
	}

	if !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		mark("task_engine")
	}
	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		mark("notifier", logx.Bool("notifier.enabled", newCfg.NotifierEnabled()))
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || trim(ot.GroupLog) != trim(nt.GroupLog) ||
		trim(ot.PollTimeout) != trim(nt.PollTimeout) || !slices.Equal(ot.OwnerUserIDs, nt.OwnerUserIDs) {
		mark("telegram",
			logx.Bool("telegram.token_set", trim(nt.Token) != ""),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", trim(nt.GroupLog) != ""),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		mark("http", logx.String("http.addr", trim(newCfg.HTTP.Addr)), logx.Bool("http.token_set", trim(newCfg.HTTP.Token) != ""))
	}

	slices.Sort(ch.Sections)
	return ch, attrs
}

func diffJobs(a, b map[string]JobConfig) []string {
	var out []string
	for name, ja := range a {
		jb, ok := b[name]
		if !ok || !sameJob(ja, jb) {
			out = append(out, name)
		}
	}
	for name := range b {
		if _, ok := a[name]; !ok {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

func sameJob(a, b JobConfig) bool {
	if a.IntervalMinutes != b.IntervalMinutes {
		return false
	}
	if (a.Active == nil) != (b.Active == nil) {
		return false
	}
	return a.Active == nil || *a.Active == *b.Active
}

func trim(s string) string { return strings.TrimSpace(s) }
