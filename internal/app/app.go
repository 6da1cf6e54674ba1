package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"sheetsync/internal/config"
	"sheetsync/internal/domain"
	"sheetsync/internal/eventbus"
	"sheetsync/internal/gateway/queue"
	"sheetsync/internal/gateway/sheets"
	"sheetsync/internal/httpapi"
	"sheetsync/internal/ingest"
	"sheetsync/internal/jobs"
	"sheetsync/internal/notifier"
	"sheetsync/internal/runtime/supervisor"
	"sheetsync/internal/storage"
	"sheetsync/internal/task/engine"
	"sheetsync/internal/task/scheduler"
	"sheetsync/internal/tasksync"
	kit "sheetsync/internal/transport"
	telegram "sheetsync/internal/transport/telegram/adapter"
	"sheetsync/internal/transport/telegram/router"
	logx "sheetsync/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store *storage.Store

	engine *engine.Service
	sched  *scheduler.Service
	jobs   *jobs.Manager

	// nil when no bot token is configured
	adapter *telegram.Adapter
	router  *router.Router
	notif   *notifier.Service

	api      *httpapi.Server
	httpSrv  *http.Server
	httpAddr atomic.Pointer[string]

	loc     atomic.Pointer[time.Location]
	updates chan kit.Message
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	a := &App{cfgm: cfgm, updates: make(chan kit.Message, 256)}
	a.setLocation(cfg.Scheduler.Timezone)

	// Telegram logging stays off until the adapter and target are in place.
	bootLog := mapLogConfig(cfg)
	bootLog.Telegram.Enabled = false
	logs, log := logx.New(bootLog)
	a.logs = logs
	a.log = log.With(logx.String("comp", "app"))

	fail := func(err error) (*App, error) {
		_ = logs.Close()
		return nil, err
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return fail(err)
	}
	a.store, err = storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return fail(fmt.Errorf("open storage: %w", err))
	}
	fail = func(err error) (*App, error) {
		_ = a.store.Close()
		_ = logs.Close()
		return nil, err
	}

	qc, err := mapQueueConfig(cfg)
	if err != nil {
		return fail(err)
	}
	shc, err := mapSheetsConfig(cfg)
	if err != nil {
		return fail(err)
	}
	ec, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return fail(err)
	}
	nc, err := mapNotifierConfig(cfg)
	if err != nil {
		return fail(err)
	}

	syncSvc := tasksync.New(a.store, queue.New(qc, nil, log), log)
	pipeline := ingest.New(a.store, sheets.New(shc, nil, log), log, ingest.Options{
		Fetchers: cfg.IngestFetchers(),
		Now:      a.now,
	})

	a.bus = eventbus.New()
	a.engine = engine.New(ec, log.With(logx.String("comp", "taskengine")), a.bus)
	a.sched = scheduler.New(mapSchedulerConfig(cfg), a.engine, log.With(logx.String("comp", "scheduler")),
		scheduler.WithRecorder(a.store))

	reg := jobs.NewRegistry(jobs.Deps{
		Sync:   syncSvc,
		Ingest: pipeline,
		Settings: func() tasksync.Settings {
			c := cfgm.Get()
			return tasksync.Settings{Window: c.TimeWindow(), PageCount: c.PageCount()}
		},
		IngestBatch: func() int { return cfgm.Get().IngestBatch() },
		Now:         a.now,
	})
	a.jobs = jobs.NewManager(reg, a.store, a.sched, log, a.now)

	var sender notifier.Sender
	if cfg.TelegramEnabled() {
		poll, err := mapPollTimeout(cfg)
		if err != nil {
			return fail(err)
		}
		a.adapter, err = telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: poll}, log)
		if err != nil {
			return fail(err)
		}
		sender = a.adapter
		logs.SetSender(a.adapter)
		a.router = router.New(a.adapter, a.jobs, a.store, cfg.Telegram.OwnerUserIDs, log)
	} else {
		a.log.Warn("telegram.token not set; bot commands and alerts are off")
	}
	a.notif = notifier.New(nc, sender, a.store, log)
	a.applyTargets(cfg)
	logs.Apply(mapLogConfig(cfg))

	a.api = httpapi.New(mapHTTPConfig(cfg), a.store, a.jobs, log, httpapi.WithStatus(a.status))
	return a, nil
}

// Status is the runtime view served at /api/status.
type Status struct {
	Scheduler   scheduler.Snapshot            `json:"scheduler"`
	Workers     supervisor.SupervisorSnapshot `json:"workers"`
	App         supervisor.SupervisorSnapshot `json:"app"`
	BusDropped  uint64                        `json:"bus_dropped"`
	Alerts      []notifier.Alert              `json:"alerts,omitempty"`
	Window      string                        `json:"window"`
	WindowOpen  bool                          `json:"window_open"`
	HTTPAddress string                        `json:"http_addr,omitempty"`
}

func (a *App) status(context.Context) any {
	now := a.now()
	w := a.cfgm.Get().TimeWindow()
	st := Status{
		Scheduler:   a.sched.Snapshot(),
		Workers:     a.engine.Supervisor().Snapshot(),
		App:         a.sup.Snapshot(),
		Alerts:      a.notif.History(),
		Window:      w.String(),
		WindowOpen:  w.Active(now),
		HTTPAddress: a.HTTPAddr(),
	}
	if d, ok := a.bus.(eventbus.Dropper); ok {
		st.BusDropped = d.Dropped()
	}
	return st
}

// now is the wall clock in the scheduler timezone; window checks compare
// its hour.
func (a *App) now() time.Time {
	if loc := a.loc.Load(); loc != nil {
		return time.Now().In(loc)
	}
	return time.Now()
}

func (a *App) setLocation(tz string) {
	loc := time.Local
	if tz = strings.TrimSpace(tz); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	a.loc.Store(loc)
}

// applyTargets points log forwarding and alerts at telegram.group_log. A
// thread in group_log wins over logging.telegram.thread_id.
func (a *App) applyTargets(cfg *config.Config) {
	chatID, threadID, err := config.ParseGroupLog(cfg.Telegram.GroupLog)
	if err != nil {
		a.log.Warn("ignoring telegram.group_log", logx.Err(err))
		chatID, threadID = 0, 0
	}
	if threadID == 0 {
		threadID = cfg.Logging.Telegram.ThreadID
	}
	a.logs.SetTelegramTarget(chatID, threadID)
	a.notif.SetTarget(chatID, threadID)
}

// HTTPAddr is the bound API address, empty when the API is off.
func (a *App) HTTPAddr() string {
	if p := a.httpAddr.Load(); p != nil {
		return *p
	}
	return ""
}

// Done is closed when the app context is canceled by a fatal error or Stop.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()
	cfg := a.cfgm.Get()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		_, err1 := mapTaskEngineConfig(c)
		_, err2 := mapNotifierConfig(c)
		_, err3 := mapStorageConfig(c)
		return errors.Join(err1, err2, err3)
	})

	if a.engine.Enabled() {
		a.engine.Start(runCtx)
	}
	if err := a.jobs.Bootstrap(runCtx, cfg.TimeWindow().StartHour); err != nil {
		return fmt.Errorf("bootstrap jobs: %w", err)
	}
	a.applyJobOverrides(runCtx, cfg, nil)
	if a.sched.Enabled() {
		a.sched.Start(runCtx)
	} else {
		a.log.Warn("scheduler disabled; jobs run only on demand")
	}

	if a.adapter != nil {
		if err := a.adapter.Start(runCtx, a.updates); err != nil {
			return err
		}
		a.sup.Go0("telegram.menu", func(c context.Context) {
			mctx, cancel := context.WithTimeout(c, 10*time.Second)
			defer cancel()
			if err := a.adapter.SetMenu(mctx, a.router.Menu()); err != nil && c.Err() == nil {
				a.log.Warn("set bot menu failed", logx.Err(err))
			}
		})
		a.sup.Go("telegram.router", func(c context.Context) error { return a.router.Run(c, a.updates) })
		a.sup.Go("notifier", func(c context.Context) error { return a.notif.Run(c, a.bus) })
	}

	if err := a.startHTTP(mapHTTPConfig(cfg)); err != nil {
		return err
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		applied := cfg
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.reload(c, applied, next)
				applied = next
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error { return a.cfgm.Watch(c) })

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started",
		logx.String("window", cfg.TimeWindow().String()),
		logx.Bool("telegram", a.adapter != nil),
		logx.String("http", a.HTTPAddr()),
	)
	return nil
}

func (a *App) startHTTP(hc httpapi.Config) error {
	if hc.Addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", hc.Addr)
	if err != nil {
		return fmt.Errorf("http listen %s: %w", hc.Addr, err)
	}
	addr := ln.Addr().String()
	a.httpAddr.Store(&addr)
	a.httpSrv = &http.Server{
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.sup.Go("http.serve", func(context.Context) error {
		if err := a.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	a.log.Info("http api listening", logx.String("addr", addr))
	return nil
}

// applyJobOverrides pushes config job overrides into the stored schedule.
// names limits the pass; nil means every configured job.
func (a *App) applyJobOverrides(ctx context.Context, cfg *config.Config, names []string) {
	if names == nil {
		for name := range cfg.Jobs {
			names = append(names, name)
		}
		slices.Sort(names)
	}
	for _, name := range names {
		jc, ok := cfg.Jobs[name]
		if !ok {
			continue
		}
		cur, err := a.store.GetJob(ctx, name)
		if err != nil {
			if domain.IsKind(err, domain.KindNotFound) {
				a.log.Warn("config names an unknown job", logx.String("job", name))
			} else {
				a.log.Warn("load job failed", logx.String("job", name), logx.Err(err))
			}
			continue
		}
		active := cur.Active
		if jc.Active != nil {
			active = *jc.Active
		}
		if (jc.IntervalMinutes == 0 || jc.IntervalMinutes == cur.IntervalMinutes) && active == cur.Active {
			continue
		}
		if _, err := a.jobs.SetSchedule(ctx, name, jc.IntervalMinutes, active); err != nil {
			a.log.Warn("apply job override failed", logx.String("job", name), logx.Err(err))
		}
	}
}

// reload fans a committed config out to the live components. Sections that
// are only read at construction log a restart hint.
func (a *App) reload(ctx context.Context, oldCfg, newCfg *config.Config) {
	ch, attrs := config.Diff(oldCfg, newCfg)
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, attrs...)...)

	for _, s := range []string{"storage", "queue", "sheets"} {
		if ch.Has(s) {
			a.log.Warn("config section changed; restart required", logx.String("section", s))
		}
	}
	if oldCfg.IngestFetchers() != newCfg.IngestFetchers() {
		a.log.Warn("ingest.fetchers changed; restart required")
	}
	if ch.Has("http") {
		if strings.TrimSpace(oldCfg.HTTP.Addr) != strings.TrimSpace(newCfg.HTTP.Addr) {
			a.log.Warn("http.addr changed; restart required")
		}
		a.api.SetToken(mapHTTPConfig(newCfg).Token)
	}
	if ch.Has("telegram") {
		if oldCfg.Telegram.Token != newCfg.Telegram.Token || oldCfg.Telegram.PollTimeout != newCfg.Telegram.PollTimeout {
			a.log.Warn("telegram token or poll timeout changed; restart required")
		}
		if a.router != nil {
			a.router.SetOwners(newCfg.Telegram.OwnerUserIDs)
		}
	}
	if ch.Has("telegram") || ch.Has("logging") {
		a.applyTargets(newCfg)
		a.logs.Apply(mapLogConfig(newCfg))
	}

	if ch.Has("scheduler") {
		a.setLocation(newCfg.Scheduler.Timezone)
	}
	if ch.Has("task_engine") || ch.Has("scheduler") {
		a.applyExecution(ctx, newCfg)
	}
	if ch.Has("window") {
		if err := a.jobs.SetStartHour(newCfg.TimeWindow().StartHour); err != nil {
			a.log.Warn("reschedule daily jobs failed", logx.Err(err))
		}
	}
	if ch.Has("jobs") {
		a.applyJobOverrides(ctx, newCfg, ch.Jobs)
	}
	if ch.Has("notifier") || ch.Has("telegram") {
		if nc, err := mapNotifierConfig(newCfg); err != nil {
			a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		} else {
			a.notif.Apply(nc)
		}
	}

	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, attrs...)...)
}

// applyExecution reconfigures the engine and scheduler and starts or stops
// them when their enabled flag flips. The engine starts before and stops
// after the scheduler.
func (a *App) applyExecution(ctx context.Context, cfg *config.Config) {
	ec, err := mapTaskEngineConfig(cfg)
	if err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
		return
	}
	prevSched, prevEng := a.sched.Enabled(), a.engine.Enabled()
	a.engine.Apply(ctx, ec)
	sc := mapSchedulerConfig(cfg)
	a.sched.Apply(sc)

	stopWithin := func(fn func(context.Context)) {
		sctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		fn(sctx)
	}
	if prevSched && !sc.Enabled {
		a.log.Info("scheduler disabled via config")
		stopWithin(a.sched.Stop)
	}
	if prevEng && !ec.Enabled {
		a.log.Info("task engine disabled via config")
		stopWithin(a.engine.Stop)
	}
	if !prevEng && ec.Enabled {
		a.log.Info("task engine enabled via config")
		a.engine.Start(ctx)
	}
	if !prevSched && sc.Enabled {
		a.log.Info("scheduler enabled via config")
		a.sched.Start(ctx)
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}
	a.sup.Cancel()

	a.step(ctx, "http", 3*time.Second, func(c context.Context) error {
		if a.httpSrv == nil {
			return nil
		}
		return a.httpSrv.Shutdown(c)
	})
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "adapter", 3*time.Second, func(c context.Context) error {
		if a.adapter == nil {
			return nil
		}
		return a.adapter.Stop(c)
	})
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error {
		if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs one shutdown step bounded by max and by ctx's deadline. A step
// that overruns is left running and its late completion logged.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	if max <= 0 {
		a.log.Warn("stop step skipped, no time left", logx.String("name", name))
		return
	}
	sctx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(sctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-sctx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
	}
}
