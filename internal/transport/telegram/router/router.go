// Package router turns Telegram messages into operator commands.
package router

import (
	"context"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"sheetsync/internal/domain"
	"sheetsync/internal/jobs"
	rtsup "sheetsync/internal/runtime/supervisor"
	"sheetsync/internal/storage"
	kit "sheetsync/internal/transport"
	logx "sheetsync/pkg/logx"
)

// Jobs is the job control surface, implemented by *jobs.Manager.
type Jobs interface {
	List(ctx context.Context) ([]jobs.Status, error)
	RunNow(ctx context.Context, name string) (jobs.RunReport, error)
	SetSchedule(ctx context.Context, name string, intervalMinutes int, active bool) (domain.ScheduledJob, error)
}

// Tasks is the task and sheet data surface, implemented by *storage.Store.
type Tasks interface {
	CreateTask(ctx context.Context, link string, now time.Time) (domain.Task, error)
	ListTasks(ctx context.Context, f storage.TaskFilter) ([]domain.Task, error)
	SheetStats(ctx context.Context) ([]storage.SheetStat, error)
}

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

// Request is one parsed command invocation.
type Request struct {
	Msg     kit.Message
	Command string
	Args    []string
	Logger  logx.Logger
}

// HandlerFunc returns the reply text.
type HandlerFunc func(ctx context.Context, req *Request) (string, error)

type Command struct {
	Name        string
	Usage       string
	Description string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

const (
	queueSize      = 64
	workerCount    = 2
	defaultTimeout = 30 * time.Second
)

type Router struct {
	adapter kit.Adapter
	jobs    Jobs
	tasks   Tasks
	log     logx.Logger
	now     func() time.Time

	mu     sync.RWMutex
	owners []int64

	cmds  map[string]Command
	order []string
	queue chan func(ctx context.Context)
}

func New(adapter kit.Adapter, j Jobs, t Tasks, owners []int64, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		adapter: adapter,
		jobs:    j,
		tasks:   t,
		log:     log.With(logx.String("comp", "telegram.router")),
		now:     time.Now,
		cmds:    map[string]Command{},
		queue:   make(chan func(ctx context.Context), queueSize),
	}
	r.SetOwners(owners)
	for _, c := range r.builtin() {
		r.cmds[c.Name] = c
		r.order = append(r.order, c.Name)
	}
	return r
}

// SetOwners replaces the operator list. Safe during reload.
func (r *Router) SetOwners(owners []int64) {
	r.mu.Lock()
	r.owners = slices.Clone(owners)
	r.mu.Unlock()
}

func (r *Router) isOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Contains(r.owners, id)
}

// Menu lists the commands for the platform menu.
func (r *Router) Menu() []kit.BotCommand {
	out := make([]kit.BotCommand, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, kit.BotCommand{Command: name, Description: r.cmds[name].Description})
	}
	return out
}

// Run dispatches messages from in until ctx is done or in is closed.
// Commands run on a small worker pool so a slow job run does not block
// the poll loop.
func (r *Router) Run(ctx context.Context, in <-chan kit.Message) error {
	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(r.log), rtsup.WithCancelOnError(false))
	for i := range workerCount {
		sup.GoRestart("command.worker."+strconv.Itoa(i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.queue:
					job(c)
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	r.log.Info("command dispatcher started", logx.Int("workers", workerCount))
	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			r.dispatch(ctx, msg)
		}
	}
}

func (r *Router) dispatch(ctx context.Context, msg kit.Message) {
	select {
	case r.queue <- func(c context.Context) { r.Handle(c, msg) }:
	default:
		r.reply(ctx, msg, "busy, try again")
	}
}

// Handle parses and runs one message synchronously and sends the reply.
// Text that is not a command is ignored.
func (r *Router) Handle(ctx context.Context, msg kit.Message) {
	name, args, ok := parseCommand(msg.Text)
	if !ok {
		return
	}
	cmd, found := r.cmds[name]
	if !found {
		r.reply(ctx, msg, "unknown command, try /help")
		return
	}
	if cmd.Access == AccessOwnerOnly && !r.isOwner(msg.FromID) {
		r.reply(ctx, msg, "unauthorized")
		return
	}

	req := &Request{
		Msg:     msg,
		Command: name,
		Args:    args,
		Logger:  r.log.With(logx.String("cmd", name), logx.Int64("chat_id", msg.ChatID), logx.Int64("from_id", msg.FromID)),
	}
	h := Chain(cmd.Handle, MWRecover(), MWRequestLog(), MWTimeout(cmd.Timeout))
	text, err := h(ctx, req)
	if err != nil {
		text = "error: " + err.Error()
	}
	if text != "" {
		r.reply(ctx, msg, text)
	}
}

func (r *Router) reply(ctx context.Context, msg kit.Message, text string) {
	if err := r.adapter.SendText(ctx, msg.Chat(), text, &kit.SendOptions{DisablePreview: true}); err != nil {
		r.log.Warn("reply failed", logx.Int64("chat_id", msg.ChatID), logx.Err(err))
	}
}

// parseCommand splits "/name@bot arg1 arg2". ok is false for non-commands.
func parseCommand(text string) (name string, args []string, ok bool) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil, false
	}
	name = strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return "", nil, false
	}
	return strings.ToLower(name), fields[1:], true
}

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	if d <= 0 {
		d = defaultTimeout
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (string, error) {
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWRecover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (text string, err error) {
			defer func() {
				if p := recover(); p != nil {
					req.Logger.Error("command panicked", logx.Any("panic", p), logx.Stack(string(debug.Stack())))
					text, err = "", domain.Errorf(domain.KindUnknown, "router."+req.Command, "internal error")
				}
			}()
			return next(ctx, req)
		}
	}
}

func MWRequestLog() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (string, error) {
			start := time.Now()
			text, err := next(ctx, req)
			d := time.Since(start)
			if err != nil {
				req.Logger.Warn("command failed", logx.Duration("dur", d), logx.Err(err))
			} else if d >= 750*time.Millisecond {
				req.Logger.Info("command ok", logx.Duration("dur", d))
			} else {
				req.Logger.Debug("command ok", logx.Duration("dur", d))
			}
			return text, err
		}
	}
}
