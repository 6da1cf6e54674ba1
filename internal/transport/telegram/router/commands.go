package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"sheetsync/internal/domain"
	"sheetsync/internal/jobs"
	"sheetsync/internal/storage"
	"sheetsync/internal/task/scheduler"
	logx "sheetsync/pkg/logx"
)

const (
	tasksDefault = 10
	tasksMax     = 50
	detailLines  = 10
)

func (r *Router) builtin() []Command {
	return []Command{
		{Name: "help", Usage: "/help", Description: "list commands", Handle: r.cmdHelp},
		{Name: "add", Usage: "/add <link>", Description: "register a link for parsing", Access: AccessOwnerOnly, Handle: r.cmdAdd},
		{Name: "tasks", Usage: "/tasks [n]", Description: "show the latest tasks", Access: AccessOwnerOnly, Handle: r.cmdTasks},
		{Name: "jobs", Usage: "/jobs", Description: "show job schedules", Access: AccessOwnerOnly, Handle: r.cmdJobs},
		{Name: "run", Usage: "/run <job>", Description: "run a job now", Access: AccessOwnerOnly, Timeout: 15 * time.Minute, Handle: r.cmdRun},
		{Name: "every", Usage: "/every <job> <interval>", Description: "set a job interval (15, 15m, 00:15)", Access: AccessOwnerOnly, Handle: r.cmdEvery},
		{Name: "enable", Usage: "/enable <job>", Description: "activate a job", Access: AccessOwnerOnly, Handle: r.cmdToggle(true)},
		{Name: "disable", Usage: "/disable <job>", Description: "deactivate a job", Access: AccessOwnerOnly, Handle: r.cmdToggle(false)},
		{Name: "stats", Usage: "/stats", Description: "stored sheet rows", Access: AccessOwnerOnly, Handle: r.cmdStats},
	}
}

func (r *Router) cmdHelp(_ context.Context, req *Request) (string, error) {
	var b strings.Builder
	b.WriteString("commands:")
	owner := r.isOwner(req.Msg.FromID)
	for _, name := range r.order {
		c := r.cmds[name]
		if c.Access == AccessOwnerOnly && !owner {
			continue
		}
		fmt.Fprintf(&b, "\n%s - %s", c.Usage, c.Description)
	}
	return b.String(), nil
}

func (r *Router) cmdAdd(ctx context.Context, req *Request) (string, error) {
	if len(req.Args) != 1 {
		return "usage: /add <link>", nil
	}
	link, err := domain.NormalizeSourceLink(req.Args[0])
	if err != nil {
		return "", err
	}
	t, err := r.tasks.CreateTask(ctx, link, r.now())
	if err != nil {
		return "", err
	}
	req.Logger.Info("task registered", logx.Task(t.ID))
	return fmt.Sprintf("task #%d added", t.ID), nil
}

func (r *Router) cmdTasks(ctx context.Context, req *Request) (string, error) {
	n := tasksDefault
	if len(req.Args) > 0 {
		v, err := strconv.Atoi(req.Args[0])
		if err != nil || v <= 0 {
			return "usage: /tasks [n]", nil
		}
		n = min(v, tasksMax)
	}
	list, err := r.tasks.ListTasks(ctx, storage.TaskFilter{Limit: n, Newest: true})
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		return "no tasks", nil
	}
	var b strings.Builder
	for i, t := range list {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "#%d %s%s", t.ID, t.Status, taskFlags(t))
		if t.Title != "" {
			fmt.Fprintf(&b, " %q", t.Title)
		}
		b.WriteString("\n  " + t.SourceLink)
		if t.ResultLink != "" {
			b.WriteString("\n  -> " + t.ResultLink)
		}
	}
	return b.String(), nil
}

func taskFlags(t domain.Task) string {
	var flags []string
	if t.InFlight() {
		flags = append(flags, "in flight")
	} else if t.Queued {
		flags = append(flags, "queued")
	}
	if t.HasRows {
		flags = append(flags, "rows stored")
	}
	if len(flags) == 0 {
		return ""
	}
	return " [" + strings.Join(flags, ", ") + "]"
}

func (r *Router) cmdJobs(ctx context.Context, _ *Request) (string, error) {
	list, err := r.jobs.List(ctx)
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		return "no jobs", nil
	}
	var b strings.Builder
	for i, j := range list {
		if i > 0 {
			b.WriteByte('\n')
		}
		state := "off"
		if j.Active {
			state = "on"
		}
		if j.Running {
			state += ", running"
		}
		sched := fmt.Sprintf("every %dm", j.IntervalMinutes)
		if j.Daily {
			sched = "daily"
			if j.Spec != "" {
				sched += " (" + j.Spec + ")"
			}
		}
		fmt.Fprintf(&b, "%s [%s] %s", j.Name, state, sched)
		if !j.LastRun.IsZero() {
			b.WriteString("\n  last " + j.LastRun.Format(time.DateTime))
		}
		if next := nextOf(j); !next.IsZero() {
			b.WriteString("\n  next " + next.Format(time.DateTime))
		}
	}
	return b.String(), nil
}

func nextOf(j jobs.Status) time.Time {
	if !j.NextFire.IsZero() {
		return j.NextFire
	}
	if j.Active {
		return j.NextRun
	}
	return time.Time{}
}

func (r *Router) cmdRun(ctx context.Context, req *Request) (string, error) {
	if len(req.Args) != 1 {
		return "usage: /run <job>", nil
	}
	rep, err := r.jobs.RunNow(ctx, req.Args[0])
	if err != nil {
		return "", err
	}
	return FormatRunReport(rep), nil
}

// FormatRunReport renders a manual run result for chat.
func FormatRunReport(rep jobs.RunReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s in %s", rep.Result, rep.Job, rep.Duration.Round(time.Millisecond))
	if rep.Summary != "" {
		b.WriteString("\n" + rep.Summary)
	}
	if rep.Error != "" {
		b.WriteString("\nerror: " + rep.Error)
	}
	for i, d := range rep.Details {
		if i == detailLines {
			fmt.Fprintf(&b, "\n... %d more", len(rep.Details)-detailLines)
			break
		}
		line := fmt.Sprintf("\n- #%d %s", d.TaskID, d.Outcome)
		if d.Key != "" {
			line += " " + d.Key
		}
		if d.Message != "" {
			line += ": " + d.Message
		}
		b.WriteString(line)
	}
	b.WriteString("\nrun " + rep.RunID)
	return b.String()
}

func (r *Router) cmdEvery(ctx context.Context, req *Request) (string, error) {
	if len(req.Args) != 2 {
		return "usage: /every <job> <interval>", nil
	}
	every, err := scheduler.ParseInterval(req.Args[1])
	if err != nil {
		return "", err
	}
	sj, err := r.jobs.SetSchedule(ctx, req.Args[0], int(every/time.Minute), true)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s now runs every %dm", sj.Name, sj.IntervalMinutes), nil
}

func (r *Router) cmdToggle(active bool) HandlerFunc {
	return func(ctx context.Context, req *Request) (string, error) {
		if len(req.Args) != 1 {
			return "usage: /" + req.Command + " <job>", nil
		}
		sj, err := r.jobs.SetSchedule(ctx, req.Args[0], 0, active)
		if err != nil {
			if jobs.ErrUnknownJob(err) {
				return "", errors.New("unknown job " + req.Args[0])
			}
			return "", err
		}
		if active {
			return sj.Name + " enabled", nil
		}
		return sj.Name + " disabled", nil
	}
}

func (r *Router) cmdStats(ctx context.Context, _ *Request) (string, error) {
	stats, err := r.tasks.SheetStats(ctx)
	if err != nil {
		return "", err
	}
	if len(stats) == 0 {
		return "no sheets stored", nil
	}
	var rows, unsent int
	var b strings.Builder
	for _, s := range stats {
		rows += s.Rows
		unsent += s.Unsent
		fmt.Fprintf(&b, "\n%s: %d rows, %d unsent", s.TableID, s.Rows, s.Unsent)
	}
	return fmt.Sprintf("sheets %d, rows %d, unsent %d", len(stats), rows, unsent) + b.String(), nil
}
