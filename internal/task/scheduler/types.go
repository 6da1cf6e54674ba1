package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"sheetsync/internal/task/engine"
	logx "sheetsync/pkg/logx"
)

type Config struct {
	Enabled  bool
	Timezone string // IANA name, e.g. "Europe/Moscow"; empty means Local
}

type Kind int

const (
	KindInterval Kind = iota
	KindDaily
)

func (k Kind) String() string {
	if k == KindDaily {
		return "daily"
	}
	return "interval"
}

// Definition describes one scheduled job.
type Definition struct {
	Name string
	Kind Kind

	// Every is the interval of a KindInterval job. NextRun pins its first
	// fire; zero or past means fire right away.
	Every   time.Duration
	NextRun time.Time

	// Hour is the hour of day a KindDaily job fires at.
	Hour int

	Timeout time.Duration
	Run     func(ctx context.Context) error
	Opt     engine.JobOptions
}

func (d Definition) validate() error {
	if d.Name == "" {
		return fmt.Errorf("schedule name required")
	}
	if d.Run == nil {
		return fmt.Errorf("schedule %q: Run is nil", d.Name)
	}
	switch d.Kind {
	case KindInterval:
		if d.Every <= 0 {
			return fmt.Errorf("schedule %q: interval must be > 0", d.Name)
		}
	case KindDaily:
		if d.Hour < 0 || d.Hour > 23 {
			return fmt.Errorf("schedule %q: hour %d out of range", d.Name, d.Hour)
		}
	default:
		return fmt.Errorf("schedule %q: unknown kind %d", d.Name, d.Kind)
	}
	return nil
}

// spec renders the definition the way cron would parse it.
func (d Definition) spec() string {
	if d.Kind == KindDaily {
		return fmt.Sprintf("0 %d * * *", d.Hour)
	}
	return "@every " + d.Every.String()
}

// Clock supplies the time used for run bookkeeping.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// RunRecorder persists the outcome of a fire.
type RunRecorder interface {
	RecordRun(ctx context.Context, name string, lastRun, nextRun time.Time) error
}

type scheduleDef struct {
	Definition
	entryID cron.EntryID
}

type Service struct {
	mu sync.Mutex

	log   logx.Logger
	cfg   Config
	loc   *time.Location
	clock Clock
	rec   RunRecorder

	engine *engine.Service

	parser cron.Parser
	c      *cron.Cron
	defs   map[string]*scheduleDef

	// Enqueue warning throttle, keyed by schedule name.
	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type ScheduleInfo struct {
	Name    string        `json:"name"`
	Kind    string        `json:"kind"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Next    time.Time     `json:"next,omitzero"`
	Prev    time.Time     `json:"prev,omitzero"`
	Running bool          `json:"running"`
}

type Snapshot struct {
	Enabled   bool            `json:"enabled"`
	Timezone  string          `json:"timezone"`
	Engine    engine.Snapshot `json:"engine"`
	Schedules []ScheduleInfo  `json:"schedules"`
}
