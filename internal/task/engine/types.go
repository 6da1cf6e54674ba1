package engine

import (
	"context"
	"time"
)

// Config controls the job execution engine. The scheduler only triggers
// jobs; how they run is decided here.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout applies when Job.Timeout is 0.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops jobs that waited in the queue longer than this.
	// 0 disables stale dropping.
	MaxQueueDelay time.Duration

	HistorySize int
	RetryMax    int

	// Consecutive-failure circuit breaker. < 0 disables it, 0 picks a default.
	CircuitTripFailures int
	CircuitBaseDelay    time.Duration
	CircuitMaxDelay     time.Duration
	CircuitResetAfter   time.Duration
}

type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	OverlapSkipIfRunning
)

// Event types published on the bus.
const (
	EventJobStarted  = "job.started"
	EventJobFinished = "job.finished"
	EventJobFailed   = "job.failed"
	EventJobSkipped  = "job.skipped"
	EventJobDropped  = "job.dropped"
)

type JobOptions struct {
	Overlap       OverlapPolicy
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	// CircuitTripFailures overrides the engine threshold; < 0 disables the
	// breaker for this job.
	CircuitTripFailures int
}

func (o JobOptions) withDefaults(cfg Config) JobOptions {
	if o.RetryMax <= 0 {
		o.RetryMax = cfg.RetryMax
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 15 * time.Second
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	if o.Overlap != OverlapAllow && o.Overlap != OverlapSkipIfRunning {
		o.Overlap = OverlapSkipIfRunning
	}
	return o
}

// DefaultJobOptions returns the options a job gets when it sets none.
func DefaultJobOptions(cfg Config) JobOptions {
	return (JobOptions{}).withDefaults(cfg)
}

// RunState is the per-job execution lock. Scheduled runs try it and skip
// when it is held (queued or running); manual runs wait for it.
type RunState struct {
	ch chan struct{}
}

func NewRunState() *RunState { return &RunState{ch: make(chan struct{}, 1)} }

func (s *RunState) tryAcquire() bool {
	if s == nil {
		return true
	}
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// Acquire blocks until the lock is free or ctx is done.
func (s *RunState) Acquire(ctx context.Context) error {
	if s == nil {
		return nil
	}
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *RunState) Release() {
	if s == nil {
		return
	}
	select {
	case <-s.ch:
	default:
	}
}

// Busy reports whether a run holds the lock.
func (s *RunState) Busy() bool { return s != nil && len(s.ch) > 0 }

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Manual     bool          `json:"manual,omitempty"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// JobEvent is the payload of every job.* bus event.
type JobEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Manual     bool          `json:"manual,omitempty"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// Job is one execution request. State defaults to the engine's lock for Name.
type Job struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Opt     JobOptions
	State   *RunState
}

// Snapshot is a diagnostic view of the engine.
type Snapshot struct {
	Enabled  bool     `json:"enabled"`
	Workers  int      `json:"workers"`
	QueueLen int      `json:"queue_len"`
	QueueCap int      `json:"queue_cap"`
	Running  []string `json:"running,omitempty"`

	Dropped          uint64 `json:"dropped"`
	DroppedQueueFull uint64 `json:"dropped_queue_full"`
	DroppedStale     uint64 `json:"dropped_stale"`

	DefaultTimeout time.Duration `json:"default_timeout"`
	MaxQueueDelay  time.Duration `json:"max_queue_delay"`
	RetryMax       int           `json:"retry_max"`

	CircuitTotal int `json:"circuit_total"`
	CircuitOpen  int `json:"circuit_open"`

	History []HistoryItem `json:"history,omitempty"`
}
