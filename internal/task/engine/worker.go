package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	logx "sheetsync/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedJob, idx int) {
	// Per-worker RNG keeps retry jitter off the global lock.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))

	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qj, ok := <-queue:
			if !ok {
				return
			}
			s.runQueued(ctx, stopCh, qj, rng)
		}
	}
}

func (s *Service) runQueued(ctx context.Context, stopCh <-chan struct{}, qj queuedJob, rng *rand.Rand) {
	if qj.track {
		defer qj.state.Release()
	}
	cfg := s.config()
	start := time.Now()
	if delay := start.Sub(qj.enqueuedAt); cfg.MaxQueueDelay > 0 && delay > cfg.MaxQueueDelay {
		s.onStaleDropped(start, qj.job, delay)
		s.record(cfg, HistoryItem{ID: qj.job.ID, Name: qj.job.Name, Started: start, QueueDelay: delay, Error: "stale_queue_delay"})
		return
	}
	_ = s.execute(ctx, stopCh, qj, rng)
}

// execute runs one job with retries, then records history, events and the
// circuit result. The returned error is the final one.
func (s *Service) execute(ctx context.Context, stopCh <-chan struct{}, qj queuedJob, rng *rand.Rand) error {
	cfg := s.config()
	j := qj.job
	start := time.Now()
	queueDelay := max(start.Sub(qj.enqueuedAt), 0)

	log := s.log.With(logx.String("job", j.Name), logx.String("run_id", j.ID))
	log.Debug("job started", logx.Duration("queue_delay", queueDelay), logx.Bool("manual", qj.manual))
	s.publish(EventJobStarted, start, JobEvent{ID: j.ID, Name: j.Name, Manual: qj.manual, Started: start, QueueDelay: queueDelay})

	maxAttempts := 1 + max(qj.opt.RetryMax, 0)
	var (
		err      error
		attempts int
	)
attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		err = s.attempt(ctx, qj, log)
		if err == nil {
			break
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			err = nr.err
			break
		}
		if attempt == maxAttempts || ctx.Err() != nil {
			break
		}

		delay := backoffDelay(qj.opt, attempt, rng)
		log.Debug("job retry scheduled", logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			err = ctx.Err()
			break attemptLoop
		case <-stopCh:
			tmr.Stop()
			err = ErrStopping
			break attemptLoop
		case <-tmr.C:
		}
	}

	dur := time.Since(start)
	item := HistoryItem{ID: j.ID, Name: j.Name, Manual: qj.manual, Started: start, QueueDelay: queueDelay, Duration: dur}
	ev := JobEvent{ID: j.ID, Name: j.Name, Manual: qj.manual, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
		log.Warn("job failed", logx.Err(err), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		s.publish(EventJobFailed, time.Now(), ev)
	} else {
		if dur >= 750*time.Millisecond {
			log.Info("job finished", logx.Duration("dur", dur), logx.Int("attempts", attempts))
		} else {
			log.Debug("job finished", logx.Duration("dur", dur), logx.Int("attempts", attempts))
		}
		s.publish(EventJobFinished, time.Now(), ev)
	}

	if !qj.manual {
		s.circuitRecordResult(time.Now(), j.Name, cfg, qj.opt, err)
	}
	s.record(cfg, item)
	return err
}

// attempt runs the job body once, turning a panic into an error.
func (s *Service) attempt(ctx context.Context, qj queuedJob, log logx.Logger) (err error) {
	runCtx := ctx
	if qj.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qj.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error("job panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return qj.job.Run(runCtx)
}

func backoffDelay(opt JobOptions, retry int, rng *rand.Rand) time.Duration {
	d := opt.RetryBase
	for i := 1; i < retry && d < opt.RetryMaxDelay; i++ {
		d *= 2
	}
	return jitter(min(d, opt.RetryMaxDelay), opt, rng)
}

func jitter(d time.Duration, opt JobOptions, rng *rand.Rand) time.Duration {
	if opt.RetryJitter > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * opt.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
	}
	return min(max(d, 0), opt.RetryMaxDelay)
}
