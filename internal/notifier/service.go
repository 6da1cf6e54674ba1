package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"sheetsync/internal/eventbus"
	"sheetsync/internal/task/engine"
	kit "sheetsync/internal/transport"
	logx "sheetsync/pkg/logx"
)

var ErrNoTarget = errors.New("notifier: no target chat")

type Service struct {
	log    logx.Logger
	sender Sender
	store  DedupStore
	now    func() time.Time

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	target  kit.ChatTarget

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []Alert
}

// New builds the service. store may be nil; persistence is then off.
func New(cfg Config, sender Sender, store DedupStore, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:    log.With(logx.String("comp", "notifier")),
		sender: sender,
		store:  store,
		now:    time.Now,
		dedup:  map[string]time.Time{},
	}
	s.Apply(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = defaultRate
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = defaultDedupWindow
	}
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

func (s *Service) SetTarget(chatID int64, threadID int) {
	s.mu.Lock()
	s.target = kit.ChatTarget{ChatID: chatID, ThreadID: threadID}
	s.mu.Unlock()
}

func (s *Service) snapshot() (Config, *rate.Limiter, kit.ChatTarget) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.limiter, s.target
}

// Run forwards engine failure events from bus until ctx is done.
func (s *Service) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			text, key, alert := alertFor(ev)
			if !alert {
				continue
			}
			if err := s.Notify(ctx, key, text); err != nil && !errors.Is(err, ErrNoTarget) && ctx.Err() == nil {
				s.log.Warn("alert not delivered", logx.String("key", key), logx.Err(err))
			}
		}
	}
}

// alertFor renders the alert for events worth waking someone for: failed
// runs and runs dropped by a full or stale queue.
func alertFor(ev eventbus.Event) (text, key string, ok bool) {
	je, isJob := ev.Data.(engine.JobEvent)
	if !isJob {
		return "", "", false
	}
	switch ev.Type {
	case engine.EventJobFailed:
		text = fmt.Sprintf("job %s failed after %d attempt(s) in %s\n%s",
			je.Name, je.Attempts, je.Duration.Round(time.Millisecond), truncate(je.Error, maxErrorText))
		if je.Manual {
			text = "manual run: " + text
		}
	case engine.EventJobDropped:
		text = fmt.Sprintf("job %s was not run: %s", je.Name, je.Error)
	default:
		return "", "", false
	}
	return text, dedupKey(ev.Type, je.Name, je.Error), true
}

// Notify sends text unless key was alerted within the dedup window. An
// empty key disables dedup.
func (s *Service) Notify(ctx context.Context, key, text string) error {
	cfg, lim, target := s.snapshot()
	if !cfg.Enabled || s.sender == nil {
		return nil
	}
	if target.ChatID == 0 {
		return ErrNoTarget
	}
	now := s.now()
	if key != "" && !s.allow(ctx, cfg, key, now) {
		s.remember(Alert{At: now, Key: key, Text: text, Suppressed: true})
		s.log.Debug("alert suppressed", logx.String("key", key))
		return nil
	}
	if err := lim.Wait(ctx); err != nil {
		return err
	}
	err := s.send(ctx, target, text)
	a := Alert{At: now, Key: key, Text: text}
	if err != nil {
		a.Error = err.Error()
	}
	s.remember(a)
	return err
}

func (s *Service) send(ctx context.Context, to kit.ChatTarget, text string) error {
	var err error
	delay := sendRetryBase
	for attempt := 1; attempt <= sendAttempts; attempt++ {
		if err = s.sender.SendText(ctx, to, text, &kit.SendOptions{DisablePreview: true}); err == nil {
			return nil
		}
		if attempt == sendAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

// allow reports whether key is outside its suppression window and, if so,
// opens a new window. Store errors fall back to the in-memory cache.
func (s *Service) allow(ctx context.Context, cfg Config, key string, now time.Time) bool {
	s.dmu.Lock()
	until, seen := s.dedup[key]
	s.dmu.Unlock()
	if seen && now.Before(until) {
		return false
	}
	if cfg.Persist && s.store != nil && !seen {
		stored, ok, err := s.store.GetDedup(ctx, key)
		if err != nil {
			s.log.Warn("dedup lookup failed", logx.Err(err))
		} else if ok && now.Before(stored) {
			s.dmu.Lock()
			s.dedup[key] = stored
			s.dmu.Unlock()
			return false
		}
	}

	until = now.Add(cfg.DedupWindow)
	s.dmu.Lock()
	s.dedup[key] = until
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	s.dmu.Unlock()
	if cfg.Persist && s.store != nil {
		if err := s.store.PutDedup(ctx, key, until); err != nil {
			s.log.Warn("dedup persist failed", logx.Err(err))
		}
	}
	return true
}

func (s *Service) remember(a Alert) {
	s.hmu.Lock()
	s.history = append(s.history, a)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
}

// History returns recent alerts, oldest first.
func (s *Service) History() []Alert {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]Alert(nil), s.history...)
}

func dedupKey(parts ...string) string {
	h := fnv.New64a()
	for _, p := range parts {
		_, _ = h.Write([]byte(p))
		_, _ = h.Write([]byte{0})
	}
	return fmt.Sprintf("alert:%s:%x", parts[1], h.Sum64())
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
