package notifier

import (
	"context"
	"time"

	kit "sheetsync/internal/transport"
)

type Config struct {
	Enabled     bool
	RatePerSec  int
	DedupWindow time.Duration
	Persist     bool
}

const (
	defaultRate        = 1
	defaultDedupWindow = 10 * time.Minute
	sendAttempts       = 3
	sendRetryBase      = 500 * time.Millisecond
	historySize        = 50
	maxErrorText       = 600
)

// Sender delivers a chat message, implemented by the Telegram adapter.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) error
}

// DedupStore persists suppression deadlines, implemented by *storage.Store.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (time.Time, bool, error)
}

// Alert is one sent or suppressed notification.
type Alert struct {
	At         time.Time `json:"at"`
	Key        string    `json:"key"`
	Text       string    `json:"text"`
	Suppressed bool      `json:"suppressed,omitempty"`
	Error      string    `json:"error,omitempty"`
}
