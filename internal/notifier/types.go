package notifier

import (
	"context"
	"time"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
	SendTimeout     time.Duration
}

// Priority follows the ntfy 1..5 scale.
type Priority int

const (
	PriorityMin     Priority = 1
	PriorityLow     Priority = 2
	PriorityDefault Priority = 3
	PriorityHigh    Priority = 4
	PriorityUrgent  Priority = 5
)

// Message is one user-facing notification.
type Message struct {
	// Channel groups messages for events ("booking", "scheduler", "alert").
	Channel string
	// Key identifies the fact being reported for dedup, e.g.
	// "booked:12:2025-10-16". Empty falls back to a hash of the content.
	Key      string
	Title    string
	Body     string
	Priority Priority
	Tags     []string
}

// Sender delivers a message to one destination.
type Sender interface {
	Name() string
	Send(ctx context.Context, m Message) error
}

// DedupStore persists suppression windows across restarts.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

type HistoryItem struct {
	At     time.Time `json:"at"`
	Sender string    `json:"sender"`
	Title  string    `json:"title"`
}

// NotificationEvent is emitted on the event bus for notifier lifecycle events.
type NotificationEvent struct {
	Channel string    `json:"channel"`
	Sender  string    `json:"sender,omitempty"`
	Key     string    `json:"key"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}
