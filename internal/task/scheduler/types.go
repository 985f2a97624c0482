package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// Event types published on the bus.
const (
	EventStarted  = "scheduler.started"
	EventFinished = "scheduler.finished"
	EventSkipped  = "scheduler.skipped"
)

type Config struct {
	Enabled bool
	// Timezone is an IANA zone name. Empty means time.Local.
	Timezone       string
	DefaultTimeout time.Duration
	HistorySize    int
}

// Job is the work behind a trigger.
type Job func(ctx context.Context) error

type trigger struct {
	name    string
	spec    string
	timeout time.Duration
	job     Job
	entry   cron.EntryID
	busy    atomic.Bool
	skips   atomic.Int64
}

// Firing is one run of a trigger, as kept in history and sent on the bus.
type Firing struct {
	Trigger  string        `json:"trigger"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}

type TriggerInfo struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Next    time.Time     `json:"next,omitzero"`
	Prev    time.Time     `json:"prev,omitzero"`
	Skipped int64         `json:"skipped,omitempty"`
}

type Snapshot struct {
	Running  bool          `json:"running"`
	Timezone string        `json:"timezone"`
	Triggers []TriggerInfo `json:"triggers"`
	History  []Firing      `json:"history"`
}
