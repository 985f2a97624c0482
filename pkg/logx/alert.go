package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// AlertConfig forwards records at or above MinLevel to an Alerter (the
// notifier), at most RatePerSec per second.
type AlertConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// Alerter receives formatted log records from the alert sink.
type Alerter interface {
	Alert(ctx context.Context, level, text string) error
}

const (
	alertQueueSize    = 128
	alertSendTimeout  = 5 * time.Second
	alertDrainTimeout = 3 * time.Second
	alertMaxText      = 2000
	alertMaxValue     = 400
)

// Keys that identify a booking come first in alert text.
var alertLeadKeys = []string{"comp", "job_id", "account", "venue", "date", "mode", "err"}

type alertItem struct {
	level string
	text  string
}

// alertSink is a zerolog.LevelWriter. Writes never block logging: records
// over the rate or beyond the queue are dropped.
type alertSink struct {
	mu       sync.Mutex
	target   Alerter
	limiter  *rate.Limiter
	minLevel Level

	queue   chan alertItem
	start   sync.Once
	stop    chan struct{}
	stopped chan struct{}
	closed  bool
}

func newAlertSink() *alertSink {
	return &alertSink{
		queue:   make(chan alertItem, alertQueueSize),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (a *alertSink) setTarget(t Alerter) {
	a.mu.Lock()
	a.target = t
	a.mu.Unlock()
}

func (a *alertSink) configure(cfg AlertConfig) {
	rps := max(1, cfg.RatePerSec)
	a.mu.Lock()
	a.minLevel = parseLevel(cfg.MinLevel, LevelError)
	a.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	closed := a.closed
	a.mu.Unlock()
	if cfg.Enabled && !closed {
		a.start.Do(func() { go a.run() })
	}
}

func (a *alertSink) Write(p []byte) (int, error) { return a.WriteLevel(LevelInfo, p) }

func (a *alertSink) WriteLevel(level Level, p []byte) (int, error) {
	a.mu.Lock()
	ok := a.target != nil && !a.closed && a.limiter != nil && level >= a.minLevel
	lim := a.limiter
	a.mu.Unlock()
	if !ok || !lim.Allow() {
		return len(p), nil
	}
	text := formatAlert(p)
	if text == "" {
		return len(p), nil
	}
	select {
	case a.queue <- alertItem{level: level.String(), text: text}:
	default:
	}
	return len(p), nil
}

func (a *alertSink) run() {
	defer close(a.stopped)
	for {
		select {
		case it := <-a.queue:
			a.deliver(context.Background(), it, alertSendTimeout)
		case <-a.stop:
			a.drain()
			return
		}
	}
}

// drain sends what is already queued, bounded by alertDrainTimeout overall.
func (a *alertSink) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), alertDrainTimeout)
	defer cancel()
	for {
		select {
		case it := <-a.queue:
			a.deliver(ctx, it, alertSendTimeout)
		default:
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (a *alertSink) deliver(parent context.Context, it alertItem, timeout time.Duration) {
	a.mu.Lock()
	t := a.target
	a.mu.Unlock()
	if t == nil {
		return
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	_ = t.Alert(ctx, it.level, it.text)
}

func (a *alertSink) close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.mu.Unlock()

	started := true
	a.start.Do(func() { started = false })
	if !started {
		return
	}
	close(a.stop)
	<-a.stopped
}

// formatAlert turns a JSON record into "message" followed by "- key=value"
// lines: booking identifiers first, the rest sorted.
func formatAlert(p []byte) string {
	var rec map[string]any
	if err := json.Unmarshal(p, &rec); err != nil {
		return clip(strings.TrimSpace(string(p)), alertMaxText)
	}
	msg, _ := rec[zerolog.MessageFieldName].(string)
	for _, k := range []string{zerolog.MessageFieldName, zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.CallerFieldName} {
		delete(rec, k)
	}

	keys := make([]string, 0, len(rec))
	for _, k := range alertLeadKeys {
		if _, ok := rec[k]; ok {
			keys = append(keys, k)
		}
	}
	rest := make([]string, 0, len(rec))
	for k := range rec {
		if !slices.Contains(alertLeadKeys, k) {
			rest = append(rest, k)
		}
	}
	slices.Sort(rest)
	keys = append(keys, rest...)

	var b strings.Builder
	b.WriteString(msg)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s=%s", k, clip(fmt.Sprint(rec[k]), alertMaxValue))
	}
	return clip(b.String(), alertMaxText)
}

func clip(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
