package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"courtbot/internal/eventbus"
	rtsup "courtbot/internal/runtime/supervisor"
	"courtbot/internal/task/retry"
	"courtbot/internal/telemetry"
	logx "courtbot/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
	ErrNoSenders = errors.New("notifier has no senders")
)

const historySize = 200

// Event types published on the bus.
const (
	EventQueued  = "notifier.queued"
	EventDeduped = "notifier.deduped"
	EventDropped = "notifier.dropped"
	EventSent    = "notifier.sent"
	EventFailed  = "notifier.failed"
)

type envelope struct {
	m   Message
	key string
}

// Service queues messages and delivers them to every sender from a small
// worker pool, rate limited and retried, with duplicate suppression in front.
type Service struct {
	log   logx.Logger
	bus   eventbus.Bus
	store DedupStore
	dedup *dedupCache

	mu        sync.Mutex
	cfg       Config
	senders   []Sender
	limiter   *rate.Limiter
	queue     chan envelope
	writes    chan dedupWrite
	sup       *rtsup.Supervisor
	accepting bool
	stopping  chan struct{}

	// inflight counts Notify calls between the accept check and the enqueue,
	// so Stop never closes the queue under them.
	inflight sync.WaitGroup

	hmu     sync.Mutex
	history []HistoryItem

	sleep retry.Sleeper
}

func New(cfg Config, senders []Sender, log logx.Logger, bus eventbus.Bus, store DedupStore) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:     log.With(logx.String("comp", "notifier")),
		bus:     bus,
		store:   store,
		dedup:   newDedupCache(),
		senders: senders,
		sleep:   retry.Sleep,
	}
	s.Apply(cfg)
	return s
}

func withDefaults(cfg Config) Config {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	cfg.RetryMax = max(cfg.RetryMax, 0)
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	cfg.DedupWindow = max(cfg.DedupWindow, 0)
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	return cfg
}

// Apply swaps limits, retry and dedup policy in place. Workers and queue size
// take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	cfg = withDefaults(cfg)
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()

	if cfg.PersistDedup && s.store != nil {
		s.dedup.setStore(s.store)
	} else {
		s.dedup.setStore(nil)
	}
}

func (s *Service) SetSenders(senders []Sender) {
	s.mu.Lock()
	s.senders = senders
	s.mu.Unlock()
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Supervisor is nil while the service is stopped.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// History returns recent deliveries, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

// Start launches the workers. It is a no-op when disabled or already running,
// and waits out a Stop still in progress.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if wait := s.stopping; wait != nil {
		s.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	q := make(chan envelope, cfg.QueueSize)
	writes := s.dedup.startWrites()
	sup := rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.queue, s.writes, s.sup, s.accepting = q, writes, sup, true
	nSenders := len(s.senders)
	s.mu.Unlock()

	if writes != nil {
		sup.GoRestart("dedup.writer", func(c context.Context) error {
			s.dedup.writeLoop(c, writes, s.log)
			return s.loopExit(c, "dedup writer")
		}, rtsup.WithPublishFirstError(true))
	}
	for i := range cfg.Workers {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return s.loopExit(c, "worker")
				case env, ok := <-q:
					if !ok {
						return s.loopExit(c, "worker")
					}
					s.deliver(c, env)
				}
			}
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("notifier started", logx.Int("workers", cfg.Workers), logx.Int("senders", nSenders))
}

// loopExit tells the supervisor whether a returning loop should restart.
func (s *Service) loopExit(c context.Context, what string) error {
	s.mu.Lock()
	stopping := s.stopping != nil
	s.mu.Unlock()
	switch {
	case stopping:
		return context.Canceled
	case c.Err() != nil:
		return c.Err()
	default:
		return fmt.Errorf("notifier %s exited unexpectedly", what)
	}
}

// Stop refuses new messages and lets the workers drain the queue. If ctx
// ends first the remaining messages are abandoned.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.queue == nil {
		s.mu.Unlock()
		return
	}
	if wait := s.stopping; wait != nil {
		s.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	q, writes, sup := s.queue, s.writes, s.sup
	s.stopping, s.accepting = done, false
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.inflight.Wait()
		s.dedup.stopWrites()
		close(q)
		if writes != nil {
			close(writes)
		}
		_ = sup.Wait(context.Background())
		s.mu.Lock()
		s.queue, s.writes, s.sup, s.stopping = nil, nil, nil, nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
		<-done
	}
}

// Notify enqueues m without blocking. A repeat inside the dedup window is
// dropped and reported as success.
func (s *Service) Notify(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	switch {
	case !s.cfg.Enabled:
		s.mu.Unlock()
		return ErrDisabled
	case len(s.senders) == 0:
		s.mu.Unlock()
		return ErrNoSenders
	case !s.accepting:
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	window, maxEntries := s.cfg.DedupWindow, s.cfg.DedupMaxEntries
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	key := dedupKey(m)
	if window > 0 && key != "" && !s.dedup.allow(ctx, key, window, maxEntries) {
		s.publish(EventDeduped, NotificationEvent{Channel: m.Channel, Key: key})
		return nil
	}

	select {
	case q <- envelope{m: m, key: key}:
		s.publish(EventQueued, NotificationEvent{Channel: m.Channel, Key: key})
		return nil
	default:
		s.publish(EventDropped, NotificationEvent{Channel: m.Channel, Key: key, Error: ErrQueueFull.Error()})
		return ErrQueueFull
	}
}

func (s *Service) deliver(ctx context.Context, env envelope) {
	s.mu.Lock()
	senders := append([]Sender(nil), s.senders...)
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	policy := retry.Policy{
		Attempts: 1 + cfg.RetryMax,
		Base:     cfg.RetryBase,
		MaxDelay: cfg.RetryMaxDelay,
		Jitter:   0.3,
	}
	for _, snd := range senders {
		err := retry.Do(ctx, policy, retry.Options{
			Sleep: s.sleep,
			OnRetry: func(attempt int, delay time.Duration, err error) {
				s.log.Debug("notify send failed",
					logx.String("sender", snd.Name()), logx.Int("attempt", attempt),
					logx.Duration("retry_in", delay), logx.Err(err))
			},
		}, func(ctx context.Context, _ int) error {
			if err := lim.Wait(ctx); err != nil {
				return retry.NoRetry(err)
			}
			sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
			defer cancel()
			return snd.Send(sctx, env.m)
		})
		s.record(snd.Name(), env, err)
	}
}

func (s *Service) record(sender string, env envelope, err error) {
	ev := NotificationEvent{Channel: env.m.Channel, Sender: sender, Key: env.key}
	if err == nil {
		s.hmu.Lock()
		s.history = append(s.history, HistoryItem{At: time.Now(), Sender: sender, Title: env.m.Title})
		if n := len(s.history); n > historySize {
			s.history = s.history[n-historySize:]
		}
		s.hmu.Unlock()
		telemetry.NotificationsSent.WithLabelValues(sender, "ok").Inc()
		s.publish(EventSent, ev)
		return
	}
	telemetry.NotificationsSent.WithLabelValues(sender, "failed").Inc()
	s.log.Warn("notification dropped", logx.String("sender", sender), logx.String("title", env.m.Title), logx.Err(err))
	ev.Error = err.Error()
	s.publish(EventFailed, ev)
}

func (s *Service) publish(typ string, ev NotificationEvent) {
	if s.bus == nil {
		return
	}
	ev.At = time.Now()
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}
