package booking

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"courtbot/internal/eventbus"
	"courtbot/internal/lock"
	"courtbot/internal/portal"
	"courtbot/internal/prefs"
	"courtbot/internal/task/retry"
	"courtbot/internal/telemetry"
	"courtbot/pkg/logx"
)

type Config struct {
	Calendar Calendar

	ProbeWindow   time.Duration
	ProbeInterval time.Duration

	PollInterval   time.Duration
	SuppressBefore time.Duration
	SuppressAfter  time.Duration
	InterJobDelay  time.Duration
	HorizonDays    int

	// ReleaseMinNotice applies each job's minimum notice to release-instant
	// candidates too.
	ReleaseMinNotice bool
}

func (c Config) withDefaults() Config {
	if c.ProbeWindow <= 0 {
		c.ProbeWindow = 15 * time.Second
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 500 * time.Millisecond
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 15 * time.Minute
	}
	if c.SuppressBefore <= 0 {
		c.SuppressBefore = 5 * time.Minute
	}
	if c.SuppressAfter <= 0 {
		c.SuppressAfter = 15 * time.Minute
	}
	if c.InterJobDelay < 0 {
		c.InterJobDelay = 0
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = c.Calendar.DaysAhead
	}
	return c
}

type Deps struct {
	Store    Store
	Notifier Notifier
	Locks    Locker
	Sessions SessionFactory
	Bus      eventbus.Bus
	Log      logx.Logger
	Now      func() time.Time
	Sleep    retry.Sleeper
}

// Processor holds the helpers both strategies share: date math, result
// persistence, success bookkeeping.
type Processor struct {
	cfg   Config
	store Store
	note  Notifier
	locks Locker
	open  SessionFactory
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time
	sleep retry.Sleeper
}

func NewProcessor(cfg Config, d Deps) *Processor {
	p := &Processor{
		cfg:   cfg.withDefaults(),
		store: d.Store,
		note:  d.Notifier,
		locks: d.Locks,
		open:  d.Sessions,
		bus:   d.Bus,
		log:   d.Log,
		now:   d.Now,
		sleep: d.Sleep,
	}
	if p.note == nil {
		p.note = nopNotifier{}
	}
	if p.bus == nil {
		p.bus = eventbus.Nop{}
	}
	if p.locks == nil {
		p.locks = lock.NewManager(lock.Options{Log: d.Log})
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.sleep == nil {
		p.sleep = retry.Sleep
	}
	return p
}

func (p *Processor) Config() Config     { return p.cfg }
func (p *Processor) Calendar() Calendar { return p.cfg.Calendar }
func (p *Processor) Locks() Locker      { return p.locks }

func (p *Processor) lockKey(job Job, date string) string {
	return lock.Key(strconv.FormatInt(job.AccountID, 10), job.Venue, date)
}

func holderID(mode Mode, job Job) string {
	return fmt.Sprintf("%s:%d:%s", mode, job.ID, uuid.NewString())
}

// session opens and authenticates a new portal session for the job's account.
func (p *Processor) session(ctx context.Context, job Job) (Portal, error) {
	if p.open == nil {
		return nil, errors.New("no session factory configured")
	}
	acct := job.Account
	if job.Venue != "" {
		acct.Venue = job.Venue
	}
	s, err := p.open(acct)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	if err := s.Login(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// book submits one candidate and turns the portal verdict into an Attempt.
func (p *Processor) book(ctx context.Context, mode Mode, s Portal, f *portal.Form, a Attempt) (Attempt, bool) {
	var (
		b   portal.Booking
		err error
	)
	if f != nil {
		b, err = s.CreateReservationWithForm(ctx, f, a.request())
	} else {
		b, err = s.CreateReservation(ctx, a.request())
	}
	a.At = p.now()
	switch {
	case err != nil:
		a.Message = err.Error()
	case b.OK:
		a.Success = true
		a.Message = "booked"
		a.ReservationID = b.ReservationID
		a.ConfirmationCode = b.ConfirmationCode
	default:
		a.Message = b.Message
	}
	telemetry.ObserveAttempt(string(mode), a.Success)
	return a, b.WindowNotOpen() && err == nil
}

// RecordSuccess runs the bookkeeping of a confirmed booking. Store and
// notification failures are logged, never returned.
func (p *Processor) RecordSuccess(ctx context.Context, s Portal, job Job, a Attempt) Attempt {
	log := p.log.With(logx.Int64("job", job.ID), logx.String("date", a.Date))
	if a.ReservationID == "" && a.ConfirmationCode == "" && s != nil {
		d, err := s.FetchReservationDetails(ctx, a.Date, a.Time)
		if err != nil {
			log.Warn("reservation ids not recovered", logx.Err(err))
		} else {
			a.ReservationID = d.ReservationID
			a.ConfirmationCode = d.ConfirmationCode
		}
	}
	if _, err := p.store.RecordReservation(ctx, job, a); err != nil {
		log.Error("record reservation failed", logx.Err(err))
	}

	now := p.now()
	if job.Recurrence == RecurOnce {
		if err := p.store.ArchiveJob(ctx, job.ID); err != nil {
			log.Error("archive job failed", logx.Err(err))
		}
	} else {
		next := p.cfg.Calendar.NextRunFor(job, now)
		if err := p.store.UpdateJobTimestamps(ctx, job.ID, job.Recurrence, now, &next); err != nil {
			log.Error("update job timestamps failed", logx.Err(err))
		}
	}
	p.note.NotifyBookingSuccess(ctx, job, a)
	p.bus.Publish(eventbus.Event{Type: eventbus.TopicBooked, Data: a})
	return a
}

// Finish persists a cycle's outcome for one job. Idle results leave no trace.
func (p *Processor) Finish(ctx context.Context, job Job, res Result, started time.Time) {
	completed := p.now()
	telemetry.ObserveRun(string(res.Mode), string(res.Status), completed.Sub(started))
	log := p.log.With(
		logx.Int64("job", job.ID),
		logx.String("mode", string(res.Mode)),
		logx.String("status", string(res.Status)),
	)
	if res.Status == StatusIdle {
		log.Debug("nothing to do")
		return
	}

	la := LastAttempt{Status: res.Status, Message: res.Summary(), Date: res.Date, At: completed}
	if err := p.store.UpdateLastAttempt(ctx, job.ID, la); err != nil {
		log.Error("update last attempt failed", logx.Err(err))
	}

	if res.Meaningful() {
		if err := p.store.RecordRunHistory(ctx, job.ID, res.Mode, res, started, completed); err != nil {
			log.Error("record run history failed", logx.Err(err))
		}
	}

	if res.Status != StatusSuccess {
		var next time.Time
		if job.Recurrence == RecurOnce {
			next = completed.Add(p.cfg.PollInterval)
		} else {
			next = p.cfg.Calendar.NextRunFor(job, completed)
		}
		if err := p.store.UpdateJobTimestamps(ctx, job.ID, job.Recurrence, completed, &next); err != nil {
			log.Error("update job timestamps failed", logx.Err(err))
		}
		if res.Meaningful() {
			p.note.NotifyBookingFailure(ctx, job, res)
		}
	}

	log.Info("job finished",
		logx.String("date", res.Date),
		logx.Int("attempts", len(res.Attempts)),
		logx.Duration("took", completed.Sub(started)),
		logx.String("summary", res.Summary()),
	)
	p.bus.Publish(eventbus.Event{Type: eventbus.TopicRunFinished, Data: res})
}

// minNoticeOK reports whether a slot at date/t starts at least notice after now.
func (p *Processor) minNoticeOK(date string, t prefs.Clock, notice time.Duration, now time.Time) bool {
	at, err := t.On(date, p.cfg.Calendar.loc())
	if err != nil {
		return false
	}
	return at.Sub(now) >= notice
}
