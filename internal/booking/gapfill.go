package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"courtbot/internal/eventbus"
	"courtbot/pkg/logx"
)

// ErrSuppressed is returned by GapFill.Run inside the quiet window around
// the release instant.
var ErrSuppressed = errors.New("gap-fill suppressed near release instant")

// GapFill is the low-frequency strategy that picks up cancellations and
// retries failures outside the release window.
type GapFill struct {
	p   *Processor
	log logx.Logger
}

func NewGapFill(p *Processor) *GapFill {
	return &GapFill{p: p, log: p.log.With(logx.String("comp", "gapfill"))}
}

// Suppressed reports whether now falls in [release-SuppressBefore,
// release+SuppressAfter] of today's release instant.
func (g *GapFill) Suppressed(now time.Time) bool {
	rel := g.p.cfg.Calendar.ReleaseInstant(now)
	from := rel.Add(-g.p.cfg.SuppressBefore)
	to := rel.Add(g.p.cfg.SuppressAfter)
	return !now.Before(from) && !now.After(to)
}

// Run processes every job needing a booking, one at a time with a pause
// between jobs. force skips the suppression check.
func (g *GapFill) Run(ctx context.Context, force bool) ([]Result, error) {
	now := g.p.now()
	if !force && g.Suppressed(now) {
		g.log.Info("gap-fill skipped inside release window")
		return nil, ErrSuppressed
	}
	jobs, err := g.p.store.FetchJobsNeedingBookings(ctx, now, g.p.cfg.HorizonDays)
	if err != nil {
		return nil, fmt.Errorf("fetch jobs needing bookings: %w", err)
	}
	g.log.Debug("gap-fill cycle", logx.Int("jobs", len(jobs)))

	results := make([]Result, 0, len(jobs))
	for i, job := range jobs {
		if i > 0 && g.p.cfg.InterJobDelay > 0 {
			if err := g.p.sleep(ctx, g.p.cfg.InterJobDelay); err != nil {
				return results, err
			}
		}
		if err := ctx.Err(); err != nil {
			return results, err
		}
		results = append(results, g.runJob(ctx, job))
	}
	return results, nil
}

func (g *GapFill) runJob(ctx context.Context, job Job) (res Result) {
	started := g.p.now()
	res = Result{JobID: job.ID, Mode: ModePolling, Status: StatusIdle}
	g.p.bus.Publish(eventbus.Event{Type: eventbus.TopicRunStarted, Data: res})
	defer func() {
		if rec := recover(); rec != nil {
			res.Status = StatusError
			res.Err = fmt.Errorf("panic: %v", rec)
		}
		g.p.Finish(ctx, job, res, started)
	}()

	var sess Portal
	checked, locked := false, false
	cal := g.p.cfg.Calendar
	for _, date := range cal.TargetDates(job, started, g.p.cfg.HorizonDays) {
		if !cal.Bookable(date, g.p.now()) {
			continue
		}
		log := g.log.With(logx.Int64("job", job.ID), logx.String("date", date))
		n, err := g.p.store.CountExistingBookings(ctx, job.AccountID, job.Venue, date)
		if err != nil {
			log.Warn("booking count failed", logx.Err(err))
			continue
		}
		if n >= job.MaxPerDay() {
			continue
		}

		cands := g.candidates(job, date)
		if len(cands) == 0 {
			continue
		}

		key := g.p.lockKey(job, date)
		holder := holderID(ModePolling, job)
		if !g.p.locks.Acquire(key, holder) {
			log.Info("day locked by another run")
			locked = true
			res.Date = date
			continue
		}
		done := func() bool {
			defer g.p.locks.Release(key, holder)
			if sess == nil {
				s, err := g.p.session(ctx, job)
				if err != nil {
					res.Status = StatusError
					res.Err = err
					res.Date = date
					return true
				}
				sess = s
			}
			checked = true
			res.Date = date
			return g.tryDate(ctx, sess, job, date, cands, &res)
		}()
		if done {
			return res
		}
	}

	switch {
	case len(res.Attempts) > 0 || checked:
		res.Status = StatusNoCourts
	case locked:
		res.Status = StatusLocked
	}
	return res
}

// candidates lists the (duration, time) pairs for date that honor the job's
// minimum notice, durations outer, times inner.
func (g *GapFill) candidates(job Job, date string) []Combo {
	now := g.p.now()
	var out []Combo
	for _, d := range job.Pref.Durations() {
		for _, t := range job.Pref.Times() {
			if !g.p.minNoticeOK(date, t, job.MinNotice(), now) {
				continue
			}
			out = append(out, Combo{Time: t, Minutes: d})
		}
	}
	return out
}

// tryDate walks the candidates against live availability. It reports true
// when the job is finished (booked or failed hard).
func (g *GapFill) tryDate(ctx context.Context, s Portal, job Job, date string, cands []Combo, res *Result) bool {
	for _, c := range cands {
		if err := ctx.Err(); err != nil {
			res.Status = StatusError
			res.Err = err
			return true
		}
		ids, err := s.AvailableCourts(ctx, date, c.Time, c.Minutes)
		if err != nil {
			g.log.Warn("availability lookup failed",
				logx.Int64("job", job.ID),
				logx.String("slot", fmt.Sprintf("%s %s/%dm", date, c.Time, c.Minutes)),
				logx.Err(err),
			)
			continue
		}
		for _, id := range ids {
			a, _ := g.p.book(ctx, ModePolling, s, nil, Attempt{Date: date, Time: c.Time, Minutes: c.Minutes, CourtID: id})
			res.Attempts = append(res.Attempts, a)
			if a.Success {
				res.Attempts[len(res.Attempts)-1] = g.p.RecordSuccess(ctx, s, job, a)
				res.Status = StatusSuccess
				return true
			}
		}
	}
	return false
}
