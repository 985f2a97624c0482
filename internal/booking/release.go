package booking

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"courtbot/internal/eventbus"
	"courtbot/internal/prefs"
	"courtbot/internal/telemetry"
	"courtbot/pkg/logx"
)

// Release is the two-phase burst strategy for the release instant. Prepare
// does every slow call ahead of time; Execute races the opening window.
type Release struct {
	p   *Processor
	log logx.Logger

	mu       sync.Mutex
	prepared []*PreparedJob
}

func NewRelease(p *Processor) *Release {
	return &Release{p: p, log: p.log.With(logx.String("comp", "release"))}
}

// PreparedCount is the number of jobs waiting for Execute.
func (r *Release) PreparedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.prepared)
}

// Prepare builds a PreparedJob for every active job that targets today's
// release date and is not yet booked. Jobs are handled one at a time in
// priority order. A job whose login fails is finished as an error right away.
func (r *Release) Prepare(ctx context.Context) (int, error) {
	now := r.p.now()
	date := r.p.cfg.Calendar.ReleaseDate(now)
	jobs, err := r.p.store.FetchActiveJobsOrderedByPriority(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch active jobs: %w", err)
	}

	var out []*PreparedJob
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return len(out), err
		}
		if !JobTargetsDate(job, date) {
			continue
		}
		log := r.log.With(logx.Int64("job", job.ID), logx.String("date", date))
		booked, err := r.p.store.HasExistingReservation(ctx, job.AccountID, job.Venue, date)
		if err != nil {
			log.Warn("existing reservation check failed", logx.Err(err))
			continue
		}
		if booked {
			log.Debug("already booked; skipping")
			continue
		}
		pj, err := r.prepareJob(ctx, job, date, now)
		if err != nil {
			started := r.p.now()
			r.p.Finish(ctx, job, Result{JobID: job.ID, Mode: ModeNoon, Status: StatusError, Date: date, Err: err}, started)
			continue
		}
		out = append(out, pj)
	}

	r.mu.Lock()
	r.prepared = out
	r.mu.Unlock()
	telemetry.PreparedJobs.Set(float64(len(out)))
	r.log.Info("release prepared", logx.String("date", date), logx.Int("jobs", len(out)))
	return len(out), nil
}

func (r *Release) prepareJob(ctx context.Context, job Job, date string, now time.Time) (*PreparedJob, error) {
	times := job.Pref.Times()
	if r.p.cfg.ReleaseMinNotice && job.MinNotice() > 0 {
		kept := times[:0:0]
		for _, t := range times {
			if r.p.minNoticeOK(date, t, job.MinNotice(), now) {
				kept = append(kept, t)
			}
		}
		times = kept
	}
	pj := &PreparedJob{
		Job:       job,
		Date:      date,
		Times:     times,
		Durations: job.Pref.Durations(),
		Courts:    make(map[Combo][]int),
	}

	s, err := r.p.session(ctx, job)
	if err != nil {
		return nil, err
	}
	pj.Session = s

	for _, d := range pj.Durations {
		for _, t := range pj.Times {
			ids, err := s.AvailableCourts(ctx, date, t, d)
			if err != nil {
				r.log.Warn("availability lookup failed",
					logx.Int64("job", job.ID),
					logx.String("slot", fmt.Sprintf("%s/%dm", t, d)),
					logx.Err(err),
				)
				continue
			}
			pj.Courts[Combo{Time: t, Minutes: d}] = ids
		}
	}

	if probe, _, ok := pj.Probe(); ok {
		f, err := s.FetchBookingForm(ctx, date, probe.Time, probe.Minutes)
		if err != nil {
			r.log.Warn("probe form prefetch failed; will fetch at release", logx.Int64("job", job.ID), logx.Err(err))
		} else {
			pj.Form = f
		}
	}
	return pj, nil
}

// Execute runs every prepared job concurrently and returns once all finish.
// The prepared set is consumed.
func (r *Release) Execute(ctx context.Context) []Result {
	r.mu.Lock()
	jobs := r.prepared
	r.prepared = nil
	r.mu.Unlock()
	telemetry.PreparedJobs.Set(0)

	if len(jobs) == 0 {
		r.log.Info("release execute: nothing prepared")
		return nil
	}

	results := make([]Result, len(jobs))
	var g errgroup.Group
	for i, pj := range jobs {
		g.Go(func() error {
			results[i] = r.run(ctx, pj)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

type triple struct {
	t     prefs.Clock
	d     int
	court int
}

func (r *Release) run(ctx context.Context, pj *PreparedJob) (res Result) {
	started := r.p.now()
	job := pj.Job
	res = Result{JobID: job.ID, Mode: ModeNoon, Date: pj.Date}
	r.p.bus.Publish(eventbus.Event{Type: eventbus.TopicRunStarted, Data: res})
	defer func() {
		if rec := recover(); rec != nil {
			res.Status = StatusError
			res.Err = fmt.Errorf("panic: %v", rec)
		}
		r.p.Finish(ctx, job, res, started)
	}()

	key := r.p.lockKey(job, pj.Date)
	holder := holderID(ModeNoon, job)
	if !r.p.locks.Acquire(key, holder) {
		res.Status = StatusLocked
		return res
	}
	defer r.p.locks.Release(key, holder)

	probe, court, ok := pj.Probe()
	if !ok {
		res.Status = StatusNoCourts
		res.Message = "no courts were free during preparation"
		return res
	}

	tried := map[triple]bool{}
	a, closed, err := r.probe(ctx, pj, Attempt{Date: pj.Date, Time: probe.Time, Minutes: probe.Minutes, CourtID: court})
	tried[triple{probe.Time, probe.Minutes, court}] = true
	res.Attempts = append(res.Attempts, a)
	switch {
	case err != nil:
		res.Status = StatusError
		res.Err = err
		return res
	case a.Success:
		res.Attempts[len(res.Attempts)-1] = r.p.RecordSuccess(ctx, pj.Session, job, a)
		res.Status = StatusSuccess
		return res
	case closed:
		res.Status = StatusWindowClosed
		return res
	}

	for _, d := range pj.Durations {
		for _, t := range pj.Times {
			for _, id := range pj.Courts[Combo{Time: t, Minutes: d}] {
				if tried[triple{t, d, id}] {
					continue
				}
				if err := ctx.Err(); err != nil {
					res.Status = StatusError
					res.Err = err
					return res
				}
				tried[triple{t, d, id}] = true
				a, _ := r.p.book(ctx, ModeNoon, pj.Session, nil, Attempt{Date: pj.Date, Time: t, Minutes: d, CourtID: id})
				res.Attempts = append(res.Attempts, a)
				if a.Success {
					res.Attempts[len(res.Attempts)-1] = r.p.RecordSuccess(ctx, pj.Session, job, a)
					res.Status = StatusSuccess
					return res
				}
			}
		}
	}
	res.Status = StatusNoCourts
	return res
}

// probe books one candidate repeatedly while the portal answers "window not
// open", for at most ProbeWindow. The first submission uses the prefetched
// form. closed reports that the window never opened.
func (r *Release) probe(ctx context.Context, pj *PreparedJob, a Attempt) (out Attempt, closed bool, err error) {
	window, interval := r.p.cfg.ProbeWindow, r.p.cfg.ProbeInterval
	start := r.p.now()
	form := pj.Form
	tries := 0
	defer func() { telemetry.ProbeTries.Observe(float64(tries)) }()
	for {
		tries++
		res, notOpen := r.p.book(ctx, ModeNoon, pj.Session, form, a)
		form = nil
		if !notOpen {
			if tries > 1 {
				res.Message = fmt.Sprintf("%s (after %d probe tries)", res.Message, tries)
			}
			return res, false, nil
		}
		if r.p.now().Sub(start)+interval > window {
			r.log.Info("release window stayed closed",
				logx.Int64("job", pj.Job.ID),
				logx.Int("tries", tries),
				logx.Duration("waited", r.p.now().Sub(start)),
			)
			return res, true, nil
		}
		if err := r.p.sleep(ctx, interval); err != nil {
			return res, false, err
		}
	}
}
