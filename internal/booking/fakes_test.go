package booking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"courtbot/internal/lock"
	"courtbot/internal/portal"
	"courtbot/internal/prefs"
	"courtbot/pkg/logx"
)

func la(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		t.Fatalf("load tz: %v", err)
	}
	return loc
}

type fakeClock struct {
	mu    sync.Mutex
	t     time.Time
	slept []time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.slept = append(c.slept, d)
	c.mu.Unlock()
	return nil
}

func (c *fakeClock) Slept() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.slept...)
}

type bookingKey struct {
	account int64
	venue   string
	date    string
}

type historyRow struct {
	JobID  int64
	Mode   Mode
	Result Result
}

type fakeStore struct {
	mu sync.Mutex

	active  []Job
	needing []Job
	booked  map[bookingKey]int

	reservations []Reservation
	history      []historyRow
	lastAttempt  map[int64]LastAttempt
	nextRun      map[int64]*time.Time
	archived     map[int64]bool

	failWrites bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		booked:      map[bookingKey]int{},
		lastAttempt: map[int64]LastAttempt{},
		nextRun:     map[int64]*time.Time{},
		archived:    map[int64]bool{},
	}
}

var errStoreDown = errors.New("store down")

func (s *fakeStore) FetchActiveJobsOrderedByPriority(context.Context) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Job(nil), s.active...), nil
}

func (s *fakeStore) FetchJobsNeedingBookings(context.Context, time.Time, int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Job(nil), s.needing...), nil
}

func (s *fakeStore) HasExistingReservation(_ context.Context, acct int64, venue, date string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.booked[bookingKey{acct, venue, date}] > 0, nil
}

func (s *fakeStore) CountExistingBookings(_ context.Context, acct int64, venue, date string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.booked[bookingKey{acct, venue, date}], nil
}

func (s *fakeStore) RecordReservation(_ context.Context, job Job, a Attempt) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return Reservation{}, errStoreDown
	}
	id := job.ID
	r := Reservation{
		ID: int64(len(s.reservations) + 1), JobID: &id, AccountID: job.AccountID, Venue: job.Venue,
		Date: a.Date, Start: a.Time, Minutes: a.Minutes, CourtID: a.CourtID,
		ExternalID: a.ReservationID, ConfirmationCode: a.ConfirmationCode,
	}
	s.reservations = append(s.reservations, r)
	s.booked[bookingKey{job.AccountID, job.Venue, a.Date}]++
	return r, nil
}

func (s *fakeStore) RecordRunHistory(_ context.Context, jobID int64, mode Mode, res Result, _, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return errStoreDown
	}
	s.history = append(s.history, historyRow{JobID: jobID, Mode: mode, Result: res})
	return nil
}

func (s *fakeStore) UpdateLastAttempt(_ context.Context, jobID int64, la LastAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return errStoreDown
	}
	s.lastAttempt[jobID] = la
	return nil
}

func (s *fakeStore) UpdateJobTimestamps(_ context.Context, jobID int64, _ Recurrence, _ time.Time, next *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return errStoreDown
	}
	s.nextRun[jobID] = next
	return nil
}

func (s *fakeStore) ArchiveJob(_ context.Context, jobID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return errStoreDown
	}
	s.archived[jobID] = true
	s.nextRun[jobID] = nil
	return nil
}

func (s *fakeStore) lastStatus(jobID int64) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	la, ok := s.lastAttempt[jobID]
	return la.Status, ok
}

type submission struct {
	req  portal.BookingRequest
	fast bool
}

// fakeSession is a scripted portal session.
type fakeSession struct {
	mu sync.Mutex

	loginErr error
	logins   int

	avail      map[Combo][]int
	availCalls []Combo

	formFetches int
	// respond decides the verdict for the n-th submission (1-based).
	respond func(n int, req portal.BookingRequest) portal.Booking
	submits []submission
	gate    chan struct{}

	details     portal.Details
	detailCalls int
}

func (s *fakeSession) Login(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logins++
	return s.loginErr
}

func (s *fakeSession) AvailableCourts(_ context.Context, _ string, start prefs.Clock, minutes int) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := Combo{Time: start, Minutes: minutes}
	s.availCalls = append(s.availCalls, c)
	return s.avail[c], nil
}

func (s *fakeSession) FetchBookingForm(_ context.Context, date string, start prefs.Clock, minutes int) (*portal.Form, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.formFetches++
	return &portal.Form{Fields: map[string]string{"__RequestVerificationToken": "t"}, Date: date, Start: start, Minutes: minutes}, nil
}

func (s *fakeSession) submit(req portal.BookingRequest, fast bool) portal.Booking {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submits = append(s.submits, submission{req: req, fast: fast})
	if s.respond == nil {
		return portal.Booking{OK: true}
	}
	return s.respond(len(s.submits), req)
}

func (s *fakeSession) CreateReservation(_ context.Context, req portal.BookingRequest) (portal.Booking, error) {
	return s.submit(req, false), nil
}

func (s *fakeSession) CreateReservationWithForm(_ context.Context, f *portal.Form, req portal.BookingRequest) (portal.Booking, error) {
	return s.submit(req, f != nil), nil
}

func (s *fakeSession) FetchReservationDetails(context.Context, string, prefs.Clock) (portal.Details, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detailCalls++
	if s.details == (portal.Details{}) {
		return portal.Details{}, portal.ErrNotFound
	}
	return s.details, nil
}

func (s *fakeSession) Submits() []submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]submission(nil), s.submits...)
}

type fakeNotifier struct {
	mu        sync.Mutex
	successes []Attempt
	failures  []Result
	errs      []error
}

func (n *fakeNotifier) NotifyBookingSuccess(_ context.Context, _ Job, a Attempt) {
	n.mu.Lock()
	n.successes = append(n.successes, a)
	n.mu.Unlock()
}

func (n *fakeNotifier) NotifyBookingFailure(_ context.Context, _ Job, r Result) {
	n.mu.Lock()
	n.failures = append(n.failures, r)
	n.mu.Unlock()
}

func (n *fakeNotifier) NotifySchedulerError(_ context.Context, _ Mode, err error) {
	n.mu.Lock()
	n.errs = append(n.errs, err)
	n.mu.Unlock()
}

func (n *fakeNotifier) counts() (int, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.successes), len(n.failures)
}

func windowNotOpen() portal.Booking {
	return portal.Booking{Message: "You are only allowed to reserve up to 7 days in advance"}
}

func taken() portal.Booking {
	return portal.Booking{Message: "Court is no longer available"}
}

type harness struct {
	clock    *fakeClock
	store    *fakeStore
	note     *fakeNotifier
	locks    *lock.Manager
	sessions []*fakeSession
	mkSess   func(acct Account) *fakeSession
	proc     *Processor
}

func newHarness(t *testing.T, now time.Time, mk func(acct Account) *fakeSession) *harness {
	t.Helper()
	h := &harness{
		clock:  &fakeClock{t: now},
		store:  newFakeStore(),
		note:   &fakeNotifier{},
		mkSess: mk,
	}
	h.locks = lock.NewManager(lock.Options{Now: h.clock.Now, Log: logx.Nop()})
	var mu sync.Mutex
	h.proc = NewProcessor(Config{
		Calendar:      Calendar{Loc: la(t), Release: prefs.At(12, 0), DaysAhead: 7},
		InterJobDelay: 2 * time.Second,
	}, Deps{
		Store:    h.store,
		Notifier: h.note,
		Locks:    h.locks,
		Sessions: func(acct Account) (Portal, error) {
			s := h.mkSess(acct)
			if s == nil {
				return nil, fmt.Errorf("no session for %s", acct.Email)
			}
			mu.Lock()
			h.sessions = append(h.sessions, s)
			mu.Unlock()
			return s, nil
		},
		Log:   logx.Nop(),
		Now:   h.clock.Now,
		Sleep: h.clock.Sleep,
	})
	return h
}

func eveningJob(id int64, days ...string) Job {
	return Job{
		ID:         id,
		AccountID:  1,
		Account:    Account{ID: 1, Email: "a@example.com", Password: "pw", Venue: "sunnyvale"},
		Venue:      "sunnyvale",
		Recurrence: RecurOnce,
		Days:       days,
		Pref: prefs.Preference{
			Time:     prefs.TimePreference{Preferred: prefs.At(18, 0), FlexibilityMinutes: 30},
			Duration: prefs.DurationPreference{Preferred: 120, Floor: 60},
		},
		MaxBookingsPerDay: 1,
		Active:            true,
	}
}
