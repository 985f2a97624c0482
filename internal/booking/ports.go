package booking

import (
	"context"
	"time"

	"courtbot/internal/portal"
	"courtbot/internal/prefs"
)

// Store is the persistence surface the engine needs.
type Store interface {
	FetchActiveJobsOrderedByPriority(ctx context.Context) ([]Job, error)
	// FetchJobsNeedingBookings returns active jobs lacking a reservation on at
	// least one target date in [today, today+horizonDays].
	FetchJobsNeedingBookings(ctx context.Context, now time.Time, horizonDays int) ([]Job, error)
	HasExistingReservation(ctx context.Context, accountID int64, venue, date string) (bool, error)
	CountExistingBookings(ctx context.Context, accountID int64, venue, date string) (int, error)
	RecordReservation(ctx context.Context, job Job, a Attempt) (Reservation, error)
	RecordRunHistory(ctx context.Context, jobID int64, mode Mode, res Result, started, completed time.Time) error
	UpdateLastAttempt(ctx context.Context, jobID int64, la LastAttempt) error
	UpdateJobTimestamps(ctx context.Context, jobID int64, rec Recurrence, lastRun time.Time, nextRun *time.Time) error
	ArchiveJob(ctx context.Context, jobID int64) error
}

// Notifier delivers user-facing messages. Implementations must not block and
// handle their own failures.
type Notifier interface {
	NotifyBookingSuccess(ctx context.Context, job Job, a Attempt)
	NotifyBookingFailure(ctx context.Context, job Job, res Result)
	NotifySchedulerError(ctx context.Context, mode Mode, err error)
}

// Portal is one authenticated session against the booking site.
// *portal.Client implements it.
type Portal interface {
	Login(ctx context.Context) error
	AvailableCourts(ctx context.Context, date string, start prefs.Clock, minutes int) ([]int, error)
	FetchBookingForm(ctx context.Context, date string, start prefs.Clock, minutes int) (*portal.Form, error)
	CreateReservation(ctx context.Context, req portal.BookingRequest) (portal.Booking, error)
	CreateReservationWithForm(ctx context.Context, f *portal.Form, req portal.BookingRequest) (portal.Booking, error)
	FetchReservationDetails(ctx context.Context, date string, start prefs.Clock) (portal.Details, error)
}

// SessionFactory opens a fresh, not yet logged in session for acct. Sessions
// are never shared between jobs.
type SessionFactory func(acct Account) (Portal, error)

// Locker is the per-day mutual exclusion registry.
type Locker interface {
	Acquire(key, holder string) bool
	Release(key, holder string)
	IsLocked(key string) bool
	Count() int
}

type nopNotifier struct{}

func (nopNotifier) NotifyBookingSuccess(context.Context, Job, Attempt) {}
func (nopNotifier) NotifyBookingFailure(context.Context, Job, Result) {}
func (nopNotifier) NotifySchedulerError(context.Context, Mode, error) {}

var _ Portal = (*portal.Client)(nil)
