package booking

import (
	"fmt"
	"time"

	"courtbot/internal/portal"
	"courtbot/internal/prefs"
)

type Recurrence string

const (
	RecurOnce   Recurrence = "once"
	RecurWeekly Recurrence = "weekly"
)

// Mode names the strategy that produced a result.
type Mode string

const (
	ModeNoon    Mode = "noon"
	ModePolling Mode = "polling"
)

type Status string

const (
	StatusSuccess      Status = "success"
	StatusWindowClosed Status = "window_closed"
	StatusNoCourts     Status = "no_courts"
	StatusLocked       Status = "locked"
	StatusError        Status = "error"
	// StatusIdle means there was nothing to do; it is never persisted.
	StatusIdle Status = "idle"
)

type Account struct {
	ID       int64
	Email    string
	Password string
	Venue    string
}

// Job is a booking intent. Days mixes weekday names and ISO dates.
type Job struct {
	ID                int64
	AccountID         int64
	Account           Account
	Venue             string
	Recurrence        Recurrence
	Days              []string
	Pref              prefs.Preference
	MaxBookingsPerDay int
	Priority          int
	MinNoticeHours    float64
	Active            bool
	LastRun           *time.Time
	NextRun           *time.Time
	LastAttempt       *LastAttempt
}

func (j Job) MaxPerDay() int {
	if j.MaxBookingsPerDay <= 0 {
		return 1
	}
	return j.MaxBookingsPerDay
}

func (j Job) MinNotice() time.Duration {
	if j.MinNoticeHours <= 0 {
		return 0
	}
	return time.Duration(j.MinNoticeHours * float64(time.Hour))
}

func (j Job) String() string {
	return fmt.Sprintf("job %d (%s@%s)", j.ID, j.Account.Email, j.Venue)
}

// LastAttempt is the denormalized latest outcome shown next to a job.
type LastAttempt struct {
	Status  Status    `json:"status"`
	Message string    `json:"message,omitempty"`
	Date    string    `json:"date,omitempty"`
	At      time.Time `json:"at"`
}

type Reservation struct {
	ID               int64
	JobID            *int64
	AccountID        int64
	Venue            string
	Date             string
	Start            prefs.Clock
	Minutes          int
	CourtID          int
	ExternalID       string
	ConfirmationCode string
	CreatedAt        time.Time
}

// Attempt is one booking submission.
type Attempt struct {
	Date             string      `json:"date"`
	Time             prefs.Clock `json:"time"`
	Minutes          int         `json:"duration"`
	CourtID          int         `json:"court_id,omitempty"`
	Success          bool        `json:"success"`
	Message          string      `json:"message,omitempty"`
	At               time.Time   `json:"at"`
	ReservationID    string      `json:"reservation_id,omitempty"`
	ConfirmationCode string      `json:"confirmation_code,omitempty"`
}

func (a Attempt) request() portal.BookingRequest {
	return portal.BookingRequest{Date: a.Date, Start: a.Time, Minutes: a.Minutes, CourtID: a.CourtID}
}

// Result is the outcome of one job in one cycle.
type Result struct {
	JobID    int64
	Mode     Mode
	Status   Status
	Date     string
	Attempts []Attempt
	Message  string
	Err      error
}

func (r Result) Successes() int {
	n := 0
	for _, a := range r.Attempts {
		if a.Success {
			n++
		}
	}
	return n
}

func (r Result) Failures() int { return len(r.Attempts) - r.Successes() }

// Meaningful reports whether the result deserves a history row: a success,
// a failure after real attempts, or an error.
func (r Result) Meaningful() bool {
	switch r.Status {
	case StatusSuccess, StatusError:
		return true
	case StatusIdle:
		return false
	default:
		return len(r.Attempts) > 0
	}
}

// Summary is a one-line human description.
func (r Result) Summary() string {
	if r.Message != "" {
		return r.Message
	}
	switch r.Status {
	case StatusSuccess:
		for _, a := range r.Attempts {
			if a.Success {
				return fmt.Sprintf("booked %s %s for %dm on court %d", a.Date, a.Time, a.Minutes, a.CourtID)
			}
		}
		return "booked"
	case StatusError:
		if r.Err != nil {
			return r.Err.Error()
		}
	case StatusWindowClosed:
		return "booking window did not open in time"
	case StatusNoCourts:
		return fmt.Sprintf("no courts available (%d attempts)", len(r.Attempts))
	case StatusLocked:
		return "another run holds this day"
	}
	return string(r.Status)
}

// Combo is one (start time, duration) candidate.
type Combo struct {
	Time    prefs.Clock
	Minutes int
}

// PreparedJob is built before the release instant and discarded after it.
type PreparedJob struct {
	Job       Job
	Session   Portal
	Date      string
	Times     []prefs.Clock
	Durations []int
	Courts    map[Combo][]int
	Form      *portal.Form
}

// Probe is the first candidate, in preference order, with cached courts.
func (pj *PreparedJob) Probe() (Combo, int, bool) {
	for _, d := range pj.Durations {
		for _, t := range pj.Times {
			c := Combo{Time: t, Minutes: d}
			if ids := pj.Courts[c]; len(ids) > 0 {
				return c, ids[0], true
			}
		}
	}
	return Combo{}, 0, false
}
