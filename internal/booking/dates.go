package booking

import (
	"strings"
	"time"

	"courtbot/internal/prefs"
)

var weekdayNames = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday, "tues": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday, "thur": time.Thursday, "thurs": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

// ParseWeekday accepts full or abbreviated English names, any case.
func ParseWeekday(s string) (time.Weekday, bool) {
	wd, ok := weekdayNames[strings.ToLower(strings.TrimSpace(s))]
	return wd, ok
}

// JobTargetsDate reports whether one of the job's day entries (weekday name
// or ISO date) selects date.
func JobTargetsDate(job Job, date string) bool {
	d, err := time.Parse(time.DateOnly, date)
	if err != nil {
		return false
	}
	for _, raw := range job.Days {
		entry := strings.TrimSpace(raw)
		if entry == date {
			return true
		}
		if wd, ok := ParseWeekday(entry); ok && wd == d.Weekday() {
			return true
		}
	}
	return false
}

// Calendar knows the portal's release rhythm: every day at Release the date
// DaysAhead days out becomes bookable.
type Calendar struct {
	Loc       *time.Location
	Release   prefs.Clock
	DaysAhead int
}

func (c Calendar) loc() *time.Location {
	if c.Loc == nil {
		return time.Local
	}
	return c.Loc
}

// Today is the ISO date of now in the calendar's zone.
func (c Calendar) Today(now time.Time) string {
	return now.In(c.loc()).Format(time.DateOnly)
}

// ReleaseDate is the date opened by today's release instant.
func (c Calendar) ReleaseDate(now time.Time) string {
	return c.addDays(c.Today(now), c.DaysAhead)
}

// ReleaseInstant is today's release moment.
func (c Calendar) ReleaseInstant(now time.Time) time.Time {
	t := now.In(c.loc())
	return time.Date(t.Year(), t.Month(), t.Day(), c.Release.Hour(), c.Release.Minute(), 0, 0, c.loc())
}

// NextRelease is the first release instant strictly after now.
func (c Calendar) NextRelease(now time.Time) time.Time {
	r := c.ReleaseInstant(now)
	if r.After(now) {
		return r
	}
	t := r.AddDate(0, 0, 1)
	return time.Date(t.Year(), t.Month(), t.Day(), c.Release.Hour(), c.Release.Minute(), 0, 0, c.loc())
}

// NextRunFor is the next release instant that opens a date the job targets,
// searched two weeks out; it falls back to the next release instant.
func (c Calendar) NextRunFor(job Job, now time.Time) time.Time {
	r := c.NextRelease(now)
	first := r
	for i := 0; i < 14; i++ {
		if JobTargetsDate(job, c.addDays(c.Today(r), c.DaysAhead)) {
			return r
		}
		r = c.NextRelease(r)
	}
	return first
}

// Bookable reports whether date is inside the portal's open window at now.
func (c Calendar) Bookable(date string, now time.Time) bool {
	today := c.Today(now)
	if date < today {
		return false
	}
	last := c.addDays(today, c.DaysAhead-1)
	if !now.Before(c.ReleaseInstant(now)) {
		last = c.ReleaseDate(now)
	}
	return date <= last
}

// TargetDates lists the job's dates in [today, today+horizon], ascending.
func (c Calendar) TargetDates(job Job, now time.Time, horizon int) []string {
	today := c.Today(now)
	var out []string
	for i := 0; i <= horizon; i++ {
		d := c.addDays(today, i)
		if JobTargetsDate(job, d) {
			out = append(out, d)
		}
	}
	return out
}

func (c Calendar) addDays(date string, n int) string {
	d, err := time.Parse(time.DateOnly, date)
	if err != nil {
		return date
	}
	return d.AddDate(0, 0, n).Format(time.DateOnly)
}
