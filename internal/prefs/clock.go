package prefs

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Clock is a time of day in minutes since midnight.
type Clock int

const (
	Midnight Clock = 0
	EndOfDay Clock = 24 * 60
)

var ErrBadClock = errors.New("prefs: invalid time of day")

// At builds a Clock from hour and minute.
func At(hour, minute int) Clock { return Clock(hour*60 + minute) }

// ParseClock accepts "HH:MM" and "HH:MM:SS" (seconds are dropped).
func ParseClock(s string) (Clock, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("%w: %q", ErrBadClock, s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("%w: %q", ErrBadClock, s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("%w: %q", ErrBadClock, s)
	}
	if len(parts) == 3 {
		sec, err := strconv.Atoi(parts[2])
		if err != nil || sec < 0 || sec > 59 {
			return 0, fmt.Errorf("%w: %q", ErrBadClock, s)
		}
	}
	return At(h, m), nil
}

// MustClock is ParseClock for literals.
func MustClock(s string) Clock {
	c, err := ParseClock(s)
	if err != nil {
		panic(err)
	}
	return c
}

func (c Clock) Hour() int   { return int(c) / 60 }
func (c Clock) Minute() int { return int(c) % 60 }

// Valid reports whether c lies within [00:00, 24:00).
func (c Clock) Valid() bool { return c >= Midnight && c < EndOfDay }

// Add shifts c by minutes without wrapping.
func (c Clock) Add(minutes int) Clock { return c + Clock(minutes) }

// String formats as 24-hour "HH:MM".
func (c Clock) String() string { return fmt.Sprintf("%02d:%02d", c.Hour(), c.Minute()) }

// HMS formats as "HH:MM:SS", the form the portal expects for StartTime.
func (c Clock) HMS() string { return c.String() + ":00" }

// Kitchen formats as "h:MM PM" (12-hour, no leading zero).
func (c Clock) Kitchen() string {
	h := c.Hour() % 24
	suffix := "AM"
	if h >= 12 {
		suffix = "PM"
	}
	h12 := h % 12
	if h12 == 0 {
		h12 = 12
	}
	return fmt.Sprintf("%d:%02d %s", h12, c.Minute(), suffix)
}

// On places c on the given ISO date ("2006-01-02") in loc.
func (c Clock) On(date string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	d, err := time.ParseInLocation(time.DateOnly, date, loc)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(d.Year(), d.Month(), d.Day(), c.Hour(), c.Minute(), 0, 0, loc), nil
}

// ClockOf extracts the time of day from t.
func ClockOf(t time.Time) Clock { return At(t.Hour(), t.Minute()) }

// MarshalText keeps Clock readable in JSON/YAML.
func (c Clock) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *Clock) UnmarshalText(b []byte) error {
	v, err := ParseClock(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}
