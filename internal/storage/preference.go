package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"courtbot/internal/prefs"
)

// prefColumns holds both the current preference columns and the legacy
// encoding (a JSON list of HH:MM slots plus one fixed duration).
type prefColumns struct {
	PreferredTime     sql.NullString
	Flexibility       int
	PreferredDuration sql.NullInt64
	MinDuration       sql.NullInt64
	Strict            bool
	TimeSlots         sql.NullString
	Duration          sql.NullInt64
}

var errNoPreference = errors.New("job has no time preference")

// normalizePreference folds either row encoding into prefs.Preference.
//
// Legacy slots become the first slot as preferred time with a flexibility
// wide enough to reach the farthest slot. A legacy duration is strict.
func normalizePreference(c prefColumns) (prefs.Preference, error) {
	var p prefs.Preference

	switch {
	case c.PreferredTime.Valid && strings.TrimSpace(c.PreferredTime.String) != "":
		t, err := prefs.ParseClock(c.PreferredTime.String)
		if err != nil {
			return p, err
		}
		p.Time = prefs.TimePreference{Preferred: t, FlexibilityMinutes: max(c.Flexibility, 0)}
	case c.TimeSlots.Valid && strings.TrimSpace(c.TimeSlots.String) != "":
		var raw []string
		if err := json.Unmarshal([]byte(c.TimeSlots.String), &raw); err != nil {
			return p, fmt.Errorf("decode time_slots: %w", err)
		}
		if len(raw) == 0 {
			return p, errNoPreference
		}
		first, err := prefs.ParseClock(raw[0])
		if err != nil {
			return p, err
		}
		flex := 0
		for _, s := range raw[1:] {
			t, err := prefs.ParseClock(s)
			if err != nil {
				return p, err
			}
			d := int(t - first)
			if d < 0 {
				d = -d
			}
			flex = max(flex, d)
		}
		if r := flex % prefs.Step; r != 0 {
			flex += prefs.Step - r
		}
		p.Time = prefs.TimePreference{Preferred: first, FlexibilityMinutes: flex}
	default:
		return p, errNoPreference
	}

	switch {
	case c.PreferredDuration.Valid && c.PreferredDuration.Int64 > 0:
		pref := int(c.PreferredDuration.Int64)
		floor := pref
		if c.MinDuration.Valid && c.MinDuration.Int64 > 0 && int(c.MinDuration.Int64) < pref {
			floor = int(c.MinDuration.Int64)
		}
		p.Duration = prefs.DurationPreference{Preferred: pref, Floor: floor, Strict: c.Strict}
	case c.Duration.Valid && c.Duration.Int64 > 0:
		d := int(c.Duration.Int64)
		p.Duration = prefs.DurationPreference{Preferred: d, Floor: d, Strict: true}
	default:
		return p, errors.New("job has no duration preference")
	}
	return p, nil
}
