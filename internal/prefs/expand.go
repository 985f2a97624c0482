package prefs

// Step is the portal's slot granularity in minutes.
const Step = 30

// TimePreference is a preferred start plus a symmetric flexibility window.
type TimePreference struct {
	Preferred          Clock `json:"preferred"`
	FlexibilityMinutes int   `json:"flexibility_minutes"`
}

// DurationPreference is a preferred length that may shrink down to Floor
// unless Strict is set.
type DurationPreference struct {
	Preferred int  `json:"preferred"`
	Floor     int  `json:"floor"`
	Strict    bool `json:"strict"`
}

// Preference is the single normalized shape the booking engine works with.
type Preference struct {
	Time     TimePreference     `json:"time"`
	Duration DurationPreference `json:"duration"`
}

// Times expands the time preference.
func (p Preference) Times() []Clock {
	return ExpandTimeCandidates(p.Time.Preferred, p.Time.FlexibilityMinutes)
}

// Durations expands the duration preference.
func (p Preference) Durations() []int {
	return ExpandDurationCandidates(p.Duration.Preferred, p.Duration.Floor, p.Duration.Strict)
}

// ExpandTimeCandidates returns preferred first, then alternates later/earlier
// in Step increments up to flexibility minutes away. Candidates outside the
// day are dropped and the result holds no duplicates.
func ExpandTimeCandidates(preferred Clock, flexibility int) []Clock {
	out := make([]Clock, 0, 1+2*(max(flexibility, 0)/Step))
	seen := make(map[Clock]struct{}, cap(out))
	add := func(c Clock) {
		if !c.Valid() {
			return
		}
		if _, dup := seen[c]; dup {
			return
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}

	add(preferred)
	for off := Step; off <= flexibility; off += Step {
		add(preferred.Add(off))
		add(preferred.Add(-off))
	}
	return out
}

// ExpandDurationCandidates returns preferred, preferred-Step, ... down to and
// including floor. Strict (or a floor at or above preferred) yields only
// preferred.
func ExpandDurationCandidates(preferred, floor int, strict bool) []int {
	if strict || floor <= 0 || floor >= preferred {
		return []int{preferred}
	}
	out := make([]int, 0, (preferred-floor)/Step+1)
	for d := preferred; d >= floor; d -= Step {
		out = append(out, d)
	}
	return out
}
