package portal

import (
	"fmt"
	"sort"
	"strings"
)

const (
	AvailabilityConsolidated = "consolidated"
	AvailabilityDirect       = "direct"
)

// Venue carries the portal identifiers for one facility.
type Venue struct {
	Key               string `json:"key"`
	Name              string `json:"name"`
	OrgID             string `json:"org_id"`
	SchedulerID       string `json:"scheduler_id"`
	ReservationTypeID string `json:"reservation_type_id"`
	CostTypeID        string `json:"cost_type_id"`
	CourtType         string `json:"court_type"`
	CourtTypeCode     string `json:"court_type_code"`
	Timezone          string `json:"timezone"`
	// Availability selects the lookup flow: "consolidated" (day grid) or
	// "direct" (per-span court query).
	Availability string `json:"availability"`
}

var builtinVenues = map[string]Venue{
	"sunnyvale": {
		Key:               "sunnyvale",
		Name:              "Sunnyvale",
		OrgID:             "13233",
		SchedulerID:       "16984",
		ReservationTypeID: "69707",
		CostTypeID:        "141158",
		CourtType:         "Pickleball",
		CourtTypeCode:     "9",
		Timezone:          "America/Los_Angeles",
		Availability:      AvailabilityConsolidated,
	},
	"santa_clara": {
		Key:               "santa_clara",
		Name:              "Santa Clara",
		OrgID:             "13234",
		SchedulerID:       "16994",
		ReservationTypeID: "69707",
		CostTypeID:        "141158",
		CourtType:         "Pickleball",
		CourtTypeCode:     "9",
		Timezone:          "America/Los_Angeles",
		Availability:      AvailabilityDirect,
	},
}

// LookupVenue resolves key against overrides first, then the built-in table.
// Override fields left empty inherit the built-in values.
func LookupVenue(key string, overrides map[string]Venue) (Venue, error) {
	k := normalizeVenueKey(key)
	base, known := builtinVenues[k]
	if ov, ok := overrides[k]; ok {
		v := mergeVenue(base, ov)
		v.Key = k
		if v.OrgID == "" || v.SchedulerID == "" {
			return Venue{}, fmt.Errorf("venue %q: org_id and scheduler_id required", k)
		}
		return v, nil
	}
	if !known {
		return Venue{}, fmt.Errorf("unknown venue %q (known: %s)", key, strings.Join(VenueKeys(overrides), ", "))
	}
	return base, nil
}

// VenueKeys lists every resolvable venue key.
func VenueKeys(overrides map[string]Venue) []string {
	seen := map[string]struct{}{}
	for k := range builtinVenues {
		seen[k] = struct{}{}
	}
	for k := range overrides {
		seen[normalizeVenueKey(k)] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func normalizeVenueKey(k string) string {
	k = strings.ToLower(strings.TrimSpace(k))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(k)
}

func mergeVenue(base, ov Venue) Venue {
	pick := func(a, b string) string {
		if strings.TrimSpace(b) != "" {
			return b
		}
		return a
	}
	return Venue{
		Name:              pick(base.Name, ov.Name),
		OrgID:             pick(base.OrgID, ov.OrgID),
		SchedulerID:       pick(base.SchedulerID, ov.SchedulerID),
		ReservationTypeID: pick(pick("69707", base.ReservationTypeID), ov.ReservationTypeID),
		CostTypeID:        pick(base.CostTypeID, ov.CostTypeID),
		CourtType:         pick(pick("Pickleball", base.CourtType), ov.CourtType),
		CourtTypeCode:     pick(base.CourtTypeCode, ov.CourtTypeCode),
		Timezone:          pick(pick("America/Los_Angeles", base.Timezone), ov.Timezone),
		Availability:      pick(pick(AvailabilityConsolidated, base.Availability), ov.Availability),
	}
}
