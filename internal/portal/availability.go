package portal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"time"

	"courtbot/internal/prefs"
)

// Grid maps each 30-minute slot start (venue local time) to its free courts.
type Grid map[prefs.Clock][]int

// Courts returns the courts free for every slot covering [start, start+minutes).
// A span that runs into a slot missing from the grid has no free courts.
func (g Grid) Courts(start prefs.Clock, minutes int) []int {
	if minutes <= 0 {
		return nil
	}
	var free map[int]struct{}
	for off := 0; off < minutes; off += prefs.Step {
		ids, ok := g[start.Add(off)]
		if !ok {
			return nil
		}
		if free == nil {
			free = make(map[int]struct{}, len(ids))
			for _, id := range ids {
				free[id] = struct{}{}
			}
			continue
		}
		slot := make(map[int]struct{}, len(ids))
		for _, id := range ids {
			slot[id] = struct{}{}
		}
		for id := range free {
			if _, ok := slot[id]; !ok {
				delete(free, id)
			}
		}
		if len(free) == 0 {
			return nil
		}
	}
	out := make([]int, 0, len(free))
	for id := range free {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

// AvailableCourts returns the court IDs free for the entire span.
func (c *Client) AvailableCourts(ctx context.Context, date string, start prefs.Clock, minutes int) ([]int, error) {
	if c.venue.Availability == AvailabilityDirect {
		var ids []int
		err := c.withSession(ctx, "availability", func() error {
			var err error
			ids, err = c.directCourts(ctx, date, start, minutes)
			return err
		})
		return ids, err
	}

	var grid Grid
	err := c.withSession(ctx, "availability", func() error {
		var err error
		grid, err = c.readConsolidated(ctx, date)
		return err
	})
	if err != nil {
		return nil, err
	}
	return grid.Courts(start, minutes), nil
}

type consolidatedRequest struct {
	StartDate              string    `json:"startDate"`
	OrgID                  string    `json:"orgId"`
	TimeZone               string    `json:"TimeZone"`
	Date                   string    `json:"Date"`
	KendoDate              kendoDate `json:"KendoDate"`
	UICulture              string    `json:"UiCulture"`
	CostTypeID             string    `json:"CostTypeId"`
	CustomSchedulerID      string    `json:"CustomSchedulerId"`
	ReservationMinInterval string    `json:"ReservationMinInterval"`
}

type kendoDate struct {
	Year  int `json:"Year"`
	Month int `json:"Month"`
	Day   int `json:"Day"`
}

type consolidatedResponse struct {
	Data []struct {
		ID                string `json:"Id"`
		AvailableCourtIDs []int  `json:"AvailableCourtIds"`
	} `json:"Data"`
}

// slot IDs look like "Pickleball10/16/2025 15:00:00" with a UTC clock.
var reSlotClock = regexp.MustCompile(`(\d{1,2}):(\d{2}):(\d{2})`)

func (c *Client) readConsolidated(ctx context.Context, date string) (Grid, error) {
	_, d, err := portalDate(date)
	if err != nil {
		return nil, err
	}
	stamp := time.Date(d.Year(), d.Month(), d.Day(), 5, 48, 6, 0, time.UTC)
	payload := consolidatedRequest{
		StartDate:              stamp.Format("2006-01-02T15:04:05") + ".000Z",
		OrgID:                  c.venue.OrgID,
		TimeZone:               c.venue.Timezone,
		Date:                   stamp.Format("Mon, 02 Jan 2006 15:04:05") + " GMT",
		KendoDate:              kendoDate{Year: d.Year(), Month: int(d.Month()), Day: d.Day()},
		UICulture:              "en-US",
		CostTypeID:             c.venue.CostTypeID,
		CustomSchedulerID:      c.venue.SchedulerID,
		ReservationMinInterval: "60",
	}
	js, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	body := "sort=&group=&filter=&jsonData=" + url.QueryEscape(string(js))

	var res consolidatedResponse
	err = c.doJSON(ctx, request{
		op:          "availability",
		method:      http.MethodPost,
		url:         fmt.Sprintf("%s/Online/Reservations/ReadConsolidated/%s", c.cfg.AppURL, c.venue.OrgID),
		contentType: "application/x-www-form-urlencoded; charset=UTF-8",
		body:        []byte(body),
		headers:     xhrHeaders(nil),
	}, &res)
	if err != nil {
		return nil, err
	}

	offset := utcOffsetMinutes(date, c.loc)
	grid := make(Grid, len(res.Data))
	for _, s := range res.Data {
		m := reSlotClock.FindStringSubmatch(s.ID)
		if m == nil {
			continue
		}
		h, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		local := ((h*60+mm+offset)%1440 + 1440) % 1440
		grid[prefs.Clock(local)] = append([]int(nil), s.AvailableCourtIDs...)
	}
	return grid, nil
}

// utcOffsetMinutes is the venue's UTC offset on date, sampled at local noon.
func utcOffsetMinutes(date string, loc *time.Location) int {
	d, err := time.ParseInLocation(time.DateOnly, date, loc)
	if err != nil {
		return 0
	}
	_, off := time.Date(d.Year(), d.Month(), d.Day(), 12, 0, 0, 0, loc).Zone()
	return off / 60
}

type directCourt struct {
	ID int `json:"Id"`
}

func (c *Client) directCourts(ctx context.Context, date string, start prefs.Clock, minutes int) ([]int, error) {
	disp, _, err := portalDate(date)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("uiCulture", "en-US")
	q.Set("Date", disp+" 12:00:00 AM")
	q.Set("selectedDate", disp+" 12:00:00 AM")
	q.Set("StartTime", start.HMS())
	q.Set("EndTime", endOf(start, minutes).Kitchen())
	q.Set("CourtTypesString", c.venue.CourtTypeCode)
	q.Set("timeZone", c.venue.Timezone)
	q.Set("customSchedulerId", c.venue.SchedulerID)
	q.Set("Duration", strconv.Itoa(minutes))

	var res []directCourt
	err = c.doJSON(ctx, request{
		op:      "availability",
		method:  http.MethodGet,
		url:     fmt.Sprintf("%s/Online/AjaxController/GetAvailableCourtsMemberPortal/%s?%s", c.cfg.AppURL, c.venue.OrgID, q.Encode()),
		headers: xhrHeaders(nil),
	}, &res)
	if err != nil {
		return nil, err
	}
	out := make([]int, 0, len(res))
	for _, r := range res {
		out = append(out, r.ID)
	}
	return out, nil
}
