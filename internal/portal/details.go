package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"courtbot/internal/prefs"
)

// Details are the IDs recovered for a reservation.
type Details struct {
	ReservationID    string
	ConfirmationCode string
}

type pendingCharge struct {
	ReservationID      json.RawMessage `json:"ReservationId"`
	ConfirmationNumber json.RawMessage `json:"ConfirmationNumber"`
	Date               string          `json:"Date"`
	ReservationDate    string          `json:"ReservationDate"`
	StartTime          string          `json:"StartTime"`
}

// FetchReservationDetails looks the reservation at date/start up in the
// pending-charges listing.
func (c *Client) FetchReservationDetails(ctx context.Context, date string, start prefs.Clock) (Details, error) {
	var body []byte
	err := c.withSession(ctx, "details", func() error {
		var err error
		body, err = c.do(ctx, request{
			op:      "details",
			method:  http.MethodGet,
			url:     fmt.Sprintf("%s/Online/Payments/PendingCharges/%s?uiCulture=en-US", c.cfg.AppURL, c.venue.OrgID),
			headers: xhrHeaders(nil),
		})
		return err
	})
	if err != nil {
		return Details{}, err
	}

	items, err := decodeCharges(body)
	if err != nil {
		return Details{}, fmt.Errorf("portal details: decode: %w", err)
	}
	for _, it := range items {
		d := it.Date
		if d == "" {
			d = it.ReservationDate
		}
		if !sameDate(d, date) {
			continue
		}
		if t, ok := parsePortalClock(it.StartTime); !ok || t != start {
			continue
		}
		return Details{
			ReservationID:    firstID(it.ReservationID),
			ConfirmationCode: firstID(it.ConfirmationNumber),
		}, nil
	}
	return Details{}, ErrNotFound
}

// decodeCharges accepts a bare list or a {"Data": [...]} envelope.
func decodeCharges(b []byte) ([]pendingCharge, error) {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		var items []pendingCharge
		err := json.Unmarshal(b, &items)
		return items, err
	}
	var env struct {
		Data []pendingCharge `json:"Data"`
	}
	err := json.Unmarshal(b, &env)
	return env.Data, err
}

// sameDate compares a portal date (ISO, ISO with time, or MM/DD/YYYY) to an
// ISO date.
func sameDate(portal, iso string) bool {
	portal = strings.TrimSpace(portal)
	for _, layout := range []string{time.DateOnly, "2006-01-02T15:04:05", "01/02/2006", "1/2/2006"} {
		n := len(layout)
		if layout == "1/2/2006" {
			n = len(portal)
			if i := strings.IndexByte(portal, ' '); i > 0 {
				n = i
			}
		}
		if len(portal) < n {
			continue
		}
		if t, err := time.Parse(layout, portal[:n]); err == nil {
			return t.Format(time.DateOnly) == iso
		}
	}
	return false
}

// parsePortalClock reads "18:00", "18:00:00", "6:00 PM" or "6:00:00 PM".
func parsePortalClock(s string) (prefs.Clock, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"3:04 PM", "3:04:05 PM"} {
		if t, err := time.Parse(layout, s); err == nil {
			return prefs.ClockOf(t), true
		}
	}
	c, err := prefs.ParseClock(s)
	return c, err == nil
}
