package portal

import (
	"fmt"
	"time"

	"courtbot/internal/prefs"
)

// portalDate converts an ISO date to the portal's MM/DD/YYYY.
func portalDate(date string) (string, time.Time, error) {
	d, err := time.Parse(time.DateOnly, date)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("bad date %q: %w", date, err)
	}
	return d.Format("01/02/2006"), d, nil
}

// kitchenSeconds formats as "h:MM:SS PM".
func kitchenSeconds(c prefs.Clock) string {
	k := c.Kitchen()
	// "6:30 PM" -> "6:30:00 PM"
	return k[:len(k)-3] + ":00" + k[len(k)-3:]
}

// endOf returns the end clock of a span, wrapped into the day for display.
func endOf(start prefs.Clock, minutes int) prefs.Clock {
	return prefs.Clock((int(start) + minutes) % int(prefs.EndOfDay))
}
