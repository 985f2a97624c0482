package portal

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"courtbot/internal/prefs"
	"courtbot/pkg/logx"
)

// CancelRequest names a reservation by court and span; the confirmation code
// is optional.
type CancelRequest struct {
	CourtID          int
	ConfirmationCode string
	ReservationID    string
	Date             string
	Start            prefs.Clock
	Minutes          int
	Reason           string
}

type cancelResponse struct {
	IsValid bool   `json:"isValid"`
	Message string `json:"message"`
}

// CancelReservation asks the portal to drop a reservation.
func (c *Client) CancelReservation(ctx context.Context, req CancelRequest) error {
	disp, _, err := portalDate(req.Date)
	if err != nil {
		return err
	}
	form := url.Values{}
	form.Set("CourtId", strconv.Itoa(req.CourtID))
	form.Set("Date", disp)
	form.Set("StartTime", req.Start.HMS())
	form.Set("EndTime", endOf(req.Start, req.Minutes).Kitchen())
	form.Set("Duration", strconv.Itoa(req.Minutes))
	if req.ConfirmationCode != "" {
		form.Set("ConfirmationNumber", req.ConfirmationCode)
	}
	if req.ReservationID != "" {
		form.Set("ReservationId", req.ReservationID)
	}
	reason := req.Reason
	if reason == "" {
		reason = "Cancelled by member"
	}
	form.Set("CancellationReason", reason)

	var res cancelResponse
	err = c.withSession(ctx, "cancel", func() error {
		return c.doJSON(ctx, request{
			op:          "cancel",
			method:      http.MethodPost,
			url:         fmt.Sprintf("%s/Online/Reservations/CancelReservation/%s", c.cfg.AppURL, c.venue.OrgID),
			contentType: "application/x-www-form-urlencoded; charset=UTF-8",
			body:        []byte(form.Encode()),
			headers:     xhrHeaders(map[string]string{"Referer": c.cfg.AppURL + "/"}),
		}, &res)
	})
	if err != nil {
		return err
	}
	if !res.IsValid {
		return fmt.Errorf("%w: cancel: %s", ErrRejected, res.Message)
	}
	c.log.Info("reservation cancelled",
		logx.String("date", req.Date),
		logx.String("start", req.Start.String()),
		logx.Int("court", req.CourtID),
	)
	return nil
}
