package portal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"courtbot/internal/prefs"
	"courtbot/pkg/logx"
)

// BookingRequest identifies one (date, start, duration, court) attempt.
type BookingRequest struct {
	Date    string
	Start   prefs.Clock
	Minutes int
	CourtID int
}

func (r BookingRequest) String() string {
	return fmt.Sprintf("%s %s/%dm court %d", r.Date, r.Start, r.Minutes, r.CourtID)
}

// Booking is the portal's verdict on a submission. A rejection (taken court,
// window not open) is OK=false with a nil error; errors are transport or
// protocol failures.
type Booking struct {
	OK               bool
	Message          string
	ReservationID    string
	ConfirmationCode string
}

func (b Booking) WindowNotOpen() bool { return !b.OK && IsWindowNotOpen(b.Message) }

type createResponse struct {
	IsValid            bool            `json:"isValid"`
	Message            string          `json:"message"`
	ReservationID      json.RawMessage `json:"reservationId"`
	ConfirmationNumber json.RawMessage `json:"confirmationNumber"`
	ConfirmationCode   json.RawMessage `json:"confirmationCode"`
	Data               *struct {
		ReservationID      json.RawMessage `json:"reservationId"`
		ConfirmationNumber json.RawMessage `json:"confirmationNumber"`
	} `json:"data"`
}

// CreateReservation fetches a fresh form and submits the booking.
func (c *Client) CreateReservation(ctx context.Context, req BookingRequest) (Booking, error) {
	var b Booking
	err := c.withSession(ctx, "create", func() error {
		f, err := c.fetchForm(ctx, req.Date, req.Start, req.Minutes)
		if err != nil {
			return err
		}
		b, err = c.submit(ctx, f, req)
		return err
	})
	return b, err
}

// CreateReservationWithForm submits using a form fetched ahead of time. If the
// portal rejects it as stale (token/session wording or 401/403) the booking is
// retried through CreateReservation; callers only see the final outcome.
func (c *Client) CreateReservationWithForm(ctx context.Context, f *Form, req BookingRequest) (Booking, error) {
	if f == nil {
		return c.CreateReservation(ctx, req)
	}
	b, err := c.submit(ctx, f, req)
	if !isStale(b, err) {
		return b, err
	}
	c.log.Info("prefetched form stale; falling back to fresh form",
		logx.String("booking", req.String()),
		logx.String("message", b.Message),
		logx.Err(err),
	)
	return c.CreateReservation(ctx, req)
}

func isStale(b Booking, err error) bool {
	if err != nil {
		return IsAuthStatus(err)
	}
	return !b.OK && IsStaleFormMessage(b.Message)
}

func (c *Client) submit(ctx context.Context, f *Form, req BookingRequest) (Booking, error) {
	form := url.Values{}
	for k, v := range f.Fields {
		form.Set(k, v)
	}
	form.Set("ReservationTypeId", c.venue.ReservationTypeID)
	form.Set("Duration", strconv.Itoa(req.Minutes))
	form.Set("CourtId", strconv.Itoa(req.CourtID))
	form.Set("StartTime", req.Start.HMS())
	form.Set("EndTime", endOf(req.Start, req.Minutes).Kitchen())
	form.Set("DisclosureAgree", "true")

	var res createResponse
	err := c.doJSON(ctx, request{
		op:          "create",
		method:      http.MethodPost,
		url:         fmt.Sprintf("%s/Online/ReservationsApi/CreateReservation/%s?uiCulture=en-US", c.cfg.ReservationsURL, c.venue.OrgID),
		contentType: "application/x-www-form-urlencoded; charset=UTF-8",
		body:        []byte(form.Encode()),
		headers:     xhrHeaders(map[string]string{"Referer": c.cfg.AppURL + "/"}),
	}, &res)
	if err != nil {
		return Booking{}, err
	}

	b := Booking{OK: res.IsValid, Message: strings.TrimSpace(res.Message)}
	if !b.OK {
		if b.Message == "" {
			b.Message = "reservation rejected"
		}
		c.log.Debug("booking rejected", logx.String("booking", req.String()), logx.String("message", b.Message))
		return b, nil
	}
	b.ReservationID = firstID(res.ReservationID)
	b.ConfirmationCode = firstID(res.ConfirmationNumber, res.ConfirmationCode)
	if res.Data != nil {
		if b.ReservationID == "" {
			b.ReservationID = firstID(res.Data.ReservationID)
		}
		if b.ConfirmationCode == "" {
			b.ConfirmationCode = firstID(res.Data.ConfirmationNumber)
		}
	}
	c.log.Info("reservation confirmed",
		logx.String("booking", req.String()),
		logx.String("reservation_id", b.ReservationID),
		logx.String("confirmation", b.ConfirmationCode),
	)
	return b, nil
}

// firstID renders the first non-empty JSON scalar (string or number).
func firstID(raws ...json.RawMessage) string {
	for _, raw := range raws {
		if len(raw) == 0 || string(raw) == "null" {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
			continue
		}
		var n json.Number
		if err := json.Unmarshal(raw, &n); err == nil && n.String() != "0" {
			return n.String()
		}
	}
	return ""
}
