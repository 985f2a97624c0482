package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"courtbot/internal/booking"
	logx "courtbot/pkg/logx"
)

// BookingNotifier turns engine outcomes into messages. Every method returns
// immediately; delivery problems are logged.
type BookingNotifier struct {
	svc *Service
	log logx.Logger
}

var (
	_ booking.Notifier = (*BookingNotifier)(nil)
	_ logx.Alerter     = (*BookingNotifier)(nil)
)

func NewBookingNotifier(svc *Service, log logx.Logger) *BookingNotifier {
	return &BookingNotifier{svc: svc, log: log.With(logx.String("comp", "notifier"))}
}

func (b *BookingNotifier) NotifyBookingSuccess(ctx context.Context, job booking.Job, a booking.Attempt) {
	var body strings.Builder
	fmt.Fprintf(&body, "%s at %s for %d min", a.Date, a.Time.Kitchen(), a.Minutes)
	if a.CourtID != 0 {
		fmt.Fprintf(&body, " on court %d", a.CourtID)
	}
	if a.ConfirmationCode != "" {
		fmt.Fprintf(&body, "\nConfirmation: %s", a.ConfirmationCode)
	}
	fmt.Fprintf(&body, "\nAccount: %s", job.Account.Email)
	b.send(ctx, Message{
		Channel:  "booking",
		Key:      fmt.Sprintf("booked:%d:%s:%s", job.ID, a.Date, a.Time),
		Title:    fmt.Sprintf("Court booked at %s", job.Venue),
		Body:     body.String(),
		Priority: PriorityHigh,
		Tags:     []string{"tada", "tennis"},
	})
}

func (b *BookingNotifier) NotifyBookingFailure(ctx context.Context, job booking.Job, res booking.Result) {
	body := res.Summary()
	if res.Date != "" {
		body = res.Date + ": " + body
	}
	if n := len(res.Attempts); n > 0 && res.Status != booking.StatusNoCourts {
		body += fmt.Sprintf(" (%d attempts)", n)
	}
	// Gap-fill retries the same date every poll; one report per window is enough.
	b.send(ctx, Message{
		Channel:  "booking",
		Key:      fmt.Sprintf("failed:%d:%s:%s", job.ID, res.Date, res.Status),
		Title:    fmt.Sprintf("Booking failed at %s (%s)", job.Venue, res.Status),
		Body:     fmt.Sprintf("%s\nAccount: %s", body, job.Account.Email),
		Priority: PriorityDefault,
		Tags:     []string{"x"},
	})
}

func (b *BookingNotifier) NotifySchedulerError(ctx context.Context, mode booking.Mode, err error) {
	b.send(ctx, Message{
		Channel:  "scheduler",
		Title:    fmt.Sprintf("Scheduler error (%s)", mode),
		Body:     err.Error(),
		Priority: PriorityUrgent,
		Tags:     []string{"warning"},
	})
}

// Alert forwards a log record from the logx alert sink.
func (b *BookingNotifier) Alert(ctx context.Context, level, text string) error {
	return b.svc.Notify(ctx, Message{
		Channel:  "alert",
		Title:    "courtbot " + strings.ToUpper(level),
		Body:     text,
		Priority: PriorityHigh,
		Tags:     []string{"rotating_light"},
	})
}

func (b *BookingNotifier) send(ctx context.Context, m Message) {
	err := b.svc.Notify(ctx, m)
	switch {
	case err == nil:
	case errors.Is(err, ErrDisabled), errors.Is(err, ErrNoSenders):
		b.log.Debug("notification skipped", logx.String("title", m.Title), logx.Err(err))
	default:
		b.log.Warn("notification not queued", logx.String("title", m.Title), logx.Err(err))
	}
}
