package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"courtbot/internal/booking"
	"courtbot/internal/prefs"
)

func (s *Store) HasExistingReservation(ctx context.Context, accountID int64, venue, date string) (bool, error) {
	n, err := s.CountExistingBookings(ctx, accountID, venue, date)
	return n > 0, err
}

func (s *Store) CountExistingBookings(ctx context.Context, accountID int64, venue, date string) (int, error) {
	var n int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM reservations WHERE account_id = ? AND venue = ? AND date = ?`,
		accountID, venue, date).Scan(&n)
	return n, err
}

func (s *Store) RecordReservation(ctx context.Context, job booking.Job, a booking.Attempt) (booking.Reservation, error) {
	r := booking.Reservation{
		AccountID:        job.AccountID,
		Venue:            job.Venue,
		Date:             a.Date,
		Start:            a.Time,
		Minutes:          a.Minutes,
		CourtID:          a.CourtID,
		ExternalID:       a.ReservationID,
		ConfirmationCode: a.ConfirmationCode,
		CreatedAt:        s.now(),
	}
	var jobID any
	if job.ID != 0 {
		id := job.ID
		r.JobID = &id
		jobID = id
	}
	err := s.queryRow(ctx, `INSERT INTO reservations(job_id, account_id, venue, date, start_time, duration,
		court_id, external_id, confirmation_code, created_at)
		VALUES(?,?,?,?,?,?,?,?,?,?) RETURNING id`,
		jobID, r.AccountID, r.Venue, r.Date, r.Start.String(), r.Minutes,
		r.CourtID, nullStr(r.ExternalID), nullStr(r.ConfirmationCode), millis(r.CreatedAt),
	).Scan(&r.ID)
	return r, err
}

const reservationCols = `id, job_id, account_id, venue, date, start_time, duration, court_id,
	COALESCE(external_id, ''), COALESCE(confirmation_code, ''), created_at`

func scanReservation(sc scanner) (booking.Reservation, error) {
	var (
		r       booking.Reservation
		jobID   sql.NullInt64
		start   string
		created int64
	)
	if err := sc.Scan(&r.ID, &jobID, &r.AccountID, &r.Venue, &r.Date, &start, &r.Minutes, &r.CourtID,
		&r.ExternalID, &r.ConfirmationCode, &created); err != nil {
		return r, err
	}
	t, err := prefs.ParseClock(start)
	if err != nil {
		return r, fmt.Errorf("reservation %d start_time: %w", r.ID, err)
	}
	r.Start = t
	if jobID.Valid {
		id := jobID.Int64
		r.JobID = &id
	}
	r.CreatedAt = time.UnixMilli(created)
	return r, nil
}

func (s *Store) GetReservation(ctx context.Context, id int64) (booking.Reservation, error) {
	r, err := scanReservation(s.queryRow(ctx, `SELECT `+reservationCols+` FROM reservations WHERE id = ?`, id))
	return r, wrapNotFound(err)
}

// ListReservations returns reservations on or after fromDate, soonest first.
// An empty fromDate lists everything.
func (s *Store) ListReservations(ctx context.Context, fromDate string) ([]booking.Reservation, error) {
	rows, err := s.query(ctx, `SELECT `+reservationCols+` FROM reservations
		WHERE date >= ? ORDER BY date, start_time, id`, fromDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []booking.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteReservation drops the local record only; cancelling at the portal is
// the caller's job.
func (s *Store) DeleteReservation(ctx context.Context, id int64) error {
	res, err := s.exec(ctx, `DELETE FROM reservations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) RecordRunHistory(ctx context.Context, jobID int64, mode booking.Mode, res booking.Result, started, completed time.Time) error {
	details, err := json.Marshal(res.Attempts)
	if err != nil {
		return err
	}
	var errText string
	if res.Err != nil {
		errText = res.Err.Error()
	}
	_, err = s.exec(ctx, `INSERT INTO run_history(job_id, mode, status, date, attempts, successes, message, error, details,
		started_at, completed_at) VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		jobID, string(mode), string(res.Status), nullStr(res.Date), len(res.Attempts), res.Successes(),
		nullStr(res.Summary()), nullStr(errText), string(details), millis(started), millis(completed),
	)
	return err
}

// ListRunHistory returns the newest rows first. jobID 0 lists every job.
func (s *Store) ListRunHistory(ctx context.Context, jobID int64, limit int) ([]RunRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	q := `SELECT id, job_id, mode, status, COALESCE(date, ''), attempts, successes,
		COALESCE(message, ''), COALESCE(error, ''), COALESCE(details, ''), started_at, completed_at
		FROM run_history`
	args := []any{}
	if jobID != 0 {
		q += ` WHERE job_id = ?`
		args = append(args, jobID)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunRecord
	for rows.Next() {
		var (
			r         RunRecord
			startMS   int64
			completed int64
		)
		if err := rows.Scan(&r.ID, &r.JobID, &r.Mode, &r.Status, &r.Date, &r.Attempts, &r.Successes,
			&r.Message, &r.Error, &r.DetailsJSON, &startMS, &completed); err != nil {
			return nil, err
		}
		r.StartedAt = time.UnixMilli(startMS)
		r.CompletedAt = time.UnixMilli(completed)
		out = append(out, r)
	}
	return out, rows.Err()
}
