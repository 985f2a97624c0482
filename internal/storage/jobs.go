package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"courtbot/internal/booking"
	logx "courtbot/pkg/logx"
)

const jobSelect = `SELECT j.id, j.account_id, j.venue, j.recurrence, j.days,
	j.preferred_time, j.time_flexibility, j.preferred_duration, j.min_duration, j.strict_duration,
	j.time_slots, j.duration,
	j.max_bookings_per_day, j.priority, j.min_notice_hours, j.active,
	j.last_run, j.next_run, j.last_attempt,
	a.email, a.password, a.venue
	FROM jobs j JOIN accounts a ON a.id = j.account_id`

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanJob(row scanner) (booking.Job, error) {
	var (
		j           booking.Job
		recurrence  string
		days        string
		pc          prefColumns
		lastRun     sql.NullInt64
		nextRun     sql.NullInt64
		lastAttempt sql.NullString
		password    string
	)
	err := row.Scan(&j.ID, &j.AccountID, &j.Venue, &recurrence, &days,
		&pc.PreferredTime, &pc.Flexibility, &pc.PreferredDuration, &pc.MinDuration, &pc.Strict,
		&pc.TimeSlots, &pc.Duration,
		&j.MaxBookingsPerDay, &j.Priority, &j.MinNoticeHours, &j.Active,
		&lastRun, &nextRun, &lastAttempt,
		&j.Account.Email, &password, &j.Account.Venue,
	)
	if err != nil {
		return j, err
	}
	j.Recurrence = booking.Recurrence(recurrence)
	j.Account.ID = j.AccountID
	j.LastRun = fromMillis(lastRun)
	j.NextRun = fromMillis(nextRun)
	if days != "" {
		if err := json.Unmarshal([]byte(days), &j.Days); err != nil {
			return j, fmt.Errorf("job %d days: %w", j.ID, err)
		}
	}
	if lastAttempt.Valid && lastAttempt.String != "" {
		var la booking.LastAttempt
		if err := json.Unmarshal([]byte(lastAttempt.String), &la); err == nil {
			j.LastAttempt = &la
		}
	}
	if j.Pref, err = normalizePreference(pc); err != nil {
		return j, fmt.Errorf("job %d: %w", j.ID, err)
	}
	if j.Account.Password, err = s.box.Open(password); err != nil {
		return j, fmt.Errorf("job %d account: %w", j.ID, err)
	}
	return j, nil
}

// listJobs scans every row; rows that fail to decode are logged and skipped
// so one bad job cannot stall a cycle.
func (s *Store) listJobs(ctx context.Context, where string, args ...any) ([]booking.Job, error) {
	rows, err := s.query(ctx, jobSelect+" "+where+" ORDER BY j.priority ASC, j.id ASC", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []booking.Job
	for rows.Next() {
		j, err := s.scanJob(rows)
		if err != nil {
			s.log.Warn("skipping unreadable job", logx.Int64("job", j.ID), logx.Err(err))
			continue
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// FetchActiveJobsOrderedByPriority returns active jobs, lowest priority rank
// first.
func (s *Store) FetchActiveJobsOrderedByPriority(ctx context.Context) ([]booking.Job, error) {
	return s.listJobs(ctx, "WHERE j.active = ?", true)
}

func (s *Store) FetchJobsNeedingBookings(ctx context.Context, now time.Time, horizonDays int) ([]booking.Job, error) {
	jobs, err := s.FetchActiveJobsOrderedByPriority(ctx)
	if err != nil {
		return nil, err
	}
	out := jobs[:0]
	for _, j := range jobs {
		need, err := s.needsBooking(ctx, j, now, horizonDays)
		if err != nil {
			return nil, err
		}
		if need {
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *Store) needsBooking(ctx context.Context, j booking.Job, now time.Time, horizon int) (bool, error) {
	for _, date := range s.cal.TargetDates(j, now, horizon) {
		n, err := s.CountExistingBookings(ctx, j.AccountID, j.Venue, date)
		if err != nil {
			return false, err
		}
		if n < j.MaxPerDay() {
			return true, nil
		}
	}
	return false, nil
}

// ListJobs returns all jobs, or only active ones.
func (s *Store) ListJobs(ctx context.Context, includeInactive bool) ([]booking.Job, error) {
	if includeInactive {
		return s.listJobs(ctx, "")
	}
	return s.FetchActiveJobsOrderedByPriority(ctx)
}

func (s *Store) GetJob(ctx context.Context, id int64) (booking.Job, error) {
	j, err := s.scanJob(s.queryRow(ctx, jobSelect+" WHERE j.id = ?", id))
	return j, wrapNotFound(err)
}

// UpsertJob inserts a job when ID is zero and updates its definition
// otherwise. Preferences are always written in the current column shape.
func (s *Store) UpsertJob(ctx context.Context, j booking.Job) (int64, error) {
	days, err := json.Marshal(j.Days)
	if err != nil {
		return 0, err
	}
	if j.Recurrence == "" {
		j.Recurrence = booking.RecurWeekly
	}
	if j.Venue == "" {
		j.Venue = j.Account.Venue
	}
	p := j.Pref
	args := []any{
		j.AccountID, j.Venue, string(j.Recurrence), string(days),
		p.Time.Preferred.String(), p.Time.FlexibilityMinutes, p.Duration.Preferred, p.Duration.Floor, p.Duration.Strict,
		j.MaxPerDay(), j.Priority, j.MinNoticeHours, j.Active,
	}
	if j.ID == 0 {
		var id int64
		err := s.queryRow(ctx, `INSERT INTO jobs(account_id, venue, recurrence, days,
			preferred_time, time_flexibility, preferred_duration, min_duration, strict_duration,
			max_bookings_per_day, priority, min_notice_hours, active, created_at)
			VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?) RETURNING id`,
			append(args, millis(s.now()))...).Scan(&id)
		return id, err
	}
	res, err := s.exec(ctx, `UPDATE jobs SET account_id=?, venue=?, recurrence=?, days=?,
		preferred_time=?, time_flexibility=?, preferred_duration=?, min_duration=?, strict_duration=?,
		time_slots=NULL, duration=NULL,
		max_bookings_per_day=?, priority=?, min_notice_hours=?, active=?
		WHERE id=?`, append(args, j.ID)...)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrNotFound
	}
	return j.ID, nil
}

func (s *Store) UpdateLastAttempt(ctx context.Context, jobID int64, la booking.LastAttempt) error {
	b, err := json.Marshal(la)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `UPDATE jobs SET last_attempt = ? WHERE id = ?`, string(b), jobID)
	return err
}

func (s *Store) UpdateJobTimestamps(ctx context.Context, jobID int64, _ booking.Recurrence, lastRun time.Time, nextRun *time.Time) error {
	_, err := s.exec(ctx, `UPDATE jobs SET last_run = ?, next_run = ? WHERE id = ?`, millis(lastRun), nullMillis(nextRun), jobID)
	return err
}

func (s *Store) ArchiveJob(ctx context.Context, jobID int64) error {
	_, err := s.exec(ctx, `UPDATE jobs SET active = ?, next_run = NULL WHERE id = ?`, false, jobID)
	return err
}

// SetJobActive toggles a job without touching its bookkeeping.
func (s *Store) SetJobActive(ctx context.Context, jobID int64, active bool) error {
	res, err := s.exec(ctx, `UPDATE jobs SET active = ? WHERE id = ?`, active, jobID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
