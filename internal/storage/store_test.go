package storage

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courtbot/internal/booking"
	"courtbot/internal/prefs"
	"courtbot/internal/secrets"
	logx "courtbot/pkg/logx"
)

func openTestStore(t *testing.T, now time.Time) *Store {
	t.Helper()
	loc, err := time.LoadLocation("America/Los_Angeles")
	require.NoError(t, err)
	key, err := secrets.GenerateKey()
	require.NoError(t, err)

	s, err := Open(context.Background(), Config{
		Driver:     "sqlite",
		Path:       filepath.Join(t.TempDir(), "courtbot.db"),
		SecretsKey: key,
	}, Options{
		Calendar: booking.Calendar{Loc: loc, Release: prefs.At(12, 0), DaysAhead: 7},
		Now:      func() time.Time { return now },
	}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedJob(t *testing.T, s *Store, email string, mutate func(*booking.Job)) booking.Job {
	t.Helper()
	ctx := context.Background()
	acctID, err := s.UpsertAccount(ctx, booking.Account{Email: email, Password: "s3cret", Venue: "sunnyvale"})
	require.NoError(t, err)
	j := booking.Job{
		AccountID:  acctID,
		Venue:      "sunnyvale",
		Recurrence: booking.RecurWeekly,
		Days:       []string{"tuesday"},
		Pref: prefs.Preference{
			Time:     prefs.TimePreference{Preferred: prefs.At(18, 0), FlexibilityMinutes: 30},
			Duration: prefs.DurationPreference{Preferred: 120, Floor: 60},
		},
		MaxBookingsPerDay: 1,
		Active:            true,
	}
	if mutate != nil {
		mutate(&j)
	}
	j.ID, err = s.UpsertJob(ctx, j)
	require.NoError(t, err)
	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	return got
}

func TestMigrationsIdempotent(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, time.Now())
	ctx := context.Background()

	v1, err := s.AppliedMigrations(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, v1)

	require.NoError(t, s.Migrate(ctx))
	v2, err := s.AppliedMigrations(ctx)
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
}

func TestJobRoundTripAndPasswordSealing(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, time.Now())
	ctx := context.Background()
	j := seedJob(t, s, "Player@Example.com", func(j *booking.Job) {
		j.Days = []string{"monday", "2025-10-18"}
		j.MinNoticeHours = 6
		j.Priority = 2
	})

	assert.Equal(t, []string{"monday", "2025-10-18"}, j.Days)
	assert.Equal(t, prefs.At(18, 0), j.Pref.Time.Preferred)
	assert.Equal(t, 30, j.Pref.Time.FlexibilityMinutes)
	assert.Equal(t, prefs.DurationPreference{Preferred: 120, Floor: 60}, j.Pref.Duration)
	assert.Equal(t, 6.0, j.MinNoticeHours)
	assert.Equal(t, "s3cret", j.Account.Password)
	assert.Equal(t, "player@example.com", j.Account.Email)

	var raw string
	require.NoError(t, s.db.QueryRow(`SELECT password FROM accounts WHERE id = ?`, j.AccountID).Scan(&raw))
	assert.True(t, secrets.IsSealed(raw), "password must be sealed at rest")

	_, err := s.GetJob(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLegacyPreferenceRows(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, time.Now())
	ctx := context.Background()
	j := seedJob(t, s, "legacy@example.com", nil)

	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET preferred_time = NULL, preferred_duration = NULL, min_duration = NULL,
		time_slots = '["19:00","18:00","20:00"]', duration = 90 WHERE id = ?`, j.ID)
	require.NoError(t, err)

	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, prefs.At(19, 0), got.Pref.Time.Preferred)
	assert.Equal(t, 60, got.Pref.Time.FlexibilityMinutes)
	assert.Equal(t, prefs.DurationPreference{Preferred: 90, Floor: 90, Strict: true}, got.Pref.Duration)
	assert.Equal(t, []prefs.Clock{prefs.At(19, 0), prefs.At(19, 30), prefs.At(18, 30), prefs.At(20, 0), prefs.At(18, 0)}, got.Pref.Times())
}

func TestNormalizePreference(t *testing.T) {
	t.Parallel()
	str := func(v string) sql.NullString { return sql.NullString{String: v, Valid: true} }
	i64 := func(v int64) sql.NullInt64 { return sql.NullInt64{Int64: v, Valid: true} }

	cases := []struct {
		name    string
		cols    prefColumns
		want    prefs.Preference
		wantErr bool
	}{
		{
			name: "current columns",
			cols: prefColumns{PreferredTime: str("18:00"), Flexibility: 30, PreferredDuration: i64(120), MinDuration: i64(60)},
			want: prefs.Preference{
				Time:     prefs.TimePreference{Preferred: prefs.At(18, 0), FlexibilityMinutes: 30},
				Duration: prefs.DurationPreference{Preferred: 120, Floor: 60},
			},
		},
		{
			name: "floor above preferred is clamped",
			cols: prefColumns{PreferredTime: str("07:30"), PreferredDuration: i64(60), MinDuration: i64(90), Strict: true},
			want: prefs.Preference{
				Time:     prefs.TimePreference{Preferred: prefs.At(7, 30)},
				Duration: prefs.DurationPreference{Preferred: 60, Floor: 60, Strict: true},
			},
		},
		{
			name: "legacy single slot",
			cols: prefColumns{TimeSlots: str(`["06:00"]`), Duration: i64(60)},
			want: prefs.Preference{
				Time:     prefs.TimePreference{Preferred: prefs.At(6, 0)},
				Duration: prefs.DurationPreference{Preferred: 60, Floor: 60, Strict: true},
			},
		},
		{
			name: "legacy off-grid slot rounds flexibility up",
			cols: prefColumns{TimeSlots: str(`["18:00","18:45"]`), Duration: i64(60)},
			want: prefs.Preference{
				Time:     prefs.TimePreference{Preferred: prefs.At(18, 0), FlexibilityMinutes: 60},
				Duration: prefs.DurationPreference{Preferred: 60, Floor: 60, Strict: true},
			},
		},
		{name: "no time", cols: prefColumns{PreferredDuration: i64(60)}, wantErr: true},
		{name: "empty slots", cols: prefColumns{TimeSlots: str(`[]`), Duration: i64(60)}, wantErr: true},
		{name: "no duration", cols: prefColumns{PreferredTime: str("18:00")}, wantErr: true},
		{name: "bad clock", cols: prefColumns{PreferredTime: str("25:00"), PreferredDuration: i64(60)}, wantErr: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := normalizePreference(tc.cols)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestReservationsAndCounts(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, time.Now())
	ctx := context.Background()
	j := seedJob(t, s, "a@example.com", nil)

	has, err := s.HasExistingReservation(ctx, j.AccountID, j.Venue, "2025-10-21")
	require.NoError(t, err)
	assert.False(t, has)

	r, err := s.RecordReservation(ctx, j, booking.Attempt{
		Date: "2025-10-21", Time: prefs.At(18, 0), Minutes: 120, CourtID: 501, Success: true,
		ReservationID: "R-1", ConfirmationCode: "C-1",
	})
	require.NoError(t, err)
	assert.NotZero(t, r.ID)
	require.NotNil(t, r.JobID)
	assert.Equal(t, j.ID, *r.JobID)

	n, err := s.CountExistingBookings(ctx, j.AccountID, j.Venue, "2025-10-21")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Manual bookings have no owning job.
	_, err = s.RecordReservation(ctx, booking.Job{AccountID: j.AccountID, Venue: j.Venue}, booking.Attempt{Date: "2025-10-21", Time: prefs.At(8, 0), Minutes: 60})
	require.NoError(t, err)
	n, err = s.CountExistingBookings(ctx, j.AccountID, j.Venue, "2025-10-21")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.CountExistingBookings(ctx, j.AccountID, "santa_clara", "2025-10-21")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReservationLookupAndDelete(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, time.Now())
	ctx := context.Background()
	j := seedJob(t, s, "a@example.com", nil)

	r, err := s.RecordReservation(ctx, j, booking.Attempt{
		Date: "2025-10-21", Time: prefs.At(18, 30), Minutes: 90, CourtID: 7,
		ReservationID: "R-9", ConfirmationCode: "C-9",
	})
	require.NoError(t, err)
	_, err = s.RecordReservation(ctx, booking.Job{AccountID: j.AccountID, Venue: j.Venue},
		booking.Attempt{Date: "2025-10-20", Time: prefs.At(8, 0), Minutes: 60})
	require.NoError(t, err)

	got, err := s.GetReservation(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, prefs.At(18, 30), got.Start)
	assert.Equal(t, 90, got.Minutes)
	assert.Equal(t, 7, got.CourtID)
	assert.Equal(t, "R-9", got.ExternalID)
	assert.Equal(t, "C-9", got.ConfirmationCode)
	require.NotNil(t, got.JobID)
	assert.Equal(t, j.ID, *got.JobID)

	acct, err := s.GetAccountByID(ctx, got.AccountID)
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", acct.Email)
	assert.Equal(t, "s3cret", acct.Password)

	list, err := s.ListReservations(ctx, "2025-10-21")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, r.ID, list[0].ID)
	list, err = s.ListReservations(ctx, "")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "2025-10-20", list[0].Date)
	assert.Nil(t, list[0].JobID)

	require.NoError(t, s.DeleteReservation(ctx, r.ID))
	_, err = s.GetReservation(ctx, r.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteReservation(ctx, r.ID), ErrNotFound)
	_, err = s.GetAccountByID(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFetchJobsNeedingBookings(t *testing.T) {
	t.Parallel()
	loc, _ := time.LoadLocation("America/Los_Angeles")
	// Monday morning; every Tuesday in the horizon is booked for one job.
	now := time.Date(2025, 10, 13, 8, 0, 0, 0, loc)
	s := openTestStore(t, now)
	ctx := context.Background()

	booked := seedJob(t, s, "booked@example.com", nil)
	open := seedJob(t, s, "open@example.com", func(j *booking.Job) { j.Priority = -1 })
	seedJob(t, s, "idle@example.com", func(j *booking.Job) { j.Active = false })

	for _, date := range s.cal.TargetDates(booked, now, 7) {
		_, err := s.RecordReservation(ctx, booked, booking.Attempt{Date: date, Time: prefs.At(18, 0), Minutes: 60})
		require.NoError(t, err)
	}

	jobs, err := s.FetchJobsNeedingBookings(ctx, now, 7)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, open.ID, jobs[0].ID)

	active, err := s.FetchActiveJobsOrderedByPriority(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, open.ID, active[0].ID, "lower rank first")

	all, err := s.ListJobs(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestBookkeeping(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 10, 13, 8, 0, 0, 0, time.UTC)
	s := openTestStore(t, now)
	ctx := context.Background()
	j := seedJob(t, s, "a@example.com", nil)

	next := now.Add(15 * time.Minute)
	require.NoError(t, s.UpdateJobTimestamps(ctx, j.ID, j.Recurrence, now, &next))
	require.NoError(t, s.UpdateLastAttempt(ctx, j.ID, booking.LastAttempt{Status: booking.StatusNoCourts, Date: "2025-10-14", At: now}))

	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRun)
	assert.True(t, got.NextRun.Equal(next))
	require.NotNil(t, got.LastAttempt)
	assert.Equal(t, booking.StatusNoCourts, got.LastAttempt.Status)

	require.NoError(t, s.ArchiveJob(ctx, j.ID))
	got, err = s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Nil(t, got.NextRun)

	assert.ErrorIs(t, s.SetJobActive(ctx, 12345, true), ErrNotFound)
}

func TestRunHistory(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 10, 13, 12, 0, 0, 0, time.UTC)
	s := openTestStore(t, now)
	ctx := context.Background()

	res := booking.Result{
		JobID: 1, Mode: booking.ModeNoon, Status: booking.StatusNoCourts, Date: "2025-10-20",
		Attempts: []booking.Attempt{{Date: "2025-10-20", Time: prefs.At(18, 0), Minutes: 120, CourtID: 501, Message: "taken"}},
	}
	require.NoError(t, s.RecordRunHistory(ctx, 1, booking.ModeNoon, res, now, now.Add(3*time.Second)))
	res.Status, res.Err = booking.StatusError, errors.New("login failed")
	require.NoError(t, s.RecordRunHistory(ctx, 2, booking.ModePolling, res, now, now))

	rows, err := s.ListRunHistory(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(2), rows[0].JobID, "newest first")
	assert.Equal(t, "login failed", rows[0].Error)

	rows, err = s.ListRunHistory(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "no_courts", rows[0].Status)
	assert.Equal(t, 1, rows[0].Attempts)
	assert.Contains(t, rows[0].DetailsJSON, `"court_id":501`)
	assert.Equal(t, 3*time.Second, rows[0].CompletedAt.Sub(rows[0].StartedAt))
}

func TestDedup(t *testing.T) {
	t.Parallel()
	now := time.Now()
	s := openTestStore(t, now)
	ctx := context.Background()

	_, ok, err := s.GetDedup(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	until := now.Add(time.Minute).Truncate(time.Millisecond)
	require.NoError(t, s.PutDedup(ctx, "k", until))
	require.NoError(t, s.PutDedup(ctx, "old", now.Add(-time.Minute)))
	got, ok, err := s.GetDedup(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, got.Equal(until))

	require.NoError(t, s.PruneDedup(ctx))
	_, ok, err = s.GetDedup(ctx, "old")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOpenErrors(t *testing.T) {
	t.Parallel()
	_, err := Open(context.Background(), Config{}, Options{}, logx.Nop())
	assert.ErrorIs(t, err, ErrDisabled)
	_, err = Open(context.Background(), Config{Driver: "mysql"}, Options{}, logx.Nop())
	assert.Error(t, err)
	_, err = Open(context.Background(), Config{Driver: "postgres"}, Options{}, logx.Nop())
	assert.Error(t, err)
}
