package storage

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courtbot/internal/booking"
	"courtbot/internal/prefs"
	logx "courtbot/pkg/logx"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	now := time.Date(2025, 10, 13, 19, 0, 0, 0, time.UTC)
	return newStore(db, dialectPostgres, nil, Options{Now: func() time.Time { return now }}, logx.Nop()), mock
}

func TestRebind(t *testing.T) {
	t.Parallel()
	pg := &Store{dialect: dialectPostgres}
	lite := &Store{dialect: dialectSQLite}
	q := `UPDATE jobs SET a = ?, b = ? WHERE id = ?`
	assert.Equal(t, `UPDATE jobs SET a = $1, b = $2 WHERE id = $3`, pg.rebind(q))
	assert.Equal(t, q, lite.rebind(q))
}

func TestPostgresCountBookings(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM reservations WHERE account_id = $1 AND venue = $2 AND date = $3`)).
		WithArgs(int64(7), "sunnyvale", "2025-10-20").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	n, err := s.CountExistingBookings(context.Background(), 7, "sunnyvale", "2025-10-20")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRecordReservation(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO reservations(job_id, account_id, venue, date, start_time, duration,`)).
		WithArgs(int64(3), int64(7), "sunnyvale", "2025-10-20", "18:00", 120, 501, "R-9", nil, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

	r, err := s.RecordReservation(context.Background(),
		booking.Job{ID: 3, AccountID: 7, Venue: "sunnyvale"},
		booking.Attempt{Date: "2025-10-20", Time: prefs.At(18, 0), Minutes: 120, CourtID: 501, ReservationID: "R-9"},
	)
	require.NoError(t, err)
	assert.Equal(t, int64(42), r.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresArchiveAndTimestamps(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)
	ctx := context.Background()
	last := time.UnixMilli(1_700_000_000_000)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE jobs SET active = $1, next_run = NULL WHERE id = $2`)).
		WithArgs(false, int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE jobs SET last_run = $1, next_run = $2 WHERE id = $3`)).
		WithArgs(last.UnixMilli(), nil, int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.ArchiveJob(ctx, 5))
	require.NoError(t, s.UpdateJobTimestamps(ctx, 5, booking.RecurOnce, last, nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresActiveJobsQuery(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)
	cols := []string{"id", "account_id", "venue", "recurrence", "days",
		"preferred_time", "time_flexibility", "preferred_duration", "min_duration", "strict_duration",
		"time_slots", "duration", "max_bookings_per_day", "priority", "min_notice_hours", "active",
		"last_run", "next_run", "last_attempt", "email", "password", "venue"}
	rows := sqlmock.NewRows(cols).
		AddRow(int64(1), int64(7), "sunnyvale", "weekly", `["tuesday"]`,
			"18:00", 30, int64(120), int64(60), false,
			nil, nil, 1, 0, 0.0, true,
			nil, nil, nil, "a@example.com", "plain", "sunnyvale").
		AddRow(int64(2), int64(7), "sunnyvale", "weekly", `["tuesday"]`,
			nil, 0, nil, nil, false,
			nil, nil, 1, 1, 0.0, true,
			nil, nil, nil, "a@example.com", "plain", "sunnyvale")
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE j.active = $1 ORDER BY j.priority ASC, j.id ASC`)).
		WithArgs(true).
		WillReturnRows(rows)

	jobs, err := s.FetchActiveJobsOrderedByPriority(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1, "job without preferences is skipped")
	assert.Equal(t, int64(1), jobs[0].ID)
	assert.Equal(t, "plain", jobs[0].Account.Password)
	require.NoError(t, mock.ExpectationsWereMet())
}
