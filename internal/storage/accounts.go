package storage

import (
	"context"
	"strings"

	"courtbot/internal/booking"
)

// UpsertAccount stores an account keyed by email, sealing the password when
// a secrets key is configured.
func (s *Store) UpsertAccount(ctx context.Context, a booking.Account) (int64, error) {
	sealed, err := s.box.Seal(a.Password)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.queryRow(ctx, `INSERT INTO accounts(email, password, venue, created_at) VALUES(?,?,?,?)
		ON CONFLICT(email) DO UPDATE SET password = excluded.password, venue = excluded.venue
		RETURNING id`,
		strings.ToLower(strings.TrimSpace(a.Email)), sealed, a.Venue, millis(s.now()),
	).Scan(&id)
	return id, err
}

func (s *Store) GetAccount(ctx context.Context, email string) (booking.Account, error) {
	var (
		a      booking.Account
		sealed string
	)
	err := s.queryRow(ctx, `SELECT id, email, password, venue FROM accounts WHERE email = ?`,
		strings.ToLower(strings.TrimSpace(email))).Scan(&a.ID, &a.Email, &sealed, &a.Venue)
	if err != nil {
		return a, wrapNotFound(err)
	}
	a.Password, err = s.box.Open(sealed)
	return a, err
}

func (s *Store) GetAccountByID(ctx context.Context, id int64) (booking.Account, error) {
	var (
		a      booking.Account
		sealed string
	)
	err := s.queryRow(ctx, `SELECT id, email, password, venue FROM accounts WHERE id = ?`, id).
		Scan(&a.ID, &a.Email, &sealed, &a.Venue)
	if err != nil {
		return a, wrapNotFound(err)
	}
	a.Password, err = s.box.Open(sealed)
	return a, err
}
