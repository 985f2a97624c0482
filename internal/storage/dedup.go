package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// PutDedup records that notifications with key are suppressed until until.
func (s *Store) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	_, err := s.exec(ctx, `INSERT INTO notify_dedup(key, until) VALUES(?,?)
		ON CONFLICT(key) DO UPDATE SET until = excluded.until`, key, until.UnixMilli())
	return err
}

func (s *Store) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.queryRow(ctx, `SELECT until FROM notify_dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

// PruneDedup drops expired entries.
func (s *Store) PruneDedup(ctx context.Context) error {
	_, err := s.exec(ctx, `DELETE FROM notify_dedup WHERE until < ?`, s.now().UnixMilli())
	return err
}
