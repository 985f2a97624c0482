package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "postgres": DSN is a postgres connection string
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	SecretsKey  string        // base64 AES key sealing account passwords
}

// RunRecord is one run_history row.
type RunRecord struct {
	ID          int64     `json:"id"`
	JobID       int64     `json:"job_id"`
	Mode        string    `json:"mode"`
	Status      string    `json:"status"`
	Date        string    `json:"date,omitempty"`
	Attempts    int       `json:"attempts"`
	Successes   int       `json:"successes"`
	Message     string    `json:"message,omitempty"`
	Error       string    `json:"error,omitempty"`
	DetailsJSON string    `json:"-"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}
