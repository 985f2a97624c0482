// Package storage is the SQL persistence layer for accounts, booking jobs,
// reservations, run history and notifier dedup state.
//
// Two drivers are supported:
//   - "sqlite": modernc.org/sqlite, single writer, WAL journal
//   - "postgres": pgx through database/sql
//
// Queries are written once with '?' placeholders and rebound per dialect.
package storage
