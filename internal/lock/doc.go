// Package lock is the per-day mutual exclusion registry shared by the release
// and gap-fill handlers. Keys are account × venue × date.
package lock
