// Package orchestrator arms the daily prepare/execute triggers and the
// gap-fill poll, and serializes them with manual runs behind one guard.
//
// Only one mode runs at a time. A scheduled trigger that finds the guard held
// logs and returns; a manual trigger gets ErrBusy. The execute trigger is the
// one exception: it waits for an in-flight prepare instead of being dropped.
package orchestrator
