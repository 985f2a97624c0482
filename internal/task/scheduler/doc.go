// Package scheduler fires named triggers from robfig/cron in one fixed
// timezone. Each firing runs on its own goroutine under a timeout.
//
// A trigger never overlaps itself: a firing that lands while the previous run
// of the same trigger is still busy is skipped and counted. Completed runs go
// into a bounded history and onto the event bus.
package scheduler
