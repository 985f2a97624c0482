// Package booking is the execution engine: the job model, the ports it needs
// (Store, Notifier, Portal, Locker), and the two strategies that turn jobs into
// reservations.
//
// Release runs at the daily release instant. Prepare logs in and caches
// availability for every candidate ahead of time, then Execute fans out one
// goroutine per job, probes a single court until the window opens and sweeps
// the rest of the cached candidates.
//
// GapFill polls outside the release window. Jobs are handled one by one with
// live availability checks and a per-candidate minimum notice.
//
// Both strategies hold a per account/venue/day lock while booking and report
// through Processor.Finish, which owns history, last-attempt and notification
// side effects. Those side effects never change a job's outcome.
package booking
