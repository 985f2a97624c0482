package booking

import (
	"context"
	"errors"
	"testing"
	"time"

	"courtbot/internal/portal"
	"courtbot/internal/prefs"
)

func gapJob(id int64, date string, start prefs.Clock, minutes int, noticeHours float64) Job {
	j := eveningJob(id, date)
	j.Pref = prefs.Preference{
		Time:     prefs.TimePreference{Preferred: start},
		Duration: prefs.DurationPreference{Preferred: minutes, Strict: true},
	}
	j.MinNoticeHours = noticeHours
	return j
}

func TestGapFill_MinNoticePerCandidate(t *testing.T) {
	day := time.Date(2025, 10, 14, 0, 0, 0, 0, la(t))
	job := gapJob(1, "2025-10-14", prefs.At(21, 0), 60, 6)

	t.Run("seven hours away is attempted", func(t *testing.T) {
		sess := &fakeSession{avail: map[Combo][]int{{Time: prefs.At(21, 0), Minutes: 60}: {7}}}
		h := newHarness(t, day.Add(14*time.Hour), func(Account) *fakeSession { return sess })
		h.store.needing = []Job{job}

		results, err := NewGapFill(h.proc).Run(context.Background(), false)
		if err != nil {
			t.Fatal(err)
		}
		if results[0].Status != StatusSuccess {
			t.Fatalf("status = %s", results[0].Status)
		}
		if len(sess.availCalls) != 1 || len(sess.Submits()) != 1 {
			t.Fatalf("avail=%d submits=%d", len(sess.availCalls), len(sess.Submits()))
		}
	})

	t.Run("five hours away is skipped without network", func(t *testing.T) {
		h := newHarness(t, day.Add(16*time.Hour), func(Account) *fakeSession { return &fakeSession{} })
		h.store.needing = []Job{job}

		results, err := NewGapFill(h.proc).Run(context.Background(), false)
		if err != nil {
			t.Fatal(err)
		}
		if len(h.sessions) != 0 {
			t.Fatal("filtered candidates must not open a session")
		}
		if results[0].Status != StatusIdle {
			t.Fatalf("status = %s", results[0].Status)
		}
		if _, ok := h.store.lastStatus(job.ID); ok {
			t.Fatal("idle results leave no last attempt")
		}
	})
}

func TestGapFill_Suppression(t *testing.T) {
	base := time.Date(2025, 10, 14, 0, 0, 0, 0, la(t))
	h := newHarness(t, base, func(Account) *fakeSession { return &fakeSession{} })
	g := NewGapFill(h.proc)

	cases := []struct {
		at   time.Duration
		want bool
	}{
		{11*time.Hour + 54*time.Minute + 59*time.Second, false},
		{11*time.Hour + 55*time.Minute, true},
		{12 * time.Hour, true},
		{12*time.Hour + 15*time.Minute, true},
		{12*time.Hour + 15*time.Minute + time.Second, false},
		{18 * time.Hour, false},
	}
	for _, tc := range cases {
		if got := g.Suppressed(base.Add(tc.at)); got != tc.want {
			t.Errorf("Suppressed(+%v) = %v, want %v", tc.at, got, tc.want)
		}
	}

	h.clock.Set(base.Add(12 * time.Hour))
	if _, err := g.Run(context.Background(), false); !errors.Is(err, ErrSuppressed) {
		t.Fatalf("err = %v, want ErrSuppressed", err)
	}
	if _, err := g.Run(context.Background(), true); err != nil {
		t.Fatalf("forced run: %v", err)
	}
}

func TestGapFill_SequentialWithDelay(t *testing.T) {
	now := time.Date(2025, 10, 14, 8, 0, 0, 0, la(t))
	h := newHarness(t, now, func(Account) *fakeSession { return &fakeSession{} })
	a := gapJob(1, "2025-10-14", prefs.At(20, 0), 60, 0)
	b := gapJob(2, "2025-10-14", prefs.At(20, 0), 60, 0)
	b.AccountID = 2
	c := gapJob(3, "2025-10-14", prefs.At(20, 0), 60, 0)
	c.AccountID = 3
	h.store.needing = []Job{a, b, c}

	results, err := NewGapFill(h.proc).Run(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("results = %d", len(results))
	}
	slept := h.clock.Slept()
	if len(slept) != 2 || slept[0] != 2*time.Second || slept[1] != 2*time.Second {
		t.Fatalf("inter-job waits = %v", slept)
	}
}

func TestGapFill_CandidateOrderDurationOuterTimeInner(t *testing.T) {
	now := time.Date(2025, 10, 14, 8, 0, 0, 0, la(t))
	sess := &fakeSession{avail: map[Combo][]int{{Time: prefs.At(17, 30), Minutes: 90}: {9}}}
	h := newHarness(t, now, func(Account) *fakeSession { return sess })
	job := eveningJob(1, "2025-10-14")
	job.Pref.Duration.Floor = 90
	h.store.needing = []Job{job}

	results, err := NewGapFill(h.proc).Run(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Status != StatusSuccess {
		t.Fatalf("status = %s", results[0].Status)
	}
	want := []Combo{
		{prefs.At(18, 0), 120}, {prefs.At(18, 30), 120}, {prefs.At(17, 30), 120},
		{prefs.At(18, 0), 90}, {prefs.At(18, 30), 90}, {prefs.At(17, 30), 90},
	}
	if len(sess.availCalls) != len(want) {
		t.Fatalf("availability calls = %v", sess.availCalls)
	}
	for i := range want {
		if sess.availCalls[i] != want[i] {
			t.Fatalf("call %d = %+v, want %+v", i, sess.availCalls[i], want[i])
		}
	}
	if sess.logins != 1 {
		t.Fatalf("logins = %d", sess.logins)
	}
}

func TestGapFill_MaxBookingsPerDay(t *testing.T) {
	now := time.Date(2025, 10, 14, 8, 0, 0, 0, la(t))
	h := newHarness(t, now, func(Account) *fakeSession { return &fakeSession{} })
	job := gapJob(1, "2025-10-14", prefs.At(20, 0), 60, 0)
	h.store.booked[bookingKey{job.AccountID, job.Venue, "2025-10-14"}] = 1
	h.store.needing = []Job{job}

	results, err := NewGapFill(h.proc).Run(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Status != StatusIdle || len(h.sessions) != 0 {
		t.Fatalf("status=%s sessions=%d", results[0].Status, len(h.sessions))
	}
}

func TestGapFill_OnceJobLifecycle(t *testing.T) {
	now := time.Date(2025, 10, 14, 8, 0, 0, 0, la(t))

	t.Run("success archives", func(t *testing.T) {
		h := newHarness(t, now, func(Account) *fakeSession {
			return &fakeSession{avail: map[Combo][]int{{Time: prefs.At(20, 0), Minutes: 60}: {4}}}
		})
		job := gapJob(1, "2025-10-14", prefs.At(20, 0), 60, 0)
		h.store.needing = []Job{job}
		if _, err := NewGapFill(h.proc).Run(context.Background(), false); err != nil {
			t.Fatal(err)
		}
		if !h.store.archived[1] || h.store.nextRun[1] != nil {
			t.Fatal("once job should be inactive with no next run")
		}
	})

	t.Run("failure schedules a retry", func(t *testing.T) {
		h := newHarness(t, now, func(Account) *fakeSession {
			return &fakeSession{
				avail:   map[Combo][]int{{Time: prefs.At(20, 0), Minutes: 60}: {4}},
				respond: func(int, portal.BookingRequest) portal.Booking { return taken() },
			}
		})
		job := gapJob(1, "2025-10-14", prefs.At(20, 0), 60, 0)
		h.store.needing = []Job{job}
		results, err := NewGapFill(h.proc).Run(context.Background(), false)
		if err != nil {
			t.Fatal(err)
		}
		if results[0].Status != StatusNoCourts {
			t.Fatalf("status = %s", results[0].Status)
		}
		if h.store.archived[1] {
			t.Fatal("failed once job must stay active")
		}
		next := h.store.nextRun[1]
		if next == nil || !next.Equal(now.Add(15*time.Minute)) {
			t.Fatalf("next run = %v, want now+poll interval", next)
		}
		if len(h.store.history) != 1 {
			t.Fatalf("failure with attempts writes history; rows=%d", len(h.store.history))
		}
	})
}

func TestGapFill_EmptyAvailabilityIsNotMeaningful(t *testing.T) {
	now := time.Date(2025, 10, 14, 8, 0, 0, 0, la(t))
	h := newHarness(t, now, func(Account) *fakeSession { return &fakeSession{} })
	h.store.needing = []Job{gapJob(1, "2025-10-14", prefs.At(20, 0), 60, 0)}

	results, err := NewGapFill(h.proc).Run(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Status != StatusNoCourts {
		t.Fatalf("status = %s", results[0].Status)
	}
	if len(h.store.history) != 0 {
		t.Fatal("routine poll with no attempts must not write history")
	}
	if st, _ := h.store.lastStatus(1); st != StatusNoCourts {
		t.Fatalf("last attempt = %q", st)
	}
	if _, fail := h.note.counts(); fail != 0 {
		t.Fatal("routine poll must not notify")
	}
}

func TestGapFill_LockedDay(t *testing.T) {
	now := time.Date(2025, 10, 14, 8, 0, 0, 0, la(t))
	h := newHarness(t, now, func(Account) *fakeSession { return &fakeSession{} })
	job := gapJob(1, "2025-10-14", prefs.At(20, 0), 60, 0)
	h.store.needing = []Job{job}
	if !h.locks.Acquire(h.proc.lockKey(job, "2025-10-14"), "noon-run") {
		t.Fatal("setup acquire")
	}

	results, err := NewGapFill(h.proc).Run(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Status != StatusLocked || len(h.sessions) != 0 {
		t.Fatalf("status=%s sessions=%d", results[0].Status, len(h.sessions))
	}
}
