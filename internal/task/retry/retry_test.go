package retry

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

type recordingSleeper struct{ waits []time.Duration }

func (s *recordingSleeper) Sleep(_ context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return nil
}

func TestDoBacksOffExactly(t *testing.T) {
	t.Parallel()

	var sl recordingSleeper
	calls := 0
	boom := errors.New("connection reset")
	err := Do(context.Background(), Policy{Attempts: 3, Base: time.Second}, Options{Sleep: sl.Sleep},
		func(context.Context, int) error {
			calls++
			return boom
		})
	if !errors.Is(err, ErrExhausted) || !errors.Is(err, boom) {
		t.Fatalf("err=%v", err)
	}
	if calls != 3 {
		t.Fatalf("calls=%d want 3", calls)
	}
	if want := []time.Duration{time.Second, 2 * time.Second}; !reflect.DeepEqual(sl.waits, want) {
		t.Fatalf("waits=%v want %v", sl.waits, want)
	}
}

func TestDoStopsOnNoRetry(t *testing.T) {
	t.Parallel()

	var sl recordingSleeper
	calls := 0
	bad := errors.New("invalid password")
	err := Do(context.Background(), Policy{Attempts: 3, Base: time.Second}, Options{Sleep: sl.Sleep},
		func(context.Context, int) error {
			calls++
			return NoRetry(bad)
		})
	if !IsNoRetry(err) || !errors.Is(err, bad) {
		t.Fatalf("err=%v", err)
	}
	if calls != 1 || len(sl.waits) != 0 {
		t.Fatalf("calls=%d waits=%v", calls, sl.waits)
	}
}

func TestDoSucceedsAfterTransient(t *testing.T) {
	t.Parallel()

	var sl recordingSleeper
	var retried []int
	err := Do(context.Background(), Policy{Attempts: 3, Base: time.Second},
		Options{Sleep: sl.Sleep, OnRetry: func(a int, _ time.Duration, _ error) { retried = append(retried, a) }},
		func(_ context.Context, attempt int) error {
			if attempt < 2 {
				return errors.New("timeout")
			}
			return nil
		})
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if !reflect.DeepEqual(retried, []int{1}) {
		t.Fatalf("retried=%v", retried)
	}
}

func TestDoHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := Do(ctx, Policy{Attempts: 3}, Options{}, func(context.Context, int) error {
		calls++
		return nil
	})
	if !errors.Is(err, context.Canceled) || calls != 0 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestDelay(t *testing.T) {
	t.Parallel()

	p := Policy{Base: time.Second, MaxDelay: 5 * time.Second}
	cases := []struct {
		attempt int
		err     error
		want    time.Duration
	}{
		{attempt: 1, want: time.Second},
		{attempt: 2, want: 2 * time.Second},
		{attempt: 3, want: 4 * time.Second},
		{attempt: 4, want: 5 * time.Second},
		{attempt: 1, err: RetryAfter(errors.New("429"), 3*time.Second), want: 3 * time.Second},
		{attempt: 1, err: RetryAfter(errors.New("429"), time.Minute), want: 5 * time.Second},
	}
	for _, tc := range cases {
		if got := Delay(p, tc.attempt, tc.err, nil); got != tc.want {
			t.Fatalf("Delay(attempt=%d, err=%v)=%v want %v", tc.attempt, tc.err, got, tc.want)
		}
	}
}

func TestClassifyHTTP(t *testing.T) {
	t.Parallel()
	base := errors.New("status")
	cases := []struct {
		status     int
		retryAfter string
		noRetry    bool
		after      time.Duration
	}{
		{status: 500},
		{status: 502},
		{status: 408},
		{status: 400, noRetry: true},
		{status: 403, noRetry: true},
		{status: 429, retryAfter: "7", after: 7 * time.Second},
		{status: 503, retryAfter: " 2 ", after: 2 * time.Second},
		{status: 429, retryAfter: "Wed, 21 Oct 2015 07:28:00 GMT"},
	}
	for _, tc := range cases {
		err := ClassifyHTTP(base, tc.status, tc.retryAfter)
		if !errors.Is(err, base) {
			t.Fatalf("%d: lost the cause: %v", tc.status, err)
		}
		if IsNoRetry(err) != tc.noRetry {
			t.Fatalf("%d: IsNoRetry = %v", tc.status, IsNoRetry(err))
		}
		var ra RetryAfterError
		if got := errors.As(err, &ra); got != (tc.after > 0) || (got && ra.RetryAfter() != tc.after) {
			t.Fatalf("%d: retry-after = %v", tc.status, err)
		}
	}
	if ClassifyHTTP(nil, 400, "") != nil {
		t.Fatal("nil stays nil")
	}
}
