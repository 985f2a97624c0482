package retry

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrExhausted wraps the last error once every attempt has failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// NoRetry marks a permanent failure (rejected credentials, a 4xx) so Do
// returns it at once.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err}
}

func IsNoRetry(err error) bool {
	var p permanent
	return errors.As(err, &p)
}

type permanent struct{ err error }

func (p permanent) Error() string { return "permanent: " + p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

// RetryAfterError carries the server's requested delay. Do still caps it at
// Policy.MaxDelay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return delayed{err: err, after: max(after, 0)}
}

type delayed struct {
	err   error
	after time.Duration
}

func (d delayed) Error() string             { return fmt.Sprintf("%v (retry in %s)", d.err, d.after) }
func (d delayed) Unwrap() error             { return d.err }
func (d delayed) RetryAfter() time.Duration { return d.after }

// ClassifyHTTP wraps err according to the response status: 429 and 503 honor
// a Retry-After header given in seconds, other 4xx (except 408) are
// permanent, and everything else stays retryable.
func ClassifyHTTP(err error, status int, retryAfter string) error {
	if err == nil {
		return nil
	}
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable:
		if secs, perr := strconv.Atoi(strings.TrimSpace(retryAfter)); perr == nil && secs >= 0 {
			return RetryAfter(err, time.Duration(secs)*time.Second)
		}
		return err
	case status == http.StatusRequestTimeout:
		return err
	case status >= 400 && status < 500:
		return NoRetry(err)
	default:
		return err
	}
}
