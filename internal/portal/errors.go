package portal

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrInvalidCredentials = errors.New("portal: invalid credentials")
	ErrFormMissing        = errors.New("portal: booking form incomplete")
	ErrNoFormURL          = errors.New("portal: form url not found in wrapper page")
	ErrNotFound           = errors.New("portal: reservation not found")
	ErrRejected           = errors.New("portal: request rejected")
)

// StatusError is an unexpected HTTP status from the portal.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("portal %s: status %d: %s", e.Op, e.Code, e.Body)
	}
	return fmt.Sprintf("portal %s: status %d", e.Op, e.Code)
}

// IsAuthStatus reports whether err carries a 401/403 from the portal.
func IsAuthStatus(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden
}

var credentialMarkers = []string{"invalid", "incorrect", "wrong", "credentials"}

// IsCredentialMessage reports whether a login failure message blames the
// credentials rather than the transport.
func IsCredentialMessage(msg string) bool {
	low := strings.ToLower(msg)
	for _, m := range credentialMarkers {
		if strings.Contains(low, m) {
			return true
		}
	}
	return false
}

const windowNotOpenMarker = "only allowed to reserve up to"

// IsWindowNotOpen reports whether a rejection means the release instant has
// not arrived server-side yet.
func IsWindowNotOpen(msg string) bool {
	return strings.Contains(strings.ToLower(msg), windowNotOpenMarker)
}

var staleMarkers = []string{"token", "expired", "session", "verification"}

// IsStaleFormMessage reports whether a rejection points at an outdated form
// or session.
func IsStaleFormMessage(msg string) bool {
	low := strings.ToLower(msg)
	for _, m := range staleMarkers {
		if strings.Contains(low, m) {
			return true
		}
	}
	return false
}
