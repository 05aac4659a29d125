package tably

import (
	"errors"
	"fmt"
)

// ============================================================================
// Error Taxonomy
// ============================================================================

var (
	// ErrSessionExpired is returned when auth recovery is unavailable: the
	// refresh token was rejected, or a request still failed authorization
	// after a successful refresh. The session has been torn down.
	ErrSessionExpired = errors.New("session expired")

	// ErrNotConnected is returned when sending on a connection that is not
	// currently established.
	ErrNotConnected = errors.New("not connected")

	// ErrTransportClosed marks a connection loss that was not requested by
	// the caller. It appears as the Reason on state-change notifications.
	ErrTransportClosed = errors.New("transport closed")

	// ErrReconnectExhausted is the Reason on the state change into
	// StateClosed after the reconnect budget is spent. Leaving StateClosed
	// requires an explicit Connect call.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	// ErrMalformedFrame marks an inbound frame that could not be parsed.
	// Such frames are dropped and logged, never fatal.
	ErrMalformedFrame = errors.New("malformed frame")
)

// APIError is a structured error decoded from a non-2xx REST response.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("api error (status %d): %s", e.Status, e.Message)
}

// isAuthStatus reports whether an HTTP status signals an authorization
// failure that the token lifecycle manager may try to recover from.
func isAuthStatus(status int) bool {
	return status == 401 || status == 403
}
