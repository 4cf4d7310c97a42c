package refresh

import (
	"errors"
	"fmt"
)

var (
	// ErrRefreshFailed is the root of every refresh failure. When it is
	// returned the session has already been cleared.
	ErrRefreshFailed = errors.New("credential refresh failed")

	// ErrCredentialExpired is returned when a request is still rejected as
	// unauthorized after a successful refresh and one replay.
	ErrCredentialExpired = errors.New("credential expired")
)

// RefreshError is delivered, as the same value, to every caller that was
// waiting on a failed refresh.
type RefreshError struct {
	Err error
}

func (e *RefreshError) Error() string {
	if e.Err == nil {
		return ErrRefreshFailed.Error()
	}
	return fmt.Sprintf("%s: %v", ErrRefreshFailed.Error(), e.Err)
}

// Unwrap exposes both the sentinel and the cause to errors.Is/As.
func (e *RefreshError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrRefreshFailed}
	}
	return []error{ErrRefreshFailed, e.Err}
}
