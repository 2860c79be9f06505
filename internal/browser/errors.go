package browser

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrPermissionGrantFailed is logged, never returned to callers of Navigate.
	ErrPermissionGrantFailed = errors.New("permission grant failed")
	ErrChallengeDetected     = errors.New("interactive challenge detected")
)

// NavigationTimeoutError is fatal for the current page only.
type NavigationTimeoutError struct {
	URL     string
	Timeout time.Duration
	Err     error
}

func (e *NavigationTimeoutError) Error() string {
	return fmt.Sprintf("navigation to %s timed out after %s: %v", e.URL, e.Timeout, e.Err)
}

func (e *NavigationTimeoutError) Unwrap() error {
	return e.Err
}

// IsNavigationTimeout reports whether err is a navigation timeout.
func IsNavigationTimeout(err error) bool {
	var nt *NavigationTimeoutError
	return errors.As(err, &nt)
}
