// -----------------------------------------------------------------------
// Publishing error taxonomy - classification drives retry behavior
// -----------------------------------------------------------------------

package publishing

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TimeoutError indicates the task exceeded its configured execution deadline.
// Exhausting retries on a timeout terminates the task as "timeout", not
// "failed".
type TimeoutError struct {
	TaskID  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %s timed out after %s", e.TaskID, e.Timeout)
}

// CancelledError indicates the task was stopped by a user. Cancellation never
// consumes a retry.
type CancelledError struct {
	TaskID string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("task %s cancelled by user", e.TaskID)
}

// AccountOfflineError indicates stored credentials no longer authenticate.
// The account is flagged offline so the operator re-captures cookies.
type AccountOfflineError struct {
	AccountID string
	Reason    string
}

func (e *AccountOfflineError) Error() string {
	return fmt.Sprintf("account %s is offline: %s", e.AccountID, e.Reason)
}

// AdapterNotFoundError indicates no registered adapter serves the platform
type AdapterNotFoundError struct {
	PlatformID string
}

func (e *AdapterNotFoundError) Error() string {
	return fmt.Sprintf("no adapter registered for platform %s", e.PlatformID)
}

// IsTimeout reports whether err is (or wraps) a TimeoutError
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsCancelled reports whether err is (or wraps) a CancelledError
func IsCancelled(err error) bool {
	var ce *CancelledError
	return errors.As(err, &ce)
}

// IsAccountOffline reports whether err is (or wraps) an AccountOfflineError
func IsAccountOffline(err error) bool {
	var ae *AccountOfflineError
	return errors.As(err, &ae)
}

// IsAdapterNotFound reports whether err is (or wraps) an AdapterNotFoundError
func IsAdapterNotFound(err error) bool {
	var ne *AdapterNotFoundError
	return errors.As(err, &ne)
}

// browserGoneMarkers are substrings chromedp surfaces when the browser
// process dies under us, usually because the user closed the window mid-run.
var browserGoneMarkers = []string{
	"browser has been closed",
	"session closed",
	"target closed",
	"context canceled",
	"websocket: close",
	"connection refused",
}

// IsBrowserGone reports whether err looks like the browser disappearing.
// Such failures are treated as the account going offline: the stored session
// is likely invalid and retrying immediately would fail the same way.
func IsBrowserGone(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range browserGoneMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
