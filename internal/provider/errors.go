package provider

import (
	"errors"
	"fmt"
	"time"
)

// ThrottledError reports provider rate limiting. RetryAfter carries the
// provider-supplied hint when one was given.
type ThrottledError struct {
	Op         string
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: throttled, retry after %s", e.Op, e.RetryAfter)
	}
	return fmt.Sprintf("%s: throttled", e.Op)
}

// TransientError reports a failure worth retrying with backoff.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError reports a failure that no retry can fix, such as revoked
// consent or an invalid recipient. Reason is surfaced to the user as a
// remediation hint.
type PermanentError struct {
	Op     string
	Reason string
	Err    error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// CursorInvalidError reports that the stored sync cursor is expired or
// unusable and the resource must be fully resynced.
type CursorInvalidError struct {
	Resource string
}

func (e *CursorInvalidError) Error() string {
	return fmt.Sprintf("sync cursor invalid for %s", e.Resource)
}

// IsThrottled reports whether err is a throttling signal and returns the
// provider's retry-after hint.
func IsThrottled(err error) (time.Duration, bool) {
	var te *ThrottledError
	if errors.As(err, &te) {
		return te.RetryAfter, true
	}
	return 0, false
}

// IsTransient reports whether err (or any error in its chain) is a
// TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err (or any error in its chain) is a
// PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsCursorInvalid reports whether err signals an expired or invalid
// sync cursor.
func IsCursorInvalid(err error) bool {
	var ce *CursorInvalidError
	return errors.As(err, &ce)
}

// Retryable reports whether the dispatcher should retry after err.
func Retryable(err error) bool {
	if _, ok := IsThrottled(err); ok {
		return true
	}
	return IsTransient(err)
}
