package render

import (
	"errors"
	"fmt"
)

// ErrNavigationBlocked is reported when a target URL fails the allow pattern.
var ErrNavigationBlocked = errors.New("navigation blocked by allow pattern")

// ErrorKind classifies screenshot failures visible to callers.
type ErrorKind string

const (
	// KindForbidden means the target is not allowed or answered as a
	// cloud metadata service.
	KindForbidden ErrorKind = "Forbidden"

	// KindNoResponse means navigation never produced a response.
	KindNoResponse ErrorKind = "NoResponse"
)

// ScreenshotError represents a screenshot failure with a caller-visible kind.
type ScreenshotError struct {
	Kind ErrorKind
	URL  string
	Err  error
}

// Error implements the error interface.
func (e *ScreenshotError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("screenshot %s (%s): %v", e.Kind, e.URL, e.Err)
	}
	return fmt.Sprintf("screenshot %s (%s)", e.Kind, e.URL)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *ScreenshotError) Unwrap() error {
	return e.Err
}

// KindOf returns the ErrorKind carried by err, if any.
func KindOf(err error) (ErrorKind, bool) {
	var se *ScreenshotError
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return "", false
}
