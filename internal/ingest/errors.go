package ingest

import (
	"errors"
	"fmt"

	"github.com/ticnsp/eaas/internal/jobs"
)

// ErrEmptyPayload is returned when the publisher answers without readings.
// The day is usually not published yet, so the job is retried.
var ErrEmptyPayload = errors.New("upstream payload has no readings")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Permanentf formats a permanent error.
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// IsPermanent reports whether err (or anything it wraps) should go straight
// to the dead-letter queue. Errors can opt in by implementing
// Permanent() bool. Everything else is transient.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var p *permanentError
	if errors.As(err, &p) {
		return true
	}
	if errors.Is(err, jobs.ErrInvalid) {
		return true
	}
	var classified interface{ Permanent() bool }
	if errors.As(err, &classified) {
		return classified.Permanent()
	}
	return false
}
