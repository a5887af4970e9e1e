package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/harborline/tasksync/internal/model"
)

// TransientError marks a failure worth retrying with backoff: timeouts,
// connection resets, 5xx responses.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a definite rejection. Retrying cannot help; the
// engine drops the op and corrects the overlay instead.
type PermanentError struct {
	StatusCode int
	Message    string

	// Gone is true when the server reports the entity no longer exists,
	// which the engine turns into a confirmed local tombstone.
	Gone bool
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: status %d: %s", e.StatusCode, e.Message)
}

// ConflictError is a stale-version rejection. It carries the server's
// current record so the engine can re-resolve without an extra round trip.
type ConflictError struct {
	Current model.Task
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: server version %d", e.Current.Version)
}

// IsTransient reports whether err should be retried with backoff.
// Context deadline and network errors count; they are the offline case.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// IsPermanent reports whether err is a definite rejection.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsGone reports whether err says the entity no longer exists remotely.
func IsGone(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe) && pe.Gone
}

// AsConflict extracts a stale-version rejection, if err is one.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// classifyStatus maps a non-2xx response to the taxonomy. The caller has
// already handled 409 separately because the body carries the record.
func classifyStatus(status int, message string) error {
	if status >= 500 || status == http.StatusTooManyRequests {
		return &TransientError{Err: fmt.Errorf("status %d: %s", status, message)}
	}
	return &PermanentError{
		StatusCode: status,
		Message:    message,
		Gone:       status == http.StatusNotFound || status == http.StatusGone,
	}
}
