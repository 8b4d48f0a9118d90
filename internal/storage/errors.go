package storage

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when the requested object does not exist.
var ErrNotFound = errors.New("object not found")

// PendingError signals that an archive-tier object is being retrieved and is
// not yet readable. Callers poll with the embedded token.
type PendingError struct {
	Token RetrievalToken
}

func (e *PendingError) Error() string {
	return fmt.Sprintf("retrieval pending for %s", e.Token.Key)
}

// AsPending extracts a PendingError if err carries one.
func AsPending(err error) (*PendingError, bool) {
	var pending *PendingError
	if errors.As(err, &pending) {
		return pending, true
	}
	return nil, false
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// transientError marks a storage failure worth retrying.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }

func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err so IsTransient reports true.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err is worth retrying. Context cancellation and
// deadline expiry are never transient.
func IsTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var t *transientError
	return errors.As(err, &t)
}
