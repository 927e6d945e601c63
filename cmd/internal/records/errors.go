package records

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
)

// Sentinel error kinds (stable for errors.Is).
var (
	ErrInvalidInput = errors.New("invalid_input")
	ErrNotFound     = errors.New("not_found")
	ErrForbidden    = errors.New("forbidden")

	// ErrUnavailable marks the transient class: timeouts, dropped connections,
	// serialization conflicts. Callers may retry.
	ErrUnavailable = errors.New("unavailable")

	// ErrFeedClosed is reported by Feed.Err after the feed stopped delivering,
	// either because the consumer fell behind or the upstream connection dropped.
	ErrFeedClosed = errors.New("feed closed")
)

// OpError is a typed operation error with a stable Op + Kind contract.
// errors.Is matches both Kind and the underlying cause.
type OpError struct {
	Op   string
	Kind error
	Err  error
}

func (e *OpError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func opErr(op string, kind, err error) error {
	return &OpError{Op: op, Kind: kind, Err: err}
}

// IsTransient reports whether err belongs to the retryable class.
func IsTransient(err error) bool { return errors.Is(err, ErrUnavailable) }

// classify maps driver/network errors onto the sentinel kinds.
// Errors that already carry a kind pass through unchanged.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var oe *OpError
	if errors.As(err, &oe) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return opErr(op, ErrUnavailable, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08": // connection_exception
			return opErr(op, ErrUnavailable, err)
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "53": // insufficient_resources
			return opErr(op, ErrUnavailable, err)
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "57P01":
			return opErr(op, ErrUnavailable, err)
		case pgErr.Code == "42501": // insufficient_privilege (row-level security)
			return opErr(op, ErrForbidden, nil)
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "23": // integrity constraint
			return opErr(op, ErrInvalidInput, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	if pgconn.SafeToRetry(err) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return opErr(op, ErrUnavailable, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return opErr(op, ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
