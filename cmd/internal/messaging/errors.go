package messaging

import (
	"context"
	"errors"
	"fmt"

	"taskchat/cmd/internal/feed"
	"taskchat/cmd/internal/records"
)

// Failure kinds (stable for errors.Is).
var (
	// ErrValidation: empty content, malformed identifiers. Never retried.
	ErrValidation = errors.New("validation")
	// ErrAuthorization: the caller does not take part in the conversation.
	// Never retried; carries no detail about the other party.
	ErrAuthorization = errors.New("authorization")
	// ErrQuery: store unavailable (network/timeout class). Retryable.
	ErrQuery = errors.New("query")
	// ErrSubscriptionDropped: change-feed reconnects were exhausted.
	ErrSubscriptionDropped = feed.ErrSubscriptionDropped
)

// Error is a typed repository failure.
type Error struct {
	Op   string
	Kind error
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "":
		return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsRetryable reports whether err belongs to the transient class.
func IsRetryable(err error) bool { return errors.Is(err, ErrQuery) }

func invalid(op, msg string) error {
	return &Error{Op: op, Kind: ErrValidation, Msg: msg}
}

// fromStore maps a records error onto the repository taxonomy.
// Context cancellation passes through unchanged.
func fromStore(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	switch {
	case errors.Is(err, records.ErrInvalidInput):
		return &Error{Op: op, Kind: ErrValidation, Err: err}
	case errors.Is(err, records.ErrForbidden):
		return &Error{Op: op, Kind: ErrAuthorization}
	default:
		return &Error{Op: op, Kind: ErrQuery, Err: err}
	}
}
