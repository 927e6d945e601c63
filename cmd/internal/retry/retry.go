// Package retry holds the exponential backoff policy shared by sends and
// change-feed reconnects.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy is an exponential backoff: Base, Base*Multiplier, ... capped at Max,
// for at most Attempts tries (the first try included).
type Policy struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	Attempts   int
}

// Default is 1s, 2s, 4s ... capped at 10s, three attempts.
func Default() Policy {
	return Policy{Base: time.Second, Max: 10 * time.Second, Multiplier: 2, Attempts: 3}
}

func (p Policy) normalized() Policy {
	if p.Base <= 0 {
		p.Base = time.Second
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	return p
}

// NewBackOff returns a fresh, unjittered backoff.BackOff for p that stops
// after Attempts-1 retries or when ctx is done.
func (p Policy) NewBackOff(ctx context.Context) backoff.BackOff {
	p = p.normalized()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Base
	eb.MaxInterval = p.Max
	eb.Multiplier = p.Multiplier
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	eb.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.Attempts-1)), ctx)
}

// Do runs op until it succeeds, returns an error retryable rejects, the
// attempts run out, or ctx is done. notify (optional) is called before each
// wait. The last op error is returned; ctx errors win once ctx is done.
func (p Policy) Do(ctx context.Context, op func(context.Context) error, retryable func(error) bool, notify func(err error, wait time.Duration)) error {
	if op == nil {
		return errors.New("retry: nil op")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	wrapped := func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var n backoff.Notify
	if notify != nil {
		n = func(err error, wait time.Duration) { notify(err, wait) }
	}
	return backoff.RetryNotify(wrapped, p.NewBackOff(ctx), n)
}
