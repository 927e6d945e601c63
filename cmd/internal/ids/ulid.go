// Package ids provides ULID primitives shared by the store, the gateway and the view models.
package ids

import (
	"crypto/rand"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars).
// ULIDs are lexicographically sortable and work well in distributed systems.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Sequence issues ULIDs whose string order equals issue order, even when the
// clock stands still or steps backwards. Safe for concurrent use.
type Sequence struct {
	mu      sync.Mutex
	entropy io.Reader
	last    ulid.ULID
	lastTS  time.Time
}

// NewSequence constructs a Sequence backed by crypto/rand.
func NewSequence() *Sequence {
	return &Sequence{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// Next returns the next id for time now.
func (s *Sequence) Next(now time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextLocked(now)
}

// Stamp reads clock and issues an id under one lock, so both the returned time
// and the id are non-decreasing across calls. The time is truncated to
// microseconds to match PostgreSQL timestamptz precision.
func (s *Sequence) Stamp(clock func() time.Time) (time.Time, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := clock().UTC().Truncate(time.Microsecond)
	if now.Before(s.lastTS) {
		now = s.lastTS
	}
	id, err := s.nextLocked(now)
	if err != nil {
		return time.Time{}, "", err
	}
	s.lastTS = now
	return now, id, nil
}

func (s *Sequence) nextLocked(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	ms := ulid.Timestamp(now)
	if ms < s.last.Time() {
		ms = s.last.Time()
	}

	id, err := ulid.New(ms, s.entropy)
	if errors.Is(err, ulid.ErrMonotonicOverflow) {
		// Entropy exhausted within one millisecond; step to the next.
		id, err = ulid.New(ms+1, s.entropy)
	}
	if err != nil {
		return "", err
	}
	s.last = id
	return id.String(), nil
}
