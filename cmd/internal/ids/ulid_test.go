package ids

import (
	"testing"
	"time"
)

func TestNewULID_Length(t *testing.T) {
	t.Parallel()

	id, err := NewULID(time.Time{})
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	if len(id) != 26 {
		t.Fatalf("len(id)=%d want=26", len(id))
	}
}

func TestSequence_OrderUnderFrozenAndBackwardsClock(t *testing.T) {
	t.Parallel()

	seq := NewSequence()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	prev := ""
	for i := 0; i < 200; i++ {
		ts := now
		if i%3 == 0 {
			ts = now.Add(-time.Second)
		}
		id, err := seq.Next(ts)
		if err != nil {
			t.Fatalf("Next(%d): %v", i, err)
		}
		if id <= prev {
			t.Fatalf("id %d not increasing: prev=%s got=%s", i, prev, id)
		}
		prev = id
	}
}
