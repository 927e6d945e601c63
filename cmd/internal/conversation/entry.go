package conversation

import (
	"time"

	"taskchat/cmd/internal/messaging"
)

// State is the UI-facing load state.
type State uint8

const (
	StateLoading State = iota
	StateReady
	StateError
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Entry is one rendered message.
//
// Confirmed entries carry the server ID. Provisional entries are local sends
// whose store row has not been seen in a snapshot yet; they carry LocalID,
// and the server ID too once the send was acknowledged.
type Entry struct {
	messaging.Message

	LocalID     string
	Provisional bool
	Failed      bool
	Err         error
}

// Snapshot is an immutable copy of the view state.
type Snapshot struct {
	State          State
	Entries        []Entry
	Unread         int
	Loaded         bool
	ConnectionLost bool
	Err            error
}

// pending is a provisional entry owned by the loop.
type pending struct {
	localID string
	seq     uint64
	msg     messaging.Message // local draft; server row once acked
	acked   bool
	failed  bool
	err     error
	issued  time.Time
}

func (p *pending) entry() Entry {
	return Entry{
		Message:     p.msg,
		LocalID:     p.localID,
		Provisional: true,
		Failed:      p.failed,
		Err:         p.err,
	}
}

func entryLess(a, b Entry) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
