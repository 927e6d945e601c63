package records

import (
	"errors"
	"sync"
)

// Op is the kind of row change.
type Op uint8

const (
	OpInsert Op = iota + 1
	OpUpdate
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

func parseOp(s string) (Op, bool) {
	switch s {
	case "insert", "INSERT":
		return OpInsert, true
	case "update", "UPDATE":
		return OpUpdate, true
	case "delete", "DELETE":
		return OpDelete, true
	default:
		return 0, false
	}
}

// Predicate is a column-equality filter over one table.
// The zero Predicate matches every row.
type Predicate struct {
	Column string
	Value  string
}

// Eq builds a Predicate.
func Eq(column, value string) Predicate { return Predicate{Column: column, Value: value} }

// IsZero reports whether p matches every row.
func (p Predicate) IsZero() bool { return p.Column == "" }

func (p Predicate) validFor(table Table) bool {
	if p.IsZero() {
		return true
	}
	if p.Value == "" {
		return false
	}
	switch table {
	case TableMessages:
		switch p.Column {
		case ColumnID, ColumnSenderID, ColumnRecipientID, ColumnAssignmentID:
			return true
		}
	case TablePresence:
		return p.Column == ColumnUserID
	}
	return false
}

// Matches reports whether c satisfies p.
func (p Predicate) Matches(c Change) bool {
	if p.IsZero() {
		return true
	}
	switch c.Table {
	case TableMessages:
		k := c.Message
		switch p.Column {
		case ColumnID:
			return k.ID == p.Value
		case ColumnSenderID:
			return k.SenderID == p.Value
		case ColumnRecipientID:
			return k.RecipientID == p.Value
		case ColumnAssignmentID:
			return k.TaskID != nil && *k.TaskID == p.Value
		}
	case TablePresence:
		return p.Column == ColumnUserID && c.UserID == p.Value
	}
	return false
}

// Change is one change-feed notification.
// Message changes carry the row keys; presence changes carry the full row.
type Change struct {
	Table Table
	Op    Op

	Message MessageKey

	UserID   string
	Presence *Presence
}

// Feed is a live change-feed subscription.
//
// Changes is never closed; Done is closed when the feed stops, after which Err
// reports why (nil after a consumer Close).
type Feed interface {
	Changes() <-chan Change
	Done() <-chan struct{}
	Err() error
	Close() error
}

const feedQueueSize = 128

// feedCore is the Feed implementation shared by the stores.
type feedCore struct {
	table Table
	pred  Predicate

	ch   chan Change
	done chan struct{}

	mu      sync.Mutex
	err     error
	once    sync.Once
	onClose func(*feedCore)
}

func newFeedCore(table Table, pred Predicate, onClose func(*feedCore)) *feedCore {
	return &feedCore{
		table:   table,
		pred:    pred,
		ch:      make(chan Change, feedQueueSize),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

func (f *feedCore) Changes() <-chan Change { return f.ch }
func (f *feedCore) Done() <-chan struct{}  { return f.done }

func (f *feedCore) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Close detaches the consumer (idempotent).
func (f *feedCore) Close() error {
	f.stop(nil)
	return nil
}

// deliver enqueues c if it matches. A consumer that cannot keep up is dropped
// rather than allowed to block the store.
func (f *feedCore) deliver(c Change) {
	if c.Table != f.table || !f.pred.Matches(c) {
		return
	}
	select {
	case <-f.done:
		return
	default:
	}
	select {
	case f.ch <- c:
	default:
		f.stop(opErr("records.feed", ErrFeedClosed, errLagging))
	}
}

func (f *feedCore) stop(err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.err = err
		f.mu.Unlock()
		close(f.done)
		if f.onClose != nil {
			f.onClose(f)
		}
	})
}

var errLagging = errors.New("consumer lagging")
