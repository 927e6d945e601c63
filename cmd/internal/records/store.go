// Package records is the record store boundary: a durable message table, a
// durable presence table, and a predicate-filtered change-feed over both.
package records

import (
	"context"
	"time"
)

// Table names a store table.
type Table string

const (
	TableMessages Table = "messages"
	TablePresence Table = "presence"
)

// Column names usable in a change-feed Predicate.
const (
	ColumnID           = "id"
	ColumnSenderID     = "sender_id"
	ColumnRecipientID  = "recipient_id"
	ColumnAssignmentID = "assignment_id"
	ColumnUserID       = "user_id"
)

// Message is the canonical persisted message row.
//
// (SenderID, RecipientID, CreatedAt, ID) never change after insert; Read only
// moves false -> true.
type Message struct {
	ID          string
	SenderID    string
	RecipientID string
	Content     string
	TaskID      *string
	CreatedAt   time.Time
	Read        bool
}

// Key returns the immutable routing fields of m.
func (m Message) Key() MessageKey {
	return MessageKey{ID: m.ID, SenderID: m.SenderID, RecipientID: m.RecipientID, TaskID: m.TaskID}
}

// MessageKey identifies a message row and the columns change-feed predicates filter on.
type MessageKey struct {
	ID          string
	SenderID    string
	RecipientID string
	TaskID      *string
}

// Presence is the durable online/last-seen row for one user.
type Presence struct {
	UserID     string
	Online     bool
	LastSeenAt time.Time
}

// NewMessage describes an insert. ID and CreatedAt are assigned by the store.
type NewMessage struct {
	SenderID    string
	RecipientID string
	Content     string
	TaskID      *string
}

// MessageQuery selects the messages Participant takes part in, optionally
// narrowed to one Counterpart and/or one TaskID.
type MessageQuery struct {
	Participant string
	Counterpart string
	TaskID      *string
}

// MarkReadInput flips read=true on rows addressed to Recipient.
// At least one of MessageID, SenderID, TaskID must narrow the update.
type MarkReadInput struct {
	Recipient string
	MessageID string
	SenderID  string
	TaskID    *string
}

// PresenceInput writes the presence row of UserID.
type PresenceInput struct {
	UserID string
	Online bool
	At     time.Time
}

// Store persists and queries messages and presence, and publishes changes.
//
// Requirements:
//   - QueryMessages ordered by (created_at, id) ASC
//   - ids assigned in insertion order
//   - MarkRead only touches rows whose recipient is the acting user
//   - presence last_seen never decreases
//   - change-feed delivery is at-least-once and may be reordered
type Store interface {
	QueryMessages(ctx context.Context, q MessageQuery) ([]Message, error)
	InsertMessage(ctx context.Context, in NewMessage) (Message, error)
	MarkRead(ctx context.Context, in MarkReadInput) (int, error)

	UpsertPresence(ctx context.Context, in PresenceInput) (Presence, error)
	GetPresence(ctx context.Context, userID string) (Presence, error)

	Subscribe(ctx context.Context, table Table, pred Predicate) (Feed, error)
	Close() error
}

func (q MessageQuery) validate() error {
	if q.Participant == "" {
		return ErrInvalidInput
	}
	if q.TaskID != nil && *q.TaskID == "" {
		return ErrInvalidInput
	}
	return nil
}

func (in MarkReadInput) validate() error {
	if in.Recipient == "" {
		return ErrInvalidInput
	}
	if in.MessageID == "" && in.SenderID == "" && in.TaskID == nil {
		return ErrInvalidInput
	}
	if in.TaskID != nil && *in.TaskID == "" {
		return ErrInvalidInput
	}
	return nil
}

func (in NewMessage) validate() error {
	if in.SenderID == "" || in.RecipientID == "" || in.Content == "" {
		return ErrInvalidInput
	}
	if in.SenderID == in.RecipientID {
		return ErrInvalidInput
	}
	if in.TaskID != nil && *in.TaskID == "" {
		return ErrInvalidInput
	}
	return nil
}

func (q MessageQuery) matches(m Message) bool {
	switch q.Participant {
	case m.SenderID:
		if q.Counterpart != "" && m.RecipientID != q.Counterpart {
			return false
		}
	case m.RecipientID:
		if q.Counterpart != "" && m.SenderID != q.Counterpart {
			return false
		}
	default:
		return false
	}
	if q.TaskID != nil && (m.TaskID == nil || *m.TaskID != *q.TaskID) {
		return false
	}
	return true
}

func (in MarkReadInput) matches(m Message) bool {
	if m.RecipientID != in.Recipient {
		return false
	}
	if in.MessageID != "" && m.ID != in.MessageID {
		return false
	}
	if in.SenderID != "" && m.SenderID != in.SenderID {
		return false
	}
	if in.TaskID != nil && (m.TaskID == nil || *m.TaskID != *in.TaskID) {
		return false
	}
	return true
}
