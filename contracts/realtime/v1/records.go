package v1

import "time"

// MessageRecord is the minimum message shape the record store round-trips.
type MessageRecord struct {
	ID           string    `json:"id"`
	SenderID     string    `json:"sender_id"`
	RecipientID  string    `json:"recipient_id"`
	Content      string    `json:"content"`
	CreatedAt    time.Time `json:"created_at"`
	Read         bool      `json:"read"`
	AssignmentID *string   `json:"assignment_id"`
}

// PresenceRecord is the presence row shape.
type PresenceRecord struct {
	UserID   string    `json:"user_id"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen"`
}

// ChangeNotification is the payload published by the store on every row change.
// Message changes carry keys only (content is refetched); presence changes carry the full row.
type ChangeNotification struct {
	Table string `json:"table"`
	Op    string `json:"op"`

	ID           string  `json:"id,omitempty"`
	SenderID     string  `json:"sender_id,omitempty"`
	RecipientID  string  `json:"recipient_id,omitempty"`
	AssignmentID *string `json:"assignment_id,omitempty"`

	UserID   string     `json:"user_id,omitempty"`
	Online   *bool      `json:"online,omitempty"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}
