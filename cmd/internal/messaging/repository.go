// Package messaging is the message repository: list, send and read-mark
// operations over the record store, with typed failures and profile snapshots.
//
// Every call takes the acting user explicitly; there is no ambient session.
// The repository never retries: retry policy belongs to callers.
package messaging

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"unicode/utf8"

	"taskchat/cmd/internal/metrics"
	"taskchat/cmd/internal/profiles"
	"taskchat/cmd/internal/records"
)

// MaxContentRunes caps message length after trimming.
const MaxContentRunes = 4000

// Message is a persisted message plus the sender and recipient profile
// snapshots current at read time. Profiles are not part of identity.
type Message struct {
	records.Message
	Sender    profiles.Profile
	Recipient profiles.Profile
}

// SendInput describes one outgoing message.
type SendInput struct {
	SenderID    string
	RecipientID string
	Content     string
	TaskID      string
}

// Repository implements the message operations.
type Repository struct {
	store    records.Store
	profiles profiles.Source
	log      *slog.Logger
	metrics  *metrics.Metrics
}

// Option configures a Repository.
type Option func(*Repository)

// WithProfiles attaches profile snapshots to returned messages.
func WithProfiles(src profiles.Source) Option {
	return func(r *Repository) { r.profiles = src }
}

func WithLogger(log *slog.Logger) Option {
	return func(r *Repository) {
		if log != nil {
			r.log = log
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Repository) { r.metrics = m }
}

// NewRepository constructs a Repository over store.
func NewRepository(store records.Store, opts ...Option) (*Repository, error) {
	if store == nil {
		return nil, errors.New("messaging: nil store")
	}
	r := &Repository{store: store, log: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// ListMessages returns a snapshot of the conversation selected by scope,
// ordered by (CreatedAt, ID) ascending. Callers re-invoke to see later writes.
func (r *Repository) ListMessages(ctx context.Context, self string, scope Scope) ([]Message, error) {
	const op = "messaging.ListMessages"

	self = strings.TrimSpace(self)
	if self == "" {
		return nil, invalid(op, "user id is required")
	}
	if err := scope.validate(); err != nil {
		return nil, err
	}

	rows, err := r.store.QueryMessages(ctx, queryFor(self, scope))
	if err != nil {
		return nil, fromStore(op, err)
	}

	rows = normalizeRows(self, rows)
	return r.attachProfiles(ctx, rows), nil
}

// Send trims and validates content, then inserts one unread message.
// The returned message carries the store-assigned ID and CreatedAt.
func (r *Repository) Send(ctx context.Context, in SendInput) (Message, error) {
	const op = "messaging.Send"

	in.SenderID = strings.TrimSpace(in.SenderID)
	in.RecipientID = strings.TrimSpace(in.RecipientID)
	in.TaskID = strings.TrimSpace(in.TaskID)
	content := strings.TrimSpace(in.Content)

	if err := validateSend(op, in.SenderID, in.RecipientID, content); err != nil {
		r.metrics.MessageSent("invalid")
		return Message{}, err
	}

	nm := records.NewMessage{
		SenderID:    in.SenderID,
		RecipientID: in.RecipientID,
		Content:     content,
	}
	if in.TaskID != "" {
		task := in.TaskID
		nm.TaskID = &task
	}

	row, err := r.store.InsertMessage(ctx, nm)
	if err != nil {
		r.metrics.MessageSent("failed")
		return Message{}, fromStore(op, err)
	}
	r.metrics.MessageSent("ok")

	out := r.attachProfiles(ctx, []records.Message{row})
	return out[0], nil
}

// MarkRead sets read=true on messageID if self is its recipient. It is a
// no-op when the message is already read or addressed to someone else.
func (r *Repository) MarkRead(ctx context.Context, self, messageID string) error {
	const op = "messaging.MarkRead"

	self = strings.TrimSpace(self)
	messageID = strings.TrimSpace(messageID)
	if self == "" || messageID == "" {
		return invalid(op, "user id and message id are required")
	}

	n, err := r.store.MarkRead(ctx, records.MarkReadInput{Recipient: self, MessageID: messageID})
	if err != nil {
		return fromStore(op, err)
	}
	r.metrics.MessagesRead(n)
	return nil
}

// MarkAllRead marks every unread message of scope addressed to self as read,
// optionally only those from fromSender. Returns the number flipped.
func (r *Repository) MarkAllRead(ctx context.Context, self string, scope Scope, fromSender string) (int, error) {
	const op = "messaging.MarkAllRead"

	self = strings.TrimSpace(self)
	fromSender = strings.TrimSpace(fromSender)
	if self == "" {
		return 0, invalid(op, "user id is required")
	}
	if err := scope.validate(); err != nil {
		return 0, err
	}

	in := records.MarkReadInput{Recipient: self}
	if scope.IsTask() {
		task := scope.TaskID
		in.TaskID = &task
	} else {
		in.SenderID = scope.CounterpartID
	}
	if fromSender != "" {
		if in.SenderID != "" && in.SenderID != fromSender {
			return 0, nil
		}
		in.SenderID = fromSender
	}

	n, err := r.store.MarkRead(ctx, in)
	if err != nil {
		return 0, fromStore(op, err)
	}
	r.metrics.MessagesRead(n)
	return n, nil
}

// UnreadCount returns |{m in scope : m.RecipientID == self && !m.Read}|.
func (r *Repository) UnreadCount(ctx context.Context, self string, scope Scope) (int, error) {
	msgs, err := r.ListMessages(ctx, self, scope)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range msgs {
		if m.RecipientID == self && !m.Read {
			n++
		}
	}
	return n, nil
}

func validateSend(op, sender, recipient, content string) error {
	switch {
	case sender == "" || recipient == "":
		return invalid(op, "sender and recipient are required")
	case sender == recipient:
		return invalid(op, "sender and recipient must differ")
	case content == "":
		return invalid(op, "content is empty")
	case utf8.RuneCountInString(content) > MaxContentRunes:
		return invalid(op, "content is too long")
	}
	return nil
}

func queryFor(self string, scope Scope) records.MessageQuery {
	q := records.MessageQuery{Participant: self}
	if scope.IsTask() {
		task := scope.TaskID
		q.TaskID = &task
	} else {
		q.Counterpart = scope.CounterpartID
	}
	return q
}

// normalizeRows drops rows self does not take part in and duplicate ids,
// then applies the canonical (CreatedAt, ID) order.
func normalizeRows(self string, rows []records.Message) []records.Message {
	out := rows[:0]
	seen := make(map[string]struct{}, len(rows))
	for _, m := range rows {
		if m.SenderID != self && m.RecipientID != self {
			continue
		}
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	records.SortMessages(out)
	return out
}

// attachProfiles decorates rows with profile snapshots. Lookup failures only
// degrade the display; they never fail the read.
func (r *Repository) attachProfiles(ctx context.Context, rows []records.Message) []Message {
	out := make([]Message, len(rows))
	for i, m := range rows {
		out[i] = Message{
			Message:   m,
			Sender:    profiles.Profile{UserID: m.SenderID},
			Recipient: profiles.Profile{UserID: m.RecipientID},
		}
	}
	if r.profiles == nil || len(rows) == 0 {
		return out
	}

	ids := make([]string, 0, 2*len(rows))
	for _, m := range rows {
		ids = append(ids, m.SenderID, m.RecipientID)
	}
	byID, err := r.profiles.Lookup(ctx, ids)
	if err != nil {
		r.log.Warn("messaging.profiles.lookup.fail", "err", err)
		return out
	}
	for i := range out {
		out[i].Sender = profileFor(byID, out[i].SenderID)
		out[i].Recipient = profileFor(byID, out[i].RecipientID)
	}
	return out
}

func profileFor(byID map[string]profiles.Profile, userID string) profiles.Profile {
	p, ok := byID[userID]
	if !ok {
		return profiles.Profile{UserID: userID}
	}
	return p
}
