// Package feed turns the record store's raw change feeds into typed,
// shareable topic subscriptions that survive upstream connection drops.
package feed

import (
	"errors"
	"strings"

	"taskchat/cmd/internal/records"
)

// ErrSubscriptionDropped is reported by Subscription.Err after reconnect
// attempts were exhausted.
var ErrSubscriptionDropped = errors.New("subscription dropped")

// Topic is one table filtered by a column-equality predicate.
type Topic struct {
	Table     records.Table
	Predicate records.Predicate
}

// MessagesWhere is the topic of message rows with column = value.
func MessagesWhere(column, value string) Topic {
	return Topic{Table: records.TableMessages, Predicate: records.Eq(column, value)}
}

// PresenceOf is the topic of one user's presence row.
func PresenceOf(userID string) Topic {
	return Topic{Table: records.TablePresence, Predicate: records.Eq(records.ColumnUserID, userID)}
}

func (t Topic) String() string {
	if t.Predicate.IsZero() {
		return string(t.Table)
	}
	var b strings.Builder
	b.WriteString(string(t.Table))
	b.WriteByte('.')
	b.WriteString(t.Predicate.Column)
	b.WriteByte('=')
	b.WriteString(t.Predicate.Value)
	return b.String()
}

// Event is a change-feed event. Consumers type-switch over:
// MessageInserted, MessageUpdated, MessageDeleted, PresenceChanged,
// Resubscribed, ConnectionLost.
type Event interface {
	EventTopic() Topic
}

type MessageInserted struct {
	Topic   Topic
	Message records.MessageKey
}

type MessageUpdated struct {
	Topic   Topic
	Message records.MessageKey
}

type MessageDeleted struct {
	Topic   Topic
	Message records.MessageKey
}

// PresenceChanged carries the new row when the store supplied it.
type PresenceChanged struct {
	Topic    Topic
	UserID   string
	Presence *records.Presence
}

// Resubscribed means events may have been missed: the upstream feed was
// re-established, or this subscriber's queue overflowed. Consumers refetch.
type Resubscribed struct {
	Topic    Topic
	Overflow bool
}

// ConnectionLost is the final event of a subscription whose reconnect
// attempts were exhausted.
type ConnectionLost struct {
	Topic Topic
	Err   error
}

func (e MessageInserted) EventTopic() Topic { return e.Topic }
func (e MessageUpdated) EventTopic() Topic  { return e.Topic }
func (e MessageDeleted) EventTopic() Topic  { return e.Topic }
func (e PresenceChanged) EventTopic() Topic { return e.Topic }
func (e Resubscribed) EventTopic() Topic    { return e.Topic }
func (e ConnectionLost) EventTopic() Topic  { return e.Topic }

func toEvent(t Topic, c records.Change) (Event, bool) {
	switch c.Table {
	case records.TableMessages:
		switch c.Op {
		case records.OpInsert:
			return MessageInserted{Topic: t, Message: c.Message}, true
		case records.OpUpdate:
			return MessageUpdated{Topic: t, Message: c.Message}, true
		case records.OpDelete:
			return MessageDeleted{Topic: t, Message: c.Message}, true
		}
	case records.TablePresence:
		return PresenceChanged{Topic: t, UserID: c.UserID, Presence: c.Presence}, true
	}
	return nil, false
}
