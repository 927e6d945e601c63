package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/coder/websocket"

	"taskchat/cmd/internal/conversation"
	"taskchat/cmd/internal/ids"
	"taskchat/cmd/internal/presence"
	"taskchat/cmd/internal/profiles"
	v1 "taskchat/contracts/realtime/v1"
)

// ---- envelope IO ----

func newEnvelope(typ string, payload any, ts time.Time) (v1.Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, err
	}
	id, err := ids.NewULID(ts)
	if err != nil {
		return v1.Envelope{}, err
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      ts,
		Payload: raw,
	}, nil
}

var errBadJSON = errors.New("invalid JSON")

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

func decodePayload(env v1.Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return errors.New("missing payload")
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	if errors.Is(err, errBadJSON) {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- domain -> wire ----

func wireEntry(e conversation.Entry) v1.ConversationEntry {
	return v1.ConversationEntry{
		MessageRecord: v1.MessageRecord{
			ID:           e.ID,
			SenderID:     e.SenderID,
			RecipientID:  e.RecipientID,
			Content:      e.Content,
			CreatedAt:    e.CreatedAt,
			Read:         e.Read,
			AssignmentID: e.TaskID,
		},
		LocalID:     e.LocalID,
		Provisional: e.Provisional,
		Failed:      e.Failed,
		Sender:      wireProfile(e.Sender),
		Recipient:   wireProfile(e.Recipient),
	}
}

func wireProfile(p profiles.Profile) *v1.Profile {
	if p.IsZero() {
		return nil
	}
	return &v1.Profile{
		DisplayName: p.DisplayName,
		Email:       p.Email,
		AvatarURL:   p.AvatarURL,
		Role:        p.Role,
	}
}

func wireState(s conversation.Snapshot) v1.ConversationStatePayload {
	out := v1.ConversationStatePayload{
		State:          s.State.String(),
		Messages:       make([]v1.ConversationEntry, 0, len(s.Entries)),
		Unread:         s.Unread,
		ConnectionLost: s.ConnectionLost,
	}
	for _, e := range s.Entries {
		out.Messages = append(out.Messages, wireEntry(e))
	}
	if s.Err != nil {
		out.Error = publicError(s.Err)
	}
	return out
}

func wirePresence(ev presence.Event) v1.PresenceStatePayload {
	return v1.PresenceStatePayload{
		PresenceRecord: v1.PresenceRecord{
			UserID:   ev.UserID,
			Online:   ev.Online,
			LastSeen: ev.LastSeenAt,
		},
		State:      ev.State.String(),
		CameOnline: ev.CameOnline,
	}
}
