// Package main provides a CI-friendly WebSocket smoke test for taskchat realtime.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/ack session establishment for a student and a writer
//   - presence watch: the writer is seen online, then offline after close
//   - conversation_open -> conversation_state for a task scope
//   - send -> ack -> confirmed entry in the sender's view
//   - message_notify and unread count on the recipient
//   - read_all clears the recipient's unread count
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	v1 "taskchat/contracts/realtime/v1"
)

const (
	userHeader   = "X-User-ID"
	maxReadBytes = 1 << 20 // 1MiB
)

type smokeClient struct {
	name      string
	userID    string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
	seq   int
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		student = flag.String("student", "smoke-student", "Student user id (sent as X-User-ID)")
		writer  = flag.String("writer", "smoke-writer", "Writer user id (sent as X-User-ID)")
		taskID  = flag.String("task", fmt.Sprintf("smoke-task-%d", time.Now().Unix()), "Task id scoping the conversation")
		text    = flag.String("text", "is the draft ready? 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if strings.TrimSpace(*student) == "" || strings.TrimSpace(*writer) == "" || *student == *writer {
		fatalf("-student and -writer must be distinct, non-empty ids")
	}

	root := context.Background()

	a := mustConnect(root, "student", *student, *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	mustWatchPresence(root, a, *writer, *timeout)
	mustReadPresence(root, a, *writer, false, *timeout)

	b := mustConnect(root, "writer", *writer, *wsURL, *origin, *timeout)
	writerOpen := true
	defer func() {
		if writerOpen {
			closeWS(b.conn)
		}
	}()

	if *verbose {
		fmt.Printf("connected: student=%s writer=%s origin=%q task=%s\n", a.sessionID, b.sessionID, *origin, *taskID)
	}

	mustReadPresence(root, a, *writer, true, *timeout)

	mustOpen(root, a, *taskID, *writer, true, *timeout)
	mustOpen(root, b, *taskID, *student, false, *timeout)

	clientMsgID := fmt.Sprintf("cmsg-%d", time.Now().UnixNano())
	localID := mustSendAndAssertAck(root, a, clientMsgID, *text, *timeout)

	confirmed := a.mustReadState(root, *timeout, func(p v1.ConversationStatePayload) bool {
		for _, m := range p.Messages {
			if m.Content == strings.TrimSpace(*text) && !m.Provisional && m.ID != "" {
				return true
			}
		}
		return false
	})
	if got := countByContent(confirmed, strings.TrimSpace(*text)); got != 1 {
		fatalf("sender view holds %d copies of the message, want 1 (local_id=%s)", got, localID)
	}

	notify := b.mustReadUntil(root, v1.TypeMessageNotify, *timeout, nil)
	var np v1.MessageNotifyPayload
	if err := json.Unmarshal(notify.Payload, &np); err != nil {
		fatalf("unmarshal message_notify payload: %v", err)
	}
	if np.Message.SenderID != *student || np.Message.Content != strings.TrimSpace(*text) {
		fatalf("notify mismatch: sender=%q content=%q", np.Message.SenderID, np.Message.Content)
	}

	b.mustReadState(root, *timeout, func(p v1.ConversationStatePayload) bool { return p.Unread == 1 })

	b.mustWrite(root, v1.TypeConversationReadAll, struct{}{}, *timeout)
	b.mustReadState(root, *timeout, func(p v1.ConversationStatePayload) bool { return p.Unread == 0 })

	closeWS(b.conn)
	writerOpen = false
	mustReadPresence(root, a, *writer, false, *timeout)

	fmt.Printf("OK: student=%s writer=%s task=%s message_id=%s\n", a.sessionID, b.sessionID, *taskID, np.Message.ID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, userID, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	h.Set(userHeader, userID)
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, v1.Subprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: userID,
		conn:   conn,
		inbox:  make(chan v1.Envelope, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()

	c.mustWrite(parent, v1.TypeHello, v1.HelloPayload{UserID: userID}, stepTimeout)
	ack := c.mustReadUntil(parent, v1.TypeHelloAck, stepTimeout, nil)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing session_id (%s)", name)
	}
	c.sessionID = p.SessionID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.reportErr(err)
				return
			}
			if mt != websocket.MessageText {
				c.reportErr(fmt.Errorf("unsupported message type: %v", mt))
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.reportErr(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.reportErr(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.reportErr(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) reportErr(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func mustWatchPresence(parent context.Context, c *smokeClient, userID string, stepTimeout time.Duration) {
	c.mustWrite(parent, v1.TypePresenceWatch, v1.PresenceWatchPayload{UserID: userID}, stepTimeout)
}

// mustReadPresence waits for a presence_state of userID with the given online
// flag. A transition to online must be flagged came_online.
func mustReadPresence(parent context.Context, c *smokeClient, userID string, online bool, stepTimeout time.Duration) {
	env := c.mustReadUntil(parent, v1.TypePresenceState, stepTimeout, func(env v1.Envelope) bool {
		var p v1.PresenceStatePayload
		return json.Unmarshal(env.Payload, &p) == nil && p.UserID == userID && p.Online == online
	})

	var p v1.PresenceStatePayload
	_ = json.Unmarshal(env.Payload, &p)
	if online && !p.CameOnline {
		fatalf("presence (%s): %s online without came_online", c.name, userID)
	}
}

func mustOpen(parent context.Context, c *smokeClient, taskID, counterpartID string, visible bool, stepTimeout time.Duration) {
	task := taskID
	c.mustWrite(parent, v1.TypeConversationOpen, v1.ConversationOpenPayload{
		TaskID:        &task,
		CounterpartID: counterpartID,
		Visible:       visible,
	}, stepTimeout)

	c.mustReadState(parent, stepTimeout, func(p v1.ConversationStatePayload) bool { return p.State == "ready" })
}

func mustSendAndAssertAck(parent context.Context, c *smokeClient, clientMsgID, text string, stepTimeout time.Duration) string {
	c.mustWrite(parent, v1.TypeMessageSend, v1.MessageSendPayload{ClientMsgID: clientMsgID, Text: text}, stepTimeout)

	ack := c.mustReadUntil(parent, v1.TypeMessageAck, stepTimeout, nil)

	var p v1.MessageAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal message_ack payload (%s): %v", c.name, err)
	}
	if p.ClientMsgID != clientMsgID {
		fatalf("ack client_msg_id mismatch (%s): got=%q want=%q", c.name, p.ClientMsgID, clientMsgID)
	}
	if strings.TrimSpace(p.LocalID) == "" {
		fatalf("ack missing local_id (%s)", c.name)
	}
	return p.LocalID
}

func (c *smokeClient) mustReadState(parent context.Context, stepTimeout time.Duration, match func(v1.ConversationStatePayload) bool) v1.ConversationStatePayload {
	env := c.mustReadUntil(parent, v1.TypeConversationState, stepTimeout, func(env v1.Envelope) bool {
		var p v1.ConversationStatePayload
		return json.Unmarshal(env.Payload, &p) == nil && match(p)
	})

	var p v1.ConversationStatePayload
	_ = json.Unmarshal(env.Payload, &p)
	return p
}

func countByContent(p v1.ConversationStatePayload, content string) int {
	n := 0
	for _, m := range p.Messages {
		if m.Content == content {
			n++
		}
	}
	return n
}

// mustReadUntil returns the first envelope of wantType accepted by match
// (nil accepts any). Other envelopes are skipped; error envelopes fail.
func (c *smokeClient) mustReadUntil(parent context.Context, wantType string, stepTimeout time.Duration, match func(v1.Envelope) bool) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Type == wantType && (match == nil || match(env)) {
				return env
			}
		}
	}
}

func (c *smokeClient) mustWrite(parent context.Context, typ string, payload any, stepTimeout time.Duration) {
	c.seq++
	env := v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      fmt.Sprintf("%s-%s-%d", c.name, typ, c.seq),
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
