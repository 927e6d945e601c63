package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"taskchat/cmd/internal/feed"
	"taskchat/cmd/internal/messaging"
	"taskchat/cmd/internal/presence"
	"taskchat/cmd/internal/records"
	"taskchat/cmd/internal/retry"
	v1 "taskchat/contracts/realtime/v1"
)

func newTestGateway(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()

	st := records.NewInMemoryStore()
	repo, err := messaging.NewRepository(st)
	if err != nil {
		t.Fatalf("new repository: %v", err)
	}
	fast := retry.Policy{Base: time.Millisecond, Max: 4 * time.Millisecond, Multiplier: 2, Attempts: 3}
	bus := feed.NewBus(st, feed.WithReconnectPolicy(fast))
	tracker, err := presence.NewTracker(st, bus, presence.WithInterval(time.Hour))
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	t.Cleanup(func() {
		tracker.Close(context.Background())
		bus.Close()
	})

	gw, err := NewWSGateway(repo, bus, tracker, WithConfig(cfg), WithRetryPolicy(fast))
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := gw.Wait(ctx); err != nil {
			t.Errorf("sessions still running: %v", err)
		}
	})

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func openConfig() Config {
	cfg := DefaultConfig()
	cfg.OriginRequired = false
	return cfg
}

func dialWS(t *testing.T, baseHTTPURL, origin, userID string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u, err := url.Parse(baseHTTPURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	if strings.TrimSpace(userID) != "" {
		h.Set(UserHeader, userID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
}

func mustDial(t *testing.T, baseHTTPURL, userID string) *websocket.Conn {
	t.Helper()

	conn, resp, err := dialWS(t, baseHTTPURL, "", userID)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "done") })
	return conn
}

func writeEnvelopeWS(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()

	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	b, err := json.Marshal(v1.Envelope{V: v1.Version, Type: typ, TS: time.Now().UTC(), Payload: raw})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

// readUntil reads envelopes of type typ until match accepts one.
func readUntil[T any](t *testing.T, conn *websocket.Conn, typ string, match func(T) bool) T {
	t.Helper()

	for i := 0; i < 100; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, b, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("conn.Read waiting for %q: %v", typ, err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if env.Type != typ {
			continue
		}
		var p T
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.Fatalf("unmarshal %s payload: %v", typ, err)
		}
		if match == nil || match(p) {
			return p
		}
	}
	t.Fatalf("did not receive matching %q", typ)
	var zero T
	return zero
}

func hello(t *testing.T, conn *websocket.Conn) v1.HelloAckPayload {
	t.Helper()

	writeEnvelopeWS(t, conn, v1.TypeHello, v1.HelloPayload{})
	return readUntil[v1.HelloAckPayload](t, conn, v1.TypeHelloAck, nil)
}

func TestWSGateway_RejectsDisallowedOrigin(t *testing.T) {
	t.Parallel()

	ts := newTestGateway(t, DefaultConfig())

	_, resp, err := dialWS(t, ts.URL, "http://evil.example", "student")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got resp=%v err=%v", resp, err)
	}
}

func TestWSGateway_RejectsMissingIdentity(t *testing.T) {
	t.Parallel()

	ts := newTestGateway(t, openConfig())

	_, resp, err := dialWS(t, ts.URL, "", "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got resp=%v err=%v", resp, err)
	}
}

func TestWSGateway_HelloRequiredBeforeOpen(t *testing.T) {
	t.Parallel()

	ts := newTestGateway(t, openConfig())
	conn := mustDial(t, ts.URL, "student")

	writeEnvelopeWS(t, conn, v1.TypeConversationOpen, v1.ConversationOpenPayload{CounterpartID: "writer"})
	e := readUntil[v1.ErrorPayload](t, conn, v1.TypeError, nil)
	if e.Code != "hello_required" {
		t.Fatalf("code=%q, want hello_required", e.Code)
	}

	ack := hello(t, conn)
	if ack.SessionID == "" {
		t.Fatalf("empty session id")
	}
}

func TestWSGateway_SendReachesCounterpart(t *testing.T) {
	t.Parallel()

	ts := newTestGateway(t, openConfig())
	student := mustDial(t, ts.URL, "student")
	writer := mustDial(t, ts.URL, "writer")
	hello(t, student)
	hello(t, writer)

	task := "task-1"
	writeEnvelopeWS(t, writer, v1.TypeConversationOpen, v1.ConversationOpenPayload{TaskID: &task, CounterpartID: "student"})
	readUntil(t, writer, v1.TypeConversationState, func(p v1.ConversationStatePayload) bool { return p.State == "ready" })

	writeEnvelopeWS(t, student, v1.TypeConversationOpen, v1.ConversationOpenPayload{TaskID: &task, CounterpartID: "writer"})
	readUntil(t, student, v1.TypeConversationState, func(p v1.ConversationStatePayload) bool { return p.State == "ready" })

	writeEnvelopeWS(t, student, v1.TypeMessageSend, v1.MessageSendPayload{ClientMsgID: "c1", Text: "  hi there "})
	ack := readUntil[v1.MessageAckPayload](t, student, v1.TypeMessageAck, nil)
	if ack.ClientMsgID != "c1" || ack.LocalID == "" {
		t.Fatalf("ack=%+v", ack)
	}

	readUntil(t, student, v1.TypeConversationState, func(p v1.ConversationStatePayload) bool {
		return len(p.Messages) == 1 && !p.Messages[0].Provisional && p.Messages[0].Content == "hi there"
	})

	n := readUntil[v1.MessageNotifyPayload](t, writer, v1.TypeMessageNotify, nil)
	if n.Message.Content != "hi there" || n.Message.SenderID != "student" {
		t.Fatalf("notify=%+v", n.Message)
	}
	if n.Message.AssignmentID == nil || *n.Message.AssignmentID != task {
		t.Fatalf("assignment=%v, want %q", n.Message.AssignmentID, task)
	}

	readUntil(t, writer, v1.TypeConversationState, func(p v1.ConversationStatePayload) bool { return p.Unread == 1 })

	writeEnvelopeWS(t, writer, v1.TypeConversationReadAll, struct{}{})
	readUntil(t, writer, v1.TypeConversationState, func(p v1.ConversationStatePayload) bool {
		return p.Unread == 0 && len(p.Messages) == 1 && p.Messages[0].Read
	})
}

func TestWSGateway_SendValidationError(t *testing.T) {
	t.Parallel()

	ts := newTestGateway(t, openConfig())
	conn := mustDial(t, ts.URL, "student")
	hello(t, conn)

	writeEnvelopeWS(t, conn, v1.TypeMessageSend, v1.MessageSendPayload{ClientMsgID: "c1", Text: "x"})
	if e := readUntil[v1.ErrorPayload](t, conn, v1.TypeError, nil); e.Code != "not_open" {
		t.Fatalf("code=%q, want not_open", e.Code)
	}

	writeEnvelopeWS(t, conn, v1.TypeConversationOpen, v1.ConversationOpenPayload{CounterpartID: "writer"})
	readUntil(t, conn, v1.TypeConversationState, func(p v1.ConversationStatePayload) bool { return p.State == "ready" })

	writeEnvelopeWS(t, conn, v1.TypeMessageSend, v1.MessageSendPayload{ClientMsgID: "c2", Text: "   "})
	e := readUntil[v1.ErrorPayload](t, conn, v1.TypeError, nil)
	if e.Code != "send_failed" || e.Message != "content is empty" {
		t.Fatalf("error=%+v", e)
	}
}

func TestWSGateway_PresenceWatchSeesCameOnline(t *testing.T) {
	t.Parallel()

	ts := newTestGateway(t, openConfig())
	student := mustDial(t, ts.URL, "student")
	hello(t, student)

	writeEnvelopeWS(t, student, v1.TypePresenceWatch, v1.PresenceWatchPayload{UserID: "writer"})
	first := readUntil[v1.PresenceStatePayload](t, student, v1.TypePresenceState, nil)
	if first.State != "unknown" || first.CameOnline {
		t.Fatalf("first=%+v, want unknown", first)
	}

	writer := mustDial(t, ts.URL, "writer")
	hello(t, writer)

	on := readUntil[v1.PresenceStatePayload](t, student, v1.TypePresenceState, nil)
	if !on.Online || !on.CameOnline || on.UserID != "writer" {
		t.Fatalf("event=%+v, want came online", on)
	}

	_ = writer.Close(websocket.StatusNormalClosure, "bye")
	off := readUntil[v1.PresenceStatePayload](t, student, v1.TypePresenceState, nil)
	if off.Online || off.State != "offline" {
		t.Fatalf("event=%+v, want offline", off)
	}
}

func TestWSGateway_RateLimitClosesSession(t *testing.T) {
	t.Parallel()

	cfg := openConfig()
	cfg.RateEvents = 3
	cfg.RateWindow = time.Minute
	ts := newTestGateway(t, cfg)
	conn := mustDial(t, ts.URL, "student")

	for i := 0; i < 4; i++ {
		writeEnvelopeWS(t, conn, v1.TypePresenceWatch, v1.PresenceWatchPayload{UserID: "x"})
	}
	readUntil(t, conn, v1.TypeError, func(e v1.ErrorPayload) bool { return e.Code == "rate_limited" })
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(2, time.Second)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	steps := []struct {
		at   time.Duration
		want bool
	}{
		{0, true},
		{100 * time.Millisecond, true},
		{200 * time.Millisecond, false},
		{time.Second, true},
		{time.Second + 50*time.Millisecond, false},
		{time.Second + 100*time.Millisecond, true},
	}
	for i, s := range steps {
		if got := rl.Allow(base.Add(s.at)); got != s.want {
			t.Fatalf("step %d at %v: got %v, want %v", i, s.at, got, s.want)
		}
	}
}

func TestOriginPolicy(t *testing.T) {
	t.Parallel()

	g := &WSGateway{cfg: Config{OriginRequired: true, AllowedOrigins: []string{"https://app.example.com", "http://localhost:5173"}}}

	tests := []struct {
		origin  string
		allowed bool
	}{
		{"", false},
		{"https://app.example.com", true},
		{"http://app.example.com:8080", true},
		{"http://localhost:3000", true},
		{"https://evil.example.com", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		err := g.enforceOrigin(r)
		if got := err == nil; got != tt.allowed {
			t.Fatalf("origin %q: allowed=%v, want %v (err=%v)", tt.origin, got, tt.allowed, err)
		}
	}

	got := originPatternsFor([]string{"http://localhost:5173", "https://app.example.com", "http://LOCALHOST"})
	if want := []string{"app.example.com", "localhost"}; strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("patterns=%v, want %v", got, want)
	}
}
