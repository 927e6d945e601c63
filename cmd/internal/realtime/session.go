package realtime

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"taskchat/cmd/internal/conversation"
	"taskchat/cmd/internal/messaging"
	"taskchat/cmd/internal/presence"
	v1 "taskchat/contracts/realtime/v1"
)

var (
	errHelloRequired = errors.New("hello required")
	errNotOpen       = errors.New("no open conversation")
)

// session is the per-connection state. Everything but client, slow and
// cancel is owned by the gateway's read-loop goroutine.
type session struct {
	g          *WSGateway
	client     *Client
	headerUser string

	ctx    context.Context
	cancel context.CancelFunc
	slow   atomic.Bool

	userID  string
	hb      *presence.Heartbeat
	vm      *conversation.ViewModel
	watches map[string]*presence.Observation
}

func newSession(g *WSGateway, client *Client, headerUser string, ctx context.Context, cancel context.CancelFunc) *session {
	return &session{
		g:          g,
		client:     client,
		headerUser: headerUser,
		ctx:        ctx,
		cancel:     cancel,
		watches:    make(map[string]*presence.Observation),
	}
}

func (s *session) handle(env v1.Envelope) error {
	if env.Type != v1.TypeHello && s.userID == "" {
		return s.fail("hello_required", errHelloRequired)
	}

	switch env.Type {
	case v1.TypeHello:
		return s.onHello(env)
	case v1.TypeConversationOpen:
		return s.onOpen(env)
	case v1.TypeConversationVisible:
		return s.onVisible(env)
	case v1.TypeConversationReadAll:
		return s.onReadAll()
	case v1.TypeConversationRefresh:
		return s.onRefresh()
	case v1.TypeMessageSend:
		return s.onSend(env)
	case v1.TypeMessageRetry, v1.TypeMessageDiscard:
		return s.onRetryOrDiscard(env)
	case v1.TypePresenceWatch:
		return s.onWatch(env)
	default:
		s.sendError("unsupported", "unsupported type: "+env.Type)
		return nil
	}
}

// ---- handlers ----

func (s *session) onHello(env v1.Envelope) error {
	if s.userID != "" {
		return s.fail("already_hello", validation("session already started"))
	}

	var p v1.HelloPayload
	if err := decodePayload(env, &p); err != nil {
		return &fatalError{code: "hello_failed", msg: err.Error()}
	}

	user := strings.TrimSpace(p.UserID)
	switch {
	case s.headerUser != "" && user != "" && user != s.headerUser:
		return &fatalError{code: "hello_failed", msg: "user mismatch"}
	case s.headerUser != "":
		user = s.headerUser
	case user == "":
		return &fatalError{code: "hello_failed", msg: "missing user_id"}
	}

	hb, err := s.g.presence.BeginHeartbeat(s.ctx, user)
	if err != nil {
		return &fatalError{code: "hello_failed", msg: "presence unavailable"}
	}
	s.hb = hb
	s.userID = user
	s.client.UserID = user

	s.push(v1.TypeHelloAck, v1.HelloAckPayload{SessionID: s.client.SessionID})
	return nil
}

func (s *session) onOpen(env v1.Envelope) error {
	var p v1.ConversationOpenPayload
	if err := decodePayload(env, &p); err != nil {
		return s.fail("open_failed", validation(err.Error()))
	}

	cfg := conversation.Config{
		Self:        s.userID,
		Counterpart: strings.TrimSpace(p.CounterpartID),
		AutoRead:    p.Visible,
	}
	if p.TaskID != nil {
		cfg.TaskID = strings.TrimSpace(*p.TaskID)
	}
	if cfg.Counterpart == "" {
		return s.fail("open_failed", validation("counterpart_id is required"))
	}
	if cfg.Counterpart == s.userID {
		return s.fail("open_failed", validation("counterpart must differ from self"))
	}

	if s.vm != nil {
		s.vm.Close()
		s.vm = nil
	}

	opts := []conversation.Option{
		conversation.WithLogger(s.g.log.With("session_id", s.client.SessionID)),
		conversation.WithMetrics(s.g.metrics),
		conversation.WithListener(conversation.Listener{
			Changed:    s.pushState,
			NewMessage: s.pushNotify,
		}),
	}
	if s.g.policy != nil {
		opts = append(opts, conversation.WithRetryPolicy(*s.g.policy))
	}

	vm, err := conversation.New(s.g.repo, s.g.bus, cfg, opts...)
	if err != nil {
		return s.fail("open_failed", err)
	}
	if err := vm.Open(s.ctx); err != nil {
		return s.fail("open_failed", err)
	}
	s.vm = vm
	return nil
}

func (s *session) onVisible(env v1.Envelope) error {
	if s.vm == nil {
		return s.fail("not_open", errNotOpen)
	}
	var p v1.ConversationVisiblePayload
	if err := decodePayload(env, &p); err != nil {
		return s.fail("bad_payload", validation(err.Error()))
	}
	s.vm.SetVisible(p.Visible)
	return nil
}

func (s *session) onReadAll() error {
	if s.vm == nil {
		return s.fail("not_open", errNotOpen)
	}
	if err := s.vm.MarkAllRead(); err != nil {
		return s.fail("read_failed", err)
	}
	return nil
}

func (s *session) onRefresh() error {
	if s.vm == nil {
		return s.fail("not_open", errNotOpen)
	}
	s.vm.Refresh()
	return nil
}

func (s *session) onSend(env v1.Envelope) error {
	if s.vm == nil {
		return s.fail("not_open", errNotOpen)
	}
	var p v1.MessageSendPayload
	if err := decodePayload(env, &p); err != nil {
		return s.fail("send_failed", validation(err.Error()))
	}
	clientMsgID := strings.TrimSpace(p.ClientMsgID)
	if clientMsgID == "" {
		return s.fail("send_failed", validation("client_msg_id is required"))
	}

	localID, err := s.vm.Send(p.Text)
	if err != nil {
		return s.fail("send_failed", err)
	}
	s.push(v1.TypeMessageAck, v1.MessageAckPayload{ClientMsgID: clientMsgID, LocalID: localID})
	return nil
}

func (s *session) onRetryOrDiscard(env v1.Envelope) error {
	if s.vm == nil {
		return s.fail("not_open", errNotOpen)
	}
	var p v1.MessageRetryPayload
	if err := decodePayload(env, &p); err != nil {
		return s.fail("bad_payload", validation(err.Error()))
	}

	var err error
	if env.Type == v1.TypeMessageDiscard {
		err = s.vm.Discard(strings.TrimSpace(p.LocalID))
	} else {
		err = s.vm.Retry(strings.TrimSpace(p.LocalID))
	}
	if err != nil {
		return s.fail(env.Type+"_failed", err)
	}
	return nil
}

func (s *session) onWatch(env v1.Envelope) error {
	var p v1.PresenceWatchPayload
	if err := decodePayload(env, &p); err != nil {
		return s.fail("watch_failed", validation(err.Error()))
	}
	user := strings.TrimSpace(p.UserID)
	if user == "" {
		return s.fail("watch_failed", validation("user_id is required"))
	}
	if _, ok := s.watches[user]; ok {
		return nil
	}
	if len(s.watches) >= maxPresenceWatches {
		return s.fail("watch_limit", validation("too many presence watches"))
	}

	obs, err := s.g.presence.Observe(s.ctx, user, s.pushPresence)
	if err != nil {
		return s.fail("watch_failed", err)
	}
	s.watches[user] = obs
	return nil
}

// release stops the view model, the presence watches and the heartbeat.
func (s *session) release() {
	if s.vm != nil {
		s.vm.Close()
		s.vm = nil
	}
	for id, obs := range s.watches {
		obs.Cancel()
		delete(s.watches, id)
	}
	if s.hb != nil {
		ctx, cancel := context.WithTimeout(context.Background(), wsReleaseTimeout)
		s.hb.Stop(ctx)
		cancel()
		s.hb = nil
	}
}

// ---- outbound ----

// Listener callbacks run on view-model and observation goroutines: they never
// block, and a full queue ends the session as a slow consumer.

func (s *session) pushState(snap conversation.Snapshot) {
	s.push(v1.TypeConversationState, wireState(snap))
}

func (s *session) pushNotify(e conversation.Entry) {
	s.push(v1.TypeMessageNotify, v1.MessageNotifyPayload{Message: wireEntry(e)})
}

func (s *session) pushPresence(ev presence.Event) {
	s.push(v1.TypePresenceState, wirePresence(ev))
}

func (s *session) push(typ string, payload any) {
	env, err := newEnvelope(typ, payload, time.Now().UTC())
	if err != nil {
		s.g.log.Error("ws.encode.fail", "session_id", s.client.SessionID, "type", typ, "err", err)
		return
	}
	if s.client.TryEnqueue(env) {
		return
	}
	select {
	case <-s.client.Done():
	default:
		s.g.metrics.WSReject("backpressure")
		s.slow.Store(true)
		s.cancel()
	}
}

func (s *session) sendError(code, msg string) {
	env, err := newEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg}, time.Now().UTC())
	if err != nil {
		return
	}
	_ = s.client.TryEnqueue(env)
}

func (s *session) fail(code string, err error) error {
	s.sendError(code, publicError(err))
	return err
}

func validation(msg string) error {
	return &messaging.Error{Op: "realtime", Kind: messaging.ErrValidation, Msg: msg}
}

// publicError renders err for the client without store or peer detail.
func publicError(err error) string {
	var me *messaging.Error
	switch {
	case err == nil:
		return ""
	case errors.Is(err, messaging.ErrAuthorization):
		return "permission denied"
	case errors.Is(err, messaging.ErrValidation):
		if errors.As(err, &me) && me.Msg != "" {
			return me.Msg
		}
		return "invalid request"
	case errors.Is(err, messaging.ErrSubscriptionDropped):
		return "connection lost"
	case errors.Is(err, messaging.ErrQuery):
		return "failed, try again"
	case errors.Is(err, conversation.ErrClosed):
		return "conversation closed"
	case errors.Is(err, conversation.ErrUnknownEntry):
		return "unknown message"
	case errors.Is(err, errHelloRequired), errors.Is(err, errNotOpen):
		return err.Error()
	default:
		return "internal error"
	}
}
