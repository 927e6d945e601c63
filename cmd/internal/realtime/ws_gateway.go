// Package realtime is the WebSocket surface of the messaging core: one
// session per connection, hosting a conversation view model and presence
// observations for the connected user.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"taskchat/cmd/internal/conversation"
	"taskchat/cmd/internal/ids"
	"taskchat/cmd/internal/metrics"
	"taskchat/cmd/internal/presence"
	"taskchat/cmd/internal/retry"
	v1 "taskchat/contracts/realtime/v1"
)

const (
	// UserHeader carries the authenticated user id set by the upstream auth proxy.
	UserHeader = "X-User-ID"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second
	wsReleaseTimeout      = 5 * time.Second

	wsMaxPingFailures = 3
)

// Config is the gateway policy. Zero fields take the defaults of
// DefaultConfig, except the origin settings.
type Config struct {
	// DevInsecure disables websocket.Accept's origin verification.
	DevInsecure    bool
	OriginRequired bool
	AllowedOrigins []string

	// TrustHelloIdentity accepts hello.user_id when UserHeader is absent.
	// Local development only.
	TrustHelloIdentity bool

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	PingInterval time.Duration
	PingTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultConfig requires an Origin and allows only localhost.
func DefaultConfig() Config {
	return Config{
		OriginRequired:  true,
		AllowedOrigins:  []string{"http://localhost", "http://127.0.0.1"},
		WriteTimeout:    wsDefaultWriteTimeout,
		ReadIdleTimeout: wsDefaultReadIdle,
		SendQueueSize:   wsDefaultSendQueueSize,
		PingInterval:    defaultPingInterval,
		PingTimeout:     defaultPingTimeout,
		RateEvents:      rateLimitEvents,
		RateWindow:      rateLimitWindow,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = d.ReadIdleTimeout
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = d.PingTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = d.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	return c
}

// WSGateway upgrades HTTP requests to taskchat.realtime.v1 sessions.
//
// It enforces origin policy, subprotocol selection, rate limits and ping
// heartbeats, and routes validated envelopes to the session's view model and
// presence tracker.
type WSGateway struct {
	log      *slog.Logger
	metrics  *metrics.Metrics
	repo     conversation.Repository
	bus      conversation.Subscriber
	presence *presence.Tracker
	policy   *retry.Policy

	cfg            Config
	originPatterns []string

	sessions sync.WaitGroup
}

// GatewayOption configures a WSGateway.
type GatewayOption func(*WSGateway) error

func WithLogger(log *slog.Logger) GatewayOption {
	return func(g *WSGateway) error {
		if log != nil {
			g.log = log
		}
		return nil
	}
}

func WithMetrics(m *metrics.Metrics) GatewayOption {
	return func(g *WSGateway) error {
		g.metrics = m
		return nil
	}
}

// WithConfig replaces DefaultConfig.
func WithConfig(cfg Config) GatewayOption {
	return func(g *WSGateway) error {
		g.cfg = cfg.normalized()
		return nil
	}
}

// WithRetryPolicy overrides the view models' load/send retry policy.
func WithRetryPolicy(p retry.Policy) GatewayOption {
	return func(g *WSGateway) error {
		g.policy = &p
		return nil
	}
}

// NewWSGateway constructs a gateway. repo and bus back the per-session view
// models; tracker backs hello heartbeats and presence watches.
func NewWSGateway(repo conversation.Repository, bus conversation.Subscriber, tracker *presence.Tracker, opts ...GatewayOption) (*WSGateway, error) {
	if repo == nil || bus == nil || tracker == nil {
		return nil, errors.New("realtime: nil repository, bus or presence tracker")
	}

	g := &WSGateway{
		log:      slog.Default(),
		repo:     repo,
		bus:      bus,
		presence: tracker,
		cfg:      DefaultConfig(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(g); err != nil {
			return nil, err
		}
	}
	g.originPatterns = originPatternsFor(g.cfg.AllowedOrigins)
	return g, nil
}

// Wait blocks until every session has released its resources or ctx is done.
func (g *WSGateway) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs it until
// either side closes.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.metrics.WSReject("origin")
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	headerUser := strings.TrimSpace(r.Header.Get(UserHeader))
	if headerUser == "" && !g.cfg.TrustHelloIdentity {
		g.metrics.WSReject("identity")
		g.log.Info("ws.reject.identity", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// Server-wide deadlines would otherwise carry over to the hijacked conn;
	// the session enforces its own read idle and write timeouts.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.metrics.WSReject("accept")
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.metrics.WSReject("subprotocol")
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := ids.NewULID(time.Time{})
	if err != nil {
		g.log.Error("ws.session.id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}

	g.sessions.Add(1)
	defer g.sessions.Done()
	g.metrics.WSSessions(1)
	defer g.metrics.WSSessions(-1)

	client := NewClient(sessionID, g.cfg.SendQueueSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s := newSession(g, client, headerUser, ctx, cancel)
	log := g.log.With("session_id", sessionID)

	var closeOnce sync.Once

	// shutdown is idempotent and safe from any goroutine. Session resources
	// are released by s.release on this goroutine once the read loop ends.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)

		t := time.NewTicker(g.cfg.PingInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				pingCtx, pingCancel := context.WithTimeout(ctx, g.cfg.PingTimeout)
				err := conn.Ping(pingCtx)
				pingCancel()

				if err != nil {
					failures++
					log.Info("ws.ping.fail", "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				if s.slow.Load() {
					log.Info("ws.slow_consumer")
					shutdown(websocket.StatusPolicyViolation, "slow consumer")
				} else {
					shutdown(websocket.StatusNormalClosure, "context done")
				}
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				s.sendError("bad_json", "invalid JSON")
				continue readLoop
			default:
				log.Info("ws.read.fail", "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now().UTC()) {
			g.metrics.WSReject("rate_limited")
			g.writeErrorNow(ctx, conn, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			s.sendError("bad_envelope", err.Error())
			continue readLoop
		}

		if err := s.handle(env); err != nil {
			var fatal *fatalError
			if errors.As(err, &fatal) {
				g.writeErrorNow(ctx, conn, fatal.code, fatal.msg)
				shutdown(websocket.StatusPolicyViolation, fatal.msg)
				break readLoop
			}
			log.Debug("ws.handle.fail", "type", env.Type, "err", err)
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone
	s.release()

	select {
	case <-pingDone:
	case <-time.After(wsCloseGrace):
	}
}

// writeErrorNow writes an error frame directly, ahead of a policy close that
// would otherwise race the writer goroutine.
func (g *WSGateway) writeErrorNow(ctx context.Context, conn *websocket.Conn, code, msg string) {
	env, err := newEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg}, time.Now().UTC())
	if err != nil {
		return
	}
	_ = writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout)
}

// fatalError ends the session after its error frame is written.
type fatalError struct {
	code string
	msg  string
}

func (e *fatalError) Error() string { return fmt.Sprintf("%s: %s", e.code, e.msg) }
