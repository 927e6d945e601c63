// Package presence publishes the local user's online heartbeat and observes
// remote users' presence with per-subscription transition tracking.
//
// Presence failures never block chat: they are logged and counted only.
package presence

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"taskchat/cmd/internal/feed"
	"taskchat/cmd/internal/metrics"
	"taskchat/cmd/internal/records"
)

const (
	// DefaultInterval is how often an active session re-asserts online.
	DefaultInterval = 25 * time.Second

	staleFactor = 3
)

// Store is the presence subset of records.Store.
type Store interface {
	UpsertPresence(ctx context.Context, in records.PresenceInput) (records.Presence, error)
	GetPresence(ctx context.Context, userID string) (records.Presence, error)
}

// Subscriber opens change-feed subscriptions (feed.Bus).
type Subscriber interface {
	Subscribe(ctx context.Context, topic feed.Topic) (*feed.Subscription, error)
}

// Tracker owns heartbeats for local users and hands out observations of
// remote users.
type Tracker struct {
	store      Store
	bus        Subscriber
	log        *slog.Logger
	metrics    *metrics.Metrics
	interval   time.Duration
	staleAfter time.Duration
	now        func() time.Time

	mu     sync.Mutex
	beats  map[string]*beat
	closed bool
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithInterval sets the heartbeat interval (default 25s). Staleness follows
// at three intervals unless WithStaleAfter overrides it.
func WithInterval(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.interval = d
		}
	}
}

// WithStaleAfter sets how old an online row's last_seen may get before
// observers report it offline. Zero disables the rule.
func WithStaleAfter(d time.Duration) Option {
	return func(t *Tracker) {
		if d >= 0 {
			t.staleAfter = d
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(t *Tracker) {
		if log != nil {
			t.log = log
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// WithClock overrides the time source for last_seen and staleness.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTracker constructs a Tracker.
func NewTracker(store Store, bus Subscriber, opts ...Option) (*Tracker, error) {
	if store == nil || bus == nil {
		return nil, errors.New("presence: nil store or bus")
	}
	t := &Tracker{
		store:      store,
		bus:        bus,
		log:        slog.Default(),
		interval:   DefaultInterval,
		staleAfter: -1,
		now:        func() time.Time { return time.Now().UTC() },
		beats:      make(map[string]*beat),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	if t.staleAfter < 0 {
		t.staleAfter = staleFactor * t.interval
	}
	return t, nil
}

// Interval returns the heartbeat interval.
func (t *Tracker) Interval() time.Duration { return t.interval }

// Close stops every heartbeat, marking those users offline.
func (t *Tracker) Close(ctx context.Context) {
	t.mu.Lock()
	t.closed = true
	beats := make([]*beat, 0, len(t.beats))
	for id, b := range t.beats {
		beats = append(beats, b)
		delete(t.beats, id)
	}
	t.mu.Unlock()

	for _, b := range beats {
		b.cancel()
		<-b.done
		t.assert(ctx, b.userID, false)
	}
}

// assert writes the presence row. Failures are logged and counted only.
func (t *Tracker) assert(ctx context.Context, userID string, online bool) bool {
	_, err := t.store.UpsertPresence(ctx, records.PresenceInput{UserID: userID, Online: online, At: t.now()})
	if err != nil {
		t.metrics.Heartbeat("fail")
		t.log.Warn("presence.heartbeat.fail", "user_id", userID, "online", online, "err", err)
		return false
	}
	t.metrics.Heartbeat("ok")
	return true
}

// ---- heartbeat ----

type beat struct {
	userID string
	refs   int
	cancel context.CancelFunc
	done   chan struct{}
}

// Heartbeat is one acquisition of a user's heartbeat. Release with Stop.
type Heartbeat struct {
	t    *Tracker
	b    *beat
	once sync.Once
}

// BeginHeartbeat marks userID online now and every interval until the
// returned handle (and every other handle for the same user) is stopped.
// Calling it again for an active user shares the running heartbeat.
func (t *Tracker) BeginHeartbeat(ctx context.Context, userID string) (*Heartbeat, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("presence: empty user id")
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errors.New("presence: tracker closed")
	}
	if b, ok := t.beats[userID]; ok {
		b.refs++
		t.mu.Unlock()
		return &Heartbeat{t: t, b: b}, nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	b := &beat{userID: userID, refs: 1, cancel: cancel, done: make(chan struct{})}
	t.beats[userID] = b
	t.mu.Unlock()

	t.assert(ctx, userID, true)
	go t.runBeat(runCtx, b)

	t.log.Debug("presence.heartbeat.start", "user_id", userID)
	return &Heartbeat{t: t, b: b}, nil
}

func (t *Tracker) runBeat(ctx context.Context, b *beat) {
	defer close(b.done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.assert(ctx, b.userID, true)
		}
	}
}

// Stop releases this handle (idempotent). The last release marks the user
// offline.
func (h *Heartbeat) Stop(ctx context.Context) {
	if h == nil {
		return
	}
	h.once.Do(func() { h.t.release(ctx, h.b) })
}

func (t *Tracker) release(ctx context.Context, b *beat) {
	t.mu.Lock()
	if t.beats[b.userID] != b {
		// Already stopped by Close.
		t.mu.Unlock()
		return
	}
	b.refs--
	if b.refs > 0 {
		t.mu.Unlock()
		return
	}
	delete(t.beats, b.userID)
	t.mu.Unlock()

	b.cancel()
	<-b.done
	t.assert(ctx, b.userID, false)

	// A new session may have started while the offline write was in flight.
	t.mu.Lock()
	_, again := t.beats[b.userID]
	t.mu.Unlock()
	if again {
		t.assert(ctx, b.userID, true)
	}

	t.log.Debug("presence.heartbeat.stop", "user_id", b.userID)
}
