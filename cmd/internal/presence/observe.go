package presence

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"taskchat/cmd/internal/feed"
	"taskchat/cmd/internal/records"
)

// State is a remote user's presence as seen by one observation.
type State uint8

const (
	StateUnknown State = iota
	StateOffline
	StateOnline
)

func (s State) String() string {
	switch s {
	case StateOffline:
		return "offline"
	case StateOnline:
		return "online"
	default:
		return "unknown"
	}
}

// Event is one observation of a user's presence.
//
// CameOnline is true only for an online event whose prior state in the same
// observation was not online. The first event is an initial snapshot and
// never carries CameOnline.
type Event struct {
	UserID     string
	State      State
	Online     bool
	LastSeenAt time.Time
	Initial    bool
	CameOnline bool
}

// Observation is a read-only subscription to one user's presence.
type Observation struct {
	t       *Tracker
	userID  string
	sub     *feed.Subscription
	handler func(Event)

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	// owned by run
	prior     State
	first     bool
	lastSeen  time.Time
	online    bool
	found     bool
	rowOnline bool
}

// Observe subscribes to userID's presence. handler runs on the observation's
// goroutine: first with the current state, then after every change or
// resubscription. Cancel detaches without touching the presence row.
func (t *Tracker) Observe(ctx context.Context, userID string, handler func(Event)) (*Observation, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("presence: empty user id")
	}
	if handler == nil {
		return nil, errors.New("presence: nil handler")
	}

	// Subscribe before the initial read so no change falls in between.
	sub, err := t.bus.Subscribe(ctx, feed.PresenceOf(userID))
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	o := &Observation{
		t:       t,
		userID:  userID,
		sub:     sub,
		handler: handler,
		ctx:     runCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
		prior:   StateUnknown,
		first:   true,
	}
	t.metrics.PresenceObservers(1)
	go o.run()
	return o, nil
}

// Done is closed once the observation stopped delivering events.
func (o *Observation) Done() <-chan struct{} { return o.done }

// Cancel detaches the observation (idempotent).
func (o *Observation) Cancel() {
	if o == nil {
		return
	}
	o.once.Do(func() {
		o.cancel()
		o.sub.Cancel()
		o.t.metrics.PresenceObservers(-1)
	})
}

func (o *Observation) run() {
	defer close(o.done)

	o.refresh()

	var staleC <-chan time.Time
	if o.t.staleAfter > 0 {
		ticker := time.NewTicker(o.t.interval)
		defer ticker.Stop()
		staleC = ticker.C
	}

	for {
		select {
		case <-o.ctx.Done():
			return

		case <-o.sub.Done():
			if err := o.sub.Err(); err != nil {
				o.t.log.Warn("presence.observe.lost", "user_id", o.userID, "err", err)
			}
			return

		case ev := <-o.sub.Events():
			switch e := ev.(type) {
			case feed.PresenceChanged:
				o.apply(e.Presence)
			case feed.Resubscribed:
				o.refresh()
			case feed.ConnectionLost:
				o.t.log.Warn("presence.observe.lost", "user_id", o.userID, "err", e.Err)
			case feed.MessageInserted, feed.MessageUpdated, feed.MessageDeleted:
			}

		case <-staleC:
			if o.online && o.isStale(o.lastSeen) {
				o.emit(records.Presence{UserID: o.userID, Online: true, LastSeenAt: o.lastSeen}, true)
			}
		}
	}
}

// apply handles a change-feed row. Notifications may arrive duplicated or
// out of order: rows older than the last one seen are dropped, and a row
// with the same last_seen but a different online flag is settled by a read.
func (o *Observation) apply(p *records.Presence) {
	switch {
	case p == nil:
		o.refresh()
	case !o.found || p.LastSeenAt.After(o.lastSeen):
		o.emit(*p, true)
	case p.LastSeenAt.Before(o.lastSeen):
		o.t.log.Debug("presence.observe.stale_change", "user_id", o.userID, "last_seen", p.LastSeenAt)
	case p.Online != o.rowOnline:
		o.refresh()
	}
}

// refresh reads the row and emits it. Read failures are logged only.
func (o *Observation) refresh() {
	p, err := o.t.store.GetPresence(o.ctx, o.userID)
	switch {
	case err == nil:
		o.emit(p, true)
	case errors.Is(err, records.ErrNotFound):
		o.emit(records.Presence{UserID: o.userID}, false)
	default:
		if o.ctx.Err() == nil {
			o.t.log.Warn("presence.observe.read.fail", "user_id", o.userID, "err", err)
		}
	}
}

func (o *Observation) emit(p records.Presence, found bool) {
	if o.ctx.Err() != nil {
		return
	}

	state := StateUnknown
	if found {
		state = StateOffline
		if p.Online && !o.isStale(p.LastSeenAt) {
			state = StateOnline
		}
	}

	ev := Event{
		UserID:     o.userID,
		State:      state,
		Online:     state == StateOnline,
		LastSeenAt: p.LastSeenAt,
		Initial:    o.first,
		CameOnline: !o.first && state == StateOnline && o.prior != StateOnline,
	}

	o.first = false
	o.prior = state
	o.online = state == StateOnline
	o.lastSeen = p.LastSeenAt
	o.found = found
	o.rowOnline = found && p.Online

	o.handler(ev)
}

func (o *Observation) isStale(lastSeen time.Time) bool { return o.t.stale(lastSeen) }

func (t *Tracker) stale(lastSeen time.Time) bool {
	if t.staleAfter <= 0 || lastSeen.IsZero() {
		return false
	}
	return t.now().Sub(lastSeen) > t.staleAfter
}

// Current reads userID's presence once, applying the staleness rule. A user
// with no presence row is StateUnknown.
func (t *Tracker) Current(ctx context.Context, userID string) (Event, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Event{}, errors.New("presence: empty user id")
	}

	p, err := t.store.GetPresence(ctx, userID)
	switch {
	case errors.Is(err, records.ErrNotFound):
		return Event{UserID: userID, State: StateUnknown, Initial: true}, nil
	case err != nil:
		return Event{}, err
	}

	state := StateOffline
	if p.Online && !t.stale(p.LastSeenAt) {
		state = StateOnline
	}
	return Event{
		UserID:     userID,
		State:      state,
		Online:     state == StateOnline,
		LastSeenAt: p.LastSeenAt,
		Initial:    true,
	}, nil
}
