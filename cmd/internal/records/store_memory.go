package records

import (
	"context"
	"sort"
	"sync"
	"time"

	"taskchat/cmd/internal/ids"
)

const (
	memMaxMessages = 100_000
)

// InMemoryStore is a dev-only fallback when DB is not configured, and the
// store used by package tests.
// It supports:
//   - insertion-ordered ULID ids + (created_at, id) ordering
//   - recipient-only read flips
//   - monotonic presence last_seen
//   - predicate-filtered change feeds
//   - fault injection (FailNext, DropFeeds) for retry and reconnect paths
type InMemoryStore struct {
	now func() time.Time
	seq *ids.Sequence

	mu       sync.Mutex
	msgs     []Message // insertion order
	byID     map[string]int
	presence map[string]Presence
	feeds    map[*feedCore]struct{}

	failNext int
	failErr  error
	closed   bool
}

// MemoryOption configures InMemoryStore behavior.
type MemoryOption func(*InMemoryStore)

// WithClock overrides the time source used for created_at.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *InMemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore(opts ...MemoryOption) *InMemoryStore {
	s := &InMemoryStore{
		now:      func() time.Time { return time.Now().UTC() },
		seq:      ids.NewSequence(),
		byID:     make(map[string]int),
		presence: make(map[string]Presence),
		feeds:    make(map[*feedCore]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Close stops every open feed.
func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	feeds := s.snapshotFeedsLocked()
	s.mu.Unlock()

	for _, f := range feeds {
		f.stop(opErr("records.Close", ErrFeedClosed, nil))
	}
	return nil
}

// FailNext makes the next n store calls fail with err (ErrUnavailable when nil).
func (s *InMemoryStore) FailNext(n int, err error) {
	if err == nil {
		err = ErrUnavailable
	}
	s.mu.Lock()
	s.failNext = n
	s.failErr = err
	s.mu.Unlock()
}

// DropFeeds disconnects every open feed as if the upstream connection dropped.
func (s *InMemoryStore) DropFeeds() {
	s.mu.Lock()
	feeds := s.snapshotFeedsLocked()
	s.mu.Unlock()

	for _, f := range feeds {
		f.stop(opErr("records.feed", ErrFeedClosed, ErrUnavailable))
	}
}

// checkLocked consumes one injected failure, if any.
func (s *InMemoryStore) checkLocked(op string) error {
	if s.closed {
		return opErr(op, ErrUnavailable, nil)
	}
	if s.failNext > 0 {
		s.failNext--
		if IsTransient(s.failErr) {
			return opErr(op, ErrUnavailable, nil)
		}
		return opErr(op, s.failErr, nil)
	}
	return nil
}

// QueryMessages returns matching messages ordered by (created_at, id) ASC.
func (s *InMemoryStore) QueryMessages(ctx context.Context, q MessageQuery) ([]Message, error) {
	const op = "records.QueryMessages"
	if err := q.validate(); err != nil {
		return nil, opErr(op, ErrInvalidInput, nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if err := s.checkLocked(op); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	out := make([]Message, 0, 32)
	for _, m := range s.msgs {
		if q.matches(m) {
			out = append(out, cloneMessage(m))
		}
	}
	s.mu.Unlock()

	SortMessages(out)
	return out, nil
}

// InsertMessage assigns id + created_at and publishes an insert change.
func (s *InMemoryStore) InsertMessage(ctx context.Context, in NewMessage) (Message, error) {
	const op = "records.InsertMessage"
	if err := in.validate(); err != nil {
		return Message{}, opErr(op, ErrInvalidInput, nil)
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	if err := s.checkLocked(op); err != nil {
		s.mu.Unlock()
		return Message{}, err
	}

	createdAt, id, err := s.seq.Stamp(s.now)
	if err != nil {
		s.mu.Unlock()
		return Message{}, opErr(op, ErrUnavailable, err)
	}

	msg := Message{
		ID:          id,
		SenderID:    in.SenderID,
		RecipientID: in.RecipientID,
		Content:     in.Content,
		TaskID:      cloneStr(in.TaskID),
		CreatedAt:   createdAt,
		Read:        false,
	}
	s.byID[id] = len(s.msgs)
	s.msgs = append(s.msgs, msg)

	// Bound memory to avoid unbounded growth in dev.
	if len(s.msgs) > memMaxMessages {
		s.msgs = append([]Message(nil), s.msgs[len(s.msgs)-memMaxMessages:]...)
		s.reindexLocked()
	}
	feeds := s.snapshotFeedsLocked()
	s.mu.Unlock()

	s.publish(feeds, Change{Table: TableMessages, Op: OpInsert, Message: msg.Key()})
	return cloneMessage(msg), nil
}

// MarkRead flips read=true on unread rows addressed to in.Recipient and
// publishes one update change per flipped row.
func (s *InMemoryStore) MarkRead(ctx context.Context, in MarkReadInput) (int, error) {
	const op = "records.MarkRead"
	if err := in.validate(); err != nil {
		return 0, opErr(op, ErrInvalidInput, nil)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	if err := s.checkLocked(op); err != nil {
		s.mu.Unlock()
		return 0, err
	}

	var changed []MessageKey
	if in.MessageID != "" {
		if i, ok := s.byID[in.MessageID]; ok {
			m := &s.msgs[i]
			if !m.Read && in.matches(*m) {
				m.Read = true
				changed = append(changed, m.Key())
			}
		}
	} else {
		for i := range s.msgs {
			m := &s.msgs[i]
			if !m.Read && in.matches(*m) {
				m.Read = true
				changed = append(changed, m.Key())
			}
		}
	}
	feeds := s.snapshotFeedsLocked()
	s.mu.Unlock()

	for _, k := range changed {
		s.publish(feeds, Change{Table: TableMessages, Op: OpUpdate, Message: k})
	}
	return len(changed), nil
}

// UpsertPresence writes the presence row; last_seen never moves backwards.
func (s *InMemoryStore) UpsertPresence(ctx context.Context, in PresenceInput) (Presence, error) {
	const op = "records.UpsertPresence"
	if in.UserID == "" {
		return Presence{}, opErr(op, ErrInvalidInput, nil)
	}
	if err := ctx.Err(); err != nil {
		return Presence{}, err
	}

	at := in.At
	if at.IsZero() {
		at = s.now()
	}
	at = at.UTC().Truncate(time.Microsecond)

	s.mu.Lock()
	if err := s.checkLocked(op); err != nil {
		s.mu.Unlock()
		return Presence{}, err
	}

	prev, existed := s.presence[in.UserID]
	row := Presence{UserID: in.UserID, Online: in.Online, LastSeenAt: at}
	if existed && prev.LastSeenAt.After(at) {
		row.LastSeenAt = prev.LastSeenAt
	}
	s.presence[in.UserID] = row
	feeds := s.snapshotFeedsLocked()
	s.mu.Unlock()

	opKind := OpUpdate
	if !existed {
		opKind = OpInsert
	}
	p := row
	s.publish(feeds, Change{Table: TablePresence, Op: opKind, UserID: row.UserID, Presence: &p})
	return row, nil
}

// GetPresence returns the presence row of userID or ErrNotFound.
func (s *InMemoryStore) GetPresence(ctx context.Context, userID string) (Presence, error) {
	const op = "records.GetPresence"
	if userID == "" {
		return Presence{}, opErr(op, ErrInvalidInput, nil)
	}
	if err := ctx.Err(); err != nil {
		return Presence{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(op); err != nil {
		return Presence{}, err
	}
	row, ok := s.presence[userID]
	if !ok {
		return Presence{}, opErr(op, ErrNotFound, nil)
	}
	return row, nil
}

// Subscribe opens a change feed for table rows matching pred.
func (s *InMemoryStore) Subscribe(ctx context.Context, table Table, pred Predicate) (Feed, error) {
	const op = "records.Subscribe"
	if !pred.validFor(table) {
		return nil, opErr(op, ErrInvalidInput, nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(op); err != nil {
		return nil, err
	}

	f := newFeedCore(table, pred, s.removeFeed)
	s.feeds[f] = struct{}{}
	return f, nil
}

func (s *InMemoryStore) removeFeed(f *feedCore) {
	s.mu.Lock()
	delete(s.feeds, f)
	s.mu.Unlock()
}

func (s *InMemoryStore) publish(feeds []*feedCore, c Change) {
	for _, f := range feeds {
		f.deliver(c)
	}
}

func (s *InMemoryStore) snapshotFeedsLocked() []*feedCore {
	out := make([]*feedCore, 0, len(s.feeds))
	for f := range s.feeds {
		out = append(out, f)
	}
	return out
}

func (s *InMemoryStore) reindexLocked() {
	s.byID = make(map[string]int, len(s.msgs))
	for i, m := range s.msgs {
		s.byID[m.ID] = i
	}
}

// SortMessages orders msgs by (CreatedAt, ID) ascending.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return MessageLess(msgs[i], msgs[j]) })
}

// MessageLess is the canonical message order: created_at, then id.
// ids are issued in insertion order, so the id tie-break preserves causal
// order under timestamp collisions.
func MessageLess(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func cloneMessage(m Message) Message {
	m.TaskID = cloneStr(m.TaskID)
	return m
}

func cloneStr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
