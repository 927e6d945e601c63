package records

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	v1 "taskchat/contracts/realtime/v1"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const listenerCloseTimeout = 2 * time.Second

// pgListener owns one hijacked connection that LISTENs on the schema's change
// channel and fans notifications out to registered feeds.
//
// When the connection fails every feed is stopped with ErrFeedClosed; the next
// Subscribe starts a fresh listener. Consumers resubscribe and refetch.
type pgListener struct {
	conn    *pgx.Conn
	cancel  context.CancelFunc
	forget  func(*pgListener)
	loopEnd chan struct{}

	mu    sync.Mutex
	feeds map[*feedCore]struct{}
	done  bool
}

func startListener(ctx context.Context, pool *pgxpool.Pool, channel string, forget func(*pgListener)) (*pgListener, error) {
	pc, err := pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	// The connection carries LISTEN state, so it never returns to the pool.
	conn := pc.Hijack()

	if _, err := conn.Exec(ctx, `LISTEN `+pgx.Identifier{channel}.Sanitize()); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), listenerCloseTimeout)
		_ = conn.Close(closeCtx)
		cancel()
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	l := &pgListener{
		conn:    conn,
		cancel:  cancel,
		forget:  forget,
		loopEnd: make(chan struct{}),
		feeds:   make(map[*feedCore]struct{}),
	}
	go l.loop(loopCtx)
	return l, nil
}

func (l *pgListener) stopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

func (l *pgListener) register(table Table, pred Predicate) *feedCore {
	f := newFeedCore(table, pred, l.unregister)

	l.mu.Lock()
	if l.done {
		l.mu.Unlock()
		f.stop(opErr("records.feed", ErrFeedClosed, ErrUnavailable))
		return f
	}
	l.feeds[f] = struct{}{}
	l.mu.Unlock()
	return f
}

func (l *pgListener) unregister(f *feedCore) {
	l.mu.Lock()
	delete(l.feeds, f)
	l.mu.Unlock()
}

func (l *pgListener) loop(ctx context.Context) {
	defer close(l.loopEnd)

	for {
		n, err := l.conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.shutdown(opErr("records.feed", ErrFeedClosed, classify("records.feed", err)))
			return
		}

		c, ok := decodeChange(n.Payload)
		if !ok {
			continue
		}

		l.mu.Lock()
		feeds := make([]*feedCore, 0, len(l.feeds))
		for f := range l.feeds {
			feeds = append(feeds, f)
		}
		l.mu.Unlock()

		for _, f := range feeds {
			f.deliver(c)
		}
	}
}

// shutdown stops every feed with err and releases the connection (idempotent).
func (l *pgListener) shutdown(err error) {
	l.mu.Lock()
	if l.done {
		l.mu.Unlock()
		return
	}
	l.done = true
	feeds := make([]*feedCore, 0, len(l.feeds))
	for f := range l.feeds {
		feeds = append(feeds, f)
	}
	l.feeds = map[*feedCore]struct{}{}
	l.mu.Unlock()

	for _, f := range feeds {
		f.stop(err)
	}

	if l.forget != nil {
		l.forget(l)
	}

	// Close from a separate goroutine: shutdown may run on the loop goroutine itself.
	go func() {
		l.cancel()
		<-l.loopEnd
		closeCtx, cancel := context.WithTimeout(context.Background(), listenerCloseTimeout)
		defer cancel()
		_ = l.conn.Close(closeCtx)
	}()
}

// decodeChange parses a trigger payload. Unknown payloads are skipped.
func decodeChange(payload string) (Change, bool) {
	var n v1.ChangeNotification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return Change{}, false
	}
	op, ok := parseOp(n.Op)
	if !ok {
		return Change{}, false
	}

	switch Table(n.Table) {
	case TableMessages:
		if n.ID == "" {
			return Change{}, false
		}
		return Change{
			Table: TableMessages,
			Op:    op,
			Message: MessageKey{
				ID:          n.ID,
				SenderID:    n.SenderID,
				RecipientID: n.RecipientID,
				TaskID:      n.AssignmentID,
			},
		}, true

	case TablePresence:
		if n.UserID == "" {
			return Change{}, false
		}
		c := Change{Table: TablePresence, Op: op, UserID: n.UserID}
		if n.Online != nil && n.LastSeen != nil {
			c.Presence = &Presence{UserID: n.UserID, Online: *n.Online, LastSeenAt: n.LastSeen.UTC()}
		}
		return c, true
	}
	return Change{}, false
}
