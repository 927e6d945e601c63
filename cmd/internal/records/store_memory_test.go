package records

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func frozenClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestInMemoryStore_OrderTieBreakByID(t *testing.T) {
	t.Parallel()

	// Every insert gets the same created_at: order must fall back to id (insertion order).
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	st := NewInMemoryStore(WithClock(frozenClock(now)))
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		if _, err := st.InsertMessage(ctx, NewMessage{
			SenderID:    "alice",
			RecipientID: "bob",
			Content:     fmt.Sprintf("m%d", i),
		}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	out, err := st.QueryMessages(ctx, MessageQuery{Participant: "bob", Counterpart: "alice"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(out) != 20 {
		t.Fatalf("expected 20 messages, got %d", len(out))
	}
	for i, m := range out {
		if m.Content != fmt.Sprintf("m%d", i) {
			t.Fatalf("position %d: got %q", i, m.Content)
		}
		if !m.CreatedAt.Equal(now) {
			t.Fatalf("position %d: created_at=%v want=%v", i, m.CreatedAt, now)
		}
		if i > 0 && !MessageLess(out[i-1], m) {
			t.Fatalf("position %d not strictly after %d", i, i-1)
		}
	}
}

func TestInMemoryStore_QueryScopes(t *testing.T) {
	t.Parallel()

	st := NewInMemoryStore()
	ctx := context.Background()
	task := "task-1"

	mustInsert(t, st, NewMessage{SenderID: "alice", RecipientID: "bob", Content: "general"})
	mustInsert(t, st, NewMessage{SenderID: "bob", RecipientID: "alice", Content: "on task", TaskID: &task})
	mustInsert(t, st, NewMessage{SenderID: "carol", RecipientID: "bob", Content: "other pair"})

	cases := []struct {
		name string
		q    MessageQuery
		want []string
	}{
		{name: "pair", q: MessageQuery{Participant: "alice", Counterpart: "bob"}, want: []string{"general", "on task"}},
		{name: "task", q: MessageQuery{Participant: "alice", TaskID: &task}, want: []string{"on task"}},
		{name: "all for bob", q: MessageQuery{Participant: "bob"}, want: []string{"general", "on task", "other pair"}},
		{name: "outsider", q: MessageQuery{Participant: "carol", TaskID: &task}, want: nil},
	}

	for _, tc := range cases {
		out, err := st.QueryMessages(ctx, tc.q)
		if err != nil {
			t.Fatalf("%s: query: %v", tc.name, err)
		}
		if len(out) != len(tc.want) {
			t.Fatalf("%s: got %d messages want %d", tc.name, len(out), len(tc.want))
		}
		for i := range out {
			if out[i].Content != tc.want[i] {
				t.Fatalf("%s: [%d]=%q want %q", tc.name, i, out[i].Content, tc.want[i])
			}
		}
	}
}

func TestInMemoryStore_MarkReadOnlyRecipient(t *testing.T) {
	t.Parallel()

	st := NewInMemoryStore()
	ctx := context.Background()
	m := mustInsert(t, st, NewMessage{SenderID: "alice", RecipientID: "bob", Content: "hi"})

	n, err := st.MarkRead(ctx, MarkReadInput{Recipient: "alice", MessageID: m.ID})
	if err != nil {
		t.Fatalf("mark as sender: %v", err)
	}
	if n != 0 {
		t.Fatalf("sender flipped %d rows", n)
	}

	n, err = st.MarkRead(ctx, MarkReadInput{Recipient: "bob", MessageID: m.ID})
	if err != nil || n != 1 {
		t.Fatalf("mark as recipient: n=%d err=%v", n, err)
	}

	n, err = st.MarkRead(ctx, MarkReadInput{Recipient: "bob", MessageID: m.ID})
	if err != nil || n != 0 {
		t.Fatalf("second mark: n=%d err=%v", n, err)
	}

	if _, err := st.MarkRead(ctx, MarkReadInput{Recipient: "bob"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("unscoped mark: want ErrInvalidInput got %v", err)
	}
}

func TestInMemoryStore_PresenceLastSeenMonotonic(t *testing.T) {
	t.Parallel()

	st := NewInMemoryStore()
	ctx := context.Background()
	t0 := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	if _, err := st.GetPresence(ctx, "alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing row: want ErrNotFound got %v", err)
	}

	if _, err := st.UpsertPresence(ctx, PresenceInput{UserID: "alice", Online: true, At: t0.Add(time.Minute)}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	p, err := st.UpsertPresence(ctx, PresenceInput{UserID: "alice", Online: false, At: t0})
	if err != nil {
		t.Fatalf("upsert older: %v", err)
	}
	if p.Online {
		t.Fatalf("expected online=false")
	}
	if !p.LastSeenAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("last_seen moved backwards: %v", p.LastSeenAt)
	}
}

func TestInMemoryStore_FeedPredicate(t *testing.T) {
	t.Parallel()

	st := NewInMemoryStore()
	ctx := context.Background()

	feed, err := st.Subscribe(ctx, TableMessages, Eq(ColumnRecipientID, "bob"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer feed.Close()

	mustInsert(t, st, NewMessage{SenderID: "bob", RecipientID: "alice", Content: "not for bob"})
	m := mustInsert(t, st, NewMessage{SenderID: "alice", RecipientID: "bob", Content: "for bob"})

	select {
	case c := <-feed.Changes():
		if c.Op != OpInsert || c.Message.ID != m.ID {
			t.Fatalf("unexpected change: %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for change")
	}

	select {
	case c := <-feed.Changes():
		t.Fatalf("unexpected extra change: %+v", c)
	default:
	}

	if _, err := st.Subscribe(ctx, TablePresence, Eq(ColumnSenderID, "x")); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("bad predicate: want ErrInvalidInput got %v", err)
	}
}

func TestInMemoryStore_LaggingFeedIsDropped(t *testing.T) {
	t.Parallel()

	st := NewInMemoryStore()
	ctx := context.Background()

	feed, err := st.Subscribe(ctx, TablePresence, Predicate{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	for i := 0; i < feedQueueSize+1; i++ {
		if _, err := st.UpsertPresence(ctx, PresenceInput{UserID: "u", Online: i%2 == 0}); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	select {
	case <-feed.Done():
	case <-time.After(time.Second):
		t.Fatalf("expected lagging feed to be closed")
	}
	if !errors.Is(feed.Err(), ErrFeedClosed) {
		t.Fatalf("Err()=%v want ErrFeedClosed", feed.Err())
	}
}

func TestInMemoryStore_DropFeedsAndFaults(t *testing.T) {
	t.Parallel()

	st := NewInMemoryStore()
	ctx := context.Background()

	feed, err := st.Subscribe(ctx, TableMessages, Predicate{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	st.DropFeeds()
	<-feed.Done()
	if !errors.Is(feed.Err(), ErrUnavailable) {
		t.Fatalf("dropped feed Err()=%v want ErrUnavailable", feed.Err())
	}

	st.FailNext(1, nil)
	if _, err := st.QueryMessages(ctx, MessageQuery{Participant: "a"}); !IsTransient(err) {
		t.Fatalf("injected failure: want transient got %v", err)
	}
	if _, err := st.QueryMessages(ctx, MessageQuery{Participant: "a"}); err != nil {
		t.Fatalf("after injected failure: %v", err)
	}
}

func TestInMemoryStore_ConcurrentInsertsDistinctOrderedIDs(t *testing.T) {
	t.Parallel()

	st := NewInMemoryStore()
	ctx := context.Background()

	const n = 64
	var wg sync.WaitGroup
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := st.InsertMessage(ctx, NewMessage{SenderID: "a", RecipientID: "b", Content: fmt.Sprintf("m%d", i)})
			if err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("insert: %v", err)
	}

	out, err := st.QueryMessages(ctx, MessageQuery{Participant: "a"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	seen := make(map[string]struct{}, n)
	for i, m := range out {
		if _, dup := seen[m.ID]; dup {
			t.Fatalf("duplicate id %s", m.ID)
		}
		seen[m.ID] = struct{}{}
		if i > 0 && out[i-1].ID >= m.ID {
			t.Fatalf("ids not increasing at %d", i)
		}
	}
}

func mustInsert(t *testing.T, st Store, in NewMessage) Message {
	t.Helper()

	m, err := st.InsertMessage(context.Background(), in)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	return m
}
