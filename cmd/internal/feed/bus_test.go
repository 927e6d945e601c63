package feed

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"taskchat/cmd/internal/records"
	"taskchat/cmd/internal/retry"
)

type countingStore struct {
	records.Store
	subscribes atomic.Int32
}

func (s *countingStore) Subscribe(ctx context.Context, table records.Table, pred records.Predicate) (records.Feed, error) {
	s.subscribes.Add(1)
	return s.Store.Subscribe(ctx, table, pred)
}

func fastPolicy(attempts int) retry.Policy {
	return retry.Policy{Base: time.Millisecond, Max: 4 * time.Millisecond, Multiplier: 2, Attempts: attempts}
}

func TestBus_SharesUpstreamPerTopic(t *testing.T) {
	t.Parallel()

	mem := records.NewInMemoryStore()
	st := &countingStore{Store: mem}
	bus := NewBus(st)
	defer bus.Close()

	ctx := context.Background()
	topic := MessagesWhere(records.ColumnRecipientID, "bob")

	a := mustSubscribe(t, bus, topic)
	b := mustSubscribe(t, bus, topic)
	defer a.Cancel()
	defer b.Cancel()

	if n := st.subscribes.Load(); n != 1 {
		t.Fatalf("upstream subscribes=%d want=1", n)
	}

	m, err := mem.InsertMessage(ctx, records.NewMessage{SenderID: "alice", RecipientID: "bob", Content: "hi"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	for _, s := range []*Subscription{a, b} {
		ev := mustEvent(t, s)
		ins, ok := ev.(MessageInserted)
		if !ok || ins.Message.ID != m.ID {
			t.Fatalf("unexpected event: %#v", ev)
		}
	}
}

func TestBus_LastCancelReleasesUpstream(t *testing.T) {
	t.Parallel()

	st := &countingStore{Store: records.NewInMemoryStore()}
	bus := NewBus(st)
	defer bus.Close()

	topic := PresenceOf("alice")
	a := mustSubscribe(t, bus, topic)
	b := mustSubscribe(t, bus, topic)

	a.Cancel()
	a.Cancel()
	<-a.Done()
	if a.Err() != nil {
		t.Fatalf("cancelled subscription Err()=%v want nil", a.Err())
	}

	bus.mu.Lock()
	open := len(bus.topics)
	bus.mu.Unlock()
	if open != 1 {
		t.Fatalf("topics=%d want=1 while b is live", open)
	}

	b.Cancel()
	bus.mu.Lock()
	open = len(bus.topics)
	bus.mu.Unlock()
	if open != 0 {
		t.Fatalf("topics=%d want=0 after last cancel", open)
	}

	c := mustSubscribe(t, bus, topic)
	defer c.Cancel()
	if n := st.subscribes.Load(); n != 2 {
		t.Fatalf("upstream subscribes=%d want=2", n)
	}
}

func TestBus_ResubscribesAfterDrop(t *testing.T) {
	t.Parallel()

	mem := records.NewInMemoryStore()
	bus := NewBus(mem, WithReconnectPolicy(fastPolicy(5)))
	defer bus.Close()

	s := mustSubscribe(t, bus, PresenceOf("alice"))
	defer s.Cancel()

	mem.FailNext(2, nil)
	mem.DropFeeds()

	ev := mustEvent(t, s)
	if _, ok := ev.(Resubscribed); !ok {
		t.Fatalf("want Resubscribed got %#v", ev)
	}

	if _, err := mem.UpsertPresence(context.Background(), records.PresenceInput{UserID: "alice", Online: true}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	ev = mustEvent(t, s)
	pc, ok := ev.(PresenceChanged)
	if !ok || pc.UserID != "alice" || pc.Presence == nil || !pc.Presence.Online {
		t.Fatalf("unexpected event after resubscribe: %#v", ev)
	}
}

func TestBus_ConnectionLostAfterExhaustion(t *testing.T) {
	t.Parallel()

	mem := records.NewInMemoryStore()
	bus := NewBus(mem, WithReconnectPolicy(fastPolicy(3)))
	defer bus.Close()

	s := mustSubscribe(t, bus, MessagesWhere(records.ColumnSenderID, "alice"))
	defer s.Cancel()

	mem.FailNext(100, nil)
	mem.DropFeeds()

	ev := mustEvent(t, s)
	lost, ok := ev.(ConnectionLost)
	if !ok {
		t.Fatalf("want ConnectionLost got %#v", ev)
	}
	if !records.IsTransient(lost.Err) {
		t.Fatalf("lost.Err=%v want transient store error", lost.Err)
	}

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("subscription not done after ConnectionLost")
	}
	if !errors.Is(s.Err(), ErrSubscriptionDropped) {
		t.Fatalf("Err()=%v want ErrSubscriptionDropped", s.Err())
	}

	// Cancel after drop keeps the drop reason.
	s.Cancel()
	if !errors.Is(s.Err(), ErrSubscriptionDropped) {
		t.Fatalf("Err() after cancel=%v want ErrSubscriptionDropped", s.Err())
	}
}

func TestBus_OverflowCollapsesIntoResync(t *testing.T) {
	t.Parallel()

	mem := records.NewInMemoryStore()
	bus := NewBus(mem, WithQueueSize(2))
	defer bus.Close()

	s := mustSubscribe(t, bus, PresenceOf("alice"))
	defer s.Cancel()

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		if _, err := mem.UpsertPresence(ctx, records.PresenceInput{UserID: "alice", Online: i%2 == 0}); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	sawResync := false
	deadline := time.After(2 * time.Second)
	for !sawResync {
		select {
		case ev := <-s.Events():
			if r, ok := ev.(Resubscribed); ok && r.Overflow {
				sawResync = true
			}
		case <-deadline:
			t.Fatalf("no overflow resync delivered")
		}
	}
}

func mustSubscribe(t *testing.T, bus *Bus, topic Topic) *Subscription {
	t.Helper()

	s, err := bus.Subscribe(context.Background(), topic)
	if err != nil {
		t.Fatalf("subscribe %s: %v", topic, err)
	}
	return s
}

func mustEvent(t *testing.T, s *Subscription) Event {
	t.Helper()

	select {
	case ev := <-s.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for event on %s", s.Topic)
	}
	return nil
}
