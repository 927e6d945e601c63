package feed

import "sync"

// Subscription is one consumer's view of a topic.
//
// Events is never closed; Done is closed when the subscription ends, after
// which Err reports why (nil after Cancel, ErrSubscriptionDropped after
// ConnectionLost).
type Subscription struct {
	bus   *Bus
	tf    *topicFeed
	Topic Topic

	in     chan Event
	resync chan struct{}
	final  chan Event
	out    chan Event

	stopCh chan struct{}
	done   chan struct{}

	mu       sync.Mutex
	err      error
	stopOnce sync.Once
}

func newSubscription(b *Bus, tf *topicFeed, qsize int) *Subscription {
	return &Subscription{
		bus:    b,
		tf:     tf,
		Topic:  tf.topic,
		in:     make(chan Event, qsize),
		resync: make(chan struct{}, 1),
		final:  make(chan Event, 1),
		out:    make(chan Event),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Events delivers the subscription's events in arrival order.
func (s *Subscription) Events() <-chan Event { return s.out }

// Done is closed once no more events will be delivered.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err reports why the subscription ended.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cancel detaches from the topic (idempotent). The last subscriber of a topic
// releases the upstream feed.
func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.stop(nil)
	s.bus.remove(s)
}

func (s *Subscription) stop(err error) {
	s.stopOnce.Do(func() {
		if err != nil {
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
		}
		close(s.stopCh)
	})
}

// deliver enqueues ev without blocking. On overflow the queued backlog is
// represented by a single pending Resubscribed.
func (s *Subscription) deliver(ev Event) {
	select {
	case <-s.stopCh:
		return
	default:
	}
	select {
	case s.in <- ev:
		return
	default:
	}
	select {
	case s.resync <- struct{}{}:
		s.bus.metrics.FeedOverflow()
		s.bus.log.Warn("feed.subscriber.overflow", "topic", s.Topic.String())
	default:
	}
}

// terminate delivers ev as the last event and marks the subscription dropped.
func (s *Subscription) terminate(ev ConnectionLost) {
	s.mu.Lock()
	s.err = ErrSubscriptionDropped
	s.mu.Unlock()
	select {
	case s.final <- ev:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.done)

	for {
		var (
			ev   Event
			last bool
		)
		select {
		case <-s.stopCh:
			return
		case ev = <-s.in:
		case <-s.resync:
			ev = Resubscribed{Topic: s.Topic, Overflow: true}
		case ev = <-s.final:
			last = true
		}

		select {
		case s.out <- ev:
		case <-s.stopCh:
			return
		}
		if last {
			return
		}
	}
}
