package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"taskchat/cmd/internal/metrics"
	"taskchat/cmd/internal/records"
	"taskchat/cmd/internal/retry"
)

const defaultQueueSize = 64

// DefaultReconnectPolicy is the per-outage resubscribe schedule:
// 1s, 2s, 4s, 8s capped at 10s, five attempts.
func DefaultReconnectPolicy() retry.Policy {
	p := retry.Default()
	p.Attempts = 5
	return p
}

// Bus multiplexes store change feeds by topic.
//
// Concurrency guarantees:
//   - one upstream store feed per distinct topic, shared by every subscriber
//   - fanout never blocks: a full subscriber queue collapses into one Resubscribed
//   - upstream drops are repaired in the background; subscribers only see
//     Resubscribed on success or ConnectionLost on exhaustion
type Bus struct {
	store   records.Store
	log     *slog.Logger
	metrics *metrics.Metrics
	policy  retry.Policy
	qsize   int

	mu     sync.Mutex
	topics map[Topic]*topicFeed
	closed bool
}

// Option configures a Bus.
type Option func(*Bus)

func WithLogger(log *slog.Logger) Option {
	return func(b *Bus) {
		if log != nil {
			b.log = log
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// WithReconnectPolicy overrides DefaultReconnectPolicy.
func WithReconnectPolicy(p retry.Policy) Option {
	return func(b *Bus) { b.policy = p }
}

// WithQueueSize sets the per-subscriber queue capacity (default 64).
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.qsize = n
		}
	}
}

// NewBus constructs a Bus over store.
func NewBus(store records.Store, opts ...Option) *Bus {
	b := &Bus{
		store:  store,
		log:    slog.Default(),
		policy: DefaultReconnectPolicy(),
		qsize:  defaultQueueSize,
		topics: make(map[Topic]*topicFeed),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Subscribe attaches to topic, opening the upstream feed if this is its first
// subscriber. The returned Subscription must be cancelled by the caller.
func (b *Bus) Subscribe(ctx context.Context, topic Topic) (*Subscription, error) {
	if b == nil || b.store == nil {
		return nil, errors.New("feed: nil bus")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errors.New("feed: bus closed")
	}

	tf, ok := b.topics[topic]
	if !ok {
		up, err := b.store.Subscribe(ctx, topic.Table, topic.Predicate)
		if err != nil {
			return nil, err
		}
		runCtx, cancel := context.WithCancel(context.Background())
		tf = &topicFeed{
			bus:    b,
			topic:  topic,
			cancel: cancel,
			subs:   make(map[*Subscription]struct{}),
		}
		b.topics[topic] = tf
		b.metrics.FeedTopics(1)
		go tf.run(runCtx, up)
		b.log.Debug("feed.topic.open", "topic", topic.String())
	}

	s := newSubscription(b, tf, b.qsize)
	tf.subs[s] = struct{}{}
	b.metrics.FeedSubscribers(1)
	go s.pump()
	return s, nil
}

// Close cancels every subscription and upstream feed.
func (b *Bus) Close() {
	if b == nil {
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var subs []*Subscription
	for t, tf := range b.topics {
		for s := range tf.subs {
			subs = append(subs, s)
		}
		tf.subs = map[*Subscription]struct{}{}
		tf.cancel()
		delete(b.topics, t)
		b.metrics.FeedTopics(-1)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.stop(nil)
		b.metrics.FeedSubscribers(-1)
	}
}

// remove detaches s; the last subscriber of a topic closes its upstream.
func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tf := s.tf
	if _, ok := tf.subs[s]; !ok {
		return
	}
	delete(tf.subs, s)
	b.metrics.FeedSubscribers(-1)

	if len(tf.subs) == 0 && b.topics[tf.topic] == tf {
		delete(b.topics, tf.topic)
		tf.cancel()
		b.metrics.FeedTopics(-1)
		b.log.Debug("feed.topic.close", "topic", tf.topic.String())
	}
}

func (b *Bus) snapshot(tf *topicFeed) []*Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*Subscription, 0, len(tf.subs))
	for s := range tf.subs {
		out = append(out, s)
	}
	return out
}

// fail ends every subscription of tf with a ConnectionLost event.
func (b *Bus) fail(tf *topicFeed, cause error) {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(tf.subs))
	for s := range tf.subs {
		subs = append(subs, s)
	}
	tf.subs = map[*Subscription]struct{}{}
	if b.topics[tf.topic] == tf {
		delete(b.topics, tf.topic)
		b.metrics.FeedTopics(-1)
	}
	b.mu.Unlock()

	ev := ConnectionLost{Topic: tf.topic, Err: cause}
	for _, s := range subs {
		s.terminate(ev)
		b.metrics.FeedSubscribers(-1)
	}
}

// topicFeed owns the upstream store feed of one topic.
type topicFeed struct {
	bus    *Bus
	topic  Topic
	cancel context.CancelFunc

	// guarded by bus.mu
	subs map[*Subscription]struct{}
}

func (tf *topicFeed) run(ctx context.Context, up records.Feed) {
	b := tf.bus
	defer func() {
		if up != nil {
			_ = up.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-up.Changes():
			ev, ok := toEvent(tf.topic, c)
			if !ok {
				continue
			}
			for _, s := range b.snapshot(tf) {
				s.deliver(ev)
			}

		case <-up.Done():
			if ctx.Err() != nil {
				return
			}
			cause := up.Err()
			b.log.Warn("feed.upstream.drop", "topic", tf.topic.String(), "err", cause)

			next, err := tf.resubscribe(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				up = nil
				b.metrics.FeedReconnect("exhausted")
				b.log.Error("feed.resubscribe.exhausted", "topic", tf.topic.String(), "err", err)
				b.fail(tf, err)
				return
			}
			up = next
			b.metrics.FeedReconnect("ok")
			b.log.Info("feed.resubscribe.ok", "topic", tf.topic.String())

			ev := Resubscribed{Topic: tf.topic}
			for _, s := range b.snapshot(tf) {
				s.deliver(ev)
			}
		}
	}
}

// resubscribe re-opens the upstream feed with backoff.
func (tf *topicFeed) resubscribe(ctx context.Context) (records.Feed, error) {
	b := tf.bus

	var next records.Feed
	attempt := 0
	err := b.policy.Do(ctx, func(ctx context.Context) error {
		attempt++
		f, err := b.store.Subscribe(ctx, tf.topic.Table, tf.topic.Predicate)
		if err != nil {
			return err
		}
		next = f
		return nil
	}, func(err error) bool {
		return !errors.Is(err, records.ErrInvalidInput)
	}, func(err error, wait time.Duration) {
		b.log.Warn("feed.resubscribe.retry",
			"topic", tf.topic.String(),
			"attempt", attempt,
			"wait_ms", wait.Milliseconds(),
			"err", err,
		)
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}
