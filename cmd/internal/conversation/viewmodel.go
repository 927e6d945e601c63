// Package conversation maintains the live, de-duplicated, ordered view of one
// conversation for one user: snapshot loads, optimistic sends, change-feed
// driven refetches, unread counting and auto-read marking.
package conversation

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"taskchat/cmd/internal/feed"
	"taskchat/cmd/internal/messaging"
	"taskchat/cmd/internal/metrics"
	"taskchat/cmd/internal/profiles"
	"taskchat/cmd/internal/records"
	"taskchat/cmd/internal/retry"

	"github.com/google/uuid"
)

const (
	defaultMatchWindow = time.Minute
	sendQueueSize      = 256
	cmdQueueSize       = 64
)

var (
	// ErrClosed is returned by calls on a view model that is not open.
	ErrClosed = errors.New("conversation: closed")
	// ErrUnknownEntry is returned by Retry/Discard for ids that are not failed sends.
	ErrUnknownEntry = errors.New("conversation: no such failed entry")

	errSendQueueFull = errors.New("conversation: send queue full")
)

// Repository is the subset of messaging.Repository the view model uses.
type Repository interface {
	ListMessages(ctx context.Context, self string, scope messaging.Scope) ([]messaging.Message, error)
	Send(ctx context.Context, in messaging.SendInput) (messaging.Message, error)
	MarkRead(ctx context.Context, self, messageID string) error
	MarkAllRead(ctx context.Context, self string, scope messaging.Scope, fromSender string) (int, error)
}

// Subscriber opens change-feed subscriptions (feed.Bus).
type Subscriber interface {
	Subscribe(ctx context.Context, topic feed.Topic) (*feed.Subscription, error)
}

// Config selects the conversation. TaskID set means task scope; otherwise
// the conversation is every message between Self and Counterpart.
// Counterpart is the recipient of sends in both scopes.
type Config struct {
	Self        string
	Counterpart string
	TaskID      string

	// AutoRead is the initial visibility (see SetVisible).
	AutoRead bool

	// MatchWindow bounds how far a store row's created_at may be from a
	// provisional entry's local issue time for the row to count as its echo.
	MatchWindow time.Duration
}

// Scope returns the repository scope of c.
func (c Config) Scope() messaging.Scope {
	if c.TaskID != "" {
		return messaging.TaskScope(c.TaskID)
	}
	return messaging.CounterpartScope(c.Counterpart)
}

// Listener receives view changes on the view model's loop goroutine.
// Callbacks must not block and must not call Close.
type Listener struct {
	Changed    func(Snapshot)
	NewMessage func(Entry)
}

// Option configures a ViewModel.
type Option func(*ViewModel)

func WithLogger(log *slog.Logger) Option {
	return func(vm *ViewModel) {
		if log != nil {
			vm.log = log
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(vm *ViewModel) { vm.metrics = m }
}

// WithRetryPolicy overrides retry.Default for loads and sends.
func WithRetryPolicy(p retry.Policy) Option {
	return func(vm *ViewModel) { vm.policy = p }
}

func WithListener(l Listener) Option {
	return func(vm *ViewModel) { vm.listener = l }
}

// WithClock overrides the time source stamped on provisional entries.
func WithClock(now func() time.Time) Option {
	return func(vm *ViewModel) {
		if now != nil {
			vm.now = now
		}
	}
}

// ViewModel is the conversation view. All state is owned by one loop
// goroutine; public methods post commands to it and Snapshot reads the last
// published copy.
type ViewModel struct {
	cfg      Config
	repo     Repository
	bus      Subscriber
	log      *slog.Logger
	metrics  *metrics.Metrics
	policy   retry.Policy
	listener Listener
	now      func() time.Time

	cmds   chan func()
	events chan feed.Event
	sendQ  chan sendJob

	snap atomic.Pointer[Snapshot]

	runCtx    context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	opened    atomic.Bool
	closeOnce sync.Once

	subsMu sync.Mutex
	subs   []*feed.Subscription

	// loop-owned
	state     State
	err       error
	loaded    bool
	connLost  bool
	autoRead  bool
	loading   bool
	reload    bool
	confirmed []Entry
	pend      []*pending
	nextSeq   uint64
	readLocal map[string]struct{}
	notified  map[string]struct{}
	reading   map[string]struct{}
	owned     map[string]struct{}
}

type sendJob struct {
	localID string
	in      messaging.SendInput
}

// New constructs a ViewModel. Call Open to start it.
func New(repo Repository, bus Subscriber, cfg Config, opts ...Option) (*ViewModel, error) {
	cfg.Self = strings.TrimSpace(cfg.Self)
	cfg.Counterpart = strings.TrimSpace(cfg.Counterpart)
	cfg.TaskID = strings.TrimSpace(cfg.TaskID)

	if repo == nil || bus == nil {
		return nil, errors.New("conversation: nil repository or bus")
	}
	if cfg.Self == "" {
		return nil, &messaging.Error{Op: "conversation.New", Kind: messaging.ErrValidation, Msg: "user id is required"}
	}
	if cfg.TaskID == "" && cfg.Counterpart == "" {
		return nil, &messaging.Error{Op: "conversation.New", Kind: messaging.ErrValidation, Msg: "task or counterpart is required"}
	}
	if cfg.MatchWindow <= 0 {
		cfg.MatchWindow = defaultMatchWindow
	}

	vm := &ViewModel{
		cfg:       cfg,
		repo:      repo,
		bus:       bus,
		log:       slog.Default(),
		policy:    retry.Default(),
		now:       func() time.Time { return time.Now().UTC() },
		cmds:      make(chan func(), cmdQueueSize),
		events:    make(chan feed.Event),
		sendQ:     make(chan sendJob, sendQueueSize),
		autoRead:  cfg.AutoRead,
		readLocal: make(map[string]struct{}),
		notified:  make(map[string]struct{}),
		reading:   make(map[string]struct{}),
		owned:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(vm)
		}
	}
	vm.log = vm.log.With("self", cfg.Self, "scope", cfg.Scope().String())
	return vm, nil
}

// Open subscribes to the conversation's change feeds and starts the first
// load. The view model lives until ctx is done or Close is called.
func (vm *ViewModel) Open(ctx context.Context) error {
	if !vm.opened.CompareAndSwap(false, true) {
		return errors.New("conversation: already open")
	}
	vm.runCtx, vm.cancel = context.WithCancel(ctx)

	if err := vm.subscribe(); err != nil {
		vm.cancel()
		return err
	}

	vm.publish()

	vm.wg.Add(2)
	go vm.loop()
	go vm.sender()
	return nil
}

// Close releases every subscription and stops all goroutines (idempotent).
func (vm *ViewModel) Close() {
	if !vm.opened.Load() {
		return
	}
	vm.closeOnce.Do(func() {
		vm.cancel()
		vm.cancelSubs()
		vm.wg.Wait()
		// A Refresh racing with Close may have subscribed again.
		vm.cancelSubs()
	})
}

// Snapshot returns the last published view state.
func (vm *ViewModel) Snapshot() Snapshot {
	if s := vm.snap.Load(); s != nil {
		return *s
	}
	return Snapshot{State: StateLoading}
}

// Send appends a provisional entry and queues the message for delivery.
// Sends are delivered one at a time in call order.
func (vm *ViewModel) Send(text string) (string, error) {
	const op = "conversation.Send"

	content := strings.TrimSpace(text)
	switch {
	case content == "":
		return "", &messaging.Error{Op: op, Kind: messaging.ErrValidation, Msg: "content is empty"}
	case utf8.RuneCountInString(content) > messaging.MaxContentRunes:
		return "", &messaging.Error{Op: op, Kind: messaging.ErrValidation, Msg: "content is too long"}
	case vm.cfg.Counterpart == "":
		return "", &messaging.Error{Op: op, Kind: messaging.ErrValidation, Msg: "no recipient"}
	}

	localID := uuid.NewString()
	in := messaging.SendInput{
		SenderID:    vm.cfg.Self,
		RecipientID: vm.cfg.Counterpart,
		Content:     content,
		TaskID:      vm.cfg.TaskID,
	}
	if !vm.post(func() { vm.enqueue(localID, in) }) {
		return "", ErrClosed
	}
	return localID, nil
}

// Retry re-queues a failed provisional entry.
func (vm *ViewModel) Retry(localID string) error {
	return vm.call(func() error {
		p := vm.findPending(localID)
		if p == nil || !p.failed {
			return ErrUnknownEntry
		}
		p.failed = false
		p.err = nil
		p.issued = vm.now()
		p.msg.CreatedAt = p.issued
		p.seq = vm.nextSeq
		vm.nextSeq++
		vm.dispatch(p)
		vm.publish()
		return nil
	})
}

// Discard drops a failed provisional entry.
func (vm *ViewModel) Discard(localID string) error {
	return vm.call(func() error {
		p := vm.findPending(localID)
		if p == nil || !p.failed {
			return ErrUnknownEntry
		}
		vm.dropPending(localID)
		vm.publish()
		return nil
	})
}

// SetVisible toggles auto-read: while visible, every unread message addressed
// to self is marked read.
func (vm *ViewModel) SetVisible(visible bool) {
	vm.post(func() {
		vm.autoRead = visible
		vm.runAutoRead()
	})
}

// MarkAllRead marks every unread message of the conversation addressed to
// self as read, then refetches.
func (vm *ViewModel) MarkAllRead() error {
	if !vm.opened.Load() || vm.runCtx.Err() != nil {
		return ErrClosed
	}
	n, err := vm.repo.MarkAllRead(vm.runCtx, vm.cfg.Self, vm.cfg.Scope(), "")
	if err != nil {
		return err
	}
	vm.log.Debug("conversation.read_all", "count", n)
	vm.post(func() { vm.requestLoad() })
	return nil
}

// Refresh refetches the conversation and, after a lost connection,
// re-establishes the change-feed subscriptions.
func (vm *ViewModel) Refresh() {
	vm.post(func() {
		if vm.connLost {
			vm.cancelSubs()
			if err := vm.subscribe(); err != nil {
				vm.log.Warn("conversation.resubscribe.fail", "err", err)
			} else {
				vm.connLost = false
				vm.log.Info("conversation.resubscribe.ok")
			}
		}
		vm.requestLoad()
	})
}

// ---- loop ----

func (vm *ViewModel) loop() {
	defer vm.wg.Done()

	vm.requestLoad()
	for {
		select {
		case <-vm.runCtx.Done():
			return
		case fn := <-vm.cmds:
			fn()
		case ev := <-vm.events:
			vm.handleEvent(ev)
		}
	}
}

// post schedules fn on the loop. It reports false once the view model stopped.
func (vm *ViewModel) post(fn func()) bool {
	if !vm.opened.Load() {
		return false
	}
	select {
	case <-vm.runCtx.Done():
		return false
	default:
	}
	select {
	case vm.cmds <- fn:
		return true
	case <-vm.runCtx.Done():
		return false
	}
}

// call runs fn on the loop and waits for its result.
func (vm *ViewModel) call(fn func() error) error {
	res := make(chan error, 1)
	if !vm.post(func() { res <- fn() }) {
		return ErrClosed
	}
	select {
	case err := <-res:
		return err
	case <-vm.runCtx.Done():
		return ErrClosed
	}
}

func (vm *ViewModel) handleEvent(ev feed.Event) {
	switch e := ev.(type) {
	case feed.MessageInserted:
		if vm.relevant(e.Message) {
			vm.requestLoad()
		}
	case feed.MessageUpdated:
		if vm.relevant(e.Message) {
			vm.requestLoad()
		}
	case feed.MessageDeleted:
		if vm.relevant(e.Message) {
			vm.requestLoad()
		}
	case feed.Resubscribed:
		vm.requestLoad()
	case feed.ConnectionLost:
		vm.connLost = true
		vm.log.Warn("conversation.connection.lost", "topic", e.Topic.String(), "err", e.Err)
		vm.publish()
	case feed.PresenceChanged:
	}
}

func (vm *ViewModel) relevant(k records.MessageKey) bool {
	if vm.cfg.TaskID != "" {
		return true
	}
	self, cp := vm.cfg.Self, vm.cfg.Counterpart
	return (k.SenderID == self && k.RecipientID == cp) || (k.SenderID == cp && k.RecipientID == self)
}

// ---- loads ----

// requestLoad starts a fetch, or marks one pending if a fetch is running.
func (vm *ViewModel) requestLoad() {
	if vm.loading {
		vm.reload = true
		return
	}
	vm.loading = true

	vm.wg.Add(1)
	go func() {
		defer vm.wg.Done()
		msgs, err := vm.fetch()
		vm.post(func() { vm.onLoaded(msgs, err) })
	}()
}

func (vm *ViewModel) fetch() ([]messaging.Message, error) {
	var msgs []messaging.Message
	err := vm.policy.Do(vm.runCtx, func(ctx context.Context) error {
		out, err := vm.repo.ListMessages(ctx, vm.cfg.Self, vm.cfg.Scope())
		if err != nil {
			return err
		}
		msgs = out
		return nil
	}, messaging.IsRetryable, func(err error, wait time.Duration) {
		vm.log.Warn("conversation.load.retry", "wait_ms", wait.Milliseconds(), "err", err)
	})
	return msgs, err
}

func (vm *ViewModel) onLoaded(msgs []messaging.Message, err error) {
	vm.loading = false

	if err != nil {
		if vm.runCtx.Err() != nil {
			return
		}
		vm.state = StateError
		vm.err = err
		vm.log.Warn("conversation.load.fail", "err", err)
		vm.publish()
	} else {
		vm.reconcile(msgs)
		vm.state = StateReady
		vm.err = nil
		vm.afterMerge()
	}

	if vm.reload {
		vm.reload = false
		vm.requestLoad()
	}
}

// reconcile replaces the confirmed set with msgs and retires provisional
// entries whose store row is now present.
func (vm *ViewModel) reconcile(msgs []messaging.Message) {
	fetched := make([]Entry, 0, len(msgs))
	present := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		if _, dup := present[m.ID]; dup {
			continue
		}
		present[m.ID] = struct{}{}
		if m.Read {
			vm.readLocal[m.ID] = struct{}{}
		} else if _, ok := vm.readLocal[m.ID]; ok {
			m.Read = true
		}
		fetched = append(fetched, Entry{Message: m})
	}
	sort.SliceStable(fetched, func(i, j int) bool { return entryLess(fetched[i], fetched[j]) })

	claimed := make(map[string]struct{})
	kept := make([]*pending, 0, len(vm.pend))

	// Acknowledged sends are matched by server id.
	for _, p := range vm.pend {
		if !p.acked {
			continue
		}
		if _, ok := present[p.msg.ID]; ok {
			claimed[p.msg.ID] = struct{}{}
			continue
		}
		kept = append(kept, p)
	}
	// The rest by (sender, recipient, content, created_at within the window).
	for _, p := range vm.pend {
		if p.acked {
			continue
		}
		if id, ok := vm.matchEcho(p, fetched, claimed); ok {
			claimed[id] = struct{}{}
			vm.owned[id] = struct{}{}
			continue
		}
		kept = append(kept, p)
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].seq < kept[j].seq })

	vm.confirmed = fetched
	vm.pend = kept
}

func (vm *ViewModel) matchEcho(p *pending, fetched []Entry, claimed map[string]struct{}) (string, bool) {
	for _, e := range fetched {
		if _, ok := claimed[e.ID]; ok {
			continue
		}
		if _, ok := vm.owned[e.ID]; ok {
			continue
		}
		if e.SenderID != p.msg.SenderID || e.RecipientID != p.msg.RecipientID || e.Content != p.msg.Content {
			continue
		}
		if !sameTask(e.TaskID, p.msg.TaskID) {
			continue
		}
		d := e.CreatedAt.Sub(p.issued)
		if d < 0 {
			d = -d
		}
		if d <= vm.cfg.MatchWindow {
			return e.ID, true
		}
	}
	return "", false
}

func (vm *ViewModel) afterMerge() {
	if !vm.loaded {
		// First load is an initial snapshot, not news.
		for _, e := range vm.confirmed {
			vm.notified[e.ID] = struct{}{}
		}
		vm.loaded = true
	} else {
		for _, e := range vm.confirmed {
			if _, ok := vm.notified[e.ID]; ok {
				continue
			}
			vm.notified[e.ID] = struct{}{}
			if e.RecipientID == vm.cfg.Self && vm.listener.NewMessage != nil {
				vm.listener.NewMessage(e)
			}
		}
	}
	vm.runAutoRead()
	vm.publish()
}

// ---- auto-read ----

func (vm *ViewModel) runAutoRead() {
	if !vm.autoRead || !vm.loaded {
		return
	}
	self := vm.cfg.Self
	for _, e := range vm.confirmed {
		if e.RecipientID != self || e.Read {
			continue
		}
		if _, busy := vm.reading[e.ID]; busy {
			continue
		}
		vm.reading[e.ID] = struct{}{}

		id := e.ID
		vm.wg.Add(1)
		go func() {
			defer vm.wg.Done()
			err := vm.repo.MarkRead(vm.runCtx, self, id)
			vm.post(func() { vm.onMarked(id, err) })
		}()
	}
}

func (vm *ViewModel) onMarked(id string, err error) {
	delete(vm.reading, id)
	if err != nil {
		vm.log.Warn("conversation.mark_read.fail", "message_id", id, "err", err)
		return
	}
	vm.readLocal[id] = struct{}{}
	for i := range vm.confirmed {
		if vm.confirmed[i].ID == id {
			vm.confirmed[i].Read = true
		}
	}
	vm.publish()
}

// ---- sends ----

func (vm *ViewModel) enqueue(localID string, in messaging.SendInput) {
	now := vm.now()

	var task *string
	if in.TaskID != "" {
		t := in.TaskID
		task = &t
	}
	p := &pending{
		localID: localID,
		seq:     vm.nextSeq,
		issued:  now,
		msg: messaging.Message{
			Message: records.Message{
				SenderID:    in.SenderID,
				RecipientID: in.RecipientID,
				Content:     in.Content,
				TaskID:      task,
				CreatedAt:   now,
			},
			Sender:    profiles.Profile{UserID: in.SenderID},
			Recipient: profiles.Profile{UserID: in.RecipientID},
		},
	}
	vm.nextSeq++
	vm.pend = append(vm.pend, p)
	vm.dispatch(p)
	vm.publish()
}

func (vm *ViewModel) dispatch(p *pending) {
	job := sendJob{
		localID: p.localID,
		in: messaging.SendInput{
			SenderID:    p.msg.SenderID,
			RecipientID: p.msg.RecipientID,
			Content:     p.msg.Content,
			TaskID:      derefStr(p.msg.TaskID),
		},
	}
	select {
	case vm.sendQ <- job:
	default:
		p.failed = true
		p.err = errSendQueueFull
	}
}

// sender delivers queued sends one at a time so store insertion order
// follows issuance order.
func (vm *ViewModel) sender() {
	defer vm.wg.Done()

	for {
		select {
		case <-vm.runCtx.Done():
			return
		case job := <-vm.sendQ:
			var sent messaging.Message
			err := vm.policy.Do(vm.runCtx, func(ctx context.Context) error {
				m, err := vm.repo.Send(ctx, job.in)
				if err != nil {
					return err
				}
				sent = m
				return nil
			}, messaging.IsRetryable, func(err error, wait time.Duration) {
				vm.metrics.SendRetried()
				vm.log.Warn("conversation.send.retry", "local_id", job.localID, "wait_ms", wait.Milliseconds(), "err", err)
			})
			vm.post(func() { vm.onSent(job.localID, sent, err) })
		}
	}
}

func (vm *ViewModel) onSent(localID string, sent messaging.Message, err error) {
	if err == nil {
		vm.owned[sent.ID] = struct{}{}
		vm.notified[sent.ID] = struct{}{}
	}

	p := vm.findPending(localID)
	if p == nil {
		// Already retired by its echo.
		return
	}
	if err != nil {
		if vm.runCtx.Err() != nil {
			return
		}
		p.failed = true
		p.err = err
		vm.log.Warn("conversation.send.fail", "local_id", localID, "err", err)
		vm.publish()
		return
	}

	for _, e := range vm.confirmed {
		if e.ID == sent.ID {
			vm.dropPending(localID)
			vm.publish()
			return
		}
	}
	p.acked = true
	p.failed = false
	p.err = nil
	p.msg = sent
	vm.publish()
}

func (vm *ViewModel) findPending(localID string) *pending {
	for _, p := range vm.pend {
		if p.localID == localID {
			return p
		}
	}
	return nil
}

func (vm *ViewModel) dropPending(localID string) {
	out := vm.pend[:0]
	for _, p := range vm.pend {
		if p.localID != localID {
			out = append(out, p)
		}
	}
	vm.pend = out
}

// ---- publishing ----

func (vm *ViewModel) publish() {
	entries := make([]Entry, 0, len(vm.confirmed)+len(vm.pend))
	entries = append(entries, vm.confirmed...)

	var tail []Entry
	for _, p := range vm.pend {
		if p.acked {
			entries = append(entries, p.entry())
		} else {
			tail = append(tail, p.entry())
		}
	}
	sort.SliceStable(entries, func(i, j int) bool { return entryLess(entries[i], entries[j]) })
	entries = append(entries, tail...)

	unread := 0
	for _, e := range entries {
		if e.RecipientID == vm.cfg.Self && !e.Read {
			unread++
		}
	}

	s := &Snapshot{
		State:          vm.state,
		Entries:        entries,
		Unread:         unread,
		Loaded:         vm.loaded,
		ConnectionLost: vm.connLost,
		Err:            vm.err,
	}
	vm.snap.Store(s)
	if vm.listener.Changed != nil {
		vm.listener.Changed(*s)
	}
}

// ---- subscriptions ----

func (vm *ViewModel) topics() []feed.Topic {
	if vm.cfg.TaskID != "" {
		return []feed.Topic{feed.MessagesWhere(records.ColumnAssignmentID, vm.cfg.TaskID)}
	}
	return []feed.Topic{
		feed.MessagesWhere(records.ColumnSenderID, vm.cfg.Self),
		feed.MessagesWhere(records.ColumnRecipientID, vm.cfg.Self),
	}
}

func (vm *ViewModel) subscribe() error {
	var subs []*feed.Subscription
	for _, t := range vm.topics() {
		s, err := vm.bus.Subscribe(vm.runCtx, t)
		if err != nil {
			for _, prev := range subs {
				prev.Cancel()
			}
			return &messaging.Error{Op: "conversation.subscribe", Kind: messaging.ErrQuery, Err: err}
		}
		subs = append(subs, s)
	}

	vm.subsMu.Lock()
	vm.subs = subs
	vm.subsMu.Unlock()

	for _, s := range subs {
		vm.wg.Add(1)
		go vm.forward(s)
	}
	return nil
}

func (vm *ViewModel) cancelSubs() {
	vm.subsMu.Lock()
	subs := vm.subs
	vm.subs = nil
	vm.subsMu.Unlock()

	for _, s := range subs {
		s.Cancel()
	}
}

func (vm *ViewModel) forward(s *feed.Subscription) {
	defer vm.wg.Done()

	for {
		select {
		case <-vm.runCtx.Done():
			return
		case <-s.Done():
			return
		case ev := <-s.Events():
			select {
			case vm.events <- ev:
			case <-vm.runCtx.Done():
				return
			}
		}
	}
}

func sameTask(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func derefStr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
