package messaging

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"taskchat/cmd/internal/profiles"
	"taskchat/cmd/internal/records"
)

func newTestRepo(t *testing.T, st records.Store, opts ...Option) *Repository {
	t.Helper()

	r, err := NewRepository(st, opts...)
	if err != nil {
		t.Fatalf("new repository: %v", err)
	}
	return r
}

func TestSend_ValidatesAndTrims(t *testing.T) {
	t.Parallel()

	r := newTestRepo(t, records.NewInMemoryStore())
	ctx := context.Background()

	cases := []struct {
		name string
		in   SendInput
	}{
		{name: "empty", in: SendInput{SenderID: "a", RecipientID: "b", Content: "   \n\t"}},
		{name: "self", in: SendInput{SenderID: "a", RecipientID: "a", Content: "hi"}},
		{name: "no recipient", in: SendInput{SenderID: "a", Content: "hi"}},
		{name: "too long", in: SendInput{SenderID: "a", RecipientID: "b", Content: strings.Repeat("é", MaxContentRunes+1)}},
	}
	for _, tc := range cases {
		_, err := r.Send(ctx, tc.in)
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("%s: err=%v want ErrValidation", tc.name, err)
		}
		if IsRetryable(err) {
			t.Fatalf("%s: validation error must not be retryable", tc.name)
		}
	}

	m, err := r.Send(ctx, SendInput{SenderID: "a", RecipientID: "b", Content: "  hello  ", TaskID: " t1 "})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if m.Content != "hello" || m.Read || m.ID == "" || m.CreatedAt.IsZero() {
		t.Fatalf("unexpected persisted message: %+v", m.Message)
	}
	if m.TaskID == nil || *m.TaskID != "t1" {
		t.Fatalf("task id=%v want t1", m.TaskID)
	}
}

func TestListMessages_OrderIsCreatedAtThenID(t *testing.T) {
	t.Parallel()

	// A clock that repeats and steps backwards forces created_at collisions.
	base := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	ticks := []time.Duration{0, 0, time.Millisecond, 0, 2 * time.Millisecond, 2 * time.Millisecond}
	i := 0
	clock := func() time.Time {
		d := ticks[i%len(ticks)]
		i++
		return base.Add(d)
	}
	r := newTestRepo(t, records.NewInMemoryStore(records.WithClock(clock)))
	ctx := context.Background()

	var sent []string
	for n := 0; n < 12; n++ {
		from, to := "a", "b"
		if n%2 == 1 {
			from, to = "b", "a"
		}
		m, err := r.Send(ctx, SendInput{SenderID: from, RecipientID: to, Content: "m"})
		if err != nil {
			t.Fatalf("send %d: %v", n, err)
		}
		sent = append(sent, m.ID)
	}

	got, err := r.ListMessages(ctx, "a", CounterpartScope("b"))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != len(sent) {
		t.Fatalf("len=%d want=%d", len(got), len(sent))
	}
	for k := range got {
		if got[k].ID != sent[k] {
			t.Fatalf("position %d: id=%s want=%s (issuance order)", k, got[k].ID, sent[k])
		}
		if k > 0 {
			prev, cur := got[k-1], got[k]
			if cur.CreatedAt.Before(prev.CreatedAt) || (cur.CreatedAt.Equal(prev.CreatedAt) && cur.ID <= prev.ID) {
				t.Fatalf("position %d breaks (created_at, id) order", k)
			}
		}
	}
}

func TestListMessages_ScopeValidation(t *testing.T) {
	t.Parallel()

	r := newTestRepo(t, records.NewInMemoryStore())
	ctx := context.Background()

	for _, s := range []Scope{{}, {TaskID: "t", CounterpartID: "b"}} {
		if _, err := r.ListMessages(ctx, "a", s); !errors.Is(err, ErrValidation) {
			t.Fatalf("scope %+v: err=%v want ErrValidation", s, err)
		}
	}
	if _, err := r.ListMessages(ctx, " ", TaskScope("t")); !errors.Is(err, ErrValidation) {
		t.Fatalf("empty self: err=%v want ErrValidation", err)
	}
}

func TestListMessages_StoreUnavailableIsRetryableQueryError(t *testing.T) {
	t.Parallel()

	st := records.NewInMemoryStore()
	r := newTestRepo(t, st)

	st.FailNext(1, nil)
	_, err := r.ListMessages(context.Background(), "a", CounterpartScope("b"))
	if !errors.Is(err, ErrQuery) || !IsRetryable(err) {
		t.Fatalf("err=%v want retryable ErrQuery", err)
	}
	var e *Error
	if !errors.As(err, &e) || e.Op != "messaging.ListMessages" {
		t.Fatalf("err=%v want *Error with op", err)
	}
}

func TestFromStore_ForbiddenHidesDetail(t *testing.T) {
	t.Parallel()

	cause := &records.OpError{Op: "records.QueryMessages", Kind: records.ErrForbidden, Err: errors.New("row of user bob")}
	err := fromStore("messaging.ListMessages", cause)
	if !errors.Is(err, ErrAuthorization) {
		t.Fatalf("err=%v want ErrAuthorization", err)
	}
	if strings.Contains(err.Error(), "bob") {
		t.Fatalf("authorization error leaks detail: %q", err.Error())
	}
	if IsRetryable(err) {
		t.Fatalf("authorization error must not be retryable")
	}
}

func TestMarkRead_IdempotentAndRecipientOnly(t *testing.T) {
	t.Parallel()

	r := newTestRepo(t, records.NewInMemoryStore())
	ctx := context.Background()

	m, err := r.Send(ctx, SendInput{SenderID: "a", RecipientID: "b", Content: "hi"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	// Sender cannot mark it read.
	if err := r.MarkRead(ctx, "a", m.ID); err != nil {
		t.Fatalf("mark as sender: %v", err)
	}
	if n := mustUnread(t, r, "b", CounterpartScope("a")); n != 1 {
		t.Fatalf("unread=%d want=1 after sender mark", n)
	}

	for i := 0; i < 2; i++ {
		if err := r.MarkRead(ctx, "b", m.ID); err != nil {
			t.Fatalf("mark %d: %v", i, err)
		}
	}
	got, err := r.ListMessages(ctx, "a", CounterpartScope("b"))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || !got[0].Read {
		t.Fatalf("want one read message, got %+v", got)
	}
}

func TestMarkAllRead_ScopesAndSenderFilter(t *testing.T) {
	t.Parallel()

	r := newTestRepo(t, records.NewInMemoryStore())
	ctx := context.Background()

	mustSend(t, r, SendInput{SenderID: "a", RecipientID: "b", Content: "1", TaskID: "t"})
	mustSend(t, r, SendInput{SenderID: "c", RecipientID: "b", Content: "2", TaskID: "t"})
	mustSend(t, r, SendInput{SenderID: "a", RecipientID: "b", Content: "3"})

	n, err := r.MarkAllRead(ctx, "b", TaskScope("t"), "c")
	if err != nil || n != 1 {
		t.Fatalf("task+sender: n=%d err=%v", n, err)
	}
	n, err = r.MarkAllRead(ctx, "b", CounterpartScope("a"), "c")
	if err != nil || n != 0 {
		t.Fatalf("mismatched sender filter: n=%d err=%v", n, err)
	}
	n, err = r.MarkAllRead(ctx, "b", CounterpartScope("a"), "")
	if err != nil || n != 2 {
		t.Fatalf("counterpart: n=%d err=%v", n, err)
	}
	n, err = r.MarkAllRead(ctx, "b", CounterpartScope("a"), "")
	if err != nil || n != 0 {
		t.Fatalf("repeat: n=%d err=%v", n, err)
	}
}

func TestListMessages_AttachesProfilesAndDedupes(t *testing.T) {
	t.Parallel()

	dir := profiles.NewMemoryDirectory(
		profiles.Profile{UserID: "a", DisplayName: "Ann", Role: "student"},
		profiles.Profile{UserID: "b", DisplayName: "Ben", Role: "writer"},
	)
	st := &dupStore{Store: records.NewInMemoryStore()}
	r := newTestRepo(t, st, WithProfiles(dir))
	ctx := context.Background()

	mustSend(t, r, SendInput{SenderID: "a", RecipientID: "b", Content: "hi"})
	mustSend(t, r, SendInput{SenderID: "b", RecipientID: "z", Content: "other"})

	got, err := r.ListMessages(ctx, "a", CounterpartScope("b"))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len=%d want=1 (duplicates collapsed)", len(got))
	}
	if got[0].Sender.DisplayName != "Ann" || got[0].Recipient.Role != profiles.RoleWriter {
		t.Fatalf("profiles not attached: %+v / %+v", got[0].Sender, got[0].Recipient)
	}
}

// dupStore returns every row twice, as an at-least-once replica might.
type dupStore struct {
	records.Store
}

func (s *dupStore) QueryMessages(ctx context.Context, q records.MessageQuery) ([]records.Message, error) {
	rows, err := s.Store.QueryMessages(ctx, q)
	if err != nil {
		return nil, err
	}
	return append(rows, rows...), nil
}

func mustSend(t *testing.T, r *Repository, in SendInput) Message {
	t.Helper()

	m, err := r.Send(context.Background(), in)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	return m
}

func mustUnread(t *testing.T, r *Repository, self string, scope Scope) int {
	t.Helper()

	n, err := r.UnreadCount(context.Background(), self, scope)
	if err != nil {
		t.Fatalf("unread: %v", err)
	}
	return n
}
