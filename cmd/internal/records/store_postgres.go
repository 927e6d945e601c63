package records

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"taskchat/cmd/internal/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() stops the change-feed listener, which holds one dedicated connection.
//
// Ordering model:
// - id and created_at are stamped together under one lock, so both are
//   non-decreasing in insertion order within a process.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
	now    func() time.Time
	seq    *ids.Sequence

	mu       sync.Mutex
	listener *pgListener
	closed   bool
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "taskchat").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("records: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("records: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// WithPostgresClock overrides the time source used for created_at.
func WithPostgresClock(now func() time.Time) PostgresOption {
	return func(s *PostgresStore) error {
		if now == nil {
			return errors.New("records: nil clock")
		}
		s.now = now
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "taskchat",
		now:    func() time.Time { return time.Now().UTC() },
		seq:    ids.NewSequence(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("records: nil pool")
	}
	return st, nil
}

// Schema returns the schema this store reads and writes.
func (s *PostgresStore) Schema() string { return s.schema }

// Close stops the change-feed listener. The pool stays open.
func (s *PostgresStore) Close() error {
	s.mu.Lock()
	l := s.listener
	s.listener = nil
	s.closed = true
	s.mu.Unlock()

	if l != nil {
		l.shutdown(opErr("records.Close", ErrFeedClosed, nil))
	}
	return nil
}

const messageColumns = `id, sender_id, recipient_id, content, assignment_id, created_at, read`

func scanMessage(row pgx.Row) (Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Content, &m.TaskID, &m.CreatedAt, &m.Read)
	m.CreatedAt = m.CreatedAt.UTC()
	return m, err
}

// QueryMessages returns matching messages ordered by (created_at, id) ASC.
func (s *PostgresStore) QueryMessages(ctx context.Context, q MessageQuery) ([]Message, error) {
	const op = "records.QueryMessages"
	if s == nil || s.pool == nil {
		return nil, errors.New("records: nil store")
	}
	if err := q.validate(); err != nil {
		return nil, opErr(op, ErrInvalidInput, nil)
	}

	messages := pgIdent(s.schema, "messages")

	var (
		where = []string{`(sender_id = $1 OR recipient_id = $1)`}
		args  = []any{q.Participant}
	)
	if q.Counterpart != "" {
		args = append(args, q.Counterpart)
		where = append(where, `(sender_id = $2 OR recipient_id = $2)`)
	}
	if q.TaskID != nil {
		args = append(args, *q.TaskID)
		where = append(where, `assignment_id = $`+strconv.Itoa(len(args)))
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+`
		   FROM `+messages+`
		  WHERE `+strings.Join(where, " AND ")+`
		  ORDER BY created_at ASC, id ASC`,
		args...,
	)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	out := make([]Message, 0, 64)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

// InsertMessage inserts one message with a store-assigned id + created_at.
func (s *PostgresStore) InsertMessage(ctx context.Context, in NewMessage) (Message, error) {
	const op = "records.InsertMessage"
	if s == nil || s.pool == nil {
		return Message{}, errors.New("records: nil store")
	}
	if err := in.validate(); err != nil {
		return Message{}, opErr(op, ErrInvalidInput, nil)
	}

	createdAt, id, err := s.seq.Stamp(s.now)
	if err != nil {
		return Message{}, opErr(op, ErrUnavailable, err)
	}

	messages := pgIdent(s.schema, "messages")

	m, err := scanMessage(s.pool.QueryRow(ctx,
		`INSERT INTO `+messages+` (id, sender_id, recipient_id, content, assignment_id, created_at, read)
		 VALUES ($1, $2, $3, $4, $5, $6, false)
		 RETURNING `+messageColumns,
		id, in.SenderID, in.RecipientID, in.Content, in.TaskID, createdAt,
	))
	if err != nil {
		return Message{}, classify(op, err)
	}
	return m, nil
}

// MarkRead flips read=true on unread rows addressed to in.Recipient.
func (s *PostgresStore) MarkRead(ctx context.Context, in MarkReadInput) (int, error) {
	const op = "records.MarkRead"
	if s == nil || s.pool == nil {
		return 0, errors.New("records: nil store")
	}
	if err := in.validate(); err != nil {
		return 0, opErr(op, ErrInvalidInput, nil)
	}

	messages := pgIdent(s.schema, "messages")

	var (
		where = []string{`recipient_id = $1`, `NOT read`}
		args  = []any{in.Recipient}
	)
	if in.MessageID != "" {
		args = append(args, in.MessageID)
		where = append(where, `id = $`+strconv.Itoa(len(args)))
	}
	if in.SenderID != "" {
		args = append(args, in.SenderID)
		where = append(where, `sender_id = $`+strconv.Itoa(len(args)))
	}
	if in.TaskID != nil {
		args = append(args, *in.TaskID)
		where = append(where, `assignment_id = $`+strconv.Itoa(len(args)))
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+messages+` SET read = true WHERE `+strings.Join(where, " AND "),
		args...,
	)
	if err != nil {
		return 0, classify(op, err)
	}
	return int(tag.RowsAffected()), nil
}

// UpsertPresence writes the presence row; last_seen never moves backwards.
func (s *PostgresStore) UpsertPresence(ctx context.Context, in PresenceInput) (Presence, error) {
	const op = "records.UpsertPresence"
	if s == nil || s.pool == nil {
		return Presence{}, errors.New("records: nil store")
	}
	if in.UserID == "" {
		return Presence{}, opErr(op, ErrInvalidInput, nil)
	}
	at := in.At
	if at.IsZero() {
		at = s.now()
	}

	presence := pgIdent(s.schema, "presence")

	var p Presence
	err := s.pool.QueryRow(ctx,
		`INSERT INTO `+presence+` AS p (user_id, online, last_seen)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO UPDATE
		    SET online = EXCLUDED.online,
		        last_seen = GREATEST(p.last_seen, EXCLUDED.last_seen)
		 RETURNING user_id, online, last_seen`,
		in.UserID, in.Online, at.UTC(),
	).Scan(&p.UserID, &p.Online, &p.LastSeenAt)
	if err != nil {
		return Presence{}, classify(op, err)
	}
	p.LastSeenAt = p.LastSeenAt.UTC()
	return p, nil
}

// GetPresence returns the presence row of userID or ErrNotFound.
func (s *PostgresStore) GetPresence(ctx context.Context, userID string) (Presence, error) {
	const op = "records.GetPresence"
	if s == nil || s.pool == nil {
		return Presence{}, errors.New("records: nil store")
	}
	if userID == "" {
		return Presence{}, opErr(op, ErrInvalidInput, nil)
	}

	presence := pgIdent(s.schema, "presence")

	var p Presence
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, online, last_seen FROM `+presence+` WHERE user_id = $1`,
		userID,
	).Scan(&p.UserID, &p.Online, &p.LastSeenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Presence{}, opErr(op, ErrNotFound, nil)
	}
	if err != nil {
		return Presence{}, classify(op, err)
	}
	p.LastSeenAt = p.LastSeenAt.UTC()
	return p, nil
}

// Subscribe registers a feed on the store's shared LISTEN connection,
// starting the listener on first use.
func (s *PostgresStore) Subscribe(ctx context.Context, table Table, pred Predicate) (Feed, error) {
	const op = "records.Subscribe"
	if s == nil || s.pool == nil {
		return nil, errors.New("records: nil store")
	}
	if !pred.validFor(table) {
		return nil, opErr(op, ErrInvalidInput, nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, opErr(op, ErrUnavailable, nil)
	}
	if s.listener == nil || s.listener.stopped() {
		l, err := startListener(ctx, s.pool, s.schema+"_changes", s.forgetListener)
		if err != nil {
			return nil, classify(op, err)
		}
		s.listener = l
	}
	return s.listener.register(table, pred), nil
}

func (s *PostgresStore) forgetListener(l *pgListener) {
	s.mu.Lock()
	if s.listener == l {
		s.listener = nil
	}
	s.mu.Unlock()
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
