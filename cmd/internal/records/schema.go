package records

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaDDL creates the message, presence and profile tables plus the
// triggers that publish change notifications on channel "<schema>_changes".
// Message notifications carry keys only: NOTIFY payloads are capped at 8000
// bytes and consumers refetch rows anyway.
const schemaDDL = `
CREATE SCHEMA IF NOT EXISTS {{schema}};

CREATE TABLE IF NOT EXISTS {{schema}}.messages (
  id            text        PRIMARY KEY,
  sender_id     text        NOT NULL,
  recipient_id  text        NOT NULL,
  content       text        NOT NULL,
  created_at    timestamptz NOT NULL DEFAULT now(),
  read          boolean     NOT NULL DEFAULT false,
  assignment_id text        NULL,
  CONSTRAINT chk_messages_id_ulid_len CHECK (char_length(id) = 26),
  CONSTRAINT chk_messages_content_nonempty CHECK (char_length(btrim(content)) > 0),
  CONSTRAINT chk_messages_distinct_participants CHECK (sender_id <> recipient_id)
);

CREATE INDEX IF NOT EXISTS messages_sender_idx     ON {{schema}}.messages (sender_id, recipient_id, created_at, id);
CREATE INDEX IF NOT EXISTS messages_recipient_idx  ON {{schema}}.messages (recipient_id, sender_id, created_at, id);
CREATE INDEX IF NOT EXISTS messages_assignment_idx ON {{schema}}.messages (assignment_id, created_at, id)
  WHERE assignment_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS messages_unread_idx     ON {{schema}}.messages (recipient_id) WHERE NOT read;

CREATE TABLE IF NOT EXISTS {{schema}}.presence (
  user_id   text        PRIMARY KEY,
  online    boolean     NOT NULL DEFAULT false,
  last_seen timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS {{schema}}.profiles (
  user_id      text PRIMARY KEY,
  display_name text NOT NULL DEFAULT '',
  email        text NOT NULL DEFAULT '',
  avatar_url   text NOT NULL DEFAULT '',
  role         text NOT NULL DEFAULT ''
);

CREATE OR REPLACE FUNCTION {{schema}}.notify_message_change() RETURNS trigger
LANGUAGE plpgsql AS $$
DECLARE
  r record;
BEGIN
  IF TG_OP = 'DELETE' THEN
    r := OLD;
  ELSE
    r := NEW;
  END IF;
  PERFORM pg_notify(TG_TABLE_SCHEMA || '_changes', jsonb_build_object(
    'table', TG_TABLE_NAME,
    'op', lower(TG_OP),
    'id', r.id,
    'sender_id', r.sender_id,
    'recipient_id', r.recipient_id,
    'assignment_id', r.assignment_id
  )::text);
  RETURN NULL;
END;
$$;

CREATE OR REPLACE FUNCTION {{schema}}.notify_presence_change() RETURNS trigger
LANGUAGE plpgsql AS $$
DECLARE
  r record;
BEGIN
  IF TG_OP = 'DELETE' THEN
    r := OLD;
  ELSE
    r := NEW;
  END IF;
  PERFORM pg_notify(TG_TABLE_SCHEMA || '_changes', jsonb_build_object(
    'table', TG_TABLE_NAME,
    'op', lower(TG_OP),
    'user_id', r.user_id,
    'online', r.online,
    'last_seen', r.last_seen
  )::text);
  RETURN NULL;
END;
$$;

DROP TRIGGER IF EXISTS messages_notify ON {{schema}}.messages;
CREATE TRIGGER messages_notify
  AFTER INSERT OR UPDATE OR DELETE ON {{schema}}.messages
  FOR EACH ROW EXECUTE FUNCTION {{schema}}.notify_message_change();

DROP TRIGGER IF EXISTS presence_notify ON {{schema}}.presence;
CREATE TRIGGER presence_notify
  AFTER INSERT OR UPDATE OR DELETE ON {{schema}}.presence
  FOR EACH ROW EXECUTE FUNCTION {{schema}}.notify_presence_change();
`

// ApplySchema creates (or refreshes) the tables and triggers in schema.
// Production deployments may manage the same DDL with a migration tool instead.
func ApplySchema(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	if pool == nil {
		return errors.New("records: nil pool")
	}
	schema = strings.TrimSpace(schema)
	if !isValidPGIdent(schema) {
		return errors.New("records: invalid schema identifier")
	}
	ddl := strings.ReplaceAll(schemaDDL, "{{schema}}", schema)
	_, err := pool.Exec(ctx, ddl)
	return err
}
