package profiles

import (
	"context"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"taskchat/cmd/internal/records"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Runs only when TASKCHAT_DATABASE_URL is set.
func TestPostgresDirectory_UpsertAndLookup(t *testing.T) {
	t.Parallel()

	raw := strings.TrimSpace(os.Getenv("TASKCHAT_DATABASE_URL"))
	if raw == "" {
		t.Skip("TASKCHAT_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, raw)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	schema := "taskchat_profiles_it_" + strconv.FormatInt(time.Now().UnixNano(), 36)
	t.Cleanup(func() {
		dropCtx, dropCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer dropCancel()
		_, _ = pool.Exec(dropCtx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
	})
	if err := records.ApplySchema(ctx, pool, schema); err != nil {
		t.Fatalf("apply schema: %v", err)
	}

	dir, err := NewPostgresDirectory(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("NewPostgresDirectory: %v", err)
	}

	if err := dir.Upsert(ctx, Profile{UserID: "w1", DisplayName: " Grace ", Email: "GRACE@Example.com", Role: "WRITER"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := dir.Upsert(ctx, Profile{UserID: "w1", DisplayName: "Grace H", Email: "grace@example.com", Role: "writer"}); err != nil {
		t.Fatalf("upsert again: %v", err)
	}
	if err := dir.Upsert(ctx, Profile{UserID: " "}); err == nil {
		t.Fatalf("expected error for empty user id")
	}

	got, err := dir.Lookup(ctx, []string{"w1", "ghost", "w1"})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len=%d want=1", len(got))
	}
	want := Profile{UserID: "w1", DisplayName: "Grace H", Email: "grace@example.com", Role: RoleWriter}
	if got["w1"] != want {
		t.Fatalf("got=%+v want=%+v", got["w1"], want)
	}
}

func TestNewPostgresDirectory_RejectsBadSchema(t *testing.T) {
	t.Parallel()

	if _, err := NewPostgresDirectory(nil, WithSchema("bad-schema")); err == nil {
		t.Fatalf("expected invalid schema error")
	}
	if _, err := NewPostgresDirectory(nil); err == nil {
		t.Fatalf("expected nil pool error")
	}
}
