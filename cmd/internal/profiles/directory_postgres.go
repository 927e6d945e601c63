package profiles

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDirectory reads profiles from <schema>.profiles.
//
// The pgx pool is owned by the caller; this directory must NOT close it.
type PostgresDirectory struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the directory.
type PostgresOption func(*PostgresDirectory) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the schema holding the profiles table (default "taskchat").
func WithSchema(schema string) PostgresOption {
	return func(d *PostgresDirectory) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("profiles: empty schema")
		}
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("profiles: invalid schema identifier")
		}
		d.schema = schema
		return nil
	}
}

// NewPostgresDirectory constructs a PostgresDirectory.
func NewPostgresDirectory(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresDirectory, error) {
	d := &PostgresDirectory{pool: pool, schema: "taskchat"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	if d.pool == nil {
		return nil, fmt.Errorf("profiles: nil pool")
	}
	return d, nil
}

func (d *PostgresDirectory) table() string {
	return pgx.Identifier{d.schema, "profiles"}.Sanitize()
}

// Lookup implements Source.
func (d *PostgresDirectory) Lookup(ctx context.Context, userIDs []string) (map[string]Profile, error) {
	ids := dedupe(userIDs)
	out := make(map[string]Profile, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := d.pool.Query(ctx,
		`SELECT user_id, display_name, email, avatar_url, role
		   FROM `+d.table()+`
		  WHERE user_id = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("profiles.Lookup: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p Profile
		if err := rows.Scan(&p.UserID, &p.DisplayName, &p.Email, &p.AvatarURL, &p.Role); err != nil {
			return nil, fmt.Errorf("profiles.Lookup: %w", err)
		}
		out[p.UserID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("profiles.Lookup: %w", err)
	}
	return out, nil
}

// Upsert writes one profile (used by seeding tools and tests).
func (d *PostgresDirectory) Upsert(ctx context.Context, p Profile) error {
	p, err := normalize(p)
	if err != nil {
		return err
	}
	_, err = d.pool.Exec(ctx,
		`INSERT INTO `+d.table()+` (user_id, display_name, email, avatar_url, role)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id) DO UPDATE
		    SET display_name = EXCLUDED.display_name,
		        email        = EXCLUDED.email,
		        avatar_url   = EXCLUDED.avatar_url,
		        role         = EXCLUDED.role`,
		p.UserID, p.DisplayName, p.Email, p.AvatarURL, p.Role,
	)
	if err != nil {
		return fmt.Errorf("profiles.Upsert: %w", err)
	}
	return nil
}
