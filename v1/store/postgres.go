package store

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DefaultPostgresTable is the table used when none is configured.
const DefaultPostgresTable = "mutex_locks"

// PgxConn is the subset of *pgxpool.Pool and *pgx.Conn used by Postgres.
type PgxConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres implements Store on a table with a primary key on the lock key.
// Expiry uses the database clock, so claimants on different hosts agree on
// when a record has expired.
type Postgres struct {
	db    PgxConn
	table string

	claimSQL   string
	releaseSQL string
	ownerSQL   string
}

// NewPostgres returns a store using table (DefaultPostgresTable if empty).
// Call Migrate once to create the table.
func NewPostgres(db PgxConn, table string) *Postgres {
	if table == "" {
		table = DefaultPostgresTable
	}
	t := pgx.Identifier{table}.Sanitize()
	return &Postgres{
		db:    db,
		table: t,
		claimSQL: fmt.Sprintf(`
			INSERT INTO %[1]s (key, owner, expires_at)
			VALUES ($1, $2, CASE WHEN $3::bigint > 0 THEN now() + $3::bigint * interval '1 millisecond' END)
			ON CONFLICT (key) DO UPDATE
			SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
			WHERE %[1]s.expires_at IS NOT NULL AND %[1]s.expires_at <= now()
			RETURNING owner`, t),
		releaseSQL: fmt.Sprintf(`DELETE FROM %s WHERE key = $1 AND owner = $2`, t),
		ownerSQL: fmt.Sprintf(`
			SELECT owner FROM %s
			WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`, t),
	}
}

// Migrate creates the lock table if it does not exist.
func (s *Postgres) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key        TEXT PRIMARY KEY,
			owner      TEXT NOT NULL,
			expires_at TIMESTAMPTZ
		)`, s.table))
	return err
}

// TryClaim implements Store.TryClaim.
func (s *Postgres) TryClaim(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	var owner string
	err := s.db.QueryRow(ctx, s.claimSQL, key, token, ceilMillis(ttl)).Scan(&owner)
	if stdErrors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return owner == token, nil
}

// ceilMillis rounds a positive ttl up to whole milliseconds so that it
// never collapses into the "no expiry" value 0.
func ceilMillis(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return int64((ttl + time.Millisecond - 1) / time.Millisecond)
}

// ReleaseIfOwner implements Store.ReleaseIfOwner.
func (s *Postgres) ReleaseIfOwner(ctx context.Context, key, token string) (bool, error) {
	tag, err := s.db.Exec(ctx, s.releaseSQL, key, token)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Owner implements Inspector.Owner.
func (s *Postgres) Owner(ctx context.Context, key string) (string, bool, error) {
	var owner string
	err := s.db.QueryRow(ctx, s.ownerSQL, key).Scan(&owner)
	if stdErrors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return owner, true, nil
}
