// Package store persists quote and swap aggregates in postgres. It keeps
// one shared connection pool for the process and gives every status update
// compare-and-swap semantics so concurrent engine instances cannot lose
// writes.
package store

import (
	"context"
	"database/sql"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	commonerrors "github.com/tee-otc/settle-lib/common/errors"
)

// Store wraps the shared database pool.
type Store struct {
	db *sql.DB
}

// New opens the database pool and verifies connectivity.
//
// Parameters:
// - ctx: the context for the connectivity check.
// - connStr: the database connection string.
//
// Returns:
// - *Store: a pointer to the newly created Store instance.
// - error: an error if the pool cannot be opened or reached.
func New(ctx context.Context, connStr string) (*Store, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, commonerrors.ErrDatabaseConnect
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(commonerrors.ErrDatabaseConnect, err.Error())
	}

	return &Store{db: db}, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the schema when it does not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
       CREATE TABLE IF NOT EXISTS quotes (
           id               UUID PRIMARY KEY,
           market_maker_id  UUID NOT NULL,
           from_chain       TEXT NOT NULL,
           from_token       TEXT NOT NULL,
           from_amount      TEXT NOT NULL,
           from_decimals    SMALLINT NOT NULL,
           to_chain         TEXT NOT NULL,
           to_token         TEXT NOT NULL,
           to_amount        TEXT NOT NULL,
           to_decimals      SMALLINT NOT NULL,
           expires_at       TIMESTAMPTZ NOT NULL,
           created_at       TIMESTAMPTZ NOT NULL,
           consumed_at      TIMESTAMPTZ
       );

       CREATE TABLE IF NOT EXISTS swaps (
           id                        UUID PRIMARY KEY,
           quote_id                  UUID NOT NULL REFERENCES quotes(id),
           market_maker_id           UUID NOT NULL,
           user_deposit_salt         BYTEA NOT NULL,
           mm_deposit_salt           BYTEA NOT NULL,
           mm_nonce                  BYTEA NOT NULL,
           user_destination_address  TEXT NOT NULL,
           user_refund_address       TEXT NOT NULL,
           mm_refund_address         TEXT NOT NULL DEFAULT '',
           user_deposit_address      TEXT NOT NULL,
           mm_deposit_address        TEXT NOT NULL,
           status                    TEXT NOT NULL,
           user_deposit              JSONB,
           mm_deposit                JSONB,
           settlement                JSONB,
           failure_reason            TEXT NOT NULL DEFAULT '',
           timeout_at                TIMESTAMPTZ NOT NULL,
           mm_notified_at            TIMESTAMPTZ,
           mm_key_release_at         TIMESTAMPTZ,
           created_at                TIMESTAMPTZ NOT NULL,
           updated_at                TIMESTAMPTZ NOT NULL
       );

       CREATE INDEX IF NOT EXISTS swaps_status_idx ON swaps (status);
       CREATE INDEX IF NOT EXISTS swaps_mm_idx ON swaps (market_maker_id);
       CREATE INDEX IF NOT EXISTS swaps_timeout_idx ON swaps (timeout_at);
       CREATE INDEX IF NOT EXISTS quotes_expires_idx ON quotes (expires_at);
    `)
	if err != nil {
		return errors.Wrap(err, "failed to run migrations")
	}

	return nil
}
