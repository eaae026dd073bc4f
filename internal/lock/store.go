// Package lock provides named, owned, time-bounded locks used to serialize
// state transitions across processes. A row-level uniqueness constraint is
// the source of truth; an in-process mutex only reduces database churn for
// local contenders.
package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/contentgate/contentgate/internal/database"
	"github.com/contentgate/contentgate/internal/metrics"
)

// Outcome is the result of one transactional acquire attempt.
type Outcome struct {
	Acquired bool
	// Renewed is set when the caller already held the lock and its expiry
	// was extended.
	Renewed   bool
	ExpiresAt time.Time
	// HeldBy names the current owner when the attempt failed.
	HeldBy string
}

// Store runs the row-level lock operations.
type Store interface {
	// Attempt tries to take or renew the lock in one transaction. Expired
	// rows found on the way are deleted (lazy reclamation).
	Attempt(ctx context.Context, resourceCode, ownerCode string, expiresAt time.Time) (Outcome, error)

	// Release deletes the caller's lock row. Returns false when no active
	// lock exists or the owner differs.
	Release(ctx context.Context, resourceCode, ownerCode string) (bool, error)
}

// PostgresStore implements Store against the resource_locks table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a lock store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Attempt(ctx context.Context, resourceCode, ownerCode string, expiresAt time.Time) (Outcome, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("lock_attempt", time.Since(start)) }()

	var out Outcome
	err := database.WithinTx(ctx, s.db, nil, func(tx *sql.Tx) error {
		now := time.Now().UTC()

		var holder string
		var holderExpiry time.Time
		err := tx.QueryRowContext(ctx,
			`SELECT owner_code, expires_at FROM resource_locks
			 WHERE resource_code = $1 FOR UPDATE`,
			resourceCode).Scan(&holder, &holderExpiry)

		switch {
		case err == sql.ErrNoRows:
			// No lock; fall through to insert.

		case err != nil:
			return fmt.Errorf("lookup lock %s: %w", resourceCode, err)

		case !holderExpiry.After(now):
			// Expired row found during lookup is reclaimed here, not by a sweeper.
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM resource_locks WHERE resource_code = $1`, resourceCode); err != nil {
				return fmt.Errorf("reclaim expired lock %s: %w", resourceCode, err)
			}

		case holder == ownerCode:
			// Renewal never shortens a lock.
			extended := expiresAt
			if holderExpiry.After(extended) {
				extended = holderExpiry
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE resource_locks SET expires_at = $1 WHERE resource_code = $2`,
				extended, resourceCode); err != nil {
				return fmt.Errorf("renew lock %s: %w", resourceCode, err)
			}
			out = Outcome{Acquired: true, Renewed: true, ExpiresAt: extended}
			return nil

		default:
			out = Outcome{HeldBy: holder}
			return nil
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO resource_locks (resource_code, owner_code, expires_at)
			 VALUES ($1, $2, $3)`,
			resourceCode, ownerCode, expiresAt)
		if err != nil {
			// A concurrent insert winning the race is not a failure of this
			// call, just a lost acquisition.
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				out = Outcome{HeldBy: "unknown"}
				return nil
			}
			return fmt.Errorf("insert lock %s: %w", resourceCode, err)
		}
		out = Outcome{Acquired: true, ExpiresAt: expiresAt}
		return nil
	})
	return out, err
}

func (s *PostgresStore) Release(ctx context.Context, resourceCode, ownerCode string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM resource_locks
		 WHERE resource_code = $1 AND owner_code = $2 AND expires_at > $3`,
		resourceCode, ownerCode, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", resourceCode, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}
