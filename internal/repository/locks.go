package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// --- Repository Lock Rows ---
//
// Cross-process refresh exclusion uses insert-on-claim against the unique
// (owner, name) constraint. A row is valid while expires_at > NOW(); expired
// rows may be deleted by any actor. The expiry re-check lives in SQL so a
// holder that releases between our read and our delete cannot lose a fresh
// lock (the classic lost-release race).

// InsertLock attempts to claim the lock. Returns true when this holder now
// owns the row.
func (r *Repository) InsertLock(ctx context.Context, owner, name, holderID string, ttl time.Duration) (bool, error) {
	owner, name = canonical(owner, name)
	var id int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO repository_locks (owner, name, locked_at, last_heartbeat_at, expires_at, lock_holder_id)
		VALUES ($1, $2, NOW(), NOW(), NOW() + $4 * INTERVAL '1 millisecond', $3)
		ON CONFLICT (owner, name) DO NOTHING
		RETURNING id`,
		owner, name, holderID, ttl.Milliseconds(),
	).Scan(&id)
	if err == pgx.ErrNoRows {
		// Conflict: somebody else holds the row.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// DeleteExpiredLock removes the row only if it is already expired. Returns
// true if a row was deleted.
func (r *Repository) DeleteExpiredLock(ctx context.Context, owner, name string) (bool, error) {
	owner, name = canonical(owner, name)
	cmd, err := r.db.Exec(ctx, `
		DELETE FROM repository_locks
		WHERE owner = $1 AND name = $2 AND expires_at <= NOW()`,
		owner, name,
	)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

// DeleteLock releases the row iff this holder still owns it.
func (r *Repository) DeleteLock(ctx context.Context, owner, name, holderID string) error {
	owner, name = canonical(owner, name)
	_, err := r.db.Exec(ctx, `
		DELETE FROM repository_locks
		WHERE owner = $1 AND name = $2 AND lock_holder_id = $3`,
		owner, name, holderID,
	)
	return err
}

// TouchLock extends the lease iff this holder still owns it. Returns false
// when another holder took over (the caller must stop heartbeating).
func (r *Repository) TouchLock(ctx context.Context, owner, name, holderID string, ttl time.Duration) (bool, error) {
	owner, name = canonical(owner, name)
	cmd, err := r.db.Exec(ctx, `
		UPDATE repository_locks
		SET last_heartbeat_at = NOW(),
		    expires_at = NOW() + $4 * INTERVAL '1 millisecond'
		WHERE owner = $1 AND name = $2 AND lock_holder_id = $3`,
		owner, name, holderID, ttl.Milliseconds(),
	)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

// SweepExpiredLocks garbage-collects every expired row. Returns the count.
func (r *Repository) SweepExpiredLocks(ctx context.Context) (int64, error) {
	cmd, err := r.db.Exec(ctx, `
		DELETE FROM repository_locks
		WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}
