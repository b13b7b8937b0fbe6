package repo

import (
	"context"
	"database/sql"

	"questline/internal/domain"
)

const failedRewardColumns = `id,quest_id,user_id,xp_amount,reputation_amount,status,retry_count,lease_owner,lease_expires_at,COALESCE(last_error,''),created_at,updated_at`

func scanFailedReward(row rowScanner) (domain.FailedReward, error) {
	var fr domain.FailedReward
	var leaseOwner, leaseExpiresAt sql.NullString
	err := row.Scan(&fr.ID, &fr.QuestID, &fr.UserID, &fr.XPAmount, &fr.ReputationAmount,
		&fr.Status, &fr.RetryCount, &leaseOwner, &leaseExpiresAt, &fr.LastError, &fr.CreatedAt, &fr.UpdatedAt)
	if err == sql.ErrNoRows {
		return fr, ErrNotFound
	}
	fr.LeaseOwner = strPtr(leaseOwner)
	fr.LeaseExpiresAt = strPtr(leaseExpiresAt)
	return fr, err
}

// InsertFailedReward durably queues a reward that could not be applied inline.
// A retry racing a previous insert for the same id is a no-op.
func (r Repo) InsertFailedReward(ctx context.Context, fr domain.FailedReward) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO failed_rewards(id,quest_id,user_id,xp_amount,reputation_amount,status,retry_count,lease_owner,lease_expires_at,last_error,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?) ON CONFLICT(id) DO NOTHING`,
		fr.ID, fr.QuestID, fr.UserID, fr.XPAmount, fr.ReputationAmount, fr.Status, fr.RetryCount,
		nullableStringPtr(fr.LeaseOwner), nullableStringPtr(fr.LeaseExpiresAt), nullable(fr.LastError),
		fr.CreatedAt, fr.UpdatedAt)
	return err
}

func (r Repo) GetFailedReward(ctx context.Context, id string) (domain.FailedReward, error) {
	return scanFailedReward(r.DB.QueryRowContext(ctx,
		`SELECT `+failedRewardColumns+` FROM failed_rewards WHERE id=?`, id))
}

// ListPendingFailedRewards returns pending entries whose lease is absent or
// expired at now. Terminal entries never come back.
func (r Repo) ListPendingFailedRewards(ctx context.Context, now string, limit int) ([]domain.FailedReward, error) {
	query := `SELECT ` + failedRewardColumns + ` FROM failed_rewards
WHERE status=? AND (lease_owner IS NULL OR lease_expires_at < ?) ORDER BY created_at`
	args := []any{domain.RewardPending, now}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FailedReward
	for rows.Next() {
		fr, err := scanFailedReward(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, fr)
	}
	return res, rows.Err()
}

func (r Repo) ListFailedRewards(ctx context.Context, status domain.FailedRewardStatus, limit int) ([]domain.FailedReward, error) {
	query := `SELECT ` + failedRewardColumns + ` FROM failed_rewards`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FailedReward
	for rows.Next() {
		fr, err := scanFailedReward(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, fr)
	}
	return res, rows.Err()
}

func (r Repo) CountFailedRewardsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM failed_rewards GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// AcquireRewardLease takes ownership of a pending entry iff nobody holds an
// unexpired lease on it. Losing the race returns ErrConflict and the caller
// skips the entry.
func (r Repo) AcquireRewardLease(ctx context.Context, id, owner, now, expiresAt string) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE failed_rewards SET lease_owner=?, lease_expires_at=?, updated_at=?
WHERE id=? AND status=? AND (lease_owner IS NULL OR lease_expires_at < ?)`,
		owner, expiresAt, now, id, domain.RewardPending, now)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// ReleaseRewardLease clears the lease if still held by owner. A lease that
// already expired or moved on is left alone.
func (r Repo) ReleaseRewardLease(ctx context.Context, id, owner, now string) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE failed_rewards SET lease_owner=NULL, lease_expires_at=NULL, updated_at=? WHERE id=? AND lease_owner=?`,
		now, id, owner)
	return err
}

// MarkRewardResolved finalizes a pending entry after a successful apply.
func (r Repo) MarkRewardResolved(ctx context.Context, id, owner, now string) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE failed_rewards SET status=?, lease_owner=NULL, lease_expires_at=NULL, last_error=NULL, updated_at=?
WHERE id=? AND status=? AND lease_owner=?`,
		domain.RewardResolved, now, id, domain.RewardPending, owner)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// MarkRewardAbandoned finalizes a pending entry whose retry budget ran out.
func (r Repo) MarkRewardAbandoned(ctx context.Context, id, owner, lastError, now string) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE failed_rewards SET status=?, lease_owner=NULL, lease_expires_at=NULL, last_error=?, updated_at=?
WHERE id=? AND status=? AND lease_owner=?`,
		domain.RewardAbandoned, nullable(lastError), now, id, domain.RewardPending, owner)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// BumpRewardRetry increments the retry counter and releases the lease so the
// next sweep can pick the entry up again.
func (r Repo) BumpRewardRetry(ctx context.Context, id, owner, lastError, now string) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE failed_rewards SET retry_count=retry_count+1, lease_owner=NULL, lease_expires_at=NULL, last_error=?, updated_at=?
WHERE id=? AND status=? AND lease_owner=?`,
		nullable(lastError), now, id, domain.RewardPending, owner)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}
