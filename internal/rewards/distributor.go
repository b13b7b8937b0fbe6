package rewards

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"

	"questline/internal/domain"
	"questline/internal/repo"
)

// UserStore is the slice of the store the distributor mutates.
type UserStore interface {
	RewardApplied(ctx context.Context, userID, rewardID string) (bool, error)
	ApplyReward(ctx context.Context, userID, rewardID string, xp, reputation int, now string) error
}

// FailureStore persists rewards that could not be applied inline.
type FailureStore interface {
	InsertFailedReward(ctx context.Context, fr domain.FailedReward) error
	GetFailedReward(ctx context.Context, id string) (domain.FailedReward, error)
	ListPendingFailedRewards(ctx context.Context, now string, limit int) ([]domain.FailedReward, error)
	AcquireRewardLease(ctx context.Context, id, owner, now, expiresAt string) error
	ReleaseRewardLease(ctx context.Context, id, owner, now string) error
	MarkRewardResolved(ctx context.Context, id, owner, now string) error
	MarkRewardAbandoned(ctx context.Context, id, owner, lastError, now string) error
	BumpRewardRetry(ctx context.Context, id, owner, lastError, now string) error
}

// Reward is one delta to apply to a user, keyed by RewardID.
type Reward struct {
	RewardID   string
	QuestID    string
	UserID     string
	XP         int
	Reputation int
}

// Outcome is the caller-visible result of an apply attempt. Failed still
// means the reward is durably queued, not lost.
type Outcome string

const (
	OutcomeApplied        Outcome = "applied"
	OutcomeAlreadyApplied Outcome = "already_applied"
	OutcomeFailed         Outcome = "failed"
)

// Distributor applies reward deltas exactly once. Transient store errors are
// retried within a small local budget; when the budget runs out the reward is
// parked as a pending FailedReward for the reprocessor, and the caller's
// completion flow proceeds regardless.
type Distributor struct {
	Users         UserStore
	Failures      FailureStore
	LocalAttempts int
	Backoff       time.Duration
	Now           func() time.Time
}

func (d *Distributor) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// Apply attempts the delta. Applying the same RewardID twice is a no-op, not
// an error.
func (d *Distributor) Apply(ctx context.Context, rw Reward) (Outcome, error) {
	if applied, err := d.Users.RewardApplied(ctx, rw.UserID, rw.RewardID); err == nil && applied {
		return OutcomeAlreadyApplied, nil
	}

	attempts := d.LocalAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := d.Backoff
	if backoff <= 0 {
		backoff = 50 * time.Millisecond
	}
	nowStr := fmtTime(d.now())

	b := retry.WithMaxRetries(uint64(attempts-1), retry.NewExponential(backoff))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		err := d.Users.ApplyReward(ctx, rw.UserID, rw.RewardID, rw.XP, rw.Reputation, nowStr)
		if repo.IsTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err == nil {
		return OutcomeApplied, nil
	}
	if errors.Is(err, repo.ErrAlreadyApplied) {
		return OutcomeAlreadyApplied, nil
	}
	if !repo.IsTransient(err) {
		// Deterministic failures (missing user, bad amounts) are not worth
		// queueing: retrying cannot change the outcome.
		return OutcomeFailed, err
	}

	queuedAt := fmtTime(d.now())
	fr := domain.FailedReward{
		ID:               rw.RewardID,
		QuestID:          rw.QuestID,
		UserID:           rw.UserID,
		XPAmount:         rw.XP,
		ReputationAmount: rw.Reputation,
		Status:           domain.RewardPending,
		RetryCount:       0,
		LastError:        err.Error(),
		CreatedAt:        queuedAt,
		UpdatedAt:        queuedAt,
	}
	if insErr := d.Failures.InsertFailedReward(ctx, fr); insErr != nil {
		return OutcomeFailed, errors.Join(err, insErr)
	}
	return OutcomeFailed, nil
}
