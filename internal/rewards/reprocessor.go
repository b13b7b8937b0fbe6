package rewards

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"questline/internal/domain"
	"questline/internal/repo"
)

// EventSink receives terminal reprocessing outcomes. Implementations must be
// safe to call outside any store transaction.
type EventSink interface {
	RewardResolved(ctx context.Context, fr domain.FailedReward)
	RewardAbandoned(ctx context.Context, fr domain.FailedReward)
}

// Summary is the result of one sweep.
type Summary struct {
	Processed int `json:"processed"`
	Resolved  int `json:"resolved"`
	Abandoned int `json:"abandoned"`
}

// Reprocessor drains pending FailedRewards. Multiple instances may sweep
// concurrently; the lease columns on each entry are the only coordination
// between them. Owner should be unique per instance.
type Reprocessor struct {
	Failures    FailureStore
	Users       UserStore
	Distributor *Distributor
	Owner       string
	LeaseTTL    time.Duration
	MaxRetries  int
	Batch       int
	Events      EventSink
	Logger      *zap.Logger
	Now         func() time.Time
}

func (p *Reprocessor) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Reprocessor) logger() *zap.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return zap.NewNop()
}

// Sweep leases and retries each pending entry once. Entries at the retry
// budget are abandoned and excluded from all future sweeps; everything else
// stays pending with its lease released for the next pass.
func (p *Reprocessor) Sweep(ctx context.Context) (Summary, error) {
	var s Summary
	now := p.now()
	nowStr := fmtTime(now)

	pending, err := p.Failures.ListPendingFailedRewards(ctx, nowStr, p.Batch)
	if err != nil {
		return s, err
	}
	for _, fr := range pending {
		expires := fmtTime(now.Add(p.LeaseTTL))
		if err := p.Failures.AcquireRewardLease(ctx, fr.ID, p.Owner, nowStr, expires); err != nil {
			if errors.Is(err, repo.ErrConflict) {
				continue // another worker owns it
			}
			p.logger().Warn("reward lease acquisition failed", zap.String("reward_id", fr.ID), zap.Error(err))
			continue
		}
		s.Processed++

		// The listing is a snapshot from before the lease; another worker
		// may have bumped the retry count or error in between. Decide from
		// the current row.
		cur, err := p.Failures.GetFailedReward(ctx, fr.ID)
		if err != nil {
			p.logger().Warn("reward re-read failed", zap.String("reward_id", fr.ID), zap.Error(err))
			if relErr := p.Failures.ReleaseRewardLease(ctx, fr.ID, p.Owner, nowStr); relErr != nil {
				p.logger().Warn("lease release failed", zap.String("reward_id", fr.ID), zap.Error(relErr))
			}
			continue
		}
		fr = cur

		if fr.RetryCount >= p.MaxRetries {
			if err := p.Failures.MarkRewardAbandoned(ctx, fr.ID, p.Owner, fr.LastError, nowStr); err != nil {
				p.logger().Warn("abandon failed", zap.String("reward_id", fr.ID), zap.Error(err))
				continue
			}
			s.Abandoned++
			fr.Status = domain.RewardAbandoned
			if p.Events != nil {
				p.Events.RewardAbandoned(ctx, fr)
			}
			p.logger().Error("reward abandoned after retry budget",
				zap.String("reward_id", fr.ID), zap.String("user_id", fr.UserID), zap.Int("retries", fr.RetryCount))
			continue
		}

		// A prior attempt may have applied the delta and crashed before
		// marking the entry resolved. The processed set is the truth.
		if applied, err := p.Users.RewardApplied(ctx, fr.UserID, fr.ID); err == nil && applied {
			p.resolve(ctx, &s, fr, nowStr)
			continue
		}

		outcome, err := p.Distributor.Apply(ctx, Reward{
			RewardID:   fr.ID,
			QuestID:    fr.QuestID,
			UserID:     fr.UserID,
			XP:         fr.XPAmount,
			Reputation: fr.ReputationAmount,
		})
		switch {
		case err == nil && (outcome == OutcomeApplied || outcome == OutcomeAlreadyApplied):
			p.resolve(ctx, &s, fr, nowStr)
		default:
			msg := "apply failed"
			if err != nil {
				msg = err.Error()
			}
			if bumpErr := p.Failures.BumpRewardRetry(ctx, fr.ID, p.Owner, msg, nowStr); bumpErr != nil {
				p.logger().Warn("retry bump failed", zap.String("reward_id", fr.ID), zap.Error(bumpErr))
			}
		}
	}
	return s, nil
}

func (p *Reprocessor) resolve(ctx context.Context, s *Summary, fr domain.FailedReward, nowStr string) {
	if err := p.Failures.MarkRewardResolved(ctx, fr.ID, p.Owner, nowStr); err != nil {
		p.logger().Warn("resolve failed", zap.String("reward_id", fr.ID), zap.Error(err))
		return
	}
	s.Resolved++
	fr.Status = domain.RewardResolved
	if p.Events != nil {
		p.Events.RewardResolved(ctx, fr)
	}
}
