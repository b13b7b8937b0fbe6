package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"questline/internal/config"
	"questline/internal/domain"
	"questline/internal/events"
	"questline/internal/repo"
	"questline/internal/rewards"
)

// Engine coordinates the quest lifecycle. It holds no record state across
// calls: every operation re-reads, validates against the pure rules, and
// performs one guarded write. Reward application runs after the completion
// write commits and never blocks it.
type Engine struct {
	DB          *sql.DB
	Repo        repo.Repo
	Events      events.Writer
	Config      *config.Config
	Rewards     *rewards.Distributor
	Reprocessor *rewards.Reprocessor
	Now         func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	e := Engine{
		DB:     db,
		Repo:   r,
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
	e.Rewards = &rewards.Distributor{
		Users:         r,
		Failures:      r,
		LocalAttempts: cfg.Rewards.LocalAttempts,
		Backoff:       cfg.Rewards.Backoff.D(),
	}
	e.Reprocessor = &rewards.Reprocessor{
		Failures:    r,
		Users:       r,
		Distributor: e.Rewards,
		Owner:       uuid.New().String(),
		LeaseTTL:    cfg.Rewards.LeaseTTL.D(),
		MaxRetries:  cfg.Rewards.MaxRetries,
		Batch:       cfg.Rewards.SweepBatch,
	}
	e.Reprocessor.Events = rewardEventSink{e: e}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func (e Engine) appendEvent(ctx context.Context, evtType, entityKind, entityID, actorID string, payload events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, evtType, entityKind, entityID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// QuestCreateOptions are parameters for creating a quest. Reward amounts are
// fixed here and never recomputed later.
type QuestCreateOptions struct {
	ID               string
	CreatorID        string
	Title            string
	Description      string
	RewardXP         int
	RewardReputation int
}

func (e Engine) CreateQuest(ctx context.Context, opts QuestCreateOptions) (domain.Quest, error) {
	if opts.Title == "" {
		return domain.Quest{}, errors.New("title is required")
	}
	if opts.CreatorID == "" {
		return domain.Quest{}, errors.New("creator is required")
	}
	if opts.RewardXP < 0 || opts.RewardReputation < 0 {
		return domain.Quest{}, errors.New("reward amounts must be non-negative")
	}
	if _, err := e.Repo.GetUser(ctx, opts.CreatorID); err != nil {
		return domain.Quest{}, fmt.Errorf("creator: %w", err)
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := fmtTime(e.now())
	q := domain.Quest{
		ID:               id,
		CreatorID:        opts.CreatorID,
		Title:            opts.Title,
		Description:      opts.Description,
		RewardXP:         opts.RewardXP,
		RewardReputation: opts.RewardReputation,
		Status:           domain.QuestOpen,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Quest{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.DebitCreationBalance(ctx, tx, opts.CreatorID, e.Config.Users.QuestCreationCost, now); err != nil {
		return domain.Quest{}, err
	}
	if err := e.Repo.InsertQuest(ctx, tx, q); err != nil {
		return domain.Quest{}, err
	}
	if err := e.Events.Append(ctx, tx, "quest.created", "quest", q.ID, opts.CreatorID, events.EventPayload{
		"title":             q.Title,
		"reward_xp":         q.RewardXP,
		"reward_reputation": q.RewardReputation,
	}); err != nil {
		return domain.Quest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Quest{}, err
	}
	return q, nil
}

// ClaimQuest assigns the caller as performer. Exactly one of two concurrent
// claims succeeds; the loser sees repo.ErrConflict.
func (e Engine) ClaimQuest(ctx context.Context, questID, callerID string) (domain.Quest, error) {
	q, err := e.Repo.GetQuest(ctx, questID)
	if err != nil {
		return q, err
	}
	if _, err := e.Repo.GetUser(ctx, callerID); err != nil {
		return q, fmt.Errorf("caller: %w", err)
	}
	if err := EnsureClaim(q, callerID); err != nil {
		return q, err
	}
	now := fmtTime(e.now())
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return q, err
	}
	defer tx.Rollback()
	if err := e.Repo.ClaimQuest(ctx, tx, questID, callerID, now); err != nil {
		return q, err
	}
	if err := e.Events.Append(ctx, tx, "quest.claimed", "quest", questID, callerID, events.EventPayload{
		"performer_id": callerID,
	}); err != nil {
		return q, err
	}
	if err := tx.Commit(); err != nil {
		return q, err
	}
	return e.Repo.GetQuest(ctx, questID)
}

// SubmitWork records the performer's evidence and moves the quest to SUBMITTED.
func (e Engine) SubmitWork(ctx context.Context, questID, callerID, evidence string) (domain.Quest, error) {
	q, err := e.Repo.GetQuest(ctx, questID)
	if err != nil {
		return q, err
	}
	if err := EnsureSubmit(q, callerID); err != nil {
		return q, err
	}
	now := fmtTime(e.now())
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return q, err
	}
	defer tx.Rollback()
	if err := e.Repo.SubmitQuest(ctx, tx, questID, callerID, evidence, now); err != nil {
		return q, err
	}
	if err := e.Events.Append(ctx, tx, "quest.submitted", "quest", questID, callerID, nil); err != nil {
		return q, err
	}
	if err := tx.Commit(); err != nil {
		return q, err
	}
	return e.Repo.GetQuest(ctx, questID)
}

// AttestCompletion records one party's attestation. When it is the second of
// the pair, the quest advances to COMPLETE in the same write and the
// performer's reward is distributed; a reward failure is queued for recovery
// and does not undo or delay the completion.
func (e Engine) AttestCompletion(ctx context.Context, questID, callerID string, rating int, comment string) (domain.Quest, error) {
	if rating < 1 || rating > 5 {
		return domain.Quest{}, errors.New("rating must be between 1 and 5")
	}
	q, err := e.Repo.GetQuest(ctx, questID)
	if err != nil {
		return q, err
	}
	role, err := EnsureAttest(q, callerID)
	if err != nil {
		return q, err
	}
	now := fmtTime(e.now())
	att := domain.Attestation{
		ID:         uuid.New().String(),
		QuestID:    questID,
		AttesterID: callerID,
		Role:       role,
		Rating:     rating,
		Comment:    comment,
		TS:         now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return q, err
	}
	defer tx.Rollback()
	status, err := e.Repo.RecordAttestation(ctx, tx, att, now)
	if err != nil {
		return q, err
	}
	if err := e.Events.Append(ctx, tx, "attestation.added", "quest", questID, callerID, events.EventPayload{
		"role":   string(role),
		"rating": rating,
	}); err != nil {
		return q, err
	}
	completed := status == domain.QuestComplete
	if completed {
		if err := e.Events.Append(ctx, tx, "quest.completed", "quest", questID, callerID, nil); err != nil {
			return q, err
		}
	}
	if err := tx.Commit(); err != nil {
		return q, err
	}

	updated, err := e.Repo.GetQuest(ctx, questID)
	if err != nil {
		return updated, err
	}
	if completed {
		e.distributeCompletionReward(ctx, updated)
	}
	return updated, nil
}

// distributeCompletionReward applies the performer's reward after the
// completion write committed. Best effort by contract: the quest is COMPLETE
// either way, and a failed application sits durably in failed_rewards.
func (e Engine) distributeCompletionReward(ctx context.Context, q domain.Quest) {
	if q.PerformerID == nil {
		return
	}
	rw := rewards.Reward{
		RewardID:   domain.CompletionRewardID(q.ID),
		QuestID:    q.ID,
		UserID:     *q.PerformerID,
		XP:         q.RewardXP,
		Reputation: q.RewardReputation,
	}
	outcome, err := e.Rewards.Apply(ctx, rw)
	switch outcome {
	case rewards.OutcomeApplied:
		_ = e.appendEvent(ctx, "reward.applied", "reward", rw.RewardID, "system", events.EventPayload{
			"user_id":    rw.UserID,
			"xp":         rw.XP,
			"reputation": rw.Reputation,
		})
	case rewards.OutcomeFailed:
		payload := events.EventPayload{"user_id": rw.UserID}
		if err != nil {
			payload["error"] = err.Error()
		}
		_ = e.appendEvent(ctx, "reward.failed", "reward", rw.RewardID, "system", payload)
	}
}

// DisputeQuest moves a quest to DISPUTED. Terminal for the core; arbitration
// happens elsewhere.
func (e Engine) DisputeQuest(ctx context.Context, questID, callerID, reason string) (domain.Quest, error) {
	q, err := e.Repo.GetQuest(ctx, questID)
	if err != nil {
		return q, err
	}
	if err := EnsureDispute(q, callerID, e.now(), e.Config.Quests.DisputeWindow.D()); err != nil {
		return q, err
	}
	now := fmtTime(e.now())
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return q, err
	}
	defer tx.Rollback()
	if err := e.Repo.DisputeQuest(ctx, tx, questID, reason, now); err != nil {
		return q, err
	}
	if err := e.Events.Append(ctx, tx, "quest.disputed", "quest", questID, callerID, events.EventPayload{
		"reason": reason,
	}); err != nil {
		return q, err
	}
	if err := tx.Commit(); err != nil {
		return q, err
	}
	return e.Repo.GetQuest(ctx, questID)
}

// ExpireStaleQuests moves OPEN/CLAIMED quests past their inactivity window to
// EXPIRED, one guarded write per quest. Quests that progressed since the scan
// are skipped.
func (e Engine) ExpireStaleQuests(ctx context.Context) (int, error) {
	now := e.now()
	openBefore := fmtTime(now.Add(-e.Config.Quests.OpenTTL.D()))
	claimedBefore := fmtTime(now.Add(-e.Config.Quests.ClaimedTTL.D()))
	ids, err := e.Repo.ListExpirable(ctx, openBefore, claimedBefore, 0)
	if err != nil {
		return 0, err
	}
	nowStr := fmtTime(now)
	expired := 0
	for _, id := range ids {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return expired, err
		}
		if err := e.Repo.ExpireQuest(ctx, tx, id, nowStr); err != nil {
			tx.Rollback()
			if errors.Is(err, repo.ErrConflict) {
				continue
			}
			return expired, err
		}
		if err := e.Events.Append(ctx, tx, "quest.expired", "quest", id, "system", nil); err != nil {
			tx.Rollback()
			return expired, err
		}
		if err := tx.Commit(); err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// RegisterUser creates the user if absent. Registering an existing id returns
// the current record unchanged.
func (e Engine) RegisterUser(ctx context.Context, userID string) (domain.User, error) {
	if userID == "" {
		return domain.User{}, errors.New("user id is required")
	}
	now := fmtTime(e.now())
	u := domain.User{
		ID:                   userID,
		QuestCreationBalance: e.Config.Users.InitialCreationBalance,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return u, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertUser(ctx, tx, u); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			// The open tx still holds the insert's write lock; release it
			// before reading on another connection.
			tx.Rollback()
			return e.Repo.GetUser(ctx, userID)
		}
		return u, err
	}
	if err := e.Events.Append(ctx, tx, "user.registered", "user", userID, userID, nil); err != nil {
		return u, err
	}
	if err := tx.Commit(); err != nil {
		return u, err
	}
	return u, nil
}

// ReprocessFailedRewards runs one recovery sweep. Invoked on a schedule by
// the serve loop or a cron-driven CLI call; safe to run from several workers
// at once.
func (e Engine) ReprocessFailedRewards(ctx context.Context) (rewards.Summary, error) {
	return e.Reprocessor.Sweep(ctx)
}

type rewardEventSink struct {
	e Engine
}

func (s rewardEventSink) RewardResolved(ctx context.Context, fr domain.FailedReward) {
	_ = s.e.appendEvent(ctx, "reward.resolved", "reward", fr.ID, "reprocessor", events.EventPayload{
		"user_id": fr.UserID,
	})
}

func (s rewardEventSink) RewardAbandoned(ctx context.Context, fr domain.FailedReward) {
	_ = s.e.appendEvent(ctx, "reward.abandoned", "reward", fr.ID, "reprocessor", events.EventPayload{
		"user_id":     fr.UserID,
		"retry_count": fr.RetryCount,
		"last_error":  fr.LastError,
	})
}
