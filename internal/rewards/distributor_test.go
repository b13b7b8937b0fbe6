package rewards

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"questline/internal/domain"
	"questline/internal/repo"
)

// stubUserStore scripts ApplyReward failures: the first failN calls return
// failErr, later calls succeed and record the application.
type stubUserStore struct {
	failN    int
	failErr  error
	calls    int
	applied  map[string]bool
	checkErr error
}

func newStubUserStore() *stubUserStore {
	return &stubUserStore{applied: map[string]bool{}}
}

func (s *stubUserStore) key(userID, rewardID string) string { return userID + "|" + rewardID }

func (s *stubUserStore) RewardApplied(ctx context.Context, userID, rewardID string) (bool, error) {
	if s.checkErr != nil {
		return false, s.checkErr
	}
	return s.applied[s.key(userID, rewardID)], nil
}

func (s *stubUserStore) ApplyReward(ctx context.Context, userID, rewardID string, xp, reputation int, now string) error {
	s.calls++
	if s.calls <= s.failN {
		return s.failErr
	}
	if s.applied[s.key(userID, rewardID)] {
		return repo.ErrAlreadyApplied
	}
	s.applied[s.key(userID, rewardID)] = true
	return nil
}

type stubFailureStore struct {
	inserted  []domain.FailedReward
	insertErr error

	leased    map[string]string
	resolved  []string
	abandoned []string
	bumped    []string
	pending   []domain.FailedReward
	// rows overrides per-id current state, for entries mutated after the
	// pending snapshot was taken.
	rows map[string]domain.FailedReward
}

func newStubFailureStore() *stubFailureStore {
	return &stubFailureStore{
		leased: map[string]string{},
		rows:   map[string]domain.FailedReward{},
	}
}

func (s *stubFailureStore) InsertFailedReward(ctx context.Context, fr domain.FailedReward) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	// Mirrors the store's ON CONFLICT DO NOTHING on the reward id.
	for _, e := range s.pending {
		if e.ID == fr.ID {
			return nil
		}
	}
	for _, e := range s.inserted {
		if e.ID == fr.ID {
			return nil
		}
	}
	s.inserted = append(s.inserted, fr)
	return nil
}

func (s *stubFailureStore) GetFailedReward(ctx context.Context, id string) (domain.FailedReward, error) {
	if fr, ok := s.rows[id]; ok {
		return fr, nil
	}
	for _, fr := range s.pending {
		if fr.ID == id {
			return fr, nil
		}
	}
	for _, fr := range s.inserted {
		if fr.ID == id {
			return fr, nil
		}
	}
	return domain.FailedReward{}, repo.ErrNotFound
}

func (s *stubFailureStore) ListPendingFailedRewards(ctx context.Context, now string, limit int) ([]domain.FailedReward, error) {
	return s.pending, nil
}

func (s *stubFailureStore) AcquireRewardLease(ctx context.Context, id, owner, now, expiresAt string) error {
	if cur, ok := s.leased[id]; ok && cur != owner {
		return repo.ErrConflict
	}
	s.leased[id] = owner
	return nil
}

func (s *stubFailureStore) ReleaseRewardLease(ctx context.Context, id, owner, now string) error {
	delete(s.leased, id)
	return nil
}

func (s *stubFailureStore) MarkRewardResolved(ctx context.Context, id, owner, now string) error {
	if s.leased[id] != owner {
		return repo.ErrConflict
	}
	s.resolved = append(s.resolved, id)
	return nil
}

func (s *stubFailureStore) MarkRewardAbandoned(ctx context.Context, id, owner, lastError, now string) error {
	if s.leased[id] != owner {
		return repo.ErrConflict
	}
	s.abandoned = append(s.abandoned, id)
	return nil
}

func (s *stubFailureStore) BumpRewardRetry(ctx context.Context, id, owner, lastError, now string) error {
	if s.leased[id] != owner {
		return repo.ErrConflict
	}
	s.bumped = append(s.bumped, id)
	fr, err := s.GetFailedReward(ctx, id)
	if err == nil {
		fr.RetryCount++
		fr.LastError = lastError
		s.rows[id] = fr
	}
	delete(s.leased, id)
	return nil
}

func testDistributor(users *stubUserStore, failures *stubFailureStore) *Distributor {
	return &Distributor{
		Users:         users,
		Failures:      failures,
		LocalAttempts: 3,
		Backoff:       time.Millisecond,
		Now:           func() time.Time { return time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC) },
	}
}

var testReward = Reward{
	RewardID:   "quest/q1/completion",
	QuestID:    "q1",
	UserID:     "bob",
	XP:         100,
	Reputation: 10,
}

func TestApplySucceedsAfterTransientFailures(t *testing.T) {
	users := newStubUserStore()
	users.failN = 2
	users.failErr = context.DeadlineExceeded
	failures := newStubFailureStore()

	outcome, err := testDistributor(users, failures).Apply(context.Background(), testReward)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, 3, users.calls)
	assert.Empty(t, failures.inserted)
}

func TestApplyQueuesAfterExhaustedRetries(t *testing.T) {
	users := newStubUserStore()
	users.failN = 10
	users.failErr = context.DeadlineExceeded
	failures := newStubFailureStore()

	outcome, err := testDistributor(users, failures).Apply(context.Background(), testReward)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, 3, users.calls)

	require.Len(t, failures.inserted, 1)
	fr := failures.inserted[0]
	assert.Equal(t, testReward.RewardID, fr.ID)
	assert.Equal(t, "bob", fr.UserID)
	assert.Equal(t, 100, fr.XPAmount)
	assert.Equal(t, 10, fr.ReputationAmount)
	assert.Equal(t, domain.RewardPending, fr.Status)
	assert.Equal(t, 0, fr.RetryCount)
	assert.NotEmpty(t, fr.LastError)
}

func TestApplyShortCircuitsWhenAlreadyApplied(t *testing.T) {
	users := newStubUserStore()
	users.applied[users.key("bob", testReward.RewardID)] = true
	failures := newStubFailureStore()

	outcome, err := testDistributor(users, failures).Apply(context.Background(), testReward)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyApplied, outcome)
	assert.Zero(t, users.calls)
}

func TestApplyTreatsDuplicateInsertAsApplied(t *testing.T) {
	users := newStubUserStore()
	// The pre-check misses, but the store's own uniqueness guard fires.
	users.checkErr = errors.New("check unavailable")
	users.applied[users.key("bob", testReward.RewardID)] = true
	failures := newStubFailureStore()

	outcome, err := testDistributor(users, failures).Apply(context.Background(), testReward)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyApplied, outcome)
	assert.Empty(t, failures.inserted)
}

func TestApplyDoesNotQueueDeterministicFailures(t *testing.T) {
	users := newStubUserStore()
	users.failN = 10
	users.failErr = repo.ErrNotFound
	failures := newStubFailureStore()

	outcome, err := testDistributor(users, failures).Apply(context.Background(), testReward)
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, 1, users.calls, "deterministic errors must not be retried")
	assert.Empty(t, failures.inserted)
}

func TestApplySurfacesQueueInsertFailure(t *testing.T) {
	users := newStubUserStore()
	users.failN = 10
	users.failErr = context.DeadlineExceeded
	failures := newStubFailureStore()
	failures.insertErr = errors.New("disk full")

	outcome, err := testDistributor(users, failures).Apply(context.Background(), testReward)
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.ErrorContains(t, err, "disk full")
}
