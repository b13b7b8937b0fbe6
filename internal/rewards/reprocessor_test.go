package rewards

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"questline/internal/domain"
)

type recordingSink struct {
	resolved  []string
	abandoned []string
}

func (s *recordingSink) RewardResolved(ctx context.Context, fr domain.FailedReward) {
	s.resolved = append(s.resolved, fr.ID)
}

func (s *recordingSink) RewardAbandoned(ctx context.Context, fr domain.FailedReward) {
	s.abandoned = append(s.abandoned, fr.ID)
}

func pendingReward(id string, retries int) domain.FailedReward {
	return domain.FailedReward{
		ID:         id,
		QuestID:    "q1",
		UserID:     "bob",
		XPAmount:   100,
		Status:     domain.RewardPending,
		RetryCount: retries,
	}
}

func testReprocessor(users *stubUserStore, failures *stubFailureStore, sink *recordingSink) *Reprocessor {
	return &Reprocessor{
		Failures:    failures,
		Users:       users,
		Distributor: testDistributor(users, failures),
		Owner:       "worker-1",
		LeaseTTL:    2 * time.Minute,
		MaxRetries:  5,
		Batch:       100,
		Events:      sink,
		Now:         func() time.Time { return time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC) },
	}
}

func TestSweepResolvesPendingReward(t *testing.T) {
	users := newStubUserStore()
	failures := newStubFailureStore()
	failures.pending = []domain.FailedReward{pendingReward("quest/q1/completion", 1)}
	sink := &recordingSink{}

	s, err := testReprocessor(users, failures, sink).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Processed: 1, Resolved: 1}, s)
	assert.Equal(t, []string{"quest/q1/completion"}, failures.resolved)
	assert.Equal(t, []string{"quest/q1/completion"}, sink.resolved)
	assert.True(t, users.applied[users.key("bob", "quest/q1/completion")])
}

func TestSweepAbandonsAtRetryBudget(t *testing.T) {
	users := newStubUserStore()
	failures := newStubFailureStore()
	failures.pending = []domain.FailedReward{pendingReward("quest/q1/completion", 5)}
	sink := &recordingSink{}

	s, err := testReprocessor(users, failures, sink).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Processed: 1, Abandoned: 1}, s)
	assert.Equal(t, []string{"quest/q1/completion"}, failures.abandoned)
	assert.Equal(t, []string{"quest/q1/completion"}, sink.abandoned)
	assert.Zero(t, users.calls, "abandoned rewards must not be retried")
}

func TestSweepSkipsEntriesLeasedElsewhere(t *testing.T) {
	users := newStubUserStore()
	failures := newStubFailureStore()
	failures.pending = []domain.FailedReward{pendingReward("quest/q1/completion", 0)}
	failures.leased["quest/q1/completion"] = "worker-2"
	sink := &recordingSink{}

	s, err := testReprocessor(users, failures, sink).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{}, s)
	assert.Empty(t, failures.resolved)
	assert.Zero(t, users.calls)
}

func TestSweepBumpsRetryOnPersistentFailure(t *testing.T) {
	users := newStubUserStore()
	users.failN = 100
	users.failErr = context.DeadlineExceeded
	failures := newStubFailureStore()
	failures.pending = []domain.FailedReward{pendingReward("quest/q1/completion", 2)}
	sink := &recordingSink{}

	s, err := testReprocessor(users, failures, sink).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Processed: 1}, s)
	assert.Equal(t, []string{"quest/q1/completion"}, failures.bumped)
	assert.Empty(t, failures.resolved)
	assert.Empty(t, sink.resolved)
	// The re-queue path must not double-insert the entry.
	assert.Empty(t, failures.inserted)
}

func TestSweepResolvesWhenDeltaAlreadyApplied(t *testing.T) {
	users := newStubUserStore()
	// Simulates a crash between applying the delta and marking the entry:
	// the processed set already has the reward.
	users.applied[users.key("bob", "quest/q1/completion")] = true
	failures := newStubFailureStore()
	failures.pending = []domain.FailedReward{pendingReward("quest/q1/completion", 3)}
	sink := &recordingSink{}

	s, err := testReprocessor(users, failures, sink).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Processed: 1, Resolved: 1}, s)
	assert.Zero(t, users.calls, "already-applied rewards resolve without touching balances")
	assert.Equal(t, []string{"quest/q1/completion"}, sink.resolved)
}

func TestSweepDecidesFromCurrentRowNotSnapshot(t *testing.T) {
	users := newStubUserStore()
	users.failN = 100
	users.failErr = context.DeadlineExceeded
	failures := newStubFailureStore()
	// Snapshot taken at retry 4; a concurrent worker bumps to 5 before this
	// worker's lease lands. The stale count would grant a sixth attempt.
	failures.pending = []domain.FailedReward{pendingReward("quest/q1/completion", 4)}
	bumped := pendingReward("quest/q1/completion", 5)
	bumped.LastError = "store timeout"
	failures.rows["quest/q1/completion"] = bumped
	sink := &recordingSink{}

	s, err := testReprocessor(users, failures, sink).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Processed: 1, Abandoned: 1}, s)
	assert.Zero(t, users.calls, "entry past the budget must not be retried")
	assert.Equal(t, []string{"quest/q1/completion"}, sink.abandoned)
}

func TestConsecutiveSweepsExhaustRetryBudget(t *testing.T) {
	users := newStubUserStore()
	users.failN = 1000
	users.failErr = context.DeadlineExceeded
	failures := newStubFailureStore()
	failures.pending = []domain.FailedReward{pendingReward("quest/q1/completion", 3)}
	sink := &recordingSink{}
	p := testReprocessor(users, failures, sink)

	// Two failing sweeps bump 3 -> 5; the third must abandon, not re-apply.
	for i := 0; i < 2; i++ {
		s, err := p.Sweep(context.Background())
		require.NoError(t, err)
		assert.Equal(t, Summary{Processed: 1}, s)
	}
	callsBefore := users.calls
	s, err := p.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Processed: 1, Abandoned: 1}, s)
	assert.Equal(t, callsBefore, users.calls)
	assert.Equal(t, []string{"quest/q1/completion"}, sink.abandoned)
}

func TestSweepProcessesMixedBatch(t *testing.T) {
	users := newStubUserStore()
	failures := newStubFailureStore()
	failures.pending = []domain.FailedReward{
		pendingReward("quest/q1/completion", 0),
		pendingReward("quest/q2/completion", 5),
		pendingReward("quest/q3/completion", 0),
	}
	failures.leased["quest/q3/completion"] = "worker-2"
	sink := &recordingSink{}

	s, err := testReprocessor(users, failures, sink).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Processed: 2, Resolved: 1, Abandoned: 1}, s)
	assert.Equal(t, []string{"quest/q1/completion"}, failures.resolved)
	assert.Equal(t, []string{"quest/q2/completion"}, failures.abandoned)
}
