package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"questline/internal/config"
	"questline/internal/db"
	"questline/internal/domain"
	"questline/internal/engine"
	"questline/internal/migrate"
	"questline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	now    time.Time
}

func (env *testEnv) advance(d time.Duration) {
	env.now = env.now.Add(d)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	env := &testEnv{
		Ctx: context.Background(),
		now: time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC),
	}
	cfg := config.Default()
	env.Engine = engine.New(conn, cfg)
	env.Engine.Now = func() time.Time { return env.now }
	return env
}

func (env *testEnv) registerUsers(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if _, err := env.Engine.RegisterUser(env.Ctx, id); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
}

func (env *testEnv) createQuest(t *testing.T, creator string, xp, rep int) domain.Quest {
	t.Helper()
	q, err := env.Engine.CreateQuest(env.Ctx, engine.QuestCreateOptions{
		CreatorID:        creator,
		Title:            "Fix the flaky pipeline",
		RewardXP:         xp,
		RewardReputation: rep,
	})
	if err != nil {
		t.Fatalf("create quest: %v", err)
	}
	return q
}

func TestQuestHappyPathPaysRewardOnce(t *testing.T) {
	env := newTestEnv(t)
	env.registerUsers(t, "alice", "bob")

	q := env.createQuest(t, "alice", 100, 10)
	if q.Status != domain.QuestOpen {
		t.Fatalf("status after create: %s", q.Status)
	}

	q, err := env.Engine.ClaimQuest(env.Ctx, q.ID, "bob")
	if err != nil || q.Status != domain.QuestClaimed {
		t.Fatalf("claim: %v (status %s)", err, q.Status)
	}
	q, err = env.Engine.SubmitWork(env.Ctx, q.ID, "bob", "https://example.com/pr/42")
	if err != nil || q.Status != domain.QuestSubmitted {
		t.Fatalf("submit: %v (status %s)", err, q.Status)
	}

	q, err = env.Engine.AttestCompletion(env.Ctx, q.ID, "alice", 5, "great work")
	if err != nil {
		t.Fatalf("requester attest: %v", err)
	}
	if q.Status != domain.QuestSubmitted {
		t.Fatalf("quest complete after one attestation: %s", q.Status)
	}
	q, err = env.Engine.AttestCompletion(env.Ctx, q.ID, "bob", 4, "")
	if err != nil {
		t.Fatalf("performer attest: %v", err)
	}
	if q.Status != domain.QuestComplete {
		t.Fatalf("quest not complete after both attestations: %s", q.Status)
	}

	bob, err := env.Engine.Repo.GetUser(env.Ctx, "bob")
	if err != nil {
		t.Fatalf("get bob: %v", err)
	}
	if bob.XP != 100 || bob.Reputation != 10 {
		t.Fatalf("reward not applied: xp=%d rep=%d", bob.XP, bob.Reputation)
	}

	// Re-running the completion reward is a no-op.
	rewardID := domain.CompletionRewardID(q.ID)
	err = env.Engine.Repo.ApplyReward(env.Ctx, "bob", rewardID, 100, 10, "2026-01-02T04:00:00Z")
	if !errors.Is(err, repo.ErrAlreadyApplied) {
		t.Fatalf("expected ErrAlreadyApplied, got %v", err)
	}
	bob, _ = env.Engine.Repo.GetUser(env.Ctx, "bob")
	if bob.XP != 100 {
		t.Fatalf("reward applied twice: xp=%d", bob.XP)
	}
}

func TestCreatorCannotClaimOwnQuest(t *testing.T) {
	env := newTestEnv(t)
	env.registerUsers(t, "alice")
	q := env.createQuest(t, "alice", 10, 1)

	_, err := env.Engine.ClaimQuest(env.Ctx, q.ID, "alice")
	var fe engine.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
}

func TestClaimAlreadyClaimedQuest(t *testing.T) {
	env := newTestEnv(t)
	env.registerUsers(t, "alice", "bob", "carol")
	q := env.createQuest(t, "alice", 10, 1)

	if _, err := env.Engine.ClaimQuest(env.Ctx, q.ID, "bob"); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	_, err := env.Engine.ClaimQuest(env.Ctx, q.ID, "carol")
	var te engine.InvalidTransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
}

func TestSubmitByNonPerformerForbidden(t *testing.T) {
	env := newTestEnv(t)
	env.registerUsers(t, "alice", "bob", "carol")
	q := env.createQuest(t, "alice", 10, 1)
	if _, err := env.Engine.ClaimQuest(env.Ctx, q.ID, "bob"); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.SubmitWork(env.Ctx, q.ID, "carol", "done")
	var fe engine.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
}

func TestDoubleAttestRejected(t *testing.T) {
	env := newTestEnv(t)
	env.registerUsers(t, "alice", "bob")
	q := env.createQuest(t, "alice", 10, 1)
	if _, err := env.Engine.ClaimQuest(env.Ctx, q.ID, "bob"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SubmitWork(env.Ctx, q.ID, "bob", "done"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AttestCompletion(env.Ctx, q.ID, "alice", 5, ""); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.AttestCompletion(env.Ctx, q.ID, "alice", 5, "")
	var fe engine.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected ForbiddenError on repeat attest, got %v", err)
	}
}

func TestAttestByThirdPartyForbidden(t *testing.T) {
	env := newTestEnv(t)
	env.registerUsers(t, "alice", "bob", "mallory")
	q := env.createQuest(t, "alice", 10, 1)
	_, _ = env.Engine.ClaimQuest(env.Ctx, q.ID, "bob")
	_, _ = env.Engine.SubmitWork(env.Ctx, q.ID, "bob", "done")

	_, err := env.Engine.AttestCompletion(env.Ctx, q.ID, "mallory", 5, "")
	var fe engine.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
}

func TestAttestBeforeSubmitInvalid(t *testing.T) {
	env := newTestEnv(t)
	env.registerUsers(t, "alice", "bob")
	q := env.createQuest(t, "alice", 10, 1)
	if _, err := env.Engine.ClaimQuest(env.Ctx, q.ID, "bob"); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.AttestCompletion(env.Ctx, q.ID, "alice", 5, "")
	var te engine.InvalidTransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
}

func TestDisputeWithinWindow(t *testing.T) {
	env := newTestEnv(t)
	env.registerUsers(t, "alice", "bob")
	q := env.createQuest(t, "alice", 10, 1)
	_, _ = env.Engine.ClaimQuest(env.Ctx, q.ID, "bob")
	_, _ = env.Engine.SubmitWork(env.Ctx, q.ID, "bob", "done")

	q, err := env.Engine.DisputeQuest(env.Ctx, q.ID, "alice", "not actually done")
	if err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if q.Status != domain.QuestDisputed {
		t.Fatalf("status after dispute: %s", q.Status)
	}
	if q.DisputeReason == nil || *q.DisputeReason != "not actually done" {
		t.Fatalf("dispute reason not recorded")
	}

	// Disputed is terminal.
	_, err = env.Engine.AttestCompletion(env.Ctx, q.ID, "bob", 3, "")
	var te engine.InvalidTransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected InvalidTransitionError after dispute, got %v", err)
	}
}

func TestDisputeWindowCloses(t *testing.T) {
	env := newTestEnv(t)
	env.registerUsers(t, "alice", "bob")
	q := env.createQuest(t, "alice", 10, 1)
	_, _ = env.Engine.ClaimQuest(env.Ctx, q.ID, "bob")
	_, _ = env.Engine.SubmitWork(env.Ctx, q.ID, "bob", "done")
	_, _ = env.Engine.AttestCompletion(env.Ctx, q.ID, "alice", 5, "")
	q, err := env.Engine.AttestCompletion(env.Ctx, q.ID, "bob", 5, "")
	if err != nil || q.Status != domain.QuestComplete {
		t.Fatalf("complete: %v (status %s)", err, q.Status)
	}

	env.advance(env.Engine.Config.Quests.DisputeWindow.D() + time.Hour)
	_, err = env.Engine.DisputeQuest(env.Ctx, q.ID, "alice", "too late")
	var fe engine.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected ForbiddenError after window, got %v", err)
	}
}

func TestExpireStaleQuests(t *testing.T) {
	env := newTestEnv(t)
	env.registerUsers(t, "alice", "bob")

	open := env.createQuest(t, "alice", 10, 1)
	claimed := env.createQuest(t, "alice", 10, 1)
	if _, err := env.Engine.ClaimQuest(env.Ctx, claimed.ID, "bob"); err != nil {
		t.Fatal(err)
	}
	fresh := env.createQuest(t, "alice", 10, 1)

	// The fresh quest progresses past expirability before the sweep runs.
	env.advance(env.Engine.Config.Quests.OpenTTL.D() - time.Hour)
	if _, err := env.Engine.ClaimQuest(env.Ctx, fresh.ID, "bob"); err != nil {
		t.Fatal(err)
	}
	env.advance(2 * time.Hour)

	n, err := env.Engine.ExpireStaleQuests(env.Ctx)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 2 {
		t.Fatalf("expired %d quests, want 2", n)
	}
	for _, id := range []string{open.ID, claimed.ID} {
		q, _ := env.Engine.Repo.GetQuest(env.Ctx, id)
		if q.Status != domain.QuestExpired {
			t.Fatalf("quest %s status %s, want EXPIRED", id, q.Status)
		}
	}
	q, _ := env.Engine.Repo.GetQuest(env.Ctx, fresh.ID)
	if q.Status != domain.QuestClaimed {
		t.Fatalf("fresh quest status %s, want CLAIMED", q.Status)
	}
}

func TestCreateQuestDebitsBalance(t *testing.T) {
	env := newTestEnv(t)
	env.registerUsers(t, "alice")
	balance := env.Engine.Config.Users.InitialCreationBalance

	for i := 0; i < balance; i++ {
		env.createQuest(t, "alice", 1, 0)
	}
	u, _ := env.Engine.Repo.GetUser(env.Ctx, "alice")
	if u.QuestCreationBalance != 0 {
		t.Fatalf("balance after %d quests: %d", balance, u.QuestCreationBalance)
	}
	_, err := env.Engine.CreateQuest(env.Ctx, engine.QuestCreateOptions{
		CreatorID: "alice", Title: "one too many",
	})
	if !errors.Is(err, repo.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestCreateQuestUnknownCreator(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateQuest(env.Ctx, engine.QuestCreateOptions{
		CreatorID: "ghost", Title: "nope",
	})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRegisterUserIdempotent(t *testing.T) {
	env := newTestEnv(t)
	u1, err := env.Engine.RegisterUser(env.Ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	env.createQuestAsRegistered(t)

	u2, err := env.Engine.RegisterUser(env.Ctx, "alice")
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if u2.QuestCreationBalance == u1.QuestCreationBalance {
		t.Fatalf("re-register reset balance: %d", u2.QuestCreationBalance)
	}
}

// createQuestAsRegistered burns one unit of alice's creation balance so
// idempotent registration is distinguishable from a reset.
func (env *testEnv) createQuestAsRegistered(t *testing.T) {
	t.Helper()
	env.createQuest(t, "alice", 1, 0)
}

func TestAttestationLogRecordsBoth(t *testing.T) {
	env := newTestEnv(t)
	env.registerUsers(t, "alice", "bob")
	q := env.createQuest(t, "alice", 10, 1)
	_, _ = env.Engine.ClaimQuest(env.Ctx, q.ID, "bob")
	_, _ = env.Engine.SubmitWork(env.Ctx, q.ID, "bob", "done")
	_, _ = env.Engine.AttestCompletion(env.Ctx, q.ID, "bob", 4, "smooth")
	_, _ = env.Engine.AttestCompletion(env.Ctx, q.ID, "alice", 5, "")

	atts, err := env.Engine.Repo.ListAttestations(env.Ctx, q.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(atts) != 2 {
		t.Fatalf("attestation count %d, want 2", len(atts))
	}
	roles := map[domain.AttestationRole]bool{}
	for _, a := range atts {
		roles[a.Role] = true
	}
	if !roles[domain.RoleRequester] || !roles[domain.RolePerformer] {
		t.Fatalf("missing roles in log: %v", roles)
	}
}
