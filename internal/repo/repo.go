package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"questline/internal/domain"
)

// Repo is the conditional-write store adapter. Every mutation that races with
// other callers is a single guarded statement: the WHERE clause carries the
// precondition and RowsAffected()==0 means the condition no longer holds.
type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means a conditional write lost the race: the record moved
	// out from under the caller between read and write.
	ErrConflict = errors.New("conflict")
	// ErrAlreadyApplied means the reward id is present in processed_rewards.
	ErrAlreadyApplied = errors.New("reward already applied")
	// ErrInsufficientBalance means a balance debit condition failed.
	ErrInsufficientBalance = errors.New("insufficient quest creation balance")
)

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func strPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

// --- quests ---

const questColumns = `id,creator_id,performer_id,title,description,evidence,reward_xp,reward_reputation,status,
has_requester_attestation,has_performer_attestation,dispute_reason,
created_at,claimed_at,submitted_at,completed_at,disputed_at,expired_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQuest(row rowScanner) (domain.Quest, error) {
	var q domain.Quest
	var performerID, description, evidence, disputeReason sql.NullString
	var claimedAt, submittedAt, completedAt, disputedAt, expiredAt sql.NullString
	err := row.Scan(&q.ID, &q.CreatorID, &performerID, &q.Title, &description, &evidence,
		&q.RewardXP, &q.RewardReputation, &q.Status,
		&q.HasRequesterAttestation, &q.HasPerformerAttestation, &disputeReason,
		&q.CreatedAt, &claimedAt, &submittedAt, &completedAt, &disputedAt, &expiredAt, &q.UpdatedAt)
	if err == sql.ErrNoRows {
		return q, ErrNotFound
	}
	if err != nil {
		return q, err
	}
	q.PerformerID = strPtr(performerID)
	if description.Valid {
		q.Description = description.String
	}
	q.Evidence = strPtr(evidence)
	q.DisputeReason = strPtr(disputeReason)
	q.ClaimedAt = strPtr(claimedAt)
	q.SubmittedAt = strPtr(submittedAt)
	q.CompletedAt = strPtr(completedAt)
	q.DisputedAt = strPtr(disputedAt)
	q.ExpiredAt = strPtr(expiredAt)
	return q, nil
}

func (r Repo) InsertQuest(ctx context.Context, tx *sql.Tx, q domain.Quest) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO quests(id,creator_id,performer_id,title,description,evidence,reward_xp,reward_reputation,status,
has_requester_attestation,has_performer_attestation,dispute_reason,created_at,claimed_at,submitted_at,completed_at,disputed_at,expired_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		q.ID, q.CreatorID, nullableStringPtr(q.PerformerID), q.Title, nullable(q.Description), nullableStringPtr(q.Evidence),
		q.RewardXP, q.RewardReputation, q.Status,
		q.HasRequesterAttestation, q.HasPerformerAttestation, nullableStringPtr(q.DisputeReason),
		q.CreatedAt, nullableStringPtr(q.ClaimedAt), nullableStringPtr(q.SubmittedAt), nullableStringPtr(q.CompletedAt),
		nullableStringPtr(q.DisputedAt), nullableStringPtr(q.ExpiredAt), q.UpdatedAt)
	return err
}

func (r Repo) GetQuest(ctx context.Context, id string) (domain.Quest, error) {
	q, err := scanQuest(r.DB.QueryRowContext(ctx, `SELECT `+questColumns+` FROM quests WHERE id=?`, id))
	if err != nil {
		return q, err
	}
	q.AttesterIDs, err = r.listAttesters(ctx, id)
	return q, err
}

func (r Repo) listAttesters(ctx context.Context, questID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT attester_id FROM quest_attesters WHERE quest_id=? ORDER BY attester_id`, questID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type QuestFilters struct {
	Status      domain.QuestStatus
	CreatorID   string
	PerformerID string
	Limit       int
}

func (r Repo) ListQuests(ctx context.Context, f QuestFilters) ([]domain.Quest, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CreatorID != "" {
		clauses = append(clauses, "creator_id=?")
		args = append(args, f.CreatorID)
	}
	if f.PerformerID != "" {
		clauses = append(clauses, "performer_id=?")
		args = append(args, f.PerformerID)
	}
	query := `SELECT ` + questColumns + ` FROM quests`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Quest
	for rows.Next() {
		q, err := scanQuest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, q)
	}
	return res, rows.Err()
}

// ClaimQuest assigns the performer iff the quest is still OPEN. A lost race
// returns ErrConflict, never partial state.
func (r Repo) ClaimQuest(ctx context.Context, tx *sql.Tx, questID, performerID, now string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE quests SET performer_id=?, status=?, claimed_at=?, updated_at=? WHERE id=? AND status=?`,
		performerID, domain.QuestClaimed, now, now, questID, domain.QuestOpen)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// SubmitQuest records evidence iff the quest is CLAIMED by this performer.
func (r Repo) SubmitQuest(ctx context.Context, tx *sql.Tx, questID, performerID, evidence, now string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE quests SET evidence=?, status=?, submitted_at=?, updated_at=? WHERE id=? AND status=? AND performer_id=?`,
		nullable(evidence), domain.QuestSubmitted, now, now, questID, domain.QuestClaimed, performerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// RecordAttestation performs the set-add, flag set and status recompute as one
// guarded unit. The second attester's update observes the first's flag, so
// completion triggers exactly once regardless of arrival order. Returns the
// quest status after the write.
func (r Repo) RecordAttestation(ctx context.Context, tx *sql.Tx, att domain.Attestation, now string) (domain.QuestStatus, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO quest_attesters(quest_id,attester_id) VALUES (?,?) ON CONFLICT(quest_id,attester_id) DO NOTHING`,
		att.QuestID, att.AttesterID)
	if err != nil {
		return "", err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", ErrConflict
	}

	flag := "has_requester_attestation"
	other := "has_performer_attestation"
	if att.Role == domain.RolePerformer {
		flag, other = other, flag
	}
	res, err = tx.ExecContext(ctx,
		`UPDATE quests SET `+flag+`=1,
status=CASE WHEN `+other+`=1 THEN ? ELSE status END,
completed_at=CASE WHEN `+other+`=1 THEN ? ELSE completed_at END,
updated_at=?
WHERE id=? AND status=? AND `+flag+`=0`,
		domain.QuestComplete, now, now, att.QuestID, domain.QuestSubmitted)
	if err != nil {
		return "", err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", ErrConflict
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO attestations(id,quest_id,attester_id,role,rating,comment,ts) VALUES (?,?,?,?,?,?,?)`,
		att.ID, att.QuestID, att.AttesterID, att.Role, att.Rating, nullable(att.Comment), att.TS); err != nil {
		return "", err
	}

	var status domain.QuestStatus
	if err := tx.QueryRowContext(ctx, `SELECT status FROM quests WHERE id=?`, att.QuestID).Scan(&status); err != nil {
		return "", err
	}
	return status, nil
}

// DisputeQuest moves a quest to DISPUTED iff it is still SUBMITTED or COMPLETE.
func (r Repo) DisputeQuest(ctx context.Context, tx *sql.Tx, questID, reason, now string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE quests SET status=?, dispute_reason=?, disputed_at=?, updated_at=? WHERE id=? AND status IN (?,?)`,
		domain.QuestDisputed, nullable(reason), now, now, questID, domain.QuestSubmitted, domain.QuestComplete)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// ExpireQuest moves a quest to EXPIRED iff it is still OPEN or CLAIMED.
func (r Repo) ExpireQuest(ctx context.Context, tx *sql.Tx, questID, now string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE quests SET status=?, expired_at=?, updated_at=? WHERE id=? AND status IN (?,?)`,
		domain.QuestExpired, now, now, questID, domain.QuestOpen, domain.QuestClaimed)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// ListExpirable returns ids of quests past their inactivity window. openBefore
// and claimedBefore are RFC3339 UTC cutoffs; fixed-width UTC timestamps order
// lexicographically, so the comparison runs inside the store.
func (r Repo) ListExpirable(ctx context.Context, openBefore, claimedBefore string, limit int) ([]string, error) {
	query := `SELECT id FROM quests WHERE (status=? AND created_at < ?) OR (status=? AND claimed_at < ?) ORDER BY created_at`
	args := []any{domain.QuestOpen, openBefore, domain.QuestClaimed, claimedBefore}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) CountQuestsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM quests GROUP BY status`)
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

func (r Repo) ListAttestations(ctx context.Context, questID string) ([]domain.Attestation, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,quest_id,attester_id,role,rating,COALESCE(comment,''),ts FROM attestations WHERE quest_id=? ORDER BY ts, id`, questID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Attestation
	for rows.Next() {
		var a domain.Attestation
		if err := rows.Scan(&a.ID, &a.QuestID, &a.AttesterID, &a.Role, &a.Rating, &a.Comment, &a.TS); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// --- users ---

// InsertUser is putIfAbsent on the user record: ErrConflict when the id is
// already registered.
func (r Repo) InsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO users(id,xp,reputation,quest_creation_balance,created_at,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO NOTHING`,
		u.ID, u.XP, u.Reputation, u.QuestCreationBalance, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	err := r.DB.QueryRowContext(ctx,
		`SELECT id,xp,reputation,quest_creation_balance,created_at,updated_at FROM users WHERE id=?`, id).
		Scan(&u.ID, &u.XP, &u.Reputation, &u.QuestCreationBalance, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

// DebitCreationBalance decrements the creator's balance iff it covers cost.
func (r Repo) DebitCreationBalance(ctx context.Context, tx *sql.Tx, userID string, cost int, now string) error {
	if cost == 0 {
		return nil
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE users SET quest_creation_balance=quest_creation_balance-?, updated_at=? WHERE id=? AND quest_creation_balance>=?`,
		cost, now, userID, cost)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInsufficientBalance
	}
	return nil
}

// RewardApplied reports whether rewardID is already in the user's processed set.
func (r Repo) RewardApplied(ctx context.Context, userID, rewardID string) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx,
		`SELECT 1 FROM processed_rewards WHERE user_id=? AND reward_id=? LIMIT 1`, userID, rewardID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// ApplyReward increments xp/reputation and records the reward id in one
// transaction. The processed_rewards insert is the guard: a duplicate id
// returns ErrAlreadyApplied with no balance change, closing the window
// between a membership check and the write.
func (r Repo) ApplyReward(ctx context.Context, userID, rewardID string, xp, reputation int, now string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO processed_rewards(user_id,reward_id,applied_at) VALUES (?,?,?) ON CONFLICT(user_id,reward_id) DO NOTHING`,
		userID, rewardID, now)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyApplied
	}
	res, err = tx.ExecContext(ctx,
		`UPDATE users SET xp=xp+?, reputation=reputation+?, updated_at=? WHERE id=?`,
		xp, reputation, now, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}
