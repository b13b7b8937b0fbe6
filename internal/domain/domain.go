package domain

// QuestStatus is the lifecycle state of a quest. Status only ever advances:
// OPEN -> CLAIMED -> SUBMITTED -> COMPLETE|DISPUTED, or OPEN/CLAIMED -> EXPIRED.
type QuestStatus string

const (
	QuestOpen      QuestStatus = "OPEN"
	QuestClaimed   QuestStatus = "CLAIMED"
	QuestSubmitted QuestStatus = "SUBMITTED"
	QuestComplete  QuestStatus = "COMPLETE"
	QuestDisputed  QuestStatus = "DISPUTED"
	QuestExpired   QuestStatus = "EXPIRED"
)

// Terminal reports whether no further transitions are possible from s.
func (s QuestStatus) Terminal() bool {
	switch s {
	case QuestComplete, QuestDisputed, QuestExpired:
		return true
	}
	return false
}

// AttestationRole identifies which side of the quest an attestation covers.
type AttestationRole string

const (
	RoleRequester AttestationRole = "requester"
	RolePerformer AttestationRole = "performer"
)

type Quest struct {
	ID                      string      `json:"id"`
	CreatorID               string      `json:"creator_id"`
	PerformerID             *string     `json:"performer_id,omitempty"`
	Title                   string      `json:"title"`
	Description             string      `json:"description,omitempty"`
	Evidence                *string     `json:"evidence,omitempty"`
	RewardXP                int         `json:"reward_xp"`
	RewardReputation        int         `json:"reward_reputation"`
	Status                  QuestStatus `json:"status" enum:"OPEN,CLAIMED,SUBMITTED,COMPLETE,DISPUTED,EXPIRED"`
	HasRequesterAttestation bool        `json:"has_requester_attestation"`
	HasPerformerAttestation bool        `json:"has_performer_attestation"`
	AttesterIDs             []string    `json:"attester_ids,omitempty"`
	DisputeReason           *string     `json:"dispute_reason,omitempty"`
	CreatedAt               string      `json:"created_at" format:"date-time"`
	ClaimedAt               *string     `json:"claimed_at,omitempty" format:"date-time"`
	SubmittedAt             *string     `json:"submitted_at,omitempty" format:"date-time"`
	CompletedAt             *string     `json:"completed_at,omitempty" format:"date-time"`
	DisputedAt              *string     `json:"disputed_at,omitempty" format:"date-time"`
	ExpiredAt               *string     `json:"expired_at,omitempty" format:"date-time"`
	UpdatedAt               string      `json:"updated_at" format:"date-time"`
}

// Attestation is one entry of the append-only attestation log for a quest.
type Attestation struct {
	ID         string          `json:"id"`
	QuestID    string          `json:"quest_id"`
	AttesterID string          `json:"attester_id"`
	Role       AttestationRole `json:"role" enum:"requester,performer"`
	Rating     int             `json:"rating"`
	Comment    string          `json:"comment,omitempty"`
	TS         string          `json:"ts" format:"date-time"`
}

type User struct {
	ID                   string `json:"id"`
	XP                   int    `json:"xp"`
	Reputation           int    `json:"reputation"`
	QuestCreationBalance int    `json:"quest_creation_balance"`
	CreatedAt            string `json:"created_at" format:"date-time"`
	UpdatedAt            string `json:"updated_at" format:"date-time"`
}

// FailedRewardStatus is the recovery state of a reward that could not be
// applied inline. pending is the only non-terminal state.
type FailedRewardStatus string

const (
	RewardPending   FailedRewardStatus = "pending"
	RewardResolved  FailedRewardStatus = "resolved"
	RewardAbandoned FailedRewardStatus = "abandoned"
)

// FailedReward is a durably queued reward application. ID doubles as the
// idempotency key recorded in processed_rewards once the delta lands.
type FailedReward struct {
	ID               string             `json:"id"`
	QuestID          string             `json:"quest_id"`
	UserID           string             `json:"user_id"`
	XPAmount         int                `json:"xp_amount"`
	ReputationAmount int                `json:"reputation_amount"`
	Status           FailedRewardStatus `json:"status" enum:"pending,resolved,abandoned"`
	RetryCount       int                `json:"retry_count"`
	LeaseOwner       *string            `json:"lease_owner,omitempty"`
	LeaseExpiresAt   *string            `json:"lease_expires_at,omitempty" format:"date-time"`
	LastError        string             `json:"last_error,omitempty"`
	CreatedAt        string             `json:"created_at" format:"date-time"`
	UpdatedAt        string             `json:"updated_at" format:"date-time"`
}

// CompletionRewardID is the idempotency key for a quest's completion reward.
// Deriving it from the quest id keeps retries across crashes pointed at the
// same processed_rewards entry.
func CompletionRewardID(questID string) string {
	return "quest/" + questID + "/completion"
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
