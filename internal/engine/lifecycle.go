package engine

import (
	"time"

	"questline/internal/domain"
)

// Pure transition rules. Every check reads only the quest snapshot passed in,
// so the rules are table-testable without a store. The store's conditional
// writes re-assert the same preconditions; a rule that passes here but fails
// there means the record moved concurrently, which surfaces as a conflict.

// EnsureClaim validates that callerID may claim the quest.
func EnsureClaim(q domain.Quest, callerID string) error {
	if q.Status != domain.QuestOpen {
		return InvalidTransitionError{Status: string(q.Status), Action: "claim"}
	}
	if callerID == q.CreatorID {
		return ForbiddenError{Reason: "creator cannot claim their own quest"}
	}
	return nil
}

// EnsureSubmit validates that callerID may submit work for the quest.
func EnsureSubmit(q domain.Quest, callerID string) error {
	if q.Status != domain.QuestClaimed {
		return InvalidTransitionError{Status: string(q.Status), Action: "submit"}
	}
	if q.PerformerID == nil || *q.PerformerID != callerID {
		return ForbiddenError{Reason: "only the performer can submit work"}
	}
	return nil
}

// AttesterRole derives the attestation role from the caller's relationship to
// the quest. The creator attests as requester, the performer as performer; a
// party can never attest in the other's role.
func AttesterRole(q domain.Quest, callerID string) (domain.AttestationRole, error) {
	switch {
	case callerID == q.CreatorID:
		return domain.RoleRequester, nil
	case q.PerformerID != nil && *q.PerformerID == callerID:
		return domain.RolePerformer, nil
	}
	return "", ForbiddenError{Reason: "caller is not a party to this quest"}
}

// EnsureAttest validates an attestation attempt and returns the caller's role.
func EnsureAttest(q domain.Quest, callerID string) (domain.AttestationRole, error) {
	if q.Status != domain.QuestSubmitted {
		return "", InvalidTransitionError{Status: string(q.Status), Action: "attest"}
	}
	role, err := AttesterRole(q, callerID)
	if err != nil {
		return "", err
	}
	for _, id := range q.AttesterIDs {
		if id == callerID {
			return "", ForbiddenError{Reason: "caller already attested this quest"}
		}
	}
	if role == domain.RoleRequester && q.HasRequesterAttestation {
		return "", ForbiddenError{Reason: "requester attestation already recorded"}
	}
	if role == domain.RolePerformer && q.HasPerformerAttestation {
		return "", ForbiddenError{Reason: "performer attestation already recorded"}
	}
	return role, nil
}

// EnsureDispute validates that callerID may dispute the quest at now, given
// the policy window measured from submission or completion.
func EnsureDispute(q domain.Quest, callerID string, now time.Time, window time.Duration) error {
	if _, err := AttesterRole(q, callerID); err != nil {
		return err
	}
	var since *string
	switch q.Status {
	case domain.QuestSubmitted:
		since = q.SubmittedAt
	case domain.QuestComplete:
		since = q.CompletedAt
	default:
		return InvalidTransitionError{Status: string(q.Status), Action: "dispute"}
	}
	if since != nil {
		ref, err := time.Parse(time.RFC3339, *since)
		if err == nil && now.After(ref.Add(window)) {
			return ForbiddenError{Reason: "dispute window closed"}
		}
	}
	return nil
}

// EnsureExpire validates the system-only expiry transition.
func EnsureExpire(q domain.Quest) error {
	switch q.Status {
	case domain.QuestOpen, domain.QuestClaimed:
		return nil
	}
	return InvalidTransitionError{Status: string(q.Status), Action: "expire"}
}

// AttestationsComplete reports whether both required attestations are present.
func AttestationsComplete(q domain.Quest) bool {
	return q.HasRequesterAttestation && q.HasPerformerAttestation
}
