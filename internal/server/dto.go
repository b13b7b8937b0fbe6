package server

import (
	"questline/internal/domain"
	"questline/internal/repo"
)

type RegisterUserRequest struct {
	ID string `json:"id,omitempty" example:"alice"`
}

type CreateQuestRequest struct {
	ID               *string `json:"id,omitempty"`
	Title            string  `json:"title" example:"Fix the flaky pipeline"`
	Description      *string `json:"description,omitempty"`
	RewardXP         *int    `json:"reward_xp,omitempty" example:"100"`
	RewardReputation *int    `json:"reward_reputation,omitempty" example:"10"`
}

type SubmitWorkRequest struct {
	Evidence string `json:"evidence" example:"https://example.com/pr/42"`
}

type AttestRequest struct {
	Rating  int    `json:"rating" minimum:"1" maximum:"5"`
	Comment string `json:"comment,omitempty"`
}

type DisputeRequest struct {
	Reason string `json:"reason,omitempty"`
}

type paginatedQuests struct {
	Items []domain.Quest `json:"items"`
}

type paginatedFailedRewards struct {
	Items []domain.FailedReward `json:"items"`
}

type paginatedEvents struct {
	Items []domain.Event `json:"items"`
}

func questFilters(status, creatorID, performerID string, limit int) repo.QuestFilters {
	return repo.QuestFilters{
		Status:      domain.QuestStatus(status),
		CreatorID:   creatorID,
		PerformerID: performerID,
		Limit:       limit,
	}
}

func stringOrEmpty(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func intOrZero(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}
