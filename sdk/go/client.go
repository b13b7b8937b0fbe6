package questlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Questline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Quest represents the API quest model.
type Quest struct {
	ID               string  `json:"id"`
	CreatorID        string  `json:"creator_id"`
	PerformerID      *string `json:"performer_id,omitempty"`
	Title            string  `json:"title"`
	Description      string  `json:"description,omitempty"`
	Evidence         *string `json:"evidence,omitempty"`
	RewardXP         int     `json:"reward_xp"`
	RewardReputation int     `json:"reward_reputation"`
	Status           string  `json:"status"`
}

// User represents the API user model.
type User struct {
	ID                   string `json:"id"`
	XP                   int    `json:"xp"`
	Reputation           int    `json:"reputation"`
	QuestCreationBalance int    `json:"quest_creation_balance"`
}

// Attestation represents one recorded attestation.
type Attestation struct {
	ID         string `json:"id"`
	QuestID    string `json:"quest_id"`
	AttesterID string `json:"attester_id"`
	Role       string `json:"role"`
	Rating     int    `json:"rating"`
	Comment    string `json:"comment,omitempty"`
	TS         string `json:"ts"`
}

// FailedReward represents a queued reward application.
type FailedReward struct {
	ID               string `json:"id"`
	QuestID          string `json:"quest_id"`
	UserID           string `json:"user_id"`
	XPAmount         int    `json:"xp_amount"`
	ReputationAmount int    `json:"reputation_amount"`
	Status           string `json:"status"`
	RetryCount       int    `json:"retry_count"`
	LastError        string `json:"last_error,omitempty"`
}

// SweepSummary is the result of one recovery sweep.
type SweepSummary struct {
	Processed int `json:"processed"`
	Resolved  int `json:"resolved"`
	Abandoned int `json:"abandoned"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// RegisterUser registers the authenticated user (or id, when non-empty).
func (c *Client) RegisterUser(ctx context.Context, id string) (User, error) {
	body := map[string]any{}
	if id != "" {
		body["id"] = id
	}
	var resp User
	err := c.do(ctx, http.MethodPost, "v0/users", body, &resp)
	return resp, err
}

// GetUser fetches a user by id.
func (c *Client) GetUser(ctx context.Context, id string) (User, error) {
	var resp User
	err := c.do(ctx, http.MethodGet, "v0/users/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// CreateQuest posts a new quest.
func (c *Client) CreateQuest(ctx context.Context, title, description string, xp, reputation int) (Quest, error) {
	body := map[string]any{
		"title":             title,
		"description":       description,
		"reward_xp":         xp,
		"reward_reputation": reputation,
	}
	var resp Quest
	err := c.do(ctx, http.MethodPost, "v0/quests", body, &resp)
	return resp, err
}

// GetQuest fetches a quest by id.
func (c *Client) GetQuest(ctx context.Context, id string) (Quest, error) {
	var resp Quest
	err := c.do(ctx, http.MethodGet, c.questPath(id, ""), nil, &resp)
	return resp, err
}

// ListQuests returns quests matching the optional status filter.
func (c *Client) ListQuests(ctx context.Context, status string, limit int) ([]Quest, error) {
	endpoint := "v0/quests"
	params := url.Values{}
	if status != "" {
		params.Set("status", status)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprint(limit))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp struct {
		Items []Quest `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// ClaimQuest claims the quest for the authenticated user.
func (c *Client) ClaimQuest(ctx context.Context, id string) (Quest, error) {
	var resp Quest
	err := c.do(ctx, http.MethodPost, c.questPath(id, "claim"), map[string]any{}, &resp)
	return resp, err
}

// SubmitWork submits work evidence for a claimed quest.
func (c *Client) SubmitWork(ctx context.Context, id, evidence string) (Quest, error) {
	var resp Quest
	err := c.do(ctx, http.MethodPost, c.questPath(id, "submit"), map[string]any{"evidence": evidence}, &resp)
	return resp, err
}

// AttestCompletion records the caller's attestation on a submitted quest.
func (c *Client) AttestCompletion(ctx context.Context, id string, rating int, comment string) (Quest, error) {
	body := map[string]any{"rating": rating, "comment": comment}
	var resp Quest
	err := c.do(ctx, http.MethodPost, c.questPath(id, "attest"), body, &resp)
	return resp, err
}

// DisputeQuest disputes a submitted or completed quest.
func (c *Client) DisputeQuest(ctx context.Context, id, reason string) (Quest, error) {
	var resp Quest
	err := c.do(ctx, http.MethodPost, c.questPath(id, "dispute"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Attestations lists the attestations recorded for a quest.
func (c *Client) Attestations(ctx context.Context, id string) ([]Attestation, error) {
	var resp []Attestation
	err := c.do(ctx, http.MethodGet, c.questPath(id, "attestations"), nil, &resp)
	return resp, err
}

// SweepRewards runs one failed-reward recovery sweep.
func (c *Client) SweepRewards(ctx context.Context) (SweepSummary, error) {
	var resp SweepSummary
	err := c.do(ctx, http.MethodPost, "v0/rewards/sweep", map[string]any{}, &resp)
	return resp, err
}

// FailedRewards lists failed rewards, optionally filtered by status.
func (c *Client) FailedRewards(ctx context.Context, status string) ([]FailedReward, error) {
	endpoint := "v0/rewards/failed"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp struct {
		Items []FailedReward `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) questPath(id, action string) string {
	p := "v0/quests/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
