package server

import (
	"encoding/json"

	"stageline/internal/domain"
	"stageline/internal/engine"
)

type CreateItemRequest struct {
	Kind               string   `json:"kind,omitempty" enum:"task,finding"`
	Title              string   `json:"title" minLength:"1"`
	Body               string   `json:"body,omitempty"`
	RichBody           string   `json:"rich_body,omitempty"`
	Priority           int      `json:"priority,omitempty"`
	ProjectPath        string   `json:"project_path,omitempty"`
	ParentID           *int64   `json:"parent_id,omitempty"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
}

type ProfileRequest struct {
	ID             string `json:"id,omitempty"`
	Agent          string `json:"agent" minLength:"1"`
	Model          string `json:"model,omitempty"`
	Runtime        string `json:"runtime,omitempty" enum:"host,container"`
	Provider       string `json:"provider,omitempty"`
	AuthMode       string `json:"auth_mode,omitempty" enum:"api_key,oauth_callback,device_code"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" minimum:"0"`
}

type TokenRequest struct {
	Subject    string `json:"subject" minLength:"1"`
	TTLSeconds int    `json:"ttl_seconds,omitempty" minimum:"0"`
}

type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at" format:"date-time"`
}

type ItemDetailResponse struct {
	Item     domain.WorkItem   `json:"item"`
	Children []domain.WorkItem `json:"children"`
	Links    []domain.Link     `json:"links"`
	Findings []domain.Finding  `json:"findings"`
}

type RunOnceResponse struct {
	Claimed bool            `json:"claimed"`
	Outcome *engine.Outcome `json:"outcome,omitempty"`
}

type EventResponse struct {
	ID          int64           `json:"id"`
	TS          string          `json:"ts" format:"date-time"`
	Kind        string          `json:"kind"`
	SubjectType string          `json:"subject_type"`
	SubjectID   string          `json:"subject_id,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

type paginatedItems struct {
	Items []domain.WorkItem `json:"items"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func eventResponse(e domain.Event) EventResponse {
	payload := json.RawMessage("{}")
	if e.Payload != "" && json.Valid([]byte(e.Payload)) {
		payload = json.RawMessage(e.Payload)
	}
	return EventResponse{
		ID:          e.ID,
		TS:          e.TS,
		Kind:        e.Kind,
		SubjectType: e.SubjectType,
		SubjectID:   e.SubjectID,
		Payload:     payload,
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
