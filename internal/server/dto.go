package server

import (
	"encoding/json"

	"shipyard/internal/domain"
	"shipyard/internal/effects"
	"shipyard/internal/engine"
	"shipyard/internal/payout"
)

// Request payloads

// IntakeRequest leaves every field optional so missing fields are reported
// together by the engine.
type IntakeRequest struct {
	OriginID       string  `json:"origin_id,omitempty"`
	SubmitterID    string  `json:"submitter_id,omitempty"`
	SubmitterName  string  `json:"submitter_name,omitempty"`
	ProjectName    string  `json:"project_name,omitempty"`
	ProjectType    *string `json:"project_type,omitempty"`
	Description    string  `json:"description,omitempty"`
	DemoURL        string  `json:"demo_url,omitempty"`
	RepoURL        string  `json:"repo_url,omitempty"`
	ReadmeURL      string  `json:"readme_url,omitempty"`
	DevTimeSeconds int64   `json:"dev_time_seconds,omitempty" minimum:"0"`
}

func (r IntakeRequest) submission() engine.Submission {
	return engine.Submission(r)
}

type DecisionRequest struct {
	Verdict     string   `json:"verdict,omitempty" enum:"approved,rejected,pending"`
	Feedback    string   `json:"feedback,omitempty"`
	ProofURL    string   `json:"proof_url,omitempty"`
	ProjectType *string  `json:"project_type,omitempty"`
	Bounty      *float64 `json:"bounty,omitempty" minimum:"0"`
	ClearBounty bool     `json:"clear_bounty,omitempty"`
}

type RouteRequest struct {
	CertificationID *int64   `json:"certification_id,omitempty"`
	Skills          []string `json:"skills" minItems:"1"`
	ProjectName     string   `json:"project_name,omitempty"`
	RepoURL         string   `json:"repo_url,omitempty"`
	DemoURL         string   `json:"demo_url,omitempty"`
	Description     string   `json:"description,omitempty"`
}

type AssignmentStatusRequest struct {
	Status string `json:"status" enum:"pending,in_progress,completed"`
}

type ReassignRequest struct {
	AssigneeID *string `json:"assignee_id,omitempty" doc:"Omit to return the assignment to the unassigned pool"`
}

type SpotCheckRequest struct {
	CertificationID int64  `json:"certification_id"`
	ReviewerID      string `json:"reviewer_id"`
	Outcome         string `json:"outcome" enum:"approved,rejected"`
	Reasoning       string `json:"reasoning,omitempty"`
	Notes           string `json:"notes,omitempty"`
}

type ReviewUnitsRequest struct {
	Units []engine.UnitInput `json:"units,omitempty"`
}

type ReturnReviewRequest struct {
	Reason string             `json:"reason"`
	Units  []engine.UnitInput `json:"units,omitempty"`
}

// Response payloads

type CertificationResponse struct {
	domain.Certification
	DevTime string `json:"dev_time"`
}

type paginatedCertifications struct {
	Items      []CertificationResponse `json:"items"`
	NextCursor string                  `json:"next_cursor,omitempty"`
}

type DecisionResponse struct {
	Certification CertificationResponse `json:"certification"`
	Kind          string                `json:"kind"`
	Override      bool                  `json:"override"`
	Payout        *payout.Result        `json:"payout,omitempty"`
	Warnings      []effects.Warning     `json:"warnings"`
}

type SubmissionResponse struct {
	Certification CertificationResponse `json:"certification"`
	Warnings      []effects.Warning     `json:"warnings"`
}

type AssignmentResponse struct {
	Assignment domain.Assignment `json:"assignment"`
	Warnings   []effects.Warning `json:"warnings"`
}

type SweepResponse struct {
	Result   engine.SweepResult `json:"result"`
	Warnings []effects.Warning  `json:"warnings"`
}

type SpotCheckSampleResponse struct {
	Certification *CertificationResponse `json:"certification"`
}

type SpotCheckResponse struct {
	Case     domain.SpotCheckCase `json:"case"`
	Warnings []effects.Warning    `json:"warnings"`
}

type ReviewResponse struct {
	Review   domain.DownstreamReview `json:"review"`
	Warnings []effects.Warning       `json:"warnings"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type MeResponse struct {
	ActorID     string   `json:"actor_id"`
	Username    string   `json:"username"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source"`
}

func certificationResponse(c domain.Certification) CertificationResponse {
	return CertificationResponse{Certification: c, DevTime: c.DevTime()}
}

func mapCertifications(items []domain.Certification) []CertificationResponse {
	out := make([]CertificationResponse, 0, len(items))
	for _, c := range items {
		out = append(out, certificationResponse(c))
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
