package domain

import "fmt"

const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

type Certification struct {
	ID                  int64    `json:"id"`
	OriginID            string   `json:"origin_id"`
	SubmitterID         string   `json:"submitter_id"`
	SubmitterName       string   `json:"submitter_name,omitempty"`
	ProjectName         string   `json:"project_name"`
	ProjectType         *string  `json:"project_type,omitempty"`
	Description         string   `json:"description"`
	DemoURL             string   `json:"demo_url"`
	RepoURL             string   `json:"repo_url"`
	ReadmeURL           string   `json:"readme_url"`
	DevTimeSeconds      int64    `json:"dev_time_seconds"`
	Status              string   `json:"status" enum:"pending,approved,rejected"`
	ClaimantID          *string  `json:"claimant_id,omitempty"`
	ClaimStartedAt      *string  `json:"claim_started_at,omitempty" format:"date-time"`
	ReviewerID          *string  `json:"reviewer_id,omitempty"`
	Feedback            *string  `json:"feedback,omitempty"`
	ProofURL            *string  `json:"proof_url,omitempty"`
	DecidedAt           *string  `json:"decided_at,omitempty" format:"date-time"`
	CookiesEarned       *float64 `json:"cookies_earned,omitempty"`
	PayoutMultiplier    *float64 `json:"payout_multiplier,omitempty"`
	CustomBounty        *float64 `json:"custom_bounty,omitempty"`
	RepoKey             *string  `json:"repo_key,omitempty"`
	DuplicateOfID       *int64   `json:"duplicate_of_id,omitempty"`
	DuplicatesCheckedAt *string  `json:"duplicates_checked_at,omitempty" format:"date-time"`
	SpotChecked         bool     `json:"spot_checked"`
	SpotCheckedAt       *string  `json:"spot_checked_at,omitempty" format:"date-time"`
	SpotCheckedBy       *string  `json:"spot_checked_by,omitempty"`
	SpotPassed          *bool    `json:"spot_passed,omitempty"`
	SpotRemoved         bool     `json:"spot_removed"`
	SyncedToOrigin      bool     `json:"synced_to_origin"`
	CreatedAt           string   `json:"created_at" format:"date-time"`
	UpdatedAt           string   `json:"updated_at" format:"date-time"`
}

// DevTime renders the time-spent metadata the way reviewers read it.
func (c Certification) DevTime() string {
	return FormatDevTime(c.DevTimeSeconds)
}

// FormatDevTime formats seconds as "Xh Ym".
func FormatDevTime(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%dh %dm", seconds/3600, (seconds%3600)/60)
}

type User struct {
	ID             string   `json:"id"`
	Username       string   `json:"username"`
	Role           string   `json:"role"`
	Skills         []string `json:"skills"`
	Active         bool     `json:"active"`
	Multiplier     float64  `json:"multiplier"`
	Balance        float64  `json:"balance"`
	Streak         int      `json:"streak"`
	LastStreakDate *string  `json:"last_streak_date,omitempty"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
}

const (
	AssignmentUnassigned = "unassigned"
	AssignmentPending    = "pending"
	AssignmentInProgress = "in_progress"
	AssignmentCompleted  = "completed"
)

type Assignment struct {
	ID              int64    `json:"id"`
	AuthorID        string   `json:"author_id"`
	CertificationID *int64   `json:"certification_id,omitempty"`
	AssigneeID      *string  `json:"assignee_id,omitempty"`
	RequiredSkills  []string `json:"required_skills"`
	Status          string   `json:"status" enum:"unassigned,pending,in_progress,completed"`
	ProjectName     string   `json:"project_name,omitempty"`
	RepoURL         string   `json:"repo_url,omitempty"`
	DemoURL         string   `json:"demo_url,omitempty"`
	Description     string   `json:"description,omitempty"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
	UpdatedAt       string   `json:"updated_at" format:"date-time"`
	CompletedAt     *string  `json:"completed_at,omitempty" format:"date-time"`
}

const (
	ReviewPending  = "pending"
	ReviewDone     = "done"
	ReviewReturned = "returned"

	UnitPending  = "pending"
	UnitApproved = "approved"
	UnitReturned = "returned"
)

// UnitDecision is one per-activity-entry decision inside a downstream review.
type UnitDecision struct {
	UnitID          string `json:"unit_id"`
	Title           string `json:"title,omitempty"`
	LoggedAt        string `json:"logged_at,omitempty"`
	OriginalMinutes int    `json:"original_minutes"`
	ApprovedMinutes *int   `json:"approved_minutes,omitempty"`
	Status          string `json:"status" enum:"pending,approved,returned"`
	Notes           string `json:"notes,omitempty"`
}

type DownstreamReview struct {
	ID              int64          `json:"id"`
	CertificationID int64          `json:"certification_id"`
	OriginID        string         `json:"origin_id"`
	Status          string         `json:"status" enum:"pending,done,returned"`
	Units           []UnitDecision `json:"units"`
	ReviewerID      *string        `json:"reviewer_id,omitempty"`
	ReturnReason    *string        `json:"return_reason,omitempty"`
	CreatedAt       string         `json:"created_at" format:"date-time"`
	UpdatedAt       string         `json:"updated_at" format:"date-time"`
}

const (
	CaseUnresolved = "unresolved"
	CaseResolved   = "resolved"
)

type SpotCheckCase struct {
	ID                 int64   `json:"id"`
	CaseID             string  `json:"case_id"`
	CertificationID    int64   `json:"certification_id"`
	ReviewerID         string  `json:"reviewer_id"`
	StaffID            string  `json:"staff_id"`
	Outcome            string  `json:"outcome" enum:"approved,rejected"`
	Status             string  `json:"status" enum:"unresolved,resolved"`
	Reasoning          string  `json:"reasoning,omitempty"`
	Notes              string  `json:"notes,omitempty"`
	LeaderboardRemoved bool    `json:"leaderboard_removed"`
	ResolvedAt         *string `json:"resolved_at,omitempty" format:"date-time"`
	ResolvedBy         *string `json:"resolved_by,omitempty"`
	CreatedAt          string  `json:"created_at" format:"date-time"`
}

type NotificationChannel struct {
	ID          int64  `json:"id"`
	RecipientID string `json:"recipient_id"`
	URL         string `json:"url"`
	Active      bool   `json:"active"`
	CreatedAt   string `json:"created_at" format:"date-time"`
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

// APIKey is a hashed credential. The secret itself is never stored.
type APIKey struct {
	ID        string  `json:"id"`
	ActorID   string  `json:"actor_id"`
	Name      string  `json:"name,omitempty"`
	KeyHash   string  `json:"-"`
	CreatedAt string  `json:"created_at" format:"date-time"`
	RevokedAt *string `json:"revoked_at,omitempty" format:"date-time"`
}
