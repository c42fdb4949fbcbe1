package store

import "time"

// Approval states for an Action record.
const (
	ApprovalUndecided = "undecided"
	ApprovalApproved  = "approved"
	ApprovalRejected  = "rejected"
	ApprovalTimedOut  = "timed_out"
)

// Action is a single proposed agent action scored by the engine.
type Action struct {
	ID              string         `json:"action_id" db:"id"`
	SessionID       string         `json:"session_id" db:"session_id"`
	ActionName      string         `json:"action_name" db:"action_name"`
	Target          string         `json:"target" db:"target"`
	Metadata        map[string]any `json:"metadata" db:"-"`
	MetadataJSON    string         `json:"-" db:"metadata_json"`
	Impact          float64        `json:"impact" db:"impact"`
	Breadth         float64        `json:"breadth" db:"breadth"`
	Probability     float64        `json:"probability" db:"probability"`
	RiskScore       float64        `json:"risk_score" db:"risk_score"`
	IsCompound      bool           `json:"is_compound" db:"is_compound"`
	CompoundCount   int            `json:"compound_count" db:"compound_count"`
	NeedsCheckpoint bool           `json:"needs_checkpoint" db:"needs_checkpoint"`
	Reason          string         `json:"reason" db:"reason"`
	Approval        string         `json:"approval" db:"approval"`
	Channel         string         `json:"channel,omitempty" db:"channel"`
	Notes           string         `json:"notes,omitempty" db:"notes"`
	CreatedAt       time.Time      `json:"created_at" db:"created_at"`
	ResolvedAt      *time.Time     `json:"resolved_at,omitempty" db:"resolved_at"`
}

// Session tracks cumulative risk spent against a budget.
type Session struct {
	ID             string    `json:"session_id" db:"id"`
	RiskBudget     float64   `json:"risk_budget" db:"risk_budget"`
	CumulativeRisk float64   `json:"cumulative_risk" db:"cumulative_risk"`
	ActionCount    int       `json:"action_count" db:"action_count"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// RemainingBudget returns the budget headroom left in the session, which
// may be negative once cumulative risk has exceeded the budget.
func (s *Session) RemainingBudget() float64 {
	return s.RiskBudget - s.CumulativeRisk
}

// NearMissType is a closed set of near-miss classifications, per spec §3.
type NearMissType string

const (
	NearMissBoundaryViolation    NearMissType = "boundary_violation"
	NearMissResourceOveruse      NearMissType = "resource_overuse"
	NearMissTimingAnomaly        NearMissType = "timing_anomaly"
	NearMissPermissionEscalation NearMissType = "permission_escalation"
	NearMissDataExposure         NearMissType = "data_exposure"
	NearMissCascadeTrigger       NearMissType = "cascade_trigger"
	NearMissPolicyDrift          NearMissType = "policy_drift"
)

// ValidNearMissTypes lists the closed set accepted by near-miss records.
var ValidNearMissTypes = map[NearMissType]bool{
	NearMissBoundaryViolation:    true,
	NearMissResourceOveruse:      true,
	NearMissTimingAnomaly:        true,
	NearMissPermissionEscalation: true,
	NearMissDataExposure:         true,
	NearMissCascadeTrigger:       true,
	NearMissPolicyDrift:          true,
}

// NearMiss is a recorded action whose actual severity exceeded what the
// engine predicted, used to raise the probability of similarly-named
// future actions for a decay period. Immutable once written.
type NearMiss struct {
	ID             string         `json:"near_miss_id" db:"id"`
	SessionID      string         `json:"session_id" db:"session_id"`
	ActionName     string         `json:"action_name" db:"action_name"`
	Target         string         `json:"target,omitempty" db:"target"`
	Type           NearMissType   `json:"near_miss_type" db:"near_miss_type"`
	Description    string         `json:"description,omitempty" db:"description"`
	Metadata       map[string]any `json:"metadata,omitempty" db:"-"`
	MetadataJSON   string         `json:"-" db:"metadata_json"`
	OriginalRisk   *float64       `json:"original_risk,omitempty" db:"original_risk"`
	ActualSeverity float64        `json:"actual_severity" db:"actual_severity"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
}

// Webhook is a registered outbound delivery target for dispatcher events.
type Webhook struct {
	ID           string    `json:"webhook_id" db:"id"`
	URL          string    `json:"url" db:"url"`
	Secret       string    `json:"-" db:"secret"`
	Events       []string  `json:"events" db:"-"`
	EventsJSON   string    `json:"-" db:"events_json"`
	Enabled      bool      `json:"enabled" db:"enabled"`
	FailureCount int       `json:"failure_count" db:"failure_count"`
	LastTriggered *time.Time `json:"last_triggered,omitempty" db:"last_triggered"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// ActionFilter narrows ListActions / audit-export queries.
type ActionFilter struct {
	SessionID string
	Target    string
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}
