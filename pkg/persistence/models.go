package persistence

import (
	"time"

	"github.com/google/uuid"
)

// AuditEntry is one append-only record of a state transition.
//
//nolint:govet // struct alignment optimization not critical for this type
type AuditEntry struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
	Action    string    `json:"action"`
	Component string    `json:"component"`
	Details   string    `json:"details,omitempty"` // JSON blob, structure varies by action
	Actor     *string   `json:"actor,omitempty"`
	DealID    *string   `json:"deal_id,omitempty"`
}

// AgentRequest represents a delegation edge between two agents on a deal.
//
//nolint:govet // struct alignment optimization not critical for this type
type AgentRequest struct {
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	ID            string    `json:"id"`
	DealID        string    `json:"deal_id"`
	FromAgent     string    `json:"from_agent"`
	ToAgent       string    `json:"to_agent"`
	Kind          string    `json:"kind"`
	Description   string    `json:"description"`
	Status        string    `json:"status"`
	Context       *string   `json:"context,omitempty"` // Opaque JSON payload
	Response      *string   `json:"response,omitempty"`
	FailureReason *string   `json:"failure_reason,omitempty"`
	ChainDepth    int       `json:"chain_depth"`
}

// DealInsight is one immutable, versioned insight record.
//
//nolint:govet // struct alignment optimization not critical for this type
type DealInsight struct {
	CreatedAt   time.Time `json:"created_at"`
	ID          string    `json:"id"`
	DealID      string    `json:"deal_id"`
	Topic       string    `json:"topic"`
	Insight     string    `json:"insight"`
	SourceAgent string    `json:"source_agent"`
	Evidence    *string   `json:"evidence,omitempty"`
	Supersedes  *string   `json:"supersedes,omitempty"`
	Confidence  float64   `json:"confidence"`
}

// LearnedPattern is a candidate or confirmed behavioral rule.
//
//nolint:govet // struct alignment optimization not critical for this type
type LearnedPattern struct {
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastApplied    *time.Time `json:"last_applied,omitempty"`
	LastEvaluated  *time.Time `json:"last_evaluated,omitempty"`
	ID             string     `json:"id"`
	AgentType      *string    `json:"agent_type,omitempty"` // nil = applies to all agents
	Kind           string     `json:"kind"`
	TargetType     string     `json:"target_type"`
	Description    string     `json:"description"`
	Condition      string     `json:"condition"` // JSON tagged-union predicate (see patterns package)
	Instruction    string     `json:"instruction"`
	Stage          string     `json:"stage"`
	VersionHistory *string    `json:"version_history,omitempty"` // JSON array of prior versions
	Confidence     float64    `json:"confidence"`
	Supporting     int        `json:"supporting"`
	Contradicting  int        `json:"contradicting"`
	Version        int        `json:"version"`
}

// FeedbackEvent is one raw human feedback signal on agent output.
//
//nolint:govet // struct alignment optimization not critical for this type
type FeedbackEvent struct {
	CreatedAt      time.Time `json:"created_at"`
	ID             string    `json:"id"`
	EventType      string    `json:"event_type"`
	TargetType     string    `json:"target_type"`
	AgentType      *string   `json:"agent_type,omitempty"`
	OriginalOutput *string   `json:"original_output,omitempty"`
	ModifiedOutput *string   `json:"modified_output,omitempty"`
	Annotation     *string   `json:"annotation,omitempty"`
	DealID         *string   `json:"deal_id,omitempty"`
}

// PatternTestCase pairs an original output with its human correction (or a
// rejection marker) for replay against future agent versions.
//
//nolint:govet // struct alignment optimization not critical for this type
type PatternTestCase struct {
	CreatedAt      time.Time `json:"created_at"`
	ID             string    `json:"id"`
	FeedbackID     string    `json:"feedback_id"`
	TargetType     string    `json:"target_type"`
	OriginalOutput string    `json:"original_output"`
	AgentType      *string   `json:"agent_type,omitempty"`
	ExpectedOutput *string   `json:"expected_output,omitempty"` // nil when the output was rejected outright
	Rejected       bool      `json:"rejected"`
}

// RoutingConfig holds the distillation state machine for one task type.
//
//nolint:govet // struct alignment optimization not critical for this type
type RoutingConfig struct {
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	LastSpotCheck      *time.Time `json:"last_spot_check,omitempty"`
	TaskType           string     `json:"task_type"`
	CurrentModel       string     `json:"current_model"`
	Status             string     `json:"status"`
	HandoffThreshold   float64    `json:"handoff_threshold"`
	RevertThreshold    float64    `json:"revert_threshold"`
	ExemplarCount      int        `json:"exemplar_count"`
	MinExemplars       int        `json:"min_exemplars"`
	SpotCheckFrequency int        `json:"spot_check_frequency"`
	CallCount          int        `json:"call_count"`
	ConsecutiveLow     int        `json:"consecutive_low"`
	ConsecutiveHigh    int        `json:"consecutive_high"`
}

// Request status constants.
const (
	RequestStatusPending    = "pending"
	RequestStatusInProgress = "in_progress"
	RequestStatusCompleted  = "completed"
	RequestStatusFailed     = "failed"
	RequestStatusExpired    = "expired"
)

// Request kind constants.
const (
	RequestKindInformation = "information_needed"
	RequestKindReview      = "review_requested"
	RequestKindAction      = "action_needed"
)

// Pattern lifecycle stage constants.
const (
	StageProposed    = "proposed"
	StageConfirmed   = "confirmed"
	StageEstablished = "established"
	StageHardRule    = "hard_rule"
	StageDecayed     = "decayed"
	StageRetired     = "retired"
)

// Feedback event type constants.
const (
	FeedbackApproved   = "approved"
	FeedbackModified   = "modified"
	FeedbackRejected   = "rejected"
	FeedbackEscalated  = "escalated"
	FeedbackAnnotation = "annotation"
)

// Distillation status constants.
const (
	DistillNotStarted = "not_started"
	DistillCollecting = "collecting"
	DistillTesting    = "testing"
	DistillHandedOff  = "handed_off"
)

// ValidRequestKind checks if a request kind string is valid.
func ValidRequestKind(kind string) bool {
	switch kind {
	case RequestKindInformation, RequestKindReview, RequestKindAction:
		return true
	}
	return false
}

// ValidStage checks if a lifecycle stage string is valid.
func ValidStage(stage string) bool {
	switch stage {
	case StageProposed, StageConfirmed, StageEstablished, StageHardRule, StageDecayed, StageRetired:
		return true
	}
	return false
}

// ValidFeedbackType checks if a feedback event type string is valid.
func ValidFeedbackType(eventType string) bool {
	switch eventType {
	case FeedbackApproved, FeedbackModified, FeedbackRejected, FeedbackEscalated, FeedbackAnnotation:
		return true
	}
	return false
}

// TerminalRequestStatus reports whether a request status admits no further transitions.
func TerminalRequestStatus(status string) bool {
	switch status {
	case RequestStatusCompleted, RequestStatusFailed, RequestStatusExpired:
		return true
	}
	return false
}

// GenerateID generates a new UUID for any record type.
func GenerateID() string {
	return uuid.New().String()
}
