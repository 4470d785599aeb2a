package models

import (
	"encoding/json"
	"time"
)

// Decision is the unit of record: one durable entry per AI inference.
// Identity fields are frozen at creation; review fields are written exactly
// once, by a human override.
type Decision struct {
	ID               string          `json:"id"`
	ModelName        string          `json:"model_name"`
	ModelVersion     string          `json:"model_version"`
	Module           string          `json:"module"`
	InputFingerprint string          `json:"input_fingerprint"`
	InputSummary     string          `json:"input_summary"`
	Output           json.RawMessage `json:"output"`
	Confidence       float64         `json:"confidence"`
	Evidence         []Evidence      `json:"evidence,omitempty"`
	Explanation      string          `json:"explanation,omitempty"`
	ParentDecisionID string          `json:"parent_decision_id,omitempty"`
	SourceDocumentID string          `json:"source_document_id,omitempty"`
	VectorIDs        []string        `json:"vector_ids,omitempty"`

	RequiresHumanReview bool `json:"requires_human_review"`

	HumanReviewed   bool       `json:"human_reviewed"`
	HumanReviewerID string     `json:"human_reviewer_id,omitempty"`
	HumanDecision   string     `json:"human_decision,omitempty"`
	HumanNotes      string     `json:"human_notes,omitempty"`
	ReviewedAt      *time.Time `json:"reviewed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Evidence is one supporting snippet with its provenance reference.
type Evidence struct {
	Source  string  `json:"source"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score,omitempty"`
}

// Review verdicts accepted by an override.
const (
	VerdictApproved = "approved"
	VerdictRejected = "rejected"
	VerdictModified = "modified"
)

// QueueEntry is one active-learning backlog item. Created when a decision is
// flagged for review; processed flips exactly once and never reverts.
type QueueEntry struct {
	ID         string    `json:"id"`
	DecisionID string    `json:"decision_id"`
	ModelName  string    `json:"model_name"`
	Reason     string    `json:"reason"`
	Processed  bool      `json:"processed"`
	CreatedAt  time.Time `json:"created_at"`
}

// TrainingSample pairs a human-corrected output with the original. Immutable;
// a later correction supersedes it with a new sample rather than editing.
type TrainingSample struct {
	ID              string          `json:"id"`
	DecisionID      string          `json:"decision_id"`
	ModelName       string          `json:"model_name"`
	InputData       json.RawMessage `json:"input_data"`
	OriginalOutput  json.RawMessage `json:"original_output"`
	CorrectedOutput json.RawMessage `json:"corrected_output"`
	CorrectedBy     string          `json:"corrected_by"`
	CreatedAt       time.Time       `json:"created_at"`
}

// EvidenceBundle is a point-in-time export of a decision, its lineage and its
// evidence. Regenerating later mints a new bundle id; bundles are never
// updated in place.
type EvidenceBundle struct {
	BundleID    string     `json:"bundle_id"`
	DecisionID  string     `json:"decision_id"`
	GeneratedAt time.Time  `json:"generated_at"`
	Decision    Decision   `json:"decision"`
	Lineage     []Decision `json:"lineage"`
	Evidence    []Evidence `json:"evidence"`
}

// AuditEvent is a generic immutable trail row for actions taken against
// ledger entities (overrides, dismissals).
type AuditEvent struct {
	ID         string          `json:"id"`
	Action     string          `json:"action"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	ActorID    string          `json:"actor_id,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// GovernanceStats aggregates ledger counts for the dashboard surface.
type GovernanceStats struct {
	TotalDecisions   int64            `json:"total_decisions"`
	FlaggedForReview int64            `json:"flagged_for_review"`
	HumanReviewed    int64            `json:"human_reviewed"`
	TrainingSamples  int64            `json:"training_samples"`
	PendingQueue     int64            `json:"pending_queue"`
	ByModule         map[string]int64 `json:"by_module"`
}
