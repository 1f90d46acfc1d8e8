package models

import (
	"github.com/google/uuid"
)

// Event names carried in the "event" field of bus messages.
const (
	EventJobSubmitted       = "job.submitted"
	EventProcessingStarted  = "processing.started"
	EventDetectionsProposed = "detections.proposed"
	EventReviewApproved     = "review.approved"
	EventPackagingCompleted = "packaging.completed"
	EventCapacityExceeded   = "capacity.exceeded"
	EventJobError           = "job.error"
)

// Bus subjects. Triggers and derived events run on distinct subjects so
// downstream consumers only ever see events published after the audit
// append.
const (
	SubjectJobSubmitted       = "job.submitted"
	SubjectDetectionsProposed = "detections.proposed"
	SubjectReviewApproved     = "review.approved"
	SubjectPackagingRequested = "packaging.requested"
	SubjectPackagingCompleted = "packaging.completed"
	SubjectCapacityExceeded   = "capacity.exceeded"
	SubjectJobError           = "job.error"
)

// SubjectProcessingStarted returns the kind-routed processing subject,
// e.g. "job.processing-started.document".
func SubjectProcessingStarted(kind string) string {
	return "job.processing-started." + kind
}

// LifecycleEvent is one bus message triggering (or derived from) a job
// state transition. Events are immutable value objects; the coordinator
// never mutates a received event, only derives new ones.
type LifecycleEvent struct {
	MessageID string         `json:"msg_id"`
	Name      string         `json:"event"`
	JobID     string         `json:"job_id"`
	OrgID     string         `json:"org_id"`
	Kind      string         `json:"kind"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// NewLifecycleEvent builds an event with a fresh message ID.
func NewLifecycleEvent(name, jobID, orgID, kind string) LifecycleEvent {
	return LifecycleEvent{
		MessageID: uuid.New().String(),
		Name:      name,
		JobID:     jobID,
		OrgID:     orgID,
		Kind:      kind,
	}
}
