package models

import (
	"time"
)

// Job kinds routed to the content workers.
const (
	KindDocument = "document"
	KindAudio    = "audio"
	KindVideo    = "video"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
const (
	StatusQueued         = "queued"
	StatusRunning        = "running"
	StatusWaitingReview  = "waiting_review"
	StatusPackaging      = "packaging"
	StatusCompleted      = "completed"
	StatusFailed         = "failed"
	StatusBlockedOverCap = "blocked_over_cap"
)

// Job is one unit of redaction work persisted in Postgres. ID, OrgID and
// Kind never change after creation; Status only changes through the
// coordinator and UpdatedAt advances on every accepted transition.
type Job struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ValidKind reports whether k names a supported content kind.
func ValidKind(k string) bool {
	switch k {
	case KindDocument, KindAudio, KindVideo:
		return true
	}
	return false
}

// TerminalStatus reports whether a job in this status can never transition
// again. blocked_over_cap is absorbing but not terminal: the failure
// triggers still apply to it.
func TerminalStatus(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}
