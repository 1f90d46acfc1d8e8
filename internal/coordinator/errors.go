package coordinator

import (
	"errors"
)

var (
	// ErrInvalidTransition reports a trigger that is not valid for the
	// job's current status. The event is dropped; status is unchanged.
	ErrInvalidTransition = errors.New("coordinator: invalid transition")
	// ErrUnknownJob reports an event whose job_id has no record.
	ErrUnknownJob = errors.New("coordinator: unknown job")
	// ErrUnknownTrigger reports an event name with no transition rule.
	ErrUnknownTrigger = errors.New("coordinator: unknown trigger")
)
