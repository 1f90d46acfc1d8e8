// Package bus defines the event bus port the pipeline communicates over
// and its Redis Streams adapter. Delivery is at-least-once: consumers ack
// only after the handler reports success or a permanent rejection, and
// unacked entries are reclaimed after a visibility window.
package bus

import (
	"context"
	"errors"

	"redaction-pipeline/internal/models"
)

// Publisher is the outbound half of the port.
type Publisher interface {
	Publish(ctx context.Context, subject string, evt models.LifecycleEvent) error
}

// Handler processes one delivered event. A nil return or a permanent
// error acks the entry; any other error leaves it pending for redelivery.
type Handler func(ctx context.Context, evt models.LifecycleEvent) error

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler failure as non-retryable: the entry is acked
// and will not be redelivered. Used for invalid transitions and unknown
// jobs, which must not cause redelivery storms.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
