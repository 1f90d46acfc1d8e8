// Package coordinator implements the job lifecycle state machine. It is
// the sole writer of job status: every bus-delivered trigger is validated
// against the transition table, applied to the store under a compare-and-
// set, recorded in the audit ledger, and only then followed by a derived
// event on the bus.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"redaction-pipeline/internal/bus"
	"redaction-pipeline/internal/ledger"
	"redaction-pipeline/internal/models"
	"redaction-pipeline/internal/store"
	"redaction-pipeline/internal/telemetry"
)

// Actor recorded on ledger entries written by the coordinator.
const Actor = "coordinator"

type rule struct {
	creates bool
	from    []string
	anyLive bool // any non-terminal state
	to      string
}

// transitions is the authoritative trigger table. The capacity and error
// triggers apply from any non-terminal state; everything else names its
// valid predecessors explicitly.
var transitions = map[string]rule{
	models.EventJobSubmitted:       {creates: true, to: models.StatusQueued},
	models.EventProcessingStarted:  {from: []string{models.StatusQueued}, to: models.StatusRunning},
	models.EventDetectionsProposed: {from: []string{models.StatusRunning}, to: models.StatusWaitingReview},
	models.EventReviewApproved:     {from: []string{models.StatusWaitingReview}, to: models.StatusPackaging},
	models.EventPackagingCompleted: {from: []string{models.StatusPackaging}, to: models.StatusCompleted},
	models.EventCapacityExceeded:   {anyLive: true, to: models.StatusBlockedOverCap},
	models.EventJobError:           {anyLive: true, to: models.StatusFailed},
}

func (r rule) allows(status string) bool {
	if r.anyLive {
		return !models.TerminalStatus(status)
	}
	for _, s := range r.from {
		if s == status {
			return true
		}
	}
	return false
}

// Outcome describes what handling one event did.
type Outcome struct {
	Applied   bool   `json:"applied"`
	Duplicate bool   `json:"duplicate"`
	Status    string `json:"status"`
	Sequence  uint64 `json:"audit_sequence,omitempty"`
}

// Coordinator advances jobs through their lifecycle. Multiple instances
// may run concurrently; the store's compare-and-set is the per-job
// exclusion and the ledger serializes its own append lane.
type Coordinator struct {
	store  store.JobStore
	ledger *ledger.Ledger
	pub    bus.Publisher
	seen   *dedupCache
	log    *zap.Logger
	now    func() time.Time
}

func New(st store.JobStore, led *ledger.Ledger, pub bus.Publisher, dedupSize int, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		store:  st,
		ledger: led,
		pub:    pub,
		seen:   newDedupCache(dedupSize),
		log:    log,
		now:    time.Now,
	}
}

// Subjects lists every subject the coordinator consumes.
func Subjects() []string {
	return []string{
		models.SubjectJobSubmitted,
		models.SubjectProcessingStarted(models.KindDocument),
		models.SubjectProcessingStarted(models.KindAudio),
		models.SubjectProcessingStarted(models.KindVideo),
		models.SubjectDetectionsProposed,
		models.SubjectReviewApproved,
		models.SubjectPackagingCompleted,
		models.SubjectCapacityExceeded,
		models.SubjectJobError,
	}
}

// Register binds the coordinator to every lifecycle subject on consumer.
func (c *Coordinator) Register(consumer *bus.Consumer) {
	for _, subject := range Subjects() {
		consumer.Handle(subject, c.HandleDelivery)
	}
}

// HandleDelivery adapts Handle to the bus handler contract: invalid
// transitions, unknown jobs and unknown triggers are acked as permanent
// so they never cause redelivery storms; everything else redelivers.
func (c *Coordinator) HandleDelivery(ctx context.Context, evt models.LifecycleEvent) error {
	_, err := c.Handle(ctx, evt)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrUnknownJob) || errors.Is(err, ErrUnknownTrigger) {
		return bus.Permanent(err)
	}
	return err
}

// Handle applies one lifecycle event. Side effects are strictly ordered:
// store write, then ledger append, then derived publish. A duplicate
// message_id returns the previously produced outcome without re-mutating
// state or re-publishing.
func (c *Coordinator) Handle(ctx context.Context, evt models.LifecycleEvent) (Outcome, error) {
	if out, ok := c.seen.get(evt.MessageID); ok {
		telemetry.DuplicateEvents.Inc()
		if err := c.flushPending(ctx, evt.MessageID); err != nil {
			return out, err
		}
		out.Duplicate = true
		return out, nil
	}

	r, ok := transitions[evt.Name]
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %q", ErrUnknownTrigger, evt.Name)
	}
	if r.creates {
		return c.handleCreate(ctx, evt, r)
	}
	return c.handleTransition(ctx, evt, r)
}

func (c *Coordinator) handleCreate(ctx context.Context, evt models.LifecycleEvent, r rule) (Outcome, error) {
	if evt.JobID == "" || !models.ValidKind(evt.Kind) {
		telemetry.TransitionsRejected.WithLabelValues(evt.Name).Inc()
		return Outcome{}, fmt.Errorf("%w: bad submission job_id=%q kind=%q", ErrInvalidTransition, evt.JobID, evt.Kind)
	}

	now := c.now().UTC()
	job := models.Job{
		ID:        evt.JobID,
		OrgID:     evt.OrgID,
		Kind:      evt.Kind,
		Status:    r.to,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.store.Create(ctx, job); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			// Redelivered submission under a new message_id. The job is
			// already live; nothing to do.
			telemetry.TransitionsRejected.WithLabelValues(evt.Name).Inc()
			c.rejected(evt, "job already exists")
			return Outcome{Status: r.to}, fmt.Errorf("%w: job %s already exists", ErrInvalidTransition, evt.JobID)
		}
		return Outcome{}, fmt.Errorf("create job: %w", err)
	}

	rec, err := c.appendAudit(ctx, evt, "", r.to)
	if err != nil {
		// The port has no delete; an unaudited created job is left for
		// reconciliation and the submission is redelivered.
		c.log.Error("audit append failed after job create, job needs reconciliation",
			zap.String("job_id", evt.JobID), zap.Error(err))
		return Outcome{}, err
	}

	out := Outcome{Applied: true, Status: r.to, Sequence: rec.Sequence}
	c.seen.put(evt.MessageID, out)
	telemetry.TransitionsAccepted.WithLabelValues(evt.Name).Inc()
	c.log.Info("job created",
		zap.String("job_id", job.ID),
		zap.String("org_id", job.OrgID),
		zap.String("kind", job.Kind))

	return out, c.publishDerived(ctx, evt, job.Kind)
}

func (c *Coordinator) handleTransition(ctx context.Context, evt models.LifecycleEvent, r rule) (Outcome, error) {
	job, err := c.store.Get(ctx, evt.JobID)
	if errors.Is(err, store.ErrNotFound) {
		telemetry.UnknownJobEvents.Inc()
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownJob, evt.JobID)
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("load job: %w", err)
	}

	if !r.allows(job.Status) {
		telemetry.TransitionsRejected.WithLabelValues(evt.Name).Inc()
		c.rejected(evt, job.Status)
		out := Outcome{Status: job.Status}
		c.seen.put(evt.MessageID, out)
		return out, fmt.Errorf("%w: %q not valid in status %q", ErrInvalidTransition, evt.Name, job.Status)
	}

	at := c.now().UTC()
	if err := c.store.CompareAndSetStatus(ctx, job.ID, job.Status, r.to, at); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			telemetry.UnknownJobEvents.Inc()
			return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownJob, evt.JobID)
		}
		// A concurrent handler advanced the job first; redelivery will
		// re-validate against the fresh status.
		return Outcome{}, fmt.Errorf("apply %s -> %s: %w", job.Status, r.to, err)
	}

	rec, err := c.appendAudit(ctx, evt, job.Status, r.to)
	if err != nil {
		// Compensating rollback: undo the store write (restoring the old
		// updated_at) so the redelivered event replays cleanly.
		if rbErr := c.store.CompareAndSetStatus(ctx, job.ID, r.to, job.Status, job.UpdatedAt); rbErr != nil {
			c.log.Error("rollback after audit failure failed, job needs reconciliation",
				zap.String("job_id", job.ID),
				zap.String("status", r.to),
				zap.Error(rbErr))
		}
		return Outcome{}, err
	}

	out := Outcome{Applied: true, Status: r.to, Sequence: rec.Sequence}
	c.seen.put(evt.MessageID, out)
	telemetry.TransitionsAccepted.WithLabelValues(evt.Name).Inc()
	c.log.Info("transition applied",
		zap.String("job_id", job.ID),
		zap.String("event", evt.Name),
		zap.String("from", job.Status),
		zap.String("to", r.to),
		zap.Uint64("audit_sequence", rec.Sequence))

	return out, c.publishDerived(ctx, evt, job.Kind)
}

// appendAudit records the accepted transition. Ledger write precedes any
// external visibility of the state change.
func (c *Coordinator) appendAudit(ctx context.Context, evt models.LifecycleEvent, from, to string) (ledger.Record, error) {
	payload := map[string]any{
		"msg_id": evt.MessageID,
		"event":  evt.Name,
		"job_id": evt.JobID,
		"org_id": evt.OrgID,
		"kind":   evt.Kind,
		"from":   from,
		"to":     to,
	}
	rec, err := c.ledger.Append(ctx, Actor, evt.Name, "jobs/"+evt.JobID, payload)
	if err != nil {
		return ledger.Record{}, fmt.Errorf("audit append: %w", err)
	}
	return rec, nil
}

// deriveEvent maps an accepted trigger to the event published downstream.
// Routing is decided purely from the job's kind.
func deriveEvent(evt models.LifecycleEvent, kind string) (string, models.LifecycleEvent, bool) {
	switch evt.Name {
	case models.EventJobSubmitted:
		derived := models.NewLifecycleEvent(models.EventProcessingStarted, evt.JobID, evt.OrgID, kind)
		return models.SubjectProcessingStarted(kind), derived, true
	case models.EventReviewApproved:
		derived := models.NewLifecycleEvent(models.EventReviewApproved, evt.JobID, evt.OrgID, kind)
		return models.SubjectPackagingRequested, derived, true
	}
	return "", models.LifecycleEvent{}, false
}

func (c *Coordinator) publishDerived(ctx context.Context, evt models.LifecycleEvent, kind string) error {
	subject, derived, ok := deriveEvent(evt, kind)
	if !ok {
		return nil
	}
	if err := c.pub.Publish(ctx, subject, derived); err != nil {
		// State change is durable and audited. Park the derived event so
		// the redelivered trigger retries only the publish.
		c.seen.setPending(evt.MessageID, pendingPublish{subject: subject, event: derived})
		return fmt.Errorf("publish derived %s: %w", subject, err)
	}
	return nil
}

func (c *Coordinator) flushPending(ctx context.Context, messageID string) error {
	p, ok := c.seen.takePending(messageID)
	if !ok {
		return nil
	}
	if err := c.pub.Publish(ctx, p.subject, p.event); err != nil {
		c.seen.setPending(messageID, p)
		return fmt.Errorf("publish derived %s: %w", p.subject, err)
	}
	return nil
}

func (c *Coordinator) rejected(evt models.LifecycleEvent, detail string) {
	c.log.Info("transition rejected",
		zap.String("job_id", evt.JobID),
		zap.String("event", evt.Name),
		zap.String("msg_id", evt.MessageID),
		zap.String("detail", detail))
}
