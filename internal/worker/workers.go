// Package worker hosts the content analyzers and the packager. Their
// internals are deliberately opaque to the coordinator; the only contract
// is the events they consume and emit.
package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"redaction-pipeline/internal/bus"
	"redaction-pipeline/internal/models"
)

// Region is a rectangular area of a page or frame flagged for redaction.
type Region struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"w"`
	Height int `json:"h"`
}

// Detection is one proposed redaction.
type Detection struct {
	Detector   string  `json:"detector"`
	Label      string  `json:"label,omitempty"`
	Confidence float64 `json:"confidence"`
	Region     *Region `json:"region,omitempty"`
}

// Analyzer produces detections for one content kind.
type Analyzer interface {
	Analyze(ctx context.Context, evt models.LifecycleEvent) ([]Detection, error)
}

// Workers binds analyzers and the packager to bus subjects.
type Workers struct {
	pub       bus.Publisher
	analyzers map[string]Analyzer
	packager  *Packager
	log       *zap.Logger
}

func New(pub bus.Publisher, packager *Packager, log *zap.Logger) *Workers {
	if log == nil {
		log = zap.NewNop()
	}
	return &Workers{
		pub:       pub,
		analyzers: make(map[string]Analyzer),
		packager:  packager,
		log:       log,
	}
}

// RegisterAnalyzer binds an analyzer to a content kind.
func (w *Workers) RegisterAnalyzer(kind string, a Analyzer) {
	if kind == "" || a == nil {
		return
	}
	w.analyzers[kind] = a
}

// Register subscribes the workers on consumer.
func (w *Workers) Register(consumer *bus.Consumer) {
	for kind := range w.analyzers {
		consumer.Handle(models.SubjectProcessingStarted(kind), w.HandleProcessing)
	}
	if w.packager != nil {
		consumer.Handle(models.SubjectPackagingRequested, w.HandlePackaging)
	}
}

// HandleProcessing runs the kind's analyzer and proposes its detections.
func (w *Workers) HandleProcessing(ctx context.Context, evt models.LifecycleEvent) error {
	a, ok := w.analyzers[evt.Kind]
	if !ok {
		return bus.Permanent(fmt.Errorf("no analyzer for kind %q", evt.Kind))
	}
	detections, err := a.Analyze(ctx, evt)
	if err != nil {
		return fmt.Errorf("analyze %s: %w", evt.JobID, err)
	}

	proposed := models.NewLifecycleEvent(models.EventDetectionsProposed, evt.JobID, evt.OrgID, evt.Kind)
	proposed.Detail = map[string]any{"detections": detections}
	if err := w.pub.Publish(ctx, models.SubjectDetectionsProposed, proposed); err != nil {
		return err
	}
	w.log.Info("detections proposed",
		zap.String("job_id", evt.JobID),
		zap.String("kind", evt.Kind),
		zap.Int("count", len(detections)))
	return nil
}

// HandlePackaging builds the redaction package and reports completion.
func (w *Workers) HandlePackaging(ctx context.Context, evt models.LifecycleEvent) error {
	location, err := w.packager.Package(ctx, evt)
	if err != nil {
		return fmt.Errorf("package %s: %w", evt.JobID, err)
	}

	done := models.NewLifecycleEvent(models.EventPackagingCompleted, evt.JobID, evt.OrgID, evt.Kind)
	done.Detail = map[string]any{"artifact": location}
	if err := w.pub.Publish(ctx, models.SubjectPackagingCompleted, done); err != nil {
		return err
	}
	w.log.Info("packaged job", zap.String("job_id", evt.JobID), zap.String("artifact", location))
	return nil
}
