package worker

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"time"

	"github.com/disintegration/imaging"

	"redaction-pipeline/internal/models"
)

// RuleAnalyzer is the simulated detection pass used for audio and video
// content: a fixed-confidence rule hit, after a short working delay.
type RuleAnalyzer struct {
	detector string
	delay    time.Duration
}

func NewRuleAnalyzer(detector string) *RuleAnalyzer {
	return &RuleAnalyzer{detector: detector, delay: 200 * time.Millisecond}
}

func (a *RuleAnalyzer) Analyze(ctx context.Context, evt models.LifecycleEvent) ([]Detection, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(a.delay):
	}
	return []Detection{{Detector: a.detector, Confidence: 0.99}}, nil
}

// DocumentAnalyzer proposes region detections for document pages. When the
// event carries a local page image it also writes a redacted copy with the
// detected regions blacked out.
type DocumentAnalyzer struct {
	outputDir string
	regions   []Region
}

// NewDocumentAnalyzer writes redacted page images under outputDir.
func NewDocumentAnalyzer(outputDir string) *DocumentAnalyzer {
	return &DocumentAnalyzer{
		outputDir: outputDir,
		// Rule hit: top-left header block, where documents carry names
		// and account numbers in the demo corpus.
		regions: []Region{{X: 0, Y: 0, Width: 200, Height: 40}},
	}
}

func (a *DocumentAnalyzer) Analyze(ctx context.Context, evt models.LifecycleEvent) ([]Detection, error) {
	detections := make([]Detection, 0, len(a.regions))
	for i := range a.regions {
		r := a.regions[i]
		detections = append(detections, Detection{
			Detector:   "rule",
			Label:      "pii",
			Confidence: 0.99,
			Region:     &r,
		})
	}

	source, _ := evt.Detail["source"].(string)
	if source == "" {
		return detections, nil
	}
	if err := a.redactPage(source, evt.JobID); err != nil {
		return nil, err
	}
	return detections, nil
}

func (a *DocumentAnalyzer) redactPage(source, jobID string) error {
	src, err := imaging.Open(source)
	if err != nil {
		return fmt.Errorf("open page image: %w", err)
	}

	out := imaging.Clone(src)
	for _, r := range a.regions {
		block := imaging.New(r.Width, r.Height, color.NRGBA{A: 255})
		out = imaging.Paste(out, block, image.Pt(r.X, r.Y))
	}

	if err := os.MkdirAll(a.outputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	dest := filepath.Join(a.outputDir, jobID+"_redacted"+filepath.Ext(source))
	if err := imaging.Save(out, dest); err != nil {
		return fmt.Errorf("save redacted page: %w", err)
	}
	return nil
}
