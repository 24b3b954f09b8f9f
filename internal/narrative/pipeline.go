package narrative

import (
	"context"
	"fmt"
	"time"

	"github.com/rakunlabs/logi"

	"github.com/loamtrace/elt/internal/boundary"
	"github.com/loamtrace/elt/internal/store"
)

// Pipeline chains one aggregation pass with segmentation and synthesis over
// a lookback window. The scheduler runs it hourly; replaying a window
// upserts boundaries and replaces primitives, so overlap between runs is
// harmless.
type Pipeline struct {
	aggregator  *boundary.Aggregator
	synthesizer *Synthesizer
	boundaries  store.BoundaryStorer
}

func NewPipeline(aggregator *boundary.Aggregator, synthesizer *Synthesizer, boundaries store.BoundaryStorer) *Pipeline {
	return &Pipeline{aggregator: aggregator, synthesizer: synthesizer, boundaries: boundaries}
}

// Run detects and aggregates boundaries over [start, end), pairs the
// primaries into segments, and synthesizes one primitive per segment.
// Returns how many primitives were written.
func (p *Pipeline) Run(ctx context.Context, start, end time.Time) (int, error) {
	if _, err := p.aggregator.Run(ctx, start, end); err != nil {
		return 0, err
	}

	all, err := p.boundaries.QueryEventBoundaries(ctx, start, end)
	if err != nil {
		return 0, fmt.Errorf("narrative: query boundaries: %w", err)
	}

	segments := Segments(all)

	written := 0
	for _, seg := range segments {
		if _, err := p.synthesizer.Synthesize(ctx, seg); err != nil {
			logi.Ctx(ctx).Error("narrative: synthesis failed for segment",
				"start", seg.Start, "end", seg.End, "error", err)
			continue
		}
		written++
	}

	return written, nil
}
