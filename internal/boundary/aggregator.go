package boundary

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/loamtrace/elt/internal/registry"
	"github.com/loamtrace/elt/internal/store"
)

// Config parameterizes the aggregator. One bucket width applies to every
// detector in a deployment.
type Config struct {
	BucketWidth      time.Duration
	PrimaryThreshold float64
}

// Aggregator runs every registered Detector over a query window, buckets the
// resulting candidates by rounded timestamp, and persists the aggregated
// merge.
type Aggregator struct {
	ontologies *registry.OntologyRegistry
	rows       store.OntologyStorer
	boundaries store.BoundaryStorer
	cfg        Config

	detectorFor map[registry.BoundaryShape]Detector
}

// New builds an Aggregator with the three stock detectors. healthValueField
// names the Fields key the Continuous detector reads its signal from.
func New(ontologies *registry.OntologyRegistry, rows store.OntologyStorer, boundaries store.BoundaryStorer, cfg Config, healthValueField string) *Aggregator {
	if cfg.BucketWidth <= 0 {
		cfg.BucketWidth = 2 * time.Minute
	}
	return &Aggregator{
		ontologies: ontologies,
		rows:       rows,
		boundaries: boundaries,
		cfg:        cfg,
		detectorFor: map[registry.BoundaryShape]Detector{
			registry.ShapeInterval:   IntervalDetector{},
			registry.ShapeDiscrete:   DiscreteDetector{},
			registry.ShapeContinuous: ContinuousDetector{ValueField: healthValueField},
		},
	}
}

// Run executes one aggregation pass over [start, end) and upserts the
// resulting event_boundaries rows.
func (a *Aggregator) Run(ctx context.Context, start, end time.Time) ([]store.EventBoundary, error) {
	var all []Candidate

	for _, table := range a.ontologies.Tables() {
		desc, _ := a.ontologies.Get(table)
		if desc.Shape == registry.ShapeNone {
			continue
		}
		detector, ok := a.detectorFor[desc.Shape]
		if !ok {
			continue
		}

		rows, err := a.rows.QueryOntologyRows(ctx, table, start, end)
		if err != nil {
			return nil, fmt.Errorf("boundary: query %s: %w", table, err)
		}

		all = append(all, detector.Detect(rows, desc)...)
	}

	merged := a.bucket(all)

	if len(merged) == 0 {
		return nil, nil
	}
	if err := a.boundaries.InsertEventBoundaries(ctx, merged); err != nil {
		return nil, fmt.Errorf("boundary: persist: %w", err)
	}
	return merged, nil
}

type bucketKey struct {
	bucket int64
	ont    string
	typ    store.BoundaryType
}

// bucket merges candidates: round to bucket width, sum
// weight, take max fidelity, union metadata, and discard sub-threshold
// buckets. The single heaviest boundary within a rounded-timestamp group
// (across ontologies) is marked primary; ties broken by fidelity then by the
// earliest timestamp.
func (a *Aggregator) bucket(candidates []Candidate) []store.EventBoundary {
	groups := make(map[bucketKey]*store.EventBoundary)
	order := make([]bucketKey, 0)

	widthMS := a.cfg.BucketWidth.Milliseconds()
	if widthMS <= 0 {
		widthMS = 1
	}

	for _, c := range candidates {
		roundedMS := (c.Timestamp / widthMS) * widthMS
		key := bucketKey{bucket: roundedMS, ont: c.SourceOntology, typ: c.Type}

		eb, ok := groups[key]
		if !ok {
			eb = &store.EventBoundary{
				ID:             uuid.NewString(),
				Timestamp:      time.UnixMilli(roundedMS).UTC(),
				SourceOntology: c.SourceOntology,
				BoundaryType:   c.Type,
				Metadata:       map[string]any{},
			}
			groups[key] = eb
			order = append(order, key)
		}
		eb.AggregateWeight += c.Weight
		if c.Fidelity > eb.Fidelity {
			eb.Fidelity = c.Fidelity
		}
		for k, v := range c.Metadata {
			eb.Metadata[k] = v
		}
	}

	// Mark the single heaviest boundary per rounded timestamp (across
	// ontologies) as primary.
	byTimestamp := make(map[int64][]*store.EventBoundary)
	for _, key := range order {
		byTimestamp[key.bucket] = append(byTimestamp[key.bucket], groups[key])
	}

	var out []store.EventBoundary
	for _, group := range byTimestamp {
		sort.Slice(group, func(i, j int) bool {
			if group[i].AggregateWeight != group[j].AggregateWeight {
				return group[i].AggregateWeight > group[j].AggregateWeight
			}
			if group[i].Fidelity != group[j].Fidelity {
				return group[i].Fidelity > group[j].Fidelity
			}
			return group[i].Timestamp.Before(group[j].Timestamp)
		})

		for i, eb := range group {
			if eb.AggregateWeight < a.cfg.PrimaryThreshold {
				continue
			}
			eb.IsPrimary = i == 0
			out = append(out, *eb)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}
