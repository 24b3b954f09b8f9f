package boundary

import (
	"github.com/loamtrace/elt/internal/registry"
	"github.com/loamtrace/elt/internal/store"
)

// ContinuousDetector segments a numeric signal sampled over time
// (health_metric) through a PELT changepoint detector with a
// configurable penalty and minimum segment length; a boundary is emitted at
// each detected changepoint, fidelity drawn from the segment's stability
// (1 / (1 + variance/mean²) over its first minSegment samples).
//
// No changepoint-detection library appears anywhere in the example pack, so
// PELT is implemented directly against the standard library (documented in
// DESIGN.md) rather than against an ecosystem dependency.
type ContinuousDetector struct {
	// ValueField names the Fields key holding the sampled numeric value.
	ValueField string
}

// pelt runs Killick et al.'s Pruned Exact Linear Time changepoint search
// over values using the L2 (mean-shift) cost function, returning changepoint
// indices (exclusive of 0 and len(values)).
func pelt(values []float64, penalty float64, minSegment int) []int {
	n := len(values)
	if n == 0 || minSegment < 1 {
		return nil
	}

	prefix := make([]float64, n+1)
	prefixSq := make([]float64, n+1)
	for i, v := range values {
		prefix[i+1] = prefix[i] + v
		prefixSq[i+1] = prefixSq[i] + v*v
	}

	// cost(s, e) is the sum-of-squared-error cost of segment [s, e).
	cost := func(s, e int) float64 {
		length := float64(e - s)
		if length <= 0 {
			return 0
		}
		sum := prefix[e] - prefix[s]
		sumSq := prefixSq[e] - prefixSq[s]
		mean := sum / length
		return sumSq - 2*mean*sum + mean*mean*length
	}

	const inf = 1e18
	F := make([]float64, n+1) // F[t] = optimal cost of segmenting values[0:t]
	lastChange := make([]int, n+1)
	candidates := []int{0}

	for t := 1; t <= n; t++ {
		F[t] = inf
		best := -1
		var pruned []int
		for _, s := range candidates {
			if t-s < minSegment && s != 0 {
				pruned = append(pruned, s)
				continue
			}
			c := F[s] + cost(s, t) + penalty
			if c < F[t] {
				F[t] = c
				best = s
			}
			pruned = append(pruned, s)
		}
		lastChange[t] = best
		candidates = pruned

		// Prune: drop any candidate s whose running cost already exceeds the
		// current optimum plus the penalty (PELT's inequality-pruning step).
		filtered := candidates[:0]
		for _, s := range candidates {
			if F[s]+cost(s, t) <= F[t]+penalty {
				filtered = append(filtered, s)
			}
		}
		candidates = append(filtered, t)
	}

	var points []int
	for t := n; t > 0; {
		s := lastChange[t]
		if s <= 0 {
			break
		}
		points = append([]int{s}, points...)
		t = s
	}
	return points
}

func (d ContinuousDetector) Detect(rows []store.OntologyRow, desc registry.OntologyDescriptor) []Candidate {
	sorted := sortRows(rows)
	if len(sorted) < 2 {
		return nil
	}

	values := make([]float64, 0, len(sorted))
	timestamps := make([]int64, 0, len(sorted))
	for _, r := range sorted {
		v, ok := numericField(r.Fields, d.ValueField)
		if !ok {
			continue
		}
		values = append(values, v)
		timestamps = append(timestamps, effectiveTime(r))
	}
	if len(values) < 2 {
		return nil
	}

	minSegment := int(desc.ContinuousMinSegmentMinutes)
	if minSegment < 1 {
		minSegment = 1
	}
	penalty := desc.ContinuousPenalty
	if penalty <= 0 {
		penalty = 1
	}

	changepoints := pelt(values, penalty, minSegment)

	var out []Candidate
	for _, idx := range changepoints {
		fidelity := segmentStability(values, idx, minSegment)
		out = append(out, Candidate{
			Timestamp:      timestamps[idx],
			Type:           store.BoundaryBegin,
			SourceOntology: desc.Table,
			Fidelity:       fidelity,
			Weight:         desc.Weight,
		})
	}
	return out
}

// segmentStability scores fidelity as 1 / (1 + CV²), where CV is the
// coefficient of variation of the minSegment samples starting at idx, so the
// score lies in (0,1]; a flatter (more stable) segment yields higher
// fidelity. An empty window or a zero mean scores 0.5.
func segmentStability(values []float64, idx, minSegment int) float64 {
	end := idx + minSegment
	if end > len(values) {
		end = len(values)
	}
	window := values[idx:end]
	if len(window) == 0 {
		return 0.5
	}

	var sum, sumSq float64
	for _, v := range window {
		sum += v
		sumSq += v * v
	}
	n := float64(len(window))
	mean := sum / n
	variance := sumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	if mean == 0 {
		return 0.5
	}
	cv := variance / (mean * mean)
	fidelity := 1 / (1 + cv)
	if fidelity > 1 {
		fidelity = 1
	}
	if fidelity < 0 {
		fidelity = 0
	}
	return fidelity
}

func numericField(fields map[string]any, key string) (float64, bool) {
	v, ok := fields[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
