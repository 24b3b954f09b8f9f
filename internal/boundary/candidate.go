// Package boundary implements the three boundary-detection algorithms
// (interval, discrete, continuous) and the bucket-based aggregator that
// merges their candidates into persisted event boundaries. Each detector is
// a pure function of its input rows: same rows in, same candidates out.
package boundary

import (
	"sort"

	"github.com/loamtrace/elt/internal/registry"
	"github.com/loamtrace/elt/internal/store"
)

// Candidate is an ephemeral boundary candidate, produced by a Detector and
// consumed only by the Aggregator — never persisted directly.
type Candidate struct {
	Timestamp      int64 // unix millis
	Type           store.BoundaryType
	SourceOntology string
	Fidelity       float64
	Weight         float64
	Metadata       map[string]any
}

// Detector produces candidates from one ontology's rows for a query
// window. Implementations are pure: same input, same output.
type Detector interface {
	Detect(rows []store.OntologyRow, desc registry.OntologyDescriptor) []Candidate
}

// sortRows returns rows sorted by their effective timestamp (StartTime if
// set, else Timestamp), ascending.
func sortRows(rows []store.OntologyRow) []store.OntologyRow {
	out := make([]store.OntologyRow, len(rows))
	copy(out, rows)
	sort.Slice(out, func(i, j int) bool {
		return effectiveTime(out[i]) < effectiveTime(out[j])
	})
	return out
}

func effectiveTime(r store.OntologyRow) int64 {
	if r.StartTime != nil {
		return r.StartTime.UnixMilli()
	}
	if r.Timestamp != nil {
		return r.Timestamp.UnixMilli()
	}
	return 0
}
