package boundary

import (
	"github.com/loamtrace/elt/internal/registry"
	"github.com/loamtrace/elt/internal/store"
)

// DiscreteDetector sessionizes point events: rows
// (app_usage, activity_session) are sessionized by a gap threshold; sessions
// shorter than the ontology's minimum duration are dropped.
type DiscreteDetector struct{}

func (DiscreteDetector) Detect(rows []store.OntologyRow, desc registry.OntologyDescriptor) []Candidate {
	sorted := sortRows(rows)
	if len(sorted) == 0 {
		return nil
	}

	gapMS := int64(desc.DiscreteGapMinutes * 60_000)
	minDurationMS := int64(desc.DiscreteMinDurationS * 1_000)

	var out []Candidate
	sessionStart := effectiveTime(sorted[0])
	prev := sessionStart

	flush := func(end int64) {
		if end-sessionStart < minDurationMS {
			return
		}
		out = append(out,
			Candidate{
				Timestamp:      sessionStart,
				Type:           store.BoundaryBegin,
				SourceOntology: desc.Table,
				Fidelity:       desc.Fidelity,
				Weight:         desc.Weight,
			},
			Candidate{
				Timestamp:      end,
				Type:           store.BoundaryEnd,
				SourceOntology: desc.Table,
				Fidelity:       desc.Fidelity,
				Weight:         desc.Weight,
			},
		)
	}

	for _, r := range sorted[1:] {
		t := effectiveTime(r)
		if t-prev > gapMS {
			flush(prev)
			sessionStart = t
		}
		prev = t
	}
	flush(prev)

	return out
}
