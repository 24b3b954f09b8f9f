package boundary

import (
	"github.com/loamtrace/elt/internal/registry"
	"github.com/loamtrace/elt/internal/store"
)

// IntervalDetector handles rows that already
// carry start/end (calendar_event, location_visit) emit a Begin at start and
// an End at end, filtered by the ontology's minimum-duration predicate.
type IntervalDetector struct{}

func (IntervalDetector) Detect(rows []store.OntologyRow, desc registry.OntologyDescriptor) []Candidate {
	var out []Candidate
	minDuration := desc.IntervalMinDuration

	for _, r := range rows {
		if r.StartTime == nil || r.EndTime == nil {
			continue
		}
		durMinutes := r.EndTime.Sub(*r.StartTime).Minutes()
		if durMinutes < minDuration {
			continue
		}

		meta := map[string]any{"external_id": r.ExternalID}
		out = append(out,
			Candidate{
				Timestamp:      r.StartTime.UnixMilli(),
				Type:           store.BoundaryBegin,
				SourceOntology: desc.Table,
				Fidelity:       desc.Fidelity,
				Weight:         desc.Weight,
				Metadata:       meta,
			},
			Candidate{
				Timestamp:      r.EndTime.UnixMilli(),
				Type:           store.BoundaryEnd,
				SourceOntology: desc.Table,
				Fidelity:       desc.Fidelity,
				Weight:         desc.Weight,
				Metadata:       meta,
			},
		)
	}
	return out
}
