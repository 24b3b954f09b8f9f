// Package narrative pairs primary Begin/End boundaries into segments, then
// resolves each narrative role's substance query against the ontology
// registry and persists one narrative primitive per segment.
package narrative

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/loamtrace/elt/internal/registry"
	"github.com/loamtrace/elt/internal/store"
)

// Segment is the ephemeral span between a paired primary Begin and End,
// plus every boundary (primary or supporting) falling within that span.
type Segment struct {
	Start      time.Time
	End        time.Time
	Boundaries []store.EventBoundary
}

// Synthesizer pairs primary boundaries into segments and resolves each
// segment's narrative roles.
type Synthesizer struct {
	ontologies *registry.OntologyRegistry
	rows       store.OntologyStorer
	narratives store.NarrativeStorer
}

func New(ontologies *registry.OntologyRegistry, rows store.OntologyStorer, narratives store.NarrativeStorer) *Synthesizer {
	return &Synthesizer{ontologies: ontologies, rows: rows, narratives: narratives}
}

// Segments pairs primary Begin/End boundaries along the timeline and
// attaches contributing boundaries. A Begin with no following End before
// the next Begin closes at the next Begin's timestamp, the way a dwell ends
// when the next one observably starts.
func Segments(all []store.EventBoundary) []Segment {
	sorted := make([]store.EventBoundary, len(all))
	copy(sorted, all)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	var segments []Segment
	var openBegin *store.EventBoundary

	for i := range sorted {
		b := sorted[i]
		if !b.IsPrimary {
			continue
		}
		switch b.BoundaryType {
		case store.BoundaryBegin:
			if openBegin != nil {
				segments = append(segments, buildSegment(*openBegin, b.Timestamp, sorted))
			}
			bb := b
			openBegin = &bb
		case store.BoundaryEnd:
			if openBegin != nil {
				segments = append(segments, buildSegment(*openBegin, b.Timestamp, sorted))
				openBegin = nil
			}
		}
	}

	return segments
}

func buildSegment(begin store.EventBoundary, end time.Time, all []store.EventBoundary) Segment {
	seg := Segment{Start: begin.Timestamp, End: end}
	for _, b := range all {
		if !b.Timestamp.Before(begin.Timestamp) && !b.Timestamp.After(end) {
			seg.Boundaries = append(seg.Boundaries, b)
		}
	}
	return seg
}

// Synthesize resolves one segment's narrative roles and persists the
// resulting primitive, keyed by (start_time, end_time) so re-runs over an
// already-synthesized window replace rather than duplicate.
func (s *Synthesizer) Synthesize(ctx context.Context, seg Segment) (store.NarrativePrimitive, error) {
	primitive := store.NarrativePrimitive{
		ID:        uuid.NewString(),
		StartTime: seg.Start,
		EndTime:   seg.End,
	}

	for _, role := range []registry.NarrativeRole{registry.RoleWho, registry.RoleWhere, registry.RoleWhy, registry.RoleWhat, registry.RoleHow} {
		value, ref, err := s.resolveRole(ctx, role, seg)
		if err != nil {
			return store.NarrativePrimitive{}, fmt.Errorf("narrative: resolve %s: %w", role, err)
		}
		if ref != nil {
			primitive.EvidenceRefs = append(primitive.EvidenceRefs, *ref)
		}
		switch role {
		case registry.RoleWho:
			if value != "" {
				primitive.Who = append(primitive.Who, value)
			}
		case registry.RoleWhere:
			primitive.Where = value
		case registry.RoleWhy:
			primitive.Why = value
		case registry.RoleWhat:
			primitive.What = value
		case registry.RoleHow:
			primitive.How = value
		}
	}

	for _, b := range seg.Boundaries {
		// Interval ontologies (calendar events, visits) contain the segment;
		// the others (app-usage sessions, sampled signals) give it structure.
		role := "structure"
		if d, ok := s.ontologies.Get(b.SourceOntology); ok && d.Shape == registry.ShapeInterval {
			role = "container"
		}
		primitive.EvidenceRefs = append(primitive.EvidenceRefs, store.EvidenceRef{
			Table: b.SourceOntology,
			ID:    b.ID,
			Role:  role,
		})
	}

	if err := s.narratives.UpsertNarrativePrimitive(ctx, primitive); err != nil {
		return store.NarrativePrimitive{}, fmt.Errorf("narrative: persist: %w", err)
	}
	return primitive, nil
}

// resolveRole runs the substance query for one narrative role: query every
// registered primary-source table (in registration order) against the
// segment's time window and take the top-ranked row from the first table
// that has one.
func (s *Synthesizer) resolveRole(ctx context.Context, role registry.NarrativeRole, seg Segment) (string, *store.EvidenceRef, error) {
	for _, table := range s.ontologies.PrimaryFor(role) {
		rows, err := s.rows.QueryOntologyRows(ctx, table, seg.Start, seg.End)
		if err != nil {
			return "", nil, err
		}
		if len(rows) == 0 {
			continue
		}

		top := topRanked(rows)
		value := projectField(table, role, top)
		ref := &store.EvidenceRef{Table: table, ID: top.ID, Role: "substance"}
		return value, ref, nil
	}
	return "", nil, nil
}

// topRanked picks the row with the earliest start (or timestamp) in the
// window: the row that spans the segment's opening is its representative
// substance.
func topRanked(rows []store.OntologyRow) store.OntologyRow {
	best := rows[0]
	bestTime := effectiveTime(best)
	for _, r := range rows[1:] {
		t := effectiveTime(r)
		if t < bestTime {
			best = r
			bestTime = t
		}
	}
	return best
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

// projectField maps a primary-source ontology row onto the narrative role's
// string value. Field names follow what each transform projects; the ios
// visit-clustering transform writes only coordinates and a point count, so
// its location_visit rows resolve to an empty place.
func projectField(table string, role registry.NarrativeRole, row store.OntologyRow) string {
	get := func(keys ...string) string {
		for _, k := range keys {
			if v, ok := row.Fields[k]; ok {
				if s, ok := v.(string); ok && s != "" {
					return s
				}
			}
		}
		return ""
	}

	switch table {
	case "calendar_event":
		if role == registry.RoleWho {
			return get("organizer", "attendees_summary")
		}
		return get("title", "summary")
	case "location_visit":
		return get("place_name", "address")
	case "app_usage":
		return get("app_name", "bundle_id")
	case "health_metric":
		return get("metric_summary", "metric_name")
	case "social_email":
		return get("subject")
	case "activity_session":
		return get("activity_type")
	default:
		return get("name", "title", "summary")
	}
}
