package narrative

import (
	"context"
	"testing"
	"time"

	"github.com/loamtrace/elt/internal/registry"
	"github.com/loamtrace/elt/internal/store"
	"github.com/loamtrace/elt/internal/store/memory"
)

func at(h, m int) time.Time {
	return time.Date(2025, 6, 1, h, m, 0, 0, time.UTC)
}

func primary(ts time.Time, ontology string, typ store.BoundaryType) store.EventBoundary {
	return store.EventBoundary{
		ID:             ontology + "-" + string(typ) + "-" + ts.Format("15:04"),
		Timestamp:      ts,
		SourceOntology: ontology,
		BoundaryType:   typ,
		IsPrimary:      true,
	}
}

func TestSegmentsPairsPrimaries(t *testing.T) {
	boundaries := []store.EventBoundary{
		primary(at(9, 0), "location_visit", store.BoundaryBegin),
		primary(at(10, 15), "location_visit", store.BoundaryEnd),
		{ID: "support", Timestamp: at(9, 30), SourceOntology: "app_usage", BoundaryType: store.BoundaryBegin},
	}

	segments := Segments(boundaries)
	if len(segments) != 1 {
		t.Fatalf("segments = %d, want 1", len(segments))
	}
	seg := segments[0]
	if !seg.Start.Equal(at(9, 0)) || !seg.End.Equal(at(10, 15)) {
		t.Fatalf("segment span = %v..%v", seg.Start, seg.End)
	}
	if len(seg.Boundaries) != 3 {
		t.Fatalf("contributing boundaries = %d, want 3 (primaries + support)", len(seg.Boundaries))
	}
}

func TestSegmentsBackToBackBegins(t *testing.T) {
	boundaries := []store.EventBoundary{
		primary(at(9, 0), "location_visit", store.BoundaryBegin),
		primary(at(10, 0), "location_visit", store.BoundaryBegin),
		primary(at(11, 0), "location_visit", store.BoundaryEnd),
	}

	segments := Segments(boundaries)
	if len(segments) != 2 {
		t.Fatalf("segments = %d, want 2", len(segments))
	}
	if !segments[0].End.Equal(at(10, 0)) {
		t.Fatalf("first segment should close at the next begin, got %v", segments[0].End)
	}
}

// seedSubstance loads the worked example: a café visit 09:00-10:15, a
// standup calendar event 09:00-09:30, and browser app usage inside it.
func seedSubstance(t *testing.T, st store.Store) {
	t.Helper()
	ctx := context.Background()

	put := func(row store.OntologyRow) {
		if err := st.UpsertOntologyRow(ctx, row); err != nil {
			t.Fatalf("seed %s: %v", row.Table, err)
		}
	}

	vStart, vEnd := at(9, 0), at(10, 15)
	put(store.OntologyRow{Table: "location_visit", ID: "v1", ExternalID: "v1", SourceConnectionID: "sc",
		StartTime: &vStart, EndTime: &vEnd, Fields: map[string]any{"place_name": "Café X"}})

	cStart, cEnd := at(9, 0), at(9, 30)
	put(store.OntologyRow{Table: "calendar_event", ID: "c1", ExternalID: "c1", SourceConnectionID: "sc",
		StartTime: &cStart, EndTime: &cEnd, Fields: map[string]any{"title": "Standup", "organizer": "alice@example.com"}})

	ts := at(9, 5)
	put(store.OntologyRow{Table: "app_usage", ID: "a1", ExternalID: "a1", SourceConnectionID: "sc",
		Timestamp: &ts, Fields: map[string]any{"app_name": "browser"}})
}

func newTestSynthesizer(st store.Store) *Synthesizer {
	ont := registry.NewOntologyRegistry(registry.DefaultOntologies()...)
	return New(ont, st, st)
}

func TestSynthesizeWorkedExample(t *testing.T) {
	st := memory.New()
	seedSubstance(t, st)

	seg := Segment{
		Start: at(9, 0),
		End:   at(10, 15),
		Boundaries: []store.EventBoundary{
			primary(at(9, 0), "location_visit", store.BoundaryBegin),
			primary(at(10, 15), "location_visit", store.BoundaryEnd),
			{ID: "cal-b", Timestamp: at(9, 0), SourceOntology: "calendar_event", BoundaryType: store.BoundaryBegin},
		},
	}

	got, err := newTestSynthesizer(st).Synthesize(context.Background(), seg)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	if !got.StartTime.Before(got.EndTime) {
		t.Fatal("start_time must precede end_time")
	}
	if got.Where != "Café X" {
		t.Fatalf("where = %q, want Café X", got.Where)
	}
	if got.Why != "Standup" {
		t.Fatalf("why = %q, want Standup", got.Why)
	}
	if len(got.Who) == 0 || got.Who[0] != "alice@example.com" {
		t.Fatalf("who = %v, want the organizer", got.Who)
	}
	if got.What != "browser" {
		t.Fatalf("what = %q, want browser", got.What)
	}
	if len(got.EvidenceRefs) == 0 {
		t.Fatal("evidence_refs must not be empty")
	}

	hasSubstance := false
	for _, ref := range got.EvidenceRefs {
		if ref.Role == "substance" && ref.Table == "location_visit" {
			hasSubstance = true
		}
		if ref.Table == "" || ref.ID == "" {
			t.Fatalf("unresolvable evidence ref: %+v", ref)
		}
	}
	if !hasSubstance {
		t.Fatalf("no substance evidence ref: %+v", got.EvidenceRefs)
	}
}

func TestSynthesizeReplayIsStable(t *testing.T) {
	st := memory.New()
	seedSubstance(t, st)

	seg := Segment{
		Start: at(9, 0),
		End:   at(10, 15),
		Boundaries: []store.EventBoundary{
			primary(at(9, 0), "location_visit", store.BoundaryBegin),
			primary(at(10, 15), "location_visit", store.BoundaryEnd),
		},
	}

	synth := newTestSynthesizer(st)
	ctx := context.Background()

	if _, err := synth.Synthesize(ctx, seg); err != nil {
		t.Fatalf("first Synthesize: %v", err)
	}
	if _, err := synth.Synthesize(ctx, seg); err != nil {
		t.Fatalf("second Synthesize: %v", err)
	}

	persisted, err := st.QueryNarrativePrimitives(ctx, at(8, 0), at(12, 0))
	if err != nil {
		t.Fatalf("QueryNarrativePrimitives: %v", err)
	}
	if len(persisted) != 1 {
		t.Fatalf("replay duplicated primitives: %d rows", len(persisted))
	}
	if persisted[0].Where != "Café X" {
		t.Fatalf("where = %q after replay", persisted[0].Where)
	}
}
