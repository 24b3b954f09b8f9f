package boundary

import (
	"testing"
	"time"

	"github.com/loamtrace/elt/internal/registry"
	"github.com/loamtrace/elt/internal/store"
)

func tm(minute int) time.Time {
	return time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC).Add(time.Duration(minute) * time.Minute)
}

func intervalRow(id string, startMin, endMin int) store.OntologyRow {
	start := tm(startMin)
	end := tm(endMin)
	return store.OntologyRow{ID: id, ExternalID: id, StartTime: &start, EndTime: &end}
}

func pointRow(id string, minute int) store.OntologyRow {
	ts := tm(minute)
	return store.OntologyRow{ID: id, ExternalID: id, Timestamp: &ts}
}

func TestIntervalDetectorFiltersShortIntervals(t *testing.T) {
	desc := registry.OntologyDescriptor{
		Table:               "location_visit",
		Shape:               registry.ShapeInterval,
		Fidelity:            0.9,
		Weight:              100,
		IntervalMinDuration: 30,
	}

	rows := []store.OntologyRow{
		intervalRow("long", 0, 45),
		intervalRow("short", 50, 60),
	}

	got := IntervalDetector{}.Detect(rows, desc)
	if len(got) != 2 {
		t.Fatalf("candidates = %d, want 2 (begin+end of the long visit)", len(got))
	}
	if got[0].Type != store.BoundaryBegin || got[0].Timestamp != tm(0).UnixMilli() {
		t.Fatalf("begin candidate = %+v", got[0])
	}
	if got[1].Type != store.BoundaryEnd || got[1].Timestamp != tm(45).UnixMilli() {
		t.Fatalf("end candidate = %+v", got[1])
	}
	if got[0].Weight != 100 || got[0].Fidelity != 0.9 {
		t.Fatalf("descriptor weight/fidelity not carried: %+v", got[0])
	}
}

func TestDiscreteDetectorSessionizesByGap(t *testing.T) {
	desc := registry.OntologyDescriptor{
		Table:                "app_usage",
		Shape:                registry.ShapeDiscrete,
		Fidelity:             0.55,
		Weight:               60,
		DiscreteGapMinutes:   10,
		DiscreteMinDurationS: 60,
	}

	// Two sessions separated by a 30 minute gap; a trailing lone point that
	// is too short to count.
	rows := []store.OntologyRow{
		pointRow("a1", 0), pointRow("a2", 2), pointRow("a3", 5),
		pointRow("b1", 35), pointRow("b2", 40),
		pointRow("c1", 120),
	}

	got := DiscreteDetector{}.Detect(rows, desc)
	if len(got) != 4 {
		t.Fatalf("candidates = %d, want 4 (two sessions x begin/end)", len(got))
	}
	if got[0].Timestamp != tm(0).UnixMilli() || got[1].Timestamp != tm(5).UnixMilli() {
		t.Fatalf("first session bounds wrong: %v %v", got[0], got[1])
	}
	if got[2].Timestamp != tm(35).UnixMilli() || got[3].Timestamp != tm(40).UnixMilli() {
		t.Fatalf("second session bounds wrong: %v %v", got[2], got[3])
	}
}

func TestDiscreteDetectorEmptyInput(t *testing.T) {
	if got := (DiscreteDetector{}).Detect(nil, registry.OntologyDescriptor{}); got != nil {
		t.Fatalf("expected nil for empty input, got %v", got)
	}
}

func TestContinuousDetectorFindsMeanShift(t *testing.T) {
	desc := registry.OntologyDescriptor{
		Table:                       "health_metric",
		Shape:                       registry.ShapeContinuous,
		Weight:                      40,
		ContinuousPenalty:           3.0,
		ContinuousMinSegmentMinutes: 3,
	}

	// Flat 60 then a jump to 120: one changepoint at the shift.
	var rows []store.OntologyRow
	for i := 0; i < 20; i++ {
		r := pointRow("p", i)
		value := 60.0
		if i >= 10 {
			value = 120.0
		}
		r.Fields = map[string]any{"value": value}
		rows = append(rows, r)
	}

	got := ContinuousDetector{ValueField: "value"}.Detect(rows, desc)
	if len(got) != 1 {
		t.Fatalf("changepoints = %d, want 1", len(got))
	}
	if got[0].Timestamp != tm(10).UnixMilli() {
		t.Fatalf("changepoint at %d, want %d", got[0].Timestamp, tm(10).UnixMilli())
	}
	if got[0].Fidelity <= 0 || got[0].Fidelity > 1 {
		t.Fatalf("fidelity %v out of (0,1]", got[0].Fidelity)
	}
}

func TestContinuousDetectorIsPure(t *testing.T) {
	desc := registry.OntologyDescriptor{
		Table:                       "health_metric",
		Weight:                      40,
		ContinuousPenalty:           2.0,
		ContinuousMinSegmentMinutes: 2,
	}

	var rows []store.OntologyRow
	for i := 0; i < 12; i++ {
		r := pointRow("p", i)
		r.Fields = map[string]any{"value": float64(i % 4 * 50)}
		rows = append(rows, r)
	}

	d := ContinuousDetector{ValueField: "value"}
	first := d.Detect(rows, desc)
	second := d.Detect(rows, desc)

	if len(first) != len(second) {
		t.Fatalf("detector not pure: %d vs %d candidates", len(first), len(second))
	}
	for i := range first {
		if first[i].Timestamp != second[i].Timestamp {
			t.Fatalf("detector not pure at %d: %v vs %v", i, first[i], second[i])
		}
	}
}
