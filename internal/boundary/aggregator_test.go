package boundary

import (
	"context"
	"testing"
	"time"

	"github.com/loamtrace/elt/internal/registry"
	"github.com/loamtrace/elt/internal/store"
	"github.com/loamtrace/elt/internal/store/memory"
)

// seedMorning loads the 08:00-09:00 window: a calendar event starting at
// 08:00, a location visit starting at 08:02, and an app-usage session
// starting at 08:15.
func seedMorning(t *testing.T, st store.Store) {
	t.Helper()
	ctx := context.Background()

	put := func(row store.OntologyRow) {
		if err := st.UpsertOntologyRow(ctx, row); err != nil {
			t.Fatalf("seed %s: %v", row.Table, err)
		}
	}

	calStart, calEnd := tm(0), tm(55)
	put(store.OntologyRow{Table: "calendar_event", ID: "cal-1", ExternalID: "cal-1", SourceConnectionID: "sc", StartTime: &calStart, EndTime: &calEnd})

	visitStart, visitEnd := tm(2), tm(75)
	put(store.OntologyRow{Table: "location_visit", ID: "visit-1", ExternalID: "visit-1", SourceConnectionID: "sc", StartTime: &visitStart, EndTime: &visitEnd})

	for i := 0; i < 5; i++ {
		ts := tm(15 + i)
		put(store.OntologyRow{Table: "app_usage", ID: "app", ExternalID: time.Duration(i).String(), SourceConnectionID: "sc", Timestamp: &ts, Fields: map[string]any{"app_name": "browser"}})
	}
}

func newTestAggregator(st store.Store, threshold float64) *Aggregator {
	ont := registry.NewOntologyRegistry(registry.DefaultOntologies()...)
	return New(ont, st, st, Config{BucketWidth: 2 * time.Minute, PrimaryThreshold: threshold}, "value")
}

func TestAggregatorBucketsAndMarksPrimary(t *testing.T) {
	st := memory.New()
	seedMorning(t, st)

	agg := newTestAggregator(st, 50)

	got, err := agg.Run(context.Background(), tm(0), tm(120))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(got) == 0 {
		t.Fatal("no boundaries persisted")
	}

	// The 08:00 and 08:02 begins land in adjacent 2-minute buckets; within
	// the 08:02 bucket the visit (weight 100) outranks everything.
	byBucket := map[int64][]store.EventBoundary{}
	for _, b := range got {
		byBucket[b.Timestamp.UnixMilli()] = append(byBucket[b.Timestamp.UnixMilli()], b)
	}

	for bucket, group := range byBucket {
		primaries := 0
		for _, b := range group {
			if b.IsPrimary {
				primaries++
			}
		}
		if primaries != 1 {
			t.Fatalf("bucket %d has %d primaries, want exactly 1", bucket, primaries)
		}
	}

	var visitBegin *store.EventBoundary
	for i, b := range got {
		if b.SourceOntology == "location_visit" && b.BoundaryType == store.BoundaryBegin {
			visitBegin = &got[i]
		}
	}
	if visitBegin == nil {
		t.Fatal("location_visit begin boundary missing")
	}
	if !visitBegin.IsPrimary {
		t.Fatal("location_visit begin should be primary in its bucket")
	}
	if visitBegin.Timestamp != tm(2) {
		t.Fatalf("visit begin bucketed at %v, want %v", visitBegin.Timestamp, tm(2))
	}
}

func TestAggregatorDropsSubThresholdBuckets(t *testing.T) {
	st := memory.New()
	seedMorning(t, st)

	// Threshold above the app-usage weight (60): its session boundaries
	// must not persist.
	agg := newTestAggregator(st, 70)

	got, err := agg.Run(context.Background(), tm(0), tm(120))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, b := range got {
		if b.SourceOntology == "app_usage" {
			t.Fatalf("sub-threshold app_usage boundary persisted: %+v", b)
		}
	}
}

func TestAggregatorRerunUpserts(t *testing.T) {
	st := memory.New()
	seedMorning(t, st)

	agg := newTestAggregator(st, 50)
	ctx := context.Background()

	first, err := agg.Run(ctx, tm(0), tm(120))
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	second, err := agg.Run(ctx, tm(0), tm(120))
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("rerun changed boundary count: %d vs %d", len(first), len(second))
	}

	persisted, err := st.QueryEventBoundaries(ctx, tm(0), tm(120))
	if err != nil {
		t.Fatalf("QueryEventBoundaries: %v", err)
	}
	if len(persisted) != len(first) {
		t.Fatalf("rerun duplicated rows: %d persisted, %d emitted", len(persisted), len(first))
	}
}
