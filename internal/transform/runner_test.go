package transform

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/loamtrace/elt/internal/job"
	"github.com/loamtrace/elt/internal/lake"
	"github.com/loamtrace/elt/internal/registry"
	"github.com/loamtrace/elt/internal/store"
	"github.com/loamtrace/elt/internal/store/memory"
	"github.com/loamtrace/elt/internal/stream"
)

// pointTransform writes one location_point per record.
func pointTransform(ctx context.Context, tc registry.TransformContext) (registry.Result, error) {
	var result registry.Result
	for _, rec := range tc.Records() {
		id, _ := rec["id"].(string)
		if id == "" {
			result.RecordsFailed++
			continue
		}
		ts := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
		if err := tc.UpsertRow(ctx, registry.OntologyUpsert{
			Table:      "location_point",
			ExternalID: id,
			Timestamp:  &ts,
			Fields:     map[string]any{"latitude": 1.0, "longitude": 2.0},
		}); err != nil {
			return result, err
		}
		result.RecordsWritten++
	}
	return result, nil
}

// countEnrichment counts location_point rows over a window.
func countEnrichment(ctx context.Context, tc registry.TransformContext) (registry.Result, error) {
	rows, err := tc.QueryRows(ctx, "location_point",
		time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC))
	if err != nil {
		return registry.Result{}, err
	}
	return registry.Result{RecordsWritten: len(rows)}, nil
}

func testRunner(t *testing.T) (*Runner, *memory.Memory, string, *stream.Writer) {
	t.Helper()

	reg := registry.New([]string{"location_point", "location_visit"})
	reg.Register(registry.SourceDescriptor{
		Name:        "ios",
		DisplayName: "iOS",
		AuthType:    registry.AuthDevice,
		Streams: []registry.StreamDescriptor{{
			Name:                "location",
			TableName:           "stream_ios_location",
			TargetOntologies:    []string{"location_point", "location_visit"},
			SupportsIncremental: true,
			Enabled:             true,
			Transforms: []registry.TransformBinding{
				{Ontology: "location_point", Factory: func() registry.TransformFunc { return pointTransform }},
				{Ontology: "location_visit", Factory: func() registry.TransformFunc { return countEnrichment }},
			},
			NewPush: func() any { return nil },
		}},
	})
	reg.Freeze()

	st := memory.New()
	sc, err := st.CreateSourceConnection(context.Background(), store.SourceConnection{
		ID: uuid.NewString(), Source: "ios", Name: "phone", AuthType: "device", IsActive: true,
	})
	if err != nil {
		t.Fatalf("create connection: %v", err)
	}

	lakeStore, err := lake.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("lake: %v", err)
	}

	writer := stream.NewWriter()
	r := New(reg, st, writer, lakeStore, func(ctx context.Context, id string) (string, error) {
		row, err := st.GetSourceConnection(ctx, id)
		if err != nil {
			return "", err
		}
		return row.Source, nil
	})
	return r, st, sc.ID, writer
}

func TestRunTransformHotPathAndEnrichmentChain(t *testing.T) {
	r, st, scID, writer := testRunner(t)

	writer.WriteRecord(scID, "location", stream.Record{"id": "p1"}, nil)
	writer.WriteRecord(scID, "location", stream.Record{"id": "p2"}, nil)
	writer.WriteRecord(scID, "location", stream.Record{"id": ""}, nil)

	written, failed, enrichments, err := r.RunTransform(context.Background(), job.TransformPayload{
		SourceConnectionID: scID, StreamName: "location",
	})
	if err != nil {
		t.Fatalf("RunTransform: %v", err)
	}
	if written != 2 || failed != 1 {
		t.Fatalf("counts = %d/%d", written, failed)
	}

	// The enrichment target must not run inline; it is chained instead.
	if len(enrichments) != 1 || enrichments[0].TargetOntology != "location_visit" {
		t.Fatalf("enrichments = %+v", enrichments)
	}

	rows, err := st.QueryOntologyRows(context.Background(), "location_point",
		time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("QueryOntologyRows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("location_point rows = %d", len(rows))
	}
}

func TestRunTransformIsIdempotent(t *testing.T) {
	r, st, scID, writer := testRunner(t)
	ctx := context.Background()
	payload := job.TransformPayload{SourceConnectionID: scID, StreamName: "location"}

	writer.WriteRecord(scID, "location", stream.Record{"id": "p1"}, nil)
	if _, _, _, err := r.RunTransform(ctx, payload); err != nil {
		t.Fatalf("first RunTransform: %v", err)
	}

	// Same record replayed: the upsert lands on the same row.
	writer.WriteRecord(scID, "location", stream.Record{"id": "p1"}, nil)
	if _, _, _, err := r.RunTransform(ctx, payload); err != nil {
		t.Fatalf("second RunTransform: %v", err)
	}

	rows, _ := st.QueryOntologyRows(ctx, "location_point",
		time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC))
	if len(rows) != 1 {
		t.Fatalf("replay duplicated rows: %d", len(rows))
	}
}

func TestRunTransformEnrichmentReadsOntology(t *testing.T) {
	r, _, scID, writer := testRunner(t)
	ctx := context.Background()

	writer.WriteRecord(scID, "location", stream.Record{"id": "p1"}, nil)
	writer.WriteRecord(scID, "location", stream.Record{"id": "p2"}, nil)
	if _, _, _, err := r.RunTransform(ctx, job.TransformPayload{SourceConnectionID: scID, StreamName: "location"}); err != nil {
		t.Fatalf("base RunTransform: %v", err)
	}

	written, _, enrichments, err := r.RunTransform(ctx, job.TransformPayload{
		SourceConnectionID: scID, StreamName: "location", TargetOntology: "location_visit",
	})
	if err != nil {
		t.Fatalf("enrichment RunTransform: %v", err)
	}
	if written != 2 {
		t.Fatalf("enrichment saw %d rows, want 2", written)
	}
	if len(enrichments) != 0 {
		t.Fatalf("enrichment chained further enrichments: %+v", enrichments)
	}
}

func TestRunTransformColdPathReadsLake(t *testing.T) {
	r, _, scID, _ := testRunner(t)
	ctx := context.Background()

	lakeStore, err := lake.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("lake: %v", err)
	}
	r.lake = lakeStore

	obj, key, err := lake.Archive(ctx, lakeStore, scID, "location",
		[]map[string]any{{"id": "p9"}}, nil, nil, time.Now())
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	_ = obj

	written, _, _, err := r.RunTransform(ctx, job.TransformPayload{
		SourceConnectionID: scID, StreamName: "location", LakeObjectKey: key,
	})
	if err != nil {
		t.Fatalf("cold-path RunTransform: %v", err)
	}
	if written != 1 {
		t.Fatalf("cold path wrote %d rows, want 1", written)
	}
}
