package job

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loamtrace/elt/internal/store"
	"github.com/loamtrace/elt/internal/store/memory"
)

type fakeSync struct {
	err    error
	called int
}

func (f *fakeSync) RunSync(_ context.Context, p SyncPayload) (int, int, ArchivePayload, TransformPayload, error) {
	f.called++
	if f.err != nil {
		return 0, 0, ArchivePayload{}, TransformPayload{}, f.err
	}
	return 5, 1,
		ArchivePayload{SourceConnectionID: p.SourceConnectionID, StreamName: p.StreamName},
		TransformPayload{SourceConnectionID: p.SourceConnectionID, StreamName: p.StreamName},
		nil
}

type fakeTransform struct {
	err         error
	enrichments []TransformPayload
	payloads    []TransformPayload
}

func (f *fakeTransform) RunTransform(_ context.Context, p TransformPayload) (int, int, []TransformPayload, error) {
	f.payloads = append(f.payloads, p)
	if f.err != nil {
		return 0, 0, nil, f.err
	}
	return 5, 0, f.enrichments, nil
}

type fakeArchive struct {
	err    error
	called int
}

func (f *fakeArchive) RunArchive(context.Context, ArchivePayload) error {
	f.called++
	return f.err
}

func drain(t *testing.T, o *Orchestrator) {
	t.Helper()
	for i := 0; i < 50; i++ {
		ran, err := o.Run(context.Background())
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if !ran {
			return
		}
	}
	t.Fatal("queue did not drain")
}

func jobsByType(t *testing.T, st store.JobStorer) map[store.JobType][]store.Job {
	t.Helper()
	all, err := st.ListJobs(context.Background(), nil, 100)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	out := map[store.JobType][]store.Job{}
	for _, j := range all {
		out[j.JobType] = append(out[j.JobType], j)
	}
	return out
}

func TestSyncSuccessChainsTransformAndArchive(t *testing.T) {
	st := memory.New()
	sync := &fakeSync{}
	transform := &fakeTransform{}
	archive := &fakeArchive{}
	o := New(st, sync, transform, archive)

	if _, err := o.Enqueue(context.Background(), store.JobSync,
		SyncPayload{SourceConnectionID: "sc", StreamName: "calendar"}, nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	drain(t, o)

	byType := jobsByType(t, st)
	if len(byType[store.JobSync]) != 1 || byType[store.JobSync][0].Status != store.JobCompleted {
		t.Fatalf("sync jobs: %+v", byType[store.JobSync])
	}
	if len(byType[store.JobTransform]) != 1 || byType[store.JobTransform][0].Status != store.JobCompleted {
		t.Fatalf("transform jobs: %+v", byType[store.JobTransform])
	}
	if len(byType[store.JobArchive]) != 1 || byType[store.JobArchive][0].Status != store.JobCompleted {
		t.Fatalf("archive jobs: %+v", byType[store.JobArchive])
	}

	syncID := byType[store.JobSync][0].ID
	for _, jt := range []store.JobType{store.JobTransform, store.JobArchive} {
		child := byType[jt][0]
		if child.ParentJobID == nil || *child.ParentJobID != syncID {
			t.Fatalf("%s parent = %v, want sync job %s", jt, child.ParentJobID, syncID)
		}
	}

	if sync.called != 1 || archive.called != 1 || len(transform.payloads) != 1 {
		t.Fatalf("runner calls: sync=%d archive=%d transform=%d", sync.called, archive.called, len(transform.payloads))
	}

	sj := byType[store.JobSync][0]
	if sj.RecordsProcessed != 5 || sj.RecordsFailed != 1 {
		t.Fatalf("sync counts = %d/%d", sj.RecordsProcessed, sj.RecordsFailed)
	}
}

func TestSyncFailureCancelsDescendants(t *testing.T) {
	st := memory.New()
	o := New(st, &fakeSync{err: errors.New("boom")}, &fakeTransform{}, &fakeArchive{})

	if _, err := o.Enqueue(context.Background(), store.JobSync,
		SyncPayload{SourceConnectionID: "sc", StreamName: "calendar"}, nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	drain(t, o)

	byType := jobsByType(t, st)
	if byType[store.JobSync][0].Status != store.JobFailed {
		t.Fatalf("sync status = %s", byType[store.JobSync][0].Status)
	}
	if len(byType[store.JobTransform]) != 0 || len(byType[store.JobArchive]) != 0 {
		t.Fatalf("descendants of a failed sync were enqueued: %+v", byType)
	}
}

func TestArchiveFailureDoesNotAffectSync(t *testing.T) {
	st := memory.New()
	o := New(st, &fakeSync{}, &fakeTransform{}, &fakeArchive{err: errors.New("lake down")})

	if _, err := o.Enqueue(context.Background(), store.JobSync,
		SyncPayload{SourceConnectionID: "sc", StreamName: "calendar"}, nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	drain(t, o)

	byType := jobsByType(t, st)
	if byType[store.JobSync][0].Status != store.JobCompleted {
		t.Fatalf("sync status = %s, archive failure must not touch it", byType[store.JobSync][0].Status)
	}
	if byType[store.JobArchive][0].Status != store.JobFailed {
		t.Fatalf("archive status = %s", byType[store.JobArchive][0].Status)
	}
}

func TestTransformChainsEnrichment(t *testing.T) {
	st := memory.New()
	transform := &fakeTransform{enrichments: []TransformPayload{
		{SourceConnectionID: "sc", StreamName: "location", TargetOntology: "location_visit"},
	}}
	o := New(st, &fakeSync{}, transform, &fakeArchive{})

	if _, err := o.Enqueue(context.Background(), store.JobTransform,
		TransformPayload{SourceConnectionID: "sc", StreamName: "location"}, nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// The fake returns the same enrichment on every call; the per-window
	// dedup lets exactly one through, so the queue drains.
	drain(t, o)

	if len(transform.payloads) != 2 {
		t.Fatalf("transform runs = %d, want base + one deduped enrichment", len(transform.payloads))
	}
	if transform.payloads[1].TargetOntology != "location_visit" {
		t.Fatalf("second payload = %+v", transform.payloads[1])
	}

	// A repeat within the same window is suppressed...
	if o.claimEnrichmentSlot("location_visit", time.Now()) {
		t.Fatal("second enrichment claim in the same window should be rejected")
	}
	// ...and the next window re-opens the slot.
	if !o.claimEnrichmentSlot("location_visit", time.Now().Add(2*enrichmentDedupWindow)) {
		t.Fatal("a later window should accept a new enrichment claim")
	}
}

func TestDuplicateActiveSyncRejected(t *testing.T) {
	st := memory.New()
	o := New(st, &fakeSync{}, &fakeTransform{}, &fakeArchive{})

	payload := SyncPayload{SourceConnectionID: "sc", StreamName: "calendar"}
	if _, err := o.Enqueue(context.Background(), store.JobSync, payload, nil); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	if _, err := o.Enqueue(context.Background(), store.JobSync, payload, nil); !errors.Is(err, store.ErrDuplicateActiveJob) {
		t.Fatalf("second Enqueue err = %v, want ErrDuplicateActiveJob", err)
	}

	// A different stream is unaffected.
	if _, err := o.Enqueue(context.Background(), store.JobSync,
		SyncPayload{SourceConnectionID: "sc", StreamName: "gmail"}, nil); err != nil {
		t.Fatalf("other-stream Enqueue: %v", err)
	}
}
