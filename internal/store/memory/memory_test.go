package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/loamtrace/elt/internal/store"
)

func enqueue(t *testing.T, m *Memory, jobType store.JobType, payload map[string]any) store.Job {
	t.Helper()
	j, err := m.EnqueueJob(context.Background(), store.Job{
		ID:      uuid.NewString(),
		JobType: jobType,
		Payload: payload,
	})
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	return j
}

func TestClaimNextJobIsFIFOAndExclusive(t *testing.T) {
	m := New()

	first := enqueue(t, m, store.JobTransform, map[string]any{"n": "1"})
	second := enqueue(t, m, store.JobTransform, map[string]any{"n": "2"})

	all := []store.JobType{store.JobSync, store.JobTransform, store.JobArchive}

	got1, ok, err := m.ClaimNextJob(context.Background(), all)
	if err != nil || !ok {
		t.Fatalf("first claim: %v ok=%v", err, ok)
	}
	if got1.ID != first.ID {
		t.Fatalf("claimed %s, want the oldest %s", got1.ID, first.ID)
	}
	if got1.Status != store.JobRunning || got1.StartedAt == nil {
		t.Fatalf("claimed job not marked running: %+v", got1)
	}

	got2, ok, _ := m.ClaimNextJob(context.Background(), all)
	if !ok || got2.ID != second.ID {
		t.Fatalf("second claim = %+v ok=%v", got2, ok)
	}

	if _, ok, _ := m.ClaimNextJob(context.Background(), all); ok {
		t.Fatal("claimed from an empty queue")
	}
}

func TestClaimFiltersByJobType(t *testing.T) {
	m := New()
	enqueue(t, m, store.JobArchive, nil)

	if _, ok, _ := m.ClaimNextJob(context.Background(), []store.JobType{store.JobSync}); ok {
		t.Fatal("claimed a job of the wrong type")
	}
	if _, ok, _ := m.ClaimNextJob(context.Background(), []store.JobType{store.JobArchive}); !ok {
		t.Fatal("failed to claim a matching job")
	}
}

func TestDuplicateActiveSyncEnforced(t *testing.T) {
	m := New()
	payload := map[string]any{"source_connection_id": "sc", "stream_name": "calendar"}

	first := enqueue(t, m, store.JobSync, payload)

	if _, err := m.EnqueueJob(context.Background(), store.Job{
		ID: uuid.NewString(), JobType: store.JobSync, Payload: payload,
	}); !errors.Is(err, store.ErrDuplicateActiveJob) {
		t.Fatalf("err = %v, want ErrDuplicateActiveJob", err)
	}

	// Still blocked while running.
	if _, ok, _ := m.ClaimNextJob(context.Background(), []store.JobType{store.JobSync}); !ok {
		t.Fatal("claim failed")
	}
	if _, err := m.EnqueueJob(context.Background(), store.Job{
		ID: uuid.NewString(), JobType: store.JobSync, Payload: payload,
	}); !errors.Is(err, store.ErrDuplicateActiveJob) {
		t.Fatalf("err while running = %v, want ErrDuplicateActiveJob", err)
	}

	// Released once terminal.
	if err := m.CompleteJob(context.Background(), first.ID, 1, 0); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	if _, err := m.EnqueueJob(context.Background(), store.Job{
		ID: uuid.NewString(), JobType: store.JobSync, Payload: payload,
	}); err != nil {
		t.Fatalf("enqueue after completion: %v", err)
	}
}

func TestTerminalTransitionsAreFinal(t *testing.T) {
	m := New()
	j := enqueue(t, m, store.JobSync, map[string]any{"source_connection_id": "sc", "stream_name": "s"})

	if _, ok, _ := m.ClaimNextJob(context.Background(), []store.JobType{store.JobSync}); !ok {
		t.Fatal("claim failed")
	}
	if err := m.FailJob(context.Background(), j.ID, "boom"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	// A later complete must not resurrect the job.
	if err := m.CompleteJob(context.Background(), j.ID, 9, 9); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	got, err := m.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != store.JobFailed {
		t.Fatalf("status = %s, terminal transition was not final", got.Status)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != "boom" {
		t.Fatalf("error message = %v", got.ErrorMessage)
	}
}

func TestDeleteSourceConnectionCascades(t *testing.T) {
	m := New()
	ctx := context.Background()

	sc, err := m.CreateSourceConnection(ctx, store.SourceConnection{ID: uuid.NewString(), Source: "ios", Name: "phone", AuthType: "device"})
	if err != nil {
		t.Fatalf("CreateSourceConnection: %v", err)
	}
	if err := m.UpsertStream(ctx, store.Stream{SourceConnectionID: sc.ID, StreamName: "location", IsEnabled: true}); err != nil {
		t.Fatalf("UpsertStream: %v", err)
	}
	if err := m.StoreToken(ctx, store.OAuthToken{SourceConnectionID: sc.ID, AccessToken: "x"}); err != nil {
		t.Fatalf("StoreToken: %v", err)
	}
	if _, err := m.CreateDeviceToken(ctx, store.DeviceToken{ID: uuid.NewString(), SourceConnectionID: sc.ID, DeviceID: "d", TokenHash: "h"}); err != nil {
		t.Fatalf("CreateDeviceToken: %v", err)
	}

	if err := m.DeleteSourceConnection(ctx, sc.ID); err != nil {
		t.Fatalf("DeleteSourceConnection: %v", err)
	}

	if _, err := m.GetStream(ctx, sc.ID, "location"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("stream survived delete: %v", err)
	}
	if _, err := m.GetToken(ctx, sc.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("token survived delete: %v", err)
	}
	if _, err := m.GetDeviceTokenByHash(ctx, "h"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("device token survived delete: %v", err)
	}
}
