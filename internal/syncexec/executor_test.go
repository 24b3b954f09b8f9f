package syncexec

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/loamtrace/elt/internal/httpclient"
	"github.com/loamtrace/elt/internal/job"
	"github.com/loamtrace/elt/internal/lake"
	"github.com/loamtrace/elt/internal/store"
	"github.com/loamtrace/elt/internal/store/memory"
	"github.com/loamtrace/elt/internal/stream"
)

// fakePull scripts Sync responses per call.
type fakePull struct {
	results []func(mode stream.SyncMode) (stream.SyncResult, error)
	calls   []stream.SyncMode
	full    bool
}

func (f *fakePull) SourceName() string                    { return "acme" }
func (f *fakePull) StreamName() string                    { return "widgets" }
func (f *fakePull) TableName() string                     { return "stream_acme_widgets" }
func (f *fakePull) SupportsIncremental() bool             { return true }
func (f *fakePull) SupportsFullRefresh() bool             { return f.full }
func (f *fakePull) LoadConfig(context.Context, string) error { return nil }

func (f *fakePull) Sync(_ context.Context, mode stream.SyncMode) (stream.SyncResult, error) {
	f.calls = append(f.calls, mode)
	next := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return next(mode)
}

type fakeFactory struct {
	pull           *fakePull
	advancePartial bool
}

func (f fakeFactory) Build(string, string) (stream.Handle, error) {
	return stream.Handle{Pull: f.pull}, nil
}

func (f fakeFactory) AdvanceOnPartial(string, string) bool { return f.advancePartial }

func setup(t *testing.T, pull *fakePull) (*Executor, *memory.Memory, string, *stream.Writer) {
	return setupWithFactory(t, fakeFactory{pull: pull})
}

func setupWithFactory(t *testing.T, factory fakeFactory) (*Executor, *memory.Memory, string, *stream.Writer) {
	t.Helper()
	st := memory.New()

	sc, err := st.CreateSourceConnection(context.Background(), store.SourceConnection{
		ID: uuid.NewString(), Source: "acme", Name: "default", AuthType: "oauth2", IsActive: true,
	})
	if err != nil {
		t.Fatalf("create connection: %v", err)
	}
	if err := st.UpsertStream(context.Background(), store.Stream{
		SourceConnectionID: sc.ID, StreamName: "widgets", IsEnabled: true,
	}); err != nil {
		t.Fatalf("upsert stream: %v", err)
	}

	lakeStore, err := lake.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("lake: %v", err)
	}

	writer := stream.NewWriter()
	return New(factory, st, writer, lakeStore), st, sc.ID, writer
}

func lastLog(t *testing.T, st *memory.Memory, scID string) store.SyncLog {
	t.Helper()
	logs, err := st.ListSyncLogs(context.Background(), scID, "widgets", 1)
	if err != nil || len(logs) == 0 {
		t.Fatalf("sync log missing: %v", err)
	}
	return logs[0]
}

func TestRunSyncSuccessAdvancesCursorAtomically(t *testing.T) {
	pull := &fakePull{results: []func(stream.SyncMode) (stream.SyncResult, error){
		func(stream.SyncMode) (stream.SyncResult, error) {
			return stream.SyncResult{
				Records:        []stream.Record{{"id": "1"}, {"id": "2"}},
				NextCursor:     "cursor-2",
				RecordsWritten: 2,
			}, nil
		},
	}}
	e, st, scID, writer := setup(t, pull)

	written, failed, _, _, err := e.RunSync(context.Background(), job.SyncPayload{
		SourceConnectionID: scID, StreamName: "widgets",
	})
	if err != nil {
		t.Fatalf("RunSync: %v", err)
	}
	if written != 2 || failed != 0 {
		t.Fatalf("counts = %d/%d", written, failed)
	}

	row, err := st.GetStream(context.Background(), scID, "widgets")
	if err != nil {
		t.Fatalf("GetStream: %v", err)
	}
	if row.Cursor != "cursor-2" {
		t.Fatalf("cursor = %q", row.Cursor)
	}
	if row.LastSyncedAt == nil {
		t.Fatal("last_synced_at not set")
	}

	if got := lastLog(t, st, scID); got.Status != store.SyncLogSuccess || got.RecordsWritten != 2 {
		t.Fatalf("sync log = %+v", got)
	}

	if got := writer.BufferCount(scID, "widgets"); got != 2 {
		t.Fatalf("buffered records = %d, want 2 for the transform hot path", got)
	}
}

func partialPull() *fakePull {
	return &fakePull{results: []func(stream.SyncMode) (stream.SyncResult, error){
		func(stream.SyncMode) (stream.SyncResult, error) {
			return stream.SyncResult{
				Records:        []stream.Record{{"id": "1"}},
				NextCursor:     "c2",
				RecordsWritten: 1,
				RecordsFailed:  1,
			}, nil
		},
	}}
}

func TestRunSyncPartialHoldsCursorByDefault(t *testing.T) {
	e, st, scID, _ := setup(t, partialPull())

	if _, _, _, _, err := e.RunSync(context.Background(), job.SyncPayload{SourceConnectionID: scID, StreamName: "widgets"}); err != nil {
		t.Fatalf("RunSync: %v", err)
	}

	if got := lastLog(t, st, scID); got.Status != store.SyncLogPartial {
		t.Fatalf("status = %s, want partial", got.Status)
	}

	row, _ := st.GetStream(context.Background(), scID, "widgets")
	if row.Cursor != "" {
		t.Fatalf("cursor advanced on a partial run without advance-on-partial: %q", row.Cursor)
	}
}

func TestRunSyncPartialAdvancesWhenAdvertised(t *testing.T) {
	e, st, scID, _ := setupWithFactory(t, fakeFactory{pull: partialPull(), advancePartial: true})

	if _, _, _, _, err := e.RunSync(context.Background(), job.SyncPayload{SourceConnectionID: scID, StreamName: "widgets"}); err != nil {
		t.Fatalf("RunSync: %v", err)
	}

	if got := lastLog(t, st, scID); got.Status != store.SyncLogPartial {
		t.Fatalf("status = %s, want partial", got.Status)
	}

	row, _ := st.GetStream(context.Background(), scID, "widgets")
	if row.Cursor != "c2" {
		t.Fatalf("advance-on-partial stream should advance the cursor, got %q", row.Cursor)
	}
}

func TestRunSyncAllFailedDoesNotAdvanceCursor(t *testing.T) {
	pull := &fakePull{results: []func(stream.SyncMode) (stream.SyncResult, error){
		func(stream.SyncMode) (stream.SyncResult, error) {
			return stream.SyncResult{
				Records:       []stream.Record{},
				NextCursor:    "never-stored",
				RecordsFailed: 3,
			}, nil
		},
	}}
	e, st, scID, _ := setup(t, pull)

	if _, _, _, _, err := e.RunSync(context.Background(), job.SyncPayload{SourceConnectionID: scID, StreamName: "widgets"}); err != nil {
		t.Fatalf("RunSync: %v", err)
	}

	if got := lastLog(t, st, scID); got.Status != store.SyncLogFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}

	row, _ := st.GetStream(context.Background(), scID, "widgets")
	if row.Cursor != "" {
		t.Fatalf("cursor advanced on a fully failed run: %q", row.Cursor)
	}
}

func TestRunSyncFallsBackToFullRefreshOnSyncTokenError(t *testing.T) {
	pull := &fakePull{
		full: true,
		results: []func(stream.SyncMode) (stream.SyncResult, error){
			func(stream.SyncMode) (stream.SyncResult, error) {
				return stream.SyncResult{}, &httpclient.Error{Kind: httpclient.KindSyncToken, StatusCode: 410, Provider: "acme"}
			},
			func(mode stream.SyncMode) (stream.SyncResult, error) {
				if !mode.FullRefresh {
					return stream.SyncResult{}, errors.New("expected full refresh fallback")
				}
				return stream.SyncResult{
					Records:        []stream.Record{{"id": "1"}},
					NextCursor:     "fresh-cursor",
					RecordsWritten: 1,
				}, nil
			},
		},
	}
	e, st, scID, _ := setup(t, pull)

	if _, _, _, _, err := e.RunSync(context.Background(), job.SyncPayload{
		SourceConnectionID: scID, StreamName: "widgets", Cursor: "stale",
	}); err != nil {
		t.Fatalf("RunSync: %v", err)
	}

	if len(pull.calls) != 2 {
		t.Fatalf("sync calls = %d, want incremental then full refresh", len(pull.calls))
	}
	if pull.calls[0].FullRefresh || !pull.calls[1].FullRefresh {
		t.Fatalf("call modes = %+v", pull.calls)
	}

	row, _ := st.GetStream(context.Background(), scID, "widgets")
	if row.Cursor != "fresh-cursor" {
		t.Fatalf("cursor = %q, want the replacement incremental token", row.Cursor)
	}
}

func TestRunSyncAuthErrorMarksReauth(t *testing.T) {
	pull := &fakePull{results: []func(stream.SyncMode) (stream.SyncResult, error){
		func(stream.SyncMode) (stream.SyncResult, error) {
			return stream.SyncResult{}, &httpclient.Error{Kind: httpclient.KindAuth, StatusCode: 401, Provider: "acme"}
		},
	}}
	e, st, scID, _ := setup(t, pull)

	if _, _, _, _, err := e.RunSync(context.Background(), job.SyncPayload{SourceConnectionID: scID, StreamName: "widgets"}); err == nil {
		t.Fatal("expected the auth error to propagate")
	}

	sc, _ := st.GetSourceConnection(context.Background(), scID)
	if sc.ErrorMessage == nil || *sc.ErrorMessage != "reauth_required" {
		t.Fatalf("error_message = %v, want reauth_required", sc.ErrorMessage)
	}

	if got := lastLog(t, st, scID); got.Status != store.SyncLogFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
}

func TestRunArchiveWritesLakeObject(t *testing.T) {
	pull := &fakePull{results: []func(stream.SyncMode) (stream.SyncResult, error){
		func(stream.SyncMode) (stream.SyncResult, error) {
			return stream.SyncResult{
				Records:        []stream.Record{{"id": "1"}, {"id": "2"}},
				NextCursor:     "c",
				RecordsWritten: 2,
			}, nil
		},
	}}
	e, st, scID, _ := setup(t, pull)

	_, _, archiveP, _, err := e.RunSync(context.Background(), job.SyncPayload{SourceConnectionID: scID, StreamName: "widgets"})
	if err != nil {
		t.Fatalf("RunSync: %v", err)
	}

	if err := e.RunArchive(context.Background(), archiveP); err != nil {
		t.Fatalf("RunArchive: %v", err)
	}

	objects, err := st.ListLakeObjects(context.Background(), scID, "widgets", nil)
	if err != nil {
		t.Fatalf("ListLakeObjects: %v", err)
	}
	if len(objects) != 1 || objects[0].RecordCount != 2 {
		t.Fatalf("lake objects = %+v", objects)
	}

	// The snapshot is consumed; a replayed archive job writes nothing new.
	if err := e.RunArchive(context.Background(), archiveP); err != nil {
		t.Fatalf("second RunArchive: %v", err)
	}
	objects, _ = st.ListLakeObjects(context.Background(), scID, "widgets", nil)
	if len(objects) != 1 {
		t.Fatalf("replayed archive duplicated objects: %d", len(objects))
	}
}
