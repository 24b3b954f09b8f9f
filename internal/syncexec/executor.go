// Package syncexec runs one pull-stream sync end to end: look up the stream,
// load its config, dispatch the fetch, persist a sync log, advance the
// cursor under the partial-failure policy, and hand the fetched slice to the
// in-memory writer and the lake archiver.
package syncexec

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rakunlabs/logi"

	"github.com/loamtrace/elt/internal/httpclient"
	"github.com/loamtrace/elt/internal/job"
	"github.com/loamtrace/elt/internal/lake"
	"github.com/loamtrace/elt/internal/store"
	"github.com/loamtrace/elt/internal/stream"
)

// Factory builds a stream.Handle for a (source, stream) pair and answers
// the descriptor's cursor policy.
type Factory interface {
	Build(sourceName, streamName string) (stream.Handle, error)

	// AdvanceOnPartial reports whether the stream advertises cursor
	// advancement on a partial run.
	AdvanceOnPartial(sourceName, streamName string) bool
}

// Store is the persistence slice the executor needs.
type Store interface {
	store.SourceConnectionStorer
	store.StreamStorer
	store.SyncLogStorer
	store.LakeObjectStorer
	store.TxRunner
}

type archiveKey struct {
	sourceConnectionID string
	streamName         string
}

type archiveSlice struct {
	records []stream.Record
	minTS   *int64
	maxTS   *int64
}

// Executor runs syncs and satisfies job.SyncRunner and job.ArchiveRunner.
type Executor struct {
	factory Factory
	store   Store
	writer  *stream.Writer
	lake    lake.Store

	// Timeout bounds one sync's wall clock; zero means no deadline.
	Timeout time.Duration

	// pending holds each sync's slice for its archive job. The transform
	// job consumes the writer buffer independently, so the two chained
	// consumers never race over one copy.
	mu      sync.Mutex
	pending map[archiveKey]archiveSlice
}

// New builds an Executor.
func New(factory Factory, st Store, writer *stream.Writer, lakeStore lake.Store) *Executor {
	return &Executor{
		factory: factory,
		store:   st,
		writer:  writer,
		lake:    lakeStore,
		pending: make(map[archiveKey]archiveSlice),
	}
}

// RunSync implements job.SyncRunner: dispatch the sync, persist the
// log+cursor, and return the payloads the orchestrator chains into
// Transform/Archive jobs.
func (e *Executor) RunSync(ctx context.Context, p job.SyncPayload) (int, int, job.ArchivePayload, job.TransformPayload, error) {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	sc, err := e.store.GetSourceConnection(ctx, p.SourceConnectionID)
	if err != nil {
		return 0, 0, job.ArchivePayload{}, job.TransformPayload{}, fmt.Errorf("syncexec: source connection: %w", err)
	}
	if !sc.IsActive {
		return 0, 0, job.ArchivePayload{}, job.TransformPayload{}, fmt.Errorf("syncexec: source connection %s is disabled", sc.ID)
	}

	handle, err := e.factory.Build(sc.Source, p.StreamName)
	if err != nil {
		return 0, 0, job.ArchivePayload{}, job.TransformPayload{}, err
	}
	if !handle.IsPull() {
		return 0, 0, job.ArchivePayload{}, job.TransformPayload{}, fmt.Errorf("syncexec: %s/%s is not a pull stream", sc.Source, p.StreamName)
	}
	pull := handle.Pull

	if err := pull.LoadConfig(ctx, p.SourceConnectionID); err != nil {
		return 0, 0, job.ArchivePayload{}, job.TransformPayload{}, fmt.Errorf("syncexec: load config: %w", err)
	}

	mode := stream.SyncMode{FullRefresh: p.FullRefresh, Cursor: p.Cursor}
	if !mode.FullRefresh && !pull.SupportsIncremental() {
		mode = stream.SyncMode{FullRefresh: true}
	}

	startedAt := time.Now()
	result, syncErr := pull.Sync(ctx, mode)

	// A rejected incremental cursor falls back to a full refresh once, when
	// the stream supports it.
	if syncErr != nil && httpclient.IsSyncTokenError(syncErr) && pull.SupportsFullRefresh() {
		logi.Ctx(ctx).Warn("syncexec: sync token rejected, retrying full refresh",
			"source_connection_id", p.SourceConnectionID, "stream", p.StreamName)
		mode = stream.SyncMode{FullRefresh: true}
		result, syncErr = pull.Sync(ctx, mode)
	}

	completedAt := time.Now()

	if syncErr != nil {
		if err := e.store.InsertSyncLog(ctx, store.SyncLog{
			ID:                 uuid.NewString(),
			SourceConnectionID: p.SourceConnectionID,
			StreamName:         p.StreamName,
			Mode:               modeLabel(mode),
			StartedAt:          startedAt,
			CompletedAt:        &completedAt,
			Status:             store.SyncLogFailed,
			ErrorMessage:       errPtr(syncErr),
		}); err != nil {
			logi.Ctx(ctx).Error("syncexec: failed to insert sync log", "error", err)
		}
		if httpclient.IsAuthError(syncErr) {
			msg := "reauth_required"
			if err := e.store.UpdateSourceConnectionStatus(ctx, p.SourceConnectionID, sc.IsActive, &msg); err != nil {
				logi.Ctx(ctx).Error("syncexec: failed to mark reauth_required", "error", err)
			}
		}
		return 0, 0, job.ArchivePayload{}, job.TransformPayload{}, syncErr
	}

	status := store.SyncLogSuccess
	switch {
	case result.RecordsFailed > 0 && result.RecordsWritten == 0:
		status = store.SyncLogFailed
	case result.RecordsFailed > 0 && result.RecordsWritten > 0:
		status = store.SyncLogPartial
	}

	// Buffer the slice for the transform job's hot path and snapshot an
	// independent copy for the archive job.
	for _, rec := range result.Records {
		e.writer.WriteRecord(p.SourceConnectionID, p.StreamName, rec, nil)
	}
	e.StashArchive(p.SourceConnectionID, p.StreamName, result.Records, result.MinTimestamp, result.MaxTimestamp)

	logEntry := store.SyncLog{
		ID:                 uuid.NewString(),
		SourceConnectionID: p.SourceConnectionID,
		StreamName:         p.StreamName,
		Mode:               modeLabel(mode),
		StartedAt:          startedAt,
		CompletedAt:        &completedAt,
		RecordsFetched:     len(result.Records),
		RecordsWritten:     result.RecordsWritten,
		RecordsFailed:      result.RecordsFailed,
		Status:             status,
	}

	// The cursor advances only on a clean run, unless the stream explicitly
	// advertises advance-on-partial; otherwise the old cursor stays so the
	// failed records are refetched next run.
	advanceCursor := status == store.SyncLogSuccess ||
		(status == store.SyncLogPartial && e.factory.AdvanceOnPartial(sc.Source, p.StreamName))

	if advanceCursor {
		// The cursor and its audit row commit together.
		txErr := e.store.WithTx(ctx, func(tx store.Store) error {
			if err := tx.SetCursorAndLastSynced(ctx, p.SourceConnectionID, p.StreamName, result.NextCursor, completedAt); err != nil {
				return err
			}
			return tx.InsertSyncLog(ctx, logEntry)
		})
		if txErr != nil {
			return 0, 0, job.ArchivePayload{}, job.TransformPayload{}, fmt.Errorf("syncexec: persist cursor+synclog: %w", txErr)
		}
	} else {
		if err := e.store.InsertSyncLog(ctx, logEntry); err != nil {
			logi.Ctx(ctx).Error("syncexec: failed to insert sync log", "error", err)
		}
	}

	archiveP := job.ArchivePayload{SourceConnectionID: p.SourceConnectionID, StreamName: p.StreamName}
	transformP := job.TransformPayload{SourceConnectionID: p.SourceConnectionID, StreamName: p.StreamName}

	return result.RecordsWritten, result.RecordsFailed, archiveP, transformP, nil
}

// StashArchive records an independent copy of a slice for the stream's next
// archive job. The ingest endpoint calls this for push payloads; RunSync
// calls it for pull results. A later stash for the same stream replaces an
// unconsumed earlier one — archive jobs are chained immediately after each
// sync, so in practice one is always in flight at a time per stream.
func (e *Executor) StashArchive(sourceConnectionID, streamName string, records []stream.Record, minTS, maxTS *int64) {
	if len(records) == 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending[archiveKey{sourceConnectionID, streamName}] = archiveSlice{
		records: records,
		minTS:   minTS,
		maxTS:   maxTS,
	}
}

// RunArchive implements job.ArchiveRunner: take the sync's snapshot, write
// it to the lake, and finalize the metadata row.
func (e *Executor) RunArchive(ctx context.Context, p job.ArchivePayload) error {
	e.mu.Lock()
	slice, ok := e.pending[archiveKey{p.SourceConnectionID, p.StreamName}]
	delete(e.pending, archiveKey{p.SourceConnectionID, p.StreamName})
	e.mu.Unlock()

	if !ok {
		// Nothing stashed: the slice was empty or the process restarted
		// between sync and archive. Nothing to write.
		return nil
	}

	obj, _, err := lake.Archive(ctx, e.lake, p.SourceConnectionID, p.StreamName, slice.records, slice.minTS, slice.maxTS, time.Now())
	if err != nil {
		return fmt.Errorf("syncexec: archive: %w", err)
	}

	if err := e.store.InsertLakeObject(ctx, obj); err != nil {
		return fmt.Errorf("syncexec: insert lake object: %w", err)
	}

	return nil
}

func modeLabel(m stream.SyncMode) string {
	if m.FullRefresh {
		return "full_refresh"
	}
	return "incremental"
}

func errPtr(err error) *string {
	if err == nil {
		return nil
	}
	s := err.Error()
	return &s
}
