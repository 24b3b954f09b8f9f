// Package job implements the orchestrator over the table-backed FIFO job
// queue. Workers claim one pending job at a time and execute it to a
// terminal state; a successful Sync chains one Transform and one Archive
// job, and a Transform may chain an enrichment Transform.
package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rakunlabs/logi"

	"github.com/loamtrace/elt/internal/store"
)

// SyncPayload is the decoded payload of a Sync job.
type SyncPayload struct {
	SourceConnectionID string `json:"source_connection_id"`
	StreamName         string `json:"stream_name"`
	FullRefresh        bool   `json:"full_refresh"`
	Cursor             string `json:"cursor,omitempty"`
}

// TransformPayload is the decoded payload of a Transform job. The stream
// identity references the in-memory hot-path slice; LakeObjectKey, when
// set, names the lake object to re-read once that slice is gone.
type TransformPayload struct {
	SourceConnectionID string `json:"source_connection_id"`
	StreamName         string `json:"stream_name"`
	TargetOntology     string `json:"target_ontology,omitempty"` // set only for enrichment jobs
	LakeObjectKey      string `json:"lake_object_key,omitempty"`
}

// ArchivePayload is the decoded payload of an Archive job.
type ArchivePayload struct {
	SourceConnectionID string `json:"source_connection_id"`
	StreamName         string `json:"stream_name"`
}

// SyncRunner executes a Sync job's payload and returns the slice reference
// the orchestrator chains into Transform/Archive jobs. Implemented by
// internal/syncexec.Executor.
type SyncRunner interface {
	RunSync(ctx context.Context, p SyncPayload) (recordsProcessed, recordsFailed int, archivePayload ArchivePayload, transformPayload TransformPayload, err error)
}

// TransformRunner executes a Transform job. Implemented by
// internal/transform.Runner.
type TransformRunner interface {
	RunTransform(ctx context.Context, p TransformPayload) (recordsProcessed, recordsFailed int, enrichments []TransformPayload, err error)
}

// ArchiveRunner executes an Archive job. Implemented by internal/syncexec
// (it owns the in-memory slice and the lake.Store).
type ArchiveRunner interface {
	RunArchive(ctx context.Context, p ArchivePayload) error
}

// enrichmentDedupWindow buckets enrichment transforms: within one window,
// at most one enrichment job per ontology is enqueued, no matter how many
// base transforms complete.
const enrichmentDedupWindow = time.Hour

// Orchestrator polls store.JobStorer for pending work and dispatches it to
// the registered runners, applying the chaining and failure-propagation
// rules above.
type Orchestrator struct {
	store     store.JobStorer
	sync      SyncRunner
	transform TransformRunner
	archive   ArchiveRunner

	// dedup tracks enqueued enrichment transforms keyed by
	// "ontology|window-start", guarded by dedupMu since workers run
	// runTransform concurrently. Entries live for the duration of their
	// window and are pruned lazily.
	dedupMu sync.Mutex
	dedup   map[string]time.Time // key -> window expiry
}

// New builds an Orchestrator.
func New(st store.JobStorer, sync SyncRunner, transform TransformRunner, archive ArchiveRunner) *Orchestrator {
	return &Orchestrator{store: st, sync: sync, transform: transform, archive: archive, dedup: make(map[string]time.Time)}
}

// claimEnrichmentSlot reports whether an enrichment for ontology may be
// enqueued in the current window, recording the claim when it may.
func (o *Orchestrator) claimEnrichmentSlot(ontology string, now time.Time) bool {
	windowStart := now.Truncate(enrichmentDedupWindow)
	key := fmt.Sprintf("%s|%d", ontology, windowStart.Unix())

	o.dedupMu.Lock()
	defer o.dedupMu.Unlock()

	for k, expiry := range o.dedup {
		if now.After(expiry) {
			delete(o.dedup, k)
		}
	}

	if _, seen := o.dedup[key]; seen {
		return false
	}
	o.dedup[key] = windowStart.Add(enrichmentDedupWindow)
	return true
}

// Enqueue inserts a new Pending job. Store backends enforce the one-active-
// sync-per-stream invariant and surface store.ErrDuplicateActiveJob when a
// second sync for the same (source connection, stream) is attempted.
func (o *Orchestrator) Enqueue(ctx context.Context, jobType store.JobType, payload any, parentJobID *string) (store.Job, error) {
	raw, err := toMap(payload)
	if err != nil {
		return store.Job{}, fmt.Errorf("job: marshal payload: %w", err)
	}

	j := store.Job{
		ID:          uuid.NewString(),
		JobType:     jobType,
		Status:      store.JobPending,
		Payload:     raw,
		ParentJobID: parentJobID,
	}
	return o.store.EnqueueJob(ctx, j)
}

// Run polls once for a claimable job of any type and executes it to
// completion. Returns ok=false when the queue had nothing to claim. Callers
// (typically a worker loop in cmd/eltd) call Run repeatedly, sleeping
// between empty polls.
func (o *Orchestrator) Run(ctx context.Context) (bool, error) {
	j, ok, err := o.store.ClaimNextJob(ctx, []store.JobType{store.JobSync, store.JobTransform, store.JobArchive})
	if err != nil {
		return false, fmt.Errorf("job: claim: %w", err)
	}
	if !ok {
		return false, nil
	}

	o.execute(ctx, j)
	return true, nil
}

func (o *Orchestrator) execute(ctx context.Context, j store.Job) {
	logger := logi.Ctx(ctx)
	logger.Info("job: claimed", "job_id", j.ID, "type", j.JobType)

	switch j.JobType {
	case store.JobSync:
		o.runSync(ctx, j)
	case store.JobTransform:
		o.runTransform(ctx, j)
	case store.JobArchive:
		o.runArchive(ctx, j)
	default:
		o.fail(ctx, j, fmt.Errorf("job: unknown job type %q", j.JobType))
	}
}

func (o *Orchestrator) runSync(ctx context.Context, j store.Job) {
	var p SyncPayload
	if err := fromMap(j.Payload, &p); err != nil {
		o.fail(ctx, j, err)
		return
	}

	processed, failed, archiveP, transformP, err := o.sync.RunSync(ctx, p)
	if err != nil {
		o.fail(ctx, j, err)
		return
	}

	o.complete(ctx, j, processed, failed)

	// A successful sync chains a Transform and, in parallel, a
	// fire-and-forget Archive, both with the sync job as parent.
	parent := j.ID
	if _, err := o.Enqueue(ctx, store.JobTransform, transformP, &parent); err != nil {
		logi.Ctx(ctx).Error("job: failed to enqueue transform", "job_id", j.ID, "error", err)
	}
	if _, err := o.Enqueue(ctx, store.JobArchive, archiveP, &parent); err != nil {
		logi.Ctx(ctx).Warn("job: failed to enqueue archive (non-fatal)", "job_id", j.ID, "error", err)
	}
}

func (o *Orchestrator) runTransform(ctx context.Context, j store.Job) {
	var p TransformPayload
	if err := fromMap(j.Payload, &p); err != nil {
		o.fail(ctx, j, err)
		return
	}

	processed, failed, enrichments, err := o.transform.RunTransform(ctx, p)
	if err != nil {
		// Descendants of a failed parent are never enqueued.
		o.fail(ctx, j, err)
		return
	}

	o.complete(ctx, j, processed, failed)

	parent := j.ID
	for _, e := range enrichments {
		if !o.claimEnrichmentSlot(e.TargetOntology, time.Now()) {
			continue
		}
		if _, err := o.Enqueue(ctx, store.JobTransform, e, &parent); err != nil {
			logi.Ctx(ctx).Error("job: failed to enqueue enrichment transform", "job_id", j.ID, "ontology", e.TargetOntology, "error", err)
		}
	}
}

func (o *Orchestrator) runArchive(ctx context.Context, j store.Job) {
	var p ArchivePayload
	if err := fromMap(j.Payload, &p); err != nil {
		o.fail(ctx, j, err)
		return
	}

	if err := o.archive.RunArchive(ctx, p); err != nil {
		// Archive jobs are fire-and-forget: failure never marks the
		// originating sync failed, it only fails the archive job itself.
		logi.Ctx(ctx).Warn("job: archive failed (non-fatal)", "job_id", j.ID, "error", err)
		o.fail(ctx, j, err)
		return
	}

	o.complete(ctx, j, 0, 0)
}

func (o *Orchestrator) complete(ctx context.Context, j store.Job, processed, failed int) {
	if err := o.store.CompleteJob(ctx, j.ID, processed, failed); err != nil {
		logi.Ctx(ctx).Error("job: failed to mark completed", "job_id", j.ID, "error", err)
	}
}

func (o *Orchestrator) fail(ctx context.Context, j store.Job, cause error) {
	logi.Ctx(ctx).Error("job: failed", "job_id", j.ID, "type", j.JobType, "error", cause)
	if err := o.store.FailJob(ctx, j.ID, cause.Error()); err != nil {
		logi.Ctx(ctx).Error("job: failed to mark failed", "job_id", j.ID, "error", err)
	}
}

func toMap(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func fromMap(m map[string]any, v any) error {
	if m == nil {
		return errors.New("job: empty payload")
	}
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
