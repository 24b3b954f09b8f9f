package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get-style lookups when no row matches.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicateActiveJob is returned by EnqueueJob when a Sync job for the
// same (source connection, stream) is already pending or running. Backends
// enforce this with a unique partial index on active sync jobs.
var ErrDuplicateActiveJob = errors.New("store: sync job already active for stream")

// SourceConnectionStorer is the CRUD surface for source_connections.
type SourceConnectionStorer interface {
	CreateSourceConnection(ctx context.Context, sc SourceConnection) (SourceConnection, error)
	GetSourceConnection(ctx context.Context, id string) (SourceConnection, error)
	ListSourceConnections(ctx context.Context) ([]SourceConnection, error)
	UpdateSourceConnectionStatus(ctx context.Context, id string, isActive bool, errMsg *string) error
	DeleteSourceConnection(ctx context.Context, id string) error
}

// StreamStorer is the CRUD+cursor surface for the streams table.
type StreamStorer interface {
	UpsertStream(ctx context.Context, s Stream) error
	GetStream(ctx context.Context, sourceConnectionID, streamName string) (Stream, error)
	ListStreams(ctx context.Context, sourceConnectionID string) ([]Stream, error)
	ListEnabledStreams(ctx context.Context) ([]Stream, error)

	// SetCursorAndLastSynced persists the new cursor together with
	// last_synced_at. The sync executor wraps this call and InsertSyncLog in
	// one transaction via WithTx so the cursor never advances without its
	// audit row.
	SetCursorAndLastSynced(ctx context.Context, sourceConnectionID, streamName, cursor string, syncedAt time.Time) error
}

// TokenStorer is the CRUD surface for oauth_tokens, keyed by
// source_connection_id. Token values arrive already encrypted; the store
// only sees ciphertext except during RotateEncryptionKey.
type TokenStorer interface {
	StoreToken(ctx context.Context, tok OAuthToken) error
	GetToken(ctx context.Context, sourceConnectionID string) (OAuthToken, error)
	DeleteToken(ctx context.Context, sourceConnectionID string) error

	// RotateEncryptionKey re-encrypts every stored token under newKey. A nil
	// newKey disables encryption (plaintext at rest).
	RotateEncryptionKey(ctx context.Context, newKey []byte) error
}

// DeviceTokenStorer persists long-lived per-device ingest credentials. Only
// a SHA-256 hash of the token is stored.
type DeviceTokenStorer interface {
	CreateDeviceToken(ctx context.Context, t DeviceToken) (DeviceToken, error)
	GetDeviceTokenByHash(ctx context.Context, hash string) (DeviceToken, error)
	DeleteDeviceToken(ctx context.Context, id string) error
}

// JobStorer is the table-backed FIFO queue surface.
type JobStorer interface {
	EnqueueJob(ctx context.Context, j Job) (Job, error)

	// ClaimNextJob atomically transitions one Pending job of any of
	// jobTypes to Running and returns it, or ok=false if the queue is
	// empty. Backends implement this as a single UPDATE ... WHERE
	// status='pending' ... LIMIT 1 RETURNING (or the SQLite equivalent
	// transaction) so two workers never claim the same row.
	ClaimNextJob(ctx context.Context, jobTypes []JobType) (Job, bool, error)

	CompleteJob(ctx context.Context, id string, recordsProcessed, recordsFailed int) error
	FailJob(ctx context.Context, id string, errMsg string) error
	GetJob(ctx context.Context, id string) (Job, error)
	ListJobs(ctx context.Context, status *JobStatus, limit int) ([]Job, error)
}

// SyncLogStorer records the per-run audit trail.
type SyncLogStorer interface {
	InsertSyncLog(ctx context.Context, l SyncLog) error
	ListSyncLogs(ctx context.Context, sourceConnectionID, streamName string, limit int) ([]SyncLog, error)
}

// LakeObjectStorer records object metadata for every lake write.
type LakeObjectStorer interface {
	InsertLakeObject(ctx context.Context, o LakeObject) error
	ListLakeObjects(ctx context.Context, sourceConnectionID, streamName string, since *time.Time) ([]LakeObject, error)
}

// OntologyStorer is the generic normalized-row surface the transform runner
// writes through. One implementation per backend handles every ontology
// table by name, since their schemas share the same idempotency key
// (external_id, source_connection_id) and one column layout, with domain
// fields kept in a JSON fields column.
type OntologyStorer interface {
	// UpsertOntologyRow inserts or updates keyed on (table, external_id,
	// source_connection_id).
	UpsertOntologyRow(ctx context.Context, row OntologyRow) error
	QueryOntologyRows(ctx context.Context, table string, start, end time.Time) ([]OntologyRow, error)
}

// BoundaryStorer persists the aggregated merge of boundary candidates.
type BoundaryStorer interface {
	InsertEventBoundaries(ctx context.Context, bs []EventBoundary) error
	QueryEventBoundaries(ctx context.Context, start, end time.Time) ([]EventBoundary, error)
}

// NarrativeStorer persists synthesized narrative primitives.
type NarrativeStorer interface {
	UpsertNarrativePrimitive(ctx context.Context, n NarrativePrimitive) error
	QueryNarrativePrimitives(ctx context.Context, start, end time.Time) ([]NarrativePrimitive, error)
}

// TxRunner runs fn inside a single transaction. fn receives a Store scoped
// to the transaction; any error returned rolls the transaction back.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(tx Store) error) error
}

// Store is the full persistence surface a backend must provide. postgres
// and sqlite3 each assemble one from the shared internal/store/sqlstore
// implementation plus a dialect-specific *sql.DB/migration pair.
type Store interface {
	SourceConnectionStorer
	StreamStorer
	TokenStorer
	DeviceTokenStorer
	JobStorer
	SyncLogStorer
	LakeObjectStorer
	OntologyStorer
	BoundaryStorer
	NarrativeStorer
	TxRunner

	Close() error
}
