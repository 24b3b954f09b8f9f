// Package stream defines the pull/push stream capability contracts and the
// factory that materializes a runtime stream instance from a
// source-connection row plus the registry. Pull and push streams share only
// identity operations, so Handle is a tagged variant rather than one
// interface forcing both contracts on every implementor.
package stream

import "context"

// SyncMode selects full-refresh or incremental sync, carrying the cursor for
// the incremental case.
type SyncMode struct {
	FullRefresh bool
	Cursor      string // only meaningful when !FullRefresh
}

// Record is one fetched/pushed unit of raw data, carried through the sync
// pipeline as a generic JSON-able map until a transform interprets it.
type Record = map[string]any

// SyncResult is returned by a pull stream's Sync call and consumed by the
// job orchestrator to chain Transform/Archive jobs. It owns the record
// slice until those consumers take it.
type SyncResult struct {
	Records        []Record
	MinTimestamp   *int64 // unix millis, nil if no timestamped records
	MaxTimestamp   *int64
	NextCursor     string
	RecordsWritten int
	RecordsFailed  int
	ArchiveJobID   string // set by the orchestrator after enqueuing Archive, not by the stream
}

// PushPayload is the ingest endpoint's request body.
type PushPayload struct {
	Source    string
	Stream    string
	DeviceID  string
	Records   []Record
	Timestamp int64
}

// PushResult is returned to the ingest endpoint caller.
type PushResult struct {
	RecordsReceived int
	RecordsWritten  int
	ReceivedAt      int64
}

// Identity is embedded by both Pull and Push streams.
type Identity interface {
	SourceName() string
	StreamName() string
	TableName() string
}

// Pull is implemented by backend-initiated streams.
type Pull interface {
	Identity

	// LoadConfig populates OAuth tokens, per-stream config, and the sync
	// cursor for the given source connection. Must be called before Sync.
	LoadConfig(ctx context.Context, sourceConnectionID string) error

	Sync(ctx context.Context, mode SyncMode) (SyncResult, error)

	SupportsIncremental() bool
	SupportsFullRefresh() bool
}

// Push is implemented by device-delivered streams.
type Push interface {
	Identity

	// ValidatePayload applies stream-specific validation on top of the
	// ingest endpoint's default (non-empty device_id and records).
	ValidatePayload(p PushPayload) error

	ReceivePush(ctx context.Context, sourceConnectionID string, p PushPayload) (PushResult, error)
}

// Handle is the tagged stream variant: exactly one of Pull/Push is
// non-nil.
type Handle struct {
	Pull Pull
	Push Push
}

// IsPull/IsPush are the capability accessors callers branch on.
func (h Handle) IsPull() bool { return h.Pull != nil }
func (h Handle) IsPush() bool { return h.Push != nil }
