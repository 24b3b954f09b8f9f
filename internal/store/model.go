// Package store defines the persisted-state model and the interfaces the
// concrete backends implement. Domain types live here rather than in each
// consuming package so that internal/token, internal/syncexec, internal/job,
// internal/scheduler, and internal/narrative can all depend on store without
// a cycle.
package store

import "time"

// SourceConnection is a user-authorized instance of a source, with
// credentials.
type SourceConnection struct {
	ID           string
	Source       string
	Name         string
	AuthType     string
	IsActive     bool
	IsInternal   bool
	ErrorMessage *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Stream is one enabled data feed of a source connection. Uniqueness:
// (SourceConnectionID, StreamName).
type Stream struct {
	SourceConnectionID string
	StreamName         string
	IsEnabled          bool
	Cursor             string
	CronSchedule       *string // override of the descriptor default, nil = use default
	LastSyncedAt       *time.Time
	Config             map[string]any
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// OAuthToken is the encrypted-at-rest credential row. AccessToken and
// RefreshToken hold ciphertext ("enc:...") or plaintext when encryption is
// disabled — internal/token and the store's RotateEncryptionKey are the
// only code that ever sees plaintext, and only transiently.
type OAuthToken struct {
	SourceConnectionID string
	AccessToken        string
	RefreshToken       string
	ExpiresAt          *time.Time
	TokenType          string
	Scopes             []string
	UpdatedAt          time.Time
}

// DeviceToken is a long-lived ingest credential issued at device pairing.
// The token value itself is never stored, only its SHA-256 hash.
type DeviceToken struct {
	ID                 string
	SourceConnectionID string
	DeviceID           string
	Name               string
	TokenPrefix        string
	TokenHash          string
	CreatedAt          time.Time
	LastUsedAt         *time.Time
}

// JobType enumerates the three job kinds chained by the orchestrator.
type JobType string

const (
	JobSync      JobType = "sync"
	JobTransform JobType = "transform"
	JobArchive   JobType = "archive"
)

// JobStatus is the lifecycle state of a Job. Completed/Failed are terminal.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is one persisted queue row.
type Job struct {
	ID               string
	JobType          JobType
	Status           JobStatus
	Payload          map[string]any
	ParentJobID      *string
	RecordsProcessed int
	RecordsFailed    int
	ErrorMessage     *string
	StartedAt        *time.Time
	CompletedAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// SyncLogStatus is the outcome of one sync run.
type SyncLogStatus string

const (
	SyncLogSuccess SyncLogStatus = "success"
	SyncLogPartial SyncLogStatus = "partial"
	SyncLogFailed  SyncLogStatus = "failed"
)

// SyncLog is the persisted per-sync audit row.
type SyncLog struct {
	ID                 string
	SourceConnectionID string
	StreamName         string
	Mode               string
	StartedAt          time.Time
	CompletedAt        *time.Time
	RecordsFetched     int
	RecordsWritten     int
	RecordsFailed      int
	Status             SyncLogStatus
	ErrorMessage       *string
	Warning            *string // e.g. a failed archive job
}

// LakeObject is the elt_stream_objects metadata row. The object itself is
// immutable once written; this row is the only mutable reference to it.
type LakeObject struct {
	ID                 string
	SourceConnectionID string
	StreamName         string
	Key                string
	SizeBytes          int64
	RecordCount        int
	MinTimestamp       *time.Time
	MaxTimestamp       *time.Time
	Checksum           string
	CreatedAt          time.Time
}

// BoundaryType marks a boundary as the start or end of something.
type BoundaryType string

const (
	BoundaryBegin BoundaryType = "begin"
	BoundaryEnd   BoundaryType = "end"
)

// EventBoundary is the persisted, aggregated merge of candidates sharing a
// timestamp bucket. Unique key: (timestamp, source_ontology, boundary_type).
type EventBoundary struct {
	ID              string
	Timestamp       time.Time
	SourceOntology  string
	BoundaryType    BoundaryType
	AggregateWeight float64
	Fidelity        float64
	IsPrimary       bool
	Metadata        map[string]any
}

// EvidenceRef is one pointer inside a narrative primitive's EvidenceRefs.
type EvidenceRef struct {
	Table string `json:"table"`
	ID    string `json:"id"`
	Role  string `json:"role"` // "container", "structure", or "substance"
}

// NarrativePrimitive is the persisted synthesis output, keyed by
// (StartTime, EndTime) so re-runs replace rather than duplicate.
type NarrativePrimitive struct {
	ID           string
	StartTime    time.Time
	EndTime      time.Time
	Who          []string
	Where        string
	Why          string
	What         string
	How          string
	EvidenceRefs []EvidenceRef
}

// OntologyRow is a generic normalized row written by a transform. Concrete
// ontology tables (location_visit, social_email, ...) project their typed
// fields into Fields; ExternalID + SourceConnectionID form the idempotency
// key.
type OntologyRow struct {
	ID                 string
	Table              string
	ExternalID         string
	SourceConnectionID string
	Timestamp          *time.Time
	StartTime          *time.Time
	EndTime            *time.Time
	Fields             map[string]any
}
