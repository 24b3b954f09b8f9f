// Package memory is an in-memory implementation of store.Store. Data does
// not survive process restarts; it backs unit tests and quick local runs
// without a database.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loamtrace/elt/internal/crypto"
	"github.com/loamtrace/elt/internal/store"
)

type streamKey struct {
	sourceConnectionID string
	streamName         string
}

// Memory holds every table as a map under one mutex. The coarse lock keeps
// ClaimNextJob and EnqueueJob atomic the same way the SQL backends' row
// locking does.
type Memory struct {
	mu sync.Mutex

	connections  map[string]store.SourceConnection
	streams      map[streamKey]store.Stream
	tokens       map[string]store.OAuthToken
	deviceTokens map[string]store.DeviceToken // id -> token
	deviceByHash map[string]string            // hash -> id
	jobs         map[string]store.Job
	jobOrder     []string
	syncLogs     []store.SyncLog
	lakeObjects  []store.LakeObject
	ontology     map[string][]store.OntologyRow // table -> rows
	boundaries   map[string]store.EventBoundary // key(ts|ont|type) -> row
	narratives   map[string]store.NarrativePrimitive

	encKey []byte
}

func New() *Memory {
	slog.Info("using in-memory store (data will not persist across restarts)")

	return &Memory{
		connections:  make(map[string]store.SourceConnection),
		streams:      make(map[streamKey]store.Stream),
		tokens:       make(map[string]store.OAuthToken),
		deviceTokens: make(map[string]store.DeviceToken),
		deviceByHash: make(map[string]string),
		jobs:         make(map[string]store.Job),
		ontology:     make(map[string][]store.OntologyRow),
		boundaries:   make(map[string]store.EventBoundary),
		narratives:   make(map[string]store.NarrativePrimitive),
	}
}

func (m *Memory) Close() error { return nil }

// WithTx runs fn against the same store; the in-memory backend has no
// rollback, which the tests it backs never rely on.
func (m *Memory) WithTx(_ context.Context, fn func(tx store.Store) error) error {
	return fn(m)
}

// SetEncryptionKey mirrors the SQL backends' in-memory key swap.
func (m *Memory) SetEncryptionKey(key []byte) {
	m.mu.Lock()
	m.encKey = key
	m.mu.Unlock()
}

// ─── Source Connections ───

func (m *Memory) CreateSourceConnection(_ context.Context, sc store.SourceConnection) (store.SourceConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.connections {
		if existing.Source == sc.Source && existing.Name == sc.Name {
			return store.SourceConnection{}, fmt.Errorf("source connection %s/%s already exists", sc.Source, sc.Name)
		}
	}

	now := time.Now().UTC()
	sc.CreatedAt = now
	sc.UpdatedAt = now
	m.connections[sc.ID] = sc
	return sc, nil
}

func (m *Memory) GetSourceConnection(_ context.Context, id string) (store.SourceConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sc, ok := m.connections[id]
	if !ok {
		return store.SourceConnection{}, store.ErrNotFound
	}
	return sc, nil
}

func (m *Memory) ListSourceConnections(_ context.Context) ([]store.SourceConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]store.SourceConnection, 0, len(m.connections))
	for _, sc := range m.connections {
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateSourceConnectionStatus(_ context.Context, id string, isActive bool, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sc, ok := m.connections[id]
	if !ok {
		return store.ErrNotFound
	}
	sc.IsActive = isActive
	sc.ErrorMessage = errMsg
	sc.UpdatedAt = time.Now().UTC()
	m.connections[id] = sc
	return nil
}

func (m *Memory) DeleteSourceConnection(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.connections, id)
	for k := range m.streams {
		if k.sourceConnectionID == id {
			delete(m.streams, k)
		}
	}
	delete(m.tokens, id)
	for tid, t := range m.deviceTokens {
		if t.SourceConnectionID == id {
			delete(m.deviceByHash, t.TokenHash)
			delete(m.deviceTokens, tid)
		}
	}
	return nil
}

// ─── Streams ───

func (m *Memory) UpsertStream(_ context.Context, s store.Stream) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := streamKey{s.SourceConnectionID, s.StreamName}
	now := time.Now().UTC()

	if existing, ok := m.streams[key]; ok {
		existing.IsEnabled = s.IsEnabled
		existing.CronSchedule = s.CronSchedule
		existing.Config = s.Config
		existing.UpdatedAt = now
		m.streams[key] = existing
		return nil
	}

	s.CreatedAt = now
	s.UpdatedAt = now
	m.streams[key] = s
	return nil
}

func (m *Memory) GetStream(_ context.Context, sourceConnectionID, streamName string) (store.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[streamKey{sourceConnectionID, streamName}]
	if !ok {
		return store.Stream{}, store.ErrNotFound
	}
	return s, nil
}

func (m *Memory) ListStreams(_ context.Context, sourceConnectionID string) ([]store.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []store.Stream
	for k, s := range m.streams {
		if k.sourceConnectionID == sourceConnectionID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamName < out[j].StreamName })
	return out, nil
}

func (m *Memory) ListEnabledStreams(_ context.Context) ([]store.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []store.Stream
	for _, s := range m.streams {
		if s.IsEnabled {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceConnectionID != out[j].SourceConnectionID {
			return out[i].SourceConnectionID < out[j].SourceConnectionID
		}
		return out[i].StreamName < out[j].StreamName
	})
	return out, nil
}

func (m *Memory) SetCursorAndLastSynced(_ context.Context, sourceConnectionID, streamName, cursor string, syncedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := streamKey{sourceConnectionID, streamName}
	s, ok := m.streams[key]
	if !ok {
		return store.ErrNotFound
	}
	s.Cursor = cursor
	s.LastSyncedAt = &syncedAt
	s.UpdatedAt = time.Now().UTC()
	m.streams[key] = s
	return nil
}

// ─── OAuth Tokens ───

func (m *Memory) StoreToken(_ context.Context, tok store.OAuthToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tok.UpdatedAt = time.Now().UTC()
	m.tokens[tok.SourceConnectionID] = tok
	return nil
}

func (m *Memory) GetToken(_ context.Context, sourceConnectionID string) (store.OAuthToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tok, ok := m.tokens[sourceConnectionID]
	if !ok {
		return store.OAuthToken{}, store.ErrNotFound
	}
	return tok, nil
}

func (m *Memory) DeleteToken(_ context.Context, sourceConnectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.tokens, sourceConnectionID)
	return nil
}

func (m *Memory) RotateEncryptionKey(_ context.Context, newKey []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, tok := range m.tokens {
		plain, err := crypto.DecryptOAuthToken(crypto.OAuthToken{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken}, m.encKey)
		if err != nil {
			return fmt.Errorf("decrypt token for %s: %w", id, err)
		}
		enc, err := crypto.EncryptOAuthToken(plain, newKey)
		if err != nil {
			return fmt.Errorf("re-encrypt token for %s: %w", id, err)
		}
		tok.AccessToken = enc.AccessToken
		tok.RefreshToken = enc.RefreshToken
		tok.UpdatedAt = time.Now().UTC()
		m.tokens[id] = tok
	}
	m.encKey = newKey
	return nil
}

// ─── Device Tokens ───

func (m *Memory) CreateDeviceToken(_ context.Context, t store.DeviceToken) (store.DeviceToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.deviceByHash[t.TokenHash]; exists {
		return store.DeviceToken{}, fmt.Errorf("device token hash collision")
	}

	t.CreatedAt = time.Now().UTC()
	m.deviceTokens[t.ID] = t
	m.deviceByHash[t.TokenHash] = t.ID
	return t, nil
}

func (m *Memory) GetDeviceTokenByHash(_ context.Context, hash string) (store.DeviceToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.deviceByHash[hash]
	if !ok {
		return store.DeviceToken{}, store.ErrNotFound
	}
	return m.deviceTokens[id], nil
}

func (m *Memory) DeleteDeviceToken(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.deviceTokens[id]; ok {
		delete(m.deviceByHash, t.TokenHash)
		delete(m.deviceTokens, id)
	}
	return nil
}

// ─── Jobs ───

func payloadField(p map[string]any, key string) string {
	if p == nil {
		return ""
	}
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

func (m *Memory) EnqueueJob(_ context.Context, j store.Job) (store.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if j.JobType == store.JobSync {
		sc := payloadField(j.Payload, "source_connection_id")
		sn := payloadField(j.Payload, "stream_name")
		for _, existing := range m.jobs {
			if existing.JobType != store.JobSync {
				continue
			}
			if existing.Status != store.JobPending && existing.Status != store.JobRunning {
				continue
			}
			if payloadField(existing.Payload, "source_connection_id") == sc &&
				payloadField(existing.Payload, "stream_name") == sn {
				return store.Job{}, store.ErrDuplicateActiveJob
			}
		}
	}

	now := time.Now().UTC()
	j.Status = store.JobPending
	j.CreatedAt = now
	j.UpdatedAt = now
	m.jobs[j.ID] = j
	m.jobOrder = append(m.jobOrder, j.ID)
	return j, nil
}

func (m *Memory) ClaimNextJob(_ context.Context, jobTypes []store.JobType) (store.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := make(map[store.JobType]struct{}, len(jobTypes))
	for _, jt := range jobTypes {
		wanted[jt] = struct{}{}
	}

	for _, id := range m.jobOrder {
		j := m.jobs[id]
		if j.Status != store.JobPending {
			continue
		}
		if _, ok := wanted[j.JobType]; !ok {
			continue
		}
		now := time.Now().UTC()
		j.Status = store.JobRunning
		j.StartedAt = &now
		j.UpdatedAt = now
		m.jobs[id] = j
		return j, true, nil
	}
	return store.Job{}, false, nil
}

func (m *Memory) CompleteJob(_ context.Context, id string, recordsProcessed, recordsFailed int) error {
	return m.finishJob(id, store.JobCompleted, recordsProcessed, recordsFailed, nil)
}

func (m *Memory) FailJob(_ context.Context, id string, errMsg string) error {
	return m.finishJob(id, store.JobFailed, 0, 0, &errMsg)
}

func (m *Memory) finishJob(id string, status store.JobStatus, processed, failed int, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if j.Status == store.JobCompleted || j.Status == store.JobFailed {
		return nil // terminal transitions are final
	}

	now := time.Now().UTC()
	j.Status = status
	j.CompletedAt = &now
	j.UpdatedAt = now
	if errMsg != nil {
		j.ErrorMessage = errMsg
	} else {
		j.RecordsProcessed = processed
		j.RecordsFailed = failed
	}
	m.jobs[id] = j
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (store.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return store.Job{}, store.ErrNotFound
	}
	return j, nil
}

func (m *Memory) ListJobs(_ context.Context, status *store.JobStatus, limit int) ([]store.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}

	var out []store.Job
	for i := len(m.jobOrder) - 1; i >= 0 && len(out) < limit; i-- {
		j := m.jobs[m.jobOrder[i]]
		if status != nil && j.Status != *status {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

// ─── Sync Logs ───

func (m *Memory) InsertSyncLog(_ context.Context, l store.SyncLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.syncLogs = append(m.syncLogs, l)
	return nil
}

func (m *Memory) ListSyncLogs(_ context.Context, sourceConnectionID, streamName string, limit int) ([]store.SyncLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}

	var out []store.SyncLog
	for i := len(m.syncLogs) - 1; i >= 0 && len(out) < limit; i-- {
		l := m.syncLogs[i]
		if l.SourceConnectionID == sourceConnectionID && l.StreamName == streamName {
			out = append(out, l)
		}
	}
	return out, nil
}

// ─── Lake Objects ───

func (m *Memory) InsertLakeObject(_ context.Context, o store.LakeObject) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lakeObjects = append(m.lakeObjects, o)
	return nil
}

func (m *Memory) ListLakeObjects(_ context.Context, sourceConnectionID, streamName string, since *time.Time) ([]store.LakeObject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []store.LakeObject
	for _, o := range m.lakeObjects {
		if o.SourceConnectionID != sourceConnectionID || o.StreamName != streamName {
			continue
		}
		if since != nil && o.CreatedAt.Before(*since) {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

// ─── Ontology Rows ───

func (m *Memory) UpsertOntologyRow(_ context.Context, row store.OntologyRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.ontology[row.Table]
	for i, existing := range rows {
		if existing.SourceConnectionID == row.SourceConnectionID && existing.ExternalID == row.ExternalID {
			row.ID = existing.ID
			rows[i] = row
			return nil
		}
	}
	m.ontology[row.Table] = append(rows, row)
	return nil
}

func (m *Memory) QueryOntologyRows(_ context.Context, table string, start, end time.Time) ([]store.OntologyRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []store.OntologyRow
	for _, r := range m.ontology[table] {
		switch {
		case r.Timestamp != nil:
			if !r.Timestamp.Before(start) && r.Timestamp.Before(end) {
				out = append(out, r)
			}
		case r.StartTime != nil && r.EndTime != nil:
			if r.StartTime.Before(end) && r.EndTime.After(start) {
				out = append(out, r)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return effectiveTime(out[i]).Before(effectiveTime(out[j])) })
	return out, nil
}

func effectiveTime(r store.OntologyRow) time.Time {
	if r.Timestamp != nil {
		return *r.Timestamp
	}
	if r.StartTime != nil {
		return *r.StartTime
	}
	return time.Time{}
}

// ─── Event Boundaries ───

func boundaryKey(b store.EventBoundary) string {
	return strings.Join([]string{b.Timestamp.UTC().Format(time.RFC3339Nano), b.SourceOntology, string(b.BoundaryType)}, "|")
}

func (m *Memory) InsertEventBoundaries(_ context.Context, bs []store.EventBoundary) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, b := range bs {
		key := boundaryKey(b)
		if existing, ok := m.boundaries[key]; ok {
			b.ID = existing.ID
		}
		m.boundaries[key] = b
	}
	return nil
}

func (m *Memory) QueryEventBoundaries(_ context.Context, start, end time.Time) ([]store.EventBoundary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []store.EventBoundary
	for _, b := range m.boundaries {
		if !b.Timestamp.Before(start) && b.Timestamp.Before(end) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// ─── Narrative Primitives ───

func narrativeKey(n store.NarrativePrimitive) string {
	return n.StartTime.UTC().Format(time.RFC3339Nano) + "|" + n.EndTime.UTC().Format(time.RFC3339Nano)
}

func (m *Memory) UpsertNarrativePrimitive(_ context.Context, n store.NarrativePrimitive) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := narrativeKey(n)
	if existing, ok := m.narratives[key]; ok {
		n.ID = existing.ID
	}
	m.narratives[key] = n
	return nil
}

func (m *Memory) QueryNarrativePrimitives(_ context.Context, start, end time.Time) ([]store.NarrativePrimitive, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []store.NarrativePrimitive
	for _, n := range m.narratives {
		if n.StartTime.Before(end) && n.EndTime.After(start) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}
