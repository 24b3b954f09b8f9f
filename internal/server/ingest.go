package server

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rakunlabs/logi"

	"github.com/loamtrace/elt/internal/job"
	"github.com/loamtrace/elt/internal/store"
	"github.com/loamtrace/elt/internal/stream"
)

// ingestRequest is the push payload delivered by client devices.
type ingestRequest struct {
	Source    string           `json:"source"`
	Stream    string           `json:"stream"`
	DeviceID  string           `json:"device_id"`
	Records   []map[string]any `json:"records"`
	Timestamp int64            `json:"timestamp"`
}

type ingestResponse struct {
	RecordsReceived int       `json:"records_received"`
	RecordsWritten  int       `json:"records_written"`
	ReceivedAt      time.Time `json:"received_at"`
}

// IngestAPI handles POST /ingest: authenticate the device token, validate
// the payload, hand records to the push stream, and chain Transform/Archive
// jobs for the buffered slice.
func (s *Server) IngestAPI(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	deviceToken, err := s.authenticateDevice(r)
	if err != nil {
		httpResponse(w, "invalid device token", http.StatusUnauthorized)
		return
	}

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	if len(req.Records) > stream.MaxPushRecords {
		httpResponse(w, fmt.Sprintf("payload exceeds %d records", stream.MaxPushRecords), http.StatusRequestEntityTooLarge)
		return
	}

	sc, err := s.store.GetSourceConnection(ctx, deviceToken.SourceConnectionID)
	if err != nil {
		httpError(w, err)
		return
	}
	if !sc.IsActive {
		httpResponse(w, "source connection is disabled", http.StatusForbidden)
		return
	}
	if req.Source != "" && req.Source != sc.Source {
		httpResponse(w, "source does not match device token", http.StatusBadRequest)
		return
	}

	handle, err := s.factory.Build(sc.Source, req.Stream)
	if err != nil {
		httpResponse(w, fmt.Sprintf("unknown stream %q", req.Stream), http.StatusBadRequest)
		return
	}
	if !handle.IsPush() {
		httpResponse(w, fmt.Sprintf("stream %q does not accept pushes", req.Stream), http.StatusBadRequest)
		return
	}
	push := handle.Push

	// Backpressure: refuse new payloads while the transform jobs haven't
	// drained the stream's buffer.
	if s.writer.BufferCount(sc.ID, req.Stream) > bufferedLimit {
		httpResponse(w, "ingest backpressured, retry later", http.StatusTooManyRequests)
		return
	}

	payload := stream.PushPayload{
		Source:    sc.Source,
		Stream:    req.Stream,
		DeviceID:  req.DeviceID,
		Records:   req.Records,
		Timestamp: req.Timestamp,
	}
	if err := push.ValidatePayload(payload); err != nil {
		httpResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := push.ReceivePush(ctx, sc.ID, payload)
	if err != nil {
		httpError(w, err)
		return
	}

	// Snapshot the slice for archiving and chain the jobs that consume it.
	minTS, maxTS := minMaxFromRecords(req.Records)
	s.executor.StashArchive(sc.ID, req.Stream, req.Records, minTS, maxTS)

	if _, err := s.jobs.Enqueue(ctx, store.JobTransform, job.TransformPayload{
		SourceConnectionID: sc.ID,
		StreamName:         req.Stream,
	}, nil); err != nil {
		logi.Ctx(ctx).Error("ingest: failed to enqueue transform", "error", err)
	}
	if _, err := s.jobs.Enqueue(ctx, store.JobArchive, job.ArchivePayload{
		SourceConnectionID: sc.ID,
		StreamName:         req.Stream,
	}, nil); err != nil {
		logi.Ctx(ctx).Warn("ingest: failed to enqueue archive (non-fatal)", "error", err)
	}

	httpResponseJSON(w, ingestResponse{
		RecordsReceived: result.RecordsReceived,
		RecordsWritten:  result.RecordsWritten,
		ReceivedAt:      time.Now().UTC(),
	}, http.StatusOK)
}

// bufferedLimit is how many records may sit unconsumed in a stream's
// buffer before ingest starts shedding load.
const bufferedLimit = 5 * stream.MaxPushRecords

// authenticateDevice resolves the bearer token to a device-token row by its
// SHA-256 hash.
func (s *Server) authenticateDevice(r *http.Request) (store.DeviceToken, error) {
	auth := r.Header.Get("Authorization")
	tok := strings.TrimPrefix(auth, "Bearer ")
	if auth == "" || tok == auth {
		return store.DeviceToken{}, fmt.Errorf("missing bearer token")
	}

	hash := sha256.Sum256([]byte(tok))
	return s.store.GetDeviceTokenByHash(r.Context(), hex.EncodeToString(hash[:]))
}

func minMaxFromRecords(records []map[string]any) (*int64, *int64) {
	var minTS, maxTS *int64
	for _, rec := range records {
		ts, ok := recordEpochMS(rec)
		if !ok {
			continue
		}
		if minTS == nil || ts < *minTS {
			v := ts
			minTS = &v
		}
		if maxTS == nil || ts > *maxTS {
			v := ts
			maxTS = &v
		}
	}
	return minTS, maxTS
}

func recordEpochMS(rec map[string]any) (int64, bool) {
	for _, key := range []string{"timestamp", "ts"} {
		switch v := rec[key].(type) {
		case float64:
			return normalizeEpochMS(int64(v)), true
		case string:
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				return t.UnixMilli(), true
			}
		}
	}
	return 0, false
}

func normalizeEpochMS(v int64) int64 {
	const msHorizon = 100_000_000_000
	if v < msHorizon {
		return v * 1000
	}
	return v
}
