package server

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/rakunlabs/logi"

	"github.com/loamtrace/elt/internal/registry"
	"github.com/loamtrace/elt/internal/store"
)

// registerDeviceRequest is the JSON body for POST /devices/register.
type registerDeviceRequest struct {
	Source   string `json:"source"`
	Name     string `json:"name"`
	DeviceID string `json:"device_id"`
}

// registerDeviceResponse is returned once on pairing — the only time the
// full device token is shown.
type registerDeviceResponse struct {
	Token              string `json:"token"`
	SourceConnectionID string `json:"source_connection_id"`
	DeviceID           string `json:"device_id"`
}

// RegisterDeviceAPI handles POST /devices/register: create (or reuse) the
// device source connection and issue a long-lived device token.
func (s *Server) RegisterDeviceAPI(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req registerDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.Source == "" || req.DeviceID == "" {
		httpResponse(w, "source and device_id are required", http.StatusBadRequest)
		return
	}

	src, ok := s.reg.GetSource(req.Source)
	if !ok {
		httpResponse(w, fmt.Sprintf("unknown source %q", req.Source), http.StatusNotFound)
		return
	}
	if src.AuthType != registry.AuthDevice {
		httpResponse(w, fmt.Sprintf("source %q does not pair devices", req.Source), http.StatusBadRequest)
		return
	}

	name := req.Name
	if name == "" {
		name = req.DeviceID
	}

	// A device re-registering under the same name gets a fresh token for
	// the same data lineage.
	sc, err := s.createConnectionWithStreams(r, src, name, string(registry.AuthDevice))
	if err != nil {
		httpError(w, err)
		return
	}

	// dvt_ + 32 random bytes hex-encoded; only the hash is stored.
	rawBytes := make([]byte, 32)
	if _, err := rand.Read(rawBytes); err != nil {
		httpResponse(w, "failed to generate token", http.StatusInternalServerError)
		return
	}
	fullToken := "dvt_" + hex.EncodeToString(rawBytes)

	hash := sha256.Sum256([]byte(fullToken))

	if _, err := s.store.CreateDeviceToken(ctx, store.DeviceToken{
		ID:                 uuid.NewString(),
		SourceConnectionID: sc.ID,
		DeviceID:           req.DeviceID,
		Name:               name,
		TokenPrefix:        fullToken[:8],
		TokenHash:          hex.EncodeToString(hash[:]),
	}); err != nil {
		httpError(w, err)
		return
	}

	if err := s.scheduler.Reload(); err != nil {
		logi.Ctx(ctx).Error("devices: scheduler reload failed", "error", err)
	}

	httpResponseJSON(w, registerDeviceResponse{
		Token:              fullToken,
		SourceConnectionID: sc.ID,
		DeviceID:           req.DeviceID,
	}, http.StatusCreated)
}

