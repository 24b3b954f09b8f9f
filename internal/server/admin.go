package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rakunlabs/logi"

	"github.com/loamtrace/elt/internal/crypto"
)

// ─── Key Rotation API ───

type rotateKeyRequest struct {
	// EncryptionKey is the new encryption passphrase.
	// If empty, encryption is disabled and tokens are stored as plaintext.
	EncryptionKey string `json:"encryption_key"`
}

// RotateKeyAPI handles POST /api/v1/settings/rotate-key.
// It re-encrypts all stored OAuth tokens with a new key. When clustering is
// enabled, it acquires a distributed lock and broadcasts the new key to all
// peers after the re-encryption commits.
func (s *Server) RotateKeyAPI(w http.ResponseWriter, r *http.Request) {
	logger := logi.Ctx(r.Context())

	var req rotateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	// Derive the new AES-256 key. If the passphrase is empty, newKey is nil
	// which tells the store to disable encryption.
	var newKey []byte
	if req.EncryptionKey != "" {
		var err error
		newKey, err = crypto.DeriveKey(req.EncryptionKey)
		if err != nil {
			httpResponse(w, fmt.Sprintf("invalid encryption key: %v", err), http.StatusBadRequest)
			return
		}
	}

	// If clustering is enabled, acquire the distributed lock first.
	if s.cluster != nil {
		if err := s.cluster.Lock(r.Context()); err != nil {
			logger.Error("failed to acquire distributed lock for key rotation", "error", err)
			httpResponse(w, fmt.Sprintf("failed to acquire distributed lock: %v", err), http.StatusServiceUnavailable)
			return
		}
		defer func() {
			if err := s.cluster.Unlock(); err != nil {
				logger.Error("failed to release distributed lock", "error", err)
			}
		}()
	}

	if err := s.store.RotateEncryptionKey(r.Context(), newKey); err != nil {
		logger.Error("encryption key rotation failed", "error", err)
		httpResponse(w, fmt.Sprintf("key rotation failed: %v", err), http.StatusInternalServerError)
		return
	}

	// The token manager's in-process key follows the store's.
	s.tokens.SetEncryptionKey(newKey)

	// If clustering is enabled, broadcast the new key to all peers.
	if s.cluster != nil {
		if err := s.cluster.BroadcastNewKey(r.Context(), newKey); err != nil {
			// Rotation succeeded locally but the broadcast failed. Log
			// prominently so the operator knows peers may need a restart.
			logger.Error("key rotation succeeded but peer broadcast failed — other instances may need a restart",
				"error", err,
			)
		}
	}

	httpResponse(w, "encryption key rotated successfully", http.StatusOK)
}
