package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/rakunlabs/logi"

	"github.com/loamtrace/elt/internal/registry"
	"github.com/loamtrace/elt/internal/store"
	"github.com/loamtrace/elt/internal/token"
)

// sourceInfo is the catalog view of one source.
type sourceInfo struct {
	Name        string       `json:"name"`
	DisplayName string       `json:"display_name"`
	AuthType    string       `json:"auth_type"`
	Streams     []streamInfo `json:"streams"`
}

type streamInfo struct {
	Name                string         `json:"name"`
	TableName           string         `json:"table_name"`
	TargetOntologies    []string       `json:"target_ontologies,omitempty"`
	SupportsIncremental bool           `json:"supports_incremental"`
	SupportsFullRefresh bool           `json:"supports_full_refresh"`
	DefaultCronSchedule string         `json:"default_cron_schedule,omitempty"`
	ExampleConfig       map[string]any `json:"example_config,omitempty"`
}

// ListSourcesAPI handles GET /api/v1/sources: the static catalog.
func (s *Server) ListSourcesAPI(w http.ResponseWriter, _ *http.Request) {
	var out []sourceInfo
	for _, src := range s.reg.ListSources() {
		info := sourceInfo{
			Name:        src.Name,
			DisplayName: src.DisplayName,
			AuthType:    string(src.AuthType),
		}
		for _, sd := range src.Streams {
			info.Streams = append(info.Streams, streamInfo{
				Name:                sd.Name,
				TableName:           sd.TableName,
				TargetOntologies:    sd.TargetOntologies,
				SupportsIncremental: sd.SupportsIncremental,
				SupportsFullRefresh: sd.SupportsFullRefresh,
				DefaultCronSchedule: sd.DefaultCronSchedule,
				ExampleConfig:       sd.ExampleConfig,
			})
		}
		out = append(out, info)
	}

	httpResponseJSON(w, map[string]any{"sources": out}, http.StatusOK)
}

// ListConnectionsAPI handles GET /api/v1/connections.
func (s *Server) ListConnectionsAPI(w http.ResponseWriter, r *http.Request) {
	connections, err := s.store.ListSourceConnections(r.Context())
	if err != nil {
		httpError(w, err)
		return
	}
	if connections == nil {
		connections = []store.SourceConnection{}
	}

	httpResponseJSON(w, map[string]any{"connections": connections}, http.StatusOK)
}

// createConnectionRequest is the JSON body for POST /api/v1/connections —
// the api-key path (Plaid); OAuth sources connect through /oauth instead.
type createConnectionRequest struct {
	Source      string `json:"source"`
	Name        string `json:"name"`
	AccessToken string `json:"access_token"`
}

// CreateConnectionAPI handles POST /api/v1/connections for api-key sources.
func (s *Server) CreateConnectionAPI(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.Source == "" || req.AccessToken == "" {
		httpResponse(w, "source and access_token are required", http.StatusBadRequest)
		return
	}

	src, ok := s.reg.GetSource(req.Source)
	if !ok {
		httpResponse(w, fmt.Sprintf("unknown source %q", req.Source), http.StatusNotFound)
		return
	}
	if src.AuthType != registry.AuthAPIKey {
		httpResponse(w, fmt.Sprintf("source %q does not accept api-key connections", req.Source), http.StatusBadRequest)
		return
	}

	name := req.Name
	if name == "" {
		name = "default"
	}

	sc, err := s.createConnectionWithStreams(r, src, name, string(registry.AuthAPIKey))
	if err != nil {
		httpError(w, err)
		return
	}

	if err := s.tokens.Store(ctx, sc.ID, apiKeyToken(req.AccessToken)); err != nil {
		httpError(w, err)
		return
	}

	if err := s.scheduler.Reload(); err != nil {
		logi.Ctx(ctx).Error("connections: scheduler reload failed", "error", err)
	}

	httpResponseJSON(w, sc, http.StatusCreated)
}

// GetConnectionAPI handles GET /api/v1/connections/{id}.
func (s *Server) GetConnectionAPI(w http.ResponseWriter, r *http.Request) {
	id := connectionID(r.URL.Path)
	if id == "" {
		httpResponse(w, "connection id is required", http.StatusBadRequest)
		return
	}

	sc, err := s.store.GetSourceConnection(r.Context(), id)
	if err != nil {
		httpError(w, err)
		return
	}

	httpResponseJSON(w, sc, http.StatusOK)
}

// DeleteConnectionAPI handles DELETE /api/v1/connections/{id}. Stream rows,
// tokens, and device tokens cascade.
func (s *Server) DeleteConnectionAPI(w http.ResponseWriter, r *http.Request) {
	id := connectionID(r.URL.Path)
	if id == "" {
		httpResponse(w, "connection id is required", http.StatusBadRequest)
		return
	}

	if err := s.store.DeleteSourceConnection(r.Context(), id); err != nil {
		httpError(w, err)
		return
	}

	if err := s.scheduler.Reload(); err != nil {
		logi.Ctx(r.Context()).Error("connections: scheduler reload failed", "error", err)
	}

	httpResponse(w, "deleted", http.StatusOK)
}

// ListStreamsAPI handles GET /api/v1/connections/{id}/streams.
func (s *Server) ListStreamsAPI(w http.ResponseWriter, r *http.Request) {
	id := connectionID(r.URL.Path)
	if id == "" {
		httpResponse(w, "connection id is required", http.StatusBadRequest)
		return
	}

	streams, err := s.store.ListStreams(r.Context(), id)
	if err != nil {
		httpError(w, err)
		return
	}
	if streams == nil {
		streams = []store.Stream{}
	}

	httpResponseJSON(w, map[string]any{"streams": streams}, http.StatusOK)
}

// updateStreamRequest is the JSON body for PUT
// /api/v1/connections/{id}/streams/{name}.
type updateStreamRequest struct {
	IsEnabled    *bool          `json:"is_enabled,omitempty"`
	CronSchedule *string        `json:"cron_schedule,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
}

// UpdateStreamAPI handles PUT /api/v1/connections/{id}/streams/{name}.
func (s *Server) UpdateStreamAPI(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id := connectionID(r.URL.Path)
	streamName := pathTail(r.URL.Path, "/streams/")
	if id == "" || streamName == "" {
		httpResponse(w, "connection id and stream name are required", http.StatusBadRequest)
		return
	}

	var req updateStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	row, err := s.store.GetStream(ctx, id, streamName)
	if err != nil {
		httpError(w, err)
		return
	}

	if req.IsEnabled != nil {
		row.IsEnabled = *req.IsEnabled
	}
	if req.CronSchedule != nil {
		row.CronSchedule = req.CronSchedule
	}
	if req.Config != nil {
		row.Config = req.Config
	}

	if err := s.store.UpsertStream(ctx, row); err != nil {
		httpError(w, err)
		return
	}

	if err := s.scheduler.Reload(); err != nil {
		logi.Ctx(ctx).Error("streams: scheduler reload failed", "error", err)
	}

	httpResponseJSON(w, row, http.StatusOK)
}

// apiKeyToken wraps a static provider token in the token-manager shape: no
// refresh token and no expiry, so GetValid returns it as-is.
func apiKeyToken(accessToken string) token.Token {
	return token.Token{AccessToken: accessToken, TokenType: "Bearer"}
}

// connectionID extracts {id} from /api/v1/connections/{id}[/...].
func connectionID(path string) string {
	idx := strings.Index(path, "/connections/")
	if idx < 0 {
		return ""
	}
	tail := path[idx+len("/connections/"):]
	id, _, _ := strings.Cut(tail, "/")
	return id
}
