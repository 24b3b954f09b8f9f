// Package server exposes the HTTP surface: push ingest, the OAuth
// authorize/callback pair, device pairing, connection and stream
// management, job control, and the admin key-rotation endpoint.
package server

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rakunlabs/ada"

	mcors "github.com/rakunlabs/ada/middleware/cors"
	mforwardauth "github.com/rakunlabs/ada/middleware/forwardauth"
	mlog "github.com/rakunlabs/ada/middleware/log"
	mrecover "github.com/rakunlabs/ada/middleware/recover"
	mrequestid "github.com/rakunlabs/ada/middleware/requestid"
	mserver "github.com/rakunlabs/ada/middleware/server"
	mtelemetry "github.com/rakunlabs/ada/middleware/telemetry"

	"github.com/loamtrace/elt/internal/cluster"
	"github.com/loamtrace/elt/internal/config"
	"github.com/loamtrace/elt/internal/job"
	"github.com/loamtrace/elt/internal/registry"
	"github.com/loamtrace/elt/internal/store"
	"github.com/loamtrace/elt/internal/stream"
	"github.com/loamtrace/elt/internal/syncexec"
	"github.com/loamtrace/elt/internal/token"
)

// Reloader is the scheduler hook the server pokes after a connection or
// stream changes.
type Reloader interface {
	Reload() error
}

type Server struct {
	config  config.Server
	sources map[string]config.SourceCredentials

	server *ada.Server

	reg       *registry.Registry
	factory   *stream.Factory
	store     store.Store
	tokens    *token.Manager
	jobs      *job.Orchestrator
	executor  *syncexec.Executor
	writer    *stream.Writer
	scheduler Reloader

	// cluster is the optional distributed coordination layer (alan).
	// nil when clustering is not configured (single-instance mode).
	cluster *cluster.Cluster

	// oauthStates holds in-flight authorize flows keyed by state nonce.
	oauthStates   map[string]oauthState
	oauthStatesMu sync.Mutex
}

type oauthState struct {
	source    string
	name      string
	returnURL string
	expiresAt time.Time
}

func New(
	cfg config.Server,
	sources map[string]config.SourceCredentials,
	reg *registry.Registry,
	factory *stream.Factory,
	st store.Store,
	tokens *token.Manager,
	jobs *job.Orchestrator,
	executor *syncexec.Executor,
	writer *stream.Writer,
	scheduler Reloader,
	cl *cluster.Cluster,
) (*Server, error) {
	mux := ada.New()
	mux.Use(
		mrecover.Middleware(),
		mserver.Middleware(config.Service),
		mcors.Middleware(),
		mrequestid.Middleware(),
		mlog.Middleware(),
		mtelemetry.Middleware(),
	)

	s := &Server{
		config:      cfg,
		sources:     sources,
		server:      mux,
		reg:         reg,
		factory:     factory,
		store:       st,
		tokens:      tokens,
		jobs:        jobs,
		executor:    executor,
		writer:      writer,
		scheduler:   scheduler,
		cluster:     cl,
		oauthStates: make(map[string]oauthState),
	}

	baseGroup := mux.Group(cfg.BasePath)

	// Device-facing endpoints authenticate per request (device token, OAuth
	// state) and stay outside forward auth.
	baseGroup.POST("/ingest", s.IngestAPI)
	baseGroup.GET("/oauth/callback", s.OAuthCallbackAPI)
	baseGroup.GET("/oauth/*", s.OAuthAuthorizeAPI)
	baseGroup.POST("/devices/register", s.RegisterDeviceAPI)

	apiGroup := baseGroup.Group("/api")
	if cfg.ForwardAuth != nil {
		apiGroup.Use(mforwardauth.Middleware(mforwardauth.WithConfig(*cfg.ForwardAuth)))
	}

	// Catalog and connection management.
	apiGroup.GET("/v1/sources", s.ListSourcesAPI)
	apiGroup.GET("/v1/connections", s.ListConnectionsAPI)
	apiGroup.POST("/v1/connections", s.CreateConnectionAPI)
	apiGroup.GET("/v1/connections/*", s.GetConnectionAPI)
	apiGroup.DELETE("/v1/connections/*", s.DeleteConnectionAPI)
	apiGroup.GET("/v1/connections/*/streams", s.ListStreamsAPI)
	apiGroup.PUT("/v1/connections/*/streams/*", s.UpdateStreamAPI)

	// Job control.
	apiGroup.POST("/v1/jobs/sync", s.EnqueueSyncAPI)
	apiGroup.GET("/v1/jobs", s.ListJobsAPI)
	apiGroup.GET("/v1/jobs/*", s.GetJobAPI)

	// Settings API (protected by admin token).
	settingsGroup := apiGroup.Group("/v1/settings")
	settingsGroup.Use(s.adminAuthMiddleware())
	settingsGroup.POST("/rotate-key", s.RotateKeyAPI)

	return s, nil
}

func (s *Server) Start(ctx context.Context) error {
	go s.sweepOAuthStates(ctx)

	return s.server.StartWithContext(ctx, net.JoinHostPort(s.config.Host, s.config.Port))
}

func (s *Server) sweepOAuthStates(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			s.oauthStatesMu.Lock()
			for k, v := range s.oauthStates {
				if now.After(v.expiresAt) {
					delete(s.oauthStates, k)
				}
			}
			s.oauthStatesMu.Unlock()
		}
	}
}

// adminAuthMiddleware protects admin endpoints. If no admin_token is
// configured, all admin requests are rejected with 403. If configured,
// requests must provide a matching Authorization: Bearer <token> header.
func (s *Server) adminAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.config.AdminToken == "" {
				httpResponse(w, "admin token not configured", http.StatusForbidden)
				return
			}

			auth := r.Header.Get("Authorization")
			if auth == "" {
				httpResponse(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			tok := strings.TrimPrefix(auth, "Bearer ")
			if tok == auth || tok != s.config.AdminToken {
				httpResponse(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
