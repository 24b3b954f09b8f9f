package server

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rakunlabs/logi"
	"golang.org/x/oauth2"

	"github.com/loamtrace/elt/internal/registry"
	"github.com/loamtrace/elt/internal/store"
	"github.com/loamtrace/elt/internal/token"
)

const oauthStateTTL = 10 * time.Minute

// oauthConfigFor assembles the oauth2.Config for a source from the static
// descriptor plus the deployment's app credentials.
func (s *Server) oauthConfigFor(src registry.SourceDescriptor, r *http.Request) (*oauth2.Config, error) {
	creds, ok := s.sources[src.Name]
	if !ok || creds.ClientID == "" {
		return nil, fmt.Errorf("no oauth credentials configured for source %q", src.Name)
	}

	redirectBase := creds.RedirectBase
	if redirectBase == "" {
		scheme := "https"
		if r.TLS == nil {
			scheme = "http"
		}
		redirectBase = scheme + "://" + r.Host + s.config.BasePath
	}

	return &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  src.OAuth.AuthorizeURL,
			TokenURL: src.OAuth.TokenURL,
		},
		RedirectURL: redirectBase + src.OAuth.RedirectPath,
		Scopes:      src.OAuth.Scopes,
	}, nil
}

// OAuthAuthorizeAPI handles GET /oauth/{source}/authorize: stash a state
// nonce and redirect to the provider's consent page.
func (s *Server) OAuthAuthorizeAPI(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, s.config.BasePath)
	rest = strings.TrimPrefix(rest, "/oauth/")
	sourceName, _, _ := strings.Cut(rest, "/")

	src, ok := s.reg.GetSource(sourceName)
	if !ok || src.OAuth == nil {
		httpResponse(w, fmt.Sprintf("unknown oauth source %q", sourceName), http.StatusNotFound)
		return
	}

	cfg, err := s.oauthConfigFor(src, r)
	if err != nil {
		httpResponse(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		httpResponse(w, "failed to generate state", http.StatusInternalServerError)
		return
	}
	nonce := hex.EncodeToString(nonceBytes)

	name := r.URL.Query().Get("name")
	if name == "" {
		name = "default"
	}

	s.oauthStatesMu.Lock()
	s.oauthStates[nonce] = oauthState{
		source:    sourceName,
		name:      name,
		returnURL: r.URL.Query().Get("return_url"),
		expiresAt: time.Now().Add(oauthStateTTL),
	}
	s.oauthStatesMu.Unlock()

	http.Redirect(w, r, cfg.AuthCodeURL(nonce, oauth2.AccessTypeOffline), http.StatusFound)
}

// OAuthCallbackAPI handles GET /oauth/callback?code&state: exchange the
// code, create the source connection with its default stream rows, and
// store the encrypted tokens.
func (s *Server) OAuthCallbackAPI(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	code := r.URL.Query().Get("code")
	stateNonce := r.URL.Query().Get("state")
	if code == "" || stateNonce == "" {
		httpResponse(w, "code and state are required", http.StatusBadRequest)
		return
	}

	s.oauthStatesMu.Lock()
	state, ok := s.oauthStates[stateNonce]
	delete(s.oauthStates, stateNonce)
	s.oauthStatesMu.Unlock()

	if !ok || time.Now().After(state.expiresAt) {
		httpResponse(w, "unknown or expired state", http.StatusBadRequest)
		return
	}

	src, ok := s.reg.GetSource(state.source)
	if !ok || src.OAuth == nil {
		httpResponse(w, fmt.Sprintf("unknown oauth source %q", state.source), http.StatusNotFound)
		return
	}

	cfg, err := s.oauthConfigFor(src, r)
	if err != nil {
		httpResponse(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	exchanged, err := cfg.Exchange(ctx, code)
	if err != nil {
		logi.Ctx(ctx).Error("oauth: code exchange failed", "source", state.source, "error", err)
		httpResponse(w, "code exchange failed", http.StatusBadGateway)
		return
	}

	sc, err := s.createConnectionWithStreams(r, src, state.name, string(registry.AuthOAuth2))
	if err != nil {
		httpError(w, err)
		return
	}

	tok := token.Token{
		AccessToken:  exchanged.AccessToken,
		RefreshToken: exchanged.RefreshToken,
		TokenType:    exchanged.TokenType,
		Scopes:       src.OAuth.Scopes,
	}
	if !exchanged.Expiry.IsZero() {
		expiry := exchanged.Expiry
		tok.ExpiresAt = &expiry
	}
	if err := s.tokens.Store(ctx, sc.ID, tok); err != nil {
		httpError(w, err)
		return
	}

	if err := s.scheduler.Reload(); err != nil {
		logi.Ctx(ctx).Error("oauth: scheduler reload failed", "error", err)
	}

	if state.returnURL != "" {
		http.Redirect(w, r, state.returnURL, http.StatusFound)
		return
	}

	httpResponseJSON(w, map[string]any{
		"id":     sc.ID,
		"source": sc.Source,
		"name":   sc.Name,
	}, http.StatusOK)
}

// createConnectionWithStreams inserts the connection row and one stream row
// per enabled descriptor stream, seeded with the descriptor defaults. A
// repeat authorization for an existing (source, name) pair reuses the row
// and clears any reauth_required marker, re-arming scheduled syncs.
func (s *Server) createConnectionWithStreams(r *http.Request, src registry.SourceDescriptor, name, authType string) (store.SourceConnection, error) {
	ctx := r.Context()

	existing, err := s.store.ListSourceConnections(ctx)
	if err != nil {
		return store.SourceConnection{}, err
	}
	var sc store.SourceConnection
	found := false
	for _, candidate := range existing {
		if candidate.Source == src.Name && candidate.Name == name {
			sc = candidate
			found = true
			break
		}
	}

	if found {
		// Reactivation only; the user's stream settings are left alone.
		if err := s.store.UpdateSourceConnectionStatus(ctx, sc.ID, true, nil); err != nil {
			return store.SourceConnection{}, err
		}
		sc.IsActive = true
		sc.ErrorMessage = nil
		return sc, nil
	}

	sc, err = s.store.CreateSourceConnection(ctx, store.SourceConnection{
		ID:       uuid.NewString(),
		Source:   src.Name,
		Name:     name,
		AuthType: authType,
		IsActive: true,
	})
	if err != nil {
		return store.SourceConnection{}, err
	}

	for _, sd := range src.Streams {
		if !sd.Enabled {
			continue
		}
		if err := s.store.UpsertStream(ctx, store.Stream{
			SourceConnectionID: sc.ID,
			StreamName:         sd.Name,
			IsEnabled:          true,
			Config:             sd.ExampleConfig,
		}); err != nil {
			return store.SourceConnection{}, err
		}
	}

	return sc, nil
}
