// Package token manages OAuth credentials: encrypted persistence,
// decrypt-on-read, and refresh-on-expiry with a per-connection
// in-flight-refresh lock so concurrent callers observe a single refresh.
package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rakunlabs/logi"
	"golang.org/x/oauth2"

	"github.com/loamtrace/elt/internal/crypto"
	"github.com/loamtrace/elt/internal/httpclient"
	"github.com/loamtrace/elt/internal/registry"
	"github.com/loamtrace/elt/internal/store"
)

// refreshSkew is how close to expiry a token may get before GetValid
// refreshes it proactively.
const refreshSkew = 60 * time.Second

// Token is the decrypted, in-memory view of a store.OAuthToken.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
	TokenType    string
	Scopes       []string
}

// Manager persists, decrypts, and refreshes OAuth credentials for every
// source connection. It is process-wide: the refreshMu map guards one
// in-flight refresh per source_connection_id.
type Manager struct {
	store store.TokenStorer
	reg   *registry.Registry
	key   []byte // nil disables encryption
	http  *http.Client

	mu        sync.Mutex
	refreshMu map[string]*sync.Mutex
}

// NewManager builds a Manager. key may be nil to store tokens as plaintext,
// for local deployments that opt out of encryption.
func NewManager(st store.TokenStorer, reg *registry.Registry, key []byte) *Manager {
	return &Manager{
		store:     st,
		reg:       reg,
		key:       key,
		http:      &http.Client{Timeout: 30 * time.Second},
		refreshMu: make(map[string]*sync.Mutex),
	}
}

// SetEncryptionKey updates the key used for future encrypt/decrypt calls,
// used by peers applying a cluster key-rotation broadcast (internal/cluster).
func (m *Manager) SetEncryptionKey(key []byte) {
	m.mu.Lock()
	m.key = key
	m.mu.Unlock()
}

func (m *Manager) currentKey() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.key
}

// lockFor returns the per-source-connection mutex, creating it if absent.
func (m *Manager) lockFor(sourceConnectionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.refreshMu[sourceConnectionID]
	if !ok {
		l = &sync.Mutex{}
		m.refreshMu[sourceConnectionID] = l
	}
	return l
}

// Store encrypts and upserts tok for sourceConnectionID.
func (m *Manager) Store(ctx context.Context, sourceConnectionID string, tok Token) error {
	enc, err := crypto.EncryptOAuthToken(crypto.OAuthToken{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}, m.currentKey())
	if err != nil {
		return fmt.Errorf("token: encrypt: %w", err)
	}

	row := store.OAuthToken{
		SourceConnectionID: sourceConnectionID,
		AccessToken:        enc.AccessToken,
		RefreshToken:       enc.RefreshToken,
		ExpiresAt:          tok.ExpiresAt,
		TokenType:          tok.TokenType,
		Scopes:             tok.Scopes,
		UpdatedAt:          time.Now(),
	}
	if err := m.store.StoreToken(ctx, row); err != nil {
		return &httpclient.Error{Kind: httpclient.KindDatabase, Err: err}
	}
	return nil
}

// Get fetches and decrypts the token row, without refreshing.
func (m *Manager) Get(ctx context.Context, sourceConnectionID string) (Token, error) {
	row, err := m.store.GetToken(ctx, sourceConnectionID)
	if err != nil {
		return Token{}, fmt.Errorf("token: not found: %w", err)
	}

	dec, err := crypto.DecryptOAuthToken(crypto.OAuthToken{
		AccessToken:  row.AccessToken,
		RefreshToken: row.RefreshToken,
	}, m.currentKey())
	if err != nil {
		return Token{}, fmt.Errorf("token: decrypt: %w", err)
	}

	return Token{
		AccessToken:  dec.AccessToken,
		RefreshToken: dec.RefreshToken,
		ExpiresAt:    row.ExpiresAt,
		TokenType:    row.TokenType,
		Scopes:       row.Scopes,
	}, nil
}

// Delete removes the stored token for sourceConnectionID.
func (m *Manager) Delete(ctx context.Context, sourceConnectionID string) error {
	return m.store.DeleteToken(ctx, sourceConnectionID)
}

// GetValid returns a plaintext access token for sourceConnectionID, refreshing
// it first if it is within refreshSkew of expiry. Concurrent callers for the
// same sourceConnectionID serialize on lockFor so only one refresh request
// reaches the provider.
func (m *Manager) GetValid(ctx context.Context, sourceConnectionID string) (string, error) {
	lock := m.lockFor(sourceConnectionID)
	lock.Lock()
	defer lock.Unlock()

	tok, err := m.Get(ctx, sourceConnectionID)
	if err != nil {
		return "", err
	}

	if tok.ExpiresAt == nil || time.Until(*tok.ExpiresAt) > refreshSkew {
		return tok.AccessToken, nil
	}

	sc, err := m.sourceConnection(ctx, sourceConnectionID)
	if err != nil {
		return "", err
	}

	refreshed, rerr := m.refresh(ctx, sc, tok)
	if rerr != nil {
		return "", rerr
	}
	return refreshed.AccessToken, nil
}

// ForceRefresh refreshes regardless of the cached expiry and returns the
// new plaintext access token. Callers use it after a provider rejected the
// current token (a 401 on a token the expiry still considered valid, i.e.
// revoked server-side). It serializes on the same per-connection lock as
// GetValid, so a concurrent proactive refresh is not doubled.
func (m *Manager) ForceRefresh(ctx context.Context, sourceConnectionID string) (string, error) {
	lock := m.lockFor(sourceConnectionID)
	lock.Lock()
	defer lock.Unlock()

	tok, err := m.Get(ctx, sourceConnectionID)
	if err != nil {
		return "", err
	}

	sc, err := m.sourceConnection(ctx, sourceConnectionID)
	if err != nil {
		return "", err
	}

	refreshed, rerr := m.refresh(ctx, sc, tok)
	if rerr != nil {
		return "", rerr
	}
	return refreshed.AccessToken, nil
}

// sourceConnection is the minimal lookup the refresh algorithm needs: the
// source name, to find the OAuthConfig in the registry. Implementations of
// store.SourceConnectionStorer are injected through a narrower interface so
// token does not need the whole Store surface.
type sourceConnectionLookup interface {
	GetSourceConnection(ctx context.Context, id string) (store.SourceConnection, error)
}

func (m *Manager) sourceConnection(ctx context.Context, id string) (store.SourceConnection, error) {
	lookup, ok := m.store.(sourceConnectionLookup)
	if !ok {
		return store.SourceConnection{}, errors.New("token: store does not support source connection lookup")
	}
	return lookup.GetSourceConnection(ctx, id)
}

// SourceErrorReporter marks a source connection as needing reauthorization.
// Implemented by the same store backing sourceConnectionLookup.
type SourceErrorReporter interface {
	UpdateSourceConnectionStatus(ctx context.Context, id string, isActive bool, errMsg *string) error
}

// refresh POSTs the refresh_token grant to the provider's token URL. On
// invalid_grant the connection is marked reauth_required and the old row
// stays in place; on 5xx/network failures stored state is untouched; on
// success tokens and expires_at are overwritten.
func (m *Manager) refresh(ctx context.Context, sc store.SourceConnection, tok Token) (Token, error) {
	logger := logi.Ctx(ctx)

	if tok.RefreshToken == "" {
		return Token{}, &httpclient.Error{Kind: httpclient.KindAuth, Err: errors.New("no refresh token stored")}
	}

	src, ok := m.reg.GetSource(sc.Source)
	if !ok || src.OAuth == nil {
		return Token{}, &httpclient.Error{Kind: httpclient.KindConfiguration, Err: fmt.Errorf("source %q has no oauth config", sc.Source)}
	}

	cfg := oauth2.Config{
		Endpoint: oauth2.Endpoint{TokenURL: src.OAuth.TokenURL},
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", tok.RefreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Endpoint.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, fmt.Errorf("token: build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := m.http.Do(req)
	if err != nil {
		return Token{}, &httpclient.Error{Kind: httpclient.KindNetwork, Provider: sc.Source, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return Token{}, &httpclient.Error{Kind: httpclient.KindServer, Provider: sc.Source, StatusCode: resp.StatusCode}
	}

	body, _ := readAll(resp.Body)

	if resp.StatusCode >= 400 {
		if strings.Contains(string(body), "invalid_grant") {
			msg := "reauth_required"
			if reporter, ok := m.store.(SourceErrorReporter); ok {
				if err := reporter.UpdateSourceConnectionStatus(ctx, sc.ID, sc.IsActive, &msg); err != nil {
					logger.Error("token: failed to mark reauth_required", "source_connection_id", sc.ID, "error", err)
				}
			}
			return Token{}, &httpclient.Error{Kind: httpclient.KindAuth, Provider: sc.Source, StatusCode: resp.StatusCode, Err: errors.New("invalid_grant")}
		}
		return Token{}, &httpclient.Error{Kind: httpclient.KindNetwork, Provider: sc.Source, StatusCode: resp.StatusCode}
	}

	var payload oauthTokenResponse
	if err := decodeJSON(body, &payload); err != nil {
		return Token{}, fmt.Errorf("token: decode refresh response: %w", err)
	}

	newTok := Token{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		TokenType:    payload.TokenType,
		Scopes:       tok.Scopes,
	}
	if newTok.RefreshToken == "" {
		newTok.RefreshToken = tok.RefreshToken // providers may omit rotation
	}
	if payload.ExpiresIn > 0 {
		exp := time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second)
		newTok.ExpiresAt = &exp
	}

	if err := m.Store(ctx, sc.ID, newTok); err != nil {
		return Token{}, err
	}

	logger.Info("token: refreshed", "source_connection_id", sc.ID, "source", sc.Source)

	return newTok, nil
}

type oauthTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}
