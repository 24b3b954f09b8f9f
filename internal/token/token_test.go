package token

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/loamtrace/elt/internal/crypto"
	"github.com/loamtrace/elt/internal/registry"
	"github.com/loamtrace/elt/internal/store"
	"github.com/loamtrace/elt/internal/store/memory"
)

func testRegistry(tokenURL string) *registry.Registry {
	r := registry.New(nil)
	r.Register(registry.SourceDescriptor{
		Name:        "acme",
		DisplayName: "Acme",
		AuthType:    registry.AuthOAuth2,
		OAuth: &registry.OAuthConfig{
			AuthorizeURL: "https://acme.example/authorize",
			TokenURL:     tokenURL,
			RedirectPath: "/oauth/callback",
		},
	})
	r.Freeze()
	return r
}

func newConnection(t *testing.T, st store.Store) store.SourceConnection {
	t.Helper()
	sc, err := st.CreateSourceConnection(context.Background(), store.SourceConnection{
		ID:       uuid.NewString(),
		Source:   "acme",
		Name:     "default",
		AuthType: "oauth2",
		IsActive: true,
	})
	if err != nil {
		t.Fatalf("create connection: %v", err)
	}
	return sc
}

func TestStoreGetRoundTrip(t *testing.T) {
	st := memory.New()
	key, err := crypto.DeriveKey("test-passphrase")
	if err != nil {
		t.Fatalf("derive key: %v", err)
	}
	st.SetEncryptionKey(key)

	m := NewManager(st, testRegistry("https://acme.example/token"), key)
	sc := newConnection(t, st)

	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	want := Token{
		AccessToken:  "access-secret",
		RefreshToken: "refresh-secret",
		ExpiresAt:    &expires,
		TokenType:    "Bearer",
		Scopes:       []string{"read"},
	}

	if err := m.Store(context.Background(), sc.ID, want); err != nil {
		t.Fatalf("Store: %v", err)
	}

	// Ciphertext at rest.
	raw, err := st.GetToken(context.Background(), sc.ID)
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if raw.AccessToken == want.AccessToken {
		t.Fatal("access token stored as plaintext")
	}
	if !crypto.IsEncrypted(raw.AccessToken) {
		t.Fatalf("access token not marked encrypted: %q", raw.AccessToken)
	}

	got, err := m.Get(context.Background(), sc.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.AccessToken != want.AccessToken || got.RefreshToken != want.RefreshToken {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
}

func TestGetValidSkipsRefreshWhenFresh(t *testing.T) {
	st := memory.New()
	m := NewManager(st, testRegistry("https://acme.example/token"), nil)
	sc := newConnection(t, st)

	expires := time.Now().Add(time.Hour)
	if err := m.Store(context.Background(), sc.ID, Token{AccessToken: "fresh", ExpiresAt: &expires}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	got, err := m.GetValid(context.Background(), sc.ID)
	if err != nil {
		t.Fatalf("GetValid: %v", err)
	}
	if got != "fresh" {
		t.Fatalf("GetValid = %q, want fresh", got)
	}
}

func TestConcurrentGetValidSingleRefresh(t *testing.T) {
	var refreshes atomic.Int64

	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refreshes.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "rotated-access",
			"refresh_token": "rotated-refresh",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
	defer provider.Close()

	st := memory.New()
	m := NewManager(st, testRegistry(provider.URL), nil)
	sc := newConnection(t, st)

	expires := time.Now().Add(10 * time.Second) // inside the refresh skew
	if err := m.Store(context.Background(), sc.ID, Token{
		AccessToken:  "stale",
		RefreshToken: "refresh-secret",
		ExpiresAt:    &expires,
	}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := m.GetValid(context.Background(), sc.ID)
			if err != nil {
				t.Errorf("GetValid: %v", err)
				return
			}
			results[i] = got
		}(i)
	}
	wg.Wait()

	if got := refreshes.Load(); got != 1 {
		t.Fatalf("provider saw %d refresh requests, want exactly 1", got)
	}
	for i, r := range results {
		if r != "rotated-access" {
			t.Fatalf("caller %d observed %q, want the refreshed token", i, r)
		}
	}
}

func TestForceRefreshBypassesExpiryCheck(t *testing.T) {
	var refreshes atomic.Int64

	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		refreshes.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "forced-access",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer provider.Close()

	st := memory.New()
	m := NewManager(st, testRegistry(provider.URL), nil)
	sc := newConnection(t, st)

	// Far from expiry: GetValid would not refresh, ForceRefresh must.
	expires := time.Now().Add(time.Hour)
	if err := m.Store(context.Background(), sc.ID, Token{
		AccessToken:  "revoked-server-side",
		RefreshToken: "refresh-secret",
		ExpiresAt:    &expires,
	}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	got, err := m.ForceRefresh(context.Background(), sc.ID)
	if err != nil {
		t.Fatalf("ForceRefresh: %v", err)
	}
	if got != "forced-access" {
		t.Fatalf("ForceRefresh = %q, want the provider's new token", got)
	}
	if refreshes.Load() != 1 {
		t.Fatalf("provider saw %d refreshes, want 1", refreshes.Load())
	}

	// The stored row was overwritten.
	tok, err := m.Get(context.Background(), sc.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if tok.AccessToken != "forced-access" {
		t.Fatalf("stored access token = %q after forced refresh", tok.AccessToken)
	}
}

func TestRefreshInvalidGrantMarksReauth(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer provider.Close()

	st := memory.New()
	m := NewManager(st, testRegistry(provider.URL), nil)
	sc := newConnection(t, st)

	expires := time.Now().Add(-time.Minute)
	if err := m.Store(context.Background(), sc.ID, Token{
		AccessToken:  "expired",
		RefreshToken: "dead-refresh",
		ExpiresAt:    &expires,
	}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	if _, err := m.GetValid(context.Background(), sc.ID); err == nil {
		t.Fatal("expected an auth error")
	}

	updated, err := st.GetSourceConnection(context.Background(), sc.ID)
	if err != nil {
		t.Fatalf("GetSourceConnection: %v", err)
	}
	if updated.ErrorMessage == nil || *updated.ErrorMessage != "reauth_required" {
		t.Fatalf("error_message = %v, want reauth_required", updated.ErrorMessage)
	}

	// The old row stays in place.
	if _, err := m.Get(context.Background(), sc.ID); err != nil {
		t.Fatalf("stored token should survive a failed refresh: %v", err)
	}
}
