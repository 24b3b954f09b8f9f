// Package github registers the github source with an events pull stream.
// Events land in the lake only; no ontology projection exists for developer
// activity yet.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/loamtrace/elt/internal/httpclient"
	"github.com/loamtrace/elt/internal/registry"
	"github.com/loamtrace/elt/internal/source"
	"github.com/loamtrace/elt/internal/stream"
)

const (
	SourceName = "github"

	baseURL = "https://api.github.com"
)

// Register adds the github source descriptor to the catalog.
func Register(reg *registry.Registry, deps source.Deps) {
	reg.Register(registry.SourceDescriptor{
		Name:        SourceName,
		DisplayName: "GitHub",
		AuthType:    registry.AuthOAuth2,
		OAuth: &registry.OAuthConfig{
			AuthorizeURL: "https://github.com/login/oauth/authorize",
			TokenURL:     "https://github.com/login/oauth/access_token",
			Scopes:       []string{"read:user", "repo"},
			RedirectPath: "/oauth/callback",
		},
		Streams: []registry.StreamDescriptor{
			{
				Name:      "events",
				TableName: "stream_github_events",
				ConfigSchema: map[string]any{
					"type":     "object",
					"required": []any{"username"},
					"properties": map[string]any{
						"username": map[string]any{"type": "string"},
					},
				},
				ExampleConfig:       source.MustYAML("username: octocat\n"),
				SupportsIncremental: true,
				SupportsFullRefresh: true,
				Enabled:             true,
				DefaultCronSchedule: "0 */30 * * * *",
				NewPull:             func() any { return newEventsStream(deps) },
			},
		},
	})
}

type errorHandler struct{}

func (errorHandler) ShouldRetry(statusCode, attempt, max int) bool {
	if attempt >= max {
		return false
	}
	return statusCode == http.StatusUnauthorized && attempt == 1 ||
		statusCode == http.StatusTooManyRequests || statusCode >= 500
}

func (errorHandler) ClassifyError(statusCode int, _ []byte) httpclient.Kind {
	switch {
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return httpclient.KindAuth
	case statusCode == http.StatusTooManyRequests:
		return httpclient.KindRateLimit
	case statusCode >= 500:
		return httpclient.KindServer
	default:
		return httpclient.KindClient
	}
}

// The cursor is the newest event id already seen; ids never expire.
func (errorHandler) IsSyncTokenError(int, []byte) bool { return false }

// eventsStream pulls the user's public event feed, newest first, stopping
// at the last event id already seen.
type eventsStream struct {
	source.PullBase
	client *httpclient.Client
}

func newEventsStream(deps source.Deps) *eventsStream {
	headers := map[string]string{
		"Accept":               "application/vnd.github+json",
		"X-GitHub-Api-Version": "2022-11-28",
	}
	return &eventsStream{
		PullBase: source.PullBase{Source: SourceName, Stream: "events", Streams: deps.Streams},
		client:   source.NewClient(SourceName, baseURL, headers, deps, errorHandler{}),
	}
}

func (s *eventsStream) SupportsIncremental() bool { return true }
func (s *eventsStream) SupportsFullRefresh() bool { return true }

func (s *eventsStream) username() (string, error) {
	if v, ok := s.Config["username"].(string); ok && v != "" {
		return v, nil
	}
	return "", fmt.Errorf("github: stream config is missing username")
}

func (s *eventsStream) Sync(ctx context.Context, mode stream.SyncMode) (stream.SyncResult, error) {
	username, err := s.username()
	if err != nil {
		return stream.SyncResult{}, err
	}

	lastSeen := ""
	if !mode.FullRefresh {
		lastSeen = mode.Cursor
	}

	var records []stream.Record
	var failed int
	newCursor := lastSeen

pages:
	for pageNum := 1; pageNum <= 10; pageNum++ {
		q := url.Values{}
		q.Set("per_page", "100")
		q.Set("page", strconv.Itoa(pageNum))

		_, body, err := s.client.Do(ctx, s.SourceConnectionID, http.MethodGet,
			"/users/"+url.PathEscape(username)+"/events?"+q.Encode(), nil)
		if err != nil {
			return stream.SyncResult{}, err
		}

		var page []map[string]any
		if err := json.Unmarshal(body, &page); err != nil {
			return stream.SyncResult{}, fmt.Errorf("github: decode events: %w", err)
		}
		if len(page) == 0 {
			break
		}

		for _, rec := range page {
			id := source.FieldString(rec, "id")
			if id == "" {
				failed++
				continue
			}
			if lastSeen != "" && id == lastSeen {
				break pages
			}
			if newCursor == lastSeen {
				// Newest first: the first fresh id is the next cursor.
				newCursor = id
			}
			records = append(records, rec)
		}
	}

	minTS, maxTS := source.MinMax(records, "created_at")

	return stream.SyncResult{
		Records:        records,
		MinTimestamp:   minTS,
		MaxTimestamp:   maxTS,
		NextCursor:     newCursor,
		RecordsWritten: len(records),
		RecordsFailed:  failed,
	}, nil
}
