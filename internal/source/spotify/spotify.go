// Package spotify registers the spotify source with a recently-played pull
// stream feeding the media_play ontology.
package spotify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/loamtrace/elt/internal/httpclient"
	"github.com/loamtrace/elt/internal/registry"
	"github.com/loamtrace/elt/internal/source"
	"github.com/loamtrace/elt/internal/stream"
)

const (
	SourceName = "spotify"

	baseURL = "https://api.spotify.com/v1"
)

// Register adds the spotify source descriptor to the catalog.
func Register(reg *registry.Registry, deps source.Deps) {
	reg.Register(registry.SourceDescriptor{
		Name:        SourceName,
		DisplayName: "Spotify",
		AuthType:    registry.AuthOAuth2,
		OAuth: &registry.OAuthConfig{
			AuthorizeURL: "https://accounts.spotify.com/authorize",
			TokenURL:     "https://accounts.spotify.com/api/token",
			Scopes:       []string{"user-read-recently-played"},
			RedirectPath: "/oauth/callback",
		},
		ConnectionPolicy: &registry.ConnectionPolicy{SingleInstance: true},
		Streams: []registry.StreamDescriptor{
			{
				Name:                "recently_played",
				TableName:           "stream_spotify_recently_played",
				TargetOntologies:    []string{"media_play"},
				ExampleConfig:       source.MustYAML("limit: 50\n"),
				SupportsIncremental: true,
				SupportsFullRefresh: true,
				Enabled:             true,
				DefaultCronSchedule: "0 */15 * * * *",
				Transforms: []registry.TransformBinding{
					{Ontology: "media_play", Factory: func() registry.TransformFunc { return playTransform }},
				},
				NewPull: func() any { return newRecentlyPlayedStream(deps) },
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
	case statusCode == http.StatusUnauthorized:
		return httpclient.KindAuth
	case statusCode == http.StatusTooManyRequests:
		return httpclient.KindRateLimit
	case statusCode >= 500:
		return httpclient.KindServer
	default:
		return httpclient.KindClient
	}
}

// The cursor is an "after" millisecond filter; it cannot expire.
func (errorHandler) IsSyncTokenError(int, []byte) bool { return false }

// recentlyPlayedStream pulls the player's recently-played feed. The cursor
// is the newest played_at in unix milliseconds.
type recentlyPlayedStream struct {
	source.PullBase
	client *httpclient.Client
}

func newRecentlyPlayedStream(deps source.Deps) *recentlyPlayedStream {
	return &recentlyPlayedStream{
		PullBase: source.PullBase{Source: SourceName, Stream: "recently_played", Streams: deps.Streams},
		client:   source.NewClient(SourceName, baseURL, nil, deps, errorHandler{}),
	}
}

func (s *recentlyPlayedStream) SupportsIncremental() bool { return true }
func (s *recentlyPlayedStream) SupportsFullRefresh() bool { return true }

type recentlyPlayedPage struct {
	Items []map[string]any `json:"items"`
	Cursors struct {
		After string `json:"after"`
	} `json:"cursors"`
}

func (s *recentlyPlayedStream) Sync(ctx context.Context, mode stream.SyncMode) (stream.SyncResult, error) {
	q := url.Values{}
	q.Set("limit", "50")
	if !mode.FullRefresh && mode.Cursor != "" {
		q.Set("after", mode.Cursor)
	}

	_, body, err := s.client.Do(ctx, s.SourceConnectionID, http.MethodGet, "/me/player/recently-played?"+q.Encode(), nil)
	if err != nil {
		return stream.SyncResult{}, err
	}

	var page recentlyPlayedPage
	if err := json.Unmarshal(body, &page); err != nil {
		return stream.SyncResult{}, fmt.Errorf("spotify: decode recently played: %w", err)
	}

	var records []stream.Record
	var failed int
	var maxMS int64

	for _, rec := range page.Items {
		playedAt := source.FieldString(rec, "played_at")
		if playedAt == "" {
			failed++
			continue
		}
		if t, err := time.Parse(time.RFC3339, playedAt); err == nil && t.UnixMilli() > maxMS {
			maxMS = t.UnixMilli()
		}
		records = append(records, rec)
	}

	cursor := mode.Cursor
	if page.Cursors.After != "" {
		cursor = page.Cursors.After
	} else if maxMS > 0 {
		cursor = strconv.FormatInt(maxMS, 10)
	}

	minTS, maxTS := source.MinMax(records, "played_at")

	return stream.SyncResult{
		Records:        records,
		MinTimestamp:   minTS,
		MaxTimestamp:   maxTS,
		NextCursor:     cursor,
		RecordsWritten: len(records),
		RecordsFailed:  failed,
	}, nil
}

// playTransform upserts media_play rows keyed by played_at: one listen is
// one row even when the same track repeats.
func playTransform(ctx context.Context, tc registry.TransformContext) (registry.Result, error) {
	var result registry.Result

	for _, rec := range tc.Records() {
		playedAt := source.FieldString(rec, "played_at")
		if playedAt == "" {
			result.RecordsFailed++
			continue
		}
		t, err := time.Parse(time.RFC3339, playedAt)
		if err != nil {
			result.RecordsFailed++
			continue
		}

		fields := map[string]any{}
		if track, ok := rec["track"].(map[string]any); ok {
			fields["track"] = source.FieldString(track, "name")
			if artists, ok := track["artists"].([]any); ok && len(artists) > 0 {
				if a, ok := artists[0].(map[string]any); ok {
					fields["artist"] = source.FieldString(a, "name")
				}
			}
			if ms, ok := source.FieldFloat(track, "duration_ms"); ok {
				fields["duration_ms"] = ms
			}
		}

		ts := t.UTC()
		if err := tc.UpsertRow(ctx, registry.OntologyUpsert{
			Table:      "media_play",
			ExternalID: playedAt,
			Timestamp:  &ts,
			Fields:     fields,
		}); err != nil {
			return result, err
		}
		result.RecordsWritten++
	}

	return result, nil
}
