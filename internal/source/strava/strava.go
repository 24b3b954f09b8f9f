// Package strava registers the strava source with an activities pull stream
// feeding the activity_session ontology.
package strava

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
	SourceName = "strava"

	baseURL = "https://www.strava.com/api/v3"
)

// Register adds the strava source descriptor to the catalog.
func Register(reg *registry.Registry, deps source.Deps) {
	reg.Register(registry.SourceDescriptor{
		Name:        SourceName,
		DisplayName: "Strava",
		AuthType:    registry.AuthOAuth2,
		OAuth: &registry.OAuthConfig{
			AuthorizeURL: "https://www.strava.com/oauth/authorize",
			TokenURL:     "https://www.strava.com/oauth/token",
			Scopes:       []string{"activity:read_all"},
			RedirectPath: "/oauth/callback",
		},
		ConnectionPolicy: &registry.ConnectionPolicy{SingleInstance: true},
		Streams: []registry.StreamDescriptor{
			{
				Name:                "activities",
				TableName:           "stream_strava_activities",
				TargetOntologies:    []string{"activity_session"},
				ExampleConfig:       source.MustYAML("per_page: 100\n"),
				SupportsIncremental: true,
				SupportsFullRefresh: true,
				Enabled:             true,
				DefaultCronSchedule: "0 0 * * * *",
				Transforms: []registry.TransformBinding{
					{Ontology: "activity_session", Factory: func() registry.TransformFunc { return activityTransform }},
				},
				NewPull: func() any { return newActivitiesStream(deps) },
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

// Strava has no server-side sync token; the cursor is an epoch filter that
// cannot expire.
func (errorHandler) IsSyncTokenError(int, []byte) bool { return false }

// activitiesStream pulls athlete activities. The cursor is the unix second
// of the newest activity start seen, fed back as the "after" filter.
type activitiesStream struct {
	source.PullBase
	client *httpclient.Client
}

func newActivitiesStream(deps source.Deps) *activitiesStream {
	return &activitiesStream{
		PullBase: source.PullBase{Source: SourceName, Stream: "activities", Streams: deps.Streams},
		client:   source.NewClient(SourceName, baseURL, nil, deps, errorHandler{}),
	}
}

func (s *activitiesStream) SupportsIncremental() bool { return true }
func (s *activitiesStream) SupportsFullRefresh() bool { return true }

func (s *activitiesStream) Sync(ctx context.Context, mode stream.SyncMode) (stream.SyncResult, error) {
	var records []stream.Record
	var failed int
	var maxEpoch int64

	if !mode.FullRefresh && mode.Cursor != "" {
		if v, err := strconv.ParseInt(mode.Cursor, 10, 64); err == nil {
			maxEpoch = v
		}
	}
	after := maxEpoch

	for pageNum := 1; ; pageNum++ {
		q := url.Values{}
		q.Set("per_page", "100")
		q.Set("page", strconv.Itoa(pageNum))
		if after > 0 {
			q.Set("after", strconv.FormatInt(after, 10))
		}

		_, body, err := s.client.Do(ctx, s.SourceConnectionID, http.MethodGet, "/athlete/activities?"+q.Encode(), nil)
		if err != nil {
			return stream.SyncResult{}, err
		}

		var page []map[string]any
		if err := json.Unmarshal(body, &page); err != nil {
			return stream.SyncResult{}, fmt.Errorf("strava: decode activities: %w", err)
		}
		if len(page) == 0 {
			break
		}

		for _, rec := range page {
			startDate := source.FieldString(rec, "start_date")
			if _, hasID := rec["id"]; !hasID || startDate == "" {
				failed++
				continue
			}
			if t, err := time.Parse(time.RFC3339, startDate); err == nil && t.Unix() > maxEpoch {
				maxEpoch = t.Unix()
			}
			records = append(records, rec)
		}
	}

	minTS, maxTS := source.MinMax(records, "start_date")

	cursor := ""
	if maxEpoch > 0 {
		cursor = strconv.FormatInt(maxEpoch, 10)
	}

	return stream.SyncResult{
		Records:        records,
		MinTimestamp:   minTS,
		MaxTimestamp:   maxTS,
		NextCursor:     cursor,
		RecordsWritten: len(records),
		RecordsFailed:  failed,
	}, nil
}

// activityTransform upserts activity_session rows: the interval is
// start_date plus elapsed_time seconds.
func activityTransform(ctx context.Context, tc registry.TransformContext) (registry.Result, error) {
	var result registry.Result

	for _, rec := range tc.Records() {
		idNum, hasID := source.FieldFloat(rec, "id")
		startDate := source.FieldString(rec, "start_date")
		if !hasID || startDate == "" {
			result.RecordsFailed++
			continue
		}

		start, err := time.Parse(time.RFC3339, startDate)
		if err != nil {
			result.RecordsFailed++
			continue
		}
		elapsed, _ := source.FieldFloat(rec, "elapsed_time")
		end := start.Add(time.Duration(elapsed) * time.Second)

		startUTC := start.UTC()
		endUTC := end.UTC()

		fields := map[string]any{
			"activity_type": source.FieldString(rec, "sport_type", "type"),
			"name":          source.FieldString(rec, "name"),
		}
		if distance, ok := source.FieldFloat(rec, "distance"); ok {
			fields["distance_m"] = distance
		}

		if err := tc.UpsertRow(ctx, registry.OntologyUpsert{
			Table:      "activity_session",
			ExternalID: strconv.FormatInt(int64(idNum), 10),
			StartTime:  &startUTC,
			EndTime:    &endUTC,
			Fields:     fields,
		}); err != nil {
			return result, err
		}
		result.RecordsWritten++
	}

	return result, nil
}
