// Package google registers the google source with its calendar and gmail
// pull streams. One Google connection carries both streams; each keeps its
// own cursor (a calendar sync token, a gmail history id).
package google

import (
	"net/http"
	"strings"

	"github.com/loamtrace/elt/internal/httpclient"
	"github.com/loamtrace/elt/internal/registry"
	"github.com/loamtrace/elt/internal/source"
)

const (
	SourceName = "google"

	calendarBaseURL = "https://www.googleapis.com/calendar/v3"
	gmailBaseURL    = "https://gmail.googleapis.com/gmail/v1"
)

// Register adds the google source descriptor to the catalog.
func Register(reg *registry.Registry, deps source.Deps) {
	reg.Register(registry.SourceDescriptor{
		Name:        SourceName,
		DisplayName: "Google",
		AuthType:    registry.AuthOAuth2,
		OAuth: &registry.OAuthConfig{
			AuthorizeURL: "https://accounts.google.com/o/oauth2/v2/auth",
			TokenURL:     "https://oauth2.googleapis.com/token",
			Scopes: []string{
				"https://www.googleapis.com/auth/calendar.readonly",
				"https://www.googleapis.com/auth/gmail.readonly",
			},
			RedirectPath: "/oauth/callback",
		},
		ConnectionPolicy: &registry.ConnectionPolicy{SingleInstance: false},
		Streams: []registry.StreamDescriptor{
			{
				Name:                "calendar",
				TableName:           "stream_google_calendar",
				TargetOntologies:    []string{"calendar_event"},
				ExampleConfig:       source.MustYAML("calendar_id: primary\n"),
				SupportsIncremental: true,
				SupportsFullRefresh: true,
				Enabled:             true,
				DefaultCronSchedule: "0 */5 * * * *",
				Transforms: []registry.TransformBinding{
					{Ontology: "calendar_event", Factory: func() registry.TransformFunc { return calendarEventTransform }},
				},
				NewPull: func() any { return newCalendarStream(deps) },
			},
			{
				Name:                "gmail",
				TableName:           "stream_google_gmail",
				TargetOntologies:    []string{"social_email"},
				ExampleConfig:       source.MustYAML("label_ids: [INBOX]\n"),
				SupportsIncremental: true,
				SupportsFullRefresh: true,
				Enabled:             true,
				DefaultCronSchedule: "0 */10 * * * *",
				Transforms: []registry.TransformBinding{
					{Ontology: "social_email", Factory: func() registry.TransformFunc { return emailTransform }},
				},
				NewPull: func() any { return newGmailStream(deps) },
			},
		},
	})
}

// errorHandler classifies Google API failures. Both calendar and gmail
// signal an expired incremental cursor: calendar with 410 Gone
// ("fullSyncRequired"), gmail with 404 on the startHistoryId.
type errorHandler struct{}

func (errorHandler) ShouldRetry(statusCode, attempt, max int) bool {
	if attempt >= max {
		return false
	}
	switch {
	case statusCode == http.StatusUnauthorized && attempt == 1:
		return true
	case statusCode == http.StatusTooManyRequests:
		return true
	case statusCode >= 500:
		return true
	}
	return false
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

func (errorHandler) IsSyncTokenError(statusCode int, body []byte) bool {
	if statusCode == http.StatusGone {
		return true
	}
	s := string(body)
	return strings.Contains(s, "fullSyncRequired") || strings.Contains(s, "Sync token is no longer valid")
}
