package google

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/loamtrace/elt/internal/httpclient"
	"github.com/loamtrace/elt/internal/source"
	"github.com/loamtrace/elt/internal/stream"
)

// gmailStream pulls message metadata from the Gmail API. The cursor is the
// mailbox's historyId: incremental runs walk users.history from it, a full
// refresh lists messages and re-seeds the cursor from the profile.
type gmailStream struct {
	source.PullBase
	client *httpclient.Client
}

func newGmailStream(deps source.Deps) *gmailStream {
	return &gmailStream{
		PullBase: source.PullBase{Source: SourceName, Stream: "gmail", Streams: deps.Streams},
		client:   source.NewClient(SourceName, gmailBaseURL, nil, deps, gmailErrorHandler{}),
	}
}

// gmailErrorHandler differs from the calendar handler in one respect: an
// expired startHistoryId comes back as 404, not 410.
type gmailErrorHandler struct{ errorHandler }

func (gmailErrorHandler) IsSyncTokenError(statusCode int, _ []byte) bool {
	return statusCode == http.StatusNotFound
}

func (s *gmailStream) SupportsIncremental() bool { return true }
func (s *gmailStream) SupportsFullRefresh() bool { return true }

type gmailHistoryPage struct {
	History []struct {
		MessagesAdded []struct {
			Message map[string]any `json:"message"`
		} `json:"messagesAdded"`
	} `json:"history"`
	NextPageToken string `json:"nextPageToken"`
	HistoryID     string `json:"historyId"`
}

type gmailMessagesPage struct {
	Messages      []map[string]any `json:"messages"`
	NextPageToken string           `json:"nextPageToken"`
}

type gmailProfile struct {
	HistoryID string `json:"historyId"`
}

func (s *gmailStream) Sync(ctx context.Context, mode stream.SyncMode) (stream.SyncResult, error) {
	if !mode.FullRefresh && mode.Cursor != "" {
		return s.syncIncremental(ctx, mode.Cursor)
	}
	return s.syncFull(ctx)
}

func (s *gmailStream) syncIncremental(ctx context.Context, historyID string) (stream.SyncResult, error) {
	var ids []string
	cursor := historyID

	pageToken := ""
	for {
		q := url.Values{}
		q.Set("startHistoryId", historyID)
		q.Set("historyTypes", "messageAdded")
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}

		_, body, err := s.client.Do(ctx, s.SourceConnectionID, http.MethodGet, "/users/me/history?"+q.Encode(), nil)
		if err != nil {
			return stream.SyncResult{}, err
		}

		var page gmailHistoryPage
		if err := json.Unmarshal(body, &page); err != nil {
			return stream.SyncResult{}, fmt.Errorf("gmail: decode history: %w", err)
		}

		for _, h := range page.History {
			for _, added := range h.MessagesAdded {
				if id := source.FieldString(added.Message, "id"); id != "" {
					ids = append(ids, id)
				}
			}
		}
		if page.HistoryID != "" {
			cursor = page.HistoryID
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	records, failed, err := s.fetchMessages(ctx, ids)
	if err != nil {
		return stream.SyncResult{}, err
	}

	minTS, maxTS := source.MinMax(records, "internalDate")

	return stream.SyncResult{
		Records:        records,
		MinTimestamp:   minTS,
		MaxTimestamp:   maxTS,
		NextCursor:     cursor,
		RecordsWritten: len(records),
		RecordsFailed:  failed,
	}, nil
}

func (s *gmailStream) syncFull(ctx context.Context) (stream.SyncResult, error) {
	var ids []string

	pageToken := ""
	for {
		q := url.Values{}
		q.Set("maxResults", "500")
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}

		_, body, err := s.client.Do(ctx, s.SourceConnectionID, http.MethodGet, "/users/me/messages?"+q.Encode(), nil)
		if err != nil {
			return stream.SyncResult{}, err
		}

		var page gmailMessagesPage
		if err := json.Unmarshal(body, &page); err != nil {
			return stream.SyncResult{}, fmt.Errorf("gmail: decode messages: %w", err)
		}

		for _, m := range page.Messages {
			if id := source.FieldString(m, "id"); id != "" {
				ids = append(ids, id)
			}
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	records, failed, err := s.fetchMessages(ctx, ids)
	if err != nil {
		return stream.SyncResult{}, err
	}

	// Re-seed the incremental cursor from the mailbox head.
	_, body, err := s.client.Do(ctx, s.SourceConnectionID, http.MethodGet, "/users/me/profile", nil)
	if err != nil {
		return stream.SyncResult{}, err
	}
	var profile gmailProfile
	if err := json.Unmarshal(body, &profile); err != nil {
		return stream.SyncResult{}, fmt.Errorf("gmail: decode profile: %w", err)
	}

	minTS, maxTS := source.MinMax(records, "internalDate")

	return stream.SyncResult{
		Records:        records,
		MinTimestamp:   minTS,
		MaxTimestamp:   maxTS,
		NextCursor:     profile.HistoryID,
		RecordsWritten: len(records),
		RecordsFailed:  failed,
	}, nil
}

// fetchMessages hydrates message ids into metadata-format records. A
// message that fails to decode is dropped and counted, not fatal.
func (s *gmailStream) fetchMessages(ctx context.Context, ids []string) ([]stream.Record, int, error) {
	var records []stream.Record
	var failed int

	for _, id := range ids {
		_, body, err := s.client.Do(ctx, s.SourceConnectionID, http.MethodGet,
			"/users/me/messages/"+url.PathEscape(id)+"?format=metadata", nil)
		if err != nil {
			if httpclient.IsAuthError(err) || httpclient.IsSyncTokenError(err) {
				return nil, 0, err
			}
			failed++
			continue
		}

		var rec map[string]any
		if err := json.Unmarshal(body, &rec); err != nil {
			failed++
			continue
		}
		records = append(records, rec)
	}
	return records, failed, nil
}
