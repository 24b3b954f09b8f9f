// Package plaid registers the plaid source with a transactions pull stream
// feeding the finance_transaction ontology. Plaid connections are api-key
// style: the per-connection access token is stored at link time and sent in
// the request body; the shared client also attaches it as a bearer header.
package plaid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loamtrace/elt/internal/httpclient"
	"github.com/loamtrace/elt/internal/registry"
	"github.com/loamtrace/elt/internal/source"
	"github.com/loamtrace/elt/internal/stream"
)

const (
	SourceName = "plaid"

	baseURL = "https://production.plaid.com"
)

// Register adds the plaid source descriptor to the catalog.
func Register(reg *registry.Registry, deps source.Deps) {
	reg.Register(registry.SourceDescriptor{
		Name:        SourceName,
		DisplayName: "Plaid",
		AuthType:    registry.AuthAPIKey,
		Streams: []registry.StreamDescriptor{
			{
				Name:                "transactions",
				TableName:           "stream_plaid_transactions",
				TargetOntologies:    []string{"finance_transaction"},
				ExampleConfig:       source.MustYAML("count: 500\n"),
				SupportsIncremental: true,
				SupportsFullRefresh: true,
				Enabled:             true,
				DefaultCronSchedule: "0 0 */6 * * *",
				Transforms: []registry.TransformBinding{
					{Ontology: "finance_transaction", Factory: func() registry.TransformFunc { return transactionTransform }},
				},
				NewPull: func() any { return newTransactionsStream(deps) },
			},
		},
	})
}

type errorHandler struct{}

func (errorHandler) ShouldRetry(statusCode, attempt, max int) bool {
	if attempt >= max {
		return false
	}
	return statusCode == http.StatusTooManyRequests || statusCode >= 500
}

func (errorHandler) ClassifyError(statusCode int, body []byte) httpclient.Kind {
	s := string(body)
	switch {
	case strings.Contains(s, "ITEM_LOGIN_REQUIRED"), statusCode == http.StatusUnauthorized:
		return httpclient.KindAuth
	case statusCode == http.StatusTooManyRequests:
		return httpclient.KindRateLimit
	case statusCode >= 500:
		return httpclient.KindServer
	default:
		return httpclient.KindClient
	}
}

func (errorHandler) IsSyncTokenError(_ int, body []byte) bool {
	// /transactions/sync invalidates cursors after an item reset.
	return strings.Contains(string(body), "TRANSACTIONS_SYNC_MUTATION_DURING_PAGINATION") ||
		strings.Contains(string(body), "INVALID_CURSOR")
}

// transactionsStream walks /transactions/sync. Plaid's cursor protocol maps
// directly: next_cursor is stored verbatim and replayed on the next run.
type transactionsStream struct {
	source.PullBase
	client *httpclient.Client
	tokens httpclient.TokenSource
}

func newTransactionsStream(deps source.Deps) *transactionsStream {
	return &transactionsStream{
		PullBase: source.PullBase{Source: SourceName, Stream: "transactions", Streams: deps.Streams},
		client:   source.NewClient(SourceName, baseURL, map[string]string{"Content-Type": "application/json"}, deps, errorHandler{}),
		tokens:   deps.Tokens,
	}
}

func (s *transactionsStream) SupportsIncremental() bool { return true }
func (s *transactionsStream) SupportsFullRefresh() bool { return true }

type syncPage struct {
	Added      []map[string]any `json:"added"`
	Modified   []map[string]any `json:"modified"`
	NextCursor string           `json:"next_cursor"`
	HasMore    bool             `json:"has_more"`
}

func (s *transactionsStream) Sync(ctx context.Context, mode stream.SyncMode) (stream.SyncResult, error) {
	accessToken, err := s.tokens.GetValid(ctx, s.SourceConnectionID)
	if err != nil {
		return stream.SyncResult{}, err
	}

	var records []stream.Record
	var failed int

	cursor := ""
	if !mode.FullRefresh {
		cursor = mode.Cursor
	}

	for {
		reqBody := map[string]any{
			"access_token": accessToken,
			"count":        500,
		}
		if cursor != "" {
			reqBody["cursor"] = cursor
		}
		encoded, err := json.Marshal(reqBody)
		if err != nil {
			return stream.SyncResult{}, fmt.Errorf("plaid: encode sync request: %w", err)
		}

		_, body, err := s.client.Do(ctx, s.SourceConnectionID, http.MethodPost, "/transactions/sync",
			func() io.Reader { return bytes.NewReader(encoded) })
		if err != nil {
			return stream.SyncResult{}, err
		}

		var page syncPage
		if err := json.Unmarshal(body, &page); err != nil {
			return stream.SyncResult{}, fmt.Errorf("plaid: decode sync: %w", err)
		}

		for _, rec := range append(page.Added, page.Modified...) {
			if source.FieldString(rec, "transaction_id") == "" {
				failed++
				continue
			}
			records = append(records, rec)
		}

		cursor = page.NextCursor
		if !page.HasMore {
			break
		}
	}

	minTS, maxTS := source.MinMax(records, "datetime", "authorized_datetime")

	return stream.SyncResult{
		Records:        records,
		MinTimestamp:   minTS,
		MaxTimestamp:   maxTS,
		NextCursor:     cursor,
		RecordsWritten: len(records),
		RecordsFailed:  failed,
	}, nil
}

// transactionTransform upserts finance_transaction rows.
func transactionTransform(ctx context.Context, tc registry.TransformContext) (registry.Result, error) {
	var result registry.Result

	for _, rec := range tc.Records() {
		id := source.FieldString(rec, "transaction_id")
		if id == "" {
			result.RecordsFailed++
			continue
		}

		fields := map[string]any{
			"merchant": source.FieldString(rec, "merchant_name", "name"),
			"currency": source.FieldString(rec, "iso_currency_code"),
		}
		if amount, ok := source.FieldFloat(rec, "amount"); ok {
			fields["amount"] = amount
		}

		row := registry.OntologyUpsert{
			Table:      "finance_transaction",
			ExternalID: id,
			Fields:     fields,
		}
		if raw := source.FieldString(rec, "datetime", "authorized_datetime"); raw != "" {
			if t, err := time.Parse(time.RFC3339, raw); err == nil {
				u := t.UTC()
				row.Timestamp = &u
			}
		} else if day := source.FieldString(rec, "date"); day != "" {
			if t, err := time.Parse("2006-01-02", day); err == nil {
				u := t.UTC()
				row.Timestamp = &u
			}
		}

		if err := tc.UpsertRow(ctx, row); err != nil {
			return result, err
		}
		result.RecordsWritten++
	}

	return result, nil
}
