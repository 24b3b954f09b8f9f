// Package source carries the plumbing shared by every source package: the
// dependency bundle handed to stream constructors, the pull-stream base with
// config/cursor loading, and small helpers for record timestamps and YAML
// example configs.
package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loamtrace/elt/internal/httpclient"
	"github.com/loamtrace/elt/internal/store"
	"github.com/loamtrace/elt/internal/stream"
)

// Deps is everything a stream constructor needs at build time. One value is
// shared across all sources, assembled in main.
type Deps struct {
	Streams store.StreamStorer
	Tokens  httpclient.TokenSource
	HTTP    *http.Client
	Retry   httpclient.RetryPolicy
	Writer  *stream.Writer
}

// PullBase carries the identity and per-connection state every pull stream
// shares. Source packages embed it and implement Sync themselves.
type PullBase struct {
	Source string
	Stream string

	SourceConnectionID string
	Config             map[string]any

	Streams store.StreamStorer
}

func (b *PullBase) SourceName() string { return b.Source }
func (b *PullBase) StreamName() string { return b.Stream }
func (b *PullBase) TableName() string  { return "stream_" + b.Source + "_" + b.Stream }

// LoadConfig pulls the stream row's per-connection config. The cursor
// itself travels in the sync mode, not here.
func (b *PullBase) LoadConfig(ctx context.Context, sourceConnectionID string) error {
	b.SourceConnectionID = sourceConnectionID

	row, err := b.Streams.GetStream(ctx, sourceConnectionID, b.Stream)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("stream %s/%s is not configured for connection %s", b.Source, b.Stream, sourceConnectionID)
		}
		return err
	}
	b.Config = row.Config
	return nil
}

// PushBase is the identity shared by push streams.
type PushBase struct {
	Source string
	Stream string
}

func (b *PushBase) SourceName() string { return b.Source }
func (b *PushBase) StreamName() string { return b.Stream }
func (b *PushBase) TableName() string  { return "stream_" + b.Source + "_" + b.Stream }

// MustYAML decodes a YAML literal into a map, for descriptor example
// configs declared inline in source packages. Panics on malformed input —
// these literals are compile-time fixtures.
func MustYAML(s string) map[string]any {
	var out map[string]any
	if err := yaml.Unmarshal([]byte(s), &out); err != nil {
		panic("source: invalid example config: " + err.Error())
	}
	return out
}

// RecordTime extracts a unix-millisecond timestamp from a record field that
// may be an RFC3339 string, unix seconds, or unix milliseconds.
func RecordTime(rec map[string]any, keys ...string) (int64, bool) {
	for _, key := range keys {
		v, ok := rec[key]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case string:
			if parsed, err := time.Parse(time.RFC3339, t); err == nil {
				return parsed.UnixMilli(), true
			}
		case float64:
			return normalizeEpoch(int64(t)), true
		case int64:
			return normalizeEpoch(t), true
		case int:
			return normalizeEpoch(int64(t)), true
		}
	}
	return 0, false
}

// normalizeEpoch treats values below the year-5000 seconds horizon as unix
// seconds and everything larger as milliseconds.
func normalizeEpoch(v int64) int64 {
	const msHorizon = 100_000_000_000
	if v < msHorizon {
		return v * 1000
	}
	return v
}

// MinMax folds per-record timestamps into the slice's min/max pair.
func MinMax(records []stream.Record, keys ...string) (*int64, *int64) {
	var minTS, maxTS *int64
	for _, rec := range records {
		ts, ok := RecordTime(rec, keys...)
		if !ok {
			continue
		}
		if minTS == nil || ts < *minTS {
			v := ts
			minTS = &v
		}
		if maxTS == nil || ts > *maxTS {
			v := ts
			maxTS = &v
		}
	}
	return minTS, maxTS
}

// TimePtr converts a unix-millisecond value to *time.Time.
func TimePtr(ms int64) *time.Time {
	t := time.UnixMilli(ms).UTC()
	return &t
}

// FieldString reads a string field, tolerating absence.
func FieldString(rec map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := rec[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// FieldFloat reads a numeric field.
func FieldFloat(rec map[string]any, key string) (float64, bool) {
	switch v := rec[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// NewClient builds the per-provider authenticated HTTP client every pull
// stream fetches through.
func NewClient(provider, baseURL string, headers map[string]string, deps Deps, handler httpclient.ErrorHandler) *httpclient.Client {
	return httpclient.New(provider, baseURL, headers, deps.Retry, handler, deps.Tokens, deps.HTTP)
}
