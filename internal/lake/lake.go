// Package lake implements the raw-record object-store archive: gzip-JSONL
// objects keyed by {source_id}/{stream_name}/YYYY/MM/DD/HH/{ulid}.jsonl.gz.
// ULIDs sort monotonically within a process, so object keys list in write
// order.
package lake

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/oklog/ulid/v2"

	"github.com/loamtrace/elt/internal/store"
)

// Store is the object-store abstraction the rest of the codebase writes
// through. FSStore is the built-in local-filesystem backend; an S3-style
// backend only needs these two methods.
type Store interface {
	// Put writes data under key and returns the object's size in bytes.
	Put(ctx context.Context, key string, data []byte) (int64, error)
	// Get reads back a previously written object.
	Get(ctx context.Context, key string) ([]byte, error)
}

// FSStore is a local-filesystem-backed Store rooted at Root.
type FSStore struct {
	Root string
}

// NewFSStore builds an FSStore rooted at root, creating it if necessary.
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("lake: create root %q: %w", root, err)
	}
	return &FSStore{Root: root}, nil
}

func (f *FSStore) Put(_ context.Context, key string, data []byte) (int64, error) {
	path := filepath.Join(f.Root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("lake: mkdir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return 0, fmt.Errorf("lake: write %q: %w", path, err)
	}
	return int64(len(data)), nil
}

func (f *FSStore) Get(_ context.Context, key string) ([]byte, error) {
	path := filepath.Join(f.Root, filepath.FromSlash(key))
	return os.ReadFile(path)
}

// entropy is a process-wide monotonic ULID source, guarded by entropyMu since
// ulid.MonotonicEntropy is not itself safe for concurrent use.
var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

func newULID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Archive gzip-JSONL-encodes records and writes them as one lake object,
// then returns the store.LakeObject metadata row. now is the write
// timestamp used for the key's YYYY/MM/DD/HH path segments.
func Archive(ctx context.Context, os_ Store, sourceConnectionID, streamName string, records []map[string]any, minTS, maxTS *int64, now time.Time) (store.LakeObject, string, error) {
	var buf bytes.Buffer
	gz, err := gzip.NewWriterLevel(&buf, gzip.DefaultCompression)
	if err != nil {
		return store.LakeObject{}, "", fmt.Errorf("lake: gzip writer: %w", err)
	}

	for _, r := range records {
		line, err := json.Marshal(r)
		if err != nil {
			return store.LakeObject{}, "", fmt.Errorf("lake: marshal record: %w", err)
		}
		if _, err := gz.Write(line); err != nil {
			return store.LakeObject{}, "", fmt.Errorf("lake: write record: %w", err)
		}
		if _, err := gz.Write([]byte("\n")); err != nil {
			return store.LakeObject{}, "", fmt.Errorf("lake: write newline: %w", err)
		}
	}
	if err := gz.Close(); err != nil {
		return store.LakeObject{}, "", fmt.Errorf("lake: close gzip: %w", err)
	}

	key := ObjectKey(sourceConnectionID, streamName, now)

	size, err := os_.Put(ctx, key, buf.Bytes())
	if err != nil {
		return store.LakeObject{}, "", err
	}

	sum := sha256.Sum256(buf.Bytes())

	obj := store.LakeObject{
		ID:                 newULID(now),
		SourceConnectionID: sourceConnectionID,
		StreamName:         streamName,
		Key:                key,
		SizeBytes:          size,
		RecordCount:        len(records),
		Checksum:           hex.EncodeToString(sum[:]),
		CreatedAt:          now,
	}
	if minTS != nil {
		t := time.UnixMilli(*minTS)
		obj.MinTimestamp = &t
	}
	if maxTS != nil {
		t := time.UnixMilli(*maxTS)
		obj.MaxTimestamp = &t
	}

	return obj, key, nil
}

// ObjectKey builds {source_id}/{stream_name}/YYYY/MM/DD/HH/{ulid}.jsonl.gz.
func ObjectKey(sourceConnectionID, streamName string, t time.Time) string {
	u := t.UTC()
	return fmt.Sprintf("%s/%s/%04d/%02d/%02d/%02d/%s.jsonl.gz",
		sourceConnectionID, streamName, u.Year(), u.Month(), u.Day(), u.Hour(), newULID(t))
}

// ReadRecords decodes a gzip-JSONL object back into records, the transform
// runner's cold path when the in-memory slice is gone.
func ReadRecords(ctx context.Context, os_ Store, key string) ([]map[string]any, error) {
	data, err := os_.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("lake: get %q: %w", key, err)
	}

	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("lake: gzip reader: %w", err)
	}
	defer gz.Close()

	var records []map[string]any
	dec := json.NewDecoder(gz)
	for {
		var rec map[string]any
		if err := dec.Decode(&rec); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("lake: decode record: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}
