package lake

import (
	"context"
	"regexp"
	"testing"
	"time"
)

func TestArchiveReadRoundTrip(t *testing.T) {
	st, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}

	records := []map[string]any{
		{"id": "a", "value": float64(1)},
		{"id": "b", "value": float64(2)},
		{"id": "c", "nested": map[string]any{"x": "y"}},
	}
	minTS := int64(1_000)
	maxTS := int64(3_000)
	now := time.Date(2025, 6, 1, 14, 30, 0, 0, time.UTC)

	obj, key, err := Archive(context.Background(), st, "sc-1", "calendar", records, &minTS, &maxTS, now)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}

	if obj.RecordCount != 3 {
		t.Fatalf("RecordCount = %d", obj.RecordCount)
	}
	if obj.SizeBytes <= 0 {
		t.Fatalf("SizeBytes = %d", obj.SizeBytes)
	}
	if obj.Checksum == "" {
		t.Fatal("checksum missing")
	}
	if obj.MinTimestamp == nil || obj.MinTimestamp.UnixMilli() != minTS {
		t.Fatalf("MinTimestamp = %v", obj.MinTimestamp)
	}
	if obj.MaxTimestamp == nil || obj.MaxTimestamp.UnixMilli() != maxTS {
		t.Fatalf("MaxTimestamp = %v", obj.MaxTimestamp)
	}

	got, err := ReadRecords(context.Background(), st, key)
	if err != nil {
		t.Fatalf("ReadRecords: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("read %d records, want 3", len(got))
	}
	if got[0]["id"] != "a" || got[2]["id"] != "c" {
		t.Fatalf("order not preserved: %v", got)
	}
}

var keyPattern = regexp.MustCompile(`^sc-1/calendar/2025/06/01/14/[0-9A-HJKMNP-TV-Z]{26}\.jsonl\.gz$`)

func TestObjectKeyLayout(t *testing.T) {
	now := time.Date(2025, 6, 1, 14, 5, 0, 0, time.UTC)
	key := ObjectKey("sc-1", "calendar", now)

	if !keyPattern.MatchString(key) {
		t.Fatalf("key %q does not match the {source}/{stream}/YYYY/MM/DD/HH/{ulid} layout", key)
	}
}

func TestObjectKeysAreUnique(t *testing.T) {
	now := time.Now()
	seen := map[string]struct{}{}
	for i := 0; i < 100; i++ {
		key := ObjectKey("sc", "s", now)
		if _, dup := seen[key]; dup {
			t.Fatalf("duplicate key %q", key)
		}
		seen[key] = struct{}{}
	}
}

func TestReadRecordsEmptyObject(t *testing.T) {
	st, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}

	_, key, err := Archive(context.Background(), st, "sc", "s", nil, nil, nil, time.Now())
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}

	got, err := ReadRecords(context.Background(), st, key)
	if err != nil {
		t.Fatalf("ReadRecords: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("read %d records from an empty object", len(got))
	}
}
