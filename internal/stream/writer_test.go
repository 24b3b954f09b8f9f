package stream

import "testing"

func ts(v int64) *int64 { return &v }

func TestWriterInsertionOrderAndDestructiveCollect(t *testing.T) {
	w := NewWriter()

	w.WriteRecord("conn-1", "calendar", Record{"id": 1}, ts(100))
	w.WriteRecord("conn-1", "calendar", Record{"id": 2}, ts(50))
	w.WriteRecord("conn-1", "calendar", Record{"id": 3}, nil)

	if got := w.BufferCount("conn-1", "calendar"); got != 3 {
		t.Fatalf("BufferCount = %d, want 3", got)
	}

	res, ok := w.CollectRecords("conn-1", "calendar")
	if !ok {
		t.Fatal("expected CollectRecords to find the buffer")
	}

	if len(res.Records) != 3 {
		t.Fatalf("len(Records) = %d, want 3", len(res.Records))
	}
	if res.Records[0]["id"] != 1 || res.Records[1]["id"] != 2 || res.Records[2]["id"] != 3 {
		t.Fatalf("insertion order not preserved: %v", res.Records)
	}

	if res.MinTimestamp == nil || *res.MinTimestamp != 50 {
		t.Fatalf("MinTimestamp = %v, want 50", res.MinTimestamp)
	}
	if res.MaxTimestamp == nil || *res.MaxTimestamp != 100 {
		t.Fatalf("MaxTimestamp = %v, want 100", res.MaxTimestamp)
	}

	if _, ok := w.CollectRecords("conn-1", "calendar"); ok {
		t.Fatal("second CollectRecords should return ok=false")
	}
}

func TestWriterEmptyBufferCollect(t *testing.T) {
	w := NewWriter()
	if _, ok := w.CollectRecords("conn-x", "gmail"); ok {
		t.Fatal("collecting a never-written buffer should return ok=false")
	}
}

func TestWriterIsolatesKeys(t *testing.T) {
	w := NewWriter()
	w.WriteRecord("conn-1", "calendar", Record{"id": 1}, nil)
	w.WriteRecord("conn-2", "calendar", Record{"id": 2}, nil)

	if got := w.BufferCount("conn-1", "calendar"); got != 1 {
		t.Fatalf("conn-1 BufferCount = %d, want 1", got)
	}
	if got := w.BufferCount("conn-2", "calendar"); got != 1 {
		t.Fatalf("conn-2 BufferCount = %d, want 1", got)
	}
}
