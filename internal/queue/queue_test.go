package queue

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func openTestQueue(t *testing.T, highWater int) *Queue {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "queue.db"), highWater)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestEnqueuePeekAck(t *testing.T) {
	q := openTestQueue(t, 0)

	if err := q.Enqueue(KindEvidence, "EB-20260301-0001", []byte(`{"a":1}`)); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(KindEvidence, "EB-20260301-0002", []byte(`{"a":2}`)); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(KindTelemetry, "EXE-1", []byte(`{"t":1}`)); err != nil {
		t.Fatal(err)
	}

	items, err := q.Peek(KindEvidence, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("peek evidence = %d items, want 2", len(items))
	}
	// Oldest first.
	if items[0].Ref != "EB-20260301-0001" || items[1].Ref != "EB-20260301-0002" {
		t.Errorf("peek order: %s, %s", items[0].Ref, items[1].Ref)
	}

	// Peek does not remove.
	if got := q.CountKind(KindEvidence); got != 2 {
		t.Errorf("CountKind after peek = %d, want 2", got)
	}

	if err := q.Ack(items[0].ID); err != nil {
		t.Fatal(err)
	}
	if got := q.CountKind(KindEvidence); got != 1 {
		t.Errorf("CountKind after ack = %d, want 1", got)
	}
	if got := q.Count(); got != 2 {
		t.Errorf("Count() = %d, want 2", got)
	}
}

func TestRequeueTracksAttempts(t *testing.T) {
	q := openTestQueue(t, 0)
	if err := q.Enqueue(KindTelemetry, "EXE-1", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}

	items, _ := q.Peek(KindTelemetry, 1)
	if len(items) != 1 {
		t.Fatal("missing item")
	}
	if err := q.Requeue(items[0].ID, "connection refused"); err != nil {
		t.Fatal(err)
	}
	if err := q.Requeue(items[0].ID, "connection refused"); err != nil {
		t.Fatal(err)
	}

	items, _ = q.Peek(KindTelemetry, 1)
	if items[0].Attempts != 2 {
		t.Errorf("attempts = %d, want 2", items[0].Attempts)
	}
	if items[0].LastError != "connection refused" {
		t.Errorf("last_error = %q", items[0].LastError)
	}
}

func TestHighWaterAlertOnce(t *testing.T) {
	q := openTestQueue(t, 3)

	for i := 0; i < 6; i++ {
		if err := q.Enqueue(KindTelemetry, fmt.Sprintf("EXE-%d", i), []byte(`{}`)); err != nil {
			t.Fatal(err)
		}
	}

	// One alert record, not one per enqueue past the mark.
	if got := q.CountKind(KindAlert); got != 1 {
		t.Errorf("alert records = %d, want 1", got)
	}

	// Draining below the mark re-arms the alert.
	items, _ := q.Peek(KindTelemetry, 10)
	for _, it := range items {
		if err := q.Ack(it.ID); err != nil {
			t.Fatal(err)
		}
	}
	alerts, _ := q.Peek(KindAlert, 10)
	for _, it := range alerts {
		if err := q.Ack(it.ID); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 6; i++ {
		if err := q.Enqueue(KindTelemetry, fmt.Sprintf("EXE-b%d", i), []byte(`{}`)); err != nil {
			t.Fatal(err)
		}
	}
	if got := q.CountKind(KindAlert); got != 1 {
		t.Errorf("alert records after re-arm = %d, want 1", got)
	}
}

func TestPrune(t *testing.T) {
	q := openTestQueue(t, 0)
	if err := q.Enqueue(KindEvidence, "EB-old", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}

	// Nothing is older than an hour yet.
	n, err := q.Prune(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("pruned %d, want 0", n)
	}

	// A zero max age removes everything written before now.
	time.Sleep(10 * time.Millisecond)
	n, err = q.Prune(0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
	if q.Count() != 0 {
		t.Errorf("Count() = %d after prune", q.Count())
	}
}

func TestReopenPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.db")

	q, err := Open(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(KindEvidence, "EB-1", []byte(`{"x":true}`)); err != nil {
		t.Fatal(err)
	}
	if err := q.Close(); err != nil {
		t.Fatal(err)
	}

	q2, err := Open(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer q2.Close()

	items, err := q2.Peek(KindEvidence, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Ref != "EB-1" {
		t.Fatalf("queue did not survive reopen: %+v", items)
	}
	if string(items[0].Payload) != `{"x":true}` {
		t.Errorf("payload = %s", items[0].Payload)
	}
}
