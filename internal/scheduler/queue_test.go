package scheduler

import (
	"testing"
	"time"
)

func TestCheckQueueOrdering(t *testing.T) {
	q := newCheckQueue()
	base := time.Unix(1700000000, 0)

	q.Push("Service", "web01!http", base.Add(30*time.Second))
	q.Push("Host", "web01", base.Add(10*time.Second))
	q.Push("Service", "db01!mysql", base.Add(20*time.Second))

	want := []string{"Host/web01", "Service/db01!mysql", "Service/web01!http"}
	for i, key := range want {
		it := q.Pop()
		if it == nil || it.key() != key {
			t.Fatalf("pop %d: expected %s, got %v", i, key, it)
		}
	}
	if q.Pop() != nil {
		t.Error("empty queue should pop nil")
	}
}

func TestCheckQueueTieBreak(t *testing.T) {
	q := newCheckQueue()
	due := time.Unix(1700000000, 0)

	// Equal due times drain in (type, name) order so peers agree.
	q.Push("Service", "b", due)
	q.Push("Service", "a", due)
	q.Push("Host", "z", due)

	want := []string{"Host/z", "Service/a", "Service/b"}
	for i, key := range want {
		if it := q.Pop(); it.key() != key {
			t.Fatalf("pop %d: expected %s, got %s", i, key, it.key())
		}
	}
}

func TestCheckQueueReschedule(t *testing.T) {
	q := newCheckQueue()
	base := time.Unix(1700000000, 0)

	q.Push("Host", "a", base.Add(time.Hour))
	q.Push("Host", "b", base.Add(time.Minute))
	if q.Len() != 2 {
		t.Fatalf("expected 2 items, got %d", q.Len())
	}

	// Re-pushing an existing key moves it instead of duplicating.
	q.Push("Host", "a", base)
	if q.Len() != 2 {
		t.Fatalf("expected 2 items after reschedule, got %d", q.Len())
	}
	if it := q.Peek(); it.key() != "Host/a" || !it.due.Equal(base) {
		t.Errorf("reschedule did not move item: %v", it)
	}
}

func TestCheckQueueRemove(t *testing.T) {
	q := newCheckQueue()
	base := time.Unix(1700000000, 0)

	q.Push("Host", "a", base)
	q.Push("Host", "b", base.Add(time.Second))
	q.Push("Host", "c", base.Add(2*time.Second))

	if !q.Contains("Host", "b") {
		t.Error("expected Host/b queued")
	}
	if !q.Remove("Host", "b") {
		t.Error("remove should report true for present item")
	}
	if q.Contains("Host", "b") {
		t.Error("Host/b still present after remove")
	}
	if q.Remove("Host", "b") {
		t.Error("second remove should report false")
	}

	if it := q.Pop(); it.key() != "Host/a" {
		t.Errorf("expected Host/a, got %s", it.key())
	}
	if it := q.Pop(); it.key() != "Host/c" {
		t.Errorf("expected Host/c, got %s", it.key())
	}
}

func TestCheckQueueHeapProperty(t *testing.T) {
	q := newCheckQueue()
	base := time.Unix(1700000000, 0)
	// Insert in reverse order and verify the heap drains sorted.
	for i := 50; i > 0; i-- {
		q.Push("Host", string(rune('a'+i%26))+string(rune('0'+i%10)), base.Add(time.Duration(i)*time.Second))
	}
	var prev time.Time
	for q.Len() > 0 {
		it := q.Pop()
		if it.due.Before(prev) {
			t.Fatalf("heap order violated: %v before %v", it.due, prev)
		}
		prev = it.due
	}
}
