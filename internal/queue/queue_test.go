package queue

import (
	"testing"

	"tachyon/internal/storage"
)

func TestQueuePushPopOrdering(t *testing.T) {
	q := NewDownloadQueue()
	q.Push(&storage.DownloadTask{ID: "b", QueueOrder: 2})
	q.Push(&storage.DownloadTask{ID: "a", QueueOrder: 1})

	first := q.Pop()
	if first.ID != "a" {
		t.Errorf("Pop() = %q, want a", first.ID)
	}
	second := q.Pop()
	if second.ID != "b" {
		t.Errorf("Pop() = %q, want b", second.ID)
	}
}

func TestQueueRemove(t *testing.T) {
	q := NewDownloadQueue()
	q.Push(&storage.DownloadTask{ID: "a", QueueOrder: 1})

	if !q.Remove("a") {
		t.Fatal("expected Remove to find the task")
	}
	if q.Remove("a") {
		t.Fatal("expected second Remove to fail")
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0", q.Len())
	}
}

func TestQueueMoveOperations(t *testing.T) {
	q := NewDownloadQueue()
	q.Push(&storage.DownloadTask{ID: "a", QueueOrder: 1})
	q.Push(&storage.DownloadTask{ID: "b", QueueOrder: 2})
	q.Push(&storage.DownloadTask{ID: "c", QueueOrder: 3})

	if !q.MoveToLast("a") {
		t.Fatal("MoveToLast(a) failed")
	}
	all := q.GetAll()
	if all[len(all)-1].ID != "a" {
		t.Errorf("expected a to be last, got %v", ids(all))
	}

	if !q.MoveToFirst("a") {
		t.Fatal("MoveToFirst(a) failed")
	}
	all = q.GetAll()
	if all[0].ID != "a" {
		t.Errorf("expected a to be first, got %v", ids(all))
	}
}

func ids(tasks []*storage.DownloadTask) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}
