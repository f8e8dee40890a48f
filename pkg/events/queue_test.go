package events

import (
	"testing"
	"time"

	"github.com/prusa3d/connect-printer-sdk/pkg/model"
)

func TestQueueFIFOOrder(t *testing.T) {
	q := New(10)
	q.Push(model.Event{Kind: model.EventInfo, Reason: "a"})
	q.Push(model.Event{Kind: model.EventInfo, Reason: "b"})

	first, ok := q.Pop(time.Second)
	if !ok || first.Reason != "a" {
		t.Fatalf("expected a first, got %+v ok=%v", first, ok)
	}
	second, ok := q.Pop(time.Second)
	if !ok || second.Reason != "b" {
		t.Fatalf("expected b second, got %+v ok=%v", second, ok)
	}
}

func TestQueuePriorityInsertedAheadOfFIFO(t *testing.T) {
	q := New(10)
	q.Push(model.Event{Kind: model.EventInfo, Reason: "normal"})
	q.Push(model.Event{Kind: model.EventFailed, Reason: "urgent", Priority: true})

	first, _ := q.Pop(time.Second)
	if first.Reason != "urgent" {
		t.Fatalf("expected priority event first, got %+v", first)
	}
}

func TestQueueDropsOldestNonPriorityOnOverflow(t *testing.T) {
	q := New(2)
	q.Push(model.Event{Kind: model.EventInfo, Reason: "oldest"})
	q.Push(model.Event{Kind: model.EventInfo, Reason: "newer"})
	q.Push(model.Event{Kind: model.EventInfo, Reason: "newest"})

	if q.Len() != 2 {
		t.Fatalf("expected queue capped at capacity, got len=%d", q.Len())
	}
	first, _ := q.Pop(time.Second)
	if first.Reason != "newer" {
		t.Fatalf("expected oldest dropped, got %+v", first)
	}
}

func TestQueuePopTimesOutWhenEmpty(t *testing.T) {
	q := New(10)
	_, ok := q.Pop(10 * time.Millisecond)
	if ok {
		t.Fatal("expected Pop to time out on empty queue")
	}
}

func TestQueueCloseUnblocksPop(t *testing.T) {
	q := New(10)
	done := make(chan bool)
	go func() {
		_, ok := q.Pop(time.Second)
		done <- ok
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("expected Pop to report not-ok after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not unblock after Close")
	}
}
