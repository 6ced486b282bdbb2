package queue

import (
	"testing"
	"time"
)

func TestFIFOWithoutConsumer(t *testing.T) {
	t.Parallel()
	q := New[int]()
	defer q.Stop()
	const n = 1000
	for i := 0; i < n; i++ {
		if !q.Push(i) {
			t.Fatalf("push %d unexpectedly rejected", i)
		}
	}
	for i := 0; i < n; i++ {
		select {
		case v := <-q.Out():
			if v != i {
				t.Fatalf("out of order delivery; want %d; got %d", i, v)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for value %d", i)
		}
	}
}

func TestCloseDrains(t *testing.T) {
	t.Parallel()
	q := New[string]()
	q.Push("a")
	q.Push("b")
	q.Close()
	if q.Push("c") {
		t.Error("push after close unexpectedly accepted")
	}
	got := []string{}
	for v := range q.Out() {
		got = append(got, v)
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("unexpected drained values: %v", got)
	}
}

func TestStopAbandons(t *testing.T) {
	t.Parallel()
	q := New[int]()
	q.Push(1)
	q.Stop()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-q.Out():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("out channel not closed after Stop")
		}
	}
}
