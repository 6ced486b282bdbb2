// Package queue provides the unbounded FIFO used to hand values between the
// transport goroutines and the coordinator loop.
package queue

import "sync"

// Unbounded is a FIFO queue whose Push never waits for a consumer. Values are
// delivered on the channel returned by Out in the order they were pushed.
type Unbounded[T any] struct {
	in        chan T
	out       chan T
	closed    chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	stopOnce  sync.Once
}

// New constructs an Unbounded queue and starts its pump goroutine.
func New[T any]() *Unbounded[T] {
	q := &Unbounded[T]{
		in:      make(chan T),
		out:     make(chan T),
		closed:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go q.pump()
	return q
}

// Push enqueues v. It returns false (and drops v) once the queue is closed.
func (q *Unbounded[T]) Push(v T) bool {
	select {
	case <-q.closed:
		return false
	default:
	}
	select {
	case q.in <- v:
		return true
	case <-q.closed:
		return false
	}
}

// Out returns the delivery channel. It is closed after Close once every
// buffered value has been delivered, or right after Stop.
func (q *Unbounded[T]) Out() <-chan T {
	return q.out
}

// Close stops accepting new values; values already queued are still
// delivered.
func (q *Unbounded[T]) Close() {
	q.closeOnce.Do(func() { close(q.closed) })
}

// Stop closes the queue and abandons any value not yet delivered.
func (q *Unbounded[T]) Stop() {
	q.Close()
	q.stopOnce.Do(func() { close(q.stopped) })
}

func (q *Unbounded[T]) pump() {
	defer close(q.out)
	var buf []T
	var zero T
	for {
		var out chan T
		var next T
		if len(buf) > 0 {
			out = q.out
			next = buf[0]
		}
		select {
		case v := <-q.in:
			buf = append(buf, v)
		case out <- next:
			buf[0] = zero
			buf = buf[1:]
		case <-q.stopped:
			return
		case <-q.closed:
			for _, v := range buf {
				select {
				case q.out <- v:
				case <-q.stopped:
					return
				}
			}
			return
		}
	}
}
