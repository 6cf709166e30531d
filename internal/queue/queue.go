// Package queue implements the FIFO queue container the semaphore's wait
// list is built on: create/destroy/enqueue/dequeue/length/iterate/delete
// over opaque values. Grounded on biscuit/src/hashtable/hashtable.go's
// lock-guarded container shape, adapted from a hash table to a plain FIFO
// list since the semaphore's waiter order must be strict first-in,
// first-out, and parameterized with Go generics rather than
// hashtable.go's interface{} values. This module's go.mod already
// targets go1.24, so generics are the idiomatic choice for a new container.
package queue

import "sync"

// Queue_t is a generic FIFO queue of values of type T, safe for concurrent
// use. Most callers in this module already hold the engine gate, but the
// queue defends itself independently, matching hashtable.go's bucket_t,
// which locks even though biscuit also gates most of its callers.
type Queue_t[T any] struct {
	mu    sync.Mutex
	items []T
}

// New allocates an empty queue.
func New[T any]() *Queue_t[T] {
	return &Queue_t[T]{}
}

// Destroy reports whether the queue may be released: it must be empty
// (destroy must fail on a non-empty queue).
func (q *Queue_t[T]) Destroy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0
}

// Enqueue appends v to the tail.
func (q *Queue_t[T]) Enqueue(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
}

// Dequeue removes and returns the head, or the zero value and false if
// the queue is empty.
func (q *Queue_t[T]) Dequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items = q.items[1:]
	return v, true
}

// Length returns the current number of queued values.
func (q *Queue_t[T]) Length() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Iterate returns the first value matching pred, in FIFO order, without
// removing it.
func (q *Queue_t[T]) Iterate(pred func(T) bool) (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, v := range q.items {
		if pred(v) {
			return v, true
		}
	}
	var zero T
	return zero, false
}

// Delete removes the first value matching pred and reports whether one
// was found.
func (q *Queue_t[T]) Delete(pred func(T) bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, v := range q.items {
		if pred(v) {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}
