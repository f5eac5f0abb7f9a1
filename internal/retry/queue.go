// Package retry implements the bounded retry queue and its backoff policy.
package retry

import (
	"errors"
	"sync"
)

// ErrEmptyQueue is returned by Dequeue when no item is waiting.
var ErrEmptyQueue = errors.New("retry queue is empty")

// Item is one failed book resolution awaiting a redo. Attempt counts the
// failed redos so far; a freshly enqueued failure starts at zero.
type Item struct {
	BookID  int64
	Attempt int
}

// Queue is a bounded FIFO of retry items. Enqueueing into a full queue
// evicts the oldest entry, trading completeness for boundedness. All
// operations are safe for concurrent use.
type Queue struct {
	mu    sync.Mutex
	items []Item
	head  int
	count int
}

// NewQueue constructs a queue holding at most capacity items.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{items: make([]Item, capacity)}
}

// Enqueue appends an item, evicting the oldest entry first when full.
func (q *Queue) Enqueue(item Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == len(q.items) {
		q.head = (q.head + 1) % len(q.items)
		q.count--
	}
	q.items[(q.head+q.count)%len(q.items)] = item
	q.count++
}

// Dequeue removes and returns the oldest item, or ErrEmptyQueue.
func (q *Queue) Dequeue() (Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return Item{}, ErrEmptyQueue
	}
	item := q.items[q.head]
	q.head = (q.head + 1) % len(q.items)
	q.count--
	return item, nil
}

// Len reports the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap reports the configured capacity.
func (q *Queue) Cap() int {
	return len(q.items)
}

// IsEmpty reports whether the queue holds no items.
func (q *Queue) IsEmpty() bool {
	return q.Len() == 0
}
