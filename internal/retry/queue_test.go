package retry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFO(t *testing.T) {
	t.Parallel()

	q := NewQueue(4)
	q.Enqueue(Item{BookID: 1})
	q.Enqueue(Item{BookID: 2})
	q.Enqueue(Item{BookID: 3})

	for _, want := range []int64{1, 2, 3} {
		item, err := q.Dequeue()
		require.NoError(t, err)
		assert.Equal(t, want, item.BookID)
	}
	assert.True(t, q.IsEmpty())
}

func TestQueueEmptyDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	_, err := q.Dequeue()
	assert.ErrorIs(t, err, ErrEmptyQueue)
}

func TestQueueOverflowEvictsOldest(t *testing.T) {
	t.Parallel()

	q := NewQueue(3)
	for id := int64(1); id <= 5; id++ {
		q.Enqueue(Item{BookID: id})
	}
	assert.Equal(t, 3, q.Len())

	for _, want := range []int64{3, 4, 5} {
		item, err := q.Dequeue()
		require.NoError(t, err)
		assert.Equal(t, want, item.BookID)
	}
}

func TestQueueNeverExceedsCapacity(t *testing.T) {
	t.Parallel()

	q := NewQueue(8)
	for id := int64(0); id < 100; id++ {
		q.Enqueue(Item{BookID: id})
		assert.LessOrEqual(t, q.Len(), q.Cap())
	}
}

func TestQueueWrapAround(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	q.Enqueue(Item{BookID: 1})
	q.Enqueue(Item{BookID: 2})
	item, err := q.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, int64(1), item.BookID)

	q.Enqueue(Item{BookID: 3})
	q.Enqueue(Item{BookID: 4}) // evicts 2

	item, err = q.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, int64(3), item.BookID)
	item, err = q.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, int64(4), item.BookID)
}

func TestQueueConcurrentAccess(t *testing.T) {
	t.Parallel()

	q := NewQueue(64)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(base int64) {
			defer wg.Done()
			for i := int64(0); i < 50; i++ {
				q.Enqueue(Item{BookID: base*100 + i})
				_, _ = q.Dequeue()
			}
		}(int64(g))
	}
	wg.Wait()
	assert.LessOrEqual(t, q.Len(), q.Cap())
}
