package bridge

import "sync"

// keyedQueue is an insertion-ordered map. Putting an existing key replaces the
// value in place, so only the latest message per key is delivered while its
// position in the batch is kept.
type keyedQueue[T any] struct {
	mu     sync.Mutex
	keys   []string
	values map[string]T
}

func newKeyedQueue[T any]() *keyedQueue[T] {
	return &keyedQueue[T]{values: make(map[string]T)}
}

// Put returns true when an undelivered value was replaced.
func (q *keyedQueue[T]) Put(key string, value T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, replaced := q.values[key]
	if !replaced {
		q.keys = append(q.keys, key)
	}
	q.values[key] = value
	return replaced
}

// Drain empties the queue and returns its values in insertion order.
func (q *keyedQueue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.keys) == 0 {
		return nil
	}
	out := make([]T, 0, len(q.keys))
	for _, k := range q.keys {
		out = append(out, q.values[k])
	}
	q.keys = nil
	q.values = make(map[string]T)
	return out
}

func (q *keyedQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.keys)
}
