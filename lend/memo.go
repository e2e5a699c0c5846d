package lend

import (
	"context"
	"sync"
)

// memo caches the result of a remote read that the contracts guarantee to
// be immutable, so each constant is fetched at most once per handle.
type memo[T any] struct {
	mu    sync.Mutex
	done  bool
	value T
}

func (m *memo[T]) get(ctx context.Context, fetch func(context.Context) (T, error)) (T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done {
		return m.value, nil
	}
	value, err := fetch(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	m.value = value
	m.done = true
	return value, nil
}
