package ingest

import (
	"context"
	"sync"
)

// keyedMutex serialises work per stream id. Locking honours ctx.
type keyedMutex struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{slots: make(map[string]chan struct{})}
}

func (k *keyedMutex) slot(key string) chan struct{} {
	k.mu.Lock()
	defer k.mu.Unlock()
	ch, ok := k.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		k.slots[key] = ch
	}
	return ch
}

// Lock blocks until key is free or ctx is done. The returned func unlocks.
func (k *keyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	ch := k.slot(key)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
