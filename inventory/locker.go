package inventory

import (
	"context"
	"sync"
	"time"
)

// =============================================================================
// LOCKER - Per-item serialization of mutations
// =============================================================================

// Locker serializes mutations that touch the same key (an item ID).
// Lock must respect ctx: when ctx ends before the lock is acquired it
// returns an error instead of waiting forever.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// acquire locks an item, waiting at most timeout (0 waits for ctx only).
func acquire(ctx context.Context, l Locker, timeout time.Duration, id ItemID) (func(), error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return l.Lock(ctx, string(id))
}

// KeyedMutex is an in-process Locker. Distinct keys never contend.
// Entries are reference counted and dropped once nobody holds or waits.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-e.ch
				k.release(key, e)
			})
		}, nil
	case <-ctx.Done():
		k.release(key, e)
		return nil, &UnavailableError{Op: "lock item " + key, Err: ctx.Err()}
	}
}

func (k *KeyedMutex) release(key string, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}

// held reports how many keys currently have holders or waiters.
func (k *KeyedMutex) held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
