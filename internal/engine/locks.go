package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// errLockTimeout is returned when a key cannot be acquired in time.
var errLockTimeout = errors.New("engine: lock acquisition timed out")

// keyedLocks is a set of mutexes created on demand per key and dropped when
// no goroutine holds or waits for them. Acquisition is bounded.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sem  *semaphore.Weighted
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*keyedLock)}
}

func (k *keyedLocks) ref(key string) *keyedLock {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{sem: semaphore.NewWeighted(1)}
		k.locks[key] = l
	}
	l.refs++
	return l
}

func (k *keyedLocks) unref(key string, l *keyedLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

// lock acquires key, waiting at most timeout. The returned func releases it
// and must be called exactly once.
func (k *keyedLocks) lock(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	l := k.ref(key)

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := l.sem.Acquire(actx, 1); err != nil {
		k.unref(key, l)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errLockTimeout
	}
	return func() {
		l.sem.Release(1)
		k.unref(key, l)
	}, nil
}

// lockAll acquires keys in the given order. On failure every key already
// taken is released.
func (k *keyedLocks) lockAll(ctx context.Context, timeout time.Duration, keys ...string) (func(), error) {
	var unlocks []func()
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		unlock, err := k.lock(ctx, key, timeout)
		if err != nil {
			release()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	return release, nil
}

// size returns the number of live keys.
func (k *keyedLocks) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

func orderKey(id string) string   { return "order:" + id }
func partnerKey(id string) string { return "partner:" + id }
