package ordering

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"board-stream/domain"
)

// Locker serializes work on a set of container keys. The returned unlock
// func releases every key acquired by the call.
type Locker interface {
	Lock(ctx context.Context, keys ...string) (func(), error)
}

const defaultLockWait = 2 * time.Second

type keyedSlot struct {
	ch   chan struct{}
	refs int
}

// KeyedLocker is an in-process Locker with one channel semaphore per key.
// Keys are acquired in sorted order so overlapping multi-key locks cannot
// deadlock, and each acquisition waits at most the configured duration
// before failing with domain.ErrConflict.
type KeyedLocker struct {
	mu    sync.Mutex
	slots map[string]*keyedSlot
	wait  time.Duration
}

func NewKeyedLocker(wait time.Duration) *KeyedLocker {
	if wait <= 0 {
		wait = defaultLockWait
	}
	return &KeyedLocker{slots: make(map[string]*keyedSlot), wait: wait}
}

func (l *KeyedLocker) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = normalizeKeys(keys)
	timer := time.NewTimer(l.wait)
	defer timer.Stop()

	held := make([]string, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			l.release(held[i])
		}
	}
	for _, key := range keys {
		slot := l.acquireSlot(key)
		select {
		case slot.ch <- struct{}{}:
			held = append(held, key)
		case <-timer.C:
			l.dropSlot(key)
			release()
			return nil, fmt.Errorf("lock %s: %w", key, domain.ErrConflict)
		case <-ctx.Done():
			l.dropSlot(key)
			release()
			return nil, ctx.Err()
		}
	}
	var once sync.Once
	return func() { once.Do(release) }, nil
}

// Held reports the number of keys with a holder or waiter.
func (l *KeyedLocker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

func (l *KeyedLocker) acquireSlot(key string) *keyedSlot {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot, ok := l.slots[key]
	if !ok {
		slot = &keyedSlot{ch: make(chan struct{}, 1)}
		l.slots[key] = slot
	}
	slot.refs++
	return slot
}

func (l *KeyedLocker) release(key string) {
	l.mu.Lock()
	slot := l.slots[key]
	l.mu.Unlock()
	if slot == nil {
		return
	}
	<-slot.ch
	l.dropSlot(key)
}

func (l *KeyedLocker) dropSlot(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot, ok := l.slots[key]
	if !ok {
		return
	}
	slot.refs--
	if slot.refs <= 0 {
		delete(l.slots, key)
	}
}

// Chain acquires each locker in order and releases them in reverse. It is
// used to layer a distributed lock under the in-process one.
func Chain(lockers ...Locker) Locker {
	return chain(lockers)
}

type chain []Locker

func (c chain) Lock(ctx context.Context, keys ...string) (func(), error) {
	unlocks := make([]func(), 0, len(c))
	releaseAll := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, l := range c {
		if l == nil {
			continue
		}
		unlock, err := l.Lock(ctx, keys...)
		if err != nil {
			releaseAll()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	var once sync.Once
	return func() { once.Do(releaseAll) }, nil
}

func normalizeKeys(keys []string) []string {
	out := slices.Clone(keys)
	slices.Sort(out)
	return slices.Compact(out)
}
