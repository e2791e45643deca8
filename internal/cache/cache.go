// Package cache provides the capacity-bounded, single-flight caches that
// sit in front of expensive per-dump resources: open store handles, parsed
// documents, and result chunks.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
)

// Release unpins a cache entry obtained from GetOrCreate. It must be
// called exactly once, after the caller is done using the value.
type Release func()

// Cache is a fixed-capacity LRU cache with single-flight population and
// reference-counted pinning. A concurrent miss for the same key runs the
// factory once; all other callers wait for its result. An entry that is
// pinned by an in-flight query is never disposed out from under it.
//
// The cache is shared across all concurrent requests and has process
// lifetime.
type Cache[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	dispose  func(V)
	entries  map[K]*entry[K, V]
	lru      *list.List
	closed   bool
}

type entry[K comparable, V any] struct {
	key     K
	value   V
	err     error
	ready   chan struct{}
	done    bool
	pins    int
	elem    *list.Element
	dropped bool
}

// New creates a cache holding at most capacity entries. dispose, if
// non-nil, is invoked exactly once for each evicted value, after its last
// pin is released.
func New[K comparable, V any](capacity int, dispose func(V)) *Cache[K, V] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Cache[K, V]{
		capacity: capacity,
		dispose:  dispose,
		entries:  make(map[K]*entry[K, V]),
		lru:      list.New(),
	}
}

// GetOrCreate returns the cached value for key, running factory to
// populate it on a miss. The returned Release must be called once the
// value is no longer in use; until then the entry is pinned and cannot be
// evicted.
//
// Population is deliberately not tied to ctx: a caller that gives up
// waiting abandons the entry, but the factory runs to completion and its
// result stays cached for later callers. A factory error is never cached;
// the next caller retries.
func (c *Cache[K, V]) GetOrCreate(ctx context.Context, key K, factory func() (V, error)) (V, Release, error) {
	var zero V

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return zero, nil, fmt.Errorf("cache is closed")
	}

	e, ok := c.entries[key]
	if ok {
		e.pins++
		c.lru.MoveToFront(e.elem)
		c.mu.Unlock()
	} else {
		e = &entry[K, V]{key: key, ready: make(chan struct{}), pins: 1}
		c.entries[key] = e
		e.elem = c.lru.PushFront(e)
		c.mu.Unlock()

		go func() {
			value, err := factory()

			c.mu.Lock()
			e.value = value
			e.err = err
			e.done = true
			if err != nil {
				// Failed populations are not cached; later callers retry.
				c.dropLocked(e)
			}
			close(e.ready)
			c.evictLocked()
			c.mu.Unlock()
		}()
	}

	select {
	case <-e.ready:
	case <-ctx.Done():
		c.unpin(e)
		return zero, nil, ctx.Err()
	}

	if e.err != nil {
		c.unpin(e)
		return zero, nil, e.err
	}

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		c.unpin(e)
	}
	return e.value, release, nil
}

// Has reports whether key holds a successfully populated entry.
func (c *Cache[K, V]) Has(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	return ok && e.done && e.err == nil
}

// Remove evicts the entry for key, if present. The disposer runs once the
// entry's last pin is released. Used to invalidate a handle left in a
// broken state by a storage failure.
func (c *Cache[K, V]) Remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || !e.done {
		return
	}
	c.dropLocked(e)
	c.disposeIfIdleLocked(e)
}

// Len returns the number of live entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close drops every entry. Unpinned values are disposed immediately;
// pinned values are disposed when their last pin is released. Further
// GetOrCreate calls fail.
func (c *Cache[K, V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	for _, e := range c.entries {
		if !e.done {
			continue
		}
		c.dropLocked(e)
		c.disposeIfIdleLocked(e)
	}
}

func (c *Cache[K, V]) unpin(e *entry[K, V]) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e.pins--
	c.disposeIfIdleLocked(e)
	c.evictLocked()
}

// dropLocked removes the entry from the table without disposing it.
func (c *Cache[K, V]) dropLocked(e *entry[K, V]) {
	if e.dropped {
		return
	}
	e.dropped = true
	delete(c.entries, e.key)
	if e.elem != nil {
		c.lru.Remove(e.elem)
		e.elem = nil
	}
}

func (c *Cache[K, V]) disposeIfIdleLocked(e *entry[K, V]) {
	if e.dropped && e.pins == 0 && e.done && e.err == nil {
		e.done = false // dispose at most once
		if c.dispose != nil {
			c.dispose(e.value)
		}
	}
}

// evictLocked drops least-recently-used entries until the cache is within
// capacity. Entries that are pinned or still populating are skipped; the
// cache may transiently exceed capacity while everything is in use.
func (c *Cache[K, V]) evictLocked() {
	for len(c.entries) > c.capacity {
		evicted := false
		for elem := c.lru.Back(); elem != nil; elem = elem.Prev() {
			e := elem.Value.(*entry[K, V])
			if e.pins > 0 || !e.done {
				continue
			}
			c.dropLocked(e)
			c.disposeIfIdleLocked(e)
			evicted = true
			break
		}
		if !evicted {
			return
		}
	}
}
