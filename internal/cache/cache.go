// Package cache implements the chunk cache (spec §4.3): an LRU of decoded
// chunk plaintext keyed by digest, with an async de-duplicating fetch path
// so concurrent readers requesting the same digest share one in-flight
// fetch instead of hitting the datastore N times.
//
// The de-duplication half follows the single-flight-by-key pattern,
// generalized here to also propagate the fetched value (not just an error)
// to every waiter.
package cache

import (
	"container/list"
	"sync"
)

// Digest is the content-addressing key; callers pass their own 256-bit
// digest type satisfying comparable (the chunk package's [32]byte works
// directly).
type Digest = [32]byte

// ErrFetchFailed wraps a fetcher error as surfaced to every current waiter.
// The failure is not cached: the next Access retries the fetcher.
type ErrFetchFailed struct{ Err error }

func (e *ErrFetchFailed) Error() string { return "cache: fetch failed: " + e.Err.Error() }
func (e *ErrFetchFailed) Unwrap() error { return e.Err }

// Fetcher loads the plaintext for a digest on a cache miss.
type Fetcher func(d Digest) ([]byte, error)

type entry struct {
	digest Digest
	value  []byte
}

// pending tracks one in-flight fetch. Every waiter for the same digest
// attaches to the same pending.done channel; the fetch runs exactly once.
type pending struct {
	done  chan struct{}
	value []byte
	err   error
}

// Cache is a strict-LRU, digest-keyed cache of decoded chunk plaintext with
// de-duplicated concurrent fetch. Capacity is a count of chunks, fixed at
// construction. Safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List // of *entry, front = most recently used
	index    map[Digest]*list.Element
	inflight map[Digest]*pending
}

// New creates a cache with the given chunk capacity.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 1
	}
	return &Cache{
		capacity: capacity,
		ll:       list.New(),
		index:    make(map[Digest]*list.Element),
		inflight: make(map[Digest]*pending),
	}
}

// Access returns the plaintext for digest, fetching it via fetcher on a
// miss. Concurrent Access calls for the same digest share one fetcher
// invocation (§4.3 P5): the fetcher runs exactly once per pending window,
// and the outcome (value or error) is broadcast to every waiter. Fetch
// failures are not cached — the next Access retries.
func (c *Cache) Access(d Digest, fetcher Fetcher) ([]byte, error) {
	c.mu.Lock()
	if el, ok := c.index[d]; ok {
		c.ll.MoveToFront(el)
		v := el.Value.(*entry).value
		c.mu.Unlock()
		return v, nil
	}

	if p, ok := c.inflight[d]; ok {
		c.mu.Unlock()
		<-p.done
		if p.err != nil {
			return nil, &ErrFetchFailed{Err: p.err}
		}
		return p.value, nil
	}

	p := &pending{done: make(chan struct{})}
	c.inflight[d] = p
	c.mu.Unlock()

	// Run the fetch outside the lock so other digests are never blocked by
	// one slow fetch. Cancellation of this particular caller (e.g. its
	// context is done) must not cancel the fetch for other waiters — we
	// don't accept a context here, so that invariant holds trivially: the
	// fetch always runs to completion once started.
	value, err := fetcher(d)

	c.mu.Lock()
	delete(c.inflight, d) // no negative caching, regardless of outcome
	if err == nil {
		c.insertLocked(d, value)
	}
	c.mu.Unlock()

	p.value = value
	p.err = err
	close(p.done)

	if err != nil {
		return nil, &ErrFetchFailed{Err: err}
	}
	return value, nil
}

// insertLocked adds or refreshes d's entry as most-recently-used, evicting
// the LRU tail if over capacity. Caller holds c.mu.
func (c *Cache) insertLocked(d Digest, value []byte) {
	if el, ok := c.index[d]; ok {
		el.Value.(*entry).value = value
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&entry{digest: d, value: value})
	c.index[d] = el
	for c.ll.Len() > c.capacity {
		tail := c.ll.Back()
		if tail == nil {
			break
		}
		c.ll.Remove(tail)
		delete(c.index, tail.Value.(*entry).digest)
	}
}

// Peek returns a cached value without affecting recency, for tests/metrics.
func (c *Cache) Peek(d Digest) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index[d]
	if !ok {
		return nil, false
	}
	return el.Value.(*entry).value, true
}

// Len reports the number of currently cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
