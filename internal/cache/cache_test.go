package cache

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func dig(b byte) Digest {
	var d Digest
	d[0] = b
	return d
}

func TestAccessHitAndMiss(t *testing.T) {
	c := New(10)
	var calls atomic.Int32
	fetcher := func(d Digest) ([]byte, error) {
		calls.Add(1)
		return []byte{d[0]}, nil
	}

	v, err := c.Access(dig(1), fetcher)
	if err != nil || len(v) != 1 || v[0] != 1 {
		t.Fatalf("got (%v,%v)", v, err)
	}
	if _, err := c.Access(dig(1), fetcher); err != nil {
		t.Fatal(err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("fetcher called %d times, want 1 (second access should be a cache hit)", got)
	}
}

// P5: N concurrent waiters for the same digest share exactly one fetch.
func TestConcurrentAccessDedupes(t *testing.T) {
	c := New(10)
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})

	fetcher := func(d Digest) ([]byte, error) {
		calls.Add(1)
		close(started)
		<-release
		return []byte{42}, nil
	}

	const n = 20
	var wg sync.WaitGroup
	results := make([][]byte, n)
	errs := make([]error, n)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = c.Access(dig(9), fetcher)
	}()
	<-started

	for i := 1; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Access(dig(9), fetcher)
		}(i)
	}

	time.Sleep(20 * time.Millisecond) // let waiters pile onto the pending fetch
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("fetcher called %d times, want exactly 1", got)
	}
	for i, err := range errs {
		if err != nil {
			t.Fatalf("waiter %d: %v", i, err)
		}
		if len(results[i]) != 1 || results[i][0] != 42 {
			t.Fatalf("waiter %d: got %v", i, results[i])
		}
	}
}

func TestFetchFailureNotCached(t *testing.T) {
	c := New(10)
	var calls atomic.Int32
	failing := true
	fetcher := func(d Digest) ([]byte, error) {
		calls.Add(1)
		if failing {
			return nil, errors.New("boom")
		}
		return []byte{7}, nil
	}

	if _, err := c.Access(dig(3), fetcher); err == nil {
		t.Fatal("expected error")
	}
	var ff *ErrFetchFailed
	if _, err := c.Access(dig(3), fetcher); err == nil || !errors.As(err, &ff) {
		t.Fatal("expected second failure, got nil")
	}

	failing = false
	v, err := c.Access(dig(3), fetcher)
	if err != nil {
		t.Fatalf("retry should succeed: %v", err)
	}
	if len(v) != 1 || v[0] != 7 {
		t.Fatalf("got %v", v)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("fetcher called %d times, want 3 (no negative caching)", got)
	}
}

func TestLRUEviction(t *testing.T) {
	c := New(2)
	fetcher := func(d Digest) ([]byte, error) { return []byte{d[0]}, nil }

	mustAccess := func(b byte) {
		if _, err := c.Access(dig(b), fetcher); err != nil {
			t.Fatal(err)
		}
	}

	mustAccess(1)
	mustAccess(2)
	mustAccess(1) // refresh 1's recency
	mustAccess(3) // evicts 2, the LRU entry

	if _, ok := c.Peek(dig(2)); ok {
		t.Fatal("digest 2 should have been evicted")
	}
	if _, ok := c.Peek(dig(1)); !ok {
		t.Fatal("digest 1 should still be cached")
	}
	if _, ok := c.Peek(dig(3)); !ok {
		t.Fatal("digest 3 should be cached")
	}
	if c.Len() != 2 {
		t.Fatalf("len = %d, want 2", c.Len())
	}
}
