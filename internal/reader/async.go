package reader

import (
	"context"
	"errors"
	"fmt"
	"io"

	"dedupvault/internal/cache"
	"dedupvault/internal/index"
)

// ErrConcurrentPoll is returned when a second poll-style read is attempted
// while one is already in flight on the same AsyncReader (§4.4: "forbids
// concurrent poll_read calls on the same instance"). Many AsyncReader
// instances may still share the same underlying Cache.
var ErrConcurrentPoll = errors.New("reader: concurrent poll_read on the same instance")

// AsyncFetcher loads chunk plaintext for a digest. It composes datastore
// get_chunk + chunk codec Decode. AsyncReader runs it on a goroutine with
// a context that keeps the caller's values but not its cancellation, so
// the caller's context can cancel the wait without cancelling the
// underlying fetch for other waiters (the cache's de-duplication shares
// that one fetch; see internal/cache).
type AsyncFetcher func(ctx context.Context, digest [32]byte) ([]byte, error)

// AsyncReader is the seekable variant of BufferedReader for use under a
// cooperative scheduler: it builds a read future on demand via PollRead and
// clears it on completion. Many AsyncReader instances may share one Cache
// (and so coalesce fetches of the same chunk through cache.Access), but a
// single instance must not be driven by more than one goroutine at a time.
type AsyncReader struct {
	idx   Index
	cache *cache.Cache
	fetch AsyncFetcher

	pos int64

	haveChunk  bool
	chunkIdx   int
	chunkRange index.ByteRange
	chunkDig   [32]byte
	chunkData  []byte

	inFlight bool
}

func NewAsync(idx Index, c *cache.Cache, fetch AsyncFetcher) *AsyncReader {
	return &AsyncReader{idx: idx, cache: c, fetch: fetch}
}

func (r *AsyncReader) Size() int64 { return r.idx.IndexBytes() }

func (r *AsyncReader) Seek(offset int64, whence int) (int64, error) {
	if r.inFlight {
		return 0, ErrConcurrentPoll
	}
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = r.pos + offset
	case io.SeekEnd:
		abs = r.idx.IndexBytes() + offset
	default:
		return 0, errors.New("reader: invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("reader: negative position")
	}
	r.pos = abs
	return abs, nil
}

// PollRead reads into p starting at the current cursor, advancing it by
// the number of bytes read. It is equivalent to a single poll of an async
// read future: it may need to perform one chunk fetch (via ctx) before any
// bytes are available, but never spans more than the chunks needed to fill
// p or reach EOF within one call.
func (r *AsyncReader) PollRead(ctx context.Context, p []byte) (int, error) {
	if r.inFlight {
		return 0, ErrConcurrentPoll
	}
	r.inFlight = true
	defer func() { r.inFlight = false }()

	total := 0
	for total < len(p) {
		if r.pos >= r.idx.IndexBytes() {
			if total > 0 {
				return total, nil
			}
			return 0, io.EOF
		}
		if err := r.loadChunkFor(ctx, r.pos); err != nil {
			return total, err
		}
		within := r.pos - r.chunkRange.Start
		avail := r.chunkData[within:]
		n := copy(p[total:], avail)
		total += n
		r.pos += int64(n)
	}
	return total, nil
}

func (r *AsyncReader) loadChunkFor(ctx context.Context, offset int64) error {
	if r.haveChunk && offset == r.chunkRange.End {
		next := r.chunkIdx + 1
		info, err := r.idx.ChunkInfo(next)
		if err == nil && info.Range.Start == offset {
			return r.adopt(ctx, next, info)
		}
	}
	if r.haveChunk && offset >= r.chunkRange.Start && offset < r.chunkRange.End {
		return nil
	}

	idx, _, ok := r.idx.ChunkFromOffset(offset)
	if !ok {
		return io.EOF
	}
	info, err := r.idx.ChunkInfo(idx)
	if err != nil {
		return err
	}
	if r.haveChunk && r.chunkDig == info.Digest {
		r.chunkIdx = idx
		r.chunkRange = info.Range
		return nil
	}
	return r.adopt(ctx, idx, info)
}

func (r *AsyncReader) adopt(ctx context.Context, idx int, info index.ChunkInfo) error {
	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := r.cache.Access(info.Digest, func(d [32]byte) ([]byte, error) {
			return r.fetch(context.WithoutCancel(ctx), d)
		})
		done <- result{data, err}
	}()
	var res result
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res = <-done:
	}
	if res.err != nil {
		return fmt.Errorf("reader: fetch chunk: %w", res.err)
	}
	r.haveChunk = true
	r.chunkIdx = idx
	r.chunkRange = info.Range
	r.chunkDig = info.Digest
	r.chunkData = res.data
	return nil
}
