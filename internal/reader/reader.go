// Package reader implements the buffered index reader (spec §4.4): it
// turns (index, chunk-cache, chunk-fetcher) into a seekable byte stream.
// It keeps one decoded chunk in a private buffer plus the current chunk
// index, so sequential reads never re-touch the cache and a seek back into
// the currently-buffered chunk is free.
package reader

import (
	"errors"
	"io"

	"dedupvault/internal/cache"
	"dedupvault/internal/index"
)

// Index is the subset of index.FixedReader / index.DynamicReader the
// buffered reader needs. Both satisfy it structurally.
type Index interface {
	IndexBytes() int64
	ChunkFromOffset(offset int64) (idx int, within int64, ok bool)
	ChunkInfo(i int) (index.ChunkInfo, error)
}

var ErrClosed = errors.New("reader: use of closed reader")

// BufferedReader is a seekable byte stream over an index backed by a chunk
// cache. Not safe for concurrent use by multiple goroutines (the async
// variant in async.go documents the same single-owner rule for poll_read).
type BufferedReader struct {
	idx   Index
	cache *cache.Cache
	fetch cache.Fetcher

	pos int64

	haveChunk  bool
	chunkIdx   int
	chunkRange index.ByteRange
	chunkDig   [32]byte
	chunkData  []byte
}

// New constructs a buffered reader. fetch is called by the cache on a miss
// and must return the decoded plaintext for a digest (i.e. datastore
// get_chunk + chunk codec Decode already composed).
func New(idx Index, c *cache.Cache, fetch cache.Fetcher) *BufferedReader {
	return &BufferedReader{idx: idx, cache: c, fetch: fetch}
}

// Size returns the logical size of the underlying index.
func (r *BufferedReader) Size() int64 { return r.idx.IndexBytes() }

// Seek implements io.Seeker over the logical byte stream.
func (r *BufferedReader) Seek(offset int64, whence int) (int64, error) {
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

// Read implements io.Reader, reading from and advancing the internal
// cursor set by Seek (defaulting to 0).
func (r *BufferedReader) Read(p []byte) (int, error) {
	n, err := r.ReadAt(p, r.pos)
	r.pos += int64(n)
	return n, err
}

// ReadAt reads into p starting at the logical offset, spanning as many
// chunks as needed, without touching the internal Seek cursor. Returns
// io.EOF once offset has reached the end of the index.
func (r *BufferedReader) ReadAt(p []byte, offset int64) (int, error) {
	total := 0
	for total < len(p) {
		if offset >= r.idx.IndexBytes() {
			if total > 0 {
				return total, nil
			}
			return 0, io.EOF
		}
		if err := r.loadChunkFor(offset); err != nil {
			return total, err
		}
		within := offset - r.chunkRange.Start
		avail := r.chunkData[within:]
		n := copy(p[total:], avail)
		total += n
		offset += int64(n)
	}
	return total, nil
}

// loadChunkFor ensures r.chunkData holds the chunk containing offset,
// using the §4.4 fast paths before falling back to the cache.
func (r *BufferedReader) loadChunkFor(offset int64) error {
	// Sequential fast path: next read begins exactly at current chunk end.
	if r.haveChunk && offset == r.chunkRange.End {
		next := r.chunkIdx + 1
		info, err := r.idx.ChunkInfo(next)
		if err == nil && info.Range.Start == offset {
			return r.adopt(next, info)
		}
	}
	// Already positioned inside the buffered chunk (e.g. a seek backward
	// within it, or a retained hot chunk across seeks).
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

	// Reuse without refetching if the located chunk is, by digest, the one
	// already buffered (handles a retained hot chunk across seeks that
	// land on a different entry sharing the same deduplicated content).
	if r.haveChunk && r.chunkDig == info.Digest {
		r.chunkIdx = idx
		r.chunkRange = info.Range
		return nil
	}
	return r.adopt(idx, info)
}

func (r *BufferedReader) adopt(idx int, info index.ChunkInfo) error {
	data, err := r.cache.Access(info.Digest, r.fetch)
	if err != nil {
		return err
	}
	r.haveChunk = true
	r.chunkIdx = idx
	r.chunkRange = info.Range
	r.chunkDig = info.Digest
	r.chunkData = data
	return nil
}
