package reader

import (
	"bytes"
	"io"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"dedupvault/internal/cache"
	"dedupvault/internal/index"
)

// fakeStore is an in-memory digest->plaintext map standing in for the
// datastore get_chunk + codec decode composition.
type fakeStore struct {
	data  map[[32]byte][]byte
	calls atomic.Int32
}

func (s *fakeStore) fetch(d [32]byte) ([]byte, error) {
	s.calls.Add(1)
	v, ok := s.data[d]
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	return v, nil
}

func digestOfByte(b byte) [32]byte {
	var d [32]byte
	d[0] = b
	return d
}

func buildFixedIndex(t *testing.T, chunks [][]byte, chunkSize int64) (*index.FixedReader, *fakeStore) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "d.fidx")
	w, err := index.NewFixedWriter(path, uuid.New(), time.Now(), chunkSize)
	if err != nil {
		t.Fatal(err)
	}
	store := &fakeStore{data: map[[32]byte][]byte{}}
	for i, c := range chunks {
		d := digestOfByte(byte(i + 1))
		store.data[d] = c
		if err := w.Append(d, int64(len(c))); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := w.Close(); err != nil {
		t.Fatal(err)
	}
	r, err := index.OpenFixedReader(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close() })
	return r, store
}

func TestBufferedReaderSequentialRead(t *testing.T) {
	chunks := [][]byte{
		bytes.Repeat([]byte{'a'}, 10),
		bytes.Repeat([]byte{'b'}, 10),
		bytes.Repeat([]byte{'c'}, 5),
	}
	idx, store := buildFixedIndex(t, chunks, 10)
	c := cache.New(10)
	br := New(idx, c, store.fetch)

	got := make([]byte, idx.IndexBytes())
	n, err := br.ReadAt(got, 0)
	if err != nil && err != io.EOF {
		t.Fatal(err)
	}
	if n != len(got) {
		t.Fatalf("read %d bytes, want %d", n, len(got))
	}
	want := append(append(append([]byte{}, chunks[0]...), chunks[1]...), chunks[2]...)
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestBufferedReaderSeekReusesBufferedChunk(t *testing.T) {
	chunks := [][]byte{
		bytes.Repeat([]byte{'x'}, 10),
		bytes.Repeat([]byte{'y'}, 10),
	}
	idx, store := buildFixedIndex(t, chunks, 10)
	c := cache.New(10)
	br := New(idx, c, store.fetch)

	buf := make([]byte, 5)
	if _, err := br.ReadAt(buf, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := br.ReadAt(buf, 12); err != nil {
		t.Fatal(err)
	}
	if _, err := br.ReadAt(buf, 2); err != nil { // seek back into chunk 0, already evicted from "current" but still cached
		t.Fatal(err)
	}
	if got := store.calls.Load(); got != 2 {
		t.Fatalf("fetcher called %d times, want 2 (one per distinct chunk)", got)
	}
}

func TestBufferedReaderEOF(t *testing.T) {
	idx, store := buildFixedIndex(t, [][]byte{bytes.Repeat([]byte{'z'}, 4)}, 4)
	c := cache.New(10)
	br := New(idx, c, store.fetch)

	buf := make([]byte, 4)
	if _, err := br.ReadAt(buf, 4); err != io.EOF {
		t.Fatalf("got %v, want io.EOF", err)
	}
}

func TestBufferedReaderReadSeekCursor(t *testing.T) {
	idx, store := buildFixedIndex(t, [][]byte{
		bytes.Repeat([]byte{'1'}, 4),
		bytes.Repeat([]byte{'2'}, 4),
	}, 4)
	c := cache.New(10)
	br := New(idx, c, store.fetch)

	if _, err := br.Seek(4, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	n, err := br.Read(buf)
	if err != nil || n != 4 {
		t.Fatalf("Read: n=%d err=%v", n, err)
	}
	if !bytes.Equal(buf, bytes.Repeat([]byte{'2'}, 4)) {
		t.Fatalf("got %q", buf)
	}
}
