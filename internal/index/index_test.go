package index

import (
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func digestOf(b byte) [DigestSize]byte {
	var d [DigestSize]byte
	for i := range d {
		d[i] = b
	}
	return d
}

// S1: dedup re-upload, fixed index over 10 MiB of zeros with 4 MiB chunks.
func TestFixedIndexDedupedReupload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.fidx")

	const chunkSize = 4 << 20
	w, err := NewFixedWriter(path, uuid.New(), time.Now(), chunkSize)
	if err != nil {
		t.Fatal(err)
	}
	zeroDigest := digestOf(0)
	if err := w.Append(zeroDigest, chunkSize); err != nil {
		t.Fatal(err)
	}
	if err := w.Append(zeroDigest, chunkSize); err != nil {
		t.Fatal(err)
	}
	const lastChunk = 10*(1<<20) - 2*chunkSize // 2 MiB remainder
	if err := w.Append(zeroDigest, lastChunk); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := OpenFixedReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if r.IndexCount() != 3 {
		t.Fatalf("count = %d, want 3", r.IndexCount())
	}
	if r.IndexBytes() != 10*(1<<20) {
		t.Fatalf("bytes = %d, want %d", r.IndexBytes(), 10*(1<<20))
	}
	for i := 0; i < 3; i++ {
		d, err := r.IndexDigest(i)
		if err != nil {
			t.Fatal(err)
		}
		if d != zeroDigest {
			t.Fatalf("entry %d digest mismatch", i)
		}
	}
}

// S2: dynamic index chunk_from_offset scenario.
func TestDynamicChunkFromOffset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fs.didx")

	w, err := NewDynamicWriter(path, uuid.New(), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	ends := []int64{1000, 3000, 3500, 9000}
	for i, e := range ends {
		if err := w.Append(digestOf(byte(i)), e); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := OpenDynamicReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	cases := []struct {
		offset  int64
		wantIdx int
		wantOff int64
		wantOK  bool
	}{
		{2999, 1, 1999, true},
		{3000, 2, 0, true},
		{9000, 0, 0, false},
		{0, 0, 0, true},
		{999, 0, 999, true},
	}
	for _, c := range cases {
		idx, within, ok := r.ChunkFromOffset(c.offset)
		if ok != c.wantOK {
			t.Fatalf("offset %d: ok = %v, want %v", c.offset, ok, c.wantOK)
		}
		if !ok {
			continue
		}
		if idx != c.wantIdx || within != c.wantOff {
			t.Fatalf("offset %d: got (%d,%d), want (%d,%d)", c.offset, idx, within, c.wantIdx, c.wantOff)
		}
	}
}

// P3/P4 property checks across a synthetic dynamic index.
func TestDynamicIndexRangeInvariants(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "p.didx")
	w, err := NewDynamicWriter(path, uuid.New(), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	sizes := []int64{100, 250, 40, 900, 1}
	var end int64
	for i, s := range sizes {
		end += s
		if err := w.Append(digestOf(byte(i)), end); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := w.Close(); err != nil {
		t.Fatal(err)
	}
	r, err := OpenDynamicReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	for i := 0; i < r.IndexCount()-1; i++ {
		a, err := r.ChunkInfo(i)
		if err != nil {
			t.Fatal(err)
		}
		b, err := r.ChunkInfo(i + 1)
		if err != nil {
			t.Fatal(err)
		}
		if a.Range.End != b.Range.Start {
			t.Fatalf("entry %d: range.end %d != entry %d range.start %d", i, a.Range.End, i+1, b.Range.Start)
		}
	}

	for o := int64(0); o < r.IndexBytes(); o++ {
		idx, within, ok := r.ChunkFromOffset(o)
		if !ok {
			t.Fatalf("offset %d: expected ok", o)
		}
		info, err := r.ChunkInfo(idx)
		if err != nil {
			t.Fatal(err)
		}
		if within != o-info.Range.Start {
			t.Fatalf("offset %d: within mismatch", o)
		}
		if within < 0 || within >= (info.Range.End-info.Range.Start) {
			t.Fatalf("offset %d: within %d out of chunk bounds", o, within)
		}
	}
}

func TestFixedChunkFromOffsetEOF(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "eof.fidx")
	w, err := NewFixedWriter(path, uuid.New(), time.Now(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Append(digestOf(1), 10); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Close(); err != nil {
		t.Fatal(err)
	}
	r, err := OpenFixedReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if _, _, ok := r.ChunkFromOffset(10); ok {
		t.Fatalf("offset == total must be EOF")
	}
	if idx, within, ok := r.ChunkFromOffset(5); !ok || idx != 0 || within != 5 {
		t.Fatalf("got (%d,%d,%v)", idx, within, ok)
	}
}

func TestComputeCsumIgnoresEmbeddedValue(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "c.fidx")
	w, err := NewFixedWriter(path, uuid.New(), time.Now(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Append(digestOf(7), 10); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Close(); err != nil {
		t.Fatal(err)
	}
	// Overwrite the embedded checksum with garbage; ComputeCsum must not use it.
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}
	garbage := make([]byte, csumSize)
	for i := range garbage {
		garbage[i] = 0xff
	}
	if _, err := f.WriteAt(garbage, csumOffset); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	r, err := OpenFixedReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	csum, size := r.ComputeCsum()
	var zero [32]byte
	if csum == zero {
		t.Fatalf("checksum should not be all-zero")
	}
	d := digestOf(7)
	if want := sha256.Sum256(d[:]); csum != want {
		t.Fatalf("checksum = %x, want %x (recomputed from the entries)", csum, want)
	}
	if size != 10 {
		t.Fatalf("size = %d, want 10", size)
	}
}
