package index

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// FixedWriter streams a fixed-size-chunked index: every entry but possibly
// the last has logical size ChunkSize (spec I3: total ≤ N*ChunkSize and
// > (N-1)*ChunkSize).
type FixedWriter struct {
	f         *os.File
	w         *bufio.Writer
	tmpPath   string
	finalPath string
	chunkSize int64
	total     int64
	entries   [][DigestSize]byte
	closed    bool
	uuidVal   uuid.UUID
	ctime     time.Time
}

// NewFixedWriter creates a temp file alongside finalPath and streams the
// header immediately (back-patched on Close with final sizing/checksum).
func NewFixedWriter(finalPath string, id uuid.UUID, ctime time.Time, chunkSize int64) (*FixedWriter, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive", ErrBadEntry)
	}
	dir := filepath.Dir(finalPath)
	tmp, err := os.CreateTemp(dir, ".fidx-*.tmp")
	if err != nil {
		return nil, err
	}
	w := &FixedWriter{
		f:         tmp,
		w:         bufio.NewWriter(tmp),
		tmpPath:   tmp.Name(),
		finalPath: finalPath,
		chunkSize: chunkSize,
	}
	// Reserve header space; patched on Close.
	if _, err := w.w.Write(make([]byte, HeaderSize)); err != nil {
		w.abort()
		return nil, err
	}
	w.uuidVal = id
	w.ctime = ctime
	return w, nil
}

func (w *FixedWriter) abort() {
	w.f.Close()
	os.Remove(w.tmpPath)
}

// Append adds one chunk reference. size must equal ChunkSize for every
// entry except possibly the very last; since the writer cannot know which
// Append is last, it rejects any Append that follows a short entry.
func (w *FixedWriter) Append(digest [DigestSize]byte, size int64) error {
	if w.closed {
		return fmt.Errorf("index: write after close")
	}
	if size <= 0 || size > w.chunkSize {
		return fmt.Errorf("%w: entry size %d exceeds chunk size %d", ErrBadEntry, size, w.chunkSize)
	}
	if w.total != int64(len(w.entries))*w.chunkSize {
		return fmt.Errorf("%w: entry %d follows a short entry", ErrBadEntry, len(w.entries))
	}
	if _, err := w.w.Write(digest[:]); err != nil {
		return err
	}
	w.entries = append(w.entries, digest)
	w.total += size
	return nil
}

// Close commits the index: back-patches the header, fsyncs, and atomically
// renames the temp file into place.
func (w *FixedWriter) Close() (string, error) {
	if w.closed {
		return "", fmt.Errorf("index: already closed")
	}
	w.closed = true
	if err := w.w.Flush(); err != nil {
		w.abort()
		return "", err
	}

	entryBytes := make([]byte, 0, len(w.entries)*DigestSize)
	for _, d := range w.entries {
		entryBytes = append(entryBytes, d[:]...)
	}
	csum := checksumEntries(entryBytes)

	h := header{
		Magic:     MagicFixed,
		UUID:      w.uuidVal,
		CTimeUnix: w.ctime.Unix(),
		TotalSize: uint64(w.total),
		ChunkSize: uint64(w.chunkSize),
		Checksum:  csum,
	}
	if _, err := w.f.WriteAt(encodeHeader(h), 0); err != nil {
		w.abort()
		return "", err
	}
	if err := w.f.Sync(); err != nil {
		w.abort()
		return "", err
	}
	if err := w.f.Close(); err != nil {
		os.Remove(w.tmpPath)
		return "", err
	}
	if err := os.Rename(w.tmpPath, w.finalPath); err != nil {
		return "", err
	}
	return w.finalPath, nil
}

// FixedReader exposes positional access over a committed fixed index.
type FixedReader struct {
	mm     *mmapFile
	header header
	count  int
}

// OpenFixedReader memory-maps path and validates its header.
func OpenFixedReader(path string) (*FixedReader, error) {
	mm, err := openMmap(path)
	if err != nil {
		return nil, err
	}
	h, err := decodeHeader(mm.data, MagicFixed)
	if err != nil {
		mm.Close()
		return nil, err
	}
	body := mm.data[HeaderSize:]
	if len(body)%FixedEntrySize != 0 {
		mm.Close()
		return nil, ErrTruncated
	}
	count := len(body) / FixedEntrySize
	r := &FixedReader{mm: mm, header: h, count: count}
	if err := r.validateSize(); err != nil {
		mm.Close()
		return nil, err
	}
	return r, nil
}

// validateSize enforces I3: total ≤ N*chunk_size and > (N-1)*chunk_size.
func (r *FixedReader) validateSize() error {
	n := int64(r.count)
	cs := int64(r.header.ChunkSize)
	total := int64(r.header.TotalSize)
	if n == 0 {
		if total != 0 {
			return ErrSizeMismatch
		}
		return nil
	}
	if total > n*cs || total <= (n-1)*cs {
		return ErrSizeMismatch
	}
	return nil
}

func (r *FixedReader) Close() error { return r.mm.Close() }

func (r *FixedReader) UUID() uuid.UUID   { return r.header.UUID }
func (r *FixedReader) CTime() time.Time  { return time.Unix(r.header.CTimeUnix, 0) }
func (r *FixedReader) IndexCount() int   { return r.count }
func (r *FixedReader) IndexBytes() int64 { return int64(r.header.TotalSize) }
func (r *FixedReader) ChunkSize() int64  { return int64(r.header.ChunkSize) }

func (r *FixedReader) entryOffset(i int) int {
	return HeaderSize + i*FixedEntrySize
}

// IndexDigest returns the digest of entry i.
func (r *FixedReader) IndexDigest(i int) ([DigestSize]byte, error) {
	if i < 0 || i >= r.count {
		return [DigestSize]byte{}, fmt.Errorf("%w: index %d out of range", ErrBadEntry, i)
	}
	var d [DigestSize]byte
	off := r.entryOffset(i)
	copy(d[:], r.mm.data[off:off+DigestSize])
	return d, nil
}

// ChunkInfo returns digest and logical byte range for entry i.
func (r *FixedReader) ChunkInfo(i int) (ChunkInfo, error) {
	d, err := r.IndexDigest(i)
	if err != nil {
		return ChunkInfo{}, err
	}
	cs := int64(r.header.ChunkSize)
	start := int64(i) * cs
	end := start + cs
	if end > r.IndexBytes() {
		end = r.IndexBytes()
	}
	return ChunkInfo{Digest: d, Range: ByteRange{Start: start, End: end}}, nil
}

// ChunkFromOffset locates the entry whose range contains o (§4.2 tie rule).
// o == IndexBytes() (EOF) returns ok=false.
func (r *FixedReader) ChunkFromOffset(o int64) (idx int, within int64, ok bool) {
	if o < 0 || o >= r.IndexBytes() {
		return 0, 0, false
	}
	cs := int64(r.header.ChunkSize)
	i := int(o / cs)
	if i >= r.count {
		i = r.count - 1
	}
	info, err := r.ChunkInfo(i)
	if err != nil {
		return 0, 0, false
	}
	return i, o - info.Range.Start, true
}

// ComputeCsum recomputes the checksum over canonical entry bytes, used to
// verify against the manifest. Never trusts the header's embedded value.
func (r *FixedReader) ComputeCsum() ([32]byte, int64) {
	body := r.mm.data[HeaderSize : HeaderSize+r.count*FixedEntrySize]
	return checksumEntries(body), r.IndexBytes()
}
