package index

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// DynamicWriter streams a content-defined-chunked index: entries carry an
// explicit end-offset, so chunk sizes vary (spec I4: entry[i].end >
// entry[i-1].end; entry[0].end > 0).
type DynamicWriter struct {
	f         *os.File
	w         *bufio.Writer
	tmpPath   string
	finalPath string
	lastEnd   int64
	entries   []dynEntry
	closed    bool
	uuidVal   uuid.UUID
	ctime     time.Time
}

type dynEntry struct {
	end    int64
	digest [DigestSize]byte
}

func NewDynamicWriter(finalPath string, id uuid.UUID, ctime time.Time) (*DynamicWriter, error) {
	dir := filepath.Dir(finalPath)
	tmp, err := os.CreateTemp(dir, ".didx-*.tmp")
	if err != nil {
		return nil, err
	}
	w := &DynamicWriter{
		f:         tmp,
		w:         bufio.NewWriter(tmp),
		tmpPath:   tmp.Name(),
		finalPath: finalPath,
		uuidVal:   id,
		ctime:     ctime,
	}
	if _, err := w.w.Write(make([]byte, HeaderSize)); err != nil {
		w.abort()
		return nil, err
	}
	return w, nil
}

func (w *DynamicWriter) abort() {
	w.f.Close()
	os.Remove(w.tmpPath)
}

// Append adds one chunk reference ending at logical offset end. end must be
// strictly greater than the previous entry's end (I4).
func (w *DynamicWriter) Append(digest [DigestSize]byte, end int64) error {
	if w.closed {
		return fmt.Errorf("index: write after close")
	}
	if end <= w.lastEnd {
		return fmt.Errorf("%w: end offset %d must exceed previous end %d", ErrBadEntry, end, w.lastEnd)
	}
	var rec [DynamicEntrySize]byte
	binary.LittleEndian.PutUint64(rec[0:8], uint64(end))
	copy(rec[8:], digest[:])
	if _, err := w.w.Write(rec[:]); err != nil {
		return err
	}
	w.entries = append(w.entries, dynEntry{end: end, digest: digest})
	w.lastEnd = end
	return nil
}

func (w *DynamicWriter) Close() (string, error) {
	if w.closed {
		return "", fmt.Errorf("index: already closed")
	}
	w.closed = true
	if err := w.w.Flush(); err != nil {
		w.abort()
		return "", err
	}

	entryBytes := make([]byte, 0, len(w.entries)*DynamicEntrySize)
	for _, e := range w.entries {
		var rec [DynamicEntrySize]byte
		binary.LittleEndian.PutUint64(rec[0:8], uint64(e.end))
		copy(rec[8:], e.digest[:])
		entryBytes = append(entryBytes, rec[:]...)
	}
	csum := checksumEntries(entryBytes)

	h := header{
		Magic:     MagicDynamic,
		UUID:      w.uuidVal,
		CTimeUnix: w.ctime.Unix(),
		TotalSize: uint64(w.lastEnd),
		ChunkSize: 0,
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

// DynamicReader exposes positional access over a committed dynamic index.
type DynamicReader struct {
	mm     *mmapFile
	header header
	count  int
	ends   []int64 // decoded once at open for fast binary search
}

func OpenDynamicReader(path string) (*DynamicReader, error) {
	mm, err := openMmap(path)
	if err != nil {
		return nil, err
	}
	h, err := decodeHeader(mm.data, MagicDynamic)
	if err != nil {
		mm.Close()
		return nil, err
	}
	body := mm.data[HeaderSize:]
	if len(body)%DynamicEntrySize != 0 {
		mm.Close()
		return nil, ErrTruncated
	}
	count := len(body) / DynamicEntrySize
	ends := make([]int64, count)
	var prev int64
	for i := 0; i < count; i++ {
		off := i * DynamicEntrySize
		end := int64(binary.LittleEndian.Uint64(body[off : off+8]))
		if end <= prev {
			mm.Close()
			return nil, ErrSizeMismatch
		}
		ends[i] = end
		prev = end
	}
	r := &DynamicReader{mm: mm, header: h, count: count, ends: ends}
	if count > 0 && h.TotalSize != uint64(ends[count-1]) {
		mm.Close()
		return nil, ErrSizeMismatch
	}
	return r, nil
}

func (r *DynamicReader) Close() error { return r.mm.Close() }

func (r *DynamicReader) UUID() uuid.UUID   { return r.header.UUID }
func (r *DynamicReader) CTime() time.Time  { return time.Unix(r.header.CTimeUnix, 0) }
func (r *DynamicReader) IndexCount() int   { return r.count }
func (r *DynamicReader) IndexBytes() int64 { return int64(r.header.TotalSize) }

func (r *DynamicReader) entryOffset(i int) int {
	return HeaderSize + i*DynamicEntrySize
}

func (r *DynamicReader) IndexDigest(i int) ([DigestSize]byte, error) {
	if i < 0 || i >= r.count {
		return [DigestSize]byte{}, fmt.Errorf("%w: index %d out of range", ErrBadEntry, i)
	}
	var d [DigestSize]byte
	off := r.entryOffset(i) + 8
	copy(d[:], r.mm.data[off:off+DigestSize])
	return d, nil
}

func (r *DynamicReader) ChunkInfo(i int) (ChunkInfo, error) {
	d, err := r.IndexDigest(i)
	if err != nil {
		return ChunkInfo{}, err
	}
	var start int64
	if i > 0 {
		start = r.ends[i-1]
	}
	return ChunkInfo{Digest: d, Range: ByteRange{Start: start, End: r.ends[i]}}, nil
}

// ChunkFromOffset performs the §4.2 binary-search tie rule: the chunk whose
// half-open range contains o; o == total returns ok=false (EOF).
func (r *DynamicReader) ChunkFromOffset(o int64) (idx int, within int64, ok bool) {
	i, found := chunkFromOffsetDynamic(r.ends, r.IndexBytes(), o)
	if !found {
		return 0, 0, false
	}
	info, err := r.ChunkInfo(i)
	if err != nil {
		return 0, 0, false
	}
	return i, o - info.Range.Start, true
}

// ComputeCsum recomputes the checksum over canonical entry bytes.
func (r *DynamicReader) ComputeCsum() ([32]byte, int64) {
	body := r.mm.data[HeaderSize : HeaderSize+r.count*DynamicEntrySize]
	return checksumEntries(body), r.IndexBytes()
}
