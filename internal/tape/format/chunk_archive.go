package format

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// chunkEntryMagic prefixes every chunk-archive entry, distinguishing a real
// entry from a truncated/EOD tail.
var chunkEntryMagic = [4]byte{'C', 'E', 'N', 'T'}

const chunkEntryHeaderSize = 4 + 32 + 8 // magic + digest + size(u64 LE)

// blockAlign is the tape block alignment the writer honors (§4.9: "blocks
// are 64 KiB aligned").
const blockAlign = 64 << 10

// ChunkArchivePayload is the header JSON of a chunk archive.
type ChunkArchivePayload struct {
	Store string `json:"store"`
}

// ErrEOD is returned by ChunkArchiveReader.Next when the archive's payload
// ends, including when an incomplete trailing entry is found — per §4.8
// that is treated as EOD, not as a corruption error.
var ErrEOD = errors.New("format: end of archive")

// ChunkArchiveWriter streams chunk entries to w after the archive header;
// PadToBlock zero-pads the entry stream at finalization. It has no Close:
// on LEOM the caller simply stops writing, possibly mid-chunk — a resumed
// write on the next tape starts a fresh archive header rather than
// continuing a truncated entry.
type ChunkArchiveWriter struct {
	w       io.Writer
	written int64
}

func NewChunkArchiveWriter(w io.Writer, mediaUUID uuid.UUID, store string) (*ChunkArchiveWriter, error) {
	if err := WriteHeader(w, MagicChunkArchiveV11, mediaUUID, ChunkArchivePayload{Store: store}); err != nil {
		return nil, err
	}
	return &ChunkArchiveWriter{w: w}, nil
}

// WriteEntry appends one (digest, framed chunk bytes) pair. It returns the
// number of bytes written so the caller can track its own LEOM/block budget.
func (cw *ChunkArchiveWriter) WriteEntry(digest [32]byte, framed []byte) (int64, error) {
	buf := make([]byte, chunkEntryHeaderSize)
	copy(buf[0:4], chunkEntryMagic[:])
	copy(buf[4:36], digest[:])
	binary.LittleEndian.PutUint64(buf[36:44], uint64(len(framed)))
	n1, err := cw.w.Write(buf)
	if err != nil {
		return int64(n1), err
	}
	n2, err := cw.w.Write(framed)
	total := int64(n1 + n2)
	cw.written += total
	return total, err
}

// PadToBlock writes zero bytes until the entry bytes written so far (the
// archive header is not counted) reach a multiple of blockAlign, the
// writer's responsibility at archive finalization per §4.9.
func (cw *ChunkArchiveWriter) PadToBlock() (int64, error) {
	rem := cw.written % blockAlign
	if rem == 0 {
		return 0, nil
	}
	pad := blockAlign - rem
	n, err := cw.w.Write(make([]byte, pad))
	cw.written += int64(n)
	return int64(n), err
}

// ChunkArchiveReader decodes entries from a chunk archive's payload stream.
type ChunkArchiveReader struct {
	r io.Reader
}

func NewChunkArchiveReader(r io.Reader) *ChunkArchiveReader {
	return &ChunkArchiveReader{r: r}
}

// ChunkEntry is one decoded chunk-archive record.
type ChunkEntry struct {
	Digest [32]byte
	Framed []byte
}

// Next decodes the next entry. An incomplete trailing entry (truncated
// header or body, as happens when a writer hit LEOM mid-entry) is reported
// as ErrEOD, never as a corruption error.
func (r *ChunkArchiveReader) Next() (ChunkEntry, error) {
	var hdr [chunkEntryHeaderSize]byte
	n, err := io.ReadFull(r.r, hdr[:])
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || n == 0 {
			return ChunkEntry{}, ErrEOD
		}
		return ChunkEntry{}, err
	}
	if [4]byte(hdr[0:4]) != chunkEntryMagic {
		return ChunkEntry{}, ErrEOD
	}
	var e ChunkEntry
	copy(e.Digest[:], hdr[4:36])
	size := binary.LittleEndian.Uint64(hdr[36:44])

	framed := make([]byte, size)
	if _, err := io.ReadFull(r.r, framed); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ChunkEntry{}, ErrEOD
		}
		return ChunkEntry{}, fmt.Errorf("format: read chunk entry body: %w", err)
	}
	e.Framed = framed
	return e, nil
}
