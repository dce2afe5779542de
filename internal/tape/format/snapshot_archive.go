package format

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// SnapshotArchivePayload is the header JSON of a snapshot archive.
type SnapshotArchivePayload struct {
	Store     string   `json:"store"`
	Snapshot  string   `json:"snapshot"`
	Namespace []string `json:"namespace,omitempty"`
}

// innerFileMagic prefixes each file within a snapshot archive's payload
// stream (manifest, then each referenced index/blob file, one at a time).
var innerFileMagic = [4]byte{'S', 'F', 'I', 'L'}

// snapshotEODMagic marks the end of a snapshot archive's payload.
var snapshotEODMagic = [4]byte{'S', 'E', 'O', 'D'}

const innerFileHeaderSize = 4 + 2 + 8 // magic + name-len(u16 LE) + size(u64 LE)

// SnapshotArchiveWriter streams a snapshot's manifest and referenced files
// into the archive payload, one inner-framed file at a time, terminated by
// an EOD marker.
type SnapshotArchiveWriter struct {
	w io.Writer
}

func NewSnapshotArchiveWriter(w io.Writer, mediaUUID uuid.UUID, payload SnapshotArchivePayload) (*SnapshotArchiveWriter, error) {
	if err := WriteHeader(w, MagicSnapArchiveV12, mediaUUID, payload); err != nil {
		return nil, err
	}
	return &SnapshotArchiveWriter{w: w}, nil
}

// WriteFile appends one inner file (e.g. the manifest, an index file, or a
// blob) by name and content.
func (sw *SnapshotArchiveWriter) WriteFile(name string, data []byte) error {
	if len(name) > 0xffff {
		return fmt.Errorf("format: inner file name too long: %q", name)
	}
	hdr := make([]byte, innerFileHeaderSize)
	copy(hdr[0:4], innerFileMagic[:])
	binary.LittleEndian.PutUint16(hdr[4:6], uint16(len(name)))
	binary.LittleEndian.PutUint64(hdr[6:14], uint64(len(data)))
	if _, err := sw.w.Write(hdr); err != nil {
		return err
	}
	if _, err := io.WriteString(sw.w, name); err != nil {
		return err
	}
	_, err := sw.w.Write(data)
	return err
}

// Close writes the EOD marker.
func (sw *SnapshotArchiveWriter) Close() error {
	_, err := sw.w.Write(snapshotEODMagic[:])
	return err
}

// SnapshotArchiveReader decodes the inner-framed files of a snapshot
// archive's payload.
type SnapshotArchiveReader struct {
	r io.Reader
}

func NewSnapshotArchiveReader(r io.Reader) *SnapshotArchiveReader {
	return &SnapshotArchiveReader{r: r}
}

// InnerFile is one decoded file from a snapshot archive.
type InnerFile struct {
	Name string
	Data []byte
}

// Next decodes the next inner file, or returns ErrEOD at the marker.
func (r *SnapshotArchiveReader) Next() (InnerFile, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r.r, magic[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return InnerFile{}, ErrEOD
		}
		return InnerFile{}, err
	}
	if magic == snapshotEODMagic {
		return InnerFile{}, ErrEOD
	}
	if magic != innerFileMagic {
		return InnerFile{}, fmt.Errorf("format: unexpected inner file magic %x", magic)
	}
	var rest [2 + 8]byte
	if _, err := io.ReadFull(r.r, rest[:]); err != nil {
		return InnerFile{}, fmt.Errorf("format: read inner file header: %w", err)
	}
	nameLen := binary.LittleEndian.Uint16(rest[0:2])
	size := binary.LittleEndian.Uint64(rest[2:10])

	nameBuf := make([]byte, nameLen)
	if _, err := io.ReadFull(r.r, nameBuf); err != nil {
		return InnerFile{}, fmt.Errorf("format: read inner file name: %w", err)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r.r, data); err != nil {
		return InnerFile{}, fmt.Errorf("format: read inner file body: %w", err)
	}
	return InnerFile{Name: string(nameBuf), Data: data}, nil
}
