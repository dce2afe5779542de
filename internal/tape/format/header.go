// Package format implements the on-tape file formats (spec §4.8): every
// on-tape file opens with a content header (magic, UUID, length-prefixed
// JSON), followed by a format-specific payload. All packed binary fields
// are little-endian.
package format

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Magic identifies a content-header file kind and version.
type Magic [8]byte

var (
	MagicMediaLabel        = Magic{'M', 'L', 'B', 'L', '_', '1', 0, 0}
	MagicMediaSetLabel     = Magic{'M', 'S', 'L', 'B', '_', '1', 0, 0}
	MagicChunkArchiveV10   = Magic{'C', 'A', 'R', 'C', '_', '1', 0, 0} // legacy, read-only
	MagicChunkArchiveV11   = Magic{'C', 'A', 'R', 'C', '_', '1', '1', 0}
	MagicSnapArchiveV10    = Magic{'S', 'A', 'R', 'C', '_', '1', 0, 0} // legacy, read-only
	MagicSnapArchiveV12    = Magic{'S', 'A', 'R', 'C', '_', '1', '2', 0}
	MagicCatalogArchiveV10 = Magic{'Y', 'A', 'R', 'C', '_', '1', 0, 0} // legacy, read-only
	MagicCatalogArchiveV11 = Magic{'Y', 'A', 'R', 'C', '_', '1', '1', 0}
)

// magicNames maps every recognized magic to a human-readable name, used by
// diagnostics and the `tape inspect` CLI verb.
var magicNames = map[Magic]string{
	MagicMediaLabel:        "media label",
	MagicMediaSetLabel:     "media-set label",
	MagicChunkArchiveV10:   "chunk archive v1.0 (legacy)",
	MagicChunkArchiveV11:   "chunk archive v1.1",
	MagicSnapArchiveV10:    "snapshot archive v1.0 (legacy)",
	MagicSnapArchiveV12:    "snapshot archive v1.2",
	MagicCatalogArchiveV10: "catalog archive v1.0 (legacy)",
	MagicCatalogArchiveV11: "catalog archive v1.1",
}

// Name returns the human-readable name of m, or "unknown" if unrecognized.
func (m Magic) Name() string {
	if n, ok := magicNames[m]; ok {
		return n
	}
	return "unknown"
}

// legacyMagics are accepted on read but rejected by every Write* function
// (spec: "legacy v1.0 variants accepted for read, rejected for write").
var legacyMagics = map[Magic]bool{
	MagicChunkArchiveV10:   true,
	MagicSnapArchiveV10:    true,
	MagicCatalogArchiveV10: true,
}

var (
	ErrUnknownMagic  = errors.New("format: unknown content-header magic")
	ErrLegacyWrite   = errors.New("format: refusing to write legacy format version")
	ErrPayloadTooBig = errors.New("format: JSON payload exceeds 32-bit length field")
)

// Header is the common preamble of every on-tape file.
type Header struct {
	Magic   Magic
	UUID    uuid.UUID
	Payload json.RawMessage
}

// WriteHeader marshals v into the header's JSON payload and writes the
// framed header to w. Refuses legacy magics.
func WriteHeader(w io.Writer, magic Magic, id uuid.UUID, v any) error {
	if legacyMagics[magic] {
		return fmt.Errorf("%w: %s", ErrLegacyWrite, magic.Name())
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("format: marshal header payload: %w", err)
	}
	if len(payload) > 0xffffffff {
		return ErrPayloadTooBig
	}
	if _, err := w.Write(magic[:]); err != nil {
		return err
	}
	if _, err := w.Write(id[:]); err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// ReadHeader reads and decodes one content header from r. Both current and
// legacy magics are accepted; callers needing to refuse legacy input check
// the returned Header's Magic themselves (e.g. a tape-write validation
// rejects legacy, a tape-read tool does not).
func ReadHeader(r io.Reader) (Header, error) {
	var buf [8 + 16 + 4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, err
	}
	var h Header
	copy(h.Magic[:], buf[0:8])
	copy(h.UUID[:], buf[8:24])
	if _, ok := magicNames[h.Magic]; !ok {
		return Header{}, fmt.Errorf("%w: %x", ErrUnknownMagic, h.Magic[:])
	}
	n := binary.LittleEndian.Uint32(buf[24:28])
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Header{}, fmt.Errorf("format: read header payload: %w", err)
	}
	h.Payload = payload
	return h, nil
}

// Decode unmarshals h's payload into v.
func (h Header) Decode(v any) error {
	return json.Unmarshal(h.Payload, v)
}
