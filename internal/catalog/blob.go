package catalog

import (
	"bytes"
	"fmt"

	seekable "github.com/SaveTheRbtz/zstd-seekable-format-go/pkg"
	"github.com/klauspost/compress/zstd"

	"dedupvault/internal/chunk"
)

// seekableFrameSize is the uncompressed frame size for the seekable zstd
// body; each Write() below starts a new independently-decompressible frame,
// trading some compression ratio for seek granularity on large trees.
const seekableFrameSize = 256 << 10

// EncodeBlob renders a directory walk (via walkFn, which must call OpenDir/
// CloseDir/File/... on the Writer it's given) into a chunk-codec frame.
// The catalog body itself is compressed with the seekable zstd format
// (rather than the chunk codec's own whole-block zstd) so a restore can
// later seek into a large tree's catalog without decompressing it end to
// end; the frame's own Compress flag is left false since the body is
// already compressed.
func EncodeBlob(key *chunk.Key, walkFn func(w *Writer) error) (framed []byte, digest [32]byte, err error) {
	var raw bytes.Buffer
	cw := NewWriter(&raw)
	if err := walkFn(cw); err != nil {
		return nil, digest, fmt.Errorf("catalog: walk: %w", err)
	}
	if err := cw.Close(); err != nil {
		return nil, digest, fmt.Errorf("catalog: close writer: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, digest, fmt.Errorf("catalog: init zstd encoder: %w", err)
	}
	defer enc.Close()

	var compressed bytes.Buffer
	sw, err := seekable.NewWriter(&compressed, enc)
	if err != nil {
		return nil, digest, fmt.Errorf("catalog: init seekable writer: %w", err)
	}
	body := raw.Bytes()
	for off := 0; off < len(body); off += seekableFrameSize {
		end := off + seekableFrameSize
		if end > len(body) {
			end = len(body)
		}
		if _, err := sw.Write(body[off:end]); err != nil {
			return nil, digest, fmt.Errorf("catalog: seekable write: %w", err)
		}
	}
	if err := sw.Close(); err != nil {
		return nil, digest, fmt.Errorf("catalog: close seekable writer: %w", err)
	}

	return chunk.Encode(compressed.Bytes(), chunk.EncodeOptions{Key: key, Compress: false})
}

// DecodeBlob reverses EncodeBlob, returning a seekable.Reader over the
// decoded catalog stream. Callers drive it with NewReader(r).Walk(emitter)
// for a full pass, or seek directly when only part of the tree is needed.
func DecodeBlob(framed []byte, key *chunk.Key, expectedDigest *[32]byte) (seekable.Reader, func() error, error) {
	compressed, err := chunk.Decode(framed, chunk.DecodeOptions{Key: key, ExpectedDigest: expectedDigest})
	if err != nil {
		return nil, nil, fmt.Errorf("catalog: decode frame: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		return nil, nil, fmt.Errorf("catalog: init zstd decoder: %w", err)
	}
	sr, err := seekable.NewReader(bytes.NewReader(compressed), dec)
	if err != nil {
		dec.Close()
		return nil, nil, fmt.Errorf("catalog: init seekable reader: %w", err)
	}
	closeFn := func() error {
		dec.Close()
		return sr.Close()
	}
	return sr, closeFn, nil
}
