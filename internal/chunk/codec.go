// Package chunk implements the on-disk chunk frame format (spec §4.1, §6.1):
// the binary framing of every stored chunk, in its four variants
// (uncompressed / zstd-compressed / AES-GCM-encrypted / encrypted+compressed),
// CRC-protected and self-describing by an 8-byte magic prefix.
//
// Frame layout:
//
//	offset  size  field
//	0       8     magic
//	8       4     crc32 (IEEE, over everything after this field)
//	12      16    iv    (encrypted variants only)
//	28      16    tag   (encrypted variants only)
//	12|44   ...   payload (raw | zstd | aes-gcm(raw|zstd))
package chunk

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/klauspost/compress/zstd"
)

// Magic is the 8-byte little-endian constant identifying a frame variant.
type Magic [8]byte

// Frame variant magics. Values are arbitrary but fixed once chosen; a
// conforming on-disk reader recognizes exactly these four.
var (
	MagicUncompressed = Magic{0x55, 0x4e, 0x43, 0x4d, 0x50, 0x5f, 0x31, 0x00} // "UNCMP_1\0"
	MagicCompressed   = Magic{0x43, 0x4d, 0x50, 0x52, 0x5f, 0x31, 0x00, 0x00} // "CMPR_1\0\0"
	MagicEncrypted    = Magic{0x45, 0x4e, 0x43, 0x52, 0x5f, 0x31, 0x00, 0x00} // "ENCR_1\0\0"
	MagicEncComp      = Magic{0x45, 0x4e, 0x43, 0x43, 0x5f, 0x31, 0x00, 0x00} // "ENCC_1\0\0"
)

const (
	crcFieldBytes = 4
	ivBytes       = 16
	tagBytes      = 16

	headerBytesPlain     = 8 + crcFieldBytes
	headerBytesEncrypted = 8 + crcFieldBytes + ivBytes + tagBytes
)

var (
	ErrUnknownMagic  = errors.New("chunk: unknown frame magic")
	ErrCorruptCRC    = errors.New("chunk: crc32 mismatch")
	ErrCorruptDigest = errors.New("chunk: digest mismatch")
	ErrKeyRequired   = errors.New("chunk: encrypted frame requires a key")
	ErrKeyMismatch   = errors.New("chunk: key fingerprint mismatch")
	ErrBadInput      = errors.New("chunk: bad input")
)

// zstdDecoder is package-level and safe for concurrent DecodeAll calls;
// encoders are not shared, newEncoder builds one per Encode call.
var zstdDecoder *zstd.Decoder

func init() {
	var err error
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		panic("chunk: init zstd decoder: " + err.Error())
	}
}

func newEncoder() (*zstd.Encoder, error) {
	// Level 1: chunks are either content-defined or fixed-size slices of
	// already-dense VM/filesystem data, so further compression effort buys
	// little; speed matters more on the backup hot path.
	return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
}

// Key is a loaded datastore encryption key (AES-256-GCM capable, 32 bytes).
type Key struct {
	raw []byte
}

// NewKey wraps a raw 32-byte key.
func NewKey(raw []byte) (*Key, error) {
	if len(raw) != 32 {
		return nil, fmt.Errorf("%w: key must be 32 bytes, got %d", ErrBadInput, len(raw))
	}
	cp := make([]byte, 32)
	copy(cp, raw)
	return &Key{raw: cp}, nil
}

// EncodeOptions controls encode().
type EncodeOptions struct {
	Key      *Key // nil: unencrypted
	Compress bool
}

// Encode frames plaintext data per §4.1. It returns the framed bytes and the
// chunk's digest (the content-addressing key used by the datastore).
//
// Digest rule (§4.1, §9 "Open question: digest on encryption"): for
// unencrypted variants, digest = SHA-256(plaintext). For encrypted variants,
// digest = HMAC-SHA-256(plaintext) keyed from the encryption key, computed
// BEFORE compression/encryption — two chunks with identical plaintext but
// different keys get different digests, by design, preventing cross-tenant
// dedup leakage.
func Encode(data []byte, opts EncodeOptions) (framed []byte, digest [32]byte, err error) {
	digest = computeDigest(data, opts.Key)

	payload := data
	if opts.Compress {
		enc, encErr := newEncoder()
		if encErr != nil {
			return nil, digest, fmt.Errorf("%w: init zstd encoder: %v", ErrBadInput, encErr)
		}
		payload = enc.EncodeAll(data, nil)
		enc.Close()
	}

	if opts.Key == nil {
		magic := MagicUncompressed
		if opts.Compress {
			magic = MagicCompressed
		}
		return frameWithCRC(magic, payload), digest, nil
	}

	iv, tag, ciphertext, encErr := aesGCMSeal(opts.Key, payload)
	if encErr != nil {
		return nil, digest, fmt.Errorf("%w: encrypt: %v", ErrBadInput, encErr)
	}
	magic := MagicEncrypted
	if opts.Compress {
		magic = MagicEncComp
	}
	return frameEncryptedWithCRC(magic, iv, tag, ciphertext), digest, nil
}

// DecodeOptions controls decode().
type DecodeOptions struct {
	Key            *Key // required for encrypted variants
	ExpectedDigest *[32]byte
}

// Decode reverses Encode, validating the CRC, (for encrypted variants) the
// GCM tag, and optionally the plaintext digest. The frame carries no key
// fingerprint, so a wrong key is not told apart from a damaged frame: both
// surface as a GCM open failure wrapped in ErrCorruptCRC.
func Decode(framed []byte, opts DecodeOptions) ([]byte, error) {
	if len(framed) < 8 {
		return nil, fmt.Errorf("%w: frame too short", ErrBadInput)
	}
	var magic Magic
	copy(magic[:], framed[:8])

	switch magic {
	case MagicUncompressed, MagicCompressed:
		if len(framed) < headerBytesPlain {
			return nil, fmt.Errorf("%w: frame too short", ErrBadInput)
		}
		crcWant := binary.LittleEndian.Uint32(framed[8:12])
		body := framed[12:]
		if crc32.ChecksumIEEE(body) != crcWant {
			return nil, ErrCorruptCRC
		}
		plain := body
		if magic == MagicCompressed {
			out, err := zstdDecoder.DecodeAll(body, nil)
			if err != nil {
				return nil, fmt.Errorf("%w: zstd: %v", ErrCorruptCRC, err)
			}
			plain = out
		}
		if opts.ExpectedDigest != nil {
			got := computeDigest(plain, nil)
			if got != *opts.ExpectedDigest {
				return nil, ErrCorruptDigest
			}
		}
		return plain, nil

	case MagicEncrypted, MagicEncComp:
		if opts.Key == nil {
			return nil, ErrKeyRequired
		}
		if len(framed) < headerBytesEncrypted {
			return nil, fmt.Errorf("%w: frame too short", ErrBadInput)
		}
		crcWant := binary.LittleEndian.Uint32(framed[8:12])
		body := framed[12:]
		if crc32.ChecksumIEEE(body) != crcWant {
			return nil, ErrCorruptCRC
		}
		iv := framed[12:28]
		tag := framed[28:44]
		ciphertext := framed[44:]
		plain, err := aesGCMOpen(opts.Key, iv, tag, ciphertext)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptCRC, err)
		}
		if magic == MagicEncComp {
			out, err := zstdDecoder.DecodeAll(plain, nil)
			if err != nil {
				return nil, fmt.Errorf("%w: zstd: %v", ErrCorruptCRC, err)
			}
			plain = out
		}
		if opts.ExpectedDigest != nil {
			got := computeDigest(plain, opts.Key)
			if got != *opts.ExpectedDigest {
				return nil, ErrCorruptDigest
			}
		}
		return plain, nil

	default:
		return nil, ErrUnknownMagic
	}
}

func frameWithCRC(magic Magic, body []byte) []byte {
	buf := make([]byte, headerBytesPlain+len(body))
	copy(buf[0:8], magic[:])
	binary.LittleEndian.PutUint32(buf[8:12], crc32.ChecksumIEEE(body))
	copy(buf[12:], body)
	return buf
}

func frameEncryptedWithCRC(magic Magic, iv, tag, ciphertext []byte) []byte {
	body := make([]byte, ivBytes+tagBytes+len(ciphertext))
	copy(body[0:16], iv)
	copy(body[16:32], tag)
	copy(body[32:], ciphertext)

	buf := make([]byte, headerBytesPlain+len(body))
	copy(buf[0:8], magic[:])
	binary.LittleEndian.PutUint32(buf[8:12], crc32.ChecksumIEEE(body))
	copy(buf[12:], body)
	return buf
}

// DetectMagic reports the variant of a framed blob without decoding it.
func DetectMagic(framed []byte) (Magic, error) {
	if len(framed) < 8 {
		return Magic{}, fmt.Errorf("%w: frame too short", ErrBadInput)
	}
	var m Magic
	copy(m[:], framed[:8])
	switch m {
	case MagicUncompressed, MagicCompressed, MagicEncrypted, MagicEncComp:
		return m, nil
	default:
		return Magic{}, ErrUnknownMagic
	}
}
