package chunk

import (
	"bytes"
	"testing"
)

func mustKey(t *testing.T) *Key {
	t.Helper()
	raw := bytes.Repeat([]byte{0x42}, 32)
	k, err := NewKey(raw)
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	return k
}

// P1: decode(encode(c,k,true),k) == c, for every (key, compress) combination.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog"), 100)
	key := mustKey(t)

	cases := []struct {
		name     string
		key      *Key
		compress bool
	}{
		{"plain", nil, false},
		{"plain-compressed", nil, true},
		{"encrypted", key, false},
		{"encrypted-compressed", key, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			framed, digest, err := Encode(data, EncodeOptions{Key: tc.key, Compress: tc.compress})
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got, err := Decode(framed, DecodeOptions{Key: tc.key, ExpectedDigest: &digest})
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !bytes.Equal(got, data) {
				t.Fatalf("round trip mismatch")
			}
		})
	}
}

// P2: mutating any single byte of the payload or CRC field fails decode.
func TestDecodeDetectsCorruption(t *testing.T) {
	data := []byte("corruption-detection-payload")
	framed, _, err := Encode(data, EncodeOptions{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	for i := 8; i < len(framed); i++ {
		mutated := append([]byte(nil), framed...)
		mutated[i] ^= 0xFF
		if _, err := Decode(mutated, DecodeOptions{}); err == nil {
			t.Fatalf("byte %d: mutation not detected", i)
		}
	}
}

func TestDecodeUnknownMagic(t *testing.T) {
	junk := make([]byte, 32)
	if _, err := Decode(junk, DecodeOptions{}); err != ErrUnknownMagic {
		t.Fatalf("got %v, want ErrUnknownMagic", err)
	}
}

func TestEncryptedDigestDependsOnKey(t *testing.T) {
	data := []byte("identical plaintext")
	k1 := mustKey(t)
	k2raw := bytes.Repeat([]byte{0x99}, 32)
	k2, _ := NewKey(k2raw)

	_, d1, err := Encode(data, EncodeOptions{Key: k1})
	if err != nil {
		t.Fatal(err)
	}
	_, d2, err := Encode(data, EncodeOptions{Key: k2})
	if err != nil {
		t.Fatal(err)
	}
	if d1 == d2 {
		t.Fatalf("digests must differ across keys for identical plaintext")
	}
}

func TestDecodeWrongKeyFails(t *testing.T) {
	data := []byte("secret")
	k1 := mustKey(t)
	k2, _ := NewKey(bytes.Repeat([]byte{0x01}, 32))

	framed, _, err := Encode(data, EncodeOptions{Key: k1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decode(framed, DecodeOptions{Key: k2}); err == nil {
		t.Fatalf("expected GCM open failure with wrong key")
	}
}

func TestKeyFingerprintStableAndDistinct(t *testing.T) {
	k1 := mustKey(t)
	k2, _ := NewKey(bytes.Repeat([]byte{0x43}, 32))

	f1a := KeyFingerprint(k1)
	f1b := KeyFingerprint(k1)
	if f1a != f1b {
		t.Fatalf("fingerprint not stable across calls")
	}
	if f1a == KeyFingerprint(k2) {
		t.Fatalf("fingerprints collided for distinct keys")
	}
}
