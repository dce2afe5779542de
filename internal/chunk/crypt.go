package chunk

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// computeDigest implements the §9 open question: unencrypted plaintext is
// addressed by SHA-256; encrypted plaintext is addressed by HMAC-SHA-256
// keyed from the encryption key, so the digest doubles as a MAC that only
// key holders can forge and is stable under key identity.
func computeDigest(plaintext []byte, key *Key) [32]byte {
	if key == nil {
		return sha256.Sum256(plaintext)
	}
	mac := hmac.New(sha256.New, key.raw)
	mac.Write(plaintext)
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// Fingerprint is the 64-bit truncated identifier of an encryption key
// (spec §3). Derived via HKDF-SHA256 from the key, domain-separated from
// the manifest and cipher subkeys so fingerprint disclosure never leaks key
// material or lets an attacker forge a digest.
type Fingerprint uint64

func (f Fingerprint) String() string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(f))
	return fmt.Sprintf("%x", b)
}

// KeyFingerprint derives the 64-bit fingerprint identifying which key a
// chunk or a medium was encrypted with.
func KeyFingerprint(key *Key) Fingerprint {
	r := hkdf.New(sha256.New, key.raw, nil, []byte("dedupvault/key-fingerprint/v1"))
	var out [8]byte
	if _, err := io.ReadFull(r, out[:]); err != nil {
		panic("chunk: hkdf fingerprint derivation failed: " + err.Error())
	}
	return Fingerprint(binary.BigEndian.Uint64(out[:]))
}

// ManifestSubkey derives the HMAC-SHA256 key used to sign snapshot
// manifests, domain-separated from the fingerprint and cipher subkeys so
// manifest-signing capability never leaks the cipher key or vice versa.
func ManifestSubkey(key *Key) ([]byte, error) {
	r := hkdf.New(sha256.New, key.raw, nil, []byte("dedupvault/manifest-hmac/v1"))
	out := make([]byte, 32)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// cipherSubkey derives the AES-256 key actually used for chunk-frame GCM
// sealing, so the same master key can be fingerprinted without exposing the
// raw bytes used for encryption (defense in depth against fingerprint/cipher
// key confusion).
func cipherSubkey(key *Key) ([]byte, error) {
	r := hkdf.New(sha256.New, key.raw, nil, []byte("dedupvault/chunk-cipher/v1"))
	out := make([]byte, 32)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

func aesGCMSeal(key *Key, plaintext []byte) (iv, tag, ciphertext []byte, err error) {
	sub, err := cipherSubkey(key)
	if err != nil {
		return nil, nil, nil, err
	}
	block, err := aes.NewCipher(sub)
	if err != nil {
		return nil, nil, nil, err
	}
	gcm, err := cipher.NewGCMWithTagSize(block, tagBytes)
	if err != nil {
		return nil, nil, nil, err
	}
	iv = make([]byte, ivBytes)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, nil, err
	}
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ciphertext = sealed[:len(sealed)-tagBytes]
	tag = sealed[len(sealed)-tagBytes:]
	return iv, tag, ciphertext, nil
}

func aesGCMOpen(key *Key, iv, tag, ciphertext []byte) ([]byte, error) {
	sub, err := cipherSubkey(key)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(sub)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithTagSize(block, tagBytes)
	if err != nil {
		return nil, err
	}
	sealed := append(append([]byte(nil), ciphertext...), tag...)
	return gcm.Open(nil, iv, sealed, nil)
}
