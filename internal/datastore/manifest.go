package datastore

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"dedupvault/internal/apperr"
	"dedupvault/internal/chunk"
)

// IndexKind identifies which index format backs a manifest entry.
type IndexKind string

const (
	IndexFixed   IndexKind = "fixed"
	IndexDynamic IndexKind = "dynamic"
)

// ManifestEntry describes one logical file within a snapshot (§4.5): its
// name, its index file (fixed or dynamic, stored alongside the manifest in
// the snapshot directory), and the checksum that index file's entries must
// recompute to.
type ManifestEntry struct {
	Name          string    `json:"name"`
	Size          int64     `json:"size"`
	IndexFile     string    `json:"index-file"`
	Kind          IndexKind `json:"kind"`
	IndexChecksum [32]byte  `json:"index-checksum"`
}

// MarshalJSON encodes the checksum as hex, since [32]byte's default JSON
// encoding is an ugly array-of-numbers.
func (e ManifestEntry) MarshalJSON() ([]byte, error) {
	type alias struct {
		Name          string    `json:"name"`
		Size          int64     `json:"size"`
		IndexFile     string    `json:"index-file"`
		Kind          IndexKind `json:"kind"`
		IndexChecksum string    `json:"index-checksum"`
	}
	return json.Marshal(alias{
		Name:          e.Name,
		Size:          e.Size,
		IndexFile:     e.IndexFile,
		Kind:          e.Kind,
		IndexChecksum: hex.EncodeToString(e.IndexChecksum[:]),
	})
}

func (e *ManifestEntry) UnmarshalJSON(b []byte) error {
	type alias struct {
		Name          string    `json:"name"`
		Size          int64     `json:"size"`
		IndexFile     string    `json:"index-file"`
		Kind          IndexKind `json:"kind"`
		IndexChecksum string    `json:"index-checksum"`
	}
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	e.Name = a.Name
	e.Size = a.Size
	e.IndexFile = a.IndexFile
	e.Kind = a.Kind
	if err := decodeHexDigest(a.IndexChecksum, &e.IndexChecksum); err != nil {
		return fmt.Errorf("datastore: bad manifest index-checksum: %w", err)
	}
	return nil
}

func decodeHexDigest(s string, out *[32]byte) error {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return fmt.Errorf("expected 32-byte hex digest, got %q", s)
	}
	copy(out[:], raw)
	return nil
}

// Manifest lists every file in a snapshot. It holds no signature; the HMAC
// signature lives in the on-disk envelope, onDiskManifest.
type Manifest struct {
	Files []ManifestEntry `json:"files"`
}

const manifestFilename = "index.json.blob"

// signature is the canonical-JSON HMAC-SHA256 of Files, keyed from the
// datastore's encryption key via chunk.ManifestSubkey. Unencrypted
// datastores have no signing key; their manifests are unsigned (integrity
// then rests entirely on the per-chunk CRC and the index checksum).
func signManifest(key *chunk.Key, files []ManifestEntry) ([]byte, error) {
	canon, err := canonicalJSON(files)
	if err != nil {
		return nil, err
	}
	sub, err := chunk.ManifestSubkey(key)
	if err != nil {
		return nil, fmt.Errorf("datastore: derive manifest key: %w", err)
	}
	mac := hmac.New(sha256.New, sub)
	mac.Write(canon)
	return mac.Sum(nil), nil
}

// canonicalJSON re-marshals files with sorted map keys (there are none here,
// but json.Marshal of a slice of structs is already deterministic field
// order) so the signature is stable across encode/decode round trips.
func canonicalJSON(files []ManifestEntry) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(files); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// onDiskManifest is the signed envelope written to disk.
type onDiskManifest struct {
	Files     []ManifestEntry `json:"files"`
	Signature string          `json:"signature,omitempty"`
}

// WriteManifest writes and, if the datastore is encrypted, signs the
// manifest for the snapshot at path, via the usual temp+rename commit.
func (ds *Datastore) WriteManifest(path string, files []ManifestEntry) error {
	out := onDiskManifest{Files: files}
	if ds.key != nil {
		sig, err := signManifest(ds.key, files)
		if err != nil {
			return err
		}
		out.Signature = fmt.Sprintf("%x", sig)
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("datastore: marshal manifest: %w", err)
	}

	dest := filepath.Join(path, manifestFilename)
	tmp, err := os.CreateTemp(path, ".manifest-*.tmp")
	if err != nil {
		return fmt.Errorf("datastore: create temp manifest: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("datastore: write manifest: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("datastore: sync manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("datastore: close manifest: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("datastore: rename manifest: %w", err)
	}
	return nil
}

// ReadManifest reads a snapshot's manifest and, if the datastore is
// encrypted, verifies its signature, returning apperr-classified Corrupt on
// mismatch.
func (ds *Datastore) ReadManifest(path string) ([]ManifestEntry, error) {
	data, err := os.ReadFile(filepath.Join(path, manifestFilename))
	if err != nil {
		return nil, fmt.Errorf("datastore: read manifest: %w", err)
	}
	var in onDiskManifest
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("datastore: parse manifest: %w", err)
	}
	if ds.key != nil {
		want, err := signManifest(ds.key, in.Files)
		if err != nil {
			return nil, err
		}
		got, err := hex.DecodeString(in.Signature)
		if err != nil || !hmac.Equal(got, want) {
			return nil, apperr.Wrap(apperr.ClassCorrupt, "", fmt.Errorf("datastore: manifest signature mismatch"))
		}
	}
	return in.Files, nil
}
