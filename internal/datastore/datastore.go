// Package datastore implements the chunk store and snapshot directory
// operations (spec §4.5, §6.5): content-addressed put/get of chunks,
// snapshot directory lifecycle, manifest signing, and garbage collection.
package datastore

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dedupvault/internal/chunk"
	"dedupvault/internal/logging"
)

var (
	ErrChunkMissing = errors.New("datastore: chunk missing")
	ErrBadDigest    = errors.New("datastore: malformed digest")
)

// Datastore roots one on-disk store: a chunk pool under .chunks/ and a
// snapshot tree alongside it, per the §6.5 layout.
type Datastore struct {
	root string
	key  *chunk.Key // nil: unencrypted store
	log  *slog.Logger
}

// New opens a datastore rooted at root. key is nil for an unencrypted
// store.
func New(root string, key *chunk.Key, logger *slog.Logger) (*Datastore, error) {
	if err := os.MkdirAll(filepath.Join(root, ".chunks"), 0o755); err != nil {
		return nil, fmt.Errorf("datastore: init chunk pool: %w", err)
	}
	return &Datastore{
		root: root,
		key:  key,
		log:  logging.Default(logger).With("component", "datastore", "root", root),
	}, nil
}

func (ds *Datastore) Root() string    { return ds.root }
func (ds *Datastore) Key() *chunk.Key { return ds.key }

// chunkPath returns the on-disk path for a digest: the first 4 hex chars
// form a sub-directory (≤ 65,536 leaves, per §4.5).
func (ds *Datastore) chunkPath(digest [32]byte) string {
	hexDigest := hex.EncodeToString(digest[:])
	return filepath.Join(ds.root, ".chunks", hexDigest[:4], hexDigest)
}

// PutChunk writes framed_bytes under digest if absent. A pre-existing file
// makes this call a no-op (chunk-store puts are commutative, per §5).
// Writes go to a temp file in the same directory, then rename (atomic under
// POSIX).
func (ds *Datastore) PutChunk(framed []byte, digest [32]byte) (inserted bool, physicalSize int64, err error) {
	path := ds.chunkPath(digest)
	if _, err := os.Stat(path); err == nil {
		return false, 0, nil
	} else if !os.IsNotExist(err) {
		return false, 0, fmt.Errorf("datastore: stat chunk: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, 0, fmt.Errorf("datastore: mkdir chunk dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".put-*.tmp")
	if err != nil {
		return false, 0, fmt.Errorf("datastore: create temp chunk: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(framed); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return false, 0, fmt.Errorf("datastore: write chunk: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return false, 0, fmt.Errorf("datastore: sync chunk: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return false, 0, fmt.Errorf("datastore: close chunk: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		// Another writer may have raced us to the same digest; that's fine,
		// puts are commutative.
		if _, statErr := os.Stat(path); statErr == nil {
			os.Remove(tmpPath)
			return false, 0, nil
		}
		os.Remove(tmpPath)
		return false, 0, fmt.Errorf("datastore: rename chunk: %w", err)
	}
	return true, int64(len(framed)), nil
}

// GetChunk reads the framed bytes stored under digest.
func (ds *Datastore) GetChunk(digest [32]byte) ([]byte, error) {
	path := ds.chunkPath(digest)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrChunkMissing
		}
		return nil, fmt.Errorf("datastore: read chunk: %w", err)
	}
	return data, nil
}

// GetChunkDecoded composes GetChunk with the chunk codec's Decode, the
// operation the buffered reader's fetcher actually needs.
func (ds *Datastore) GetChunkDecoded(digest [32]byte) ([]byte, error) {
	framed, err := ds.GetChunk(digest)
	if err != nil {
		return nil, err
	}
	plain, err := chunk.Decode(framed, chunk.DecodeOptions{Key: ds.key, ExpectedDigest: &digest})
	if err != nil {
		return nil, fmt.Errorf("datastore: decode chunk: %w", err)
	}
	return plain, nil
}

// ChunkExists reports whether digest is present in the store, without
// reading its contents.
func (ds *Datastore) ChunkExists(digest [32]byte) bool {
	_, err := os.Stat(ds.chunkPath(digest))
	return err == nil
}

// touchChunk updates a chunk's atime (and mtime, since Go's os.Chtimes sets
// both) to at, used by GC's mark phase.
func (ds *Datastore) touchChunk(digest [32]byte, at time.Time) error {
	path := ds.chunkPath(digest)
	return os.Chtimes(path, at, at)
}

// iterChunkFiles walks every chunk file under .chunks/, calling fn with its
// digest and path. Used by GC's sweep phase.
func (ds *Datastore) iterChunkFiles(fn func(digest [32]byte, path string) error) error {
	chunksDir := filepath.Join(ds.root, ".chunks")
	entries, err := os.ReadDir(chunksDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, sub := range entries {
		if !sub.IsDir() {
			continue
		}
		subPath := filepath.Join(chunksDir, sub.Name())
		files, err := os.ReadDir(subPath)
		if err != nil {
			return err
		}
		for _, f := range files {
			if f.IsDir() || len(f.Name()) != 64 {
				continue
			}
			raw, err := hex.DecodeString(f.Name())
			if err != nil || len(raw) != 32 {
				continue
			}
			var digest [32]byte
			copy(digest[:], raw)
			if err := fn(digest, filepath.Join(subPath, f.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

// copyAll drains r into w. No code in the package calls it.
func copyAll(w io.Writer, r io.Reader) (int64, error) { return io.Copy(w, r) }
