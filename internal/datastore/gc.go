package datastore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"dedupvault/internal/index"
)

// gcMarkConcurrency bounds how many snapshots' manifests are marked at
// once. Snapshots sharing a deduplicated chunk may touch it concurrently,
// which is harmless since every touch sets the same time; this just caps
// fan-out against a datastore with thousands of snapshots.
const gcMarkConcurrency = 8

// GCResult summarizes one garbage-collection pass (§4.5, §6.6 "garbage-collect").
type GCResult struct {
	ChunksTouched int
	ChunksRemoved int
	BytesRemoved  int64
	SnapshotsSeen int
}

// gcGracePeriod is the minimum age a chunk's atime must reach, past the mark
// phase, before sweep considers it unreferenced. It absorbs the race
// between a concurrent backup job that has just put_chunk'd a chunk (but
// not yet written the index entry referencing it) and GC's mark phase
// missing that reference.
const gcGracePeriod = 24 * time.Hour

// RunGC performs the two-phase mark-and-sweep described in §4.5:
//
//  1. Mark: open every finished snapshot's manifest, then every index file
//     it names, touching (bumping the atime of) every chunk digest the
//     index references.
//  2. Sweep: iterate every chunk file in the pool; unlink any whose atime is
//     older than gcGracePeriod before the mark phase started.
//
// RunGC takes an exclusive lock on .gc.lock, so two GC runs never overlap.
// PutChunk does not take that lock: writers proceed during GC, and a chunk
// they insert meanwhile has a fresh atime that the sweep cutoff does not
// reach.
func (ds *Datastore) RunGC() (GCResult, error) {
	lockPath := filepath.Join(ds.root, ".gc.lock")
	lock, err := LockExclusive(lockPath)
	if err != nil {
		return GCResult{}, fmt.Errorf("datastore: acquire gc lock: %w", err)
	}
	defer lock.Unlock()

	markStart := time.Now()
	var res GCResult

	snapshots, err := ds.IterSnapshots(nil, nil)
	if err != nil {
		return res, fmt.Errorf("datastore: gc mark: list snapshots: %w", err)
	}

	var snapshotsSeen, chunksTouched int64
	g := new(errgroup.Group)
	g.SetLimit(gcMarkConcurrency)
	for _, snap := range snapshots {
		if !snap.Finished {
			continue
		}
		snap := snap
		atomic.AddInt64(&snapshotsSeen, 1)
		g.Go(func() error {
			entries, err := ds.ReadManifest(snap.Path)
			if err != nil {
				return fmt.Errorf("datastore: gc mark: read manifest %s: %w", snap.Path, err)
			}
			for _, e := range entries {
				n, err := ds.markIndexFile(filepath.Join(snap.Path, e.IndexFile), e.Kind, markStart)
				if err != nil {
					return fmt.Errorf("datastore: gc mark: %s/%s: %w", snap.Path, e.IndexFile, err)
				}
				atomic.AddInt64(&chunksTouched, int64(n))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	res.SnapshotsSeen = int(snapshotsSeen)
	res.ChunksTouched = int(chunksTouched)

	cutoff := markStart.Add(-gcGracePeriod)
	err = ds.iterChunkFiles(func(digest [32]byte, path string) error {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if atimeOf(info).Before(cutoff) {
			size := info.Size()
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return err
			}
			res.ChunksRemoved++
			res.BytesRemoved += size
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("datastore: gc sweep: %w", err)
	}
	return res, nil
}

// markIndexFile opens one snapshot's index file and touches every chunk
// digest it references, returning the count touched.
func (ds *Datastore) markIndexFile(path string, kind IndexKind, at time.Time) (int, error) {
	switch kind {
	case IndexFixed:
		r, err := index.OpenFixedReader(path)
		if err != nil {
			return 0, err
		}
		defer r.Close()
		for i := 0; i < r.IndexCount(); i++ {
			d, err := r.IndexDigest(i)
			if err != nil {
				return 0, err
			}
			if err := ds.touchChunk(d, at); err != nil && !os.IsNotExist(err) {
				return 0, err
			}
		}
		return r.IndexCount(), nil

	case IndexDynamic:
		r, err := index.OpenDynamicReader(path)
		if err != nil {
			return 0, err
		}
		defer r.Close()
		for i := 0; i < r.IndexCount(); i++ {
			d, err := r.IndexDigest(i)
			if err != nil {
				return 0, err
			}
			if err := ds.touchChunk(d, at); err != nil && !os.IsNotExist(err) {
				return 0, err
			}
		}
		return r.IndexCount(), nil

	default:
		return 0, fmt.Errorf("datastore: unknown index kind %q", kind)
	}
}

// TouchChunk exposes touchChunk for callers outside the package: it sets
// the chunk's atime and mtime to at, which keeps a sweep whose cutoff is
// earlier than at from removing it.
func (ds *Datastore) TouchChunk(digest [32]byte, at time.Time) error {
	return ds.touchChunk(digest, at)
}
