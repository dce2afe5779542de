package datastore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"dedupvault/internal/chunk"
	"dedupvault/internal/index"
	"dedupvault/internal/logging"
)

func mustKey(t *testing.T) *chunk.Key {
	t.Helper()
	k, err := chunk.NewKey(bytes32(7))
	if err != nil {
		t.Fatal(err)
	}
	return k
}

func bytes32(fill byte) []byte {
	b := make([]byte, 32)
	for i := range b {
		b[i] = fill
	}
	return b
}

func TestPutChunkDedup(t *testing.T) {
	ds, err := New(t.TempDir(), nil, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	framed, digest, err := chunk.Encode([]byte("hello world"), chunk.EncodeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	inserted, _, err := ds.PutChunk(framed, digest)
	if err != nil || !inserted {
		t.Fatalf("first put: inserted=%v err=%v", inserted, err)
	}
	inserted, _, err = ds.PutChunk(framed, digest)
	if err != nil || inserted {
		t.Fatalf("second put should be a no-op: inserted=%v err=%v", inserted, err)
	}
	got, err := ds.GetChunkDecoded(digest)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello world" {
		t.Fatalf("got %q", got)
	}
}

func TestCreateSnapshotDirExclusive(t *testing.T) {
	ds, err := New(t.TempDir(), nil, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	id := SnapshotID{Namespace: []string{"tenant-a"}, Type: TypeHost, ID: "box1", Time: time.Now().UTC().Truncate(time.Second)}
	path1, created1, err := ds.CreateSnapshotDir(id)
	if err != nil || !created1 {
		t.Fatalf("first create: created=%v err=%v", created1, err)
	}
	path2, created2, err := ds.CreateSnapshotDir(id)
	if err != nil || created2 {
		t.Fatalf("second create should report created=false: created=%v err=%v", created2, err)
	}
	if path1 != path2 {
		t.Fatalf("paths differ: %q vs %q", path1, path2)
	}
}

func TestManifestSignatureDetectsTamper(t *testing.T) {
	dir := t.TempDir()
	ds, err := New(dir, mustKey(t), logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	id := SnapshotID{Type: TypeVM, ID: "vm1", Time: time.Now().UTC().Truncate(time.Second)}
	path, _, err := ds.CreateSnapshotDir(id)
	if err != nil {
		t.Fatal(err)
	}
	entries := []ManifestEntry{{Name: "disk.img", Size: 4096, IndexFile: "disk.img.fidx", Kind: IndexFixed}}
	if err := ds.WriteManifest(path, entries); err != nil {
		t.Fatal(err)
	}
	if _, err := ds.ReadManifest(path); err != nil {
		t.Fatalf("read back clean manifest: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(path, manifestFilename))
	if err != nil {
		t.Fatal(err)
	}
	tampered := append([]byte{}, raw...)
	tampered[len(tampered)-10] ^= 0xff
	if err := os.WriteFile(filepath.Join(path, manifestFilename), tampered, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ds.ReadManifest(path); err == nil {
		t.Fatal("expected signature mismatch on tampered manifest")
	}
}

func TestRunGCMarksAndSweeps(t *testing.T) {
	dir := t.TempDir()
	ds, err := New(dir, nil, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}

	keptFramed, keptDigest, err := chunk.Encode([]byte("kept"), chunk.EncodeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	orphanFramed, orphanDigest, err := chunk.Encode([]byte("orphan"), chunk.EncodeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := ds.PutChunk(keptFramed, keptDigest); err != nil {
		t.Fatal(err)
	}
	if _, _, err := ds.PutChunk(orphanFramed, orphanDigest); err != nil {
		t.Fatal(err)
	}

	id := SnapshotID{Type: TypeHost, ID: "h1", Time: time.Now().UTC().Truncate(time.Second)}
	path, _, err := ds.CreateSnapshotDir(id)
	if err != nil {
		t.Fatal(err)
	}
	idxPath := filepath.Join(path, "f.fidx")
	w, err := index.NewFixedWriter(idxPath, uuid.New(), time.Now(), int64(len(keptFramed)))
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Append(keptDigest, int64(len("kept"))); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Close(); err != nil {
		t.Fatal(err)
	}
	r, err := index.OpenFixedReader(idxPath)
	if err != nil {
		t.Fatal(err)
	}
	csum, _ := r.ComputeCsum()
	r.Close()

	entries := []ManifestEntry{{Name: "f", Size: 4, IndexFile: "f.fidx", Kind: IndexFixed, IndexChecksum: csum}}
	if err := ds.WriteManifest(path, entries); err != nil {
		t.Fatal(err)
	}

	// Back-date the orphan chunk's atime past the grace period so sweep
	// removes it; the kept chunk keeps its fresh atime from PutChunk.
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(ds.chunkPath(orphanDigest), old, old); err != nil {
		t.Fatal(err)
	}

	res, err := ds.RunGC()
	if err != nil {
		t.Fatal(err)
	}
	if res.ChunksRemoved != 1 {
		t.Fatalf("expected 1 chunk removed, got %d", res.ChunksRemoved)
	}
	if !ds.ChunkExists(keptDigest) {
		t.Fatal("kept chunk should survive GC")
	}
	if ds.ChunkExists(orphanDigest) {
		t.Fatal("orphan chunk should be swept")
	}
}

func TestVerifyDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	ds, err := New(dir, nil, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	framed, digest, err := chunk.Encode([]byte("payload"), chunk.EncodeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := ds.PutChunk(framed, digest); err != nil {
		t.Fatal(err)
	}

	res, err := ds.Verify(VerifyOptions{DecodeChunks: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Issues) != 0 {
		t.Fatalf("expected no issues before corruption, got %+v", res.Issues)
	}

	path := ds.chunkPath(digest)
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	raw[len(raw)-1] ^= 0xff
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	res, err = ds.Verify(VerifyOptions{DecodeChunks: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Issues) != 1 || res.Issues[0].Kind != "chunk-corrupt" {
		t.Fatalf("expected one chunk-corrupt issue, got %+v", res.Issues)
	}
}
