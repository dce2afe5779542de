package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"

	"dedupvault/internal/datastore"
	"dedupvault/internal/tape/format"
)

// ChunkSink accepts a recovered chunk's framed bytes, the way
// *datastore.Datastore.PutChunk does.
type ChunkSink interface {
	PutChunk(framed []byte, digest [32]byte) (inserted bool, physicalSize int64, err error)
}

// RestoredSnapshot is one snapshot reconstructed from a tape's archives.
type RestoredSnapshot struct {
	Store    string
	Snapshot string
	Manifest []datastore.ManifestEntry
}

// TapeRestoreJob reads chunk and snapshot archives back off a tape,
// landing chunks in a destination datastore and recovering each
// snapshot's manifest (§4.12's implicit restore counterpart, supplementing
// the backup-only pipeline the distilled spec describes).
type TapeRestoreJob struct {
	Drive  TapeReader
	Chunks ChunkSink

	Progress Progress
}

// RestoreChunkArchive reads one chunk archive's header and every entry,
// writing each chunk into Chunks. It stops at ErrEOD (including a
// truncated trailing entry, which is not an error here either).
func (j *TapeRestoreJob) RestoreChunkArchive() (format.ChunkArchivePayload, error) {
	br := newBlockReader(j.Drive)
	hdr, err := format.ReadHeader(br)
	if err != nil {
		return format.ChunkArchivePayload{}, fmt.Errorf("read chunk archive header: %w", err)
	}
	var payload format.ChunkArchivePayload
	if err := hdr.Decode(&payload); err != nil {
		return format.ChunkArchivePayload{}, fmt.Errorf("decode chunk archive header: %w", err)
	}

	reader := format.NewChunkArchiveReader(br)
	for {
		entry, err := reader.Next()
		if errors.Is(err, format.ErrEOD) {
			break
		}
		if err != nil {
			return payload, fmt.Errorf("read chunk entry: %w", err)
		}
		if _, n, err := j.Chunks.PutChunk(entry.Framed, entry.Digest); err != nil {
			return payload, fmt.Errorf("restore chunk %x: %w", entry.Digest, err)
		} else {
			j.Progress.addChunk(n)
		}
	}
	return payload, nil
}

// RestoreSnapshotArchive reads one snapshot archive, extracting its
// manifest.json inner file.
func (j *TapeRestoreJob) RestoreSnapshotArchive() (RestoredSnapshot, error) {
	br := newBlockReader(j.Drive)
	hdr, err := format.ReadHeader(br)
	if err != nil {
		return RestoredSnapshot{}, fmt.Errorf("read snapshot archive header: %w", err)
	}
	var payload format.SnapshotArchivePayload
	if err := hdr.Decode(&payload); err != nil {
		return RestoredSnapshot{}, fmt.Errorf("decode snapshot archive header: %w", err)
	}

	reader := format.NewSnapshotArchiveReader(br)
	var manifest []datastore.ManifestEntry
	for {
		file, err := reader.Next()
		if errors.Is(err, format.ErrEOD) {
			break
		}
		if err != nil {
			return RestoredSnapshot{}, fmt.Errorf("read snapshot archive file: %w", err)
		}
		if file.Name == "manifest.json" {
			if err := json.Unmarshal(file.Data, &manifest); err != nil {
				return RestoredSnapshot{}, fmt.Errorf("decode manifest: %w", err)
			}
		}
	}
	j.Progress.incrSnapshot()
	return RestoredSnapshot{Store: payload.Store, Snapshot: payload.Snapshot, Manifest: manifest}, nil
}

// ArchiveKind identifies which of the three on-tape archive formats
// RestoreNext found.
type ArchiveKind int

const (
	ArchiveKindChunk ArchiveKind = iota + 1
	ArchiveKindSnapshot
	ArchiveKindCatalog
)

// RestoredArchive is the outcome of one RestoreNext call: exactly one of
// Chunk, Snapshot, or Catalog/CatalogPayload is populated, per Kind.
type RestoredArchive struct {
	Kind           ArchiveKind
	Chunk          format.ChunkArchivePayload
	Snapshot       RestoredSnapshot
	Catalog        []byte
	CatalogPayload format.CatalogArchivePayload
}

// RestoreNext reads whichever archive sits next on the tape, identifying
// it from the content header's magic before dispatching, and restores it
// the same way the kind-specific Restore* methods do. Used by a restore
// job that doesn't know in advance how many archives of each kind a given
// medium holds (§4.12 doesn't fix that count; it falls out of how many
// snapshots fit before LEOM).
func (j *TapeRestoreJob) RestoreNext() (RestoredArchive, error) {
	br := newBlockReader(j.Drive)
	hdr, err := format.ReadHeader(br)
	if err != nil {
		return RestoredArchive{}, fmt.Errorf("read archive header: %w", err)
	}

	switch hdr.Magic {
	case format.MagicChunkArchiveV10, format.MagicChunkArchiveV11:
		var payload format.ChunkArchivePayload
		if err := hdr.Decode(&payload); err != nil {
			return RestoredArchive{}, fmt.Errorf("decode chunk archive header: %w", err)
		}
		reader := format.NewChunkArchiveReader(br)
		for {
			entry, err := reader.Next()
			if errors.Is(err, format.ErrEOD) {
				break
			}
			if err != nil {
				return RestoredArchive{}, fmt.Errorf("read chunk entry: %w", err)
			}
			if _, n, err := j.Chunks.PutChunk(entry.Framed, entry.Digest); err != nil {
				return RestoredArchive{}, fmt.Errorf("restore chunk %x: %w", entry.Digest, err)
			} else {
				j.Progress.addChunk(n)
			}
		}
		return RestoredArchive{Kind: ArchiveKindChunk, Chunk: payload}, nil

	case format.MagicSnapArchiveV10, format.MagicSnapArchiveV12:
		var payload format.SnapshotArchivePayload
		if err := hdr.Decode(&payload); err != nil {
			return RestoredArchive{}, fmt.Errorf("decode snapshot archive header: %w", err)
		}
		reader := format.NewSnapshotArchiveReader(br)
		var manifest []datastore.ManifestEntry
		for {
			file, err := reader.Next()
			if errors.Is(err, format.ErrEOD) {
				break
			}
			if err != nil {
				return RestoredArchive{}, fmt.Errorf("read snapshot archive file: %w", err)
			}
			if file.Name == "manifest.json" {
				if err := json.Unmarshal(file.Data, &manifest); err != nil {
					return RestoredArchive{}, fmt.Errorf("decode manifest: %w", err)
				}
			}
		}
		j.Progress.incrSnapshot()
		return RestoredArchive{
			Kind:     ArchiveKindSnapshot,
			Snapshot: RestoredSnapshot{Store: payload.Store, Snapshot: payload.Snapshot, Manifest: manifest},
		}, nil

	case format.MagicCatalogArchiveV10, format.MagicCatalogArchiveV11:
		var payload format.CatalogArchivePayload
		if err := hdr.Decode(&payload); err != nil {
			return RestoredArchive{}, fmt.Errorf("decode catalog archive header: %w", err)
		}
		blob, err := format.ReadCatalogArchiveBlob(br)
		if err != nil {
			return RestoredArchive{}, fmt.Errorf("read catalog blob: %w", err)
		}
		return RestoredArchive{Kind: ArchiveKindCatalog, Catalog: blob, CatalogPayload: payload}, nil

	default:
		return RestoredArchive{}, fmt.Errorf("restore: unexpected archive magic %s", hdr.Magic.Name())
	}
}

// RestoreCatalogArchive reads a catalog archive's raw payload blob.
func (j *TapeRestoreJob) RestoreCatalogArchive() ([]byte, format.CatalogArchivePayload, error) {
	br := newBlockReader(j.Drive)
	hdr, err := format.ReadHeader(br)
	if err != nil {
		return nil, format.CatalogArchivePayload{}, fmt.Errorf("read catalog archive header: %w", err)
	}
	var payload format.CatalogArchivePayload
	if err := hdr.Decode(&payload); err != nil {
		return nil, format.CatalogArchivePayload{}, fmt.Errorf("decode catalog archive header: %w", err)
	}
	blob, err := format.ReadCatalogArchiveBlob(br)
	if err != nil {
		return nil, payload, fmt.Errorf("read catalog blob: %w", err)
	}
	return blob, payload, nil
}
