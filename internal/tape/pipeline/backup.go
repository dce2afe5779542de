package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"dedupvault/internal/datastore"
	"dedupvault/internal/index"
	"dedupvault/internal/tape/changer"
	"dedupvault/internal/tape/drive"
	"dedupvault/internal/tape/format"
	"dedupvault/internal/tape/inventory"
)

// JobStatus mirrors the lifecycle states the teacher's scheduler tracks
// for long-running jobs (pending/running/completed/failed).
type JobStatus int

const (
	JobPending JobStatus = iota
	JobRunning
	JobCompleted
	JobFailed
)

// Progress tracks counters and errors for a running or completed tape job.
// Methods are safe for concurrent use.
type Progress struct {
	mu             sync.RWMutex
	Status         JobStatus
	SnapshotsTotal int
	SnapshotsDone  int
	ChunksWritten  int64
	BytesWritten   int64
	MediaUsed      []uuid.UUID
	Error          string
	StartedAt      time.Time
	CompletedAt    time.Time
}

func (p *Progress) setRunning(total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Status = JobRunning
	p.SnapshotsTotal = total
	p.StartedAt = time.Now()
}

func (p *Progress) addChunk(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ChunksWritten++
	p.BytesWritten += n
}

func (p *Progress) incrSnapshot() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SnapshotsDone++
}

func (p *Progress) noteMedia(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.MediaUsed {
		if existing == id {
			return
		}
	}
	p.MediaUsed = append(p.MediaUsed, id)
}

func (p *Progress) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Status = JobFailed
	p.Error = err.Error()
	p.CompletedAt = time.Now()
}

func (p *Progress) complete() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Status = JobCompleted
	p.CompletedAt = time.Now()
}

// ChunkSource fetches a chunk's framed (on-disk) bytes by digest.
// *datastore.Datastore satisfies this.
type ChunkSource interface {
	GetChunk(digest [32]byte) ([]byte, error)
}

// MediaChanger is the subset of *changer.Changer a backup job drives.
type MediaChanger interface {
	LoadMedia(labelText string, drive changer.ElementAddress) error
	UnloadToFreeSlot(drive changer.ElementAddress) error
}

// ErrMediaDamaged is returned when a media write fails mid-archive; the
// job marks the media damaged in inventory and the caller should retry
// with TapeBackupJob.Resume on a fresh medium.
var ErrMediaDamaged = errors.New("pipeline: media write failed, marked damaged")

// SnapshotRef identifies one snapshot to back up along with the manifest
// describing its index files. Dir is the snapshot's directory on disk;
// Manifest's IndexFile entries are bare filenames within it (matching
// datastore.ManifestEntry's on-disk convention), so every reader of one
// must join it against Dir first.
type SnapshotRef struct {
	Store     string
	Namespace []string
	ID        datastore.SnapshotID
	Dir       string
	Manifest  []datastore.ManifestEntry
}

// TapeBackupJob drives the end-to-end tape backup pipeline (§4.12): pool
// allocation, media-set lifecycle, chunk/snapshot archive writing with
// LEOM fan-out across media, and catalog assembly.
type TapeBackupJob struct {
	Pool      PoolConfig
	Drive     TapeWriter
	DriveAddr changer.ElementAddress
	Changer   MediaChanger
	Inventory *inventory.DB
	Chunks    ChunkSource
	Now       func() time.Time

	Progress Progress

	mediaUUID uuid.UUID
	setUUID   uuid.UUID
	catalog   []catalogEntry
	lastDone  int // index into Snapshots of the last fully committed snapshot
}

type catalogEntry struct {
	snapshot string
	size     int64
}

func (j *TapeBackupJob) now() time.Time {
	if j.Now != nil {
		return j.Now()
	}
	return time.Now()
}

// Run backs up snapshots in order, writing chunk archives and snapshot
// archives to tape and assembling the in-memory catalog, sealing the
// media set at the end per §4.12.
func (j *TapeBackupJob) Run(snapshots []SnapshotRef) error {
	j.Progress.setRunning(len(snapshots))

	alloc := Allocate(j.Inventory, j.Pool, j.now())
	if err := j.mountAllocation(alloc); err != nil {
		j.Progress.fail(err)
		return err
	}

	for i, snap := range snapshots {
		if err := j.writeSnapshot(snap); err != nil {
			j.markCurrentMediaDamaged()
			j.Progress.fail(err)
			return fmt.Errorf("pipeline: snapshot %d/%d: %w: %w", i+1, len(snapshots), ErrMediaDamaged, err)
		}
		j.lastDone = i + 1
		j.Progress.incrSnapshot()
	}

	if err := j.sealSet(); err != nil {
		j.Progress.fail(err)
		return err
	}
	j.Progress.complete()
	return nil
}

// Resume continues a previously failed Run from the last committed
// snapshot boundary, per §4.12's resumability guarantee: "the job resumes
// on a fresh medium from the last committed snapshot boundary (chunks may
// be re-written)".
func (j *TapeBackupJob) Resume(snapshots []SnapshotRef) error {
	remaining := snapshots[j.lastDone:]
	j.lastDone = 0
	return j.Run(remaining)
}

func (j *TapeBackupJob) mountAllocation(alloc Allocation) error {
	if alloc.NewSet {
		j.setUUID = uuid.New()
	} else {
		j.setUUID = alloc.SetUUID
	}
	if alloc.MediaUUID == uuid.Nil {
		j.mediaUUID = uuid.New()
	} else {
		j.mediaUUID = alloc.MediaUUID
	}
	j.Progress.noteMedia(j.mediaUUID)

	m, existing := j.Inventory.Get(j.mediaUUID)
	if !existing {
		m = inventory.Media{UUID: j.mediaUUID, Pool: j.Pool.Name, Status: inventory.StatusUnassigned, Location: inventory.Offline()}
	}
	needsLabel := m.MediaSet == nil

	if err := j.Changer.LoadMedia(m.Label, j.DriveAddr); err != nil {
		return fmt.Errorf("load media: %w", err)
	}

	if needsLabel {
		members := j.Inventory.ComputeMediaSetMembers(j.setUUID)
		seq := len(members)
		m.MediaSet = &inventory.MediaSetRef{SetUUID: j.setUUID, SeqNr: seq, StartTime: j.now()}
		m.Status = inventory.StatusWritable
		j.Inventory.Put(m)
	}
	return nil
}

func (j *TapeBackupJob) writeSnapshot(snap SnapshotRef) error {
	digests, err := collectManifestDigests(snap.Dir, snap.Manifest)
	if err != nil {
		return err
	}

	bw := newBlockWriter(j.Drive)
	caw, err := format.NewChunkArchiveWriter(bw, j.mediaUUID, snap.Store)
	if err != nil {
		return fmt.Errorf("open chunk archive: %w", err)
	}

	var total int64
	for _, digest := range digests {
		framed, err := j.Chunks.GetChunk(digest)
		if err != nil {
			return fmt.Errorf("read chunk %x: %w", digest, err)
		}
		n, err := caw.WriteEntry(digest, framed)
		if err != nil {
			if !errors.Is(err, drive.ErrLEOM) {
				return fmt.Errorf("write chunk entry: %w", err)
			}
			if err := j.rolloverOnLEOM(); err != nil {
				return err
			}
			return j.writeSnapshot(snap) // restart this snapshot on the new medium
		}
		total += n
		j.Progress.addChunk(n)
	}
	if _, err := caw.PadToBlock(); err != nil {
		return fmt.Errorf("pad chunk archive: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush chunk archive: %w", err)
	}
	if err := j.Drive.WriteFilemark(); err != nil {
		return fmt.Errorf("write filemark: %w", err)
	}

	if err := j.writeSnapshotArchive(snap); err != nil {
		return err
	}

	j.catalog = append(j.catalog, catalogEntry{snapshot: snap.ID.ID, size: total})
	return nil
}

// writeSnapshotArchive writes the snapshot's manifest (and the manifest
// alone — referenced chunks already landed via the chunk archive written
// just before this) as a snapshot-archive file (§4.12 step 3).
func (j *TapeBackupJob) writeSnapshotArchive(snap SnapshotRef) error {
	manifestJSON, err := json.Marshal(snap.Manifest)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	bw := newBlockWriter(j.Drive)
	sw, err := format.NewSnapshotArchiveWriter(bw, j.mediaUUID, format.SnapshotArchivePayload{
		Store:     snap.Store,
		Snapshot:  snap.ID.ID,
		Namespace: snap.Namespace,
	})
	if err != nil {
		return fmt.Errorf("open snapshot archive: %w", err)
	}
	if err := sw.WriteFile("manifest.json", manifestJSON); err != nil {
		return fmt.Errorf("write manifest into snapshot archive: %w", err)
	}
	if err := sw.Close(); err != nil {
		return fmt.Errorf("close snapshot archive: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush snapshot archive: %w", err)
	}
	return j.Drive.WriteFilemark()
}

// rolloverOnLEOM closes out the current medium and mounts the next one in
// the set, per §4.12 step 3 ("on LEOM close archive, eject, and recurse
// into step 2 with the next media").
func (j *TapeBackupJob) rolloverOnLEOM() error {
	m, _ := j.Inventory.Get(j.mediaUUID)
	m.Status = inventory.StatusFull
	j.Inventory.Put(m)

	if err := j.Changer.UnloadToFreeSlot(j.DriveAddr); err != nil {
		return fmt.Errorf("eject full media: %w", err)
	}

	return j.mountAllocation(Allocation{NewSet: false, SetUUID: j.setUUID})
}

func (j *TapeBackupJob) markCurrentMediaDamaged() {
	m, ok := j.Inventory.Get(j.mediaUUID)
	if !ok {
		return
	}
	m.Status = inventory.StatusDamaged
	j.Inventory.Put(m)
}

// sealSet marks each member of the set full and writes the catalog archive
// once, to the medium currently in the drive; the other members get no
// copy. The archive body is plain text, one "<snapshot> <bytes>" line per
// snapshot this job wrote, not an internal/catalog blob.
func (j *TapeBackupJob) sealSet() error {
	members := j.Inventory.ComputeMediaSetMembers(j.setUUID)
	for _, memberID := range members {
		if memberID == nil {
			continue
		}
		m, ok := j.Inventory.Get(*memberID)
		if !ok {
			continue
		}
		m.Status = inventory.StatusFull
		j.Inventory.Put(m)
	}

	bw := newBlockWriter(j.Drive)
	var catalogBytes []byte
	for _, entry := range j.catalog {
		catalogBytes = append(catalogBytes, []byte(fmt.Sprintf("%s %d\n", entry.snapshot, entry.size))...)
	}
	payload := format.CatalogArchivePayload{MediaUUID: j.mediaUUID, MediaSetUUID: j.setUUID, SeqNr: len(members) - 1}
	if err := format.WriteCatalogArchive(bw, payload, catalogBytes); err != nil {
		return fmt.Errorf("write catalog archive: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush catalog archive: %w", err)
	}
	return j.Drive.WriteFilemark()
}

// collectManifestDigests opens every index file a manifest references
// (joined against dir, the snapshot's directory, since ManifestEntry.
// IndexFile is a bare filename) and returns the union of chunk digests it
// covers, in manifest order.
func collectManifestDigests(dir string, entries []datastore.ManifestEntry) ([][32]byte, error) {
	var digests [][32]byte
	for _, e := range entries {
		path := filepath.Join(dir, e.IndexFile)
		switch e.Kind {
		case datastore.IndexFixed:
			r, err := index.OpenFixedReader(path)
			if err != nil {
				return nil, fmt.Errorf("open index %s: %w", path, err)
			}
			for i := 0; i < r.IndexCount(); i++ {
				d, err := r.IndexDigest(i)
				if err != nil {
					r.Close()
					return nil, err
				}
				digests = append(digests, d)
			}
			r.Close()
		case datastore.IndexDynamic:
			r, err := index.OpenDynamicReader(path)
			if err != nil {
				return nil, fmt.Errorf("open index %s: %w", path, err)
			}
			for i := 0; i < r.IndexCount(); i++ {
				d, err := r.IndexDigest(i)
				if err != nil {
					r.Close()
					return nil, err
				}
				digests = append(digests, d)
			}
			r.Close()
		}
	}
	return digests, nil
}
