package pipeline

import (
	"bytes"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"dedupvault/internal/datastore"
	"dedupvault/internal/tape/changer"
	"dedupvault/internal/tape/drive"
	"dedupvault/internal/tape/format"
	"dedupvault/internal/tape/inventory"
)

// --- allocation policy ---

func newPoolMediaRef(set uuid.UUID, seq int, start time.Time) *inventory.MediaSetRef {
	return &inventory.MediaSetRef{SetUUID: set, SeqNr: seq, StartTime: start}
}

func TestAllocateNewPoolStartsNewSet(t *testing.T) {
	db, err := inventory.Open(filepath.Join(t.TempDir(), "inv.json"))
	if err != nil {
		t.Fatal(err)
	}
	got := Allocate(db, PoolConfig{Name: "offsite", Policy: AllocationContinue}, time.Now())
	if !got.NewSet {
		t.Fatalf("expected NewSet, got %+v", got)
	}
}

func TestAllocateContinuePicksWritableTail(t *testing.T) {
	db, err := inventory.Open(filepath.Join(t.TempDir(), "inv.json"))
	if err != nil {
		t.Fatal(err)
	}
	set := uuid.New()
	m0 := uuid.New()
	db.Put(inventory.Media{UUID: m0, Pool: "offsite", Status: inventory.StatusWritable, MediaSet: newPoolMediaRef(set, 0, time.Now())})

	got := Allocate(db, PoolConfig{Name: "offsite", Policy: AllocationContinue}, time.Now())
	if got.NewSet || got.MediaUUID != m0 {
		t.Fatalf("expected to continue onto %s, got %+v", m0, got)
	}
}

func TestAllocateContinueStartsNewSetWhenTailFull(t *testing.T) {
	db, err := inventory.Open(filepath.Join(t.TempDir(), "inv.json"))
	if err != nil {
		t.Fatal(err)
	}
	set := uuid.New()
	m0 := uuid.New()
	db.Put(inventory.Media{UUID: m0, Pool: "offsite", Status: inventory.StatusFull, MediaSet: newPoolMediaRef(set, 0, time.Now())})

	got := Allocate(db, PoolConfig{Name: "offsite", Policy: AllocationContinue}, time.Now())
	if !got.NewSet {
		t.Fatalf("expected a new set once the tail is full, got %+v", got)
	}
}

func TestAllocateAlwaysCreateIgnoresExistingSet(t *testing.T) {
	db, err := inventory.Open(filepath.Join(t.TempDir(), "inv.json"))
	if err != nil {
		t.Fatal(err)
	}
	set := uuid.New()
	m0 := uuid.New()
	db.Put(inventory.Media{UUID: m0, Pool: "offsite", Status: inventory.StatusWritable, MediaSet: newPoolMediaRef(set, 0, time.Now())})

	got := Allocate(db, PoolConfig{Name: "offsite", Policy: AllocationAlwaysCreate}, time.Now())
	if !got.NewSet {
		t.Fatalf("expected AlwaysCreate to start a new set, got %+v", got)
	}
}

func TestAllocateIntervalContinuesWithinWindow(t *testing.T) {
	db, err := inventory.Open(filepath.Join(t.TempDir(), "inv.json"))
	if err != nil {
		t.Fatal(err)
	}
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	set := uuid.New()
	m0 := uuid.New()
	db.Put(inventory.Media{UUID: m0, Pool: "offsite", Status: inventory.StatusWritable, MediaSet: newPoolMediaRef(set, 0, start)})

	cfg := PoolConfig{Name: "offsite", Policy: AllocationInterval, Interval: 24 * time.Hour}
	got := Allocate(db, cfg, start.Add(1*time.Hour))
	if got.NewSet || got.MediaUUID != m0 {
		t.Fatalf("expected to continue within the interval, got %+v", got)
	}

	got2 := Allocate(db, cfg, start.Add(48*time.Hour))
	if !got2.NewSet {
		t.Fatalf("expected a new set outside the interval, got %+v", got2)
	}
}

// --- block writer/reader against the archive formats ---

// memTape is an in-memory TapeWriter/TapeReader pair standing in for a
// real drive.Session, letting the archive glue be exercised without
// hardware.
type memTape struct {
	blocks [][]byte
	pos    int
	// leomAfter, if > 0, makes the N-th WriteBlock return drive.ErrLEOM.
	leomAfter int
	writes    int
}

func (t *memTape) WriteBlock(data []byte) error {
	t.writes++
	block := make([]byte, len(data))
	copy(block, data)
	t.blocks = append(t.blocks, block)
	if t.leomAfter > 0 && t.writes == t.leomAfter {
		return drive.ErrLEOM
	}
	return nil
}

func (t *memTape) WriteFilemark() error { return nil }

func (t *memTape) ReadBlock() ([]byte, error) {
	if t.pos >= len(t.blocks) {
		return nil, io.EOF
	}
	b := t.blocks[t.pos]
	t.pos++
	return b, nil
}

func TestBlockWriterReaderRoundTrip(t *testing.T) {
	tape := &memTape{}
	bw := newBlockWriter(tape)
	payload := bytes.Repeat([]byte("hello-tape-"), 10000) // spans multiple blocks
	if _, err := bw.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := bw.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	br := newBlockReader(tape)
	got := make([]byte, len(payload))
	if _, err := io.ReadFull(br, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("round-tripped payload mismatch")
	}
}

func TestChunkArchiveThroughBlockWriter(t *testing.T) {
	tape := &memTape{}
	bw := newBlockWriter(tape)
	caw, err := format.NewChunkArchiveWriter(bw, uuid.New(), "store1")
	if err != nil {
		t.Fatal(err)
	}
	var d1, d2 [32]byte
	d1[0] = 1
	d2[0] = 2
	if _, err := caw.WriteEntry(d1, []byte("chunk-one-bytes")); err != nil {
		t.Fatal(err)
	}
	if _, err := caw.WriteEntry(d2, []byte("chunk-two-bytes")); err != nil {
		t.Fatal(err)
	}
	if _, err := caw.PadToBlock(); err != nil {
		t.Fatal(err)
	}
	if err := bw.Flush(); err != nil {
		t.Fatal(err)
	}

	br := newBlockReader(tape)
	hdr, err := format.ReadHeader(br)
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	var payload format.ChunkArchivePayload
	if err := hdr.Decode(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.Store != "store1" {
		t.Fatalf("got store %q, want store1", payload.Store)
	}

	reader := format.NewChunkArchiveReader(br)
	entry1, err := reader.Next()
	if err != nil {
		t.Fatalf("next 1: %v", err)
	}
	if entry1.Digest != d1 || string(entry1.Framed) != "chunk-one-bytes" {
		t.Fatalf("entry 1 mismatch: %+v", entry1)
	}
	entry2, err := reader.Next()
	if err != nil {
		t.Fatalf("next 2: %v", err)
	}
	if entry2.Digest != d2 || string(entry2.Framed) != "chunk-two-bytes" {
		t.Fatalf("entry 2 mismatch: %+v", entry2)
	}
	if _, err := reader.Next(); !errors.Is(err, format.ErrEOD) {
		t.Fatalf("expected ErrEOD, got %v", err)
	}
}

// --- full backup job, empty-manifest snapshot (no index files needed) ---

type fakeChunkSource struct{ data map[[32]byte][]byte }

func (f *fakeChunkSource) GetChunk(digest [32]byte) ([]byte, error) {
	b, ok := f.data[digest]
	if !ok {
		return nil, errors.New("chunk not found")
	}
	return b, nil
}

type noopChanger struct{}

func (noopChanger) LoadMedia(labelText string, drive changer.ElementAddress) error { return nil }
func (noopChanger) UnloadToFreeSlot(drive changer.ElementAddress) error            { return nil }

func TestTapeBackupJobCompletesEmptyManifestSnapshot(t *testing.T) {
	inv, err := inventory.Open(filepath.Join(t.TempDir(), "inv.json"))
	if err != nil {
		t.Fatal(err)
	}
	tape := &memTape{}

	job := &TapeBackupJob{
		Pool:      PoolConfig{Name: "offsite", Policy: AllocationAlwaysCreate},
		Drive:     tape,
		DriveAddr: changer.ElementAddress(100),
		Changer:   noopChanger{},
		Inventory: inv,
		Chunks:    &fakeChunkSource{data: map[[32]byte][]byte{}},
	}

	snap := SnapshotRef{
		Store: "store1",
		ID:    datastore.SnapshotID{ID: "snap-001"},
	}

	if err := job.Run([]SnapshotRef{snap}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if job.Progress.Status != JobCompleted {
		t.Fatalf("got status %v, want JobCompleted", job.Progress.Status)
	}
	if job.Progress.SnapshotsDone != 1 {
		t.Fatalf("got SnapshotsDone %d, want 1", job.Progress.SnapshotsDone)
	}
	if len(job.catalog) != 1 || job.catalog[0].snapshot != "snap-001" {
		t.Fatalf("unexpected catalog: %+v", job.catalog)
	}

	m, ok := inv.Get(job.mediaUUID)
	if !ok {
		t.Fatal("expected media to be tracked in inventory")
	}
	if m.Status != inventory.StatusFull {
		t.Fatalf("expected media sealed full at end of set, got %v", m.Status)
	}
}

// --- restore round trip against the in-memory tape ---

func TestRestoreChunkArchiveRoundTrip(t *testing.T) {
	tape := &memTape{}
	bw := newBlockWriter(tape)
	caw, err := format.NewChunkArchiveWriter(bw, uuid.New(), "store1")
	if err != nil {
		t.Fatal(err)
	}
	var d [32]byte
	d[0] = 9
	if _, err := caw.WriteEntry(d, []byte("payload-bytes")); err != nil {
		t.Fatal(err)
	}
	if _, err := caw.PadToBlock(); err != nil {
		t.Fatal(err)
	}
	if err := bw.Flush(); err != nil {
		t.Fatal(err)
	}

	sink := &fakeChunkSink{data: make(map[[32]byte][]byte)}
	job := &TapeRestoreJob{Drive: tape, Chunks: sink}
	payload, err := job.RestoreChunkArchive()
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if payload.Store != "store1" {
		t.Fatalf("got store %q, want store1", payload.Store)
	}
	got, ok := sink.data[d]
	if !ok || string(got) != "payload-bytes" {
		t.Fatalf("chunk not restored correctly: %q ok=%v", got, ok)
	}
}

type fakeChunkSink struct{ data map[[32]byte][]byte }

func (f *fakeChunkSink) PutChunk(framed []byte, digest [32]byte) (bool, int64, error) {
	_, existed := f.data[digest]
	f.data[digest] = append([]byte(nil), framed...)
	return !existed, int64(len(framed)), nil
}
