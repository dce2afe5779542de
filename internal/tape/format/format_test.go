package format

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestHeaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	id := uuid.New()
	if err := WriteHeader(&buf, MagicMediaLabel, id, MediaLabelPayload{LabelText: "LTO-0001", CTime: time.Now().UTC().Truncate(time.Second)}); err != nil {
		t.Fatal(err)
	}
	h, err := ReadHeader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if h.Magic != MagicMediaLabel || h.UUID != id {
		t.Fatalf("got magic=%v uuid=%v", h.Magic, h.UUID)
	}
	var payload MediaLabelPayload
	if err := h.Decode(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.LabelText != "LTO-0001" {
		t.Fatalf("got label %q", payload.LabelText)
	}
}

func TestWriteHeaderRejectsLegacyMagic(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteHeader(&buf, MagicChunkArchiveV10, uuid.New(), ChunkArchivePayload{Store: "s"}); err == nil {
		t.Fatal("expected error writing legacy magic")
	}
}

func TestChunkArchiveRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewChunkArchiveWriter(&buf, uuid.New(), "store-a")
	if err != nil {
		t.Fatal(err)
	}
	var d1, d2 [32]byte
	d1[0], d2[0] = 1, 2
	if _, err := w.WriteEntry(d1, []byte("chunk one")); err != nil {
		t.Fatal(err)
	}
	if _, err := w.WriteEntry(d2, []byte("chunk two")); err != nil {
		t.Fatal(err)
	}

	h, err := ReadHeader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if h.Magic != MagicChunkArchiveV11 {
		t.Fatalf("got magic %v", h.Magic)
	}
	r := NewChunkArchiveReader(&buf)
	e1, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if e1.Digest != d1 || string(e1.Framed) != "chunk one" {
		t.Fatalf("entry 1 mismatch: %+v", e1)
	}
	e2, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if e2.Digest != d2 || string(e2.Framed) != "chunk two" {
		t.Fatalf("entry 2 mismatch: %+v", e2)
	}
	if _, err := r.Next(); err != ErrEOD {
		t.Fatalf("got %v, want ErrEOD", err)
	}
}

// TestChunkArchiveTruncatedEntryIsEOD is P7: a trailing incomplete entry
// (as LEOM mid-write produces) decodes as EOD, not an error.
func TestChunkArchiveTruncatedEntryIsEOD(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewChunkArchiveWriter(&buf, uuid.New(), "store-a")
	if err != nil {
		t.Fatal(err)
	}
	var d [32]byte
	d[0] = 9
	if _, err := w.WriteEntry(d, []byte("full chunk")); err != nil {
		t.Fatal(err)
	}
	full := buf.Bytes()
	// Simulate LEOM truncation: cut off mid-entry, after the header but
	// partway through the body.
	truncated := full[:len(full)-3]

	r2 := bytes.NewReader(truncated)
	if _, err := ReadHeader(r2); err != nil {
		t.Fatal(err)
	}
	cr := NewChunkArchiveReader(r2)
	if _, err := cr.Next(); err != ErrEOD {
		t.Fatalf("got %v, want ErrEOD on truncated entry", err)
	}
}

func TestSnapshotArchiveRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewSnapshotArchiveWriter(&buf, uuid.New(), SnapshotArchivePayload{Store: "s", Snapshot: "host/box1/2026-01-01T00:00:00Z"})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.WriteFile("index.json.blob", []byte(`{"files":[]}`)); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteFile("disk.fidx", []byte("index bytes")); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	if _, err := ReadHeader(&buf); err != nil {
		t.Fatal(err)
	}
	r := NewSnapshotArchiveReader(&buf)
	f1, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if f1.Name != "index.json.blob" {
		t.Fatalf("got %q", f1.Name)
	}
	f2, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if f2.Name != "disk.fidx" || string(f2.Data) != "index bytes" {
		t.Fatalf("got %+v", f2)
	}
	if _, err := r.Next(); err != ErrEOD {
		t.Fatalf("got %v, want ErrEOD", err)
	}
}
