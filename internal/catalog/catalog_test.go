package catalog

import (
	"bytes"
	"testing"
	"time"
)

func buildSampleTree(t *testing.T, w *Writer) {
	t.Helper()
	if err := w.OpenDir("etc"); err != nil {
		t.Fatal(err)
	}
	if err := w.File("passwd", 1024, time.Unix(1700000000, 0)); err != nil {
		t.Fatal(err)
	}
	if err := w.Symlink("mtab"); err != nil {
		t.Fatal(err)
	}
	if err := w.CloseDir(); err != nil {
		t.Fatal(err)
	}
	if err := w.OpenDir("dev"); err != nil {
		t.Fatal(err)
	}
	if err := w.BlockDev("sda"); err != nil {
		t.Fatal(err)
	}
	if err := w.CharDev("null"); err != nil {
		t.Fatal(err)
	}
	if err := w.Fifo("initctl"); err != nil {
		t.Fatal(err)
	}
	if err := w.Socket("log"); err != nil {
		t.Fatal(err)
	}
	if err := w.CloseDir(); err != nil {
		t.Fatal(err)
	}
	if err := w.Hardlink("passwd"); err != nil {
		t.Fatal(err)
	}
}

func TestCatalogRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	buildSampleTree(t, w)
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	var got CollectingEmitter
	if err := NewReader(&buf).Walk(&got); err != nil {
		t.Fatal(err)
	}

	wantKinds := []Kind{
		KindDirOpen, KindFile, KindSymlink, KindDirClose,
		KindDirOpen, KindBlockDev, KindCharDev, KindFifo, KindSocket, KindDirClose,
		KindHardlink,
	}
	if len(got.Entries) != len(wantKinds) {
		t.Fatalf("got %d entries, want %d: %+v", len(got.Entries), len(wantKinds), got.Entries)
	}
	for i, k := range wantKinds {
		if got.Entries[i].Kind != k {
			t.Fatalf("entry %d: got kind %q, want %q", i, got.Entries[i].Kind, k)
		}
	}
	if got.Entries[1].Name != "passwd" || got.Entries[1].Size != 1024 {
		t.Fatalf("file entry mismatch: %+v", got.Entries[1])
	}
}

func TestCatalogRejectsSlashInName(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.OpenDir("a/b"); err == nil {
		t.Fatal("expected error for name containing '/'")
	}
}

func TestCatalogUnbalancedBracesOnClose(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.OpenDir("etc"); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != ErrUnbalancedBraces {
		t.Fatalf("got %v, want ErrUnbalancedBraces", err)
	}
}

func TestCatalogUnbalancedBracesOnRead(t *testing.T) {
	// Hand-craft a stream with a dir open but no matching close.
	var buf bytes.Buffer
	buf.WriteByte(byte(KindDirOpen))
	buf.WriteString("etc")
	buf.WriteByte(0)
	buf.WriteByte('{')

	var got CollectingEmitter
	if err := NewReader(&buf).Walk(&got); err != ErrUnbalancedBraces {
		t.Fatalf("got %v, want ErrUnbalancedBraces", err)
	}
}

func TestCatalogUnknownLeadingByteAborts(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte('?')

	var got CollectingEmitter
	err := NewReader(&buf).Walk(&got)
	if err == nil {
		t.Fatal("expected error for unknown leading byte")
	}
}

func TestCatalogBlobRoundTrip(t *testing.T) {
	framed, digest, err := EncodeBlob(nil, func(w *Writer) error {
		buildSampleTree(t, w)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	sr, closeFn, err := DecodeBlob(framed, nil, &digest)
	if err != nil {
		t.Fatal(err)
	}
	defer closeFn()

	var got CollectingEmitter
	if err := NewReader(sr).Walk(&got); err != nil {
		t.Fatal(err)
	}
	if len(got.Entries) != 11 {
		t.Fatalf("got %d entries after blob round trip, want 11", len(got.Entries))
	}
}
