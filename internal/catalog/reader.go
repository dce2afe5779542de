package catalog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// Reader decodes a catalog byte stream into a sequence of Entry/brace
// events, delivered to an Emitter via Walk.
type Reader struct {
	r     *bufio.Reader
	depth int
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// readNulName reads bytes up to and including a NUL terminator, returning
// the name without it.
func (r *Reader) readNulName() (string, error) {
	b, err := r.r.ReadBytes(0)
	if err != nil {
		return "", err
	}
	return string(b[:len(b)-1]), nil
}

// Walk decodes every record in the stream and replays it onto dst,
// enforcing balanced braces, no '/' in names, and rejecting unknown leading
// bytes (§4.7 invariants). Returns nil on clean end of stream with all
// directories closed.
func (r *Reader) Walk(dst Emitter) error {
	for {
		kindByte, err := r.r.ReadByte()
		if err == io.EOF {
			if r.depth != 0 {
				return ErrUnbalancedBraces
			}
			return nil
		}
		if err != nil {
			return err
		}

		switch Kind(kindByte) {
		case KindDirOpen:
			name, err := r.readNulName()
			if err != nil {
				return err
			}
			if err := validateName(name); err != nil {
				return err
			}
			brace, err := r.r.ReadByte()
			if err != nil {
				return err
			}
			if brace != '{' {
				return fmt.Errorf("%w: directory %q missing open brace", ErrUnbalancedBraces, name)
			}
			r.depth++
			if err := dst.OpenDir(name); err != nil {
				return err
			}

		case KindDirClose:
			if r.depth == 0 {
				return ErrUnbalancedBraces
			}
			r.depth--
			if err := dst.CloseDir(); err != nil {
				return err
			}

		case KindFile:
			var hdr [16]byte
			if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
				return err
			}
			size := binary.LittleEndian.Uint64(hdr[0:8])
			mtime := time.Unix(int64(binary.LittleEndian.Uint64(hdr[8:16])), 0)
			name, err := r.readNulName()
			if err != nil {
				return err
			}
			if err := validateName(name); err != nil {
				return err
			}
			if err := dst.File(name, size, mtime); err != nil {
				return err
			}

		case KindSymlink, KindHardlink, KindBlockDev, KindCharDev, KindFifo, KindSocket:
			name, err := r.readNulName()
			if err != nil {
				return err
			}
			if err := validateName(name); err != nil {
				return err
			}
			if err := dispatchSpecial(dst, Kind(kindByte), name); err != nil {
				return err
			}

		default:
			return fmt.Errorf("%w: %q", ErrUnknownRecord, kindByte)
		}
	}
}

func dispatchSpecial(dst Emitter, k Kind, name string) error {
	switch k {
	case KindSymlink:
		return dst.Symlink(name)
	case KindHardlink:
		return dst.Hardlink(name)
	case KindBlockDev:
		return dst.BlockDev(name)
	case KindCharDev:
		return dst.CharDev(name)
	case KindFifo:
		return dst.Fifo(name)
	case KindSocket:
		return dst.Socket(name)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownRecord, byte(k))
	}
}

// CollectingEmitter is an Emitter that accumulates Entry values plus the
// directory nesting they occurred at, useful for tests and for the restore
// path which wants a flat list rather than a callback stream.
type CollectingEmitter struct {
	Entries []Entry
	path    []string
}

func (c *CollectingEmitter) OpenDir(name string) error {
	c.Entries = append(c.Entries, Entry{Kind: KindDirOpen, Name: name})
	c.path = append(c.path, name)
	return nil
}

func (c *CollectingEmitter) CloseDir() error {
	if len(c.path) == 0 {
		return ErrUnbalancedBraces
	}
	c.path = c.path[:len(c.path)-1]
	c.Entries = append(c.Entries, Entry{Kind: KindDirClose})
	return nil
}

func (c *CollectingEmitter) File(name string, size uint64, mtime time.Time) error {
	c.Entries = append(c.Entries, Entry{Kind: KindFile, Name: name, Size: size, MTime: mtime})
	return nil
}

func (c *CollectingEmitter) Symlink(name string) error {
	c.Entries = append(c.Entries, Entry{Kind: KindSymlink, Name: name})
	return nil
}
func (c *CollectingEmitter) Hardlink(name string) error {
	c.Entries = append(c.Entries, Entry{Kind: KindHardlink, Name: name})
	return nil
}
func (c *CollectingEmitter) BlockDev(name string) error {
	c.Entries = append(c.Entries, Entry{Kind: KindBlockDev, Name: name})
	return nil
}
func (c *CollectingEmitter) CharDev(name string) error {
	c.Entries = append(c.Entries, Entry{Kind: KindCharDev, Name: name})
	return nil
}
func (c *CollectingEmitter) Fifo(name string) error {
	c.Entries = append(c.Entries, Entry{Kind: KindFifo, Name: name})
	return nil
}
func (c *CollectingEmitter) Socket(name string) error {
	c.Entries = append(c.Entries, Entry{Kind: KindSocket, Name: name})
	return nil
}

var _ Emitter = (*CollectingEmitter)(nil)
