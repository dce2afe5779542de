package drive

import (
	"context"
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

// BlockSize is the fixed tape block size this driver operates at; writers
// buffer up to a full block before issuing the underlying write, readers
// always issue block-sized reads (§4.9: "blocks are 64 KiB aligned").
const BlockSize = 64 << 10

// ErrLEOM signals Logical End Of Media was reached: the higher layer (the
// tape pipeline) should finalize whatever archive is in flight and
// continue on the next tape.
var ErrLEOM = errors.New("drive: logical end of media")

// State is the per-media drive state machine (§4.9).
type State int

const (
	StateEmpty State = iota
	StateLoaded
	StateAtBOT
	StateWriting
	StateReading
	StateFull
	StateEjected
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateLoaded:
		return "loaded"
	case StateAtBOT:
		return "at-bot"
	case StateWriting:
		return "writing"
	case StateReading:
		return "reading"
	case StateFull:
		return "full"
	case StateEjected:
		return "ejected"
	default:
		return "unknown"
	}
}

// ErrInvalidTransition is returned when a requested operation doesn't match
// the drive's current state.
var ErrInvalidTransition = fmt.Errorf("drive: invalid state transition")

// Linux <sys/mtio.h> definitions, reproduced here since these st/nst-device
// ioctls aren't wrapped by golang.org/x/sys/unix. Only the raw syscalls
// come from there here, as flock and mmap do elsewhere in this tree; SG_IO
// is not wrapped either and is built by hand in sgio.go.
const (
	mtiocTop = 0x40086d01 // _IOW('m', 1, struct mtop)
	mtiocGet = 0x801c6d02 // _IOR('m', 2, struct mtget)

	mtREW  = 5
	mtWEOF = 0
	mtFSF  = 1

	gmtEOD = 0x00000008 // GMT_EOD(x) bit in mt_gstat
)

// mtop mirrors struct mtop { short mt_op; int mt_count; }.
type mtop struct {
	Op    int16
	_     int16 // padding to int32 alignment
	Count int32
}

// mtget mirrors the leading fields of struct mtget, enough to read
// mt_gstat; later fields (fileno, blkno) aren't needed by this driver.
type mtget struct {
	Type  int64
	Resid int64
	Dsreg int64
	Gstat int64
	Erreg int64
}

// Session wraps a tape device node (e.g. /dev/nst0) plus the state machine
// governing it. The underlying file is opened with O_RDWR against the
// non-rewind device node so repeated writes/filemarks continue from the
// current tape position.
type Session struct {
	path  string
	fd    int
	state State

	// limiter paces block I/O to the drive's sustained transfer rate
	// (§4.9), so a write burst that's faster than the mechanism's native
	// speed doesn't force it into repeated start/stop shoe-shining. Nil
	// means unlimited.
	limiter *rate.Limiter
}

// NewSession opens the non-rewind tape device node at path (e.g.
// /dev/nst0) and starts the state machine at Loaded.
func NewSession(path string) (*Session, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("drive: open %s: %w", path, err)
	}
	return &Session{path: path, fd: fd, state: StateLoaded}, nil
}

func (s *Session) Close() error { return unix.Close(s.fd) }

// SetSustainedRate paces subsequent WriteBlock/ReadBlock calls to at most
// bytesPerSec, with a one-block burst allowance. A non-positive value
// disables pacing.
func (s *Session) SetSustainedRate(bytesPerSec int) {
	if bytesPerSec <= 0 {
		s.limiter = nil
		return
	}
	s.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), BlockSize)
}

func (s *Session) State() State { return s.state }

// mtOp issues an MTIOCTOP command (REW, WEOF, FSF, ...), repeated count
// times.
func (s *Session) mtOp(op int16, count int32) error {
	m := mtop{Op: op, Count: count}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(s.fd), uintptr(mtiocTop), uintptr(unsafe.Pointer(&m))); errno != 0 {
		return errno
	}
	return nil
}

// Rewind issues MTREW, returning the drive to BOT.
func (s *Session) Rewind() error {
	if err := s.mtOp(mtREW, 1); err != nil {
		return fmt.Errorf("drive: rewind: %w", err)
	}
	s.state = StateAtBOT
	return nil
}

// WriteFilemark issues MTWEOF, ending the current on-tape file.
func (s *Session) WriteFilemark() error {
	if err := s.mtOp(mtWEOF, 1); err != nil {
		return fmt.Errorf("drive: write filemark: %w", err)
	}
	return nil
}

// ForwardSpaceFiles issues MTFSF, skipping n filemarks forward.
func (s *Session) ForwardSpaceFiles(n int) error {
	if err := s.mtOp(mtFSF, int32(n)); err != nil {
		return fmt.Errorf("drive: forward space %d files: %w", n, err)
	}
	return nil
}

// WriteBlock writes exactly one BlockSize-aligned block. If the block is
// short, it is zero-padded to BlockSize before writing, matching the §4.9
// writer contract. Returns ErrLEOM if the drive's generic mtget status
// reports GMT_EOD (logical end of media) after the write.
func (s *Session) WriteBlock(data []byte) error {
	if len(data) > BlockSize {
		return fmt.Errorf("drive: block exceeds %d bytes", BlockSize)
	}
	buf := data
	if len(buf) < BlockSize {
		buf = make([]byte, BlockSize)
		copy(buf, data)
	}
	if s.limiter != nil {
		if err := s.limiter.WaitN(context.Background(), BlockSize); err != nil {
			return fmt.Errorf("drive: rate limit: %w", err)
		}
	}
	s.state = StateWriting
	n, err := unix.Write(s.fd, buf)
	if err != nil {
		return fmt.Errorf("drive: write block: %w", err)
	}
	if n != BlockSize {
		return fmt.Errorf("drive: short write: wrote %d of %d bytes", n, BlockSize)
	}
	if s.atLEOM() {
		s.state = StateFull
		return ErrLEOM
	}
	return nil
}

// ReadBlock performs one read of up to BlockSize bytes and returns what the
// drive delivered: fewer bytes for a short record, none at a filemark.
func (s *Session) ReadBlock() ([]byte, error) {
	if s.limiter != nil {
		if err := s.limiter.WaitN(context.Background(), BlockSize); err != nil {
			return nil, fmt.Errorf("drive: rate limit: %w", err)
		}
	}
	buf := make([]byte, BlockSize)
	s.state = StateReading
	n, err := unix.Read(s.fd, buf)
	if err != nil {
		return nil, fmt.Errorf("drive: read block: %w", err)
	}
	return buf[:n], nil
}

// atLEOM queries MTIOCGET and checks the GMT_EOD generic-mt-status flag.
func (s *Session) atLEOM() bool {
	var st mtget
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(s.fd), uintptr(mtiocGet), uintptr(unsafe.Pointer(&st))); errno != 0 {
		return false
	}
	return st.Gstat&gmtEOD != 0
}
