// Package drive implements the LTO SCSI-generic tape drive driver (spec
// §4.9): raw SCSI CDB construction plus SG_IO-style ioctl dispatch,
// encryption key management, tape-alert and volume-statistics log pages,
// block I/O with LEOM/EOD detection, and the drive state machine.
package drive

import (
	"errors"
	"fmt"
	"os"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux sg_io_hdr_t field layout (bsg/sg.h), reproduced here since
// golang.org/x/sys/unix doesn't wrap SCSI-generic ioctls directly — only
// the generic ioctl syscall plumbing is borrowed from there, the same way
// the index package's mmap helper borrows unix.Mmap rather than hand
// calling the raw syscall.
const (
	sgIOMagic      = 0x53
	sgIOCode       = 0x85 // SG_IO
	sgDXferNone    = 0
	sgDXferToDev   = -2
	sgDXferFromDev = -3
)

type sgIOHdr struct {
	InterfaceID    int32
	DxferDirection int32
	CmdLen         uint8
	MxSbLen        uint8
	IOvecCount     uint16
	DxferLen       uint32
	Dxferp         uintptr
	Cmdp           uintptr
	Sbp            uintptr
	Timeout        uint32
	Flags          uint32
	PackID         int32
	UsrPtr         uintptr
	Status         uint8
	MaskedStatus   uint8
	MsgStatus      uint8
	SbLenWr        uint8
	HostStatus     uint16
	DriverStatus   uint16
	Resid          int32
	Duration       uint32
	Info           uint32
}

// SG_IO's ioctl request number, as defined by <scsi/sg.h>: the plain
// constant 0x2285, not an _IOWR-encoded value.
const sgIOIoctl = 0x2285

var ErrSCSICheckCondition = errors.New("drive: SCSI command returned CHECK CONDITION")

// Device wraps an open SCSI-generic device node (e.g. /dev/sg3).
type Device struct {
	f *os.File
}

// Open opens the SCSI-generic device node at path.
func Open(path string) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("drive: open %s: %w", path, err)
	}
	return &Device{f: f}, nil
}

func (d *Device) Close() error { return d.f.Close() }

// direction for a CDB's data phase.
type direction int

const (
	dirNone direction = sgDXferNone
	dirIn   direction = sgDXferFromDev
	dirOut  direction = sgDXferToDev
)

// execute issues one SCSI command via SG_IO, with data buf transferred in
// the direction dir. Sense data is returned as-is for the caller to
// interpret; a non-zero SCSI status maps to ErrSCSICheckCondition.
func (d *Device) execute(cdb []byte, buf []byte, dir direction, timeout time.Duration) (sense []byte, err error) {
	var senseBuf [32]byte
	hdr := sgIOHdr{
		InterfaceID:    int32(sgIOMagic),
		DxferDirection: int32(dir),
		CmdLen:         uint8(len(cdb)),
		MxSbLen:        uint8(len(senseBuf)),
		DxferLen:       uint32(len(buf)),
		Timeout:        uint32(timeout.Milliseconds()),
		Sbp:            uintptr(unsafe.Pointer(&senseBuf[0])),
		Cmdp:           uintptr(unsafe.Pointer(&cdb[0])),
	}
	if len(buf) > 0 {
		hdr.Dxferp = uintptr(unsafe.Pointer(&buf[0]))
	}

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, d.f.Fd(), uintptr(sgIOIoctl), uintptr(unsafe.Pointer(&hdr))); errno != 0 {
		return nil, fmt.Errorf("drive: SG_IO ioctl: %w", errno)
	}
	if hdr.Status != 0 || hdr.MaskedStatus != 0 {
		return senseBuf[:hdr.SbLenWr], ErrSCSICheckCondition
	}
	return senseBuf[:hdr.SbLenWr], nil
}

const defaultTimeout = 2 * time.Minute
