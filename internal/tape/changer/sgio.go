// Package changer implements the medium-changer driver (spec §4.10):
// SCSI READ ELEMENT STATUS / MOVE MEDIUM primitives, plus the composable
// load/unload/export/clean operations built on top of them.
package changer

import (
	"errors"
	"fmt"
	"os"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Same sg_io_hdr_t layout as the drive package's SCSI-generic plumbing
// (internal/tape/drive/sgio.go); duplicated rather than imported since a
// changer is a distinct device class from a drive and the two packages
// have no other reason to depend on each other.
const (
	sgIOMagic      = 0x53
	sgDXferNone    = 0
	sgDXferToDev   = -2
	sgDXferFromDev = -3
	sgIOIoctl      = 0x2285
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

var ErrSCSICheckCondition = errors.New("changer: SCSI command returned CHECK CONDITION")

// Device wraps an open SCSI-generic device node for a medium changer
// (e.g. /dev/sch0).
type Device struct {
	f *os.File
}

// Open opens the SCSI-generic device node at path.
func Open(path string) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("changer: open %s: %w", path, err)
	}
	return &Device{f: f}, nil
}

func (d *Device) Close() error { return d.f.Close() }

type direction int

const (
	dirNone direction = sgDXferNone
	dirIn   direction = sgDXferFromDev
	dirOut  direction = sgDXferToDev
)

const defaultTimeout = 2 * time.Minute

func (d *Device) execute(cdb, buf []byte, dir direction, timeout time.Duration) error {
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
		return fmt.Errorf("changer: SG_IO ioctl: %w", errno)
	}
	if hdr.Status != 0 || hdr.MaskedStatus != 0 {
		return ErrSCSICheckCondition
	}
	return nil
}
