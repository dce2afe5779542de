package changer

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// ElementAddress is a SCSI medium-changer element address: a drive, a
// storage slot, or an import/export (IE) slot.
type ElementAddress uint16

// element type codes, per SMC READ ELEMENT STATUS.
const (
	elemTypeTransport    = 1
	elemTypeStorage      = 2
	elemTypeImportExport = 3
	elemTypeDataTransfer = 4
)

const (
	cdbReadElementStatus = 0xb8
	cdbMoveMedium        = 0xa5
)

// ElementState describes what a changer element currently holds.
type ElementState struct {
	Full      bool
	VolumeTag string // empty if Full but no tag reported, or if Empty
}

// Drive is a data-transfer element (a tape drive slot within the library).
type Drive struct {
	Address ElementAddress
	State   ElementState
}

// Slot is a storage or import/export element.
type Slot struct {
	Address      ElementAddress
	ImportExport bool
	State        ElementState
}

// Status is a full changer inventory snapshot, re-read after every
// transfer per §4.10 ("never act on stale snapshots").
type Status struct {
	Drives []Drive
	Slots  []Slot
}

// Status issues READ ELEMENT STATUS for data-transfer, storage, and
// import/export element types and assembles a combined snapshot.
func (d *Device) Status() (Status, error) {
	transfer, err := d.readElements(elemTypeDataTransfer)
	if err != nil {
		return Status{}, fmt.Errorf("changer: read data-transfer elements: %w", err)
	}
	storage, err := d.readElements(elemTypeStorage)
	if err != nil {
		return Status{}, fmt.Errorf("changer: read storage elements: %w", err)
	}
	ie, err := d.readElements(elemTypeImportExport)
	if err != nil {
		return Status{}, fmt.Errorf("changer: read import/export elements: %w", err)
	}

	var st Status
	for _, e := range transfer {
		st.Drives = append(st.Drives, Drive{Address: e.address, State: e.state})
	}
	for _, e := range storage {
		st.Slots = append(st.Slots, Slot{Address: e.address, ImportExport: false, State: e.state})
	}
	for _, e := range ie {
		st.Slots = append(st.Slots, Slot{Address: e.address, ImportExport: true, State: e.state})
	}
	return st, nil
}

type elementDescriptor struct {
	address ElementAddress
	state   ElementState
}

// readElements issues READ ELEMENT STATUS for a single element type and
// decodes the returned descriptor list. The element status page layout
// follows SMC-3 §6.13: an 8-byte element status data header, then one or
// more element status pages (type, flags, descriptor length, byte count),
// each followed by fixed-length element descriptors. PVolTag, when
// present, occupies the first 36 bytes immediately following the fixed
// portion of the descriptor.
func (d *Device) readElements(elemType byte) ([]elementDescriptor, error) {
	const allocLen = 16 * 1024
	buf := make([]byte, allocLen)
	cdb := make([]byte, 12)
	cdb[0] = cdbReadElementStatus
	cdb[1] = (elemType & 0x0f) << 1
	cdb[1] |= 0x01 // CurData
	binary.BigEndian.PutUint16(cdb[2:4], 0)
	binary.BigEndian.PutUint16(cdb[4:6], 0xffff)
	binary.BigEndian.PutUint32(cdb[6:10], allocLen)
	if err := d.execute(cdb, buf, dirIn, defaultTimeout); err != nil {
		return nil, err
	}
	return parseElementStatus(buf)
}

func parseElementStatus(data []byte) ([]elementDescriptor, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("changer: element status data too short")
	}
	byteCount := int(data[5])<<16 | int(data[6])<<8 | int(data[7])
	end := 8 + byteCount
	if end > len(data) {
		end = len(data)
	}
	off := 8
	var descs []elementDescriptor
	for off+8 <= end {
		pvolTag := data[off+1]&0x80 != 0
		descLen := int(binary.BigEndian.Uint16(data[off+2 : off+4]))
		pageByteCount := int(data[off+5])<<16 | int(data[off+6])<<8 | int(data[off+7])
		pageStart := off + 8
		pageEnd := pageStart + pageByteCount
		if pageEnd > end || descLen == 0 {
			break
		}
		for p := pageStart; p+descLen <= pageEnd; p += descLen {
			d := parseElementDescriptor(data[p:p+descLen], pvolTag)
			descs = append(descs, d)
		}
		off = pageEnd
	}
	return descs, nil
}

func parseElementDescriptor(b []byte, pvolTag bool) elementDescriptor {
	addr := ElementAddress(binary.BigEndian.Uint16(b[0:2]))
	full := b[2]&0x01 != 0
	var tag string
	if pvolTag && full && len(b) >= 12+36 {
		tag = strings.TrimSpace(string(b[12 : 12+36]))
	}
	return elementDescriptor{address: addr, state: ElementState{Full: full, VolumeTag: tag}}
}

// MoveMedium issues MOVE MEDIUM, relocating whatever media occupies
// element from to element to, using transport as the transport element
// (usually the library's single robot/arm address).
func (d *Device) MoveMedium(transport, from, to ElementAddress) error {
	cdb := make([]byte, 12)
	cdb[0] = cdbMoveMedium
	binary.BigEndian.PutUint16(cdb[2:4], uint16(transport))
	binary.BigEndian.PutUint16(cdb[4:6], uint16(from))
	binary.BigEndian.PutUint16(cdb[6:8], uint16(to))
	if err := d.execute(cdb, nil, dirNone, defaultTimeout); err != nil {
		return fmt.Errorf("changer: MOVE MEDIUM %d->%d: %w", from, to, err)
	}
	return nil
}
