package drive

import (
	"encoding/binary"
	"fmt"
	"math/bits"
)

const (
	cdbLogSense = 0x4d

	logPageTapeAlert   = 0x12
	logPageVolumeStats = 0x17
)

// TapeAlert is a single bit position in the 64-bit tape-alert flag value,
// named per SSC tape-alert log page conventions.
type TapeAlert uint

const (
	AlertMedia         TapeAlert = 3
	AlertReadFailure   TapeAlert = 4
	AlertWriteFailure  TapeAlert = 5
	AlertHardwareA     TapeAlert = 7
	AlertHardwareB     TapeAlert = 12
	AlertCleaningMedia TapeAlert = 20
	AlertCleanNow      TapeAlert = 38
	AlertCleanPeriodic TapeAlert = 39
)

// CriticalAlertMask is the set of alert bits that should abort an
// in-progress backup rather than just be logged (§4.9).
var CriticalAlertMask = []TapeAlert{
	AlertMedia, AlertReadFailure, AlertWriteFailure, AlertHardwareA, AlertHardwareB,
}

// TapeAlerts queries LOG SENSE page 12h with parameter control PC=01
// (current cumulative values, see buildLogSense) and returns the 64-bit
// alert flag value with flag N at bit N-1 (see parseTapeAlerts).
func (d *Device) TapeAlerts() (uint64, error) {
	buf := make([]byte, 256)
	cdb := buildLogSense(logPageTapeAlert, uint16(len(buf)))
	if _, err := d.execute(cdb, buf, dirIn, defaultTimeout); err != nil {
		return 0, fmt.Errorf("drive: LOG SENSE tape alert: %w", err)
	}
	return parseTapeAlerts(buf)
}

func parseTapeAlerts(page []byte) (uint64, error) {
	if len(page) < 4 {
		return 0, fmt.Errorf("drive: tape alert page too short")
	}
	pageLen := binary.BigEndian.Uint16(page[2:4])
	off := 4
	end := 4 + int(pageLen)
	if end > len(page) {
		end = len(page)
	}
	var flags uint64
	for off+5 <= end {
		paramCode := binary.BigEndian.Uint16(page[off : off+2])
		paramLen := page[off+3]
		valOff := off + 4
		if int(paramLen) >= 1 && valOff < end {
			bit := int(paramCode) - 1 // parameter codes are 1-indexed flag numbers
			if page[valOff]&0x01 != 0 && bit >= 0 && bit < 64 {
				flags |= 1 << uint(63-bit)
			}
		}
		off = valOff + int(paramLen)
	}
	// The page lists flags in wire order, flag 1 first, so they are gathered
	// MSB-first (flag 1 at bit 63). The logical bit order used by TapeAlert
	// and CriticalAlertMask is LSB-first; bit-reverse the 64-bit word so
	// flag N lands on bit N-1 (§4.9).
	return bits.Reverse64(flags), nil
}

// Has reports whether alert bit a is set in flags.
func Has(flags uint64, a TapeAlert) bool {
	return flags&(1<<uint(a)) != 0
}

// IsCritical reports whether any bit in CriticalAlertMask is set.
func IsCritical(flags uint64) bool {
	for _, a := range CriticalAlertMask {
		if Has(flags, a) {
			return true
		}
	}
	return false
}

func buildLogSense(page byte, allocLen uint16) []byte {
	cdb := make([]byte, 10)
	cdb[0] = cdbLogSense
	cdb[2] = 0x40 | (page & 0x3f) // PC=01 (current cumulative), page code
	binary.BigEndian.PutUint16(cdb[7:9], allocLen)
	return cdb
}
