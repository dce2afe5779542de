package drive

import (
	"encoding/binary"
	"fmt"
)

// VolumeStats decodes the per-parameter counters of LOG SENSE page 17h.
type VolumeStats struct {
	Mounts          uint64
	DatasetsWritten uint64
	DatasetsRead    uint64
	BOMPasses       uint64 // beginning-of-medium passes
	MOMPasses       uint64 // middle-of-medium passes
	BytesWritten    uint64 // decoded × 1,000,000 per §4.9
	BytesRead       uint64
}

// volume-stats parameter codes, per SSC LP 17h.
const (
	paramMounts          = 0x0001
	paramDatasetsWritten = 0x0002
	paramDatasetsRead    = 0x0003
	paramBOMPasses       = 0x0005
	paramMOMPasses       = 0x0006
	paramBytesWritten    = 0x0008
	paramBytesRead       = 0x0009
)

// VolumeStatistics queries LOG SENSE page 17h and decodes the counters this
// driver tracks.
func (d *Device) VolumeStatistics() (VolumeStats, error) {
	buf := make([]byte, 512)
	cdb := buildLogSense(logPageVolumeStats, uint16(len(buf)))
	if _, err := d.execute(cdb, buf, dirIn, defaultTimeout); err != nil {
		return VolumeStats{}, fmt.Errorf("drive: LOG SENSE volume stats: %w", err)
	}
	return parseVolumeStats(buf), nil
}

func parseVolumeStats(page []byte) VolumeStats {
	var vs VolumeStats
	if len(page) < 4 {
		return vs
	}
	pageLen := binary.BigEndian.Uint16(page[2:4])
	off := 4
	end := 4 + int(pageLen)
	if end > len(page) {
		end = len(page)
	}
	for off+4 <= end {
		paramCode := binary.BigEndian.Uint16(page[off : off+2])
		paramLen := int(page[off+3])
		valOff := off + 4
		valEnd := valOff + paramLen
		if valEnd > end {
			break
		}
		val := decodeCounter(page[valOff:valEnd])
		switch paramCode {
		case paramMounts:
			vs.Mounts = val
		case paramDatasetsWritten:
			vs.DatasetsWritten = val
		case paramDatasetsRead:
			vs.DatasetsRead = val
		case paramBOMPasses:
			vs.BOMPasses = val
		case paramMOMPasses:
			vs.MOMPasses = val
		case paramBytesWritten:
			vs.BytesWritten = val * 1_000_000
		case paramBytesRead:
			vs.BytesRead = val * 1_000_000
		}
		off = valEnd
	}
	return vs
}

func decodeCounter(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}
