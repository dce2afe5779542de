package drive

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// EncryptionMode is the drive's current data-encryption mode, decoded from
// the SPIN 20h/0020h page.
type EncryptionMode int

const (
	EncryptionOff EncryptionMode = iota
	EncryptionMixed
	EncryptionOn
	EncryptionRawRead
)

func (m EncryptionMode) String() string {
	switch m {
	case EncryptionOff:
		return "off"
	case EncryptionMixed:
		return "mixed"
	case EncryptionOn:
		return "on"
	case EncryptionRawRead:
		return "raw-read"
	default:
		return "unknown"
	}
}

var ErrNoEncryptionSupport = errors.New("drive: no AES-GCM-256 encryption algorithm advertised")

const (
	cdbSPIN  = 0xa2
	cdbSPOUT = 0xb5

	spinServiceCapabilities = 0x10
	spinServiceStatus       = 0x20
	spoutServiceSetDataEnc  = 0x10
)

// EncryptionCapabilities queries SPIN 20h/0010h and returns the algorithm
// index of the first advertised descriptor whose maximum key length is 32
// bytes (256 bits). The descriptor's algorithm code is not examined, so the
// result is not checked to be AES-GCM. Returns ErrNoEncryptionSupport if no
// descriptor has a 32-byte key length.
func (d *Device) EncryptionCapabilities() (algorithmIndex byte, err error) {
	buf := make([]byte, 256)
	cdb := buildSPIN(spinServiceCapabilities, uint16(len(buf)))
	if _, err := d.execute(cdb, buf, dirIn, defaultTimeout); err != nil {
		return 0, fmt.Errorf("drive: SPIN capabilities: %w", err)
	}
	idx, ok := parseEncryptionCapabilities(buf)
	if !ok {
		return 0, ErrNoEncryptionSupport
	}
	return idx, nil
}

// parseEncryptionCapabilities walks the SPIN page's algorithm descriptor
// list and returns the algorithm index of the first descriptor with a
// 32-byte maximum key length; the algorithm code is not examined.
func parseEncryptionCapabilities(page []byte) (algorithmIndex byte, ok bool) {
	if len(page) < 4 {
		return 0, false
	}
	listLen := binary.BigEndian.Uint16(page[2:4])
	off := 4
	end := 4 + int(listLen)
	if end > len(page) {
		end = len(page)
	}
	for off+4 <= end {
		algIdx := page[off]
		descLen := binary.BigEndian.Uint16(page[off+2 : off+4])
		descStart := off + 4
		descEnd := descStart + int(descLen)
		if descEnd > len(page) {
			break
		}
		desc := page[descStart:descEnd]
		if len(desc) >= 10 {
			maxKeyBytes := binary.BigEndian.Uint16(desc[2:4])
			if maxKeyBytes == 32 {
				return algIdx, true
			}
		}
		off = descEnd
	}
	return 0, false
}

// EncryptionStatus queries SPIN 20h/0020h and decodes the drive's current
// encryption mode.
func (d *Device) EncryptionStatus() (EncryptionMode, error) {
	buf := make([]byte, 64)
	cdb := buildSPIN(spinServiceStatus, uint16(len(buf)))
	if _, err := d.execute(cdb, buf, dirIn, defaultTimeout); err != nil {
		return EncryptionOff, fmt.Errorf("drive: SPIN status: %w", err)
	}
	return parseEncryptionStatus(buf), nil
}

func parseEncryptionStatus(page []byte) EncryptionMode {
	if len(page) < 20 {
		return EncryptionOff
	}
	decryptMode := page[10]
	encryptMode := page[9]
	switch {
	case encryptMode == 0 && decryptMode == 0:
		return EncryptionOff
	case decryptMode == 2: // mixed: decrypts both encrypted and plaintext
		return EncryptionMixed
	case decryptMode == 3:
		return EncryptionRawRead
	default:
		return EncryptionOn
	}
}

// SetEncryptionKey installs key (must be 32 bytes, AES-256) via SPOUT
// 20h/0010h in mixed-decrypt mode, so the drive can still read
// unencrypted/legacy media. Passing a nil key clears encryption (an empty
// key payload with all mode bits zero).
func (d *Device) SetEncryptionKey(algorithmIndex byte, key []byte) error {
	if key != nil && len(key) != 32 {
		return fmt.Errorf("drive: key must be 32 bytes, got %d", len(key))
	}
	buf := buildSetDataEncryptionPage(algorithmIndex, key)
	cdb := buildSPOUT(spoutServiceSetDataEnc, uint16(len(buf)))
	if _, err := d.execute(cdb, buf, dirOut, defaultTimeout); err != nil {
		return fmt.Errorf("drive: SPOUT set key: %w", err)
	}
	return nil
}

// buildSetDataEncryptionPage builds the "Set Data Encryption" page payload.
// Clearing (key == nil) sends an empty key with scope/mode bits all zero;
// otherwise it requests mixed decrypt mode (CDEMODE=2) so the drive will
// still read plaintext data written before encryption was enabled.
func buildSetDataEncryptionPage(algIdx byte, key []byte) []byte {
	const headerLen = 16
	buf := make([]byte, headerLen+len(key))
	binary.BigEndian.PutUint16(buf[0:2], 0x0010) // page code
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(buf)-4))
	if key != nil {
		buf[4] = 0x02            // SCOPE=all I_T nexus, CEEM disabled
		buf[5] = (2 << 6) | 0x01 // CEEMODE=off, RDMC=0, encrypt enabled, CDEMODE=mixed(2)
		buf[6] = algIdx
		binary.BigEndian.PutUint16(buf[8:10], uint16(len(key)))
		copy(buf[headerLen:], key)
	}
	return buf
}

func buildSPIN(service byte, allocLen uint16) []byte {
	cdb := make([]byte, 16)
	cdb[0] = cdbSPIN
	cdb[1] = service & 0x1f
	binary.BigEndian.PutUint32(cdb[10:14], uint32(allocLen))
	return cdb
}

func buildSPOUT(service byte, paramLen uint16) []byte {
	cdb := make([]byte, 16)
	cdb[0] = cdbSPOUT
	cdb[1] = service & 0x1f
	binary.BigEndian.PutUint32(cdb[10:14], uint32(paramLen))
	return cdb
}
