package format

import (
	"io"
	"time"

	"github.com/google/uuid"
)

// MediaLabelPayload is the JSON body of a media label: the first on-tape
// file of every cartridge.
type MediaLabelPayload struct {
	LabelText string    `json:"label_text"`
	CTime     time.Time `json:"ctime"`
	Pool      string    `json:"pool,omitempty"`
}

// WriteMediaLabel writes the media label, the first file on a freshly
// labeled cartridge.
func WriteMediaLabel(w io.Writer, mediaUUID uuid.UUID, labelText string, ctime time.Time, pool string) error {
	return WriteHeader(w, MagicMediaLabel, mediaUUID, MediaLabelPayload{
		LabelText: labelText,
		CTime:     ctime,
		Pool:      pool,
	})
}

// MediaSetLabelPayload is the JSON body of a media-set label, the second
// on-tape file. An unassigned tape carries an all-zero media-set UUID.
type MediaSetLabelPayload struct {
	MediaSetName string `json:"media_set_name"`
	SeqNr        int    `json:"seq_nr"`
}

// WriteMediaSetLabel writes the media-set label. setUUID is all-zero for an
// unassigned tape.
func WriteMediaSetLabel(w io.Writer, setUUID uuid.UUID, name string, seqNr int) error {
	return WriteHeader(w, MagicMediaSetLabel, setUUID, MediaSetLabelPayload{
		MediaSetName: name,
		SeqNr:        seqNr,
	})
}

// IsUnassignedMediaSet reports whether id is the all-zero sentinel used by
// media that have not yet been assigned to a set.
func IsUnassignedMediaSet(id uuid.UUID) bool {
	return id == uuid.Nil
}
