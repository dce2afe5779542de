package format

import (
	"io"

	"github.com/google/uuid"
)

// CatalogArchivePayload is the header JSON of a catalog archive.
type CatalogArchivePayload struct {
	MediaUUID    uuid.UUID `json:"uuid"`
	MediaSetUUID uuid.UUID `json:"media_set_uuid"`
	SeqNr        int       `json:"seq_nr"`
}

// WriteCatalogArchive writes the catalog archive's header followed by the
// already-framed catalog blob (see internal/catalog.EncodeBlob) verbatim.
func WriteCatalogArchive(w io.Writer, payload CatalogArchivePayload, blob []byte) error {
	if err := WriteHeader(w, MagicCatalogArchiveV11, payload.MediaUUID, payload); err != nil {
		return err
	}
	_, err := w.Write(blob)
	return err
}

// ReadCatalogArchiveBlob reads the remainder of r as a catalog blob, to be
// passed to catalog.DecodeBlob by the caller (kept decoupled from the
// catalog package here to avoid a format<->catalog import cycle).
func ReadCatalogArchiveBlob(r io.Reader) ([]byte, error) {
	return io.ReadAll(r)
}
