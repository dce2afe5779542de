// Package inventory implements the tape media inventory (spec §4.11): a
// JSON-backed database of every known cartridge, its label, media-set
// membership, status, and current location, guarded by a single file lock
// the same way internal/config/file guards the datastore config file.
package inventory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"dedupvault/internal/tape/filelock"
)

// Status is a cartridge's lifecycle status.
type Status string

const (
	StatusUnassigned Status = "unassigned" // no media-set label written yet
	StatusWritable   Status = "writable"
	StatusFull       Status = "full"
	StatusDamaged    Status = "damaged"
)

// LocationKind distinguishes where a medium physically is.
type LocationKind int

const (
	LocationOffline LocationKind = iota
	LocationOnline
	LocationVault
)

// Location records where a medium currently lives: online in a named
// changer, offline (no changer has reported it), or in a named vault
// (off-site storage, tracked manually).
type Location struct {
	Kind    LocationKind
	Changer string // set when Kind == LocationOnline
	Vault   string // set when Kind == LocationVault
}

func Online(changer string) Location { return Location{Kind: LocationOnline, Changer: changer} }
func Offline() Location              { return Location{Kind: LocationOffline} }
func Vault(name string) Location     { return Location{Kind: LocationVault, Vault: name} }

// MediaSetRef records a medium's position within a media set, once one has
// been assigned (media-set label written at position 1 per §4.9).
type MediaSetRef struct {
	SetUUID   uuid.UUID
	SetName   string
	SeqNr     int
	StartTime time.Time
}

// Media is one tracked cartridge.
type Media struct {
	UUID     uuid.UUID
	Label    string
	Pool     string
	MediaSet *MediaSetRef
	Status   Status
	Location Location
}

// onDisk mirrors Media for JSON (de)serialization; MediaSet is a pointer so
// unassigned media omit it.
type onDiskMedia struct {
	UUID     uuid.UUID    `json:"uuid"`
	Label    string       `json:"label"`
	Pool     string       `json:"pool"`
	MediaSet *MediaSetRef `json:"media_set,omitempty"`
	Status   Status       `json:"status"`
	Location struct {
		Kind    string `json:"kind"`
		Changer string `json:"changer,omitempty"`
		Vault   string `json:"vault,omitempty"`
	} `json:"location"`
}

func locationKindName(k LocationKind) string {
	switch k {
	case LocationOnline:
		return "online"
	case LocationVault:
		return "vault"
	default:
		return "offline"
	}
}

func locationFromName(name string) LocationKind {
	switch name {
	case "online":
		return LocationOnline
	case "vault":
		return LocationVault
	default:
		return LocationOffline
	}
}

// DB is the in-memory inventory, backed by a single JSON file on disk.
type DB struct {
	path  string
	media map[uuid.UUID]Media
}

// Open loads the inventory file at path, creating an empty one in memory
// if it doesn't yet exist (it is created on the first Save).
func Open(path string) (*DB, error) {
	db := &DB{path: path, media: make(map[uuid.UUID]Media)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return db, nil
		}
		return nil, fmt.Errorf("inventory: read %s: %w", path, err)
	}
	var records []onDiskMedia
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("inventory: parse %s: %w", path, err)
	}
	for _, r := range records {
		db.media[r.UUID] = Media{
			UUID:     r.UUID,
			Label:    r.Label,
			Pool:     r.Pool,
			MediaSet: r.MediaSet,
			Status:   r.Status,
			Location: Location{Kind: locationFromName(r.Location.Kind), Changer: r.Location.Changer, Vault: r.Location.Vault},
		}
	}
	return db, nil
}

// Save acquires the inventory's file lock and atomically rewrites it.
func (db *DB) Save() error {
	lockPath := db.path + ".lock"
	lock, err := filelock.LockExclusive(lockPath)
	if err != nil {
		return fmt.Errorf("inventory: lock: %w", err)
	}
	defer lock.Unlock()

	records := make([]onDiskMedia, 0, len(db.media))
	for _, m := range db.media {
		rec := onDiskMedia{UUID: m.UUID, Label: m.Label, Pool: m.Pool, MediaSet: m.MediaSet, Status: m.Status}
		rec.Location.Kind = locationKindName(m.Location.Kind)
		rec.Location.Changer = m.Location.Changer
		rec.Location.Vault = m.Location.Vault
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].UUID.String() < records[j].UUID.String() })

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("inventory: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(db.path), 0o755); err != nil {
		return fmt.Errorf("inventory: mkdir: %w", err)
	}
	tmp := db.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("inventory: write temp file: %w", err)
	}
	if err := os.Rename(tmp, db.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("inventory: rename: %w", err)
	}
	return nil
}

// Put inserts or replaces a medium's record.
func (db *DB) Put(m Media) { db.media[m.UUID] = m }

// Get returns a medium by UUID.
func (db *DB) Get(id uuid.UUID) (Media, bool) {
	m, ok := db.media[id]
	return m, ok
}

// ListPoolMedia returns every medium whose own pool, or whose assigned
// media-set's pool, equals pool. A medium's media set doesn't carry its
// own pool field separately in this model — pool assignment happens at
// the medium/label level — so this is equivalent to filtering on Pool,
// kept as a distinct query per §4.11's naming.
func (db *DB) ListPoolMedia(pool string) []Media {
	var out []Media
	for _, m := range db.media {
		if m.Pool == pool {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID.String() < out[j].UUID.String() })
	return out
}

// LatestMediaSet returns the UUID of the latest complete media set for
// pool — a set with a known seq_nr 0 member — choosing the one with the
// latest start time. Returns ok=false if there is no complete set, or if
// the latest start time is tied between two or more sets (§4.11: "returns
// None on tie").
func (db *DB) LatestMediaSet(pool string) (uuid.UUID, bool) {
	type candidate struct {
		setUUID   uuid.UUID
		startTime time.Time
	}
	var complete []candidate
	seen := make(map[uuid.UUID]bool)
	for _, m := range db.media {
		if m.Pool != pool || m.MediaSet == nil || m.MediaSet.SeqNr != 0 {
			continue
		}
		if seen[m.MediaSet.SetUUID] {
			continue
		}
		seen[m.MediaSet.SetUUID] = true
		complete = append(complete, candidate{setUUID: m.MediaSet.SetUUID, startTime: m.MediaSet.StartTime})
	}
	if len(complete) == 0 {
		return uuid.UUID{}, false
	}
	sort.Slice(complete, func(i, j int) bool { return complete[i].startTime.Before(complete[j].startTime) })
	latest := complete[len(complete)-1]
	if len(complete) >= 2 && complete[len(complete)-2].startTime.Equal(latest.startTime) {
		return uuid.UUID{}, false
	}
	return latest.setUUID, true
}

// ComputeMediaSetMembers returns the set's members indexed by seq_nr; gaps
// (no medium recorded at that position) are nil entries. The returned
// slice length is one past the highest seq_nr seen.
func (db *DB) ComputeMediaSetMembers(setUUID uuid.UUID) []*uuid.UUID {
	maxSeq := -1
	bySeq := make(map[int]uuid.UUID)
	for _, m := range db.media {
		if m.MediaSet == nil || m.MediaSet.SetUUID != setUUID {
			continue
		}
		bySeq[m.MediaSet.SeqNr] = m.UUID
		if m.MediaSet.SeqNr > maxSeq {
			maxSeq = m.MediaSet.SeqNr
		}
	}
	if maxSeq < 0 {
		return nil
	}
	members := make([]*uuid.UUID, maxSeq+1)
	for seq, id := range bySeq {
		v := id
		members[seq] = &v
	}
	return members
}

// UpdateOnlineStatus reconciles the inventory against a changer scan.
// online is the set of media UUIDs the scan found loaded in a drive or
// storage slot (never media sitting in an import/export slot — §4.11:
// "media inside IE slots are never counted as online"). If hasInfo is
// false, the changer reported no usable information for this scan (e.g.
// a communication failure) and every location is left untouched.
// Otherwise: media in online become Online(changer); media previously
// Online(changer) but absent from online become Offline.
func (db *DB) UpdateOnlineStatus(changer string, online map[uuid.UUID]bool, hasInfo bool) {
	if !hasInfo {
		return
	}
	for id, m := range db.media {
		_, isOnlineNow := online[id]
		switch {
		case isOnlineNow:
			m.Location = Online(changer)
		case m.Location.Kind == LocationOnline && m.Location.Changer == changer:
			m.Location = Offline()
		default:
			continue
		}
		db.media[id] = m
	}
}
