package inventory

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestSaveAndReopenRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "inventory.json")

	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	id := uuid.New()
	db.Put(Media{UUID: id, Label: "TAPE001", Pool: "offsite", Status: StatusWritable, Location: Offline()})
	if err := db.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	m, ok := reopened.Get(id)
	if !ok {
		t.Fatal("expected medium to survive round trip")
	}
	if m.Label != "TAPE001" || m.Pool != "offsite" || m.Status != StatusWritable {
		t.Fatalf("got %+v", m)
	}
	if m.Location.Kind != LocationOffline {
		t.Fatalf("got location %+v, want offline", m.Location)
	}
}

func TestListPoolMedia(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "inventory.json"))
	if err != nil {
		t.Fatal(err)
	}
	a := uuid.New()
	b := uuid.New()
	c := uuid.New()
	db.Put(Media{UUID: a, Pool: "offsite"})
	db.Put(Media{UUID: b, Pool: "offsite"})
	db.Put(Media{UUID: c, Pool: "onsite"})

	got := db.ListPoolMedia("offsite")
	if len(got) != 2 {
		t.Fatalf("got %d media, want 2", len(got))
	}
}

func mediaSetRef(setUUID uuid.UUID, seq int, start time.Time) *MediaSetRef {
	return &MediaSetRef{SetUUID: setUUID, SeqNr: seq, StartTime: start}
}

func TestLatestMediaSetPicksLatestCompleteSet(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "inventory.json"))
	if err != nil {
		t.Fatal(err)
	}
	older := uuid.New()
	newer := uuid.New()
	baseTime := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	db.Put(Media{UUID: uuid.New(), Pool: "offsite", MediaSet: mediaSetRef(older, 0, baseTime)})
	db.Put(Media{UUID: uuid.New(), Pool: "offsite", MediaSet: mediaSetRef(newer, 0, baseTime.Add(24*time.Hour))})

	got, ok := db.LatestMediaSet("offsite")
	if !ok {
		t.Fatal("expected a complete set")
	}
	if got != newer {
		t.Fatalf("got %s, want %s", got, newer)
	}
}

func TestLatestMediaSetIgnoresIncompleteSets(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "inventory.json"))
	if err != nil {
		t.Fatal(err)
	}
	incomplete := uuid.New()
	// seq_nr 1 only, no seq_nr 0 member recorded -> not "complete".
	db.Put(Media{UUID: uuid.New(), Pool: "offsite", MediaSet: mediaSetRef(incomplete, 1, time.Now())})

	if _, ok := db.LatestMediaSet("offsite"); ok {
		t.Fatal("expected no complete set")
	}
}

func TestLatestMediaSetTieReturnsNone(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "inventory.json"))
	if err != nil {
		t.Fatal(err)
	}
	tieTime := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	db.Put(Media{UUID: uuid.New(), Pool: "offsite", MediaSet: mediaSetRef(uuid.New(), 0, tieTime)})
	db.Put(Media{UUID: uuid.New(), Pool: "offsite", MediaSet: mediaSetRef(uuid.New(), 0, tieTime)})

	if _, ok := db.LatestMediaSet("offsite"); ok {
		t.Fatal("expected tie to yield no result")
	}
}

func TestComputeMediaSetMembersWithGap(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "inventory.json"))
	if err != nil {
		t.Fatal(err)
	}
	set := uuid.New()
	m0 := uuid.New()
	m2 := uuid.New()
	db.Put(Media{UUID: m0, MediaSet: mediaSetRef(set, 0, time.Now())})
	db.Put(Media{UUID: m2, MediaSet: mediaSetRef(set, 2, time.Now())})

	members := db.ComputeMediaSetMembers(set)
	if len(members) != 3 {
		t.Fatalf("got len %d, want 3", len(members))
	}
	if members[0] == nil || *members[0] != m0 {
		t.Fatalf("seq 0 mismatch: %+v", members[0])
	}
	if members[1] != nil {
		t.Fatalf("expected gap at seq 1, got %+v", members[1])
	}
	if members[2] == nil || *members[2] != m2 {
		t.Fatalf("seq 2 mismatch: %+v", members[2])
	}
}

func TestUpdateOnlineStatusMarksSeenAndUnseen(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "inventory.json"))
	if err != nil {
		t.Fatal(err)
	}
	seen := uuid.New()
	goneMissing := uuid.New()
	neverOnline := uuid.New()

	db.Put(Media{UUID: seen, Location: Offline()})
	db.Put(Media{UUID: goneMissing, Location: Online("lib0")})
	db.Put(Media{UUID: neverOnline, Location: Vault("offsite-box-3")})

	db.UpdateOnlineStatus("lib0", map[uuid.UUID]bool{seen: true}, true)

	m1, _ := db.Get(seen)
	if m1.Location.Kind != LocationOnline || m1.Location.Changer != "lib0" {
		t.Fatalf("expected seen medium online, got %+v", m1.Location)
	}
	m2, _ := db.Get(goneMissing)
	if m2.Location.Kind != LocationOffline {
		t.Fatalf("expected missing medium offline, got %+v", m2.Location)
	}
	m3, _ := db.Get(neverOnline)
	if m3.Location.Kind != LocationVault {
		t.Fatalf("vault-tracked medium should be untouched, got %+v", m3.Location)
	}
}

func TestUpdateOnlineStatusNoInfoLeavesLocationsUntouched(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "inventory.json"))
	if err != nil {
		t.Fatal(err)
	}
	id := uuid.New()
	db.Put(Media{UUID: id, Location: Online("lib0")})

	db.UpdateOnlineStatus("lib0", map[uuid.UUID]bool{}, false)

	m, _ := db.Get(id)
	if m.Location.Kind != LocationOnline {
		t.Fatalf("expected location untouched, got %+v", m.Location)
	}
}
