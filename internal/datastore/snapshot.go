package datastore

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// SnapshotType enumerates the §3 snapshot types.
type SnapshotType string

const (
	TypeVM   SnapshotType = "vm"
	TypeCT   SnapshotType = "ct"
	TypeHost SnapshotType = "host"
)

// iso8601 is the on-disk time format: RFC 3339 in UTC with a literal "Z"
// suffix, colons included (e.g. 2024-01-02T15:04:05Z).
const iso8601 = "2006-01-02T15:04:05Z"

var namespaceSegmentRE = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}$`)

// ValidateNamespace checks every path segment is a safe identifier of at
// most 32 characters, per §3.
func ValidateNamespace(ns []string) error {
	for _, seg := range ns {
		if !namespaceSegmentRE.MatchString(seg) {
			return fmt.Errorf("datastore: invalid namespace segment %q", seg)
		}
	}
	return nil
}

// SnapshotID identifies a snapshot by (namespace, type, id, time), §3.
type SnapshotID struct {
	Namespace []string
	Type      SnapshotType
	ID        string
	Time      time.Time
}

func (s SnapshotID) relPath() string {
	parts := append([]string{}, s.Namespace...)
	parts = append(parts, string(s.Type), s.ID, s.Time.UTC().Format(iso8601))
	return filepath.Join(parts...)
}

// Path returns the absolute snapshot directory path.
func (ds *Datastore) Path(id SnapshotID) string {
	return filepath.Join(ds.root, id.relPath())
}

const lockSentinel = ".lock"

// CreateSnapshotDir creates the snapshot directory with exclusive,
// create-only semantics (O_EXCL-style): if the directory already exists,
// created=false and no error.
func (ds *Datastore) CreateSnapshotDir(id SnapshotID) (path string, created bool, err error) {
	if err := ValidateNamespace(id.Namespace); err != nil {
		return "", false, err
	}
	path = ds.Path(id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", false, fmt.Errorf("datastore: mkdir snapshot parent: %w", err)
	}
	if err := os.Mkdir(path, 0o755); err != nil {
		if os.IsExist(err) {
			return path, false, nil
		}
		return "", false, fmt.Errorf("datastore: mkdir snapshot: %w", err)
	}
	return path, true, nil
}

// LockSnapshotShared takes a shared lock on the snapshot's sentinel,
// appropriate for readers/restores.
func (ds *Datastore) LockSnapshotShared(path string) (*FileLock, error) {
	return LockShared(filepath.Join(path, lockSentinel))
}

// LockSnapshotExclusiveNoBlock takes a non-blocking exclusive lock,
// appropriate for deleters/finishers. Returns ErrWouldBlock if a reader or
// another writer currently holds it.
func (ds *Datastore) LockSnapshotExclusiveNoBlock(path string) (*FileLock, error) {
	return LockExclusiveNoBlock(filepath.Join(path, lockSentinel))
}

// Snapshot describes one entry yielded by IterSnapshots.
type Snapshot struct {
	ID       SnapshotID
	Path     string
	Finished bool
}

// IterSnapshots walks the snapshot tree rooted at ns, optionally limited to
// recursiveDepth namespace levels below ns (nil: unlimited), skipping
// snapshots still locked exclusively (in-progress writers/deleters).
func (ds *Datastore) IterSnapshots(ns []string, recursiveDepth *int) ([]Snapshot, error) {
	if err := ValidateNamespace(ns); err != nil {
		return nil, err
	}
	root := filepath.Join(append([]string{ds.root}, ns...)...)
	var out []Snapshot

	baseDepth := strings.Count(root, string(filepath.Separator))
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() || p == root {
			return nil
		}
		depth := strings.Count(p, string(filepath.Separator)) - baseDepth
		if recursiveDepth != nil && depth > *recursiveDepth+3 {
			return fs.SkipDir
		}
		snap, ok := parseSnapshotDir(ds.root, p)
		if !ok {
			return nil
		}
		lock, err := ds.LockSnapshotExclusiveNoBlock(p)
		if err != nil {
			if err == ErrWouldBlock {
				return fs.SkipDir // in-progress writer/deleter: skip
			}
			return nil
		}
		lock.Unlock()

		_, statErr := os.Stat(filepath.Join(p, "index.json.blob"))
		out = append(out, Snapshot{ID: snap, Path: p, Finished: statErr == nil})
		return fs.SkipDir
	})
	if err != nil {
		return nil, fmt.Errorf("datastore: iterate snapshots: %w", err)
	}
	return out, nil
}

// parseSnapshotDir reverses relPath(): given an absolute snapshot path, try
// to recover its SnapshotID. Returns ok=false for any directory that isn't
// shaped like (namespace...)/(type)/(id)/(time).
func parseSnapshotDir(root, path string) (SnapshotID, bool) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return SnapshotID{}, false
	}
	parts := strings.Split(rel, string(filepath.Separator))
	if len(parts) < 3 {
		return SnapshotID{}, false
	}
	timeStr := parts[len(parts)-1]
	idStr := parts[len(parts)-2]
	typeStr := parts[len(parts)-3]
	ns := parts[:len(parts)-3]

	t, err := time.Parse(iso8601, timeStr)
	if err != nil {
		return SnapshotID{}, false
	}
	switch SnapshotType(typeStr) {
	case TypeVM, TypeCT, TypeHost:
	default:
		return SnapshotID{}, false
	}
	return SnapshotID{Namespace: ns, Type: SnapshotType(typeStr), ID: idStr, Time: t}, true
}
