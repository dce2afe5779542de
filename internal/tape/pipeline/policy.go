// Package pipeline implements the tape backup and restore jobs (spec
// §4.12): pool allocation policy, media-set lifecycle, multi-tape writer
// fan-out on LEOM, catalog assembly, and resumability after damaged media.
package pipeline

import (
	"time"

	"github.com/google/uuid"

	"dedupvault/internal/tape/inventory"
)

// AllocationPolicy selects how a pool decides whether to keep appending to
// its current media set or start a new one (§4.12 step 1).
type AllocationPolicy int

const (
	// AllocationContinue appends to the current set's last non-full media;
	// if none is writable, a new set is allocated.
	AllocationContinue AllocationPolicy = iota
	// AllocationAlwaysCreate starts a new media set for every job.
	AllocationAlwaysCreate
	// AllocationInterval continues the current set only if its start time
	// is within Interval of now; otherwise a new set is started.
	AllocationInterval
)

// PoolConfig configures one backup pool's allocation behavior.
type PoolConfig struct {
	Name     string
	Policy   AllocationPolicy
	Interval time.Duration // only meaningful for AllocationInterval
}

// Allocation is the outcome of resolving a pool to a target media.
type Allocation struct {
	SetUUID    uuid.UUID
	MediaUUID  uuid.UUID // zero value means: allocate a brand new media too
	NewSet     bool
	Unassigned bool // true if MediaUUID names an existing media with no media-set label yet; false when MediaUUID is zero
}

// lastWritableMember returns the highest-seq_nr non-nil, non-full member of
// setUUID, or ok=false if the set has no writable tail (every member full,
// damaged, or the set is empty).
func lastWritableMember(inv *inventory.DB, setUUID uuid.UUID) (uuid.UUID, bool) {
	members := inv.ComputeMediaSetMembers(setUUID)
	for i := len(members) - 1; i >= 0; i-- {
		if members[i] == nil {
			continue
		}
		m, ok := inv.Get(*members[i])
		if !ok {
			continue
		}
		if m.Status == inventory.StatusWritable || m.Status == inventory.StatusUnassigned {
			return m.UUID, true
		}
		// the tail member is full/damaged: no writable tail exists, since
		// appends only ever extend the highest seq_nr.
		return uuid.UUID{}, false
	}
	return uuid.UUID{}, false
}

// Allocate resolves cfg's policy against inv's current state for cfg.Name,
// returning where the next chunk/snapshot archive should be written.
func Allocate(inv *inventory.DB, cfg PoolConfig, now time.Time) Allocation {
	setUUID, hasSet := inv.LatestMediaSet(cfg.Name)
	if !hasSet {
		return Allocation{NewSet: true}
	}

	continueSet := false
	switch cfg.Policy {
	case AllocationContinue:
		continueSet = true
	case AllocationAlwaysCreate:
		continueSet = false
	case AllocationInterval:
		// find the set's start time via its seq_nr 0 member.
		members := inv.ComputeMediaSetMembers(setUUID)
		if len(members) > 0 && members[0] != nil {
			if m, ok := inv.Get(*members[0]); ok && m.MediaSet != nil {
				continueSet = now.Sub(m.MediaSet.StartTime) <= cfg.Interval
			}
		}
	}

	if !continueSet {
		return Allocation{NewSet: true}
	}

	mediaUUID, ok := lastWritableMember(inv, setUUID)
	if !ok {
		return Allocation{NewSet: true}
	}
	m, _ := inv.Get(mediaUUID)
	return Allocation{SetUUID: setUUID, MediaUUID: mediaUUID, Unassigned: m.MediaSet == nil}
}
