// Package retention implements the bucketed keep-last/hourly/daily/weekly/
// monthly/yearly snapshot selector (spec §4.6). Policies are pure functions
// over an immutable snapshot list, mirroring the vault retention policies
// this module is grounded on: no IO, no locks, Apply returns the set a
// policy wants to KEEP (not delete). The buckets are evaluated in order,
// each over the snapshots no earlier bucket kept (see Policy), and pruning
// is computed as everything left over.
package retention

import (
	"fmt"
	"sort"
	"time"
)

// SnapshotID identifies one snapshot subject to a retention decision.
type SnapshotID string

// Snapshot is one immutable entry in a retention decision: its identity and
// creation time. Snapshots is assumed sorted ascending by Time by State.
type Snapshot struct {
	ID   SnapshotID
	Time time.Time
}

// State is an immutable view of all snapshots for one (namespace, type, id)
// group, passed to every Policy.
type State struct {
	Snapshots []Snapshot // sorted oldest first
	Now       time.Time
}

// NewState sorts snapshots ascending by time and wraps them with now.
func NewState(snapshots []Snapshot, now time.Time) State {
	sorted := append([]Snapshot(nil), snapshots...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })
	return State{Snapshots: sorted, Now: now}
}

// Policy decides which snapshots in state must be KEPT.
//
// Composing policies (CompositePolicy) is NOT an independent union: per
// §4.6, each lower-priority bucket only spends its own budget on snapshots
// not already decided by a higher-priority policy earlier in the
// sequence, and treats a bucket already covered by a decided snapshot as
// satisfied rather than re-selecting (or wasting budget on) it. A policy
// run standalone (Keep called directly, as in single-policy tests) has no
// prior decisions to respect and simply picks its own window.
type Policy interface {
	Keep(state State) map[SnapshotID]bool
}

// PolicyFunc adapts a function to a Policy.
type PolicyFunc func(state State) map[SnapshotID]bool

func (f PolicyFunc) Keep(state State) map[SnapshotID]bool { return f(state) }

// sequential is implemented by policies that can take the set already
// decided by earlier policies into account instead of recomputing their
// window from scratch. CompositePolicy uses this to implement §4.6's
// sequential "not-yet-decided" semantics; a Policy that doesn't implement
// it is treated as fully independent and unioned in as before.
type sequential interface {
	keepAfter(state State, alreadyKept map[SnapshotID]bool) map[SnapshotID]bool
}

// CompositePolicy evaluates its sub-policies in order, each only spending
// its budget on snapshots not already kept by an earlier one (§4.6).
type CompositePolicy struct {
	policies []Policy
}

func NewCompositePolicy(policies ...Policy) *CompositePolicy {
	return &CompositePolicy{policies: policies}
}

func (c *CompositePolicy) Keep(state State) map[SnapshotID]bool {
	kept := make(map[SnapshotID]bool)
	for _, p := range c.policies {
		var newly map[SnapshotID]bool
		if sp, ok := p.(sequential); ok {
			newly = sp.keepAfter(state, kept)
		} else {
			newly = p.Keep(state)
		}
		for id := range newly {
			kept[id] = true
		}
	}
	return kept
}

// KeepLastPolicy keeps the n most recent snapshots outright, regardless of
// bucket alignment. It always evaluates its own window regardless of what
// earlier policies decided: it has no bucket to share, and §4.6 lists it
// first in priority order, so there is nothing earlier to defer to.
type KeepLastPolicy struct{ N int }

func (p KeepLastPolicy) Keep(state State) map[SnapshotID]bool {
	keep := make(map[SnapshotID]bool)
	if p.N <= 0 {
		return keep
	}
	n := len(state.Snapshots)
	start := n - p.N
	if start < 0 {
		start = 0
	}
	for _, s := range state.Snapshots[start:] {
		keep[s.ID] = true
	}
	return keep
}

func (p KeepLastPolicy) keepAfter(state State, _ map[SnapshotID]bool) map[SnapshotID]bool {
	return p.Keep(state)
}

// bucketKey maps a timestamp to the label of the bucket it falls in.
type bucketKey func(t time.Time) string

// bucketedPolicy keeps the single newest snapshot in each of the N most
// recent distinct buckets produced by keyFn, walking newest-to-oldest (§4.6
// "keep-hourly/daily/weekly/monthly/yearly" share this shape, differing only
// in the bucket key).
type bucketedPolicy struct {
	n     int
	keyFn bucketKey
}

func (p bucketedPolicy) Keep(state State) map[SnapshotID]bool {
	return p.keepAfter(state, nil)
}

// keepAfter treats any bucket already covered by an alreadyKept snapshot
// as satisfied — it doesn't re-select within that bucket, and doesn't
// spend its own budget on it — then walks the remaining, not-yet-decided
// snapshots newest-to-oldest to fill up to n more distinct buckets.
func (p bucketedPolicy) keepAfter(state State, alreadyKept map[SnapshotID]bool) map[SnapshotID]bool {
	keep := make(map[SnapshotID]bool)
	if p.n <= 0 {
		return keep
	}
	covered := make(map[string]bool)
	for _, s := range state.Snapshots {
		if alreadyKept[s.ID] {
			covered[p.keyFn(s.Time)] = true
		}
	}
	budget := p.n
	for i := len(state.Snapshots) - 1; i >= 0 && budget > 0; i-- {
		s := state.Snapshots[i]
		if alreadyKept[s.ID] {
			continue
		}
		key := p.keyFn(s.Time)
		if covered[key] {
			continue
		}
		covered[key] = true
		keep[s.ID] = true
		budget--
	}
	return keep
}

// KeepHourlyPolicy keeps the newest snapshot in each of the n most recent
// distinct (year, yday, hour) buckets, UTC.
func KeepHourlyPolicy(n int) Policy {
	return bucketedPolicy{n: n, keyFn: func(t time.Time) string {
		u := t.UTC()
		return u.Format("2006-01-02T15")
	}}
}

// KeepDailyPolicy keeps the newest snapshot in each of the n most recent
// distinct calendar days, UTC.
func KeepDailyPolicy(n int) Policy {
	return bucketedPolicy{n: n, keyFn: func(t time.Time) string {
		return t.UTC().Format("2006-01-02")
	}}
}

// KeepWeeklyPolicy keeps the newest snapshot in each of the n most recent
// distinct ISO-8601 weeks (§4.6 specifies ISO week numbering, not the locale
// week used by time.Weekday, to avoid first-day-of-week ambiguity).
func KeepWeeklyPolicy(n int) Policy {
	return bucketedPolicy{n: n, keyFn: func(t time.Time) string {
		year, week := t.UTC().ISOWeek()
		return isoWeekKey(year, week)
	}}
}

func isoWeekKey(year, week int) string {
	return fmt.Sprintf("%04d-W%02d", year, week)
}

// KeepMonthlyPolicy keeps the newest snapshot in each of the n most recent
// distinct calendar months, UTC.
func KeepMonthlyPolicy(n int) Policy {
	return bucketedPolicy{n: n, keyFn: func(t time.Time) string {
		return t.UTC().Format("2006-01")
	}}
}

// KeepYearlyPolicy keeps the newest snapshot in each of the n most recent
// distinct calendar years, UTC.
func KeepYearlyPolicy(n int) Policy {
	return bucketedPolicy{n: n, keyFn: func(t time.Time) string {
		return t.UTC().Format("2006")
	}}
}

// KeepSpec is the user-facing retention configuration, one field per bucket
// granularity, matching the §6.5 pool/datastore config schema.
type KeepSpec struct {
	Last, Hourly, Daily, Weekly, Monthly, Yearly int
}

// BuildPolicy composes a KeepSpec into the single CompositePolicy that
// implements it.
func BuildPolicy(spec KeepSpec) Policy {
	return NewCompositePolicy(
		KeepLastPolicy{N: spec.Last},
		KeepHourlyPolicy(spec.Hourly),
		KeepDailyPolicy(spec.Daily),
		KeepWeeklyPolicy(spec.Weekly),
		KeepMonthlyPolicy(spec.Monthly),
		KeepYearlyPolicy(spec.Yearly),
	)
}

// Prune evaluates policy against state and returns the snapshot IDs NOT
// kept, sorted for deterministic output (P9: pruning is idempotent — running
// Prune again over the survivors yields an empty list).
func Prune(policy Policy, state State) []SnapshotID {
	keep := policy.Keep(state)
	var prune []SnapshotID
	for _, s := range state.Snapshots {
		if !keep[s.ID] {
			prune = append(prune, s.ID)
		}
	}
	sort.Slice(prune, func(i, j int) bool { return prune[i] < prune[j] })
	return prune
}
