package state

import (
	"fmt"
	"maps"
	"net/netip"
	"slices"
)

// RibUnicastEntry is a computed unicast route along with the announcement
// that won selection for it.
type RibUnicastEntry struct {
	Prefix       netip.Prefix `yaml:"prefix"`
	NextHops     []NextHop    `yaml:"next_hops"`
	BestEntry    PrefixEntry  `yaml:"best_entry"`
	BestNodeArea NodeAndArea  `yaml:"best_node_area"`
	DoNotInstall bool         `yaml:"do_not_install,omitempty"`
}

func (e *RibUnicastEntry) Route() UnicastRoute {
	return UnicastRoute{Prefix: e.Prefix, NextHops: slices.Clone(e.NextHops)}
}

// RibMplsEntry is a computed label route.
type RibMplsEntry struct {
	Label    int32     `yaml:"label"`
	NextHops []NextHop `yaml:"next_hops"`
}

func (e *RibMplsEntry) Route() MplsRoute {
	return MplsRoute{Label: e.Label, NextHops: slices.Clone(e.NextHops)}
}

// UnicastRoute is the stripped form handed to the forwarding agent.
type UnicastRoute struct {
	Prefix   netip.Prefix `yaml:"prefix"`
	NextHops []NextHop    `yaml:"next_hops"`
}

type MplsRoute struct {
	Label    int32     `yaml:"label"`
	NextHops []NextHop `yaml:"next_hops"`
}

// RouteSelectionResult captures which announcements won selection for one
// prefix. Best is the single representative used for re-distribution; All is
// the equal-cost set. Invariant: Best is a member of All, and All is
// non-empty whenever selection succeeded.
type RouteSelectionResult struct {
	Best NodeAndArea
	All  []NodeAndArea // sorted, unique
}

func (r RouteSelectionResult) HasNode(node NodeName) bool {
	for _, na := range r.All {
		if na.Node == node {
			return true
		}
	}
	return false
}

// RouteDb is the decision output: all computed unicast and label routes.
// Each key appears at most once; inserting a duplicate is a programming
// fault and panics.
type RouteDb struct {
	Unicast map[netip.Prefix]RibUnicastEntry
	Mpls    map[int32]RibMplsEntry
}

func NewRouteDb() *RouteDb {
	return &RouteDb{
		Unicast: make(map[netip.Prefix]RibUnicastEntry),
		Mpls:    make(map[int32]RibMplsEntry),
	}
}

func (db *RouteDb) AddUnicast(e RibUnicastEntry) {
	if _, ok := db.Unicast[e.Prefix]; ok {
		panic(fmt.Sprintf("duplicate unicast route for %s", e.Prefix))
	}
	db.Unicast[e.Prefix] = e
}

func (db *RouteDb) AddMpls(e RibMplsEntry) {
	if _, ok := db.Mpls[e.Label]; ok {
		panic(fmt.Sprintf("duplicate mpls route for label %d", e.Label))
	}
	db.Mpls[e.Label] = e
}

// CalculateUpdate computes the delta that transforms db into next.
func (db *RouteDb) CalculateUpdate(next *RouteDb) RouteUpdate {
	u := NewRouteUpdate()
	for prefix, entry := range next.Unicast {
		prev, ok := db.Unicast[prefix]
		if !ok || !UnicastEntriesEqual(prev, entry) {
			u.UnicastUpserts[prefix] = entry
		}
	}
	for prefix := range db.Unicast {
		if _, ok := next.Unicast[prefix]; !ok {
			u.UnicastDeletions = append(u.UnicastDeletions, prefix)
		}
	}
	for label, entry := range next.Mpls {
		prev, ok := db.Mpls[label]
		if !ok || !MplsEntriesEqual(prev, entry) {
			u.MplsUpserts[label] = entry
		}
	}
	for label := range db.Mpls {
		if _, ok := next.Mpls[label]; !ok {
			u.MplsDeletions = append(u.MplsDeletions, label)
		}
	}
	return u
}

// Apply mutates db with the delta. Applying a stream of deltas in order onto
// an empty db reconstructs the producer's db.
func (db *RouteDb) Apply(u RouteUpdate) {
	for prefix, entry := range u.UnicastUpserts {
		db.Unicast[prefix] = entry
	}
	for _, prefix := range u.UnicastDeletions {
		delete(db.Unicast, prefix)
	}
	for label, entry := range u.MplsUpserts {
		db.Mpls[label] = entry
	}
	for _, label := range u.MplsDeletions {
		delete(db.Mpls, label)
	}
}

func (db *RouteDb) Clone() *RouteDb {
	return &RouteDb{
		Unicast: maps.Clone(db.Unicast),
		Mpls:    maps.Clone(db.Mpls),
	}
}

func UnicastEntriesEqual(a, b RibUnicastEntry) bool {
	if a.Prefix != b.Prefix || a.DoNotInstall != b.DoNotInstall ||
		a.BestNodeArea != b.BestNodeArea || !a.BestEntry.Equal(&b.BestEntry) {
		return false
	}
	return NextHopsEqual(a.NextHops, b.NextHops)
}

func MplsEntriesEqual(a, b RibMplsEntry) bool {
	return a.Label == b.Label && NextHopsEqual(a.NextHops, b.NextHops)
}

func NextHopsEqual(a, b []NextHop) bool {
	if len(a) != len(b) {
		return false
	}
	ak := make([]string, 0, len(a))
	bk := make([]string, 0, len(b))
	for i := range a {
		ak = append(ak, a[i].Key())
		bk = append(bk, b[i].Key())
	}
	slices.Sort(ak)
	slices.Sort(bk)
	return slices.Equal(ak, bk)
}
