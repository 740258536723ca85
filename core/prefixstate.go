package core

import (
	"net/netip"
	"slices"

	"github.com/openfabric/fabricd/state"
)

// PrefixEntries are all announcements of one prefix, keyed by announcer.
type PrefixEntries map[state.NodeAndArea]*state.PrefixEntry

// HasBgp reports whether any announcement carries BGP attributes.
func (pe PrefixEntries) HasBgp() bool {
	for _, entry := range pe {
		if entry.IsBgp() {
			return true
		}
	}
	return false
}

// PrefixState tracks every prefix announcement across all areas.
type PrefixState struct {
	prefixes map[netip.Prefix]PrefixEntries
	// originated remembers which (node, area) pairs have published a prefix
	// database, even an empty one.
	originated map[state.NodeAndArea][]netip.Prefix
}

func NewPrefixState() *PrefixState {
	return &PrefixState{
		prefixes:   make(map[netip.Prefix]PrefixEntries),
		originated: make(map[state.NodeAndArea][]netip.Prefix),
	}
}

// ApplyPrefixDatabase replaces one node's announcements within one area and
// returns every prefix whose announcement set changed.
func (ps *PrefixState) ApplyPrefixDatabase(db *state.PrefixDatabase) []netip.Prefix {
	na := state.NodeAndArea{Node: db.Node, Area: db.Area}
	changed := make(map[netip.Prefix]bool)

	next := make(map[netip.Prefix]*state.PrefixEntry, len(db.Entries))
	for i := range db.Entries {
		entry := db.Entries[i]
		next[entry.Prefix] = &entry
	}

	for _, prefix := range ps.originated[na] {
		if _, still := next[prefix]; !still {
			delete(ps.prefixes[prefix], na)
			if len(ps.prefixes[prefix]) == 0 {
				delete(ps.prefixes, prefix)
			}
			changed[prefix] = true
		}
	}

	prefixes := make([]netip.Prefix, 0, len(next))
	for prefix, entry := range next {
		prefixes = append(prefixes, prefix)
		entries, ok := ps.prefixes[prefix]
		if !ok {
			entries = make(PrefixEntries)
			ps.prefixes[prefix] = entries
		}
		if old, ok := entries[na]; !ok || !old.Equal(entry) {
			entries[na] = entry
			changed[prefix] = true
		}
	}
	ps.originated[na] = prefixes

	out := make([]netip.Prefix, 0, len(changed))
	for prefix := range changed {
		out = append(out, prefix)
	}
	slices.SortFunc(out, comparePrefix)
	return out
}

// RemoveNode withdraws everything a (node, area) pair has announced.
func (ps *PrefixState) RemoveNode(na state.NodeAndArea) []netip.Prefix {
	return ps.ApplyPrefixDatabase(&state.PrefixDatabase{Node: na.Node, Area: na.Area})
}

func (ps *PrefixState) Entries(prefix netip.Prefix) PrefixEntries {
	return ps.prefixes[prefix]
}

// Prefixes returns all announced prefixes in stable order.
func (ps *PrefixState) Prefixes() []netip.Prefix {
	out := make([]netip.Prefix, 0, len(ps.prefixes))
	for prefix := range ps.prefixes {
		out = append(out, prefix)
	}
	slices.SortFunc(out, comparePrefix)
	return out
}

// HasNode reports whether the node has published a prefix database in any
// area.
func (ps *PrefixState) HasNode(node state.NodeName) bool {
	for na := range ps.originated {
		if na.Node == node {
			return true
		}
	}
	return false
}

func comparePrefix(a, b netip.Prefix) int {
	if c := a.Addr().Compare(b.Addr()); c != 0 {
		return c
	}
	return a.Bits() - b.Bits()
}
