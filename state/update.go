package state

import (
	"net/netip"
	"time"
)

// PerfEvent marks one step of a route's journey through the control plane.
type PerfEvent struct {
	Node     NodeName  `yaml:"node"`
	Event    string    `yaml:"event"`
	UnixTsMs int64     `yaml:"unix_ts_ms"`
	At       time.Time `yaml:"-"`
}

type PerfEvents struct {
	Events []PerfEvent `yaml:"events"`
}

func (p *PerfEvents) Add(node NodeName, event string) {
	now := time.Now()
	p.Events = append(p.Events, PerfEvent{
		Node:     node,
		Event:    event,
		UnixTsMs: now.UnixMilli(),
		At:       now,
	})
}

// RouteUpdate is the delta stream unit between decision and fib.
type RouteUpdate struct {
	UnicastUpserts   map[netip.Prefix]RibUnicastEntry
	UnicastDeletions []netip.Prefix
	MplsUpserts      map[int32]RibMplsEntry
	MplsDeletions    []int32
	PerfEvents       *PerfEvents
}

func NewRouteUpdate() RouteUpdate {
	return RouteUpdate{
		UnicastUpserts: make(map[netip.Prefix]RibUnicastEntry),
		MplsUpserts:    make(map[int32]RibMplsEntry),
	}
}

func (u *RouteUpdate) Empty() bool {
	return len(u.UnicastUpserts) == 0 && len(u.UnicastDeletions) == 0 &&
		len(u.MplsUpserts) == 0 && len(u.MplsDeletions) == 0
}

// FilterInstallable drops do-not-install upserts. Deletions are kept as-is;
// deleting a route the agent never saw is idempotent.
func (u RouteUpdate) FilterInstallable() RouteUpdate {
	out := NewRouteUpdate()
	for prefix, entry := range u.UnicastUpserts {
		if entry.DoNotInstall {
			continue
		}
		out.UnicastUpserts[prefix] = entry
	}
	out.UnicastDeletions = u.UnicastDeletions
	out.MplsUpserts = u.MplsUpserts
	out.MplsDeletions = u.MplsDeletions
	out.PerfEvents = u.PerfEvents
	return out
}

// FibUpdate is the stripped snapshot+delta unit published to fib subscribers.
type FibUpdate struct {
	// Snapshot is set on the synthetic first message a new subscriber
	// receives, and on full syncs.
	Snapshot         bool
	UnicastUpserts   []UnicastRoute
	UnicastDeletions []netip.Prefix
	MplsUpserts      []MplsRoute
	MplsDeletions    []int32
}

// FibDetailUpdate mirrors FibUpdate with selection metadata retained.
type FibDetailUpdate struct {
	Snapshot         bool
	UnicastUpserts   []RibUnicastEntry
	UnicastDeletions []netip.Prefix
	MplsUpserts      []RibMplsEntry
	MplsDeletions    []int32
}
