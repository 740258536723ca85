package core

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/openfabric/fabricd/perf"
	"github.com/openfabric/fabricd/state"
)

// Decision consumes topology and prefix announcements from the KV fabric,
// runs the solver, and streams route deltas to the fib programmer. Deltas
// applied in order onto an empty db reconstruct the engine's current db, so
// subscribers never need checkpointing.
type Decision struct {
	env  *state.Env
	loop *state.Loop

	kv       *KvClient
	fibQueue *state.Queue[state.RouteUpdate]

	solver         *SpfSolver
	areaLinkStates AreaLinkStates
	prefixState    *PrefixState

	// routeDb is the last published database; deltas are computed against it.
	routeDb *state.RouteDb

	rebuildScheduled bool
	published        bool
}

func NewDecision(kv *KvClient, fibQueue *state.Queue[state.RouteUpdate]) *Decision {
	return &Decision{
		kv:       kv,
		fibQueue: fibQueue,
	}
}

func (d *Decision) Init(e *state.Env) error {
	d.env = e
	d.loop = state.NewLoop(e, "decision")
	d.solver = NewSpfSolver(e.Log, e.Cfg)
	d.areaLinkStates = make(AreaLinkStates)
	d.prefixState = NewPrefixState()
	d.routeDb = state.NewRouteDb()
	for _, area := range e.Cfg.Areas {
		d.areaLinkStates[area] = NewLinkState(area)
	}

	d.kv.SubscribeFilter([]string{state.KvAdjPrefix, state.KvPrefixPrefix}, func(area state.AreaId, key string, value *state.Value) {
		d.loop.Dispatch(func() error {
			return d.handleKeyEvent(area, key, value)
		})
	})

	d.loop.Dispatch(d.initialSync)
	return nil
}

func (d *Decision) Run() error {
	return d.loop.Run()
}

func (d *Decision) Close() error {
	d.kv.UnsubscribeFilter()
	return nil
}

func (d *Decision) Loop() *state.Loop {
	return d.loop
}

// initialSync replays whatever the store already holds before we start
// reacting to live publications.
func (d *Decision) initialSync() error {
	for _, area := range d.env.Cfg.Areas {
		for _, ns := range []string{state.KvAdjPrefix, state.KvPrefixPrefix} {
			keyVals, err := d.kv.Dump(area, ns)
			if err != nil {
				d.env.Log.Warn("initial kv dump failed", "area", area, "prefix", ns, "error", err)
				continue
			}
			for key, value := range keyVals {
				if err := d.handleKeyEvent(area, key, &value); err != nil {
					return err
				}
			}
		}
	}
	d.scheduleRebuild()
	return nil
}

func (d *Decision) handleKeyEvent(area state.AreaId, key string, value *state.Value) error {
	node, ok := state.NodeFromKey(key)
	if !ok {
		return nil
	}
	ls, ok := d.areaLinkStates[area]
	if !ok {
		d.env.Log.Warn("update for unknown area, skipping", "area", area, "key", key)
		return nil
	}

	switch {
	case strings.HasPrefix(key, state.KvAdjPrefix):
		return d.handleAdjacencyEvent(ls, node, value)
	case strings.HasPrefix(key, state.KvPrefixPrefix):
		return d.handlePrefixEvent(area, node, value)
	}
	return nil
}

func (d *Decision) handleAdjacencyEvent(ls *LinkState, node state.NodeName, value *state.Value) error {
	changed := false
	if value == nil || value.Payload == nil {
		changed = ls.RemoveNode(node)
	} else {
		db, err := state.DecodeAdjacencyDatabase(value.Payload)
		if err != nil {
			d.env.Log.Warn("dropping adjacency update", "node", node, "error", err)
			return nil
		}
		if db.Node != node || db.Area != ls.Area {
			d.env.Log.Warn("adjacency database key mismatch, dropping",
				"key_node", node, "db_node", db.Node, "key_area", ls.Area, "db_area", db.Area)
			return nil
		}
		changed = ls.ApplyAdjacencyDb(db)
	}
	if changed {
		// topology moved under us: every cached selection is stale
		d.solver.ClearBestRoutesCache()
		d.scheduleRebuild()
	}
	return nil
}

func (d *Decision) handlePrefixEvent(area state.AreaId, node state.NodeName, value *state.Value) error {
	var changed []netip.Prefix
	if value == nil || value.Payload == nil {
		changed = d.prefixState.RemoveNode(state.NodeAndArea{Node: node, Area: area})
	} else {
		db, err := state.DecodePrefixDatabase(value.Payload)
		if err != nil {
			d.env.Log.Warn("dropping prefix update", "node", node, "error", err)
			return nil
		}
		if db.Node != node || db.Area != area {
			d.env.Log.Warn("prefix database key mismatch, dropping",
				"key_node", node, "db_node", db.Node, "key_area", area, "db_area", db.Area)
			return nil
		}
		changed = d.prefixState.ApplyPrefixDatabase(db)
	}
	if len(changed) == 0 {
		return nil
	}
	if d.prependPolicyTouched(changed) {
		// prepend label bindings may shift; only a full rebuild keeps the
		// label table consistent
		d.scheduleRebuild()
		return nil
	}
	return d.computePrefixes(changed)
}

func (d *Decision) prependPolicyTouched(prefixes []netip.Prefix) bool {
	for i := range d.env.Cfg.SrPolicies {
		pol := &d.env.Cfg.SrPolicies[i]
		if !pol.Rules.PrependLabel {
			continue
		}
		for _, prefix := range prefixes {
			if pol.Matches(prefix) {
				return true
			}
		}
	}
	return false
}

// computePrefixes recomputes a handful of prefixes and publishes the delta.
func (d *Decision) computePrefixes(prefixes []netip.Prefix) error {
	u := state.NewRouteUpdate()
	for _, prefix := range prefixes {
		entry := d.solver.CreateRouteForPrefixOrGetStatic(d.areaLinkStates, d.prefixState, prefix)
		prev, had := d.routeDb.Unicast[prefix]
		switch {
		case entry == nil && had:
			u.UnicastDeletions = append(u.UnicastDeletions, prefix)
		case entry != nil && (!had || !state.UnicastEntriesEqual(prev, *entry)):
			u.UnicastUpserts[prefix] = *entry
		}
	}
	d.routeDb.Apply(u)
	return d.publish(u)
}

func (d *Decision) scheduleRebuild() {
	if d.rebuildScheduled {
		return
	}
	d.rebuildScheduled = true
	d.loop.ScheduleTask(d.rebuild, state.DecisionDebounceMin)
}

func (d *Decision) rebuild() error {
	d.rebuildScheduled = false
	start := time.Now()
	newDb, ok := d.solver.BuildRouteDb(d.areaLinkStates, d.prefixState)
	perf.SpfRunLatency.Add(float64(time.Since(start).Microseconds()))
	if !ok {
		// no prefix database of our own yet; still signal end-of-replay once
		if !d.published {
			return d.publish(state.NewRouteUpdate())
		}
		return nil
	}
	u := d.routeDb.CalculateUpdate(newDb)
	d.routeDb = newDb
	return d.publish(u)
}

func (d *Decision) publish(u state.RouteUpdate) error {
	if u.Empty() && d.published {
		return nil
	}
	pe := &state.PerfEvents{}
	pe.Add(d.env.Cfg.NodeName, "DECISION_ROUTE_DB_UPDATED")
	u.PerfEvents = pe
	if err := d.fibQueue.TryPush(u); err != nil {
		// a wedged fib pipeline is unrecoverable from here
		return fmt.Errorf("fib queue unavailable: %w", err)
	}
	d.published = true
	perf.DecisionUpdatesPublished.Add(1)
	return nil
}

// UpdateStaticUnicastRoutes installs operator unicast routes that bypass
// selection.
func (d *Decision) UpdateStaticUnicastRoutes(upserts map[netip.Prefix]state.RibUnicastEntry, deletions []netip.Prefix) {
	d.loop.Dispatch(func() error {
		d.solver.UpdateStaticUnicastRoutes(upserts, deletions)
		d.scheduleRebuild()
		return nil
	})
}

func (d *Decision) UpdateStaticMplsRoutes(upserts map[int32]state.RibMplsEntry, deletions []int32) {
	d.loop.Dispatch(func() error {
		d.solver.UpdateStaticMplsRoutes(upserts, deletions)
		d.scheduleRebuild()
		return nil
	})
}

// BestRoutesCache returns an immutable snapshot of the selection cache for
// observers; it never blocks recomputation for long.
func (d *Decision) BestRoutesCache() (map[netip.Prefix]state.RouteSelectionResult, error) {
	res, err := d.loop.DispatchWait(func() (any, error) {
		return d.solver.BestRoutesCache(), nil
	})
	if err != nil {
		return nil, err
	}
	return res.(map[netip.Prefix]state.RouteSelectionResult), nil
}
