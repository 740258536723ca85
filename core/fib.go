package core

import (
	"net/netip"
	"slices"
	"time"

	"github.com/gaissmai/bart"
	"github.com/openfabric/fabricd/perf"
	"github.com/openfabric/fabricd/state"
)

const perfDbSize = 32

// Fib reconciles the computed route database with the remote forwarding
// agent: incremental add/delete when healthy, full resync on any mismatch,
// exponential backoff on failure, and a keep-alive that detects agent
// restarts. Agent interactions all run on the fib loop, so an incremental
// update and a resync can never overlap.
type Fib struct {
	env  *state.Env
	loop *state.Loop

	agent FibAgent
	kv    *KvClient

	routeUpdates       *state.Queue[state.RouteUpdate]
	staticRouteUpdates *state.Queue[state.RouteUpdate]

	// local mirror of everything the agent should hold
	unicastRoutes bart.Table[state.RibUnicastEntry]
	mplsRoutes    map[int32]state.RibMplsEntry

	hasRoutesFromDecision bool
	dirty                 bool
	hasSynced             bool
	suppressSync          bool
	syncArmed             bool
	latestAliveSince      int64
	expBackoff            state.ExponentialBackoff

	fibUpdates       *state.ReplicateQueue[state.FibUpdate]
	fibDetailUpdates *state.ReplicateQueue[state.FibDetailUpdate]

	perfDb         []state.PerfEvents
	fibTimeVersion uint64

	// closed on the first decision publication; quiesces the static reader
	firstDecision chan struct{}
}

func NewFib(agent FibAgent, kv *KvClient, routeUpdates, staticRouteUpdates *state.Queue[state.RouteUpdate]) *Fib {
	return &Fib{
		agent:              agent,
		kv:                 kv,
		routeUpdates:       routeUpdates,
		staticRouteUpdates: staticRouteUpdates,
	}
}

func (f *Fib) Init(e *state.Env) error {
	f.env = e
	f.loop = state.NewLoop(e, "fib")
	f.mplsRoutes = make(map[int32]state.RibMplsEntry)
	f.fibUpdates = state.NewReplicateQueue[state.FibUpdate](state.FibUpdatesQueueDepth)
	f.fibDetailUpdates = state.NewReplicateQueue[state.FibDetailUpdate](state.FibUpdatesQueueDepth)
	f.firstDecision = make(chan struct{})
	f.expBackoff = state.NewExponentialBackoff(e.Cfg.SyncBackoffMin, e.Cfg.SyncBackoffMax)
	f.suppressSync = true

	if e.Cfg.EorTime > 0 {
		// hold every sync until the decision engine signals end-of-replay
		e.Log.Info("fib sync deferred until first decision publication", "eor_time", e.Cfg.EorTime)
	} else {
		f.loop.ScheduleTask(func() error {
			if f.suppressSync {
				f.suppressSync = false
				f.syncRouteDbDebounced()
			}
			return nil
		}, e.Cfg.ColdStartDuration)
	}

	f.loop.RepeatTask(f.keepAliveCheck, e.Cfg.KeepAliveInterval)
	return nil
}

func (f *Fib) Run() error {
	go f.readStaticRouteUpdates()
	go f.readRouteUpdates()
	return f.loop.Run()
}

func (f *Fib) Close() error {
	f.fibUpdates.Close()
	f.fibDetailUpdates.Close()
	return nil
}

func (f *Fib) Loop() *state.Loop {
	return f.loop
}

func (f *Fib) readRouteUpdates() {
	for {
		u, err := f.routeUpdates.Pop(f.env.Context)
		if err != nil {
			return
		}
		f.loop.Dispatch(func() error {
			f.processRouteUpdate(u, false)
			return nil
		})
	}
}

// readStaticRouteUpdates drains the operator static stream until the first
// decision publication signals the end of control-plane replay.
func (f *Fib) readStaticRouteUpdates() {
	for {
		select {
		case u := <-f.staticRouteUpdates.Chan():
			f.loop.Dispatch(func() error {
				f.processRouteUpdate(u, true)
				return nil
			})
		case <-f.staticRouteUpdates.Closed():
			return
		case <-f.firstDecision:
			f.env.Log.Info("static route reader terminating, decision stream is live")
			return
		case <-f.env.Context.Done():
			return
		}
	}
}

func (f *Fib) processRouteUpdate(u state.RouteUpdate, isStatic bool) {
	if isStatic {
		// only mpls upserts are honored from the static stream; static
		// unicast routes are already merged by the decision engine
		u.UnicastUpserts = nil
		u.UnicastDeletions = nil
		u.MplsDeletions = nil
	}
	if u.PerfEvents != nil {
		u.PerfEvents.Add(f.env.Cfg.NodeName, "FIB_ROUTE_DB_RECVD")
	}

	f.mergeMirror(u)

	if !isStatic && !f.hasRoutesFromDecision {
		f.hasRoutesFromDecision = true
		close(f.firstDecision)
		if f.env.Cfg.EorTime > 0 && f.suppressSync {
			f.suppressSync = false
		}
	}

	if isStatic {
		// statics program immediately, even before the first sync
		f.updateRoutesOnAgent(u)
		return
	}
	if !f.hasSynced || f.dirty {
		f.syncRouteDbDebounced()
		return
	}
	f.updateRoutesOnAgent(u)
}

func (f *Fib) mergeMirror(u state.RouteUpdate) {
	for prefix, entry := range u.UnicastUpserts {
		f.unicastRoutes.Insert(prefix, entry)
	}
	for _, prefix := range u.UnicastDeletions {
		f.unicastRoutes.Delete(prefix)
	}
	for label, entry := range u.MplsUpserts {
		f.mplsRoutes[label] = entry
	}
	for _, label := range u.MplsDeletions {
		delete(f.mplsRoutes, label)
	}
}

// updateRoutesOnAgent programs one delta incrementally. Failure marks the
// mirror dirty and falls back to a debounced full sync.
func (f *Fib) updateRoutesOnAgent(u state.RouteUpdate) {
	if f.suppressSync && !f.hasSynced {
		// cold start window: nothing reaches the agent yet, except statics
		if !f.isStaticOnly(u) {
			return
		}
	}
	installable := u.FilterInstallable()

	ctx := f.env.Context
	if len(installable.UnicastDeletions) > 0 {
		if err := f.agent.DelUnicastRoutes(ctx, FibClientId, installable.UnicastDeletions); err != nil {
			f.programmingFailed("del unicast", err)
			return
		}
		perf.UnicastRoutesDeleted.Add(float64(len(installable.UnicastDeletions)))
	}
	if len(installable.UnicastUpserts) > 0 {
		routes := make([]state.UnicastRoute, 0, len(installable.UnicastUpserts))
		for _, entry := range installable.UnicastUpserts {
			routes = append(routes, entry.Route())
		}
		if err := f.agent.AddUnicastRoutes(ctx, FibClientId, routes); err != nil {
			f.programmingFailed("add unicast", err)
			return
		}
		perf.UnicastRoutesProgrammed.Add(float64(len(routes)))
	}
	if len(installable.MplsDeletions) > 0 {
		if err := f.agent.DelMplsRoutes(ctx, FibClientId, installable.MplsDeletions); err != nil {
			f.programmingFailed("del mpls", err)
			return
		}
		perf.MplsRoutesDeleted.Add(float64(len(installable.MplsDeletions)))
	}
	if len(installable.MplsUpserts) > 0 {
		routes := make([]state.MplsRoute, 0, len(installable.MplsUpserts))
		for _, entry := range installable.MplsUpserts {
			routes = append(routes, entry.Route())
		}
		if err := f.agent.AddMplsRoutes(ctx, FibClientId, routes); err != nil {
			f.programmingFailed("add mpls", err)
			return
		}
		perf.MplsRoutesProgrammed.Add(float64(len(routes)))
	}

	f.expBackoff.ReportSuccess()
	f.publishUpdate(installable)
	f.logPerfEvents(u.PerfEvents)
	f.stampProgramTime()
}

func (f *Fib) isStaticOnly(u state.RouteUpdate) bool {
	return len(u.UnicastUpserts) == 0 && len(u.UnicastDeletions) == 0 &&
		len(u.MplsDeletions) == 0 && len(u.MplsUpserts) > 0
}

func (f *Fib) programmingFailed(op string, err error) {
	f.env.Log.Warn("agent programming failed, scheduling full sync", "op", op, "error", err)
	perf.FibSyncFailures.Add(1)
	f.dirty = true
	f.syncRouteDbDebounced()
}

// syncRouteDbDebounced schedules a full sync honoring the exponential
// backoff. All failure paths funnel through here.
func (f *Fib) syncRouteDbDebounced() {
	if f.syncArmed {
		return
	}
	f.syncArmed = true
	delay := max(f.expBackoff.TimeRemainingUntilRetry(), 0)
	f.loop.ScheduleTask(func() error {
		f.syncArmed = false
		if f.suppressSync {
			return nil
		}
		f.syncRouteDb()
		return nil
	}, delay)
}

// syncRouteDb replaces the agent's entire table with the mirror.
func (f *Fib) syncRouteDb() {
	unicast := f.installableUnicastRoutes()
	mpls := f.installableMplsRoutes()

	ctx := f.env.Context
	if err := f.agent.SyncFib(ctx, FibClientId, unicast); err != nil {
		f.env.Log.Warn("sync fib failed", "error", err)
		perf.FibSyncFailures.Add(1)
		f.expBackoff.ReportError()
		f.dirty = true
		f.syncRouteDbDebounced()
		return
	}
	if err := f.agent.SyncMplsFib(ctx, FibClientId, mpls); err != nil {
		f.env.Log.Warn("sync mpls fib failed", "error", err)
		perf.FibSyncFailures.Add(1)
		f.expBackoff.ReportError()
		f.dirty = true
		f.syncRouteDbDebounced()
		return
	}

	f.env.Log.Info("fib synced with agent", "unicast", len(unicast), "mpls", len(mpls))
	perf.FibSyncs.Add(1)
	f.expBackoff.ReportSuccess()
	f.dirty = false
	f.hasSynced = true
	f.publishSnapshot()
	f.stampProgramTime()
}

func (f *Fib) installableUnicastRoutes() []state.UnicastRoute {
	var routes []state.UnicastRoute
	for _, entry := range f.unicastRoutes.All() {
		if entry.DoNotInstall {
			continue
		}
		routes = append(routes, entry.Route())
	}
	return routes
}

func (f *Fib) installableMplsRoutes() []state.MplsRoute {
	routes := make([]state.MplsRoute, 0, len(f.mplsRoutes))
	for _, entry := range f.mplsRoutes {
		routes = append(routes, entry.Route())
	}
	return routes
}

// keepAliveCheck polls the agent's alive-since epoch. Any change (or the
// first observation) means the agent restarted with an empty table.
func (f *Fib) keepAliveCheck() error {
	aliveSince, err := f.agent.AliveSince(f.env.Context)
	if err != nil {
		perf.KeepAliveFailures.Add(1)
		f.env.Log.Warn("agent keep-alive failed", "error", err)
		return nil
	}
	if aliveSince != f.latestAliveSince {
		if f.latestAliveSince != 0 {
			f.env.Log.Warn("agent restart detected, forcing full sync",
				"previous", f.latestAliveSince, "current", aliveSince)
		}
		f.latestAliveSince = aliveSince
		f.dirty = true
		f.syncRouteDbDebounced()
	}
	return nil
}

func (f *Fib) publishUpdate(installable state.RouteUpdate) {
	if installable.Empty() {
		return
	}
	update := state.FibUpdate{
		UnicastDeletions: installable.UnicastDeletions,
		MplsDeletions:    installable.MplsDeletions,
	}
	detail := state.FibDetailUpdate{
		UnicastDeletions: installable.UnicastDeletions,
		MplsDeletions:    installable.MplsDeletions,
	}
	for _, entry := range installable.UnicastUpserts {
		update.UnicastUpserts = append(update.UnicastUpserts, entry.Route())
		detail.UnicastUpserts = append(detail.UnicastUpserts, entry)
	}
	for _, entry := range installable.MplsUpserts {
		update.MplsUpserts = append(update.MplsUpserts, entry.Route())
		detail.MplsUpserts = append(detail.MplsUpserts, entry)
	}
	f.fibUpdates.Publish(update)
	f.fibDetailUpdates.Publish(detail)
}

func (f *Fib) publishSnapshot() {
	f.fibUpdates.Publish(f.snapshot())
	f.fibDetailUpdates.Publish(f.detailSnapshot())
}

func (f *Fib) snapshot() state.FibUpdate {
	return state.FibUpdate{
		Snapshot:       true,
		UnicastUpserts: f.installableUnicastRoutes(),
		MplsUpserts:    f.installableMplsRoutes(),
	}
}

func (f *Fib) detailSnapshot() state.FibDetailUpdate {
	snap := state.FibDetailUpdate{Snapshot: true}
	for _, entry := range f.unicastRoutes.All() {
		if entry.DoNotInstall {
			continue
		}
		snap.UnicastUpserts = append(snap.UnicastUpserts, entry)
	}
	for _, entry := range f.mplsRoutes {
		snap.MplsUpserts = append(snap.MplsUpserts, entry)
	}
	return snap
}

// stampProgramTime records the last successful programming instant in the
// gossip fabric so downstream consumers can order convergence events.
func (f *Fib) stampProgramTime() {
	if f.kv == nil || len(f.env.Cfg.Areas) == 0 {
		return
	}
	f.fibTimeVersion++
	payload, err := state.EncodePayload(&state.FibProgramTime{
		Node:     f.env.Cfg.NodeName,
		UnixTsMs: time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	area := f.env.Cfg.Areas[0]
	version := f.fibTimeVersion
	go func() {
		if err := f.kv.Set(area, state.FibTimeKey(f.env.Cfg.NodeName), payload, version, state.TTLInfinity); err != nil {
			f.env.Log.Debug("failed to stamp fib program time", "error", err)
		}
	}()
}

func (f *Fib) logPerfEvents(pe *state.PerfEvents) {
	if pe == nil || len(pe.Events) == 0 {
		return
	}
	pe.Add(f.env.Cfg.NodeName, "FIB_ROUTES_PROGRAMMED")
	f.perfDb = append(f.perfDb, *pe)
	if len(f.perfDb) > perfDbSize {
		f.perfDb = f.perfDb[len(f.perfDb)-perfDbSize:]
	}
}

//
// introspection surface
//

// GetRouteDb returns the stripped mirror contents.
func (f *Fib) GetRouteDb() ([]state.UnicastRoute, []state.MplsRoute, error) {
	res, err := f.loop.DispatchWait(func() (any, error) {
		var all []state.UnicastRoute
		for _, entry := range f.unicastRoutes.All() {
			all = append(all, entry.Route())
		}
		return state.Pair[[]state.UnicastRoute, []state.MplsRoute]{
			V1: all,
			V2: f.allMplsRoutes(),
		}, nil
	})
	if err != nil {
		return nil, nil, err
	}
	pair := res.(state.Pair[[]state.UnicastRoute, []state.MplsRoute])
	return pair.V1, pair.V2, nil
}

// GetRouteDetailDb returns the mirror with selection metadata retained.
func (f *Fib) GetRouteDetailDb() ([]state.RibUnicastEntry, []state.RibMplsEntry, error) {
	res, err := f.loop.DispatchWait(func() (any, error) {
		var unicast []state.RibUnicastEntry
		for _, entry := range f.unicastRoutes.All() {
			unicast = append(unicast, entry)
		}
		mpls := make([]state.RibMplsEntry, 0, len(f.mplsRoutes))
		for _, entry := range f.mplsRoutes {
			mpls = append(mpls, entry)
		}
		return state.Pair[[]state.RibUnicastEntry, []state.RibMplsEntry]{V1: unicast, V2: mpls}, nil
	})
	if err != nil {
		return nil, nil, err
	}
	pair := res.(state.Pair[[]state.RibUnicastEntry, []state.RibMplsEntry])
	return pair.V1, pair.V2, nil
}

func (f *Fib) allMplsRoutes() []state.MplsRoute {
	routes := make([]state.MplsRoute, 0, len(f.mplsRoutes))
	for _, entry := range f.mplsRoutes {
		routes = append(routes, entry.Route())
	}
	slices.SortFunc(routes, func(a, b state.MplsRoute) int {
		return int(a.Label - b.Label)
	})
	return routes
}

// GetUnicastRoutes returns routes covered by any of the query prefixes, or
// everything when the filter is empty.
func (f *Fib) GetUnicastRoutes(filters []netip.Prefix) ([]state.UnicastRoute, error) {
	res, err := f.loop.DispatchWait(func() (any, error) {
		var routes []state.UnicastRoute
		for prefix, entry := range f.unicastRoutes.All() {
			if len(filters) == 0 || coveredByAny(prefix, filters) {
				routes = append(routes, entry.Route())
			}
		}
		return routes, nil
	})
	if err != nil {
		return nil, err
	}
	return res.([]state.UnicastRoute), nil
}

// GetMplsRoutes returns label routes for the requested labels, or all when
// the filter is empty.
func (f *Fib) GetMplsRoutes(labels []int32) ([]state.MplsRoute, error) {
	res, err := f.loop.DispatchWait(func() (any, error) {
		if len(labels) == 0 {
			return f.allMplsRoutes(), nil
		}
		var routes []state.MplsRoute
		for _, label := range labels {
			if entry, ok := f.mplsRoutes[label]; ok {
				routes = append(routes, entry.Route())
			}
		}
		return routes, nil
	})
	if err != nil {
		return nil, err
	}
	return res.([]state.MplsRoute), nil
}

// LongestPrefixMatch finds the most-specific mirror route covering the
// query prefix.
func (f *Fib) LongestPrefixMatch(query netip.Prefix) (netip.Prefix, *state.RibUnicastEntry, error) {
	res, err := f.loop.DispatchWait(func() (any, error) {
		lpm, entry, ok := f.unicastRoutes.LookupPrefixLPM(query)
		if !ok {
			return state.Pair[netip.Prefix, *state.RibUnicastEntry]{}, nil
		}
		return state.Pair[netip.Prefix, *state.RibUnicastEntry]{V1: lpm, V2: &entry}, nil
	})
	if err != nil {
		return netip.Prefix{}, nil, err
	}
	pair := res.(state.Pair[netip.Prefix, *state.RibUnicastEntry])
	return pair.V1, pair.V2, nil
}

// GetPerfDb returns the recent perf traces.
func (f *Fib) GetPerfDb() ([]state.PerfEvents, error) {
	res, err := f.loop.DispatchWait(func() (any, error) {
		return slices.Clone(f.perfDb), nil
	})
	if err != nil {
		return nil, err
	}
	return res.([]state.PerfEvents), nil
}

// SubscribeFib attaches a new subscriber; the first message is a synthetic
// full snapshot, followed by deltas.
func (f *Fib) SubscribeFib() (*state.Subscription[state.FibUpdate], error) {
	res, err := f.loop.DispatchWait(func() (any, error) {
		return f.fibUpdates.Subscribe(f.snapshot()), nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*state.Subscription[state.FibUpdate]), nil
}

func (f *Fib) SubscribeFibDetail() (*state.Subscription[state.FibDetailUpdate], error) {
	res, err := f.loop.DispatchWait(func() (any, error) {
		return f.fibDetailUpdates.Subscribe(f.detailSnapshot()), nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*state.Subscription[state.FibDetailUpdate]), nil
}

func coveredByAny(prefix netip.Prefix, filters []netip.Prefix) bool {
	for _, filter := range filters {
		if filter.Contains(prefix.Addr()) && filter.Bits() <= prefix.Bits() {
			return true
		}
	}
	return false
}
