package core

import (
	"log/slog"
	"maps"
	"net/netip"
	"slices"

	"github.com/openfabric/fabricd/state"
)

// AreaLinkStates holds the per-area topology graphs.
type AreaLinkStates map[state.AreaId]*LinkState

// routeCandidate is one announcement of a prefix with the IGP distance from
// the local node to the announcer, resolved in the announcement's area.
type routeCandidate struct {
	NodeArea state.NodeAndArea
	Entry    *state.PrefixEntry
	Distance int64
}

// BgpComparator orders two BGP route candidates; negative means a wins. The
// tie-break beyond path/source preference and IGP distance is deliberately
// pluggable.
type BgpComparator func(a, b *routeCandidate) int

// DefaultBgpComparator compares by (path-preference desc, source-preference
// desc, IGP distance asc, originator asc, cluster-list length asc). Remaining
// BGP attributes are treated as opaque.
func DefaultBgpComparator(a, b *routeCandidate) int {
	if c := compareMetricVector(a, b); c != 0 {
		return c
	}
	if a.NodeArea.Node != b.NodeArea.Node {
		if a.NodeArea.Node < b.NodeArea.Node {
			return -1
		}
		return 1
	}
	al, bl := int32(0), int32(0)
	if a.Entry.Bgp != nil {
		al = a.Entry.Bgp.ClusterListLen
	}
	if b.Entry.Bgp != nil {
		bl = b.Entry.Bgp.ClusterListLen
	}
	return int(al - bl)
}

func compareMetricVector(a, b *routeCandidate) int {
	if a.Entry.Metrics.PathPreference != b.Entry.Metrics.PathPreference {
		if a.Entry.Metrics.PathPreference > b.Entry.Metrics.PathPreference {
			return -1
		}
		return 1
	}
	if a.Entry.Metrics.SourcePreference != b.Entry.Metrics.SourcePreference {
		if a.Entry.Metrics.SourcePreference > b.Entry.Metrics.SourcePreference {
			return -1
		}
		return 1
	}
	if a.Distance != b.Distance {
		if a.Distance < b.Distance {
			return -1
		}
		return 1
	}
	return 0
}

func compareDistanceOnly(a, b *routeCandidate) int {
	if a.Distance != b.Distance {
		if a.Distance < b.Distance {
			return -1
		}
		return 1
	}
	return 0
}

// SpfSolver computes the route database from topology and prefix state.
// All methods must run on the owning decision loop.
type SpfSolver struct {
	log    *slog.Logger
	myNode state.NodeName

	enableV4                 bool
	enableNodeSegmentLabel   bool
	enableAdjacencyLabels    bool
	enableBgpProgramming     bool
	enableBestRouteSelection bool
	v4OverV6Nexthop          bool
	srPolicies               []state.SrPolicyCfg
	excludePrefixes          []netip.Prefix

	// BgpCompare may be replaced before the solver is first used.
	BgpCompare BgpComparator

	staticUnicast map[netip.Prefix]state.RibUnicastEntry
	staticMpls    map[int32]state.RibMplsEntry

	// Best route selection cache. Cleared on topology change, rewritten per
	// prefix on every compute.
	bestRoutesCache map[netip.Prefix]state.RouteSelectionResult

	prependLabels *PrependLabelAllocator
	// prefixToNhKey remembers each prefix's bound next-hop-set key so the
	// binding can be released when the set changes or the route goes away.
	prefixToNhKey map[netip.Prefix]string
	prependSets   map[string][]state.NextHop
}

func NewSpfSolver(log *slog.Logger, cfg *state.Config) *SpfSolver {
	return &SpfSolver{
		log:                      log,
		myNode:                   cfg.NodeName,
		enableV4:                 cfg.EnableV4,
		enableNodeSegmentLabel:   cfg.NodeSegmentLabelEnabled,
		enableAdjacencyLabels:    cfg.AdjacencyLabelsEnabled,
		enableBgpProgramming:     cfg.BgpRouteProgramming,
		enableBestRouteSelection: cfg.BestRouteSelection,
		v4OverV6Nexthop:          cfg.V4OverV6Nexthop,
		srPolicies:               cfg.SrPolicies,
		excludePrefixes:          cfg.ExcludePrefixes,
		BgpCompare:               DefaultBgpComparator,
		staticUnicast:            make(map[netip.Prefix]state.RibUnicastEntry),
		staticMpls:               make(map[int32]state.RibMplsEntry),
		bestRoutesCache:          make(map[netip.Prefix]state.RouteSelectionResult),
		prependLabels:            NewPrependLabelAllocator(),
		prefixToNhKey:            make(map[netip.Prefix]string),
		prependSets:              make(map[string][]state.NextHop),
	}
}

// UpdateStaticUnicastRoutes installs operator routes. A static route shadows
// any dynamic route for the same prefix.
func (s *SpfSolver) UpdateStaticUnicastRoutes(upserts map[netip.Prefix]state.RibUnicastEntry, deletions []netip.Prefix) {
	for prefix, entry := range upserts {
		s.staticUnicast[prefix] = entry
	}
	for _, prefix := range deletions {
		delete(s.staticUnicast, prefix)
	}
}

func (s *SpfSolver) UpdateStaticMplsRoutes(upserts map[int32]state.RibMplsEntry, deletions []int32) {
	for label, entry := range upserts {
		s.staticMpls[label] = entry
	}
	for _, label := range deletions {
		delete(s.staticMpls, label)
	}
}

// BestRoutesCache returns a snapshot for external observers.
func (s *SpfSolver) BestRoutesCache() map[netip.Prefix]state.RouteSelectionResult {
	return maps.Clone(s.bestRoutesCache)
}

// ClearBestRoutesCache drops every cached selection. Called on any topology
// change.
func (s *SpfSolver) ClearBestRoutesCache() {
	clear(s.bestRoutesCache)
}

// BuildRouteDb is the full recompute. Returns false if myNode has not
// published any prefix database yet.
func (s *SpfSolver) BuildRouteDb(areas AreaLinkStates, ps *PrefixState) (*state.RouteDb, bool) {
	if !ps.HasNode(s.myNode) {
		return nil, false
	}
	db := state.NewRouteDb()

	for _, entry := range s.staticUnicast {
		db.AddUnicast(entry)
	}

	computed := make(map[netip.Prefix]bool)
	for _, prefix := range ps.Prefixes() {
		computed[prefix] = true
		if _, isStatic := s.staticUnicast[prefix]; isStatic {
			continue
		}
		if entry := s.createRouteForPrefix(areas, ps, prefix); entry != nil {
			db.AddUnicast(*entry)
		}
	}

	// drop bindings and cached selections of fully withdrawn prefixes
	for prefix := range s.prefixToNhKey {
		if !computed[prefix] {
			s.releasePrependLabel(prefix)
		}
	}
	for prefix := range s.bestRoutesCache {
		if !computed[prefix] {
			delete(s.bestRoutesCache, prefix)
		}
	}

	s.buildMplsRoutes(areas, db)
	return db, true
}

// CreateRouteForPrefixOrGetStatic is the single-prefix compute used on
// incremental prefix events.
func (s *SpfSolver) CreateRouteForPrefixOrGetStatic(areas AreaLinkStates, ps *PrefixState, prefix netip.Prefix) *state.RibUnicastEntry {
	if entry, ok := s.staticUnicast[prefix]; ok {
		return &entry
	}
	return s.createRouteForPrefix(areas, ps, prefix)
}

func (s *SpfSolver) createRouteForPrefix(areas AreaLinkStates, ps *PrefixState, prefix netip.Prefix) *state.RibUnicastEntry {
	entries := ps.Entries(prefix)
	if len(entries) == 0 {
		s.dropPrefix(prefix)
		return nil
	}
	hasBgp := entries.HasBgp()
	if hasBgp && !s.enableBgpProgramming {
		s.log.Debug("skipping bgp-announced prefix, bgp programming disabled", "prefix", prefix)
		s.dropPrefix(prefix)
		return nil
	}

	selection, ok := s.selectBestRoutes(prefix, entries, hasBgp, areas)
	if !ok {
		s.dropPrefix(prefix)
		return nil
	}
	selection = s.maybeFilterDrainedNodes(selection, areas)
	s.bestRoutesCache[prefix] = selection

	if selection.HasNode(s.myNode) {
		// the prefix is ours; nothing to program
		s.releasePrependLabel(prefix)
		return nil
	}
	if prefix.Addr().Is4() && !s.enableV4 {
		s.releasePrependLabel(prefix)
		return nil
	}
	if state.PrefixExcluded(prefix, s.excludePrefixes) {
		s.log.Debug("prefix covered by exclude ranges", "prefix", prefix)
		s.releasePrependLabel(prefix)
		return nil
	}

	bestEntry := entries[selection.Best]
	rules := s.routeComputationRules(prefix, bestEntry)
	pushLabels := bestEntry.ForwardingType == state.ForwardingSrMpls && s.enableNodeSegmentLabel
	isV4 := prefix.Addr().Is4()

	var nextHops []state.NextHop
	for _, area := range sortedAreas(areas) {
		ls := areas[area]
		dsts := nodesInArea(selection.All, area)
		if len(dsts) == 0 {
			continue
		}
		var areaNhs []state.NextHop
		switch rules.Algorithm {
		case state.AlgoKsp2EdEcmp:
			areaNhs = s.selectBestPathsKsp2(dsts, ls, pushLabels, isV4)
		default:
			_, areaNhs = s.nextHopsToward(dsts, ls, nil, pushLabels, 0, isV4)
		}
		for _, nh := range areaNhs {
			nextHops = state.AddNextHop(nextHops, nh)
		}
	}
	if len(nextHops) == 0 {
		s.log.Debug("no feasible next-hops", "prefix", prefix)
		s.releasePrependLabel(prefix)
		return nil
	}

	if minNh := minNextHopThreshold(selection, entries); minNh > 0 && len(nextHops) < minNh {
		s.log.Warn("route below min-nexthop threshold, dropping",
			"prefix", prefix, "nexthops", len(nextHops), "min", minNh)
		s.releasePrependLabel(prefix)
		return nil
	}

	if rules.PrependLabel {
		label, err := s.bindPrependLabel(prefix, nextHops)
		if err != nil {
			s.log.Error("prepend label allocation failed", "prefix", prefix, "error", err)
			return nil
		}
		prepended := make([]state.NextHop, 0, len(nextHops))
		for _, nh := range nextHops {
			prepended = append(prepended, prependPush(nh, label))
		}
		nextHops = prepended
	} else {
		s.releasePrependLabel(prefix)
	}

	return &state.RibUnicastEntry{
		Prefix:       prefix,
		NextHops:     state.SortNextHops(nextHops),
		BestEntry:    *bestEntry,
		BestNodeArea: selection.Best,
		DoNotInstall: bestEntry.DoNotInstall,
	}
}

func (s *SpfSolver) dropPrefix(prefix netip.Prefix) {
	s.releasePrependLabel(prefix)
	delete(s.bestRoutesCache, prefix)
}

// selectBestRoutes performs best-path selection across all announcements of
// one prefix.
func (s *SpfSolver) selectBestRoutes(prefix netip.Prefix, entries PrefixEntries, hasBgp bool, areas AreaLinkStates) (state.RouteSelectionResult, bool) {
	candidates := make([]*routeCandidate, 0, len(entries))
	for na, entry := range entries {
		ls, ok := areas[na.Area]
		if !ok {
			s.log.Warn("announcement in unknown area, skipping",
				"prefix", prefix, "node", na.Node, "area", na.Area)
			continue
		}
		var distance int64
		if na.Node != s.myNode {
			spfEntry, reachable := ls.Spf(s.myNode)[na.Node]
			if !reachable {
				continue
			}
			distance = spfEntry.Metric
		}
		candidates = append(candidates, &routeCandidate{NodeArea: na, Entry: entry, Distance: distance})
	}
	if len(candidates) == 0 {
		return state.RouteSelectionResult{}, false
	}

	compare := compareDistanceOnly
	if s.enableBestRouteSelection {
		compare = compareMetricVector
	}
	if hasBgp {
		compare = s.BgpCompare
	}

	slices.SortFunc(candidates, func(a, b *routeCandidate) int {
		if c := compare(a, b); c != 0 {
			return c
		}
		return a.NodeArea.Compare(b.NodeArea)
	})

	best := candidates[0]
	all := []state.NodeAndArea{best.NodeArea}
	for _, c := range candidates[1:] {
		if compare(best, c) == 0 {
			all = append(all, c.NodeArea)
		}
	}
	return state.RouteSelectionResult{Best: best.NodeArea, All: all}, true
}

// maybeFilterDrainedNodes removes announcers whose node is overloaded in the
// announcement's area, unless that would empty the selection.
func (s *SpfSolver) maybeFilterDrainedNodes(result state.RouteSelectionResult, areas AreaLinkStates) state.RouteSelectionResult {
	filtered := make([]state.NodeAndArea, 0, len(result.All))
	for _, na := range result.All {
		if ls, ok := areas[na.Area]; ok && ls.IsOverloaded(na.Node) {
			continue
		}
		filtered = append(filtered, na)
	}
	if len(filtered) == 0 || len(filtered) == len(result.All) {
		return result
	}
	best := result.Best
	if !slices.Contains(filtered, best) {
		best = filtered[0]
	}
	return state.RouteSelectionResult{Best: best, All: filtered}
}

// routeComputationRules walks the SR policies in order; the first match
// wins, otherwise the announcement's own algorithm applies.
func (s *SpfSolver) routeComputationRules(prefix netip.Prefix, bestEntry *state.PrefixEntry) state.RouteComputationRules {
	for i := range s.srPolicies {
		if s.srPolicies[i].Matches(prefix) {
			return s.srPolicies[i].Rules
		}
	}
	return state.RouteComputationRules{Algorithm: bestEntry.ForwardingAlgorithm}
}

// nextHopsToward returns the minimum metric to the destination set within
// one area and the adjacencies of myNode lying on some shortest path, i.e.
// those n with cost(my, n) + cost(n, dst) = cost(my, dst).
func (s *SpfSolver) nextHopsToward(dsts []state.NodeName, ls *LinkState, exclude map[int]bool, pushLabels bool, swapLabel int32, isV4 bool) (int64, []state.NextHop) {
	spfFor := func(node state.NodeName) SpfResult {
		if exclude == nil {
			return ls.Spf(node)
		}
		return ls.SpfExcluding(node, exclude)
	}
	spfMy := spfFor(s.myNode)

	const unreachable = int64(-1)
	minMetric := unreachable
	for _, dst := range dsts {
		if e, ok := spfMy[dst]; ok && dst != s.myNode {
			if minMetric == unreachable || e.Metric < minMetric {
				minMetric = e.Metric
			}
		}
	}
	if minMetric == unreachable {
		return 0, nil
	}
	minDsts := make([]state.NodeName, 0, len(dsts))
	for _, dst := range dsts {
		if e, ok := spfMy[dst]; ok && dst != s.myNode && e.Metric == minMetric {
			minDsts = append(minDsts, dst)
		}
	}

	var nextHops []state.NextHop
	for _, idx := range ls.AdjIndicesFrom(s.myNode) {
		if exclude[idx] {
			continue
		}
		_, adj := ls.Adj(idx)
		if adj.Drained {
			continue
		}
		spfNbr := spfFor(adj.OtherNode)
		for _, dst := range minDsts {
			var rest int64
			if adj.OtherNode != dst {
				e, ok := spfNbr[dst]
				if !ok {
					continue
				}
				rest = e.Metric
			}
			if adj.Metric+rest != minMetric {
				continue
			}
			if isV4 && !s.v4OverV6Nexthop && !adj.NextHop.Is4() {
				continue
			}
			nh := state.NextHop{
				Address: adj.NextHop,
				Iface:   adj.Iface,
				Weight:  1,
				Metric:  minMetric,
			}
			switch {
			case swapLabel != 0 && adj.OtherNode == dst:
				nh.Mpls = &state.MplsAction{Action: state.LabelPhp}
			case swapLabel != 0:
				nh.Mpls = &state.MplsAction{Action: state.LabelSwap, Labels: []int32{swapLabel}}
			case pushLabels && adj.OtherNode != dst:
				if label := ls.NodeLabel(dst); label != 0 {
					nh.Mpls = &state.MplsAction{Action: state.LabelPush, Labels: []int32{label}}
				}
			}
			nextHops = state.AddNextHop(nextHops, nh)
		}
	}
	return minMetric, nextHops
}

// selectBestPathsKsp2 unions shortest-path next-hops with those of the
// second-shortest edge-disjoint path, found by removing every shortest-path
// edge and re-running SPF. Alternate next-hops carry the alternate metric.
func (s *SpfSolver) selectBestPathsKsp2(dsts []state.NodeName, ls *LinkState, pushLabels bool, isV4 bool) []state.NextHop {
	_, primary := s.nextHopsToward(dsts, ls, nil, pushLabels, 0, isV4)
	edges := ls.ShortestPathEdges(s.myNode, dsts)
	altMetric, alternates := s.nextHopsToward(dsts, ls, edges, pushLabels, 0, isV4)

	out := slices.Clone(primary)
	for _, nh := range alternates {
		nh.Metric = altMetric
		out = state.AddNextHop(out, nh)
	}
	return out
}

// minNextHopThreshold is the strictest min-nexthop requirement among the
// selected announcements.
func minNextHopThreshold(selection state.RouteSelectionResult, entries PrefixEntries) int {
	threshold := 0
	for _, na := range selection.All {
		if entry, ok := entries[na]; ok && entry.MinNexthop > threshold {
			threshold = entry.MinNexthop
		}
	}
	return threshold
}

func (s *SpfSolver) bindPrependLabel(prefix netip.Prefix, nextHops []state.NextHop) (int32, error) {
	key := state.NextHopSetKey(nextHops)
	if old, ok := s.prefixToNhKey[prefix]; ok && old == key {
		label, _ := s.prependLabels.Label(key)
		return label, nil
	}
	label, err := s.prependLabels.Increment(key)
	if err != nil {
		return 0, err
	}
	s.releasePrependLabel(prefix)
	s.prefixToNhKey[prefix] = key
	s.prependSets[key] = state.SortNextHops(slices.Clone(nextHops))
	return label, nil
}

func (s *SpfSolver) releasePrependLabel(prefix netip.Prefix) {
	key, ok := s.prefixToNhKey[prefix]
	if !ok {
		return
	}
	delete(s.prefixToNhKey, prefix)
	if _, freed := s.prependLabels.Decrement(key); freed {
		delete(s.prependSets, key)
	}
}

func prependPush(nh state.NextHop, label int32) state.NextHop {
	switch {
	case nh.Mpls == nil:
		nh.Mpls = &state.MplsAction{Action: state.LabelPush, Labels: []int32{label}}
	case nh.Mpls.Action == state.LabelPush:
		nh.Mpls = &state.MplsAction{
			Action: state.LabelPush,
			Labels: append([]int32{label}, nh.Mpls.Labels...),
		}
	}
	return nh
}

// buildMplsRoutes fills the label table: node segment routes (SWAP, or PHP
// on the penultimate hop), adjacency POP routes, prepend label routes, and
// operator statics.
func (s *SpfSolver) buildMplsRoutes(areas AreaLinkStates, db *state.RouteDb) {
	addMpls := func(entry state.RibMplsEntry) {
		if _, ok := db.Mpls[entry.Label]; ok {
			s.log.Warn("duplicate mpls label, skipping", "label", entry.Label)
			return
		}
		db.AddMpls(entry)
	}

	for _, entry := range s.staticMpls {
		addMpls(entry)
	}

	if s.enableNodeSegmentLabel {
		for _, area := range sortedAreas(areas) {
			ls := areas[area]
			for _, node := range ls.Nodes() {
				label := ls.NodeLabel(node)
				if label == 0 {
					continue
				}
				if node == s.myNode {
					addMpls(state.RibMplsEntry{
						Label: label,
						NextHops: []state.NextHop{{
							Address: netip.IPv6Loopback(),
							Iface:   "lo",
							Weight:  1,
							Mpls:    &state.MplsAction{Action: state.LabelPop},
						}},
					})
					continue
				}
				_, nextHops := s.nextHopsToward([]state.NodeName{node}, ls, nil, false, label, false)
				if len(nextHops) == 0 {
					continue
				}
				addMpls(state.RibMplsEntry{Label: label, NextHops: state.SortNextHops(nextHops)})
			}
		}
	}

	if s.enableAdjacencyLabels {
		for _, area := range sortedAreas(areas) {
			ls := areas[area]
			for _, idx := range ls.AdjIndicesFrom(s.myNode) {
				_, adj := ls.Adj(idx)
				if adj.Label == 0 {
					continue
				}
				addMpls(state.RibMplsEntry{
					Label: adj.Label,
					NextHops: []state.NextHop{{
						Address: adj.NextHop,
						Iface:   adj.Iface,
						Weight:  1,
						Mpls:    &state.MplsAction{Action: state.LabelPop},
					}},
				})
			}
		}
	}

	for key, nextHops := range s.prependSets {
		label, ok := s.prependLabels.Label(key)
		if !ok {
			continue
		}
		addMpls(state.RibMplsEntry{Label: label, NextHops: slices.Clone(nextHops)})
	}
}

func sortedAreas(areas AreaLinkStates) []state.AreaId {
	out := make([]state.AreaId, 0, len(areas))
	for area := range areas {
		out = append(out, area)
	}
	slices.Sort(out)
	return out
}

func nodesInArea(all []state.NodeAndArea, area state.AreaId) []state.NodeName {
	var nodes []state.NodeName
	for _, na := range all {
		if na.Area == area {
			nodes = append(nodes, na.Node)
		}
	}
	return nodes
}
