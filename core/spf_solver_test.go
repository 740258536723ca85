package core

import (
	"io"
	"log/slog"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfabric/fabricd/state"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func solverConfig(mods ...func(*state.Config)) *state.Config {
	cfg := &state.Config{
		NodeName:           "a",
		Areas:              []state.AreaId{"0"},
		EnableV4:           true,
		BestRouteSelection: true,
	}
	for _, mod := range mods {
		mod(cfg)
	}
	return cfg
}

func announce(t *testing.T, ps *PrefixState, node state.NodeName, area state.AreaId, entries ...state.PrefixEntry) {
	t.Helper()
	ps.ApplyPrefixDatabase(&state.PrefixDatabase{Node: node, Area: area, Entries: entries})
}

func entryFor(prefix string, mods ...func(*state.PrefixEntry)) state.PrefixEntry {
	e := state.PrefixEntry{
		Prefix:  netip.MustParsePrefix(prefix),
		Metrics: state.PrefixMetrics{PathPreference: 1000, SourcePreference: 100},
	}
	for _, mod := range mods {
		mod(&e)
	}
	return e
}

// solverFixture is the square topology with the solver running on node a.
//
//	a --1-- b
//	|       |
//	1       1
//	|       |
//	c --1-- d
func solverFixture(t *testing.T, cfg *state.Config) (*SpfSolver, AreaLinkStates, *PrefixState) {
	t.Helper()
	solver := NewSpfSolver(testLogger(), cfg)
	areas := AreaLinkStates{"0": squareTopology(t)}
	ps := NewPrefixState()
	// the solver's own node always has a prefix database, possibly empty
	announce(t, ps, "a", "0")
	return solver, areas, ps
}

func ifaces(hops []state.NextHop) []string {
	out := make([]string, 0, len(hops))
	for _, nh := range hops {
		out = append(out, nh.Iface)
	}
	return out
}

func TestSpEcmpNextHops(t *testing.T) {
	solver, areas, ps := solverFixture(t, solverConfig())
	announce(t, ps, "d", "0", entryFor("2001:db8::1/128"))

	entry := solver.CreateRouteForPrefixOrGetStatic(areas, ps, netip.MustParsePrefix("2001:db8::1/128"))
	require.NotNil(t, entry)
	assert.ElementsMatch(t, []string{"if_a_b", "if_a_c"}, ifaces(entry.NextHops))
	for _, nh := range entry.NextHops {
		assert.Equal(t, int64(2), nh.Metric)
	}
	assert.Equal(t, state.NodeAndArea{Node: "d", Area: "0"}, entry.BestNodeArea)
}

func TestSelectionPrefersPathPreference(t *testing.T) {
	solver, areas, ps := solverFixture(t, solverConfig())
	prefix := "2001:db8::1/128"
	announce(t, ps, "b", "0", entryFor(prefix, func(e *state.PrefixEntry) {
		e.Metrics.PathPreference = 1000
	}))
	announce(t, ps, "d", "0", entryFor(prefix, func(e *state.PrefixEntry) {
		e.Metrics.PathPreference = 500
	}))

	entry := solver.CreateRouteForPrefixOrGetStatic(areas, ps, netip.MustParsePrefix(prefix))
	require.NotNil(t, entry)
	assert.Equal(t, state.NodeAndArea{Node: "b", Area: "0"}, entry.BestNodeArea)
	assert.ElementsMatch(t, []string{"if_a_b"}, ifaces(entry.NextHops))
}

func TestSelectionEqualCostAnycast(t *testing.T) {
	solver, areas, ps := solverFixture(t, solverConfig())
	prefix := "2001:db8::1/128"
	announce(t, ps, "b", "0", entryFor(prefix))
	announce(t, ps, "c", "0", entryFor(prefix))

	entry := solver.CreateRouteForPrefixOrGetStatic(areas, ps, netip.MustParsePrefix(prefix))
	require.NotNil(t, entry)
	assert.ElementsMatch(t, []string{"if_a_b", "if_a_c"}, ifaces(entry.NextHops))

	cache := solver.BestRoutesCache()
	selection, ok := cache[netip.MustParsePrefix(prefix)]
	require.True(t, ok)
	assert.Len(t, selection.All, 2)
	assert.True(t, selection.HasNode("b"))
	assert.True(t, selection.HasNode("c"))
	assert.Contains(t, selection.All, selection.Best)
}

func TestDrainFilteringRemovesOverloadedAnnouncer(t *testing.T) {
	solver, areas, ps := solverFixture(t, solverConfig())
	ls := areas["0"]
	applyAdj(t, ls, "b", true, 102,
		adjTo("a", 1, "if_b_a", "fe80::a"),
		adjTo("d", 1, "if_b_d", "fe80::d"))

	prefix := "2001:db8::1/128"
	announce(t, ps, "b", "0", entryFor(prefix))
	announce(t, ps, "c", "0", entryFor(prefix))

	entry := solver.CreateRouteForPrefixOrGetStatic(areas, ps, netip.MustParsePrefix(prefix))
	require.NotNil(t, entry)
	selection := solver.BestRoutesCache()[netip.MustParsePrefix(prefix)]
	assert.False(t, selection.HasNode("b"), "overloaded announcer must be filtered")
	assert.True(t, selection.HasNode("c"))
	assert.Contains(t, selection.All, selection.Best)
}

func TestDrainFilteringKeepsAllOverloaded(t *testing.T) {
	solver, areas, ps := solverFixture(t, solverConfig())
	ls := areas["0"]
	applyAdj(t, ls, "b", true, 102,
		adjTo("a", 1, "if_b_a", "fe80::a"),
		adjTo("d", 1, "if_b_d", "fe80::d"))

	prefix := "2001:db8::1/128"
	announce(t, ps, "b", "0", entryFor(prefix))

	entry := solver.CreateRouteForPrefixOrGetStatic(areas, ps, netip.MustParsePrefix(prefix))
	require.NotNil(t, entry, "filtering must be skipped when it would empty the selection")
	selection := solver.BestRoutesCache()[netip.MustParsePrefix(prefix)]
	assert.True(t, selection.HasNode("b"))
}

func TestStaticRouteShadowsDynamic(t *testing.T) {
	solver, areas, ps := solverFixture(t, solverConfig())
	prefix := netip.MustParsePrefix("2001:db8::1/128")
	announce(t, ps, "d", "0", entryFor(prefix.String()))

	static := state.RibUnicastEntry{
		Prefix:   prefix,
		NextHops: []state.NextHop{{Address: netip.MustParseAddr("fe80::99"), Iface: "if_static", Weight: 1}},
	}
	solver.UpdateStaticUnicastRoutes(map[netip.Prefix]state.RibUnicastEntry{prefix: static}, nil)

	entry := solver.CreateRouteForPrefixOrGetStatic(areas, ps, prefix)
	require.NotNil(t, entry)
	assert.Equal(t, []string{"if_static"}, ifaces(entry.NextHops))

	db, ok := solver.BuildRouteDb(areas, ps)
	require.True(t, ok)
	assert.Equal(t, static.NextHops, db.Unicast[prefix].NextHops)

	// deleting the static restores the dynamic route
	solver.UpdateStaticUnicastRoutes(nil, []netip.Prefix{prefix})
	entry = solver.CreateRouteForPrefixOrGetStatic(areas, ps, prefix)
	require.NotNil(t, entry)
	assert.ElementsMatch(t, []string{"if_a_b", "if_a_c"}, ifaces(entry.NextHops))
}

func TestMinNexthopThresholdDropsRoute(t *testing.T) {
	solver, areas, ps := solverFixture(t, solverConfig())
	prefix := "2001:db8::1/128"
	announce(t, ps, "d", "0", entryFor(prefix, func(e *state.PrefixEntry) {
		e.MinNexthop = 3
	}))

	entry := solver.CreateRouteForPrefixOrGetStatic(areas, ps, netip.MustParsePrefix(prefix))
	assert.Nil(t, entry, "two next-hops must not satisfy a min-nexthop of three")

	announce(t, ps, "d", "0", entryFor(prefix, func(e *state.PrefixEntry) {
		e.MinNexthop = 2
	}))
	entry = solver.CreateRouteForPrefixOrGetStatic(areas, ps, netip.MustParsePrefix(prefix))
	assert.NotNil(t, entry)
}

func TestDoNotInstallCarriedThrough(t *testing.T) {
	solver, areas, ps := solverFixture(t, solverConfig())
	prefix := "2001:db8::1/128"
	announce(t, ps, "d", "0", entryFor(prefix, func(e *state.PrefixEntry) {
		e.DoNotInstall = true
	}))

	entry := solver.CreateRouteForPrefixOrGetStatic(areas, ps, netip.MustParsePrefix(prefix))
	require.NotNil(t, entry)
	assert.True(t, entry.DoNotInstall)
}

func TestBgpSelection(t *testing.T) {
	solver, areas, ps := solverFixture(t, solverConfig(func(c *state.Config) {
		c.BgpRouteProgramming = true
	}))
	prefix := "2001:db8::1/128"
	announce(t, ps, "b", "0", entryFor(prefix, func(e *state.PrefixEntry) {
		e.Bgp = &state.BgpAttributes{ClusterListLen: 2}
		e.Metrics.PathPreference = 500
	}))
	announce(t, ps, "d", "0", entryFor(prefix, func(e *state.PrefixEntry) {
		e.Bgp = &state.BgpAttributes{ClusterListLen: 1}
		e.Metrics.PathPreference = 1000
	}))

	entry := solver.CreateRouteForPrefixOrGetStatic(areas, ps, netip.MustParsePrefix(prefix))
	require.NotNil(t, entry)
	assert.Equal(t, state.NodeAndArea{Node: "d", Area: "0"}, entry.BestNodeArea)
}

func TestBgpDisabledDropsBgpPrefixes(t *testing.T) {
	solver, areas, ps := solverFixture(t, solverConfig())
	prefix := "2001:db8::1/128"
	announce(t, ps, "d", "0", entryFor(prefix, func(e *state.PrefixEntry) {
		e.Bgp = &state.BgpAttributes{}
	}))

	entry := solver.CreateRouteForPrefixOrGetStatic(areas, ps, netip.MustParsePrefix(prefix))
	assert.Nil(t, entry)
}

func TestKsp2UnionsEdgeDisjointPaths(t *testing.T) {
	// a ==1== b ==1== d primary, a ==2== c ==2== d alternate
	ls := NewLinkState("0")
	applyAdj(t, ls, "a", false, 0,
		adjTo("b", 1, "if_a_b", "fe80::b"),
		adjTo("c", 2, "if_a_c", "fe80::c"))
	applyAdj(t, ls, "b", false, 0,
		adjTo("a", 1, "if_b_a", "fe80::a"),
		adjTo("d", 1, "if_b_d", "fe80::d"))
	applyAdj(t, ls, "c", false, 0,
		adjTo("a", 2, "if_c_a", "fe80::a"),
		adjTo("d", 2, "if_c_d", "fe80::d"))
	applyAdj(t, ls, "d", false, 0,
		adjTo("b", 1, "if_d_b", "fe80::b"),
		adjTo("c", 2, "if_d_c", "fe80::c"))

	solver := NewSpfSolver(testLogger(), solverConfig())
	areas := AreaLinkStates{"0": ls}
	ps := NewPrefixState()
	announce(t, ps, "a", "0")
	prefix := "2001:db8::1/128"
	announce(t, ps, "d", "0", entryFor(prefix, func(e *state.PrefixEntry) {
		e.ForwardingAlgorithm = state.AlgoKsp2EdEcmp
	}))

	entry := solver.CreateRouteForPrefixOrGetStatic(areas, ps, netip.MustParsePrefix(prefix))
	require.NotNil(t, entry)
	require.Len(t, entry.NextHops, 2)
	byIface := make(map[string]state.NextHop)
	for _, nh := range entry.NextHops {
		byIface[nh.Iface] = nh
	}
	require.Contains(t, byIface, "if_a_b")
	require.Contains(t, byIface, "if_a_c")
	assert.Equal(t, int64(2), byIface["if_a_b"].Metric)
	// the alternate next-hop carries the alternate path metric
	assert.Equal(t, int64(4), byIface["if_a_c"].Metric)
}

func TestNodeSegmentMplsRoutes(t *testing.T) {
	solver, areas, ps := solverFixture(t, solverConfig(func(c *state.Config) {
		c.NodeSegmentLabelEnabled = true
	}))

	db, ok := solver.BuildRouteDb(areas, ps)
	require.True(t, ok)

	// own label terminates
	own := db.Mpls[101]
	require.Len(t, own.NextHops, 1)
	assert.Equal(t, state.LabelPop, own.NextHops[0].Mpls.Action)

	// adjacent node label: penultimate hop pops
	toB := db.Mpls[102]
	require.Len(t, toB.NextHops, 1)
	assert.Equal(t, "if_a_b", toB.NextHops[0].Iface)
	assert.Equal(t, state.LabelPhp, toB.NextHops[0].Mpls.Action)

	// two-hop node label: transit swaps, over both equal-cost paths
	toD := db.Mpls[104]
	require.Len(t, toD.NextHops, 2)
	for _, nh := range toD.NextHops {
		require.NotNil(t, nh.Mpls)
		assert.Equal(t, state.LabelSwap, nh.Mpls.Action)
		assert.Equal(t, []int32{104}, nh.Mpls.Labels)
	}
}

func TestUnicastSrMplsPushesNodeLabel(t *testing.T) {
	solver, areas, ps := solverFixture(t, solverConfig(func(c *state.Config) {
		c.NodeSegmentLabelEnabled = true
	}))
	prefix := "2001:db8::1/128"
	announce(t, ps, "d", "0", entryFor(prefix, func(e *state.PrefixEntry) {
		e.ForwardingType = state.ForwardingSrMpls
	}))

	entry := solver.CreateRouteForPrefixOrGetStatic(areas, ps, netip.MustParsePrefix(prefix))
	require.NotNil(t, entry)
	for _, nh := range entry.NextHops {
		require.NotNil(t, nh.Mpls)
		assert.Equal(t, state.LabelPush, nh.Mpls.Action)
		assert.Equal(t, []int32{104}, nh.Mpls.Labels)
	}
}

func TestAdjacencyLabelPopRoutes(t *testing.T) {
	cfg := solverConfig(func(c *state.Config) {
		c.AdjacencyLabelsEnabled = true
	})
	solver := NewSpfSolver(testLogger(), cfg)
	ls := NewLinkState("0")
	adjB := adjTo("b", 1, "if_a_b", "fe80::b")
	adjB.Label = 50001
	applyAdj(t, ls, "a", false, 0, adjB)
	applyAdj(t, ls, "b", false, 0, adjTo("a", 1, "if_b_a", "fe80::a"))
	areas := AreaLinkStates{"0": ls}
	ps := NewPrefixState()
	announce(t, ps, "a", "0")

	db, ok := solver.BuildRouteDb(areas, ps)
	require.True(t, ok)
	entry, ok := db.Mpls[50001]
	require.True(t, ok)
	require.Len(t, entry.NextHops, 1)
	assert.Equal(t, "if_a_b", entry.NextHops[0].Iface)
	assert.Equal(t, state.LabelPop, entry.NextHops[0].Mpls.Action)
}

func TestPrependLabelSharedAndReleased(t *testing.T) {
	solver, areas, ps := solverFixture(t, solverConfig(func(c *state.Config) {
		c.SrPolicies = []state.SrPolicyCfg{{
			Name:     "prepend-all",
			Prefixes: []netip.Prefix{netip.MustParsePrefix("2001:db8::/32")},
			Rules:    state.RouteComputationRules{PrependLabel: true},
		}}
	}))
	p1 := netip.MustParsePrefix("2001:db8::1/128")
	p2 := netip.MustParsePrefix("2001:db8::2/128")
	announce(t, ps, "d", "0", entryFor(p1.String()), entryFor(p2.String()))

	db, ok := solver.BuildRouteDb(areas, ps)
	require.True(t, ok)

	label1 := db.Unicast[p1].NextHops[0].Mpls.Labels[0]
	label2 := db.Unicast[p2].NextHops[0].Mpls.Labels[0]
	assert.Equal(t, label1, label2, "identical next-hop sets must share one prepend label")
	assert.GreaterOrEqual(t, label1, state.PrependLabelBase)

	// a label route exists for the shared prepend label
	_, ok = db.Mpls[label1]
	assert.True(t, ok)

	// withdrawing both prefixes releases the label back to the pool
	announce(t, ps, "d", "0")
	_, ok = solver.BuildRouteDb(areas, ps)
	require.True(t, ok)
	prefix3 := netip.MustParsePrefix("2001:db8::3/128")
	announce(t, ps, "b", "0", entryFor(prefix3.String()))
	db, ok = solver.BuildRouteDb(areas, ps)
	require.True(t, ok)
	assert.Equal(t, label1, db.Unicast[prefix3].NextHops[0].Mpls.Labels[0],
		"freed label must be reused from the pool")
}

func TestV4Handling(t *testing.T) {
	// v4 disabled: the route is dropped outright
	solver, areas, ps := solverFixture(t, solverConfig(func(c *state.Config) {
		c.EnableV4 = false
	}))
	announce(t, ps, "d", "0", entryFor("10.1.1.1/32"))
	assert.Nil(t, solver.CreateRouteForPrefixOrGetStatic(areas, ps, netip.MustParsePrefix("10.1.1.1/32")))

	// v4 enabled but next-hops are v6: dropped without v4-over-v6
	solver, areas, ps = solverFixture(t, solverConfig())
	announce(t, ps, "d", "0", entryFor("10.1.1.1/32"))
	assert.Nil(t, solver.CreateRouteForPrefixOrGetStatic(areas, ps, netip.MustParsePrefix("10.1.1.1/32")))

	// v4-over-v6 emits the v4 prefix with v6 next-hops
	solver, areas, ps = solverFixture(t, solverConfig(func(c *state.Config) {
		c.V4OverV6Nexthop = true
	}))
	announce(t, ps, "d", "0", entryFor("10.1.1.1/32"))
	entry := solver.CreateRouteForPrefixOrGetStatic(areas, ps, netip.MustParsePrefix("10.1.1.1/32"))
	require.NotNil(t, entry)
	assert.ElementsMatch(t, []string{"if_a_b", "if_a_c"}, ifaces(entry.NextHops))
}

func TestBuildRouteDbRequiresOwnPrefixDb(t *testing.T) {
	solver := NewSpfSolver(testLogger(), solverConfig())
	areas := AreaLinkStates{"0": squareTopology(t)}
	ps := NewPrefixState()
	announce(t, ps, "d", "0", entryFor("2001:db8::1/128"))

	_, ok := solver.BuildRouteDb(areas, ps)
	assert.False(t, ok)
}

func TestSelfAnnouncedPrefixNotProgrammed(t *testing.T) {
	solver, areas, ps := solverFixture(t, solverConfig())
	prefix := "2001:db8::a/128"
	announce(t, ps, "a", "0", entryFor(prefix))

	entry := solver.CreateRouteForPrefixOrGetStatic(areas, ps, netip.MustParsePrefix(prefix))
	assert.Nil(t, entry)
}

func TestUnknownAreaAnnouncementSkipped(t *testing.T) {
	solver, areas, ps := solverFixture(t, solverConfig())
	prefix := "2001:db8::1/128"
	announce(t, ps, "d", "ghost", entryFor(prefix))
	announce(t, ps, "b", "0", entryFor(prefix))

	entry := solver.CreateRouteForPrefixOrGetStatic(areas, ps, netip.MustParsePrefix(prefix))
	require.NotNil(t, entry)
	assert.Equal(t, state.NodeAndArea{Node: "b", Area: "0"}, entry.BestNodeArea)
}

func TestExcludePrefixes(t *testing.T) {
	solver, areas, ps := solverFixture(t, solverConfig(func(c *state.Config) {
		c.ExcludePrefixes = []netip.Prefix{netip.MustParsePrefix("2001:db8:dead::/48")}
	}))
	announce(t, ps, "d", "0",
		entryFor("2001:db8:dead::1/128"),
		entryFor("2001:db8::1/128"))

	assert.Nil(t, solver.CreateRouteForPrefixOrGetStatic(areas, ps, netip.MustParsePrefix("2001:db8:dead::1/128")))
	assert.NotNil(t, solver.CreateRouteForPrefixOrGetStatic(areas, ps, netip.MustParsePrefix("2001:db8::1/128")))
}
