package core

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfabric/fabricd/mock"
	"github.com/openfabric/fabricd/state"
)

func startFib(t *testing.T, agent FibAgent, mods ...func(*state.Config)) (*Fib, *state.Queue[state.RouteUpdate], *state.Queue[state.RouteUpdate]) {
	t.Helper()
	cfg := &state.Config{NodeName: "node1", Areas: []state.AreaId{"0"}}
	state.ExpandConfig(cfg)
	for _, mod := range mods {
		mod(cfg)
	}
	env := newTestEnv(t, cfg)
	routeQ := state.NewQueue[state.RouteUpdate](64)
	staticQ := state.NewQueue[state.RouteUpdate](64)
	f := NewFib(agent, nil, routeQ, staticQ)
	require.NoError(t, f.Init(env))
	go f.Run()
	return f, routeQ, staticQ
}

func pushUnicast(t *testing.T, q *state.Queue[state.RouteUpdate], entries ...state.RibUnicastEntry) {
	t.Helper()
	u := state.NewRouteUpdate()
	for _, entry := range entries {
		u.UnicastUpserts[entry.Prefix] = entry
	}
	require.NoError(t, q.TryPush(u))
}

func route(prefix string, hops ...state.NextHop) state.RibUnicastEntry {
	return state.RibUnicastEntry{
		Prefix:   netip.MustParsePrefix(prefix),
		NextHops: hops,
	}
}

func hop(addr, iface string, weight int32) state.NextHop {
	return state.NextHop{Address: netip.MustParseAddr(addr), Iface: iface, Weight: weight}
}

// Longest-prefix match over the fib mirror, per the classic table:
//
//	::/0, 192.168.0.0/16, 192.168.0.0/20, 192.168.0.0/24, 192.168.20.16/28
func TestLongestPrefixMatch(t *testing.T) {
	agent := mock.NewFibAgent()
	f, routeQ, _ := startFib(t, agent)

	nh := hop("fe80::1", "eth0", 1)
	pushUnicast(t, routeQ,
		route("::/0", nh),
		route("192.168.0.0/16", nh),
		route("192.168.0.0/20", nh),
		route("192.168.0.0/24", nh),
		route("192.168.20.16/28", nh),
	)
	require.Eventually(t, func() bool {
		routes, _, err := f.GetRouteDb()
		return err == nil && len(routes) == 5
	}, time.Second*2, time.Millisecond*10)

	cases := []struct {
		query string
		want  string
	}{
		{"192.168.20.19/32", "192.168.20.16/28"},
		{"192.168.0.0/32", "192.168.0.0/24"},
		{"192.168.0.0/14", ""},
		{"192.168.0.0/18", "192.168.0.0/16"},
		{"::/0", "::/0"},
	}
	for _, tc := range cases {
		lpm, entry, err := f.LongestPrefixMatch(netip.MustParsePrefix(tc.query))
		require.NoError(t, err)
		if tc.want == "" {
			assert.Nil(t, entry, "query %s must not match", tc.query)
			continue
		}
		require.NotNil(t, entry, "query %s must match", tc.query)
		assert.Equal(t, netip.MustParsePrefix(tc.want), lpm, "query %s", tc.query)
	}
}

func TestGetUnicastRoutesFiltered(t *testing.T) {
	agent := mock.NewFibAgent()
	f, routeQ, _ := startFib(t, agent)

	nh := hop("fe80::1", "eth0", 1)
	pushUnicast(t, routeQ,
		route("10.1.0.0/24", nh),
		route("10.1.1.0/24", nh),
		route("10.2.0.0/24", nh),
		route("2001:db8::/64", nh),
	)
	require.Eventually(t, func() bool {
		routes, _, err := f.GetRouteDb()
		return err == nil && len(routes) == 4
	}, time.Second*2, time.Millisecond*10)

	// empty filter returns everything
	all, err := f.GetUnicastRoutes(nil)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	covered, err := f.GetUnicastRoutes([]netip.Prefix{netip.MustParsePrefix("10.1.0.0/16")})
	require.NoError(t, err)
	assert.Len(t, covered, 2)

	none, err := f.GetUnicastRoutes([]netip.Prefix{netip.MustParsePrefix("172.16.0.0/12")})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestGetMplsRoutesFiltered(t *testing.T) {
	agent := mock.NewFibAgent()
	f, routeQ, _ := startFib(t, agent)

	u := state.NewRouteUpdate()
	nh := hop("fe80::1", "eth0", 1)
	u.MplsUpserts[1] = state.RibMplsEntry{Label: 1, NextHops: []state.NextHop{nh}}
	u.MplsUpserts[2] = state.RibMplsEntry{Label: 2, NextHops: []state.NextHop{nh}}
	require.NoError(t, routeQ.TryPush(u))

	require.Eventually(t, func() bool {
		routes, err := f.GetMplsRoutes(nil)
		return err == nil && len(routes) == 2
	}, time.Second*2, time.Millisecond*10)

	one, err := f.GetMplsRoutes([]int32{2})
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, int32(2), one[0].Label)

	missing, err := f.GetMplsRoutes([]int32{9})
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestGetRouteDetailDbKeepsSelectionMetadata(t *testing.T) {
	agent := mock.NewFibAgent()
	f, routeQ, _ := startFib(t, agent)

	entry := route("10.1.0.0/24", hop("fe80::1", "eth0", 1))
	entry.BestNodeArea = state.NodeAndArea{Node: "node9", Area: "0"}
	pushUnicast(t, routeQ, entry)

	require.Eventually(t, func() bool {
		details, _, err := f.GetRouteDetailDb()
		return err == nil && len(details) == 1 && details[0].BestNodeArea.Node == "node9"
	}, time.Second*2, time.Millisecond*10)
}
