package mock

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"time"

	"github.com/openfabric/fabricd/state"
)

var ErrAgentUnavailable = errors.New("forwarding agent unavailable")

// FibAgent is an in-memory forwarding agent for tests and standalone runs.
// Tables are kept per client id; sync replaces a client's whole table.
type FibAgent struct {
	mu sync.Mutex

	aliveSince int64
	healthy    bool

	unicast map[int16]map[netip.Prefix]state.UnicastRoute
	mpls    map[int16]map[int32]state.MplsRoute

	addRoutesCount int
	delRoutesCount int
	addMplsCount   int
	delMplsCount   int
	syncFibCount   int
	syncMplsCount  int
}

func NewFibAgent() *FibAgent {
	return &FibAgent{
		aliveSince: time.Now().UnixNano(),
		healthy:    true,
		unicast:    make(map[int16]map[netip.Prefix]state.UnicastRoute),
		mpls:       make(map[int16]map[int32]state.MplsRoute),
	}
}

// Restart simulates an agent restart: new alive-since epoch, tables wiped.
func (a *FibAgent) Restart() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.aliveSince = time.Now().UnixNano()
	a.unicast = make(map[int16]map[netip.Prefix]state.UnicastRoute)
	a.mpls = make(map[int16]map[int32]state.MplsRoute)
}

func (a *FibAgent) SetHealthy(healthy bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.healthy = healthy
}

func (a *FibAgent) unicastTable(clientId int16) map[netip.Prefix]state.UnicastRoute {
	if a.unicast[clientId] == nil {
		a.unicast[clientId] = make(map[netip.Prefix]state.UnicastRoute)
	}
	return a.unicast[clientId]
}

func (a *FibAgent) mplsTable(clientId int16) map[int32]state.MplsRoute {
	if a.mpls[clientId] == nil {
		a.mpls[clientId] = make(map[int32]state.MplsRoute)
	}
	return a.mpls[clientId]
}

func (a *FibAgent) AddUnicastRoutes(ctx context.Context, clientId int16, routes []state.UnicastRoute) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.healthy {
		return ErrAgentUnavailable
	}
	a.addRoutesCount += len(routes)
	table := a.unicastTable(clientId)
	for _, route := range routes {
		table[route.Prefix] = route
	}
	return nil
}

func (a *FibAgent) DelUnicastRoutes(ctx context.Context, clientId int16, prefixes []netip.Prefix) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.healthy {
		return ErrAgentUnavailable
	}
	a.delRoutesCount += len(prefixes)
	table := a.unicastTable(clientId)
	for _, prefix := range prefixes {
		delete(table, prefix)
	}
	return nil
}

func (a *FibAgent) SyncFib(ctx context.Context, clientId int16, routes []state.UnicastRoute) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.healthy {
		return ErrAgentUnavailable
	}
	a.syncFibCount++
	table := make(map[netip.Prefix]state.UnicastRoute, len(routes))
	for _, route := range routes {
		table[route.Prefix] = route
	}
	a.unicast[clientId] = table
	return nil
}

func (a *FibAgent) AddMplsRoutes(ctx context.Context, clientId int16, routes []state.MplsRoute) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.healthy {
		return ErrAgentUnavailable
	}
	a.addMplsCount += len(routes)
	table := a.mplsTable(clientId)
	for _, route := range routes {
		table[route.Label] = route
	}
	return nil
}

func (a *FibAgent) DelMplsRoutes(ctx context.Context, clientId int16, labels []int32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.healthy {
		return ErrAgentUnavailable
	}
	a.delMplsCount += len(labels)
	table := a.mplsTable(clientId)
	for _, label := range labels {
		delete(table, label)
	}
	return nil
}

func (a *FibAgent) SyncMplsFib(ctx context.Context, clientId int16, routes []state.MplsRoute) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.healthy {
		return ErrAgentUnavailable
	}
	a.syncMplsCount++
	table := make(map[int32]state.MplsRoute, len(routes))
	for _, route := range routes {
		table[route.Label] = route
	}
	a.mpls[clientId] = table
	return nil
}

func (a *FibAgent) AliveSince(ctx context.Context) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.healthy {
		return 0, ErrAgentUnavailable
	}
	return a.aliveSince, nil
}

// UnicastRouteCount reports the table size for a client.
func (a *FibAgent) UnicastRouteCount(clientId int16) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.unicast[clientId])
}

func (a *FibAgent) MplsRouteCount(clientId int16) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.mpls[clientId])
}

// UnicastRoute returns one installed route.
func (a *FibAgent) UnicastRoute(clientId int16, prefix netip.Prefix) (state.UnicastRoute, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	route, ok := a.unicast[clientId][prefix]
	return route, ok
}

func (a *FibAgent) MplsRoute(clientId int16, label int32) (state.MplsRoute, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	route, ok := a.mpls[clientId][label]
	return route, ok
}

// AgentCounters is a consistent snapshot of the agent statistics: add and
// delete counts are numbers of routes, sync counts are numbers of calls.
type AgentCounters struct {
	AddRoutes, DelRoutes int
	AddMpls, DelMpls     int
	SyncFib, SyncMpls    int
}

func (a *FibAgent) Counters() AgentCounters {
	a.mu.Lock()
	defer a.mu.Unlock()
	return AgentCounters{
		AddRoutes: a.addRoutesCount,
		DelRoutes: a.delRoutesCount,
		AddMpls:   a.addMplsCount,
		DelMpls:   a.delMplsCount,
		SyncFib:   a.syncFibCount,
		SyncMpls:  a.syncMplsCount,
	}
}
