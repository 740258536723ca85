package core

import (
	"container/heap"
	"slices"

	"github.com/openfabric/fabricd/state"
)

// LinkState is the per-area topology graph. Adjacencies are held in a flat
// arena; nodes reference them by index so the graph stays cycle-safe without
// owning pointers between nodes.
type LinkState struct {
	Area state.AreaId

	nodes map[state.NodeName]*nodeState
	adjs  []adjacency

	spfCache map[state.NodeName]SpfResult
}

type nodeState struct {
	Overloaded bool
	Label      int32
	Adjs       []int
}

type adjacency struct {
	From state.NodeName
	state.Adjacency
}

type SpfEntry struct {
	Metric int64
}

// SpfResult maps every reachable node to its shortest-path cost from the
// SPF source.
type SpfResult map[state.NodeName]SpfEntry

func NewLinkState(area state.AreaId) *LinkState {
	return &LinkState{
		Area:     area,
		nodes:    make(map[state.NodeName]*nodeState),
		spfCache: make(map[state.NodeName]SpfResult),
	}
}

// ApplyAdjacencyDb replaces one node's adjacency set, overload bit and node
// label. Reports whether the topology changed.
func (ls *LinkState) ApplyAdjacencyDb(db *state.AdjacencyDatabase) bool {
	old, existed := ls.nodes[db.Node]
	if existed && old.Overloaded == db.Overloaded && old.Label == db.NodeLabel &&
		ls.sameAdjacencies(old.Adjs, db.Adjacencies) {
		return false
	}
	ls.removeAdjacenciesFrom(db.Node)
	ns := &nodeState{Overloaded: db.Overloaded, Label: db.NodeLabel}
	for _, adj := range db.Adjacencies {
		ns.Adjs = append(ns.Adjs, len(ls.adjs))
		ls.adjs = append(ls.adjs, adjacency{From: db.Node, Adjacency: adj})
	}
	ls.nodes[db.Node] = ns
	ls.invalidate()
	return true
}

// RemoveNode drops a node and all adjacencies it originates.
func (ls *LinkState) RemoveNode(node state.NodeName) bool {
	if _, ok := ls.nodes[node]; !ok {
		return false
	}
	ls.removeAdjacenciesFrom(node)
	delete(ls.nodes, node)
	ls.invalidate()
	return true
}

func (ls *LinkState) sameAdjacencies(idxs []int, adjs []state.Adjacency) bool {
	if len(idxs) != len(adjs) {
		return false
	}
	for i, idx := range idxs {
		if ls.adjs[idx].Adjacency != adjs[i] {
			return false
		}
	}
	return true
}

func (ls *LinkState) removeAdjacenciesFrom(node state.NodeName) {
	old, ok := ls.nodes[node]
	if !ok {
		return
	}
	// compact the arena and remap indices
	dead := make(map[int]bool, len(old.Adjs))
	for _, idx := range old.Adjs {
		dead[idx] = true
	}
	remap := make(map[int]int, len(ls.adjs))
	kept := ls.adjs[:0]
	for i, adj := range ls.adjs {
		if dead[i] {
			continue
		}
		remap[i] = len(kept)
		kept = append(kept, adj)
	}
	ls.adjs = kept
	for _, ns := range ls.nodes {
		for i, idx := range ns.Adjs {
			if mapped, ok := remap[idx]; ok {
				ns.Adjs[i] = mapped
			}
		}
	}
	old.Adjs = nil
}

func (ls *LinkState) invalidate() {
	clear(ls.spfCache)
}

func (ls *LinkState) HasNode(node state.NodeName) bool {
	_, ok := ls.nodes[node]
	return ok
}

func (ls *LinkState) IsOverloaded(node state.NodeName) bool {
	ns, ok := ls.nodes[node]
	return ok && ns.Overloaded
}

func (ls *LinkState) NodeLabel(node state.NodeName) int32 {
	ns, ok := ls.nodes[node]
	if !ok {
		return 0
	}
	return ns.Label
}

// Nodes returns the node set in stable order.
func (ls *LinkState) Nodes() []state.NodeName {
	nodes := make([]state.NodeName, 0, len(ls.nodes))
	for n := range ls.nodes {
		nodes = append(nodes, n)
	}
	slices.Sort(nodes)
	return nodes
}

// AdjIndicesFrom returns the arena indices of the node's adjacencies.
func (ls *LinkState) AdjIndicesFrom(node state.NodeName) []int {
	ns, ok := ls.nodes[node]
	if !ok {
		return nil
	}
	return ns.Adjs
}

func (ls *LinkState) Adj(idx int) (state.NodeName, state.Adjacency) {
	a := ls.adjs[idx]
	return a.From, a.Adjacency
}

// Spf runs Dijkstra from src, caching the result until the next topology
// change. Overloaded nodes do not transit traffic; drained adjacencies are
// not used at all.
func (ls *LinkState) Spf(src state.NodeName) SpfResult {
	if cached, ok := ls.spfCache[src]; ok {
		return cached
	}
	res := ls.runSpf(src, nil)
	ls.spfCache[src] = res
	return res
}

// SpfExcluding runs Dijkstra from src with the given arena edges removed.
// Results are not cached.
func (ls *LinkState) SpfExcluding(src state.NodeName, exclude map[int]bool) SpfResult {
	return ls.runSpf(src, exclude)
}

type spfItem struct {
	node   state.NodeName
	metric int64
}

type spfHeap []spfItem

func (h spfHeap) Len() int { return len(h) }
func (h spfHeap) Less(i, j int) bool {
	if h[i].metric != h[j].metric {
		return h[i].metric < h[j].metric
	}
	return h[i].node < h[j].node
}
func (h spfHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *spfHeap) Push(x any)        { *h = append(*h, x.(spfItem)) }
func (h *spfHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func (ls *LinkState) runSpf(src state.NodeName, exclude map[int]bool) SpfResult {
	res := make(SpfResult)
	if _, ok := ls.nodes[src]; !ok {
		return res
	}
	h := &spfHeap{{node: src, metric: 0}}
	for h.Len() > 0 {
		item := heap.Pop(h).(spfItem)
		if _, done := res[item.node]; done {
			continue
		}
		res[item.node] = SpfEntry{Metric: item.metric}
		ns := ls.nodes[item.node]
		if ns == nil {
			continue
		}
		// an overloaded node terminates traffic but never forwards it
		if ns.Overloaded && item.node != src {
			continue
		}
		for _, idx := range ns.Adjs {
			if exclude[idx] {
				continue
			}
			adj := ls.adjs[idx]
			if adj.Drained {
				continue
			}
			if _, ok := ls.nodes[adj.OtherNode]; !ok {
				continue
			}
			if _, done := res[adj.OtherNode]; done {
				continue
			}
			heap.Push(h, spfItem{node: adj.OtherNode, metric: item.metric + adj.Metric})
		}
	}
	return res
}

// ShortestPathEdges returns the arena indices of every edge lying on some
// shortest path from src to any of dsts.
func (ls *LinkState) ShortestPathEdges(src state.NodeName, dsts []state.NodeName) map[int]bool {
	edges := make(map[int]bool)
	spfSrc := ls.Spf(src)
	for _, dst := range dsts {
		total, ok := spfSrc[dst]
		if !ok {
			continue
		}
		for idx, adj := range ls.adjs {
			du, ok := spfSrc[adj.From]
			if !ok || adj.Drained {
				continue
			}
			rest, ok := ls.Spf(adj.OtherNode)[dst]
			if !ok {
				continue
			}
			if du.Metric+adj.Metric+rest.Metric == total.Metric {
				edges[idx] = true
			}
		}
	}
	return edges
}
