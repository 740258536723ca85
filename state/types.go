package state

import (
	"cmp"
	"fmt"
	"net/netip"
	"slices"
	"strings"
)

type NodeName string
type AreaId string

// NodeAndArea identifies a node within one area. Nodes may live in several
// areas with distinct metrics, so announcements are always keyed by the pair.
type NodeAndArea struct {
	Node NodeName `yaml:"node"`
	Area AreaId   `yaml:"area"`
}

func (n NodeAndArea) Compare(o NodeAndArea) int {
	if c := cmp.Compare(n.Node, o.Node); c != 0 {
		return c
	}
	return cmp.Compare(n.Area, o.Area)
}

func (n NodeAndArea) String() string {
	return fmt.Sprintf("%s@%s", n.Node, n.Area)
}

type PrefixForwardingType uint8

const (
	ForwardingIP PrefixForwardingType = iota
	ForwardingSrMpls
)

type PrefixForwardingAlgorithm uint8

const (
	AlgoSpEcmp PrefixForwardingAlgorithm = iota
	AlgoKsp2EdEcmp
)

// PrefixMetrics is the announced metric vector. Higher preference wins,
// lower distance wins.
type PrefixMetrics struct {
	PathPreference   int32 `yaml:"path_preference"`
	SourcePreference int32 `yaml:"source_preference"`
	Distance         int32 `yaml:"distance"`
}

// BgpAttributes carries the subset of BGP path attributes the comparator
// looks at. Everything else stays opaque to the selection logic.
type BgpAttributes struct {
	ClusterListLen int32 `yaml:"cluster_list_len"`
	AsPathLen      int32 `yaml:"as_path_len,omitempty"`
	Med            int64 `yaml:"med,omitempty"`
}

// PrefixEntry is a single announcement of a prefix by one (node, area).
type PrefixEntry struct {
	Prefix              netip.Prefix              `yaml:"prefix"`
	ForwardingType      PrefixForwardingType      `yaml:"forwarding_type"`
	ForwardingAlgorithm PrefixForwardingAlgorithm `yaml:"forwarding_algorithm"`
	Metrics             PrefixMetrics             `yaml:"metrics"`
	DoNotInstall        bool                      `yaml:"do_not_install,omitempty"`
	Bgp                 *BgpAttributes            `yaml:"bgp,omitempty"`
	MinNexthop          int                       `yaml:"min_nexthop,omitempty"`
}

func (p *PrefixEntry) IsBgp() bool {
	return p.Bgp != nil
}

// Equal compares announcements by value, including the BGP attributes.
func (p *PrefixEntry) Equal(o *PrefixEntry) bool {
	if p == nil || o == nil {
		return p == o
	}
	if p.Prefix != o.Prefix || p.ForwardingType != o.ForwardingType ||
		p.ForwardingAlgorithm != o.ForwardingAlgorithm || p.Metrics != o.Metrics ||
		p.DoNotInstall != o.DoNotInstall || p.MinNexthop != o.MinNexthop {
		return false
	}
	if (p.Bgp == nil) != (o.Bgp == nil) {
		return false
	}
	return p.Bgp == nil || *p.Bgp == *o.Bgp
}

type LabelAction uint8

const (
	LabelPush LabelAction = iota
	LabelSwap
	LabelPhp
	LabelPop
)

func (a LabelAction) String() string {
	switch a {
	case LabelPush:
		return "PUSH"
	case LabelSwap:
		return "SWAP"
	case LabelPhp:
		return "PHP"
	case LabelPop:
		return "POP"
	}
	return "?"
}

// MplsAction is the label operation attached to a next-hop.
type MplsAction struct {
	Action LabelAction `yaml:"action"`
	// Labels is the stack to push, outermost first. Swap uses Labels[0].
	// Php and Pop carry no labels.
	Labels []int32 `yaml:"labels,omitempty"`
}

func (m *MplsAction) String() string {
	if m == nil {
		return ""
	}
	if len(m.Labels) == 0 {
		return m.Action.String()
	}
	parts := make([]string, 0, len(m.Labels))
	for _, l := range m.Labels {
		parts = append(parts, fmt.Sprint(l))
	}
	return fmt.Sprintf("%s %s", m.Action, strings.Join(parts, ","))
}

// NextHop is one forwarding path for a route.
type NextHop struct {
	Address netip.Addr  `yaml:"address"`
	Iface   string      `yaml:"iface"`
	Weight  int32       `yaml:"weight"`
	Metric  int64       `yaml:"metric"`
	Mpls    *MplsAction `yaml:"mpls,omitempty"`
}

// Key identifies a next-hop for dedup. Metric is deliberately excluded: the
// same next-hop reached over paths of different cost (a KSP2 primary and its
// alternate, say) collapses to one entry. The MPLS action is part of the key,
// so a labeled and an unlabeled next-hop stay distinct.
func (nh NextHop) Key() string {
	return fmt.Sprintf("%s%%%s~%d~%s", nh.Address, nh.Iface, nh.Weight, nh.Mpls.String())
}

func (nh NextHop) String() string {
	if nh.Mpls != nil {
		return fmt.Sprintf("%s%%%s (w=%d, %s)", nh.Address, nh.Iface, nh.Weight, nh.Mpls)
	}
	return fmt.Sprintf("%s%%%s (w=%d)", nh.Address, nh.Iface, nh.Weight)
}

// AddNextHop inserts nh into the set, keeping the lower-metric duplicate.
func AddNextHop(set []NextHop, nh NextHop) []NextHop {
	for i, cur := range set {
		if cur.Key() == nh.Key() {
			if nh.Metric < cur.Metric {
				set[i] = nh
			}
			return set
		}
	}
	return append(set, nh)
}

// SortNextHops canonicalizes a next-hop set for comparison and display.
func SortNextHops(set []NextHop) []NextHop {
	slices.SortFunc(set, func(a, b NextHop) int {
		return cmp.Compare(a.Key(), b.Key())
	})
	return set
}

// NextHopSetKey builds the canonical identity of a next-hop set, used to
// share prepend labels between routes with identical forwarding behaviour.
func NextHopSetKey(set []NextHop) string {
	keys := make([]string, 0, len(set))
	for _, nh := range set {
		keys = append(keys, nh.Key())
	}
	slices.Sort(keys)
	return strings.Join(keys, "|")
}
