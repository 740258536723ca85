package state

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/goccy/go-yaml"
)

// KV key namespaces. Link monitors write adj:<node>, prefix originators
// write prefix:<node>, the fib programmer stamps fibtime:<node>.
const (
	KvAdjPrefix     = "adj:"
	KvPrefixPrefix  = "prefix:"
	KvFibTimePrefix = "fibtime:"
)

func AdjKey(node NodeName) string {
	return KvAdjPrefix + string(node)
}

func PrefixKey(node NodeName) string {
	return KvPrefixPrefix + string(node)
}

func FibTimeKey(node NodeName) string {
	return KvFibTimePrefix + string(node)
}

func NodeFromKey(key string) (NodeName, bool) {
	for _, ns := range []string{KvAdjPrefix, KvPrefixPrefix, KvFibTimePrefix} {
		if rest, ok := strings.CutPrefix(key, ns); ok {
			return NodeName(rest), true
		}
	}
	return "", false
}

// Adjacency is one directed link as advertised by a link monitor.
type Adjacency struct {
	OtherNode NodeName   `yaml:"other_node"`
	Metric    int64      `yaml:"metric"`
	Iface     string     `yaml:"iface"`
	NextHop   netip.Addr `yaml:"next_hop"`
	Label     int32      `yaml:"label,omitempty"`
	Drained   bool       `yaml:"drained,omitempty"`
}

// AdjacencyDatabase is the payload of an adj:<node> key.
type AdjacencyDatabase struct {
	Node        NodeName    `yaml:"node"`
	Area        AreaId      `yaml:"area"`
	Overloaded  bool        `yaml:"overloaded,omitempty"`
	NodeLabel   int32       `yaml:"node_label,omitempty"`
	Adjacencies []Adjacency `yaml:"adjacencies"`
}

// PrefixDatabase is the payload of a prefix:<node> key.
type PrefixDatabase struct {
	Node    NodeName      `yaml:"node"`
	Area    AreaId        `yaml:"area"`
	Entries []PrefixEntry `yaml:"entries"`
}

// FibProgramTime is the payload of a fibtime:<node> key, stamping when this
// node last completed agent programming.
type FibProgramTime struct {
	Node     NodeName `yaml:"node"`
	UnixTsMs int64    `yaml:"unix_ts_ms"`
}

func EncodePayload(v any) ([]byte, error) {
	return yaml.Marshal(v)
}

func DecodeAdjacencyDatabase(payload []byte) (*AdjacencyDatabase, error) {
	var db AdjacencyDatabase
	if err := yaml.Unmarshal(payload, &db); err != nil {
		return nil, fmt.Errorf("malformed adjacency database: %w", err)
	}
	return &db, nil
}

func DecodePrefixDatabase(payload []byte) (*PrefixDatabase, error) {
	var db PrefixDatabase
	if err := yaml.Unmarshal(payload, &db); err != nil {
		return nil, fmt.Errorf("malformed prefix database: %w", err)
	}
	return &db, nil
}

func DecodeFibProgramTime(payload []byte) (*FibProgramTime, error) {
	var ts FibProgramTime
	if err := yaml.Unmarshal(payload, &ts); err != nil {
		return nil, fmt.Errorf("malformed fib program time: %w", err)
	}
	return &ts, nil
}
