package state

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"time"
)

// Value is one entry of the gossip store. A nil Payload is a TTL refresh
// that carries no data.
type Value struct {
	Version    uint64        `yaml:"version"`
	Originator string        `yaml:"originator"`
	Payload    []byte        `yaml:"payload,omitempty"`
	TTL        time.Duration `yaml:"ttl"`
	TTLVersion uint64        `yaml:"ttl_version"`
}

// Compare orders values by (version, originator, ttl-version), higher wins.
func (v Value) Compare(o Value) int {
	if c := cmp.Compare(v.Version, o.Version); c != 0 {
		return c
	}
	if c := cmp.Compare(v.Originator, o.Originator); c != 0 {
		return c
	}
	return cmp.Compare(v.TTLVersion, o.TTLVersion)
}

func (v Value) SamePayload(o Value) bool {
	return bytes.Equal(v.Payload, o.Payload)
}

func (v Value) String() string {
	return fmt.Sprintf("v=%d orig=%s ttlV=%d payload=%dB", v.Version, v.Originator, v.TTLVersion, len(v.Payload))
}

// Publication is one batch of store updates for a single area.
type Publication struct {
	Area        AreaId
	KeyVals     map[string]Value
	ExpiredKeys []string
}

// KvStore is the external gossip store. All calls are blocking RPCs and
// respect ctx cancellation; implementations live outside the control plane.
type KvStore interface {
	GetKeyVals(ctx context.Context, area AreaId, keys []string) (map[string]Value, error)
	DumpKeyVals(ctx context.Context, area AreaId, prefix string) (map[string]Value, error)
	SetKeyVals(ctx context.Context, area AreaId, keyVals map[string]Value) error
	// Updates delivers publications in the order the store observed them.
	Updates() *Queue[Publication]
}
