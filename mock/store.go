package mock

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/jellydator/ttlcache/v3"

	"github.com/openfabric/fabricd/state"
)

var ErrStoreUnavailable = errors.New("kv store unavailable")

type areaKey struct {
	Area state.AreaId
	Key  string
}

// KvStore is an in-memory gossip store for tests and standalone runs. It
// merges writes by the (version, originator, ttl-version) ordering, expires
// finite-ttl keys, and echoes every accepted write back as a publication,
// exactly the way the fabric reflects updates to their originator.
type KvStore struct {
	mu      sync.Mutex
	areas   map[state.AreaId]map[string]state.Value
	updates *state.Queue[state.Publication]
	expiry  *ttlcache.Cache[areaKey, struct{}]

	healthy bool
	stopped bool
}

func NewKvStore() *KvStore {
	s := &KvStore{
		areas:   make(map[state.AreaId]map[string]state.Value),
		updates: state.NewQueue[state.Publication](1024),
		healthy: true,
	}
	s.expiry = ttlcache.New[areaKey, struct{}](
		ttlcache.WithDisableTouchOnHit[areaKey, struct{}](),
	)
	s.expiry.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[areaKey, struct{}]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		// detach from the cache's internal locking before touching ours
		go s.expireKey(item.Key())
	})
	go s.expiry.Start()
	return s
}

func (s *KvStore) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	s.expiry.Stop()
	s.updates.Close()
}

// SetHealthy toggles fault injection on the write path.
func (s *KvStore) SetHealthy(healthy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = healthy
}

func (s *KvStore) Updates() *state.Queue[state.Publication] {
	return s.updates
}

func (s *KvStore) areaMap(area state.AreaId) map[string]state.Value {
	if s.areas[area] == nil {
		s.areas[area] = make(map[string]state.Value)
	}
	return s.areas[area]
}

func (s *KvStore) GetKeyVals(ctx context.Context, area state.AreaId, keys []string) (map[string]state.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]state.Value)
	for _, key := range keys {
		if val, ok := s.areaMap(area)[key]; ok {
			out[key] = val
		}
	}
	return out, nil
}

func (s *KvStore) DumpKeyVals(ctx context.Context, area state.AreaId, prefix string) (map[string]state.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]state.Value)
	for key, val := range s.areaMap(area) {
		if prefix == "" || strings.HasPrefix(key, prefix) {
			out[key] = val
		}
	}
	return out, nil
}

func (s *KvStore) SetKeyVals(ctx context.Context, area state.AreaId, keyVals map[string]state.Value) error {
	s.mu.Lock()
	if !s.healthy {
		s.mu.Unlock()
		return ErrStoreUnavailable
	}
	accepted := make(map[string]state.Value)
	keys := s.areaMap(area)
	for key, rcvd := range keyVals {
		current, exists := keys[key]
		if rcvd.Payload == nil {
			// ttl refresh: only bumps the refresh coordinates of an
			// existing value
			if !exists || current.Version != rcvd.Version ||
				current.Originator != rcvd.Originator ||
				rcvd.TTLVersion <= current.TTLVersion {
				continue
			}
			current.TTLVersion = rcvd.TTLVersion
			current.TTL = rcvd.TTL
			keys[key] = current
			refresh := current
			refresh.Payload = nil
			accepted[key] = refresh
		} else {
			if exists && rcvd.Compare(current) <= 0 {
				continue
			}
			keys[key] = rcvd
			accepted[key] = rcvd
		}
		if rcvd.TTL != state.TTLInfinity {
			s.expiry.Set(areaKey{Area: area, Key: key}, struct{}{}, rcvd.TTL)
		} else {
			s.expiry.Delete(areaKey{Area: area, Key: key})
		}
	}
	s.mu.Unlock()

	if len(accepted) > 0 {
		_ = s.updates.TryPush(state.Publication{Area: area, KeyVals: accepted})
	}
	return nil
}

func (s *KvStore) expireKey(ak areaKey) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.areaMap(ak.Area), ak.Key)
	s.mu.Unlock()
	_ = s.updates.TryPush(state.Publication{
		Area:        ak.Area,
		KeyVals:     map[string]state.Value{},
		ExpiredKeys: []string{ak.Key},
	})
}
