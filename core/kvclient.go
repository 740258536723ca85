package core

import (
	"strings"
	"time"

	"github.com/openfabric/fabricd/perf"
	"github.com/openfabric/fabricd/state"
)

// KeyCallback observes the lifecycle of one store key. A nil value means
// the key expired.
type KeyCallback func(area state.AreaId, key string, value *state.Value)

type ttlEntry struct {
	// val is the TTL-refresh shadow of the key: same version coordinates,
	// no payload.
	val     state.Value
	backoff state.ExponentialBackoff
}

// KvClient keeps locally-originated keys alive in the gossip store and
// dispatches inbound updates to subscribers. Monotonic versioning is the
// core invariant: whatever the fabric reflects back, the locally persisted
// value always wins by (version, originator, ttl-version).
type KvClient struct {
	env   *state.Env
	loop  *state.Loop
	store state.KvStore

	persisted       map[state.AreaId]map[string]*state.Value
	backoffs        map[state.AreaId]map[string]*state.ExponentialBackoff
	ttlBackoffs     map[state.AreaId]map[string]*ttlEntry
	keysToAdvertise map[state.AreaId]map[string]bool
	callbacks       map[state.AreaId]map[string]KeyCallback

	filterPrefixes []string
	filterCb       KeyCallback

	advertiseArmed bool
	ttlArmed       bool
}

func NewKvClient(store state.KvStore) *KvClient {
	return &KvClient{store: store}
}

func (c *KvClient) Init(e *state.Env) error {
	c.env = e
	c.loop = state.NewLoop(e, "kvclient")
	c.persisted = make(map[state.AreaId]map[string]*state.Value)
	c.backoffs = make(map[state.AreaId]map[string]*state.ExponentialBackoff)
	c.ttlBackoffs = make(map[state.AreaId]map[string]*ttlEntry)
	c.keysToAdvertise = make(map[state.AreaId]map[string]bool)
	c.callbacks = make(map[state.AreaId]map[string]KeyCallback)

	c.loop.RepeatTask(func() error {
		c.env.Log.Debug("kvclient counters",
			"persisted", c.persistedKeyCount(),
			"to_advertise", c.advertiseKeyCount(),
			"ttl_backoffs", c.ttlBackoffCount())
		return nil
	}, state.CounterSubmitInterval)
	return nil
}

func (c *KvClient) Run() error {
	go func() {
		updates := c.store.Updates()
		for {
			pub, err := updates.Pop(c.env.Context)
			if err != nil {
				c.env.Log.Debug("kv updates reader terminating", "error", err)
				return
			}
			c.loop.Dispatch(func() error {
				c.processPublication(pub)
				return nil
			})
		}
	}()
	return c.loop.Run()
}

func (c *KvClient) Close() error {
	return nil
}

func (c *KvClient) Loop() *state.Loop {
	return c.loop
}

func (c *KvClient) area(m map[state.AreaId]map[string]KeyCallback, area state.AreaId) map[string]KeyCallback {
	if m[area] == nil {
		m[area] = make(map[string]KeyCallback)
	}
	return m[area]
}

func (c *KvClient) persistedArea(area state.AreaId) map[string]*state.Value {
	if c.persisted[area] == nil {
		c.persisted[area] = make(map[string]*state.Value)
	}
	return c.persisted[area]
}

func (c *KvClient) backoffsArea(area state.AreaId) map[string]*state.ExponentialBackoff {
	if c.backoffs[area] == nil {
		c.backoffs[area] = make(map[string]*state.ExponentialBackoff)
	}
	return c.backoffs[area]
}

func (c *KvClient) ttlArea(area state.AreaId) map[string]*ttlEntry {
	if c.ttlBackoffs[area] == nil {
		c.ttlBackoffs[area] = make(map[string]*ttlEntry)
	}
	return c.ttlBackoffs[area]
}

func (c *KvClient) advertiseArea(area state.AreaId) map[string]bool {
	if c.keysToAdvertise[area] == nil {
		c.keysToAdvertise[area] = make(map[string]bool)
	}
	return c.keysToAdvertise[area]
}

// Set persists a key this node originates. With version zero the store is
// consulted: an existing key is overwritten one version higher, a missing
// one starts at version 1. The key's TTL is refreshed indefinitely until
// Unset.
func (c *KvClient) Set(area state.AreaId, key string, payload []byte, version uint64, ttl time.Duration) error {
	_, err := c.loop.DispatchWait(func() (any, error) {
		return nil, c.setInLoop(area, key, payload, version, ttl)
	})
	return err
}

func (c *KvClient) setInLoop(area state.AreaId, key string, payload []byte, version uint64, ttl time.Duration) error {
	if version == 0 {
		version = 1
		if existing, err := c.getFromStore(area, key); err == nil && existing != nil {
			version = existing.Version + 1
		}
	}
	val := &state.Value{
		Version:    version,
		Originator: string(c.env.Cfg.NodeName),
		Payload:    payload,
		TTL:        ttl,
	}
	persisted := c.persistedArea(area)
	if old, ok := persisted[key]; ok && old.SamePayload(*val) && old.Version >= val.Version {
		// identical payload already persisted at an equal or higher version
		return nil
	}
	persisted[key] = val
	backoff := state.NewExponentialBackoff(state.KvInitialBackoff, state.KvMaxBackoff)
	c.backoffsArea(area)[key] = &backoff
	c.advertiseArea(area)[key] = true
	c.scheduleTtlUpdates(area, key, val.Version, 0, ttl, false)
	c.advertisePendingKeys()
	return nil
}

// SetOnce writes a key without persisting it: the TTL keeps being
// refreshed, but a foreign update that wins the ordering takes the key over
// for good.
func (c *KvClient) SetOnce(area state.AreaId, key string, payload []byte, version uint64, ttl time.Duration) error {
	_, err := c.loop.DispatchWait(func() (any, error) {
		if version == 0 {
			version = 1
			if existing, err := c.getFromStore(area, key); err == nil && existing != nil {
				version = existing.Version + 1
			}
		}
		val := state.Value{
			Version:    version,
			Originator: string(c.env.Cfg.NodeName),
			Payload:    payload,
			TTL:        ttl,
		}
		if err := c.store.SetKeyVals(c.env.Context, area, map[string]state.Value{key: val}); err != nil {
			return nil, err
		}
		c.scheduleTtlUpdates(area, key, val.Version, 0, ttl, false)
		return nil, nil
	})
	return err
}

// Unset stops maintaining a key. The store copy is left to expire by TTL.
func (c *KvClient) Unset(area state.AreaId, key string) {
	c.loop.Dispatch(func() error {
		delete(c.persistedArea(area), key)
		delete(c.backoffsArea(area), key)
		delete(c.ttlArea(area), key)
		delete(c.advertiseArea(area), key)
		return nil
	})
}

// Get is a blocking read against the store.
func (c *KvClient) Get(area state.AreaId, key string) (*state.Value, error) {
	return c.getFromStore(area, key)
}

func (c *KvClient) getFromStore(area state.AreaId, key string) (*state.Value, error) {
	keyVals, err := c.store.GetKeyVals(c.env.Context, area, []string{key})
	if err != nil {
		return nil, err
	}
	if val, ok := keyVals[key]; ok {
		return &val, nil
	}
	return nil, nil
}

// Dump returns every store key under the given prefix.
func (c *KvClient) Dump(area state.AreaId, prefix string) (map[string]state.Value, error) {
	return c.store.DumpKeyVals(c.env.Context, area, prefix)
}

// Subscribe registers a per-key callback. With fetch the current store
// value is returned.
func (c *KvClient) Subscribe(area state.AreaId, key string, cb KeyCallback, fetch bool) (*state.Value, error) {
	_, err := c.loop.DispatchWait(func() (any, error) {
		c.area(c.callbacks, area)[key] = cb
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	if !fetch {
		return nil, nil
	}
	return c.getFromStore(area, key)
}

func (c *KvClient) Unsubscribe(area state.AreaId, key string) {
	c.loop.Dispatch(func() error {
		if _, ok := c.area(c.callbacks, area)[key]; !ok {
			c.env.Log.Warn("unsubscribe for unknown key", "key", key)
		}
		delete(c.area(c.callbacks, area), key)
		return nil
	})
}

// SubscribeFilter installs the single global prefix-filter handler.
func (c *KvClient) SubscribeFilter(prefixes []string, cb KeyCallback) {
	c.loop.Dispatch(func() error {
		c.filterPrefixes = prefixes
		c.filterCb = cb
		return nil
	})
}

func (c *KvClient) UnsubscribeFilter() {
	c.loop.Dispatch(func() error {
		c.filterPrefixes = nil
		c.filterCb = nil
		return nil
	})
}

func (c *KvClient) filterMatch(key string) bool {
	if c.filterCb == nil {
		return false
	}
	if len(c.filterPrefixes) == 0 {
		return true
	}
	for _, p := range c.filterPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// processPublication reconciles one batch of store updates against the
// locally persisted keys.
func (c *KvClient) processPublication(pub state.Publication) {
	persisted := c.persistedArea(pub.Area)
	ttlBackoffs := c.ttlArea(pub.Area)
	keysToAdvertise := c.advertiseArea(pub.Area)
	callbacks := c.area(c.callbacks, pub.Area)
	self := string(c.env.Cfg.NodeName)

	for key, rcvd := range pub.KeyVals {
		if rcvd.Payload == nil {
			// ttl refresh of someone else's key
			continue
		}
		current, isPersisted := persisted[key]
		sk, hasTtl := ttlBackoffs[key]
		cb := callbacks[key]

		// key set with finite ttl but not persisted
		if hasTtl && !isPersisted {
			setValue := &sk.val
			if rcvd.Version > setValue.Version ||
				(rcvd.Version == setValue.Version && rcvd.Originator > setValue.Originator) {
				// key lost, cancel ttl refresh
				delete(ttlBackoffs, key)
			} else if rcvd.Version == setValue.Version && rcvd.Originator == setValue.Originator &&
				rcvd.TTLVersion > setValue.TTLVersion {
				c.env.Log.Debug("bumping ttl version",
					"key", key, "to", rcvd.TTLVersion+1, "from", setValue.TTLVersion)
				setValue.TTLVersion = rcvd.TTLVersion + 1
			}
		}

		if !isPersisted {
			if cb != nil {
				cb(pub.Area, key, &rcvd)
			}
			if c.filterMatch(key) {
				c.filterCb(pub.Area, key, &rcvd)
			}
			continue
		}

		// strictly old versions carry no information
		if current.Version > rcvd.Version {
			continue
		}

		valueChange := false
		if current.Version < rcvd.Version {
			// somebody raced ahead; take ownership back above them
			current.Originator = self
			current.Version = rcvd.Version + 1
			current.TTLVersion = 0
			valueChange = true
		}

		// same version, different originator: re-advertise higher
		if !valueChange && rcvd.Originator != self {
			current.Originator = self
			current.Version++
			current.TTLVersion = 0
			valueChange = true
		}

		// our own update reflected back with a stale payload
		if !valueChange && !current.SamePayload(rcvd) {
			current.Originator = self
			current.Version++
			current.TTLVersion = 0
			valueChange = true
		}

		if hasTtl {
			current.TTLVersion = sk.val.TTLVersion
		}
		if current.TTLVersion < rcvd.TTLVersion {
			current.TTLVersion = rcvd.TTLVersion
			if hasTtl {
				sk.val.TTLVersion = rcvd.TTLVersion
			}
		}

		if valueChange {
			if hasTtl {
				sk.val.Version = current.Version
				sk.val.TTLVersion = current.TTLVersion
			}
			if cb != nil {
				cb(pub.Area, key, current)
			}
			keysToAdvertise[key] = true
		}
	}

	c.advertisePendingKeys()

	if len(pub.ExpiredKeys) > 0 {
		c.processExpiredKeys(pub)
	}
}

func (c *KvClient) processExpiredKeys(pub state.Publication) {
	callbacks := c.area(c.callbacks, pub.Area)
	for _, key := range pub.ExpiredKeys {
		if cb, ok := callbacks[key]; ok {
			cb(pub.Area, key, nil)
		}
		if c.filterMatch(key) {
			c.filterCb(pub.Area, key, nil)
		}
	}
}

// advertisePendingKeys pushes every pending key whose backoff permits, then
// re-arms the coalescing timer for the earliest retry.
func (c *KvClient) advertisePendingKeys() {
	timeout := state.KvMaxBackoff

	for area, keysToAdvertise := range c.keysToAdvertise {
		if len(keysToAdvertise) == 0 {
			continue
		}
		persisted := c.persistedArea(area)
		backoffs := c.backoffsArea(area)

		keyVals := make(map[string]state.Value)
		var keysToClear []string
		for key := range keysToAdvertise {
			val, ok := persisted[key]
			if !ok {
				delete(keysToAdvertise, key)
				continue
			}
			backoff := backoffs[key]
			if backoff == nil {
				b := state.NewExponentialBackoff(state.KvInitialBackoff, state.KvMaxBackoff)
				backoffs[key] = &b
				backoff = &b
			}
			if !backoff.CanTryNow() {
				timeout = min(timeout, backoff.TimeRemainingUntilRetry())
				continue
			}
			backoff.ReportError()
			timeout = min(timeout, backoff.TimeRemainingUntilRetry())
			keyVals[key] = *val
			keysToClear = append(keysToClear, key)
		}
		if len(keyVals) == 0 {
			continue
		}
		if err := c.store.SetKeyVals(c.env.Context, area, keyVals); err != nil {
			perf.KvAdvertiseFailures.Add(1)
			c.env.Log.Warn("failed to advertise keys, will retry", "area", area, "error", err)
			continue
		}
		perf.KvKeysAdvertised.Add(float64(len(keyVals)))
		for _, key := range keysToClear {
			delete(keysToAdvertise, key)
		}
	}

	c.armAdvertiseTimer(timeout)
}

// armAdvertiseTimer schedules the next advertise pass, which also clears
// backoffs that have run out.
func (c *KvClient) armAdvertiseTimer(timeout time.Duration) {
	if c.advertiseArmed {
		return
	}
	c.advertiseArmed = true
	c.loop.ScheduleTask(func() error {
		c.advertiseArmed = false
		c.advertisePendingKeys()
		for _, backoffs := range c.backoffs {
			for _, backoff := range backoffs {
				if backoff.CanTryNow() {
					backoff.ReportSuccess()
				}
			}
		}
		return nil
	}, max(timeout, state.KvThrottleTimeout))
}

// scheduleTtlUpdates arms the ttl refresh for one key. Infinite-ttl keys
// are dropped from the refresh cycle entirely.
func (c *KvClient) scheduleTtlUpdates(area state.AreaId, key string, version, ttlVersion uint64, ttl time.Duration, advertiseImmediately bool) {
	ttlBackoffs := c.ttlArea(area)
	if ttl == state.TTLInfinity {
		delete(ttlBackoffs, key)
		return
	}
	entry := &ttlEntry{
		val: state.Value{
			Version:    version,
			Originator: string(c.env.Cfg.NodeName),
			TTL:        ttl,
			TTLVersion: ttlVersion,
		},
		// renew about every ttl/4, i.e. several tries before expiry
		backoff: state.NewExponentialBackoff(ttl/4, ttl/4+time.Millisecond),
	}
	if !advertiseImmediately {
		entry.backoff.ReportError()
	}
	ttlBackoffs[key] = entry
	c.armTtlTimer(state.KvThrottleTimeout)
}

// advertiseTtlUpdates emits payload-less refreshes for every due key.
func (c *KvClient) advertiseTtlUpdates() {
	timeout := state.KvMaxTtlUpdateDelay

	for area, ttlBackoffs := range c.ttlBackoffs {
		persisted := c.persistedArea(area)
		keyVals := make(map[string]state.Value)
		for key, entry := range ttlBackoffs {
			if !entry.backoff.CanTryNow() {
				timeout = min(timeout, entry.backoff.TimeRemainingUntilRetry())
				continue
			}
			entry.backoff.ReportError()
			timeout = min(timeout, entry.backoff.TimeRemainingUntilRetry())

			if val, ok := persisted[key]; ok && entry.val.Version < val.Version {
				// the persisted key moved on; catch the refresh up
				entry.val.Version = val.Version
				entry.val.TTLVersion = val.TTLVersion
			}
			entry.val.TTLVersion++
			keyVals[key] = entry.val
		}
		if len(keyVals) == 0 {
			continue
		}
		if err := c.store.SetKeyVals(c.env.Context, area, keyVals); err != nil {
			perf.KvAdvertiseFailures.Add(1)
			c.env.Log.Warn("failed to advertise ttl updates", "area", area, "error", err)
			continue
		}
		perf.KvTtlRefreshes.Add(float64(len(keyVals)))
	}

	c.armTtlTimer(timeout)
}

func (c *KvClient) armTtlTimer(timeout time.Duration) {
	if c.ttlArmed {
		return
	}
	c.ttlArmed = true
	c.loop.ScheduleTask(func() error {
		c.ttlArmed = false
		c.advertiseTtlUpdates()
		return nil
	}, max(timeout, state.KvThrottleTimeout))
}

func (c *KvClient) persistedKeyCount() int {
	n := 0
	for _, keys := range c.persisted {
		n += len(keys)
	}
	return n
}

func (c *KvClient) advertiseKeyCount() int {
	n := 0
	for _, keys := range c.keysToAdvertise {
		n += len(keys)
	}
	return n
}

func (c *KvClient) ttlBackoffCount() int {
	n := 0
	for _, keys := range c.ttlBackoffs {
		n += len(keys)
	}
	return n
}
