package state

import "time"

const (
	// TTLInfinity marks a key that is never refreshed and never expires.
	TTLInfinity = time.Duration(-1)
)

var (
	DispatchQueueDepth    = 128
	SlowDispatchThreshold = time.Millisecond * 50

	// decision
	DecisionDebounceMin = time.Millisecond * 10
	FibQueueDepth       = 4096

	// fib programmer
	FibSyncBackoffInitial = time.Millisecond * 8
	FibSyncBackoffMax     = time.Second * 4
	KeepAliveInterval     = time.Second * 20
	FibUpdatesQueueDepth  = 1024

	// kv client
	KvThrottleTimeout     = time.Millisecond * 100
	KvMaxBackoff          = time.Second * 8
	KvInitialBackoff      = time.Millisecond * 64
	KvMaxTtlUpdateDelay   = time.Minute * 5
	CounterSubmitInterval = time.Second * 10

	// watchdog
	MemoryThresholdTime = time.Minute * 2

	// mpls prepend label space
	PrependLabelBase    = int32(60000)
	PrependLabelCeiling = int32(69999)
)
