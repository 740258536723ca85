package core

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfabric/fabricd/state"
)

func watchdogConfig(interval, timeout time.Duration) *state.Config {
	cfg := &state.Config{
		NodeName: "node1",
		Watchdog: &state.WatchdogCfg{
			Interval:      interval,
			ThreadTimeout: timeout,
		},
	}
	state.ExpandConfig(cfg)
	cfg.Watchdog.Interval = interval
	cfg.Watchdog.ThreadTimeout = timeout
	return cfg
}

func TestWatchdogHealthyLoop(t *testing.T) {
	env := newTestEnv(t, watchdogConfig(time.Millisecond*10, time.Millisecond*100))
	monitored := state.NewLoop(env, "worker")
	go monitored.Run()

	w := NewWatchdog(monitored)
	require.NoError(t, w.Init(env))
	go w.Run()

	select {
	case <-env.Context.Done():
		t.Fatalf("watchdog fired on a healthy loop: %v", context.Cause(env.Context))
	case <-time.After(time.Millisecond * 300):
	}
}

func TestWatchdogDetectsStuckLoop(t *testing.T) {
	env := newTestEnv(t, watchdogConfig(time.Millisecond*10, time.Millisecond*50))
	monitored := state.NewLoop(env, "worker")
	go monitored.Run()

	// wedge the loop until shutdown
	monitored.Dispatch(func() error {
		<-env.Context.Done()
		return nil
	})

	w := NewWatchdog(monitored)
	require.NoError(t, w.Init(env))
	go w.Run()

	select {
	case <-env.Context.Done():
		cause := context.Cause(env.Context)
		require.Error(t, cause)
		assert.True(t, strings.Contains(cause.Error(), "watchdog"), "unexpected cause: %v", cause)
	case <-time.After(time.Second * 2):
		t.Fatal("watchdog did not detect the stuck loop")
	}
}
