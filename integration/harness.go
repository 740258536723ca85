package integration

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openfabric/fabricd/core"
	"github.com/openfabric/fabricd/mock"
	"github.com/openfabric/fabricd/state"
)

func testEnv(t *testing.T, cfg *state.Config) *state.Env {
	t.Helper()
	ctx, cancel := context.WithCancelCause(context.Background())
	t.Cleanup(func() { cancel(context.Canceled) })
	return &state.Env{
		Cfg:     cfg,
		Context: ctx,
		Cancel:  cancel,
		Log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func fibConfig(mods ...func(*state.Config)) *state.Config {
	cfg := &state.Config{NodeName: "node1", Areas: []state.AreaId{"0"}}
	state.ExpandConfig(cfg)
	for _, mod := range mods {
		mod(cfg)
	}
	return cfg
}

// fibFixture runs a fib programmer against a mock agent, fed by hand.
type fibFixture struct {
	t      *testing.T
	Fib    *core.Fib
	Agent  *mock.FibAgent
	Routes *state.Queue[state.RouteUpdate]
	Static *state.Queue[state.RouteUpdate]
}

func newFibFixture(t *testing.T, mods ...func(*state.Config)) *fibFixture {
	t.Helper()
	cfg := fibConfig(mods...)
	env := testEnv(t, cfg)
	agent := mock.NewFibAgent()
	routes := state.NewQueue[state.RouteUpdate](64)
	static := state.NewQueue[state.RouteUpdate](64)
	f := core.NewFib(agent, nil, routes, static)
	require.NoError(t, f.Init(env))
	go f.Run()
	return &fibFixture{t: t, Fib: f, Agent: agent, Routes: routes, Static: static}
}

// waitSynced waits for at least one full sync and for the sync activity to
// settle, so subsequent updates are programmed incrementally.
func (fx *fibFixture) waitSynced() {
	fx.t.Helper()
	require.Eventually(fx.t, func() bool {
		return fx.Agent.Counters().SyncFib >= 1
	}, time.Second*2, time.Millisecond*5)
	settled := fx.Agent.Counters().SyncFib
	require.Eventually(fx.t, func() bool {
		if n := fx.Agent.Counters().SyncFib; n != settled {
			settled = n
			return false
		}
		return true
	}, time.Second*2, time.Millisecond*50)
}

// fabricFixture runs the whole control plane against mock store and agent.
type fabricFixture struct {
	t        *testing.T
	Store    *mock.KvStore
	Agent    *mock.FibAgent
	Runtime  *core.Runtime
	Ctl      *core.Controller
	versions map[string]uint64
}

func newFabricFixture(t *testing.T, mods ...func(*state.Config)) *fabricFixture {
	t.Helper()
	cfg := &state.Config{
		NodeName: "node1",
		Areas:    []state.AreaId{"0"},
	}
	state.ExpandConfig(cfg)
	for _, mod := range mods {
		mod(cfg)
	}

	store := mock.NewKvStore()
	agent := mock.NewFibAgent()
	ctx, cancel := context.WithCancelCause(context.Background())

	r, err := core.NewRuntime(ctx, cancel, cfg, store, agent, slog.LevelError)
	require.NoError(t, err)
	go r.Run()

	t.Cleanup(func() {
		cancel(context.Canceled)
		store.Stop()
	})

	return &fabricFixture{
		t:        t,
		Store:    store,
		Agent:    agent,
		Runtime:  r,
		Ctl:      core.NewController(r),
		versions: make(map[string]uint64),
	}
}

// PublishAdjDb plays the role of a link monitor writing into the fabric.
func (fx *fabricFixture) PublishAdjDb(db *state.AdjacencyDatabase) {
	fx.t.Helper()
	payload, err := state.EncodePayload(db)
	require.NoError(fx.t, err)
	fx.publish(state.AdjKey(db.Node), db.Area, payload)
}

func (fx *fabricFixture) PublishPrefixDb(db *state.PrefixDatabase) {
	fx.t.Helper()
	payload, err := state.EncodePayload(db)
	require.NoError(fx.t, err)
	fx.publish(state.PrefixKey(db.Node), db.Area, payload)
}

func (fx *fabricFixture) publish(key string, area state.AreaId, payload []byte) {
	fx.versions[key]++
	require.NoError(fx.t, fx.Store.SetKeyVals(context.Background(), area, map[string]state.Value{
		key: {
			Version:    fx.versions[key],
			Originator: "linkmonitor",
			Payload:    payload,
			TTL:        state.TTLInfinity,
		},
	}))
}
