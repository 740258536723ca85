package core

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"syscall"

	"github.com/encodeous/tint"
	slogmulti "github.com/samber/slog-multi"

	"github.com/openfabric/fabricd/state"
)

// Runtime bundles the running components. It doubles as the controller
// behind the introspection surface.
type Runtime struct {
	Env      *state.Env
	Kv       *KvClient
	Decision *Decision
	Fib      *Fib
	Watchdog *Watchdog

	// StaticRouteUpdates feeds operator static routes to the fib
	// programmer; only mpls upserts are honored there.
	StaticRouteUpdates *state.Queue[state.RouteUpdate]

	fibQueue *state.Queue[state.RouteUpdate]
	modules  []state.Module
}

func buildLogger(cfg *state.Config, logLevel slog.Level) (*slog.Logger, error) {
	handlers := []slog.Handler{
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:        logLevel,
			AddSource:    false,
			CustomPrefix: string(cfg.NodeName),
			ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
				if attr.Key == "time" {
					return slog.Attr{}
				}
				return attr
			},
		}),
	}
	if cfg.LogPath != "" {
		if err := os.MkdirAll(path.Dir(cfg.LogPath), 0700); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(cfg.LogPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0700)
		if err != nil {
			return nil, err
		}
		handlers = append(handlers, slog.NewTextHandler(f, &slog.HandlerOptions{Level: logLevel}))
	}
	return slog.New(slogmulti.Fanout(handlers...)), nil
}

// NewRuntime wires the components together without starting them. The
// caller owns the context.
func NewRuntime(ctx context.Context, cancel context.CancelCauseFunc, cfg *state.Config, store state.KvStore, agent FibAgent, logLevel slog.Level) (*Runtime, error) {
	logger, err := buildLogger(cfg, logLevel)
	if err != nil {
		return nil, err
	}
	env := &state.Env{
		Cfg:     cfg,
		Context: ctx,
		Cancel:  cancel,
		Log:     logger,
	}

	fibQueue := state.NewQueue[state.RouteUpdate](state.FibQueueDepth)
	staticQueue := state.NewQueue[state.RouteUpdate](state.FibQueueDepth)

	kv := NewKvClient(store)
	decision := NewDecision(kv, fibQueue)
	fib := NewFib(agent, kv, fibQueue, staticQueue)

	r := &Runtime{
		Env:                env,
		Kv:                 kv,
		Decision:           decision,
		Fib:                fib,
		StaticRouteUpdates: staticQueue,
		fibQueue:           fibQueue,
		modules:            []state.Module{kv, decision, fib},
	}

	for _, m := range r.modules {
		if err := m.Init(env); err != nil {
			return nil, err
		}
	}
	if cfg.Watchdog != nil {
		r.Watchdog = NewWatchdog(kv.Loop(), decision.Loop(), fib.Loop())
		if err := r.Watchdog.Init(env); err != nil {
			return nil, err
		}
		r.modules = append(r.modules, r.Watchdog)
	}
	return r, nil
}

// Run drives every module loop until the context is cancelled, then tears
// down in reverse init order.
func (r *Runtime) Run() error {
	for _, m := range r.modules {
		go func() {
			if err := m.Run(); err != nil {
				r.Env.Cancel(err)
			}
		}()
	}

	<-r.Env.Context.Done()
	r.Env.Log.Info("stopping", "reason", context.Cause(r.Env.Context).Error())

	r.fibQueue.Close()
	r.StaticRouteUpdates.Close()
	for i := len(r.modules) - 1; i >= 0; i-- {
		if err := r.modules[i].Close(); err != nil {
			r.Env.Log.Error("error occurred during cleanup", "error", err)
		}
	}
	if cause := context.Cause(r.Env.Context); !errors.Is(cause, context.Canceled) {
		return cause
	}
	return nil
}

// Start is the daemon entrypoint: wires the runtime, installs signal
// handling, and blocks until shutdown.
func Start(cfg *state.Config, store state.KvStore, agent FibAgent, logLevel slog.Level) error {
	ctx, cancel := context.WithCancelCause(context.Background())
	r, err := NewRuntime(ctx, cancel, cfg, store, agent, logLevel)
	if err != nil {
		cancel(err)
		return err
	}

	r.Env.Log.Info("fabricd initialized. To gracefully exit, send SIGINT or Ctrl+C.")
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)
	go func() {
		for range c {
			r.Env.Cancel(errors.New("received shutdown signal"))
		}
	}()

	return r.Run()
}
