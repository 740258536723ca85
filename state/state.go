package state

import (
	"context"
	"log/slog"
)

// Module is a long-running component owning its own event loop.
type Module interface {
	// Init wires the module into the environment. No loop is running yet.
	Init(e *Env) error
	// Run drives the module's event loop until the environment is cancelled.
	Run() error
	// Close releases module resources after Run has returned.
	Close() error
}

// Env can be read from any Goroutine
type Env struct {
	Cfg     *Config
	Context context.Context
	Cancel  context.CancelCauseFunc
	Log     *slog.Logger
}

func (e *Env) Cancelled() bool {
	return e.Context.Err() != nil
}
