package state

import (
	"fmt"
	"time"

	"github.com/openfabric/fabricd/perf"
)

// Loop is a single-threaded cooperative scheduler. All state owned by a
// component must only be touched from functions dispatched onto its Loop.
type Loop struct {
	Name string
	env  *Env

	dispatch chan func() error
	done     chan struct{}
}

func NewLoop(e *Env, name string) *Loop {
	return &Loop{
		Name:     name,
		env:      e,
		dispatch: make(chan func() error, DispatchQueueDepth),
		done:     make(chan struct{}),
	}
}

// Dispatch queues the function to run on the loop without waiting for it to complete
func (l *Loop) Dispatch(fun func() error) {
	defer func() {
		if r := recover(); r != nil {
			l.env.Cancel(fmt.Errorf("panic: %v", r))
		}
	}()
	select {
	case l.dispatch <- fun:
	case <-l.env.Context.Done():
	}
}

// DispatchWait queues the function to run on the loop and waits for it to complete
func (l *Loop) DispatchWait(fun func() (any, error)) (any, error) {
	ret := make(chan Pair[any, error], 1)
	l.Dispatch(func() error {
		res, err := fun()
		ret <- Pair[any, error]{res, err}
		return err
	})
	select {
	case res := <-ret:
		return res.V1, res.V2
	case <-l.env.Context.Done():
		return nil, l.env.Context.Err()
	}
}

func (l *Loop) ScheduleTask(fun func() error, delay time.Duration) {
	time.AfterFunc(delay, func() {
		l.Dispatch(fun)
	})
}

func (l *Loop) repeatedTask(fun func() error, delay time.Duration) {
	for l.env.Context.Err() == nil {
		l.Dispatch(fun)
		select {
		case <-time.After(delay):
		case <-l.env.Context.Done():
		}
	}
}

func (l *Loop) RepeatTask(fun func() error, delay time.Duration) {
	go l.repeatedTask(fun, delay)
}

// Run processes dispatched tasks until the environment is cancelled.
func (l *Loop) Run() error {
	l.env.Log.Debug("started loop", "loop", l.Name)
	defer close(l.done)
	for {
		select {
		case fun := <-l.dispatch:
			start := time.Now()
			err := fun()
			if err != nil {
				l.env.Log.Error("error occurred during dispatch", "loop", l.Name, "error", err)
				l.env.Cancel(err)
			}
			elapsed := time.Since(start)
			perf.DispatchLatency.Add(float64(elapsed.Microseconds()))
			if elapsed > SlowDispatchThreshold {
				l.env.Log.Warn("dispatch took a long time!", "loop", l.Name, "elapsed", elapsed)
			}
		case <-l.env.Context.Done():
			l.env.Log.Debug("stopped loop", "loop", l.Name)
			return nil
		}
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
