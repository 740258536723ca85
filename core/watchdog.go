package core

import (
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sys/unix"

	"github.com/openfabric/fabricd/state"
)

// Watchdog monitors event-loop liveness and process memory. A loop that
// stops draining its dispatch queue beyond the thread timeout, or memory
// sustained above the limit, aborts the process so the supervisor restarts
// it with clean state.
type Watchdog struct {
	env  *state.Env
	loop *state.Loop

	monitored map[string]*state.Loop
	lastSeen  map[string]time.Time

	memExceededAt time.Time
}

func NewWatchdog(loops ...*state.Loop) *Watchdog {
	w := &Watchdog{
		monitored: make(map[string]*state.Loop),
		lastSeen:  make(map[string]time.Time),
	}
	for _, l := range loops {
		w.monitored[l.Name] = l
	}
	return w
}

func (w *Watchdog) Init(e *state.Env) error {
	w.env = e
	w.loop = state.NewLoop(e, "watchdog")
	now := time.Now()
	for name := range w.monitored {
		w.lastSeen[name] = now
	}
	w.loop.RepeatTask(w.check, e.Cfg.Watchdog.Interval)
	return nil
}

func (w *Watchdog) Run() error {
	return w.loop.Run()
}

func (w *Watchdog) Close() error {
	return nil
}

func (w *Watchdog) check() error {
	w.pingLoops()
	w.checkLoopLiveness()
	w.monitorMemory()
	return nil
}

// pingLoops bounces a heartbeat through every monitored loop. A healthy
// loop reflects it back; a wedged one leaves lastSeen to age out.
func (w *Watchdog) pingLoops() {
	for name, l := range w.monitored {
		go l.Dispatch(func() error {
			w.loop.Dispatch(func() error {
				w.lastSeen[name] = time.Now()
				return nil
			})
			return nil
		})
	}
}

func (w *Watchdog) checkLoopLiveness() {
	timeout := w.env.Cfg.Watchdog.ThreadTimeout
	for name, seen := range w.lastSeen {
		if age := time.Since(seen); age > timeout {
			w.fireCrash(fmt.Sprintf("loop %s unresponsive for %v (limit %v)", name, age, timeout))
			return
		}
	}
}

func (w *Watchdog) monitorMemory() {
	limitMB := w.env.Cfg.Watchdog.MaxMemoryMB
	if limitMB == 0 {
		return
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	usedMB := int64(ms.Sys / 1e6)

	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err == nil {
		w.env.Log.Debug("memory usage", "sys_mb", usedMB, "peak_rss_kb", ru.Maxrss)
	}

	if usedMB <= limitMB {
		w.memExceededAt = time.Time{}
		return
	}
	w.env.Log.Warn("memory usage critical", "used_mb", usedMB, "limit_mb", limitMB)
	if w.memExceededAt.IsZero() {
		w.memExceededAt = time.Now()
		return
	}
	if time.Since(w.memExceededAt) > state.MemoryThresholdTime {
		w.fireCrash(fmt.Sprintf("memory limit exceeded: used %dMB, limit %dMB", usedMB, limitMB))
	}
}

func (w *Watchdog) fireCrash(msg string) {
	w.env.Log.Error("watchdog aborting process", "reason", msg)
	w.env.Cancel(fmt.Errorf("watchdog: %s", msg))
}
