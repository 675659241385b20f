// Package scheduler drives task operators to exhaustion and couples
// collector completion to scheduler runs through a debounced trigger.
package scheduler

import (
	"context"
	"sync"
)

// Trigger coalesces concurrent wake-up signals into at most one running
// scheduler invocation. A signal arriving while a run is in flight causes
// exactly one additional run afterward; any number of signals during a run
// collapse into that single rerun.
type Trigger struct {
	run func(context.Context)
	ctx context.Context

	mu      sync.Mutex
	running bool
	rerun   bool
	wg      sync.WaitGroup
}

// NewTrigger wraps a scheduler run function. ctx bounds every run the
// trigger starts; cancel it only at process shutdown.
func NewTrigger(ctx context.Context, run func(context.Context)) *Trigger {
	return &Trigger{run: run, ctx: ctx}
}

// TriggerOrRerun starts a run if none is in flight, otherwise requests one
// rerun once the in-flight run completes. It never blocks on the run itself.
func (t *Trigger) TriggerOrRerun() {
	t.mu.Lock()
	if t.running {
		t.rerun = true
		t.mu.Unlock()
		return
	}
	t.running = true
	t.mu.Unlock()

	t.wg.Add(1)
	go t.loop()
}

func (t *Trigger) loop() {
	defer t.wg.Done()
	for {
		t.run(t.ctx)

		t.mu.Lock()
		if t.rerun && t.ctx.Err() == nil {
			t.rerun = false
			t.mu.Unlock()
			continue
		}
		t.running = false
		t.rerun = false
		t.mu.Unlock()
		return
	}
}

// Busy reports whether a run is currently in flight.
func (t *Trigger) Busy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Wait blocks until any in-flight run (and its pending rerun) completes.
// Used by tests and at shutdown.
func (t *Trigger) Wait() {
	t.wg.Wait()
}
