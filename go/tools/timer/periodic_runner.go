// Copyright 2019 The Vitess Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// Modifications Copyright 2025 Supabase, Inc.

// Package timer provides PeriodicRunner for running callbacks at regular
// intervals. The coordinator and executors use it to sweep expired sessions,
// queries and fragment runs.
package timer

import (
	"context"
	"sync"
	"time"
)

// PeriodicRunner runs a callback at regular intervals.
//
//   - the callback receives a context derived from the parent context
//   - Stop cancels that context and waits for an in-flight callback
//   - the next run is scheduled only after the current one returns
//   - Start/Stop/Start cycles are allowed
type PeriodicRunner struct {
	parentCtx context.Context
	interval  time.Duration

	mu       sync.Mutex
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	timer    *time.Timer
	wg       sync.WaitGroup
	callback func(ctx context.Context)
	// runMu serializes callback executions, including Trigger.
	runMu sync.Mutex
}

// NewPeriodicRunner creates a stopped PeriodicRunner.
func NewPeriodicRunner(ctx context.Context, interval time.Duration) *PeriodicRunner {
	return &PeriodicRunner{
		parentCtx: ctx,
		interval:  interval,
	}
}

// Start begins running callback every interval. Returns false if the runner
// was already running.
func (r *PeriodicRunner) Start(callback func(ctx context.Context)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return false
	}
	r.running = true
	r.callback = callback
	r.ctx, r.cancel = context.WithCancel(r.parentCtx)
	r.timer = time.AfterFunc(r.interval, r.execute)
	return true
}

// Stop cancels the callback context and waits for any in-flight callback.
// Stop is idempotent.
func (r *PeriodicRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.cancel()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.ctx, r.cancel, r.callback = nil, nil, nil
	r.mu.Unlock()

	r.wg.Wait()
}

// Running returns true if the runner is currently running.
func (r *PeriodicRunner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Trigger runs the callback now, outside the schedule, and returns when it
// completes. It is a no-op when the runner is stopped.
func (r *PeriodicRunner) Trigger() {
	callback, ctx, ok := r.begin()
	if !ok {
		return
	}
	defer r.wg.Done()
	r.run(ctx, callback)
}

// begin captures the callback and registers an execution with wg.
func (r *PeriodicRunner) begin() (func(context.Context), context.Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running || r.ctx == nil {
		return nil, nil, false
	}
	r.wg.Add(1)
	return r.callback, r.ctx, true
}

func (r *PeriodicRunner) run(ctx context.Context, callback func(context.Context)) {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if ctx.Err() != nil {
		return
	}
	callback(ctx)
}

func (r *PeriodicRunner) execute() {
	callback, ctx, ok := r.begin()
	if !ok {
		return
	}
	defer r.wg.Done()

	r.run(ctx, callback)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running && r.ctx == ctx {
		r.timer = time.AfterFunc(r.interval, r.execute)
	}
}
