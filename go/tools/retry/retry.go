// Copyright 2025 Supabase, Inc.
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

// Package retry paces repeated attempts with exponential backoff.
//
// It never decides whether an operation should be retried; callers own that
// policy. The bridge uses it to pace status polls while a query is planning.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// Timer abstracts time.After so tests can run without sleeping.
type Timer interface {
	After(d time.Duration) <-chan time.Time
}

type realTimer struct{}

func (realTimer) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Retry paces attempts. It is not safe for concurrent use, except for Reset.
type Retry struct {
	cfg     config
	attempt int
	timer   Timer
}

type config struct {
	baseDelay    time.Duration
	maxDelay     time.Duration
	initialDelay bool
	// honorDeadline makes StartAttempt fail right away when the next delay
	// would end after the context deadline.
	honorDeadline bool
	backoff       backoff
}

// Option configures a Retry.
type Option func(*config)

// WithInitialDelay waits before the first attempt too.
func WithInitialDelay() Option {
	return func(c *config) { c.initialDelay = true }
}

// WithoutJitter uses the computed exponential delay as is.
func WithoutJitter() Option {
	return func(c *config) {
		c.backoff = &exponentialBackoff{baseDelay: c.baseDelay, maxDelay: c.maxDelay, disableJitter: true}
	}
}

// WithDeadlineCheck makes StartAttempt return context.DeadlineExceeded
// without sleeping when the context deadline would pass during the delay.
func WithDeadlineCheck() Option {
	return func(c *config) { c.honorDeadline = true }
}

// New returns a Retry whose delays start at baseDelay and double up to
// maxDelay, with full jitter unless WithoutJitter is given.
// It panics on non-positive delays or baseDelay > maxDelay.
func New(baseDelay, maxDelay time.Duration, opts ...Option) *Retry {
	if baseDelay <= 0 {
		panic("retry: baseDelay must be positive")
	}
	if maxDelay <= 0 {
		panic("retry: maxDelay must be positive")
	}
	if baseDelay > maxDelay {
		panic("retry: baseDelay cannot be greater than maxDelay")
	}

	cfg := config{
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
		backoff:   newExponentialBackoff(baseDelay, maxDelay),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Retry{
		cfg:   cfg,
		timer: realTimer{},
	}
}

// StartAttempt waits for the backoff delay (except before the first attempt)
// and returns nil when the caller should try again, or the context error.
func (r *Retry) StartAttempt(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if r.attempt > 0 || r.cfg.initialDelay {
		delay := r.cfg.backoff.nextDelay()
		if r.cfg.honorDeadline {
			if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < delay {
				return context.DeadlineExceeded
			}
		}
		select {
		case <-r.timer.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	r.attempt++
	return nil
}

// Attempt returns the number of started attempts.
func (r *Retry) Attempt() int {
	return r.attempt
}

// Reset brings the delay back to baseDelay. The attempt counter keeps
// counting.
func (r *Retry) Reset() {
	r.cfg.backoff.reset()
}

// Attempts returns an iterator over attempts. The final pair carries the
// context error.
//
//	for attempt, err := range r.Attempts(ctx) {
//	    if err != nil {
//	        return fmt.Errorf("gave up after %d attempts: %w", attempt, err)
//	    }
//	    ...
//	}
func (r *Retry) Attempts(ctx context.Context) func(yield func(int, error) bool) {
	return func(yield func(int, error) bool) {
		for {
			err := r.StartAttempt(ctx)
			if !yield(r.attempt, err) || err != nil {
				return
			}
		}
	}
}

type backoff interface {
	// nextDelay returns the next delay and advances the state.
	nextDelay() time.Duration
	reset()
}

// exponentialBackoff computes baseDelay * 2^attempt capped at maxDelay, then
// picks uniformly in [0, delay) ("full jitter").
type exponentialBackoff struct {
	baseDelay     time.Duration
	maxDelay      time.Duration
	rng           *rand.Rand
	disableJitter bool

	mu      sync.Mutex
	attempt int
}

func newExponentialBackoff(baseDelay, maxDelay time.Duration) *exponentialBackoff {
	seed := uint64(time.Now().UnixNano())
	return &exponentialBackoff{
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
		rng:       rand.New(rand.NewPCG(seed, seed>>1)),
	}
}

func (e *exponentialBackoff) nextDelay() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	shift := min(e.attempt, 62)
	delay := e.maxDelay
	if int64(e.baseDelay) <= math.MaxInt64>>shift {
		delay = min(e.baseDelay<<shift, e.maxDelay)
	}
	if !e.disableJitter {
		delay = time.Duration(float64(delay) * e.rng.Float64())
	}
	e.attempt++
	return delay
}

func (e *exponentialBackoff) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attempt = 0
}
