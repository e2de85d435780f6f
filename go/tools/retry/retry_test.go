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

package retry

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTimer records requested delays and fires immediately.
type fakeTimer struct {
	delays []time.Duration
}

func (f *fakeTimer) After(d time.Duration) <-chan time.Time {
	f.delays = append(f.delays, d)
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

// blockingTimer never fires.
type blockingTimer struct{}

func (blockingTimer) After(time.Duration) <-chan time.Time {
	return make(chan time.Time)
}

func TestNewPanicsOnBadDelays(t *testing.T) {
	assert.Panics(t, func() { New(0, time.Second) })
	assert.Panics(t, func() { New(time.Second, 0) })
	assert.Panics(t, func() { New(2*time.Second, time.Second) })
}

func TestStartAttemptNoDelayOnFirstAttempt(t *testing.T) {
	r := New(10*time.Millisecond, time.Second, WithoutJitter())
	ft := &fakeTimer{}
	r.timer = ft

	require.NoError(t, r.StartAttempt(context.Background()))
	assert.Equal(t, 1, r.Attempt())
	assert.Empty(t, ft.delays)
}

func TestStartAttemptExponentialWithoutJitter(t *testing.T) {
	r := New(10*time.Millisecond, 50*time.Millisecond, WithoutJitter())
	ft := &fakeTimer{}
	r.timer = ft

	for range 6 {
		require.NoError(t, r.StartAttempt(context.Background()))
	}
	assert.Equal(t, []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		50 * time.Millisecond,
		50 * time.Millisecond,
	}, ft.delays)
	assert.Equal(t, 6, r.Attempt())
}

func TestInitialDelay(t *testing.T) {
	r := New(10*time.Millisecond, time.Second, WithoutJitter(), WithInitialDelay())
	ft := &fakeTimer{}
	r.timer = ft

	require.NoError(t, r.StartAttempt(context.Background()))
	assert.Equal(t, []time.Duration{10 * time.Millisecond}, ft.delays)
}

func TestReset(t *testing.T) {
	r := New(10*time.Millisecond, time.Second, WithoutJitter())
	ft := &fakeTimer{}
	r.timer = ft

	for range 3 {
		require.NoError(t, r.StartAttempt(context.Background()))
	}
	r.Reset()
	require.NoError(t, r.StartAttempt(context.Background()))

	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 10 * time.Millisecond}, ft.delays)
	assert.Equal(t, 4, r.Attempt())
}

func TestStartAttemptCancelledContext(t *testing.T) {
	r := New(10*time.Millisecond, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, r.StartAttempt(ctx), context.Canceled)
	assert.Equal(t, 0, r.Attempt())
}

func TestStartAttemptCancelledWhileWaiting(t *testing.T) {
	r := New(10*time.Millisecond, time.Second)
	r.timer = blockingTimer{}
	require.NoError(t, r.StartAttempt(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.StartAttempt(ctx), context.DeadlineExceeded)
}

func TestDeadlineCheckFailsFast(t *testing.T) {
	r := New(time.Hour, time.Hour, WithoutJitter(), WithDeadlineCheck())
	r.timer = blockingTimer{}
	require.NoError(t, r.StartAttempt(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	start := time.Now()
	assert.ErrorIs(t, r.StartAttempt(ctx), context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAttemptsIterator(t *testing.T) {
	r := New(time.Millisecond, time.Millisecond)
	r.timer = &fakeTimer{}

	var seen []int
	for attempt, err := range r.Attempts(context.Background()) {
		require.NoError(t, err)
		seen = append(seen, attempt)
		if attempt == 3 {
			break
		}
	}
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestAttemptsIteratorStopsOnError(t *testing.T) {
	r := New(time.Millisecond, time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var errs []error
	for _, err := range r.Attempts(ctx) {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], context.Canceled)
}

func TestFullJitterStaysInRange(t *testing.T) {
	b := &exponentialBackoff{
		baseDelay: 10 * time.Millisecond,
		maxDelay:  80 * time.Millisecond,
		rng:       rand.New(rand.NewPCG(1, 2)),
	}
	ceilings := []time.Duration{10, 20, 40, 80, 80}
	for _, c := range ceilings {
		d := b.nextDelay()
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.Less(t, d, c*time.Millisecond)
	}
}

func TestBackoffOverflowCapsAtMax(t *testing.T) {
	b := &exponentialBackoff{baseDelay: time.Second, maxDelay: time.Hour, disableJitter: true, attempt: 100}
	assert.Equal(t, time.Hour, b.nextDelay())
}
