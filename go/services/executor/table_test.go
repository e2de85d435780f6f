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

package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multigres/multisplit/go/common/mterrors"
	"github.com/multigres/multisplit/go/common/sqltypes"
	"github.com/multigres/multisplit/go/common/wire"
)

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testRun(key fragmentKey, expiresAt time.Time) (*run, context.Context) {
	ctx, cancel := context.WithCancelCause(context.Background())
	return newRun(key, "SELECT 1", epoch, expiresAt, cancel), ctx
}

func TestFragmentTableOpensOnce(t *testing.T) {
	table := newFragmentTable()
	key := fragmentKey{queryID: "q-1", fragment: 0}

	starts := 0
	start := func() *run {
		starts++
		r, _ := testRun(key, epoch.Add(time.Minute))
		return r
	}

	first, created, err := table.open(key, epoch, start)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := table.open(key, epoch, start)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, first, second)

	_, created, err = table.open(fragmentKey{queryID: "q-1", fragment: 1}, epoch, start)
	require.NoError(t, err)
	assert.True(t, created)

	assert.Equal(t, 2, starts)
	assert.Equal(t, 2, table.size())
}

func TestFragmentTableCancelLeavesTombstone(t *testing.T) {
	table := newFragmentTable()
	key := fragmentKey{queryID: "q-1", fragment: 0}
	var runCtx context.Context
	r, _, err := table.open(key, epoch, func() *run {
		r, ctx := testRun(key, epoch.Add(time.Hour))
		runCtx = ctx
		return r
	})
	require.NoError(t, err)
	_, _, err = table.open(fragmentKey{queryID: "q-2"}, epoch, func() *run {
		r, _ := testRun(fragmentKey{queryID: "q-2"}, epoch.Add(time.Hour))
		return r
	})
	require.NoError(t, err)

	assert.Equal(t, 1, table.cancelQuery("q-1", "user asked", epoch.Add(time.Minute)))
	assert.Equal(t, 1, table.size(), "other queries keep running")

	assert.ErrorIs(t, context.Cause(runCtx), mterrors.ErrCancelled)
	v := r.since(0)
	require.Error(t, v.cancelled)
	assert.Contains(t, v.cancelled.Error(), "user asked")

	_, _, err = table.open(key, epoch.Add(time.Second), func() *run {
		t.Fatal("cancelled query must not restart")
		return nil
	})
	assert.ErrorIs(t, err, mterrors.ErrCancelled)

	// Once the tombstone expires the id is free again.
	table.reap(epoch.Add(2 * time.Minute))
	_, created, err := table.open(key, epoch.Add(2*time.Minute), func() *run {
		r, _ := testRun(key, epoch.Add(time.Hour))
		return r
	})
	require.NoError(t, err)
	assert.True(t, created)

	assert.Equal(t, 0, table.cancelQuery("q-unknown", "x", epoch), "cancelling an unknown query is not an error")
}

func TestFragmentTableReapAbortsExpiredRuns(t *testing.T) {
	table := newFragmentTable()
	short := fragmentKey{queryID: "q-1", fragment: 0}
	long := fragmentKey{queryID: "q-1", fragment: 1}

	var shortRun *run
	_, _, err := table.open(short, epoch, func() *run {
		shortRun, _ = testRun(short, epoch.Add(time.Minute))
		return shortRun
	})
	require.NoError(t, err)
	_, _, err = table.open(long, epoch, func() *run {
		r, _ := testRun(long, epoch.Add(time.Hour))
		return r
	})
	require.NoError(t, err)

	assert.Empty(t, table.reap(epoch.Add(59*time.Second)))
	expired := table.reap(epoch.Add(time.Minute))
	require.Len(t, expired, 1)
	assert.Same(t, shortRun, expired[0])
	assert.Equal(t, 1, table.size())
	assert.ErrorIs(t, shortRun.since(0).cancelled, mterrors.ErrTimeout)
}

func TestRunReplaysFromAnyCursor(t *testing.T) {
	r, _ := testRun(fragmentKey{queryID: "q"}, epoch.Add(time.Minute))

	v := r.since(0)
	assert.Nil(t, v.schema)
	changed := v.changed

	r.setSchema(sqltypes.Schema{{Name: "n", Type: sqltypes.Int64}})
	select {
	case <-changed:
	default:
		t.Fatal("setSchema must notify waiters")
	}

	rows := []*wire.Row{
		sqltypes.MakeRow([][]byte{[]byte("1")}).ToWire(),
		sqltypes.MakeRow([][]byte{[]byte("2")}).ToWire(),
		sqltypes.MakeRow([][]byte{[]byte("3")}).ToWire(),
	}
	r.appendRows(rows[:2])
	r.appendRows(nil)
	r.appendRows(rows[2:])

	assert.Len(t, r.since(0).rows, 3)
	assert.Equal(t, rows[1:], r.since(1).rows)
	assert.Empty(t, r.since(3).rows)

	r.finish(nil)
	r.finish(mterrors.New(mterrors.KindExecution, "late"))
	v = r.since(3)
	assert.True(t, v.done)
	assert.NoError(t, v.err, "first finish wins")
}
