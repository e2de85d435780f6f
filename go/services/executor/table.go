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
	"fmt"
	"sync"
	"time"

	"github.com/multigres/multisplit/go/common/mterrors"
	"github.com/multigres/multisplit/go/common/sqltypes"
	"github.com/multigres/multisplit/go/common/wire"
)

// fragmentKey identifies one fragment of one query.
type fragmentKey struct {
	queryID  string
	fragment int32
}

func (k fragmentKey) String() string {
	return fmt.Sprintf("%s/%d", k.queryID, k.fragment)
}

// run is one execution of a fragment. Rows are appended as the source
// produces them and never removed, so a stream that attaches late replays
// from the first row.
type run struct {
	key       fragmentKey
	sql       string
	startedAt time.Time
	expiresAt time.Time
	cancel    context.CancelCauseFunc

	mu     sync.Mutex
	schema sqltypes.Schema
	rows   []*wire.Row
	done   bool
	err    error
	// cancelled is set by CancelQuery and wins over anything buffered.
	cancelled error
	// changed is closed and replaced on every update.
	changed chan struct{}
}

func newRun(key fragmentKey, sql string, now, expiresAt time.Time, cancel context.CancelCauseFunc) *run {
	return &run{
		key:       key,
		sql:       sql,
		startedAt: now,
		expiresAt: expiresAt,
		cancel:    cancel,
		changed:   make(chan struct{}),
	}
}

func (r *run) notifyLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

func (r *run) setSchema(s sqltypes.Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schema = s
	r.notifyLocked()
}

func (r *run) appendRows(rows []*wire.Row) {
	if len(rows) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, rows...)
	r.notifyLocked()
}

func (r *run) finish(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	r.err = err
	r.notifyLocked()
}

// abort cancels the execution and fails every stream of the run with err,
// including streams still replaying a completed run.
func (r *run) abort(err error) {
	r.cancel(err)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled == nil {
		r.cancelled = err
		r.notifyLocked()
	}
}

// runView is what a stream sees of a run at one instant.
type runView struct {
	schema    sqltypes.Schema
	rows      []*wire.Row
	done      bool
	err       error
	cancelled error
	changed   <-chan struct{}
}

// since returns the rows after the first from, with the run state at the
// same instant.
func (r *run) since(from int) runView {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := runView{
		schema:    r.schema,
		done:      r.done,
		err:       r.err,
		cancelled: r.cancelled,
		changed:   r.changed,
	}
	if from < len(r.rows) {
		v.rows = r.rows[from:len(r.rows):len(r.rows)]
	}
	return v
}

// fragmentTable maps (query, fragment) to its run, and remembers cancelled
// queries so a late open cannot restart them.
type fragmentTable struct {
	mu         sync.Mutex
	runs       map[fragmentKey]*run
	tombstones map[string]tombstone
}

type tombstone struct {
	reason    string
	expiresAt time.Time
}

func newFragmentTable() *fragmentTable {
	return &fragmentTable{
		runs:       make(map[fragmentKey]*run),
		tombstones: make(map[string]tombstone),
	}
}

// open returns the run for key, creating it with start when there is none.
// created reports whether this call created it; the caller then executes
// it. Opening a fragment of a cancelled query fails with a Cancelled error.
func (t *fragmentTable) open(key fragmentKey, now time.Time, start func() *run) (r *run, created bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ts, ok := t.tombstones[key.queryID]; ok && now.Before(ts.expiresAt) {
		return nil, false, mterrors.Errorf(mterrors.KindCancelled, "query %s was cancelled: %s", key.queryID, ts.reason)
	}
	if r, ok := t.runs[key]; ok {
		return r, false, nil
	}
	r = start()
	t.runs[key] = r
	return r, true, nil
}

// cancelQuery aborts every run of queryID and keeps a tombstone for the
// query until tombstoneUntil. It returns the number of runs aborted.
func (t *fragmentTable) cancelQuery(queryID, reason string, tombstoneUntil time.Time) int {
	t.mu.Lock()
	var victims []*run
	for k, r := range t.runs {
		if k.queryID == queryID {
			victims = append(victims, r)
			delete(t.runs, k)
		}
	}
	t.tombstones[queryID] = tombstone{reason: reason, expiresAt: tombstoneUntil}
	t.mu.Unlock()

	err := mterrors.Errorf(mterrors.KindCancelled, "query %s cancelled: %s", queryID, reason)
	for _, r := range victims {
		r.abort(err)
	}
	return len(victims)
}

// reap drops runs and tombstones that expired by now. Expired runs that are
// still executing are aborted.
func (t *fragmentTable) reap(now time.Time) []*run {
	t.mu.Lock()
	var expired []*run
	for k, r := range t.runs {
		if !now.Before(r.expiresAt) {
			expired = append(expired, r)
			delete(t.runs, k)
		}
	}
	for q, ts := range t.tombstones {
		if !now.Before(ts.expiresAt) {
			delete(t.tombstones, q)
		}
	}
	t.mu.Unlock()

	for _, r := range expired {
		r.abort(mterrors.Errorf(mterrors.KindTimeout, "fragment %s expired", r.key))
	}
	return expired
}

// abortAll aborts and drops every run.
func (t *fragmentTable) abortAll(err error) {
	t.mu.Lock()
	runs := t.runs
	t.runs = make(map[fragmentKey]*run)
	t.mu.Unlock()

	for _, r := range runs {
		r.abort(err)
	}
}

func (t *fragmentTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.runs)
}
