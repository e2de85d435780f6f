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

package coordinator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/multigres/multisplit/go/common/mterrors"
	"github.com/multigres/multisplit/go/common/sqltypes"
	"github.com/multigres/multisplit/go/common/wire"
)

// query is one submitted query and its planning outcome.
type query struct {
	id        string
	principal string
	sql       string
	hint      int32
	expiresAt time.Time
	// stopPlanning cancels the planning goroutine.
	stopPlanning context.CancelFunc

	mu        sync.Mutex
	state     wire.QueryState
	err       error
	schema    sqltypes.Schema
	fragments []*wire.Fragment
	changed   chan struct{}
}

func newQuery(id, principal, sql string, hint int32, expiresAt time.Time, stopPlanning context.CancelFunc) *query {
	return &query{
		id:           id,
		principal:    principal,
		sql:          sql,
		hint:         hint,
		expiresAt:    expiresAt,
		stopPlanning: stopPlanning,
		state:        wire.QueryStatePlanning,
		changed:      make(chan struct{}),
	}
}

// allowed lists the transitions a query may take.
var allowed = map[wire.QueryState][]wire.QueryState{
	wire.QueryStatePlanning:  {wire.QueryStateReady, wire.QueryStateFailed, wire.QueryStateCancelled, wire.QueryStateClosed},
	wire.QueryStateReady:     {wire.QueryStateCancelled, wire.QueryStateClosed},
	wire.QueryStateFailed:    {wire.QueryStateClosed},
	wire.QueryStateCancelled: {wire.QueryStateClosed},
}

// transition moves the query to state and returns the state it left. ok is
// false when the move is not allowed; the query is then unchanged.
func (q *query) transition(to wire.QueryState, err error, schema sqltypes.Schema, fragments []*wire.Fragment) (from wire.QueryState, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	from = q.state
	for _, s := range allowed[from] {
		if s == to {
			ok = true
			break
		}
	}
	if !ok {
		return from, false
	}
	q.state = to
	if err != nil {
		q.err = err
	}
	if schema != nil {
		q.schema = schema
	}
	if fragments != nil {
		q.fragments = fragments
	}
	close(q.changed)
	q.changed = make(chan struct{})
	return from, true
}

func (q *query) current() (wire.QueryState, <-chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state, q.changed
}

// wait blocks until the state differs from known, d elapses, or ctx is
// done.
func (q *query) wait(ctx context.Context, known wire.QueryState, d time.Duration) error {
	if known == "" || d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		state, changed := q.current()
		if state != known {
			return nil
		}
		select {
		case <-changed:
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return mterrors.FromContext(ctx.Err(), "wait for query status")
		}
	}
}

func (q *query) status() *wire.GetQueryStatusResponse {
	q.mu.Lock()
	defer q.mu.Unlock()
	resp := &wire.GetQueryStatusResponse{
		QueryID:         q.id,
		State:           q.state,
		ExpiresAtMillis: q.expiresAt.UnixMilli(),
	}
	if q.err != nil {
		resp.Error = mterrors.ToRPCError(q.err)
	}
	if q.state == wire.QueryStateReady {
		resp.Schema = q.schema.ToWire()
		resp.Fragments = q.fragments
	}
	return resp
}

// readOnlyPrefixes are the statement keywords accepted for planning.
var readOnlyPrefixes = []string{"SELECT", "WITH", "VALUES"}

// validateReadOnly accepts a single SELECT-like statement. A trailing
// semicolon is dropped.
func validateReadOnly(sql string) (string, error) {
	stmt, rest := splitStatement(sql)
	stmt = strings.TrimSpace(stmt)
	if stmt == "" {
		return "", mterrors.New(mterrors.KindPlanning, "empty query")
	}
	if strings.TrimSpace(rest) != "" {
		return "", mterrors.New(mterrors.KindPlanning, "only a single statement can be planned")
	}
	first := strings.ToUpper(strings.Fields(stmt)[0])
	for _, p := range readOnlyPrefixes {
		if first == p || strings.HasPrefix(first, p+"(") {
			return stmt, nil
		}
	}
	return "", mterrors.Errorf(mterrors.KindPlanning, "only read-only queries can be planned, got %s", first)
}

// splitStatement cuts sql at the first semicolon outside quotes and
// comments. rest is what follows the semicolon.
func splitStatement(sql string) (stmt, rest string) {
	for i := 0; i < len(sql); i++ {
		switch c := sql[i]; {
		case c == '\'' || c == '"':
			// A doubled quote inside a literal reads as close then reopen.
			end := strings.IndexByte(sql[i+1:], c)
			if end < 0 {
				return sql, ""
			}
			i += end + 1
		case c == '-' && strings.HasPrefix(sql[i:], "--"):
			end := strings.IndexByte(sql[i:], '\n')
			if end < 0 {
				return sql, ""
			}
			i += end
		case c == '/' && strings.HasPrefix(sql[i:], "/*"):
			end := strings.Index(sql[i+2:], "*/")
			if end < 0 {
				return sql, ""
			}
			i += end + 3
		case c == ';':
			return sql[:i], sql[i+1:]
		}
	}
	return sql, ""
}
