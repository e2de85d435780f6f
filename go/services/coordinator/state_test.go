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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/multigres/multisplit/go/common/mterrors"
	"github.com/multigres/multisplit/go/common/sqltypes"
	"github.com/multigres/multisplit/go/common/wire"
)

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestUsers(t *testing.T) {
	users := NewUsers()
	require.NoError(t, users.Add("alice", "s3cret", bcrypt.MinCost))
	require.Error(t, users.Add("", "x", bcrypt.MinCost))

	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, users.AddHash("bob", string(hash)))
	require.Error(t, users.AddHash("carol", "not-a-hash"))

	assert.NoError(t, users.Authenticate("alice", "s3cret"))
	assert.NoError(t, users.Authenticate("bob", "hunter2"))

	for _, tc := range []struct {
		name      string
		principal string
		secret    string
	}{
		{"wrong secret", "alice", "nope"},
		{"unknown principal", "mallory", "s3cret"},
		{"empty secret", "bob", ""},
		{"rejected hash", "carol", "x"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := users.Authenticate(tc.principal, tc.secret)
			assert.ErrorIs(t, err, mterrors.ErrAuthentication)
		})
	}
}

func TestSessionTable(t *testing.T) {
	table := newSessionTable(time.Minute)
	s := table.open("alice", epoch)
	other := table.open("alice", epoch)
	assert.NotEqual(t, s.token, other.token)
	assert.Equal(t, 2, table.size())

	got, err := table.touch(s.token, epoch.Add(50*time.Second))
	require.NoError(t, err)
	assert.Equal(t, "alice", got.principal)

	// Use refreshes the idle timer.
	_, err = table.touch(s.token, epoch.Add(100*time.Second))
	require.NoError(t, err)

	_, err = table.touch(other.token, epoch.Add(100*time.Second))
	assert.ErrorIs(t, err, mterrors.ErrAuthentication)
	assert.Contains(t, err.Error(), "session expired")
	assert.Equal(t, 1, table.size())

	_, err = table.touch("bogus", epoch)
	assert.ErrorIs(t, err, mterrors.ErrAuthentication)

	assert.True(t, table.close(s.token))
	assert.False(t, table.close(s.token))
	_, err = table.touch(s.token, epoch)
	assert.ErrorIs(t, err, mterrors.ErrAuthentication)

	table.open("bob", epoch)
	table.open("carol", epoch.Add(30*time.Second))
	assert.Equal(t, 1, table.reap(epoch.Add(time.Minute)))
	assert.Equal(t, 1, table.size())
}

func TestQueryTransitions(t *testing.T) {
	tests := []struct {
		name string
		path []wire.QueryState
		// ok[i] is the expected outcome of moving to path[i].
		ok []bool
	}{
		{
			name: "planned then closed",
			path: []wire.QueryState{wire.QueryStateReady, wire.QueryStateClosed},
			ok:   []bool{true, true},
		},
		{
			name: "cancelled while planning",
			path: []wire.QueryState{wire.QueryStateCancelled, wire.QueryStateReady, wire.QueryStateClosed},
			ok:   []bool{true, false, true},
		},
		{
			name: "failed is terminal until closed",
			path: []wire.QueryState{wire.QueryStateFailed, wire.QueryStateCancelled, wire.QueryStateReady, wire.QueryStateClosed},
			ok:   []bool{true, false, false, true},
		},
		{
			name: "closed is final",
			path: []wire.QueryState{wire.QueryStateClosed, wire.QueryStateCancelled, wire.QueryStateClosed},
			ok:   []bool{true, false, false},
		},
		{
			name: "ready twice",
			path: []wire.QueryState{wire.QueryStateReady, wire.QueryStateReady},
			ok:   []bool{true, false},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			q := newQuery("q", "alice", "SELECT 1", 0, epoch, func() {})
			for i, to := range tc.path {
				_, ok := q.transition(to, nil, nil, nil)
				assert.Equal(t, tc.ok[i], ok, "transition %d to %s", i, to)
			}
		})
	}
}

func TestQueryStatusOnlyExposesPlanWhenReady(t *testing.T) {
	q := newQuery("q-1", "alice", "SELECT n FROM t", 0, epoch, func() {})
	st := q.status()
	assert.Equal(t, wire.QueryStatePlanning, st.State)
	assert.Equal(t, epoch.UnixMilli(), st.ExpiresAtMillis)
	assert.Nil(t, st.Fragments)

	schema := sqltypes.Schema{{Name: "n", Type: sqltypes.Int64}}
	frags := []*wire.Fragment{{Index: 0, Locations: []string{"exec-0"}, Plan: []byte("p")}}
	_, ok := q.transition(wire.QueryStateReady, nil, schema, frags)
	require.True(t, ok)

	st = q.status()
	assert.Equal(t, wire.QueryStateReady, st.State)
	assert.Equal(t, schema.ToWire(), st.Schema)
	assert.Equal(t, frags, st.Fragments)
	assert.Nil(t, st.Error)

	_, ok = q.transition(wire.QueryStateCancelled, mterrors.New(mterrors.KindCancelled, "stop"), nil, nil)
	require.True(t, ok)
	st = q.status()
	assert.Nil(t, st.Fragments)
	require.NotNil(t, st.Error)
	assert.ErrorIs(t, mterrors.FromRPCError(st.Error), mterrors.ErrCancelled)
}

func TestQueryWait(t *testing.T) {
	t.Run("returns at once without a known state", func(t *testing.T) {
		q := newQuery("q", "alice", "SELECT 1", 0, epoch, func() {})
		start := time.Now()
		require.NoError(t, q.wait(context.Background(), "", time.Hour))
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("returns at once when the state already differs", func(t *testing.T) {
		q := newQuery("q", "alice", "SELECT 1", 0, epoch, func() {})
		require.NoError(t, q.wait(context.Background(), wire.QueryStateReady, time.Hour))
	})

	t.Run("wakes on transition", func(t *testing.T) {
		q := newQuery("q", "alice", "SELECT 1", 0, epoch, func() {})
		go func() {
			time.Sleep(20 * time.Millisecond)
			q.transition(wire.QueryStateFailed, mterrors.New(mterrors.KindPlanning, "bad"), nil, nil)
		}()
		require.NoError(t, q.wait(context.Background(), wire.QueryStatePlanning, 10*time.Second))
		state, _ := q.current()
		assert.Equal(t, wire.QueryStateFailed, state)
	})

	t.Run("times out unchanged", func(t *testing.T) {
		q := newQuery("q", "alice", "SELECT 1", 0, epoch, func() {})
		require.NoError(t, q.wait(context.Background(), wire.QueryStatePlanning, 20*time.Millisecond))
		state, _ := q.current()
		assert.Equal(t, wire.QueryStatePlanning, state)
	})

	t.Run("honours the caller context", func(t *testing.T) {
		q := newQuery("q", "alice", "SELECT 1", 0, epoch, func() {})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := q.wait(ctx, wire.QueryStatePlanning, time.Hour)
		assert.ErrorIs(t, err, mterrors.ErrCancelled)
	})
}

func TestValidateReadOnly(t *testing.T) {
	tests := []struct {
		sql     string
		want    string
		wantErr string
	}{
		{sql: "SELECT * FROM t", want: "SELECT * FROM t"},
		{sql: "  select n from t;  ", want: "select n from t"},
		{sql: "WITH x AS (SELECT 1) SELECT * FROM x", want: "WITH x AS (SELECT 1) SELECT * FROM x"},
		{sql: "VALUES (1), (2)", want: "VALUES (1), (2)"},
		{sql: "SELECT(1)", want: "SELECT(1)"},
		{sql: "", wantErr: "empty query"},
		{sql: " ; ", wantErr: "empty query"},
		{sql: "SELECT * FROM t WHERE label = 'a;b'", want: "SELECT * FROM t WHERE label = 'a;b'"},
		{sql: `SELECT "odd;name" FROM t;`, want: `SELECT "odd;name" FROM t`},
		{sql: "SELECT 'it''s;' FROM t", want: "SELECT 'it''s;' FROM t"},
		{sql: "SELECT 1 /* a; b */ FROM t", want: "SELECT 1 /* a; b */ FROM t"},
		{sql: "SELECT 1 -- a; b\nFROM t", want: "SELECT 1 -- a; b\nFROM t"},
		{sql: "SELECT 1; SELECT 2", wantErr: "single statement"},
		{sql: "SELECT ';'; DROP TABLE t", wantErr: "single statement"},
		{sql: "DELETE FROM t", wantErr: "read-only"},
		{sql: "insert into t values (1)", wantErr: "read-only"},
		{sql: "SELECTED", wantErr: "read-only"},
	}
	for _, tc := range tests {
		t.Run(tc.sql, func(t *testing.T) {
			got, err := validateReadOnly(tc.sql)
			if tc.wantErr != "" {
				require.Error(t, err)
				assert.ErrorIs(t, err, mterrors.ErrPlanning)
				assert.Contains(t, err.Error(), tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
