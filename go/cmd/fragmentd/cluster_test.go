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

package main

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/multigres/multisplit/go/bridge"
	"github.com/multigres/multisplit/go/bridge/reader"
	"github.com/multigres/multisplit/go/bridge/splits"
	"github.com/multigres/multisplit/go/bridge/submitter"
	"github.com/multigres/multisplit/go/common/sqltypes"
	"github.com/multigres/multisplit/go/test/utils"
)

const sampleClusterFile = `
users:
  - principal: analyst
    secret: s3cret
executors:
  - name: exec-a
    listen: exec-a
    advertise: passthrough:///exec-a
  - name: exec-b
    listen: exec-b
    advertise: passthrough:///exec-b
tables:
  - name: events
    columns:
      - {name: id, type: INT64}
      - {name: kind, type: string}
      - {name: score, type: FLOAT64}
      - {name: day, type: DATE}
    rows:
      - [1, click, 1.5, 2024-03-01]
      - [2, view, 2, 2024-03-02]
      - [3, click, null, null]
`

func writeFile(t *testing.T, content string) (afero.Fs, string) {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/cluster.yaml", []byte(content), 0o644))
	return fs, "/etc/cluster.yaml"
}

func TestLoadClusterFile(t *testing.T) {
	fs, path := writeFile(t, sampleClusterFile)
	cf, err := LoadClusterFile(fs, path)
	require.NoError(t, err)

	require.Len(t, cf.Users, 1)
	require.Len(t, cf.Executors, 2)
	assert.Equal(t, "passthrough:///exec-b", cf.Executors[1].advertised())

	require.Len(t, cf.Tables, 1)
	schema, err := cf.Tables[0].Schema()
	require.NoError(t, err)
	assert.Equal(t, sqltypes.Schema{
		{Name: "id", Type: sqltypes.Int64},
		{Name: "kind", Type: sqltypes.String},
		{Name: "score", Type: sqltypes.Float64},
		{Name: "day", Type: sqltypes.Date},
	}, schema)

	rows, err := cf.Tables[0].Values()
	require.NoError(t, err)
	assert.Equal(t, [][]any{
		{int64(1), "click", 1.5, "2024-03-01"},
		{int64(2), "view", float64(2), "2024-03-02"},
		{int64(3), "click", nil, nil},
	}, rows)
}

func TestLoadClusterFileErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "not yaml",
			content: "users: [",
			wantErr: "parse cluster file",
		},
		{
			name:    "empty",
			content: "{}",
			wantErr: "no users",
		},
		{
			name: "user with secret and hash",
			content: `
users: [{principal: a, secret: x, bcrypt_hash: y}]
executors: [{name: e, listen: ":1"}]`,
			wantErr: "exactly one of secret and bcrypt_hash",
		},
		{
			name: "duplicate executor",
			content: `
users: [{principal: a, secret: x}]
executors: [{name: e, listen: ":1"}, {name: e, listen: ":2"}]`,
			wantErr: "duplicate name",
		},
		{
			name: "postgres without dsn",
			content: `
users: [{principal: a, secret: x}]
executors: [{name: e, listen: ":1", driver: postgres}]`,
			wantErr: "postgres needs a dsn",
		},
		{
			name: "unknown column type",
			content: `
users: [{principal: a, secret: x}]
executors: [{name: e, listen: ":1"}]
tables: [{name: t, columns: [{name: c, type: DECIMAL}]}]`,
			wantErr: "column c",
		},
		{
			name: "short row",
			content: `
users: [{principal: a, secret: x}]
executors: [{name: e, listen: ":1"}]
tables: [{name: t, columns: [{name: a, type: INT64}, {name: b, type: INT64}], rows: [[1]]}]`,
			wantErr: "1 values for 2 columns",
		},
		{
			name: "wrong value type",
			content: `
users: [{principal: a, secret: x}]
executors: [{name: e, listen: ":1"}]
tables: [{name: t, columns: [{name: a, type: INT64}], rows: [[abc]]}]`,
			wantErr: "cannot use abc",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fs, path := writeFile(t, tc.content)
			_, err := LoadClusterFile(fs, path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}

	_, err := LoadClusterFile(afero.NewMemMapFs(), "/missing.yaml")
	assert.Error(t, err)
}

func TestConvertValue(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		typ     sqltypes.Type
		in      any
		want    any
		wantErr bool
	}{
		{sqltypes.Int32, 7, int64(7), false},
		{sqltypes.Int64, nil, nil, false},
		{sqltypes.Int64, 1.5, nil, true},
		{sqltypes.Float64, 3, float64(3), false},
		{sqltypes.Boolean, true, true, false},
		{sqltypes.Boolean, "yes", nil, true},
		{sqltypes.String, 42, "42", false},
		{sqltypes.Binary, "raw", []byte("raw"), false},
		{sqltypes.Date, at, "2024-03-01", false},
		{sqltypes.Date, "March", nil, true},
		{sqltypes.Timestamp, "2024-03-01T12:00:00Z", at, false},
		{sqltypes.Timestamp, at, at, false},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("%s/%v", tc.typ, tc.in), func(t *testing.T) {
			got, err := convertValue(tc.typ, tc.in)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

// memNet hands out in-memory listeners by address.
type memNet struct {
	mu        sync.Mutex
	listeners map[string]*bufconn.Listener
}

func (m *memNet) listen(addr string) (net.Listener, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lis := bufconn.Listen(1 << 20)
	m.listeners[addr] = lis
	return lis, nil
}

func (m *memNet) dialOption() grpc.DialOption {
	return grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
		m.mu.Lock()
		lis, ok := m.listeners[addr]
		m.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("no listener for %s", addr)
		}
		return lis.DialContext(ctx)
	})
}

func TestClusterServesQueries(t *testing.T) {
	fs, path := writeFile(t, sampleClusterFile)
	cf, err := LoadClusterFile(fs, path)
	require.NoError(t, err)

	mem := &memNet{listeners: make(map[string]*bufconn.Listener)}
	c, err := newCluster(context.Background(), cf, clusterConfig{
		coordinatorListen: "coordinator",
		planKey:           []byte("fragmentd-test-key-0123456789"),
		listen:            mem.listen,
		dialOptions:       []grpc.DialOption{mem.dialOption()},
	}, utils.NewTestLogger(t))
	require.NoError(t, err)
	require.Len(t, c.listeners, 3)
	for _, l := range c.listeners {
		go func() { _ = l.Server.Serve(l.Listener) }()
	}
	t.Cleanup(func() {
		for _, l := range c.listeners {
			l.Server.Stop()
		}
		c.close()
	})

	ctx := utils.WithShortDeadline(t)
	handle, ss, err := bridge.GetSplits(ctx, "SELECT id, kind FROM events WHERE kind = 'click'", "passthrough:///coordinator",
		submitter.Credentials{Principal: "analyst", Secret: "s3cret"}, 2,
		submitter.WithDialOptions(mem.dialOption()))
	require.NoError(t, err)
	defer func() { _ = handle.Close(context.Background()) }()
	require.Len(t, ss, 2)

	var got []string
	err = bridge.ReadAll(ctx, ss, 2, func(_ *splits.Split, row *sqltypes.RowBuffer) error {
		got = append(got, strings.Join(row.Strings(), ","))
		return nil
	}, reader.WithDialOptions(mem.dialOption()))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"1,click", "3,click"}, got)
}

func TestSigningKey(t *testing.T) {
	_, fd := GetRootCommand()
	logger := utils.NewTestLogger(t)

	key, err := fd.signingKey(logger)
	require.NoError(t, err)
	assert.Len(t, key, 32)

	fd.planKey.Set("short")
	_, err = fd.signingKey(logger)
	assert.Error(t, err)

	fd.planKey.Set("a-long-enough-plan-key")
	key, err = fd.signingKey(logger)
	require.NoError(t, err)
	assert.Equal(t, []byte("a-long-enough-plan-key"), key)
}
