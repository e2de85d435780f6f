// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multigres/multisplit/go/common/mterrors"
	"github.com/multigres/multisplit/go/common/sqltypes"
	"github.com/multigres/multisplit/go/test/utils"
)

var allTypes = sqltypes.Schema{
	{Name: "id", Type: sqltypes.Int64},
	{Name: "small", Type: sqltypes.Int32},
	{Name: "flag", Type: sqltypes.Boolean},
	{Name: "score", Type: sqltypes.Float64},
	{Name: "name", Type: sqltypes.String},
	{Name: "payload", Type: sqltypes.Binary},
	{Name: "day", Type: sqltypes.Date},
	{Name: "at", Type: sqltypes.Timestamp},
}

func newStore(t *testing.T) *Store {
	t.Helper()
	ctx := utils.WithShortDeadline(t)
	s, err := OpenMemory(ctx, "", utils.NewTestLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func collect(t *testing.T, s *Store, query string, batchRows int) (sqltypes.Schema, [][]*sqltypes.Row) {
	t.Helper()
	var fields sqltypes.Schema
	var batches [][]*sqltypes.Row
	err := s.StreamExecute(utils.WithShortDeadline(t), query, batchRows, func(_ context.Context, res *sqltypes.Result) error {
		if res.Fields != nil {
			require.Nil(t, fields, "fields arrive once")
			require.Empty(t, res.Rows)
			fields = res.Fields
			return nil
		}
		batches = append(batches, res.Rows)
		return nil
	})
	require.NoError(t, err)
	return fields, batches
}

func TestStoreRoundTripsEveryType(t *testing.T) {
	s := newStore(t)
	ctx := utils.WithShortDeadline(t)
	require.NoError(t, s.CreateTable(ctx, "everything", allTypes))

	at := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	require.NoError(t, s.Insert(ctx, "everything", allTypes.Names(), [][]any{
		{int64(1), int32(7), true, 1.5, "one", []byte{0x01, 0x02}, "2024-03-01", at},
		{int64(2), nil, false, nil, "", nil, nil, nil},
	}))

	schema, err := s.Describe(ctx, "SELECT * FROM everything")
	require.NoError(t, err)
	assert.Equal(t, allTypes, schema)

	fields, batches := collect(t, s, "SELECT * FROM everything ORDER BY id", 0)
	assert.Equal(t, allTypes, fields)
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 2)

	buf := sqltypes.NewRowBuffer(fields)
	require.NoError(t, buf.Decode(batches[0][0].ToWire()))
	id, err := buf.Int64(0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
	small, err := buf.Int32(1)
	require.NoError(t, err)
	assert.Equal(t, int32(7), small)
	flag, err := buf.Bool(2)
	require.NoError(t, err)
	assert.True(t, flag)
	score, err := buf.Float64(3)
	require.NoError(t, err)
	assert.Equal(t, 1.5, score)
	name, err := buf.String(4)
	require.NoError(t, err)
	assert.Equal(t, "one", name)
	payload, err := buf.Bytes(5)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02}, payload)
	day, err := buf.Time(6)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01", day.Format(sqltypes.DateLayout))
	gotAt, err := buf.Time(7)
	require.NoError(t, err)
	assert.True(t, at.Equal(gotAt), "got %s", gotAt)

	require.NoError(t, buf.Decode(batches[0][1].ToWire()))
	assert.True(t, buf.IsNull(1))
	assert.False(t, buf.IsNull(4), "empty string is not NULL")
	assert.True(t, buf.IsNull(7))
	flag, err = buf.Bool(2)
	require.NoError(t, err)
	assert.False(t, flag)
}

func TestStreamExecuteBatches(t *testing.T) {
	s := newStore(t)
	ctx := utils.WithShortDeadline(t)
	cols := sqltypes.Schema{{Name: "n", Type: sqltypes.Int64}}
	require.NoError(t, s.CreateTable(ctx, "nums", cols))
	rows := make([][]any, 10)
	for i := range rows {
		rows[i] = []any{int64(i)}
	}
	require.NoError(t, s.Insert(ctx, "nums", []string{"n"}, rows))

	_, batches := collect(t, s, "SELECT n FROM nums ORDER BY n", 4)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 4)
	assert.Len(t, batches[1], 4)
	assert.Len(t, batches[2], 2)
	assert.Equal(t, sqltypes.Value("9"), batches[2][1].Values[0])

	fields, batches := collect(t, s, "SELECT n FROM nums WHERE n > 100", 4)
	assert.Equal(t, cols, fields)
	assert.Empty(t, batches)
}

func TestStreamExecuteCallbackErrorStops(t *testing.T) {
	s := newStore(t)
	ctx := utils.WithShortDeadline(t)
	require.NoError(t, s.CreateTable(ctx, "nums", sqltypes.Schema{{Name: "n", Type: sqltypes.Int64}}))
	require.NoError(t, s.Insert(ctx, "nums", []string{"n"}, [][]any{{1}, {2}, {3}}))

	stop := errors.New("stop")
	calls := 0
	err := s.StreamExecute(ctx, "SELECT n FROM nums", 1, func(context.Context, *sqltypes.Result) error {
		calls++
		if calls == 2 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 2, calls)
}

func TestStreamExecuteErrors(t *testing.T) {
	s := newStore(t)

	err := s.StreamExecute(utils.WithShortDeadline(t), "SELECT * FROM missing", 0, func(context.Context, *sqltypes.Result) error { return nil })
	assert.ErrorIs(t, err, mterrors.ErrExecution)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = s.StreamExecute(ctx, "SELECT 1", 0, func(context.Context, *sqltypes.Result) error { return nil })
	assert.ErrorIs(t, err, mterrors.ErrCancelled)
}

func TestDescribeErrorsArePlanning(t *testing.T) {
	s := newStore(t)
	_, err := s.Describe(utils.WithShortDeadline(t), "SELECT * FROM missing")
	assert.ErrorIs(t, err, mterrors.ErrPlanning)
}

func TestCatalogDescribesWithoutRows(t *testing.T) {
	ctx := utils.WithShortDeadline(t)
	cat, err := OpenCatalog(ctx, utils.NewTestLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close(context.Background()) })

	cols := sqltypes.Schema{
		{Name: "id", Type: sqltypes.Int64},
		{Name: "under_col", Type: sqltypes.Int32},
		{Name: "value", Type: sqltypes.String},
	}
	require.NoError(t, cat.CreateTable(ctx, "t", cols))

	schema, err := cat.Describe(ctx, "SELECT value, id FROM t WHERE under_col = 0")
	require.NoError(t, err)
	assert.Equal(t, sqltypes.Schema{cols[2], cols[0]}, schema)
}

func TestInvalidIdentifiers(t *testing.T) {
	s := newStore(t)
	ctx := utils.WithShortDeadline(t)

	assert.Error(t, s.CreateTable(ctx, "t; DROP TABLE x", sqltypes.Schema{{Name: "a", Type: sqltypes.Int64}}))
	assert.Error(t, s.CreateTable(ctx, "t", sqltypes.Schema{{Name: "a b", Type: sqltypes.Int64}}))
	assert.Error(t, s.CreateTable(ctx, "t", nil))
	assert.Error(t, s.CreateTable(ctx, "t", sqltypes.Schema{{Name: "a", Type: "UUID"}}))

	require.NoError(t, s.CreateTable(ctx, "t", sqltypes.Schema{{Name: "a", Type: sqltypes.Int64}}))
	assert.Error(t, s.Insert(ctx, "t", []string{"a"}, [][]any{{1, 2}}))
	assert.Error(t, s.Insert(ctx, "t", []string{"a;"}, [][]any{{1}}))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "", nil)
	assert.Error(t, err)
}
