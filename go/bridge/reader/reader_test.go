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

package reader

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/test/bufconn"

	"github.com/multigres/multisplit/go/bridge/splits"
	"github.com/multigres/multisplit/go/common/mterrors"
	"github.com/multigres/multisplit/go/common/sqltypes"
	"github.com/multigres/multisplit/go/common/wire"
	"github.com/multigres/multisplit/go/test/utils"
)

var testSchema = sqltypes.Schema{
	{Name: "id", Type: sqltypes.Int64},
	{Name: "name", Type: sqltypes.String},
}

type streamFunc func(req *wire.OpenStreamRequest, stream wire.FragmentService_OpenStreamServer) error

type scriptedExecutor struct {
	wire.UnimplementedFragmentServiceServer
	handle streamFunc
}

func (s *scriptedExecutor) OpenStream(req *wire.OpenStreamRequest, stream wire.FragmentService_OpenStreamServer) error {
	return s.handle(req, stream)
}

// startExecutor serves handle on an in-memory listener and returns the
// dial option readers need to reach it.
func startExecutor(t *testing.T, handle streamFunc) grpc.DialOption {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	wire.RegisterFragmentServiceServer(srv, &scriptedExecutor{handle: handle})
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
}

func testSplit() *splits.Split {
	return &splits.Split{
		QueryID:       "q-1",
		FragmentIndex: 2,
		Locations:     []string{"passthrough:///executor-0", "passthrough:///executor-1"},
		Plan:          []byte("plan"),
		Schema:        testSchema,
	}
}

func row(values ...string) *wire.Row {
	vals := make([][]byte, len(values))
	for i, v := range values {
		if v != "NULL" {
			vals[i] = []byte(v)
		}
	}
	return sqltypes.MakeRow(vals).ToWire()
}

func schemaMsg(s sqltypes.Schema) *wire.StreamResponse {
	return &wire.StreamResponse{Schema: s.ToWire()}
}

// sendAll sends msgs in order and ends the call.
func sendAll(msgs ...*wire.StreamResponse) streamFunc {
	return func(_ *wire.OpenStreamRequest, stream wire.FragmentService_OpenStreamServer) error {
		for _, m := range msgs {
			if err := stream.Send(m); err != nil {
				return err
			}
		}
		return nil
	}
}

func newTestReader(t *testing.T, dial grpc.DialOption, opts ...Option) *Reader {
	opts = append([]Option{WithDialOptions(dial), WithLogger(utils.NewTestLogger(t))}, opts...)
	r := New(testSplit(), opts...)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func readAll(t *testing.T, r *Reader) ([][]string, error) {
	t.Helper()
	var out [][]string
	for {
		ok, err := r.Next()
		if err != nil || !ok {
			return out, err
		}
		out = append(out, r.Row().Strings())
	}
}

func TestReaderStreamsRows(t *testing.T) {
	reqs := make(chan *wire.OpenStreamRequest, 1)
	dial := startExecutor(t, func(req *wire.OpenStreamRequest, stream wire.FragmentService_OpenStreamServer) error {
		reqs <- req
		return sendAll(
			schemaMsg(testSchema),
			&wire.StreamResponse{Rows: []*wire.Row{row("1", "a"), row("2", "NULL")}},
			&wire.StreamResponse{Rows: []*wire.Row{row("3", "")}},
			&wire.StreamResponse{EndOfStream: true},
		)(req, stream)
	})
	r := newTestReader(t, dial, WithMaxBatchRows(2))
	ctx := utils.WithShortDeadline(t)

	assert.Equal(t, StateUnopened, r.State())
	require.NoError(t, r.Open(ctx))
	assert.Equal(t, StateSchemaNegotiated, r.State())
	require.NoError(t, r.Open(ctx), "Open on an open reader is a no-op")

	gotReq := <-reqs
	assert.Equal(t, "q-1", gotReq.QueryID)
	assert.Equal(t, int32(2), gotReq.FragmentIndex)
	assert.Equal(t, []byte("plan"), gotReq.Plan)
	assert.Equal(t, int32(2), gotReq.MaxBatchRows)

	schema, err := r.Schema(ctx)
	require.NoError(t, err)
	assert.True(t, schema.Equal(testSchema))

	rows, err := readAll(t, r)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"1", "a"}, {"2", "NULL"}, {"3", ""}}, rows)
	assert.Equal(t, StateStreaming, r.State())

	ok, err := r.Next()
	assert.False(t, ok)
	assert.NoError(t, err, "Next after the end keeps reporting the end")

	require.NoError(t, r.Close())
	assert.Equal(t, StateClosed, r.State())
	require.NoError(t, r.Close())
	ok, err = r.Next()
	assert.False(t, ok)
	assert.NoError(t, err)
}

func TestReaderSchemaOpensLazily(t *testing.T) {
	dial := startExecutor(t, sendAll(
		&wire.StreamResponse{Schema: testSchema.ToWire(), Attached: true},
		&wire.StreamResponse{EndOfStream: true},
	))
	r := newTestReader(t, dial)

	schema, err := r.Schema(utils.WithShortDeadline(t))
	require.NoError(t, err)
	assert.Equal(t, testSchema, schema)
	assert.Equal(t, StateSchemaNegotiated, r.State())
	assert.True(t, r.Attached())
}

func TestReaderFirstMessageMayCarryRows(t *testing.T) {
	dial := startExecutor(t, sendAll(&wire.StreamResponse{
		Schema:      testSchema.ToWire(),
		Rows:        []*wire.Row{row("9", "z")},
		EndOfStream: true,
	}))
	r := newTestReader(t, dial)
	require.NoError(t, r.Open(utils.WithShortDeadline(t)))

	rows, err := readAll(t, r)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"9", "z"}}, rows)
}

func TestReaderOpenFailures(t *testing.T) {
	tests := []struct {
		name   string
		handle streamFunc
		want   error
	}{
		{
			name: "schema skew",
			handle: sendAll(schemaMsg(sqltypes.Schema{
				{Name: "id", Type: sqltypes.Int32},
				{Name: "name", Type: sqltypes.String},
			})),
			want: mterrors.ErrDecode,
		},
		{
			name:   "no schema in first message",
			handle: sendAll(&wire.StreamResponse{Rows: []*wire.Row{row("1", "a")}}),
			want:   mterrors.ErrDecode,
		},
		{
			name:   "unknown column type",
			handle: sendAll(&wire.StreamResponse{Schema: []*wire.Field{{Name: "id", Type: "UUID"}}}),
			want:   mterrors.ErrDecode,
		},
		{
			name: "error marker",
			handle: sendAll(&wire.StreamResponse{Error: &wire.RPCError{
				Code: uint32(codes.Aborted), Message: "no such table: t",
			}}),
			want: mterrors.ErrExecution,
		},
		{
			name: "plan rejected",
			handle: func(*wire.OpenStreamRequest, wire.FragmentService_OpenStreamServer) error {
				return mterrors.ToGRPC(mterrors.New(mterrors.KindAuthentication, "plan token expired"))
			},
			want: mterrors.ErrAuthentication,
		},
		{
			name:   "stream closed before schema",
			handle: sendAll(),
			want:   mterrors.ErrConnection,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestReader(t, startExecutor(t, tt.handle))
			err := r.Open(utils.WithShortDeadline(t))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, StateFailed, r.State())
			assert.Equal(t, err, r.Err())

			// Failed is terminal.
			assert.Equal(t, err, r.Open(utils.WithShortDeadline(t)))
			ok, nextErr := r.Next()
			assert.False(t, ok)
			assert.Equal(t, err, nextErr)
			_, schemaErr := r.Schema(utils.WithShortDeadline(t))
			assert.Equal(t, err, schemaErr)

			require.NoError(t, r.Close())
			assert.Equal(t, StateClosed, r.State())
		})
	}
}

func TestReaderUnreachableExecutor(t *testing.T) {
	dial := grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
		return nil, errors.New("connection refused")
	})
	r := newTestReader(t, dial)

	err := r.Open(utils.WithShortDeadline(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, mterrors.ErrConnection)
}

func TestReaderStreamFailures(t *testing.T) {
	tests := []struct {
		name string
		tail []*wire.StreamResponse
		want error
	}{
		{
			name: "executor error after rows",
			tail: []*wire.StreamResponse{{Error: &wire.RPCError{Code: uint32(codes.Aborted), Message: "disk full"}}},
			want: mterrors.ErrExecution,
		},
		{
			name: "cancel marker",
			tail: []*wire.StreamResponse{{Error: &wire.RPCError{Code: uint32(codes.Canceled), Message: "query cancelled"}}},
			want: mterrors.ErrCancelled,
		},
		{
			name: "broken stream",
			tail: nil,
			want: mterrors.ErrConnection,
		},
		{
			name: "undecodable value",
			tail: []*wire.StreamResponse{{Rows: []*wire.Row{row("not-a-number", "x")}}},
			want: mterrors.ErrDecode,
		},
		{
			name: "wrong column count",
			tail: []*wire.StreamResponse{{Rows: []*wire.Row{row("3")}}},
			want: mterrors.ErrDecode,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs := append([]*wire.StreamResponse{
				schemaMsg(testSchema),
				{Rows: []*wire.Row{row("1", "a"), row("2", "b")}},
			}, tt.tail...)
			r := newTestReader(t, startExecutor(t, sendAll(msgs...)))
			require.NoError(t, r.Open(utils.WithShortDeadline(t)))

			rows, err := readAll(t, r)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, [][]string{{"1", "a"}, {"2", "b"}}, rows, "rows before the failure are delivered")
			assert.Equal(t, StateFailed, r.State())
		})
	}
}

func TestReaderLocalCancelUnblocksNext(t *testing.T) {
	dial := startExecutor(t, func(_ *wire.OpenStreamRequest, stream wire.FragmentService_OpenStreamServer) error {
		if err := stream.Send(schemaMsg(testSchema)); err != nil {
			return err
		}
		<-stream.Context().Done()
		return stream.Context().Err()
	})
	r := newTestReader(t, dial)

	ctx, cancel := context.WithCancel(utils.WithShortDeadline(t))
	require.NoError(t, r.Open(ctx))

	done := make(chan error, 1)
	go func() {
		_, err := r.Next()
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, mterrors.ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("Next stayed blocked after cancel")
	}
}

func TestReaderHandshakeTimeout(t *testing.T) {
	dial := startExecutor(t, func(_ *wire.OpenStreamRequest, stream wire.FragmentService_OpenStreamServer) error {
		<-stream.Context().Done()
		return nil
	})
	r := newTestReader(t, dial, WithHandshakeTimeout(50*time.Millisecond))

	err := r.Open(utils.WithShortDeadline(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, mterrors.ErrTimeout)
}

func TestReaderLifecycleMisuse(t *testing.T) {
	r := New(testSplit())

	ok, err := r.Next()
	assert.False(t, ok)
	assert.Error(t, err, "Next before Open")

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.Equal(t, StateClosed, r.State())
	assert.ErrorIs(t, r.Open(context.Background()), mterrors.ErrCancelled)

	bad := New(&splits.Split{QueryID: "q"})
	assert.ErrorIs(t, bad.Open(context.Background()), mterrors.ErrDecode)
}

func TestReaderMetrics(t *testing.T) {
	mr := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(mr))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m := newMetrics(mp.Meter("test"))

	dial := startExecutor(t, sendAll(
		schemaMsg(testSchema),
		&wire.StreamResponse{Rows: []*wire.Row{row("1", "a"), row("2", "b"), row("3", "c")}},
		&wire.StreamResponse{EndOfStream: true},
	))
	r := newTestReader(t, dial, WithMetrics(m))
	ctx := utils.WithShortDeadline(t)
	require.NoError(t, r.Open(ctx))
	rows, err := readAll(t, r)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	var rm metricdata.ResourceMetrics
	require.NoError(t, mr.Collect(ctx, &rm))
	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if sum, ok := md.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					sums[md.Name] += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(3), sums["reader.rows"])
	assert.Equal(t, int64(1), sums["reader.streams.opened"])
	assert.Zero(t, sums["reader.streams.errors"])
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "SchemaNegotiated", StateSchemaNegotiated.String())
	assert.Equal(t, "Failed", StateFailed.String())
	assert.Equal(t, "State(42)", State(42).String())
}
