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

// Package reader streams the rows of one split from its executor.
//
// A Reader moves through these states:
//
//	Unopened -> SchemaNegotiated -> Streaming -> Closed
//	    \              \               \
//	     `--------------`---------------`--> Failed -> Closed
//
// Open dials the first location of the split, asks the executor for the
// fragment and waits for the schema message. Next then walks the row
// batches. Any error is terminal: the reader does not retry and does not
// try other locations, that is the caller's policy.
//
// A Reader is not safe for concurrent use. Readers share no state, so one
// goroutine per split is the expected pattern.
package reader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"

	"github.com/multigres/multisplit/go/bridge/splits"
	"github.com/multigres/multisplit/go/common/mterrors"
	"github.com/multigres/multisplit/go/common/sqltypes"
	"github.com/multigres/multisplit/go/common/wire"
	"github.com/multigres/multisplit/go/tools/grpccommon"
)

// State is the lifecycle state of a Reader.
type State int

const (
	StateUnopened State = iota
	StateSchemaNegotiated
	StateStreaming
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnopened:
		return "Unopened"
	case StateSchemaNegotiated:
		return "SchemaNegotiated"
	case StateStreaming:
		return "Streaming"
	case StateClosed:
		return "Closed"
	case StateFailed:
		return "Failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var defaultMetrics = sync.OnceValue(NewMetrics)

type options struct {
	dialOptions      []grpc.DialOption
	handshakeTimeout time.Duration
	maxBatchRows     int
	logger           *slog.Logger
	metrics          *Metrics
}

// Option configures a Reader.
type Option func(*options)

// WithDialOptions appends gRPC dial options, after the local defaults.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(o *options) { o.dialOptions = append(o.dialOptions, opts...) }
}

// WithHandshakeTimeout bounds the wait for the schema message. Rows are
// not bounded by it.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) { o.handshakeTimeout = d }
}

// WithMaxBatchRows asks the executor for at most n rows per message.
func WithMaxBatchRows(n int) Option {
	return func(o *options) { o.maxBatchRows = n }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the instruments, which are otherwise shared process-wide.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// Reader reads one split.
type Reader struct {
	split  *splits.Split
	opts   options
	logger *slog.Logger

	state State
	err   error

	conn   *grpc.ClientConn
	stream wire.FragmentService_OpenStreamClient
	ctx    context.Context
	cancel context.CancelFunc

	schema   sqltypes.Schema
	row      *sqltypes.RowBuffer
	batch    []*wire.Row
	eos      bool
	attached bool
}

// New returns an Unopened reader for split. It does no I/O.
func New(split *splits.Split, opts ...Option) *Reader {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = defaultMetrics()
	}
	return &Reader{
		split:  split,
		opts:   o,
		logger: o.logger.With("query_id", split.QueryID, "fragment_id", split.FragmentIndex),
		ctx:    context.Background(),
	}
}

// Split returns the split being read.
func (r *Reader) Split() *splits.Split {
	return r.split
}

// State returns the current state.
func (r *Reader) State() State {
	return r.state
}

// Err returns the error that failed the reader, if any.
func (r *Reader) Err() error {
	return r.err
}

// Attached reports whether the executor was already running the fragment
// when this reader opened it.
func (r *Reader) Attached() bool {
	return r.attached
}

// Open dials the executor and negotiates the schema. ctx governs the whole
// stream: cancelling it later makes a blocked Next return a Cancelled
// error. Open on an open reader is a no-op.
func (r *Reader) Open(ctx context.Context) error {
	switch r.state {
	case StateSchemaNegotiated, StateStreaming:
		return nil
	case StateFailed:
		return r.err
	case StateClosed:
		return mterrors.New(mterrors.KindCancelled, "reader is closed")
	}
	if err := r.split.Validate(); err != nil {
		return r.fail(err)
	}

	start := time.Now()
	addr := r.split.Locations[0]
	r.logger = r.logger.With("addr", addr)

	dialOpts := append(grpccommon.LocalClientDialOptions(), r.opts.dialOptions...)
	conn, err := grpccommon.NewClient(addr, dialOpts...)
	if err != nil {
		return r.fail(mterrors.Wrap(mterrors.KindConnection, err, fmt.Sprintf("dial executor %s", addr)))
	}
	r.conn = conn

	r.ctx, r.cancel = context.WithCancel(ctx)
	var handshake *time.Timer
	if r.opts.handshakeTimeout > 0 {
		handshake = time.AfterFunc(r.opts.handshakeTimeout, r.cancel)
	}
	timedOut := func() bool {
		return handshake != nil && !handshake.Stop()
	}

	stream, err := wire.NewFragmentServiceClient(conn).OpenStream(r.ctx, &wire.OpenStreamRequest{
		QueryID:       r.split.QueryID,
		FragmentIndex: int32(r.split.FragmentIndex),
		Plan:          r.split.Plan,
		MaxBatchRows:  int32(r.opts.maxBatchRows),
	})
	if err == nil {
		r.stream = stream
		var first *wire.StreamResponse
		first, err = stream.Recv()
		if err == nil {
			if timedOut() {
				return r.fail(r.handshakeTimeoutErr(addr))
			}
			return r.negotiate(ctx, first, start)
		}
	}
	if timedOut() {
		return r.fail(r.handshakeTimeoutErr(addr))
	}
	return r.fail(streamErr(err, fmt.Sprintf("open fragment stream on %s", addr)))
}

func (r *Reader) handshakeTimeoutErr(addr string) error {
	return mterrors.Errorf(mterrors.KindTimeout, "no schema from executor %s within %s", addr, r.opts.handshakeTimeout)
}

// negotiate checks the first stream message and moves to SchemaNegotiated.
func (r *Reader) negotiate(ctx context.Context, first *wire.StreamResponse, start time.Time) error {
	if first.Error != nil {
		return r.fail(mterrors.FromRPCError(first.Error))
	}
	if first.Schema == nil {
		return r.fail(mterrors.New(mterrors.KindDecode, "first stream message carries no schema"))
	}
	schema, err := sqltypes.SchemaFromWire(first.Schema)
	if err != nil {
		return r.fail(err)
	}
	if len(r.split.Schema) > 0 && !schema.Equal(r.split.Schema) {
		return r.fail(mterrors.Errorf(mterrors.KindDecode, "executor schema %s does not match split schema %s", schema, r.split.Schema))
	}

	r.schema = schema
	r.row = sqltypes.NewRowBuffer(schema)
	r.batch = first.Rows
	r.eos = first.EndOfStream
	r.attached = first.Attached
	r.state = StateSchemaNegotiated

	r.opts.metrics.AddStreamOpened(ctx, r.attached)
	r.opts.metrics.RecordOpenDuration(ctx, time.Since(start), r.attached)
	r.opts.metrics.AddRows(ctx, len(first.Rows))
	r.logger.DebugContext(ctx, "fragment stream open", "schema", schema.String(), "attached", r.attached)
	return nil
}

// Schema returns the negotiated schema, opening the reader with ctx first
// if it is still Unopened.
func (r *Reader) Schema(ctx context.Context) (sqltypes.Schema, error) {
	if r.state == StateUnopened {
		if err := r.Open(ctx); err != nil {
			return nil, err
		}
	}
	if r.schema == nil {
		if r.err != nil {
			return nil, r.err
		}
		return nil, mterrors.New(mterrors.KindCancelled, "reader is closed")
	}
	return r.schema, nil
}

// Next decodes the next row into Row. It returns false, nil at the end of
// the stream and false with an error when the stream breaks, the executor
// reports an error, the query is cancelled or a value does not decode.
// Rows delivered before an error remain valid results.
func (r *Reader) Next() (bool, error) {
	switch r.state {
	case StateUnopened:
		return false, mterrors.New(mterrors.KindExecution, "Next called before Open")
	case StateClosed:
		return false, nil
	case StateFailed:
		return false, r.err
	}
	r.state = StateStreaming

	for len(r.batch) == 0 {
		if r.eos {
			return false, nil
		}
		resp, err := r.stream.Recv()
		if err != nil {
			return false, r.fail(streamErr(err, "read fragment stream"))
		}
		if resp.Error != nil {
			return false, r.fail(mterrors.FromRPCError(resp.Error))
		}
		r.batch = resp.Rows
		r.eos = resp.EndOfStream
		r.opts.metrics.AddRows(r.ctx, len(resp.Rows))
	}

	wr := r.batch[0]
	r.batch = r.batch[1:]
	if err := r.row.Decode(wr); err != nil {
		return false, r.fail(err)
	}
	return true, nil
}

// Row returns the buffer holding the current row. It is overwritten by the
// next call to Next; use Copy to keep a row.
func (r *Reader) Row() *sqltypes.RowBuffer {
	return r.row
}

// Close releases the stream and the connection. It can be called from any
// state, any number of times.
func (r *Reader) Close() error {
	if r.state == StateClosed {
		return nil
	}
	r.state = StateClosed
	r.batch = nil
	return r.release()
}

// fail moves to Failed, releases resources and returns err.
func (r *Reader) fail(err error) error {
	r.state = StateFailed
	r.err = err
	r.opts.metrics.AddStreamError(context.Background(), err)
	r.logger.Debug("fragment stream failed", "error", err)
	_ = r.release()
	return err
}

func (r *Reader) release() error {
	if r.cancel != nil {
		r.cancel()
	}
	r.stream = nil
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	r.conn = nil
	return err
}

// streamErr classifies a stream error. A stream that ends without an
// end-of-stream or error marker is a broken connection.
func streamErr(err error, op string) error {
	if errors.Is(err, io.EOF) {
		return mterrors.New(mterrors.KindConnection, op+": stream ended without end-of-stream marker")
	}
	err = mterrors.FromGRPC(err)
	return mterrors.Wrap(mterrors.KindOf(err), err, op)
}
