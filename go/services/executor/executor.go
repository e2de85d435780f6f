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

// Package executor implements the FragmentService of the reference data
// plane. An executor owns one partition (a queryservice.QueryService),
// runs the fragments the coordinator planned against it, and streams their
// rows to split readers.
//
// Each (query, fragment) runs at most once per executor: the first
// OpenStream starts it, later ones attach to the same run and replay its
// rows from the beginning.
package executor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"

	"github.com/multigres/multisplit/go/common/mterrors"
	"github.com/multigres/multisplit/go/common/plantoken"
	"github.com/multigres/multisplit/go/common/queryservice"
	"github.com/multigres/multisplit/go/common/sqltypes"
	"github.com/multigres/multisplit/go/common/wire"
	"github.com/multigres/multisplit/go/tools/timer"
)

const (
	DefaultBatchRows       = 256
	DefaultTombstoneTTL    = 5 * time.Minute
	DefaultJanitorInterval = 10 * time.Second
)

var errShuttingDown = mterrors.New(mterrors.KindConnection, "executor shutting down")

// Config configures an Executor.
type Config struct {
	// Name identifies the executor in logs.
	Name string
	// Source is the partition fragments run against.
	Source queryservice.QueryService
	// Signer verifies plans and cancel tokens.
	Signer *plantoken.Signer
	// BatchRows is the batch size asked of the source and the default
	// stream batch size.
	BatchRows int
	// TombstoneTTL is how long a cancelled query stays cancelled.
	TombstoneTTL time.Duration
	// JanitorInterval is how often expired runs are dropped.
	JanitorInterval time.Duration
	Logger          *slog.Logger
	Metrics         *Metrics
	// Now replaces time.Now in tests.
	Now func() time.Time
}

func (c *Config) setDefaults() {
	if c.BatchRows <= 0 {
		c.BatchRows = DefaultBatchRows
	}
	if c.TombstoneTTL <= 0 {
		c.TombstoneTTL = DefaultTombstoneTTL
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = DefaultJanitorInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Executor serves the FragmentService for one partition.
type Executor struct {
	wire.UnimplementedFragmentServiceServer

	cfg     Config
	logger  *slog.Logger
	table   *fragmentTable
	janitor *timer.PeriodicRunner

	// ctx bounds every run; runs outlive the stream that started them.
	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

var _ wire.FragmentServiceServer = (*Executor)(nil)

// New creates an Executor and starts its janitor.
func New(cfg Config) (*Executor, error) {
	if cfg.Source == nil {
		return nil, errors.New("executor needs a source")
	}
	if cfg.Signer == nil {
		return nil, errors.New("executor needs a plan signer")
	}
	cfg.setDefaults()

	e := &Executor{
		cfg:    cfg,
		logger: cfg.Logger.With("executor", cfg.Name),
		table:  newFragmentTable(),
	}
	e.ctx, e.cancel = context.WithCancelCause(context.Background())
	if err := cfg.Metrics.RegisterActiveRunsCallback(e.table.size); err != nil {
		e.logger.Warn("failed to register active runs gauge", "error", err)
	}
	e.janitor = timer.NewPeriodicRunner(e.ctx, cfg.JanitorInterval)
	e.janitor.Start(e.sweep)
	return e, nil
}

// Register adds the FragmentService to s.
func (e *Executor) Register(s grpc.ServiceRegistrar) {
	wire.RegisterFragmentServiceServer(s, e)
}

// ActiveRuns returns the number of runs in the fragment table.
func (e *Executor) ActiveRuns() int {
	return e.table.size()
}

// Close aborts every run and waits for executions to return. Open streams
// receive a Connection error marker.
func (e *Executor) Close() {
	e.closeOnce.Do(func() {
		e.janitor.Stop()
		e.table.abortAll(errShuttingDown)
		e.cancel(errShuttingDown)
		e.wg.Wait()
		e.cfg.Metrics.Unregister()
	})
}

func (e *Executor) sweep(ctx context.Context) {
	expired := e.table.reap(e.cfg.Now())
	for _, r := range expired {
		e.logger.DebugContext(ctx, "dropped expired fragment run", "query_id", r.key.queryID, "fragment_id", r.key.fragment)
	}
}

// OpenStream implements wire.FragmentServiceServer.
func (e *Executor) OpenStream(req *wire.OpenStreamRequest, stream wire.FragmentService_OpenStreamServer) error {
	ctx := stream.Context()
	claims, err := e.cfg.Signer.VerifyPlan(req.Plan, req.QueryID, req.FragmentIndex)
	if err != nil {
		e.logger.WarnContext(ctx, "rejected fragment plan", "query_id", req.QueryID, "fragment_id", req.FragmentIndex, "error", err)
		return mterrors.ToGRPC(err)
	}

	key := fragmentKey{queryID: req.QueryID, fragment: req.FragmentIndex}
	r, created, err := e.openRun(key, claims.SQL, claims.ExpiresAt.Time)
	if err != nil {
		return stream.Send(&wire.StreamResponse{Error: mterrors.ToRPCError(err)})
	}
	if created {
		e.logger.InfoContext(ctx, "fragment started", "query_id", key.queryID, "fragment_id", key.fragment)
	} else {
		e.cfg.Metrics.addAttach(ctx)
		e.logger.DebugContext(ctx, "attached to fragment run", "query_id", key.queryID, "fragment_id", key.fragment)
	}

	batch := int(req.MaxBatchRows)
	if batch <= 0 {
		batch = e.cfg.BatchRows
	}
	return e.serve(ctx, r, !created, batch, stream)
}

// openRun returns the run of key, starting it when the table has none.
func (e *Executor) openRun(key fragmentKey, sql string, expiresAt time.Time) (*run, bool, error) {
	now := e.cfg.Now()
	return e.table.open(key, now, func() *run {
		runCtx, cancel := context.WithCancelCause(e.ctx)
		r := newRun(key, sql, now, expiresAt, cancel)
		e.wg.Add(1)
		go e.execute(runCtx, r)
		return r
	})
}

// execute runs r against the source until it completes or is aborted.
func (e *Executor) execute(ctx context.Context, r *run) {
	defer e.wg.Done()
	e.cfg.Metrics.addRunStarted(ctx)

	err := e.cfg.Source.StreamExecute(ctx, r.sql, e.cfg.BatchRows, func(_ context.Context, res *sqltypes.Result) error {
		if res.Fields != nil {
			r.setSchema(res.Fields)
			return nil
		}
		r.appendRows(res.WireRows())
		return nil
	})
	if cause := context.Cause(ctx); cause != nil {
		err = cause
	}
	r.finish(err)

	d := e.cfg.Now().Sub(r.startedAt)
	e.cfg.Metrics.addRunFinished(context.WithoutCancel(ctx), d, err)
	if err != nil {
		e.logger.Info("fragment failed", "query_id", r.key.queryID, "fragment_id", r.key.fragment, "error", err)
		return
	}
	e.logger.Debug("fragment finished", "query_id", r.key.queryID, "fragment_id", r.key.fragment, "duration", d)
}

// serve streams r from its first row: a schema frame, row batches of at
// most batch rows, then an end-of-stream or error frame.
func (e *Executor) serve(ctx context.Context, r *run, attached bool, batch int, stream wire.FragmentService_OpenStreamServer) error {
	sentSchema := false
	cursor := 0
	for {
		v := r.since(cursor)
		if v.cancelled != nil {
			return stream.Send(&wire.StreamResponse{Error: mterrors.ToRPCError(v.cancelled)})
		}

		if !sentSchema {
			switch {
			case v.schema != nil:
				if err := stream.Send(&wire.StreamResponse{Schema: v.schema.ToWire(), Attached: attached}); err != nil {
					return err
				}
				sentSchema = true
			case v.done:
				err := v.err
				if err == nil {
					err = mterrors.New(mterrors.KindExecution, "fragment produced no schema")
				}
				return stream.Send(&wire.StreamResponse{Error: mterrors.ToRPCError(err)})
			}
		}

		if sentSchema {
			for rows := v.rows; len(rows) > 0; {
				n := min(len(rows), batch)
				if err := stream.Send(&wire.StreamResponse{Rows: rows[:n]}); err != nil {
					return err
				}
				e.cfg.Metrics.addRowsSent(ctx, n)
				rows = rows[n:]
				cursor += n
			}
			if v.done {
				if v.err != nil {
					return stream.Send(&wire.StreamResponse{Error: mterrors.ToRPCError(v.err)})
				}
				return stream.Send(&wire.StreamResponse{EndOfStream: true})
			}
			if len(v.rows) > 0 {
				continue
			}
		}

		select {
		case <-v.changed:
		case <-ctx.Done():
			return mterrors.ToGRPC(mterrors.FromContext(ctx.Err(), "fragment stream"))
		}
	}
}

// CancelQuery implements wire.FragmentServiceServer.
func (e *Executor) CancelQuery(ctx context.Context, req *wire.CancelFragmentsRequest) (*wire.CancelFragmentsResponse, error) {
	if err := e.cfg.Signer.VerifyCancel(req.Token, req.QueryID); err != nil {
		e.logger.WarnContext(ctx, "rejected cancel", "query_id", req.QueryID, "error", err)
		return nil, mterrors.ToGRPC(err)
	}
	reason := req.Reason
	if reason == "" {
		reason = "cancelled"
	}
	n := e.table.cancelQuery(req.QueryID, reason, e.cfg.Now().Add(e.cfg.TombstoneTTL))
	e.cfg.Metrics.addCancelled(ctx, n)
	e.logger.InfoContext(ctx, "query cancelled", "query_id", req.QueryID, "runs", n, "reason", reason)
	return &wire.CancelFragmentsResponse{Cancelled: int32(n)}, nil
}
