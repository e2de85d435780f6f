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

// Package coordinator implements the QueryService of the reference control
// plane: sessions, asynchronous planning of read-only queries into one
// fragment per executor, status long-polling, and cancel fan-out.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/multigres/multisplit/go/common/mterrors"
	"github.com/multigres/multisplit/go/common/plantoken"
	"github.com/multigres/multisplit/go/common/queryservice"
	"github.com/multigres/multisplit/go/common/rpcclient"
	"github.com/multigres/multisplit/go/common/sqltypes"
	"github.com/multigres/multisplit/go/common/wire"
	"github.com/multigres/multisplit/go/tools/timer"
)

const (
	DefaultSessionIdleTimeout = 10 * time.Minute
	DefaultQueryTTL           = time.Hour
	DefaultMaxStatusWait      = 10 * time.Second
	DefaultJanitorInterval    = 10 * time.Second
	DefaultCancelTimeout      = 10 * time.Second
)

// Config configures a Coordinator.
type Config struct {
	Users *Users
	// Catalog describes queries. It holds table definitions but no rows.
	Catalog queryservice.QueryService
	// Executors are the gRPC addresses of the executors, one fragment each.
	Executors []string
	Signer    *plantoken.Signer
	// ExecutorClient sends cancels to executors.
	ExecutorClient rpcclient.ExecutorClient

	SessionIdleTimeout time.Duration
	// QueryTTL bounds how long plans stay valid and queries are kept.
	QueryTTL time.Duration
	// MaxStatusWait caps the long-poll wait of GetQueryStatus.
	MaxStatusWait time.Duration
	// PlanningDelay is added to every planning, to simulate a slow planner.
	PlanningDelay   time.Duration
	JanitorInterval time.Duration
	CancelTimeout   time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

func (c *Config) setDefaults() {
	if c.SessionIdleTimeout <= 0 {
		c.SessionIdleTimeout = DefaultSessionIdleTimeout
	}
	if c.QueryTTL <= 0 {
		c.QueryTTL = DefaultQueryTTL
	}
	if c.MaxStatusWait <= 0 {
		c.MaxStatusWait = DefaultMaxStatusWait
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = DefaultJanitorInterval
	}
	if c.CancelTimeout <= 0 {
		c.CancelTimeout = DefaultCancelTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Coordinator serves the QueryService.
type Coordinator struct {
	wire.UnimplementedQueryServiceServer

	cfg      Config
	logger   *slog.Logger
	sessions *sessionTable
	janitor  *timer.PeriodicRunner

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	queries map[string]*query

	closeOnce sync.Once
}

var _ wire.QueryServiceServer = (*Coordinator)(nil)

// New creates a Coordinator and starts its janitor.
func New(cfg Config) (*Coordinator, error) {
	switch {
	case cfg.Users == nil:
		return nil, errors.New("coordinator needs a user table")
	case cfg.Catalog == nil:
		return nil, errors.New("coordinator needs a catalog")
	case cfg.Signer == nil:
		return nil, errors.New("coordinator needs a plan signer")
	case cfg.ExecutorClient == nil:
		return nil, errors.New("coordinator needs an executor client")
	case len(cfg.Executors) == 0:
		return nil, errors.New("coordinator needs at least one executor")
	}
	cfg.setDefaults()

	c := &Coordinator{
		cfg:      cfg,
		logger:   cfg.Logger,
		sessions: newSessionTable(cfg.SessionIdleTimeout),
		queries:  make(map[string]*query),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.janitor = timer.NewPeriodicRunner(c.ctx, cfg.JanitorInterval)
	c.janitor.Start(c.sweep)
	return c, nil
}

// Register adds the QueryService to s.
func (c *Coordinator) Register(s grpc.ServiceRegistrar) {
	wire.RegisterQueryServiceServer(s, c)
}

// Close stops planning and the janitor. Executors are not contacted.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		c.janitor.Stop()
		c.cancel()
		c.wg.Wait()
	})
}

func (c *Coordinator) sweep(ctx context.Context) {
	now := c.cfg.Now()
	if n := c.sessions.reap(now); n > 0 {
		c.logger.DebugContext(ctx, "dropped idle sessions", "count", n)
	}
	c.mu.Lock()
	var expired []*query
	for id, q := range c.queries {
		if !now.Before(q.expiresAt) {
			expired = append(expired, q)
			delete(c.queries, id)
		}
	}
	c.mu.Unlock()
	for _, q := range expired {
		q.stopPlanning()
		c.logger.DebugContext(ctx, "dropped expired query", "query_id", q.id)
	}
}

// OpenSession implements wire.QueryServiceServer.
func (c *Coordinator) OpenSession(ctx context.Context, req *wire.OpenSessionRequest) (*wire.OpenSessionResponse, error) {
	if err := c.cfg.Users.Authenticate(req.Principal, req.Secret); err != nil {
		c.logger.WarnContext(ctx, "rejected session", "principal", req.Principal, "error", err)
		return nil, mterrors.ToGRPC(err)
	}
	s := c.sessions.open(req.Principal, c.cfg.Now())
	c.logger.DebugContext(ctx, "session opened", "principal", req.Principal)
	return &wire.OpenSessionResponse{
		SessionToken:      s.token,
		IdleTimeoutMillis: c.cfg.SessionIdleTimeout.Milliseconds(),
	}, nil
}

// CloseSession implements wire.QueryServiceServer. Queries submitted in the
// session keep their state.
func (c *Coordinator) CloseSession(ctx context.Context, req *wire.CloseSessionRequest) (*wire.CloseSessionResponse, error) {
	c.sessions.close(req.SessionToken)
	return &wire.CloseSessionResponse{}, nil
}

// SubmitQuery implements wire.QueryServiceServer. Planning continues in the
// background; poll GetQueryStatus for the outcome.
func (c *Coordinator) SubmitQuery(ctx context.Context, req *wire.SubmitQueryRequest) (*wire.SubmitQueryResponse, error) {
	s, err := c.sessions.touch(req.SessionToken, c.cfg.Now())
	if err != nil {
		return nil, mterrors.ToGRPC(err)
	}
	stmt, err := validateReadOnly(req.Query)
	if err != nil {
		return nil, mterrors.ToGRPC(err)
	}

	id := uuid.NewString()
	planCtx, stop := context.WithCancel(c.ctx)
	// Plan tokens carry whole seconds; the reported expiry must match them.
	expiresAt := c.cfg.Now().Add(c.cfg.QueryTTL).Truncate(time.Second)
	q := newQuery(id, s.principal, stmt, req.ParallelismHint, expiresAt, stop)

	c.mu.Lock()
	c.queries[id] = q
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "query submitted", "query_id", id, "principal", s.principal, "parallelism_hint", req.ParallelismHint)
	c.wg.Add(1)
	go c.plan(planCtx, q)
	return &wire.SubmitQueryResponse{QueryID: id}, nil
}

// plan describes q against the catalog and produces one signed fragment
// per executor.
func (c *Coordinator) plan(ctx context.Context, q *query) {
	defer c.wg.Done()
	defer q.stopPlanning()

	schema, fragments, err := c.buildPlan(ctx, q)
	if err != nil {
		if ctx.Err() != nil {
			// Cancelled or closed meanwhile; that transition already happened.
			return
		}
		if _, ok := q.transition(wire.QueryStateFailed, err, nil, nil); ok {
			c.logger.Info("query planning failed", "query_id", q.id, "error", err)
		}
		return
	}
	if _, ok := q.transition(wire.QueryStateReady, nil, schema, fragments); ok {
		c.logger.Info("query ready", "query_id", q.id, "fragments", len(fragments), "schema", schema.String())
	}
}

func (c *Coordinator) buildPlan(ctx context.Context, q *query) (schema sqltypes.Schema, fragments []*wire.Fragment, err error) {
	if d := c.cfg.PlanningDelay; d > 0 {
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, nil, mterrors.FromContext(ctx.Err(), "planning")
		}
	}

	schema, err = c.cfg.Catalog.Describe(ctx, q.sql)
	if err != nil {
		return nil, nil, mterrors.Wrap(mterrors.KindPlanning, err, "describe query")
	}
	if len(schema) == 0 {
		return nil, nil, mterrors.New(mterrors.KindPlanning, "query has no result columns")
	}

	if q.hint > 0 && int(q.hint) != len(c.cfg.Executors) {
		c.logger.Debug("parallelism hint not followed", "query_id", q.id, "hint", q.hint, "fragments", len(c.cfg.Executors))
	}
	n := int32(len(c.cfg.Executors))
	fragments = make([]*wire.Fragment, 0, n)
	for i, addr := range c.cfg.Executors {
		plan, err := c.cfg.Signer.SignPlan(q.id, int32(i), n, q.sql, q.expiresAt)
		if err != nil {
			return nil, nil, mterrors.Wrap(mterrors.KindPlanning, err, "sign plan")
		}
		fragments = append(fragments, &wire.Fragment{
			Index:     int32(i),
			Locations: []string{addr},
			Plan:      plan,
		})
	}
	return schema, fragments, nil
}

// lookup returns query id if it belongs to the principal of the session.
func (c *Coordinator) lookup(token, id string) (*query, error) {
	s, err := c.sessions.touch(token, c.cfg.Now())
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	q, ok := c.queries[id]
	c.mu.Unlock()
	if !ok {
		return nil, mterrors.Errorf(mterrors.KindPlanning, "unknown query %s", id)
	}
	if q.principal != s.principal {
		return nil, mterrors.Errorf(mterrors.KindAuthentication, "query %s belongs to another principal", id)
	}
	return q, nil
}

// GetQueryStatus implements wire.QueryServiceServer. When KnownState is set
// the call is held until the state differs from it or WaitMillis elapses.
func (c *Coordinator) GetQueryStatus(ctx context.Context, req *wire.GetQueryStatusRequest) (*wire.GetQueryStatusResponse, error) {
	q, err := c.lookup(req.SessionToken, req.QueryID)
	if err != nil {
		return nil, mterrors.ToGRPC(err)
	}
	wait := min(time.Duration(req.WaitMillis)*time.Millisecond, c.cfg.MaxStatusWait)
	if err := q.wait(ctx, req.KnownState, wait); err != nil {
		return nil, mterrors.ToGRPC(err)
	}
	return q.status(), nil
}

// CancelQuery implements wire.QueryServiceServer. A planned query is
// cancelled on every executor before the call returns.
func (c *Coordinator) CancelQuery(ctx context.Context, req *wire.CancelQueryRequest) (*wire.CancelQueryResponse, error) {
	q, err := c.lookup(req.SessionToken, req.QueryID)
	if err != nil {
		return nil, mterrors.ToGRPC(err)
	}
	reason := req.Reason
	if reason == "" {
		reason = "cancelled by client"
	}
	err = mterrors.Errorf(mterrors.KindCancelled, "query cancelled: %s", reason)
	from, ok := q.transition(wire.QueryStateCancelled, err, nil, nil)
	if !ok {
		// Already failed, cancelled or closed.
		state, _ := q.current()
		return &wire.CancelQueryResponse{State: state}, nil
	}
	q.stopPlanning()
	c.logger.InfoContext(ctx, "query cancelled", "query_id", q.id, "reason", reason)

	if from == wire.QueryStateReady {
		if err := c.cancelFragments(ctx, q, reason); err != nil {
			return nil, mterrors.ToGRPC(err)
		}
	}
	return &wire.CancelQueryResponse{State: wire.QueryStateCancelled}, nil
}

// CloseQuery implements wire.QueryServiceServer. Executors drop the
// query's fragments; the query stays visible as CLOSED until it expires.
func (c *Coordinator) CloseQuery(ctx context.Context, req *wire.CloseQueryRequest) (*wire.CloseQueryResponse, error) {
	q, err := c.lookup(req.SessionToken, req.QueryID)
	if err != nil {
		return nil, mterrors.ToGRPC(err)
	}
	from, ok := q.transition(wire.QueryStateClosed, nil, nil, nil)
	if !ok {
		return &wire.CloseQueryResponse{}, nil
	}
	q.stopPlanning()
	c.logger.DebugContext(ctx, "query closed", "query_id", q.id)

	if from == wire.QueryStateReady {
		// Release executor buffers. The query is done, so failures only
		// delay cleanup until the runs expire.
		if err := c.cancelFragments(ctx, q, "query closed"); err != nil {
			c.logger.WarnContext(ctx, "failed to release fragments", "query_id", q.id, "error", err)
		}
	}
	return &wire.CloseQueryResponse{}, nil
}

// cancelFragments asks every executor to abandon the fragments of q.
func (c *Coordinator) cancelFragments(ctx context.Context, q *query, reason string) error {
	token, err := c.cfg.Signer.SignCancel(q.id, c.cfg.Now().Add(c.cfg.CancelTimeout+time.Minute))
	if err != nil {
		return mterrors.Wrap(mterrors.KindExecution, err, "sign cancel token")
	}
	// The fan-out finishes even if the caller goes away.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CancelTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, addr := range c.cfg.Executors {
		g.Go(func() error {
			resp, err := c.cfg.ExecutorClient.CancelQuery(gctx, addr, &wire.CancelFragmentsRequest{
				QueryID: q.id,
				Token:   token,
				Reason:  reason,
			})
			if err != nil {
				return fmt.Errorf("executor %s: %w", addr, mterrors.FromGRPC(err))
			}
			c.logger.DebugContext(gctx, "executor cancelled fragments", "query_id", q.id, "addr", addr, "runs", resp.Cancelled)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return mterrors.Wrap(mterrors.KindConnection, err, "cancel fragments")
	}
	return nil
}
