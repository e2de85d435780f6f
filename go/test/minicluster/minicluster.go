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

// Package minicluster runs a coordinator and a set of executors in the test
// process, connected over in-memory gRPC listeners. Every executor owns an
// in-memory sqlite partition; LoadTable spreads rows across them.
//
//	c := minicluster.Start(t, minicluster.WithExecutors(4))
//	c.LoadTable(t, "t", schema, rows)
//	handle, ss, err := bridge.GetSplits(ctx, "SELECT * FROM t", c.Target(), c.Credentials(), 4,
//	    submitter.WithDialOptions(c.DialOptions()...))
package minicluster

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/multigres/multisplit/go/bridge/submitter"
	"github.com/multigres/multisplit/go/common/plantoken"
	"github.com/multigres/multisplit/go/common/queryservice"
	"github.com/multigres/multisplit/go/common/rpcclient"
	"github.com/multigres/multisplit/go/common/sqltypes"
	"github.com/multigres/multisplit/go/services/coordinator"
	"github.com/multigres/multisplit/go/services/executor"
	"github.com/multigres/multisplit/go/services/storage"
	"github.com/multigres/multisplit/go/test/utils"
	"github.com/multigres/multisplit/go/tools/grpccommon"
)

const (
	coordinatorName = "coordinator"
	principal       = "tester"
	secret          = "tester-secret"
)

var planKey = []byte("minicluster-plan-signing-key-0123")

type config struct {
	executors     int
	batchRows     int
	planningDelay time.Duration
	queryTTL      time.Duration
	wrap          func(i int, src queryservice.QueryService) queryservice.QueryService
}

// Option configures Start.
type Option func(*config)

// WithExecutors sets the number of executors, and so of fragments per
// query. The default is 2.
func WithExecutors(n int) Option {
	return func(c *config) { c.executors = n }
}

// WithBatchRows sets the executors' batch size.
func WithBatchRows(n int) Option {
	return func(c *config) { c.batchRows = n }
}

// WithPlanningDelay slows down every planning by d.
func WithPlanningDelay(d time.Duration) Option {
	return func(c *config) { c.planningDelay = d }
}

// WithQueryTTL sets how long planned queries stay valid.
func WithQueryTTL(d time.Duration) Option {
	return func(c *config) { c.queryTTL = d }
}

// WithSourceWrapper wraps the partition of executor i, for instance in a
// Gate or a Counter.
func WithSourceWrapper(wrap func(i int, src queryservice.QueryService) queryservice.QueryService) Option {
	return func(c *config) { c.wrap = wrap }
}

// Cluster is a running coordinator with its executors.
type Cluster struct {
	Coordinator *coordinator.Coordinator
	Executors   []*executor.Executor
	// Partitions are the executors' databases, by executor index.
	Partitions []*storage.Store
	Catalog    *storage.Store
	Signer     *plantoken.Signer

	addrs     []string
	listeners map[string]*bufconn.Listener
	servers   []*grpc.Server
	logger    *slog.Logger

	mu   sync.Mutex
	next int
}

// Start brings up a cluster and registers its shutdown with t.Cleanup.
func Start(t testing.TB, opts ...Option) *Cluster {
	t.Helper()
	cfg := config{executors: 2, queryTTL: time.Minute}
	for _, o := range opts {
		o(&cfg)
	}
	require.Positive(t, cfg.executors)

	ctx := context.Background()
	c := &Cluster{
		listeners: make(map[string]*bufconn.Listener),
		logger:    utils.NewTestLogger(t),
	}
	var err error
	c.Signer, err = plantoken.NewSigner(planKey)
	require.NoError(t, err)
	c.Catalog, err = storage.OpenCatalog(ctx, c.logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Catalog.Close(ctx) })

	for i := range cfg.executors {
		name := fmt.Sprintf("exec-%d", i)
		store, err := storage.OpenMemory(ctx, "", c.logger.With("partition", i))
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close(ctx) })
		c.Partitions = append(c.Partitions, store)

		var src queryservice.QueryService = store
		if cfg.wrap != nil {
			src = cfg.wrap(i, src)
		}
		exec, err := executor.New(executor.Config{
			Name:      name,
			Source:    src,
			Signer:    c.Signer,
			BatchRows: cfg.batchRows,
			Logger:    c.logger,
		})
		require.NoError(t, err)
		c.Executors = append(c.Executors, exec)
		c.addrs = append(c.addrs, "passthrough:///"+name)
		c.serve(name, exec.Register)
	}

	users := coordinator.NewUsers()
	require.NoError(t, users.Add(principal, secret, bcrypt.MinCost))
	execClient := rpcclient.NewExecutorClient(0, append(grpccommon.LocalClientDialOptions(), c.DialOptions()...)...)
	c.Coordinator, err = coordinator.New(coordinator.Config{
		Users:          users,
		Catalog:        c.Catalog,
		Executors:      c.addrs,
		Signer:         c.Signer,
		ExecutorClient: execClient,
		QueryTTL:       cfg.queryTTL,
		PlanningDelay:  cfg.planningDelay,
		Logger:         c.logger,
	})
	require.NoError(t, err)
	c.serve(coordinatorName, c.Coordinator.Register)

	t.Cleanup(func() {
		for _, s := range c.servers {
			s.Stop()
		}
		c.Coordinator.Close()
		execClient.Close()
		for _, e := range c.Executors {
			e.Close()
		}
	})
	return c
}

func (c *Cluster) serve(name string, register func(grpc.ServiceRegistrar)) {
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpccommon.ServerOptions(c.logger)...)
	register(srv)
	go func() { _ = srv.Serve(lis) }()
	c.listeners[name] = lis
	c.servers = append(c.servers, srv)
}

// Target is the coordinator address for submitter.Submit.
func (c *Cluster) Target() string {
	return "passthrough:///" + coordinatorName
}

// ExecutorAddrs returns the executor addresses in fragment order.
func (c *Cluster) ExecutorAddrs() []string {
	return c.addrs
}

// Credentials are accepted by the coordinator.
func (c *Cluster) Credentials() submitter.Credentials {
	return submitter.Credentials{Principal: principal, Secret: secret}
}

// DialOptions route the cluster's addresses to its in-memory listeners.
// Pass them to submitter.WithDialOptions and reader.WithDialOptions.
func (c *Cluster) DialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
			lis, ok := c.listeners[addr]
			if !ok {
				return nil, fmt.Errorf("minicluster has no node %q", addr)
			}
			return lis.DialContext(ctx)
		}),
	}
}

// LoadTable creates table in the catalog and in every partition, then
// inserts rows round-robin across the partitions, continuing from where
// the previous LoadTable stopped.
func (c *Cluster) LoadTable(t *testing.T, table string, schema sqltypes.Schema, rows [][]any) {
	t.Helper()
	ctx := utils.WithShortDeadline(t)
	require.NoError(t, c.Catalog.CreateTable(ctx, table, schema))
	perPartition := make([][][]any, len(c.Partitions))
	c.mu.Lock()
	for _, row := range rows {
		perPartition[c.next] = append(perPartition[c.next], row)
		c.next = (c.next + 1) % len(c.Partitions)
	}
	c.mu.Unlock()
	for i, p := range c.Partitions {
		require.NoError(t, p.CreateTable(ctx, table, schema))
		if len(perPartition[i]) > 0 {
			require.NoError(t, p.Insert(ctx, table, schema.Names(), perPartition[i]))
		}
	}
}
