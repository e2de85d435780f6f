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
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"

	"github.com/multigres/multisplit/go/common/plantoken"
	"github.com/multigres/multisplit/go/common/rpcclient"
	"github.com/multigres/multisplit/go/servenv"
	"github.com/multigres/multisplit/go/services/coordinator"
	"github.com/multigres/multisplit/go/services/executor"
	"github.com/multigres/multisplit/go/services/storage"
	"github.com/multigres/multisplit/go/tools/grpccommon"
)

// clusterConfig holds the settings that do not come from the cluster file.
type clusterConfig struct {
	coordinatorListen  string
	planKey            []byte
	planningDelay      time.Duration
	queryTTL           time.Duration
	sessionIdleTimeout time.Duration
	batchRows          int
	// listen opens the listener for an address.
	listen func(addr string) (net.Listener, error)
	// dialOptions are used for executor connections from the coordinator.
	dialOptions []grpc.DialOption
}

// cluster is a coordinator and its executors, ready to serve.
type cluster struct {
	logger      *slog.Logger
	coordinator *coordinator.Coordinator
	executors   []*executor.Executor
	stores      []*storage.Store
	execClient  rpcclient.ExecutorClient
	listeners   []servenv.Listener
	listenFn    func(addr string) (net.Listener, error)
}

func tcpListen(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

// newCluster opens the databases, loads the tables and builds the gRPC
// servers. Nothing is served until the listeners are passed to
// servenv.Run. On error everything opened so far is closed.
func newCluster(ctx context.Context, cf *ClusterFile, cfg clusterConfig, logger *slog.Logger) (_ *cluster, err error) {
	if cfg.listen == nil {
		cfg.listen = tcpListen
	}
	signer, err := plantoken.NewSigner(cfg.planKey)
	if err != nil {
		return nil, err
	}
	c := &cluster{logger: logger, listenFn: cfg.listen}
	defer func() {
		if err != nil {
			c.close()
		}
	}()

	catalog, err := storage.OpenCatalog(ctx, logger.With("store", "catalog"))
	if err != nil {
		return nil, err
	}
	c.stores = append(c.stores, catalog)

	partitions := make([]*storage.Store, 0, len(cf.Executors))
	for _, e := range cf.Executors {
		store, err := openPartition(ctx, e, logger)
		if err != nil {
			return nil, fmt.Errorf("executor %s: %w", e.Name, err)
		}
		c.stores = append(c.stores, store)
		partitions = append(partitions, store)
	}
	if err := loadTables(ctx, cf.Tables, catalog, partitions); err != nil {
		return nil, err
	}

	addrs := make([]string, 0, len(cf.Executors))
	for i, e := range cf.Executors {
		exec, err := executor.New(executor.Config{
			Name:      e.Name,
			Source:    partitions[i],
			Signer:    signer,
			BatchRows: cfg.batchRows,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		c.executors = append(c.executors, exec)
		if err := c.serve(e.Name, e.Listen, exec.Register); err != nil {
			return nil, err
		}
		addrs = append(addrs, e.advertised())
	}

	users := coordinator.NewUsers()
	for _, u := range cf.Users {
		if u.BcryptHash != "" {
			err = users.AddHash(u.Principal, u.BcryptHash)
		} else {
			err = users.Add(u.Principal, u.Secret, 0)
		}
		if err != nil {
			return nil, err
		}
	}

	c.execClient = rpcclient.NewExecutorClient(0, append(grpccommon.LocalClientDialOptions(), cfg.dialOptions...)...)
	c.coordinator, err = coordinator.New(coordinator.Config{
		Users:              users,
		Catalog:            catalog,
		Executors:          addrs,
		Signer:             signer,
		ExecutorClient:     c.execClient,
		SessionIdleTimeout: cfg.sessionIdleTimeout,
		QueryTTL:           cfg.queryTTL,
		PlanningDelay:      cfg.planningDelay,
		Logger:             logger,
	})
	if err != nil {
		return nil, err
	}
	if err := c.serve("coordinator", cfg.coordinatorListen, c.coordinator.Register); err != nil {
		return nil, err
	}

	logger.InfoContext(ctx, "cluster ready", "executors", addrs, "tables", len(cf.Tables))
	return c, nil
}

func openPartition(ctx context.Context, e ExecutorSpec, logger *slog.Logger) (*storage.Store, error) {
	logger = logger.With("store", e.Name)
	if e.Driver == "" || (e.Driver == storage.DriverSQLite && e.DSN == "") {
		return storage.OpenMemory(ctx, "", logger)
	}
	return storage.Open(ctx, e.Driver, e.DSN, logger)
}

// loadTables creates every table in the catalog and the partitions, and
// spreads its rows round-robin across the partitions.
func loadTables(ctx context.Context, tables []TableSpec, catalog *storage.Store, partitions []*storage.Store) error {
	next := 0
	for _, t := range tables {
		schema, err := t.Schema()
		if err != nil {
			return err
		}
		rows, err := t.Values()
		if err != nil {
			return err
		}
		if err := catalog.CreateTable(ctx, t.Name, schema); err != nil {
			return fmt.Errorf("catalog: %w", err)
		}
		perPartition := make([][][]any, len(partitions))
		for _, row := range rows {
			perPartition[next] = append(perPartition[next], row)
			next = (next + 1) % len(partitions)
		}
		for i, p := range partitions {
			if err := p.CreateTable(ctx, t.Name, schema); err != nil {
				return fmt.Errorf("partition %d: %w", i, err)
			}
			if len(perPartition[i]) == 0 {
				continue
			}
			if err := p.Insert(ctx, t.Name, schema.Names(), perPartition[i]); err != nil {
				return fmt.Errorf("partition %d: %w", i, err)
			}
		}
	}
	return nil
}

func (c *cluster) serve(name, addr string, register func(grpc.ServiceRegistrar)) error {
	lis, err := c.listenFn(addr)
	if err != nil {
		return fmt.Errorf("%s: listen on %s: %w", name, addr, err)
	}
	srv := grpc.NewServer(grpccommon.ServerOptions(c.logger)...)
	register(srv)
	c.listeners = append(c.listeners, servenv.Listener{Name: name, Server: srv, Listener: lis})
	return nil
}

// close stops the services and closes the databases. The gRPC servers are
// stopped by servenv.Run.
func (c *cluster) close() {
	if c.coordinator != nil {
		c.coordinator.Close()
	}
	if c.execClient != nil {
		c.execClient.Close()
	}
	for _, e := range c.executors {
		e.Close()
	}
	for _, l := range c.listeners {
		// Only listeners that were never served are still open.
		_ = l.Listener.Close()
	}
	for _, s := range c.stores {
		_ = s.Close(context.Background())
	}
}
