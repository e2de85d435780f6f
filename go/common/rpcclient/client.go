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

// Package rpcclient is the coordinator's client for executor nodes.
//
// The coordinator talks to the same small set of executors for every query
// it cancels or closes, so connections are cached per executor address with
// LRU eviction of unreferenced connections once the cache is full.
//
// Basic usage:
//
//	client := rpcclient.NewExecutorClient(100)
//	defer client.Close()
//
//	resp, err := client.CancelQuery(ctx, "10.0.0.7:15300", &wire.CancelFragmentsRequest{
//	    QueryID: queryID,
//	    Token:   token,
//	    Reason:  "cancelled by client",
//	})
//
//	// Drop the cached connection to an executor that left the cluster.
//	client.CloseExecutor("10.0.0.7:15300")
//
// # Implementation Details
//
// The cache (connCache) keeps a map of address to *cachedConn, an eviction
// queue sorted by reference count and last access time, and a semaphore
// that bounds the number of connections to the cache capacity. Each RPC
// holds a reference on its connection until it returns.
//
// A dial that finds the cache full evicts the least recently used idle
// connection, or waits for one to become idle. The design follows Vitess's
// cachedConnDialer.
package rpcclient

import (
	"context"

	"google.golang.org/grpc"

	"github.com/multigres/multisplit/go/common/wire"
)

// ExecutorClient sends control RPCs to executor nodes, addressed by their
// gRPC address.
type ExecutorClient interface {
	// CancelQuery stops the fragments of a query running on the executor.
	CancelQuery(ctx context.Context, addr string, request *wire.CancelFragmentsRequest) (*wire.CancelFragmentsResponse, error)

	// CloseExecutor closes and removes the cached connection to addr.
	// Subsequent calls to addr create a new connection.
	CloseExecutor(addr string)

	// Close closes all cached connections. The client must not be used
	// afterwards.
	Close()
}

// NewExecutorClient creates an ExecutorClient with connection caching.
// capacity bounds the number of simultaneous connections to distinct
// executors. dialOpts are applied to every connection.
func NewExecutorClient(capacity int, dialOpts ...grpc.DialOption) ExecutorClient {
	return NewClient(capacity, dialOpts...)
}
