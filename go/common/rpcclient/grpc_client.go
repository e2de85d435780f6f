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

package rpcclient

import (
	"context"

	"google.golang.org/grpc"

	"github.com/multigres/multisplit/go/common/wire"
)

// Client implements ExecutorClient using gRPC with cached persistent connections.
// It maintains one persistent connection per executor address, up to a maximum capacity.
// When capacity is reached, it uses LRU eviction to close least recently used connections.
type Client struct {
	cache *connCache
}

var _ ExecutorClient = (*Client)(nil)

// NewClient creates a new gRPC-based ExecutorClient with specified capacity.
// A capacity of zero or less selects the default of 100.
func NewClient(capacity int, dialOpts ...grpc.DialOption) *Client {
	return &Client{
		cache: newConnCacheWithCapacity(capacity, dialOpts...),
	}
}

// dialPersistent gets or creates a cached connection to the executor.
// It returns the connection and a closer function that must be called
// when the RPC is complete to decrement the reference count.
// The closer should be called even if the RPC fails.
func (c *Client) dialPersistent(ctx context.Context, addr string) (*cachedConn, closeFunc, error) {
	return c.cache.getOrDial(ctx, addr)
}

// CancelQuery implements ExecutorClient.
func (c *Client) CancelQuery(ctx context.Context, addr string, request *wire.CancelFragmentsRequest) (*wire.CancelFragmentsResponse, error) {
	conn, closer, err := c.dialPersistent(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = closer()
	}()

	return conn.client.CancelQuery(ctx, request)
}

// CloseExecutor implements ExecutorClient.
func (c *Client) CloseExecutor(addr string) {
	c.cache.close(addr)
}

// Close implements ExecutorClient.
func (c *Client) Close() {
	c.cache.closeAll()
}
