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

package minicluster

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/multigres/multisplit/go/common/queryservice"
	"github.com/multigres/multisplit/go/common/sqltypes"
)

// Counter counts the executions of a partition.
type Counter struct {
	queryservice.QueryService
	n atomic.Int32
}

// NewCounter wraps src.
func NewCounter(src queryservice.QueryService) *Counter {
	return &Counter{QueryService: src}
}

// StreamExecute implements queryservice.QueryService.
func (c *Counter) StreamExecute(ctx context.Context, sql string, batchRows int, callback func(context.Context, *sqltypes.Result) error) error {
	c.n.Add(1)
	return c.QueryService.StreamExecute(ctx, sql, batchRows, callback)
}

// Executions returns the number of StreamExecute calls so far.
func (c *Counter) Executions() int {
	return int(c.n.Load())
}

// Gate holds a partition's rows back: the schema goes out, then the first
// row batch waits until Release is called or the execution is cancelled.
type Gate struct {
	queryservice.QueryService

	once    sync.Once
	open    chan struct{}
	blocked chan struct{}
	signal  sync.Once
}

// NewGate wraps src in a closed gate.
func NewGate(src queryservice.QueryService) *Gate {
	return &Gate{
		QueryService: src,
		open:         make(chan struct{}),
		blocked:      make(chan struct{}),
	}
}

// Release opens the gate.
func (g *Gate) Release() {
	g.once.Do(func() { close(g.open) })
}

// Blocked is closed once an execution waits at the gate.
func (g *Gate) Blocked() <-chan struct{} {
	return g.blocked
}

// StreamExecute implements queryservice.QueryService.
func (g *Gate) StreamExecute(ctx context.Context, sql string, batchRows int, callback func(context.Context, *sqltypes.Result) error) error {
	return g.QueryService.StreamExecute(ctx, sql, batchRows, func(ctx context.Context, res *sqltypes.Result) error {
		if res.Fields == nil {
			g.signal.Do(func() { close(g.blocked) })
			select {
			case <-g.open:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return callback(ctx, res)
	})
}
