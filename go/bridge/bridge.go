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

// Package bridge is the entry point for data-processing frameworks: plan a
// query into splits on the coordinating side, then read each split
// wherever the framework schedules it.
//
//	handle, ss, err := bridge.GetSplits(ctx, "SELECT * FROM t", target, creds, 4)
//	if err != nil {
//	    return err
//	}
//	defer handle.Close(ctx)
//	for _, s := range ss {
//	    r := bridge.CreateReader(s)
//	    ...
//	}
package bridge

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/multigres/multisplit/go/bridge/reader"
	"github.com/multigres/multisplit/go/bridge/splits"
	"github.com/multigres/multisplit/go/bridge/submitter"
	"github.com/multigres/multisplit/go/common/mterrors"
	"github.com/multigres/multisplit/go/common/sqltypes"
)

// GetSplits submits query to the query service at target and returns one
// split per planned fragment, with the handle that owns the query. The
// caller closes the handle once every split is read, or cancels it.
// desiredParallelism is passed on as a hint; the service picks the number
// of fragments.
func GetSplits(ctx context.Context, query, target string, creds submitter.Credentials, desiredParallelism int, opts ...submitter.Option) (*submitter.QueryHandle, []*splits.Split, error) {
	opts = append(opts, submitter.WithParallelismHint(desiredParallelism))
	handle, frags, err := submitter.Submit(ctx, target, creds, query, opts...)
	if err != nil {
		return nil, nil, err
	}
	return handle, splits.Plan(handle, frags), nil
}

// CreateReader returns an unopened reader for split.
func CreateReader(split *splits.Split, opts ...reader.Option) *reader.Reader {
	return reader.New(split, opts...)
}

// RowFunc receives one row of split. row is only valid during the call.
type RowFunc func(split *splits.Split, row *sqltypes.RowBuffer) error

// ReadAll reads every split, at most parallelism at a time. Rows of one
// split reach fn in stream order; rows of different splits interleave in
// no particular order. fn is never called concurrently, nor again after it
// fails. The first error, from a reader or from fn, stops all reads and is
// returned.
func ReadAll(ctx context.Context, ss []*splits.Split, parallelism int, fn RowFunc, opts ...reader.Option) error {
	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(max(parallelism, 1)))
	var (
		fnMu  sync.Mutex
		fnErr error
	)

	for _, s := range ss {
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			return readSplit(gctx, s, opts, func(row *sqltypes.RowBuffer) error {
				fnMu.Lock()
				defer fnMu.Unlock()
				if fnErr != nil {
					return fnErr
				}
				fnErr = fn(s, row)
				return fnErr
			})
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	// A cancelled ctx can stop the loop before any reader failed.
	return mterrors.FromContext(ctx.Err(), "read splits")
}

func readSplit(ctx context.Context, s *splits.Split, opts []reader.Option, fn func(*sqltypes.RowBuffer) error) error {
	r := reader.New(s, opts...)
	defer func() { _ = r.Close() }()

	if err := r.Open(ctx); err != nil {
		return fmt.Errorf("%s: %w", s.Name(), err)
	}
	for {
		ok, err := r.Next()
		if err != nil {
			return fmt.Errorf("%s: %w", s.Name(), err)
		}
		if !ok {
			return nil
		}
		if err := fn(r.Row()); err != nil {
			return err
		}
	}
}
