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

// Package queryservice contains the interface executors and the
// coordinator run statements through.
//
// This interface is implemented by:
// - storage.Store (a partition in sqlite or PostgreSQL)
// - wrappers in the test cluster that block or count executions
package queryservice

import (
	"context"

	"github.com/multigres/multisplit/go/common/sqltypes"
)

// QueryService executes read-only statements against one partition.
//
// All methods must be safe to be called concurrently.
type QueryService interface {
	// StreamExecute executes sql and streams results back via callback.
	// The first Result carries the Fields and no rows; later Results carry
	// row batches of at most batchRows rows. If the callback returns an
	// error, streaming stops and that error is returned.
	//
	// The context can be used to cancel the stream.
	StreamExecute(
		ctx context.Context,
		sql string,
		batchRows int,
		callback func(context.Context, *sqltypes.Result) error,
	) error

	// Describe returns the result columns of sql without reading rows.
	Describe(ctx context.Context, sql string) (sqltypes.Schema, error)

	// Close closes the query service and releases resources.
	// After Close is called, no other methods should be called.
	Close(ctx context.Context) error
}
