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

package submitter

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/multigres/multisplit/go/common/sqltypes"
	"github.com/multigres/multisplit/go/common/wire"
)

// QueryHandle refers to a planned query on the service. The caller owns it
// and releases it with Close, or abandons the query with Cancel.
type QueryHandle struct {
	queryID     string
	session     *Session
	schema      sqltypes.Schema
	expiresAt   time.Time
	ownsSession bool

	cancelled atomic.Bool
	closed    atomic.Bool
}

// QueryID returns the service-assigned query id.
func (h *QueryHandle) QueryID() string {
	return h.queryID
}

// Schema returns the result schema shared by every fragment.
func (h *QueryHandle) Schema() sqltypes.Schema {
	return h.schema
}

// ExpiresAt is when the service drops the query if nobody closes it. Zero
// when the service did not say.
func (h *QueryHandle) ExpiresAt() time.Time {
	return h.expiresAt
}

// Cancel asks the service to abandon the query. Executors stop its
// fragments and readers blocked on them fail with a Cancelled error.
// Cancel on a closed handle is a no-op.
func (h *QueryHandle) Cancel(ctx context.Context) error {
	if h.closed.Load() {
		return nil
	}
	_, err := h.session.s.client.CancelQuery(ctx, &wire.CancelQueryRequest{
		SessionToken: h.session.token,
		QueryID:      h.queryID,
		Reason:       "cancelled by client",
	})
	if err != nil {
		return wrapRPC(err, fmt.Sprintf("cancel query %s", h.queryID))
	}
	h.cancelled.Store(true)
	h.session.s.opts.logger.InfoContext(ctx, "query cancelled", "query_id", h.queryID)
	return nil
}

// Close releases the query on the service, and the session and connection
// when the handle owns them. Only the first call does anything.
func (h *QueryHandle) Close(ctx context.Context) error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	var rpcErr error
	if _, err := h.session.s.client.CloseQuery(ctx, &wire.CloseQueryRequest{
		SessionToken: h.session.token,
		QueryID:      h.queryID,
	}); err != nil {
		rpcErr = wrapRPC(err, fmt.Sprintf("close query %s", h.queryID))
	}
	var sessErr error
	if h.ownsSession {
		sessErr = h.session.Close(ctx)
	}
	return closeErr(rpcErr, sessErr)
}

// Cancelled reports whether Cancel succeeded on this handle.
func (h *QueryHandle) Cancelled() bool {
	return h.cancelled.Load()
}
