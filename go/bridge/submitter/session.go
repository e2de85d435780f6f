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
	"sync"
	"time"

	"github.com/multigres/multisplit/go/common/mterrors"
	"github.com/multigres/multisplit/go/common/sqltypes"
	"github.com/multigres/multisplit/go/common/wire"
	"github.com/multigres/multisplit/go/tools/retry"
)

// Session is an authenticated control session. A session carries at most
// one planning call at a time; concurrent Submits on one Session queue up.
type Session struct {
	s           *Submitter
	token       string
	idleTimeout time.Duration

	// mu serializes planning calls.
	mu sync.Mutex

	closeMu sync.Mutex
	closed  bool
	onClose func() error
}

// OpenSession authenticates creds against the query service.
func (s *Submitter) OpenSession(ctx context.Context, creds Credentials) (*Session, error) {
	if creds.Principal == "" {
		return nil, mterrors.New(mterrors.KindAuthentication, "no principal configured")
	}
	resp, err := s.client.OpenSession(ctx, &wire.OpenSessionRequest{
		Principal: creds.Principal,
		Secret:    creds.Secret,
	})
	if err != nil {
		return nil, wrapRPC(err, "open session")
	}
	s.opts.logger.DebugContext(ctx, "opened session", "principal", creds.Principal)
	return &Session{
		s:           s,
		token:       resp.SessionToken,
		idleTimeout: time.Duration(resp.IdleTimeoutMillis) * time.Millisecond,
	}, nil
}

// IdleTimeout is how long the service keeps the session without calls.
func (sess *Session) IdleTimeout() time.Duration {
	return sess.idleTimeout
}

// Submit plans query and waits for the fragments. Handles returned from a
// shared session do not close the session.
func (sess *Session) Submit(ctx context.Context, query string) (*QueryHandle, []*FragmentDescriptor, error) {
	if err := validateQuery(query); err != nil {
		return nil, nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	client := sess.s.client
	logger := sess.s.opts.logger

	resp, err := client.SubmitQuery(ctx, &wire.SubmitQueryRequest{
		SessionToken:    sess.token,
		Query:           query,
		ParallelismHint: int32(sess.s.opts.parallelismHint),
	})
	if err != nil {
		return nil, nil, wrapRPC(err, "submit query")
	}
	queryID := resp.QueryID
	logger.DebugContext(ctx, "query submitted", "query_id", queryID)

	status, err := sess.waitPlanned(ctx, queryID)
	if err != nil {
		logger.DebugContext(ctx, "planning did not complete", "query_id", queryID, "error", err)
		return nil, nil, &QueryError{QueryID: queryID, Err: err}
	}

	schema, err := sqltypes.SchemaFromWire(status.Schema)
	if err != nil {
		return nil, nil, &QueryError{QueryID: queryID, Err: mterrors.Wrap(mterrors.KindOf(err), err, fmt.Sprintf("query %s", queryID))}
	}
	frags := make([]*FragmentDescriptor, 0, len(status.Fragments))
	for _, f := range status.Fragments {
		if len(f.Locations) == 0 {
			err := mterrors.Errorf(mterrors.KindPlanning, "query %s: fragment %d has no locations", queryID, f.Index)
			return nil, nil, &QueryError{QueryID: queryID, Err: err}
		}
		frags = append(frags, &FragmentDescriptor{
			Index:     int(f.Index),
			Locations: append([]string(nil), f.Locations...),
			Plan:      f.Plan,
		})
	}

	handle := &QueryHandle{
		queryID: queryID,
		session: sess,
		schema:  schema,
	}
	if status.ExpiresAtMillis > 0 {
		handle.expiresAt = time.UnixMilli(status.ExpiresAtMillis)
	}
	logger.InfoContext(ctx, "query planned", "query_id", queryID, "fragments", len(frags), "schema", schema.String())
	return handle, frags, nil
}

// waitPlanned polls the query status until planning reaches a terminal
// state.
func (sess *Session) waitPlanned(ctx context.Context, queryID string) (*wire.GetQueryStatusResponse, error) {
	o := sess.s.opts
	r := retry.New(o.pollBaseDelay, o.pollMaxDelay, retry.WithDeadlineCheck())
	known := wire.QueryStatePlanning

	for _, err := range r.Attempts(ctx) {
		if err != nil {
			return nil, mterrors.FromContext(err, fmt.Sprintf("query %s did not finish planning", queryID))
		}

		wait := o.pollWait
		if deadline, ok := ctx.Deadline(); ok {
			// Leave half of what remains for the response to travel back.
			wait = min(wait, time.Until(deadline)/2)
		}
		resp, err := sess.s.client.GetQueryStatus(ctx, &wire.GetQueryStatusRequest{
			SessionToken: sess.token,
			QueryID:      queryID,
			WaitMillis:   max(wait.Milliseconds(), 0),
			KnownState:   known,
		})
		if err != nil {
			return nil, wrapRPC(err, fmt.Sprintf("query %s status", queryID))
		}

		switch resp.State {
		case wire.QueryStateReady:
			return resp, nil
		case wire.QueryStateFailed:
			if perr := mterrors.FromRPCError(resp.Error); perr != nil {
				return nil, mterrors.Wrap(mterrors.KindOf(perr), perr, fmt.Sprintf("query %s failed", queryID))
			}
			return nil, mterrors.Errorf(mterrors.KindPlanning, "query %s failed", queryID)
		case wire.QueryStateCancelled:
			return nil, mterrors.Errorf(mterrors.KindCancelled, "query %s was cancelled during planning", queryID)
		case wire.QueryStateClosed:
			return nil, mterrors.Errorf(mterrors.KindPlanning, "query %s was closed during planning", queryID)
		case wire.QueryStatePlanning:
			known = resp.State
		default:
			return nil, mterrors.Errorf(mterrors.KindPlanning, "query %s: unexpected state %q", queryID, resp.State)
		}
	}
	// Attempts only stops after yielding an error, which returns above.
	return nil, mterrors.Errorf(mterrors.KindTimeout, "query %s did not finish planning", queryID)
}

// Close ends the session on the service. Queries submitted in it are not
// cancelled. Calling Close again is a no-op.
func (sess *Session) Close(ctx context.Context) error {
	sess.closeMu.Lock()
	if sess.closed {
		sess.closeMu.Unlock()
		return nil
	}
	sess.closed = true
	onClose := sess.onClose
	sess.closeMu.Unlock()

	var rpcErr error
	if _, err := sess.s.client.CloseSession(ctx, &wire.CloseSessionRequest{SessionToken: sess.token}); err != nil {
		rpcErr = wrapRPC(err, "close session")
	}
	var releaseErr error
	if onClose != nil {
		releaseErr = onClose()
	}
	return closeErr(rpcErr, releaseErr)
}
