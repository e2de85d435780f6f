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

// Package submitter hands a query to the query service and waits until the
// service has planned it into fragments.
//
// The flow is: open a control session, submit the query, then poll the
// query status until planning is READY or FAILED. Polls are long polls: the
// service holds each call until the state changes or a wait budget expires,
// and the client backs off exponentially between calls.
//
// A Submit never retries on its own and never closes the query behind the
// caller's back. When planning outlives the caller's deadline a Timeout
// error is returned and the query is left running on the service, where it
// expires unless someone cancels it.
package submitter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc"

	"github.com/multigres/multisplit/go/common/mterrors"
	"github.com/multigres/multisplit/go/common/wire"
	"github.com/multigres/multisplit/go/tools/grpccommon"
)

// FragmentDescriptor is one unit of remote work as the service planned it.
// Locations are executor addresses, preferred first. Plan is opaque to the
// client and handed back to the executor verbatim.
type FragmentDescriptor struct {
	Index     int
	Locations []string
	Plan      []byte
}

// Submitter talks to one query service. It is safe for concurrent use;
// each Submit opens its own session.
type Submitter struct {
	client wire.QueryServiceClient
	conn   *grpc.ClientConn
	opts   options
}

// New dials target lazily. Close releases the connection.
func New(target string, opts ...Option) (*Submitter, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	dialOpts := append(grpccommon.LocalClientDialOptions(), o.dialOptions...)
	conn, err := grpccommon.NewClient(target, dialOpts...)
	if err != nil {
		return nil, mterrors.Wrap(mterrors.KindConnection, err, fmt.Sprintf("dial query service %s", target))
	}
	return &Submitter{
		client: wire.NewQueryServiceClient(conn),
		conn:   conn,
		opts:   o,
	}, nil
}

// NewWithClient builds a Submitter over an existing client. Close is a
// no-op for it.
func NewWithClient(client wire.QueryServiceClient, opts ...Option) *Submitter {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Submitter{client: client, opts: o}
}

// Close releases the connection, if the Submitter owns one.
func (s *Submitter) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// Submit dials target, plans query and returns the handle with one
// descriptor per fragment. The handle owns the connection and the session:
// QueryHandle.Close releases both.
func Submit(ctx context.Context, target string, creds Credentials, query string, opts ...Option) (*QueryHandle, []*FragmentDescriptor, error) {
	if err := validateQuery(query); err != nil {
		return nil, nil, err
	}
	s, err := New(target, opts...)
	if err != nil {
		return nil, nil, err
	}
	handle, frags, err := s.submit(ctx, creds, query, s.Close)
	if err != nil {
		_ = s.Close()
		return nil, nil, err
	}
	return handle, frags, nil
}

// Submit plans query in a new session. The returned handle owns that
// session; the Submitter's connection stays with the Submitter.
func (s *Submitter) Submit(ctx context.Context, creds Credentials, query string) (*QueryHandle, []*FragmentDescriptor, error) {
	if err := validateQuery(query); err != nil {
		return nil, nil, err
	}
	return s.submit(ctx, creds, query, nil)
}

func (s *Submitter) submit(ctx context.Context, creds Credentials, query string, onClose func() error) (*QueryHandle, []*FragmentDescriptor, error) {
	if s.opts.planningTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.planningTimeout)
		defer cancel()
	}

	sess, err := s.OpenSession(ctx, creds)
	if err != nil {
		return nil, nil, err
	}
	sess.onClose = onClose

	handle, frags, err := sess.Submit(ctx, query)
	if err != nil {
		// The session is only ours to drop. A query that timed out keeps
		// running on the service.
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		if cerr := sess.Close(closeCtx); cerr != nil {
			s.opts.logger.DebugContext(ctx, "failed to close session after submit error", "error", cerr)
		}
		return nil, nil, err
	}
	handle.ownsSession = true
	return handle, frags, nil
}

// CancelQuery cancels a query by id from a fresh session of the same
// principal. It is how a process other than the submitter stops a query.
func (s *Submitter) CancelQuery(ctx context.Context, creds Credentials, queryID, reason string) error {
	sess, err := s.OpenSession(ctx, creds)
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close(context.WithoutCancel(ctx)) }()

	_, err = s.client.CancelQuery(ctx, &wire.CancelQueryRequest{
		SessionToken: sess.token,
		QueryID:      queryID,
		Reason:       reason,
	})
	if err != nil {
		return wrapRPC(err, fmt.Sprintf("cancel query %s", queryID))
	}
	return nil
}

func validateQuery(query string) error {
	if strings.TrimSpace(query) == "" {
		return mterrors.New(mterrors.KindPlanning, "query is empty")
	}
	return nil
}

// wrapRPC converts a gRPC error and prefixes it with op, keeping its kind.
func wrapRPC(err error, op string) error {
	err = mterrors.FromGRPC(err)
	return mterrors.Wrap(mterrors.KindOf(err), err, op)
}

// closeErr joins the errors of a teardown sequence.
func closeErr(errs ...error) error {
	return errors.Join(errs...)
}
