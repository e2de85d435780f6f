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
	"log/slog"
	"time"

	"google.golang.org/grpc"
)

const (
	// DefaultPollWait is how long one GetQueryStatus call may be held by the
	// coordinator waiting for a state change.
	DefaultPollWait = 2 * time.Second
	// DefaultPollBaseDelay and DefaultPollMaxDelay pace the polls between
	// long-poll calls.
	DefaultPollBaseDelay = 20 * time.Millisecond
	DefaultPollMaxDelay  = 1 * time.Second
)

// Credentials identify the caller to the query service. They come from the
// caller's configuration and are never defaulted.
type Credentials struct {
	Principal string
	Secret    string
}

type options struct {
	planningTimeout time.Duration
	pollWait        time.Duration
	pollBaseDelay   time.Duration
	pollMaxDelay    time.Duration
	parallelismHint int
	dialOptions     []grpc.DialOption
	logger          *slog.Logger
}

func defaultOptions() options {
	return options{
		pollWait:      DefaultPollWait,
		pollBaseDelay: DefaultPollBaseDelay,
		pollMaxDelay:  DefaultPollMaxDelay,
		logger:        slog.Default(),
	}
}

// Option configures a Submitter.
type Option func(*options)

// WithPlanningTimeout bounds a whole Submit call, session setup included.
// Zero leaves only the context deadline in effect.
func WithPlanningTimeout(d time.Duration) Option {
	return func(o *options) { o.planningTimeout = d }
}

// WithPollWait sets the server-side wait budget of each status poll.
func WithPollWait(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollWait = d
		}
	}
}

// WithPollBackoff sets the client-side delays between status polls.
func WithPollBackoff(base, max time.Duration) Option {
	return func(o *options) {
		if base > 0 && max >= base {
			o.pollBaseDelay = base
			o.pollMaxDelay = max
		}
	}
}

// WithParallelismHint forwards the caller's desired split count. The
// service treats it as advisory.
func WithParallelismHint(n int) Option {
	return func(o *options) { o.parallelismHint = n }
}

// WithDialOptions appends gRPC dial options, after the local defaults.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(o *options) { o.dialOptions = append(o.dialOptions, opts...) }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}
