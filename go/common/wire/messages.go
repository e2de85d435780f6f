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

package wire

// QueryState is the lifecycle state of a submitted query on the coordinator.
type QueryState string

const (
	QueryStatePlanning  QueryState = "PLANNING"
	QueryStateReady     QueryState = "READY"
	QueryStateFailed    QueryState = "FAILED"
	QueryStateCancelled QueryState = "CANCELLED"
	QueryStateClosed    QueryState = "CLOSED"
)

// Terminal reports whether no further state transition can happen except
// CLOSED.
func (s QueryState) Terminal() bool {
	return s == QueryStateReady || s == QueryStateFailed || s == QueryStateCancelled || s == QueryStateClosed
}

// RPCError is an error carried inside a message rather than as a gRPC
// status. Code holds a google.golang.org/grpc/codes value.
type RPCError struct {
	Code    uint32 `json:"code"`
	Message string `json:"message"`
}

// Field describes one result column. Type is the sqltypes type name.
type Field struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Row is a result row encoded as lengths + concatenated values.
// A length of -1 is NULL, 0 is the empty value.
type Row struct {
	Lengths []int64 `json:"lengths"`
	Values  []byte  `json:"values"`
}

// Fragment is one unit of remote work produced by planning.
type Fragment struct {
	Index     int32    `json:"index"`
	Locations []string `json:"locations"`
	Plan      []byte   `json:"plan"`
}

//
// Control plane (QueryService)
//

type OpenSessionRequest struct {
	Principal string `json:"principal"`
	Secret    string `json:"secret"`
}

type OpenSessionResponse struct {
	SessionToken      string `json:"session_token"`
	IdleTimeoutMillis int64  `json:"idle_timeout_millis"`
}

type CloseSessionRequest struct {
	SessionToken string `json:"session_token"`
}

type CloseSessionResponse struct{}

type SubmitQueryRequest struct {
	SessionToken string `json:"session_token"`
	Query        string `json:"query"`
	// ParallelismHint is advisory. The coordinator decides the fragment count.
	ParallelismHint int32 `json:"parallelism_hint"`
}

type SubmitQueryResponse struct {
	QueryID string `json:"query_id"`
}

type GetQueryStatusRequest struct {
	SessionToken string `json:"session_token"`
	QueryID      string `json:"query_id"`
	// WaitMillis lets the coordinator hold the call until the state differs
	// from KnownState or the wait expires.
	WaitMillis int64      `json:"wait_millis"`
	KnownState QueryState `json:"known_state"`
}

type GetQueryStatusResponse struct {
	QueryID         string      `json:"query_id"`
	State           QueryState  `json:"state"`
	Error           *RPCError   `json:"error,omitempty"`
	Schema          []*Field    `json:"schema,omitempty"`
	Fragments       []*Fragment `json:"fragments,omitempty"`
	ExpiresAtMillis int64       `json:"expires_at_millis"`
}

type CancelQueryRequest struct {
	SessionToken string `json:"session_token"`
	QueryID      string `json:"query_id"`
	Reason       string `json:"reason"`
}

type CancelQueryResponse struct {
	State QueryState `json:"state"`
}

type CloseQueryRequest struct {
	SessionToken string `json:"session_token"`
	QueryID      string `json:"query_id"`
}

type CloseQueryResponse struct{}

//
// Data plane (FragmentService)
//

type OpenStreamRequest struct {
	QueryID       string `json:"query_id"`
	FragmentIndex int32  `json:"fragment_index"`
	// Plan is the opaque payload from the Fragment.
	Plan []byte `json:"plan"`
	// MaxBatchRows bounds the rows per StreamResponse. Zero uses the
	// executor default.
	MaxBatchRows int32 `json:"max_batch_rows"`
}

// StreamResponse is one frame of a fragment stream. The first frame carries
// Schema; the last carries EndOfStream or Error.
type StreamResponse struct {
	Schema      []*Field  `json:"schema,omitempty"`
	Attached    bool      `json:"attached,omitempty"`
	Rows        []*Row    `json:"rows,omitempty"`
	EndOfStream bool      `json:"end_of_stream,omitempty"`
	Error       *RPCError `json:"error,omitempty"`
}

// CancelFragmentsRequest asks an executor to abandon every fragment of a
// query.
type CancelFragmentsRequest struct {
	QueryID string `json:"query_id"`
	// Token is a coordinator-signed credential scoped to QueryID.
	Token  string `json:"token"`
	Reason string `json:"reason"`
}

type CancelFragmentsResponse struct {
	Cancelled int32 `json:"cancelled"`
}
