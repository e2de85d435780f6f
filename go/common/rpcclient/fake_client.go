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
	"fmt"
	"sync"
	"time"

	"github.com/multigres/multisplit/go/common/wire"
)

// ResponseWithDelay wraps a response with an optional delay for testing timeouts.
// If Delay is set, the fake client will sleep for that duration before returning.
// If the context is cancelled during the delay, the context error is returned.
type ResponseWithDelay[T any] struct {
	Response T
	Delay    time.Duration
}

// FakeClient implements ExecutorClient for testing purposes. Responses and
// errors are keyed by executor address.
//
// Usage:
//
//	fake := rpcclient.NewFakeClient()
//	fake.SetCancelResponse("exec-1", &wire.CancelFragmentsResponse{Cancelled: 2})
//	fake.Errors["exec-2"] = status.Error(codes.Unavailable, "down")
type FakeClient struct {
	mu sync.RWMutex

	CancelResponses map[string]*ResponseWithDelay[*wire.CancelFragmentsResponse]

	// Errors to return - keyed by executor address
	Errors map[string]error

	// CallLog tracks which methods were called for verification in tests
	CallLog []string

	// CancelRequests holds the last CancelQuery request per executor.
	CancelRequests map[string]*wire.CancelFragmentsRequest

	closed bool
}

var _ ExecutorClient = (*FakeClient)(nil)

// NewFakeClient creates a new FakeClient with empty response maps.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		CancelResponses: make(map[string]*ResponseWithDelay[*wire.CancelFragmentsResponse]),
		Errors:          make(map[string]error),
		CallLog:         make([]string, 0),
		CancelRequests:  make(map[string]*wire.CancelFragmentsRequest),
	}
}

func (f *FakeClient) logCall(method string, addr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CallLog = append(f.CallLog, fmt.Sprintf("%s(%s)", method, addr))
}

// GetCallLog returns a copy of the call log in a thread-safe manner.
func (f *FakeClient) GetCallLog() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	result := make([]string, len(f.CallLog))
	copy(result, f.CallLog)
	return result
}

// ResetCallLog clears the call log in a thread-safe manner.
func (f *FakeClient) ResetCallLog() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CallLog = nil
}

// Closed reports whether Close was called.
func (f *FakeClient) Closed() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.closed
}

func (f *FakeClient) checkError(addr string) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.Errors[addr]
}

// SetCancelResponse sets a CancelQuery response for an executor with no delay.
func (f *FakeClient) SetCancelResponse(addr string, resp *wire.CancelFragmentsResponse) {
	f.SetCancelResponseWithDelay(addr, resp, 0)
}

// SetCancelResponseWithDelay sets a CancelQuery response for an executor
// with a delay, simulating a slow or unresponsive executor.
func (f *FakeClient) SetCancelResponseWithDelay(addr string, resp *wire.CancelFragmentsResponse, delay time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CancelResponses[addr] = &ResponseWithDelay[*wire.CancelFragmentsResponse]{
		Response: resp,
		Delay:    delay,
	}
}

// CancelQuery implements ExecutorClient.
func (f *FakeClient) CancelQuery(ctx context.Context, addr string, request *wire.CancelFragmentsRequest) (*wire.CancelFragmentsResponse, error) {
	f.logCall("CancelQuery", addr)

	f.mu.Lock()
	f.CancelRequests[addr] = request
	resp := f.CancelResponses[addr]
	f.mu.Unlock()

	if err := f.checkError(addr); err != nil {
		return nil, err
	}
	if resp == nil {
		return &wire.CancelFragmentsResponse{}, nil
	}
	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return resp.Response, nil
}

// CloseExecutor implements ExecutorClient.
func (f *FakeClient) CloseExecutor(addr string) {
	f.logCall("CloseExecutor", addr)
}

// Close implements ExecutorClient.
func (f *FakeClient) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}
