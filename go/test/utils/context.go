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

// Package utils holds small helpers shared by tests.
package utils

import (
	"context"
	"testing"
	"time"
)

// WithShortDeadline creates a context with a 5-second deadline and registers
// the cancel function with t.Cleanup() for automatic cleanup.
func WithShortDeadline(t *testing.T) context.Context {
	t.Helper()
	return WithTimeout(t, 5*time.Second)
}

// WithTimeout creates a context with the provided timeout and registers
// the cancel function with t.Cleanup() for automatic cleanup.
func WithTimeout(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}
