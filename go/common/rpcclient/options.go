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
	"go.opentelemetry.io/otel/attribute"
)

// ExecutorSpanAttributes returns OpenTelemetry span attributes for gRPC
// clients connecting to an executor. It sets:
// - multisplit.executor.addr: the executor's gRPC address
//
// Use with grpccommon.WithAttributes() when creating gRPC clients:
//
//	grpccommon.NewClient(addr, grpccommon.WithAttributes(rpcclient.ExecutorSpanAttributes(addr)...))
func ExecutorSpanAttributes(addr string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("multisplit.executor.addr", addr),
	}
}
