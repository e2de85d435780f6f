// Copyright 2019 The Vitess Authors.
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
//
// Modifications Copyright 2025 Supabase, Inc.

// Package grpccommon holds the gRPC client and server options shared by the
// bridge and the reference services.
package grpccommon

import (
	"context"
	"fmt"
	"log/slog"

	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/multigres/multisplit/go/common/wire"
)

var (
	// maxMessageSize is the maximum message size accepted by clients and
	// servers. Row batches are bounded well below this.
	maxMessageSize = 16 * 1024 * 1024
	// compression names the compressor used by clients, or "" for none.
	compression = ""
)

// RegisterFlags installs grpccommon flags on the given FlagSet.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.IntVar(&maxMessageSize, "grpc-max-message-size", maxMessageSize, "Maximum allowed RPC message size. Larger messages will be rejected by gRPC with the error 'exceeding the max size'.")
	fs.BoolVar(&grpc.EnableTracing, "grpc-enable-tracing", grpc.EnableTracing, "Enable gRPC tracing.")
	fs.StringVar(&compression, "grpc-compression", compression, fmt.Sprintf("Compressor for outgoing gRPC messages: %q or empty for none.", wire.SnappyCompressorName))
}

// MaxMessageSize returns the value of the --grpc-max-message-size flag.
func MaxMessageSize() int {
	return maxMessageSize
}

// Compression returns the value of the --grpc-compression flag.
func Compression() string {
	return compression
}

// LocalClientDialOptions returns insecure dial options for clients talking to
// services on a trusted network. The WithDisableServiceConfig avoids slow
// localhost resolution on macOS.
func LocalClientDialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDisableServiceConfig(),
	}
}

// attributesOption carries span attributes for the client stats handler.
type attributesOption struct {
	grpc.EmptyDialOption
	attrs []attribute.KeyValue
}

// WithAttributes adds attrs to every client span of a connection created
// by NewClient.
func WithAttributes(attrs ...attribute.KeyValue) grpc.DialOption {
	return attributesOption{attrs: attrs}
}

// NewClient creates a gRPC client connection with OpenTelemetry
// instrumentation, the configured message size limit and compressor. The
// caller's options come last so they can override any of these.
func NewClient(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	var attrs []attribute.KeyValue
	for _, o := range opts {
		if ao, ok := o.(attributesOption); ok {
			attrs = append(attrs, ao.attrs...)
		}
	}
	callOpts := []grpc.CallOption{
		grpc.MaxCallRecvMsgSize(maxMessageSize),
		grpc.MaxCallSendMsgSize(maxMessageSize),
	}
	if compression != "" {
		callOpts = append(callOpts, grpc.UseCompressor(compression))
	}
	allOpts := append([]grpc.DialOption{
		grpc.WithStatsHandler(otelgrpc.NewClientHandler(otelgrpc.WithSpanAttributes(attrs...))),
		grpc.WithDefaultCallOptions(callOpts...),
	}, opts...)
	return grpc.NewClient(target, allOpts...)
}

// ServerOptions returns the options every server in this repo is built
// with: telemetry, message size limits, and panic recovery that turns a
// panic in a handler into an Internal error instead of a crash.
func ServerOptions(logger *slog.Logger) []grpc.ServerOption {
	recoveryOpt := grpc_recovery.WithRecoveryHandlerContext(func(ctx context.Context, p any) error {
		logger.ErrorContext(ctx, "recovered from panic in gRPC handler", "panic", fmt.Sprint(p))
		return status.Errorf(codes.Internal, "internal error: %v", p)
	})
	return []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.MaxRecvMsgSize(maxMessageSize),
		grpc.MaxSendMsgSize(maxMessageSize),
		grpc.ChainUnaryInterceptor(grpc_recovery.UnaryServerInterceptor(recoveryOpt)),
		grpc.ChainStreamInterceptor(grpc_recovery.StreamServerInterceptor(recoveryOpt)),
	}
}
