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

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	FragmentService_OpenStream_FullMethodName  = "/multisplit.FragmentService/OpenStream"
	FragmentService_CancelQuery_FullMethodName = "/multisplit.FragmentService/CancelQuery"
)

// FragmentServiceClient is the client API for the data plane.
type FragmentServiceClient interface {
	// OpenStream runs (or attaches to) one fragment and streams its rows.
	OpenStream(ctx context.Context, in *OpenStreamRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[StreamResponse], error)
	// CancelQuery abandons every fragment of a query on this executor.
	CancelQuery(ctx context.Context, in *CancelFragmentsRequest, opts ...grpc.CallOption) (*CancelFragmentsResponse, error)
}

type fragmentServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewFragmentServiceClient(cc grpc.ClientConnInterface) FragmentServiceClient {
	return &fragmentServiceClient{cc}
}

func (c *fragmentServiceClient) OpenStream(ctx context.Context, in *OpenStreamRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[StreamResponse], error) {
	stream, err := c.cc.NewStream(ctx, &FragmentService_ServiceDesc.Streams[0], FragmentService_OpenStream_FullMethodName, callOptions(opts)...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[OpenStreamRequest, StreamResponse]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// FragmentService_OpenStreamClient is the client side of an OpenStream call.
type FragmentService_OpenStreamClient = grpc.ServerStreamingClient[StreamResponse]

func (c *fragmentServiceClient) CancelQuery(ctx context.Context, in *CancelFragmentsRequest, opts ...grpc.CallOption) (*CancelFragmentsResponse, error) {
	out := new(CancelFragmentsResponse)
	if err := c.cc.Invoke(ctx, FragmentService_CancelQuery_FullMethodName, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

// FragmentServiceServer is the server API for the data plane.
// Implementations must embed UnimplementedFragmentServiceServer.
type FragmentServiceServer interface {
	OpenStream(*OpenStreamRequest, grpc.ServerStreamingServer[StreamResponse]) error
	CancelQuery(context.Context, *CancelFragmentsRequest) (*CancelFragmentsResponse, error)
	mustEmbedUnimplementedFragmentServiceServer()
}

// UnimplementedFragmentServiceServer must be embedded to have forward
// compatible implementations.
type UnimplementedFragmentServiceServer struct{}

func (UnimplementedFragmentServiceServer) OpenStream(*OpenStreamRequest, grpc.ServerStreamingServer[StreamResponse]) error {
	return status.Error(codes.Unimplemented, "method OpenStream not implemented")
}

func (UnimplementedFragmentServiceServer) CancelQuery(context.Context, *CancelFragmentsRequest) (*CancelFragmentsResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method CancelQuery not implemented")
}

func (UnimplementedFragmentServiceServer) mustEmbedUnimplementedFragmentServiceServer() {}

// FragmentService_OpenStreamServer is the server side of an OpenStream call.
type FragmentService_OpenStreamServer = grpc.ServerStreamingServer[StreamResponse]

// RegisterFragmentServiceServer registers srv on s.
func RegisterFragmentServiceServer(s grpc.ServiceRegistrar, srv FragmentServiceServer) {
	s.RegisterService(&FragmentService_ServiceDesc, srv)
}

func _FragmentService_OpenStream_Handler(srv any, stream grpc.ServerStream) error {
	m := new(OpenStreamRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(FragmentServiceServer).OpenStream(m, &grpc.GenericServerStream[OpenStreamRequest, StreamResponse]{ServerStream: stream})
}

// FragmentService_ServiceDesc is the grpc.ServiceDesc for FragmentService.
var FragmentService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "multisplit.FragmentService",
	HandlerType: (*FragmentServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "CancelQuery",
			Handler:    unaryHandler(FragmentService_CancelQuery_FullMethodName, FragmentServiceServer.CancelQuery),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "OpenStream",
			Handler:       _FragmentService_OpenStream_Handler,
			ServerStreams: true,
		},
	},
	Metadata: "multisplit/fragment_service",
}
