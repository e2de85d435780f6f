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
	QueryService_OpenSession_FullMethodName    = "/multisplit.QueryService/OpenSession"
	QueryService_CloseSession_FullMethodName   = "/multisplit.QueryService/CloseSession"
	QueryService_SubmitQuery_FullMethodName    = "/multisplit.QueryService/SubmitQuery"
	QueryService_GetQueryStatus_FullMethodName = "/multisplit.QueryService/GetQueryStatus"
	QueryService_CancelQuery_FullMethodName    = "/multisplit.QueryService/CancelQuery"
	QueryService_CloseQuery_FullMethodName     = "/multisplit.QueryService/CloseQuery"
)

// QueryServiceClient is the client API for the control plane.
type QueryServiceClient interface {
	// OpenSession authenticates a principal and returns a session token.
	OpenSession(ctx context.Context, in *OpenSessionRequest, opts ...grpc.CallOption) (*OpenSessionResponse, error)
	CloseSession(ctx context.Context, in *CloseSessionRequest, opts ...grpc.CallOption) (*CloseSessionResponse, error)
	// SubmitQuery starts planning and returns immediately with a query id.
	SubmitQuery(ctx context.Context, in *SubmitQueryRequest, opts ...grpc.CallOption) (*SubmitQueryResponse, error)
	// GetQueryStatus returns the query state, holding the call up to
	// WaitMillis while the state equals KnownState.
	GetQueryStatus(ctx context.Context, in *GetQueryStatusRequest, opts ...grpc.CallOption) (*GetQueryStatusResponse, error)
	// CancelQuery makes every executor abandon the query's fragments.
	CancelQuery(ctx context.Context, in *CancelQueryRequest, opts ...grpc.CallOption) (*CancelQueryResponse, error)
	// CloseQuery releases the query state on the coordinator.
	CloseQuery(ctx context.Context, in *CloseQueryRequest, opts ...grpc.CallOption) (*CloseQueryResponse, error)
}

type queryServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewQueryServiceClient(cc grpc.ClientConnInterface) QueryServiceClient {
	return &queryServiceClient{cc}
}

func (c *queryServiceClient) OpenSession(ctx context.Context, in *OpenSessionRequest, opts ...grpc.CallOption) (*OpenSessionResponse, error) {
	out := new(OpenSessionResponse)
	if err := c.cc.Invoke(ctx, QueryService_OpenSession_FullMethodName, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *queryServiceClient) CloseSession(ctx context.Context, in *CloseSessionRequest, opts ...grpc.CallOption) (*CloseSessionResponse, error) {
	out := new(CloseSessionResponse)
	if err := c.cc.Invoke(ctx, QueryService_CloseSession_FullMethodName, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *queryServiceClient) SubmitQuery(ctx context.Context, in *SubmitQueryRequest, opts ...grpc.CallOption) (*SubmitQueryResponse, error) {
	out := new(SubmitQueryResponse)
	if err := c.cc.Invoke(ctx, QueryService_SubmitQuery_FullMethodName, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *queryServiceClient) GetQueryStatus(ctx context.Context, in *GetQueryStatusRequest, opts ...grpc.CallOption) (*GetQueryStatusResponse, error) {
	out := new(GetQueryStatusResponse)
	if err := c.cc.Invoke(ctx, QueryService_GetQueryStatus_FullMethodName, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *queryServiceClient) CancelQuery(ctx context.Context, in *CancelQueryRequest, opts ...grpc.CallOption) (*CancelQueryResponse, error) {
	out := new(CancelQueryResponse)
	if err := c.cc.Invoke(ctx, QueryService_CancelQuery_FullMethodName, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *queryServiceClient) CloseQuery(ctx context.Context, in *CloseQueryRequest, opts ...grpc.CallOption) (*CloseQueryResponse, error) {
	out := new(CloseQueryResponse)
	if err := c.cc.Invoke(ctx, QueryService_CloseQuery_FullMethodName, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

// QueryServiceServer is the server API for the control plane.
// Implementations must embed UnimplementedQueryServiceServer.
type QueryServiceServer interface {
	OpenSession(context.Context, *OpenSessionRequest) (*OpenSessionResponse, error)
	CloseSession(context.Context, *CloseSessionRequest) (*CloseSessionResponse, error)
	SubmitQuery(context.Context, *SubmitQueryRequest) (*SubmitQueryResponse, error)
	GetQueryStatus(context.Context, *GetQueryStatusRequest) (*GetQueryStatusResponse, error)
	CancelQuery(context.Context, *CancelQueryRequest) (*CancelQueryResponse, error)
	CloseQuery(context.Context, *CloseQueryRequest) (*CloseQueryResponse, error)
	mustEmbedUnimplementedQueryServiceServer()
}

// UnimplementedQueryServiceServer must be embedded to have forward
// compatible implementations.
type UnimplementedQueryServiceServer struct{}

func (UnimplementedQueryServiceServer) OpenSession(context.Context, *OpenSessionRequest) (*OpenSessionResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method OpenSession not implemented")
}

func (UnimplementedQueryServiceServer) CloseSession(context.Context, *CloseSessionRequest) (*CloseSessionResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method CloseSession not implemented")
}

func (UnimplementedQueryServiceServer) SubmitQuery(context.Context, *SubmitQueryRequest) (*SubmitQueryResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method SubmitQuery not implemented")
}

func (UnimplementedQueryServiceServer) GetQueryStatus(context.Context, *GetQueryStatusRequest) (*GetQueryStatusResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method GetQueryStatus not implemented")
}

func (UnimplementedQueryServiceServer) CancelQuery(context.Context, *CancelQueryRequest) (*CancelQueryResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method CancelQuery not implemented")
}

func (UnimplementedQueryServiceServer) CloseQuery(context.Context, *CloseQueryRequest) (*CloseQueryResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method CloseQuery not implemented")
}

func (UnimplementedQueryServiceServer) mustEmbedUnimplementedQueryServiceServer() {}

// RegisterQueryServiceServer registers srv on s.
func RegisterQueryServiceServer(s grpc.ServiceRegistrar, srv QueryServiceServer) {
	s.RegisterService(&QueryService_ServiceDesc, srv)
}

// QueryService_ServiceDesc is the grpc.ServiceDesc for QueryService.
var QueryService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "multisplit.QueryService",
	HandlerType: (*QueryServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "OpenSession",
			Handler:    unaryHandler(QueryService_OpenSession_FullMethodName, QueryServiceServer.OpenSession),
		},
		{
			MethodName: "CloseSession",
			Handler:    unaryHandler(QueryService_CloseSession_FullMethodName, QueryServiceServer.CloseSession),
		},
		{
			MethodName: "SubmitQuery",
			Handler:    unaryHandler(QueryService_SubmitQuery_FullMethodName, QueryServiceServer.SubmitQuery),
		},
		{
			MethodName: "GetQueryStatus",
			Handler:    unaryHandler(QueryService_GetQueryStatus_FullMethodName, QueryServiceServer.GetQueryStatus),
		},
		{
			MethodName: "CancelQuery",
			Handler:    unaryHandler(QueryService_CancelQuery_FullMethodName, QueryServiceServer.CancelQuery),
		},
		{
			MethodName: "CloseQuery",
			Handler:    unaryHandler(QueryService_CloseQuery_FullMethodName, QueryServiceServer.CloseQuery),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "multisplit/query_service",
}
