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

package mterrors

import (
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/multigres/multisplit/go/common/wire"
)

// This file converts errors to and from gRPC codes, so that a Kind survives
// a trip through a gRPC status or a wire.RPCError.

var kindToCode = map[Kind]codes.Code{
	KindUnknown:        codes.Unknown,
	KindConnection:     codes.Unavailable,
	KindAuthentication: codes.Unauthenticated,
	KindPlanning:       codes.InvalidArgument,
	KindTimeout:        codes.DeadlineExceeded,
	KindExecution:      codes.Aborted,
	KindDecode:         codes.DataLoss,
	KindCancelled:      codes.Canceled,
}

// Code returns the gRPC code for err.
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	if c, ok := kindToCode[KindOf(err)]; ok {
		return c
	}
	return codes.Unknown
}

// KindFromCode is the inverse of Code. Codes without a direct counterpart
// are folded into the closest kind.
func KindFromCode(c codes.Code) Kind {
	switch c {
	case codes.Unavailable:
		return KindConnection
	case codes.Unauthenticated, codes.PermissionDenied:
		return KindAuthentication
	case codes.InvalidArgument, codes.FailedPrecondition, codes.NotFound, codes.Unimplemented:
		return KindPlanning
	case codes.DeadlineExceeded:
		return KindTimeout
	case codes.Aborted, codes.Internal, codes.ResourceExhausted:
		return KindExecution
	case codes.DataLoss:
		return KindDecode
	case codes.Canceled:
		return KindCancelled
	}
	return KindUnknown
}

// truncateError shortens errors because gRPC has a size restriction on them.
func truncateError(err error) string {
	// See https://github.com/grpc/grpc-go/issues/443: headers and trailers are
	// commonly capped at 8 KiB, so keep some headroom.
	const grpcErrorLimit = 8*1024 - 512
	msg := err.Error()
	if len(msg) <= grpcErrorLimit {
		return msg
	}
	return fmt.Sprintf("%v [...] [remainder of the error is truncated because gRPC has a size limit on errors.]", msg[:grpcErrorLimit])
}

// ToGRPC returns err as a gRPC status error with the code of its kind.
func ToGRPC(err error) error {
	if err == nil {
		return nil
	}
	return status.Error(Code(err), truncateError(err))
}

// FromGRPC returns a gRPC error as an *Error, translating the status code.
// io.EOF is passed through unchanged since stream readers compare against it.
// Errors that are not gRPC statuses are treated as connection failures.
func FromGRPC(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) {
		return err
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	st, ok := status.FromError(err)
	if !ok {
		return &Error{Kind: KindConnection, Err: err}
	}
	return &Error{Kind: KindFromCode(st.Code()), Message: st.Message()}
}

// ToRPCError converts err into the in-band error of a stream or status
// response.
func ToRPCError(err error) *wire.RPCError {
	if err == nil {
		return nil
	}
	return &wire.RPCError{
		Code:    uint32(Code(err)),
		Message: truncateError(err),
	}
}

// FromRPCError is the inverse of ToRPCError.
func FromRPCError(rpcErr *wire.RPCError) error {
	if rpcErr == nil {
		return nil
	}
	return &Error{Kind: KindFromCode(codes.Code(rpcErr.Code)), Message: rpcErr.Message}
}
