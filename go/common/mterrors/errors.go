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

// Package mterrors defines the error taxonomy shared by the split bridge and
// the reference services.
//
// Every error that crosses a package boundary is an *Error carrying a Kind.
// Callers branch on the kind, never on the message:
//
//	if errors.Is(err, mterrors.ErrTimeout) {
//	    // planning did not finish in time, the query is still running
//	}
//
// The core never retries on its own. Kinds only tell the caller which retry
// policy could make sense.
package mterrors

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind int

const (
	// KindUnknown is used for errors that could not be classified.
	KindUnknown Kind = iota
	// KindConnection is a transport-level failure. Retryable by caller policy.
	KindConnection
	// KindAuthentication means the credentials were rejected. Not retryable.
	KindAuthentication
	// KindPlanning means the query was invalid or rejected. Fatal for the query.
	KindPlanning
	// KindTimeout means planning or a handshake exceeded its deadline.
	KindTimeout
	// KindExecution means a fragment failed on its executor.
	KindExecution
	// KindDecode means the wire data did not match the negotiated schema.
	KindDecode
	// KindCancelled means the query or the read was cancelled.
	KindCancelled
)

var kindNames = map[Kind]string{
	KindUnknown:        "unknown",
	KindConnection:     "connection",
	KindAuthentication: "authentication",
	KindPlanning:       "planning",
	KindTimeout:        "timeout",
	KindExecution:      "execution",
	KindDecode:         "decode",
	KindCancelled:      "cancelled",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is the error type returned by this module.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrConnection     = &Error{Kind: KindConnection}
	ErrAuthentication = &Error{Kind: KindAuthentication}
	ErrPlanning       = &Error{Kind: KindPlanning}
	ErrTimeout        = &Error{Kind: KindTimeout}
	ErrExecution      = &Error{Kind: KindExecution}
	ErrDecode         = &Error{Kind: KindDecode}
	ErrCancelled      = &Error{Kind: KindCancelled}
)

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return e.Message + ": " + e.Err.Error()
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	}
	return e.Kind.String() + " error"
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a sentinel (or any *Error) of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

var _ error = (*Error)(nil)

// New returns an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Errorf returns an error of the given kind with a formatted message.
// A %w verb in format is honored for unwrapping.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches kind and msg to err. Returns nil if err is nil.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain. Bare context
// errors are classified as well, so a deadline that fired before any RPC
// started is still a timeout.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}
	return KindUnknown
}

// FromContext converts a context error into a Timeout or Cancelled error.
// Any other error is returned unchanged.
func FromContext(err error, msg string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Message: msg, Err: err}
	case errors.Is(err, context.Canceled):
		return &Error{Kind: KindCancelled, Message: msg, Err: err}
	}
	return err
}
