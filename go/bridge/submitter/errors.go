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

import "errors"

// QueryError is returned by Submit once the service has accepted a query
// but planning did not yield fragments, for instance on a planning timeout.
// The query may still be planning on the service; QueryID is what
// Submitter.CancelQuery needs to stop it. The kind is that of Err.
type QueryError struct {
	QueryID string
	Err     error
}

func (e *QueryError) Error() string {
	return e.Err.Error()
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// QueryIDOf returns the id of the accepted query err is about.
func QueryIDOf(err error) (string, bool) {
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe.QueryID, true
	}
	return "", false
}
