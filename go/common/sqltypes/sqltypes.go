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

// Package sqltypes provides the column types, schemas and row encodings
// shared by executors and readers. Values keep the NULL vs empty distinction
// all the way through; the wire types are only used for gRPC serialization.
package sqltypes

import (
	"github.com/multigres/multisplit/go/common/mterrors"
	"github.com/multigres/multisplit/go/common/wire"
)

// Value represents a nullable column value in its text encoding.
// nil means NULL, []byte{} means empty value.
type Value []byte

// IsNull returns true if the value is NULL.
func (v Value) IsNull() bool {
	return v == nil
}

// Row represents a row with nullable column values.
type Row struct {
	// Values contains the column values. nil entry means NULL.
	Values []Value
}

// ToWire converts Row to the lengths+values wire form.
// Encoding: -1 = NULL, 0 = empty value, >0 = actual length.
func (r *Row) ToWire() *wire.Row {
	if r == nil {
		return nil
	}

	lengths := make([]int64, len(r.Values))
	var totalLen int
	for i, v := range r.Values {
		if v == nil {
			lengths[i] = -1
		} else {
			lengths[i] = int64(len(v))
			totalLen += len(v)
		}
	}

	values := make([]byte, 0, totalLen)
	for _, v := range r.Values {
		if v != nil {
			values = append(values, v...)
		}
	}

	return &wire.Row{
		Lengths: lengths,
		Values:  values,
	}
}

// RowFromWire converts a wire row to a Row. The returned values alias
// wr.Values. Malformed lengths are a decode error.
func RowFromWire(wr *wire.Row) (*Row, error) {
	if wr == nil {
		return nil, nil
	}
	values := make([]Value, len(wr.Lengths))
	if err := splitValues(wr, values); err != nil {
		return nil, err
	}
	return &Row{Values: values}, nil
}

// splitValues slices wr.Values into dst according to wr.Lengths.
// len(dst) must equal len(wr.Lengths).
func splitValues(wr *wire.Row, dst []Value) error {
	offset := int64(0)
	total := int64(len(wr.Values))
	for i, length := range wr.Lengths {
		switch {
		case length == -1:
			dst[i] = nil // NULL
		case length < -1:
			return mterrors.Errorf(mterrors.KindDecode, "column %d: invalid length %d", i, length)
		case offset+length > total:
			return mterrors.Errorf(mterrors.KindDecode, "column %d: length %d overruns row data (%d of %d bytes used)", i, length, offset, total)
		default:
			dst[i] = Value(wr.Values[offset : offset+length : offset+length])
			offset += length
		}
	}
	if offset != total {
		return mterrors.Errorf(mterrors.KindDecode, "row has %d trailing bytes", total-offset)
	}
	return nil
}

// MakeRow creates a new Row from a slice of byte slices.
// nil entries represent NULL values.
func MakeRow(values [][]byte) *Row {
	row := &Row{
		Values: make([]Value, len(values)),
	}
	for i, v := range values {
		if v != nil {
			row.Values[i] = Value(v)
		}
	}
	return row
}

// Result is one chunk of a streamed statement result. The first chunk of a
// stream carries Fields; later chunks carry Rows only.
type Result struct {
	// Fields describes the columns in the result set.
	Fields Schema

	// Rows contains the encoded data rows.
	Rows []*Row
}

// WireRows converts Rows to their wire form.
func (r *Result) WireRows() []*wire.Row {
	out := make([]*wire.Row, len(r.Rows))
	for i, row := range r.Rows {
		out[i] = row.ToWire()
	}
	return out
}
