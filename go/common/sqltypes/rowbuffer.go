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

package sqltypes

import (
	"strconv"
	"time"

	"github.com/multigres/multisplit/go/common/mterrors"
	"github.com/multigres/multisplit/go/common/wire"
)

// RowBuffer holds one decoded row. A reader reuses a single RowBuffer for
// every row, so its contents are only valid until the next decode; use Copy
// to keep a row.
//
// Accessors take a column index. Asking for a column with an incompatible
// type returns a decode error rather than a coerced value. NULL columns
// return the zero value; check IsNull first.
type RowBuffer struct {
	schema Schema
	raw    []Value
	cells  []cell
}

// NewRowBuffer returns an empty buffer for rows of schema s.
func NewRowBuffer(s Schema) *RowBuffer {
	return &RowBuffer{
		schema: s,
		raw:    make([]Value, len(s)),
		cells:  make([]cell, len(s)),
	}
}

// Schema returns the schema rows are decoded against.
func (b *RowBuffer) Schema() Schema {
	return b.schema
}

// Len returns the number of columns.
func (b *RowBuffer) Len() int {
	return len(b.schema)
}

// Decode parses wr into the buffer. The buffer aliases wr.Values until the
// next Decode. On error the buffer contents are unspecified.
func (b *RowBuffer) Decode(wr *wire.Row) error {
	if wr == nil {
		return mterrors.New(mterrors.KindDecode, "nil row")
	}
	if len(wr.Lengths) != len(b.schema) {
		return mterrors.Errorf(mterrors.KindDecode, "row has %d columns, schema has %d", len(wr.Lengths), len(b.schema))
	}
	if err := splitValues(wr, b.raw); err != nil {
		return err
	}
	for i, f := range b.schema {
		if err := decodeCell(f.Type, b.raw[i], &b.cells[i]); err != nil {
			return mterrors.Wrap(mterrors.KindDecode, err, "column "+strconv.Itoa(i)+" ("+f.Name+")")
		}
	}
	return nil
}

// Copy returns a deep copy that stays valid after the next Decode.
func (b *RowBuffer) Copy() *RowBuffer {
	c := NewRowBuffer(b.schema)
	for i, cl := range b.cells {
		c.cells[i] = cl
		if cl.raw != nil {
			c.cells[i].raw = append(Value{}, cl.raw...)
		}
		c.raw[i] = c.cells[i].raw
	}
	return c
}

func (b *RowBuffer) column(i int, want ...Type) (*cell, error) {
	if i < 0 || i >= len(b.schema) {
		return nil, mterrors.Errorf(mterrors.KindDecode, "column %d out of range [0, %d)", i, len(b.schema))
	}
	t := b.schema[i].Type
	for _, w := range want {
		if t == w {
			return &b.cells[i], nil
		}
	}
	return nil, mterrors.Errorf(mterrors.KindDecode, "column %d (%s) is %s, not %s", i, b.schema[i].Name, t, want[0])
}

// IsNull reports whether column i is NULL.
func (b *RowBuffer) IsNull(i int) bool {
	if i < 0 || i >= len(b.cells) {
		return false
	}
	return b.cells[i].null
}

// Bool returns a BOOLEAN column.
func (b *RowBuffer) Bool(i int) (bool, error) {
	c, err := b.column(i, Boolean)
	if err != nil {
		return false, err
	}
	return c.b, nil
}

// Int32 returns an INT32 column.
func (b *RowBuffer) Int32(i int) (int32, error) {
	c, err := b.column(i, Int32)
	if err != nil {
		return 0, err
	}
	return int32(c.i), nil
}

// Int64 returns an INT32 or INT64 column.
func (b *RowBuffer) Int64(i int) (int64, error) {
	c, err := b.column(i, Int64, Int32)
	if err != nil {
		return 0, err
	}
	return c.i, nil
}

// Float64 returns a FLOAT64 column.
func (b *RowBuffer) Float64(i int) (float64, error) {
	c, err := b.column(i, Float64)
	if err != nil {
		return 0, err
	}
	return c.f, nil
}

// String returns a STRING column.
func (b *RowBuffer) String(i int) (string, error) {
	c, err := b.column(i, String)
	if err != nil {
		return "", err
	}
	return string(c.raw), nil
}

// Bytes returns a BINARY or STRING column. The slice aliases the buffer.
func (b *RowBuffer) Bytes(i int) ([]byte, error) {
	c, err := b.column(i, Binary, String)
	if err != nil {
		return nil, err
	}
	return c.raw, nil
}

// Time returns a DATE or TIMESTAMP column.
func (b *RowBuffer) Time(i int) (time.Time, error) {
	c, err := b.column(i, Timestamp, Date)
	if err != nil {
		return time.Time{}, err
	}
	return c.t, nil
}

// Value returns column i as a Go value: nil, bool, int32, int64, float64,
// string, []byte or time.Time.
func (b *RowBuffer) Value(i int) (any, error) {
	if i < 0 || i >= len(b.schema) {
		return nil, mterrors.Errorf(mterrors.KindDecode, "column %d out of range [0, %d)", i, len(b.schema))
	}
	c := &b.cells[i]
	if c.null {
		return nil, nil
	}
	switch b.schema[i].Type {
	case Boolean:
		return c.b, nil
	case Int32:
		return int32(c.i), nil
	case Int64:
		return c.i, nil
	case Float64:
		return c.f, nil
	case String:
		return string(c.raw), nil
	case Binary:
		return append([]byte{}, c.raw...), nil
	case Date, Timestamp:
		return c.t, nil
	}
	return nil, mterrors.Errorf(mterrors.KindDecode, "column %d has unknown type %s", i, b.schema[i].Type)
}

// Values returns every column as Go values. See Value.
func (b *RowBuffer) Values() ([]any, error) {
	out := make([]any, len(b.schema))
	for i := range b.schema {
		v, err := b.Value(i)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Strings renders every column as text, with NULL for NULL.
func (b *RowBuffer) Strings() []string {
	out := make([]string, len(b.cells))
	for i, c := range b.cells {
		switch {
		case c.null:
			out[i] = "NULL"
		case b.schema[i].Type == Binary:
			out[i] = strconv.Quote(string(c.raw))
		default:
			out[i] = string(c.raw)
		}
	}
	return out
}
