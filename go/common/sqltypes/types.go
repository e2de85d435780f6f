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
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/multigres/multisplit/go/common/mterrors"
)

// Type is a column type. The string form is what travels on the wire.
type Type string

const (
	Boolean   Type = "BOOLEAN"
	Int32     Type = "INT32"
	Int64     Type = "INT64"
	Float64   Type = "FLOAT64"
	String    Type = "STRING"
	Binary    Type = "BINARY"
	Date      Type = "DATE"
	Timestamp Type = "TIMESTAMP"
)

// Text layouts for the temporal types.
const (
	DateLayout      = "2006-01-02"
	TimestampLayout = time.RFC3339Nano
)

var allTypes = []Type{Boolean, Int32, Int64, Float64, String, Binary, Date, Timestamp}

// ParseType returns the Type named s.
func ParseType(s string) (Type, error) {
	for _, t := range allTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", mterrors.Errorf(mterrors.KindDecode, "unknown column type %q", s)
}

// TypeFromDatabaseName maps a declared SQL column type, as reported by a
// database/sql driver, to a Type. Unknown or empty names map to String.
func TypeFromDatabaseName(name string) Type {
	n := strings.ToUpper(strings.TrimSpace(name))
	switch {
	case n == "INT8" || strings.Contains(n, "BIGINT"):
		return Int64
	case strings.Contains(n, "INT"):
		// INTEGER is 64-bit in sqlite, so be generous.
		if n == "INTEGER" {
			return Int64
		}
		return Int32
	case strings.HasPrefix(n, "BOOL"):
		return Boolean
	case strings.Contains(n, "CHAR"), strings.Contains(n, "TEXT"), strings.Contains(n, "STRING"), strings.Contains(n, "CLOB"):
		return String
	case strings.Contains(n, "REAL"), strings.Contains(n, "FLOA"), strings.Contains(n, "DOUB"), strings.Contains(n, "NUMERIC"), strings.Contains(n, "DECIMAL"):
		return Float64
	case strings.Contains(n, "BLOB"), strings.Contains(n, "BINARY"), n == "BYTEA":
		return Binary
	case strings.HasPrefix(n, "TIMESTAMP"), n == "DATETIME":
		return Timestamp
	case n == "DATE":
		return Date
	}
	return String
}

// EncodeValue renders a value scanned from database/sql into the text
// encoding of t. nil encodes as NULL.
func EncodeValue(t Type, v any) (Value, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case Boolean:
		switch x := v.(type) {
		case bool:
			return encodeBool(x), nil
		case int64:
			return encodeBool(x != 0), nil
		case []byte:
			return encodeBoolText(string(x))
		case string:
			return encodeBoolText(x)
		}
	case Int32, Int64:
		bits := 64
		if t == Int32 {
			bits = 32
		}
		switch x := v.(type) {
		case int64:
			if bits == 32 && (x < -1<<31 || x > 1<<31-1) {
				return nil, mterrors.Errorf(mterrors.KindExecution, "value %d overflows %s", x, t)
			}
			return Value(strconv.AppendInt(nil, x, 10)), nil
		case int32:
			return Value(strconv.AppendInt(nil, int64(x), 10)), nil
		case int:
			return EncodeValue(t, int64(x))
		case []byte:
			return encodeIntText(t, string(x), bits)
		case string:
			return encodeIntText(t, x, bits)
		}
	case Float64:
		switch x := v.(type) {
		case float64:
			return Value(strconv.AppendFloat(nil, x, 'g', -1, 64)), nil
		case float32:
			return Value(strconv.AppendFloat(nil, float64(x), 'g', -1, 32)), nil
		case int64:
			return Value(strconv.AppendFloat(nil, float64(x), 'g', -1, 64)), nil
		case []byte:
			return encodeFloatText(string(x))
		case string:
			return encodeFloatText(x)
		}
	case String:
		switch x := v.(type) {
		case string:
			return Value(x), nil
		case []byte:
			return Value(append([]byte{}, x...)), nil
		case time.Time:
			return Value(x.UTC().Format(TimestampLayout)), nil
		default:
			return Value(fmt.Sprint(x)), nil
		}
	case Binary:
		switch x := v.(type) {
		case []byte:
			return Value(append([]byte{}, x...)), nil
		case string:
			return Value(x), nil
		}
	case Date:
		switch x := v.(type) {
		case time.Time:
			return Value(x.Format(DateLayout)), nil
		case []byte:
			return encodeTimeText(t, string(x))
		case string:
			return encodeTimeText(t, x)
		}
	case Timestamp:
		switch x := v.(type) {
		case time.Time:
			return Value(x.UTC().Format(TimestampLayout)), nil
		case []byte:
			return encodeTimeText(t, string(x))
		case string:
			return encodeTimeText(t, x)
		}
	default:
		return nil, mterrors.Errorf(mterrors.KindExecution, "unknown column type %q", t)
	}
	return nil, mterrors.Errorf(mterrors.KindExecution, "cannot encode %T as %s", v, t)
}

func encodeBool(b bool) Value {
	if b {
		return Value("t")
	}
	return Value("f")
}

func encodeBoolText(s string) (Value, error) {
	switch strings.ToLower(s) {
	case "t", "true", "1", "y", "yes":
		return encodeBool(true), nil
	case "f", "false", "0", "n", "no":
		return encodeBool(false), nil
	}
	return nil, mterrors.Errorf(mterrors.KindExecution, "cannot encode %q as %s", s, Boolean)
}

func encodeIntText(t Type, s string, bits int) (Value, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, bits)
	if err != nil {
		return nil, mterrors.Errorf(mterrors.KindExecution, "cannot encode %q as %s: %w", s, t, err)
	}
	return Value(strconv.AppendInt(nil, n, 10)), nil
}

func encodeFloatText(s string) (Value, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return nil, mterrors.Errorf(mterrors.KindExecution, "cannot encode %q as %s: %w", s, Float64, err)
	}
	return Value(strconv.AppendFloat(nil, f, 'g', -1, 64)), nil
}

// timestampInputLayouts are the layouts accepted when a driver hands back a
// timestamp as text.
var timestampInputLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	DateLayout,
}

func encodeTimeText(t Type, s string) (Value, error) {
	if t == Date {
		d, err := time.Parse(DateLayout, s)
		if err == nil {
			return Value(d.Format(DateLayout)), nil
		}
	}
	for _, layout := range timestampInputLayouts {
		ts, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		if t == Date {
			return Value(ts.Format(DateLayout)), nil
		}
		return Value(ts.UTC().Format(TimestampLayout)), nil
	}
	return nil, mterrors.Errorf(mterrors.KindExecution, "cannot encode %q as %s", s, t)
}

// cell is one decoded column of a RowBuffer.
type cell struct {
	raw  Value
	b    bool
	i    int64
	f    float64
	t    time.Time
	null bool
}

// decodeCell parses raw strictly according to t.
func decodeCell(t Type, raw Value, c *cell) error {
	*c = cell{raw: raw, null: raw == nil}
	if c.null {
		return nil
	}
	var err error
	switch t {
	case Boolean:
		switch string(raw) {
		case "t":
			c.b = true
		case "f":
		default:
			err = fmt.Errorf("not a boolean")
		}
	case Int32:
		c.i, err = strconv.ParseInt(string(raw), 10, 32)
	case Int64:
		c.i, err = strconv.ParseInt(string(raw), 10, 64)
	case Float64:
		c.f, err = strconv.ParseFloat(string(raw), 64)
	case String:
		if !utf8.Valid(raw) {
			err = fmt.Errorf("invalid UTF-8")
		}
	case Binary:
	case Date:
		c.t, err = time.Parse(DateLayout, string(raw))
	case Timestamp:
		c.t, err = time.Parse(TimestampLayout, string(raw))
	default:
		err = fmt.Errorf("unknown type")
	}
	if err != nil {
		return mterrors.Errorf(mterrors.KindDecode, "value %q is not a valid %s: %w", truncate(raw), t, err)
	}
	return nil
}

func truncate(v Value) string {
	const limit = 64
	if len(v) <= limit {
		return string(v)
	}
	return string(v[:limit]) + "..."
}
