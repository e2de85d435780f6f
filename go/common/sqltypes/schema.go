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
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/multigres/multisplit/go/common/mterrors"
	"github.com/multigres/multisplit/go/common/wire"
)

// Field is one result column.
type Field struct {
	Name string `json:"name"`
	Type Type   `json:"type"`
}

// Schema is the ordered list of result columns. All fragments of one query
// share one Schema.
type Schema []Field

// Equal reports whether s and o have the same columns in the same order.
func (s Schema) Equal(o Schema) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// Fingerprint is a stable hash of the column names and types.
func (s Schema) Fingerprint() uint64 {
	d := xxhash.New()
	for _, f := range s {
		_, _ = d.WriteString(f.Name)
		_, _ = d.Write([]byte{0})
		_, _ = d.WriteString(string(f.Type))
		_, _ = d.Write([]byte{0})
	}
	return d.Sum64()
}

// Names returns the column names in order.
func (s Schema) Names() []string {
	names := make([]string, len(s))
	for i, f := range s {
		names[i] = f.Name
	}
	return names
}

func (s Schema) String() string {
	parts := make([]string, len(s))
	for i, f := range s {
		parts[i] = fmt.Sprintf("%s %s", f.Name, f.Type)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// ToWire converts the schema to its wire form.
func (s Schema) ToWire() []*wire.Field {
	fields := make([]*wire.Field, len(s))
	for i, f := range s {
		fields[i] = &wire.Field{Name: f.Name, Type: string(f.Type)}
	}
	return fields
}

// SchemaFromWire converts wire fields to a Schema. Unknown type names are a
// decode error.
func SchemaFromWire(fields []*wire.Field) (Schema, error) {
	s := make(Schema, len(fields))
	for i, f := range fields {
		if f == nil {
			return nil, mterrors.Errorf(mterrors.KindDecode, "column %d: missing field", i)
		}
		t, err := ParseType(f.Type)
		if err != nil {
			return nil, mterrors.Errorf(mterrors.KindDecode, "column %d (%s): %w", i, f.Name, err)
		}
		s[i] = Field{Name: f.Name, Type: t}
	}
	return s, nil
}
