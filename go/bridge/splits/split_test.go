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

package splits

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multigres/multisplit/go/bridge/submitter"
	"github.com/multigres/multisplit/go/common/mterrors"
	"github.com/multigres/multisplit/go/common/sqltypes"
)

type plannedQuery struct {
	id     string
	schema sqltypes.Schema
}

func (q plannedQuery) QueryID() string         { return q.id }
func (q plannedQuery) Schema() sqltypes.Schema { return q.schema }

var testQuery = plannedQuery{
	id: "q-7",
	schema: sqltypes.Schema{
		{Name: "id", Type: sqltypes.Int64},
		{Name: "under_col", Type: sqltypes.Int32},
		{Name: "value", Type: sqltypes.String},
	},
}

func fragments(n int) []*submitter.FragmentDescriptor {
	out := make([]*submitter.FragmentDescriptor, n)
	for i := range out {
		out[i] = &submitter.FragmentDescriptor{
			Index:     i,
			Locations: []string{"exec-" + string(rune('a'+i)) + ":9000"},
			Plan:      []byte{byte(i), 0xff},
		}
	}
	return out
}

func TestPlanPreservesOrder(t *testing.T) {
	frags := fragments(4)
	// Planning order is what counts, not the index values.
	frags[0], frags[2] = frags[2], frags[0]

	splits := Plan(testQuery, frags)
	require.Len(t, splits, len(frags))
	for i, s := range splits {
		assert.Equal(t, "q-7", s.QueryID)
		assert.Equal(t, frags[i].Index, s.FragmentIndex)
		assert.Equal(t, frags[i].Locations, s.Locations)
		assert.Equal(t, frags[i].Plan, s.Plan)
		assert.True(t, s.Schema.Equal(testQuery.schema))
		require.NoError(t, s.Validate())
	}
}

func TestPlanIsDeterministic(t *testing.T) {
	frags := fragments(3)
	assert.Equal(t, Plan(testQuery, frags), Plan(testQuery, frags))
}

func TestPlanEmpty(t *testing.T) {
	splits := Plan(testQuery, nil)
	assert.NotNil(t, splits)
	assert.Empty(t, splits)
}

func TestPlanCopiesInputs(t *testing.T) {
	frags := fragments(1)
	splits := Plan(testQuery, frags)

	frags[0].Locations[0] = "elsewhere:1"
	frags[0].Plan[0] = 42
	assert.Equal(t, "exec-a:9000", splits[0].Locations[0])
	assert.Equal(t, byte(0), splits[0].Plan[0])
}

func TestEncodeDecodeSplit(t *testing.T) {
	for _, s := range Plan(testQuery, fragments(2)) {
		token, err := Encode(s)
		require.NoError(t, err)
		assert.NotContains(t, token, "\n")

		got, err := DecodeSplit(token + "\n")
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
}

func TestUnmarshalBinaryRejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "not json", data: `{"version":`},
		{name: "future version", data: `{"version":2,"query_id":"q","fragment":0,"locations":["a:1"]}`},
		{name: "no query id", data: `{"version":1,"fragment":0,"locations":["a:1"]}`},
		{name: "no locations", data: `{"version":1,"query_id":"q","fragment":0}`},
		{name: "negative fragment", data: `{"version":1,"query_id":"q","fragment":-1,"locations":["a:1"]}`},
		{name: "fragment beyond int32", data: `{"version":1,"query_id":"q","fragment":2147483648,"locations":["a:1"]}`},
		{name: "unknown type", data: `{"version":1,"query_id":"q","fragment":0,"locations":["a:1"],"schema":[{"name":"x","type":"UUID"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s Split
			err := s.UnmarshalBinary([]byte(tt.data))
			require.Error(t, err)
			assert.ErrorIs(t, err, mterrors.ErrDecode)
			assert.Empty(t, s.QueryID, "target is untouched on error")
		})
	}
}

func TestDecodeSplitBadToken(t *testing.T) {
	_, err := DecodeSplit("%%%")
	assert.ErrorIs(t, err, mterrors.ErrDecode)

	_, err = DecodeSplit(base64.RawURLEncoding.EncodeToString([]byte(`{"version":1}`)))
	assert.ErrorIs(t, err, mterrors.ErrDecode)
}

func TestSplitName(t *testing.T) {
	s := &Split{QueryID: "q-1", FragmentIndex: 3, Locations: []string{"a:1", "b:2"}}
	assert.Equal(t, "q-1-3", s.Name())
	assert.Equal(t, "split q-1-3 at [a:1, b:2]", s.String())
}
