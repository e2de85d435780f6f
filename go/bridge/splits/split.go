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

// Package splits turns planned fragments into splits: self-describing
// values that a data-processing framework can ship to any worker, which can
// then read the fragment without the submitter's session.
package splits

import (
	"encoding/base64"
	"fmt"
	"math"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/multigres/multisplit/go/bridge/submitter"
	"github.com/multigres/multisplit/go/common/mterrors"
	"github.com/multigres/multisplit/go/common/sqltypes"
)

// encodingVersion is bumped whenever the serialized form changes
// incompatibly.
const encodingVersion = 1

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Split is one independently readable slice of a query result.
type Split struct {
	QueryID       string
	FragmentIndex int
	// Locations are executor addresses, preferred first.
	Locations []string
	// Plan is the opaque fragment payload for the executor.
	Plan   []byte
	Schema sqltypes.Schema
}

// Query is what a split needs from a planned query. *submitter.QueryHandle
// implements it.
type Query interface {
	QueryID() string
	Schema() sqltypes.Schema
}

var _ Query = (*submitter.QueryHandle)(nil)

// Plan converts fragments into splits, one per fragment and in the same
// order. It does no I/O.
func Plan(query Query, fragments []*submitter.FragmentDescriptor) []*Split {
	out := make([]*Split, 0, len(fragments))
	for _, f := range fragments {
		out = append(out, &Split{
			QueryID:       query.QueryID(),
			FragmentIndex: f.Index,
			Locations:     append([]string(nil), f.Locations...),
			Plan:          append([]byte(nil), f.Plan...),
			Schema:        append(sqltypes.Schema(nil), query.Schema()...),
		})
	}
	return out
}

// Validate checks that the split can be read.
func (s *Split) Validate() error {
	switch {
	case s.QueryID == "":
		return mterrors.New(mterrors.KindDecode, "split has no query id")
	case s.FragmentIndex < 0:
		return mterrors.Errorf(mterrors.KindDecode, "split has negative fragment index %d", s.FragmentIndex)
	case s.FragmentIndex > math.MaxInt32:
		return mterrors.Errorf(mterrors.KindDecode, "split fragment index %d is out of range", s.FragmentIndex)
	case len(s.Locations) == 0:
		return mterrors.Errorf(mterrors.KindDecode, "split %s has no locations", s.Name())
	}
	for _, f := range s.Schema {
		if _, err := sqltypes.ParseType(string(f.Type)); err != nil {
			return mterrors.Wrap(mterrors.KindDecode, err, fmt.Sprintf("split %s column %q", s.Name(), f.Name))
		}
	}
	return nil
}

// Name identifies the split in logs and file names.
func (s *Split) Name() string {
	return fmt.Sprintf("%s-%d", s.QueryID, s.FragmentIndex)
}

func (s *Split) String() string {
	return fmt.Sprintf("split %s at [%s]", s.Name(), strings.Join(s.Locations, ", "))
}

type splitJSON struct {
	Version   int              `json:"version"`
	QueryID   string           `json:"query_id"`
	Fragment  int              `json:"fragment"`
	Locations []string         `json:"locations"`
	Plan      []byte           `json:"plan"`
	Schema    []sqltypes.Field `json:"schema"`
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (s *Split) MarshalBinary() ([]byte, error) {
	data, err := json.Marshal(&splitJSON{
		Version:   encodingVersion,
		QueryID:   s.QueryID,
		Fragment:  s.FragmentIndex,
		Locations: s.Locations,
		Plan:      s.Plan,
		Schema:    s.Schema,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal split: %w", err)
	}
	return data, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler. The result is
// validated.
func (s *Split) UnmarshalBinary(data []byte) error {
	var sj splitJSON
	if err := json.Unmarshal(data, &sj); err != nil {
		return mterrors.Wrap(mterrors.KindDecode, err, "unmarshal split")
	}
	if sj.Version != encodingVersion {
		return mterrors.Errorf(mterrors.KindDecode, "unsupported split encoding version %d", sj.Version)
	}
	out := Split{
		QueryID:       sj.QueryID,
		FragmentIndex: sj.Fragment,
		Locations:     sj.Locations,
		Plan:          sj.Plan,
		Schema:        sqltypes.Schema(sj.Schema),
	}
	if err := out.Validate(); err != nil {
		return err
	}
	*s = out
	return nil
}

// Encode returns the split as a single printable token, suitable for
// environment variables, job configuration or command lines.
func Encode(s *Split) (string, error) {
	data, err := s.MarshalBinary()
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeSplit is the inverse of Encode.
func DecodeSplit(token string) (*Split, error) {
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(token))
	if err != nil {
		return nil, mterrors.Wrap(mterrors.KindDecode, err, "decode split")
	}
	s := &Split{}
	if err := s.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return s, nil
}
