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

// Package wire declares the gRPC services spoken between the split bridge,
// the coordinator (control plane) and the executors (data plane).
//
// Messages are plain Go structs. They travel with the "json" codec registered
// by this package, so both ends must select it through the call content
// subtype (grpccommon does this for clients; servers pick it up from the
// request). Streams can optionally be compressed with snappy.
package wire

import (
	"fmt"
	"io"

	"github.com/golang/snappy"
	jsoniter "github.com/json-iterator/go"
	"google.golang.org/grpc/encoding"
)

const (
	// CodecName is the gRPC content subtype for messages in this package.
	CodecName = "json"

	// SnappyCompressorName is the name of the snappy gRPC compressor.
	SnappyCompressorName = "snappy"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Codec marshals wire messages with json-iterator.
type Codec struct{}

func (Codec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal %T: %w", v, err)
	}
	return data, nil
}

func (Codec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("wire: unmarshal %T: %w", v, err)
	}
	return nil
}

func (Codec) Name() string {
	return CodecName
}

type snappyCompressor struct{}

func (snappyCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	return snappy.NewBufferedWriter(w), nil
}

func (snappyCompressor) Decompress(r io.Reader) (io.Reader, error) {
	return snappy.NewReader(r), nil
}

func (snappyCompressor) Name() string {
	return SnappyCompressorName
}

func init() {
	encoding.RegisterCodec(Codec{})
	encoding.RegisterCompressor(snappyCompressor{})
}
