// Copyright 2022-2024 The Conduit Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package conduit

import (
	"io"

	"github.com/klauspost/compress/flate"
)

// flateDecompressor adapts flate's ReadCloser to the Decompressor interface,
// which needs Reset for pooling.
type flateDecompressor struct {
	reader io.ReadCloser
}

func (d *flateDecompressor) Read(bytes []byte) (int, error) {
	return d.reader.Read(bytes)
}

func (d *flateDecompressor) Close() error {
	return d.reader.Close()
}

func (d *flateDecompressor) Reset(source io.Reader) error {
	return d.reader.(flate.Resetter).Reset(source, nil)
}

func newDeflatePool(level CompressionLevel) *compressionPool {
	flateLevel := level.resolve(flate.BestSpeed, flate.BestCompression, flate.DefaultCompression)
	return newCompressionPool(
		func() Decompressor {
			return &flateDecompressor{reader: flate.NewReader(nil)}
		},
		func() Compressor {
			writer, err := flate.NewWriter(io.Discard, flateLevel)
			if err != nil {
				writer, _ = flate.NewWriter(io.Discard, flate.DefaultCompression)
			}
			return writer
		},
	)
}
