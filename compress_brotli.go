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

	"github.com/andybalholm/brotli"
)

// brotliDecompressor adds the Close that brotli's Reader lacks.
type brotliDecompressor struct {
	reader *brotli.Reader
}

func (d *brotliDecompressor) Read(bytes []byte) (int, error) {
	return d.reader.Read(bytes)
}

func (d *brotliDecompressor) Close() error {
	return nil
}

func (d *brotliDecompressor) Reset(source io.Reader) error {
	return d.reader.Reset(source)
}

func newBrotliPool(level CompressionLevel) *compressionPool {
	brotliLevel := level.resolve(brotli.BestSpeed, brotli.BestCompression, brotli.DefaultCompression)
	return newCompressionPool(
		func() Decompressor {
			return &brotliDecompressor{reader: brotli.NewReader(nil)}
		},
		func() Compressor {
			return brotli.NewWriterLevel(io.Discard, brotliLevel)
		},
	)
}
