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
	"compress/gzip"
	"io"
)

func newGzipPool(level CompressionLevel) *compressionPool {
	gzipLevel := level.resolve(gzip.BestSpeed, gzip.BestCompression, gzip.DefaultCompression)
	return newCompressionPool(
		func() Decompressor {
			return &gzip.Reader{}
		},
		func() Compressor {
			writer, err := gzip.NewWriterLevel(io.Discard, gzipLevel)
			if err != nil {
				return gzip.NewWriter(io.Discard)
			}
			return writer
		},
	)
}
