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

	"github.com/klauspost/compress/zstd"
)

// zstdDecompressor adapts zstd's Decoder for pooling. The decoder's own
// Close is terminal, so the adapter's Close leaves it usable and relies on
// Reset to detach the source.
type zstdDecompressor struct {
	decoder *zstd.Decoder
}

func (d *zstdDecompressor) Read(bytes []byte) (int, error) {
	return d.decoder.Read(bytes)
}

func (d *zstdDecompressor) Close() error {
	return nil
}

func (d *zstdDecompressor) Reset(source io.Reader) error {
	return d.decoder.Reset(source)
}

func zstdEncoderLevel(level CompressionLevel) zstd.EncoderLevel {
	switch level.kind {
	case compressionLevelFastest:
		return zstd.SpeedFastest
	case compressionLevelBest:
		return zstd.SpeedBestCompression
	case compressionLevelPrecise:
		return zstd.EncoderLevelFromZstd(level.exact)
	default:
		return zstd.SpeedDefault
	}
}

func newZstdPool(level CompressionLevel) *compressionPool {
	encoderLevel := zstdEncoderLevel(level)
	return newCompressionPool(
		func() Decompressor {
			decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
			if err != nil {
				return &errorDecompressor{err: err}
			}
			return &zstdDecompressor{decoder: decoder}
		},
		func() Compressor {
			encoder, err := zstd.NewWriter(
				io.Discard,
				zstd.WithEncoderLevel(encoderLevel),
				zstd.WithEncoderConcurrency(1),
			)
			if err != nil {
				return &errorCompressor{err: err}
			}
			return encoder
		},
	)
}

// errorDecompressor and errorCompressor surface construction failures at
// first use instead of panicking inside a sync.Pool New func.
type errorDecompressor struct {
	err error
}

func (d *errorDecompressor) Read([]byte) (int, error) { return 0, d.err }

func (d *errorDecompressor) Close() error { return nil }

func (d *errorDecompressor) Reset(io.Reader) error { return d.err }

type errorCompressor struct {
	err error
}

func (c *errorCompressor) Write([]byte) (int, error) { return 0, c.err }

func (c *errorCompressor) Close() error { return c.err }

func (c *errorCompressor) Reset(io.Writer) {}
