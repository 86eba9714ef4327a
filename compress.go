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
	"bytes"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"
)

const (
	compressionGzip     = "gzip"
	compressionDeflate  = "deflate"
	compressionBrotli   = "br"
	compressionZstd     = "zstd"
	compressionIdentity = "identity"
)

// defaultCompressMinBytes is the default floor below which messages aren't
// compressed. Compressing small payloads burns CPU for nothing: the algorithm
// headers often exceed the savings.
const defaultCompressMinBytes = 1024

// A Decompressor is a reusable wrapper that decompresses an underlying data
// source. The standard library's *gzip.Reader implements Decompressor.
type Decompressor interface {
	io.Reader

	// Close closes the Decompressor, but not the underlying data source. It may
	// return an error if the Decompressor wasn't read to EOF.
	Close() error

	// Reset discards the Decompressor's internal state, if any, and prepares it
	// to read from a new source of compressed data.
	Reset(io.Reader) error
}

// A Compressor is a reusable wrapper that compresses data written to an
// underlying sink. The standard library's *gzip.Writer implements Compressor.
type Compressor interface {
	io.Writer

	// Close flushes any buffered data to the underlying sink, then closes the
	// Compressor. It must not close the underlying sink.
	Close() error

	// Reset discards the Compressor's internal state, if any, and prepares it
	// to write compressed data to a new sink.
	Reset(io.Writer)
}

// A CompressionLevel selects the effort a Compressor spends trading CPU for
// smaller output. The named levels map onto each algorithm's own scale, so
// one configuration covers every registered algorithm. LevelPrecise pins the
// level numerically for callers who have benchmarked a specific algorithm.
type CompressionLevel struct {
	kind  compressionLevelKind
	exact int
}

type compressionLevelKind uint8

const (
	compressionLevelDefault compressionLevelKind = iota
	compressionLevelFastest
	compressionLevelBest
	compressionLevelPrecise
)

var (
	// LevelDefault uses each algorithm's default effort.
	LevelDefault = CompressionLevel{kind: compressionLevelDefault}
	// LevelFastest minimizes CPU at the cost of larger output.
	LevelFastest = CompressionLevel{kind: compressionLevelFastest}
	// LevelBest minimizes output size at the cost of CPU.
	LevelBest = CompressionLevel{kind: compressionLevelBest}
)

// LevelPrecise requests a specific numeric level. The value is interpreted on
// each algorithm's native scale and clamped to its legal range.
func LevelPrecise(level int) CompressionLevel {
	return CompressionLevel{kind: compressionLevelPrecise, exact: level}
}

func (l CompressionLevel) String() string {
	switch l.kind {
	case compressionLevelDefault:
		return "default"
	case compressionLevelFastest:
		return "fastest"
	case compressionLevelBest:
		return "best"
	case compressionLevelPrecise:
		return "precise(" + strconv.Itoa(l.exact) + ")"
	}
	return "invalid"
}

// resolve maps the level onto a concrete algorithm's scale. Precise levels
// are clamped to the algorithm's legal range; the named levels are passed
// through untouched (several algorithms use out-of-range sentinels, like
// flate's -1, for their defaults).
func (l CompressionLevel) resolve(fastest, best, defaultLevel int) int {
	switch l.kind {
	case compressionLevelFastest:
		return fastest
	case compressionLevelBest:
		return best
	case compressionLevelPrecise:
		level := l.exact
		lo, hi := fastest, best
		if lo > hi {
			lo, hi = hi, lo
		}
		if level < lo {
			level = lo
		}
		if level > hi {
			level = hi
		}
		return level
	default:
		return defaultLevel
	}
}

// A CompressionConfig controls when and how hard registered algorithms
// compress message payloads.
type CompressionConfig struct {
	// MinBytes is the smallest serialized payload worth compressing. Setting
	// MinBytes to math.MaxInt disables compression regardless of payload size.
	MinBytes int
	// Level selects the compression effort.
	Level CompressionLevel
}

// Disabled reports whether the configuration turns compression off entirely.
func (c CompressionConfig) Disabled() bool {
	return c.MinBytes == math.MaxInt
}

type compressionPool struct {
	decompressors sync.Pool
	compressors   sync.Pool
}

func newCompressionPool(
	newDecompressor func() Decompressor,
	newCompressor func() Compressor,
) *compressionPool {
	if newDecompressor == nil && newCompressor == nil {
		return nil
	}
	return &compressionPool{
		decompressors: sync.Pool{
			New: func() any { return newDecompressor() },
		},
		compressors: sync.Pool{
			New: func() any { return newCompressor() },
		},
	}
}

func (c *compressionPool) Decompress(dst *bytes.Buffer, src *bytes.Buffer, readMaxBytes int64) *Error {
	decompressor, err := c.getDecompressor(src)
	if err != nil {
		return errDecode("get decompressor: %w", err)
	}
	reader := io.Reader(decompressor)
	if readMaxBytes > 0 && readMaxBytes < math.MaxInt64 {
		reader = io.LimitReader(decompressor, readMaxBytes+1)
	}
	bytesRead, err := dst.ReadFrom(reader)
	if err != nil {
		_ = c.putDecompressor(decompressor)
		return errDecode("decompress: %w", err)
	}
	if readMaxBytes > 0 && bytesRead > readMaxBytes {
		discardedBytes, err := io.Copy(io.Discard, decompressor)
		_ = c.putDecompressor(decompressor)
		if err != nil {
			return errorf(CodeResourceExhausted, "message is larger than configured max %d - unable to determine message size: %w", readMaxBytes, err)
		}
		return errorf(CodeResourceExhausted, "message size %d is larger than configured max %d", bytesRead+discardedBytes, readMaxBytes)
	}
	if err := c.putDecompressor(decompressor); err != nil {
		return errorf(CodeUnknown, "recycle decompressor: %w", err)
	}
	return nil
}

func (c *compressionPool) Compress(dst *bytes.Buffer, src *bytes.Buffer) *Error {
	compressor, err := c.getCompressor(dst)
	if err != nil {
		return errEncode("get compressor: %w", err)
	}
	if _, err := src.WriteTo(compressor); err != nil {
		_ = c.putCompressor(compressor)
		return errEncode("compress: %w", err)
	}
	if err := c.putCompressor(compressor); err != nil {
		return errEncode("flush compressor: %w", err)
	}
	return nil
}

func (c *compressionPool) getDecompressor(reader io.Reader) (Decompressor, error) {
	decompressor, ok := c.decompressors.Get().(Decompressor)
	if !ok {
		return nil, errorf(CodeUnknown, "expected Decompressor, got incorrect type from pool")
	}
	return decompressor, decompressor.Reset(reader)
}

func (c *compressionPool) putDecompressor(decompressor Decompressor) error {
	if err := decompressor.Close(); err != nil {
		return err
	}
	// While it's in the pool, we don't want the decompressor to retain a
	// reference to the underlying reader. However, most decompressors attempt
	// to read some header data from the new data source when Reset; since we
	// don't know the compression format, we can't provide a valid header. Since
	// we also reset the decompressor when it's pulled out of the pool, we can
	// ignore errors here.
	_ = decompressor.Reset(strings.NewReader(""))
	c.decompressors.Put(decompressor)
	return nil
}

func (c *compressionPool) getCompressor(writer io.Writer) (Compressor, error) {
	compressor, ok := c.compressors.Get().(Compressor)
	if !ok {
		return nil, errorf(CodeUnknown, "expected Compressor, got incorrect type from pool")
	}
	compressor.Reset(writer)
	return compressor, nil
}

func (c *compressionPool) putCompressor(compressor Compressor) error {
	if err := compressor.Close(); err != nil {
		return err
	}
	compressor.Reset(io.Discard) // don't keep references
	c.compressors.Put(compressor)
	return nil
}

// readOnlyCompressionPools is a read-only interface to a map of named
// compression pools. It's the registry behind content-coding resolution:
// Get answers "which codec does this header value name?", and Contains
// answers "is this a coding we support at all?". Identity resolves to a nil
// pool, which short-circuits all compression paths.
type readOnlyCompressionPools interface {
	Get(string) *compressionPool
	Contains(string) bool
	// CommaSeparatedNames chains the pool names together, for use in
	// Accept-Encoding style headers and "unsupported encoding" errors.
	CommaSeparatedNames() string
}

func newReadOnlyCompressionPools(
	nameToPool map[string]*compressionPool,
	reversedNames []string,
) readOnlyCompressionPools {
	// Client and handler configurations keep compression names in registration
	// order, but we want the last registered to be the most preferred.
	names := make([]string, 0, len(reversedNames))
	seen := make(map[string]struct{}, len(reversedNames))
	for i := len(reversedNames) - 1; i >= 0; i-- {
		name := reversedNames[i]
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return &namedCompressionPools{
		nameToPool:          nameToPool,
		commaSeparatedNames: strings.Join(names, ","),
	}
}

type namedCompressionPools struct {
	nameToPool          map[string]*compressionPool
	commaSeparatedNames string
}

func (m *namedCompressionPools) Get(name string) *compressionPool {
	if name == "" || name == compressionIdentity {
		return nil
	}
	return m.nameToPool[name]
}

func (m *namedCompressionPools) Contains(name string) bool {
	_, ok := m.nameToPool[name]
	return ok
}

func (m *namedCompressionPools) CommaSeparatedNames() string {
	return m.commaSeparatedNames
}

// negotiateCompression determines and validates the request compression and
// response compression using the available compressors and the sent
// Content-Encoding and Accept-Encoding equivalents.
//
// Rejecting unknown request encodings (rather than passing the payload
// through untouched) is a conformance requirement: silently treating
// compressed bytes as plaintext corrupts the stream.
func negotiateCompression(
	availablePools readOnlyCompressionPools,
	sent, accept string,
) (requestCompression, responseCompression string, clientVisibleErr *Error) {
	requestCompression = compressionIdentity
	if sent != "" && sent != compressionIdentity {
		if availablePools.Contains(sent) {
			requestCompression = sent
		} else {
			// To comply with
			// https://github.com/grpc/grpc/blob/master/doc/compression.md and the
			// Conduit protocol, we should return CodeUnimplemented and specify
			// acceptable compression(s) (in addition to setting the a
			// protocol-specific accept-encoding header).
			return "", "", errorf(
				CodeUnimplemented,
				"unknown compression %q: supported encodings are %v",
				sent, availablePools.CommaSeparatedNames(),
			)
		}
	}
	responseCompression = negotiateResponseEncoding(availablePools, accept)
	return requestCompression, responseCompression, nil
}

// negotiateResponseEncoding picks a response encoding from a comma-separated
// client preference list. The first acceptable, mutually-supported entry
// wins; the protocol doesn't rank candidates by quality value. A quality of
// exactly zero marks an encoding as unacceptable, and an empty or absent
// preference list means identity.
func negotiateResponseEncoding(availablePools readOnlyCompressionPools, accept string) string {
	if accept == "" {
		return compressionIdentity
	}
	for _, entry := range strings.Split(accept, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(entry), ";")
		name = strings.TrimSpace(name)
		if !acceptableEncodingQuality(params) {
			continue
		}
		if name == compressionIdentity {
			return compressionIdentity
		}
		if availablePools.Contains(name) {
			return name
		}
	}
	return compressionIdentity
}

// acceptableEncodingQuality parses the parameter portion of an
// Accept-Encoding entry. Only q=0 marks the entry unacceptable; any non-zero
// quality (or a malformed parameter) leaves it acceptable.
func acceptableEncodingQuality(params string) bool {
	for _, param := range strings.Split(params, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || strings.TrimSpace(key) != "q" {
			continue
		}
		quality, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			continue
		}
		if quality == 0 {
			return false
		}
	}
	return true
}
