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
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
)

type decoderState uint8

const (
	// decoderStateStreaming: data frames may still arrive.
	decoderStateStreaming decoderState = iota
	// decoderStateEndStreamError: the terminal frame carried an error.
	decoderStateEndStreamError
	// decoderStateFinished: the stream ended, cleanly or with a local error.
	decoderStateFinished
)

// streamDecoder turns a stream of enveloped frames into messages. It buffers
// source bytes internally and only acts on complete frames, so sources may
// deliver data in arbitrarily small chunks. It is not safe for concurrent
// use.
type streamDecoder struct {
	ctx    context.Context
	reader io.Reader

	codec           Codec
	compressionPool *compressionPool // nil means identity
	bufferPool      *bufferPool
	readMaxBytes    int
	hooks           *Hooks
	// requireEndStream is set on response streams, which must end with a
	// terminal frame. Request streams end when the body does, and must not
	// contain a terminal frame at all.
	requireEndStream bool

	buffer      bytes.Buffer // accumulated, not-yet-consumed source bytes
	state       decoderState
	err         *Error
	trailer     http.Header
	trailerSeen bool
}

func newStreamDecoder(
	ctx context.Context,
	reader io.Reader,
	codec Codec,
	compressionPool *compressionPool,
	bufferPool *bufferPool,
	readMaxBytes int,
	hooks *Hooks,
	requireEndStream bool,
) *streamDecoder {
	return &streamDecoder{
		ctx:              ctx,
		reader:           reader,
		codec:            codec,
		compressionPool:  compressionPool,
		bufferPool:       bufferPool,
		readMaxBytes:     readMaxBytes,
		hooks:            hooks,
		requireEndStream: requireEndStream,
	}
}

// Receive unmarshals the next data frame into message. It returns io.EOF
// after a clean end of stream, the remote error after an error-bearing
// terminal frame, and a coded error for transport failures and protocol
// violations. Once it returns non-nil, every subsequent call returns the
// same result.
func (d *streamDecoder) Receive(message any) error {
	return d.receive(message)
}

func (d *streamDecoder) receive(message any) error {
	if d.state != decoderStateStreaming {
		if d.err != nil {
			return d.err
		}
		return io.EOF
	}
	if err := d.fill(envelopePrefixLength); err != nil {
		if errors.Is(err, io.EOF) {
			d.state = decoderStateFinished
			return io.EOF
		}
		return d.fail(err)
	}
	flags, size, parseErr := parseEnvelopePrefix(d.buffer.Bytes())
	if parseErr != nil {
		return d.fail(parseErr)
	}
	// Check the length before waiting for (or allocating room for) the
	// payload: the prefix isn't trusted until it's been vetted.
	if d.readMaxBytes > 0 && int64(size) > int64(d.readMaxBytes) {
		return d.fail(errorf(
			CodeResourceExhausted,
			"message size %d is larger than configured max %d",
			size, d.readMaxBytes,
		))
	}
	if err := d.fill(envelopePrefixLength + int(size)); err != nil {
		return d.fail(err)
	}
	d.buffer.Next(envelopePrefixLength)
	payload := d.buffer.Next(int(size))

	if flags&flagEnvelopeEndStream != 0 {
		if !d.requireEndStream {
			return d.fail(errProtocol(
				"protocol error: unexpected end-of-stream frame in request stream",
			))
		}
		return d.finish(payload)
	}

	if flags&flagEnvelopeCompressed != 0 {
		if d.compressionPool == nil {
			return d.fail(errProtocol(
				"protocol error: sent compressed message without compression support",
			))
		}
		decompressed := d.bufferPool.Get()
		defer d.bufferPool.Put(decompressed)
		if err := d.compressionPool.Decompress(
			decompressed,
			bytes.NewBuffer(payload),
			int64(d.readMaxBytes),
		); err != nil {
			return d.fail(err)
		}
		payload = decompressed.Bytes()
	}
	if message == nil {
		// Draining: the payload is discarded unread.
		return nil
	}
	if err := d.codec.Unmarshal(payload, message); err != nil {
		return d.fail(errDecode("unmarshal message: %w", err))
	}
	return nil
}

// finish consumes the terminal frame and moves the decoder to its final
// state.
func (d *streamDecoder) finish(payload []byte) error {
	endStream, err := unmarshalEndStream(payload)
	if err != nil {
		return d.fail(err)
	}
	d.trailer = endStream.Trailer
	d.trailerSeen = true
	if endStream.Error == nil {
		d.state = decoderStateFinished
		return io.EOF
	}
	if endStream.Error.unknownCode != "" {
		d.hooks.onUnknownCode(d.ctx, endStream.Error.unknownCode)
	}
	d.state = decoderStateEndStreamError
	d.err = endStream.Error.asError()
	if len(endStream.Trailer) > 0 {
		mergeHeaders(d.err.Meta(), endStream.Trailer)
	}
	return d.err
}

// Trailer returns the metadata from the terminal frame. It reports false
// until the stream has ended: trailers aren't observable mid-stream.
func (d *streamDecoder) Trailer() (http.Header, bool) {
	if !d.trailerSeen {
		return nil, false
	}
	return d.trailer, true
}

// Drain discards the remaining frames so the underlying connection can be
// reused, returning the number of data frames discarded. Reaching a terminal
// frame counts as success even when that frame carries a remote error; the
// error stays retrievable through Receive. If the context expires first,
// Drain closes the source (when it can), returns the partial count and the
// context's error, and the decoder must not be used again.
func (d *streamDecoder) Drain(ctx context.Context) (int, error) {
	var discarded atomic.Int64
	done := make(chan error, 1)
	go func() {
		for {
			if err := d.receive(nil); err != nil {
				done <- err
				return
			}
			discarded.Add(1)
		}
	}()
	select {
	case err := <-done:
		if errors.Is(err, io.EOF) || IsWireError(err) {
			return int(discarded.Load()), nil
		}
		return int(discarded.Load()), err
	case <-ctx.Done():
		// End the source so the discard goroutine isn't left blocked on a
		// read that can never finish.
		if closer, ok := d.reader.(io.Closer); ok {
			_ = closer.Close()
		}
		return int(discarded.Load()), wrapIfContextError(ctx.Err())
	}
}

// fill reads from the source until the internal buffer holds at least min
// bytes. A source that ends early produces a CodeDataLoss error if a frame
// was left incomplete, a protocol violation if a terminal frame was required
// but never arrived, and a bare io.EOF at a clean frame boundary otherwise.
func (d *streamDecoder) fill(min int) error {
	for d.buffer.Len() < min {
		bytesRead, err := d.buffer.ReadFrom(io.LimitReader(d.reader, int64(min-d.buffer.Len())))
		if err != nil {
			if wrapped, ok := asError(wrapIfContextError(err)); ok {
				return wrapped
			}
			d.hooks.onNetworkError(d.ctx, err)
			return errTransport("read enveloped message: %w", err)
		}
		if bytesRead == 0 {
			if d.buffer.Len() > 0 {
				return errorf(
					CodeDataLoss,
					"incomplete envelope: got %d buffered bytes, want %d",
					d.buffer.Len(), min,
				)
			}
			if d.requireEndStream {
				return errProtocol("protocol error: stream ended without end-of-stream frame")
			}
			return io.EOF
		}
	}
	return nil
}

func (d *streamDecoder) fail(err error) error {
	d.state = decoderStateFinished
	if coded, ok := asError(err); ok {
		d.err = coded
	} else {
		d.err = NewError(CodeUnknown, err)
	}
	return d.err
}
