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
)

type encoderState uint8

const (
	// encoderStateStreaming: data frames may still be sent.
	encoderStateStreaming encoderState = iota
	// encoderStateDone: the terminal frame has been written.
	encoderStateDone
)

// streamEncoder frames messages onto a writer: marshal, optionally compress,
// envelope. Exactly one end-of-stream frame terminates the output, after
// which further sends fail. It is not safe for concurrent use.
type streamEncoder struct {
	ctx    context.Context
	writer io.Writer

	codec            Codec
	compressionPool  *compressionPool // nil means identity
	compressMinBytes int
	bufferPool       *bufferPool
	sendMaxBytes     int
	hooks            *Hooks

	state encoderState
}

func newStreamEncoder(
	ctx context.Context,
	writer io.Writer,
	codec Codec,
	compressionPool *compressionPool,
	compression CompressionConfig,
	bufferPool *bufferPool,
	sendMaxBytes int,
	hooks *Hooks,
) *streamEncoder {
	if compression.Disabled() {
		compressionPool = nil
	}
	minBytes := compression.MinBytes
	if minBytes <= 0 {
		minBytes = defaultCompressMinBytes
	}
	return &streamEncoder{
		ctx:              ctx,
		writer:           writer,
		codec:            codec,
		compressionPool:  compressionPool,
		compressMinBytes: minBytes,
		bufferPool:       bufferPool,
		sendMaxBytes:     sendMaxBytes,
		hooks:            hooks,
	}
}

// Send marshals and frames one message. Payloads are compressed only when a
// non-identity compression is negotiated and the serialized size reaches the
// configured threshold.
func (e *streamEncoder) Send(message any) error {
	if e.state != encoderStateStreaming {
		return errorf(CodeInternal, "send on closed stream")
	}
	buffer := e.bufferPool.Get()
	defer e.bufferPool.Put(buffer)
	if err := e.marshal(buffer, message); err != nil {
		return err
	}
	flags := uint8(0)
	payload := buffer.Bytes()
	if e.compressionPool != nil && buffer.Len() >= e.compressMinBytes {
		compressed := e.bufferPool.Get()
		defer e.bufferPool.Put(compressed)
		if err := e.compressionPool.Compress(compressed, buffer); err != nil {
			return err
		}
		flags |= flagEnvelopeCompressed
		payload = compressed.Bytes()
	}
	if e.sendMaxBytes > 0 && len(payload) > e.sendMaxBytes {
		return errorf(
			CodeResourceExhausted,
			"message size %d exceeds sendMaxBytes %d",
			len(payload), e.sendMaxBytes,
		)
	}
	return e.write(flags, payload)
}

// Close writes the terminal frame, carrying the trailer and, if err is
// non-nil, the stream's error. Closing an already-closed encoder is a no-op:
// there is never more than one terminal frame.
func (e *streamEncoder) Close(trailer http.Header, err error) error {
	if e.state == encoderStateDone {
		return nil
	}
	e.state = encoderStateDone
	payload, marshalErr := marshalEndStream(trailer, err)
	if marshalErr != nil {
		e.hooks.onMarshalError(e.ctx, marshalErr)
		return marshalErr
	}
	return e.write(flagEnvelopeEndStream, payload)
}

// EncodeAll drives the encoder from a source function: each call to src
// yields the next message, io.EOF ends the stream cleanly, and any other
// error (or a failure to send) becomes the stream's final item. The terminal
// frame is always written, and the first failure is returned.
func (e *streamEncoder) EncodeAll(trailer http.Header, src func() (any, error)) error {
	for {
		message, err := src()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return e.Close(trailer, nil)
			}
			if closeErr := e.Close(trailer, err); closeErr != nil {
				return closeErr
			}
			return err
		}
		if err := e.Send(message); err != nil {
			_ = e.Close(trailer, err)
			return err
		}
	}
}

func (e *streamEncoder) marshal(dst *bytes.Buffer, message any) error {
	if appender, ok := e.codec.(marshalAppender); ok {
		data, err := appender.MarshalAppend(dst.Bytes(), message)
		if err != nil {
			e.hooks.onMarshalError(e.ctx, err)
			return errEncode("marshal message: %w", err)
		}
		// MarshalAppend may reallocate; point the buffer at the result.
		*dst = *bytes.NewBuffer(data)
		return nil
	}
	data, err := e.codec.Marshal(message)
	if err != nil {
		e.hooks.onMarshalError(e.ctx, err)
		return errEncode("marshal message: %w", err)
	}
	dst.Write(data)
	return nil
}

func (e *streamEncoder) write(flags uint8, payload []byte) error {
	framed := e.bufferPool.Get()
	defer e.bufferPool.Put(framed)
	writeEnvelope(framed, flags, payload)
	if _, err := framed.WriteTo(e.writer); err != nil {
		if wrapped, ok := asError(wrapIfContextError(err)); ok {
			return wrapped
		}
		e.hooks.onNetworkError(e.ctx, err)
		return errTransport("write enveloped message: %w", err)
	}
	return nil
}
