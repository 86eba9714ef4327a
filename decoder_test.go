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
	"testing"
	"testing/iotest"

	"github.com/conduitrpc/conduit/internal/assert"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// frameBuilder assembles wire bytes for decoder tests.
type frameBuilder struct {
	buffer bytes.Buffer
	codec  Codec
	t      testing.TB
}

func newFrameBuilder(t testing.TB) *frameBuilder {
	t.Helper()
	return &frameBuilder{codec: &protoBinaryCodec{}, t: t}
}

func (b *frameBuilder) message(msg proto.Message) *frameBuilder {
	b.t.Helper()
	data, err := b.codec.Marshal(msg)
	assert.Nil(b.t, err)
	writeEnvelope(&b.buffer, 0, data)
	return b
}

func (b *frameBuilder) compressedMessage(msg proto.Message, pool *compressionPool) *frameBuilder {
	b.t.Helper()
	data, err := b.codec.Marshal(msg)
	assert.Nil(b.t, err)
	compressed := &bytes.Buffer{}
	assert.Nil(b.t, pool.Compress(compressed, bytes.NewBuffer(data)))
	writeEnvelope(&b.buffer, flagEnvelopeCompressed, compressed.Bytes())
	return b
}

func (b *frameBuilder) endStream(trailer http.Header, err error) *frameBuilder {
	b.t.Helper()
	payload, marshalErr := marshalEndStream(trailer, err)
	assert.Nil(b.t, marshalErr)
	writeEnvelope(&b.buffer, flagEnvelopeEndStream, payload)
	return b
}

func (b *frameBuilder) reader() io.Reader {
	return &b.buffer
}

func newTestDecoder(reader io.Reader, requireEndStream bool) *streamDecoder {
	return newStreamDecoder(
		context.Background(),
		reader,
		&protoBinaryCodec{},
		nil, // identity
		newBufferPool(),
		0, // no read limit
		nil,
		requireEndStream,
	)
}

func TestDecoderResponseStream(t *testing.T) {
	t.Parallel()
	frames := newFrameBuilder(t).
		message(wrapperspb.String("one")).
		message(wrapperspb.String("two")).
		endStream(http.Header{"Acme-Checksum": {"abc"}}, nil)
	decoder := newTestDecoder(frames.reader(), true)

	var msg wrapperspb.StringValue
	assert.Nil(t, decoder.Receive(&msg))
	assert.Equal(t, msg.GetValue(), "one")
	// Trailers aren't observable mid-stream.
	_, ok := decoder.Trailer()
	assert.False(t, ok)

	assert.Nil(t, decoder.Receive(&msg))
	assert.Equal(t, msg.GetValue(), "two")

	err := decoder.Receive(&msg)
	assert.ErrorIs(t, err, io.EOF)
	trailer, ok := decoder.Trailer()
	assert.True(t, ok)
	assert.Equal(t, trailer.Get("Acme-Checksum"), "abc")

	// Sticky: subsequent calls repeat the result.
	assert.ErrorIs(t, decoder.Receive(&msg), io.EOF)
}

func TestDecoderByteAtATime(t *testing.T) {
	t.Parallel()
	frames := newFrameBuilder(t).
		message(wrapperspb.String("drip")).
		endStream(nil, nil)
	decoder := newTestDecoder(iotest.OneByteReader(frames.reader()), true)

	var msg wrapperspb.StringValue
	assert.Nil(t, decoder.Receive(&msg))
	assert.Equal(t, msg.GetValue(), "drip")
	assert.ErrorIs(t, decoder.Receive(&msg), io.EOF)
}

func TestDecoderRequestStream(t *testing.T) {
	t.Parallel()

	t.Run("ends_at_body_eof", func(t *testing.T) {
		t.Parallel()
		frames := newFrameBuilder(t).message(wrapperspb.String("only"))
		decoder := newTestDecoder(frames.reader(), false)
		var msg wrapperspb.StringValue
		assert.Nil(t, decoder.Receive(&msg))
		assert.ErrorIs(t, decoder.Receive(&msg), io.EOF)
	})

	t.Run("rejects_end_stream_frame", func(t *testing.T) {
		t.Parallel()
		frames := newFrameBuilder(t).endStream(nil, nil)
		decoder := newTestDecoder(frames.reader(), false)
		var msg wrapperspb.StringValue
		err := decoder.Receive(&msg)
		assert.NotNil(t, err)
		var coded *Error
		assert.True(t, errors.As(err, &coded))
		assert.Equal(t, coded.Code(), CodeInvalidArgument)
	})
}

func TestDecoderMissingEndStream(t *testing.T) {
	t.Parallel()
	frames := newFrameBuilder(t).message(wrapperspb.String("unterminated"))
	decoder := newTestDecoder(frames.reader(), true)

	var msg wrapperspb.StringValue
	assert.Nil(t, decoder.Receive(&msg))
	err := decoder.Receive(&msg)
	assert.NotNil(t, err)
	var coded *Error
	assert.True(t, errors.As(err, &coded))
	assert.Equal(t, coded.Code(), CodeInvalidArgument)
}

func TestDecoderTruncatedFrame(t *testing.T) {
	t.Parallel()

	t.Run("partial_prefix", func(t *testing.T) {
		t.Parallel()
		decoder := newTestDecoder(bytes.NewReader([]byte{0, 0, 0}), true)
		var msg wrapperspb.StringValue
		err := decoder.Receive(&msg)
		var coded *Error
		assert.True(t, errors.As(err, &coded))
		assert.Equal(t, coded.Code(), CodeDataLoss)
	})

	t.Run("partial_payload", func(t *testing.T) {
		t.Parallel()
		// Prefix promises 100 bytes; only 2 arrive.
		decoder := newTestDecoder(bytes.NewReader([]byte{0, 0, 0, 0, 100, 1, 2}), true)
		var msg wrapperspb.StringValue
		err := decoder.Receive(&msg)
		var coded *Error
		assert.True(t, errors.As(err, &coded))
		assert.Equal(t, coded.Code(), CodeDataLoss)
	})
}

func TestDecoderEndStreamError(t *testing.T) {
	t.Parallel()
	remoteErr := NewError(CodeAlreadyExists, errors.New("duplicate widget"))
	frames := newFrameBuilder(t).
		message(wrapperspb.String("partial")).
		endStream(http.Header{"Acme-Attempt": {"3"}}, remoteErr)
	decoder := newTestDecoder(frames.reader(), true)

	var msg wrapperspb.StringValue
	assert.Nil(t, decoder.Receive(&msg))
	err := decoder.Receive(&msg)
	assert.NotNil(t, err)
	assert.True(t, IsWireError(err))
	var coded *Error
	assert.True(t, errors.As(err, &coded))
	assert.Equal(t, coded.Code(), CodeAlreadyExists)
	// Terminal-frame metadata rides on the error too.
	assert.Equal(t, coded.Meta().Get("Acme-Attempt"), "3")

	trailer, ok := decoder.Trailer()
	assert.True(t, ok)
	assert.Equal(t, trailer.Get("Acme-Attempt"), "3")

	// Sticky.
	assert.ErrorIs(t, decoder.Receive(&msg), coded)
}

func TestDecoderUnknownCodeHook(t *testing.T) {
	t.Parallel()
	var observed string
	hooks := &Hooks{OnUnknownCode: func(_ context.Context, wireCode string) {
		observed = wireCode
	}}
	frames := &bytes.Buffer{}
	writeEnvelope(frames, flagEnvelopeEndStream, []byte(`{"error": {"code": "overheated"}}`))
	decoder := newStreamDecoder(
		context.Background(),
		frames,
		&protoBinaryCodec{},
		nil,
		newBufferPool(),
		0,
		hooks,
		true,
	)

	var msg wrapperspb.StringValue
	err := decoder.Receive(&msg)
	var coded *Error
	assert.True(t, errors.As(err, &coded))
	assert.Equal(t, coded.Code(), CodeUnknown)
	assert.Equal(t, observed, "overheated")
}

func TestDecoderCompressedFrames(t *testing.T) {
	t.Parallel()
	pool := newGzipPool(LevelDefault)
	big := wrapperspb.String(string(bytes.Repeat([]byte{'x'}, 2048)))

	t.Run("decompresses", func(t *testing.T) {
		t.Parallel()
		frames := newFrameBuilder(t).
			compressedMessage(big, pool).
			endStream(nil, nil)
		decoder := newStreamDecoder(
			context.Background(),
			frames.reader(),
			&protoBinaryCodec{},
			pool,
			newBufferPool(),
			0,
			nil,
			true,
		)
		var msg wrapperspb.StringValue
		assert.Nil(t, decoder.Receive(&msg))
		assert.Equal(t, msg.GetValue(), big.GetValue())
	})

	t.Run("compressed_without_support", func(t *testing.T) {
		t.Parallel()
		frames := newFrameBuilder(t).compressedMessage(big, pool)
		decoder := newTestDecoder(frames.reader(), true)
		var msg wrapperspb.StringValue
		err := decoder.Receive(&msg)
		var coded *Error
		assert.True(t, errors.As(err, &coded))
		assert.Equal(t, coded.Code(), CodeInvalidArgument)
	})
}

func TestDecoderReadMaxBytes(t *testing.T) {
	t.Parallel()
	frames := newFrameBuilder(t).message(wrapperspb.String(string(bytes.Repeat([]byte{'y'}, 256))))
	decoder := newStreamDecoder(
		context.Background(),
		frames.reader(),
		&protoBinaryCodec{},
		nil,
		newBufferPool(),
		64,
		nil,
		true,
	)
	var msg wrapperspb.StringValue
	err := decoder.Receive(&msg)
	var coded *Error
	assert.True(t, errors.As(err, &coded))
	assert.Equal(t, coded.Code(), CodeResourceExhausted)
}

func TestDecoderDrain(t *testing.T) {
	t.Parallel()

	t.Run("clean", func(t *testing.T) {
		t.Parallel()
		frames := newFrameBuilder(t).
			message(wrapperspb.String("a")).
			message(wrapperspb.String("b")).
			message(wrapperspb.String("c")).
			endStream(nil, nil)
		decoder := newTestDecoder(frames.reader(), true)
		discarded, err := decoder.Drain(context.Background())
		assert.Nil(t, err)
		assert.Equal(t, discarded, 3)
	})

	t.Run("remote_error_counts_as_success", func(t *testing.T) {
		t.Parallel()
		frames := newFrameBuilder(t).
			message(wrapperspb.String("a")).
			endStream(nil, NewError(CodeAborted, errors.New("conflict")))
		decoder := newTestDecoder(frames.reader(), true)
		discarded, err := decoder.Drain(context.Background())
		assert.Nil(t, err)
		assert.Equal(t, discarded, 1)
		// The remote error is still retrievable afterward.
		var msg wrapperspb.StringValue
		receiveErr := decoder.Receive(&msg)
		var coded *Error
		assert.True(t, errors.As(receiveErr, &coded))
		assert.Equal(t, coded.Code(), CodeAborted)
	})

	t.Run("context_expiry_closes_source", func(t *testing.T) {
		t.Parallel()
		pipeReader, pipeWriter := io.Pipe()
		decoder := newTestDecoder(pipeReader, true)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		discarded, err := decoder.Drain(ctx)
		assert.Equal(t, discarded, 0)
		var coded *Error
		assert.True(t, errors.As(err, &coded))
		assert.Equal(t, coded.Code(), CodeCanceled)
		// Drain ends the source itself, releasing the blocked read: the write
		// side sees a closed pipe without anyone else touching the transport.
		_, writeErr := pipeWriter.Write([]byte{0})
		assert.ErrorIs(t, writeErr, io.ErrClosedPipe)
	})
}
