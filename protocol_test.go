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
	"context"
	"errors"
	"testing"
	"time"

	"github.com/conduitrpc/conduit/internal/assert"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		contentType string
		want        classification
	}{
		{"application/json", classifyUnaryJSON},
		{"application/proto", classifyUnaryProto},
		{"application/conduit+json", classifyStreamJSON},
		{"application/conduit+proto", classifyStreamProto},
		{"Application/JSON", classifyUnaryJSON},
		{"application/json; charset=utf-8", classifyUnaryJSON},
		{"application/conduit+proto;charset=utf-8", classifyStreamProto},
		{"application/xml", classifyUnknown},
		{"application/grpc", classifyUnknown},
		{"application/jsonx", classifyUnknown},
		{"", classifyUnknown},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.contentType, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, classify(tt.contentType), tt.want)
		})
	}
}

func TestClassificationDerivedFacts(t *testing.T) {
	t.Parallel()
	tests := []struct {
		class               classification
		framed              bool
		binary              bool
		codec               string
		responseContentType string
		errorContentType    string
	}{
		{classifyUnaryJSON, false, false, codecNameJSON, contentTypeJSON, contentTypeJSON},
		{classifyUnaryProto, false, true, codecNameProto, contentTypeProto, contentTypeJSON},
		{classifyStreamJSON, true, false, codecNameJSON, contentTypeStreamJSON, contentTypeStreamJSON},
		{classifyStreamProto, true, true, codecNameProto, contentTypeStreamProto, contentTypeStreamProto},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.class.String(), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.class.Framed(), tt.framed)
			assert.Equal(t, tt.class.Binary(), tt.binary)
			assert.Equal(t, tt.class.Codec(), tt.codec)
			assert.Equal(t, tt.class.ResponseContentType(), tt.responseContentType)
			assert.Equal(t, tt.class.ErrorContentType(), tt.errorContentType)
		})
	}
	assert.Equal(t, classifyUnknown.ResponseContentType(), "")
}

func TestParseConduitTimeout(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		timeout string
		want    time.Duration
		wantErr bool
	}{
		{"absent", "", 0, false},
		{"zero", "0", 0, false},
		{"millis", "2500", 2500 * time.Millisecond, false},
		{"max_digits", "9999999999", 9999999999 * time.Millisecond, false},
		// Values too big to matter are treated as "no timeout" rather than
		// rejected, as long as they're well-formed.
		{"too_many_digits", "12345678901", 0, false},
		{"too_many_digits_malformed", "123456789x1", 0, true},
		{"negative", "-100", 0, true},
		{"not_a_number", "soon", 0, true},
		{"fractional", "10.5", 0, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			duration, err := parseConduitTimeout(tt.timeout)
			if tt.wantErr {
				assert.NotNil(t, err)
				assert.Equal(t, err.Code(), CodeInvalidArgument)
				return
			}
			assert.Nil(t, err)
			assert.Equal(t, duration, tt.want)
		})
	}
}

func TestEncodeConduitTimeout(t *testing.T) {
	t.Parallel()

	t.Run("no_deadline", func(t *testing.T) {
		t.Parallel()
		_, ok := encodeConduitTimeout(context.Background())
		assert.False(t, ok)
	})

	t.Run("future_deadline", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		value, ok := encodeConduitTimeout(ctx)
		assert.True(t, ok)
		millis, err := time.ParseDuration(value + "ms")
		assert.Nil(t, err)
		assert.True(t, millis > 0)
		assert.True(t, millis <= 10*time.Second)
	})

	t.Run("sub_millisecond_rounds_up", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Microsecond)
		defer cancel()
		value, ok := encodeConduitTimeout(ctx)
		if !ok {
			// The deadline may already have passed on a loaded machine.
			t.Skip("deadline expired before encoding")
		}
		assert.Equal(t, value, "1")
	})

	t.Run("expired_deadline", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
		defer cancel()
		_, ok := encodeConduitTimeout(ctx)
		assert.False(t, ok)
	})
}

func TestConduitHandlerContentTypes(t *testing.T) {
	t.Parallel()
	codecs := newReadOnlyCodecs(map[string]Codec{
		codecNameProto: &protoBinaryCodec{},
		codecNameJSON:  &protoJSONCodec{name: codecNameJSON},
	})

	t.Run("unary", func(t *testing.T) {
		t.Parallel()
		handler := (&protocolConduit{}).NewHandler(&protocolHandlerParams{
			Spec:   Spec{StreamType: StreamTypeUnary, Procedure: "/acme.v1.Widgets/Get"},
			Codecs: codecs,
		})
		assert.True(t, handler.ShouldHandleMethod("POST"))
		assert.False(t, handler.ShouldHandleMethod("GET"))
		assert.True(t, handler.ShouldHandleContentType("application/json"))
		assert.True(t, handler.ShouldHandleContentType("application/proto"))
		assert.False(t, handler.ShouldHandleContentType("application/conduit+proto"))
		assert.False(t, handler.ShouldHandleContentType("application/xml"))
	})

	t.Run("streaming", func(t *testing.T) {
		t.Parallel()
		handler := (&protocolConduit{}).NewHandler(&protocolHandlerParams{
			Spec:   Spec{StreamType: StreamTypeBidi, Procedure: "/acme.v1.Widgets/Watch"},
			Codecs: codecs,
		})
		assert.True(t, handler.ShouldHandleContentType("application/conduit+json"))
		assert.True(t, handler.ShouldHandleContentType("application/conduit+proto"))
		assert.False(t, handler.ShouldHandleContentType("application/proto"))
	})
}

func TestConduitClientRejectsInvalidURL(t *testing.T) {
	t.Parallel()
	_, err := (&protocolConduit{}).NewClient(&protocolClientParams{
		URL: "://nope",
	})
	assert.NotNil(t, err)
	var coded *Error
	assert.True(t, errors.As(err, &coded))
	assert.Equal(t, coded.Code(), CodeUnavailable)
}
