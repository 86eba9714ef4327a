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
	"encoding/base64"
	"net/http"
	"testing"

	"github.com/conduitrpc/conduit/internal/assert"
)

func TestBinaryHeaders(t *testing.T) {
	t.Parallel()
	payload := []byte("one two three four")

	t.Run("round_trip", func(t *testing.T) {
		t.Parallel()
		encoded := EncodeBinaryHeader(payload)
		decoded, err := DecodeBinaryHeader(encoded)
		assert.Nil(t, err)
		assert.Equal(t, decoded, payload)
	})

	t.Run("unpadded_output", func(t *testing.T) {
		t.Parallel()
		// "a" encodes to two base64 characters plus padding; we must emit the
		// unpadded form.
		assert.Equal(t, EncodeBinaryHeader([]byte("a")), "YQ")
	})

	t.Run("accepts_padded_input", func(t *testing.T) {
		t.Parallel()
		padded := base64.StdEncoding.EncodeToString(payload)
		decoded, err := DecodeBinaryHeader(padded)
		assert.Nil(t, err)
		assert.Equal(t, decoded, payload)
	})

	t.Run("rejects_garbage", func(t *testing.T) {
		t.Parallel()
		_, err := DecodeBinaryHeader("!!!not base64!!!")
		assert.NotNil(t, err)
	})
}

func TestMergeHeaders(t *testing.T) {
	t.Parallel()
	into := http.Header{"Foo": {"one"}}
	from := http.Header{
		"Foo":     {"two"},
		"Bar":     {"three"},
		"Pending": nil, // a Trailer-announced key with no values
	}
	mergeHeaders(into, from)
	assert.Equal(t, into, http.Header{
		"Foo": {"one", "two"},
		"Bar": {"three"},
	})
}

func TestCanonicalizeContentType(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
	}{
		{"application/json", "application/json"},
		{"APPLICATION/JSON", "application/json"},
		{"application/json; charset=utf-8", "application/json"},
		{"application/json; charset=UTF-8", "application/json"},
		{"application/json; charset=iso-8859-1", "application/json; charset=iso-8859-1"},
		{"application/conduit+proto", "application/conduit+proto"},
		{"application/json; foo=bar", "application/json; foo=bar"},
	}
	for _, tt := range tests {
		assert.Equal(t, canonicalizeContentType(tt.in), tt.want, assert.Sprintf("input %q", tt.in))
	}
}

func TestPercentCodec(t *testing.T) {
	t.Parallel()
	roundTrips := []string{
		"",
		"plain ascii",
		"percent % sign",
		"über resumé",
		"emoji \U0001f98b ok",
		"newline\nand\ttab",
	}
	for _, msg := range roundTrips {
		encoded := percentEncode(msg)
		for i := 0; i < len(encoded); i++ {
			legal := encoded[i] >= ' ' && encoded[i] <= '~'
			assert.True(t, legal, assert.Sprintf("byte %d of %q", i, encoded))
		}
		assert.Equal(t, percentDecode(encoded), msg, assert.Sprintf("message %q", msg))
	}

	// Lenient decoding copies malformed escapes through unchanged.
	assert.Equal(t, percentDecode("malformed %zz escape"), "malformed %zz escape")
	assert.Equal(t, percentDecode("truncated %2"), "truncated %2")
}

func TestHeaderCanonicalShortcuts(t *testing.T) {
	t.Parallel()
	header := make(http.Header)
	setHeaderCanonical(header, "Content-Type", "application/json")
	assert.Equal(t, getHeaderCanonical(header, "Content-Type"), "application/json")
	assert.Equal(t, getHeaderCanonical(nil, "Content-Type"), "")
	delHeaderCanonical(header, "Content-Type")
	assert.Equal(t, len(header), 0)
}
