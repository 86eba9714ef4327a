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
	"fmt"
	"mime"
	"net/http"
	"strings"
)

const (
	headerContentType = "Content-Type"
	headerUserAgent   = "User-Agent"
	headerTrailer     = "Trailer"
)

// EncodeBinaryHeader base64-encodes the data. It always emits unpadded
// values.
//
// In the protocol, binary headers must have keys ending in "-Bin".
func EncodeBinaryHeader(data []byte) string {
	return base64.RawStdEncoding.EncodeToString(data)
}

// DecodeBinaryHeader base64-decodes the data. It can decode padded and
// unpadded values. Following usual HTTP semantics, binary headers should have
// keys ending in "-Bin".
//
// Binary headers don't have many use cases. See, for example, gRPC's
// discussion of the ecosystem-wide collision between "Trace-Bin" headers in
// https://github.com/grpc/grpc/blob/master/doc/PROTOCOL-HTTP2.md.
func DecodeBinaryHeader(data string) ([]byte, error) {
	if len(data)%4 != 0 {
		// Data definitely isn't padded.
		return base64.RawStdEncoding.DecodeString(data)
	}
	// Either the data was padded, or padding wasn't necessary. In both cases,
	// the padding-aware decoder works.
	return base64.StdEncoding.DecodeString(data)
}

func mergeHeaders(into, from http.Header) {
	for key, vals := range from {
		if len(vals) == 0 {
			// For response trailers, net/http will pre-populate entries with nil
			// values based on the "Trailer" header. But if there are no actual
			// values for those keys, we skip them.
			continue
		}
		into[key] = append(into[key], vals...)
	}
}

// getHeaderCanonical is a shortcut for Header.Get() which
// bypasses the CanonicalMIMEHeaderKey operation when we
// know the key is already in canonical form.
func getHeaderCanonical(h http.Header, key string) string {
	if h == nil {
		return ""
	}
	v := h[key]
	if len(v) == 0 {
		return ""
	}
	return v[0]
}

// setHeaderCanonical is a shortcut for Header.Set() which
// bypasses the CanonicalMIMEHeaderKey operation when we
// know the key is already in canonical form.
func setHeaderCanonical(h http.Header, key, value string) {
	h[key] = []string{value}
}

// delHeaderCanonical is a shortcut for Header.Del() which
// bypasses the CanonicalMIMEHeaderKey operation when we
// know the key is already in canonical form.
func delHeaderCanonical(h http.Header, key string) {
	delete(h, key)
}

// canonicalizeContentType normalizes Content-Type headers: lowercases the
// type and subtype, strips charset=utf-8 parameters (which are implied for
// JSON), and re-serializes any remaining parameters in canonical form.
func canonicalizeContentType(contentType string) string {
	// Typically Content-Type is a simple media type with no parameters, and
	// lowercasing is the only normalization needed.
	if !strings.ContainsAny(contentType, " ;") {
		return strings.ToLower(contentType)
	}
	base, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return contentType
	}
	// Consider mime type parameters. If the media type is JSON-based, an
	// explicit charset=utf-8 parameter is redundant.
	if charset, ok := params["charset"]; ok && strings.ToLower(charset) == "utf-8" {
		delete(params, "charset")
	}
	return mime.FormatMediaType(base, params)
}

// percentEncode follows RFC 3986 Section 2.1 and the gRPC HTTP/2 spec. It's a
// variant of URL-encoding with fewer reserved characters. It's intended to
// take UTF-8 encoded text and escape non-ASCII bytes so that they're valid
// HTTP/1 headers, while still maximizing readability of the data on the wire.
//
// The Grpc-Message trailer (used for human-readable error messages) should be
// percent-encoded.
//
// References:
//
//	https://github.com/grpc/grpc/blob/master/doc/PROTOCOL-HTTP2.md#responses
//	https://datatracker.ietf.org/doc/html/rfc3986#section-2.1
func percentEncode(msg string) string {
	var hexCount int
	for i := 0; i < len(msg); i++ {
		if isHex := msg[i] < ' ' || msg[i] > '~' || msg[i] == '%'; isHex {
			hexCount++
		}
	}
	if hexCount == 0 {
		return msg
	}
	// We need to escape some characters, so we'll need to allocate a new string.
	var out strings.Builder
	out.Grow(len(msg) + 2*hexCount)
	for i := 0; i < len(msg); i++ {
		switch char := msg[i]; {
		case char < ' ', char > '~', char == '%':
			out.WriteString(fmt.Sprintf("%%%02X", char))
		default:
			out.WriteByte(char)
		}
	}
	return out.String()
}

func percentDecode(encoded string) string {
	var percentCount int
	for i := 0; i < len(encoded); i++ {
		if encoded[i] == '%' {
			percentCount++
		}
	}
	if percentCount == 0 {
		return encoded
	}
	// We need to unescape some characters, so we'll need to allocate a new
	// string.
	var out strings.Builder
	out.Grow(len(encoded) - 2*percentCount)
	for i := 0; i < len(encoded); i++ {
		char := encoded[i]
		if char != '%' || i+2 >= len(encoded) {
			out.WriteByte(char)
			continue
		}
		parsed, ok := fromHex(encoded[i+1 : i+3])
		if !ok {
			// Malformed escape sequences are copied through unchanged, matching
			// gRPC's lenient decoding.
			out.WriteByte(char)
			continue
		}
		out.WriteByte(parsed)
		i += 2
	}
	return out.String()
}

func fromHex(hexDigits string) (byte, bool) {
	var value byte
	for i := 0; i < len(hexDigits); i++ {
		char := hexDigits[i]
		switch {
		case char >= '0' && char <= '9':
			value = value*16 + (char - '0')
		case char >= 'a' && char <= 'f':
			value = value*16 + (char - 'a' + 10)
		case char >= 'A' && char <= 'F':
			value = value*16 + (char - 'A' + 10)
		default:
			return 0, false
		}
	}
	return value, true
}
