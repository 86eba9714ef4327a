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
	"net/http"
	"strconv"
	"time"
)

const (
	contentTypeJSON        = "application/json"
	contentTypeProto       = "application/proto"
	contentTypeStreamJSON  = "application/conduit+json"
	contentTypeStreamProto = "application/conduit+proto"

	// grpcContentTypeDefault routes requests to the gRPC compatibility layer
	// before classification runs; the bare content type implies protobuf.
	grpcContentTypeDefault = "application/grpc"

	conduitHeaderCompression       = "Conduit-Content-Encoding"
	conduitHeaderAcceptCompression = "Conduit-Accept-Encoding"
	conduitHeaderTimeout           = "Conduit-Timeout-Ms"

	// Timeout values longer than this are effectively unbounded: the largest
	// 10-digit millisecond count is over 115 days.
	maxTimeoutDigits = 10
)

// classification is the result of inspecting a request or response
// Content-Type. It's the single source of truth for everything the protocol
// derives from the content type: framing, response and error content types,
// and whether message bodies are binary.
type classification uint8

const (
	classifyUnknown classification = iota
	classifyUnaryJSON
	classifyUnaryProto
	classifyStreamJSON
	classifyStreamProto
)

// classify maps a Content-Type to its classification. Parameters (like
// charset) are stripped before matching, and the most specific match wins:
// "application/conduit+json" is a streaming type even though it shares a
// prefix with no unary type. Unknown content types are never guessed at.
func classify(contentType string) classification {
	switch canonicalizeContentType(contentType) {
	case contentTypeJSON:
		return classifyUnaryJSON
	case contentTypeProto:
		return classifyUnaryProto
	case contentTypeStreamJSON:
		return classifyStreamJSON
	case contentTypeStreamProto:
		return classifyStreamProto
	default:
		return classifyUnknown
	}
}

func (c classification) String() string {
	switch c {
	case classifyUnaryJSON:
		return "unary JSON"
	case classifyUnaryProto:
		return "unary protobuf"
	case classifyStreamJSON:
		return "streaming JSON"
	case classifyStreamProto:
		return "streaming protobuf"
	default:
		return "unknown"
	}
}

// Framed reports whether message bodies use envelope framing.
func (c classification) Framed() bool {
	return c == classifyStreamJSON || c == classifyStreamProto
}

// Binary reports whether message payloads are binary rather than textual.
func (c classification) Binary() bool {
	return c == classifyUnaryProto || c == classifyStreamProto
}

// Codec names the message codec the classification implies.
func (c classification) Codec() string {
	if c.Binary() {
		return codecNameProto
	}
	return codecNameJSON
}

// ResponseContentType is the Content-Type a response to this request must
// carry: responses always mirror the request's classification.
func (c classification) ResponseContentType() string {
	switch c {
	case classifyUnaryJSON:
		return contentTypeJSON
	case classifyUnaryProto:
		return contentTypeProto
	case classifyStreamJSON:
		return contentTypeStreamJSON
	case classifyStreamProto:
		return contentTypeStreamProto
	default:
		return ""
	}
}

// ErrorContentType is the Content-Type of an error response. Unary errors
// are always JSON, regardless of the request codec; streaming errors travel
// inside the stream's terminal frame, so they keep the stream content type.
func (c classification) ErrorContentType() string {
	if c.Framed() {
		return c.ResponseContentType()
	}
	return contentTypeJSON
}

// parseConduitTimeout interprets the Conduit-Timeout-Ms header: a decimal
// count of milliseconds. An absent header means no timeout, and so does a
// value of more than maxTimeoutDigits digits; such timeouts are too distant
// to enforce.
func parseConduitTimeout(timeout string) (time.Duration, *Error) {
	if timeout == "" {
		return 0, nil
	}
	if len(timeout) > maxTimeoutDigits {
		for _, digit := range timeout {
			if digit < '0' || digit > '9' {
				return 0, errProtocol("protocol error: invalid timeout %q", timeout)
			}
		}
		return 0, nil
	}
	millis, err := strconv.ParseInt(timeout, 10, 64)
	if err != nil || millis < 0 {
		return 0, errProtocol("protocol error: invalid timeout %q", timeout)
	}
	return time.Duration(millis) * time.Millisecond, nil
}

// encodeConduitTimeout renders a context deadline as a Conduit-Timeout-Ms
// value. It reports false when there's no deadline to encode or the deadline
// has already passed.
func encodeConduitTimeout(ctx context.Context) (string, bool) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return "", false
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return "", false
	}
	millis := remaining.Milliseconds()
	if millis <= 0 {
		millis = 1 // round sub-millisecond timeouts up rather than to zero
	}
	return strconv.FormatInt(millis, 10), true
}

// A protocol defines the HTTP semantics to use when sending and receiving
// messages. It ties together codecs, compression pools, and net/http to
// produce Senders and Receivers.
//
// This interface is unexported: it only exists to separate the
// protocol-specific portions of conduit from the protocol-agnostic plumbing.
type protocol interface {
	NewHandler(*protocolHandlerParams) protocolHandler
	NewClient(*protocolClientParams) (protocolClient, error)
}

// protocolHandlerParams are the arguments to a protocol's NewHandler method,
// bundled into a struct to allow backward-compatible argument additions.
type protocolHandlerParams struct {
	Spec             Spec
	Codecs           readOnlyCodecs
	CompressionPools readOnlyCompressionPools
	Compression      CompressionConfig
	ReadMaxBytes     int
	SendMaxBytes     int
	BufferPool       *bufferPool
	Hooks            *Hooks
}

// protocolHandler is the server side of a protocol. HTTP handlers typically
// support multiple protocols, codecs, and compression algorithms.
type protocolHandler interface {
	// ShouldHandleMethod and ShouldHandleContentType check whether the
	// protocol can serve requests with a given HTTP method and Content-Type.
	// NewStream may assume that these checks have passed.
	ShouldHandleMethod(string) bool
	ShouldHandleContentType(string) bool

	// If no protocol can serve a request, each protocol's WriteAccept method
	// has a chance to write to the response headers. Protocols should write
	// their supported HTTP methods to the Allow header, and they may write
	// their supported content-types to the Accept-Post header.
	WriteAccept(http.Header)

	// NewStream constructs a Sender and Receiver for the message exchange.
	//
	// Implementations may decide whether the returned error should be sent to
	// the client. If the implementation returns a non-nil Sender, its Close
	// method will be called with the error. If the implementation returns a
	// nil Sender or Receiver, the caller substitutes no-op implementations.
	NewStream(http.ResponseWriter, *http.Request) (Sender, Receiver, error)
}

// protocolClientParams are the arguments to a protocol's NewClient method.
type protocolClientParams struct {
	Spec             Spec
	CompressionName  string
	CompressionPools readOnlyCompressionPools
	Compression      CompressionConfig
	Codec            Codec
	Protobuf         Codec // for errors, when Codec isn't protobuf
	ReadMaxBytes     int
	SendMaxBytes     int
	BufferPool       *bufferPool
	Doer             Doer
	URL              string
	Hooks            *Hooks
}

// protocolClient is the client side of a protocol. Clients use a single
// protocol, codec, and compression algorithm to send requests.
type protocolClient interface {
	// WriteRequestHeader writes any protocol-specific request headers.
	WriteRequestHeader(http.Header)

	// NewStream constructs a Sender and Receiver for the message exchange.
	//
	// Implementations should assume that the supplied HTTP headers have
	// already been populated by WriteRequestHeader. When constructing a
	// stream for a unary call, implementations may assume that the Sender's
	// Send and Close methods return before the Receiver's Receive or Close
	// methods are called.
	NewStream(context.Context, http.Header) (Sender, Receiver)
}
