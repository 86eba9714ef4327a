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
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// protocolType is one of the supported RPC protocols.
type protocolType uint8

const (
	unknownProtocol protocolType = iota
	conduitUnaryProtocol
	conduitStreamProtocol
	grpcProtocol
)

// An ErrorWriter writes errors to an [http.ResponseWriter] in the format
// expected by an RPC client. This is especially useful in server-side
// net/http middleware, where you may wish to handle requests from RPC and
// non-RPC clients with the same code.
//
// ErrorWriters are safe to use concurrently.
type ErrorWriter struct {
	bufferPool *bufferPool
	protobuf   Codec
	codecs     readOnlyCodecs
	handleGRPC bool
}

// NewErrorWriter constructs an ErrorWriter. To properly recognize supported
// RPC Content-Types in net/http middleware, you must pass the same
// HandlerOptions to NewErrorWriter and any wrapped handlers.
func NewErrorWriter(options ...HandlerOption) *ErrorWriter {
	config := newHandlerConfig("", options)
	codecs := newReadOnlyCodecs(config.Codecs)
	return &ErrorWriter{
		bufferPool: config.BufferPool,
		protobuf:   codecs.Protobuf(),
		codecs:     codecs,
		handleGRPC: config.HandleGRPC,
	}
}

func (w *ErrorWriter) classifyRequest(request *http.Request) protocolType {
	contentType := getHeaderCanonical(request.Header, headerContentType)
	if w.handleGRPC {
		if codecName := grpcCodecFromContentType(contentType); codecName != "" &&
			w.codecs.Get(codecName) != nil {
			return grpcProtocol
		}
	}
	class := classify(contentType)
	if class == classifyUnknown || w.codecs.Get(class.Codec()) == nil {
		return unknownProtocol
	}
	if class.Framed() {
		return conduitStreamProtocol
	}
	return conduitUnaryProtocol
}

// IsSupported checks whether a request is using one of the ErrorWriter's
// supported RPC protocols.
func (w *ErrorWriter) IsSupported(request *http.Request) bool {
	return w.classifyRequest(request) != unknownProtocol
}

// Write an error, using the format appropriate for the RPC protocol in use.
// Callers should first use IsSupported to verify that the request is using
// one of the ErrorWriter's supported RPC protocols. If the protocol is
// unknown, Write sends the error as unframed JSON: unknown callers are most
// likely unary clients, and JSON stays human-readable either way.
//
// Write does not read or close the request body.
func (w *ErrorWriter) Write(response http.ResponseWriter, request *http.Request, err error) error {
	contentType := getHeaderCanonical(request.Header, headerContentType)
	switch w.classifyRequest(request) {
	case conduitStreamProtocol:
		setHeaderCanonical(response.Header(), headerContentType, canonicalizeContentType(contentType))
		return w.writeConduitStreaming(response, err)
	case grpcProtocol:
		setHeaderCanonical(response.Header(), headerContentType, canonicalizeContentType(contentType))
		return w.writeGRPC(response, err)
	default:
		setHeaderCanonical(response.Header(), headerContentType, contentTypeJSON)
		return w.writeConduitUnary(response, err)
	}
}

func (w *ErrorWriter) writeConduitUnary(response http.ResponseWriter, err error) error {
	conduitErr, ok := asError(wrapIfUncoded(wrapIfContextError(err)))
	if !ok {
		conduitErr = NewError(CodeUnknown, err)
	}
	mergeHeaders(response.Header(), conduitErr.meta)
	data, marshalErr := json.Marshal(newWireError(conduitErr))
	if marshalErr != nil {
		response.WriteHeader(http.StatusInternalServerError)
		return fmt.Errorf("marshal error: %w", marshalErr)
	}
	response.WriteHeader(codeToHTTP(conduitErr.Code()))
	_, writeErr := response.Write(data)
	return writeErr
}

func (w *ErrorWriter) writeConduitStreaming(response http.ResponseWriter, err error) error {
	// Streaming failures travel in the terminal frame, under a 200.
	response.WriteHeader(http.StatusOK)
	data, marshalErr := marshalEndStream(make(http.Header), err)
	if marshalErr != nil {
		return marshalErr
	}
	frame := w.bufferPool.Get()
	defer w.bufferPool.Put(frame)
	writeEnvelope(frame, flagEnvelopeEndStream, data)
	_, writeErr := frame.WriteTo(response)
	return writeErr
}

func (w *ErrorWriter) writeGRPC(response http.ResponseWriter, err error) error {
	trailers := make(http.Header, 2) // need space for at least code & message
	grpcErrorToTrailer(trailers, w.protobuf, err)
	// To make net/http reliably send trailers without a body, we must set the
	// Trailer header rather than using http.TrailerPrefix. See
	// https://github.com/golang/go/issues/54723.
	keys := make([]string, 0, len(trailers))
	for key := range trailers {
		keys = append(keys, key)
	}
	setHeaderCanonical(response.Header(), headerTrailer, strings.Join(keys, ","))
	response.WriteHeader(http.StatusOK)
	mergeHeaders(response.Header(), trailers)
	return nil
}
