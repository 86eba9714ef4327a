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
	"errors"
	"io"
	"net/http"
)

// AnyRequest is the interface implemented by all Request instances,
// regardless of message type. It's used by interceptors that don't care
// about the concrete request and response types.
type AnyRequest interface {
	Any() any
	Spec() Spec
	Header() http.Header

	// Only internal implementations, so we can add methods without breaking
	// backward compatibility.
	internalOnly()
}

// AnyResponse is the interface implemented by all Response instances,
// regardless of message type.
type AnyResponse interface {
	Any() any
	Header() http.Header
	Trailer() http.Header

	internalOnly()
}

// Request is a wrapper around a generated request message. It provides
// access to metadata like headers and the RPC specification, as well as
// strongly-typed access to the message itself.
type Request[T any] struct {
	Msg *T

	spec   Spec
	header http.Header
}

// NewRequest wraps a generated request message.
func NewRequest[T any](message *T) *Request[T] {
	return &Request[T]{
		Msg: message,
		// Initialized lazily so we don't allocate unnecessarily.
		header: nil,
	}
}

// Any returns the concrete request message as an empty interface, so that
// *Request implements the AnyRequest interface.
func (r *Request[_]) Any() any {
	return r.Msg
}

// Spec returns the specification for this RPC.
func (r *Request[_]) Spec() Spec {
	return r.spec
}

// Header returns the HTTP headers for this request.
func (r *Request[_]) Header() http.Header {
	if r.header == nil {
		r.header = make(http.Header)
	}
	return r.header
}

func (r *Request[_]) internalOnly() {}

// Response is a wrapper around a generated response message. It provides
// access to metadata like headers and trailers, as well as strongly-typed
// access to the message itself.
type Response[T any] struct {
	Msg *T

	header  http.Header
	trailer http.Header
}

// NewResponse wraps a generated response message.
func NewResponse[T any](message *T) *Response[T] {
	return &Response[T]{
		Msg: message,
		// Initialized lazily so we don't allocate unnecessarily.
		header:  nil,
		trailer: nil,
	}
}

// Any returns the concrete response message as an empty interface, so that
// *Response implements the AnyResponse interface.
func (r *Response[_]) Any() any {
	return r.Msg
}

// Header returns the HTTP headers for this response.
func (r *Response[_]) Header() http.Header {
	if r.header == nil {
		r.header = make(http.Header)
	}
	return r.header
}

// Trailer returns the trailers for this response. Depending on the protocol
// in use, trailers may be HTTP trailers or a block of in-body metadata.
func (r *Response[T]) Trailer() http.Header {
	if r.trailer == nil {
		r.trailer = make(http.Header)
	}
	return r.trailer
}

func (r *Response[_]) internalOnly() {}

// receiveUnaryRequest reads the sole message from a unary request stream.
func receiveUnaryRequest[T any](receiver Receiver) (*Request[T], error) {
	var msg T
	if err := receiver.Receive(&msg); err != nil {
		return nil, err
	}
	return &Request[T]{
		Msg:    &msg,
		spec:   receiver.Spec(),
		header: receiver.Header(),
	}, nil
}

// receiveUnaryRequestMetadata builds a metadata-only Request for the
// interceptor chain when the protocol layer failed to produce a message.
func receiveUnaryRequestMetadata[T any](receiver Receiver) *Request[T] {
	return &Request[T]{
		Msg:    new(T),
		spec:   receiver.Spec(),
		header: receiver.Header(),
	}
}

// receiveUnaryResponse reads the sole message from a unary response stream,
// along with the trailers that follow it.
func receiveUnaryResponse[T any](receiver Receiver) (*Response[T], error) {
	var msg T
	if err := receiver.Receive(&msg); err != nil {
		return nil, err
	}
	// A unary stream carries exactly one message: drain the stream so the
	// trailers become visible and surplus messages are diagnosed.
	var extra T
	if err := receiver.Receive(&extra); err == nil {
		return nil, errProtocol("protocol error: extra message in unary response stream")
	} else if !errors.Is(err, io.EOF) {
		return nil, err
	}
	return &Response[T]{
		Msg:     &msg,
		header:  receiver.Header(),
		trailer: receiver.Trailer(),
	}, nil
}
