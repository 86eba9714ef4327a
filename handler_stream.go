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

// The handler-side stream views wrap the protocol-level Sender and Receiver
// in typed surfaces. Each view is the composition of two halves: a receiving
// half over the request stream and a sending half over the response stream.

// streamSendHalf is the typed response side of a handler stream.
type streamSendHalf[Res any] struct {
	sender Sender
}

// ResponseHeader returns the response headers. They go out on the wire with
// the first Send, and are frozen after that.
func (h *streamSendHalf[Res]) ResponseHeader() http.Header {
	return h.sender.Header()
}

// ResponseTrailer returns the response trailers. Trailers stay mutable until
// the handler returns; they travel in the stream's terminal frame.
func (h *streamSendHalf[Res]) ResponseTrailer() http.Header {
	return h.sender.Trailer()
}

// Send writes one message to the client.
func (h *streamSendHalf[Res]) Send(msg *Res) error {
	return h.sender.Send(msg)
}

// streamReceiveHalf is the untyped request side of a handler stream; typed
// receive methods live on the concrete views.
type streamReceiveHalf struct {
	receiver Receiver
}

// RequestHeader returns the headers the client sent.
func (h *streamReceiveHalf) RequestHeader() http.Header {
	return h.receiver.Header()
}

// ClientStream is the handler's view of a client streaming RPC: many
// requests in, one response out.
type ClientStream[Req, Res any] struct {
	streamReceiveHalf
	sender Sender
	msg    Req
	err    error
}

func newClientStream[Req, Res any](sender Sender, receiver Receiver) *ClientStream[Req, Res] {
	return &ClientStream[Req, Res]{
		streamReceiveHalf: streamReceiveHalf{receiver: receiver},
		sender:            sender,
	}
}

// Receive advances to the next request message, making it available through
// Msg. It returns false once the stream stops, whether by running out of
// messages or by failing; Err distinguishes the two.
func (c *ClientStream[Req, Res]) Receive() bool {
	if c.err != nil {
		return false
	}
	c.msg = *new(Req)
	c.err = c.receiver.Receive(&c.msg)
	return c.err == nil
}

// Msg returns the message unmarshaled by the latest successful Receive.
func (c *ClientStream[Req, Res]) Msg() *Req {
	return &c.msg
}

// Err returns the error that stopped Receive, if any. A clean end of stream
// is not an error: io.EOF is swallowed here.
func (c *ClientStream[Req, Res]) Err() error {
	if c.err == nil || errors.Is(c.err, io.EOF) {
		return nil
	}
	return c.err
}

// SendAndClose finishes the RPC: it closes the receive side, then sends the
// single response along with any headers and trailers attached to it.
func (c *ClientStream[Req, Res]) SendAndClose(response *Response[Res]) error {
	if err := c.receiver.Close(); err != nil {
		return err
	}
	mergeHeaders(c.sender.Header(), response.header)
	mergeHeaders(c.sender.Trailer(), response.trailer)
	return c.sender.Send(response.Msg)
}

// ServerStream is the handler's view of a server streaming RPC: one request
// in, many responses out. The request arrives before the stream is
// constructed, so the view is send-only.
type ServerStream[Res any] struct {
	streamSendHalf[Res]
}

func newServerStream[Res any](sender Sender) *ServerStream[Res] {
	return &ServerStream[Res]{streamSendHalf: streamSendHalf[Res]{sender: sender}}
}

// BidiStream is the handler's view of a bidirectional streaming RPC.
type BidiStream[Req, Res any] struct {
	streamSendHalf[Res]
	streamReceiveHalf
}

func newBidiStream[Req, Res any](sender Sender, receiver Receiver) *BidiStream[Req, Res] {
	return &BidiStream[Req, Res]{
		streamSendHalf:    streamSendHalf[Res]{sender: sender},
		streamReceiveHalf: streamReceiveHalf{receiver: receiver},
	}
}

// Receive reads the next request message. A client that has finished sending
// surfaces as an error wrapping io.EOF.
func (b *BidiStream[Req, Res]) Receive() (*Req, error) {
	var req Req
	if err := b.receiver.Receive(&req); err != nil {
		return nil, err
	}
	return &req, nil
}
