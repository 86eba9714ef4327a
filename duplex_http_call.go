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
	"io"
	"net/http"
	"net/url"
	"sync"
)

// duplexHTTPCall adapts one HTTP exchange into a pair of byte streams: the
// request body carries client-to-server bytes, the response body the reverse.
// The upstream half is an io.Pipe whose read side becomes the request body,
// so writes block until net/http consumes them. The downstream half isn't
// readable until the response headers arrive; readers park on the arrived
// channel until the round trip establishes (or fails to establish) the
// response.
type duplexHTTPCall struct {
	ctx        context.Context
	doer       Doer
	streamType StreamType
	hooks      *Hooks
	validate   func(*http.Response) *Error

	request  *http.Request
	upstream *io.PipeWriter

	dispatchOnce sync.Once
	arrived      chan struct{}
	response     *http.Response

	mu     sync.Mutex
	broken error
}

func newDuplexHTTPCall(
	ctx context.Context,
	doer Doer,
	procedureURL *url.URL,
	spec Spec,
	hooks *Hooks,
	header http.Header,
) *duplexHTTPCall {
	pipeReader, pipeWriter := io.Pipe()
	// Building the request by hand skips http.NewRequestWithContext's URL
	// re-parse. The HTTP/1.1 proto fields are placeholders; the transport
	// negotiates the real version.
	request := (&http.Request{
		Method:     http.MethodPost,
		URL:        copyURL(procedureURL),
		Header:     header,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Host:       procedureURL.Host,
		Body:       pipeReader,
	}).WithContext(ctx)
	return &duplexHTTPCall{
		ctx:        ctx,
		doer:       doer,
		streamType: spec.StreamType,
		hooks:      hooks,
		request:    request,
		upstream:   pipeWriter,
		arrived:    make(chan struct{}),
	}
}

// setValidateResponse installs the function that vets the response as soon as
// its headers arrive. It runs on the round-trip goroutine, before any reader
// unblocks, so it must be installed before the first Write or CloseWrite.
func (d *duplexHTTPCall) setValidateResponse(validate func(*http.Response) *Error) {
	d.validate = validate
}

// Header returns the request headers. They're mutable until the first write
// dispatches the call.
func (d *duplexHTTPCall) Header() http.Header {
	return d.request.Header
}

// Write sends request-body bytes. The first Write dispatches the call, which
// also sends the headers. After abort, writes report io.EOF rather than the
// pipe's own sentinel, matching what stream senders expect from a
// server-initiated close.
func (d *duplexHTTPCall) Write(data []byte) (int, error) {
	d.dispatch()
	if err := d.ctx.Err(); err != nil {
		d.abort(err)
		return 0, wrapIfContextError(err)
	}
	bytesWritten, err := d.upstream.Write(data)
	if errors.Is(err, io.ErrClosedPipe) {
		err = io.EOF
	}
	return bytesWritten, err
}

// CloseWrite ends the request body. Over HTTP/1.x the response isn't readable
// until the request body ends, so unary and client-streaming callers must
// CloseWrite before their first Read. Closing without a prior Write still
// dispatches the call: header-only requests are legal.
func (d *duplexHTTPCall) CloseWrite() error {
	d.dispatch()
	return d.upstream.Close()
}

// Read yields response-body bytes once the response has arrived. An aborted
// call reports the abort error from every Read.
func (d *duplexHTTPCall) Read(data []byte) (int, error) {
	d.waitResponse()
	if err := d.aborted(); err != nil {
		return 0, err
	}
	if err := d.ctx.Err(); err != nil {
		d.abort(err)
		return 0, wrapIfContextError(err)
	}
	if d.response == nil {
		return 0, errTransport("no response from %v", d.request.URL)
	}
	return d.response.Body.Read(data)
}

// CloseRead drains and closes the response body so the underlying connection
// can be reused.
func (d *duplexHTTPCall) CloseRead() error {
	d.waitResponse()
	if d.response == nil {
		return nil
	}
	if _, err := io.Copy(io.Discard, d.response.Body); err != nil {
		_ = d.response.Body.Close()
		return err
	}
	return d.response.Body.Close()
}

// ResponseHeader blocks until the response arrives, then returns its headers.
func (d *duplexHTTPCall) ResponseHeader() http.Header {
	d.waitResponse()
	if d.response == nil {
		return make(http.Header)
	}
	return d.response.Header
}

// ResponseTrailer blocks until the response arrives, then returns its HTTP
// trailers. net/http fills these in as the body is read, so they're only
// complete after the body reaches EOF.
func (d *duplexHTTPCall) ResponseTrailer() http.Header {
	d.waitResponse()
	if d.response == nil {
		return make(http.Header)
	}
	return d.response.Trailer
}

// waitResponse parks the caller until the round trip has produced a response
// or an abort.
func (d *duplexHTTPCall) waitResponse() {
	<-d.arrived
}

// abort marks the call broken. The first error wins; later aborts keep the
// original. Aborting closes the request body's read side, which wakes any
// Write blocked on the pipe. Safe to call from any goroutine.
func (d *duplexHTTPCall) abort(err error) {
	d.mu.Lock()
	if d.broken == nil {
		d.broken = wrapIfContextError(err)
	}
	// request.Body.Close takes the pipe's internal lock, so keep it outside
	// the critical section.
	d.mu.Unlock()
	_ = d.request.Body.Close()
}

func (d *duplexHTTPCall) aborted() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.broken
}

// dispatch starts the round trip exactly once. Write and CloseWrite both
// funnel through here, so the call goes out even when the request body is
// empty.
func (d *duplexHTTPCall) dispatch() {
	d.dispatchOnce.Do(func() {
		go d.roundTrip()
	})
}

// roundTrip runs the HTTP exchange on its own goroutine. It races only with
// Write and CloseWrite; readers stay parked on the arrived channel until it
// finishes establishing the response.
func (d *duplexHTTPCall) roundTrip() {
	defer close(d.arrived)
	response, err := d.doer.Do(d.request) //nolint:bodyclose
	if err != nil {
		err = wrapIfContextError(err)
		if _, ok := asError(err); !ok {
			d.hooks.onNetworkError(d.ctx, err)
			err = NewError(CodeUnavailable, err)
		}
		d.abort(err)
		return
	}
	d.response = response
	if err := d.validate(response); err != nil {
		d.abort(err)
		return
	}
	if (d.streamType&StreamTypeBidi) == StreamTypeBidi && response.ProtoMajor < 2 {
		// Dialing an HTTP/1.x server with a bidi stream deadlocks later on, so
		// fail with an explicit message now.
		d.abort(errorf(
			CodeUnimplemented,
			"response from %v is HTTP/%d.%d: bidi streams require at least HTTP/2",
			d.request.URL,
			response.ProtoMajor,
			response.ProtoMinor,
		))
	}
}

// copyURL keeps transports from mutating the caller's URL through the
// request.
func copyURL(procedureURL *url.URL) *url.URL {
	clone := *procedureURL
	if procedureURL.User != nil {
		user := *procedureURL.User
		clone.User = &user
	}
	return &clone
}
