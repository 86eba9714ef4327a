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
	"net/http"
)

// Sender is the writable side of a bidirectional stream of messages. Sender
// implementations do not need to be safe for concurrent use.
//
// Sender implementations provided by this package guarantee that all returned
// errors can be cast to *Error using the standard library's errors.As. The
// Close method of Sender implementations provided by this package
// automatically adds the appropriate codes when passed context.Canceled or
// context.DeadlineExceeded.
//
// Like the standard library's http.ResponseWriter, both client- and
// handler-side Senders write headers to the network with the first call to
// Send. Any subsequent mutations to the headers are effectively no-ops.
//
// Handler-side Senders may mutate trailers until calling Close, when the
// trailers are written to the network.
type Sender interface {
	Send(any) error
	Close(error) error

	Spec() Spec
	Header() http.Header
	Trailer() http.Header
}

// Receiver is the readable side of a bidirectional stream of messages.
// Receiver implementations do not need to be safe for concurrent use.
//
// Receiver implementations provided by this package guarantee that all
// returned errors can be cast to *Error using the standard library's
// errors.As.
type Receiver interface {
	Receive(any) error
	Close() error

	Spec() Spec
	Header() http.Header
	// Trailer is populated only after Receive returns an error wrapping
	// io.EOF.
	Trailer() http.Header
}

type nopSender struct {
	spec    Spec
	header  http.Header
	trailer http.Header
}

var _ Sender = (*nopSender)(nil)

func newNopSender(spec Spec, header, trailer http.Header) *nopSender {
	return &nopSender{
		spec:    spec,
		header:  header,
		trailer: trailer,
	}
}

func (n *nopSender) Header() http.Header {
	return n.header
}

func (n *nopSender) Trailer() http.Header {
	return n.trailer
}

func (n *nopSender) Spec() Spec {
	return n.spec
}

func (n *nopSender) Send(_ any) error {
	return nil
}

func (n *nopSender) Close(_ error) error {
	return nil
}

type nopReceiver struct {
	spec    Spec
	header  http.Header
	trailer http.Header
}

var _ Receiver = (*nopReceiver)(nil)

func newNopReceiver(spec Spec, header, trailer http.Header) *nopReceiver {
	return &nopReceiver{
		spec:    spec,
		header:  header,
		trailer: trailer,
	}
}

func (n *nopReceiver) Spec() Spec {
	return n.spec
}

func (n *nopReceiver) Header() http.Header {
	return n.header
}

func (n *nopReceiver) Trailer() http.Header {
	return n.trailer
}

func (n *nopReceiver) Receive(_ any) error {
	return nil
}

func (n *nopReceiver) Close() error {
	return nil
}
