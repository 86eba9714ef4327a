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
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

const (
	defaultAnyResolverPrefix = "type.googleapis.com/"
)

// An ErrorDetail is a self-describing protobuf message attached to an
// [*Error]. Details are sent over the network to clients, which can then work
// with strongly-typed data rather than parsing a complex error message. For
// example, you might use details to send a localized error message or retry
// parameters to the client.
//
// On the wire, details are serialized as protobuf Any messages.
type ErrorDetail struct {
	pbAny *anypb.Any

	// If the receiver parsed this detail from JSON, the original data. Keeping
	// it around lets proxies without protobuf descriptors forward details
	// unchanged.
	wireJSON string
}

// NewErrorDetail constructs a new error detail. If msg is an *[anypb.Any]
// then it is used as is. Otherwise, it is first wrapped in an Any message.
func NewErrorDetail(msg proto.Message) (*ErrorDetail, error) {
	if pb, ok := msg.(*anypb.Any); ok {
		return &ErrorDetail{pbAny: pb}, nil
	}
	pb, err := anypb.New(msg)
	if err != nil {
		return nil, err
	}
	return &ErrorDetail{pbAny: pb}, nil
}

// Type is the fully-qualified name of the detail's protobuf message (for
// example, acme.foo.v1.FooDetail).
func (d *ErrorDetail) Type() string {
	// proto.Any tries to make messages self-describing by using type URLs rather
	// than plain type names, but there aren't any descriptor registries
	// deployed. With the current state of the `Any` code, it's not possible to
	// build a useful type registry either. To hide this from users, we should
	// trim the URL prefix is added to the type name.
	return typeNameFromURL(d.pbAny.GetTypeUrl())
}

// Bytes returns a copy of the protobuf-serialized detail.
func (d *ErrorDetail) Bytes() []byte {
	out := make([]byte, len(d.pbAny.GetValue()))
	copy(out, d.pbAny.GetValue())
	return out
}

// Value uses the protobuf runtime's package-global registry to unmarshal the
// detail into a strongly-typed message. Typically, clients use Type to check
// whether they recognize the message before calling Value.
func (d *ErrorDetail) Value() (proto.Message, error) {
	return d.pbAny.UnmarshalNew()
}

// An Error captures four key pieces of information: a [Code], an underlying
// error, a collection of arbitrary protobuf messages called "details", and an
// optional set of metadata. Servers send the code, the underlying error's
// Error() output, and details over the wire to clients. Remember that the
// underlying error's message will be sent to clients - take care not to leak
// sensitive information from public APIs!
//
// Protocol implementations and interceptors should return errors that can be
// cast to an *Error (using the standard library's errors.As). If the returned
// error can't be cast to an *Error, conduit will use CodeUnknown and the
// returned error's message.
type Error struct {
	code    Code
	err     error
	details []*ErrorDetail
	meta    http.Header
	wireErr bool
}

// NewError annotates any Go error with a status code.
func NewError(c Code, underlying error) *Error {
	return &Error{code: c, err: underlying}
}

// NewWireError is similar to [NewError], but the resulting *Error returns
// true when tested with [IsWireError].
//
// This is useful for clients trying to propagate partial failures from
// streaming RPCs. Often, these RPCs include error details in their response
// metadata and abort the stream with a typical error (with errors.Is or
// errors.As). In that case, clients may mistake the error for their own
// failure to parse the stream. Marking the error as a wire error makes the
// provenance unambiguous.
func NewWireError(c Code, underlying error) *Error {
	err := NewError(c, underlying)
	err.wireErr = true
	return err
}

// IsWireError checks whether the error was returned by the server, as opposed
// to being synthesized by the client.
//
// Clients may find this useful when deciding how to propagate errors: a
// client certain that it hasn't fallen out of sync with the server can
// propagate the server's error verbatim.
func IsWireError(err error) bool {
	se := new(Error)
	if !errors.As(err, &se) {
		return false
	}
	return se.wireErr
}

func (e *Error) Error() string {
	message := e.Message()
	if message == "" {
		return e.code.String()
	}
	return e.code.String() + ": " + message
}

// Message returns the underlying error message. It may be empty if the
// original error was created with a status code and no message.
func (e *Error) Message() string {
	if e.err != nil {
		return e.err.Error()
	}
	return ""
}

// Unwrap allows errors.Is and errors.As access to the underlying error.
func (e *Error) Unwrap() error {
	return e.err
}

// Code returns the error's status code.
func (e *Error) Code() Code {
	return e.code
}

// Details returns the error's details.
func (e *Error) Details() []*ErrorDetail {
	return e.details
}

// AddDetail appends to the error's details.
func (e *Error) AddDetail(d *ErrorDetail) {
	e.details = append(e.details, d)
}

// Meta allows the error to carry additional information as key-value pairs.
//
// Metadata attached to errors returned by unary handlers is always sent as
// HTTP headers, regardless of the protocol in use. Metadata attached to
// errors returned by streaming handlers may be sent as HTTP headers,
// HTTP trailers, or a block of in-body metadata, depending on the protocol in
// use and whether or not the handler has already written messages to the
// stream.
//
// When clients receive errors, the metadata contains the union of the HTTP
// headers and the protocol-specific trailers (either HTTP trailers or in-body
// metadata).
func (e *Error) Meta() http.Header {
	if e.meta == nil {
		e.meta = make(http.Header)
	}
	return e.meta
}

func (e *Error) detailsAsAny() []*anypb.Any {
	anys := make([]*anypb.Any, 0, len(e.details))
	for _, detail := range e.details {
		anys = append(anys, detail.pbAny)
	}
	return anys
}

// errorf calls fmt.Errorf with the supplied template and arguments, then
// wraps the resulting error.
func errorf(c Code, template string, args ...any) *Error {
	return NewError(c, fmt.Errorf(template, args...))
}

// errTransport wraps a network-level failure. The transport failure class is
// always retryable, so it maps to CodeUnavailable.
func errTransport(template string, args ...any) *Error {
	return errorf(CodeUnavailable, template, args...)
}

// errEncode wraps a serialization failure on the send path.
func errEncode(template string, args ...any) *Error {
	return errorf(CodeInternal, template, args...)
}

// errDecode wraps a deserialization or decompression failure on the receive
// path.
func errDecode(template string, args ...any) *Error {
	return errorf(CodeInternal, template, args...)
}

// errProtocol wraps a framing or format violation: malformed envelopes,
// truncated streams, unexpected flag bits. Protocol violations invalidate the
// rest of the stream, so there's no partial recovery.
func errProtocol(template string, args ...any) *Error {
	return errorf(CodeInvalidArgument, template, args...)
}

// asError uses errors.As to unwrap any error and look for a conduit *Error.
func asError(err error) (*Error, bool) {
	var conduitErr *Error
	ok := errors.As(err, &conduitErr)
	return conduitErr, ok
}

// wrapIfUncoded ensures that all errors are wrapped. It leaves already-wrapped
// errors unchanged, uses wrapIfContextError to apply codes to context.Canceled
// and context.DeadlineExceeded, and falls back to wrapping other errors with
// CodeUnknown.
func wrapIfUncoded(err error) error {
	if err == nil {
		return nil
	}
	maybeCodedErr := wrapIfContextError(err)
	if _, ok := asError(maybeCodedErr); ok {
		return maybeCodedErr
	}
	return NewError(CodeUnknown, maybeCodedErr)
}

// wrapIfContextError applies CodeCanceled or CodeDeadlineExceeded to Go's
// context.Canceled and context.DeadlineExceeded errors, but only if they
// haven't already been wrapped.
func wrapIfContextError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := asError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return NewError(CodeCanceled, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(CodeDeadlineExceeded, err)
	}
	return err
}

func typeNameFromURL(url string) string {
	return url[strings.LastIndexByte(url, '/')+1:]
}
