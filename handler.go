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
)

// A Handler is the server-side implementation of a single RPC.
//
// By default, Handlers speak the Conduit protocol and the gRPC compatibility
// protocol with the binary protobuf and JSON codecs, and support gzip,
// deflate, brotli, and zstd compression.
type Handler struct {
	spec             Spec
	interceptor      Interceptor
	implementation   func(context.Context, Sender, Receiver, error /* client-visible */)
	protocolHandlers []protocolHandler
}

// NewUnaryHandler constructs a Handler for a request-response procedure.
func NewUnaryHandler[Req, Res any](
	procedure string,
	unary func(context.Context, *Request[Req]) (*Response[Res], error),
	options ...HandlerOption,
) *Handler {
	config := newHandlerConfig(procedure, options)
	// Given a (possibly failed) stream, how should we call the unary function?
	implementation := func(ctx context.Context, sender Sender, receiver Receiver, clientVisibleError error) {
		defer receiver.Close()

		var request *Request[Req]
		if clientVisibleError != nil {
			// The protocol implementation failed to establish a stream. We
			// still want the resulting error to be visible to the interceptor
			// stack, so we need a useful Request struct even though we won't
			// call the wrapped unary function.
			request = receiveUnaryRequestMetadata[Req](receiver)
		} else {
			var err error
			request, err = receiveUnaryRequest[Req](receiver)
			if err != nil {
				// Interceptors should see this error too.
				clientVisibleError = err
				request = receiveUnaryRequestMetadata[Req](receiver)
			}
		}
		untyped := Func(func(ctx context.Context, request AnyRequest) (AnyResponse, error) {
			if clientVisibleError != nil {
				// The stream is already corrupted: surface the failure through
				// the chain without touching the user's code.
				return nil, clientVisibleError
			}
			typed, ok := request.(*Request[Req])
			if !ok {
				err := errorf(CodeInternal, "unexpected handler request type %T", request)
				config.Hooks.onInternalError(ctx, err)
				return nil, err
			}
			response, err := unary(ctx, typed)
			if err != nil {
				return nil, err
			}
			return response, nil
		})
		if interceptor := config.interceptor(); interceptor != nil {
			untyped = interceptor.WrapUnary(untyped)
		}
		response, err := untyped(ctx, request)
		if err != nil {
			_ = sender.Close(err)
			return
		}
		mergeHeaders(sender.Header(), response.Header())
		mergeHeaders(sender.Trailer(), response.Trailer())
		_ = sender.Close(sender.Send(response.Any()))
	}

	return &Handler{
		spec:             config.newSpec(StreamTypeUnary),
		interceptor:      nil, // already applied
		implementation:   implementation,
		protocolHandlers: config.newProtocolHandlers(StreamTypeUnary),
	}
}

// NewClientStreamHandler constructs a Handler for a client streaming
// procedure.
func NewClientStreamHandler[Req, Res any](
	procedure string,
	implementation func(context.Context, *ClientStream[Req, Res]) error,
	options ...HandlerOption,
) *Handler {
	return newStreamHandler(
		procedure,
		StreamTypeClient,
		func(ctx context.Context, sender Sender, receiver Receiver) {
			stream := newClientStream[Req, Res](sender, receiver)
			err := implementation(ctx, stream)
			_ = receiver.Close()
			_ = sender.Close(err)
		},
		options...,
	)
}

// NewServerStreamHandler constructs a Handler for a server streaming
// procedure.
func NewServerStreamHandler[Req, Res any](
	procedure string,
	implementation func(context.Context, *Request[Req], *ServerStream[Res]) error,
	options ...HandlerOption,
) *Handler {
	return newStreamHandler(
		procedure,
		StreamTypeServer,
		func(ctx context.Context, sender Sender, receiver Receiver) {
			stream := newServerStream[Res](sender)
			request, err := receiveUnaryRequest[Req](receiver)
			if err != nil {
				_ = receiver.Close()
				_ = sender.Close(err)
				return
			}
			if err := receiver.Close(); err != nil {
				_ = sender.Close(err)
				return
			}
			err = implementation(ctx, request, stream)
			_ = sender.Close(err)
		},
		options...,
	)
}

// NewBidiStreamHandler constructs a Handler for a bidirectional streaming
// procedure.
func NewBidiStreamHandler[Req, Res any](
	procedure string,
	implementation func(context.Context, *BidiStream[Req, Res]) error,
	options ...HandlerOption,
) *Handler {
	return newStreamHandler(
		procedure,
		StreamTypeBidi,
		func(ctx context.Context, sender Sender, receiver Receiver) {
			stream := newBidiStream[Req, Res](sender, receiver)
			err := implementation(ctx, stream)
			_ = receiver.Close()
			_ = sender.Close(err)
		},
		options...,
	)
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(responseWriter http.ResponseWriter, request *http.Request) {
	// We don't need to defer functions to close the request body or read to
	// EOF: the stream we construct later on already does that, and we only
	// return early when dealing with misbehaving clients. In those cases,
	// it's okay if we can't re-use the connection.
	isBidi := (h.spec.StreamType & StreamTypeBidi) == StreamTypeBidi
	if isBidi && request.ProtoMajor < 2 {
		h.failNegotiation(responseWriter, http.StatusHTTPVersionNotSupported)
		return
	}

	methodHandlers := make([]protocolHandler, 0, len(h.protocolHandlers))
	for _, protocolHandler := range h.protocolHandlers {
		if protocolHandler.ShouldHandleMethod(request.Method) {
			methodHandlers = append(methodHandlers, protocolHandler)
		}
	}
	if len(methodHandlers) == 0 {
		h.failNegotiation(responseWriter, http.StatusMethodNotAllowed)
		return
	}

	// Protocol handlers are consulted in registration order: the gRPC
	// compatibility layer claims "application/grpc*" content types by prefix
	// before Conduit classification sees them.
	contentType := getHeaderCanonical(request.Header, headerContentType)
	for _, protocolHandler := range methodHandlers {
		if !protocolHandler.ShouldHandleContentType(contentType) {
			continue
		}
		ctx := request.Context()
		if interceptor := h.interceptor; interceptor != nil {
			ctx = interceptor.WrapStreamContext(ctx)
		}
		// Most errors returned from NewStream are caused by invalid requests.
		// For example, the client may have specified an invalid timeout or an
		// unavailable compression algorithm. We'd like those errors to be
		// visible to the interceptor chain, so we capture them here and pass
		// them to the implementation.
		sender, receiver, clientVisibleError := protocolHandler.NewStream(
			responseWriter,
			request.WithContext(ctx),
		)
		// If NewStream errored and the protocol doesn't want the error sent
		// to the client, sender and/or receiver may be nil. We still want the
		// error to be seen by interceptors, so we provide no-op
		// implementations.
		if clientVisibleError != nil && sender == nil {
			sender = newNopSender(h.spec, responseWriter.Header(), make(http.Header))
		}
		if clientVisibleError != nil && receiver == nil {
			receiver = newNopReceiver(h.spec, request.Header, request.Trailer)
		}
		if interceptor := h.interceptor; interceptor != nil {
			// Unary interceptors were handled in NewUnaryHandler.
			sender = interceptor.WrapStreamSender(ctx, sender)
			receiver = interceptor.WrapStreamReceiver(ctx, receiver)
		}
		h.implementation(ctx, sender, receiver, clientVisibleError)
		return
	}

	h.failNegotiation(responseWriter, http.StatusUnsupportedMediaType)
}

func (h *Handler) failNegotiation(responseWriter http.ResponseWriter, code int) {
	// None of the registered protocols can serve the request.
	for _, protocolHandler := range h.protocolHandlers {
		protocolHandler.WriteAccept(responseWriter.Header())
	}
	responseWriter.WriteHeader(code)
}

func newStreamHandler(
	procedure string,
	streamType StreamType,
	implementation func(context.Context, Sender, Receiver),
	options ...HandlerOption,
) *Handler {
	config := newHandlerConfig(procedure, options)
	return &Handler{
		spec:        config.newSpec(streamType),
		interceptor: config.interceptor(),
		implementation: func(ctx context.Context, sender Sender, receiver Receiver, clientVisibleErr error) {
			if clientVisibleErr != nil {
				_ = receiver.Close()
				_ = sender.Close(clientVisibleErr)
				return
			}
			implementation(ctx, sender, receiver)
		},
		protocolHandlers: config.newProtocolHandlers(streamType),
	}
}
