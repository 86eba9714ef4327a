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

// Doer is the transport-level interface conduit expects from HTTP clients.
// The standard library's *http.Client implements Doer.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// NewClientFunc returns a strongly-typed function to call a unary remote
// procedure. (To call a streaming procedure, use NewClientStream instead.)
//
// It's the interface between conduit and generated client code; most users
// won't ever need to deal with it directly.
func NewClientFunc[Req, Res any](
	doer Doer,
	procedureURL string,
	options ...ClientOption,
) (func(context.Context, *Request[Req]) (*Response[Res], error), error) {
	config := newClientConfig(procedureURL, options)
	if err := config.validate(); err != nil {
		return nil, err
	}
	spec := config.newSpec(StreamTypeUnary)
	protocolClient, err := config.Protocol.NewClient(newProtocolClientParams(config, spec, doer))
	if err != nil {
		return nil, err
	}
	send := Func(func(ctx context.Context, request AnyRequest) (AnyResponse, error) {
		sender, receiver := protocolClient.NewStream(ctx, request.Header())
		if err := sender.Send(request.Any()); err != nil {
			_ = sender.Close(err)
			_ = receiver.Close()
			return nil, err
		}
		if err := sender.Close(nil); err != nil {
			_ = receiver.Close()
			return nil, err
		}
		response, err := receiveUnaryResponse[Res](receiver)
		if err != nil {
			_ = receiver.Close()
			return nil, err
		}
		return response, receiver.Close()
	})
	if interceptor := config.interceptor(); interceptor != nil {
		send = interceptor.WrapUnary(send)
	}
	return func(ctx context.Context, request *Request[Req]) (*Response[Res], error) {
		// To make the specification and RPC headers visible to the full
		// interceptor chain (as though they were supplied by the caller),
		// we add them here.
		request.spec = spec
		protocolClient.WriteRequestHeader(request.Header())
		response, err := send(ctx, request)
		if err != nil {
			return nil, err
		}
		typed, ok := response.(*Response[Res])
		if !ok {
			return nil, errorf(CodeInternal, "unexpected client response type %T", response)
		}
		return typed, nil
	}, nil
}

// NewClientStream returns a constructor for streams to a client-, server-,
// or bidirectional streaming remote procedure. (To call a unary procedure,
// use NewClientFunc instead.)
//
// Each call to the returned function starts one RPC.
func NewClientStream(
	doer Doer,
	streamType StreamType,
	procedureURL string,
	options ...ClientOption,
) (func(context.Context) (Sender, Receiver), error) {
	config := newClientConfig(procedureURL, options)
	if err := config.validate(); err != nil {
		return nil, err
	}
	spec := config.newSpec(streamType)
	protocolClient, err := config.Protocol.NewClient(newProtocolClientParams(config, spec, doer))
	if err != nil {
		return nil, err
	}
	interceptor := config.interceptor()
	return func(ctx context.Context) (Sender, Receiver) {
		if interceptor != nil {
			ctx = interceptor.WrapStreamContext(ctx)
		}
		header := make(http.Header, 8) // arbitrary power of two, prevent immediate resizing
		protocolClient.WriteRequestHeader(header)
		sender, receiver := protocolClient.NewStream(ctx, header)
		if interceptor != nil {
			sender = interceptor.WrapStreamSender(ctx, sender)
			receiver = interceptor.WrapStreamReceiver(ctx, receiver)
		}
		return sender, receiver
	}, nil
}

func newProtocolClientParams(config *clientConfig, spec Spec, doer Doer) *protocolClientParams {
	return &protocolClientParams{
		Spec:             spec,
		CompressionName:  config.CompressionName,
		CompressionPools: buildCompressionPools(config.Compressions, config.Compression.Level),
		Compression:      config.Compression,
		Codec:            config.Codec,
		Protobuf:         config.protobuf(),
		ReadMaxBytes:     config.ReadMaxBytes,
		SendMaxBytes:     config.SendMaxBytes,
		BufferPool:       config.BufferPool,
		Doer:             doer,
		URL:              config.URL,
		Hooks:            config.Hooks,
	}
}
