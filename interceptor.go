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
)

// Func is the generic signature of a unary RPC. Interceptors wrap Funcs.
//
// The type of the request and response structs depend on the codec being
// used. When using protobuf, they'll always be proto.Message implementations.
type Func func(context.Context, AnyRequest) (AnyResponse, error)

// An Interceptor adds logic to clients or handlers, like the decorators or
// middleware you may have seen in other libraries. Interceptors may replace
// the context, mutate requests and responses, handle the returned errors,
// retry, emit logs and metrics, or do nearly anything else.
//
// The returned functions must be safe to call concurrently.
type Interceptor interface {
	// WrapUnary adds logic to a unary procedure. The returned Func must be
	// safe to call concurrently.
	WrapUnary(Func) Func

	// WrapStreamContext, WrapStreamSender, and WrapStreamReceiver work
	// together to add logic to streaming procedures. Stream interceptors work
	// in phases. First, each interceptor may wrap the request context. Then,
	// the protocol layer constructs a Sender and Receiver pair, and each
	// interceptor may wrap either or both. Sender wrappers see each message
	// in the order it's sent; Receiver wrappers see each message in the order
	// it's received. An error from a wrapper aborts that direction of the
	// stream.
	WrapStreamContext(context.Context) context.Context
	WrapStreamSender(context.Context, Sender) Sender
	WrapStreamReceiver(context.Context, Receiver) Receiver
}

// A UnaryInterceptorFunc is a simple Interceptor implementation that only
// wraps unary RPCs. It has no effect on client, server, or bidirectional
// streaming RPCs.
type UnaryInterceptorFunc func(Func) Func

// WrapUnary implements Interceptor by applying the interceptor function.
func (f UnaryInterceptorFunc) WrapUnary(next Func) Func { return f(next) }

// WrapStreamContext implements Interceptor with a no-op.
func (f UnaryInterceptorFunc) WrapStreamContext(ctx context.Context) context.Context {
	return ctx
}

// WrapStreamSender implements Interceptor with a no-op.
func (f UnaryInterceptorFunc) WrapStreamSender(_ context.Context, sender Sender) Sender {
	return sender
}

// WrapStreamReceiver implements Interceptor with a no-op.
func (f UnaryInterceptorFunc) WrapStreamReceiver(_ context.Context, receiver Receiver) Receiver {
	return receiver
}

// A chain composes multiple interceptors into one. The first interceptor
// provided is the outermost layer of the onion: it acts first on the context
// and request, and last on the response and error.
type chain struct {
	interceptors []Interceptor
}

var _ Interceptor = (*chain)(nil)

func newChain(interceptors []Interceptor) *chain {
	return &chain{interceptors}
}

func (c *chain) WrapUnary(next Func) Func {
	// We need to wrap in reverse order to have the first interceptor from
	// the slice act first.
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		if interceptor := c.interceptors[i]; interceptor != nil {
			next = interceptor.WrapUnary(next)
		}
	}
	return next
}

func (c *chain) WrapStreamContext(ctx context.Context) context.Context {
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		if interceptor := c.interceptors[i]; interceptor != nil {
			ctx = interceptor.WrapStreamContext(ctx)
		}
	}
	return ctx
}

func (c *chain) WrapStreamSender(ctx context.Context, sender Sender) Sender {
	if sender.Spec().IsClient {
		for i := len(c.interceptors) - 1; i >= 0; i-- {
			if interceptor := c.interceptors[i]; interceptor != nil {
				sender = interceptor.WrapStreamSender(ctx, sender)
			}
		}
		return sender
	}
	// Wrapping handler-side senders in registration order keeps the frames a
	// client observes in first-registered-acts-first order in both
	// directions.
	for i := 0; i < len(c.interceptors); i++ {
		if interceptor := c.interceptors[i]; interceptor != nil {
			sender = interceptor.WrapStreamSender(ctx, sender)
		}
	}
	return sender
}

func (c *chain) WrapStreamReceiver(ctx context.Context, receiver Receiver) Receiver {
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		if interceptor := c.interceptors[i]; interceptor != nil {
			receiver = interceptor.WrapStreamReceiver(ctx, receiver)
		}
	}
	return receiver
}
