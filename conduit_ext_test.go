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

package conduit_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/conduitrpc/conduit"
	"github.com/conduitrpc/conduit/internal/assert"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const echoProcedure = "/conduit.test.v1.EchoService/Echo"

// newEchoServer serves an uppercasing echo of each request string, copying any
// Acme-* request headers into the response headers and trailers.
func newEchoServer(t *testing.T, options ...conduit.HandlerOption) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle(echoProcedure, conduit.NewUnaryHandler(
		echoProcedure,
		func(_ context.Context, request *conduit.Request[wrapperspb.StringValue]) (*conduit.Response[wrapperspb.StringValue], error) {
			response := conduit.NewResponse(wrapperspb.String(strings.ToUpper(request.Msg.GetValue())))
			for key, values := range request.Header() {
				if !strings.HasPrefix(key, "Acme-") {
					continue
				}
				response.Header()[key] = values
				response.Trailer()["Acme-Trailer-"+strings.TrimPrefix(key, "Acme-")] = values
			}
			return response, nil
		},
		options...,
	))
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestUnaryRoundTrip(t *testing.T) {
	t.Parallel()
	server := newEchoServer(t)
	call, err := conduit.NewClientFunc[wrapperspb.StringValue, wrapperspb.StringValue](
		server.Client(),
		server.URL+echoProcedure,
	)
	assert.Nil(t, err)

	request := conduit.NewRequest(wrapperspb.String("hello"))
	request.Header().Set("Acme-Tenant", "42")
	response, err := call(context.Background(), request)
	assert.Nil(t, err)
	assert.Equal(t, response.Msg.GetValue(), "HELLO")
	assert.Equal(t, response.Header().Get("Acme-Tenant"), "42")
	assert.Equal(t, response.Trailer().Get("Acme-Trailer-Tenant"), "42")
}

func TestUnaryRoundTripGRPC(t *testing.T) {
	t.Parallel()
	server := newEchoServer(t)
	call, err := conduit.NewClientFunc[wrapperspb.StringValue, wrapperspb.StringValue](
		server.Client(),
		server.URL+echoProcedure,
		conduit.WithProtoGRPC(),
	)
	assert.Nil(t, err)
	response, err := call(context.Background(), conduit.NewRequest(wrapperspb.String("over grpc")))
	assert.Nil(t, err)
	assert.Equal(t, response.Msg.GetValue(), "OVER GRPC")
}

func TestUnaryCompressedRoundTrip(t *testing.T) {
	t.Parallel()
	server := newEchoServer(t, conduit.WithCompressMinBytes(1))
	call, err := conduit.NewClientFunc[wrapperspb.StringValue, wrapperspb.StringValue](
		server.Client(),
		server.URL+echoProcedure,
		conduit.WithSendCompression("gzip"),
		conduit.WithCompressMinBytes(1),
	)
	assert.Nil(t, err)
	payload := strings.Repeat("squeeze me ", 200)
	response, err := call(context.Background(), conduit.NewRequest(wrapperspb.String(payload)))
	assert.Nil(t, err)
	assert.Equal(t, response.Msg.GetValue(), strings.ToUpper(payload))
}

func TestUnaryErrorWithDetails(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.Handle(echoProcedure, conduit.NewUnaryHandler(
		echoProcedure,
		func(_ context.Context, _ *conduit.Request[wrapperspb.StringValue]) (*conduit.Response[wrapperspb.StringValue], error) {
			rpcErr := conduit.NewError(conduit.CodeNotFound, errors.New("no such echo"))
			detail, err := conduit.NewErrorDetail(wrapperspb.String("check the name"))
			if err != nil {
				return nil, err
			}
			rpcErr.AddDetail(detail)
			rpcErr.Meta().Set("Acme-Hint", "try again")
			return nil, rpcErr
		},
	))
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	call, err := conduit.NewClientFunc[wrapperspb.StringValue, wrapperspb.StringValue](
		server.Client(),
		server.URL+echoProcedure,
	)
	assert.Nil(t, err)
	_, err = call(context.Background(), conduit.NewRequest(wrapperspb.String("anyone?")))
	assert.NotNil(t, err)
	assert.True(t, conduit.IsWireError(err))

	var rpcErr *conduit.Error
	assert.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, rpcErr.Code(), conduit.CodeNotFound)
	assert.Equal(t, rpcErr.Message(), "no such echo")
	assert.Equal(t, rpcErr.Meta().Get("Acme-Hint"), "try again")
	assert.Equal(t, len(rpcErr.Details()), 1)
	value, valueErr := rpcErr.Details()[0].Value()
	assert.Nil(t, valueErr)
	assert.Equal(t, value.(*wrapperspb.StringValue).GetValue(), "check the name")
}

func TestUnaryJSONOverPlainHTTP(t *testing.T) {
	t.Parallel()
	server := newEchoServer(t)

	// wrapperspb.StringValue marshals to a bare JSON string.
	response, err := server.Client().Post(
		server.URL+echoProcedure,
		"application/json",
		strings.NewReader(`"plain json"`),
	)
	assert.Nil(t, err)
	defer response.Body.Close()
	assert.Equal(t, response.StatusCode, http.StatusOK)
	assert.Equal(t, response.Header.Get("Content-Type"), "application/json")
	body, err := io.ReadAll(response.Body)
	assert.Nil(t, err)
	assert.Equal(t, string(body), `"PLAIN JSON"`)
}

func TestUnaryErrorOverPlainHTTP(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.Handle(echoProcedure, conduit.NewUnaryHandler(
		echoProcedure,
		func(_ context.Context, _ *conduit.Request[wrapperspb.StringValue]) (*conduit.Response[wrapperspb.StringValue], error) {
			return nil, conduit.NewError(conduit.CodeNotFound, errors.New("gone"))
		},
	))
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	response, err := server.Client().Post(
		server.URL+echoProcedure,
		"application/proto",
		strings.NewReader(""),
	)
	assert.Nil(t, err)
	defer response.Body.Close()
	// Unary errors map onto HTTP statuses, and the body is always JSON even
	// for protobuf requests.
	assert.Equal(t, response.StatusCode, http.StatusNotFound)
	assert.Equal(t, response.Header.Get("Content-Type"), "application/json")
	body, readErr := io.ReadAll(response.Body)
	assert.Nil(t, readErr)
	assert.True(t, strings.Contains(string(body), `"not_found"`))
}

func TestHandlerNegotiationFailures(t *testing.T) {
	t.Parallel()
	server := newEchoServer(t)

	t.Run("unsupported_content_type", func(t *testing.T) {
		t.Parallel()
		response, err := server.Client().Post(
			server.URL+echoProcedure,
			"text/csv",
			strings.NewReader("value\nhello"),
		)
		assert.Nil(t, err)
		defer response.Body.Close()
		assert.Equal(t, response.StatusCode, http.StatusUnsupportedMediaType)
		assert.NotEqual(t, response.Header.Get("Accept-Post"), "")
	})

	t.Run("unsupported_method", func(t *testing.T) {
		t.Parallel()
		response, err := server.Client().Get(server.URL + echoProcedure)
		assert.Nil(t, err)
		defer response.Body.Close()
		assert.Equal(t, response.StatusCode, http.StatusMethodNotAllowed)
		assert.Equal(t, response.Header.Get("Allow"), http.MethodPost)
	})
}

func TestUnaryRetry(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int64
	mux := http.NewServeMux()
	mux.Handle(echoProcedure, conduit.NewUnaryHandler(
		echoProcedure,
		func(_ context.Context, request *conduit.Request[wrapperspb.StringValue]) (*conduit.Response[wrapperspb.StringValue], error) {
			if attempts.Add(1) < 3 {
				return nil, conduit.NewError(conduit.CodeUnavailable, errors.New("warming up"))
			}
			return conduit.NewResponse(wrapperspb.String(request.Msg.GetValue())), nil
		},
	))
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	call, err := conduit.NewClientFunc[wrapperspb.StringValue, wrapperspb.StringValue](
		server.Client(),
		server.URL+echoProcedure,
		conduit.WithRetry(&conduit.RetryPolicy{
			BaseDelay:  time.Millisecond,
			Multiplier: 2,
			Jitter:     0,
			MaxDelay:   10 * time.Millisecond,
			MaxRetries: 2,
		}),
	)
	assert.Nil(t, err)
	response, err := call(context.Background(), conduit.NewRequest(wrapperspb.String("eventually")))
	assert.Nil(t, err)
	assert.Equal(t, response.Msg.GetValue(), "eventually")
	assert.Equal(t, attempts.Load(), int64(3))
}

func TestClientRejectsInvalidRetryPolicy(t *testing.T) {
	t.Parallel()
	_, err := conduit.NewClientFunc[wrapperspb.StringValue, wrapperspb.StringValue](
		http.DefaultClient,
		"http://localhost/conduit.test.v1.EchoService/Echo",
		conduit.WithRetry(&conduit.RetryPolicy{}),
	)
	assert.NotNil(t, err)
	assert.Equal(t, conduit.CodeOf(err), conduit.CodeInvalidArgument)
}

func TestServerStreaming(t *testing.T) {
	t.Parallel()
	const countProcedure = "/conduit.test.v1.EchoService/Count"
	mux := http.NewServeMux()
	mux.Handle(countProcedure, conduit.NewServerStreamHandler(
		countProcedure,
		func(_ context.Context, request *conduit.Request[wrapperspb.UInt64Value], stream *conduit.ServerStream[wrapperspb.UInt64Value]) error {
			stream.ResponseTrailer().Set("Acme-Count", "done")
			for i := uint64(1); i <= request.Msg.GetValue(); i++ {
				if err := stream.Send(wrapperspb.UInt64(i)); err != nil {
					return err
				}
			}
			return nil
		},
	))
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	newStream, err := conduit.NewClientStream(
		server.Client(),
		conduit.StreamTypeServer,
		server.URL+countProcedure,
	)
	assert.Nil(t, err)
	sender, receiver := newStream(context.Background())
	assert.Nil(t, sender.Send(wrapperspb.UInt64(3)))
	assert.Nil(t, sender.Close(nil))

	var got []uint64
	for {
		var msg wrapperspb.UInt64Value
		if receiveErr := receiver.Receive(&msg); receiveErr != nil {
			assert.ErrorIs(t, receiveErr, io.EOF)
			break
		}
		got = append(got, msg.GetValue())
	}
	assert.Equal(t, got, []uint64{1, 2, 3})
	assert.Equal(t, receiver.Trailer().Get("Acme-Count"), "done")
	assert.Nil(t, receiver.Close())
}

func TestClientStreaming(t *testing.T) {
	t.Parallel()
	const sumProcedure = "/conduit.test.v1.EchoService/Sum"
	mux := http.NewServeMux()
	mux.Handle(sumProcedure, conduit.NewClientStreamHandler(
		sumProcedure,
		func(_ context.Context, stream *conduit.ClientStream[wrapperspb.UInt64Value, wrapperspb.UInt64Value]) error {
			var sum uint64
			for stream.Receive() {
				sum += stream.Msg().GetValue()
			}
			if err := stream.Err(); err != nil {
				return err
			}
			return stream.SendAndClose(conduit.NewResponse(wrapperspb.UInt64(sum)))
		},
	))
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	newStream, err := conduit.NewClientStream(
		server.Client(),
		conduit.StreamTypeClient,
		server.URL+sumProcedure,
	)
	assert.Nil(t, err)
	sender, receiver := newStream(context.Background())
	for _, value := range []uint64{1, 2, 3, 4} {
		assert.Nil(t, sender.Send(wrapperspb.UInt64(value)))
	}
	assert.Nil(t, sender.Close(nil))

	var sum wrapperspb.UInt64Value
	assert.Nil(t, receiver.Receive(&sum))
	assert.Equal(t, sum.GetValue(), uint64(10))
	var extra wrapperspb.UInt64Value
	assert.ErrorIs(t, receiver.Receive(&extra), io.EOF)
	assert.Nil(t, receiver.Close())
}

func TestStreamingError(t *testing.T) {
	t.Parallel()
	const failProcedure = "/conduit.test.v1.EchoService/Fail"
	mux := http.NewServeMux()
	mux.Handle(failProcedure, conduit.NewServerStreamHandler(
		failProcedure,
		func(_ context.Context, _ *conduit.Request[wrapperspb.StringValue], stream *conduit.ServerStream[wrapperspb.StringValue]) error {
			if err := stream.Send(wrapperspb.String("before the failure")); err != nil {
				return err
			}
			return conduit.NewError(conduit.CodeResourceExhausted, errors.New("ran dry"))
		},
	))
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	newStream, err := conduit.NewClientStream(
		server.Client(),
		conduit.StreamTypeServer,
		server.URL+failProcedure,
	)
	assert.Nil(t, err)
	sender, receiver := newStream(context.Background())
	assert.Nil(t, sender.Send(wrapperspb.String("go")))
	assert.Nil(t, sender.Close(nil))

	var msg wrapperspb.StringValue
	assert.Nil(t, receiver.Receive(&msg))
	assert.Equal(t, msg.GetValue(), "before the failure")
	receiveErr := receiver.Receive(&msg)
	assert.NotNil(t, receiveErr)
	assert.True(t, conduit.IsWireError(receiveErr))
	assert.Equal(t, conduit.CodeOf(receiveErr), conduit.CodeResourceExhausted)
	assert.Nil(t, receiver.Close())
}

func TestErrorWriter(t *testing.T) {
	t.Parallel()
	writer := conduit.NewErrorWriter()

	t.Run("json_unary", func(t *testing.T) {
		t.Parallel()
		request := httptest.NewRequest(http.MethodPost, "/conduit.test.v1.EchoService/Echo", nil)
		request.Header.Set("Content-Type", "application/json")
		assert.True(t, writer.IsSupported(request))

		recorder := httptest.NewRecorder()
		err := writer.Write(recorder, request, conduit.NewError(
			conduit.CodeUnauthenticated,
			errors.New("who are you?"),
		))
		assert.Nil(t, err)
		assert.Equal(t, recorder.Code, http.StatusUnauthorized)
		assert.Equal(t, recorder.Header().Get("Content-Type"), "application/json")
		assert.True(t, strings.Contains(recorder.Body.String(), `"unauthenticated"`))
	})

	t.Run("unsupported", func(t *testing.T) {
		t.Parallel()
		request := httptest.NewRequest(http.MethodPost, "/conduit.test.v1.EchoService/Echo", nil)
		request.Header.Set("Content-Type", "text/html")
		assert.False(t, writer.IsSupported(request))
	})
}
