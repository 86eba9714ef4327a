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
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/conduitrpc/conduit/internal/assert"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func TestHooksNilSafe(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	err := errors.New("boom")

	t.Run("nil_pointer", func(t *testing.T) {
		t.Parallel()
		var hooks *Hooks
		hooks.onInternalError(ctx, err)
		hooks.onNetworkError(ctx, err)
		hooks.onMarshalError(ctx, err)
		hooks.onUnknownCode(ctx, "nope")
	})

	t.Run("zero_value", func(t *testing.T) {
		t.Parallel()
		hooks := &Hooks{}
		hooks.onInternalError(ctx, err)
		hooks.onNetworkError(ctx, err)
		hooks.onMarshalError(ctx, err)
		hooks.onUnknownCode(ctx, "nope")
	})
}

// stuckWriter fails every write with a fixed error.
type stuckWriter struct {
	err error
}

func (w *stuckWriter) Write([]byte) (int, error) {
	return 0, w.err
}

func TestHooksObserveEngineEvents(t *testing.T) {
	t.Parallel()

	t.Run("marshal_error_on_send", func(t *testing.T) {
		t.Parallel()
		var observed error
		hooks := &Hooks{OnMarshalError: func(_ context.Context, err error) {
			observed = err
		}}
		encoder := newStreamEncoder(
			context.Background(),
			&bytes.Buffer{},
			&protoBinaryCodec{},
			nil,
			CompressionConfig{},
			newBufferPool(),
			0,
			hooks,
		)
		err := encoder.Send("not a protobuf message")
		assert.NotNil(t, err)
		assert.NotNil(t, observed)
	})

	t.Run("network_error_on_write", func(t *testing.T) {
		t.Parallel()
		sentinel := errors.New("wire cut")
		var observed error
		hooks := &Hooks{OnNetworkError: func(_ context.Context, err error) {
			observed = err
		}}
		encoder := newStreamEncoder(
			context.Background(),
			&stuckWriter{err: sentinel},
			&protoBinaryCodec{},
			nil,
			CompressionConfig{},
			newBufferPool(),
			0,
			hooks,
		)
		err := encoder.Send(wrapperspb.String("doomed"))
		assert.NotNil(t, err)
		assert.ErrorIs(t, observed, sentinel)
	})

	t.Run("network_error_on_read", func(t *testing.T) {
		t.Parallel()
		sentinel := errors.New("connection reset")
		var observed error
		hooks := &Hooks{OnNetworkError: func(_ context.Context, err error) {
			observed = err
		}}
		decoder := newStreamDecoder(
			context.Background(),
			iotest.ErrReader(sentinel),
			&protoBinaryCodec{},
			nil,
			newBufferPool(),
			0,
			hooks,
			true,
		)
		var msg wrapperspb.StringValue
		err := decoder.Receive(&msg)
		assert.NotNil(t, err)
		assert.ErrorIs(t, observed, sentinel)
	})

	t.Run("internal_error_on_request_type_mismatch", func(t *testing.T) {
		t.Parallel()
		internalErrs := make(chan error, 1)
		hooks := &Hooks{OnInternalError: func(_ context.Context, err error) {
			internalErrs <- err
		}}
		// Swap in a request of the wrong message type below the interceptor
		// chain, which the typed handler can only treat as an internal bug.
		mangle := UnaryInterceptorFunc(func(next Func) Func {
			return func(ctx context.Context, _ AnyRequest) (AnyResponse, error) {
				return next(ctx, NewRequest(wrapperspb.Int32(42)))
			}
		})
		handler := NewUnaryHandler(
			"/acme.v1.WidgetService/Rename",
			func(_ context.Context, request *Request[wrapperspb.StringValue]) (*Response[wrapperspb.StringValue], error) {
				return NewResponse(wrapperspb.String(request.Msg.GetValue())), nil
			},
			WithInterceptors(mangle),
			WithHooks(hooks),
		)
		server := httptest.NewServer(handler)
		t.Cleanup(server.Close)

		response, err := server.Client().Post(server.URL, "application/json", strings.NewReader(`"hi"`))
		assert.Nil(t, err)
		t.Cleanup(func() {
			assert.Nil(t, response.Body.Close())
		})
		assert.Equal(t, response.StatusCode, http.StatusInternalServerError)
		observed := <-internalErrs
		assert.NotNil(t, observed)
		assert.Equal(t, CodeOf(observed), CodeInternal)
	})
}
