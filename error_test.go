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
	"testing"

	"github.com/conduitrpc/conduit/internal/assert"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func TestErrorBasics(t *testing.T) {
	t.Parallel()
	underlying := errors.New("storage offline")
	err := NewError(CodeUnavailable, underlying)
	assert.Equal(t, err.Code(), CodeUnavailable)
	assert.Equal(t, err.Message(), "storage offline")
	assert.True(t, errors.Is(err, underlying))
	assert.Equal(t, err.Error(), "unavailable: storage offline")
}

func TestErrorDetails(t *testing.T) {
	t.Parallel()
	err := NewError(CodeResourceExhausted, errors.New("slow down"))
	detail, detailErr := NewErrorDetail(wrapperspb.String("retry in 10s"))
	assert.Nil(t, detailErr)
	err.AddDetail(detail)
	assert.Equal(t, len(err.Details()), 1)
	assert.Equal(t, err.Details()[0].Type(), "google.protobuf.StringValue")
	value, valueErr := err.Details()[0].Value()
	assert.Nil(t, valueErr)
	assert.Equal(t, value.(*wrapperspb.StringValue).GetValue(), "retry in 10s")
}

func TestErrorMeta(t *testing.T) {
	t.Parallel()
	err := NewError(CodePermissionDenied, errors.New("nope"))
	err.Meta().Set("Acme-Tenant", "rocket-skates")
	assert.Equal(t, err.Meta().Get("Acme-Tenant"), "rocket-skates")
}

func TestWrapIfUncoded(t *testing.T) {
	t.Parallel()
	assert.Nil(t, wrapIfUncoded(nil))

	plain := errors.New("plain")
	wrapped := wrapIfUncoded(plain)
	assert.Equal(t, CodeOf(wrapped), CodeUnknown)
	assert.True(t, errors.Is(wrapped, plain))

	coded := NewError(CodeAborted, errors.New("conflict"))
	assert.Equal(t, wrapIfUncoded(coded), error(coded)) // already coded, untouched
}

func TestWrapIfContextError(t *testing.T) {
	t.Parallel()
	assert.Equal(t, CodeOf(wrapIfContextError(context.Canceled)), CodeCanceled)
	assert.Equal(t, CodeOf(wrapIfContextError(context.DeadlineExceeded)), CodeDeadlineExceeded)

	// Coded errors pass through, even when they wrap a context error.
	coded := NewError(CodeUnavailable, context.DeadlineExceeded)
	assert.Equal(t, CodeOf(wrapIfContextError(coded)), CodeUnavailable)

	plain := errors.New("not a context error")
	assert.Equal(t, wrapIfContextError(plain), plain)
}

func TestIsWireError(t *testing.T) {
	t.Parallel()
	wire := NewWireError(CodeNotFound, errors.New("no such user"))
	assert.True(t, IsWireError(wire))
	local := NewError(CodeNotFound, errors.New("no such user"))
	assert.False(t, IsWireError(local))
	assert.False(t, IsWireError(errors.New("plain")))
}

func TestErrorKindConstructors(t *testing.T) {
	t.Parallel()
	assert.Equal(t, errTransport("dial: %w", errors.New("refused")).Code(), CodeUnavailable)
	assert.Equal(t, errEncode("marshal: %w", errors.New("bad")).Code(), CodeInternal)
	assert.Equal(t, errDecode("unmarshal: %w", errors.New("bad")).Code(), CodeInternal)
	assert.Equal(t, errProtocol("invalid frame").Code(), CodeInvalidArgument)
}

func TestTypeNameFromURL(t *testing.T) {
	t.Parallel()
	assert.Equal(
		t,
		typeNameFromURL("type.googleapis.com/acme.user.v1.User"),
		"acme.user.v1.User",
	)
	assert.Equal(t, typeNameFromURL("acme.user.v1.User"), "acme.user.v1.User")
	assert.Equal(t, typeNameFromURL(""), "")
}
