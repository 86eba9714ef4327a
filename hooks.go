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

import "context"

// Hooks are observability tie-ins for the handful of events that aren't
// visible to interceptors. It's safe to leave any of the function pointers
// nil, and a nil *Hooks behaves like a Hooks with every pointer nil. Supplied
// functions must be safe to call concurrently.
type Hooks struct {
	// OnInternalError observes severe errors internal to conduit. These
	// usually indicate a bug in conduit itself.
	OnInternalError func(context.Context, error)
	// OnNetworkError observes low-level network errors that occur after the
	// interceptor chain has returned, for example a failed write to a
	// response body.
	OnNetworkError func(context.Context, error)
	// OnMarshalError observes unexpected errors marshaling in-memory data
	// structures. Since conduit always marshals protobuf-generated structs to
	// supported formats, this class of errors should only crop up with
	// non-standard protobuf code generation.
	OnMarshalError func(context.Context, error)
	// OnUnknownCode observes end-of-stream error codes that don't name any
	// known status code. The decoder maps such codes to CodeUnknown rather
	// than failing the stream; this hook receives the original wire string.
	OnUnknownCode func(context.Context, string)
}

func (h *Hooks) onInternalError(ctx context.Context, err error) {
	if h == nil || h.OnInternalError == nil {
		return
	}
	h.OnInternalError(ctx, err)
}

func (h *Hooks) onNetworkError(ctx context.Context, err error) {
	if h == nil || h.OnNetworkError == nil {
		return
	}
	h.OnNetworkError(ctx, err)
}

func (h *Hooks) onMarshalError(ctx context.Context, err error) {
	if h == nil || h.OnMarshalError == nil {
		return
	}
	h.OnMarshalError(ctx, err)
}

func (h *Hooks) onUnknownCode(ctx context.Context, wireCode string) {
	if h == nil || h.OnUnknownCode == nil {
		return
	}
	h.OnUnknownCode(ctx, wireCode)
}
