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
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/conduitrpc/conduit/internal/assert"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func TestEndStreamRoundTrip(t *testing.T) {
	t.Parallel()
	trailer := http.Header{"Acme-Elapsed-Ms": {"42"}}
	rpcErr := NewError(CodeResourceExhausted, errors.New("slow down"))
	detail, err := NewErrorDetail(wrapperspb.String("retry in 10s"))
	assert.Nil(t, err)
	rpcErr.AddDetail(detail)
	rpcErr.Meta().Set("Acme-Region", "us-east")

	data, marshalErr := marshalEndStream(trailer, rpcErr)
	assert.Nil(t, marshalErr)

	msg, unmarshalErr := unmarshalEndStream(data)
	assert.Nil(t, unmarshalErr)
	assert.NotNil(t, msg.Error)
	assert.Equal(t, msg.Error.Code, CodeResourceExhausted)
	assert.Equal(t, msg.Error.Message, "slow down")
	assert.Equal(t, len(msg.Error.Details), 1)
	// Error metadata merges into the trailer.
	assert.Equal(t, msg.Trailer.Get("Acme-Elapsed-Ms"), "42")
	assert.Equal(t, msg.Trailer.Get("Acme-Region"), "us-east")

	parsed := msg.Error.asError()
	assert.True(t, IsWireError(parsed))
	assert.Equal(t, parsed.Code(), CodeResourceExhausted)
	assert.Equal(t, len(parsed.Details()), 1)
	value, valueErr := parsed.Details()[0].Value()
	assert.Nil(t, valueErr)
	assert.Equal(t, value.(*wrapperspb.StringValue).GetValue(), "retry in 10s")
}

func TestEndStreamCleanTermination(t *testing.T) {
	t.Parallel()

	t.Run("empty_payload", func(t *testing.T) {
		t.Parallel()
		msg, err := unmarshalEndStream(nil)
		assert.Nil(t, err)
		assert.Nil(t, msg.Error)
	})

	t.Run("empty_object", func(t *testing.T) {
		t.Parallel()
		msg, err := unmarshalEndStream([]byte("{}"))
		assert.Nil(t, err)
		assert.Nil(t, msg.Error)
		assert.Equal(t, len(msg.Trailer), 0)
	})

	t.Run("success_marshals_without_error_member", func(t *testing.T) {
		t.Parallel()
		data, err := marshalEndStream(nil, nil)
		assert.Nil(t, err)
		var raw map[string]json.RawMessage
		assert.Nil(t, json.Unmarshal(data, &raw))
		_, hasError := raw["error"]
		assert.False(t, hasError)
	})
}

func TestEndStreamMalformedJSON(t *testing.T) {
	t.Parallel()
	_, err := unmarshalEndStream([]byte(`{"error": [1, 2]`))
	assert.NotNil(t, err)
	assert.Equal(t, err.Code(), CodeInvalidArgument)
}

func TestEndStreamUnknownCode(t *testing.T) {
	t.Parallel()
	payload := []byte(`{"error": {"code": "out_of_cheese", "message": "+++redo from start+++"}}`)
	msg, err := unmarshalEndStream(payload)
	assert.Nil(t, err)
	assert.NotNil(t, msg.Error)
	// Unknown codes degrade to CodeUnknown rather than failing the parse;
	// the raw string sticks around for observability.
	assert.Equal(t, msg.Error.Code, CodeUnknown)
	assert.Equal(t, msg.Error.unknownCode, "out_of_cheese")
	assert.Equal(t, msg.Error.Message, "+++redo from start+++")
}

func TestEndStreamTrailerCanonicalization(t *testing.T) {
	t.Parallel()
	payload := []byte(`{"metadata": {"acme-elapsed-ms": ["42"], "Acme-Region": ["us-east"]}}`)
	msg, err := unmarshalEndStream(payload)
	assert.Nil(t, err)
	assert.Equal(t, msg.Trailer.Get("Acme-Elapsed-Ms"), "42")
	assert.Equal(t, msg.Trailer.Get("Acme-Region"), "us-east")
	_, rawKeySurvives := msg.Trailer["acme-elapsed-ms"]
	assert.False(t, rawKeySurvives)
}

func TestWireDetailPassthrough(t *testing.T) {
	t.Parallel()
	// A proxy without the right descriptors must forward details unchanged.
	original := `{"type":"acme.unknown.v1.Mystery","value":"AAEC","debug":{"custom":"field"}}`
	var detail wireDetail
	assert.Nil(t, json.Unmarshal([]byte(original), &detail))
	remarshaled, err := json.Marshal(&detail)
	assert.Nil(t, err)
	assert.Equal(t, string(remarshaled), original)
}
