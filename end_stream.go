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
	"encoding/base64"
	"encoding/json"
	"net/http"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/anypb"
)

// wireDetail aliases ErrorDetail to attach the JSON wire shape: a trimmed
// type name and unpadded-base64 protobuf bytes, plus a best-effort "debug"
// rendering for humans reading raw frames.
type wireDetail ErrorDetail

func (d *wireDetail) MarshalJSON() ([]byte, error) {
	if d.wireJSON != "" {
		// We never parsed the protobuf, so we can't re-marshal it. Pass the
		// original JSON through unchanged.
		return []byte(d.wireJSON), nil
	}
	wire := struct {
		Type  string          `json:"type"`
		Value string          `json:"value"`
		Debug json.RawMessage `json:"debug,omitempty"`
	}{
		Type:  typeNameFromURL(d.pbAny.GetTypeUrl()),
		Value: base64.RawStdEncoding.EncodeToString(d.pbAny.GetValue()),
	}
	// Computing the debug representation requires the message type to be in
	// the process-global registry. Failures here shouldn't prevent the detail
	// from reaching the peer.
	if msg, err := d.pbAny.UnmarshalNew(); err == nil {
		if debug, err := protojson.Marshal(msg); err == nil {
			wire.Debug = debug
		}
	}
	return json.Marshal(wire)
}

func (d *wireDetail) UnmarshalJSON(data []byte) error {
	var wire struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	decoded, err := DecodeBinaryHeader(wire.Value)
	if err != nil {
		return err
	}
	*d = wireDetail{
		pbAny: &anypb.Any{
			TypeUrl: defaultAnyResolverPrefix + wire.Type,
			Value:   decoded,
		},
		wireJSON: string(data),
	}
	return nil
}

// wireError is the JSON shape of an *Error, used both in unary error bodies
// and in the "error" member of end-of-stream messages.
type wireError struct {
	Code    Code          `json:"code"`
	Message string        `json:"message,omitempty"`
	Details []*wireDetail `json:"details,omitempty"`

	// unknownCode preserves the original wire string when Code fell back to
	// CodeUnknown because the peer sent a code this package doesn't know.
	unknownCode string
}

func newWireError(err *Error) *wireError {
	wire := &wireError{
		Code:    err.Code(),
		Message: err.Message(),
	}
	for _, detail := range err.details {
		wire.Details = append(wire.Details, (*wireDetail)(detail))
	}
	return wire
}

func (e *wireError) UnmarshalJSON(data []byte) error {
	var wire struct {
		Code    string        `json:"code"`
		Message string        `json:"message"`
		Details []*wireDetail `json:"details"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	e.Message = wire.Message
	e.Details = wire.Details
	// Peers running newer revisions of the protocol may send codes we don't
	// recognize. Refusing the whole message would turn a comprehensible
	// remote failure into a local parse error, so degrade to CodeUnknown and
	// keep the original string for observability.
	if code, ok := codeFromString(wire.Code); ok {
		e.Code = code
	} else {
		e.Code = CodeUnknown
		e.unknownCode = wire.Code
	}
	return nil
}

func (e *wireError) asError() *Error {
	err := NewWireError(e.Code, errorNewWireMessage(e.Message))
	for _, detail := range e.Details {
		err.details = append(err.details, (*ErrorDetail)(detail))
	}
	return err
}

// errorNewWireMessage wraps a remote error string. A nil underlying error
// would make Error.Message panic, so even empty messages get a value.
func errorNewWireMessage(message string) error {
	return &wireMessage{message}
}

type wireMessage struct {
	message string
}

func (m *wireMessage) Error() string { return m.message }

// endStreamMessage is the payload of a frame flagged flagEnvelopeEndStream.
// Both members are optional: an empty object is a clean end of stream.
type endStreamMessage struct {
	Error   *wireError  `json:"error,omitempty"`
	Trailer http.Header `json:"metadata,omitempty"`
}

func marshalEndStream(trailer http.Header, err error) ([]byte, *Error) {
	msg := endStreamMessage{Trailer: trailer}
	if err != nil {
		conduitErr, ok := asError(wrapIfUncoded(err))
		if !ok {
			conduitErr = NewError(CodeUnknown, err)
		}
		msg.Error = newWireError(conduitErr)
		if len(conduitErr.meta) > 0 {
			if msg.Trailer == nil {
				msg.Trailer = make(http.Header, len(conduitErr.meta))
			}
			mergeHeaders(msg.Trailer, conduitErr.meta)
		}
	}
	data, marshalErr := json.Marshal(&msg)
	if marshalErr != nil {
		return nil, errEncode("marshal end-of-stream message: %w", marshalErr)
	}
	return data, nil
}

// unmarshalEndStream parses a terminal frame's payload. Zero-length payloads
// and empty objects both mean a clean end of stream. Trailer keys are
// canonicalized so lookups through http.Header behave as usual.
func unmarshalEndStream(data []byte) (*endStreamMessage, *Error) {
	msg := &endStreamMessage{}
	if len(data) == 0 {
		return msg, nil
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, errProtocol("protocol error: invalid end-of-stream message: %w", err)
	}
	for name, values := range msg.Trailer {
		canonical := http.CanonicalHeaderKey(name)
		if name != canonical {
			delete(msg.Trailer, name)
			msg.Trailer[canonical] = append(msg.Trailer[canonical], values...)
		}
	}
	return msg, nil
}
