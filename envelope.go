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
	"encoding/binary"
)

// Each streaming message is preceded by a 5-byte prefix: one byte of flags
// and a big-endian uint32 payload length. The prefix length is also the
// minimum number of bytes a decoder must buffer before it can make any
// framing decision.
const envelopePrefixLength = 5

const (
	// flagEnvelopeCompressed indicates that the payload is compressed with the
	// negotiated stream compression.
	flagEnvelopeCompressed = 0b00000001
	// flagEnvelopeEndStream marks the stream's terminal frame, whose payload
	// is an end-of-stream message rather than RPC data. Terminal frames are
	// never compressed, so the two flags are mutually exclusive on the wire.
	flagEnvelopeEndStream = 0b00000010

	envelopeKnownFlags = flagEnvelopeCompressed | flagEnvelopeEndStream
)

func makeEnvelopePrefix(flags uint8, size int) [envelopePrefixLength]byte {
	prefix := [envelopePrefixLength]byte{}
	prefix[0] = flags
	binary.BigEndian.PutUint32(prefix[1:envelopePrefixLength], uint32(size))
	return prefix
}

// parseEnvelopePrefix validates and splits a frame prefix. Callers must
// supply at least envelopePrefixLength bytes; extra bytes are ignored.
func parseEnvelopePrefix(prefix []byte) (flags uint8, size uint32, err *Error) {
	if len(prefix) < envelopePrefixLength {
		return 0, 0, errProtocol(
			"protocol error: incomplete envelope prefix: got %d bytes, need %d",
			len(prefix), envelopePrefixLength,
		)
	}
	flags = prefix[0]
	if flags&^uint8(envelopeKnownFlags) != 0 {
		return 0, 0, errProtocol(
			"protocol error: invalid envelope flags %08b", flags,
		)
	}
	if flags&flagEnvelopeCompressed != 0 && flags&flagEnvelopeEndStream != 0 {
		return 0, 0, errProtocol(
			"protocol error: end-of-stream frame marked compressed",
		)
	}
	return flags, binary.BigEndian.Uint32(prefix[1:envelopePrefixLength]), nil
}

// writeEnvelope frames a payload into dst. It never compresses; callers
// decide compression before framing and set the flag accordingly.
func writeEnvelope(dst *bytes.Buffer, flags uint8, payload []byte) {
	prefix := makeEnvelopePrefix(flags, len(payload))
	dst.Grow(envelopePrefixLength + len(payload))
	dst.Write(prefix[:])
	dst.Write(payload)
}
