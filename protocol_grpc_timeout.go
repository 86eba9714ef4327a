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
	"math"
	"strconv"
	"time"
)

const (
	grpcTimeoutMaxHours = math.MaxInt64 / int64(time.Hour) // how many hours fit into a time.Duration?
	grpcMaxTimeoutChars = 8                                // from the gRPC protocol
)

var (
	errNoTimeout     = errors.New("no timeout")
	grpcTimeoutUnits = []struct {
		size time.Duration
		char byte
	}{
		{time.Nanosecond, 'n'},
		{time.Microsecond, 'u'},
		{time.Millisecond, 'm'},
		{time.Second, 'S'},
		{time.Minute, 'M'},
		{time.Hour, 'H'},
	}
	grpcTimeoutUnitLookup = make(map[byte]time.Duration)
)

func init() {
	for _, pair := range grpcTimeoutUnits {
		grpcTimeoutUnitLookup[pair.char] = pair.size
	}
}

// parseGRPCTimeout interprets the Grpc-Timeout header: an ASCII integer of
// at most 8 digits followed by a unit character. Unlike Conduit-Timeout-Ms,
// oversized values are errors rather than "no timeout" - except for hour
// counts too large to represent, which grpc-go also ignores.
func parseGRPCTimeout(timeout string) (time.Duration, error) {
	if timeout == "" {
		return 0, errNoTimeout
	}
	unit, ok := grpcTimeoutUnitLookup[timeout[len(timeout)-1]]
	if !ok {
		return 0, errProtocol("gRPC protocol error: timeout %q has invalid unit", timeout)
	}
	num, err := strconv.ParseInt(timeout[:len(timeout)-1], 10, 64)
	if err != nil || num < 0 {
		return 0, errProtocol("gRPC protocol error: invalid timeout %q", timeout)
	}
	if num > 99999999 { // timeout must be an ASCII string of at most 8 digits
		return 0, errProtocol("gRPC protocol error: timeout %q is too long", timeout)
	}
	if unit == time.Hour && num > grpcTimeoutMaxHours {
		// The timeout is effectively unbounded, so ignore it.
		return 0, errNoTimeout
	}
	return time.Duration(num) * unit, nil
}

// encodeGRPCTimeout renders a context deadline as a Grpc-Timeout value,
// using the coarsest unit that fits in 8 digits. It reports false when
// there's no deadline to encode.
func encodeGRPCTimeout(ctx context.Context) (string, bool) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return "", false
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return "0n", true
	}
	for _, pair := range grpcTimeoutUnits {
		if digits := strconv.FormatInt(int64(remaining/pair.size), 10); len(digits) <= grpcMaxTimeoutChars {
			return digits + string(pair.char), true
		}
	}
	// remaining/time.Hour always fits in 8 digits.
	return "", false
}
