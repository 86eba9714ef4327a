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
	"fmt"
	"strconv"
	"strings"
)

// A Code is one of the protocol's error codes. The numeric values and
// semantics match gRPC's canonical status codes, which lets handlers serve
// gRPC clients without translation tables in user code. There are no
// user-defined codes, so only the codes enumerated below are valid.
type Code uint32

const (
	// CodeCanceled indicates that the operation was canceled, typically by the
	// caller.
	CodeCanceled Code = 1

	// CodeUnknown indicates that the operation failed for an unknown reason.
	CodeUnknown Code = 2

	// CodeInvalidArgument indicates that client supplied an invalid argument.
	CodeInvalidArgument Code = 3

	// CodeDeadlineExceeded indicates that deadline expired before the
	// operation could complete.
	CodeDeadlineExceeded Code = 4

	// CodeNotFound indicates that some requested entity (for example, a file
	// or directory) wasn't found.
	CodeNotFound Code = 5

	// CodeAlreadyExists indicates that client attempted to create an entity
	// (for example, a file or directory) that already exists.
	CodeAlreadyExists Code = 6

	// CodePermissionDenied indicates that the caller doesn't have permission
	// to execute the specified operation.
	CodePermissionDenied Code = 7

	// CodeResourceExhausted indicates that some resource has been exhausted:
	// per-user quota, disk space, rate limits, or a configured message size
	// ceiling.
	CodeResourceExhausted Code = 8

	// CodeFailedPrecondition indicates that the system is not in a state
	// required for the operation's execution.
	CodeFailedPrecondition Code = 9

	// CodeAborted indicates that operation was aborted by the system, usually
	// because of a concurrency issue such as a sequencer check failure or
	// transaction abort.
	CodeAborted Code = 10

	// CodeOutOfRange indicates that the operation was attempted past the valid
	// range (for example, seeking past end-of-file).
	CodeOutOfRange Code = 11

	// CodeUnimplemented indicates that the operation isn't implemented,
	// supported, or enabled in this service.
	CodeUnimplemented Code = 12

	// CodeInternal indicates that some invariant expected by the underlying
	// system has been broken. This code is reserved for serious errors.
	CodeInternal Code = 13

	// CodeUnavailable indicates that the service is currently unavailable,
	// usually transiently. Callers should back off and retry.
	CodeUnavailable Code = 14

	// CodeDataLoss indicates that the operation has resulted in unrecoverable
	// data loss or corruption.
	CodeDataLoss Code = 15

	// CodeUnauthenticated indicates that the request does not have valid
	// authentication credentials for the operation.
	CodeUnauthenticated Code = 16

	minCode = CodeCanceled
	maxCode = CodeUnauthenticated
)

func (c Code) String() string {
	switch c {
	case CodeCanceled:
		return "canceled"
	case CodeUnknown:
		return "unknown"
	case CodeInvalidArgument:
		return "invalid_argument"
	case CodeDeadlineExceeded:
		return "deadline_exceeded"
	case CodeNotFound:
		return "not_found"
	case CodeAlreadyExists:
		return "already_exists"
	case CodePermissionDenied:
		return "permission_denied"
	case CodeResourceExhausted:
		return "resource_exhausted"
	case CodeFailedPrecondition:
		return "failed_precondition"
	case CodeAborted:
		return "aborted"
	case CodeOutOfRange:
		return "out_of_range"
	case CodeUnimplemented:
		return "unimplemented"
	case CodeInternal:
		return "internal"
	case CodeUnavailable:
		return "unavailable"
	case CodeDataLoss:
		return "data_loss"
	case CodeUnauthenticated:
		return "unauthenticated"
	}
	return fmt.Sprintf("code_%d", uint32(c))
}

// MarshalText implements [encoding.TextMarshaler].
func (c Code) MarshalText() ([]byte, error) {
	if c >= minCode && c <= maxCode {
		return []byte(c.String()), nil
	}
	return nil, fmt.Errorf("invalid code %v", uint32(c))
}

// UnmarshalText implements [encoding.TextUnmarshaler]. It accepts the
// snake_case strings produced by MarshalText as well as numeric
// representations.
func (c *Code) UnmarshalText(data []byte) error {
	dataStr := string(data)
	if code, ok := codeFromString(dataStr); ok {
		*c = code
		return nil
	}
	// Numeric codes
	if code, err := strconv.ParseUint(dataStr, 10 /* base */, 64 /* bitsize */); err == nil {
		if Code(code) >= minCode && Code(code) <= maxCode {
			*c = Code(code)
			return nil
		}
	}
	return fmt.Errorf("invalid code %q", dataStr)
}

// codeFromString resolves the protocol's snake_case code names. Unrecognized
// names report !ok so callers can decide how to degrade; the wire-level
// parsers fall back to CodeUnknown.
func codeFromString(name string) (Code, bool) {
	for code := minCode; code <= maxCode; code++ {
		if code.String() == name {
			return code, true
		}
	}
	return 0, false
}

// CodeOf returns the error's status code if it is or wraps an [*Error] and
// CodeUnknown otherwise.
func CodeOf(err error) Code {
	if conduitErr, ok := asError(err); ok {
		return conduitErr.Code()
	}
	return CodeUnknown
}

// codeToHTTP maps status codes to HTTP statuses for unary error responses.
// Literals rather than net/http constants to make comparison with the
// protocol specification easier.
func codeToHTTP(code Code) int {
	switch code {
	case CodeCanceled:
		return 499
	case CodeUnknown:
		return 500
	case CodeInvalidArgument:
		return 400
	case CodeDeadlineExceeded:
		return 504
	case CodeNotFound:
		return 404
	case CodeAlreadyExists:
		return 409
	case CodePermissionDenied:
		return 403
	case CodeResourceExhausted:
		return 429
	case CodeFailedPrecondition:
		return 400
	case CodeAborted:
		return 409
	case CodeOutOfRange:
		return 400
	case CodeUnimplemented:
		return 501
	case CodeInternal:
		return 500
	case CodeUnavailable:
		return 503
	case CodeDataLoss:
		return 500
	case CodeUnauthenticated:
		return 401
	default:
		return 500 // same as CodeUnknown
	}
}

// httpToCode maps HTTP statuses to status codes when a response carries no
// structured error body. These mappings aren't the inverse of codeToHTTP:
// several codes share an HTTP status, and intermediaries (load balancers,
// proxies) produce statuses of their own.
func httpToCode(httpCode int) Code {
	switch httpCode {
	case 400:
		return CodeInternal
	case 401:
		return CodeUnauthenticated
	case 403:
		return CodePermissionDenied
	case 404:
		return CodeUnimplemented
	case 408:
		return CodeDeadlineExceeded
	case 413:
		return CodeResourceExhausted
	case 429:
		return CodeUnavailable
	case 431:
		return CodeResourceExhausted
	case 502, 503, 504:
		return CodeUnavailable
	default:
		return CodeUnknown
	}
}

// procedureNameFromURL extracts the last two path segments of an RPC URL,
// which name the service and method.
func procedureNameFromURL(url string) string {
	segments := strings.Split(url, "/")
	if len(segments) < 2 {
		return url
	}
	return "/" + strings.Join(segments[len(segments)-2:], "/")
}
