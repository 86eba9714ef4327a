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

// Package conduit is an HTTP-based RPC protocol engine. It implements the
// Conduit protocol: unary and streaming RPCs with binary protobuf and JSON
// payloads, per-message compression, and end-of-stream trailers carried in a
// terminal enveloped frame. Handlers can also serve clients speaking the gRPC
// wire protocol, translating framing, timeouts, and status codes at the
// server boundary.
//
// The package deliberately stops at the protocol layer. It doesn't generate
// code from service definitions, manage connection pools, or configure TLS:
// it consumes net/http's server and client machinery through narrow
// interfaces and exposes the protocol state machines - envelope framing,
// compression negotiation, the streaming encoder and decoder, retries, and
// interceptors - as plain library calls.
package conduit
