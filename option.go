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
	"math"
)

// A ClientOption configures a conduit client.
//
// In addition to any options grouped in the documentation below, remember
// that any Option is also a valid ClientOption.
type ClientOption interface {
	applyToClient(*clientConfig)
}

// A HandlerOption configures a conduit handler.
//
// In addition to any options grouped in the documentation below, remember
// that any Option is also a valid HandlerOption.
type HandlerOption interface {
	applyToHandler(*handlerConfig)
}

// An Option configures both clients and handlers.
type Option interface {
	ClientOption
	HandlerOption
}

// WithCodec registers a serialization method with a client or handler.
// Handlers may have multiple codecs registered: the request Content-Type
// picks among them. Clients use the most recently registered codec.
//
// Registering a codec with an empty name is a no-op.
func WithCodec(codec Codec) Option {
	return &codecOption{Codec: codec}
}

// WithAcceptCompression makes a compression algorithm available to a client
// or handler. Registering an algorithm with an empty name or nil constructor
// functions removes it, which is how built-in algorithms are disabled.
//
// Clients accept compressed responses using any registered algorithm;
// handlers accept compressed requests and compress responses the same way.
// To compress requests, clients must additionally use WithSendCompression.
func WithAcceptCompression(
	name string,
	newDecompressor func() Decompressor,
	newCompressor func() Compressor,
) Option {
	return &compressionOption{
		Name: name,
		Build: func(CompressionLevel) *compressionPool {
			return newCompressionPool(newDecompressor, newCompressor)
		},
		Remove: newDecompressor == nil && newCompressor == nil,
	}
}

// WithSendCompression configures the client to compress request messages
// with the named algorithm, which must be registered (the built-ins always
// are). It has no effect on handlers, which mirror the client's
// Accept-Encoding preferences instead.
func WithSendCompression(name string) ClientOption {
	return &sendCompressionOption{Name: name}
}

// WithCompressMinBytes sets a minimum size threshold for compression:
// payloads that serialize to fewer bytes are sent uncompressed, since
// compressing tiny messages burns CPU to make them bigger. Setting the
// threshold to math.MaxInt disables compression entirely.
//
// The default threshold is 1024 bytes.
func WithCompressMinBytes(min int) Option {
	return &compressMinBytesOption{Min: min}
}

// WithCompressionDisabled turns outbound compression off without
// unregistering any algorithms, so compressed inbound messages are still
// understood.
func WithCompressionDisabled() Option {
	return WithCompressMinBytes(math.MaxInt)
}

// WithCompressionLevel selects how hard registered algorithms work. The
// level applies to the built-in algorithms; algorithms registered with
// WithAcceptCompression manage their own levels.
func WithCompressionLevel(level CompressionLevel) Option {
	return &compressionLevelOption{Level: level}
}

// WithReadMaxBytes limits the size of a single received message, enforced
// before the message is fully read wherever the protocol allows. The limit
// applies to the uncompressed size. Zero or negative means no limit.
func WithReadMaxBytes(max int) Option {
	return &readMaxBytesOption{Max: max}
}

// WithSendMaxBytes limits the size of a single sent message, applied to the
// bytes that would go on the wire. Zero or negative means no limit.
func WithSendMaxBytes(max int) Option {
	return &sendMaxBytesOption{Max: max}
}

// WithInterceptors configures a client or handler's interceptor stack. The
// first interceptor is the outermost: it acts first on requests and last on
// responses. Repeated calls append to the stack.
func WithInterceptors(interceptors ...Interceptor) Option {
	return &interceptorsOption{Interceptors: interceptors}
}

// WithHooks attaches observability hooks to a client or handler.
func WithHooks(hooks *Hooks) Option {
	return &hooksOption{Hooks: hooks}
}

// WithRetry configures the client to retry unary RPCs that fail with a
// retryable code, following the supplied policy. The policy is validated
// when the client is built; an invalid policy disables the client.
//
// Retries are implemented as an interceptor wrapped around the rest of the
// stack, so interceptors registered before WithRetry observe every attempt.
func WithRetry(policy *RetryPolicy) ClientOption {
	return &retryOption{Policy: policy}
}

// WithGRPC enables or disables the handler's gRPC compatibility layer, which
// serves requests with "application/grpc" Content-Types. It's enabled by
// default.
func WithGRPC(enabled bool) HandlerOption {
	return &grpcOption{Enabled: enabled}
}

// WithProtoGRPC switches the client from the Conduit protocol to gRPC:
// length-prefixed frames in both directions and the RPC status in HTTP
// trailers. It requires a transport that supports HTTP trailers.
func WithProtoGRPC() ClientOption {
	return &grpcProtocolOption{}
}

type clientConfig struct {
	Protocol        protocol
	Procedure       string
	URL             string
	Doer            Doer
	Codec           Codec
	CompressionName string
	Compressions    []namedCompressionBuilder
	Compression     CompressionConfig
	Interceptors    []Interceptor
	ReadMaxBytes    int
	SendMaxBytes    int
	Hooks           *Hooks
	BufferPool      *bufferPool
	RetryPolicy     *RetryPolicy
}

func newClientConfig(url string, options []ClientOption) *clientConfig {
	config := clientConfig{
		Protocol:   &protocolConduit{},
		Procedure:  procedureNameFromURL(url),
		URL:        url,
		Codec:      &protoBinaryCodec{},
		BufferPool: newBufferPool(),
	}
	withDefaultCompression().applyToClient(&config)
	for _, opt := range options {
		opt.applyToClient(&config)
	}
	return &config
}

func (c *clientConfig) validate() *Error {
	if c.Codec == nil || c.Codec.Name() == "" {
		return errorf(CodeUnknown, "no codec configured")
	}
	if c.CompressionName != "" && c.CompressionName != compressionIdentity {
		found := false
		for _, entry := range c.Compressions {
			if entry.Name == c.CompressionName {
				found = true
				break
			}
		}
		if !found {
			return errorf(CodeUnknown, "unknown compression %q", c.CompressionName)
		}
	}
	if c.RetryPolicy != nil {
		if err := c.RetryPolicy.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c *clientConfig) protobuf() Codec {
	if c.Codec.Name() == codecNameProto {
		return c.Codec
	}
	return &protoBinaryCodec{}
}

func (c *clientConfig) newSpec(streamType StreamType) Spec {
	return Spec{
		StreamType: streamType,
		Procedure:  c.Procedure,
		IsClient:   true,
	}
}

func (c *clientConfig) interceptor() Interceptor {
	interceptors := c.Interceptors
	if c.RetryPolicy != nil {
		// The retry loop sits closest to the wire, so every interceptor
		// registered by the caller observes each attempt.
		interceptors = append(
			append([]Interceptor{}, interceptors...),
			newRetryInterceptor(c.RetryPolicy),
		)
	}
	if len(interceptors) == 0 {
		return nil
	}
	return newChain(interceptors)
}

type handlerConfig struct {
	Procedure    string
	Codecs       map[string]Codec
	Compressions []namedCompressionBuilder
	Compression  CompressionConfig
	Interceptors []Interceptor
	ReadMaxBytes int
	SendMaxBytes int
	Hooks        *Hooks
	HandleGRPC   bool
	BufferPool   *bufferPool
}

func newHandlerConfig(procedure string, options []HandlerOption) *handlerConfig {
	config := handlerConfig{
		Procedure:  procedure,
		Codecs:     make(map[string]Codec),
		HandleGRPC: true,
		BufferPool: newBufferPool(),
	}
	WithCodec(&protoBinaryCodec{}).applyToHandler(&config)
	WithCodec(&protoJSONCodec{name: codecNameJSON}).applyToHandler(&config)
	withDefaultCompression().applyToHandler(&config)
	for _, opt := range options {
		opt.applyToHandler(&config)
	}
	return &config
}

func (c *handlerConfig) newSpec(streamType StreamType) Spec {
	return Spec{
		StreamType: streamType,
		Procedure:  c.Procedure,
	}
}

func (c *handlerConfig) interceptor() Interceptor {
	if len(c.Interceptors) == 0 {
		return nil
	}
	return newChain(c.Interceptors)
}

func (c *handlerConfig) newProtocolHandlers(streamType StreamType) []protocolHandler {
	// The gRPC compatibility layer goes first: "application/grpc" requests
	// are routed by prefix before content-type classification runs.
	var protocols []protocol
	if c.HandleGRPC {
		protocols = append(protocols, &protocolGRPC{})
	}
	protocols = append(protocols, &protocolConduit{})
	codecs := newReadOnlyCodecs(c.Codecs)
	pools := buildCompressionPools(c.Compressions, c.Compression.Level)
	handlers := make([]protocolHandler, 0, len(protocols))
	for _, proto := range protocols {
		handlers = append(handlers, proto.NewHandler(&protocolHandlerParams{
			Spec:             c.newSpec(streamType),
			Codecs:           codecs,
			CompressionPools: pools,
			Compression:      c.Compression,
			ReadMaxBytes:     c.ReadMaxBytes,
			SendMaxBytes:     c.SendMaxBytes,
			BufferPool:       c.BufferPool,
			Hooks:            c.Hooks,
		}))
	}
	return handlers
}

// namedCompressionBuilder defers pool construction until every option has
// been applied, so WithCompressionLevel affects the built-in algorithms no
// matter where it appears in the option list.
type namedCompressionBuilder struct {
	Name  string
	Build func(CompressionLevel) *compressionPool
}

func buildCompressionPools(
	builders []namedCompressionBuilder,
	level CompressionLevel,
) readOnlyCompressionPools {
	nameToPool := make(map[string]*compressionPool, len(builders))
	names := make([]string, 0, len(builders))
	for _, builder := range builders {
		nameToPool[builder.Name] = builder.Build(level)
		names = append(names, builder.Name)
	}
	return newReadOnlyCompressionPools(nameToPool, names)
}

func addCompression(
	builders []namedCompressionBuilder,
	entry namedCompressionBuilder,
	remove bool,
) []namedCompressionBuilder {
	out := builders[:0]
	for _, builder := range builders {
		if builder.Name != entry.Name {
			out = append(out, builder)
		}
	}
	if remove {
		return out
	}
	return append(out, entry)
}

// withDefaultCompression registers the full built-in algorithm set. The
// registration order sets negotiation preference, most preferred last.
func withDefaultCompression() Option {
	return optionFunc(func(builders []namedCompressionBuilder) []namedCompressionBuilder {
		for _, entry := range []namedCompressionBuilder{
			{Name: compressionDeflate, Build: newDeflatePool},
			{Name: compressionBrotli, Build: newBrotliPool},
			{Name: compressionZstd, Build: newZstdPool},
			{Name: compressionGzip, Build: newGzipPool},
		} {
			builders = addCompression(builders, entry, false)
		}
		return builders
	})
}

// optionFunc adapts a compression-registration function into an Option.
type optionFunc func([]namedCompressionBuilder) []namedCompressionBuilder

func (f optionFunc) applyToClient(config *clientConfig) {
	config.Compressions = f(config.Compressions)
}

func (f optionFunc) applyToHandler(config *handlerConfig) {
	config.Compressions = f(config.Compressions)
}

type codecOption struct {
	Codec Codec
}

func (o *codecOption) applyToClient(config *clientConfig) {
	if o.Codec == nil || o.Codec.Name() == "" {
		return
	}
	config.Codec = o.Codec
}

func (o *codecOption) applyToHandler(config *handlerConfig) {
	if o.Codec == nil || o.Codec.Name() == "" {
		return
	}
	config.Codecs[o.Codec.Name()] = o.Codec
}

type compressionOption struct {
	Name   string
	Build  func(CompressionLevel) *compressionPool
	Remove bool
}

func (o *compressionOption) applyToClient(config *clientConfig) {
	if o.Name == "" {
		return
	}
	config.Compressions = addCompression(config.Compressions, namedCompressionBuilder{
		Name:  o.Name,
		Build: o.Build,
	}, o.Remove)
}

func (o *compressionOption) applyToHandler(config *handlerConfig) {
	if o.Name == "" {
		return
	}
	config.Compressions = addCompression(config.Compressions, namedCompressionBuilder{
		Name:  o.Name,
		Build: o.Build,
	}, o.Remove)
}

type sendCompressionOption struct {
	Name string
}

func (o *sendCompressionOption) applyToClient(config *clientConfig) {
	config.CompressionName = o.Name
}

type compressMinBytesOption struct {
	Min int
}

func (o *compressMinBytesOption) applyToClient(config *clientConfig) {
	config.Compression.MinBytes = o.Min
}

func (o *compressMinBytesOption) applyToHandler(config *handlerConfig) {
	config.Compression.MinBytes = o.Min
}

type compressionLevelOption struct {
	Level CompressionLevel
}

func (o *compressionLevelOption) applyToClient(config *clientConfig) {
	config.Compression.Level = o.Level
}

func (o *compressionLevelOption) applyToHandler(config *handlerConfig) {
	config.Compression.Level = o.Level
}

type readMaxBytesOption struct {
	Max int
}

func (o *readMaxBytesOption) applyToClient(config *clientConfig) {
	config.ReadMaxBytes = o.Max
}

func (o *readMaxBytesOption) applyToHandler(config *handlerConfig) {
	config.ReadMaxBytes = o.Max
}

type sendMaxBytesOption struct {
	Max int
}

func (o *sendMaxBytesOption) applyToClient(config *clientConfig) {
	config.SendMaxBytes = o.Max
}

func (o *sendMaxBytesOption) applyToHandler(config *handlerConfig) {
	config.SendMaxBytes = o.Max
}

type interceptorsOption struct {
	Interceptors []Interceptor
}

func (o *interceptorsOption) applyToClient(config *clientConfig) {
	config.Interceptors = append(config.Interceptors, o.Interceptors...)
}

func (o *interceptorsOption) applyToHandler(config *handlerConfig) {
	config.Interceptors = append(config.Interceptors, o.Interceptors...)
}

type hooksOption struct {
	Hooks *Hooks
}

func (o *hooksOption) applyToClient(config *clientConfig) {
	config.Hooks = o.Hooks
}

func (o *hooksOption) applyToHandler(config *handlerConfig) {
	config.Hooks = o.Hooks
}

type retryOption struct {
	Policy *RetryPolicy
}

func (o *retryOption) applyToClient(config *clientConfig) {
	config.RetryPolicy = o.Policy
}

type grpcOption struct {
	Enabled bool
}

func (o *grpcOption) applyToHandler(config *handlerConfig) {
	config.HandleGRPC = o.Enabled
}

type grpcProtocolOption struct{}

func (o *grpcProtocolOption) applyToClient(config *clientConfig) {
	config.Protocol = &protocolGRPC{}
}
