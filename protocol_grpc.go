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
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"strconv"
	"strings"

	statuspb "google.golang.org/genproto/googleapis/rpc/status"
)

const (
	grpcContentTypePrefixed = grpcContentTypeDefault + "+"

	grpcHeaderCompression       = "Grpc-Encoding"
	grpcHeaderAcceptCompression = "Grpc-Accept-Encoding"
	grpcHeaderTimeout           = "Grpc-Timeout"
	grpcHeaderStatus            = "Grpc-Status"
	grpcHeaderMessage           = "Grpc-Message"
	grpcHeaderDetails           = "Grpc-Status-Details-Bin"

	headerTE = "Te"
)

// grpcUserAgent follows
// https://github.com/grpc/grpc/blob/master/doc/PROTOCOL-HTTP2.md#user-agents:
// a basic description of the calling library, version, and platform.
var grpcUserAgent = fmt.Sprintf("grpc-go-conduit/%s (%s)", Version, runtime.Version())

// protocolGRPC is the gRPC compatibility layer: length-prefixed frames in
// both directions, status and error details in HTTP trailers, and
// unit-suffixed timeouts. It shares codecs and compression pools with the
// Conduit protocol, so a handler can serve both from one route.
type protocolGRPC struct{}

var _ protocol = (*protocolGRPC)(nil)

func (*protocolGRPC) NewHandler(params *protocolHandlerParams) protocolHandler {
	contentTypes := make([]string, 0, len(params.Codecs.Names())+1)
	for _, name := range params.Codecs.Names() {
		contentTypes = append(contentTypes, grpcContentTypePrefixed+name)
	}
	if params.Codecs.Get(codecNameProto) != nil {
		// The bare content type implies protobuf.
		contentTypes = append(contentTypes, grpcContentTypeDefault)
	}
	return &grpcHandler{
		params: params,
		accept: strings.Join(contentTypes, ", "),
	}
}

func (*protocolGRPC) NewClient(params *protocolClientParams) (protocolClient, error) {
	procedureURL, err := url.ParseRequestURI(params.URL)
	if err != nil {
		return nil, NewError(CodeUnavailable, err)
	}
	return &grpcClient{
		params: params,
		url:    procedureURL,
	}, nil
}

// grpcCodecFromContentType extracts the codec name from a gRPC Content-Type,
// or returns the empty string for non-gRPC content types. The bare
// "application/grpc" implies protobuf.
func grpcCodecFromContentType(contentType string) string {
	contentType = canonicalizeContentType(contentType)
	if contentType == grpcContentTypeDefault {
		return codecNameProto
	}
	if !strings.HasPrefix(contentType, grpcContentTypePrefixed) {
		return ""
	}
	return strings.TrimPrefix(contentType, grpcContentTypePrefixed)
}

func grpcContentTypeFromCodecName(name string) string {
	return grpcContentTypePrefixed + name
}

type grpcHandler struct {
	params *protocolHandlerParams
	accept string
}

var _ protocolHandler = (*grpcHandler)(nil)

func (h *grpcHandler) ShouldHandleMethod(method string) bool {
	return method == http.MethodPost
}

func (h *grpcHandler) ShouldHandleContentType(contentType string) bool {
	codecName := grpcCodecFromContentType(contentType)
	if codecName == "" {
		return false
	}
	return h.params.Codecs.Get(codecName) != nil
}

func (h *grpcHandler) WriteAccept(header http.Header) {
	header.Add("Allow", http.MethodPost)
	header.Add("Accept-Post", h.accept)
}

func (h *grpcHandler) NewStream(
	responseWriter http.ResponseWriter,
	request *http.Request,
) (Sender, Receiver, error) {
	contentType := getHeaderCanonical(request.Header, headerContentType)
	// ShouldHandleContentType guarantees that this is non-nil.
	codec := h.params.Codecs.Get(grpcCodecFromContentType(contentType))

	requestCompression, responseCompression, failed := negotiateCompression(
		h.params.CompressionPools,
		getHeaderCanonical(request.Header, grpcHeaderCompression),
		getHeaderCanonical(request.Header, grpcHeaderAcceptCompression),
	)
	if failed != nil {
		requestCompression = compressionIdentity
		responseCompression = compressionIdentity
	}

	// gRPC requires the response headers before the first frame, and
	// interceptors should see them too.
	header := responseWriter.Header()
	setHeaderCanonical(header, headerContentType, contentType)
	setHeaderCanonical(header, grpcHeaderAcceptCompression, h.params.CompressionPools.CommaSeparatedNames())
	if responseCompression != compressionIdentity {
		setHeaderCanonical(header, grpcHeaderCompression, responseCompression)
	}

	timeout, timeoutErr := parseGRPCTimeout(
		getHeaderCanonical(request.Header, grpcHeaderTimeout),
	)
	ctx := request.Context()
	var cancel context.CancelFunc
	switch {
	case timeoutErr == nil:
		ctx, cancel = context.WithTimeout(ctx, timeout)
	case errors.Is(timeoutErr, errNoTimeout):
		ctx, cancel = context.WithCancel(ctx)
	default:
		// The client sent an invalid timeout header, so the error text is safe
		// to send back.
		if failed == nil {
			failed, _ = asError(timeoutErr)
		}
		ctx, cancel = context.WithCancel(ctx)
	}

	sender := &grpcHandlerSender{
		spec:   h.params.Spec,
		writer: responseWriter,
		marshaler: grpcMarshaler{
			writer:          responseWriter,
			codec:           codec,
			compressionPool: h.params.CompressionPools.Get(responseCompression),
			compression:     h.params.Compression,
			bufferPool:      h.params.BufferPool,
			sendMaxBytes:    h.params.SendMaxBytes,
		},
		protobuf: h.params.Codecs.Protobuf(), // for errors
		trailer:  make(http.Header),
		cancel:   cancel,
	}
	receiver := &grpcHandlerReceiver{
		spec:    h.params.Spec,
		request: request,
		unmarshaler: grpcUnmarshaler{
			reader:          request.Body,
			codec:           codec,
			compressionPool: h.params.CompressionPools.Get(requestCompression),
			bufferPool:      h.params.BufferPool,
			readMaxBytes:    h.params.ReadMaxBytes,
		},
	}
	if failed != nil {
		return sender, receiver, failed
	}
	return sender, receiver, nil
}

// grpcMarshaler writes gRPC's length-prefixed frames: the same five-byte
// prefix the Conduit protocol uses, but with only the compression flag.
type grpcMarshaler struct {
	writer          io.Writer
	codec           Codec
	compressionPool *compressionPool
	compression     CompressionConfig
	bufferPool      *bufferPool
	sendMaxBytes    int
}

func (m *grpcMarshaler) Marshal(message any) error {
	buffer := m.bufferPool.Get()
	defer m.bufferPool.Put(buffer)
	data, err := m.codec.Marshal(message)
	if err != nil {
		return errEncode("marshal message: %w", err)
	}
	buffer.Write(data)

	var flags uint8
	payload := buffer
	minBytes := m.compression.MinBytes
	if minBytes <= 0 {
		minBytes = defaultCompressMinBytes
	}
	if m.compressionPool != nil && !m.compression.Disabled() && buffer.Len() >= minBytes {
		compressed := m.bufferPool.Get()
		defer m.bufferPool.Put(compressed)
		if err := m.compressionPool.Compress(compressed, buffer); err != nil {
			return err
		}
		payload = compressed
		flags |= flagEnvelopeCompressed
	}
	if m.sendMaxBytes > 0 && payload.Len() > m.sendMaxBytes {
		return errorf(
			CodeResourceExhausted,
			"message size %d exceeds sendMaxBytes %d",
			payload.Len(), m.sendMaxBytes,
		)
	}
	framed := m.bufferPool.Get()
	defer m.bufferPool.Put(framed)
	writeEnvelope(framed, flags, payload.Bytes())
	if _, err := framed.WriteTo(m.writer); err != nil {
		if wrapped, ok := asError(wrapIfContextError(err)); ok {
			return wrapped
		}
		return errTransport("write message: %w", err)
	}
	return nil
}

// grpcUnmarshaler reads gRPC's length-prefixed frames. There's no terminal
// frame: streams end at body EOF, and the status travels in HTTP trailers.
type grpcUnmarshaler struct {
	reader          io.Reader
	codec           Codec
	compressionPool *compressionPool
	bufferPool      *bufferPool
	readMaxBytes    int
}

func (u *grpcUnmarshaler) Unmarshal(message any) error {
	prefix := make([]byte, envelopePrefixLength)
	if _, err := io.ReadFull(u.reader, prefix); err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return errorf(CodeDataLoss, "incomplete envelope prefix: %v", err)
		}
		if wrapped, ok := asError(wrapIfContextError(err)); ok {
			return wrapped
		}
		return errTransport("read envelope prefix: %w", err)
	}
	flags := prefix[0]
	if flags&^uint8(flagEnvelopeCompressed) != 0 {
		return errProtocol("gRPC protocol error: invalid envelope flags %08b", flags)
	}
	size := int64(binary.BigEndian.Uint32(prefix[1:]))
	if u.readMaxBytes > 0 && size > int64(u.readMaxBytes) {
		return errorf(
			CodeResourceExhausted,
			"message size %d is larger than configured max %d",
			size, u.readMaxBytes,
		)
	}
	buffer := u.bufferPool.Get()
	defer u.bufferPool.Put(buffer)
	buffer.Grow(int(size))
	if read, err := io.CopyN(buffer, u.reader, size); err != nil {
		if errors.Is(err, io.EOF) {
			return errorf(
				CodeDataLoss,
				"incomplete envelope: got %d bytes, want %d",
				read, size,
			)
		}
		if wrapped, ok := asError(wrapIfContextError(err)); ok {
			return wrapped
		}
		return errTransport("read message: %w", err)
	}
	payload := buffer
	if flags&flagEnvelopeCompressed != 0 {
		if u.compressionPool == nil {
			return errProtocol(
				"gRPC protocol error: compressed message sent without a known Grpc-Encoding",
			)
		}
		decompressed := u.bufferPool.Get()
		defer u.bufferPool.Put(decompressed)
		if err := u.compressionPool.Decompress(
			decompressed, buffer, int64(u.readMaxBytes),
		); err != nil {
			return err
		}
		payload = decompressed
	}
	if err := u.codec.Unmarshal(payload.Bytes(), message); err != nil {
		return errDecode("unmarshal message: %w", err)
	}
	return nil
}

type grpcHandlerSender struct {
	spec       Spec
	writer     http.ResponseWriter
	marshaler  grpcMarshaler
	protobuf   Codec
	trailer    http.Header
	closedOnce bool
	cancel     context.CancelFunc
}

var _ Sender = (*grpcHandlerSender)(nil)

func (s *grpcHandlerSender) Spec() Spec {
	return s.spec
}

func (s *grpcHandlerSender) Header() http.Header {
	return s.writer.Header()
}

func (s *grpcHandlerSender) Trailer() http.Header {
	return s.trailer
}

func (s *grpcHandlerSender) Send(message any) error {
	if err := s.marshaler.Marshal(message); err != nil {
		return err
	}
	if flusher, ok := s.writer.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}

func (s *grpcHandlerSender) Close(err error) error {
	defer s.cancel()
	if s.closedOnce {
		return nil
	}
	s.closedOnce = true
	trailer := make(http.Header, len(s.trailer)+3)
	mergeHeaders(trailer, s.trailer)
	grpcErrorToTrailer(trailer, s.protobuf, err)
	// net/http writes prefixed header keys as HTTP trailers, even when they
	// weren't announced up front.
	header := s.writer.Header()
	for key, values := range trailer {
		header[http.TrailerPrefix+key] = values
	}
	if flusher, ok := s.writer.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}

type grpcHandlerReceiver struct {
	spec        Spec
	request     *http.Request
	unmarshaler grpcUnmarshaler
}

var _ Receiver = (*grpcHandlerReceiver)(nil)

func (r *grpcHandlerReceiver) Spec() Spec {
	return r.spec
}

func (r *grpcHandlerReceiver) Header() http.Header {
	return r.request.Header
}

func (r *grpcHandlerReceiver) Trailer() http.Header {
	return nil
}

func (r *grpcHandlerReceiver) Receive(message any) error {
	return r.unmarshaler.Unmarshal(message)
}

func (r *grpcHandlerReceiver) Close() error {
	if _, err := io.Copy(io.Discard, r.request.Body); err != nil {
		_ = r.request.Body.Close()
		return errTransport("discard request body: %w", err)
	}
	if err := r.request.Body.Close(); err != nil {
		return errTransport("close request body: %w", err)
	}
	return nil
}

type grpcClient struct {
	params *protocolClientParams
	url    *url.URL
}

var _ protocolClient = (*grpcClient)(nil)

func (g *grpcClient) WriteRequestHeader(header http.Header) {
	// We know these header keys are in canonical form, so we can bypass all
	// the checks in Header.Set.
	header[headerUserAgent] = []string{grpcUserAgent}
	header[headerContentType] = []string{grpcContentTypeFromCodecName(g.params.Codec.Name())}
	if g.params.CompressionName != "" && g.params.CompressionName != compressionIdentity {
		header[grpcHeaderCompression] = []string{g.params.CompressionName}
	}
	if accept := g.params.CompressionPools.CommaSeparatedNames(); accept != "" {
		header[grpcHeaderAcceptCompression] = []string{accept}
	}
	header[headerTE] = []string{"trailers"}
}

func (g *grpcClient) NewStream(ctx context.Context, header http.Header) (Sender, Receiver) {
	if timeout, ok := encodeGRPCTimeout(ctx); ok {
		header[grpcHeaderTimeout] = []string{timeout}
	}
	call := newDuplexHTTPCall(ctx, g.params.Doer, g.url, g.params.Spec, g.params.Hooks, header)
	sender := &grpcClientSender{
		spec: g.params.Spec,
		call: call,
		marshaler: grpcMarshaler{
			writer:          call,
			codec:           g.params.Codec,
			compressionPool: g.params.CompressionPools.Get(g.params.CompressionName),
			compression:     g.params.Compression,
			bufferPool:      g.params.BufferPool,
			sendMaxBytes:    g.params.SendMaxBytes,
		},
	}
	receiver := &grpcClientReceiver{
		ctx:    ctx,
		spec:   g.params.Spec,
		call:   call,
		params: g.params,
		unmarshaler: grpcUnmarshaler{
			reader:          call,
			codec:           g.params.Codec,
			compressionPool: nil, // replaced after response headers arrive
			bufferPool:      g.params.BufferPool,
			readMaxBytes:    g.params.ReadMaxBytes,
		},
	}
	call.setValidateResponse(receiver.validate)
	return sender, receiver
}

type grpcClientSender struct {
	spec      Spec
	call      *duplexHTTPCall
	marshaler grpcMarshaler
}

var _ Sender = (*grpcClientSender)(nil)

func (s *grpcClientSender) Spec() Spec {
	return s.spec
}

func (s *grpcClientSender) Header() http.Header {
	return s.call.Header()
}

func (s *grpcClientSender) Trailer() http.Header {
	return nil
}

func (s *grpcClientSender) Send(message any) error {
	return s.marshaler.Marshal(message)
}

func (s *grpcClientSender) Close(_ error) error {
	// Request streams have no terminal frame: closing the body ends them.
	return s.call.CloseWrite()
}

type grpcClientReceiver struct {
	ctx         context.Context
	spec        Spec
	call        *duplexHTTPCall
	params      *protocolClientParams
	unmarshaler grpcUnmarshaler
	trailer     http.Header
}

var _ Receiver = (*grpcClientReceiver)(nil)

func (r *grpcClientReceiver) Spec() Spec {
	return r.spec
}

func (r *grpcClientReceiver) Header() http.Header {
	return r.call.ResponseHeader()
}

func (r *grpcClientReceiver) Trailer() http.Header {
	return r.trailer
}

func (r *grpcClientReceiver) Receive(message any) error {
	r.call.waitResponse()
	err := r.unmarshaler.Unmarshal(message)
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) {
		// The stream is exhausted; the status lives in the HTTP trailers.
		if serverErr := r.readStatus(); serverErr != nil {
			return serverErr
		}
		return io.EOF
	}
	return err
}

func (r *grpcClientReceiver) Close() error {
	return r.call.CloseRead()
}

// readStatus consults the HTTP trailers once the body is exhausted. In a
// trailers-only response, the status travels in the headers instead.
func (r *grpcClientReceiver) readStatus() *Error {
	trailer := r.call.ResponseTrailer()
	if getHeaderCanonical(trailer, grpcHeaderStatus) == "" {
		trailer = r.call.ResponseHeader()
	}
	r.trailer = trailer
	return grpcErrorFromTrailer(r.ctx, trailer, r.params.Protobuf, r.params.Hooks)
}

// validate runs when the response headers arrive: it checks the HTTP status
// and content type, and swaps in the decompressor the server chose.
func (r *grpcClientReceiver) validate(response *http.Response) *Error {
	if response.StatusCode != http.StatusOK {
		// gRPC responses are always 200: failures travel in the trailers.
		// Anything else is an HTTP-level problem.
		return errorf(
			httpToCode(response.StatusCode),
			"HTTP status %v", response.Status,
		)
	}
	contentType := getHeaderCanonical(response.Header, headerContentType)
	if grpcCodecFromContentType(contentType) == "" {
		return errorf(CodeUnknown, "invalid content-type %q in gRPC response", contentType)
	}
	compression := getHeaderCanonical(response.Header, grpcHeaderCompression)
	if compression != "" && compression != compressionIdentity {
		if !r.params.CompressionPools.Contains(compression) {
			return errorf(
				CodeInternal,
				"unknown encoding %q: accepted encodings are %v",
				compression, r.params.CompressionPools.CommaSeparatedNames(),
			)
		}
		r.unmarshaler.compressionPool = r.params.CompressionPools.Get(compression)
	}
	return nil
}

// grpcErrorToTrailer writes an RPC's result to the gRPC trailer keys: a
// numeric status, a percent-encoded message, and - when the error carries
// details - a binary google.rpc.Status.
func grpcErrorToTrailer(trailer http.Header, protobuf Codec, err error) {
	if err == nil {
		setHeaderCanonical(trailer, grpcHeaderStatus, "0") // zero is the gRPC OK status
		return
	}
	grpcErr, ok := asError(wrapIfUncoded(wrapIfContextError(err)))
	if !ok {
		grpcErr = NewError(CodeUnknown, err)
	}
	mergeHeaders(trailer, grpcErr.meta)
	setHeaderCanonical(trailer, grpcHeaderStatus, strconv.Itoa(int(grpcErr.Code())))
	setHeaderCanonical(trailer, grpcHeaderMessage, percentEncode(grpcErr.Message()))
	if len(grpcErr.details) == 0 {
		return
	}
	status := &statuspb.Status{
		Code:    int32(grpcErr.Code()),
		Message: grpcErr.Message(),
		Details: grpcErr.detailsAsAny(),
	}
	bin, marshalErr := protobuf.Marshal(status)
	if marshalErr != nil {
		setHeaderCanonical(trailer, grpcHeaderStatus, strconv.Itoa(int(CodeInternal)))
		setHeaderCanonical(
			trailer,
			grpcHeaderMessage,
			percentEncode(fmt.Sprintf("marshal protobuf status: %v", marshalErr)),
		)
		return
	}
	setHeaderCanonical(trailer, grpcHeaderDetails, EncodeBinaryHeader(bin))
}

// grpcErrorFromTrailer reconstructs an RPC's result from the gRPC trailer
// keys. A nil return means the server reported success. Out-of-range status
// codes fall back to CodeUnknown, with the raw value reported through the
// OnUnknownCode hook.
func grpcErrorFromTrailer(
	ctx context.Context,
	trailer http.Header,
	protobuf Codec,
	hooks *Hooks,
) *Error {
	codeHeader := getHeaderCanonical(trailer, grpcHeaderStatus)
	if codeHeader == "" {
		return errProtocol("gRPC protocol error: no Grpc-Status trailer")
	}
	if codeHeader == "0" {
		return nil
	}
	wireCode, err := strconv.ParseInt(codeHeader, 10, 64)
	if err != nil {
		return errProtocol("gRPC protocol error: invalid status %q", codeHeader)
	}
	code := Code(wireCode)
	if code < CodeCanceled || code > CodeUnauthenticated {
		hooks.onUnknownCode(ctx, codeHeader)
		code = CodeUnknown
	}
	message := percentDecode(getHeaderCanonical(trailer, grpcHeaderMessage))
	retErr := NewWireError(code, errors.New(message))

	if detailsEncoded := getHeaderCanonical(trailer, grpcHeaderDetails); detailsEncoded != "" {
		detailsBinary, err := DecodeBinaryHeader(detailsEncoded)
		if err != nil {
			return errProtocol("gRPC protocol error: invalid status details trailer: %w", err)
		}
		var status statuspb.Status
		if err := protobuf.Unmarshal(detailsBinary, &status); err != nil {
			return errDecode("unmarshal gRPC status: %w", err)
		}
		// The binary status is authoritative when present.
		detailCode := Code(status.GetCode())
		if detailCode < CodeCanceled || detailCode > CodeUnauthenticated {
			hooks.onUnknownCode(ctx, strconv.Itoa(int(status.GetCode())))
			detailCode = CodeUnknown
		}
		retErr = NewWireError(detailCode, errors.New(status.GetMessage()))
		for _, detail := range status.GetDetails() {
			retErr.details = append(retErr.details, &ErrorDetail{pbAny: detail})
		}
	}
	mergeHeaders(retErr.Meta(), trailer)
	return retErr
}
