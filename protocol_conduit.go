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
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	headerContentEncoding       = "Content-Encoding"
	headerAcceptEncoding        = "Accept-Encoding"
	conduitUnaryTrailerPrefix   = "Trailer-"
	conduitStreamingContentType = "application/conduit+"
)

// protocolConduit implements the Conduit protocol: unframed request-response
// bodies for unary RPCs, enveloped streams terminated by an end-of-stream
// frame for everything else.
type protocolConduit struct{}

var _ protocol = (*protocolConduit)(nil)

func (*protocolConduit) NewHandler(params *protocolHandlerParams) protocolHandler {
	contentTypes := make([]string, 0, len(params.Codecs.Names()))
	for _, name := range params.Codecs.Names() {
		if params.Spec.StreamType == StreamTypeUnary {
			contentTypes = append(contentTypes, "application/"+name)
			continue
		}
		contentTypes = append(contentTypes, conduitStreamingContentType+name)
	}
	return &conduitHandler{
		params: params,
		accept: strings.Join(contentTypes, ", "),
	}
}

func (*protocolConduit) NewClient(params *protocolClientParams) (protocolClient, error) {
	procedureURL, err := url.ParseRequestURI(params.URL)
	if err != nil {
		return nil, NewError(CodeUnavailable, err)
	}
	return &conduitClient{
		params: params,
		url:    procedureURL,
	}, nil
}

type conduitHandler struct {
	params *protocolHandlerParams
	accept string
}

var _ protocolHandler = (*conduitHandler)(nil)

func (h *conduitHandler) ShouldHandleMethod(method string) bool {
	return method == http.MethodPost
}

func (h *conduitHandler) ShouldHandleContentType(contentType string) bool {
	class := classify(contentType)
	if class == classifyUnknown {
		return false
	}
	if h.params.Codecs.Get(class.Codec()) == nil {
		return false
	}
	if h.params.Spec.StreamType == StreamTypeUnary {
		return !class.Framed()
	}
	return class.Framed()
}

func (h *conduitHandler) WriteAccept(header http.Header) {
	header.Add("Allow", http.MethodPost)
	header.Add("Accept-Post", h.accept)
}

func (h *conduitHandler) NewStream(
	responseWriter http.ResponseWriter,
	request *http.Request,
) (Sender, Receiver, error) {
	class := classify(getHeaderCanonical(request.Header, headerContentType))
	codec := h.params.Codecs.Get(class.Codec())

	var requestCompressionHeader, acceptCompressionHeader string
	if class.Framed() {
		requestCompressionHeader = conduitHeaderCompression
		acceptCompressionHeader = conduitHeaderAcceptCompression
	} else {
		requestCompressionHeader = headerContentEncoding
		acceptCompressionHeader = headerAcceptEncoding
	}
	requestCompression, responseCompression, failed := negotiateCompression(
		h.params.CompressionPools,
		getHeaderCanonical(request.Header, requestCompressionHeader),
		getHeaderCanonical(request.Header, acceptCompressionHeader),
	)
	if failed != nil {
		requestCompression = compressionIdentity
		responseCompression = compressionIdentity
	}

	// The negotiated response compression and the supported algorithms go out
	// even on failure, so clients can retry with something we understand.
	header := responseWriter.Header()
	setHeaderCanonical(header, headerContentType, class.ResponseContentType())
	setHeaderCanonical(header, acceptCompressionHeader, h.params.CompressionPools.CommaSeparatedNames())
	if class.Framed() && responseCompression != compressionIdentity {
		setHeaderCanonical(header, requestCompressionHeader, responseCompression)
	}

	timeout, timeoutErr := parseConduitTimeout(
		getHeaderCanonical(request.Header, conduitHeaderTimeout),
	)
	if timeoutErr != nil && failed == nil {
		failed = timeoutErr
	}
	ctx := request.Context()
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	if class.Framed() {
		sender := &conduitStreamingHandlerSender{
			spec:   h.params.Spec,
			writer: responseWriter,
			encoder: newStreamEncoder(
				ctx,
				responseWriter,
				codec,
				h.params.CompressionPools.Get(responseCompression),
				h.params.Compression,
				h.params.BufferPool,
				h.params.SendMaxBytes,
				h.params.Hooks,
			),
			trailer: make(http.Header),
			cancel:  cancel,
		}
		receiver := &conduitStreamingHandlerReceiver{
			spec:    h.params.Spec,
			request: request,
			decoder: newStreamDecoder(
				ctx,
				request.Body,
				codec,
				h.params.CompressionPools.Get(requestCompression),
				h.params.BufferPool,
				h.params.ReadMaxBytes,
				h.params.Hooks,
				false, // request streams end with the body
			),
		}
		if failed != nil {
			return sender, receiver, failed
		}
		return sender, receiver, nil
	}

	sender := &conduitUnaryHandlerSender{
		spec:   h.params.Spec,
		class:  class,
		writer: responseWriter,
		marshaler: conduitUnaryMarshaler{
			writer:          responseWriter,
			codec:           codec,
			compressionPool: h.params.CompressionPools.Get(responseCompression),
			compressionName: responseCompression,
			compression:     h.params.Compression,
			bufferPool:      h.params.BufferPool,
			sendMaxBytes:    h.params.SendMaxBytes,
			header:          header,
		},
		trailer: make(http.Header),
		cancel:  cancel,
	}
	receiver := &conduitUnaryHandlerReceiver{
		spec:    h.params.Spec,
		request: request,
		unmarshaler: conduitUnaryUnmarshaler{
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

// conduitUnaryMarshaler writes a single unframed message body.
type conduitUnaryMarshaler struct {
	writer          io.Writer
	codec           Codec
	compressionPool *compressionPool
	compressionName string
	compression     CompressionConfig
	bufferPool      *bufferPool
	sendMaxBytes    int
	header          http.Header
}

func (m *conduitUnaryMarshaler) Marshal(message any) error {
	buffer := m.bufferPool.Get()
	defer m.bufferPool.Put(buffer)
	data, err := m.codec.Marshal(message)
	if err != nil {
		return errEncode("marshal message: %w", err)
	}
	buffer.Write(data)

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
		if m.header != nil {
			setHeaderCanonical(m.header, headerContentEncoding, m.compressionName)
		}
		payload = compressed
	}
	if m.sendMaxBytes > 0 && payload.Len() > m.sendMaxBytes {
		return errorf(
			CodeResourceExhausted,
			"message size %d exceeds sendMaxBytes %d",
			payload.Len(), m.sendMaxBytes,
		)
	}
	if _, err := payload.WriteTo(m.writer); err != nil {
		if wrapped, ok := asError(wrapIfContextError(err)); ok {
			return wrapped
		}
		return errTransport("write message: %w", err)
	}
	return nil
}

// conduitUnaryUnmarshaler reads a single unframed message body.
type conduitUnaryUnmarshaler struct {
	reader          io.Reader
	codec           Codec
	compressionPool *compressionPool
	bufferPool      *bufferPool
	readMaxBytes    int
	alreadyRead     bool
}

func (u *conduitUnaryUnmarshaler) Unmarshal(message any) error {
	if u.alreadyRead {
		return NewError(CodeInternal, io.EOF)
	}
	u.alreadyRead = true
	buffer := u.bufferPool.Get()
	defer u.bufferPool.Put(buffer)

	reader := u.reader
	if u.readMaxBytes > 0 {
		reader = io.LimitReader(u.reader, int64(u.readMaxBytes)+1)
	}
	bytesRead, err := buffer.ReadFrom(reader)
	if err != nil {
		if wrapped, ok := asError(wrapIfContextError(err)); ok {
			return wrapped
		}
		return errTransport("read message: %w", err)
	}
	if u.readMaxBytes > 0 && bytesRead > int64(u.readMaxBytes) {
		// Drain the remainder so the connection stays reusable.
		discarded, discardErr := io.Copy(io.Discard, u.reader)
		if discardErr != nil {
			return errorf(
				CodeResourceExhausted,
				"message is larger than configured max %d - unable to determine message size: %v",
				u.readMaxBytes, discardErr,
			)
		}
		return errorf(
			CodeResourceExhausted,
			"message size %d is larger than configured max %d",
			bytesRead+discarded, u.readMaxBytes,
		)
	}

	payload := buffer
	if u.compressionPool != nil && buffer.Len() > 0 {
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

type conduitUnaryHandlerSender struct {
	spec       Spec
	class      classification
	writer     http.ResponseWriter
	marshaler  conduitUnaryMarshaler
	trailer    http.Header
	wroteBody  bool
	closedWith error
	cancel     context.CancelFunc
}

var _ Sender = (*conduitUnaryHandlerSender)(nil)

func (s *conduitUnaryHandlerSender) Spec() Spec {
	return s.spec
}

func (s *conduitUnaryHandlerSender) Header() http.Header {
	return s.writer.Header()
}

func (s *conduitUnaryHandlerSender) Trailer() http.Header {
	return s.trailer
}

func (s *conduitUnaryHandlerSender) Send(message any) error {
	s.writeTrailerAsHeaders()
	s.wroteBody = true
	return s.marshaler.Marshal(message)
}

func (s *conduitUnaryHandlerSender) Close(err error) error {
	defer s.cancel()
	if err == nil || s.closedWith != nil {
		return nil
	}
	s.closedWith = err
	if s.wroteBody {
		// The body and status are already on the wire; there's no way to
		// surface the error in-band for a unary RPC.
		return err
	}
	s.writeTrailerAsHeaders()
	return writeUnaryError(s.writer, s.class, err)
}

func (s *conduitUnaryHandlerSender) writeTrailerAsHeaders() {
	// Unary responses carry no terminal frame: trailers are promoted to
	// prefixed headers instead.
	header := s.writer.Header()
	for key, values := range s.trailer {
		for _, value := range values {
			header.Add(conduitUnaryTrailerPrefix+key, value)
		}
	}
}

type conduitUnaryHandlerReceiver struct {
	spec        Spec
	request     *http.Request
	unmarshaler conduitUnaryUnmarshaler
}

var _ Receiver = (*conduitUnaryHandlerReceiver)(nil)

func (r *conduitUnaryHandlerReceiver) Spec() Spec {
	return r.spec
}

func (r *conduitUnaryHandlerReceiver) Header() http.Header {
	return r.request.Header
}

func (r *conduitUnaryHandlerReceiver) Trailer() http.Header {
	return nil
}

func (r *conduitUnaryHandlerReceiver) Receive(message any) error {
	return r.unmarshaler.Unmarshal(message)
}

func (r *conduitUnaryHandlerReceiver) Close() error {
	if _, err := io.Copy(io.Discard, r.request.Body); err != nil {
		_ = r.request.Body.Close()
		return errTransport("discard request body: %w", err)
	}
	if err := r.request.Body.Close(); err != nil {
		return errTransport("close request body: %w", err)
	}
	return nil
}

type conduitStreamingHandlerSender struct {
	spec       Spec
	writer     http.ResponseWriter
	encoder    *streamEncoder
	trailer    http.Header
	closedOnce bool
	cancel     context.CancelFunc
}

var _ Sender = (*conduitStreamingHandlerSender)(nil)

func (s *conduitStreamingHandlerSender) Spec() Spec {
	return s.spec
}

func (s *conduitStreamingHandlerSender) Header() http.Header {
	return s.writer.Header()
}

func (s *conduitStreamingHandlerSender) Trailer() http.Header {
	return s.trailer
}

func (s *conduitStreamingHandlerSender) Send(message any) error {
	if err := s.encoder.Send(message); err != nil {
		return err
	}
	if flusher, ok := s.writer.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}

func (s *conduitStreamingHandlerSender) Close(err error) error {
	defer s.cancel()
	if s.closedOnce {
		return nil
	}
	s.closedOnce = true
	closeErr := s.encoder.Close(s.trailer, err)
	if flusher, ok := s.writer.(http.Flusher); ok {
		flusher.Flush()
	}
	return closeErr
}

type conduitStreamingHandlerReceiver struct {
	spec    Spec
	request *http.Request
	decoder *streamDecoder
}

var _ Receiver = (*conduitStreamingHandlerReceiver)(nil)

func (r *conduitStreamingHandlerReceiver) Spec() Spec {
	return r.spec
}

func (r *conduitStreamingHandlerReceiver) Header() http.Header {
	return r.request.Header
}

func (r *conduitStreamingHandlerReceiver) Trailer() http.Header {
	trailer, ok := r.decoder.Trailer()
	if !ok {
		return nil
	}
	return trailer
}

func (r *conduitStreamingHandlerReceiver) Receive(message any) error {
	return r.decoder.Receive(message)
}

func (r *conduitStreamingHandlerReceiver) Close() error {
	if _, err := io.Copy(io.Discard, r.request.Body); err != nil {
		_ = r.request.Body.Close()
		return errTransport("discard request body: %w", err)
	}
	if err := r.request.Body.Close(); err != nil {
		return errTransport("close request body: %w", err)
	}
	return nil
}

// writeUnaryError writes an RPC error as a unary HTTP response. The body is
// always JSON, regardless of the codec in use, and the HTTP status comes
// from the error's code. Error metadata is merged into the response headers.
func writeUnaryError(responseWriter http.ResponseWriter, class classification, err error) error {
	conduitErr, ok := asError(wrapIfUncoded(wrapIfContextError(err)))
	if !ok {
		conduitErr = NewError(CodeUnknown, err)
	}
	header := responseWriter.Header()
	delHeaderCanonical(header, headerContentEncoding)
	setHeaderCanonical(header, headerContentType, class.ErrorContentType())
	mergeHeaders(header, conduitErr.meta)
	data, marshalErr := json.Marshal(newWireError(conduitErr))
	if marshalErr != nil {
		responseWriter.WriteHeader(http.StatusInternalServerError)
		return errEncode("marshal error: %w", marshalErr)
	}
	responseWriter.WriteHeader(codeToHTTP(conduitErr.Code()))
	if _, writeErr := responseWriter.Write(data); writeErr != nil {
		return errTransport("write error: %w", writeErr)
	}
	return nil
}

type conduitClient struct {
	params *protocolClientParams
	url    *url.URL
}

var _ protocolClient = (*conduitClient)(nil)

func (c *conduitClient) WriteRequestHeader(header http.Header) {
	// We know these header keys are in canonical form, so we can bypass all
	// the checks in Header.Set.
	header[headerUserAgent] = []string{defaultUserAgent}
	if c.params.Spec.StreamType == StreamTypeUnary {
		header[headerContentType] = []string{"application/" + c.params.Codec.Name()}
		if c.params.CompressionName != "" && c.params.CompressionName != compressionIdentity {
			header[headerContentEncoding] = []string{c.params.CompressionName}
		}
		header[headerAcceptEncoding] = []string{c.params.CompressionPools.CommaSeparatedNames()}
		return
	}
	header[headerContentType] = []string{conduitStreamingContentType + c.params.Codec.Name()}
	if c.params.CompressionName != "" && c.params.CompressionName != compressionIdentity {
		header[conduitHeaderCompression] = []string{c.params.CompressionName}
	}
	header[conduitHeaderAcceptCompression] = []string{c.params.CompressionPools.CommaSeparatedNames()}
}

func (c *conduitClient) NewStream(ctx context.Context, header http.Header) (Sender, Receiver) {
	if timeout, ok := encodeConduitTimeout(ctx); ok {
		header[conduitHeaderTimeout] = []string{timeout}
	}
	call := newDuplexHTTPCall(ctx, c.params.Doer, c.url, c.params.Spec, c.params.Hooks, header)
	if c.params.Spec.StreamType == StreamTypeUnary {
		unarySender := &conduitUnaryClientSender{
			spec: c.params.Spec,
			call: call,
			marshaler: conduitUnaryMarshaler{
				writer:          call,
				codec:           c.params.Codec,
				compressionPool: c.params.CompressionPools.Get(c.params.CompressionName),
				compressionName: c.params.CompressionName,
				compression:     c.params.Compression,
				bufferPool:      c.params.BufferPool,
				sendMaxBytes:    c.params.SendMaxBytes,
				header:          nil, // Content-Encoding is set up front
			},
		}
		unaryReceiver := &conduitUnaryClientReceiver{
			spec:   c.params.Spec,
			call:   call,
			params: c.params,
		}
		call.setValidateResponse(unaryReceiver.validate)
		return unarySender, unaryReceiver
	}
	streamSender := &conduitStreamingClientSender{
		spec: c.params.Spec,
		call: call,
		encoder: newStreamEncoder(
			ctx,
			call,
			c.params.Codec,
			c.params.CompressionPools.Get(c.params.CompressionName),
			c.params.Compression,
			c.params.BufferPool,
			c.params.SendMaxBytes,
			c.params.Hooks,
		),
	}
	streamReceiver := &conduitStreamingClientReceiver{
		spec: c.params.Spec,
		call: call,
		decoder: newStreamDecoder(
			ctx,
			call,
			c.params.Codec,
			nil, // replaced after response headers arrive
			c.params.BufferPool,
			c.params.ReadMaxBytes,
			c.params.Hooks,
			true, // response streams must end with a terminal frame
		),
		params: c.params,
	}
	call.setValidateResponse(streamReceiver.validate)
	return streamSender, streamReceiver
}

type conduitUnaryClientSender struct {
	spec      Spec
	call      *duplexHTTPCall
	marshaler conduitUnaryMarshaler
}

var _ Sender = (*conduitUnaryClientSender)(nil)

func (s *conduitUnaryClientSender) Spec() Spec {
	return s.spec
}

func (s *conduitUnaryClientSender) Header() http.Header {
	return s.call.Header()
}

func (s *conduitUnaryClientSender) Trailer() http.Header {
	return nil
}

func (s *conduitUnaryClientSender) Send(message any) error {
	return s.marshaler.Marshal(message)
}

func (s *conduitUnaryClientSender) Close(_ error) error {
	return s.call.CloseWrite()
}

type conduitUnaryClientReceiver struct {
	spec        Spec
	call        *duplexHTTPCall
	params      *protocolClientParams
	unmarshaler *conduitUnaryUnmarshaler
	header      http.Header
	trailer     http.Header
}

var _ Receiver = (*conduitUnaryClientReceiver)(nil)

func (r *conduitUnaryClientReceiver) Spec() Spec {
	return r.spec
}

func (r *conduitUnaryClientReceiver) Header() http.Header {
	r.call.waitResponse()
	return r.header
}

func (r *conduitUnaryClientReceiver) Trailer() http.Header {
	r.call.waitResponse()
	return r.trailer
}

func (r *conduitUnaryClientReceiver) Receive(message any) error {
	r.call.waitResponse()
	if r.unmarshaler == nil {
		if err := r.call.aborted(); err != nil {
			return err
		}
		return errTransport("response not ready")
	}
	return r.unmarshaler.Unmarshal(message)
}

func (r *conduitUnaryClientReceiver) Close() error {
	return r.call.CloseRead()
}

// validate runs when the response headers arrive: it checks the HTTP status,
// demotes prefixed trailers, and - on failure - parses the JSON error body.
func (r *conduitUnaryClientReceiver) validate(response *http.Response) *Error {
	r.header = make(http.Header, len(response.Header))
	r.trailer = make(http.Header)
	for key, values := range response.Header {
		if strings.HasPrefix(key, conduitUnaryTrailerPrefix) {
			r.trailer[strings.TrimPrefix(key, conduitUnaryTrailerPrefix)] = values
			continue
		}
		r.header[key] = values
	}
	compression := getHeaderCanonical(response.Header, headerContentEncoding)
	if compression != "" &&
		compression != compressionIdentity &&
		!r.params.CompressionPools.Contains(compression) {
		return errorf(
			CodeInternal,
			"unknown encoding %q: accepted encodings are %v",
			compression, r.params.CompressionPools.CommaSeparatedNames(),
		)
	}
	if response.StatusCode != http.StatusOK {
		return unmarshalUnaryError(response, httpToCode(response.StatusCode))
	}
	r.unmarshaler = &conduitUnaryUnmarshaler{
		reader:          response.Body,
		codec:           r.params.Codec,
		compressionPool: r.params.CompressionPools.Get(compression),
		bufferPool:      r.params.BufferPool,
		readMaxBytes:    r.params.ReadMaxBytes,
	}
	return nil
}

// unmarshalUnaryError parses a unary error body. The body is JSON regardless
// of the request codec; if it doesn't parse, the HTTP status code supplies
// the error code.
func unmarshalUnaryError(response *http.Response, fallback Code) *Error {
	defer response.Body.Close()
	data, err := io.ReadAll(io.LimitReader(response.Body, 16*1024))
	if err != nil {
		return errTransport("read error body: %w", err)
	}
	var wire wireError
	if err := json.Unmarshal(data, &wire); err != nil {
		return NewError(fallback, errors.New(string(bytes.TrimSpace(data))))
	}
	parsed := wire.asError()
	mergeHeaders(parsed.Meta(), response.Header)
	return parsed
}

type conduitStreamingClientSender struct {
	spec    Spec
	call    *duplexHTTPCall
	encoder *streamEncoder
}

var _ Sender = (*conduitStreamingClientSender)(nil)

func (s *conduitStreamingClientSender) Spec() Spec {
	return s.spec
}

func (s *conduitStreamingClientSender) Header() http.Header {
	return s.call.Header()
}

func (s *conduitStreamingClientSender) Trailer() http.Header {
	return nil
}

func (s *conduitStreamingClientSender) Send(message any) error {
	return s.encoder.Send(message)
}

func (s *conduitStreamingClientSender) Close(_ error) error {
	// Request streams have no terminal frame: closing the body ends them.
	return s.call.CloseWrite()
}

type conduitStreamingClientReceiver struct {
	spec    Spec
	call    *duplexHTTPCall
	decoder *streamDecoder
	params  *protocolClientParams
}

var _ Receiver = (*conduitStreamingClientReceiver)(nil)

func (r *conduitStreamingClientReceiver) Spec() Spec {
	return r.spec
}

func (r *conduitStreamingClientReceiver) Header() http.Header {
	return r.call.ResponseHeader()
}

func (r *conduitStreamingClientReceiver) Trailer() http.Header {
	trailer, ok := r.decoder.Trailer()
	if !ok {
		return nil
	}
	return trailer
}

func (r *conduitStreamingClientReceiver) Receive(message any) error {
	r.call.waitResponse()
	return r.decoder.Receive(message)
}

func (r *conduitStreamingClientReceiver) Close() error {
	return r.call.CloseRead()
}

func (r *conduitStreamingClientReceiver) validate(response *http.Response) *Error {
	if response.StatusCode != http.StatusOK {
		// Streaming responses always use 200: failures travel in the terminal
		// frame. Anything else is an HTTP-level problem.
		return errorf(
			httpToCode(response.StatusCode),
			"HTTP status %v", response.Status,
		)
	}
	compression := getHeaderCanonical(response.Header, conduitHeaderCompression)
	if compression != "" && compression != compressionIdentity {
		if !r.params.CompressionPools.Contains(compression) {
			return errorf(
				CodeInternal,
				"unknown encoding %q: accepted encodings are %v",
				compression, r.params.CompressionPools.CommaSeparatedNames(),
			)
		}
		r.decoder.compressionPool = r.params.CompressionPools.Get(compression)
	}
	return nil
}
