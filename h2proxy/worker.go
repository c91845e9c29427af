// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package h2proxy

import (
	"io"
	"net"
	"strconv"
	"time"

	"github.com/packetd/h2mitm/internal/rescue"
	"github.com/packetd/h2mitm/logger"
)

// Request is the HTTP/1-shaped request object handed to the inspection
// layer: method, scheme, empty host and port, path, authority, headers
// and body. It carries no request-form or protocol-version field.
type Request struct {
	CorrelationID string
	StreamID      uint32
	Method        string
	Scheme        string
	Host          string // left empty; authority resolution is out of scope
	Port          string // left empty
	Path          string
	Authority     string
	Header        HeaderList
	Body          []byte
	ClientAddr    net.Addr
	Time          time.Time
}

// Response is the synthetic HTTP/1.1-shaped response object: status,
// headers and body. It carries no protocol-version or reason-phrase field.
type Response struct {
	StreamID uint32
	Status   int
	Header   HeaderList
	Body     []byte
	Time     time.Time
}

// Inspector is the "HttpLayer" external collaborator of §1's non-goals:
// the proxy core hands it a translated Request and expects a Response
// back. It is the seam the higher inspection/scripting pipeline plugs
// into; this package supplies only PassthroughInspector so the
// translation contract in §4.6 is exercisable end to end.
type Inspector interface {
	Inspect(req *Request) (*Response, error)
}

// PassthroughInspector forwards the request to the real upstream server
// untouched and returns its response untouched: the minimal Inspector
// that makes the bridge observable without a real inspection pipeline.
type PassthroughInspector struct{}

func (PassthroughInspector) Inspect(req *Request) (*Response, error) {
	return nil, nil // signals "use the default forward", see runWorker
}

// runWorker is the StreamBridge's worker task (§4.6): it reads the
// client-origin request off the bridge, forwards it verbatim to the
// server endpoint, then hands it to the configured Inspector and writes
// the Inspector's response (or, when it returns none, the upstream
// server's response) back onto the client endpoint. Every stream is
// closed after exactly one cycle.
func (b *StreamBridge) runWorker() {
	defer rescue.HandleCrash()
	defer b.markDone()
	defer b.clientSink.release()
	defer b.serverSink.release()
	defer streamsActive.Dec()

	start := time.Now()

	req, err := b.readRequest()
	if err != nil {
		logger.Warnf("h2proxy: stream=%d read_request failed: %v", b.streamID, err)
		streamErrors.WithLabelValues(string(kindOf(err))).Inc()
		return
	}

	if err := b.sendRequest(req); err != nil {
		logger.Warnf("h2proxy: stream=%d send_request failed: %v", b.streamID, err)
		streamErrors.WithLabelValues(string(kindOf(err))).Inc()
		return
	}

	var rsp *Response
	if b.session.inspector != nil {
		rsp, err = b.session.inspector.Inspect(req)
		if err != nil {
			logger.Warnf("h2proxy: stream=%d inspector failed: %v", b.streamID, err)
			streamErrors.WithLabelValues(string(TransportIO)).Inc()
			return
		}
	}
	if rsp == nil {
		rsp, err = b.readResponse(req)
		if err != nil {
			logger.Warnf("h2proxy: stream=%d read_response failed: %v", b.streamID, err)
			streamErrors.WithLabelValues(string(kindOf(err))).Inc()
			return
		}
	}

	if err := b.sendResponse(rsp); err != nil {
		logger.Warnf("h2proxy: stream=%d send_response failed: %v", b.streamID, err)
		streamErrors.WithLabelValues(string(kindOf(err))).Inc()
		return
	}

	streamDuration.Observe(time.Since(start).Seconds())
}

func kindOf(err error) Kind {
	var e *Error
	if as, ok := err.(*Error); ok {
		e = as
	}
	if e == nil {
		return TransportIO
	}
	return e.Kind
}

// readRequest implements §4.6 read_request.
func (b *StreamBridge) readRequest() (*Request, error) {
	headers := <-b.clientHeaders

	method, ok := headers.Get(":method")
	if !ok {
		return nil, newKindError(MalformedRequest, "missing :method")
	}
	if method == "CONNECT" {
		return nil, newKindError(Unsupported, "CONNECT is not supported")
	}
	scheme, ok := headers.Get(":scheme")
	if !ok {
		return nil, newKindError(MalformedRequest, "missing :scheme")
	}
	path, ok := headers.Get(":path")
	if !ok {
		return nil, newKindError(MalformedRequest, "missing :path")
	}
	authority, _ := headers.Get(":authority")

	conn := b.clientSideConn()
	body, err := readHTTPBody(conn.reader, headers, b.session.config.BodySizeLimit)
	if err != nil {
		return nil, wrapKindError(MalformedRequest, err, "read request body stream=%d", b.streamID)
	}

	return &Request{
		CorrelationID: b.session.id,
		StreamID:      b.streamID,
		Method:        method,
		Scheme:        scheme,
		Path:          path,
		Authority:     authority,
		Header:        headers,
		Body:          body,
		ClientAddr:    conn.Address(),
		Time:          time.Now(),
	}, nil
}

// sendRequest implements §4.6 send_request.
func (b *StreamBridge) sendRequest(req *Request) error {
	if err := b.session.server.SendHeaders(req.Header, b.streamID, len(req.Body) == 0); err != nil {
		return err
	}
	if len(req.Body) > 0 {
		if err := b.session.server.SendData(req.Body, b.streamID, true); err != nil {
			return err
		}
	}
	return nil
}

// readResponse implements §4.6 read_response_headers + read_response_body.
func (b *StreamBridge) readResponse(req *Request) (*Response, error) {
	var headers HeaderList
	select {
	case headers = <-b.serverHeaders:
	case <-b.session.ctx.Done():
		return nil, newKindError(TransportIO, "session closed before response headers stream=%d", b.streamID)
	}

	statusStr, ok := headers.Get(":status")
	if !ok {
		return nil, newKindError(MalformedResponse, "missing :status")
	}
	status, err := strconv.Atoi(statusStr)
	if err != nil {
		return nil, wrapKindError(MalformedResponse, err, "invalid :status %q", statusStr)
	}

	conn := b.serverSideConn()
	body, err := readHTTPBody(conn.reader, headers, b.session.config.BodySizeLimit)
	if err != nil {
		return nil, wrapKindError(MalformedResponse, err, "read response body stream=%d", b.streamID)
	}

	return &Response{
		StreamID: b.streamID,
		Status:   status,
		Header:   headers,
		Body:     body,
		Time:     time.Now(),
	}, nil
}

// sendResponse implements §4.6 send_response_headers + send_response_body.
func (b *StreamBridge) sendResponse(rsp *Response) error {
	if err := b.session.client.SendHeaders(rsp.Header, b.streamID, len(rsp.Body) == 0); err != nil {
		return err
	}
	if len(rsp.Body) > 0 {
		if err := b.session.client.SendData(rsp.Body, b.streamID, true); err != nil {
			return err
		}
	}
	return nil
}

// readHTTPBody is the thin wrapper around the "external HTTP/1 body
// parser" non-goal: when content-length is present it reads exactly
// that many bytes (bounded by limit); otherwise it reads until EOF
// (the pipe's own END_STREAM-triggered close), which HTTP/2 framing
// already delineates precisely.
func readHTTPBody(r io.Reader, headers HeaderList, limit int64) ([]byte, error) {
	if cl, ok := headers.Get("content-length"); ok {
		n, err := strconv.ParseInt(cl, 10, 64)
		if err != nil {
			return nil, err
		}
		if limit > 0 && n > limit {
			return nil, newError("content-length %d exceeds body size limit %d", n, limit)
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		return buf, nil
	}

	if limit > 0 {
		body, err := io.ReadAll(io.LimitReader(r, limit+1))
		if err != nil {
			return nil, err
		}
		if int64(len(body)) > limit {
			return nil, newError("body exceeds body size limit %d", limit)
		}
		return body, nil
	}
	return io.ReadAll(r)
}
