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
	"sync"

	"github.com/valyala/bytebufferpool"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/packetd/h2mitm/logger"
)

// Role identifies which side of an HTTP/2 connection an endpoint plays.
type Role int

const (
	RoleClientFacing Role = iota
	RoleServerFacing
)

func (r Role) String() string {
	if r == RoleClientFacing {
		return "client"
	}
	return "server"
}

// preface is the mandatory client-originated connection preface.
const preface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// maxFramePayload bounds how large a single HEADERS/CONTINUATION/DATA
// frame payload we emit may be. 16384 is the HTTP/2 default and the
// value the peer is assumed to accept (peer SETTINGS are acknowledged
// but not applied, per §9).
const maxFramePayload = 16384

// initialWindow and MaxConcurrentStreams are the "yolo flow control"
// SETTINGS values the source advertises verbatim.
const (
	initialWindow         = 1<<31 - 1
	MaxConcurrentStreams  = 100
	windowUpdateIncrement = 1<<31 - 1<<16
)

// ConnectionEndpoint wraps one bidirectional transport, owning its own
// HPACK encoder/decoder, write serialization and header-run reassembly,
// per §3/§4.1.
type ConnectionEndpoint struct {
	role   Role
	id     string
	conn   net.Conn
	framer *http2.Framer

	writeMu sync.Mutex
	enc     *hpack.Encoder
	encBuf  *bytebufferpool.ByteBuffer

	dec       *hpack.Decoder
	decFields []hpack.HeaderField

	prefaceDone bool
}

// NewConnectionEndpoint constructs an endpoint over conn. The preface is
// not performed until PerformPreface is called.
func NewConnectionEndpoint(role Role, id string, conn net.Conn) *ConnectionEndpoint {
	e := &ConnectionEndpoint{
		role:   role,
		id:     id,
		conn:   conn,
		framer: http2.NewFramer(conn, conn),
		encBuf: bytebufferpool.Get(),
	}
	e.enc = hpack.NewEncoder(e.encBuf)
	e.dec = hpack.NewDecoder(4096, func(f hpack.HeaderField) {
		e.decFields = append(e.decFields, f)
	})
	e.framer.SetReuseFrames()
	return e
}

// HeaderField is a decoded (name, value) pair; pseudo-headers carry a
// leading colon in Name per §3.
type HeaderField = hpack.HeaderField

// HeaderList is an ordered sequence of HeaderField, as in §3.
type HeaderList []HeaderField

func (h HeaderList) Get(name string) (string, bool) {
	for _, f := range h {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

// PerformPreface implements §4.1 perform_preface.
func (e *ConnectionEndpoint) PerformPreface() error {
	if e.role == RoleClientFacing {
		buf := make([]byte, len(preface))
		if _, err := io.ReadFull(e.conn, buf); err != nil {
			return wrapKindError(BadPreface, err, "read client preface")
		}
		if string(buf) != preface {
			return wrapKindError(BadPreface, nil, "invalid client preface: %q", buf)
		}
	} else {
		if _, err := io.WriteString(e.conn, preface); err != nil {
			return wrapKindError(TransportIO, err, "write preface")
		}
	}

	settings := []http2.Setting{
		{ID: http2.SettingMaxConcurrentStreams, Val: MaxConcurrentStreams},
		{ID: http2.SettingInitialWindowSize, Val: initialWindow},
	}
	if e.role == RoleServerFacing {
		settings = append(settings, http2.Setting{ID: http2.SettingEnablePush, Val: 0})
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if err := e.framer.WriteSettings(settings...); err != nil {
		return wrapKindError(TransportIO, err, "write initial settings")
	}
	if err := e.framer.WriteWindowUpdate(0, windowUpdateIncrement); err != nil {
		return wrapKindError(TransportIO, err, "write initial window update")
	}
	e.prefaceDone = true
	logger.Infof("h2proxy: %s endpoint %s preface complete", e.role, e.id)
	return nil
}

// ReadFrame reads exactly one frame off the transport.
func (e *ConnectionEndpoint) ReadFrame() (http2.Frame, error) {
	f, err := e.framer.ReadFrame()
	if err != nil {
		// The Framer enforces frame ordering itself (e.g. a HEADERS run
		// interrupted by anything but a same-stream CONTINUATION) and
		// reports it as a ConnectionError.
		if _, ok := err.(http2.ConnectionError); ok {
			return nil, wrapKindError(ProtocolViolation, err, "%s endpoint read frame", e.role)
		}
		return nil, wrapKindError(TransportIO, err, "%s endpoint read frame", e.role)
	}
	return f, nil
}

// SendHeaders implements §4.1 send_headers: encode, split across
// HEADERS + CONTINUATION, write atomically under the write lock.
func (e *ConnectionEndpoint) SendHeaders(headers HeaderList, streamID uint32, endStream bool) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	e.encBuf.Reset()
	for _, f := range headers {
		if err := e.enc.WriteField(f); err != nil {
			return wrapKindError(HpackFailure, err, "encode header %q", f.Name)
		}
	}
	block := e.encBuf.Bytes()

	return e.sendFrameSequenceLocked(streamID, endStream, block)
}

// sendFrameSequenceLocked must be called with writeMu held.
func (e *ConnectionEndpoint) sendFrameSequenceLocked(streamID uint32, endStream bool, block []byte) error {
	first := block
	rest := []byte(nil)
	if len(first) > maxFramePayload {
		first, rest = block[:maxFramePayload], block[maxFramePayload:]
	} else {
		rest = nil
	}

	endHeaders := len(rest) == 0
	if err := e.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: first,
		EndStream:     endStream,
		EndHeaders:    endHeaders,
	}); err != nil {
		return wrapKindError(TransportIO, err, "write HEADERS stream=%d", streamID)
	}

	for len(rest) > 0 {
		chunk := rest
		if len(chunk) > maxFramePayload {
			chunk = rest[:maxFramePayload]
		}
		rest = rest[len(chunk):]
		if err := e.framer.WriteContinuation(streamID, len(rest) == 0, chunk); err != nil {
			return wrapKindError(TransportIO, err, "write CONTINUATION stream=%d", streamID)
		}
	}
	return nil
}

// SendData implements §4.1 send_data: split into DATA frames honoring
// maxFramePayload, each sent under its own write-lock acquisition (so
// DATA bursts from different streams may legally interleave).
func (e *ConnectionEndpoint) SendData(payload []byte, streamID uint32, endStream bool) error {
	if len(payload) == 0 {
		return e.writeDataFrame(streamID, endStream, nil)
	}
	for len(payload) > 0 {
		chunk := payload
		if len(chunk) > maxFramePayload {
			chunk = payload[:maxFramePayload]
		}
		payload = payload[len(chunk):]
		if err := e.writeDataFrame(streamID, endStream && len(payload) == 0, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (e *ConnectionEndpoint) writeDataFrame(streamID uint32, endStream bool, chunk []byte) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if err := e.framer.WriteData(streamID, endStream, chunk); err != nil {
		return wrapKindError(TransportIO, err, "write DATA stream=%d", streamID)
	}
	return nil
}

// SendSettingsAck implements the empty-SETTINGS-ACK reply of §4.2.
func (e *ConnectionEndpoint) SendSettingsAck() error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if err := e.framer.WriteSettingsAck(); err != nil {
		return wrapKindError(TransportIO, err, "write SETTINGS ack")
	}
	return nil
}

// ReadAndReassembleHeaders implements §4.1 read_and_reassemble_headers.
// first is the HEADERS frame that opens the run (callers pass the
// HeadersFrame they already read); CONTINUATION frames are read here.
func (e *ConnectionEndpoint) ReadAndReassembleHeaders(first *http2.HeadersFrame) (HeaderList, bool /* endStream */, error) {
	streamID := first.StreamID
	endStream := first.StreamEnded()

	var block []byte
	block = append(block, first.HeaderBlockFragment()...)
	endHeaders := first.HeadersEnded()

	for !endHeaders {
		f, err := e.ReadFrame()
		if err != nil {
			return nil, false, err
		}
		cf, ok := f.(*http2.ContinuationFrame)
		if !ok || cf.StreamID != streamID {
			return nil, false, wrapKindError(ProtocolViolation, nil,
				"expected CONTINUATION for stream=%d, got %T stream=%d", streamID, f, f.Header().StreamID)
		}
		block = append(block, cf.HeaderBlockFragment()...)
		endHeaders = cf.HeadersEnded()
	}

	e.decFields = e.decFields[:0]
	if _, err := e.dec.Write(block); err != nil {
		return nil, false, wrapKindError(HpackFailure, err, "decode header block stream=%d", streamID)
	}
	out := make(HeaderList, len(e.decFields))
	copy(out, e.decFields)
	return out, endStream, nil
}

// Close releases the endpoint's pooled encode buffer and underlying
// transport. Safe to call more than once.
func (e *ConnectionEndpoint) Close() error {
	if e.encBuf != nil {
		bytebufferpool.Put(e.encBuf)
		e.encBuf = nil
	}
	return e.conn.Close()
}
