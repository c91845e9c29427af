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
	"net"
	"sync"

	"github.com/valyala/bytebufferpool"
)

// StreamBridge is the per-stream object of §3/§4.3: a pair of pipes, two
// single-slot header queues and the worker task that translates the
// bridged bytes into an HTTP/1-shaped request/response exchange.
type StreamBridge struct {
	streamID uint32
	session  *Session

	clientToServer *pipe // demux (client DATA) -> worker reads request body
	serverToClient *pipe // demux (server DATA) -> worker reads response body

	clientHeaders chan HeaderList // single-slot: populated once
	serverHeaders chan HeaderList // single-slot: populated once

	clientSink *flushSink // worker writes -> DATA frames toward client
	serverSink *flushSink // worker writes -> DATA frames toward server

	closeOnce sync.Once
	done      chan struct{}
}

func newStreamBridge(session *Session, streamID uint32) *StreamBridge {
	b := &StreamBridge{
		streamID:       streamID,
		session:        session,
		clientToServer: newPipe(),
		serverToClient: newPipe(),
		clientHeaders:  make(chan HeaderList, 1),
		serverHeaders:  make(chan HeaderList, 1),
		done:           make(chan struct{}),
	}
	// clientSink is the write half of the client-side pseudo-connection:
	// it streams bytes toward the real downstream client (response body).
	b.clientSink = &flushSink{buf: bytebufferpool.Get(), send: func(p []byte, end bool) error {
		return session.client.SendData(p, streamID, end)
	}}
	// serverSink is the write half of the server-side pseudo-connection:
	// it streams bytes toward the real upstream server (request body).
	b.serverSink = &flushSink{buf: bytebufferpool.Get(), send: func(p []byte, end bool) error {
		return session.server.SendData(p, streamID, end)
	}}
	return b
}

// pushClientHeaders implements §4.3 step 4 (single write, per invariant).
func (b *StreamBridge) pushClientHeaders(h HeaderList, endStream bool) {
	b.clientHeaders <- h
	if endStream {
		b.clientToServer.CloseWrite()
	}
}

// pushServerHeaders implements §4.4.
func (b *StreamBridge) pushServerHeaders(h HeaderList, endStream bool) {
	b.serverHeaders <- h
	if endStream {
		b.serverToClient.CloseWrite()
	}
}

// forwardClientData implements the client-origin half of §4.5.
func (b *StreamBridge) forwardClientData(payload []byte, endStream bool) error {
	if len(payload) > 0 {
		if _, err := b.clientToServer.Write(payload); err != nil {
			return wrapKindError(TransportIO, err, "forward client data stream=%d", b.streamID)
		}
	}
	if endStream {
		b.clientToServer.CloseWrite()
	}
	return nil
}

// forwardServerData implements the server-origin half of §4.5.
func (b *StreamBridge) forwardServerData(payload []byte, endStream bool) error {
	if len(payload) > 0 {
		if _, err := b.serverToClient.Write(payload); err != nil {
			return wrapKindError(TransportIO, err, "forward server data stream=%d", b.streamID)
		}
	}
	if endStream {
		b.serverToClient.CloseWrite()
	}
	return nil
}

// abort tears down both pipes with err, unblocking a worker stuck on a
// Read, as part of connection-level teardown (§5 cancellation).
func (b *StreamBridge) abort(err error) {
	b.clientToServer.abort(err)
	b.serverToClient.abort(err)
}

// markDone signals that the worker has completed its one request/response
// cycle, per §4.6 "every stream is closed after one cycle" and the §9
// stream-cleanup note.
func (b *StreamBridge) markDone() {
	b.closeOnce.Do(func() { close(b.done) })
}

// flushSink is the writable half of the §4.7 pseudo-connection shim: it
// buffers bytes between Flush calls so one logical Write call (or a
// handful of them) collapses into one DATA frame, modulo max-frame-size
// fragmentation performed inside SendData.
type flushSink struct {
	mu   sync.Mutex
	buf  *bytebufferpool.ByteBuffer
	send func(payload []byte, endStream bool) error
}

func (s *flushSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

// Flush emits the buffered bytes as one DATA frame with END_STREAM=false,
// per §4.6 "each flush produces one DATA frame with END_STREAM=false".
func (s *flushSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf.Len() == 0 {
		return nil
	}
	payload := append([]byte(nil), s.buf.Bytes()...)
	s.buf.Reset()
	return s.send(payload, false)
}

// FinalFlush emits whatever remains buffered as the terminal DATA frame
// with END_STREAM=true, the worker's "explicit body-send path".
func (s *flushSink) FinalFlush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload := append([]byte(nil), s.buf.Bytes()...)
	s.buf.Reset()
	return s.send(payload, true)
}

func (s *flushSink) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	bytebufferpool.Put(s.buf)
}

// pseudoConn is the read/write view over one direction of a StreamBridge
// exposed to the stream worker's HTTP/1-shaped translation, per §4.7.
type pseudoConn struct {
	reader         *pipe
	sink           *flushSink
	realAddr       net.Addr
	tlsEstablished bool
}

func (c *pseudoConn) Read(p []byte) (int, error)  { return c.reader.Read(p) }
func (c *pseudoConn) Write(p []byte) (int, error) { return c.sink.Write(p) }
func (c *pseudoConn) Flush() error                { return c.sink.Flush() }
func (c *pseudoConn) Address() net.Addr           { return c.realAddr }
func (c *pseudoConn) TLSEstablished() bool        { return c.tlsEstablished }

func (b *StreamBridge) clientSideConn() *pseudoConn {
	return &pseudoConn{
		reader:         b.clientToServer,
		sink:           b.clientSink,
		realAddr:       b.session.client.conn.RemoteAddr(),
		tlsEstablished: b.session.clientTLS,
	}
}

func (b *StreamBridge) serverSideConn() *pseudoConn {
	return &pseudoConn{
		reader:         b.serverToClient,
		sink:           b.serverSink,
		realAddr:       b.session.server.conn.RemoteAddr(),
		tlsEstablished: b.session.serverTLS,
	}
}
