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
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/net/http2"

	"github.com/packetd/h2mitm/internal/rescue"
	"github.com/packetd/h2mitm/logger"
)

// Session is the Http2Layer of §2/§3: one demultiplex/mux loop bridging
// exactly one downstream client connection to one upstream server
// connection.
type Session struct {
	id     string
	config Config

	client *ConnectionEndpoint
	server *ConnectionEndpoint

	clientTLS bool
	serverTLS bool

	inspector Inspector

	streamsMu sync.RWMutex
	streams   map[uint32]*StreamBridge

	events chan frameEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// frameKind discriminates the event variants readLoop can produce, once
// the http2.Frame that produced them has been picked apart into the
// plain fields below.
type frameKind int

const (
	frameKindHeaders frameKind = iota
	frameKindData
	frameKindSettings
	frameKindWindowUpdate
	frameKindUnknown
)

// frameEvent carries one already-read (and, for HEADERS runs, already
// reassembled) frame from a per-endpoint reader goroutine to the single
// dispatch loop. Every field is a plain value copied out of the
// http2.Frame inside readLoop, in the same call frame as the ReadFrame
// that produced it. golang.org/x/net/http2's Framer reuses its read
// buffer (DataFrame.Data()/HeadersFrame.HeaderBlockFragment() alias it,
// invalid after the next ReadFrame) and, with SetReuseFrames enabled
// (endpoint.go), recycles the *http2.Frame struct itself, so nothing
// here may retain a live http2.Frame past the readLoop iteration that
// produced it: dispatch runs in a different goroutine, arbitrarily
// later, behind a buffered channel.
type frameEvent struct {
	role      Role
	kind      frameKind
	streamID  uint32
	endStream bool
	isAck     bool       // frameKindSettings only
	headers   HeaderList // frameKindHeaders only
	data      []byte     // frameKindData only; a copy, never a Framer-owned slice
	frameType string     // frameKindUnknown only, for the error message
	err       error
}

// NewSession constructs a session over two already-established
// transports. clientTLS/serverTLS feed the pseudo-connection shim's
// tls_established metadata (§4.7); TLS establishment itself is out of
// scope here (§1 non-goals).
func NewSession(clientConn, serverConn net.Conn, cfg Config, clientTLS, serverTLS bool, inspector Inspector) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if inspector == nil {
		inspector = PassthroughInspector{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &Session{
		id:        id,
		config:    cfg,
		client:    NewConnectionEndpoint(RoleClientFacing, id, clientConn),
		server:    NewConnectionEndpoint(RoleServerFacing, id, serverConn),
		clientTLS: clientTLS,
		serverTLS: serverTLS,
		inspector: inspector,
		streams:   make(map[uint32]*StreamBridge),
		events:    make(chan frameEvent, 32),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Run performs both prefaces and drives the demux loop until either
// transport fails/closes or the session is closed externally. It
// implements §4.2.
func (s *Session) Run() error {
	if err := s.client.PerformPreface(); err != nil {
		sessionErrors.WithLabelValues(string(kindOf(err))).Inc()
		return err
	}
	if err := s.server.PerformPreface(); err != nil {
		sessionErrors.WithLabelValues(string(kindOf(err))).Inc()
		return err
	}

	sessionsActive.Inc()
	defer sessionsActive.Dec()

	s.wg.Add(2)
	go s.readLoop(RoleClientFacing, s.client)
	go s.readLoop(RoleServerFacing, s.server)

	err := s.dispatchLoop()
	s.teardown(err)
	s.wg.Wait()
	return err
}

// readLoop is the per-endpoint frame source described in §4.2: it reads
// frames strictly in order off one transport, reassembling HEADERS runs
// inline (so reassembly "does NOT interleave with other streams on that
// transport"), and forwards fully-formed events to the shared channel.
// This adapts the spec's single-loop "select on readability with a
// bounded timeout" into one goroutine per transport feeding a shared
// channel; the dispatch loop below is the sole consumer, so per-transport
// ordering is preserved while cross-transport ordering remains undefined,
// exactly as §4.2 allows.
func (s *Session) readLoop(role Role, ep *ConnectionEndpoint) {
	defer rescue.HandleCrash()
	defer s.wg.Done()

	for {
		frame, err := ep.ReadFrame()
		if err != nil {
			select {
			case s.events <- frameEvent{role: role, err: err}:
			case <-s.ctx.Done():
			}
			return
		}
		framesTotal.WithLabelValues(role.String(), frame.Header().Type.String()).Inc()

		ev, err := extractFrameEvent(role, ep, frame)
		if err != nil {
			select {
			case s.events <- frameEvent{role: role, err: err}:
			case <-s.ctx.Done():
			}
			return
		}

		select {
		case s.events <- ev:
		case <-s.ctx.Done():
			return
		}
	}
}

// extractFrameEvent copies every field dispatch will need off frame into
// a frameEvent, right here in readLoop's call frame - before the next
// ep.ReadFrame() call, and before the event ever reaches the buffered
// channel. See the frameEvent doc comment for why this can't be deferred
// to dispatch.
func extractFrameEvent(role Role, ep *ConnectionEndpoint, frame http2.Frame) (frameEvent, error) {
	switch f := frame.(type) {
	case *http2.HeadersFrame:
		// END_STREAM can only be set on the opening HEADERS frame
		// (CONTINUATION never carries it); ReadAndReassembleHeaders
		// already captures it before any CONTINUATION is read.
		headers, endStream, err := ep.ReadAndReassembleHeaders(f)
		if err != nil {
			return frameEvent{}, err
		}
		return frameEvent{role: role, kind: frameKindHeaders, streamID: f.StreamID, endStream: endStream, headers: headers}, nil

	case *http2.DataFrame:
		data := append([]byte(nil), f.Data()...)
		return frameEvent{role: role, kind: frameKindData, streamID: f.StreamID, endStream: f.StreamEnded(), data: data}, nil

	case *http2.SettingsFrame:
		return frameEvent{role: role, kind: frameKindSettings, streamID: f.Header().StreamID, isAck: f.IsAck()}, nil

	case *http2.WindowUpdateFrame:
		return frameEvent{role: role, kind: frameKindWindowUpdate, streamID: f.Header().StreamID}, nil

	default:
		return frameEvent{role: role, kind: frameKindUnknown, streamID: frame.Header().StreamID, frameType: frame.Header().Type.String()}, nil
	}
}

// dispatchLoop implements the §4.2 precedence table.
func (s *Session) dispatchLoop() error {
	timeout := s.config.selectTimeout()
	for {
		select {
		case ev := <-s.events:
			if ev.err != nil {
				return ev.err
			}
			if err := s.dispatch(ev); err != nil {
				return err
			}
		case <-s.ctx.Done():
			return nil
		case <-time.After(timeout):
			// bounded wait with no effect of its own; cancellation is
			// observed through the s.ctx case above.
		}
	}
}

func (s *Session) dispatch(ev frameEvent) error {
	switch ev.kind {
	case frameKindHeaders:
		s.streamsMu.RLock()
		_, known := s.streams[ev.streamID]
		s.streamsMu.RUnlock()

		switch {
		case ev.role == RoleClientFacing && !known:
			return s.createStream(ev.streamID, ev.headers, ev.endStream)
		case ev.role == RoleServerFacing && known:
			return s.deliverResponseHeaders(ev.streamID, ev.headers, ev.endStream)
		default:
			return newKindError(ProtocolViolation, "unexpected HEADERS role=%s known=%v stream=%d", ev.role, known, ev.streamID)
		}

	case frameKindData:
		s.streamsMu.RLock()
		bridge, known := s.streams[ev.streamID]
		s.streamsMu.RUnlock()
		if !known {
			return newKindError(ProtocolViolation, "DATA for unknown stream=%d", ev.streamID)
		}
		if ev.role == RoleClientFacing {
			return bridge.forwardClientData(ev.data, ev.endStream)
		}
		return bridge.forwardServerData(ev.data, ev.endStream)

	case frameKindSettings:
		if ev.streamID != 0 {
			return newKindError(ProtocolViolation, "SETTINGS on non-zero stream=%d", ev.streamID)
		}
		if ev.isAck {
			return nil
		}
		ep := s.client
		if ev.role == RoleServerFacing {
			ep = s.server
		}
		return ep.SendSettingsAck()

	case frameKindWindowUpdate:
		return nil // ignored, see §9 "yolo flow control"

	default:
		return newKindError(ProtocolViolation, "unexpected frame %s stream=%d", ev.frameType, ev.streamID)
	}
}

// createStream implements §4.3.
func (s *Session) createStream(streamID uint32, headers HeaderList, endStream bool) error {
	bridge := newStreamBridge(s, streamID)

	s.streamsMu.Lock()
	s.streams[streamID] = bridge
	s.streamsMu.Unlock()

	streamsActive.Inc()
	bridge.pushClientHeaders(headers, endStream)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		bridge.runWorker()
		s.removeStream(streamID)
	}()
	return nil
}

// deliverResponseHeaders implements §4.4.
func (s *Session) deliverResponseHeaders(streamID uint32, headers HeaderList, endStream bool) error {
	s.streamsMu.RLock()
	bridge, known := s.streams[streamID]
	s.streamsMu.RUnlock()
	if !known {
		return newKindError(ProtocolViolation, "response headers for unknown stream=%d", streamID)
	}
	bridge.pushServerHeaders(headers, endStream)
	return nil
}

// removeStream implements the §9 stream-cleanup recommendation: the
// source never removes finished streams from the map, which is a latent
// memory leak; this rewrite removes the entry once its worker completes.
func (s *Session) removeStream(streamID uint32) {
	s.streamsMu.Lock()
	delete(s.streams, streamID)
	s.streamsMu.Unlock()
}

// teardown tears down both endpoints and aborts every live stream's
// pipes so blocked workers observe an I/O failure, per §5 cancellation.
func (s *Session) teardown(cause error) {
	s.cancel()

	s.streamsMu.RLock()
	bridges := make([]*StreamBridge, 0, len(s.streams))
	for _, b := range s.streams {
		bridges = append(bridges, b)
	}
	s.streamsMu.RUnlock()

	var merr *multierror.Error
	for _, b := range bridges {
		b.abort(wrapKindError(TransportIO, cause, "session torn down"))
	}
	if err := s.client.Close(); err != nil {
		merr = multierror.Append(merr, err)
	}
	if err := s.server.Close(); err != nil {
		merr = multierror.Append(merr, err)
	}
	if merr.ErrorOrNil() != nil {
		logger.Warnf("h2proxy: session %s teardown errors: %v", s.id, merr)
	}
}

// Close cancels the session, causing Run's dispatch loop to exit and
// tear down both endpoints.
func (s *Session) Close() {
	s.cancel()
}

// ActiveStreamIDs is a read-only snapshot used by the admin diagnostic
// route.
func (s *Session) ActiveStreamIDs() []uint32 {
	s.streamsMu.RLock()
	defer s.streamsMu.RUnlock()
	ids := make([]uint32, 0, len(s.streams))
	for id := range s.streams {
		ids = append(ids, id)
	}
	return ids
}

// ID returns the session's correlation UUID.
func (s *Session) ID() string { return s.id }
