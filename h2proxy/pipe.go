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
	"sync"

	"github.com/packetd/h2mitm/common"
)

// pipe is the in-process, one-directional byte channel described in
// §3/§9: one injector (the demux loop, on DATA frames) and one consumer
// (a stream worker). The write half can be shut down exactly once to
// signal EOF to the reader. Unlike io.Pipe, Write does not hand its
// buffer directly to a waiting Read: it queues into a bounded buffer so
// the demux loop can deliver a whole frame payload in one call without
// the reader having to be parked first, while still blocking (providing
// backpressure, per §4.5) once the queue grows past highWater.
type pipe struct {
	mu     sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	buf    []byte
	closed bool
	err    error
}

// highWater bounds how much unread data may sit in a pipe before Write
// blocks. Grounded on common.ReadWriteBlockSize, the teacher's chosen
// "compromise" chunk size for per-connection buffering.
const highWater = 4 * common.ReadWriteBlockSize

func newPipe() *pipe {
	p := &pipe{}
	p.notEmpty = sync.NewCond(&p.mu)
	p.notFull = sync.NewCond(&p.mu)
	return p
}

// Write injects payload bytes. It blocks while the pipe already holds
// >= highWater unread bytes and the pipe is still open, so a slow
// reader naturally throttles the writer (the demux loop).
func (p *pipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, io.ErrClosedPipe
	}
	for len(p.buf) >= highWater && !p.closed {
		p.notFull.Wait()
	}
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	p.buf = append(p.buf, b...)
	p.notEmpty.Signal()
	return len(b), nil
}

// Read blocks until at least one byte is available or the write half
// has been shut down, in which case it returns io.EOF once the
// already-queued bytes are drained.
func (p *pipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.buf) == 0 && !p.closed {
		p.notEmpty.Wait()
	}
	if len(p.buf) == 0 && p.closed {
		if p.err != nil {
			return 0, p.err
		}
		return 0, io.EOF
	}

	n := copy(b, p.buf)
	p.buf = p.buf[n:]
	p.notFull.Signal()
	return n, nil
}

// CloseWrite shuts down the write half, waking any blocked Read with
// io.EOF (after it drains whatever is already queued) and any blocked
// Write with io.ErrClosedPipe. Safe to call more than once.
func (p *pipe) CloseWrite() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.notEmpty.Broadcast()
	p.notFull.Broadcast()
	return nil
}

// abort shuts the pipe down with an error in place of a clean io.EOF,
// used when the enclosing session tears down due to a transport error.
func (p *pipe) abort(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.err = err
	p.notEmpty.Broadcast()
	p.notFull.Broadcast()
}
