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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeWriteThenReadThenEOF(t *testing.T) {
	p := newPipe()

	n, err := p.Write([]byte("HELLO"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = p.Write([]byte("WORLD"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	require.NoError(t, p.CloseWrite())

	buf, err := io.ReadAll(p)
	require.NoError(t, err)
	assert.Equal(t, "HELLOWORLD", string(buf))
}

func TestPipeEndStreamAloneYieldsZeroByteEOF(t *testing.T) {
	p := newPipe()
	require.NoError(t, p.CloseWrite())

	buf, err := io.ReadAll(p)
	require.NoError(t, err)
	assert.Empty(t, buf)
}

func TestPipeCloseWriteIsIdempotent(t *testing.T) {
	p := newPipe()
	require.NoError(t, p.CloseWrite())
	require.NoError(t, p.CloseWrite())
}

func TestPipeAbortSurfacesAsReadError(t *testing.T) {
	p := newPipe()
	boom := newError("boom")
	p.abort(boom)

	_, err := p.Read(make([]byte, 1))
	assert.ErrorIs(t, err, boom)
}

func TestPipeWriteBlocksPastHighWaterUntilDrained(t *testing.T) {
	p := newPipe()
	big := make([]byte, highWater)

	done := make(chan struct{})
	go func() {
		_, _ = p.Write(big)
		_, _ = p.Write([]byte("X")) // should block until the first Write's bytes are drained
		close(done)
	}()

	// give the writer time to fill the pipe and block on the second write
	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("writer should still be blocked by backpressure")
	default:
	}

	drained := make([]byte, len(big))
	_, err := io.ReadFull(p, drained)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("writer should have unblocked once the pipe was drained")
	}
}
