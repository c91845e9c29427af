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
	"errors"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
)

func TestPerformPrefaceBadPreface(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	ep := NewConnectionEndpoint(RoleClientFacing, "t", a)
	errc := make(chan error, 1)
	go func() { errc <- ep.PerformPreface() }()

	_, err := b.Write([]byte("PRX * HTTP/2.0\r\n\r\nSM\r\n\r\n"))
	require.NoError(t, err)

	err = <-errc
	require.Error(t, err)
	var kerr *Error
	require.True(t, errors.As(err, &kerr))
	assert.Equal(t, BadPreface, kerr.Kind)
}

func TestPerformPrefaceClientFacingSendsSettingsAndWindowUpdate(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	ep := NewConnectionEndpoint(RoleClientFacing, "t", a)
	errc := make(chan error, 1)
	go func() { errc <- ep.PerformPreface() }()

	_, err := io.WriteString(b, preface)
	require.NoError(t, err)

	fr := http2.NewFramer(nil, b)
	f, err := fr.ReadFrame()
	require.NoError(t, err)
	settings, ok := f.(*http2.SettingsFrame)
	require.True(t, ok)
	v, ok := settings.Value(http2.SettingMaxConcurrentStreams)
	require.True(t, ok)
	assert.EqualValues(t, MaxConcurrentStreams, v)

	f, err = fr.ReadFrame()
	require.NoError(t, err)
	wu, ok := f.(*http2.WindowUpdateFrame)
	require.True(t, ok)
	assert.EqualValues(t, windowUpdateIncrement, wu.Increment)

	require.NoError(t, <-errc)
}

func TestSendHeadersRoundTripsThroughHpack(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	sender := NewConnectionEndpoint(RoleServerFacing, "snd", a)
	receiver := NewConnectionEndpoint(RoleClientFacing, "rcv", b)

	want := HeaderList{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "https"},
		{Name: ":path", Value: "/"},
	}

	donec := make(chan error, 1)
	go func() { donec <- sender.SendHeaders(want, 1, true) }()

	f, err := receiver.ReadFrame()
	require.NoError(t, err)
	hf, ok := f.(*http2.HeadersFrame)
	require.True(t, ok)
	assert.True(t, hf.StreamEnded())

	got, endStream, err := receiver.ReadAndReassembleHeaders(hf)
	require.NoError(t, err)
	assert.True(t, endStream)
	assert.Equal(t, want, got)
	require.NoError(t, <-donec)
}

func TestReadAndReassembleHeadersRejectsWrongStreamContinuation(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	writer := http2.NewFramer(a, a)
	receiver := NewConnectionEndpoint(RoleClientFacing, "rcv", b)

	go func() {
		_ = writer.WriteHeaders(http2.HeadersFrameParam{
			StreamID:      1,
			BlockFragment: []byte("partial"),
			EndHeaders:    false,
		})
		_ = writer.WriteContinuation(3, true, []byte("rest"))
	}()

	f, err := receiver.ReadFrame()
	require.NoError(t, err)
	hf := f.(*http2.HeadersFrame)

	_, _, err = receiver.ReadAndReassembleHeaders(hf)
	require.Error(t, err)
	var kerr *Error
	require.True(t, errors.As(err, &kerr))
	assert.Equal(t, ProtocolViolation, kerr.Kind)
}

func TestSendDataSplitsAcrossMaxFramePayload(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	sender := NewConnectionEndpoint(RoleServerFacing, "snd", a)
	payload := make([]byte, maxFramePayload+10)
	for i := range payload {
		payload[i] = byte(i)
	}

	donec := make(chan error, 1)
	go func() { donec <- sender.SendData(payload, 5, true) }()

	fr := http2.NewFramer(nil, b)
	var got []byte
	for {
		f, err := fr.ReadFrame()
		require.NoError(t, err)
		df := f.(*http2.DataFrame)
		got = append(got, df.Data()...)
		if df.StreamEnded() {
			break
		}
	}
	assert.Equal(t, payload, got)
	require.NoError(t, <-donec)
}
