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
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2/hpack"
)

// encodeTestHeaders/decodeTestHeaders stand in for the fake peers' own
// HPACK contexts in tests: each fake peer in the harness owns a single
// connection's worth of HEADERS, so a fresh encoder/decoder per call is
// equivalent to the real per-endpoint state for these single-exchange
// scenarios.
func encodeTestHeaders(t *testing.T, headers HeaderList) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc := hpack.NewEncoder(&buf)
	for _, f := range headers {
		require.NoError(t, enc.WriteField(f))
	}
	return buf.Bytes()
}

func decodeTestHeaders(t *testing.T, block []byte) HeaderList {
	t.Helper()
	var out HeaderList
	dec := hpack.NewDecoder(4096, func(f hpack.HeaderField) {
		out = append(out, f)
	})
	_, err := dec.Write(block)
	require.NoError(t, err)
	return out
}
