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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadHTTPBodyRespectsContentLength(t *testing.T) {
	r := strings.NewReader("HELLOWORLDEXTRA")
	headers := HeaderList{{Name: "content-length", Value: "10"}}

	body, err := readHTTPBody(r, headers, 0)
	require.NoError(t, err)
	assert.Equal(t, "HELLOWORLD", string(body))
}

func TestReadHTTPBodyReadsUntilEOFWithoutContentLength(t *testing.T) {
	r := strings.NewReader("WHATEVERLENGTH")
	body, err := readHTTPBody(r, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "WHATEVERLENGTH", string(body))
}

func TestReadHTTPBodyRejectsContentLengthOverLimit(t *testing.T) {
	r := strings.NewReader("HELLOWORLD")
	headers := HeaderList{{Name: "content-length", Value: "10"}}

	_, err := readHTTPBody(r, headers, 5)
	require.Error(t, err)
}

func TestReadRequestMissingPathIsMalformed(t *testing.T) {
	session := &Session{config: Config{}}
	b := newStreamBridge(session, 1)

	b.pushClientHeaders(HeaderList{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "https"},
	}, true)

	_, err := b.readRequest()
	require.Error(t, err)
	assert.Equal(t, MalformedRequest, kindOf(err))
}

func TestReadRequestRejectsConnect(t *testing.T) {
	session := &Session{config: Config{}}
	b := newStreamBridge(session, 1)

	b.pushClientHeaders(HeaderList{
		{Name: ":method", Value: "CONNECT"},
	}, true)

	_, err := b.readRequest()
	require.Error(t, err)
	assert.Equal(t, Unsupported, kindOf(err))
}
