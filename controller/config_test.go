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

package controller

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/packetd/h2mitm/common"
	"github.com/packetd/h2mitm/confengine"
)

func buildInfoFixture() common.BuildInfo {
	return common.BuildInfo{Version: "test", GitHash: "test", Time: "test"}
}

func TestNewRejectsMissingListenAndUpstream(t *testing.T) {
	conf, err := confengine.LoadContent([]byte(`
controller:
  upstream: "127.0.0.1:9999"
logger:
  stdout: true
server:
  enabled: false
`))
	require.NoError(t, err)

	_, err = New(conf, buildInfoFixture())
	require.Error(t, err)
}

func TestNewAcceptsMinimalConfig(t *testing.T) {
	conf, err := confengine.LoadContent([]byte(`
controller:
  listen: "127.0.0.1:0"
  upstream: "127.0.0.1:9999"
logger:
  stdout: true
server:
  enabled: false
`))
	require.NoError(t, err)

	ctr, err := New(conf, buildInfoFixture())
	require.NoError(t, err)
	require.NotNil(t, ctr)
}
