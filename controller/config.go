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
	"github.com/packetd/h2mitm/common"
	"github.com/packetd/h2mitm/h2proxy"
)

// Config is the top-level "controller" child config block: where to
// listen for downstream HTTP/2 connections and where to dial the
// upstream server each accepted connection is bridged to.
type Config struct {
	// Listen is the address the proxy accepts downstream connections on.
	Listen string `config:"listen"`

	// Upstream is the address dialed for every accepted connection. TLS
	// termination/ALPN/CONNECT-based routing are out of scope for this
	// core (§1 non-goals); a single static upstream is the simplest
	// thing that exercises the full bridge.
	Upstream string `config:"upstream"`

	HTTP2 h2proxy.Config `config:"http2"`

	// Inspector carries freeform settings for the configured Inspector
	// implementation. The core ships only PassthroughInspector, which
	// ignores this, but it is unpacked and surfaced so an Inspector
	// plugin built against this core has somewhere to read settings
	// from without the controller needing to know its shape.
	Inspector common.Options `config:"inspector"`
}
