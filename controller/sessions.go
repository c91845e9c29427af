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
	"net/http"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/packetd/h2mitm/h2proxy"
)

// sessionRegistry tracks live h2proxy Sessions so the admin server can
// report on them and so Stop can unwind every bridged connection.
type sessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*h2proxy.Session
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{sessions: make(map[string]*h2proxy.Session)}
}

func (r *sessionRegistry) add(s *h2proxy.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID()] = s
}

func (r *sessionRegistry) remove(s *h2proxy.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, s.ID())
}

func (r *sessionRegistry) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		s.Close()
	}
}

type debugSession struct {
	ID      string   `json:"id"`
	Streams []uint32 `json:"streams"`
}

func (c *Controller) routeDebugStreams(w http.ResponseWriter, r *http.Request) {
	c.sessions.mu.Lock()
	out := make([]debugSession, 0, len(c.sessions.sessions))
	for id, s := range c.sessions.sessions {
		out = append(out, debugSession{ID: id, Streams: s.ActiveStreamIDs()})
	}
	c.sessions.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	if err := enc.Encode(out); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
	}
}
