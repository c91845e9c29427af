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
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/packetd/h2mitm/common"
	"github.com/packetd/h2mitm/confengine"
	"github.com/packetd/h2mitm/h2proxy"
	"github.com/packetd/h2mitm/internal/rescue"
	"github.com/packetd/h2mitm/internal/sigs"
	"github.com/packetd/h2mitm/logger"
	"github.com/packetd/h2mitm/server"
)

// Controller owns the downstream listener and dials the configured upstream
// for every accepted connection, bridging each one through an h2proxy
// Session.
type Controller struct {
	ctx       context.Context
	cancel    context.CancelFunc
	cfg       Config
	buildInfo common.BuildInfo

	svr *server.Server
	ln  net.Listener

	inspector h2proxy.Inspector
	sessions  *sessionRegistry
}

func setupLogger(conf *confengine.Config) error {
	var opts logger.Options
	if err := conf.UnpackChild("logger", &opts); err != nil {
		return err
	}

	if opts.Filename == "" {
		opts.Filename = "h2mitm.log"
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = 10
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 7
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = 100
	}

	logger.SetOptions(opts)
	return nil
}

func New(conf *confengine.Config, buildInfo common.BuildInfo) (*Controller, error) {
	if err := setupLogger(conf); err != nil {
		return nil, err
	}

	svr, err := server.New(conf)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := conf.UnpackChild("controller", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.HTTP2.Validate(); err != nil {
		return nil, err
	}
	if cfg.Listen == "" {
		return nil, errors.New("controller.listen must be set")
	}
	if cfg.Upstream == "" {
		return nil, errors.New("controller.upstream must be set")
	}

	if len(cfg.Inspector) > 0 {
		logger.Infof("inspector options configured but unused by the built-in passthrough inspector: %v", cfg.Inspector)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		ctx:       ctx,
		cancel:    cancel,
		cfg:       cfg,
		buildInfo: buildInfo,
		svr:       svr,
		inspector: h2proxy.PassthroughInspector{},
		sessions:  newSessionRegistry(),
	}, nil
}

func (c *Controller) Start() error {
	c.setupServer()

	ln, err := net.Listen("tcp", c.cfg.Listen)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", c.cfg.Listen)
	}
	c.ln = ln
	logger.Infof("controller listening on %s, bridging to upstream %s", c.cfg.Listen, c.cfg.Upstream)

	go c.acceptLoop()

	if c.svr != nil {
		go func() {
			err := c.svr.ListenAndServe()
			if !errors.Is(err, io.EOF) {
				logger.Errorf("failed to start server: %v", err)
			}
		}()
	}

	return nil
}

func (c *Controller) acceptLoop() {
	defer rescue.HandleCrash()

	for {
		downstream, err := c.ln.Accept()
		if err != nil {
			select {
			case <-c.ctx.Done():
				return
			default:
			}
			logger.Errorf("accept failed: %v", err)
			continue
		}
		acceptedConns.Inc()
		go c.handleConn(downstream)
	}
}

func (c *Controller) handleConn(downstream net.Conn) {
	defer rescue.HandleCrash()

	upstream, err := net.DialTimeout("tcp", c.cfg.Upstream, 10*time.Second)
	if err != nil {
		dialUpstreamFailures.Inc()
		logger.Errorf("failed to dial upstream %s: %v", c.cfg.Upstream, err)
		downstream.Close()
		return
	}

	session, err := h2proxy.NewSession(downstream, upstream, c.cfg.HTTP2, false, false, c.inspector)
	if err != nil {
		logger.Errorf("failed to create session: %v", err)
		downstream.Close()
		upstream.Close()
		return
	}

	c.sessions.add(session)
	defer c.sessions.remove(session)

	if err := session.Run(); err != nil {
		logger.Warnf("session %s terminated: %v", session.ID(), err)
	}
}

func (c *Controller) recordMetrics() {
	uptime.Set(float64(time.Now().Unix() - common.Started()))
	buildInfo.WithLabelValues(c.buildInfo.Version, c.buildInfo.GitHash, c.buildInfo.Time).Inc()
}

func (c *Controller) setupServer() {
	if c.svr == nil {
		return
	}

	c.svr.RegisterGetRoute("/metrics", func(w http.ResponseWriter, r *http.Request) {
		c.recordMetrics()
		promhttp.Handler().ServeHTTP(w, r)
	})
	c.svr.RegisterGetRoute("/debug/streams", c.routeDebugStreams)

	c.svr.RegisterPostRoute("/-/logger", func(w http.ResponseWriter, r *http.Request) {
		level := r.FormValue("level")
		logger.SetLoggerLevel(level)
		w.Write([]byte(`{"status": "success"}`))
	})
	c.svr.RegisterPostRoute("/-/reload", func(w http.ResponseWriter, r *http.Request) {
		if err := sigs.SelfReload(); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(err.Error()))
			return
		}
	})
}

// Reload re-reads the controller config block. Listen/Upstream changes are
// not applied to an already-running listener; only HTTP2 tunables that are
// read per-session take effect for new connections.
func (c *Controller) Reload(conf *confengine.Config) error {
	var cfg Config
	if err := conf.UnpackChild("controller", &cfg); err != nil {
		return err
	}
	if err := cfg.HTTP2.Validate(); err != nil {
		return err
	}
	c.cfg.HTTP2 = cfg.HTTP2
	return nil
}

func (c *Controller) Stop() {
	if c.ln != nil {
		c.ln.Close()
	}
	c.sessions.closeAll()
	c.cancel()
}
