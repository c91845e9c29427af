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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/packetd/h2mitm/common"
)

var (
	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: common.App,
		Subsystem: "http2",
		Name:      "sessions_active",
		Help:      "number of HTTP/2 sessions currently bridged",
	})

	streamsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: common.App,
		Subsystem: "http2",
		Name:      "streams_active",
		Help:      "number of HTTP/2 streams currently open",
	})

	streamDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: common.App,
		Subsystem: "http2",
		Name:      "stream_duration_seconds",
		Help:      "duration of one request/response stream cycle",
		Buckets:   prometheus.DefBuckets,
	})

	framesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: common.App,
		Subsystem: "http2",
		Name:      "frames_total",
		Help:      "frames read by the demux loop, by endpoint role and frame type",
	}, []string{"role", "type"})

	streamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: common.App,
		Subsystem: "http2",
		Name:      "stream_errors_total",
		Help:      "stream worker failures by error kind",
	}, []string{"kind"})

	sessionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: common.App,
		Subsystem: "http2",
		Name:      "session_errors_total",
		Help:      "connection-level failures by error kind",
	}, []string{"kind"})
)
