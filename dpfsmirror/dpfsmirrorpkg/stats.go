// Copyright (c) 2015-2022, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package dpfsmirrorpkg

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dpfs-project/dpfs-aio-mirror/wire"
)

// statsStruct holds the request-count and latency metrics exposed at
// /metrics, one vector bucketed by FUSE opcode, following the style
// of GoogleCloudPlatform-gcsfuse's internal/fs/monitoring_fs.go. Each
// instance owns a private prometheus.Registry rather than using the
// global default one, so repeated Start()/Stop() cycles in tests
// don't collide on duplicate collector registration.
//
// asyncInFlightCount and generationBumpCount shadow their Prometheus
// counterparts as plain atomics so the /inodes diagnostics handler
// (diagnostics.go) can read a current value directly instead of
// scraping the registry.
type statsStruct struct {
	registry        *prometheus.Registry
	requestsTotal   *prometheus.CounterVec
	requestErrors   *prometheus.CounterVec
	requestLatency  *prometheus.HistogramVec
	asyncInFlight   prometheus.Gauge
	generationBumps prometheus.Counter

	asyncInFlightCount  int64
	generationBumpCount int64
}

func newStats() *statsStruct {
	s := &statsStruct{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dpfs_mirror",
			Name:      "requests_total",
			Help:      "Number of dispatched requests by opcode.",
		}, []string{"opcode"}),
		requestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dpfs_mirror",
			Name:      "request_errors_total",
			Help:      "Number of dispatched requests that completed with a non-zero errno, by opcode.",
		}, []string{"opcode"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dpfs_mirror",
			Name:      "request_latency_seconds",
			Help:      "Request latency by opcode: handler time for synchronous requests, submission-to-completion time for reads and writes.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"opcode"}),
		asyncInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dpfs_mirror",
			Name:      "async_io_in_flight",
			Help:      "Number of read/write operations currently submitted and awaiting completion.",
		}),
		generationBumps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dpfs_mirror",
			Name:      "inode_generation_bumps_total",
			Help:      "Number of times a recycled backing inode number got a new generation.",
		}),
	}

	s.registry.MustRegister(s.requestsTotal, s.requestErrors, s.requestLatency, s.asyncInFlight, s.generationBumps)

	return s
}

// observe records one dispatched request's outcome and latency.
func (s *statsStruct) observe(opcode wire.Opcode, errno int32, start time.Time) {
	label := opcode.String()
	s.requestsTotal.WithLabelValues(label).Inc()
	if 0 != errno {
		s.requestErrors.WithLabelValues(label).Inc()
	}
	s.requestLatency.WithLabelValues(label).Observe(time.Since(start).Seconds())
}

func (s *statsStruct) asyncSubmitted() {
	s.asyncInFlight.Inc()
	atomic.AddInt64(&s.asyncInFlightCount, 1)
}

func (s *statsStruct) asyncCompleted() {
	s.asyncInFlight.Dec()
	atomic.AddInt64(&s.asyncInFlightCount, -1)
}

func (s *statsStruct) asyncInFlightNow() int64 {
	return atomic.LoadInt64(&s.asyncInFlightCount)
}

// generationBumped records one inode slot recycling into a new
// generation.
func (s *statsStruct) generationBumped() {
	s.generationBumps.Inc()
	atomic.AddInt64(&s.generationBumpCount, 1)
}

func (s *statsStruct) generationBumpsNow() int64 {
	return atomic.LoadInt64(&s.generationBumpCount)
}
