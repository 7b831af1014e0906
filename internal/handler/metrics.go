// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package handler implements the per-HandlerKey entity handler: validation,
// rejection/blocking with rate-limited logging, and counters, generalized
// over the concrete item type it admits.
package handler

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the counters exposed per handler (spec §4.A): received,
// sent (attempted), delivered, blocked, rejected, a burst-rate counter, and
// a received-lag histogram. Registered once per distinct HandlerKey label
// set, mirroring telemetry/churn's package-level-counters-with-labels style
// but keyed dynamically since HandlerKeys are not known at init time.
type Metrics struct {
	received  atomic.Int64
	sent      atomic.Int64
	delivered atomic.Int64
	blocked   atomic.Int64
	rejected  atomic.Int64

	receivedTotal  prometheus.Counter
	sentTotal      prometheus.Counter
	deliveredTotal prometheus.Counter
	blockedTotal   prometheus.Counter
	rejectedTotal  prometheus.Counter
	lagHistogram   prometheus.Histogram

	burst *burstRate
}

// NewMetrics constructs and registers the Prometheus series for one
// HandlerKey label (entityType, handle). Safe to call once per key; callers
// own deduplication (cmd/proxy constructs exactly one Metrics per key).
func NewMetrics(entityType, handle string) *Metrics {
	labels := prometheus.Labels{"entity_type": entityType, "handle": handle}
	m := &Metrics{
		receivedTotal:  mustCounter("ingestproxy_handler_received_total", "Items received by the handler.", labels),
		sentTotal:      mustCounter("ingestproxy_handler_sent_total", "Items attempted to send.", labels),
		deliveredTotal: mustCounter("ingestproxy_handler_delivered_total", "Items successfully delivered.", labels),
		blockedTotal:   mustCounter("ingestproxy_handler_blocked_total", "Items blocked (feature-disabled or forced-drop).", labels),
		rejectedTotal:  mustCounter("ingestproxy_handler_rejected_total", "Items rejected by validation.", labels),
		lagHistogram: mustHistogram("ingestproxy_handler_received_lag_seconds",
			"Seconds between item timestamp and receipt time.", labels,
			[]float64{.01, .05, .1, .5, 1, 5, 15, 60, 300, 900}),
		burst: newBurstRate(),
	}
	return m
}

func mustCounter(name, help string, labels prometheus.Labels) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help, ConstLabels: labels})
	_ = prometheus.Register(c) // duplicate registration is tolerated in tests; ignore the error
	return c
}

func mustHistogram(name, help string, labels prometheus.Labels, buckets []float64) prometheus.Histogram {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: name, Help: help, ConstLabels: labels, Buckets: buckets})
	_ = prometheus.Register(h)
	return h
}

// RecordReceived increments received counters and observes lag.
func (m *Metrics) RecordReceived(itemTimestampMs int64) {
	m.received.Add(1)
	m.receivedTotal.Inc()
	m.burst.Tick()
	if itemTimestampMs > 0 {
		lag := time.Since(time.UnixMilli(itemTimestampMs)).Seconds()
		if lag < 0 {
			lag = 0
		}
		m.lagHistogram.Observe(lag)
	}
}

func (m *Metrics) RecordSent()      { m.sent.Add(1); m.sentTotal.Inc() }
func (m *Metrics) RecordDelivered() { m.delivered.Add(1); m.deliveredTotal.Inc() }
func (m *Metrics) RecordBlocked()   { m.blocked.Add(1); m.blockedTotal.Inc() }
func (m *Metrics) RecordRejected()  { m.rejected.Add(1); m.rejectedTotal.Inc() }

// Snapshot is a point-in-time read of all counters, used by the stats
// printers and the check-in metrics document.
type Snapshot struct {
	Received, Sent, Delivered, Blocked, Rejected int64
	BurstRate1m, BurstRate5m, BurstRate15m       float64
}

func (m *Metrics) Snapshot() Snapshot {
	r1, r5, r15 := m.burst.Rates()
	return Snapshot{
		Received:    m.received.Load(),
		Sent:        m.sent.Load(),
		Delivered:   m.delivered.Load(),
		Blocked:     m.blocked.Load(),
		Rejected:    m.rejected.Load(),
		BurstRate1m: r1, BurstRate5m: r5, BurstRate15m: r15,
	}
}
