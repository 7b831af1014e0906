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

package trace

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"ingestproxy/pkg/wf"
)

// REDKeyTuple is the RED-metric aggregation key of spec §4.G step 5:
// (application, service, cluster, shard, component, source).
type REDKeyTuple struct {
	Application string
	Service     string
	Cluster     string
	Shard       string
	Component   string
	Source      string
}

func (t REDKeyTuple) cacheKey() string {
	return t.Application + "\x00" + t.Service + "\x00" + t.Cluster + "\x00" +
		t.Shard + "\x00" + t.Component + "\x00" + t.Source
}

// ExtractREDKeyTuple builds the aggregation key from a span's annotations.
//
// Open question (carried forward, not resolved): the annotation switch
// below contains a fall-through from the service case to the cluster case
// with no break, and the cluster case's body writes to Service rather than
// Cluster. The effect is that Cluster is never populated from an
// annotation and, if both service and cluster annotations are present on a
// span, Service ends up holding whichever of the two values was read last.
// This is preserved literally rather than fixed; it is suspected to be a
// bug in the upstream behavior this proxy reproduces, not an intentional
// aliasing.
func ExtractREDKeyTuple(span *wf.Span) (REDKeyTuple, bool) {
	var t REDKeyTuple
	t.Source = span.Source
	for _, ann := range span.Annotations {
		switch ann.Key {
		case wf.AnnotationApplication:
			t.Application = ann.Value
		case wf.AnnotationService:
			t.Service = ann.Value
			fallthrough
		case wf.AnnotationCluster:
			t.Service = ann.Value
		case wf.AnnotationShard:
			t.Shard = ann.Value
		case wf.AnnotationComponent:
			t.Component = ann.Value
		}
	}
	if t.Application == "" || t.Service == "" {
		return REDKeyTuple{}, false
	}
	return t, true
}

type redAgg struct {
	requests   atomic.Int64
	errors     atomic.Int64
	lastUpdate atomic.Int64 // unix nano

	requestsTotal    prometheus.Counter
	errorsTotal      prometheus.Counter
	latencyHistogram prometheus.Histogram
}

var missingKeyTotal = newGlobalCounter("ingestproxy_span_red_missing_key_total",
	"Spans discarded by the RED-metric reporter for missing application or service tags.")

func newGlobalCounter(name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	_ = prometheus.Register(c)
	return c
}

func mustKeyedCounter(name, help string, labels prometheus.Labels) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help, ConstLabels: labels})
	_ = prometheus.Register(c)
	return c
}

func mustKeyedHistogram(name, help string, labels prometheus.Labels, buckets []float64) prometheus.Histogram {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: name, Help: help, ConstLabels: labels, Buckets: buckets})
	_ = prometheus.Register(h)
	return h
}

// REDReporter computes request/error/latency metrics per distinct
// REDKeyTuple, grounded on telemetry/churn/exporter.go's sync.Map-of-atomics
// aggregate plus idle-TTL eviction via a periodic publish loop.
type REDReporter struct {
	idleTTL time.Duration
	aggs    sync.Map // map[string]*redAgg

	stopCh  chan struct{}
	wg      sync.WaitGroup
	stopped atomic.Bool
}

func NewREDReporter(idleTTL time.Duration) *REDReporter {
	if idleTTL <= 0 {
		idleTTL = 15 * time.Minute
	}
	return &REDReporter{idleTTL: idleTTL, stopCh: make(chan struct{})}
}

// Observe records one span's contribution regardless of sampling outcome
// (spec §4.G step 5: "Regardless of sampling outcome..."). Missing
// application/service discards with a counter increment rather than an
// exception, per spec §4.G's closing line.
func (r *REDReporter) Observe(span *wf.Span) {
	tuple, ok := ExtractREDKeyTuple(span)
	if !ok {
		missingKeyTotal.Inc()
		return
	}
	agg := r.aggFor(tuple)
	agg.requests.Add(1)
	agg.requestsTotal.Inc()
	if span.HasErrorTag() {
		agg.errors.Add(1)
		agg.errorsTotal.Inc()
	}
	durationSeconds := float64(span.DurationMs) / 1000
	if durationSeconds < 0 {
		durationSeconds = 0
	}
	agg.latencyHistogram.Observe(durationSeconds)
	agg.lastUpdate.Store(time.Now().UnixNano())
}

func (r *REDReporter) aggFor(tuple REDKeyTuple) *redAgg {
	key := tuple.cacheKey()
	if v, ok := r.aggs.Load(key); ok {
		return v.(*redAgg)
	}
	labels := prometheus.Labels{
		"application": tuple.Application,
		"service":     tuple.Service,
		"cluster":     tuple.Cluster,
		"shard":       tuple.Shard,
		"component":   tuple.Component,
		"source":      tuple.Source,
	}
	agg := &redAgg{
		requestsTotal: mustKeyedCounter("ingestproxy_span_red_requests_total",
			"RED request count derived from spans.", labels),
		errorsTotal: mustKeyedCounter("ingestproxy_span_red_errors_total",
			"RED error count derived from spans.", labels),
		latencyHistogram: mustKeyedHistogram("ingestproxy_span_red_latency_seconds",
			"RED latency distribution derived from spans.", labels,
			[]float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}),
	}
	actual, loaded := r.aggs.LoadOrStore(key, agg)
	if loaded {
		return actual.(*redAgg)
	}
	return agg
}

func (r *REDReporter) Start() {
	r.wg.Add(1)
	go r.loop()
}

func (r *REDReporter) Stop() {
	if r.stopped.CompareAndSwap(false, true) {
		close(r.stopCh)
	}
	r.wg.Wait()
}

func (r *REDReporter) loop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.idleTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.evictIdle()
		case <-r.stopCh:
			return
		}
	}
}

// evictIdle drops aggregates whose key has not been observed within
// idleTTL, mirroring exporter.go's publishSnapshot cutoff-based eviction.
func (r *REDReporter) evictIdle() {
	cutoff := time.Now().Add(-r.idleTTL).UnixNano()
	r.aggs.Range(func(k, v interface{}) bool {
		agg := v.(*redAgg)
		if agg.lastUpdate.Load() < cutoff {
			r.aggs.Delete(k)
		}
		return true
	})
}

// Size reports how many distinct tuples are currently tracked.
func (r *REDReporter) Size() int {
	n := 0
	r.aggs.Range(func(_, _ interface{}) bool { n++; return true })
	return n
}
