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

package accumulator

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"

	"ingestproxy/pkg/wf"
)

// histBucket holds the t-digest-like bin table for one key at one
// granularity: a plain centroid->count map, merged bin-by-bin on every
// incoming sample or histogram, and swapped out wholesale under mu so a
// flush never observes a half-merged digest (spec §4.C "atomic put").
type histBucket struct {
	mu     sync.Mutex
	bins   map[float64]int64
	sketch *ddsketch.DDSketch // quantile summary alongside the exact bin table, read by HistogramAccumulator.Quantile
}

func newHistBucket() *histBucket {
	sk, _ := ddsketch.NewDefaultDDSketch(0.01)
	return &histBucket{bins: map[float64]int64{}, sketch: sk}
}

func (b *histBucket) mergeSample(value float64) {
	b.mu.Lock()
	b.bins[value]++
	if b.sketch != nil {
		_ = b.sketch.Add(value)
	}
	b.mu.Unlock()
}

func (b *histBucket) mergeHistogram(h *wf.Histogram) {
	b.mu.Lock()
	for _, bin := range h.Bins {
		b.bins[bin.Centroid] += bin.Count
		if b.sketch != nil && bin.Count > 0 {
			_ = b.sketch.AddWithCount(bin.Centroid, float64(bin.Count))
		}
	}
	b.mu.Unlock()
}

// quantile returns the sketch's estimate at q, used by check-in's metrics
// snapshot; ok is false if the bucket has seen no samples yet.
func (b *histBucket) quantile(q float64) (v float64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sketch == nil || b.sketch.GetCount() == 0 {
		return 0, false
	}
	v, err := b.sketch.GetValueAtQuantile(q)
	return v, err == nil
}

// drain atomically swaps in a fresh bin map and sketch, returning the old
// bin map (the spec's emitted histogram is the exact bin table; the
// sketch is quantile-query-only and is reset alongside it).
func (b *histBucket) drain() map[float64]int64 {
	b.mu.Lock()
	old := b.bins
	b.bins = map[float64]int64{}
	b.sketch, _ = ddsketch.NewDefaultDDSketch(0.01)
	b.mu.Unlock()
	return old
}

type histEntry struct {
	key       wf.HostMetricTagsPair
	bucket    *histBucket
	lastTouch time.Time
	lastMu    sync.Mutex
}

func (e *histEntry) touch() {
	e.lastMu.Lock()
	e.lastTouch = time.Now()
	e.lastMu.Unlock()
}

func (e *histEntry) idleSince() time.Duration {
	e.lastMu.Lock()
	defer e.lastMu.Unlock()
	return time.Since(e.lastTouch)
}

// HistogramSink receives one emitted combined histogram per key, the same
// bypass-re-validation path DeltaSink uses.
type HistogramSink interface {
	EmitHistogram(key wf.HostMetricTagsPair, h *wf.Histogram)
}

// HistogramAccumulator maintains one histBucket per (key) at a fixed
// Granularity (spec §4.C: "per-key t-digest-like distributions at a chosen
// granularity"). An incoming Histogram at a coarser granularity than the
// accumulator's own is rejected rather than merged, since coarsening loses
// precision the accumulator's consumers expect it to retain.
type HistogramAccumulator struct {
	granularity wf.Granularity
	flushEvery  time.Duration
	idleTTL     time.Duration
	sink        HistogramSink

	entries sync.Map // string cache key -> *histEntry

	stopCh  chan struct{}
	wg      sync.WaitGroup
	stopped atomic.Bool
}

func NewHistogramAccumulator(granularity wf.Granularity, flushEvery time.Duration, sink HistogramSink) *HistogramAccumulator {
	return &HistogramAccumulator{
		granularity: granularity,
		flushEvery:  flushEvery,
		idleTTL:     5 * flushEvery,
		sink:        sink,
		stopCh:      make(chan struct{}),
	}
}

func (a *HistogramAccumulator) entryFor(key wf.HostMetricTagsPair) *histEntry {
	cacheKey := key.CacheKey()
	v, loaded := a.entries.Load(cacheKey)
	if !loaded {
		v, _ = a.entries.LoadOrStore(cacheKey, &histEntry{key: key, bucket: newHistBucket(), lastTouch: time.Now()})
	}
	return v.(*histEntry)
}

// AddSample merges one scalar sample (a point's value) into key's bucket.
func (a *HistogramAccumulator) AddSample(key wf.HostMetricTagsPair, value float64) {
	e := a.entryFor(key)
	e.bucket.mergeSample(value)
	e.touch()
}

// AddHistogram merges an incoming wf.Histogram bin-by-bin. Returns false
// without merging when h is coarser than the accumulator's own granularity
// (spec §4.C).
func (a *HistogramAccumulator) AddHistogram(key wf.HostMetricTagsPair, h *wf.Histogram) bool {
	if !h.Accepts(a.granularity) {
		return false
	}
	e := a.entryFor(key)
	e.bucket.mergeHistogram(h)
	e.touch()
	return true
}

func (a *HistogramAccumulator) Start() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.flushEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.flushAndEvict()
			case <-a.stopCh:
				return
			}
		}
	}()
}

func (a *HistogramAccumulator) Stop() {
	if !a.stopped.CompareAndSwap(false, true) {
		return
	}
	close(a.stopCh)
	a.wg.Wait()
	a.flushAndEvict()
}

func (a *HistogramAccumulator) flushAndEvict() {
	a.entries.Range(func(k, v any) bool {
		e := v.(*histEntry)
		bins := e.bucket.drain()
		if len(bins) > 0 {
			a.sink.EmitHistogram(e.key, binsToHistogram(bins, a.granularity))
		}
		if e.idleSince() >= a.idleTTL {
			a.entries.Delete(k)
		}
		return true
	})
}

func binsToHistogram(bins map[float64]int64, g wf.Granularity) *wf.Histogram {
	h := &wf.Histogram{DurationMs: g.Duration(), Bins: make([]wf.Bin, 0, len(bins))}
	for centroid, count := range bins {
		h.Bins = append(h.Bins, wf.Bin{Centroid: centroid, Count: count})
	}
	return h
}

// Quantile reports key's current p-quantile estimate from its live sketch,
// without draining it. The check-in metrics snapshot does not include it.
func (a *HistogramAccumulator) Quantile(key wf.HostMetricTagsPair, q float64) (float64, bool) {
	v, loaded := a.entries.Load(key.CacheKey())
	if !loaded {
		return 0, false
	}
	return v.(*histEntry).bucket.quantile(q)
}

func (a *HistogramAccumulator) Size() int {
	n := 0
	a.entries.Range(func(_, _ any) bool { n++; return true })
	return n
}
