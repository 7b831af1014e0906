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

// Package accumulator implements the delta-counter and histogram
// accumulators of spec §4.C: cells keyed by wf.HostMetricTagsPair, flushed
// on a cadence, evicted on an idle TTL.
package accumulator

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"ingestproxy/pkg/wf"
)

// deltaCell is a single accumulator slot: an atomic running sum plus a last-
// touched timestamp for idle-TTL eviction. Grounded on plugin/tfd's SShard
// single-writer-per-shard shape, generalized from an int64 open-addressed
// table keyed by packed (keyID,bucketID) to a sync.Map keyed by the
// string-valued wf.HostMetricTagsPair.CacheKey(), since delta-counter keys
// carry an arbitrary tag set that does not pack into a fixed-width integer.
type deltaCell struct {
	key       wf.HostMetricTagsPair
	sumBits   atomic.Uint64 // math.Float64bits(sum); CompareAndSwap loop for add
	lastTouch atomic.Int64  // unix nanos
}

func newDeltaCell(key wf.HostMetricTagsPair) *deltaCell {
	c := &deltaCell{key: key}
	c.lastTouch.Store(time.Now().UnixNano())
	return c
}

// add atomically merges delta into the running sum, matching the spec's
// "AtomicDouble cell" requirement: no reader ever observes a half-applied
// add.
func (c *deltaCell) add(delta float64) {
	for {
		old := c.sumBits.Load()
		newSum := math.Float64frombits(old) + delta
		if c.sumBits.CompareAndSwap(old, math.Float64bits(newSum)) {
			c.lastTouch.Store(time.Now().UnixNano())
			return
		}
	}
}

// readReset atomically reads the sum and resets it to zero.
func (c *deltaCell) readReset() float64 {
	old := c.sumBits.Swap(0)
	return math.Float64frombits(old)
}

func (c *deltaCell) idleSince() time.Duration {
	return time.Since(time.Unix(0, c.lastTouch.Load()))
}

// DeltaSink receives one emitted (key, value) pair; the sender pool
// implements this by constructing and offering a wf.Point, bypassing
// re-validation per spec §4.C.
type DeltaSink interface {
	EmitDelta(key wf.HostMetricTagsPair, value float64)
}

// DeltaAccumulator aggregates scalar deltas per wf.HostMetricTagsPair and
// flushes them on aggregationInterval, evicting cells idle for
// 5×aggregationInterval.
type DeltaAccumulator struct {
	cells sync.Map // string cache key -> *deltaCell

	aggregationInterval time.Duration
	idleTTL             time.Duration
	sink                DeltaSink

	stopCh  chan struct{}
	wg      sync.WaitGroup
	stopped atomic.Bool
}

func NewDeltaAccumulator(aggregationInterval time.Duration, sink DeltaSink) *DeltaAccumulator {
	return &DeltaAccumulator{
		aggregationInterval: aggregationInterval,
		idleTTL:             5 * aggregationInterval,
		sink:                sink,
		stopCh:              make(chan struct{}),
	}
}

// Add merges delta into the cell for key, creating it on first touch.
func (a *DeltaAccumulator) Add(key wf.HostMetricTagsPair, delta float64) {
	cacheKey := key.CacheKey()
	v, loaded := a.cells.Load(cacheKey)
	if !loaded {
		v, _ = a.cells.LoadOrStore(cacheKey, newDeltaCell(key))
	}
	v.(*deltaCell).add(delta)
}

// Start launches the flush loop. Grounded on internal/ratelimiter/core's
// Worker ticker-driven commit loop, generalized to also run idle eviction
// on the same tick instead of a separate goroutine, since both operations
// need the same cell enumeration pass.
func (a *DeltaAccumulator) Start() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.aggregationInterval)
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

func (a *DeltaAccumulator) Stop() {
	if !a.stopped.CompareAndSwap(false, true) {
		return
	}
	close(a.stopCh)
	a.wg.Wait()
	a.flushAndEvict() // final flush
}

// flushAndEvict reads and resets every cell, emitting non-zero values, and
// removes cells idle longer than idleTTL — emitting any non-zero residual
// first, per spec §4.C ("eviction also emitting any non-zero value").
func (a *DeltaAccumulator) flushAndEvict() {
	a.cells.Range(func(k, v any) bool {
		cell := v.(*deltaCell)
		value := cell.readReset()
		if value != 0 {
			a.sink.EmitDelta(cell.key, value)
		}
		if cell.idleSince() >= a.idleTTL {
			a.cells.Delete(k)
		}
		return true
	})
}

// Size reports the number of live cells, used by check-in metrics.
func (a *DeltaAccumulator) Size() int {
	n := 0
	a.cells.Range(func(_, _ any) bool { n++; return true })
	return n
}
