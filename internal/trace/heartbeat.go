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

	"ingestproxy/pkg/wf"
)

// heartbeatMetricName follows the well-known Wavefront convention for
// synthetic service-catalog heartbeats.
const heartbeatMetricName = "~component.heartbeat"

// PointSink is the narrow surface HeartbeatRegistry needs to deliver its
// synthetic points; internal/handler.Sink[*wf.Point] already satisfies
// this structurally, so no import of that package is required here.
type PointSink interface {
	Offer(item *wf.Point) bool
}

type heartbeatEntry struct {
	tuple    REDKeyTuple
	lastSeen atomic.Int64 // unix nano
}

// HeartbeatRegistry implements spec §4.G step 6: register a heartbeat key
// for each distinct tuple seen and emit a heartbeat point every 60s until
// its entry expires. Grounded on the same sync.Map-of-atomics plus
// ticker-driven publish loop as REDReporter.
type HeartbeatRegistry struct {
	sink    PointSink
	idleTTL time.Duration
	entries sync.Map // map[string]*heartbeatEntry

	stopCh  chan struct{}
	wg      sync.WaitGroup
	stopped atomic.Bool
}

func NewHeartbeatRegistry(sink PointSink, idleTTL time.Duration) *HeartbeatRegistry {
	if idleTTL <= 0 {
		idleTTL = 15 * time.Minute
	}
	return &HeartbeatRegistry{sink: sink, idleTTL: idleTTL, stopCh: make(chan struct{})}
}

// Observe registers or refreshes the heartbeat key for tuple.
func (h *HeartbeatRegistry) Observe(tuple REDKeyTuple) {
	key := tuple.cacheKey()
	now := time.Now().UnixNano()
	if v, ok := h.entries.Load(key); ok {
		v.(*heartbeatEntry).lastSeen.Store(now)
		return
	}
	entry := &heartbeatEntry{tuple: tuple}
	entry.lastSeen.Store(now)
	h.entries.LoadOrStore(key, entry)
}

func (h *HeartbeatRegistry) Start() {
	h.wg.Add(1)
	go h.loop()
}

func (h *HeartbeatRegistry) Stop() {
	if h.stopped.CompareAndSwap(false, true) {
		close(h.stopCh)
	}
	h.wg.Wait()
}

func (h *HeartbeatRegistry) loop() {
	defer h.wg.Done()
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.emitAndEvict()
		case <-h.stopCh:
			return
		}
	}
}

func (h *HeartbeatRegistry) emitAndEvict() {
	now := time.Now()
	cutoff := now.Add(-h.idleTTL).UnixNano()
	h.entries.Range(func(k, v interface{}) bool {
		entry := v.(*heartbeatEntry)
		if entry.lastSeen.Load() < cutoff {
			h.entries.Delete(k)
			return true
		}
		h.emit(entry.tuple, now)
		return true
	})
}

func (h *HeartbeatRegistry) emit(tuple REDKeyTuple, now time.Time) {
	if h.sink == nil {
		return
	}
	point := &wf.Point{
		Metric:    heartbeatMetricName,
		Source:    tuple.Source,
		Timestamp: now.UnixMilli(),
		Value:     1,
		Annotations: map[string]string{
			wf.AnnotationApplication: tuple.Application,
			wf.AnnotationService:     tuple.Service,
			wf.AnnotationCluster:     tuple.Cluster,
			wf.AnnotationShard:       tuple.Shard,
			wf.AnnotationComponent:   tuple.Component,
		},
	}
	h.sink.Offer(point)
}

// Size reports how many distinct tuples are currently registered.
func (h *HeartbeatRegistry) Size() int {
	n := 0
	h.entries.Range(func(_, _ interface{}) bool { n++; return true })
	return n
}
