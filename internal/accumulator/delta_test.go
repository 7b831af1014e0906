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
	"testing"
	"time"

	"ingestproxy/pkg/wf"
)

type deltaSinkMock struct {
	mu    sync.Mutex
	emits map[string]float64
	count int
}

func newDeltaSinkMock() *deltaSinkMock { return &deltaSinkMock{emits: map[string]float64{}} }

func (s *deltaSinkMock) EmitDelta(key wf.HostMetricTagsPair, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emits[key.CacheKey()] += value
	s.count++
}

func TestDeltaAccumulator_MergesAddsBeforeFlush(t *testing.T) {
	sink := newDeltaSinkMock()
	acc := NewDeltaAccumulator(time.Hour, sink)
	key := wf.HostMetricTagsPair{Host: "h1", Metric: "requests"}
	acc.Add(key, 3)
	acc.Add(key, -1)
	acc.Add(key, 5)

	acc.flushAndEvict()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if got := sink.emits[key.CacheKey()]; got != 7 {
		t.Fatalf("got %v, want 7", got)
	}
	if sink.count != 1 {
		t.Fatalf("expected exactly one emission for one key, got %d", sink.count)
	}
}

func TestDeltaAccumulator_SkipsZeroValueEmission(t *testing.T) {
	sink := newDeltaSinkMock()
	acc := NewDeltaAccumulator(time.Hour, sink)
	key := wf.HostMetricTagsPair{Host: "h1", Metric: "requests"}
	acc.Add(key, 5)
	acc.Add(key, -5)

	acc.flushAndEvict()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.count != 0 {
		t.Fatalf("expected no emission for a net-zero delta, got %d", sink.count)
	}
}

func TestDeltaAccumulator_StartStopFlushesOnStop(t *testing.T) {
	sink := newDeltaSinkMock()
	acc := NewDeltaAccumulator(time.Hour, sink)
	key := wf.HostMetricTagsPair{Host: "h1", Metric: "requests"}
	acc.Add(key, 42)

	acc.Start()
	acc.Stop() // final flush happens synchronously inside Stop

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if got := sink.emits[key.CacheKey()]; got != 42 {
		t.Fatalf("got %v, want 42 after Stop's final flush", got)
	}
}

func TestDeltaAccumulator_Size(t *testing.T) {
	sink := newDeltaSinkMock()
	acc := NewDeltaAccumulator(time.Hour, sink)
	acc.Add(wf.HostMetricTagsPair{Host: "h1", Metric: "a"}, 1)
	acc.Add(wf.HostMetricTagsPair{Host: "h2", Metric: "b"}, 1)
	if acc.Size() != 2 {
		t.Fatalf("got Size()=%d, want 2", acc.Size())
	}
}
