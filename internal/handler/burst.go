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

package handler

import (
	"math"
	"sync"
	"time"
)

// burstRate tracks exponentially-decaying 1/5/15-minute receive rates,
// in the shape of the rolling-window aggregates telemetry/churn's exporter
// keeps (append a point per tick, prune anything older than the window),
// but computed incrementally on every Tick rather than on a fixed-interval
// publish loop, since the handler's hot path cannot afford to block on a
// scheduler.
type burstRate struct {
	mu       sync.Mutex
	lastTick time.Time
	rate1m   float64
	rate5m   float64
	rate15m  float64
}

const tickInterval = 5 * time.Second

func newBurstRate() *burstRate {
	return &burstRate{lastTick: time.Now()}
}

// Tick records one event and decays the three moving averages toward zero
// based on elapsed wall time, the same approach as a Unix load average or a
// Dropwizard EWMA meter.
func (b *burstRate) Tick() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(b.lastTick)
	if elapsed <= 0 {
		b.rate1m++
		b.rate5m++
		b.rate15m++
		return
	}
	ticks := elapsed.Seconds() / tickInterval.Seconds()
	b.rate1m = decay(b.rate1m, ticks, time.Minute) + 1
	b.rate5m = decay(b.rate5m, ticks, 5*time.Minute) + 1
	b.rate15m = decay(b.rate15m, ticks, 15*time.Minute) + 1
	b.lastTick = now
}

func decay(value, ticks float64, window time.Duration) float64 {
	alpha := 1 - math.Exp(-ticks*tickInterval.Seconds()/window.Seconds())
	return value * (1 - alpha)
}

// Rates returns the current 1/5/15-minute burst rates in events/second.
func (b *burstRate) Rates() (r1, r5, r15 float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rate1m / 60, b.rate5m / 300, b.rate15m / 900
}
