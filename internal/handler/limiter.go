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
	"sync/atomic"

	"golang.org/x/time/rate"
)

// logRateLimiter caps the main-log line rate at blockedItemsPerBatch/10 per
// second (spec §4.A), leaving the full-rate blocked-items log path
// unaffected. Wraps golang.org/x/time/rate rather than a hand-rolled
// token bucket: that package is already a dependency elsewhere in the
// domain stack (see SPEC_FULL.md) for the sender-task rate limiter, and
// its Allow() is exactly the non-blocking check this call site needs.
type logRateLimiter struct {
	limiter *rate.Limiter
	perSec  atomic.Value // float64, updated by SetBlockedItemsPerBatch
}

func newLogRateLimiter(blockedItemsPerBatch int) *logRateLimiter {
	perSec := float64(blockedItemsPerBatch) / 10.0
	if perSec <= 0 {
		perSec = 1
	}
	l := &logRateLimiter{limiter: rate.NewLimiter(rate.Limit(perSec), max(1, int(perSec)))}
	l.perSec.Store(perSec)
	return l
}

func (l *logRateLimiter) Allow() bool {
	return l.limiter.Allow()
}

// SetBlockedItemsPerBatch retunes the line rate to blockedItemsPerBatch/10
// per second. Nothing outside this package's tests calls it; the check-in
// controller does not retune it.
func (l *logRateLimiter) SetBlockedItemsPerBatch(blockedItemsPerBatch int) {
	perSec := float64(blockedItemsPerBatch) / 10.0
	if perSec <= 0 {
		perSec = 1
	}
	l.limiter.SetLimit(rate.Limit(perSec))
	l.limiter.SetBurst(max(1, int(perSec)))
	l.perSec.Store(perSec)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
