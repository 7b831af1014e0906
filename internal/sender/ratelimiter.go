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

// Package sender implements the per-HandlerKey sender-task pool: batching,
// rate limiting, HTTP submission, and the pushback/backoff/dead-letter
// state machine of spec §4.D.
package sender

import (
	"time"

	"golang.org/x/time/rate"
)

// TaskLimiter wraps a token bucket sized to rateLimit tokens/second with
// burst capacity rateLimit*rateLimitMaxBurstSeconds, grounded on cortex
// distributor's getOrCreateIngestLimiter (a lazily-built *rate.Limiter
// cached per tenant, here cached per sender task instead).
type TaskLimiter struct {
	limiter *rate.Limiter
}

func NewTaskLimiter(rateLimit float64, maxBurstSeconds float64) *TaskLimiter {
	burst := int(rateLimit * maxBurstSeconds)
	if burst < 1 {
		burst = 1
	}
	return &TaskLimiter{limiter: rate.NewLimiter(rate.Limit(rateLimit), burst)}
}

// AllowN reports whether n tokens (task.Weight()) are available right now,
// consuming them if so. Spec §4.D step 2: "if insufficient within the
// flush window, leave the task buffered" — a non-blocking check, never a
// wait, so one slow task cannot stall the flush loop of its siblings.
func (l *TaskLimiter) AllowN(n int) bool {
	return l.limiter.AllowN(time.Now(), n)
}

// SetLimit updates the rate, used by the check-in controller when the
// backend pushes a new rateLimit tunable.
func (l *TaskLimiter) SetLimit(rateLimit, maxBurstSeconds float64) {
	burst := int(rateLimit * maxBurstSeconds)
	if burst < 1 {
		burst = 1
	}
	l.limiter.SetLimit(rate.Limit(rateLimit))
	l.limiter.SetBurst(burst)
}
