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

// Package trace implements spec §4.G's span fan-in tail: probabilistic
// sampling, RED-style derived metrics, and heartbeat emission, grounded on
// internal/ratelimiter/telemetry/churn/exporter.go's per-key atomic
// aggregate map, idle-TTL eviction, and periodic publish loop.
package trace

import (
	"math"
	"math/rand"
	"sync/atomic"

	"ingestproxy/pkg/wf"
)

// Sampler decides whether a span is forwarded to the span handler. Rate is
// stored as float64 bits behind an atomic so check-in can retune it without
// a lock on the hot decode path.
type Sampler struct {
	rateBits   atomic.Uint64
	alwaysErrs atomic.Bool
}

// NewSampler builds a Sampler at the given rate (0..1) with alwaysSampleErrors
// applied as the spec's OR-term rather than folded into rate.
func NewSampler(rate float64, alwaysSampleErrors bool) *Sampler {
	s := &Sampler{}
	s.SetRate(rate)
	s.alwaysErrs.Store(alwaysSampleErrors)
	return s
}

func (s *Sampler) SetRate(rate float64) {
	if rate < 0 {
		rate = 0
	}
	if rate > 1 {
		rate = 1
	}
	s.rateBits.Store(math.Float64bits(rate))
}

func (s *Sampler) Rate() float64 {
	return math.Float64frombits(s.rateBits.Load())
}

func (s *Sampler) SetAlwaysSampleErrors(v bool) { s.alwaysErrs.Store(v) }

// decide is the sampler's own probabilistic vote, independent of the span's
// error tag.
func (s *Sampler) decide() bool {
	rate := s.Rate()
	if rate <= 0 {
		return false
	}
	if rate >= 1 {
		return true
	}
	return rand.Float64() < rate
}

// Decide implements the full spec §4.G step 3 formula: sample =
// sampler.decide(span) || (alwaysSampleErrors && hasErrorTag(span)).
func (s *Sampler) Decide(span *wf.Span) bool {
	return s.decide() || (s.alwaysErrs.Load() && span.HasErrorTag())
}

// ApplySamplingRate lets the check-in controller retune the sampling rate
// at runtime (spec §4.F step 3: "other fields... sampling... apply to the
// appropriate component immediately"). It takes the already-decoded
// *float64 sampling rate rather than the checkin package's
// AgentConfiguration, to avoid an import cycle; nil leaves the rate as is.
func (s *Sampler) ApplySamplingRate(rate *float64) {
	if rate == nil {
		return
	}
	s.SetRate(*rate)
}
