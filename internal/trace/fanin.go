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

import "ingestproxy/pkg/wf"

// SpanReporter is the narrow surface of internal/handler.Handler[*wf.Span]
// this package needs: report a span that was selected for forwarding.
type SpanReporter interface {
	Report(span *wf.Span)
}

// FanIn wires sampler, RED-metric derivation, and heartbeat registration
// together into the single per-span decision spec §4.G describes (steps
// 3-6): preprocessing has already run by the time Observe is called.
type FanIn struct {
	Sampler    *Sampler
	RED        *REDReporter
	Heartbeats *HeartbeatRegistry
	SpanSink   SpanReporter
}

func NewFanIn(sampler *Sampler, red *REDReporter, heartbeats *HeartbeatRegistry, spanSink SpanReporter) *FanIn {
	return &FanIn{Sampler: sampler, RED: red, Heartbeats: heartbeats, SpanSink: spanSink}
}

// Observe runs spec §4.G steps 3-6 for one already-preprocessed span.
func (f *FanIn) Observe(span *wf.Span) {
	if f.Sampler != nil && f.Sampler.Decide(span) && f.SpanSink != nil {
		f.SpanSink.Report(span)
	}

	if f.RED == nil {
		return
	}
	f.RED.Observe(span)

	if f.Heartbeats == nil {
		return
	}
	tuple, ok := ExtractREDKeyTuple(span)
	if !ok {
		return
	}
	f.Heartbeats.Observe(tuple)
}

func (f *FanIn) Start() {
	if f.RED != nil {
		f.RED.Start()
	}
	if f.Heartbeats != nil {
		f.Heartbeats.Start()
	}
}

func (f *FanIn) Stop() {
	if f.RED != nil {
		f.RED.Stop()
	}
	if f.Heartbeats != nil {
		f.Heartbeats.Stop()
	}
}
