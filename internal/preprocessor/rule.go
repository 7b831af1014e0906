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

// Package preprocessor implements the rule engine that mutates points and
// spans, in configuration order, before they reach a handler. Rules never
// reject: rejection stays the handler's job.
package preprocessor

import (
	"strings"
	"sync/atomic"
	"time"
)

// Rule mutates one item in place. T is pkg/wf.Point or pkg/wf.Span; the
// engine is generic over entity kind the same way pkg/wf.SubmissionTask is
// generic over payload kind.
type Rule[T any] interface {
	Apply(item T, expand PlaceholderExpander[T])
	Name() string
}

// PlaceholderExpander resolves {{source}}, {{metric}}, {{annotation.X}}
// against one item; point and span rules supply their own since the set of
// resolvable fields differs per entity kind.
type PlaceholderExpander[T any] func(item T, template string) string

// RuleMetrics is the per-rule counter pair spec §4.B calls for: an applied
// count and a CPU-nanoseconds accumulator, mirroring
// internal/ratelimiter/core's atomic per-rule counters pattern generalized
// from per-key to per-rule.
type RuleMetrics struct {
	Applied atomic.Int64
	CPUNs   atomic.Int64
}

// Chain is an ordered sequence of rules for one entity kind, applied to
// every item that reaches it. Rules are pure mutators; Chain itself never
// rejects.
type Chain[T any] struct {
	rules   []Rule[T]
	metrics []*RuleMetrics
	expand  PlaceholderExpander[T]
}

func NewChain[T any](expand PlaceholderExpander[T], rules ...Rule[T]) *Chain[T] {
	c := &Chain[T]{rules: rules, expand: expand}
	c.metrics = make([]*RuleMetrics, len(rules))
	for i := range c.metrics {
		c.metrics[i] = &RuleMetrics{}
	}
	return c
}

// Apply runs every rule over item in configuration order. Timing is coarse
// (wall-clock per rule, not CPU time): the spec's "ruleCpuNanos" counter is
// a cost signal for operators tuning rule order, not a scheduling input, so
// wall time is an acceptable stand-in and avoids a platform-specific CPU
// clock dependency.
func (c *Chain[T]) Apply(item T) {
	for i, r := range c.rules {
		start := time.Now()
		r.Apply(item, c.expand)
		c.metrics[i].Applied.Add(1)
		c.metrics[i].CPUNs.Add(time.Since(start).Nanoseconds())
	}
}

// MetricsFor returns the counter pair for the rule at index i, used by the
// check-in controller's metrics snapshot.
func (c *Chain[T]) MetricsFor(i int) *RuleMetrics {
	if i < 0 || i >= len(c.metrics) {
		return nil
	}
	return c.metrics[i]
}

func (c *Chain[T]) Len() int { return len(c.rules) }

// expandTemplate performs literal {{placeholder}} substitution with lookup
// supplied by resolve; unresolved placeholders become empty strings per
// spec §8 scenario 8.
func expandTemplate(template string, resolve func(key string) (string, bool)) string {
	if !strings.Contains(template, "{{") {
		return template
	}
	var b strings.Builder
	rest := template
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:start])
		rest = rest[start+2:]
		end := strings.Index(rest, "}}")
		if end < 0 {
			// Unterminated placeholder: emit the literal remainder as-is.
			b.WriteString("{{")
			b.WriteString(rest)
			break
		}
		key := strings.TrimSpace(rest[:end])
		if v, ok := resolve(key); ok {
			b.WriteString(v)
		}
		rest = rest[end+2:]
	}
	return b.String()
}
