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

package wf

import "regexp"

// AnnotationKeyPattern is the validation pattern for annotation (tag) keys,
// per the ingestion invariant: keys must match [a-zA-Z0-9-_.]+.
var AnnotationKeyPattern = regexp.MustCompile(`^[a-zA-Z0-9\-_.]+$`)

// DeltaPrefix marks a metric name as a delta counter. Points whose metric
// does not carry this prefix are rejected on a delta-typed handle, and
// vice versa.
const DeltaPrefix = "∆" // U+2206 INCREMENT, the Wavefront delta marker

// Point is a single metric sample. Value holds either a scalar (Histogram
// is nil) or an embedded distribution (Histogram is non-nil and Value is
// ignored by senders).
type Point struct {
	Metric      string
	Source      string
	Timestamp   int64 // unix millis
	Value       float64
	Histogram   *Histogram
	Annotations map[string]string
}

// IsDelta reports whether Metric carries the delta-counter marker.
func (p *Point) IsDelta() bool {
	return len(p.Metric) > 0 && hasDeltaPrefix(p.Metric)
}

func hasDeltaPrefix(metric string) bool {
	return len(metric) >= len(DeltaPrefix) && metric[:len(DeltaPrefix)] == DeltaPrefix
}

// ValidateAnnotationKeys reports the first offending key, if any.
func ValidateAnnotationKeys(ann map[string]string) (badKey string, ok bool) {
	for k := range ann {
		if !AnnotationKeyPattern.MatchString(k) {
			return k, false
		}
	}
	return "", true
}
