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

// Annotation is a single key/value pair on a span. Spans keep annotations
// as an ordered slice, not a map: duplicate keys and order are significant
// for trace rendering and for rule-engine firstMatchOnly semantics.
type Annotation struct {
	Key   string
	Value string
}

// Span is a single unit of work in a distributed trace.
type Span struct {
	Name        string
	Source      string
	TraceID     string
	SpanID      string
	Parents     []string
	FollowsFrom []string
	StartMs     int64
	DurationMs  int64
	Annotations []Annotation
}

// Annotation key names the RED-metric reporter and heartbeat keying look
// for. These mirror the well-known Wavefront span tag vocabulary.
const (
	AnnotationApplication = "application"
	AnnotationService     = "service"
	AnnotationCluster     = "cluster"
	AnnotationShard       = "shard"
	AnnotationComponent   = "component"
	AnnotationError       = "error"
)

// Get returns the value of the first annotation with the given key.
func (s *Span) Get(key string) (string, bool) {
	for _, a := range s.Annotations {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

// HasErrorTag reports whether the span carries an annotation error=true.
func (s *Span) HasErrorTag() bool {
	v, ok := s.Get(AnnotationError)
	return ok && v == "true"
}

// SpanLog is one logged event attached to a span.
type SpanLog struct {
	TimestampMs int64
	Fields      map[string]string
}

// SpanLogs groups all logs for one span.
type SpanLogs struct {
	TraceID string
	SpanID  string
	Logs    []SpanLog
}
