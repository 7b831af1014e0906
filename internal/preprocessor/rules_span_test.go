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

package preprocessor

import (
	"regexp"
	"testing"

	"ingestproxy/pkg/wf"
)

func TestSpanAddTag_AppendsOrOverwrites(t *testing.T) {
	s := &wf.Span{}
	r := &SpanAddTag{Key: "env", Value: "prod"}
	r.Apply(s, SpanExpander)
	if len(s.Annotations) != 1 || s.Annotations[0].Value != "prod" {
		t.Fatalf("expected a new annotation to be appended, got %v", s.Annotations)
	}
	r2 := &SpanAddTag{Key: "env", Value: "staging"}
	r2.Apply(s, SpanExpander)
	if len(s.Annotations) != 1 || s.Annotations[0].Value != "staging" {
		t.Fatalf("expected the existing annotation to be overwritten in place, got %v", s.Annotations)
	}
}

func TestSpanDropTag_PreservesOrderOfSurvivors(t *testing.T) {
	s := &wf.Span{Annotations: []wf.Annotation{
		{Key: "a", Value: "1"}, {Key: "drop", Value: "x"}, {Key: "b", Value: "2"},
	}}
	r := &SpanDropTag{KeyPattern: regexp.MustCompile(`^drop$`)}
	r.Apply(s, SpanExpander)
	if len(s.Annotations) != 2 || s.Annotations[0].Key != "a" || s.Annotations[1].Key != "b" {
		t.Fatalf("expected [a,b] in order, got %v", s.Annotations)
	}
}

func TestSpanRenameTag_RenamesEveryMatchingOccurrence(t *testing.T) {
	s := &wf.Span{Annotations: []wf.Annotation{{Key: "old", Value: "1"}, {Key: "old", Value: "2"}}}
	r := &SpanRenameTag{From: "old", To: "new"}
	r.Apply(s, SpanExpander)
	for _, a := range s.Annotations {
		if a.Key != "new" {
			t.Fatalf("expected every duplicate annotation to be renamed, got %v", s.Annotations)
		}
	}
}

func TestSpanExtractTag_FirstMatchOnlyStopsAfterOneRewrite(t *testing.T) {
	s := &wf.Span{Annotations: []wf.Annotation{
		{Key: "url", Value: "/api/v1/foo"},
		{Key: "url", Value: "/api/v2/bar"},
	}}
	r := &SpanExtractTag{
		Field:          SpanInputField{Annotation: "url"},
		Pattern:        regexp.MustCompile(`/api/v(\d+)/`),
		Key:            "apiVersion",
		FirstMatchOnly: true,
	}
	r.Apply(s, SpanExpander)
	var found int
	for _, a := range s.Annotations {
		if a.Key == "apiVersion" {
			found++
			if a.Value != "1" {
				t.Fatalf("expected the first match's capture group, got %q", a.Value)
			}
		}
	}
	if found != 1 {
		t.Fatalf("expected exactly one apiVersion annotation, got %d", found)
	}
}

func TestSpanExpander_ResolvesNameAsMetricAlias(t *testing.T) {
	s := &wf.Span{Name: "checkout", Source: "edge-1"}
	got := SpanExpander(s, "{{source}}:{{metric}}")
	if got != "edge-1:checkout" {
		t.Fatalf("got %q, want edge-1:checkout", got)
	}
}
