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

import "testing"

func TestSpan_GetReturnsFirstMatch(t *testing.T) {
	s := &Span{Annotations: []Annotation{{Key: "service", Value: "first"}, {Key: "service", Value: "second"}}}
	v, ok := s.Get("service")
	if !ok || v != "first" {
		t.Fatalf("got (%q, %v), want (\"first\", true)", v, ok)
	}
	if _, ok := s.Get("missing"); ok {
		t.Fatalf("expected missing key to report ok=false")
	}
}

func TestSpan_HasErrorTag(t *testing.T) {
	errSpan := &Span{Annotations: []Annotation{{Key: AnnotationError, Value: "true"}}}
	if !errSpan.HasErrorTag() {
		t.Fatalf("expected error=true to report HasErrorTag")
	}
	falseSpan := &Span{Annotations: []Annotation{{Key: AnnotationError, Value: "false"}}}
	if falseSpan.HasErrorTag() {
		t.Fatalf("expected error=false to not report HasErrorTag")
	}
	noTagSpan := &Span{}
	if noTagSpan.HasErrorTag() {
		t.Fatalf("expected a span with no error annotation to not report HasErrorTag")
	}
}
