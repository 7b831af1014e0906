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

func TestAddTagIfNotExists_SkipsExistingKey(t *testing.T) {
	p := &wf.Point{Annotations: map[string]string{"env": "prod"}}
	r := &AddTagIfNotExists{Key: "env", Value: "staging"}
	r.Apply(p, PointExpander)
	if p.Annotations["env"] != "prod" {
		t.Fatalf("expected existing tag to be left alone, got %q", p.Annotations["env"])
	}
}

func TestDropTag_RemovesMatchingKeys(t *testing.T) {
	p := &wf.Point{Annotations: map[string]string{"tmp.a": "1", "tmp.b": "2", "keep": "3"}}
	r := &DropTag{KeyPattern: regexp.MustCompile(`^tmp\.`)}
	r.Apply(p, PointExpander)
	if len(p.Annotations) != 1 || p.Annotations["keep"] != "3" {
		t.Fatalf("expected only non-matching tags to survive, got %v", p.Annotations)
	}
}

func TestRenameTag_MovesValueToNewKey(t *testing.T) {
	p := &wf.Point{Annotations: map[string]string{"old": "v"}}
	r := &RenameTag{From: "old", To: "new"}
	r.Apply(p, PointExpander)
	if _, exists := p.Annotations["old"]; exists {
		t.Fatalf("expected old key to be removed")
	}
	if p.Annotations["new"] != "v" {
		t.Fatalf("expected new key to carry the value, got %q", p.Annotations["new"])
	}
}

func TestExtractTag_RewritesSourceField(t *testing.T) {
	p := &wf.Point{Source: "host-42.prod.example.com"}
	r := &ExtractTag{
		Field:     PointInputField{Source: true},
		Pattern:   regexp.MustCompile(`^host-(\d+)`),
		Key:       "hostIndex",
		RewriteTo: "clean-{{extracted}}",
	}
	r.Apply(p, PointExpander)
	if p.Annotations["hostIndex"] != "42" {
		t.Fatalf("got hostIndex=%q, want 42", p.Annotations["hostIndex"])
	}
	if p.Source != "clean-42" {
		t.Fatalf("got Source=%q, want clean-42", p.Source)
	}
}

func TestLimitLength_TruncateWithEllipsis(t *testing.T) {
	p := &wf.Point{Metric: "a.very.long.metric.name"}
	r := &LimitLength{Field: PointInputField{Metric: true}, MaxLength: 10, Action: ActionTruncateWithEllipsis}
	r.Apply(p, PointExpander)
	if p.Metric != "a.very...." {
		t.Fatalf("got %q, want \"a.very....\"", p.Metric)
	}
}

func TestForceLowercase_GatedByPattern(t *testing.T) {
	p := &wf.Point{Metric: "CPU.LOAD"}
	r := &ForceLowercase{Field: PointInputField{Metric: true}, MatchPattern: regexp.MustCompile(`^CPU`)}
	r.Apply(p, PointExpander)
	if p.Metric != "cpu.load" {
		t.Fatalf("got %q, want cpu.load", p.Metric)
	}

	p2 := &wf.Point{Metric: "MEM.USED"}
	r.Apply(p2, PointExpander)
	if p2.Metric != "MEM.USED" {
		t.Fatalf("expected non-matching metric to be left alone, got %q", p2.Metric)
	}
}

func TestReplaceRegex_SubstitutesWithExpandedReplacement(t *testing.T) {
	p := &wf.Point{Source: "host-1", Metric: "cpu.load"}
	r := &ReplaceRegex{Field: PointInputField{Source: true}, Search: regexp.MustCompile(`^host`), Replacement: "{{metric}}-node"}
	r.Apply(p, PointExpander)
	if p.Source != "cpu.load-node-1" {
		t.Fatalf("got %q, want cpu.load-node-1", p.Source)
	}
}
