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
	"testing"

	"ingestproxy/pkg/wf"
)

func TestChain_AppliesRulesInOrderAndCountsMetrics(t *testing.T) {
	chain := NewChain[*wf.Point](PointExpander,
		&AddTag{Key: "env", Value: "prod"},
		&AddTag{Key: "env", Value: "staging"}, // second rule overwrites the first
	)
	p := &wf.Point{Metric: "cpu.load", Source: "host1"}
	chain.Apply(p)

	if got := p.Annotations["env"]; got != "staging" {
		t.Fatalf("expected the later rule to win, got %q", got)
	}
	if chain.Len() != 2 {
		t.Fatalf("got Len()=%d, want 2", chain.Len())
	}
	if m := chain.MetricsFor(0); m == nil || m.Applied.Load() != 1 {
		t.Fatalf("expected rule 0 to record one Applied count")
	}
	if chain.MetricsFor(-1) != nil || chain.MetricsFor(2) != nil {
		t.Fatalf("expected out-of-range MetricsFor to return nil")
	}
}

func TestChain_EmptyChainIsANoOp(t *testing.T) {
	chain := NewChain[*wf.Point](PointExpander)
	p := &wf.Point{Metric: "cpu.load"}
	chain.Apply(p)
	if chain.Len() != 0 {
		t.Fatalf("expected a zero-rule chain to have Len()=0")
	}
}

func TestExpandTemplate_UnresolvedPlaceholderBecomesEmpty(t *testing.T) {
	p := &wf.Point{Metric: "cpu.load", Source: "host1"}
	got := PointExpander(p, "{{source}}/{{metric}}/{{annotation.missing}}/{{unknown}}")
	if want := "host1/cpu.load//"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
